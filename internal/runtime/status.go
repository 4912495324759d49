// Package runtime implements the top-level invoke(payload, cancel)
// entrypoint: trigger gating, wave-based parallel dispatch, and status
// aggregation.
package runtime

import "github.com/wfcore/engine/internal/model"

// aggregateStatus applies the propagation rule: a critical failure fails
// the whole execution; a non-critical failure alone yields
// completed_with_errors; otherwise succeeded. Cancellation is handled
// separately by the caller, which short-circuits before this is reached.
func aggregateStatus(results map[string]*model.NodeResult) model.ExecutionStatus {
	sawFailure := false
	for _, r := range results {
		if r.Status != model.NodeFailed {
			continue
		}
		sawFailure = true
		if r.Critical {
			return model.Failed
		}
	}
	if sawFailure {
		return model.CompletedWithErrors
	}
	return model.Succeeded
}
