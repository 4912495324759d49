// Package model holds the wire shapes produced and consumed at execution
// boundaries: envelopes, node results, execution results, and the error
// taxonomy.
package model

import (
	"encoding/json"
	"time"
)

// Artifact is a reference to a blob held in the (out-of-scope) artifact
// store — the envelope carries only the pointer, never the bytes.
type Artifact struct {
	ArtifactID  string `json:"artifact_id"`
	ContentType string `json:"content_type"`
}

// Envelope is the data unit passed between nodes: every node produces one
// on success. Artifacts is reserved for components that register blobs in
// the artifact store; the store itself is an external collaborator, so no
// node in this tree populates it yet.
type Envelope struct {
	WorkflowID string          `json:"workflow_id"`
	NodeID     string          `json:"node_id"`
	TaskID     string          `json:"task_id"`
	StartedAt  time.Time       `json:"started_at"`
	Artifacts  []Artifact      `json:"artifacts,omitempty"`
	Data       json.RawMessage `json:"data"`
}

// NodeStatus is the per-node outcome recorded in an ExecutionResult.
type NodeStatus string

const (
	NodeSucceeded NodeStatus = "succeeded"
	NodeFailed    NodeStatus = "failed"
	NodeSkipped   NodeStatus = "skipped"
)

// NodeResult is the per-node record inserted into the execution's results
// map exactly once.
type NodeResult struct {
	NodeID    string     `json:"node_id"`
	Status    NodeStatus `json:"status"`
	Envelope  *Envelope  `json:"envelope,omitempty"`
	Error     string     `json:"error,omitempty"`
	Critical  bool       `json:"critical"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   time.Time  `json:"ended_at"`
}

// ExecutionStatus is the final aggregated status of an invocation.
type ExecutionStatus string

const (
	Succeeded           ExecutionStatus = "succeeded"
	CompletedWithErrors ExecutionStatus = "completed_with_errors"
	Failed              ExecutionStatus = "failed"
)

// ExecutionResult is the top-level return value of invoke().
type ExecutionResult struct {
	WorkflowID string                 `json:"workflow_id"`
	Status     ExecutionStatus        `json:"status"`
	Nodes      map[string]*NodeResult `json:"nodes"`
	Note       string                 `json:"note,omitempty"`
}

// JoinBranch is one entry in a Join node's output envelope.
type JoinBranch struct {
	Status NodeStatus      `json:"status"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// JoinOutput is the fixed shape produced by a Join node: a map of upstream
// branch id to its outcome.
type JoinOutput struct {
	Branches map[string]JoinBranch `json:"branches"`
}
