package model

import "fmt"

// HostErrorKind distinguishes the ways a component invocation can fail
// inside the Wasm host, wrapped by ComponentExecutionError.
type HostErrorKind string

const (
	HostInstantiation HostErrorKind = "instantiation"
	HostTrap          HostErrorKind = "trap"
	HostComponentErr  HostErrorKind = "component_error"
)

// HostError is the cause carried inside a ComponentExecutionError.
type HostError struct {
	Kind    HostErrorKind
	Message string
}

func (e *HostError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// InvalidGraphError is returned before any execution starts: more than one
// trigger node, an orphan non-trigger node, or a dangling dependency.
type InvalidGraphError struct {
	Reason string
}

func (e *InvalidGraphError) Error() string { return "invalid graph: " + e.Reason }

// ComponentLoadError reports a registry miss, bad bytes, or compile failure
// for the given node.
type ComponentLoadError struct {
	NodeID string
	Cause  error
}

func (e *ComponentLoadError) Error() string {
	return fmt.Sprintf("component load failed for node %q: %v", e.NodeID, e.Cause)
}
func (e *ComponentLoadError) Unwrap() error { return e.Cause }

// InputResolutionError reports a template render failure, missing required
// field, or type coercion failure for the given node.
type InputResolutionError struct {
	NodeID string
	Msg    string
}

func (e *InputResolutionError) Error() string {
	return fmt.Sprintf("input resolution failed for node %q: %s", e.NodeID, e.Msg)
}

// ComponentExecutionError wraps an Instantiation/Trap/ComponentError that
// occurred while calling the component. ComponentError specifically is not
// automatically fatal — the runtime consults node/workflow criticality.
type ComponentExecutionError struct {
	NodeID string
	Host   *HostError
}

func (e *ComponentExecutionError) Error() string {
	return fmt.Sprintf("component execution failed for node %q: %v", e.NodeID, e.Host)
}
func (e *ComponentExecutionError) Unwrap() error { return e.Host }

// TimeoutError reports that a node's own deadline context expired during
// a component call or an Http node's outbound request.
type TimeoutError struct {
	NodeID string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("node %q timed out", e.NodeID)
}

// CancelledError fires when the execution's cancellation token has been
// triggered; it short-circuits the whole execution to Failed.
type CancelledError struct{}

func (e *CancelledError) Error() string { return "execution cancelled" }

// InvalidOutputError reports a task that returned non-JSON data.
type InvalidOutputError struct {
	NodeID string
	Msg    string
}

func (e *InvalidOutputError) Error() string {
	return fmt.Sprintf("invalid output from node %q: %s", e.NodeID, e.Msg)
}
