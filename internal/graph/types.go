// Package graph defines the locked-workflow data model: nodes, component
// references, and the dependency graph the scheduler walks.
package graph

import "encoding/json"

// NodeKind tags the variant held by a Node.
type NodeKind string

const (
	KindTrigger   NodeKind = "trigger"
	KindHttp      NodeKind = "http"
	KindComponent NodeKind = "component"
	KindJoin      NodeKind = "join"
	KindLoop      NodeKind = "loop"
)

// RetryPolicy governs a built-in Http node's outbound call: MaxAttempts
// total tries with exponential backoff starting at InitialWait. A node's own
// Retry overrides the workflow's DefaultRetry; neither set means one
// attempt, no retry. MaxWait and Multiplier are accepted for forward
// compatibility with richer backoff shaping but are not yet consulted —
// internal/resilience.Retry always doubles and caps at 60s.
type RetryPolicy struct {
	MaxAttempts int     `json:"max_attempts"`
	InitialWait int     `json:"initial_wait_ms"`
	MaxWait     int     `json:"max_wait_ms"`
	Multiplier  float64 `json:"multiplier"`
}

// TriggerKind is the event shape a trigger component handles.
type TriggerKind string

const (
	TriggerPoll    TriggerKind = "poll"
	TriggerWebhook TriggerKind = "webhook"
)

// TriggerSpec describes a Trigger node's binding.
type TriggerSpec struct {
	Component ComponentRef `json:"component"`
	Kind      TriggerKind  `json:"kind"`
}

// HttpSpec describes a built-in Http node: method/URL/headers/body are all
// Stage-1 template strings resolved against upstream envelope data before
// being issued.
type HttpSpec struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
}

// ComponentSpec binds a Component node to its compiled export and declares
// the per-input template/coercion instructions.
type ComponentSpec struct {
	Component ComponentRef      `json:"component"`
	Inputs    map[string]string `json:"inputs"`
}

// JoinSpec is a synchronization node: it runs once every node in the Join
// node's DependsOn is terminal and produces a branch-status envelope (see
// internal/model) over the listed upstream ids, or over DependsOn when the
// list is empty.
type JoinSpec struct {
	Upstreams []string `json:"upstreams"`
}

// LoopSpec is an interface-only stub: the loop driver is an external
// collaborator, this repo only surfaces it to the scheduler as a single
// pass-through node; its fields are not validated.
type LoopSpec struct {
	Body      string `json:"body"`
	MaxRounds int    `json:"max_rounds"`
}

// ComponentRef identifies a compiled workflow component by content digest.
type ComponentRef struct {
	Name         string          `json:"name"`
	Version      string          `json:"version"`
	Digest       string          `json:"digest"` // sha256 hex, content-addressed
	Export       string          `json:"export"`
	InputSchema  json.RawMessage `json:"input_schema,omitempty"`
	Capabilities []string        `json:"capabilities,omitempty"`
}

// Node is a tagged-union graph vertex: exactly one of the Kind-specific
// fields is populated, selected by Kind.
type Node struct {
	ID        string       `json:"id"`
	Kind      NodeKind     `json:"kind"`
	DependsOn []string     `json:"depends_on,omitempty"`
	Retry     *RetryPolicy `json:"retry,omitempty"`
	TimeoutMs int          `json:"timeout_ms,omitempty"`
	// Critical defaults to true (nil means critical) per the workflow's
	// default failure-propagation policy; set false to mark a node whose
	// failure should not fail the whole execution.
	Critical *bool `json:"critical,omitempty"`

	Trigger   *TriggerSpec   `json:"trigger,omitempty"`
	Http      *HttpSpec      `json:"http,omitempty"`
	Component *ComponentSpec `json:"component,omitempty"`
	Join      *JoinSpec      `json:"join,omitempty"`
	Loop      *LoopSpec      `json:"loop,omitempty"`
}

// Upstreams returns the node ids this node depends on, uniformly across
// variants: it reads DependsOn only (JoinSpec.Upstreams is not merged into
// it); kept as a method for call-site clarity.
func (n *Node) Upstreams() []string {
	return n.DependsOn
}

// IsCritical reports the node's failure-propagation policy; unset means
// critical (the default).
func (n *Node) IsCritical() bool {
	return n.Critical == nil || *n.Critical
}

// Graph is the adjacency structure the scheduler consumes.
type Graph struct {
	Nodes map[string]*Node `json:"nodes"`
}

// LockedWorkflow is the fully resolved, ready-to-execute workflow: every
// component reference has a digest, every node is present in Graph.
type LockedWorkflow struct {
	ID               string       `json:"id"`
	Name             string       `json:"name"`
	DefaultTimeoutMs int          `json:"default_timeout_ms,omitempty"`
	DefaultRetry     *RetryPolicy `json:"default_retry,omitempty"`
	Graph            Graph        `json:"graph"`
}
