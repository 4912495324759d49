package hoststate

import "log/slog"

// Base carries the fields common to every host state variant: the
// execution id and current node id are injected into every log record.
// KV keys are not prefixed with either id; isolation between executions
// comes from each execution having its own KVStore.
type Base struct {
	ExecutionID string
	NodeID      string
	KV          *KVStore
	Config      map[string]string
	Logger      *slog.Logger
}

func newBase(executionID, nodeID string, kv *KVStore, config map[string]string, logger *slog.Logger) Base {
	return Base{
		ExecutionID: executionID,
		NodeID:      nodeID,
		KV:          kv,
		Config:      config,
		Logger:      logger.With("execution_id", executionID, "node_id", nodeID),
	}
}

// TaskHostState is linked against the task-component world.
type TaskHostState struct {
	Base
	TaskID string
}

// NewTaskHostState builds the state passed into a task.execute call.
func NewTaskHostState(executionID, nodeID, taskID string, kv *KVStore, config map[string]string, logger *slog.Logger) *TaskHostState {
	return &TaskHostState{
		Base:   newBase(executionID, nodeID, kv, config, logger),
		TaskID: taskID,
	}
}

// TriggerHostState is linked against the trigger-component world.
type TriggerHostState struct {
	Base
}

// NewTriggerHostState builds the state passed into a trigger.handle call.
func NewTriggerHostState(executionID, nodeID string, kv *KVStore, config map[string]string, logger *slog.Logger) *TriggerHostState {
	return &TriggerHostState{
		Base: newBase(executionID, nodeID, kv, config, logger),
	}
}

// Log forwards to the host observability sink; execution/node ids are
// already attached via Logger.With in newBase.
func (b *Base) Log(level, message string, fields map[string]any) {
	args := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	switch level {
	case "debug":
		b.Logger.Debug(message, args...)
	case "warn":
		b.Logger.Warn(message, args...)
	case "error":
		b.Logger.Error(message, args...)
	default:
		b.Logger.Info(message, args...)
	}
}
