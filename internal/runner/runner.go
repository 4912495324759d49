// Package runner provides a thin channel-based façade over the runtime so
// external trigger sources (poll timers, webhook handlers) can feed
// payloads without each owning their own invocation plumbing.
package runner

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/wfcore/engine/internal/model"
)

// Invoker is the surface Runner needs from a runtime.Runtime.
type Invoker interface {
	Invoke(ctx context.Context, payload json.RawMessage, cancel <-chan struct{}) (*model.ExecutionResult, error)
}

// payloadMsg pairs a payload with the channel its result should land on.
type payloadMsg struct {
	payload json.RawMessage
	result  chan<- *invokeOutcome
}

type invokeOutcome struct {
	res *model.ExecutionResult
	err error
}

// Runner owns one runtime handle that may be shared across trigger
// sources (poll schedules, webhook handlers) feeding it through the same
// channel.
type Runner struct {
	rt       Invoker
	payloads chan payloadMsg
	logger   *slog.Logger
	manager  *Manager

	cron *cron.Cron
}

// New builds a Runner around rt with a payload channel buffered to 256
// entries (Submit blocks while it is full) and a seconds-resolution cron
// scheduler for poll-trigger sources.
func New(rt Invoker, manager *Manager, logger *slog.Logger) *Runner {
	return &Runner{
		rt:       rt,
		payloads: make(chan payloadMsg, 256),
		logger:   logger,
		manager:  manager,
		cron:     cron.New(cron.WithSeconds()),
	}
}

// Sender returns a handle external trigger sources use to submit a
// payload: it calls Run directly (not through the payload channel) and
// blocks until the invocation's result is available.
func (r *Runner) Sender() func(payload json.RawMessage) (*model.ExecutionResult, error) {
	return func(payload json.RawMessage) (*model.ExecutionResult, error) {
		_, res, err := r.Run(payload)
		return res, err
	}
}

// Run invokes the runtime directly for payload and waits for the result —
// the synchronous counterpart to Start's async loop. The returned id can be
// passed to Manager.Cancel to abort the invocation from another goroutine.
func (r *Runner) Run(payload json.RawMessage) (string, *model.ExecutionResult, error) {
	ctx := context.Background()
	id := uuid.NewString()
	cancel := r.manager.Register(ctx, id)
	res, err := r.rt.Invoke(ctx, payload, cancel)
	status := StatusCompleted
	if err != nil {
		status = StatusFailed
	} else if res.Status == model.Failed {
		status = StatusFailed
	}
	r.manager.Complete(ctx, id, status)
	return id, res, err
}

// Start loops receiving payloads off the internal channel and spawning one
// invoke per payload, until cancel fires.
func (r *Runner) Start(cancel <-chan struct{}) {
	r.cron.Start()
	for {
		select {
		case <-cancel:
			r.cron.Stop()
			return
		case msg := <-r.payloads:
			go func(msg payloadMsg) {
				_, res, err := r.Run(msg.payload)
				if msg.result != nil {
					msg.result <- &invokeOutcome{res: res, err: err}
				}
				if err != nil {
					r.logger.Warn("invocation failed", "error", err)
				}
			}(msg)
		}
	}
}

// Submit enqueues a payload onto the runner's channel, to be picked up by
// the Start loop; it does not block on execution completing.
func (r *Runner) Submit(payload json.RawMessage) {
	r.payloads <- payloadMsg{payload: payload}
}

// AddPollSchedule registers a cron-driven poll trigger that submits an
// empty payload on each firing. The trigger component itself decides
// readiness (Pending vs Completed) from the poll event.
func (r *Runner) AddPollSchedule(cronExpr string) (cron.EntryID, error) {
	return r.cron.AddFunc(cronExpr, func() {
		r.Submit(json.RawMessage(`{}`))
	})
}
