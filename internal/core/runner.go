package core

import (
	"context"
	"fmt"
	"sync/atomic"

	"TroveLedger/internal/event"

	"github.com/rs/zerolog"
)

// Submission is an event handed to the core by a synchronous entry point.
// When Stamp is set the runner assigns the next source sequence of the
// event's partition before processing. Result receives the outcome.
type Submission struct {
	Event  event.Event
	Stamp  bool
	Result chan<- SubmitResult
}

// SubmitResult reports one processed submission. Sequence is the core's next
// global sequence taken right after this submission, on the core goroutine,
// so events arriving on other inputs cannot shift it. An applied event was
// logged at Sequence-1.
type SubmitResult struct {
	Sequence int64
	Err      error
}

type snapshotRequest struct {
	reply chan *SnapshotState
}

type inspectRequest struct {
	fn   func(*DeterministicCore)
	done chan struct{}
}

// Runner owns the deterministic core: every event, submission and snapshot
// goes through its single goroutine.
type Runner struct {
	core        *DeterministicCore
	inbound     <-chan event.Event
	submissions <-chan Submission
	snapshots   chan snapshotRequest
	inspects    chan inspectRequest
	logger      zerolog.Logger

	sequence atomic.Int64
}

func NewRunner(core *DeterministicCore, inbound <-chan event.Event, submissions <-chan Submission, logger zerolog.Logger) *Runner {
	r := &Runner{
		core:        core,
		inbound:     inbound,
		submissions: submissions,
		snapshots:   make(chan snapshotRequest),
		inspects:    make(chan inspectRequest),
		logger:      logger.With().Str("component", "core").Logger(),
	}
	r.sequence.Store(core.GetSequence())
	return r
}

// Run processes until ctx is cancelled or the inbound channel closes.
func (r *Runner) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil

		case evt, ok := <-r.inbound:
			if !ok {
				return nil
			}
			if err := r.core.ProcessEvent(evt); err != nil {
				r.logger.Warn().Err(err).
					Str("event_type", evt.EventType().String()).
					Str("idempotency_key", evt.IdempotencyKey()).
					Msg("event rejected")
			}
			r.sequence.Store(r.core.GetSequence())

		case sub := <-r.submissions:
			err := r.process(sub)
			next := r.core.GetSequence()
			r.sequence.Store(next)
			if sub.Result != nil {
				sub.Result <- SubmitResult{Sequence: next, Err: err}
			}

		case req := <-r.snapshots:
			req.reply <- r.core.CreateSnapshotState()

		case req := <-r.inspects:
			req.fn(r.core)
			close(req.done)
		}
	}
}

func (r *Runner) process(sub Submission) error {
	if sub.Stamp {
		cmd, ok := sub.Event.(event.Command)
		if !ok {
			return fmt.Errorf("%s cannot be sequenced by the runner", sub.Event.EventType())
		}
		cmd.SetSourceSequence(r.core.ExpectedSourceSequence(cmd.Partition()))
	}
	return r.core.ProcessEvent(sub.Event)
}

// Snapshot captures core state between two events.
func (r *Runner) Snapshot(ctx context.Context) (*SnapshotState, error) {
	req := snapshotRequest{reply: make(chan *SnapshotState, 1)}
	select {
	case r.snapshots <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case snap := <-req.reply:
		return snap, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Inspect runs fn on the core goroutine. fn must only read, and must not
// retain anything it reads past its return.
func (r *Runner) Inspect(ctx context.Context, fn func(*DeterministicCore)) error {
	req := inspectRequest{fn: fn, done: make(chan struct{})}
	select {
	case r.inspects <- req:
	case <-ctx.Done():
		return ctx.Err()
	}
	<-req.done
	return nil
}

// Sequence is the next global sequence, readable from any goroutine.
func (r *Runner) Sequence() int64 {
	return r.sequence.Load()
}
