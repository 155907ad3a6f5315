// Copyright 2026 The Takopi Authors
// SPDX-License-Identifier: Apache-2.0

// Package outbox serializes outbound message operations against the
// rate-limited Slack API.
//
// All sends, edits, and deletes flow through a single worker. Each
// operation carries a priority and a destination; the worker always
// executes the lowest (priority, queued-at) operation whose destination
// is not inside its pacing interval. Operations enqueued under an
// occupied key replace the pending operation: repeated edits to the
// same message collapse to the newest content while keeping the
// original queue position, so a frequently-updated progress message
// neither floods the API nor starves behind its own updates.
//
// Delivery failures never propagate: the error hook observes them and
// waiters receive a nil result. An outbound failure must not take down
// the handling of the inbound event that caused it.
package outbox

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/richardliang/takopi-slack-plugin/lib/clock"
)

// Priorities. Lower executes first. Sends and deletes go ahead of
// edits: an edit is routinely superseded by the next progress render,
// while a send or delete is fresh content the user is waiting on.
const (
	SendPriority   = 0
	DeletePriority = 0
	EditPriority   = 10
)

// Op is one outbound operation. Create with fields set, then hand to
// Enqueue; the zero QueuedAt is stamped at submission.
type Op struct {
	// Destination is the channel the operation targets. Pacing is
	// enforced per destination.
	Destination string

	// Priority orders execution; lower first. Ties break on QueuedAt.
	Priority int

	// QueuedAt is the submission timestamp. Left zero, Enqueue stamps
	// it. When an operation replaces a pending one under the same key,
	// the replacement inherits the original QueuedAt so a stream of
	// edits does not keep losing its place in line.
	QueuedAt time.Time

	// Execute performs the remote call. The outbox never retries it;
	// any retry policy belongs to the callable itself.
	Execute func(ctx context.Context) (any, error)

	initOnce     sync.Once
	completeOnce sync.Once
	done         chan struct{}
	result       any
}

// init lazily allocates the completion channel so the zero Op literal
// works.
func (op *Op) init() {
	op.initOnce.Do(func() {
		op.done = make(chan struct{})
	})
}

// Done returns a channel closed when the operation completes, is
// superseded, is dropped, or is discarded at close. Result holds the
// outcome afterwards.
func (op *Op) Done() <-chan struct{} {
	op.init()
	return op.done
}

// Result returns the operation's outcome: the Execute return value, or
// nil if it failed, was superseded, dropped, or never ran. Only valid
// after Done is closed.
func (op *Op) Result() any {
	return op.result
}

// complete resolves the operation exactly once; later calls are no-ops.
func (op *Op) complete(result any) {
	op.init()
	op.completeOnce.Do(func() {
		op.result = result
		close(op.done)
	})
}

// Config holds configuration for creating an Outbox.
type Config struct {
	// IntervalFor returns the minimum time between consecutive
	// operations to a destination. Nil means no pacing.
	IntervalFor func(destination string) time.Duration

	// OnError observes execution failures. The failing operation's
	// waiters receive nil regardless.
	OnError func(op *Op, err error)

	// Clock drives pacing. If nil, clock.Real().
	Clock clock.Clock

	// Logger is used for structured logging. If nil, slog.Default().
	Logger *slog.Logger
}

// Outbox is the delivery scheduler. Safe for concurrent use.
type Outbox struct {
	mu       sync.Mutex
	pending  map[string]*pendingOp
	lastSent map[string]time.Time
	closed   bool

	// wake nudges the worker after enqueue, drop, or close. Buffered
	// so signaling never blocks.
	wake       chan struct{}
	workerDone chan struct{}

	intervalFor func(string) time.Duration
	onError     func(*Op, error)
	clock       clock.Clock
	logger      *slog.Logger
}

// pendingOp is one queued slot. Waiters accumulate across key
// replacement: everyone waiting on the key gets the result of whichever
// operation owns the key when the worker drains it.
type pendingOp struct {
	key     string
	op      *Op
	waiters []chan any
}

// New creates an Outbox and starts its worker.
func New(config Config) *Outbox {
	o := newOutbox(config)
	go o.worker()
	return o
}

func newOutbox(config Config) *Outbox {
	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Outbox{
		pending:     make(map[string]*pendingOp),
		lastSent:    make(map[string]time.Time),
		wake:        make(chan struct{}, 1),
		workerDone:  make(chan struct{}),
		intervalFor: config.IntervalFor,
		onError:     config.OnError,
		clock:       clk,
		logger:      logger,
	}
}

// Enqueue inserts op under key, replacing any pending operation there.
// The replaced operation never executes; its own Done resolves with a
// nil result, while callers already waiting on the key are carried over
// to the new operation.
//
// With wait true, Enqueue blocks until the operation owning the key
// completes and returns its result (nil on failure or cancellation).
// With wait false it returns nil immediately; use Op.Done to observe
// completion.
func (o *Outbox) Enqueue(ctx context.Context, key string, op *Op, wait bool) any {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		op.complete(nil)
		return nil
	}
	if op.QueuedAt.IsZero() {
		op.QueuedAt = o.clock.Now()
	}

	entry := &pendingOp{key: key, op: op}
	if existing, ok := o.pending[key]; ok {
		// Keep the first submission's queue position; adopt the newest
		// payload. The superseded operation resolves nil on its own
		// completion signal.
		op.QueuedAt = existing.op.QueuedAt
		entry.waiters = existing.waiters
		existing.op.complete(nil)
	}
	var waiter chan any
	if wait {
		waiter = make(chan any, 1)
		entry.waiters = append(entry.waiters, waiter)
	}
	o.pending[key] = entry
	o.mu.Unlock()
	o.signalWake()

	if !wait {
		return nil
	}
	select {
	case result := <-waiter:
		return result
	case <-ctx.Done():
		return nil
	}
}

// DropPending cancels a queued, not-yet-started operation at key
// without executing it. Its waiters resolve with nil. A key that is
// already executing or absent is a no-op.
func (o *Outbox) DropPending(key string) {
	o.mu.Lock()
	entry, ok := o.pending[key]
	if ok {
		delete(o.pending, key)
	}
	o.mu.Unlock()
	if !ok {
		return
	}
	entry.op.complete(nil)
	for _, waiter := range entry.waiters {
		waiter <- nil
	}
}

// Close stops accepting work and shuts the worker down. The currently
// executing operation finishes; operations still queued are discarded
// with nil results so no waiter deadlocks. Idempotent.
func (o *Outbox) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		<-o.workerDone
		return
	}
	o.closed = true
	o.mu.Unlock()
	o.signalWake()
	<-o.workerDone
}

func (o *Outbox) signalWake() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// worker is the single drain loop. At most one Execute is in flight at
// any time.
func (o *Outbox) worker() {
	defer close(o.workerDone)
	for {
		o.mu.Lock()
		if o.closed {
			discarded := o.pending
			o.pending = make(map[string]*pendingOp)
			o.mu.Unlock()
			for _, entry := range discarded {
				entry.op.complete(nil)
				for _, waiter := range entry.waiters {
					waiter <- nil
				}
			}
			return
		}

		entry, sleep := o.pickLocked(o.clock.Now())
		if entry != nil {
			delete(o.pending, entry.key)
			o.mu.Unlock()

			result := o.executeOp(entry.op)

			o.mu.Lock()
			o.lastSent[entry.op.Destination] = o.clock.Now()
			o.mu.Unlock()

			entry.op.complete(result)
			for _, waiter := range entry.waiters {
				waiter <- result
			}
			continue
		}
		o.mu.Unlock()

		if sleep > 0 {
			// Every destination with queued work is paced; sleep until
			// the nearest deadline or a new enqueue.
			select {
			case <-o.wake:
			case <-o.clock.After(sleep):
			}
		} else {
			<-o.wake
		}
	}
}

// pickLocked selects the best eligible operation: lowest (priority,
// queued-at) whose destination is outside its pacing interval. A paced
// front-runner does not block other destinations. When nothing is
// eligible but work is queued, returns the wait until the nearest
// pacing deadline; when the queue is empty, returns (nil, 0).
func (o *Outbox) pickLocked(now time.Time) (*pendingOp, time.Duration) {
	var best *pendingOp
	var nearest time.Duration

	for _, entry := range o.pending {
		if wait := o.paceWaitLocked(entry.op.Destination, now); wait > 0 {
			if nearest == 0 || wait < nearest {
				nearest = wait
			}
			continue
		}
		if best == nil || lessOp(entry.op, best.op) {
			best = entry
		}
	}
	if best != nil {
		return best, 0
	}
	return nil, nearest
}

func lessOp(a, b *Op) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	return a.QueuedAt.Before(b.QueuedAt)
}

// paceWaitLocked returns how long the destination must still wait, or
// zero when it is eligible now.
func (o *Outbox) paceWaitLocked(destination string, now time.Time) time.Duration {
	if o.intervalFor == nil {
		return 0
	}
	interval := o.intervalFor(destination)
	if interval <= 0 {
		return 0
	}
	last, ok := o.lastSent[destination]
	if !ok {
		return 0
	}
	ready := last.Add(interval)
	if !ready.After(now) {
		return 0
	}
	return ready.Sub(now)
}

// executeOp runs the operation, routing failures to the error hook.
func (o *Outbox) executeOp(op *Op) any {
	result, err := op.Execute(context.Background())
	if err != nil {
		o.logger.Warn("outbox operation failed",
			"destination", op.Destination,
			"priority", op.Priority,
			"error", err,
		)
		if o.onError != nil {
			o.onError(op, err)
		}
		return nil
	}
	return result
}
