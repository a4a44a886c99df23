// Package writequeue serializes mutation commands from many producers into a
// single consumer goroutine that applies them to the ranking store.
//
// Push never blocks on the consumer: the backing ring buffer grows without
// bound, and its depth is exported as the hotkeys_queue_depth gauge.
// Commands are applied one at a time in push order across all producers.
package writequeue

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/eapache/queue"

	"github.com/mohammed-shakir/hotkey-tracker/internal/core/observability"
)

var (
	ErrNoTarget       = errors.New("writequeue: no target to apply commands to")
	ErrAlreadyStarted = errors.New("writequeue: already started or stopped")
)

// Applier receives commands from the consumer goroutine.
type Applier interface {
	Observe(key, origin string, port uint32)
	SetReportSize(n int)
}

type state uint8

const (
	stateIdle state = iota
	stateRunning
	stateStopped
)

type Queue struct {
	mu      sync.Mutex
	ready   *sync.Cond // signalled on push and on stop
	applied *sync.Cond // broadcast after every consumed command

	buf      *queue.Queue
	state    state
	draining bool
	pushed   uint64
	consumed uint64

	target Applier
	done   chan struct{}
	log    *slog.Logger
}

func New(logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	q := &Queue{
		buf:  queue.New(),
		done: make(chan struct{}),
		log:  logger,
	}
	q.ready = sync.NewCond(&q.mu)
	q.applied = sync.NewCond(&q.mu)
	return q
}

// Push enqueues cmd. Commands pushed before Start wait for the consumer;
// after Stop, or once a shutdown command has been consumed, Push silently
// drops cmd.
func (q *Queue) Push(cmd Command) {
	q.mu.Lock()
	if q.state == stateStopped {
		q.mu.Unlock()
		observability.IncQueueCommand(cmd.Kind.String(), "dropped")
		return
	}
	q.buf.Add(cmd)
	q.pushed++
	depth := q.buf.Length()
	q.ready.Signal()
	q.mu.Unlock()

	observability.SetQueueDepth(depth)
}

// Start binds target and spawns the consumer goroutine.
func (q *Queue) Start(target Applier) error {
	if target == nil {
		return ErrNoTarget
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.state != stateIdle {
		return ErrAlreadyStarted
	}
	q.target = target
	q.state = stateRunning
	go q.run()
	return nil
}

// Stop makes further pushes no-ops, lets the consumer drain what is already
// queued, and blocks until it has exited. Safe to call more than once.
func (q *Queue) Stop() {
	q.mu.Lock()
	switch q.state {
	case stateIdle:
		q.state = stateStopped
		close(q.done)
	case stateRunning:
		q.state = stateStopped
		q.draining = true
		q.ready.Broadcast()
	}
	q.mu.Unlock()

	<-q.done
}

// Running reports whether the consumer goroutine is active.
func (q *Queue) Running() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state == stateRunning
}

// Len returns the number of commands waiting to be applied.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.buf.Length()
}

// Flush blocks until every command pushed before the call has been consumed,
// or the consumer has exited.
func (q *Queue) Flush() {
	q.mu.Lock()
	defer q.mu.Unlock()

	target := q.pushed
	for q.consumed < target {
		select {
		case <-q.done:
			return
		default:
		}
		q.applied.Wait()
	}
}

func (q *Queue) run() {
	defer close(q.done)
	defer func() {
		q.mu.Lock()
		q.applied.Broadcast()
		q.mu.Unlock()
	}()

	for {
		q.mu.Lock()
		for q.buf.Length() == 0 && !q.draining {
			q.ready.Wait()
		}
		if q.buf.Length() == 0 {
			q.mu.Unlock()
			q.log.Debug("write queue drained, consumer exiting")
			return
		}
		cmd, _ := q.buf.Remove().(Command)
		depth := q.buf.Length()
		q.mu.Unlock()

		observability.SetQueueDepth(depth)
		keepGoing := q.apply(cmd)

		q.mu.Lock()
		q.consumed++
		if !keepGoing {
			discarded := q.discardLocked()
			q.applied.Broadcast()
			q.mu.Unlock()
			observability.SetQueueDepth(0)
			q.log.Info("write queue shut down by command", "discarded", discarded)
			return
		}
		q.applied.Broadcast()
		q.mu.Unlock()
	}
}

// discardLocked drops everything still queued after a shutdown command.
func (q *Queue) discardLocked() int {
	q.state = stateStopped
	n := q.buf.Length()
	for q.buf.Length() > 0 {
		if cmd, ok := q.buf.Remove().(Command); ok {
			observability.IncQueueCommand(cmd.Kind.String(), "dropped")
		}
	}
	q.consumed += uint64(n)
	return n
}

// apply dispatches one command; it returns false when the consumer must stop.
func (q *Queue) apply(cmd Command) (keepGoing bool) {
	kind := cmd.Kind.String()
	defer func() {
		if rec := recover(); rec != nil {
			observability.IncQueueCommand(kind, "failed")
			q.log.Error("write queue command panicked", "kind", kind, "err", fmt.Sprint(rec))
			keepGoing = true
		}
	}()

	switch cmd.Kind {
	case KindObserve:
		q.target.Observe(cmd.Key, cmd.Origin, cmd.Port)
	case KindResizeReport:
		q.target.SetReportSize(int(cmd.ReportSize))
	case KindShutdown:
		observability.IncQueueCommand(kind, "applied")
		return false
	default:
		observability.IncQueueCommand(kind, "ignored")
		q.log.Debug("ignoring unrecognized write queue command", "kind", uint8(cmd.Kind))
		return true
	}
	observability.IncQueueCommand(kind, "applied")
	return true
}
