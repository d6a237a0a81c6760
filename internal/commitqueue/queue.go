// Package commitqueue serializes output operations onto a renderer whose
// completion callback is best-effort. Operations apply strictly in arrival
// order with at most one in flight; a timeout finalizes a write whose
// renderer callback never fires, so the pipeline cannot stall behind an
// unresponsive renderer.
package commitqueue

import (
	"log/slog"
	"sync"
	"time"
)

// DefaultCommitTimeout bounds how long a write waits for the renderer's
// completion callback before being treated as applied.
const DefaultCommitTimeout = 5 * time.Second

// Renderer applies decoded stream output to a terminal surface.
type Renderer interface {
	// Write renders text and calls done once it has been applied. The
	// callback is unreliable: it may fire late, twice, or never.
	Write(text string, done func())
	// Reset clears the surface. Synchronous.
	Reset()
}

type opKind int

const (
	opWrite opKind = iota
	opClear
)

// operation is a single queued write or clear. finalized and timer are
// guarded by the queue mutex; finalization is idempotent per operation.
type operation struct {
	kind        opKind
	text        string
	onCommitted func()
	finalized   bool
	timer       *time.Timer
}

// Queue applies operations to a Renderer one at a time, FIFO.
type Queue struct {
	renderer Renderer
	timeout  time.Duration

	mu       sync.Mutex
	pending  []*operation
	inFlight *operation
}

// New creates a queue over the given renderer. A commitTimeout <= 0 selects
// DefaultCommitTimeout.
func New(renderer Renderer, commitTimeout time.Duration) *Queue {
	if commitTimeout <= 0 {
		commitTimeout = DefaultCommitTimeout
	}
	return &Queue{renderer: renderer, timeout: commitTimeout}
}

// EnqueueWrite queues text for rendering. Empty text commits immediately
// without touching the renderer. onCommitted may be nil.
func (q *Queue) EnqueueWrite(text string, onCommitted func()) {
	if text == "" {
		if onCommitted != nil {
			onCommitted()
		}
		return
	}
	q.enqueue(&operation{kind: opWrite, text: text, onCommitted: onCommitted})
}

// EnqueueClear queues a renderer reset. onCommitted may be nil.
func (q *Queue) EnqueueClear(onCommitted func()) {
	q.enqueue(&operation{kind: opClear, onCommitted: onCommitted})
}

// FlushAll finalizes the in-flight operation and everything still queued,
// without waiting for the renderer. This is "stop waiting", not "confirmed
// applied": callers blocked on onCommitted are released so teardown never
// hangs on a renderer that stopped calling back.
func (q *Queue) FlushAll() {
	q.mu.Lock()
	var ops []*operation
	if q.inFlight != nil {
		ops = append(ops, q.inFlight)
	}
	ops = append(ops, q.pending...)
	q.pending = nil
	q.mu.Unlock()

	for _, op := range ops {
		q.finalize(op)
	}
}

func (q *Queue) enqueue(op *operation) {
	q.mu.Lock()
	q.pending = append(q.pending, op)
	q.mu.Unlock()
	q.advance()
}

// advance starts the next operation if none is in flight. Clears finalize
// inline (renderer reset is synchronous); writes arm the commit timeout
// before the renderer call so even a write that blocks forever is finalized.
func (q *Queue) advance() {
	q.mu.Lock()
	if q.inFlight != nil || len(q.pending) == 0 {
		q.mu.Unlock()
		return
	}
	op := q.pending[0]
	q.pending = q.pending[1:]
	q.inFlight = op
	q.mu.Unlock()

	if op.kind == opClear {
		q.renderer.Reset()
		q.finalize(op)
		return
	}

	timer := time.AfterFunc(q.timeout, func() {
		q.finalize(op)
	})
	q.mu.Lock()
	if op.finalized {
		// Finalized before the timer handle landed (FlushAll race).
		q.mu.Unlock()
		timer.Stop()
	} else {
		op.timer = timer
		q.mu.Unlock()
	}

	q.write(op)
}

// write calls the renderer, absorbing a synchronous panic as an immediate
// finalize: losing one write's visual effect beats stalling the pipeline.
func (q *Queue) write(op *operation) {
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("commitqueue: renderer write panicked", "panic", r)
			q.finalize(op)
		}
	}()
	q.renderer.Write(op.text, func() {
		q.finalize(op)
	})
}

// finalize completes an operation exactly once: whichever of the renderer
// callback, the commit timeout, or FlushAll gets here first wins, and the
// others become no-ops. Invokes onCommitted and advances the queue.
func (q *Queue) finalize(op *operation) {
	q.mu.Lock()
	if op.finalized {
		q.mu.Unlock()
		return
	}
	op.finalized = true
	if op.timer != nil {
		op.timer.Stop()
		op.timer = nil
	}
	if q.inFlight == op {
		q.inFlight = nil
	}
	q.mu.Unlock()

	if op.onCommitted != nil {
		op.onCommitted()
	}
	q.advance()
}
