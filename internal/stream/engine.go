package stream

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/workspace/termstream/internal/attachretry"
	"github.com/workspace/termstream/internal/offsetstore"
	"github.com/workspace/termstream/internal/textdecode"
)

const (
	// DefaultMaxAttachAttempts bounds one attach sequence.
	DefaultMaxAttachAttempts = 4
	// DefaultAttachTimeout bounds a single attach call.
	DefaultAttachTimeout = 12 * time.Second
	// detachTimeout bounds an awaited detach call on deliberate teardown.
	detachTimeout = 5 * time.Second

	// reconnectingMessage is shown while the engine silently reattaches
	// after a gap or an external exit signal.
	reconnectingMessage = "reconnecting"
)

// Config wires an Engine to its collaborators.
type Config struct {
	Transport Transport
	Offsets   offsetstore.Store
	Callbacks Callbacks

	// MaxAttachAttempts overrides DefaultMaxAttachAttempts when > 0.
	MaxAttachAttempts int
	// AttachTimeout overrides DefaultAttachTimeout when > 0.
	AttachTimeout time.Duration
	// Backoff overrides attachretry.Backoff (tests inject zero delays).
	Backoff func(attempt int) time.Duration

	// Rows and Cols are the preferred render size sent with each attach.
	// Zero values let the host pick its defaults.
	Rows uint16
	Cols uint16
}

// activeStream is the engine's current subscription. Destroyed and replaced
// on every reattach. nextExpected is the offset the next chunk must start at
// to be contiguous (nil until tracking is established); catchUpEnd is the
// offset up to which out-of-order replay chunks are tolerated (nil once the
// replay window is satisfied).
type activeStream struct {
	subjectID    string
	streamID     uint64
	decoder      *textdecode.Decoder
	nextExpected *uint64
	catchUpEnd   *uint64
	unsubscribe  func()
}

// Engine attaches to one subject at a time and guarantees the text handed to
// OnChunk is a gapless, duplicate-free reconstruction of the remote output.
// Every state-superseding event (reselect, exit signal, gap recovery) bumps
// a generation counter; asynchronous work re-checks the generation before
// applying any effect, so stale attach attempts and stale chunks are
// discarded instead of corrupting the active stream.
type Engine struct {
	cfg Config

	mu         sync.Mutex
	generation uint64
	selected   string
	active     *activeStream
	disposed   bool
}

// New creates an Engine. Nothing is selected initially.
func New(cfg Config) *Engine {
	if cfg.MaxAttachAttempts <= 0 {
		cfg.MaxAttachAttempts = DefaultMaxAttachAttempts
	}
	if cfg.AttachTimeout <= 0 {
		cfg.AttachTimeout = DefaultAttachTimeout
	}
	if cfg.Backoff == nil {
		cfg.Backoff = attachretry.Backoff
	}
	return &Engine{cfg: cfg}
}

// Select points the engine at a subject ("" deselects). Selecting the
// subject that already has a live stream is a no-op. Otherwise the current
// stream is torn down asynchronously and, for a non-empty subject, a fresh
// attach sequence starts under a new generation.
func (e *Engine) Select(subjectID string) {
	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		return
	}
	if subjectID != "" && subjectID == e.selected && e.active != nil {
		e.mu.Unlock()
		return
	}
	e.generation++
	gen := e.generation
	e.selected = subjectID
	old := e.takeActiveLocked()
	e.mu.Unlock()

	go func() {
		e.teardown(old, true)
		if subjectID == "" {
			e.publishStatus(gen, Status{})
			return
		}
		e.publishStatus(gen, Status{SubjectID: subjectID, Attaching: true})
		e.attach(gen, subjectID)
	}()
}

// NotifyExternalExit handles an out-of-band report that the remote side
// finished this stream (e.g. the process exited and was restarted). If it
// matches the active stream, the engine reattaches immediately using the
// stored resume offset; no server-side detach is requested because the
// stream is already gone.
func (e *Engine) NotifyExternalExit(subjectID string, streamID uint64) {
	e.mu.Lock()
	if e.disposed || e.active == nil || e.active.subjectID != subjectID || e.active.streamID != streamID {
		e.mu.Unlock()
		return
	}
	e.generation++
	gen := e.generation
	old := e.takeActiveLocked()
	e.mu.Unlock()

	slog.Info("stream exited remotely; reattaching", "subject", subjectID, "stream", streamID)
	e.teardown(old, false)
	e.publishStatus(gen, Status{SubjectID: subjectID, Attaching: true, Err: reconnectingMessage})
	go e.attach(gen, subjectID)
}

// PruneResumeOffsets drops stored resume offsets for subjects not in keep.
func (e *Engine) PruneResumeOffsets(keep []string) {
	if err := e.cfg.Offsets.Prune(keep); err != nil {
		slog.Warn("prune resume offsets failed", "error", err)
	}
}

// Dispose tears the engine down permanently. No further work is scheduled
// and no further callbacks fire after Dispose returns.
func (e *Engine) Dispose() {
	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		return
	}
	e.disposed = true
	e.generation++
	old := e.takeActiveLocked()
	e.selected = ""
	e.mu.Unlock()

	e.teardown(old, true)
}

// ActiveStreamID returns the live stream id, or zero if none.
func (e *Engine) ActiveStreamID() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active == nil {
		return 0
	}
	return e.active.streamID
}

// takeActiveLocked detaches the active stream from the engine state and
// returns it for teardown. Caller holds e.mu.
func (e *Engine) takeActiveLocked() *activeStream {
	old := e.active
	e.active = nil
	return old
}

// teardown cancels the subscription and, when requested, awaits a
// server-side detach. Detach failures are logged and ignored: the host
// expires orphaned streams on its own.
func (e *Engine) teardown(a *activeStream, requestDetach bool) {
	if a == nil {
		return
	}
	if a.unsubscribe != nil {
		a.unsubscribe()
	}
	if requestDetach && a.streamID != 0 {
		e.detach(a.streamID)
	}
}

func (e *Engine) detach(streamID uint64) {
	_, err := attachretry.Await(context.Background(), detachTimeout, "detach",
		func(ctx context.Context) (struct{}, error) {
			return struct{}{}, e.cfg.Transport.Detach(ctx, streamID)
		})
	if err != nil {
		slog.Debug("detach failed", "stream", streamID, "error", err)
	}
}

// stillCurrent reports whether work launched under (gen, subjectID) is still
// the engine's current concern.
func (e *Engine) stillCurrent(gen uint64, subjectID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.disposed && e.generation == gen && e.selected == subjectID
}

// publishStatus emits a status update unless the generation it belongs to
// has been superseded.
func (e *Engine) publishStatus(gen uint64, s Status) {
	e.mu.Lock()
	if e.disposed || e.generation != gen {
		e.mu.Unlock()
		return
	}
	cb := e.cfg.Callbacks.OnStatus
	e.mu.Unlock()
	if cb != nil {
		cb(s)
	}
}

// invokeReset fires the reset callback unless superseded.
func (e *Engine) invokeReset(gen uint64, subjectID string) {
	if !e.stillCurrent(gen, subjectID) {
		return
	}
	if cb := e.cfg.Callbacks.OnReset; cb != nil {
		cb(subjectID)
	}
}

// attach runs the attach sequence for (gen, subjectID): bounded attempts
// with backoff on retryable failures, then either an installed active
// stream or a terminal error status. Every suspension point is followed by
// a generation re-check; stale successes detach the stream they obtained.
func (e *Engine) attach(gen uint64, subjectID string) {
	var lastErr string

	for attempt := 0; attempt < e.cfg.MaxAttachAttempts; attempt++ {
		if !e.stillCurrent(gen, subjectID) {
			return
		}
		if attempt > 0 {
			time.Sleep(e.cfg.Backoff(attempt - 1))
			if !e.stillCurrent(gen, subjectID) {
				return
			}
		}

		req := AttachRequest{SubjectID: subjectID, Rows: e.cfg.Rows, Cols: e.cfg.Cols}
		if offset, ok, err := e.cfg.Offsets.Get(subjectID); err != nil {
			slog.Warn("read resume offset failed", "subject", subjectID, "error", err)
		} else if ok {
			resume := offset
			req.ResumeOffset = &resume
		}

		resp, err := attachretry.Await(context.Background(), e.cfg.AttachTimeout, "attach",
			func(ctx context.Context) (*AttachResponse, error) {
				return e.cfg.Transport.Attach(ctx, req)
			})
		if err != nil {
			lastErr = err.Error()
			if attachretry.Retryable(err) && attempt+1 < e.cfg.MaxAttachAttempts {
				slog.Warn("attach failed; retrying", "subject", subjectID, "attempt", attempt+1, "error", err)
				continue
			}
			e.publishStatus(gen, Status{SubjectID: subjectID, Err: lastErr})
			return
		}

		if resp == nil || resp.Error != "" || resp.StreamID == 0 {
			lastErr = "attach rejected"
			if resp != nil && resp.Error != "" {
				lastErr = resp.Error
			}
			if attachretry.RetryableText(lastErr) && attempt+1 < e.cfg.MaxAttachAttempts {
				slog.Warn("attach rejected; retrying", "subject", subjectID, "attempt", attempt+1, "error", lastErr)
				continue
			}
			e.publishStatus(gen, Status{SubjectID: subjectID, Err: lastErr})
			return
		}

		e.install(gen, subjectID, req.ResumeOffset, resp)
		return
	}

	e.publishStatus(gen, Status{SubjectID: subjectID, Err: lastErr})
}

// install applies a successful attach response: reset handling, resume
// offset bookkeeping, active stream construction, and subscription. A
// generation change at any point tears down the just-obtained stream.
func (e *Engine) install(gen uint64, subjectID string, resumeOffset *uint64, resp *AttachResponse) {
	if !e.stillCurrent(gen, subjectID) {
		e.detach(resp.StreamID)
		return
	}

	if resp.Reset {
		// The host discarded its prior buffer; whatever the renderer shows
		// no longer lines up with the stream, and the stored watermark is
		// meaningless.
		e.invokeReset(gen, subjectID)
		if err := e.cfg.Offsets.Drop(subjectID); err != nil {
			slog.Warn("drop resume offset failed", "subject", subjectID, "error", err)
		}
	} else if resp.ReplayedFrom != nil && resumeOffset == nil && *resp.ReplayedFrom < resp.CurrentOffset {
		// Bootstrap attach granted only a partial replay window: the
		// stream's true beginning is not visible, so the renderer must not
		// pretend to show it.
		e.invokeReset(gen, subjectID)
	}

	next := resp.CurrentOffset
	if resumeOffset != nil && !resp.Reset {
		next = *resumeOffset
	}
	if resp.ReplayedFrom != nil {
		next = *resp.ReplayedFrom
	}
	catchUp := resp.CurrentOffset

	// Persist the watermark, not the host's write offset: only consumed
	// bytes count as confirmed.
	if err := e.cfg.Offsets.Set(subjectID, next); err != nil {
		slog.Warn("store resume offset failed", "subject", subjectID, "error", err)
	}

	active := &activeStream{
		subjectID:    subjectID,
		streamID:     resp.StreamID,
		decoder:      textdecode.New(),
		nextExpected: &next,
		catchUpEnd:   &catchUp,
	}

	// Install before subscribing: the subscription may deliver buffered
	// chunks synchronously during the Subscribe call.
	e.mu.Lock()
	if e.disposed || e.generation != gen || e.selected != subjectID {
		e.mu.Unlock()
		e.detach(resp.StreamID)
		return
	}
	e.active = active
	e.mu.Unlock()

	unsubscribe, err := e.cfg.Transport.Subscribe(resp.StreamID, func(c Chunk) {
		e.handleChunk(gen, c)
	})
	if err != nil {
		e.mu.Lock()
		if e.active == active {
			e.active = nil
		}
		e.mu.Unlock()
		slog.Warn("subscribe failed", "subject", subjectID, "stream", resp.StreamID, "error", err)
		e.detach(resp.StreamID)
		e.publishStatus(gen, Status{SubjectID: subjectID, Err: err.Error()})
		return
	}

	e.mu.Lock()
	if e.disposed || e.generation != gen || e.selected != subjectID {
		e.mu.Unlock()
		unsubscribe()
		e.detach(resp.StreamID)
		return
	}
	active.unsubscribe = unsubscribe
	e.mu.Unlock()

	e.publishStatus(gen, Status{SubjectID: subjectID, StreamID: resp.StreamID})
}

// handleChunk validates one pushed chunk against the contiguity watermark.
// Redundant chunks are dropped, in-window replay jumps are tolerated, and a
// genuine gap triggers recovery. Accepted chunks advance the watermark,
// persist it, and emit decoded text.
func (e *Engine) handleChunk(gen uint64, c Chunk) {
	e.mu.Lock()
	if e.disposed || e.generation != gen || e.active == nil {
		e.mu.Unlock()
		return
	}
	a := e.active
	if c.StreamID != a.streamID || c.SubjectID != a.subjectID {
		// Stale subscription still draining.
		e.mu.Unlock()
		return
	}
	if c.EndOffset < c.Offset {
		e.mu.Unlock()
		return
	}

	if a.nextExpected != nil {
		if c.EndOffset <= *a.nextExpected {
			// Entirely behind the watermark: already applied or predates
			// the resume point. Duplicate delivery after reconnect.
			e.mu.Unlock()
			return
		}
		if c.Offset != *a.nextExpected {
			inWindow := c.Offset > *a.nextExpected &&
				a.catchUpEnd != nil &&
				*a.nextExpected < *a.catchUpEnd &&
				c.Offset <= *a.catchUpEnd
			if inWindow {
				// Forward jump inside the granted replay window: the host
				// replays a bounded span and may skip bytes it no longer
				// retains below it.
				jump := c.Offset
				a.nextExpected = &jump
			} else {
				e.recoverFromGapLocked(a, c)
				return
			}
		}
	}

	if a.catchUpEnd != nil && c.EndOffset >= *a.catchUpEnd {
		a.catchUpEnd = nil
	}

	next := c.EndOffset
	a.nextExpected = &next
	text := a.decoder.Decode(c.Data)
	subject := a.subjectID
	e.mu.Unlock()

	if err := e.cfg.Offsets.Set(subject, c.EndOffset); err != nil {
		slog.Warn("store resume offset failed", "subject", subject, "error", err)
	}
	if text != "" {
		if cb := e.cfg.Callbacks.OnChunk; cb != nil {
			cb(subject, text)
		}
	}
}

// recoverFromGapLocked handles an offset discontinuity outside the tolerated
// replay window: persist the watermark, supersede the stream, and reattach
// with resume-from-watermark. The gap chunk itself is discarded; its bytes
// will be redelivered contiguously by the new stream. Called with e.mu held,
// releases it.
func (e *Engine) recoverFromGapLocked(a *activeStream, c Chunk) {
	watermark := *a.nextExpected
	e.generation++
	gen := e.generation
	old := e.takeActiveLocked()
	subjectID := a.subjectID
	e.mu.Unlock()

	slog.Warn("stream gap detected; reattaching",
		"subject", subjectID,
		"stream", a.streamID,
		"expected", watermark,
		"got", c.Offset,
	)

	if err := e.cfg.Offsets.Set(subjectID, watermark); err != nil {
		slog.Warn("store resume offset failed", "subject", subjectID, "error", err)
	}
	e.publishStatus(gen, Status{SubjectID: subjectID, Attaching: true, Err: reconnectingMessage})

	// Teardown and reattach off the chunk-delivery goroutine.
	go func() {
		e.teardown(old, true)
		e.attach(gen, subjectID)
	}()
}
