package streamhost

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/workspace/termstream/internal/transport"
)

// replaySegmentSize bounds how much replayed history goes into one chunk
// frame.
const replaySegmentSize = 16384

// OutputSource is the process side of a subject: a terminal whose output is
// streamed and whose lifetime the host owns.
type OutputSource interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Resize(rows, cols uint16) error
	Close()
	Wait() int
}

// SendFunc delivers one frame to a connected viewer. Implementations must
// be safe for concurrent use.
type SendFunc func(transport.Envelope) error

// Config holds host-wide settings.
type Config struct {
	Shell           string
	HistoryCapacity int
	Env             []string
	WorkDir         string

	// StartSession overrides how subject sessions are launched. The
	// default starts a shell under a pty.
	StartSession func(SessionConfig) (OutputSource, error)
}

type viewerStream struct {
	id   uint64
	send SendFunc
}

type subject struct {
	id      string
	source  OutputSource
	history *History

	mu      sync.Mutex
	streams map[uint64]*viewerStream
	closed  bool
}

// Host owns subject sessions and their viewer streams. A subject's session
// starts on first attach; its output history is retained in a bounded ring
// so later attaches can replay. When the session's process exits the
// subject is torn down and every viewer gets an exit frame; a subsequent
// attach starts a fresh session with offsets beginning at zero again.
type Host struct {
	cfg Config

	mu           sync.Mutex
	subjects     map[string]*subject
	nextStreamID uint64
	closed       bool
}

// New creates a Host.
func New(cfg Config) *Host {
	if cfg.StartSession == nil {
		cfg.StartSession = func(sc SessionConfig) (OutputSource, error) {
			return StartSession(sc)
		}
	}
	return &Host{
		cfg:      cfg,
		subjects: make(map[string]*subject),
	}
}

// Attach opens a stream over the subject's output for the viewer behind
// send. The attached frame (correlated with requestID) and any replayed
// history are delivered through send before Attach returns; live chunks
// follow in offset order. The returned error reports a dead send func, not
// a rejected attach; rejections travel in the attached frame's Error field.
func (h *Host) Attach(requestID uint64, req transport.AttachPayload, send SendFunc) error {
	if req.SubjectID == "" {
		return sendFrame(send, transport.TypeAttached, requestID, transport.AttachedPayload{Error: "subject id required"})
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return sendFrame(send, transport.TypeAttached, requestID, transport.AttachedPayload{Error: "host shutting down"})
	}
	sub, ok := h.subjects[req.SubjectID]
	if !ok {
		source, err := h.cfg.StartSession(SessionConfig{
			SubjectID: req.SubjectID,
			Shell:     h.cfg.Shell,
			Rows:      req.Rows,
			Cols:      req.Cols,
			Env:       h.cfg.Env,
			WorkDir:   h.cfg.WorkDir,
		})
		if err != nil {
			h.mu.Unlock()
			slog.Error("session start failed", "subject", req.SubjectID, "error", err)
			return sendFrame(send, transport.TypeAttached, requestID, transport.AttachedPayload{Error: fmt.Sprintf("start session: %v", err)})
		}
		sub = &subject{
			id:      req.SubjectID,
			source:  source,
			history: NewHistory(h.cfg.HistoryCapacity),
			streams: make(map[uint64]*viewerStream),
		}
		h.subjects[req.SubjectID] = sub
		go h.pump(sub)
		slog.Info("subject session started", "subject", req.SubjectID)
	}
	h.nextStreamID++
	streamID := h.nextStreamID
	h.mu.Unlock()

	// Registration, the attached frame and the replay all happen under the
	// subject lock so no live chunk can be sent to this stream before the
	// replay it was promised.
	sub.mu.Lock()
	defer sub.mu.Unlock()

	if sub.closed {
		return sendFrame(send, transport.TypeAttached, requestID, transport.AttachedPayload{Error: "subject exited"})
	}

	current := sub.history.CurrentOffset()
	oldest := sub.history.OldestOffset()

	resp := transport.AttachedPayload{StreamID: streamID, CurrentOffset: current}
	replayFrom := oldest
	if req.ResumeOffset != nil {
		switch {
		case *req.ResumeOffset > current:
			// The viewer remembers more output than this session ever
			// produced, so it is resuming against a restarted session.
			resp.Reset = true
		case *req.ResumeOffset < oldest:
			// The requested span is partly evicted from the ring.
			resp.Reset = true
		default:
			replayFrom = *req.ResumeOffset
		}
	}
	if replayFrom < current {
		from := replayFrom
		resp.ReplayedFrom = &from
	}

	sub.streams[streamID] = &viewerStream{id: streamID, send: send}

	if err := sendFrame(send, transport.TypeAttached, requestID, resp); err != nil {
		delete(sub.streams, streamID)
		return err
	}

	data, from := sub.history.ReadFrom(replayFrom)
	for len(data) > 0 {
		n := len(data)
		if n > replaySegmentSize {
			n = replaySegmentSize
		}
		chunk := transport.ChunkPayload{
			StreamID:  streamID,
			SubjectID: req.SubjectID,
			Offset:    from,
			EndOffset: from + uint64(n),
			Replay:    true,
			Data:      transport.EncodeChunkData(data[:n]),
		}
		if err := sendFrame(send, transport.TypeChunk, 0, chunk); err != nil {
			delete(sub.streams, streamID)
			return err
		}
		data = data[n:]
		from += uint64(n)
	}

	slog.Info("stream attached", "subject", req.SubjectID, "stream", streamID, "replayFrom", replayFrom, "current", current)
	return nil
}

// Detach removes a stream. Unknown ids are reported but not an error on
// the connection; the viewer may legitimately race a subject exit.
func (h *Host) Detach(streamID uint64) bool {
	h.mu.Lock()
	subjects := make([]*subject, 0, len(h.subjects))
	for _, sub := range h.subjects {
		subjects = append(subjects, sub)
	}
	h.mu.Unlock()

	for _, sub := range subjects {
		sub.mu.Lock()
		if _, ok := sub.streams[streamID]; ok {
			delete(sub.streams, streamID)
			sub.mu.Unlock()
			slog.Info("stream detached", "subject", sub.id, "stream", streamID)
			return true
		}
		sub.mu.Unlock()
	}
	return false
}

// WriteInput forwards viewer input to the subject behind a stream.
func (h *Host) WriteInput(streamID uint64, data []byte) error {
	sub := h.subjectForStream(streamID)
	if sub == nil {
		return fmt.Errorf("unknown stream %d", streamID)
	}
	if _, err := sub.source.Write(data); err != nil {
		return fmt.Errorf("write input to %s: %w", sub.id, err)
	}
	return nil
}

// Resize changes the terminal size of the subject behind a stream.
func (h *Host) Resize(streamID uint64, rows, cols uint16) error {
	sub := h.subjectForStream(streamID)
	if sub == nil {
		return fmt.Errorf("unknown stream %d", streamID)
	}
	return sub.source.Resize(rows, cols)
}

// SubjectIDs lists subjects with a running session.
func (h *Host) SubjectIDs() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := make([]string, 0, len(h.subjects))
	for id := range h.subjects {
		ids = append(ids, id)
	}
	return ids
}

// Close terminates every subject session.
func (h *Host) Close() {
	h.mu.Lock()
	h.closed = true
	subjects := make([]*subject, 0, len(h.subjects))
	for _, sub := range h.subjects {
		subjects = append(subjects, sub)
	}
	h.mu.Unlock()

	for _, sub := range subjects {
		sub.source.Close()
	}
}

func (h *Host) subjectForStream(streamID uint64) *subject {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, sub := range h.subjects {
		sub.mu.Lock()
		_, ok := sub.streams[streamID]
		sub.mu.Unlock()
		if ok {
			return sub
		}
	}
	return nil
}

// pump copies session output into the history ring and fans it out to the
// subject's streams. Runs until the session's read side fails, then tears
// the subject down and notifies viewers.
func (h *Host) pump(sub *subject) {
	buf := make([]byte, 4096)
	for {
		n, err := sub.source.Read(buf)
		if n > 0 {
			h.broadcast(sub, buf[:n])
		}
		if err != nil {
			break
		}
	}

	exitCode := sub.source.Wait()
	slog.Info("subject session exited", "subject", sub.id, "code", exitCode)

	h.mu.Lock()
	if h.subjects[sub.id] == sub {
		delete(h.subjects, sub.id)
	}
	h.mu.Unlock()

	sub.mu.Lock()
	sub.closed = true
	streams := make([]*viewerStream, 0, len(sub.streams))
	for _, vs := range sub.streams {
		streams = append(streams, vs)
	}
	sub.streams = make(map[uint64]*viewerStream)
	sub.mu.Unlock()

	for _, vs := range streams {
		exit := transport.ExitPayload{StreamID: vs.id, SubjectID: sub.id, ExitCode: exitCode}
		if err := sendFrame(vs.send, transport.TypeExit, 0, exit); err != nil {
			slog.Debug("exit frame send failed", "stream", vs.id, "error", err)
		}
	}
}

func (h *Host) broadcast(sub *subject, p []byte) {
	sub.mu.Lock()
	defer sub.mu.Unlock()

	offset := sub.history.CurrentOffset()
	_, _ = sub.history.Write(p)
	end := sub.history.CurrentOffset()
	encoded := transport.EncodeChunkData(p)

	for id, vs := range sub.streams {
		chunk := transport.ChunkPayload{
			StreamID:  id,
			SubjectID: sub.id,
			Offset:    offset,
			EndOffset: end,
			Data:      encoded,
		}
		if err := sendFrame(vs.send, transport.TypeChunk, 0, chunk); err != nil {
			// A dead viewer connection; drop its stream.
			slog.Debug("chunk send failed; dropping stream", "subject", sub.id, "stream", id, "error", err)
			delete(sub.streams, id)
		}
	}
}

func sendFrame(send SendFunc, frameType string, id uint64, payload any) error {
	env, err := transport.EncodeFrame(frameType, id, payload)
	if err != nil {
		return err
	}
	return send(env)
}
