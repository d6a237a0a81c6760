package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/workspace/termstream/internal/stream"
)

// ErrClosed is returned by calls made after the connection closed. Its text
// is recognized as retryable by the attach retry classifier.
var ErrClosed = errors.New("transport: connection closed")

const defaultHandshakeTimeout = 10 * time.Second

// backlogLimit bounds chunks buffered per stream before a subscriber
// appears. The host replays history immediately after the attached frame,
// so chunks can arrive before the caller had a chance to subscribe.
const backlogLimit = 256

// ClientOptions configures Dial.
type ClientOptions struct {
	// Token, when non-empty, is sent as a query parameter for the host to
	// validate before upgrading.
	Token string

	// KeepAlive sends a ping frame at this interval when > 0.
	KeepAlive time.Duration

	// OnExit is invoked from the read loop when the host reports that the
	// process behind a stream terminated.
	OnExit func(subjectID string, streamID uint64)

	// OnClose is invoked once when the connection dies, with the read
	// error that ended it (nil on deliberate Close).
	OnClose func(err error)
}

// Client is the viewer side of the wire protocol. It multiplexes
// id-correlated calls and pushed chunk frames over a single websocket and
// implements the engine's transport interface.
type Client struct {
	conn *websocket.Conn
	opts ClientOptions

	writeMu sync.Mutex

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]chan Envelope
	subs    map[uint64]func(stream.Chunk)
	backlog map[uint64][]stream.Chunk
	closed  bool

	done chan struct{}
}

// Dial connects to a stream host and starts the read loop.
func Dial(ctx context.Context, rawURL string, opts ClientOptions) (*Client, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse host url: %w", err)
	}
	if opts.Token != "" {
		q := u.Query()
		q.Set("token", opts.Token)
		u.RawQuery = q.Encode()
	}

	dialer := websocket.Dialer{HandshakeTimeout: defaultHandshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", rawURL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", rawURL, err)
	}

	c := &Client{
		conn:    conn,
		opts:    opts,
		pending: make(map[uint64]chan Envelope),
		subs:    make(map[uint64]func(stream.Chunk)),
		backlog: make(map[uint64][]stream.Chunk),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	if opts.KeepAlive > 0 {
		go c.keepAliveLoop(opts.KeepAlive)
	}
	return c, nil
}

// Close tears the connection down. Pending calls fail with ErrClosed.
func (c *Client) Close() error {
	c.shutdown(nil)
	return nil
}

// Done is closed when the connection is gone.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Attach opens a stream over the subject's output.
func (c *Client) Attach(ctx context.Context, req stream.AttachRequest) (*stream.AttachResponse, error) {
	payload := AttachPayload{
		SubjectID:    req.SubjectID,
		ResumeOffset: req.ResumeOffset,
		Rows:         req.Rows,
		Cols:         req.Cols,
	}
	env, err := c.call(ctx, TypeAttach, payload)
	if err != nil {
		return nil, err
	}
	if env.Type != TypeAttached {
		return nil, fmt.Errorf("unexpected response type %q to attach", env.Type)
	}
	var resp AttachedPayload
	if err := DecodePayload(env, &resp); err != nil {
		return nil, err
	}
	return &stream.AttachResponse{
		StreamID:      resp.StreamID,
		ReplayedFrom:  resp.ReplayedFrom,
		CurrentOffset: resp.CurrentOffset,
		Reset:         resp.Reset,
		Error:         resp.Error,
	}, nil
}

// Detach closes a stream.
func (c *Client) Detach(ctx context.Context, streamID uint64) error {
	env, err := c.call(ctx, TypeDetach, DetachPayload{StreamID: streamID})
	if err != nil {
		return err
	}
	if env.Type != TypeDetached {
		return fmt.Errorf("unexpected response type %q to detach", env.Type)
	}
	var resp DetachedPayload
	if err := DecodePayload(env, &resp); err != nil {
		return err
	}
	if resp.Error != "" {
		return fmt.Errorf("detach stream %d: %s", streamID, resp.Error)
	}
	c.mu.Lock()
	delete(c.backlog, streamID)
	c.mu.Unlock()
	return nil
}

// SendInput forwards keystrokes to the process behind a stream.
func (c *Client) SendInput(streamID uint64, data []byte) error {
	env, err := EncodeFrame(TypeInput, 0, InputPayload{StreamID: streamID, Data: EncodeChunkData(data)})
	if err != nil {
		return err
	}
	return c.writeFrame(env)
}

// SendResize reports the viewer's terminal size for a stream.
func (c *Client) SendResize(streamID uint64, rows, cols uint16) error {
	env, err := EncodeFrame(TypeResize, 0, ResizePayload{StreamID: streamID, Rows: rows, Cols: cols})
	if err != nil {
		return err
	}
	return c.writeFrame(env)
}

// Subscribe routes pushed chunk frames for streamID to handler until the
// returned function is called. Chunks that arrived between the attached
// frame and this call are delivered synchronously, in order, before
// Subscribe returns.
func (c *Client) Subscribe(streamID uint64, handler func(stream.Chunk)) (func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	c.subs[streamID] = handler
	buffered := c.backlog[streamID]
	delete(c.backlog, streamID)
	// Handler runs under the client lock, same as live dispatch, so no
	// frame from the read loop can interleave with the backlog.
	for _, ch := range buffered {
		handler(ch)
	}
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.subs, streamID)
		delete(c.backlog, streamID)
	}, nil
}

// call sends a request frame and waits for the response with the same id.
func (c *Client) call(ctx context.Context, frameType string, payload any) (Envelope, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Envelope{}, ErrClosed
	}
	c.nextID++
	id := c.nextID
	ch := make(chan Envelope, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	env, err := EncodeFrame(frameType, id, payload)
	if err != nil {
		return Envelope{}, err
	}
	if err := c.writeFrame(env); err != nil {
		return Envelope{}, err
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		return Envelope{}, ctx.Err()
	case <-c.done:
		return Envelope{}, ErrClosed
	}
}

func (c *Client) writeFrame(env Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteJSON(env); err != nil {
		return fmt.Errorf("write %s frame: %w", env.Type, err)
	}
	return nil
}

func (c *Client) readLoop() {
	for {
		var env Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			c.shutdown(err)
			return
		}
		c.dispatch(env)
	}
}

func (c *Client) dispatch(env Envelope) {
	switch env.Type {
	case TypeChunk:
		var payload ChunkPayload
		if err := DecodePayload(env, &payload); err != nil {
			slog.Warn("bad chunk frame", "error", err)
			return
		}
		data, err := DecodeChunkData(payload.Data)
		if err != nil {
			slog.Warn("bad chunk frame", "stream", payload.StreamID, "error", err)
			return
		}
		ch := stream.Chunk{
			StreamID:  payload.StreamID,
			SubjectID: payload.SubjectID,
			Offset:    payload.Offset,
			EndOffset: payload.EndOffset,
			Replay:    payload.Replay,
			Data:      data,
		}
		c.mu.Lock()
		handler := c.subs[ch.StreamID]
		if handler == nil {
			if len(c.backlog[ch.StreamID]) < backlogLimit {
				c.backlog[ch.StreamID] = append(c.backlog[ch.StreamID], ch)
			}
			c.mu.Unlock()
			return
		}
		// Delivered under the lock to preserve ordering with Subscribe's
		// backlog flush.
		handler(ch)
		c.mu.Unlock()

	case TypeExit:
		var payload ExitPayload
		if err := DecodePayload(env, &payload); err != nil {
			slog.Warn("bad exit frame", "error", err)
			return
		}
		slog.Info("stream process exited", "subject", payload.SubjectID, "stream", payload.StreamID, "code", payload.ExitCode)
		if c.opts.OnExit != nil {
			c.opts.OnExit(payload.SubjectID, payload.StreamID)
		}

	case TypeAttached, TypeDetached, TypePong:
		c.mu.Lock()
		ch := c.pending[env.ID]
		c.mu.Unlock()
		if ch != nil {
			ch <- env
		}

	case TypePing:
		pong := Envelope{Type: TypePong, ID: env.ID}
		if err := c.writeFrame(pong); err != nil {
			slog.Debug("pong write failed", "error", err)
		}

	default:
		slog.Warn("unknown frame type", "type", env.Type)
	}
}

func (c *Client) keepAliveLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			_, err := c.call(ctx, TypePing, nil)
			cancel()
			if err != nil && !errors.Is(err, ErrClosed) {
				slog.Debug("keepalive ping failed", "error", err)
			}
		}
	}
}

// shutdown closes the connection exactly once and fails everything waiting
// on it.
func (c *Client) shutdown(readErr error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.subs = make(map[uint64]func(stream.Chunk))
	c.mu.Unlock()

	_ = c.conn.Close()
	close(c.done)

	if readErr != nil && !websocket.IsCloseError(readErr, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		slog.Warn("connection lost", "error", readErr)
	} else {
		readErr = nil
	}
	if c.opts.OnClose != nil {
		c.opts.OnClose(readErr)
	}
}
