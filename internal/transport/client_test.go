package transport_test

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/workspace/termstream/internal/stream"
	"github.com/workspace/termstream/internal/streamhost"
	"github.com/workspace/termstream/internal/transport"
)

type fakeSource struct {
	pr *io.PipeReader
	pw *io.PipeWriter

	mu     sync.Mutex
	inputs [][]byte
}

func newFakeSource() *fakeSource {
	pr, pw := io.Pipe()
	return &fakeSource{pr: pr, pw: pw}
}

func (f *fakeSource) Read(p []byte) (int, error) { return f.pr.Read(p) }

func (f *fakeSource) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inputs = append(f.inputs, append([]byte(nil), p...))
	return len(p), nil
}

func (f *fakeSource) Resize(rows, cols uint16) error { return nil }
func (f *fakeSource) Close()                         { _ = f.pw.CloseWithError(io.EOF) }
func (f *fakeSource) Wait() int                      { return 0 }

type testBackend struct {
	srv  *httptest.Server
	host *streamhost.Host

	mu      sync.Mutex
	sources map[string]*fakeSource
}

func newTestBackend(t *testing.T, validator streamhost.TokenValidator) *testBackend {
	t.Helper()
	b := &testBackend{sources: make(map[string]*fakeSource)}
	b.host = streamhost.New(streamhost.Config{
		HistoryCapacity: 1024,
		StartSession: func(cfg streamhost.SessionConfig) (streamhost.OutputSource, error) {
			src := newFakeSource()
			b.mu.Lock()
			b.sources[cfg.SubjectID] = src
			b.mu.Unlock()
			return src, nil
		},
	})
	handler := streamhost.NewHandler(streamhost.HandlerConfig{Host: b.host, Validator: validator})
	b.srv = httptest.NewServer(handler)
	t.Cleanup(func() {
		b.srv.Close()
		b.host.Close()
	})
	return b
}

func (b *testBackend) wsURL() string {
	return "ws" + strings.TrimPrefix(b.srv.URL, "http")
}

func (b *testBackend) source(subjectID string) *fakeSource {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sources[subjectID]
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestAttachSubscribeAndDetach(t *testing.T) {
	t.Parallel()

	b := newTestBackend(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := transport.Dial(ctx, b.wsURL(), transport.ClientOptions{})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	resp, err := c.Attach(ctx, stream.AttachRequest{SubjectID: "term-1"})
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	if resp.Error != "" || resp.StreamID == 0 {
		t.Fatalf("unexpected attach response: %+v", resp)
	}

	var mu sync.Mutex
	var got []byte
	unsubscribe, err := c.Subscribe(resp.StreamID, func(ch stream.Chunk) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, ch.Data...)
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	waitFor(t, "session start", func() bool { return b.source("term-1") != nil })
	if _, err := b.source("term-1").pw.Write([]byte("hello over the wire")); err != nil {
		t.Fatalf("emit: %v", err)
	}
	waitFor(t, "chunk delivery", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return string(got) == "hello over the wire"
	})

	unsubscribe()
	if err := c.Detach(ctx, resp.StreamID); err != nil {
		t.Fatalf("detach: %v", err)
	}
	if err := c.Detach(ctx, resp.StreamID); err == nil {
		t.Fatal("detach of unknown stream should fail")
	}
}

func TestResumeAttachReplaysMissingSpan(t *testing.T) {
	t.Parallel()

	b := newTestBackend(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := transport.Dial(ctx, b.wsURL(), transport.ClientOptions{})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	first, err := c.Attach(ctx, stream.AttachRequest{SubjectID: "term-1"})
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	var mu sync.Mutex
	var seen uint64
	unsub, err := c.Subscribe(first.StreamID, func(ch stream.Chunk) {
		mu.Lock()
		defer mu.Unlock()
		seen = ch.EndOffset
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	waitFor(t, "session start", func() bool { return b.source("term-1") != nil })
	if _, err := b.source("term-1").pw.Write([]byte("abcdef")); err != nil {
		t.Fatalf("emit: %v", err)
	}
	waitFor(t, "first stream caught up", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return seen == 6
	})
	unsub()

	resume := uint64(4)
	second, err := c.Attach(ctx, stream.AttachRequest{SubjectID: "term-1", ResumeOffset: &resume})
	if err != nil {
		t.Fatalf("resume attach: %v", err)
	}
	if second.Reset {
		t.Fatal("in-range resume must not reset")
	}
	if second.ReplayedFrom == nil || *second.ReplayedFrom != 4 {
		t.Fatalf("expected replay from 4, got %+v", second)
	}

	var replayed []byte
	done := make(chan struct{})
	unsub2, err := c.Subscribe(second.StreamID, func(ch stream.Chunk) {
		mu.Lock()
		defer mu.Unlock()
		replayed = append(replayed, ch.Data...)
		if ch.EndOffset == 6 {
			close(done)
		}
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer unsub2()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for replay")
	}
	mu.Lock()
	defer mu.Unlock()
	if string(replayed) != "ef" {
		t.Fatalf("expected replay %q, got %q", "ef", replayed)
	}
}

func TestExitFrameInvokesOnExit(t *testing.T) {
	t.Parallel()

	b := newTestBackend(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	exited := make(chan uint64, 1)
	c, err := transport.Dial(ctx, b.wsURL(), transport.ClientOptions{
		OnExit: func(subjectID string, streamID uint64) {
			exited <- streamID
		},
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	resp, err := c.Attach(ctx, stream.AttachRequest{SubjectID: "term-1"})
	if err != nil {
		t.Fatalf("attach: %v", err)
	}

	waitFor(t, "session start", func() bool { return b.source("term-1") != nil })
	b.source("term-1").Close()

	select {
	case id := <-exited:
		if id != resp.StreamID {
			t.Fatalf("expected exit for stream %d, got %d", resp.StreamID, id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for exit notification")
	}
}

func TestInputReachesSubject(t *testing.T) {
	t.Parallel()

	b := newTestBackend(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := transport.Dial(ctx, b.wsURL(), transport.ClientOptions{})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	resp, err := c.Attach(ctx, stream.AttachRequest{SubjectID: "term-1"})
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	if err := c.SendInput(resp.StreamID, []byte("ls\n")); err != nil {
		t.Fatalf("input: %v", err)
	}

	waitFor(t, "input forwarded", func() bool {
		src := b.source("term-1")
		if src == nil {
			return false
		}
		src.mu.Lock()
		defer src.mu.Unlock()
		return len(src.inputs) == 1 && string(src.inputs[0]) == "ls\n"
	})
}

type staticValidator struct{ token string }

func (v staticValidator) Validate(token string) error {
	if token != v.token {
		return errors.New("invalid token")
	}
	return nil
}

func TestDialRequiresValidToken(t *testing.T) {
	t.Parallel()

	b := newTestBackend(t, staticValidator{token: "secret"})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := transport.Dial(ctx, b.wsURL(), transport.ClientOptions{}); err == nil {
		t.Fatal("dial without token should fail")
	}
	if _, err := transport.Dial(ctx, b.wsURL(), transport.ClientOptions{Token: "wrong"}); err == nil {
		t.Fatal("dial with bad token should fail")
	}

	c, err := transport.Dial(ctx, b.wsURL(), transport.ClientOptions{Token: "secret"})
	if err != nil {
		t.Fatalf("dial with token: %v", err)
	}
	_ = c.Close()
}

func TestCallsFailAfterConnectionCloses(t *testing.T) {
	t.Parallel()

	b := newTestBackend(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	closed := make(chan struct{})
	c, err := transport.Dial(ctx, b.wsURL(), transport.ClientOptions{
		OnClose: func(error) { close(closed) },
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	_ = c.Close()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for close callback")
	}

	if _, err := c.Attach(ctx, stream.AttachRequest{SubjectID: "term-1"}); !errors.Is(err, transport.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
