// Termstream - terminal output streaming host and viewer.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/workspace/termstream/internal/auth"
	"github.com/workspace/termstream/internal/commitqueue"
	"github.com/workspace/termstream/internal/config"
	"github.com/workspace/termstream/internal/logging"
	"github.com/workspace/termstream/internal/offsetstore"
	"github.com/workspace/termstream/internal/render"
	"github.com/workspace/termstream/internal/stream"
	"github.com/workspace/termstream/internal/streamhost"
	"github.com/workspace/termstream/internal/transport"
)

func main() {
	logging.Setup()
	cfg := config.Load()

	args := os.Args[1:]
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	switch args[0] {
	case "serve":
		if err := runServe(cfg); err != nil {
			slog.Error("serve failed", "error", err)
			os.Exit(1)
		}
	case "view":
		if len(args) < 2 {
			usage()
			os.Exit(2)
		}
		if err := runView(cfg, args[1]); err != nil {
			slog.Error("view failed", "error", err)
			os.Exit(1)
		}
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage:
  termstream serve            start a stream host
  termstream view <subject>   attach to a subject's output stream
`)
}

// runServe starts the host: subject sessions behind a websocket endpoint.
func runServe(cfg *config.Config) error {
	host := streamhost.New(streamhost.Config{
		Shell:           cfg.DefaultShell,
		HistoryCapacity: cfg.HistoryCapacity,
	})
	defer host.Close()

	var validator streamhost.TokenValidator
	if cfg.JWKSEndpoint != "" {
		v, err := auth.NewJWTValidator(cfg.JWKSEndpoint, cfg.HostID)
		if err != nil {
			return fmt.Errorf("init token validator: %w", err)
		}
		validator = v
	} else {
		slog.Warn("no JWKS endpoint configured; token auth disabled")
	}

	mux := http.NewServeMux()
	mux.Handle("/stream", streamhost.NewHandler(streamhost.HandlerConfig{
		Host:            host,
		Validator:       validator,
		AllowedOrigins:  cfg.AllowedOrigins,
		ReadBufferSize:  cfg.WSReadBufferSize,
		WriteBufferSize: cfg.WSWriteBufferSize,
	}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      mux,
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
		IdleTimeout:  cfg.HTTPIdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("host listening", "addr", srv.Addr, "host_id", cfg.HostID)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Warn("http shutdown", "error", err)
	}
	return nil
}

// runView attaches to one subject and renders its output to stdout until
// interrupted.
func runView(cfg *config.Config, subjectID string) error {
	offsets, err := openOffsetStore(cfg.OffsetDBPath)
	if err != nil {
		return err
	}

	queue := commitqueue.New(render.NewStdout(os.Stdout), cfg.CommitTimeout)

	var engine *stream.Engine
	client, err := transport.Dial(context.Background(), cfg.HostURL, transport.ClientOptions{
		Token:     cfg.Token,
		KeepAlive: cfg.KeepAliveInterval,
		OnExit: func(subjectID string, streamID uint64) {
			engine.NotifyExternalExit(subjectID, streamID)
		},
	})
	if err != nil {
		return err
	}
	defer client.Close()

	engine = stream.New(stream.Config{
		Transport:         client,
		Offsets:           offsets,
		MaxAttachAttempts: cfg.AttachRetries,
		AttachTimeout:     cfg.AttachTimeout,
		Callbacks: stream.Callbacks{
			OnChunk: func(_ string, text string) {
				queue.EnqueueWrite(text, nil)
			},
			OnReset: func(string) {
				queue.EnqueueClear(nil)
			},
			OnStatus: func(s stream.Status) {
				switch {
				case s.Err != "" && !s.Attaching:
					slog.Error("stream failed", "subject", s.SubjectID, "error", s.Err)
				case s.Attaching:
					slog.Info("attaching", "subject", s.SubjectID, "note", s.Err)
				case s.StreamID != 0:
					slog.Info("attached", "subject", s.SubjectID, "stream", s.StreamID)
				}
			},
		},
	})
	defer engine.Dispose()
	defer queue.FlushAll()

	engine.Select(subjectID)
	go forwardStdin(client, engine)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("detaching", "signal", sig.String())
	case <-client.Done():
		return fmt.Errorf("connection to host lost")
	}
	return nil
}

// forwardStdin sends viewer keystrokes to the process behind the active
// stream.
func forwardStdin(client *transport.Client, engine *stream.Engine) {
	buf := make([]byte, 1024)
	for {
		n, err := os.Stdin.Read(buf)
		if err != nil {
			return
		}
		if n == 0 {
			continue
		}
		streamID := engine.ActiveStreamID()
		if streamID == 0 {
			continue
		}
		if err := client.SendInput(streamID, buf[:n]); err != nil {
			slog.Debug("input send failed", "error", err)
			return
		}
	}
}

// openOffsetStore prefers the durable sqlite store; an empty path or an
// open failure falls back to in-memory offsets.
func openOffsetStore(path string) (offsetstore.Store, error) {
	if path == "" {
		return offsetstore.NewMemory(), nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		slog.Warn("offset db dir unavailable; using in-memory offsets", "error", err)
		return offsetstore.NewMemory(), nil
	}
	store, err := offsetstore.OpenSQLite(path)
	if err != nil {
		slog.Warn("offset db unavailable; using in-memory offsets", "path", path, "error", err)
		return offsetstore.NewMemory(), nil
	}
	return store, nil
}
