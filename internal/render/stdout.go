// Package render applies committed output to the viewer's terminal.
package render

import (
	"io"
	"log/slog"
	"sync"
)

// ansiClear clears the screen and homes the cursor.
const ansiClear = "\x1b[2J\x1b[H"

// Stdout writes committed text straight to a terminal-like writer and
// confirms each write synchronously. Write errors are logged; the commit is
// confirmed regardless so the pipeline never stalls on a broken terminal.
type Stdout struct {
	mu sync.Mutex
	w  io.Writer
}

// NewStdout creates a renderer over w, typically os.Stdout.
func NewStdout(w io.Writer) *Stdout {
	return &Stdout{w: w}
}

// Write renders text and calls done once it is on screen.
func (s *Stdout) Write(text string, done func()) {
	s.mu.Lock()
	_, err := io.WriteString(s.w, text)
	s.mu.Unlock()
	if err != nil {
		slog.Warn("render write failed", "error", err)
	}
	done()
}

// Reset clears the screen.
func (s *Stdout) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := io.WriteString(s.w, ansiClear); err != nil {
		slog.Warn("render reset failed", "error", err)
	}
}
