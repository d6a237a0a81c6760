package streamhost

import (
	"fmt"
	"os"
	"os/exec"
	"sync"

	"github.com/creack/pty"
)

// Session is one running terminal process whose output feeds a subject's
// history and live streams.
type Session struct {
	subjectID string
	cmd       *exec.Cmd
	ptmx      *os.File

	mu     sync.Mutex
	closed bool
}

// SessionConfig holds the parameters for starting a session.
type SessionConfig struct {
	SubjectID string
	Shell     string
	Rows      uint16
	Cols      uint16
	Env       []string
	WorkDir   string
}

// StartSession launches the shell under a pty.
func StartSession(cfg SessionConfig) (*Session, error) {
	shell := cfg.Shell
	if shell == "" {
		shell = "/bin/bash"
	}
	rows := cfg.Rows
	if rows == 0 {
		rows = 24
	}
	cols := cfg.Cols
	if cols == 0 {
		cols = 80
	}

	cmd := exec.Command(shell)
	cmd.Env = append(os.Environ(), cfg.Env...)
	cmd.Env = append(cmd.Env, "TERM=xterm-256color")
	if cfg.WorkDir != "" {
		cmd.Dir = cfg.WorkDir
	}

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: rows, Cols: cols})
	if err != nil {
		return nil, fmt.Errorf("start session for %s: %w", cfg.SubjectID, err)
	}

	return &Session{subjectID: cfg.SubjectID, cmd: cmd, ptmx: ptmx}, nil
}

// Read reads output from the pty.
func (s *Session) Read(p []byte) (int, error) {
	return s.ptmx.Read(p)
}

// Write sends input to the pty.
func (s *Session) Write(p []byte) (int, error) {
	return s.ptmx.Write(p)
}

// Resize changes the pty window size.
func (s *Session) Resize(rows, cols uint16) error {
	return pty.Setsize(s.ptmx, &pty.Winsize{Rows: rows, Cols: cols})
}

// Close terminates the process and releases the pty. Safe to call more
// than once.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	_ = s.ptmx.Close()
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
}

// Wait blocks until the process exits and returns its exit code.
func (s *Session) Wait() int {
	err := s.cmd.Wait()
	if err == nil {
		return 0
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}
	return -1
}
