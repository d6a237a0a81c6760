package render

import (
	"bytes"
	"errors"
	"testing"
)

func TestWriteConfirmsSynchronously(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	r := NewStdout(&buf)

	confirmed := false
	r.Write("hello", func() { confirmed = true })

	if !confirmed {
		t.Fatal("expected synchronous confirmation")
	}
	if buf.String() != "hello" {
		t.Fatalf("expected %q written, got %q", "hello", buf.String())
	}
}

func TestResetClearsScreen(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	r := NewStdout(&buf)
	r.Reset()

	if buf.String() != ansiClear {
		t.Fatalf("expected clear sequence, got %q", buf.String())
	}
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("broken terminal") }

func TestWriteErrorStillConfirms(t *testing.T) {
	t.Parallel()

	r := NewStdout(failingWriter{})
	confirmed := false
	r.Write("text", func() { confirmed = true })
	if !confirmed {
		t.Fatal("a failed write must still confirm the commit")
	}
}
