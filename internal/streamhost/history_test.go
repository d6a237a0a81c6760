package streamhost

import (
	"bytes"
	"strings"
	"testing"
)

func TestHistoryReadFromStart(t *testing.T) {
	t.Parallel()

	h := NewHistory(64)
	if _, err := h.Write([]byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := h.Write([]byte(" world")); err != nil {
		t.Fatalf("write: %v", err)
	}

	if got := h.CurrentOffset(); got != 11 {
		t.Fatalf("expected current offset 11, got %d", got)
	}
	if got := h.OldestOffset(); got != 0 {
		t.Fatalf("expected oldest offset 0, got %d", got)
	}

	data, from := h.ReadFrom(0)
	if from != 0 || string(data) != "hello world" {
		t.Fatalf("expected full replay from 0, got %q from %d", data, from)
	}
}

func TestHistoryReadFromMiddle(t *testing.T) {
	t.Parallel()

	h := NewHistory(64)
	_, _ = h.Write([]byte("abcdef"))

	data, from := h.ReadFrom(3)
	if from != 3 || string(data) != "def" {
		t.Fatalf("expected %q from 3, got %q from %d", "def", data, from)
	}
}

func TestHistoryReadAtCurrentOffsetIsEmpty(t *testing.T) {
	t.Parallel()

	h := NewHistory(64)
	_, _ = h.Write([]byte("abc"))

	data, from := h.ReadFrom(3)
	if len(data) != 0 || from != 3 {
		t.Fatalf("expected empty read at current offset, got %q from %d", data, from)
	}
	data, from = h.ReadFrom(99)
	if len(data) != 0 || from != 3 {
		t.Fatalf("expected empty read past current offset, got %q from %d", data, from)
	}
}

func TestHistoryWrapEvictsOldest(t *testing.T) {
	t.Parallel()

	h := NewHistory(8)
	_, _ = h.Write([]byte("abcdefgh"))
	_, _ = h.Write([]byte("ij"))

	if got := h.CurrentOffset(); got != 10 {
		t.Fatalf("expected current offset 10, got %d", got)
	}
	if got := h.OldestOffset(); got != 2 {
		t.Fatalf("expected oldest offset 2, got %d", got)
	}

	// A request below the retained window is clamped to the oldest byte.
	data, from := h.ReadFrom(0)
	if from != 2 || string(data) != "cdefghij" {
		t.Fatalf("expected %q from 2, got %q from %d", "cdefghij", data, from)
	}

	data, from = h.ReadFrom(5)
	if from != 5 || string(data) != "fghij" {
		t.Fatalf("expected %q from 5, got %q from %d", "fghij", data, from)
	}
}

func TestHistoryOversizedWriteKeepsTail(t *testing.T) {
	t.Parallel()

	h := NewHistory(4)
	_, _ = h.Write([]byte("abcdefgh"))

	if got := h.CurrentOffset(); got != 8 {
		t.Fatalf("expected current offset 8, got %d", got)
	}
	data, from := h.ReadFrom(0)
	if from != 4 || string(data) != "efgh" {
		t.Fatalf("expected %q from 4, got %q from %d", "efgh", data, from)
	}
}

func TestHistoryManySmallWrites(t *testing.T) {
	t.Parallel()

	h := NewHistory(16)
	var full bytes.Buffer
	for i := 0; i < 100; i++ {
		b := []byte(strings.Repeat(string(rune('a'+i%26)), 3))
		full.Write(b)
		_, _ = h.Write(b)
	}

	want := full.Bytes()[full.Len()-16:]
	data, from := h.ReadFrom(0)
	if from != uint64(full.Len()-16) {
		t.Fatalf("expected oldest %d, got %d", full.Len()-16, from)
	}
	if !bytes.Equal(data, want) {
		t.Fatalf("expected %q, got %q", want, data)
	}
}
