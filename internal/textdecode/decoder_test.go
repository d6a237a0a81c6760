package textdecode

import "testing"

func TestDecodeASCII(t *testing.T) {
	t.Parallel()

	d := New()
	if got := d.Decode([]byte("hello")); got != "hello" {
		t.Fatalf("expected %q, got %q", "hello", got)
	}
	if got := d.Flush(); got != "" {
		t.Fatalf("expected empty flush, got %q", got)
	}
}

func TestDecodeMultiByteSplitAcrossChunks(t *testing.T) {
	t.Parallel()

	// "é" is 0xC3 0xA9. Split it between two chunks.
	d := New()
	if got := d.Decode([]byte{'h', 0xC3}); got != "h" {
		t.Fatalf("expected partial sequence held, got %q", got)
	}
	if got := d.Decode([]byte{0xA9, '!'}); got != "é!" {
		t.Fatalf("expected completed sequence, got %q", got)
	}
}

func TestDecodeFourByteRuneSplitEveryWay(t *testing.T) {
	t.Parallel()

	// "🙂" is four bytes; every split point must reassemble it.
	emoji := []byte("🙂")
	for split := 1; split < len(emoji); split++ {
		d := New()
		got := d.Decode(emoji[:split])
		got += d.Decode(emoji[split:])
		if got != "🙂" {
			t.Fatalf("split at %d: expected emoji, got %q", split, got)
		}
	}
}

func TestDecodeInvalidByteSubstituted(t *testing.T) {
	t.Parallel()

	d := New()
	got := d.Decode([]byte{'a', 0xFF, 'b'})
	if got != "a�b" {
		t.Fatalf("expected substitution, got %q", got)
	}
}

func TestFlushSubstitutesDanglingPartial(t *testing.T) {
	t.Parallel()

	d := New()
	if got := d.Decode([]byte{0xC3}); got != "" {
		t.Fatalf("expected partial sequence held, got %q", got)
	}
	if got := d.Flush(); got != "�" {
		t.Fatalf("expected dangling partial substituted, got %q", got)
	}
}

func TestResetDiscardsPartial(t *testing.T) {
	t.Parallel()

	d := New()
	d.Decode([]byte{0xE2, 0x80}) // first two bytes of a three-byte rune
	d.Reset()
	if got := d.Decode([]byte("x")); got != "x" {
		t.Fatalf("expected held bytes discarded after reset, got %q", got)
	}
}

func TestDecodeLongRunGrowsDestination(t *testing.T) {
	t.Parallel()

	// Invalid bytes expand to three-byte replacement runes, forcing the
	// internal destination buffer to grow mid-transform.
	src := make([]byte, 1024)
	for i := range src {
		src[i] = 0xFF
	}
	d := New()
	got := d.Decode(src)
	want := 0
	for _, r := range got {
		if r != '�' {
			t.Fatalf("expected only replacement runes, got %q", r)
		}
		want++
	}
	if want != len(src) {
		t.Fatalf("expected %d replacement runes, got %d", len(src), want)
	}
}
