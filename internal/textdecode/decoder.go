// Package textdecode converts raw stream bytes to text incrementally. Chunk
// boundaries fall anywhere, including inside a multi-byte sequence, so the
// decoder holds incomplete trailing bytes between calls instead of decoding
// each chunk independently.
package textdecode

import (
	"errors"
	"strings"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// Decoder is a stateful incremental UTF-8 decoder. Invalid sequences decode
// to U+FFFD; bytes are never dropped silently. Not safe for concurrent use.
type Decoder struct {
	utf8    transform.Transformer
	pending []byte
}

// New creates a Decoder with empty carry-over state.
func New() *Decoder {
	return &Decoder{utf8: unicode.UTF8.NewDecoder()}
}

// Decode appends p to any held partial sequence and returns the decodable
// prefix as text. An incomplete trailing sequence is held for the next call.
func (d *Decoder) Decode(p []byte) string {
	return d.decode(p, false)
}

// Flush drains held state, decoding any dangling partial sequence as U+FFFD,
// and resets the decoder. Call when the stream ends.
func (d *Decoder) Flush() string {
	s := d.decode(nil, true)
	d.Reset()
	return s
}

// Reset discards held partial-sequence state.
func (d *Decoder) Reset() {
	d.pending = nil
	d.utf8.Reset()
}

func (d *Decoder) decode(p []byte, atEOF bool) string {
	src := p
	if len(d.pending) > 0 {
		src = append(d.pending, p...)
		d.pending = nil
	}
	if len(src) == 0 {
		return ""
	}

	var sb strings.Builder
	dst := make([]byte, len(src)+4)
	for {
		nDst, nSrc, err := d.utf8.Transform(dst, src, atEOF)
		sb.Write(dst[:nDst])
		src = src[nSrc:]

		switch {
		case err == nil:
			return sb.String()
		case errors.Is(err, transform.ErrShortSrc) && !atEOF:
			// Incomplete multi-byte sequence at the end of src: hold it
			// until more data arrives.
			d.pending = append([]byte(nil), src...)
			return sb.String()
		case errors.Is(err, transform.ErrShortDst):
			dst = make([]byte, len(dst)*2)
		default:
			// The UTF-8 decoder substitutes rather than erroring, so this
			// is unreachable in practice. Skip a byte to guarantee progress.
			if len(src) > 0 {
				src = src[1:]
				sb.WriteRune('�')
				continue
			}
			return sb.String()
		}
	}
}
