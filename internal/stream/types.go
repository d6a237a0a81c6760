// Package stream implements the resume/reconnect engine for a remote
// terminal output stream. The engine owns the attach lifecycle for the
// currently selected subject, validates pushed chunks against a contiguous
// byte-offset watermark, and transparently reattaches with a resume offset
// on disconnect, exit signals, or detected gaps.
package stream

import "context"

// Chunk is one pushed span of stream bytes. EndOffset - len(Data) == Offset
// is the producer's contract, but the engine validates offsets rather than
// trusting it. Replay marks historical catch-up data delivered on attach.
type Chunk struct {
	StreamID  uint64
	SubjectID string
	Offset    uint64
	EndOffset uint64
	Replay    bool
	Data      []byte
}

// AttachRequest asks the host to begin delivering a subject's output.
// ResumeOffset, when set, requests delivery starting exactly at that offset.
type AttachRequest struct {
	SubjectID    string
	ResumeOffset *uint64
	Rows         uint16
	Cols         uint16
}

// AttachResponse reports the host's view of the stream. StreamID zero or a
// non-empty Error both signal failure. ReplayedFrom, when set, is the offset
// the granted replay window starts at; CurrentOffset is the host's write
// position at attach time. Reset means the host discarded prior buffer state
// and the viewer must clear its renderer before applying data.
type AttachResponse struct {
	StreamID      uint64
	ReplayedFrom  *uint64
	CurrentOffset uint64
	Reset         bool
	Error         string
}

// Transport issues attach/detach calls and delivers pushed chunks. Calls and
// chunk delivery are reliable and ordered once connected; connectivity
// itself is not.
type Transport interface {
	Attach(ctx context.Context, req AttachRequest) (*AttachResponse, error)
	Detach(ctx context.Context, streamID uint64) error
	// Subscribe routes pushed chunks for a stream to handler, in delivery
	// order. Buffered chunks may be delivered synchronously during the
	// Subscribe call itself. The returned func cancels the subscription.
	Subscribe(streamID uint64, handler func(Chunk)) (unsubscribe func(), err error)
}

// Status is the engine's externally observable state, recomputed on every
// transition. A zero Status means nothing is selected.
type Status struct {
	SubjectID string
	StreamID  uint64
	Attaching bool
	Err       string
}

// Callbacks receive engine output. All are invoked synchronously within the
// engine's event processing, never batched. Any callback may be nil.
type Callbacks struct {
	// OnChunk receives decoded text in apply order.
	OnChunk func(subjectID, text string)
	// OnReset fires when the renderer must be cleared before further data.
	OnReset func(subjectID string)
	// OnStatus receives the status projection on every transition.
	OnStatus func(Status)
}
