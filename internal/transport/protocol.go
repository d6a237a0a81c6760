// Package transport defines the websocket wire protocol shared by the
// stream host and the viewer client, and implements the client side.
//
// Every frame is a JSON envelope. Requests carry a caller-chosen id and
// receive exactly one response frame with the same id; chunk, exit and
// error frames are pushed without an id. Raw output bytes travel base64
// encoded so the envelope stays valid JSON regardless of content.
package transport

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Frame types.
const (
	TypeAttach   = "attach"
	TypeAttached = "attached"
	TypeDetach   = "detach"
	TypeDetached = "detached"
	TypeChunk    = "chunk"
	TypeExit     = "exit"
	TypeInput    = "input"
	TypeResize   = "resize"
	TypePing     = "ping"
	TypePong     = "pong"
)

// Envelope is the outer frame. ID is present on request/response frames
// and zero on pushed frames.
type Envelope struct {
	Type string          `json:"type"`
	ID   uint64          `json:"id,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// AttachPayload asks the host to open a stream over a subject's output.
type AttachPayload struct {
	SubjectID    string  `json:"subjectId"`
	ResumeOffset *uint64 `json:"resumeOffset,omitempty"`
	Rows         uint16  `json:"rows,omitempty"`
	Cols         uint16  `json:"cols,omitempty"`
}

// AttachedPayload answers an attach. StreamID is zero and Error non-empty
// on failure.
type AttachedPayload struct {
	StreamID      uint64  `json:"streamId"`
	ReplayedFrom  *uint64 `json:"replayedFrom,omitempty"`
	CurrentOffset uint64  `json:"currentOffset"`
	Reset         bool    `json:"reset,omitempty"`
	Error         string  `json:"error,omitempty"`
}

// DetachPayload closes a stream the caller no longer consumes.
type DetachPayload struct {
	StreamID uint64 `json:"streamId"`
}

// DetachedPayload answers a detach.
type DetachedPayload struct {
	StreamID uint64 `json:"streamId"`
	Error    string `json:"error,omitempty"`
}

// ChunkPayload carries one contiguous span of subject output. Offset and
// EndOffset are absolute byte positions in the subject's output history;
// Data holds EndOffset-Offset raw bytes, base64 encoded.
type ChunkPayload struct {
	StreamID  uint64 `json:"streamId"`
	SubjectID string `json:"subjectId"`
	Offset    uint64 `json:"offset"`
	EndOffset uint64 `json:"endOffset"`
	Replay    bool   `json:"replay,omitempty"`
	Data      string `json:"data"`
}

// InputPayload carries viewer keystrokes to the process behind a stream.
// No response frame; write failures surface as a closed stream.
type InputPayload struct {
	StreamID uint64 `json:"streamId"`
	Data     string `json:"data"`
}

// ResizePayload changes the terminal size of the subject behind a stream.
type ResizePayload struct {
	StreamID uint64 `json:"streamId"`
	Rows     uint16 `json:"rows"`
	Cols     uint16 `json:"cols"`
}

// ExitPayload reports that the process behind a stream terminated. The
// stream is gone on the host side once this is sent.
type ExitPayload struct {
	StreamID  uint64 `json:"streamId"`
	SubjectID string `json:"subjectId"`
	ExitCode  int    `json:"exitCode"`
}

// EncodeFrame marshals a payload into an envelope of the given type.
func EncodeFrame(frameType string, id uint64, payload any) (Envelope, error) {
	env := Envelope{Type: frameType, ID: id}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("marshal %s payload: %w", frameType, err)
		}
		env.Data = data
	}
	return env, nil
}

// DecodePayload unmarshals an envelope's payload into dst.
func DecodePayload(env Envelope, dst any) error {
	if err := json.Unmarshal(env.Data, dst); err != nil {
		return fmt.Errorf("decode %s payload: %w", env.Type, err)
	}
	return nil
}

// EncodeChunkData encodes raw output bytes for transport.
func EncodeChunkData(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// DecodeChunkData decodes transported output bytes.
func DecodeChunkData(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode chunk data: %w", err)
	}
	return b, nil
}
