// Package cnl implements the cannelloni TCP framing used by host clients
// to watch bridge feedback and submit control frames.
package cnl

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/kstaniek/go-can-bridge/internal/can"
	"github.com/kstaniek/go-can-bridge/internal/metrics"
)

// Codec encodes/decodes cannelloni frames. Stateless and safe for concurrent use.
// Wire form per frame: 4-byte big-endian can_id (flags included), 1 length
// byte (upper bit reserved), payload.
type Codec struct{}

var (
	// ErrInvalidLength is returned when a frame length is outside 0..8.
	ErrInvalidLength = errors.New("cannelloni: invalid length")
	// ErrTruncatedFrame is returned when the stream ends mid-frame.
	ErrTruncatedFrame = errors.New("cannelloni: truncated frame")
)

const maxWireFrame = 4 + 1 + can.MaxLen

func appendFrame(dst []byte, f can.Frame) []byte {
	f = f.Normalize()
	dst = binary.BigEndian.AppendUint32(dst, f.CANID)
	dst = append(dst, f.Len)
	return append(dst, f.Data[:f.Len]...)
}

// Encode packs frames into one buffer.
func (c *Codec) Encode(frames []can.Frame) []byte {
	if len(frames) == 0 {
		return nil
	}
	out := make([]byte, 0, len(frames)*maxWireFrame)
	for _, f := range frames {
		out = appendFrame(out, f)
	}
	return out
}

// EncodeTo writes frames to w with a single Write call.
func (c *Codec) EncodeTo(w io.Writer, frames []can.Frame) (int, error) {
	if len(frames) == 0 {
		return 0, nil
	}
	n, err := w.Write(c.Encode(frames))
	if err != nil {
		return n, fmt.Errorf("cannelloni encode: %w", err)
	}
	return n, nil
}

// Decode reads exactly one frame from r. It returns io.EOF at a clean frame
// boundary.
func (c *Codec) Decode(r io.Reader) (can.Frame, error) {
	var f can.Frame
	var hdr [5]byte
	if _, err := io.ReadFull(r, hdr[:4]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			metrics.IncMalformed()
			return f, fmt.Errorf("cannelloni decode id: %w", ErrTruncatedFrame)
		}
		return f, err
	}
	if _, err := io.ReadFull(r, hdr[4:]); err != nil {
		if errors.Is(err, io.EOF) {
			metrics.IncMalformed()
			return f, fmt.Errorf("cannelloni decode len: %w", ErrTruncatedFrame)
		}
		return f, err
	}
	f.CANID = binary.BigEndian.Uint32(hdr[:4])
	ln := int(hdr[4] & 0x7F)
	if ln > can.MaxLen {
		metrics.IncMalformed()
		return f, fmt.Errorf("cannelloni decode: %w (%d)", ErrInvalidLength, ln)
	}
	f.Len = uint8(ln)
	if ln == 0 {
		return f, nil
	}
	if _, err := io.ReadFull(r, f.Data[:ln]); err != nil {
		metrics.IncMalformed()
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return f, fmt.Errorf("cannelloni decode payload: %w", ErrTruncatedFrame)
		}
		return f, fmt.Errorf("cannelloni decode payload: %w", err)
	}
	return f, nil
}

// DecodeN decodes up to max frames (unbounded when max <= 0), invoking
// onFrame for each. It returns the count and the terminal error, if any.
func (c *Codec) DecodeN(r io.Reader, max int, onFrame func(can.Frame)) (int, error) {
	var n int
	for max <= 0 || n < max {
		fr, err := c.Decode(r)
		if err != nil {
			return n, err
		}
		onFrame(fr)
		n++
	}
	return n, nil
}
