// Package serial speaks the UART framing of USB serial CAN adapters.
//
// Every UART frame is: 0x2D 0xD4, length byte, body, checksum, where the
// checksum is 0x2D + length + sum(body) modulo 256. Transmit bodies are
// INS(0x02) FLAGS(0x80|dlc) ID(4, big endian) payload; receive bodies are
// ID(4, big endian) payload.
//
// The adapters carry extended identifiers only. Every decoded frame has
// CAN_EFF_FLAG set, so a standard frame read from a serial bus is sent on a
// SocketCAN bus as an extended frame with the same numeric identifier.
package serial

import (
	"bytes"
	"encoding/binary"

	"github.com/kstaniek/go-can-bridge/internal/can"
	"github.com/kstaniek/go-can-bridge/internal/metrics"
)

const (
	pre0 = 0x2D
	pre1 = 0xD4

	insSendExt  = 0x02
	flagClassic = 0x80

	// length byte bounds on receive: ID(4) + payload(0..8) + checksum(1)
	minRxLen = 4 + 1
	maxRxLen = 4 + can.MaxLen + 1

	// compact the decoder buffer once it holds this much consumed space
	compactThreshold = 1024
)

func checksum(length byte, body []byte) byte {
	sum := byte(pre0) + length
	for _, b := range body {
		sum += b
	}
	return sum
}

func envelope(body []byte) []byte {
	out := make([]byte, 0, len(body)+4)
	ln := byte(len(body) + 1)
	out = append(out, pre0, pre1, ln)
	out = append(out, body...)
	return append(out, checksum(ln, body))
}

// Encode builds the UART transmit frame for f. The adapter always sends
// extended identifiers, so flag bits are stripped.
func Encode(f can.Frame) []byte {
	f = f.Normalize()
	body := make([]byte, 0, 6+can.MaxLen)
	body = append(body, insSendExt, flagClassic|f.Len)
	body = binary.BigEndian.AppendUint32(body, f.ID())
	body = append(body, f.Data[:f.Len]...)
	return envelope(body)
}

// EncodeRx builds a receive-direction UART frame, as the adapter would emit
// it. Used by simulators and tests.
func EncodeRx(f can.Frame) []byte {
	f = f.Normalize()
	body := binary.BigEndian.AppendUint32(nil, f.ID())
	body = append(body, f.Data[:f.Len]...)
	return envelope(body)
}

// Decoder reassembles receive frames from an arbitrarily chunked byte stream.
// It is not safe for concurrent use.
type Decoder struct {
	buf bytes.Buffer
}

// Buffered returns the number of bytes waiting for a complete frame.
func (d *Decoder) Buffered() int { return d.buf.Len() }

// Feed appends p and emits every complete frame. Garbage and frames failing
// the length or checksum check are skipped one byte at a time until the
// stream realigns on a preamble.
func (d *Decoder) Feed(p []byte, out func(can.Frame)) int {
	d.buf.Write(p)
	n := 0
	for {
		data := d.buf.Bytes()
		i := bytes.Index(data, []byte{pre0, pre1})
		if i < 0 {
			// keep a trailing first preamble byte
			if len(data) > 0 && data[len(data)-1] == pre0 {
				d.reset(data[len(data)-1:])
			} else {
				d.buf.Reset()
			}
			return n
		}
		if i > 0 {
			d.buf.Next(i)
			continue
		}
		if len(data) < 3 {
			return n
		}
		ln := int(data[2])
		if ln < minRxLen || ln > maxRxLen {
			metrics.IncMalformed()
			d.buf.Next(1)
			continue
		}
		total := 3 + ln
		if len(data) < total {
			d.compact()
			return n
		}
		body := data[3 : total-1]
		if checksum(data[2], body) != data[total-1] {
			metrics.IncMalformed()
			d.buf.Next(1)
			continue
		}
		fr := can.New(binary.BigEndian.Uint32(body[:4])&can.CAN_EFF_MASK|can.CAN_EFF_FLAG, body[4:]...)
		d.buf.Next(total)
		metrics.IncSerialRx()
		out(fr)
		n++
	}
}

func (d *Decoder) reset(keep []byte) {
	tail := append([]byte(nil), keep...)
	d.buf.Reset()
	d.buf.Write(tail)
}

// compact drops the consumed prefix when the backing array has grown far
// beyond the unread bytes.
func (d *Decoder) compact() {
	if d.buf.Cap() >= compactThreshold && d.buf.Len()*4 < d.buf.Cap() {
		d.reset(d.buf.Bytes())
	}
}
