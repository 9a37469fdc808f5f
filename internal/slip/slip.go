// Package slip implements the SLIP-like framing codec used to carry
// command/response packets over the bootloader's serial link: frames are
// delimited by a marker byte on both ends, and occurrences of the marker
// or escape byte inside the payload are escaped.
package slip

import (
	"io"
	"time"

	"github.com/bigbag/espboot/internal/esperr"
)

const (
	End    = 0xC0
	Esc    = 0xDB
	EscEnd = 0xDC
	EscEsc = 0xDD
)

// Encode wraps data in SLIP framing: a marker, the escaped payload, and a
// closing marker. Stateless.
func Encode(data []byte) []byte {
	result := make([]byte, 0, len(data)+10)
	result = append(result, End)

	for _, b := range data {
		switch b {
		case End:
			result = append(result, Esc, EscEnd)
		case Esc:
			result = append(result, Esc, EscEsc)
		default:
			result = append(result, b)
		}
	}

	result = append(result, End)
	return result
}

// Decode unescapes the body of a single frame (no leading/trailing
// marker bytes). An escape byte not followed by EscEnd or EscEsc is a
// malformed frame.
func Decode(body []byte) ([]byte, error) {
	result := make([]byte, 0, len(body))

	i := 0
	for i < len(body) {
		b := body[i]
		if b == Esc {
			if i+1 >= len(body) {
				return nil, esperr.New(esperr.MalformedFrame, "escape byte at end of frame")
			}
			switch body[i+1] {
			case EscEnd:
				result = append(result, End)
			case EscEsc:
				result = append(result, Esc)
			default:
				return nil, esperr.New(esperr.MalformedFrame, "invalid escape sequence")
			}
			i += 2
		} else {
			result = append(result, b)
			i++
		}
	}

	return result, nil
}

// LogSink receives bytes seen on the wire before the first frame marker,
// so a device's pre-sync boot banner or stray log output can be surfaced
// without being treated as protocol data.
type LogSink interface {
	Write(p []byte)
}

// byteReader is the minimal interface Reader needs from a link: a
// blocking, one-byte-at-a-time read with a deadline.
type byteReader interface {
	Read(n int, timeout time.Duration) ([]byte, error)
}

// Reader is a stateful SLIP frame receiver over a byte stream.
type Reader struct {
	link byteReader
	sink LogSink
}

// NewReader builds a Reader over link, optionally forwarding bytes seen
// outside of frames to sink (sink may be nil).
func NewReader(link byteReader, sink LogSink) *Reader {
	return &Reader{link: link, sink: sink}
}

// ReadFrame blocks until the first END marker is seen (bytes received
// before it are dropped, or forwarded to the LogSink), then reads
// escaped bytes into a growable buffer until the next END marker.
// Empty frames (two adjacent markers) are skipped. Returns the decoded
// frame body.
func (r *Reader) ReadFrame(timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)

	for {
		if err := r.syncToMarker(deadline); err != nil {
			return nil, err
		}

		body, err := r.readUntilMarker(deadline)
		if err != nil {
			return nil, err
		}
		if len(body) == 0 {
			// Idle empty frame; keep waiting for a real one.
			continue
		}
		return Decode(body)
	}
}

func (r *Reader) syncToMarker(deadline time.Time) error {
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return esperr.New(esperr.Timeout, "timeout waiting for frame marker")
		}
		b, err := r.link.Read(1, remaining)
		if err != nil {
			if err == io.EOF || esperr.Is(err, esperr.Timeout) {
				return esperr.New(esperr.Timeout, "timeout waiting for frame marker")
			}
			return esperr.Wrap(esperr.LinkError, "read failed", err)
		}
		if b[0] == End {
			return nil
		}
		if r.sink != nil {
			r.sink.Write(b)
		}
	}
}

func (r *Reader) readUntilMarker(deadline time.Time) ([]byte, error) {
	var buf []byte
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, esperr.New(esperr.Timeout, "timeout waiting for frame body")
		}
		b, err := r.link.Read(1, remaining)
		if err != nil {
			if err == io.EOF || esperr.Is(err, esperr.Timeout) {
				return nil, esperr.New(esperr.Timeout, "timeout waiting for frame body")
			}
			return nil, esperr.Wrap(esperr.LinkError, "read failed", err)
		}
		if b[0] == End {
			return buf, nil
		}
		buf = append(buf, b[0])
	}
}
