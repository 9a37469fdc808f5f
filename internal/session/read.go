package session

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/binary"
	"time"

	"github.com/bigbag/espboot/internal/esperr"
	"github.com/bigbag/espboot/internal/protocol"
	"github.com/bigbag/espboot/internal/slip"
	"github.com/bigbag/espboot/internal/transport"
)

// ReadFlash reads length bytes back from flash at offset, streaming
// with ack-based flow control and verifying the stub's trailing MD5
// digest against the collected bytes (spec.md §4.F "Read flash
// (verified)"). Only available once the stub is running.
func (s *Session) ReadFlash(ctx context.Context, offset, length uint32) ([]byte, error) {
	if !allowed(s.state, opReadFlash) {
		return nil, gatingError(s.state, opReadFlash)
	}

	payload := protocol.ReadFlashData(offset, length, protocol.ReadFlashPacketSize, readFlashInFlight)
	if _, _, err := transport.SendCommand(s.link, s.reader, protocol.CmdReadFlash, payload, 0, true, s.statusLen(), transport.DefaultTimeout); err != nil {
		return nil, err
	}

	out := make([]byte, 0, length)
	var received uint32

	for received < length {
		if err := ctxErr(ctx); err != nil {
			return nil, err
		}
		frame, err := s.reader.ReadFrame(flashTimeout)
		if err != nil {
			return nil, err
		}
		if received+uint32(len(frame)) < length && len(frame) < protocol.ReadFlashPacketSize {
			return nil, esperr.New(esperr.InvalidResponse, "short read_flash frame before end of transfer")
		}

		out = append(out, frame...)
		received += uint32(len(frame))
		s.reportProgress(int(received), int(length))

		ack := make([]byte, 4)
		binary.LittleEndian.PutUint32(ack, received)
		if err := s.link.Write(slip.Encode(ack)); err != nil {
			return nil, esperr.Wrap(esperr.LinkError, "read_flash ack write failed", err)
		}
	}

	digestFrame, err := s.reader.ReadFrame(flashTimeout)
	if err != nil {
		return nil, err
	}
	if len(digestFrame) != 16 {
		return nil, esperr.New(esperr.InvalidResponse, "read_flash digest frame is not 16 bytes")
	}
	sum := md5.Sum(out)
	if !bytes.Equal(sum[:], digestFrame) {
		return nil, esperr.New(esperr.IntegrityError, "read_flash digest mismatch")
	}
	return out, nil
}

// EraseFlash erases the whole attached flash chip (spec.md §4.F
// "Erase"). This is a long-running operation; the device may take tens
// of seconds to answer.
func (s *Session) EraseFlash(ctx context.Context) error {
	if !allowed(s.state, opEraseFlash) {
		return gatingError(s.state, opEraseFlash)
	}
	if err := ctxErr(ctx); err != nil {
		return err
	}
	_, _, err := transport.SendCommand(s.link, s.reader, protocol.CmdEraseFlash, nil, 0, true, s.statusLen(), eraseTimeout)
	return err
}

// EraseRegion erases length bytes of flash starting at offset.
func (s *Session) EraseRegion(ctx context.Context, offset, length uint32) error {
	if !allowed(s.state, opEraseRegion) {
		return gatingError(s.state, opEraseRegion)
	}
	if err := ctxErr(ctx); err != nil {
		return err
	}
	payload := protocol.EraseRegionData(offset, length)
	_, _, err := transport.SendCommand(s.link, s.reader, protocol.CmdEraseRegion, payload, 0, true, s.statusLen(), eraseTimeout)
	return err
}

// ReadReg reads a 32-bit target register.
func (s *Session) ReadReg(ctx context.Context, addr uint32) (uint32, error) {
	if !allowed(s.state, opReadReg) {
		return 0, gatingError(s.state, opReadReg)
	}
	if err := ctxErr(ctx); err != nil {
		return 0, err
	}
	payload := make([]byte, 4)
	binary.LittleEndian.PutUint32(payload, addr)
	_, value, err := transport.SendCommand(s.link, s.reader, protocol.CmdReadReg, payload, 0, true, s.statusLen(), transport.DefaultTimeout)
	if err != nil {
		return 0, err
	}
	return value, nil
}

// SetBaudRate changes the link's baud rate (spec.md §9 "CHANGE_BAUDRATE
// sequencing"). Before the sync handshake the device has no opinion on
// baud yet, so this only reconfigures the local link; with the stub
// running it issues CHANGE_BAUDRATE first, drains whatever the device
// already queued at the old rate, then reconfigures and pauses. In the
// synchronized and detected states the call is rejected by the gating
// table.
func (s *Session) SetBaudRate(ctx context.Context, rate int) error {
	if !allowed(s.state, opSetBaudRate) {
		return gatingError(s.state, opSetBaudRate)
	}
	if err := ctxErr(ctx); err != nil {
		return err
	}

	if s.state != StateUnconnected {
		payload := make([]byte, 8)
		binary.LittleEndian.PutUint32(payload[0:4], uint32(rate))
		binary.LittleEndian.PutUint32(payload[4:8], uint32(s.baud))
		if _, _, err := transport.SendCommand(s.link, s.reader, protocol.CmdChangeBaud, payload, 0, true, s.statusLen(), transport.DefaultTimeout); err != nil {
			return err
		}
	}

	s.drain()
	if err := s.link.SetBaudRate(rate); err != nil {
		return esperr.Wrap(esperr.LinkError, "set baud rate failed", err)
	}
	s.baud = rate
	time.Sleep(50 * time.Millisecond)
	return nil
}
