// Package transport is the component C command transport: it frames a
// request, writes it, and reads back the matching response, filtering
// out anything the link hands back that isn't a response to the
// command just sent. internal/flasher and internal/detect in the
// teacher each hand-rolled a narrower version of this same loop; this
// unifies them into one routine every opcode in internal/session goes
// through.
package transport

import (
	"time"

	"github.com/bigbag/espboot/internal/esperr"
	"github.com/bigbag/espboot/internal/protocol"
	"github.com/bigbag/espboot/internal/serialport"
	"github.com/bigbag/espboot/internal/slip"
)

// DefaultTimeout is used by callers that have no command-specific
// deadline of their own (e.g. register reads, SYNC retries).
const DefaultTimeout = 3 * time.Second

// maxReceiveAttempts bounds how many frames SendCommand will read and
// discard looking for a match before giving up. A stub or ROM loader
// that's still draining a boot banner, or finishing an unrelated
// command's retransmission, can hand back several frames before the
// real response arrives.
const maxReceiveAttempts = 100

// SendCommand writes a single SLIP-framed request for opcode and blocks
// for its response. The checksum is the XOR reduction over the data
// region only: for FLASH_DATA, MEM_DATA and FLASH_DEFL_DATA that is
// params after its 16-byte {len, seq, 0, 0} prefix; other opcodes carry
// no data region. checksumSeed is used verbatim when the data region is
// empty (spec.md §9). When expectStatus is set, the body's trailing statusLen bytes
// (2 or 4, from the chip profile) are interpreted as a status/error
// pair and stripped from the returned body; a nonzero status fails with
// esperr.DeviceError. When expectStatus is false (SEC_INFO, SYNC) the
// whole body is returned as-is. An empty body on success is valid and
// returned as a nil slice, not an error; so is a reply that is only the
// 8-byte header, with no status trailer.
func SendCommand(link serialport.Link, reader *slip.Reader, opcode byte, params []byte, checksumSeed uint32, expectStatus bool, statusLen int, timeout time.Duration) ([]byte, uint32, error) {
	var data []byte
	switch opcode {
	case protocol.CmdFlashData, protocol.CmdMemData, protocol.CmdFlashDeflData:
		if len(params) > 16 {
			data = params[16:]
		}
	}
	req := &protocol.Request{
		Command:  opcode,
		Data:     params,
		Checksum: protocol.Checksum(data, checksumSeed),
	}

	if err := link.Write(slip.Encode(req.Encode())); err != nil {
		return nil, 0, err
	}

	deadline := time.Now().Add(timeout)
	for attempt := 0; attempt < maxReceiveAttempts; attempt++ {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}

		frame, err := reader.ReadFrame(remaining)
		if err != nil {
			return nil, 0, err
		}

		if !expectStatus {
			cmd, value, body, err := protocol.DecodeHeader(frame)
			if err != nil {
				// Not a well-formed response frame for any command; keep
				// looking rather than fail on the first piece of noise.
				continue
			}
			if cmd != opcode {
				continue
			}
			return body, value, nil
		}

		if len(frame) == 8 {
			// A bare header with no status trailer is "no body, success".
			cmd, value, _, err := protocol.DecodeHeader(frame)
			if err != nil || cmd != opcode {
				continue
			}
			return nil, value, nil
		}

		resp, err := protocol.DecodeResponseN(frame, statusLen)
		if err != nil {
			// Not a well-formed response frame for any command; keep
			// looking rather than fail on the first piece of noise.
			continue
		}
		if resp.Command != opcode {
			continue
		}
		if !resp.IsSuccess() {
			return nil, resp.Value, esperr.Device(opcode, resp.Status, resp.Error)
		}
		return resp.Data, resp.Value, nil
	}

	return nil, 0, esperr.New(esperr.Timeout, "no matching response before deadline")
}

// ReadAckFrame reads a single bare 4-byte little-endian cumulative byte
// count used as read_flash's flow-control ack (spec.md §4.F step 2):
// unlike a command response it carries no 8-byte header, just the
// SLIP-framed count.
func ReadAckFrame(reader *slip.Reader, timeout time.Duration) (uint32, error) {
	body, err := reader.ReadFrame(timeout)
	if err != nil {
		return 0, err
	}
	if len(body) != 4 {
		return 0, esperr.New(esperr.MalformedFrame, "ack frame is not 4 bytes")
	}
	return uint32(body[0]) | uint32(body[1])<<8 | uint32(body[2])<<16 | uint32(body[3])<<24, nil
}
