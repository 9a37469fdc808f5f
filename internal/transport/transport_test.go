package transport

import (
	"bytes"
	"testing"
	"time"

	"github.com/bigbag/espboot/internal/esperr"
	"github.com/bigbag/espboot/internal/protocol"
	"github.com/bigbag/espboot/internal/slip"
)

// fakeLink is an in-memory serialport.Link: writes are captured, reads
// are served one byte at a time from a pre-scripted buffer so
// slip.Reader can drive SendCommand exactly as it would over a wire.
type fakeLink struct {
	written [][]byte
	rx      []byte
	pos     int
}

func (f *fakeLink) Write(data []byte) error {
	cp := append([]byte(nil), data...)
	f.written = append(f.written, cp)
	return nil
}

func (f *fakeLink) Read(n int, timeout time.Duration) ([]byte, error) {
	if n != 1 {
		panic("fakeLink only supports single-byte reads")
	}
	if f.pos >= len(f.rx) {
		return nil, esperr.New(esperr.Timeout, "no more data")
	}
	b := f.rx[f.pos]
	f.pos++
	return []byte{b}, nil
}

func (f *fakeLink) SetBaudRate(int) error { return nil }
func (f *fakeLink) Close() error          { return nil }

func responseFrame(cmd byte, value uint32, data []byte, status, code byte) []byte {
	resp := &protocol.Response{Command: cmd, Value: value, Status: status, Error: code}
	payload := append(append([]byte(nil), data...), status, code)
	encoded := make([]byte, 8+len(payload))
	encoded[0] = protocol.DirResponse
	encoded[1] = resp.Command
	encoded[2] = byte(len(payload))
	encoded[3] = byte(len(payload) >> 8)
	encoded[4] = byte(value)
	encoded[5] = byte(value >> 8)
	encoded[6] = byte(value >> 16)
	encoded[7] = byte(value >> 24)
	copy(encoded[8:], payload)
	return slip.Encode(encoded)
}

func TestSendCommand_Success(t *testing.T) {
	link := &fakeLink{rx: responseFrame(protocol.CmdSync, 0, []byte{0xAA, 0xBB}, 0, 0)}
	reader := slip.NewReader(link, nil)

	data, value, err := SendCommand(link, reader, protocol.CmdSync, protocol.SyncData(), 0, true, 2, time.Second)
	if err != nil {
		t.Fatalf("SendCommand error = %v", err)
	}
	if value != 0 {
		t.Errorf("value = %d, want 0", value)
	}
	if !bytes.Equal(data, []byte{0xAA, 0xBB}) {
		t.Errorf("data = %v, want [AA BB]", data)
	}
	if len(link.written) != 1 {
		t.Fatalf("wrote %d frames, want 1", len(link.written))
	}
}

func TestSendCommand_DeviceError(t *testing.T) {
	link := &fakeLink{rx: responseFrame(protocol.CmdFlashData, 0, nil, 0x01, protocol.ErrInvalidCRC)}
	reader := slip.NewReader(link, nil)

	_, _, err := SendCommand(link, reader, protocol.CmdFlashData, []byte{0x01}, 0, true, 2, time.Second)
	if !esperr.Is(err, esperr.DeviceError) {
		t.Fatalf("err = %v, want DeviceError", err)
	}
}

func TestSendCommand_SkipsInterleavedFrame(t *testing.T) {
	var rx []byte
	rx = append(rx, responseFrame(protocol.CmdReadReg, 0x1234, nil, 0, 0)...)
	rx = append(rx, responseFrame(protocol.CmdSync, 0, nil, 0, 0)...)
	link := &fakeLink{rx: rx}
	reader := slip.NewReader(link, nil)

	_, _, err := SendCommand(link, reader, protocol.CmdSync, protocol.SyncData(), 0, true, 2, time.Second)
	if err != nil {
		t.Fatalf("SendCommand error = %v", err)
	}
}

func TestSendCommand_EmptyBodyIsSuccess(t *testing.T) {
	link := &fakeLink{rx: responseFrame(protocol.CmdFlashEnd, 0, nil, 0, 0)}
	reader := slip.NewReader(link, nil)

	data, _, err := SendCommand(link, reader, protocol.CmdFlashEnd, protocol.FlashEndData(true), 0, true, 2, time.Second)
	if err != nil {
		t.Fatalf("SendCommand error = %v", err)
	}
	if len(data) != 0 {
		t.Errorf("data = %v, want empty", data)
	}
}

func TestSendCommand_TimeoutWithNoResponse(t *testing.T) {
	link := &fakeLink{}
	reader := slip.NewReader(link, nil)

	_, _, err := SendCommand(link, reader, protocol.CmdSync, protocol.SyncData(), 0, true, 2, 5*time.Millisecond)
	if !esperr.Is(err, esperr.Timeout) {
		t.Fatalf("err = %v, want Timeout", err)
	}
}

func TestSendCommand_NoExpectStatusReturnsWholeBody(t *testing.T) {
	secInfo := make([]byte, 16)
	secInfo[12], secInfo[13], secInfo[14], secInfo[15] = 0x0D, 0x00, 0x00, 0x00
	encoded := make([]byte, 8+len(secInfo))
	encoded[0] = protocol.DirResponse
	encoded[1] = protocol.CmdGetSecurityInfo
	encoded[2] = byte(len(secInfo))
	copy(encoded[8:], secInfo)
	link := &fakeLink{rx: slip.Encode(encoded)}
	reader := slip.NewReader(link, nil)

	body, _, err := SendCommand(link, reader, protocol.CmdGetSecurityInfo, nil, 0, false, 2, time.Second)
	if err != nil {
		t.Fatalf("SendCommand error = %v", err)
	}
	if len(body) != 16 {
		t.Fatalf("body len = %d, want 16 (no status trailer stripped)", len(body))
	}
	info, err := protocol.ParseSecurityInfo(body)
	if err != nil {
		t.Fatalf("ParseSecurityInfo error = %v", err)
	}
	if info.ChipID != 0x0D {
		t.Errorf("ChipID = 0x%X, want 0x0D", info.ChipID)
	}
}

func TestReadAckFrame(t *testing.T) {
	link := &fakeLink{rx: slip.Encode([]byte{0x00, 0x10, 0x00, 0x00})}
	reader := slip.NewReader(link, nil)

	count, err := ReadAckFrame(reader, time.Second)
	if err != nil {
		t.Fatalf("ReadAckFrame error = %v", err)
	}
	if count != 0x1000 {
		t.Errorf("count = 0x%X, want 0x1000", count)
	}
}

func TestReadAckFrame_WrongSize(t *testing.T) {
	link := &fakeLink{rx: slip.Encode([]byte{0x01, 0x02})}
	reader := slip.NewReader(link, nil)

	_, err := ReadAckFrame(reader, time.Second)
	if !esperr.Is(err, esperr.MalformedFrame) {
		t.Fatalf("err = %v, want MalformedFrame", err)
	}
}
