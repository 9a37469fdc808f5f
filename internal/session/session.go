// Package session is the component E/F session controller: it drives a
// serialport.Link through the sync handshake, chip detection, stub
// upload, and the memory/flash/erase operation set, gating each call
// against the state machine in state.go.
package session

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/bigbag/espboot/internal/chip"
	"github.com/bigbag/espboot/internal/esperr"
	"github.com/bigbag/espboot/internal/protocol"
	"github.com/bigbag/espboot/internal/serialport"
	"github.com/bigbag/espboot/internal/slip"
	"github.com/bigbag/espboot/internal/transport"
)

// bootBanner is the literal the ROM loader prints before it's ready to
// accept SYNC. Session matches it byte-by-byte, restarting on mismatch,
// rather than waiting for a SLIP frame (the banner is plain ASCII, not
// framed).
const bootBanner = "waiting for download\r\n"

const (
	syncBannerTimeout = 5 * transport.DefaultTimeout
	syncAttempts      = 5
	ohaiLiteral       = "OHAI"

	defaultRAMBlock  = 0x1800
	readFlashInFlight = 64
	flashTimeout      = 10 * time.Second
	eraseTimeout      = 60 * time.Second
)

// Session is the owner of one serial link's worth of protocol state. It
// is not safe for concurrent use (spec.md §5: the session is not
// thread-safe; concurrent use is a caller error).
type Session struct {
	link   serialport.Link
	reader *slip.Reader

	state   State
	chipID  uint32
	profile *chip.Profile
	baud    int

	progress func(done, total int)
}

// New builds a Session over an already-open link. initialBaud records
// the rate the link was opened at, for SetBaudRate's CHANGE_BAUDRATE
// payload. sink, if non-nil, receives bytes seen on the wire before the
// first SLIP frame marker (the boot banner and any stray device log
// output).
func New(link serialport.Link, initialBaud int, sink slip.LogSink) *Session {
	return &Session{
		link:   link,
		reader: slip.NewReader(link, sink),
		state:  StateUnconnected,
		baud:   initialBaud,
	}
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	return s.state
}

// ChipID returns the chip_id detected by Detect, or 0 before detection.
func (s *Session) ChipID() uint32 {
	return s.chipID
}

// Profile returns the chip profile selected by Detect (or swapped in by
// RunStub), and whether one is currently set.
func (s *Session) Profile() (chip.Profile, bool) {
	if s.profile == nil {
		return chip.Profile{}, false
	}
	return *s.profile, true
}

// SetProgressCallback installs fn to be called as mem/flash/read
// operations make progress; fn may be nil to disable reporting.
func (s *Session) SetProgressCallback(fn func(done, total int)) {
	s.progress = fn
}

func (s *Session) reportProgress(done, total int) {
	if s.progress != nil {
		s.progress(done, total)
	}
}

// statusLen is the width of the status/error trailer the currently
// selected profile reports, or the classic 2-byte ROM loader width
// before a profile is known.
func (s *Session) statusLen() int {
	if s.profile != nil {
		return s.profile.StatusLen
	}
	return 2
}

func ctxErr(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return esperr.Wrap(esperr.Timeout, "context canceled", ctx.Err())
	default:
		return nil
	}
}

func gatingError(s State, o op) error {
	return esperr.New(esperr.InvalidArg, fmt.Sprintf("%s not allowed in state %s", o, s))
}

// Sync runs the sync handshake (spec.md §4.E): wait for the boot
// banner, then issue SYNC up to 5 times until a non-empty reply is
// accepted.
func (s *Session) Sync(ctx context.Context) error {
	if !allowed(s.state, opSync) {
		return gatingError(s.state, opSync)
	}
	if err := ctxErr(ctx); err != nil {
		return err
	}
	if err := s.waitForBanner(syncBannerTimeout); err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt < syncAttempts; attempt++ {
		if err := ctxErr(ctx); err != nil {
			return err
		}
		body, _, err := transport.SendCommand(s.link, s.reader, protocol.CmdSync, protocol.SyncData(), 0, false, 2, transport.DefaultTimeout)
		if err != nil {
			lastErr = err
			continue
		}
		if len(body) == 0 {
			lastErr = esperr.New(esperr.Timeout, "empty SYNC reply")
			continue
		}
		s.state = StateSynchronized
		return nil
	}
	if lastErr == nil {
		lastErr = esperr.New(esperr.Timeout, "SYNC exhausted retries")
	}
	return lastErr
}

func (s *Session) waitForBanner(timeout time.Duration) error {
	literal := []byte(bootBanner)
	deadline := time.Now().Add(timeout)
	matched := 0

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return esperr.New(esperr.Timeout, "timeout waiting for boot banner")
		}
		b, err := s.link.Read(1, remaining)
		if err != nil {
			return esperr.Wrap(esperr.Timeout, "timeout waiting for boot banner", err)
		}
		switch {
		case b[0] == literal[matched]:
			matched++
			if matched == len(literal) {
				return nil
			}
		case b[0] == literal[0]:
			matched = 1
		default:
			matched = 0
		}
	}
}

// Detect issues GET_SECURITY_INFO and looks the reported chip_id up in
// the chip registry (spec.md §4.E "Detect"). A lookup miss is not an
// error here — it surfaces later as UnsupportedChip from whichever
// operation actually needed a profile.
func (s *Session) Detect(ctx context.Context) (uint32, error) {
	if !allowed(s.state, opDetect) {
		return 0, gatingError(s.state, opDetect)
	}
	if err := ctxErr(ctx); err != nil {
		return 0, err
	}

	body, _, err := transport.SendCommand(s.link, s.reader, protocol.CmdGetSecurityInfo, nil, 0, false, 2, transport.DefaultTimeout)
	if err != nil {
		return 0, err
	}
	info, err := protocol.ParseSecurityInfo(body)
	if err != nil {
		return 0, esperr.Wrap(esperr.InvalidResponse, "malformed security info reply", err)
	}

	s.chipID = info.ChipID
	s.state = StateDetected
	if p, ok := chip.Lookup(info.ChipID); ok {
		profile := p
		s.profile = &profile
	} else {
		s.profile = nil
	}
	return s.chipID, nil
}

// RunStub uploads the detected profile's stub to RAM, jumps to it, and
// waits for its OHAI handshake (spec.md §4.E "Run stub"). On success the
// session moves to stub_running, swapping in the ESP32-C6 companion
// profile if the detected chip has one.
func (s *Session) RunStub(ctx context.Context) error {
	if !allowed(s.state, opRunStub) {
		return gatingError(s.state, opRunStub)
	}
	if s.profile == nil {
		return esperr.New(esperr.UnsupportedChip, fmt.Sprintf("no profile for chip_id 0x%02X", s.chipID))
	}
	stub := s.profile.Stub

	if err := s.memWrite(ctx, stub.TextStart, stub.Text); err != nil {
		return esperr.Wrap(esperr.InvalidResponse, "stub text upload failed", err)
	}
	if err := s.memWrite(ctx, stub.DataStart, stub.Data); err != nil {
		return esperr.Wrap(esperr.InvalidResponse, "stub data upload failed", err)
	}
	if err := s.sendMemEnd(stub.Entry); err != nil {
		return err
	}

	frame, err := s.reader.ReadFrame(transport.DefaultTimeout)
	if err != nil {
		return err
	}
	if !bytes.Equal(frame, []byte(ohaiLiteral)) {
		return esperr.New(esperr.InvalidResponse, "stub handshake did not reply OHAI")
	}

	if s.profile.ChipID&0xFFFF == protocol.ChipIDESP32C6 {
		stubProfile := chip.ESP32C6StubProfile
		s.profile = &stubProfile
	}
	s.state = StateStubRunning
	return nil
}

// Reboot sends a best-effort FLASH_END(reboot) without waiting on the
// reply — the device may already be resetting by the time it would
// answer — matching the fire-and-forget reboot the teacher's Flasher
// used.
func (s *Session) Reboot(ctx context.Context) error {
	if !allowed(s.state, opFlashFinish) {
		return gatingError(s.state, opFlashFinish)
	}
	req := protocol.NewRequest(protocol.CmdFlashEnd, protocol.FlashEndData(true))
	return s.link.Write(slip.Encode(req.Encode()))
}

func (s *Session) drain() {
	for {
		if _, err := s.link.Read(1, 20*time.Millisecond); err != nil {
			return
		}
	}
}
