// Package serialport is the component A serial link abstraction: blocking
// byte read/write with timeout, and baud-rate reconfiguration. It is the
// only package in this core that talks to an actual UART.
package serialport

import (
	"fmt"
	"runtime"
	"time"

	"go.bug.st/serial"

	"github.com/bigbag/espboot/internal/esperr"
)

// Link is what the transport and session layers need from a serial
// connection: exact-N-byte reads with a timeout, whole writes, and a
// baud-rate change. A short read is a failure, never a partial success.
type Link interface {
	Write(data []byte) error
	Read(n int, timeout time.Duration) ([]byte, error)
	SetBaudRate(rate int) error
	Close() error
}

// Port wraps a serial port, using raw termios syscalls on Linux (better
// behaved against USB CDC ACM gadgets than the portable backend) and
// go.bug.st/serial everywhere else.
type Port struct {
	port     serial.Port
	raw      *RawPort
	portName string
	baudRate int
}

// Open opens a serial port at the given baud rate.
func Open(portName string, baudRate int) (*Port, error) {
	if runtime.GOOS == "linux" {
		raw, err := OpenRaw(portName, baudRate)
		if err != nil {
			return nil, err
		}
		return &Port{raw: raw, portName: portName, baudRate: baudRate}, nil
	}

	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open port %s: %w", portName, err)
	}
	if err := port.SetReadTimeout(100 * time.Millisecond); err != nil {
		port.Close()
		return nil, fmt.Errorf("failed to set read timeout: %w", err)
	}

	return &Port{port: port, portName: portName, baudRate: baudRate}, nil
}

// Close closes the underlying port.
func (p *Port) Close() error {
	if p.raw != nil {
		return p.raw.Close()
	}
	if p.port != nil {
		return p.port.Close()
	}
	return nil
}

// Write writes all of data or fails.
func (p *Port) Write(data []byte) error {
	var n int
	var err error
	if p.raw != nil {
		n, err = p.raw.Write(data)
	} else {
		n, err = p.port.Write(data)
	}
	if err != nil {
		return esperr.Wrap(esperr.LinkError, "write failed", err)
	}
	if n != len(data) {
		return esperr.New(esperr.LinkError, "short write")
	}
	return nil
}

// Read blocks until exactly n bytes are read or timeout elapses; a
// partial read is a Timeout error, never a partial success.
func (p *Port) Read(n int, timeout time.Duration) ([]byte, error) {
	buf := make([]byte, n)
	got := 0
	deadline := time.Now().Add(timeout)

	for got < n {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, esperr.New(esperr.Timeout, "read timed out")
		}

		var rn int
		var err error
		if p.raw != nil {
			rn, err = p.raw.ReadWithTimeout(buf[got:], remaining)
		} else {
			rn, err = p.readWithTimeout(buf[got:], remaining)
		}
		if rn > 0 {
			got += rn
		}
		if err != nil {
			return nil, esperr.Wrap(esperr.LinkError, "read failed", err)
		}
	}

	return buf, nil
}

func (p *Port) readWithTimeout(buf []byte, timeout time.Duration) (int, error) {
	if err := p.port.SetReadTimeout(timeout); err != nil {
		return 0, err
	}
	defer p.port.SetReadTimeout(100 * time.Millisecond)
	return p.port.Read(buf)
}

// SetBaudRate reconfigures the underlying UART at the new rate. On the
// go.bug.st/serial backend this requires closing and reopening the
// handle; on the raw Linux backend it's an ioctl.
func (p *Port) SetBaudRate(rate int) error {
	if p.raw != nil {
		if err := p.raw.SetBaudRate(rate); err != nil {
			return esperr.Wrap(esperr.LinkError, "set baud rate failed", err)
		}
		p.baudRate = rate
		return nil
	}

	if err := p.port.Close(); err != nil {
		return esperr.Wrap(esperr.LinkError, "close before rebaud failed", err)
	}

	mode := &serial.Mode{
		BaudRate: rate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	newPort, err := serial.Open(p.portName, mode)
	if err != nil {
		return esperr.Wrap(esperr.LinkError, "reopen at new baud rate failed", err)
	}
	if err := newPort.SetReadTimeout(100 * time.Millisecond); err != nil {
		newPort.Close()
		return esperr.Wrap(esperr.LinkError, "set read timeout failed", err)
	}

	p.port = newPort
	p.baudRate = rate
	return nil
}

// Flush discards any buffered input.
func (p *Port) Flush() error {
	if p.raw != nil {
		return p.raw.Flush()
	}
	return p.port.ResetInputBuffer()
}

// SetDTR sets the DTR signal.
func (p *Port) SetDTR(value bool) error {
	if p.raw != nil {
		return p.raw.SetDTR(value)
	}
	return p.port.SetDTR(value)
}

// SetRTS sets the RTS signal.
func (p *Port) SetRTS(value bool) error {
	if p.raw != nil {
		return p.raw.SetRTS(value)
	}
	return p.port.SetRTS(value)
}

// ResetToBootloader drives the DTR/RTS auto-reset circuit common on
// ESP32 dev boards to force the chip into the ROM download loader.
func (p *Port) ResetToBootloader() error {
	if p.raw != nil {
		return p.raw.ResetToBootloader()
	}

	// Classic reset sequence (signal polarities inverted by transistor
	// drivers on most boards):
	//   1. RTS high, DTR low  -> EN low (reset), GPIO0 high
	//   2. RTS low,  DTR high -> EN high (run),  GPIO0 low (boot mode)
	//   3. RTS high, DTR low  -> release GPIO0
	if err := p.SetRTS(true); err != nil {
		return err
	}
	if err := p.SetDTR(false); err != nil {
		return err
	}
	time.Sleep(100 * time.Millisecond)

	if err := p.SetRTS(false); err != nil {
		return err
	}
	if err := p.SetDTR(true); err != nil {
		return err
	}
	time.Sleep(50 * time.Millisecond)

	if err := p.SetRTS(true); err != nil {
		return err
	}
	if err := p.SetDTR(false); err != nil {
		return err
	}
	time.Sleep(50 * time.Millisecond)

	if err := p.SetRTS(false); err != nil {
		return err
	}
	if err := p.SetDTR(false); err != nil {
		return err
	}

	p.Flush()
	time.Sleep(100 * time.Millisecond)
	return nil
}

// HardReset pulses EN without asserting GPIO0, for a normal (non-boot)
// reset after flashing completes.
func (p *Port) HardReset() error {
	if p.raw != nil {
		return p.raw.HardReset()
	}
	if err := p.SetRTS(true); err != nil {
		return err
	}
	time.Sleep(100 * time.Millisecond)
	return p.SetRTS(false)
}

// PortName returns the OS device path this Port was opened on.
func (p *Port) PortName() string {
	return p.portName
}

// BaudRate returns the last rate the port was configured at.
func (p *Port) BaudRate() int {
	return p.baudRate
}

// ListPorts returns the OS's available serial port device paths.
func ListPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, err
	}
	return ports, nil
}
