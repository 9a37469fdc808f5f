package session

import (
	"context"
	"fmt"
	"time"

	"github.com/bigbag/espboot/internal/protocol"
	"github.com/bigbag/espboot/internal/serialport"
)

// scanTimeout bounds how long a single port probe is given to see the
// boot banner, sync, and detect before it's given up on.
const scanTimeout = 10 * time.Second

// ScanResult is one port's detection outcome, the session-layer
// equivalent of the teacher's internal/detect.Result.
type ScanResult struct {
	Port     string
	ChipID   uint32
	ChipName string
}

// ScanPorts opens every serial port the OS reports, resets each into
// the ROM download loader, and attempts sync+detect on it — the
// multi-port sweep the teacher's internal/detect.ListDevices performed,
// generalized to run over a Session instead of hand-rolled raw I/O.
func ScanPorts(baudRate int) ([]ScanResult, error) {
	ports, err := serialport.ListPorts()
	if err != nil {
		return nil, fmt.Errorf("failed to list ports: %w", err)
	}

	var results []ScanResult
	for _, name := range ports {
		if r, err := probePort(name, baudRate); err == nil {
			results = append(results, r)
		}
	}
	return results, nil
}

// DetectOnPort probes exactly one port, the equivalent of the teacher's
// internal/detect.DetectOnPort.
func DetectOnPort(portName string, baudRate int) (ScanResult, error) {
	return probePort(portName, baudRate)
}

func probePort(portName string, baudRate int) (ScanResult, error) {
	port, err := serialport.Open(portName, baudRate)
	if err != nil {
		return ScanResult{}, err
	}
	defer port.Close()

	if err := port.ResetToBootloader(); err != nil {
		return ScanResult{}, fmt.Errorf("reset to bootloader failed: %w", err)
	}

	sess := New(port, baudRate, nil)
	ctx, cancel := context.WithTimeout(context.Background(), scanTimeout)
	defer cancel()

	if err := sess.Sync(ctx); err != nil {
		return ScanResult{}, fmt.Errorf("sync failed: %w", err)
	}

	chipID, err := sess.Detect(ctx)
	if err != nil {
		// Sync succeeded so something is there, even if SEC_INFO didn't
		// parse cleanly — report it as an unidentified ESP32 rather than
		// dropping the port from the scan.
		return ScanResult{Port: portName, ChipID: 0, ChipName: "ESP32 (unknown variant)"}, nil
	}

	return ScanResult{Port: portName, ChipID: chipID, ChipName: protocol.ChipName(chipID)}, nil
}
