package serialmux

import (
	"fmt"

	"go.bug.st/serial"
)

// OpenBridge opens the IMU bridge on the serial device at path.
func OpenBridge(path string, baud int) (*SerialMux[serial.Port], error) {
	mode, err := BridgeMode(baud)
	if err != nil {
		return nil, err
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("open bridge %s: %w", path, err)
	}
	return NewSerialMux[serial.Port](port), nil
}
