package serialmux

import (
	"errors"
	"fmt"
	"slices"

	"go.bug.st/serial"
)

// DefaultBaudRate is the IMU bridge's factory baud rate.
const DefaultBaudRate = 115200

// BridgeBaudRates are the rates the bridge firmware can be switched to.
var BridgeBaudRates = []int{57600, 115200, 230400, 460800, 921600}

// ErrUnsupportedBaud is returned for a rate the bridge does not accept.
var ErrUnsupportedBaud = errors.New("unsupported baud rate")

// BridgeMode returns the 8N1 port mode for baud. Zero selects
// DefaultBaudRate.
func BridgeMode(baud int) (*serial.Mode, error) {
	if baud == 0 {
		baud = DefaultBaudRate
	}
	if !slices.Contains(BridgeBaudRates, baud) {
		return nil, fmt.Errorf("%w: %d (bridge accepts %v)", ErrUnsupportedBaud, baud, BridgeBaudRates)
	}
	return &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}, nil
}
