package serialmux

import (
	"fmt"

	"go.bug.st/serial"
)

// NewRealSerialMux opens the board's UART at path. Bytes the board printed
// before the port was opened are discarded so the first line read is whole.
func NewRealSerialMux(path string, opts PortOptions) (*SerialMux[serial.Port], error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("open %s (%s): %w", path, opts, err)
	}
	if err := port.ResetInputBuffer(); err != nil {
		port.Close()
		return nil, fmt.Errorf("flush %s: %w", path, err)
	}
	return NewSerialMux(port), nil
}

// ListPorts returns the serial device paths visible to the host.
func ListPorts() ([]string, error) {
	return serial.GetPortsList()
}
