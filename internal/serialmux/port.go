package serialmux

import "io"

// SerialPorter is the byte stream under a SerialMux: a go.bug.st/serial port
// on the robot, TestableSerialPort in tests.
type SerialPorter interface {
	io.ReadWriteCloser
}
