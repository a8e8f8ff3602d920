package serialmux

import (
	"bytes"
	"errors"
	"sync"
)

// TestableSerialPort implements SerialPorter with configurable behaviour for
// tests. Reads block until data is added with AddReadData or the port is
// closed.
type TestableSerialPort struct {
	mu sync.Mutex

	readBuf  bytes.Buffer
	writeBuf bytes.Buffer
	readCond *sync.Cond

	// WriteError is returned by the next Write call if set
	WriteError error
	// ShortWrite makes Write report one byte fewer than it was given
	ShortWrite bool
	// CloseError is returned by Close if set
	CloseError error

	closed     bool
	WriteCalls int
}

// NewTestableSerialPort creates a new TestableSerialPort for testing.
func NewTestableSerialPort() *TestableSerialPort {
	p := &TestableSerialPort{}
	p.readCond = sync.NewCond(&p.mu)
	return p
}

func (p *TestableSerialPort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for !p.closed && p.readBuf.Len() == 0 {
		p.readCond.Wait()
	}
	if p.readBuf.Len() == 0 {
		return 0, errors.New("serial port closed")
	}
	return p.readBuf.Read(b)
}

func (p *TestableSerialPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.WriteCalls++
	if p.closed {
		return 0, errors.New("serial port closed")
	}
	if p.WriteError != nil {
		err := p.WriteError
		p.WriteError = nil
		return 0, err
	}
	n, err := p.writeBuf.Write(b)
	if p.ShortWrite && n > 0 {
		n--
	}
	return n, err
}

func (p *TestableSerialPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.readCond.Broadcast()
	return p.CloseError
}

// AddReadData queues data for subsequent Read calls.
func (p *TestableSerialPort) AddReadData(data string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readBuf.WriteString(data)
	p.readCond.Broadcast()
}

// Written returns everything written to the port so far.
func (p *TestableSerialPort) Written() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writeBuf.String()
}

// Closed reports whether Close has been called.
func (p *TestableSerialPort) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
