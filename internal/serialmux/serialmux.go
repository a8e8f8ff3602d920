// Package serialmux provides an abstraction over the serial link to the
// low-level board with the ability for multiple clients to subscribe to lines
// from the board and send commands to it.
package serialmux

import (
	"bufio"
	"context"
	crand "crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/amr.controller/internal/protocol"
)

var (
	ErrWriteFailed = errors.New("failed to write to serial port")
	ErrClosed      = errors.New("serial mux is closed")
)

// DefaultTelemetryPeriod is the report interval requested from the board
// during Initialize.
const DefaultTelemetryPeriod = 100 * time.Millisecond

// subscriberBuffer is how many lines a slow subscriber may lag behind.
const subscriberBuffer = 16

// LinkStats counts traffic on one mux since it was opened.
type LinkStats struct {
	Lines       uint64 `json:"lines"`
	Dropped     uint64 `json:"dropped"`
	Commands    uint64 `json:"commands"`
	Subscribers int    `json:"subscribers"`
}

// StatsReporter is implemented by muxes that count their traffic.
type StatsReporter interface {
	Stats() LinkStats
}

// SerialMux owns the board's serial port: every received line is copied to
// each subscriber and commands are written one at a time.
type SerialMux[T SerialPorter] struct {
	port         T
	subscribers  map[string]chan string
	subscriberMu sync.Mutex
	commandMu    sync.Mutex
	closing      bool
	closingMu    sync.Mutex

	lines    atomic.Uint64
	dropped  atomic.Uint64
	commands atomic.Uint64

	// TelemetryPeriod is sent to the board by Initialize.
	TelemetryPeriod time.Duration
}

// SerialMuxInterface is the board link as the rest of the controller sees it.
type SerialMuxInterface interface {
	// Subscribe returns an id and a channel of received lines, without the
	// trailing newline.
	Subscribe() (string, chan string)
	// Unsubscribe closes and forgets the channel with the given id.
	Unsubscribe(string)
	// SendCommand writes one command line.
	SendCommand(string) error
	// Monitor reads lines until ctx is done or the port fails.
	Monitor(context.Context) error
	// Close closes every subscriber channel and the port.
	Close() error
	// Initialize performs the link handshake with the board.
	Initialize() error
	// AttachAdminRoutes mounts the board console under /debug/, reachable
	// from localhost or over Tailscale only.
	AttachAdminRoutes(*http.ServeMux)
}

// NewSerialMux creates a SerialMux instance backed by the given port.
func NewSerialMux[T SerialPorter](port T) *SerialMux[T] {
	return &SerialMux[T]{
		port:            port,
		subscribers:     make(map[string]chan string),
		TelemetryPeriod: DefaultTelemetryPeriod,
	}
}

// randomID returns 16 hex characters.
func randomID() string {
	b := make([]byte, 8)
	crand.Read(b)
	return hex.EncodeToString(b)
}

func (s *SerialMux[T]) Subscribe() (string, chan string) {
	id := randomID()
	ch := make(chan string, subscriberBuffer)
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	if s.isClosing() {
		close(ch)
		return id, ch
	}
	s.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber from the serial mux.
func (s *SerialMux[T]) Unsubscribe(id string) {
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	if ch, ok := s.subscribers[id]; ok {
		close(ch)
		delete(s.subscribers, id)
	}
}

// Initialize syncs the board clock, sets the telemetry period and asks the
// firmware to announce itself.
func (s *SerialMux[T]) Initialize() error {
	if err := s.SendCommand(protocol.EncodeClockSync(time.Now())); err != nil {
		return fmt.Errorf("failed to synchronize clock: %w", err)
	}

	period := s.TelemetryPeriod
	if period <= 0 {
		period = DefaultTelemetryPeriod
	}
	if err := s.SendCommand(protocol.EncodeTelemetryPeriod(period)); err != nil {
		return fmt.Errorf("failed to set telemetry period: %w", err)
	}

	if err := s.SendCommand(protocol.EncodeVersionQuery()); err != nil {
		return fmt.Errorf("failed to query firmware version: %w", err)
	}
	return nil
}

// SendCommand writes command, adding the line terminator when missing. A
// short write is ErrWriteFailed.
func (s *SerialMux[T]) SendCommand(command string) error {
	if s.isClosing() {
		return ErrClosed
	}
	if !strings.HasSuffix(command, "\n") {
		command += "\n"
	}
	s.commandMu.Lock()
	defer s.commandMu.Unlock()
	n, err := s.port.Write([]byte(command))
	if err != nil {
		return err
	}
	if n != len(command) {
		return ErrWriteFailed
	}
	s.commands.Add(1)
	return nil
}

// Stats reports traffic counters and the current subscriber count.
func (s *SerialMux[T]) Stats() LinkStats {
	s.subscriberMu.Lock()
	n := len(s.subscribers)
	s.subscriberMu.Unlock()
	return LinkStats{
		Lines:       s.lines.Load(),
		Dropped:     s.dropped.Load(),
		Commands:    s.commands.Load(),
		Subscribers: n,
	}
}

func (s *SerialMux[T]) isClosing() bool {
	s.closingMu.Lock()
	defer s.closingMu.Unlock()
	return s.closing
}

// Monitor copies received lines to subscribers until ctx is done, the port
// reaches EOF or a read fails. Errors after Close are not reported.
func (s *SerialMux[T]) Monitor(ctx context.Context) error {
	scan := bufio.NewScanner(s.port)

	lineChan := make(chan string)
	scanErrChan := make(chan error, 1)

	// Scan blocks on the port; cancellation is observed by the loop below.
	go func() {
		defer close(lineChan)
		for scan.Scan() {
			select {
			case lineChan <- scan.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scan.Err(); err != nil {
			select {
			case scanErrChan <- err:
			case <-ctx.Done():
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-scanErrChan:
			if s.isClosing() {
				return nil
			}
			return err

		case line, ok := <-lineChan:
			if !ok {
				select {
				case err := <-scanErrChan:
					if !s.isClosing() {
						return err
					}
				default:
				}
				return nil
			}
			if s.isClosing() {
				return nil
			}

			s.publish(line)
		}
	}
}

// publish hands line to every subscriber that has room; a full subscriber
// loses the line rather than stalling the link.
func (s *SerialMux[T]) publish(line string) {
	s.subscriberMu.Lock()
	for _, ch := range s.subscribers {
		select {
		case ch <- line:
		default:
			s.dropped.Add(1)
		}
	}
	s.subscriberMu.Unlock()
	s.lines.Add(1)
}

// Close stops the mux. It is safe to call more than once.
func (s *SerialMux[T]) Close() error {
	s.closingMu.Lock()
	if s.closing {
		s.closingMu.Unlock()
		return nil
	}
	s.closing = true
	s.closingMu.Unlock()

	s.subscriberMu.Lock()
	for id, ch := range s.subscribers {
		close(ch)
		delete(s.subscribers, id)
	}
	s.subscriberMu.Unlock()
	return s.port.Close()
}

func (s *SerialMux[T]) AttachAdminRoutes(mux *http.ServeMux) {
	AttachAdminRoutesForMux(mux, s)
}
