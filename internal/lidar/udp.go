package lidar

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/banshee-data/amr.controller/internal/monitoring"
	"github.com/banshee-data/amr.controller/internal/timeutil"
)

// readPoll bounds how long a blocked read can delay shutdown.
const readPoll = 250 * time.Millisecond

// UDPSource listens for scan packets from a networked sensor.
type UDPSource struct {
	Address string
	RcvBuf  int
	Clock   timeutil.Clock

	mu      sync.Mutex
	conn    *net.UDPConn
	packets int
	dropped int
}

// NewUDPSource returns a source bound to address once Listen or Run is called.
func NewUDPSource(address string) *UDPSource {
	return &UDPSource{Address: address, RcvBuf: 1 << 20, Clock: timeutil.RealClock{}}
}

// Listen opens the socket. Run calls it when needed; calling it first lets
// callers learn the bound address.
func (u *UDPSource) Listen() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.conn != nil {
		return nil
	}
	addr, err := net.ResolveUDPAddr("udp", u.Address)
	if err != nil {
		return fmt.Errorf("failed to resolve UDP address: %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on UDP address: %w", err)
	}
	if u.RcvBuf > 0 {
		if err := conn.SetReadBuffer(u.RcvBuf); err != nil {
			monitoring.Logf("lidar: failed to set UDP receive buffer to %d: %v", u.RcvBuf, err)
		}
	}
	u.conn = conn
	return nil
}

// LocalAddr returns the bound address, or nil before Listen.
func (u *UDPSource) LocalAddr() net.Addr {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.conn == nil {
		return nil
	}
	return u.conn.LocalAddr()
}

// Stats returns the number of accepted and rejected packets.
func (u *UDPSource) Stats() (packets, dropped int) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.packets, u.dropped
}

// Run receives packets until ctx is cancelled. Malformed packets are counted
// and skipped.
func (u *UDPSource) Run(ctx context.Context, handle func(Scan)) error {
	if err := u.Listen(); err != nil {
		return err
	}
	u.mu.Lock()
	conn := u.conn
	u.mu.Unlock()
	defer func() {
		u.mu.Lock()
		u.conn = nil
		u.mu.Unlock()
		conn.Close()
	}()

	monitoring.Logf("lidar: UDP listener started on %s", conn.LocalAddr())
	clock := u.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}

	buf := make([]byte, headerSize+2*MaxBeams)
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		if err := conn.SetReadDeadline(time.Now().Add(readPoll)); err != nil {
			return fmt.Errorf("failed to set read deadline: %w", err)
		}
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("lidar UDP read failed: %w", err)
		}

		ranges, err := ParsePacket(buf[:n])
		u.mu.Lock()
		if err != nil {
			u.dropped++
		} else {
			u.packets++
		}
		u.mu.Unlock()
		if err != nil {
			monitoring.Logf("lidar: dropping packet: %v", err)
			continue
		}
		handle(Scan{Timestamp: clock.Now(), Ranges: ranges})
	}
}
