package api

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/banshee-data/amr.controller/internal/db"
	"github.com/banshee-data/amr.controller/internal/serialmux"
)

var (
	ErrManagerClosed  = errors.New("serial manager is closed")
	ErrMuxUnavailable = errors.New("serial mux unavailable")
)

// SerialMuxFactory opens a mux for a port path. It is injected so runtime
// modes (real board, simulated board, disabled) and tests supply their own.
type SerialMuxFactory func(path string, opts serialmux.PortOptions) (serialmux.SerialMuxInterface, error)

// SerialConfigSnapshot describes the serial configuration applied to the
// running mux.
type SerialConfigSnapshot struct {
	ConfigID int                   `json:"config_id,omitempty"`
	Name     string                `json:"name,omitempty"`
	PortPath string                `json:"port_path"`
	Source   string                `json:"source"`
	Options  serialmux.PortOptions `json:"options"`
}

// SerialReloadResult is returned to API clients after a reload request.
type SerialReloadResult struct {
	Success bool                  `json:"success"`
	Message string                `json:"message"`
	Config  *SerialConfigSnapshot `json:"config,omitempty"`
}

// SerialConfigStore is the part of the database the manager reads.
type SerialConfigStore interface {
	GetEnabledSerialConfigs(ctx context.Context) ([]db.SerialConfig, error)
}

// SerialPortManager wraps the board link and lets its configuration be
// swapped at runtime. It implements serialmux.SerialMuxInterface so the
// controller, the ingest pump and the admin routes keep one handle across
// reloads.
//
// Subscribers receive channels from an internal fanout rather than from the
// mux. A background goroutine subscribes to whichever mux is current and
// forwards every line, reconnecting after a swap, so subscriptions survive
// reloads. Close is for shutdown only; afterwards SendCommand and Initialize
// fail and Subscribe returns a closed channel.
type SerialPortManager struct {
	mu       sync.RWMutex
	current  serialmux.SerialMuxInterface
	snapshot *SerialConfigSnapshot
	closed   bool

	store   SerialConfigStore
	factory SerialMuxFactory

	// OnReload, when set, is called after a new mux is in place.
	OnReload func(SerialConfigSnapshot)

	reloadMu sync.Mutex

	shutdown    chan struct{}
	fanoutDone  chan struct{}
	fanoutMu    sync.RWMutex
	subscribers map[string]chan string
	nextID      int
}

// NewSerialPortManager starts the fanout goroutine over initial. An empty
// snapshot port path means no configuration has been applied yet.
func NewSerialPortManager(store SerialConfigStore, initial serialmux.SerialMuxInterface, snapshot SerialConfigSnapshot, factory SerialMuxFactory) *SerialPortManager {
	mgr := &SerialPortManager{
		current:     initial,
		store:       store,
		factory:     factory,
		shutdown:    make(chan struct{}),
		fanoutDone:  make(chan struct{}),
		subscribers: make(map[string]chan string),
	}
	if snapshot.PortPath != "" {
		snap := snapshot
		mgr.snapshot = &snap
	}

	go mgr.runFanout()
	return mgr
}

// CurrentMux returns the mux in use. Reconfigure through ReloadConfig only.
func (m *SerialPortManager) CurrentMux() serialmux.SerialMuxInterface {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Snapshot returns a copy of the active configuration.
func (m *SerialPortManager) Snapshot() SerialConfigSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.snapshot == nil {
		return SerialConfigSnapshot{}
	}
	return *m.snapshot
}

func (m *SerialPortManager) runFanout() {
	defer close(m.fanoutDone)

	var subID string
	var subCh chan string
	var subMux serialmux.SerialMuxInterface

	defer func() {
		if subID != "" && subMux != nil {
			subMux.Unsubscribe(subID)
		}
		m.fanoutMu.Lock()
		for id, ch := range m.subscribers {
			close(ch)
			delete(m.subscribers, id)
		}
		m.fanoutMu.Unlock()
		log.Printf("serial fanout terminated")
	}()

	for {
		if subID == "" {
			mux := m.CurrentMux()
			if mux != nil {
				subID, subCh = mux.Subscribe()
				subMux = mux
			}
			if subID == "" {
				select {
				case <-m.shutdown:
					return
				case <-time.After(250 * time.Millisecond):
				}
				continue
			}
		}

		select {
		case <-m.shutdown:
			return

		case line, ok := <-subCh:
			if !ok {
				// the mux closed our subscription, most likely during a reload
				subID, subCh, subMux = "", nil, nil
				select {
				case <-m.shutdown:
					return
				case <-time.After(50 * time.Millisecond):
				}
				continue
			}

			m.fanoutMu.RLock()
			for _, ch := range m.subscribers {
				select {
				case ch <- line:
				default:
					log.Printf("serial fanout: subscriber full, dropping line")
				}
			}
			m.fanoutMu.RUnlock()
		}
	}
}

// Stats reports the counters of the current mux, when it keeps any, with the
// manager's own subscriber count.
func (m *SerialPortManager) Stats() serialmux.LinkStats {
	var st serialmux.LinkStats
	if r, ok := m.CurrentMux().(serialmux.StatsReporter); ok {
		st = r.Stats()
	}
	m.fanoutMu.RLock()
	st.Subscribers = len(m.subscribers)
	m.fanoutMu.RUnlock()
	return st
}

// Subscribe returns a channel that keeps receiving lines across reloads.
func (m *SerialPortManager) Subscribe() (string, chan string) {
	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		ch := make(chan string)
		close(ch)
		return "", ch
	}

	ch := make(chan string, 64)
	m.fanoutMu.Lock()
	m.nextID++
	id := fmt.Sprintf("subscriber-%d", m.nextID)
	m.subscribers[id] = ch
	m.fanoutMu.Unlock()
	return id, ch
}

// Unsubscribe removes a fanout subscriber and closes its channel.
func (m *SerialPortManager) Unsubscribe(id string) {
	m.fanoutMu.Lock()
	defer m.fanoutMu.Unlock()
	if ch, ok := m.subscribers[id]; ok {
		close(ch)
		delete(m.subscribers, id)
	}
}

func (m *SerialPortManager) active() (serialmux.SerialMuxInterface, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrManagerClosed
	}
	if m.current == nil {
		return nil, ErrMuxUnavailable
	}
	return m.current, nil
}

// SendCommand delegates to the current mux.
func (m *SerialPortManager) SendCommand(command string) error {
	mux, err := m.active()
	if err != nil {
		return err
	}
	return mux.SendCommand(command)
}

// Initialize delegates to the current mux.
func (m *SerialPortManager) Initialize() error {
	mux, err := m.active()
	if err != nil {
		return err
	}
	return mux.Initialize()
}

// Monitor runs the current mux's monitor loop and moves on to the next mux
// after a reload.
func (m *SerialPortManager) Monitor(ctx context.Context) error {
	for {
		mux := m.CurrentMux()
		if mux == nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(250 * time.Millisecond):
				continue
			}
		}

		err := mux.Monitor(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		pause := 100 * time.Millisecond
		if err != nil {
			log.Printf("serial monitor terminated with error: %v", err)
			pause = 500 * time.Millisecond
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pause):
		}
	}
}

// Close shuts the current mux and the fanout. Existing subscriber channels
// are closed.
func (m *SerialPortManager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	var err error
	if m.current != nil {
		err = m.current.Close()
	}
	m.current = nil
	m.mu.Unlock()

	close(m.shutdown)
	<-m.fanoutDone
	return err
}

// AttachAdminRoutes mounts the serial debug pages against the manager.
func (m *SerialPortManager) AttachAdminRoutes(mux *http.ServeMux) {
	serialmux.AttachAdminRoutesForMux(mux, m)
}

// ReloadConfig applies the first enabled serial configuration from the
// database, swapping the mux when the port or options changed.
func (m *SerialPortManager) ReloadConfig(ctx context.Context) (*SerialReloadResult, error) {
	if m.factory == nil {
		return nil, errors.New("serial mux factory not configured")
	}
	if m.store == nil {
		return nil, errors.New("database not configured")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.reloadMu.Lock()
	defer m.reloadMu.Unlock()

	configs, err := m.store.GetEnabledSerialConfigs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load serial configurations: %w", err)
	}
	if len(configs) == 0 {
		return nil, errors.New("no enabled serial configurations found")
	}

	cfg := configs[0]
	normalized, err := serialmux.PortOptions{
		BaudRate: cfg.BaudRate,
		DataBits: cfg.DataBits,
		StopBits: cfg.StopBits,
		Parity:   cfg.Parity,
	}.Normalize()
	if err != nil {
		return nil, fmt.Errorf("invalid serial configuration: %w", err)
	}

	snap := SerialConfigSnapshot{
		ConfigID: cfg.ID,
		Name:     cfg.Name,
		PortPath: cfg.PortPath,
		Source:   "database",
		Options:  normalized,
	}

	current := m.Snapshot()
	if current.PortPath == cfg.PortPath && current.Options.Equal(normalized) && m.CurrentMux() != nil {
		return &SerialReloadResult{
			Success: true,
			Message: fmt.Sprintf("Serial configuration %q already active", cfg.Name),
			Config:  &snap,
		}, nil
	}

	// A port cannot be opened twice, so release the old one first.
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	old := m.current
	m.current = nil
	m.mu.Unlock()

	if old != nil {
		log.Printf("closing serial link before reload")
		if err := old.Close(); err != nil {
			log.Printf("warning: failed to close previous serial mux: %v", err)
		}
	}

	next, err := m.factory(cfg.PortPath, normalized)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", cfg.PortPath, err)
	}
	if err := next.Initialize(); err != nil {
		next.Close()
		return nil, fmt.Errorf("failed to initialize serial port: %w", err)
	}

	m.mu.Lock()
	m.current = next
	m.snapshot = &snap
	m.mu.Unlock()

	if m.OnReload != nil {
		m.OnReload(snap)
	}

	return &SerialReloadResult{
		Success: true,
		Message: fmt.Sprintf("Reloaded serial configuration %q", cfg.Name),
		Config:  &snap,
	}, nil
}
