package api

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/amr.controller/internal/db"
	"github.com/banshee-data/amr.controller/internal/serialmux"
)

type portFactory struct {
	mu    sync.Mutex
	ports map[string]*serialmux.TestableSerialPort
	err   error
}

func (f *portFactory) open(path string, opts serialmux.PortOptions) (serialmux.SerialMuxInterface, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	p := serialmux.NewTestableSerialPort()
	if f.ports == nil {
		f.ports = make(map[string]*serialmux.TestableSerialPort)
	}
	f.ports[path] = p
	return serialmux.NewSerialMux(p), nil
}

func (f *portFactory) port(path string) *serialmux.TestableSerialPort {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ports[path]
}

func TestSerialPortManagerReloadKeepsSubscribers(t *testing.T) {
	database, err := db.NewDB(cloneAPITestDB(t))
	require.NoError(t, err)
	defer database.Close()

	initial := serialmux.NewTestableSerialPort()
	factory := &portFactory{}
	mgr := NewSerialPortManager(database, serialmux.NewSerialMux(initial), SerialConfigSnapshot{PortPath: "/dev/ttyUSB9", Source: "flag"}, factory.open)

	var reloaded SerialConfigSnapshot
	mgr.OnReload = func(s SerialConfigSnapshot) { reloaded = s }

	ctx, cancel := context.WithCancel(context.Background())
	monitorDone := make(chan error, 1)
	go func() { monitorDone <- mgr.Monitor(ctx) }()

	id, lines := mgr.Subscribe()
	require.NotEmpty(t, id)

	// the fanout subscribes asynchronously, so keep feeding until a line lands
	require.True(t, feedUntil(initial, lines, `{"t":"ack","seq":1}`), "no line from initial mux")

	result, err := mgr.ReloadConfig(ctx)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "/dev/ttyACM0", result.Config.PortPath)
	assert.Equal(t, "Low-level board", reloaded.Name)
	assert.True(t, initial.Closed())

	next := factory.port("/dev/ttyACM0")
	require.NotNil(t, next)
	// the handshake went to the new port
	assert.Contains(t, next.Written(), "V\n")

	require.NoError(t, mgr.SendCommand("S 4"))
	assert.Contains(t, next.Written(), "S 4\n")

	require.True(t, feedUntil(next, lines, `{"t":"ack","seq":2}`), "no line after reload")

	again, err := mgr.ReloadConfig(ctx)
	require.NoError(t, err)
	assert.Contains(t, again.Message, "already active")

	cancel()
	assert.ErrorIs(t, <-monitorDone, context.Canceled)

	require.NoError(t, mgr.Close())
	for range lines {
		// drain until the fanout closes the channel
	}
	assert.ErrorIs(t, mgr.SendCommand("S 5"), ErrManagerClosed)
	assert.ErrorIs(t, mgr.Initialize(), ErrManagerClosed)

	_, closed := mgr.Subscribe()
	_, ok := <-closed
	assert.False(t, ok)
}

func feedUntil(port *serialmux.TestableSerialPort, lines chan string, line string) bool {
	deadline := time.After(3 * time.Second)
	for {
		port.AddReadData(line + "\n")
		select {
		case got := <-lines:
			if got == line {
				return true
			}
		case <-time.After(50 * time.Millisecond):
		case <-deadline:
			return false
		}
	}
}

type stubStore struct {
	configs []db.SerialConfig
	err     error
}

func (s stubStore) GetEnabledSerialConfigs(context.Context) ([]db.SerialConfig, error) {
	return s.configs, s.err
}

func TestSerialPortManagerReloadErrors(t *testing.T) {
	factory := &portFactory{}

	tests := []struct {
		name    string
		store   SerialConfigStore
		factory SerialMuxFactory
		want    string
	}{
		{"no factory", stubStore{}, nil, "factory not configured"},
		{"no store", nil, factory.open, "database not configured"},
		{"store error", stubStore{err: errors.New("locked")}, factory.open, "locked"},
		{"none enabled", stubStore{}, factory.open, "no enabled serial configurations"},
		{"bad options", stubStore{configs: []db.SerialConfig{{PortPath: "/dev/ttyACM1", DataBits: 9}}}, factory.open, "invalid serial configuration"},
		{"open fails", stubStore{configs: []db.SerialConfig{{PortPath: "/dev/ttyACM1"}}},
			func(string, serialmux.PortOptions) (serialmux.SerialMuxInterface, error) {
				return nil, errors.New("permission denied")
			}, "permission denied"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mgr := NewSerialPortManager(tt.store, nil, SerialConfigSnapshot{}, tt.factory)
			defer mgr.Close()
			_, err := mgr.ReloadConfig(context.Background())
			assert.ErrorContains(t, err, tt.want)
		})
	}
}

func TestSerialPortManagerNoMux(t *testing.T) {
	mgr := NewSerialPortManager(nil, nil, SerialConfigSnapshot{}, nil)
	defer mgr.Close()
	assert.ErrorIs(t, mgr.SendCommand("V"), ErrMuxUnavailable)
	assert.Equal(t, SerialConfigSnapshot{}, mgr.Snapshot())
}

func TestSerialPortManagerStats(t *testing.T) {
	mgr := NewSerialPortManager(nil, nil, SerialConfigSnapshot{}, nil)
	defer mgr.Close()
	mgr.Subscribe()
	assert.Equal(t, serialmux.LinkStats{Subscribers: 1}, mgr.Stats())

	port := serialmux.NewTestableSerialPort()
	mux := serialmux.NewSerialMux(port)
	mgr2 := NewSerialPortManager(nil, mux, SerialConfigSnapshot{PortPath: "/dev/ttyUSB0"}, nil)
	defer mgr2.Close()
	require.NoError(t, mgr2.SendCommand("V"))
	st := mgr2.Stats()
	assert.Equal(t, uint64(1), st.Commands)
	assert.Equal(t, 0, st.Subscribers)
}

func TestSerialReloadEndpoint(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPost, "/api/serial/reload", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	factory := &portFactory{}
	mgr := NewSerialPortManager(ts.db, nil, SerialConfigSnapshot{}, factory.open)
	defer mgr.Close()
	ts.srv.SetSerialManager(mgr)

	w = ts.do(t, http.MethodGet, "/api/serial/reload", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)

	w = ts.do(t, http.MethodPost, "/api/serial/reload", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	res := decode[SerialReloadResult](t, w)
	assert.True(t, res.Success)
	assert.Equal(t, "115200 8N1", res.Config.Options.String())

	w = ts.do(t, http.MethodGet, "/api/config", nil)
	cfg := decode[map[string]any](t, w)
	assert.Contains(t, cfg, "serial")

	factory.err = errors.New("device busy")
	_, err := ts.db.CreateSerialConfig(t.Context(), &db.SerialConfig{Name: "second", PortPath: "/dev/ttyUSB1", Enabled: true})
	require.NoError(t, err)
	require.NoError(t, ts.db.DeleteSerialConfig(t.Context(), 1))
	w = ts.do(t, http.MethodPost, "/api/serial/reload", nil)
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.False(t, decode[SerialReloadResult](t, w).Success)
}
