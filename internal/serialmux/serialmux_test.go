package serialmux

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestMux(t *testing.T) (*SerialMux[*TestableSerialPort], *TestableSerialPort) {
	t.Helper()
	port := NewTestableSerialPort()
	mux := NewSerialMux(port)
	t.Cleanup(func() { mux.Close() })
	return mux, port
}

func startMonitor(t *testing.T, mux SerialMuxInterface) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- mux.Monitor(ctx) }()
	t.Cleanup(cancel)
	return cancel, done
}

func TestSubscribeUniqueIDs(t *testing.T) {
	mux, _ := newTestMux(t)

	id1, ch1 := mux.Subscribe()
	id2, ch2 := mux.Subscribe()

	assert.NotEmpty(t, id1)
	assert.NotEqual(t, id1, id2)
	assert.NotNil(t, ch1)
	assert.NotNil(t, ch2)
	assert.Len(t, mux.subscribers, 2)

	mux.Unsubscribe(id1)
	_, ok := <-ch1
	assert.False(t, ok, "unsubscribed channel should be closed")
	assert.Len(t, mux.subscribers, 1)

	// unknown ids are ignored
	mux.Unsubscribe("nope")
}

func TestSendCommandAppendsNewline(t *testing.T) {
	mux, port := newTestMux(t)

	require.NoError(t, mux.SendCommand("S 1"))
	require.NoError(t, mux.SendCommand("D 2 10 10\n"))
	assert.Equal(t, "S 1\nD 2 10 10\n", port.Written())
}

func TestSendCommandErrors(t *testing.T) {
	mux, port := newTestMux(t)

	port.WriteError = errors.New("unplugged")
	assert.EqualError(t, mux.SendCommand("S 1"), "unplugged")

	port.ShortWrite = true
	assert.ErrorIs(t, mux.SendCommand("S 2"), ErrWriteFailed)

	require.NoError(t, mux.Close())
	assert.ErrorIs(t, mux.SendCommand("S 3"), ErrClosed)
}

func TestInitializeHandshake(t *testing.T) {
	mux, port := newTestMux(t)
	mux.TelemetryPeriod = 250 * time.Millisecond

	require.NoError(t, mux.Initialize())

	lines := strings.Split(strings.TrimSpace(port.Written()), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "C="), lines[0])
	assert.Equal(t, "T 250", lines[1])
	assert.Equal(t, "V", lines[2])
}

func TestInitializeReportsWriteFailure(t *testing.T) {
	mux, port := newTestMux(t)
	port.WriteError = errors.New("busy")

	err := mux.Initialize()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "synchronize clock")
}

func TestMonitorFansOutLines(t *testing.T) {
	mux, port := newTestMux(t)
	_, ch1 := mux.Subscribe()
	_, ch2 := mux.Subscribe()

	startMonitor(t, mux)
	port.AddReadData("{\"t\":\"ack\",\"seq\":1}\n{\"t\":\"ack\",\"seq\":2}\n")

	for _, ch := range []chan string{ch1, ch2} {
		for _, want := range []string{`{"t":"ack","seq":1}`, `{"t":"ack","seq":2}`} {
			select {
			case got := <-ch:
				assert.Equal(t, want, got)
			case <-time.After(2 * time.Second):
				t.Fatalf("timed out waiting for %s", want)
			}
		}
	}
}

func TestMonitorStopsOnCancel(t *testing.T) {
	mux, _ := newTestMux(t)
	cancel, done := startMonitor(t, mux)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Monitor did not return after cancel")
	}
}

func TestMonitorReturnsNilAfterClose(t *testing.T) {
	mux, port := newTestMux(t)
	_, done := startMonitor(t, mux)

	require.NoError(t, mux.Close())
	assert.True(t, port.Closed())

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Monitor did not return after Close")
	}
}

func TestCloseClosesSubscribers(t *testing.T) {
	mux, _ := newTestMux(t)
	_, ch := mux.Subscribe()

	require.NoError(t, mux.Close())
	_, ok := <-ch
	assert.False(t, ok)

	// subscribing after close yields a closed channel
	_, late := mux.Subscribe()
	_, ok = <-late
	assert.False(t, ok)

	// second close is a no-op
	assert.NoError(t, mux.Close())
}

func TestStatsCountsTraffic(t *testing.T) {
	mux, port := newTestMux(t)
	_, _ = mux.Subscribe() // never drained

	require.NoError(t, mux.SendCommand("V"))
	port.ShortWrite = true
	assert.Error(t, mux.SendCommand("S 1"))

	startMonitor(t, mux)
	total := subscriberBuffer + 3
	var b strings.Builder
	for i := 0; i < total; i++ {
		b.WriteString("{\"t\":\"telem\"}\n")
	}
	port.AddReadData(b.String())

	assert.Eventually(t, func() bool {
		return mux.Stats().Lines == uint64(total)
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, LinkStats{Lines: uint64(total), Dropped: 3, Commands: 1, Subscribers: 1}, mux.Stats())
}

func TestAdminSerialStats(t *testing.T) {
	mux, _ := newTestMux(t)
	require.NoError(t, mux.SendCommand("V"))
	httpMux := http.NewServeMux()
	mux.AttachAdminRoutes(httpMux)

	w := httptest.NewRecorder()
	httpMux.ServeHTTP(w, localHostRequest(http.MethodGet, "/debug/serial-stats", ""))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"lines":0,"dropped":0,"commands":1,"subscribers":0}`, w.Body.String())

	w = httptest.NewRecorder()
	httpMux.ServeHTTP(w, localHostRequest(http.MethodPost, "/debug/serial-stats", ""))
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

// localHostRequest creates a request that appears to come from localhost so
// tsweb's debug access check lets it through.
func localHostRequest(method, target string, body string) *http.Request {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.RemoteAddr = "127.0.0.1:12345"
	if body != "" {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	return req
}

func TestAdminSendCommandAPI(t *testing.T) {
	mux, port := newTestMux(t)
	httpMux := http.NewServeMux()
	mux.AttachAdminRoutes(httpMux)

	tests := []struct {
		name   string
		method string
		form   url.Values
		status int
	}{
		{"valid command", http.MethodPost, url.Values{"command": {"S 9"}}, http.StatusOK},
		{"blank command", http.MethodPost, url.Values{"command": {"  "}}, http.StatusBadRequest},
		{"missing command", http.MethodPost, url.Values{}, http.StatusBadRequest},
		{"two lines", http.MethodPost, url.Values{"command": {"S 1\nE 2"}}, http.StatusBadRequest},
		{"wrong method", http.MethodGet, nil, http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			httpMux.ServeHTTP(w, localHostRequest(tt.method, "/debug/send-command-api", tt.form.Encode()))
			assert.Equal(t, tt.status, w.Code, w.Body.String())
		})
	}
	assert.Equal(t, "S 9\n", port.Written())
}

func TestAdminSendCommandPage(t *testing.T) {
	mux, _ := newTestMux(t)
	httpMux := http.NewServeMux()
	mux.AttachAdminRoutes(httpMux)

	w := httptest.NewRecorder()
	httpMux.ServeHTTP(w, localHostRequest(http.MethodGet, "/debug/send-command", ""))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Low-level board console")

	w = httptest.NewRecorder()
	httpMux.ServeHTTP(w, localHostRequest(http.MethodGet, "/debug/tail.js", ""))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "EventSource")
}

func TestAdminTailStreamsLines(t *testing.T) {
	mux, port := newTestMux(t)
	httpMux := http.NewServeMux()
	mux.AttachAdminRoutes(httpMux)
	startMonitor(t, mux)

	srv := httptest.NewServer(httpMux)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/debug/tail", nil)
	require.NoError(t, err)
	client := &http.Client{Transport: &http.Transport{}}
	defer client.CloseIdleConnections()
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// wait for the ping so the subscription is registered
	buf := make([]byte, 256)
	n, err := resp.Body.Read(buf)
	require.NoError(t, err)
	require.Contains(t, string(buf[:n]), ": ping")

	port.AddReadData("{\"t\":\"hello\",\"fw\":\"0.3.1\"}\n")

	var got strings.Builder
	for !strings.Contains(got.String(), "hello") {
		n, err := resp.Body.Read(buf)
		if err != nil {
			t.Fatalf("stream ended early: %v (got %q)", err, got.String())
		}
		got.Write(buf[:n])
	}
	assert.Contains(t, got.String(), `data: {"kind":"hello","line":"{\"t\":\"hello\",\"fw\":\"0.3.1\"}"}`)
}

func TestAdminTailFiltersKinds(t *testing.T) {
	mux, port := newTestMux(t)
	httpMux := http.NewServeMux()
	mux.AttachAdminRoutes(httpMux)
	startMonitor(t, mux)

	srv := httptest.NewServer(httpMux)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/debug/tail?kind=fault", nil)
	require.NoError(t, err)
	client := &http.Client{Transport: &http.Transport{}}
	defer client.CloseIdleConnections()
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	buf := make([]byte, 256)
	n, err := resp.Body.Read(buf)
	require.NoError(t, err)
	require.Contains(t, string(buf[:n]), ": ping")

	port.AddReadData("{\"t\":\"telem\",\"ms\":1}\ngarbage\n{\"t\":\"fault\",\"code\":3,\"msg\":\"motor stall\"}\n")

	var got strings.Builder
	for !strings.Contains(got.String(), "motor stall") {
		n, err := resp.Body.Read(buf)
		if err != nil {
			t.Fatalf("stream ended early: %v (got %q)", err, got.String())
		}
		got.Write(buf[:n])
	}
	assert.NotContains(t, got.String(), `"kind":"telem"`)
	assert.NotContains(t, got.String(), "garbage")
	assert.Contains(t, got.String(), `"kind":"fault"`)
}
