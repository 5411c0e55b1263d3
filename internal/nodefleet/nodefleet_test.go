package nodefleet

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/flyingrobots/go-redis-work-queue/internal/config"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testConfig(interval, timeout, heartbeat time.Duration) *config.Config {
	return &config.Config{
		Nodes: config.Nodes{
			HealthCheck: config.HealthCheck{Interval: interval, Timeout: timeout, HeartbeatTimeout: heartbeat},
		},
	}
}

func newTestServer(healthy *bool) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if *healthy {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{}`))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
}

func TestRegisterHealthyNodeGoesOnline(t *testing.T) {
	healthy := true
	srv := newTestServer(&healthy)
	defer srv.Close()

	m := New(testConfig(time.Second, time.Second, time.Minute), zap.NewNop())
	n := &Node{ID: "n1", Host: "127.0.0.1", Port: serverPort(srv), MaxConcurrent: 2}

	ok := m.Register(context.Background(), n)
	require.True(t, ok)

	got, found := m.Get("n1")
	require.True(t, found)
	require.Equal(t, Online, got.Status)
}

func TestRegisterUnhealthyNodeStaysOffline(t *testing.T) {
	healthy := false
	srv := newTestServer(&healthy)
	defer srv.Close()

	m := New(testConfig(time.Second, time.Second, time.Minute), zap.NewNop())
	n := &Node{ID: "n1", Host: "127.0.0.1", Port: serverPort(srv), MaxConcurrent: 2}

	ok := m.Register(context.Background(), n)
	require.False(t, ok)

	got, found := m.Get("n1")
	require.True(t, found)
	require.Equal(t, Offline, got.Status)
}

func TestAssignReleaseTracksCurrentLoad(t *testing.T) {
	healthy := true
	srv := newTestServer(&healthy)
	defer srv.Close()

	m := New(testConfig(time.Second, time.Second, time.Minute), zap.NewNop())
	n := &Node{ID: "n1", Host: "127.0.0.1", Port: serverPort(srv), MaxConcurrent: 2}
	m.Register(context.Background(), n)

	require.NoError(t, m.Assign("n1", "job-1"))
	got, _ := m.Get("n1")
	require.Equal(t, 1, got.CurrentLoad)

	m.Release("n1", "job-1")
	got, _ = m.Get("n1")
	require.Equal(t, 0, got.CurrentLoad)
}

func TestGetAvailableFiltersByCapabilityAndCapacity(t *testing.T) {
	healthy := true
	srv := newTestServer(&healthy)
	defer srv.Close()

	m := New(testConfig(time.Second, time.Second, time.Minute), zap.NewNop())
	full := &Node{ID: "full", Host: "127.0.0.1", Port: serverPort(srv), MaxConcurrent: 1}
	m.Register(context.Background(), full)
	m.Assign("full", "job-x")

	narrow := &Node{ID: "narrow", Host: "127.0.0.1", Port: serverPort(srv), MaxConcurrent: 2, Capabilities: []string{"video-from-image"}}
	m.Register(context.Background(), narrow)

	open := &Node{ID: "open", Host: "127.0.0.1", Port: serverPort(srv), MaxConcurrent: 2}
	m.Register(context.Background(), open)

	avail := m.GetAvailable("image-from-text")
	ids := map[string]bool{}
	for _, n := range avail {
		ids[n.ID] = true
	}
	require.False(t, ids["full"])
	require.False(t, ids["narrow"])
	require.True(t, ids["open"])
}

func TestProbeOneTransitionsOfflineOnFailureAndEmitsEvent(t *testing.T) {
	healthy := true
	srv := newTestServer(&healthy)
	defer srv.Close()

	m := New(testConfig(time.Second, time.Second, time.Minute), zap.NewNop())
	n := &Node{ID: "n1", Host: "127.0.0.1", Port: serverPort(srv), MaxConcurrent: 2}
	m.Register(context.Background(), n)
	m.Assign("n1", "job-1")

	healthy = false
	m.probeOne(context.Background(), "n1")

	got, _ := m.Get("n1")
	require.Equal(t, Offline, got.Status)
	require.Equal(t, 0, got.CurrentLoad)

	select {
	case ev := <-m.Failures():
		require.Equal(t, "n1", ev.NodeID)
		require.Contains(t, ev.JobIDs, "job-1")
	case <-time.After(time.Second):
		t.Fatal("expected a failure event")
	}
}

func TestMaintenanceNodeUntouchedByProbeLoop(t *testing.T) {
	healthy := false
	srv := newTestServer(&healthy)
	defer srv.Close()

	m := New(testConfig(time.Second, time.Second, time.Minute), zap.NewNop())
	n := &Node{ID: "n1", Host: "127.0.0.1", Port: serverPort(srv), MaxConcurrent: 2, Status: Maintenance}
	m.mu.Lock()
	m.nodes["n1"] = n
	m.assignments["n1"] = map[string]struct{}{}
	m.mu.Unlock()

	m.probeAll(context.Background())

	got, _ := m.Get("n1")
	require.Equal(t, Maintenance, got.Status)
}

func serverPort(srv *httptest.Server) int {
	addr := srv.Listener.Addr().String()
	var port int
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == ':' {
			for _, c := range addr[i+1:] {
				port = port*10 + int(c-'0')
			}
			break
		}
	}
	return port
}
