package sidecar

import (
	"encoding/json"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nahma/sidecar/pkg/config"
	"github.com/nahma/sidecar/pkg/metrics"
)

// noPersistConfig binds every listener to an ephemeral port and keeps
// all state off disk.
func noPersistConfig() config.Config {
	return config.Config{NoPersist: true, LogLevel: "info"}
}

// hostPort rewrites a wildcard listener address into something dialable.
func hostPort(t *testing.T, addr net.Addr) string {
	t.Helper()
	require.NotNil(t, addr)
	_, port, err := net.SplitHostPort(addr.String())
	require.NoError(t, err)
	return net.JoinHostPort("127.0.0.1", port)
}

func startSidecar(t *testing.T, cfg config.Config) *Sidecar {
	t.Helper()
	metrics.ResetForTest()
	t.Cleanup(metrics.ResetForTest)

	s, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, s.Start())
	t.Cleanup(func() { _ = s.Stop(2 * time.Second) })
	return s
}

func TestLifecycleNoPersist(t *testing.T) {
	s := startSidecar(t, noPersistConfig())

	require.NotNil(t, s.MetaAddr())
	require.NotNil(t, s.DocumentAddr())
	require.NotNil(t, s.RelayAddr())
	require.NotNil(t, s.HTTPAddr())

	// Every critical component registered, so the adjunct reports ready.
	resp, err := http.Get("http://" + hostPort(t, s.HTTPAddr()) + "/ready")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var health metrics.HealthStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "ready", health.Status)

	// Each WebSocket endpoint accepts connections.
	for _, addr := range []net.Addr{s.MetaAddr(), s.DocumentAddr(), s.RelayAddr()} {
		conn, hresp, err := websocket.DefaultDialer.Dial("ws://"+hostPort(t, addr)+"/", nil)
		require.NoError(t, err)
		if hresp != nil && hresp.Body != nil {
			hresp.Body.Close()
		}
		conn.Close()
	}

	require.NoError(t, s.Stop(2*time.Second))
}

func TestStopClosesLiveConnections(t *testing.T) {
	s := startSidecar(t, noPersistConfig())

	conn, resp, err := websocket.DefaultDialer.Dial("ws://"+hostPort(t, s.MetaAddr())+"/", nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	readErr := make(chan error, 1)
	go func() {
		_, _, err := conn.ReadMessage()
		readErr <- err
	}()

	require.NoError(t, s.Stop(2*time.Second))

	select {
	case err := <-readErr:
		assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway),
			"expected going-away close, got %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("connection still open after Stop")
	}
	assert.Zero(t, s.broker.ConnCount())
}

func TestStopWithoutStart(t *testing.T) {
	metrics.ResetForTest()
	t.Cleanup(metrics.ResetForTest)

	s, err := New(noPersistConfig())
	require.NoError(t, err)
	require.NoError(t, s.Stop(time.Second))

	// Repeat stops are no-ops, and a stopped sidecar refuses to start.
	require.NoError(t, s.Stop(time.Second))
	assert.Error(t, s.Start())
}

func TestStartTwice(t *testing.T) {
	s := startSidecar(t, noPersistConfig())
	assert.Error(t, s.Start())
}

func TestPersistentStateOnDisk(t *testing.T) {
	metrics.ResetForTest()
	t.Cleanup(metrics.ResetForTest)

	dir := t.TempDir()
	cfg := config.Config{StorageDir: dir, LogLevel: "info"}

	s, err := New(cfg)
	require.NoError(t, err)
	firstIdentity := s.identity

	keyPath := filepath.Join(dir, "device.key")
	firstKey, err := os.ReadFile(keyPath)
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(dir, "nahma.db"))

	require.NoError(t, s.Stop(time.Second))

	// A second run reuses the device secret and keeps the same swarm
	// identity.
	s2, err := New(cfg)
	require.NoError(t, err)
	defer s2.Stop(time.Second)

	secondKey, err := os.ReadFile(keyPath)
	require.NoError(t, err)
	assert.Equal(t, firstKey, secondKey)
	assert.Equal(t, firstIdentity.PublicKey, s2.identity.PublicKey)
}
