package watchdog

import (
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func listen(t *testing.T) (net.Listener, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	return ln, ln.Addr().(*net.TCPAddr).Port
}

func TestPortProbe(t *testing.T) {
	_, port := listen(t)
	assert.True(t, PortProbe(port, time.Second).Healthy)

	// A freshly closed ephemeral port refuses immediately.
	dead, deadPort := listen(t)
	dead.Close()
	res := PortProbe(deadPort, 200*time.Millisecond)
	assert.False(t, res.Healthy)
	assert.NotEmpty(t, res.Detail)
}

func TestPIDProbe(t *testing.T) {
	dir := t.TempDir()
	pidFile := filepath.Join(dir, "svc.pid")

	// Our own pid is guaranteed alive.
	require.NoError(t, os.WriteFile(pidFile, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644))
	assert.True(t, PIDProbe(pidFile).Healthy)

	require.NoError(t, os.WriteFile(pidFile, []byte("not-a-pid"), 0o644))
	assert.False(t, PIDProbe(pidFile).Healthy)

	assert.False(t, PIDProbe(filepath.Join(dir, "missing.pid")).Healthy)
}

func TestHealthProbe_RequiresFailureStreak(t *testing.T) {
	healthy := true
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := NewHealthProbe(srv.URL, 3, time.Second)
	assert.True(t, p.Check().Healthy)

	healthy = false
	assert.True(t, p.Check().Healthy, "failure 1/3 is not yet unhealthy")
	assert.True(t, p.Check().Healthy, "failure 2/3 is not yet unhealthy")
	assert.False(t, p.Check().Healthy, "failure 3/3 trips the probe")

	// A single success resets the streak.
	healthy = true
	assert.True(t, p.Check().Healthy)
	healthy = false
	assert.True(t, p.Check().Healthy)
}

func TestRSSProbe_DisabledWithoutCap(t *testing.T) {
	p := NewRSSProbe("does-not-matter.pid", 0, time.Second)
	assert.True(t, p.Check().Healthy)
}

func TestRSSProbe_MissingPidfileIsAdvisory(t *testing.T) {
	p := NewRSSProbe(filepath.Join(t.TempDir(), "missing.pid"), 1, time.Second)
	res := p.Check()
	assert.True(t, res.Healthy)
	assert.NotEmpty(t, res.Detail)
}

func TestRSSProbe_SustainedOverage(t *testing.T) {
	dir := t.TempDir()
	pidFile := filepath.Join(dir, "svc.pid")
	require.NoError(t, os.WriteFile(pidFile, []byte(strconv.Itoa(os.Getpid())), 0o644))

	// Cap of 1 byte: our own process is always over it.
	p := NewRSSProbe(pidFile, 1, 30*time.Millisecond)

	res := p.Check()
	assert.True(t, res.Healthy, "first overage starts the sustain window")

	time.Sleep(40 * time.Millisecond)
	assert.False(t, p.Check().Healthy)
}
