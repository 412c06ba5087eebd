// Package watchdog supervises the mesh's sibling services: liveness probes,
// budget-limited restarts, and the phoenix recovery sequence for correlated
// failures.
package watchdog

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// ProbeKind orders the checks from cheapest to deepest.
type ProbeKind string

const (
	ProbePort   ProbeKind = "port"   // wrapper alive, child dead (~3s)
	ProbePID    ProbeKind = "pid"    // process existence
	ProbeHealth ProbeKind = "health" // 3 consecutive failures at cadence
	ProbeRSS    ProbeKind = "rss"    // sustained memory overage
)

// ProbeResult is one check's outcome.
type ProbeResult struct {
	Kind    ProbeKind `json:"kind"`
	Healthy bool      `json:"healthy"`
	Detail  string    `json:"detail,omitempty"`
}

// PortProbe dials the service port. A refused or timed-out dial is the
// fastest "wrapper alive, child dead" signal.
func PortProbe(port int, timeout time.Duration) ProbeResult {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return ProbeResult{Kind: ProbePort, Healthy: false, Detail: err.Error()}
	}
	conn.Close()
	return ProbeResult{Kind: ProbePort, Healthy: true}
}

// PIDProbe checks process existence from a pidfile. Signal 0 probes without
// touching the process.
func PIDProbe(pidFile string) ProbeResult {
	pid, err := readPIDFile(pidFile)
	if err != nil {
		return ProbeResult{Kind: ProbePID, Healthy: false, Detail: err.Error()}
	}
	if err := syscall.Kill(pid, 0); err != nil {
		return ProbeResult{Kind: ProbePID, Healthy: false, Detail: fmt.Sprintf("pid %d: %v", pid, err)}
	}
	return ProbeResult{Kind: ProbePID, Healthy: true}
}

func readPIDFile(path string) (int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return 0, fmt.Errorf("pidfile %s: %w", path, err)
	}
	return pid, nil
}

// HealthProbe tracks consecutive endpoint failures; unhealthy only after
// the configured streak (default 3, ~90s at 30s cadence).
type HealthProbe struct {
	url       string
	threshold int
	client    *http.Client

	consecutiveFails int
}

// NewHealthProbe builds a probe for a /health style endpoint.
func NewHealthProbe(url string, threshold int, timeout time.Duration) *HealthProbe {
	if threshold <= 0 {
		threshold = 3
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HealthProbe{
		url:       url,
		threshold: threshold,
		client:    &http.Client{Timeout: timeout},
	}
}

// Check performs one cadence tick.
func (h *HealthProbe) Check() ProbeResult {
	ok := h.hit()
	if ok {
		h.consecutiveFails = 0
		return ProbeResult{Kind: ProbeHealth, Healthy: true}
	}

	h.consecutiveFails++
	if h.consecutiveFails >= h.threshold {
		return ProbeResult{
			Kind:    ProbeHealth,
			Healthy: false,
			Detail:  fmt.Sprintf("%d consecutive health failures", h.consecutiveFails),
		}
	}
	// Failing, but not yet past the streak.
	return ProbeResult{
		Kind:    ProbeHealth,
		Healthy: true,
		Detail:  fmt.Sprintf("failure %d/%d", h.consecutiveFails, h.threshold),
	}
}

func (h *HealthProbe) hit() bool {
	resp, err := h.client.Get(h.url)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// RSSProbe flags a process whose resident set stays above the cap for the
// sustain window.
type RSSProbe struct {
	pidFile  string
	maxBytes int64
	sustain  time.Duration

	overSince time.Time
}

// NewRSSProbe builds the probe; maxBytes 0 disables it.
func NewRSSProbe(pidFile string, maxBytes int64, sustain time.Duration) *RSSProbe {
	if sustain <= 0 {
		sustain = 30 * time.Second
	}
	return &RSSProbe{pidFile: pidFile, maxBytes: maxBytes, sustain: sustain}
}

// Check performs one tick.
func (r *RSSProbe) Check() ProbeResult {
	if r.maxBytes <= 0 {
		return ProbeResult{Kind: ProbeRSS, Healthy: true}
	}

	pid, err := readPIDFile(r.pidFile)
	if err != nil {
		// RSS is advisory; a missing pidfile is the PID probe's problem.
		return ProbeResult{Kind: ProbeRSS, Healthy: true, Detail: err.Error()}
	}

	rss, err := processRSS(pid)
	if err != nil {
		return ProbeResult{Kind: ProbeRSS, Healthy: true, Detail: err.Error()}
	}

	if rss <= r.maxBytes {
		r.overSince = time.Time{}
		return ProbeResult{Kind: ProbeRSS, Healthy: true}
	}

	if r.overSince.IsZero() {
		r.overSince = time.Now()
	}
	if time.Since(r.overSince) >= r.sustain {
		return ProbeResult{
			Kind:    ProbeRSS,
			Healthy: false,
			Detail:  fmt.Sprintf("rss %d > cap %d for %s", rss, r.maxBytes, r.sustain),
		}
	}
	return ProbeResult{Kind: ProbeRSS, Healthy: true, Detail: "over cap, within sustain window"}
}

// processRSS reads VmRSS from /proc.
func processRSS(pid int) (int64, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/status", pid))
	if err != nil {
		return 0, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "VmRSS:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			break
		}
		kb, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return 0, err
		}
		return kb * 1024, nil
	}
	return 0, fmt.Errorf("no VmRSS for pid %d", pid)
}
