package proxy

import (
	"context"
	"sync"
	"time"

	"github.com/nulpointcorp/relay-gateway/internal/metrics"
)

const healthProbeInterval = 30 * time.Second
const healthProbeTimeout = 5 * time.Second

// Probe checks one dependency. Required probes gate readiness; optional
// ones (redis, clickhouse) only degrade /health.
type Probe struct {
	Name     string
	Check    func(ctx context.Context) error
	Required bool
}

// componentStatus holds the last known health result for one component.
type componentStatus struct {
	mu     sync.RWMutex
	status string // "ok" | "degraded" | "down"
}

func (s *componentStatus) set(v string) {
	s.mu.Lock()
	s.status = v
	s.mu.Unlock()
}

func (s *componentStatus) get() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.status == "" {
		return "unknown"
	}
	return s.status
}

// HealthChecker runs background probes and exposes the latest results.
type HealthChecker struct {
	probes   []Probe
	statuses []*componentStatus
	baseCtx  context.Context
	metrics  *metrics.Registry

	startTime time.Time
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewHealthChecker creates a HealthChecker and immediately starts background probes.
func NewHealthChecker(ctx context.Context, probes []Probe, met *metrics.Registry) *HealthChecker {
	if ctx == nil {
		panic("healthchecker: context must not be nil")
	}
	hc := &HealthChecker{
		probes:    probes,
		statuses:  make([]*componentStatus, len(probes)),
		startTime: time.Now(),
		done:      make(chan struct{}),
		baseCtx:   ctx,
		metrics:   met,
	}
	for i := range probes {
		hc.statuses[i] = &componentStatus{}
	}

	// Run first probe synchronously so health is not "unknown" immediately.
	hc.probe()

	hc.wg.Add(1)
	go hc.run()

	return hc
}

// HealthSnapshot returns the current health state for all components.
type HealthSnapshot struct {
	Status        string            `json:"status"`
	Version       string            `json:"version,omitempty"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Components    map[string]string `json:"components"`
}

// Snapshot builds a snapshot from the latest probe results.
func (hc *HealthChecker) Snapshot() HealthSnapshot {
	overall := "ok"
	components := make(map[string]string, len(hc.probes))
	for i, p := range hc.probes {
		st := hc.statuses[i].get()
		components[p.Name] = st
		if st != "ok" {
			overall = "degraded"
		}
	}

	return HealthSnapshot{
		Status:        overall,
		UptimeSeconds: int64(time.Since(hc.startTime).Seconds()),
		Components:    components,
	}
}

// ReadinessOK returns true when every required dependency is reachable
// (used by GET /readiness for Kubernetes probes).
func (hc *HealthChecker) ReadinessOK() bool {
	for i, p := range hc.probes {
		if p.Required && hc.statuses[i].get() != "ok" {
			return false
		}
	}
	return true
}

// Close stops the background probe goroutine.
func (hc *HealthChecker) Close() {
	hc.closeOnce.Do(func() { close(hc.done) })
	hc.wg.Wait()
}

func (hc *HealthChecker) run() {
	defer hc.wg.Done()
	ticker := time.NewTicker(healthProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			hc.probe()
		case <-hc.done:
			return
		case <-hc.baseCtx.Done():
			return
		}
	}
}

func (hc *HealthChecker) probe() {
	ctx, cancel := context.WithTimeout(hc.baseCtx, healthProbeTimeout)
	defer cancel()

	var wg sync.WaitGroup
	for i, p := range hc.probes {
		s := hc.statuses[i]
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok := p.Check == nil || p.Check(ctx) == nil
			switch {
			case ok:
				s.set("ok")
			case p.Required:
				s.set("down")
			default:
				s.set("degraded")
			}
			if hc.metrics != nil {
				hc.metrics.SetComponentHealth(p.Name, ok)
			}
		}()
	}
	wg.Wait()
}
