// Package monitor keeps rolling delivery metrics, turns threshold breaches
// into connection degradation and preemptive circuit breaking, and drives
// synthetic load tests.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"boardsync/internal/clock"
	"boardsync/internal/coordinator"
	"boardsync/internal/router"
	"boardsync/pkg/types"
)

// Health status values reported in snapshots.
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
)

// ConnectionSource is the coordinator surface the monitor reads and drives.
type ConnectionSource interface {
	ConnectionCount() int
	Stats() coordinator.Stats
	MarkDegraded(connectionID, reason string) error
	MarkRecovered(connectionID string) error
}

// BreakerControl is the router surface the monitor reads and drives.
type BreakerControl interface {
	ForceOpen(dest, reason string)
	Breakers() []types.CircuitBreakerState
	Stats() router.Stats
}

// DegradationConfig holds the thresholds that move connections to degraded
// and open breakers ahead of the router's own failure counting.
type DegradationConfig struct {
	// SendLatency degrades a connection whose recent mean write latency
	// exceeds it.
	SendLatency time.Duration `mapstructure:"send_latency" json:"send_latency"`
	// SendFailures consecutive write failures degrade a connection.
	SendFailures int `mapstructure:"send_failures" json:"send_failures"`
	// MinSamples recent writes are needed before latency is judged.
	MinSamples int `mapstructure:"min_samples" json:"min_samples"`
	// RecoverAfter is how long a degraded connection must stay clean.
	RecoverAfter time.Duration `mapstructure:"recover_after" json:"recover_after"`
	// DestinationErrorRate over the window opens a destination's breaker.
	DestinationErrorRate float64 `mapstructure:"destination_error_rate" json:"destination_error_rate"`
	// DestinationMinSamples deliveries are needed before a rate is judged.
	DestinationMinSamples int `mapstructure:"destination_min_samples" json:"destination_min_samples"`
}

// Config configures the monitor.
type Config struct {
	Window           time.Duration     `mapstructure:"window" json:"window"`
	SampleSize       int               `mapstructure:"sample_size" json:"sample_size"`
	EvaluateInterval time.Duration     `mapstructure:"evaluate_interval" json:"evaluate_interval"`
	ProcessSampling  bool              `mapstructure:"process_sampling" json:"process_sampling"`
	LatencyThreshold time.Duration     `mapstructure:"latency_threshold" json:"latency_threshold"`
	ErrorThreshold   float64           `mapstructure:"error_threshold" json:"error_threshold"`
	Degradation      DegradationConfig `mapstructure:"degradation" json:"degradation"`
}

func DefaultConfig() Config {
	return Config{
		Window:           time.Minute,
		SampleSize:       4096,
		EvaluateInterval: 5 * time.Second,
		ProcessSampling:  true,
		LatencyThreshold: 500 * time.Millisecond,
		ErrorThreshold:   0.05,
		Degradation: DegradationConfig{
			SendLatency:           time.Second,
			SendFailures:          3,
			MinSamples:            5,
			RecoverAfter:          30 * time.Second,
			DestinationErrorRate:  0.5,
			DestinationMinSamples: 20,
		},
	}
}

func (c Config) Validate() error {
	if c.Window <= 0 {
		return errors.New("window must be positive")
	}
	if c.SampleSize <= 0 {
		return errors.New("sample_size must be positive")
	}
	if c.EvaluateInterval <= 0 {
		return errors.New("evaluate_interval must be positive")
	}
	if c.ErrorThreshold < 0 || c.ErrorThreshold > 1 {
		return errors.New("error_threshold must be within [0,1]")
	}
	d := c.Degradation
	if d.SendFailures <= 0 || d.MinSamples <= 0 || d.DestinationMinSamples <= 0 {
		return errors.New("degradation sample counts must be positive")
	}
	if d.DestinationErrorRate <= 0 || d.DestinationErrorRate > 1 {
		return errors.New("destination_error_rate must be within (0,1]")
	}
	return nil
}

// connTrack follows one connection's recent writes.
type connTrack struct {
	recent   []time.Duration
	failures int
	lastSeen time.Time
	degraded bool
	since    time.Time
}

func (t *connTrack) push(latency time.Duration, keep int) {
	t.recent = append(t.recent, latency)
	if len(t.recent) > keep {
		t.recent = t.recent[len(t.recent)-keep:]
	}
}

// Monitor implements router.Observer and coordinator.SendObserver.
type Monitor struct {
	cfg   Config
	clock clock.Clock
	log   zerolog.Logger

	mu         sync.Mutex
	deliveries *window
	dests      map[string]*window
	conns      map[string]*connTrack
	startedAt  time.Time
	process    *types.ProcessStats

	srcMu   sync.RWMutex
	source  ConnectionSource
	breaker BreakerControl

	sampler *processSampler
	metrics *collectorSet

	degradedTotal  atomic.Uint64
	recoveredTotal atomic.Uint64
	forcedTotal    atomic.Uint64
}

func New(cfg Config, clk clock.Clock, log zerolog.Logger) (*Monitor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid monitor config: %w", err)
	}
	clk = clock.OrReal(clk)
	m := &Monitor{
		cfg:        cfg,
		clock:      clk,
		log:        log.With().Str("component", "monitor").Logger(),
		deliveries: newWindow(cfg.SampleSize),
		dests:      make(map[string]*window),
		conns:      make(map[string]*connTrack),
		startedAt:  clk.Now(),
	}
	m.metrics = newCollectorSet(m)
	if cfg.ProcessSampling {
		m.sampler = newProcessSampler(m.log)
	}
	return m, nil
}

// Attach wires the monitor to the components it observes and signals.
// Either argument may be nil.
func (m *Monitor) Attach(src ConnectionSource, brk BreakerControl) {
	m.srcMu.Lock()
	m.source = src
	m.breaker = brk
	m.srcMu.Unlock()
}

func (m *Monitor) connections() ConnectionSource {
	m.srcMu.RLock()
	defer m.srcMu.RUnlock()
	return m.source
}

func (m *Monitor) breakers() BreakerControl {
	m.srcMu.RLock()
	defer m.srcMu.RUnlock()
	return m.breaker
}

func (m *Monitor) openBreakers() int {
	brk := m.breakers()
	if brk == nil {
		return 0
	}
	n := 0
	for _, b := range brk.Breakers() {
		if b.State == types.BreakerOpen {
			n++
		}
	}
	return n
}

// ObserveDelivery records one completed router delivery. Deliveries that
// found no live recipients are neither successes nor failures.
func (m *Monitor) ObserveDelivery(dest router.Destination, msg *types.Message, latency time.Duration, err error) {
	if errors.Is(err, router.ErrNoRecipients) {
		m.metrics.deliveries.WithLabelValues(string(msg.Feature), "no_recipients").Inc()
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.metrics.deliveries.WithLabelValues(string(msg.Feature), outcome).Inc()
	m.metrics.deliveryLatency.WithLabelValues(msg.Priority.String()).Observe(latency.Seconds())

	s := sample{at: m.clock.Now(), latency: latency, failed: err != nil, feature: msg.Feature}
	var circuit *types.CircuitOpenError

	m.mu.Lock()
	defer m.mu.Unlock()
	m.deliveries.add(s)
	if errors.As(err, &circuit) {
		return
	}
	key := dest.String()
	w, ok := m.dests[key]
	if !ok {
		w = newWindow(max(m.cfg.Degradation.DestinationMinSamples*4, 64))
		m.dests[key] = w
	}
	w.add(s)
}

// ObserveSend records one write to a connection. It runs on the sender's
// path, so degradation decisions are deferred to Evaluate.
func (m *Monitor) ObserveSend(connectionID string, latency time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.metrics.sends.WithLabelValues(outcome).Inc()

	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.conns[connectionID]
	if !ok {
		t = &connTrack{}
		m.conns[connectionID] = t
	}
	t.lastSeen = now
	if err != nil {
		t.failures++
		return
	}
	t.failures = 0
	t.push(latency, m.cfg.Degradation.MinSamples)
}

type degradeDecision struct {
	id      string
	reason  string
	recover bool
}

// Evaluate applies the degradation triggers once. Run calls it on every
// tick; tests call it directly.
func (m *Monitor) Evaluate() {
	now := m.clock.Now()
	d := m.cfg.Degradation

	open := make(map[string]bool)
	brk := m.breakers()
	if brk != nil {
		for _, b := range brk.Breakers() {
			if b.State == types.BreakerOpen {
				open[b.Destination] = true
			}
		}
	}

	var decisions []degradeDecision
	type force struct{ dest, reason string }
	var forces []force

	m.mu.Lock()
	for id, t := range m.conns {
		switch {
		case !t.degraded && t.failures >= d.SendFailures:
			decisions = append(decisions, degradeDecision{id: id, reason: fmt.Sprintf("%d consecutive send failures", t.failures)})
		case !t.degraded && len(t.recent) >= d.MinSamples && mean(t.recent) > d.SendLatency:
			decisions = append(decisions, degradeDecision{id: id, reason: fmt.Sprintf("send latency %s over %s", mean(t.recent), d.SendLatency)})
		case t.degraded && now.Sub(t.since) >= d.RecoverAfter &&
			(t.failures == 0 || now.Sub(t.lastSeen) > m.cfg.Window) &&
			(len(t.recent) == 0 || mean(t.recent) <= d.SendLatency):
			decisions = append(decisions, degradeDecision{id: id, recover: true})
		case !t.degraded && now.Sub(t.lastSeen) > m.cfg.Window:
			delete(m.conns, id)
		}
	}

	cutoff := now.Add(-m.cfg.Window)
	for key, w := range m.dests {
		samples := w.since(cutoff)
		if len(samples) == 0 {
			delete(m.dests, key)
			continue
		}
		if open[key] || len(samples) < d.DestinationMinSamples {
			continue
		}
		failed := 0
		for _, s := range samples {
			if s.failed {
				failed++
			}
		}
		rate := float64(failed) / float64(len(samples))
		if rate >= d.DestinationErrorRate {
			forces = append(forces, force{dest: key, reason: fmt.Sprintf("error rate %.2f over %d deliveries", rate, len(samples))})
			w.reset()
		}
	}
	m.mu.Unlock()

	src := m.connections()
	for _, dec := range decisions {
		if src == nil {
			break
		}
		var err error
		if dec.recover {
			err = src.MarkRecovered(dec.id)
		} else {
			err = src.MarkDegraded(dec.id, dec.reason)
		}
		m.applyDecision(dec, err, now)
	}

	for _, f := range forces {
		if brk == nil {
			break
		}
		brk.ForceOpen(f.dest, f.reason)
		m.forcedTotal.Add(1)
		m.metrics.forcedOpen.Inc()
	}
}

func (m *Monitor) applyDecision(dec degradeDecision, err error, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		if errors.Is(err, coordinator.ErrUnknownConnection) {
			delete(m.conns, dec.id)
			return
		}
		m.log.Warn().Err(err).Str("connection_id", dec.id).Bool("recover", dec.recover).Msg("degradation signal rejected")
		return
	}
	t, ok := m.conns[dec.id]
	if !ok {
		return
	}
	if dec.recover {
		t.degraded = false
		m.recoveredTotal.Add(1)
		m.metrics.transitions.WithLabelValues("recovered").Inc()
		return
	}
	t.degraded = true
	t.since = now
	t.failures = 0
	t.recent = t.recent[:0]
	m.degradedTotal.Add(1)
	m.metrics.transitions.WithLabelValues("degraded").Inc()
	m.log.Info().Str("connection_id", dec.id).Str("reason", dec.reason).Msg("connection degraded by monitor")
}

// Forget drops the tracking state of a closed connection.
func (m *Monitor) Forget(connectionID string) {
	m.mu.Lock()
	delete(m.conns, connectionID)
	m.mu.Unlock()
}

// Run evaluates triggers and samples the process until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.EvaluateInterval)
	defer ticker.Stop()
	m.sample(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Evaluate()
			m.sample(ctx)
		}
	}
}

func (m *Monitor) sample(ctx context.Context) {
	if m.sampler == nil {
		return
	}
	ps, err := m.sampler.sample(ctx)
	if err != nil {
		m.log.Debug().Err(err).Msg("process sample failed")
		return
	}
	m.metrics.cpuPercent.Set(ps.CPUPercent)
	m.metrics.rssBytes.Set(float64(ps.RSSBytes))
	m.mu.Lock()
	m.process = ps
	m.mu.Unlock()
}

// Snapshot reports the rolling metrics. It implements
// interfaces.HealthReporter.
func (m *Monitor) Snapshot() types.HealthSnapshot {
	now := m.clock.Now()
	cutoff := now.Add(-m.cfg.Window)

	m.mu.Lock()
	samples := m.deliveries.since(cutoff)
	var proc *types.ProcessStats
	if m.process != nil {
		cp := *m.process
		cp.Goroutines = runtime.NumGoroutine()
		proc = &cp
	}
	started := m.startedAt
	m.mu.Unlock()

	latencies := make([]time.Duration, 0, len(samples))
	failed := 0
	perFeature := make(map[types.FeatureType][2]int)
	for _, s := range samples {
		latencies = append(latencies, s.latency)
		counts := perFeature[s.feature]
		counts[0]++
		if s.failed {
			failed++
			counts[1]++
		}
		perFeature[s.feature] = counts
	}

	snap := types.HealthSnapshot{
		Status:            StatusOK,
		Latency:           percentiles(latencies),
		FeatureErrorRates: make(map[types.FeatureType]float64, len(perFeature)),
		Dropped:           map[string]uint64{},
		Process:           proc,
		GeneratedAt:       now,
	}
	span := m.cfg.Window
	if elapsed := now.Sub(started); elapsed < span {
		span = elapsed
	}
	if span > 0 {
		snap.ThroughputPerSec = float64(len(samples)) / span.Seconds()
	}
	if len(samples) > 0 {
		snap.ErrorRate = float64(failed) / float64(len(samples))
	}
	for f, counts := range perFeature {
		snap.FeatureErrorRates[f] = float64(counts[1]) / float64(counts[0])
	}

	if src := m.connections(); src != nil {
		st := src.Stats()
		snap.Connections = st.Connections
		snap.Degraded = st.ByStatus[types.StatusDegraded]
	}
	if brk := m.breakers(); brk != nil {
		snap.Breakers = brk.Breakers()
		rs := brk.Stats()
		snap.Duplicates = rs.Duplicates
		snap.Dropped = rs.Dropped
	}

	if snap.Latency.P99 > m.cfg.LatencyThreshold || snap.ErrorRate > m.cfg.ErrorThreshold || snap.Degraded > 0 {
		snap.Status = StatusDegraded
	}
	for _, b := range snap.Breakers {
		if b.State == types.BreakerOpen {
			snap.Status = StatusDegraded
			break
		}
	}
	return snap
}

// Counters reports how often the monitor has acted.
type Counters struct {
	Degraded  uint64   `json:"degraded"`
	Recovered uint64   `json:"recovered"`
	Forced    uint64   `json:"forcedOpen"`
	Tracked   int      `json:"trackedConnections"`
	Tracking  []string `json:"degradedConnections,omitempty"`
}

func (m *Monitor) Counters() Counters {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := Counters{
		Degraded:  m.degradedTotal.Load(),
		Recovered: m.recoveredTotal.Load(),
		Forced:    m.forcedTotal.Load(),
		Tracked:   len(m.conns),
	}
	for id, t := range m.conns {
		if t.degraded {
			c.Tracking = append(c.Tracking, id)
		}
	}
	sort.Strings(c.Tracking)
	return c
}
