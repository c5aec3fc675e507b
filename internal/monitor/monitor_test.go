package monitor

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"boardsync/internal/clock"
	"boardsync/internal/coordinator"
	"boardsync/internal/router"
	"boardsync/pkg/types"
)

var (
	_ router.Observer          = (*Monitor)(nil)
	_ coordinator.SendObserver = (*Monitor)(nil)
	_ ConnectionSource         = (*coordinator.Coordinator)(nil)
	_ BreakerControl           = (*router.Router)(nil)
)

var testStart = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

type fakeSource struct {
	mu        sync.Mutex
	count     int
	degraded  map[string]string
	recovered []string
	unknown   map[string]bool
}

func newFakeSource() *fakeSource {
	return &fakeSource{degraded: map[string]string{}, unknown: map[string]bool{}}
}

func (f *fakeSource) ConnectionCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.count
}

func (f *fakeSource) Stats() coordinator.Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return coordinator.Stats{
		Connections: f.count,
		ByStatus:    map[types.ConnectionStatus]int{types.StatusDegraded: len(f.degraded)},
	}
}

func (f *fakeSource) MarkDegraded(id, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unknown[id] {
		return coordinator.ErrUnknownConnection
	}
	f.degraded[id] = reason
	return nil
}

func (f *fakeSource) MarkRecovered(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unknown[id] {
		return coordinator.ErrUnknownConnection
	}
	delete(f.degraded, id)
	f.recovered = append(f.recovered, id)
	return nil
}

type fakeBreakers struct {
	mu     sync.Mutex
	states []types.CircuitBreakerState
	forced map[string]string
}

func (f *fakeBreakers) ForceOpen(dest, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.forced == nil {
		f.forced = map[string]string{}
	}
	f.forced[dest] = reason
}

func (f *fakeBreakers) Breakers() []types.CircuitBreakerState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.CircuitBreakerState(nil), f.states...)
}

func (f *fakeBreakers) Stats() router.Stats {
	return router.Stats{Duplicates: 2, Dropped: map[string]uint64{router.DropCircuitOpen: 1}}
}

func newTestMonitor(t *testing.T) (*Monitor, *clock.Manual, *fakeSource, *fakeBreakers) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.ProcessSampling = false
	clk := clock.NewManual(testStart)
	m, err := New(cfg, clk, zerolog.Nop())
	require.NoError(t, err)
	src, brk := newFakeSource(), &fakeBreakers{}
	m.Attach(src, brk)
	return m, clk, src, brk
}

func msg(f types.FeatureType) *types.Message {
	return &types.Message{ID: "m", Feature: f, Priority: types.PriorityNormal}
}

var roomR1 = router.Destination{Kind: router.DestRoom, Key: "r1"}

func TestPercentilesNearestRank(t *testing.T) {
	var ls []time.Duration
	for i := 100; i >= 1; i-- {
		ls = append(ls, time.Duration(i)*time.Millisecond)
	}
	p := percentiles(ls)
	assert.Equal(t, 50*time.Millisecond, p.P50)
	assert.Equal(t, 95*time.Millisecond, p.P95)
	assert.Equal(t, 99*time.Millisecond, p.P99)
	assert.Equal(t, types.LatencyPercentiles{}, percentiles(nil))
	assert.Equal(t, 7*time.Millisecond, percentiles([]time.Duration{7 * time.Millisecond}).P99)
}

func TestWindowKeepsMostRecent(t *testing.T) {
	w := newWindow(4)
	for i := 1; i <= 6; i++ {
		w.add(sample{at: testStart.Add(time.Duration(i) * time.Second), latency: time.Duration(i)})
	}
	got := w.since(time.Time{})
	require.Len(t, got, 4)
	assert.Equal(t, time.Duration(3), got[0].latency)
	assert.Equal(t, time.Duration(6), got[3].latency)

	assert.Len(t, w.since(testStart.Add(5*time.Second)), 2)
	w.reset()
	assert.Empty(t, w.since(time.Time{}))
}

func TestSnapshotAggregatesWindow(t *testing.T) {
	m, clk, src, brk := newTestMonitor(t)
	src.count = 3
	brk.states = []types.CircuitBreakerState{{Destination: "room:r1", State: types.BreakerClosed}}

	for i := 0; i < 10; i++ {
		m.ObserveDelivery(roomR1, msg(types.FeatureMeeting), 10*time.Millisecond, nil)
	}
	for i := 0; i < 4; i++ {
		var err error
		if i%2 == 0 {
			err = &types.DeliveryError{Destination: "room:r1", Err: errors.New("write failed")}
		}
		m.ObserveDelivery(roomR1, msg(types.FeatureDocument), 20*time.Millisecond, err)
	}
	m.ObserveDelivery(roomR1, msg(types.FeatureAI), time.Second, router.ErrNoRecipients)
	clk.Advance(10 * time.Second)

	snap := m.Snapshot()
	assert.Equal(t, 3, snap.Connections)
	assert.Equal(t, 10*time.Millisecond, snap.Latency.P50)
	assert.Equal(t, 20*time.Millisecond, snap.Latency.P99)
	assert.InDelta(t, 1.4, snap.ThroughputPerSec, 0.001)
	assert.InDelta(t, 2.0/14.0, snap.ErrorRate, 0.0001)
	assert.Equal(t, 0.0, snap.FeatureErrorRates[types.FeatureMeeting])
	assert.Equal(t, 0.5, snap.FeatureErrorRates[types.FeatureDocument])
	assert.NotContains(t, snap.FeatureErrorRates, types.FeatureAI)
	assert.Equal(t, uint64(2), snap.Duplicates)
	assert.Equal(t, uint64(1), snap.Dropped[router.DropCircuitOpen])
	assert.Len(t, snap.Breakers, 1)
	assert.Equal(t, StatusDegraded, snap.Status, "error rate above threshold")

	clk.Advance(2 * time.Minute)
	snap = m.Snapshot()
	assert.Zero(t, snap.ErrorRate)
	assert.Zero(t, snap.ThroughputPerSec)
	assert.Equal(t, StatusOK, snap.Status)
}

func TestSnapshotReportsOpenBreakerAsDegraded(t *testing.T) {
	m, _, _, brk := newTestMonitor(t)
	brk.states = []types.CircuitBreakerState{{Destination: "handler:ai", State: types.BreakerOpen}}
	assert.Equal(t, StatusDegraded, m.Snapshot().Status)
	assert.Equal(t, 1, m.openBreakers())
}

func TestEvaluateDegradesAfterConsecutiveFailures(t *testing.T) {
	m, clk, src, _ := newTestMonitor(t)
	boom := errors.New("write timeout")

	m.ObserveSend("c1", time.Millisecond, boom)
	m.ObserveSend("c1", time.Millisecond, boom)
	m.Evaluate()
	assert.Empty(t, src.degraded)

	m.ObserveSend("c1", time.Millisecond, boom)
	m.Evaluate()
	require.Contains(t, src.degraded, "c1")
	assert.Contains(t, src.degraded["c1"], "3 consecutive send failures")
	assert.Equal(t, []string{"c1"}, m.Counters().Tracking)

	clk.Advance(10 * time.Second)
	m.Evaluate()
	assert.Empty(t, src.recovered, "recovery waits for the recover window")

	clk.Advance(25 * time.Second)
	m.ObserveSend("c1", time.Millisecond, nil)
	m.Evaluate()
	assert.Equal(t, []string{"c1"}, src.recovered)
	c := m.Counters()
	assert.Equal(t, uint64(1), c.Degraded)
	assert.Equal(t, uint64(1), c.Recovered)
	assert.Empty(t, c.Tracking)
}

func TestEvaluateDegradesOnSendLatency(t *testing.T) {
	m, _, src, _ := newTestMonitor(t)
	for i := 0; i < 4; i++ {
		m.ObserveSend("slow", 2*time.Second, nil)
		m.ObserveSend("fast", time.Millisecond, nil)
	}
	m.Evaluate()
	assert.Empty(t, src.degraded, "too few samples to judge")

	m.ObserveSend("slow", 2*time.Second, nil)
	m.ObserveSend("fast", time.Millisecond, nil)
	m.Evaluate()
	assert.Contains(t, src.degraded, "slow")
	assert.Contains(t, src.degraded["slow"], "send latency")
	assert.NotContains(t, src.degraded, "fast")
}

func TestEvaluateForgetsClosedConnections(t *testing.T) {
	m, clk, src, _ := newTestMonitor(t)
	src.unknown["gone"] = true
	for i := 0; i < 3; i++ {
		m.ObserveSend("gone", 0, errors.New("closed"))
	}
	m.ObserveSend("idle", time.Millisecond, nil)
	m.Evaluate()
	assert.Equal(t, 1, m.Counters().Tracked)

	clk.Advance(2 * time.Minute)
	m.Evaluate()
	assert.Zero(t, m.Counters().Tracked)

	m.ObserveSend("x", time.Millisecond, nil)
	m.Forget("x")
	assert.Zero(t, m.Counters().Tracked)
}

func TestEvaluateForcesBreakerOnErrorRate(t *testing.T) {
	m, _, _, brk := newTestMonitor(t)
	fail := &types.DeliveryError{Destination: "room:r1", Err: errors.New("write failed")}
	other := router.Destination{Kind: router.DestRoom, Key: "r2"}
	brk.states = []types.CircuitBreakerState{{Destination: other.String(), State: types.BreakerOpen}}

	for i := 0; i < 20; i++ {
		var err error
		if i < 12 {
			err = fail
		}
		m.ObserveDelivery(roomR1, msg(types.FeatureMeeting), time.Millisecond, err)
		m.ObserveDelivery(other, msg(types.FeatureMeeting), time.Millisecond, fail)
	}
	m.Evaluate()
	require.Contains(t, brk.forced, "room:r1")
	assert.Contains(t, brk.forced["room:r1"], "error rate 0.60")
	assert.NotContains(t, brk.forced, "room:r2", "already open")
	assert.Equal(t, uint64(1), m.Counters().Forced)

	m.Evaluate()
	assert.Equal(t, uint64(1), m.Counters().Forced, "window resets after forcing")
}

func TestEvaluateIgnoresCircuitOpenRejections(t *testing.T) {
	m, _, _, brk := newTestMonitor(t)
	for i := 0; i < 30; i++ {
		m.ObserveDelivery(roomR1, msg(types.FeatureMeeting), 0, &types.CircuitOpenError{Destination: "room:r1"})
	}
	m.Evaluate()
	assert.Empty(t, brk.forced)
}

func TestMetricsHandler(t *testing.T) {
	m, _, src, _ := newTestMonitor(t)
	src.count = 7
	m.ObserveDelivery(roomR1, msg(types.FeatureMeeting), 5*time.Millisecond, nil)
	m.ObserveSend("c1", time.Millisecond, nil)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "boardsync_connections 7")
	assert.Contains(t, body, `boardsync_deliveries_total{feature="meeting",outcome="ok"} 1`)
	assert.Contains(t, body, `boardsync_connection_sends_total{outcome="ok"} 1`)
	assert.Contains(t, body, "boardsync_delivery_latency_seconds_bucket")
	assert.Contains(t, body, "go_goroutines")
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.Window = 0
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Degradation.DestinationErrorRate = 1.5
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Degradation.SendFailures = 0
	_, err := New(cfg, nil, zerolog.Nop())
	assert.Error(t, err)
}
