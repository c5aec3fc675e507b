package monitor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"boardsync/pkg/types"
)

// LoadClient is one synthetic connection opened by a LoadTarget.
type LoadClient interface {
	// ID is the connection id the server assigned.
	ID() string
	Send(ctx context.Context, env *types.InboundEnvelope) error
	Close() error
}

// LoadTarget opens synthetic connections. onReceive is called for every
// envelope the connection receives, from any goroutine.
type LoadTarget interface {
	Open(ctx context.Context, index int, onReceive func(*types.OutboundEnvelope)) (LoadClient, error)
}

// Scenario is one weighted kind of synthetic message.
type Scenario struct {
	Name     string            `mapstructure:"name" json:"name"`
	Weight   int               `mapstructure:"weight" json:"weight"`
	Feature  types.FeatureType `mapstructure:"feature" json:"feature"`
	Priority types.Priority    `mapstructure:"priority" json:"priority"`
	Action   string            `mapstructure:"action" json:"action"`
	// Broadcast sends to the sender's organization instead of echoing the
	// message back to the sender's own connection.
	Broadcast bool `mapstructure:"broadcast" json:"broadcast"`
}

// Thresholds decide whether a load test passed. Zero values are not checked.
type Thresholds struct {
	MaxLatency    time.Duration `mapstructure:"max_latency" json:"max_latency"`
	MaxErrorRate  float64       `mapstructure:"max_error_rate" json:"max_error_rate"`
	MinThroughput float64       `mapstructure:"min_throughput" json:"min_throughput"`
}

type LoadTestConfig struct {
	Connections           int           `mapstructure:"connections" json:"connections"`
	MessagesPerConnection int           `mapstructure:"messages_per_connection" json:"messages_per_connection"`
	Concurrency           int           `mapstructure:"concurrency" json:"concurrency"`
	Scenarios             []Scenario    `mapstructure:"scenarios" json:"scenarios"`
	Thresholds            Thresholds    `mapstructure:"thresholds" json:"thresholds"`
	DrainTimeout          time.Duration `mapstructure:"drain_timeout" json:"drain_timeout"`
}

func DefaultLoadTestConfig() LoadTestConfig {
	return LoadTestConfig{
		Connections:           100,
		MessagesPerConnection: 10,
		Concurrency:           64,
		Scenarios: []Scenario{
			{Name: "meeting-vote", Weight: 4, Feature: types.FeatureMeeting, Priority: types.PriorityNormal, Action: "vote"},
			{Name: "document-edit", Weight: 4, Feature: types.FeatureDocument, Priority: types.PriorityNormal, Action: "edit"},
			{Name: "compliance-alert", Weight: 1, Feature: types.FeatureCompliance, Priority: types.PriorityHigh, Action: "flag"},
			{Name: "ai-request", Weight: 1, Feature: types.FeatureAI, Priority: types.PriorityLow, Action: "analyze"},
		},
		Thresholds: Thresholds{
			MaxLatency:   500 * time.Millisecond,
			MaxErrorRate: 0.01,
		},
		DrainTimeout: 10 * time.Second,
	}
}

func (c LoadTestConfig) Validate() error {
	if c.Connections <= 0 || c.MessagesPerConnection <= 0 {
		return errors.New("connections and messages_per_connection must be positive")
	}
	if len(c.Scenarios) == 0 {
		return errors.New("at least one scenario is required")
	}
	for _, s := range c.Scenarios {
		if s.Weight <= 0 {
			return fmt.Errorf("scenario %q: weight must be positive", s.Name)
		}
		if _, err := types.NewPayload(s.Feature); err != nil || s.Feature == types.FeatureSystem {
			return fmt.Errorf("scenario %q: unsupported feature %q", s.Name, s.Feature)
		}
		if !s.Priority.Valid() {
			return fmt.Errorf("scenario %q: invalid priority", s.Name)
		}
	}
	return nil
}

// LoadTestResult summarizes one run. Lost counts accepted messages that
// never arrived before the drain deadline.
type LoadTestResult struct {
	Sent             uint64                   `json:"sent"`
	Accepted         uint64                   `json:"accepted"`
	Rejected         uint64                   `json:"rejected"`
	Delivered        uint64                   `json:"delivered"`
	Lost             uint64                   `json:"lost"`
	ConnectFailures  uint64                   `json:"connectFailures"`
	Latency          types.LatencyPercentiles `json:"latency"`
	MaxLatency       time.Duration            `json:"maxLatency"`
	ThroughputPerSec float64                  `json:"throughputPerSec"`
	ErrorRate        float64                  `json:"errorRate"`
	Duration         time.Duration            `json:"duration"`
	ByScenario       map[string]uint64        `json:"byScenario"`
	RejectedByCode   map[string]uint64        `json:"rejectedByCode,omitempty"`
	Passed           bool                     `json:"passed"`
	Failures         []string                 `json:"failures,omitempty"`
}

// Summary renders the result for terminal output.
func (r *LoadTestResult) Summary() string {
	var b strings.Builder
	verdict := "PASS"
	if !r.Passed {
		verdict = "FAIL"
	}
	fmt.Fprintf(&b, "%s: %s sent, %s delivered, %s rejected, %s lost in %s\n",
		verdict, humanize.Comma(int64(r.Sent)), humanize.Comma(int64(r.Delivered)),
		humanize.Comma(int64(r.Rejected)), humanize.Comma(int64(r.Lost)), r.Duration.Round(time.Millisecond))
	fmt.Fprintf(&b, "latency p50=%s p95=%s p99=%s max=%s, throughput %s msg/s, error rate %.4f\n",
		r.Latency.P50, r.Latency.P95, r.Latency.P99, r.MaxLatency,
		humanize.CommafWithDigits(r.ThroughputPerSec, 1), r.ErrorRate)
	for _, f := range r.Failures {
		fmt.Fprintf(&b, "  threshold breached: %s\n", f)
	}
	return b.String()
}

type loadRun struct {
	pending sync.Map // message id -> send time
	open    atomic.Int64

	mu        sync.Mutex
	latencies []time.Duration
	lastAt    time.Time
	rejected  map[string]uint64

	delivered atomic.Uint64
	rejects   atomic.Uint64
}

func (r *loadRun) receive(env *types.OutboundEnvelope) {
	now := time.Now()
	if sp, ok := env.Payload.(*types.SystemPayload); ok {
		if sp.Event == types.SystemEventMessageError {
			if partial, _ := sp.Data["partial"].(bool); partial {
				return
			}
			if id, _ := sp.Data["messageId"].(string); id != "" {
				r.reject(id, sp.Code)
			}
		}
		return
	}
	v, ok := r.pending.LoadAndDelete(env.MessageID)
	if !ok {
		return
	}
	r.open.Add(-1)
	r.delivered.Add(1)
	latency := now.Sub(v.(time.Time))
	r.mu.Lock()
	r.latencies = append(r.latencies, latency)
	if now.After(r.lastAt) {
		r.lastAt = now
	}
	r.mu.Unlock()
}

func (r *loadRun) reject(id, code string) {
	if _, ok := r.pending.LoadAndDelete(id); !ok {
		return
	}
	r.open.Add(-1)
	r.rejects.Add(1)
	r.mu.Lock()
	r.rejected[code]++
	r.mu.Unlock()
}

// pick maps a sequence number onto a scenario by weight, so a run is
// reproducible.
func pick(scenarios []Scenario, total, n int) Scenario {
	slot := n % total
	for _, s := range scenarios {
		if slot < s.Weight {
			return s
		}
		slot -= s.Weight
	}
	return scenarios[len(scenarios)-1]
}

func syntheticPayload(s Scenario, conn, seq int) types.Payload {
	action := s.Action
	switch s.Feature {
	case types.FeatureMeeting:
		if action == "" {
			action = "vote"
		}
		return &types.MeetingPayload{Op: action, MeetingID: fmt.Sprintf("load-meeting-%d", conn%16), Vote: "yes"}
	case types.FeatureDocument:
		if action == "" {
			action = "edit"
		}
		return &types.DocumentPayload{Op: action, DocumentID: fmt.Sprintf("load-doc-%d", conn%16), Revision: int64(seq)}
	case types.FeatureAI:
		if action == "" {
			action = "analyze"
		}
		return &types.AIPayload{Op: action, RequestID: uuid.NewString(), Subject: "load"}
	default:
		if action == "" {
			action = "flag"
		}
		return &types.CompliancePayload{Op: action, CaseID: fmt.Sprintf("load-case-%d", conn%16), Severity: "low"}
	}
}

// ExecuteLoadTest opens cfg.Connections clients on target, sends the
// configured messages with bounded concurrency, waits for deliveries to
// drain and checks the result against cfg.Thresholds.
func (m *Monitor) ExecuteLoadTest(ctx context.Context, target LoadTarget, cfg LoadTestConfig) (*LoadTestResult, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid load test config: %w", err)
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = cfg.Connections
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 10 * time.Second
	}
	totalWeight := 0
	for _, s := range cfg.Scenarios {
		totalWeight += s.Weight
	}

	run := &loadRun{rejected: make(map[string]uint64)}
	res := &LoadTestResult{ByScenario: make(map[string]uint64)}
	var byScenario sync.Map

	clients := make([]LoadClient, cfg.Connections)
	var connectFailures atomic.Uint64
	opener, octx := errgroup.WithContext(ctx)
	opener.SetLimit(cfg.Concurrency)
	for i := range clients {
		i := i
		opener.Go(func() error {
			c, err := target.Open(octx, i, run.receive)
			if err != nil {
				if octx.Err() != nil {
					return octx.Err()
				}
				connectFailures.Add(1)
				m.log.Debug().Err(err).Int("client", i).Msg("load client failed to connect")
				return nil
			}
			clients[i] = c
			return nil
		})
	}
	openErr := opener.Wait()
	defer func() {
		for _, c := range clients {
			if c != nil {
				_ = c.Close()
			}
		}
	}()
	if openErr != nil {
		return nil, openErr
	}
	res.ConnectFailures = connectFailures.Load()

	m.log.Info().
		Int("connections", cfg.Connections-int(res.ConnectFailures)).
		Int("messages_per_connection", cfg.MessagesPerConnection).
		Msg("load test started")

	var sent atomic.Uint64
	start := time.Now()
	sender, sctx := errgroup.WithContext(ctx)
	sender.SetLimit(cfg.Concurrency)
	for i, c := range clients {
		i, c := i, c
		if c == nil {
			continue
		}
		sender.Go(func() error {
			for j := 0; j < cfg.MessagesPerConnection; j++ {
				if sctx.Err() != nil {
					return sctx.Err()
				}
				s := pick(cfg.Scenarios, totalWeight, i*cfg.MessagesPerConnection+j)
				env := &types.InboundEnvelope{
					MessageID:   uuid.NewString(),
					FeatureType: s.Feature,
					Priority:    s.Priority,
					Payload:     syntheticPayload(s, i, j),
					Target:      types.Target{Kind: types.TargetConnection, ConnectionID: c.ID()},
				}
				if s.Broadcast {
					env.Target = types.Target{Kind: types.TargetOrganization}
				}
				run.pending.Store(env.MessageID, time.Now())
				run.open.Add(1)
				sent.Add(1)
				counter, _ := byScenario.LoadOrStore(s.Name, new(atomic.Uint64))
				counter.(*atomic.Uint64).Add(1)
				if err := c.Send(sctx, env); err != nil {
					code, _ := types.ErrorCode(err)
					run.reject(env.MessageID, code)
				}
			}
			return nil
		})
	}
	if err := sender.Wait(); err != nil {
		return nil, err
	}

	deadline := time.NewTimer(cfg.DrainTimeout)
	defer deadline.Stop()
	poll := time.NewTicker(5 * time.Millisecond)
	defer poll.Stop()
drain:
	for run.open.Load() > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			break drain
		case <-poll.C:
		}
	}

	run.mu.Lock()
	latencies := append([]time.Duration(nil), run.latencies...)
	lastAt := run.lastAt
	for code, n := range run.rejected {
		if res.RejectedByCode == nil {
			res.RejectedByCode = make(map[string]uint64)
		}
		res.RejectedByCode[code] = n
	}
	run.mu.Unlock()

	res.Sent = sent.Load()
	res.Rejected = run.rejects.Load()
	res.Accepted = res.Sent - res.Rejected
	res.Delivered = run.delivered.Load()
	if res.Accepted > res.Delivered {
		res.Lost = res.Accepted - res.Delivered
	}
	res.Duration = time.Since(start)
	res.Latency = percentiles(latencies)
	for _, l := range latencies {
		if l > res.MaxLatency {
			res.MaxLatency = l
		}
	}
	if active := lastAt.Sub(start); res.Delivered > 0 && active > 0 {
		res.ThroughputPerSec = float64(res.Delivered) / active.Seconds()
	}
	if res.Sent > 0 {
		res.ErrorRate = float64(res.Rejected+res.Lost) / float64(res.Sent)
	}
	byScenario.Range(func(k, v any) bool {
		res.ByScenario[k.(string)] = v.(*atomic.Uint64).Load()
		return true
	})

	th := cfg.Thresholds
	if th.MaxLatency > 0 && res.Latency.P99 > th.MaxLatency {
		res.Failures = append(res.Failures, fmt.Sprintf("p99 latency %s exceeds %s", res.Latency.P99, th.MaxLatency))
	}
	if th.MaxErrorRate > 0 && res.ErrorRate > th.MaxErrorRate {
		res.Failures = append(res.Failures, fmt.Sprintf("error rate %.4f exceeds %.4f", res.ErrorRate, th.MaxErrorRate))
	}
	if th.MinThroughput > 0 && res.ThroughputPerSec < th.MinThroughput {
		res.Failures = append(res.Failures, fmt.Sprintf("throughput %.1f/s below %.1f/s", res.ThroughputPerSec, th.MinThroughput))
	}
	if res.ConnectFailures > 0 {
		res.Failures = append(res.Failures, fmt.Sprintf("%d connections failed to open", res.ConnectFailures))
	}
	res.Passed = len(res.Failures) == 0

	ev := m.log.Info()
	if !res.Passed {
		ev = m.log.Warn()
	}
	ev.Uint64("sent", res.Sent).
		Uint64("delivered", res.Delivered).
		Uint64("rejected", res.Rejected).
		Uint64("lost", res.Lost).
		Dur("p99", res.Latency.P99).
		Float64("throughput", res.ThroughputPerSec).
		Bool("passed", res.Passed).
		Msg("load test finished")
	return res, nil
}
