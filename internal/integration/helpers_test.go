package integration

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"boardsync/internal/app"
	"boardsync/internal/clock"
	"boardsync/internal/config"
	"boardsync/pkg/types"
)

var epoch = time.Date(2026, 9, 14, 8, 30, 0, 0, time.UTC)

// syncBuffer collects log lines written from many goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) count(substr string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.Count(b.buf.String(), substr)
}

type system struct {
	t   *testing.T
	app *app.Application
	log *syncBuffer
	clk *clock.Manual
}

type option func(*config.Config)

func boardConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.HTTP.Host, cfg.HTTP.Port = "127.0.0.1", 0
	cfg.Database.DatabasePath = filepath.Join(t.TempDir(), "boardsync.db")
	cfg.Monitor.ProcessSampling = false
	cfg.Security.GenerateKeys = false
	cfg.Sync.Resolvers["meeting"] = "last-write-wins"
	cfg.Security.Tokens = []config.TokenConfig{
		{Token: "tok-chair-x", UserID: "a", OrganizationID: "orgX", Permissions: []string{"*:*"}},
		{Token: "tok-member-x", UserID: "b", OrganizationID: "orgX", Permissions: []string{"*:*"}},
		{Token: "tok-chair-y", UserID: "y", OrganizationID: "orgY", Permissions: []string{"*:*"}},
	}
	return cfg
}

// startSystem runs the fully wired application. A manual clock is used
// unless realTime is set, so degradation windows can be stepped.
func startSystem(t *testing.T, realTime bool, opts ...option) *system {
	t.Helper()
	cfg := boardConfig(t)
	for _, opt := range opts {
		opt(cfg)
	}
	s := &system{t: t, log: &syncBuffer{}}
	logger := zerolog.New(s.log).Level(zerolog.InfoLevel)
	appOpts := []app.Option{app.WithLoggers(logger, zerolog.Nop())}
	if !realTime {
		s.clk = clock.NewManual(epoch)
		appOpts = append(appOpts, app.WithClock(s.clk))
	}

	application, err := app.NewApplication(cfg, appOpts...)
	require.NoError(t, err)
	require.NoError(t, application.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = application.Stop(ctx)
	})
	s.app = application
	return s
}

// connect authenticates token and registers a recording peer.
func (s *system) connect(token, id string) *peer {
	s.t.Helper()
	sc, err := s.app.Gate().Authenticate(context.Background(), token, id, types.ClientMeta{UserAgent: "integration"})
	require.NoError(s.t, err)
	p := &peer{id: id}
	require.NoError(s.t, s.app.Coordinator().RegisterConnection(p, sc))
	return p
}

type peer struct {
	id   string
	mu   sync.Mutex
	envs []*types.OutboundEnvelope
}

func (p *peer) ID() string { return p.id }

func (p *peer) Send(_ context.Context, env *types.OutboundEnvelope, _ bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := *env
	p.envs = append(p.envs, &cp)
	return nil
}

func (p *peer) Close(int, string) error { return nil }

// received returns the ids of non-system messages, in arrival order.
func (p *peer) received() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var ids []string
	for _, e := range p.envs {
		if e.FeatureType != types.FeatureSystem {
			ids = append(ids, e.MessageID)
		}
	}
	return ids
}

// priorities returns the priority of every non-system envelope after the
// first skip of them.
func (p *peer) priorities(skip int) []types.Priority {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []types.Priority
	n := 0
	for _, e := range p.envs {
		if e.FeatureType == types.FeatureSystem {
			continue
		}
		if n >= skip {
			out = append(out, e.Priority)
		}
		n++
	}
	return out
}

func (p *peer) events(event string) []*types.SystemPayload {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*types.SystemPayload
	for _, e := range p.envs {
		if sp, ok := e.Payload.(*types.SystemPayload); ok && sp.Event == event {
			out = append(out, sp)
		}
	}
	return out
}

func vote(id, org string, p types.Priority) *types.Message {
	return &types.Message{
		ID:       id,
		Feature:  types.FeatureMeeting,
		Priority: p,
		Target:   types.Target{Kind: types.TargetOrganization, OrganizationID: org},
		Payload:  &types.MeetingPayload{Op: "vote", MeetingID: "board-" + org, Vote: "yes"},
	}
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 5*time.Second, 5*time.Millisecond, msg)
}
