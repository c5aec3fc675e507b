package features

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"boardsync/internal/coordinator"
	"boardsync/internal/router"
	"boardsync/internal/security"
	"boardsync/internal/statesync"
	"boardsync/pkg/interfaces"
	"boardsync/pkg/types"
)

var aliceCtx = interfaces.HandlerContext{
	ConnectionID: "c-alice",
	Sender:       &types.SecurityContext{ConnectionID: "c-alice", UserID: "alice", OrganizationID: "orgX"},
}

func withSender(hctx interfaces.HandlerContext, user, conn string) interfaces.HandlerContext {
	sc := *hctx.Sender
	sc.UserID, sc.ConnectionID = user, conn
	return interfaces.HandlerContext{ConnectionID: conn, Sender: &sc}
}

func inbound(p types.Payload, target types.Target) *types.Message {
	return &types.Message{
		ID:             "m-1",
		Feature:        p.Feature(),
		Priority:       types.PriorityNormal,
		Payload:        p,
		Target:         target,
		Origin:         types.OriginClient,
		OrganizationID: "orgX",
	}
}

var roomTarget = types.Target{Kind: types.TargetRoom, RoomID: "board"}

func only(t *testing.T, res *interfaces.HandlerResult) *types.Message {
	t.Helper()
	require.NotNil(t, res)
	require.Len(t, res.Broadcast, 1)
	return res.Broadcast[0]
}

func TestMeetingsTallyVotes(t *testing.T) {
	m := NewMeetings()
	ctx := context.Background()

	res, err := m.Process(ctx, inbound(&types.MeetingPayload{Op: MeetingOpenMotion, MeetingID: "m1", MotionID: "budget"}, roomTarget), aliceCtx)
	require.NoError(t, err)
	assert.Equal(t, types.PriorityHigh, only(t, res).Priority)

	bob := withSender(aliceCtx, "bob", "c-bob")
	_, err = m.Process(ctx, inbound(&types.MeetingPayload{Op: MeetingVote, MeetingID: "m1", MotionID: "budget", Vote: "yes"}, roomTarget), aliceCtx)
	require.NoError(t, err)
	_, err = m.Process(ctx, inbound(&types.MeetingPayload{Op: MeetingVote, MeetingID: "m1", MotionID: "budget", Vote: "no"}, roomTarget), bob)
	require.NoError(t, err)
	res, err = m.Process(ctx, inbound(&types.MeetingPayload{Op: MeetingVote, MeetingID: "m1", MotionID: "budget", Vote: "yes"}, roomTarget), bob)
	require.NoError(t, err)

	tally := only(t, res)
	assert.Equal(t, roomTarget, tally.Target, "room votes are tallied to the room")
	assert.Equal(t, "orgX", tally.OrganizationID)
	tp := tally.Payload.(*types.MeetingPayload)
	assert.Equal(t, MeetingTally, tp.Op)
	assert.Equal(t, 2, tp.Data["yes"], "a changed vote replaces the earlier one")
	assert.Equal(t, 2, tp.Data["voters"])
	assert.NotContains(t, tp.Data, "no")

	res, err = m.Process(ctx, inbound(&types.MeetingPayload{Op: MeetingCloseMotion, MeetingID: "m1", MotionID: "budget"}, roomTarget), aliceCtx)
	require.NoError(t, err)
	assert.Equal(t, "yes", only(t, res).Payload.(*types.MeetingPayload).Data["outcome"])

	res, err = m.Process(ctx, inbound(&types.MeetingPayload{Op: MeetingVote, MeetingID: "m1", MotionID: "budget", Vote: "no"}, roomTarget), aliceCtx)
	require.NoError(t, err)
	assert.Nil(t, res, "closed motions ignore votes")
}

func TestMeetingsRepliesToSenderForDirectTargets(t *testing.T) {
	m := NewMeetings()
	self := types.Target{Kind: types.TargetConnection, ConnectionID: "c-alice"}
	res, err := m.Process(context.Background(), inbound(&types.MeetingPayload{Op: MeetingVote, MeetingID: "m1", Vote: "yes"}, types.Target{Kind: types.TargetFeature}), aliceCtx)
	require.NoError(t, err)
	reply := only(t, res)
	assert.Equal(t, self, reply.Target)
	assert.Equal(t, defaultMotion, reply.Payload.(*types.MeetingPayload).MotionID)

	res, err = m.Process(context.Background(), inbound(&types.MeetingPayload{Op: "bogus", MeetingID: "m1"}, self), aliceCtx)
	assert.NoError(t, err)
	assert.Nil(t, res)
}

func TestModuleStateIsPerOrganization(t *testing.T) {
	ctx := context.Background()
	yuri := interfaces.HandlerContext{
		ConnectionID: "c-yuri",
		Sender:       &types.SecurityContext{ConnectionID: "c-yuri", UserID: "yuri", OrganizationID: "orgY"},
	}
	fromY := func(p types.Payload) *types.Message {
		m := inbound(p, roomTarget)
		m.OrganizationID = "orgY"
		return m
	}

	m := NewMeetings()
	_, err := m.Process(ctx, inbound(&types.MeetingPayload{Op: MeetingVote, MeetingID: "m1", MotionID: "budget", Vote: "yes"}, roomTarget), aliceCtx)
	require.NoError(t, err)
	res, err := m.Process(ctx, fromY(&types.MeetingPayload{Op: MeetingVote, MeetingID: "m1", MotionID: "budget", Vote: "no"}), yuri)
	require.NoError(t, err)
	tally := only(t, res).Payload.(*types.MeetingPayload).Data
	assert.Equal(t, 1, tally["voters"], "orgX votes are not counted")
	assert.NotContains(t, tally, "yes")

	res, err = m.Process(ctx, fromY(&types.MeetingPayload{Op: MeetingCloseMotion, MeetingID: "m1", MotionID: "budget"}), yuri)
	require.NoError(t, err)
	assert.Equal(t, "no", only(t, res).Payload.(*types.MeetingPayload).Data["outcome"])
	res, err = m.Process(ctx, inbound(&types.MeetingPayload{Op: MeetingVote, MeetingID: "m1", MotionID: "budget", Vote: "yes"}, roomTarget), aliceCtx)
	require.NoError(t, err)
	assert.Equal(t, 1, only(t, res).Payload.(*types.MeetingPayload).Data["yes"], "orgX motion stays open")

	d := NewDocuments()
	_, err = d.Process(ctx, inbound(&types.DocumentPayload{Op: DocumentEdit, DocumentID: "d1"}, roomTarget), aliceCtx)
	require.NoError(t, err)
	res, err = d.Process(ctx, fromY(&types.DocumentPayload{Op: DocumentEdit, DocumentID: "d1"}), yuri)
	require.NoError(t, err)
	assert.Equal(t, int64(1), only(t, res).Payload.(*types.DocumentPayload).Revision)

	c := NewCompliance([]string{"critical"})
	_, err = c.Process(ctx, inbound(&types.CompliancePayload{Op: ComplianceFlag, CaseID: "k1", Severity: "low"}, roomTarget), aliceCtx)
	require.NoError(t, err)
	res, err = c.Process(ctx, fromY(&types.CompliancePayload{Op: ComplianceResolve, CaseID: "k1"}), yuri)
	require.NoError(t, err)
	assert.Nil(t, res, "another organization cannot resolve the case")
	assert.Equal(t, 1, c.Open())

	a := NewAnalysis()
	_, err = a.Process(ctx, inbound(&types.AIPayload{Op: AnalysisRequest, RequestID: "r1", Prompt: "confidential"}, roomTarget), aliceCtx)
	require.NoError(t, err)
	res, err = a.Process(ctx, fromY(&types.AIPayload{Op: AnalysisStatus, RequestID: "r1"}), yuri)
	require.NoError(t, err)
	assert.Equal(t, AnalysisUnknown, only(t, res).Payload.(*types.AIPayload).Op)
}

func TestMotionOutcomeTie(t *testing.T) {
	mo := &motion{votes: map[string]string{"a": "yes", "b": "no"}}
	assert.Equal(t, "tied", motionOutcome(mo))
	mo.votes["c"] = "no"
	assert.Equal(t, "no", motionOutcome(mo))
	assert.Equal(t, "tied", motionOutcome(&motion{votes: map[string]string{}}))
}

func TestDocumentsRevisions(t *testing.T) {
	d := NewDocuments()
	ctx := context.Background()

	res, err := d.Process(ctx, inbound(&types.DocumentPayload{Op: DocumentEdit, DocumentID: "d1"}, roomTarget), aliceCtx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), only(t, res).Payload.(*types.DocumentPayload).Revision)

	res, err = d.Process(ctx, inbound(&types.DocumentPayload{Op: DocumentEdit, DocumentID: "d1", Revision: 1}, roomTarget), aliceCtx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), only(t, res).Payload.(*types.DocumentPayload).Revision)

	bob := withSender(aliceCtx, "bob", "c-bob")
	res, err = d.Process(ctx, inbound(&types.DocumentPayload{Op: DocumentEdit, DocumentID: "d1", Revision: 1}, roomTarget), bob)
	require.NoError(t, err)
	stale := only(t, res)
	assert.Equal(t, types.Target{Kind: types.TargetConnection, ConnectionID: "c-bob"}, stale.Target)
	sp := stale.Payload.(*types.DocumentPayload)
	assert.Equal(t, DocumentStale, sp.Op)
	assert.Equal(t, int64(2), sp.Revision)
	assert.Equal(t, "alice", sp.Data["lastEditor"])

	res, err = d.Process(ctx, inbound(&types.DocumentPayload{Op: DocumentAnnotate, DocumentID: "d1", AnnotationID: "a1", Body: "see p.4"}, roomTarget), bob)
	require.NoError(t, err)
	ann := only(t, res)
	assert.Equal(t, types.PriorityLow, ann.Priority)
	assert.Equal(t, "see p.4", ann.Payload.(*types.DocumentPayload).Body)

	res, err = d.Process(ctx, inbound(&types.DocumentPayload{Op: DocumentGetVersion, DocumentID: "d1"}, roomTarget), bob)
	require.NoError(t, err)
	assert.Equal(t, 1, only(t, res).Payload.(*types.DocumentPayload).Data["annotations"])
}

func TestAnalysisProfilesAndRemembers(t *testing.T) {
	a := NewAnalysis()
	a.limit = 2
	ctx := context.Background()

	res, err := a.Process(ctx, inbound(&types.AIPayload{Op: AnalysisRequest, RequestID: "r1", Subject: "minutes", Prompt: "  approve   the budget "}, roomTarget), aliceCtx)
	require.NoError(t, err)
	out := only(t, res)
	assert.Equal(t, types.Target{Kind: types.TargetConnection, ConnectionID: "c-alice"}, out.Target, "results are private to the requester")
	r := out.Payload.(*types.AIPayload).Result
	assert.Equal(t, 3, r["words"])
	assert.Equal(t, "approve the budget", r["summary"])
	assert.Len(t, r["digest"], 64)

	again := profile("minutes", "approve the budget extra")
	assert.NotEqual(t, r["digest"], again["digest"])

	res, err = a.Process(ctx, inbound(&types.AIPayload{Op: AnalysisStatus, RequestID: "r1"}, roomTarget), aliceCtx)
	require.NoError(t, err)
	assert.Equal(t, AnalysisResult, only(t, res).Payload.(*types.AIPayload).Op)

	a.remember("r2", map[string]any{})
	a.remember("r3", map[string]any{})
	res, err = a.Process(ctx, inbound(&types.AIPayload{Op: AnalysisStatus, RequestID: "r1"}, roomTarget), aliceCtx)
	require.NoError(t, err)
	assert.Equal(t, AnalysisUnknown, only(t, res).Payload.(*types.AIPayload).Op, "oldest result evicted")

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = a.Process(canceled, inbound(&types.AIPayload{Op: AnalysisRequest, RequestID: "r4"}, roomTarget), aliceCtx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestComplianceEscalation(t *testing.T) {
	c := NewCompliance([]string{"HIGH"})
	ctx := context.Background()

	res, err := c.Process(ctx, inbound(&types.CompliancePayload{Op: ComplianceFlag, CaseID: "k1", Severity: "low"}, roomTarget), aliceCtx)
	require.NoError(t, err)
	rec := only(t, res)
	assert.Equal(t, types.PriorityHigh, rec.Priority)
	assert.Equal(t, ComplianceRecorded, rec.Payload.(*types.CompliancePayload).Op)

	res, err = c.Process(ctx, inbound(&types.CompliancePayload{Op: ComplianceFlag, CaseID: "k1", RuleID: "r-9", Severity: "High"}, roomTarget), aliceCtx)
	require.NoError(t, err)
	alert := only(t, res)
	assert.Equal(t, types.PriorityCritical, alert.Priority)
	assert.Equal(t, types.Target{Kind: types.TargetOrganization, OrganizationID: "orgX"}, alert.Target)
	ap := alert.Payload.(*types.CompliancePayload)
	assert.Equal(t, ComplianceAlert, ap.Op)
	assert.Equal(t, "r-9", ap.RuleID)
	assert.Equal(t, 2, ap.Data["flags"])
	assert.Equal(t, 1, c.Open())

	res, err = c.Process(ctx, inbound(&types.CompliancePayload{Op: ComplianceResolve, CaseID: "k1"}, roomTarget), aliceCtx)
	require.NoError(t, err)
	assert.Equal(t, ComplianceResolved, only(t, res).Payload.(*types.CompliancePayload).Op)
	assert.Zero(t, c.Open())

	res, err = c.Process(ctx, inbound(&types.CompliancePayload{Op: ComplianceResolve, CaseID: "k1"}, roomTarget), aliceCtx)
	require.NoError(t, err)
	assert.Nil(t, res)
}

func TestProcessorsRejectForeignPayloads(t *testing.T) {
	msg := inbound(&types.DocumentPayload{Op: DocumentEdit, DocumentID: "d1"}, roomTarget)
	for _, p := range []Processor{NewMeetings(), NewAnalysis(), NewCompliance(nil)} {
		_, err := p.Process(context.Background(), msg, aliceCtx)
		assert.ErrorIs(t, err, ErrUnexpectedPayload, p.Feature())
	}
}

// blockingProcessor holds every message until released.
type blockingProcessor struct {
	release chan struct{}
	seen    chan string
}

func (*blockingProcessor) Feature() types.FeatureType { return types.FeatureAI }

func (b *blockingProcessor) Process(ctx context.Context, msg *types.Message, _ interfaces.HandlerContext) (*interfaces.HandlerResult, error) {
	b.seen <- msg.ID
	select {
	case <-b.release:
	case <-ctx.Done():
	}
	return nil, nil
}

func TestHubLifecycle(t *testing.T) {
	h := NewHub(NewMeetings(), 4, zerolog.Nop())
	_, err := h.HandleFeatureMessage(context.Background(), inbound(&types.MeetingPayload{Op: MeetingVote, MeetingID: "m"}, roomTarget), aliceCtx)
	assert.ErrorIs(t, err, ErrHubNotRunning)

	require.NoError(t, h.Start(context.Background()))
	assert.ErrorIs(t, h.Start(context.Background()), ErrHubAlreadyRunning)

	res, err := h.HandleFeatureMessage(context.Background(), inbound(&types.MeetingPayload{Op: MeetingVote, MeetingID: "m", Vote: "yes"}, roomTarget), aliceCtx)
	require.NoError(t, err)
	assert.Equal(t, MeetingTally, only(t, res).Payload.(*types.MeetingPayload).Op)

	require.NoError(t, h.Stop())
	assert.ErrorIs(t, h.Stop(), ErrHubNotRunning)
}

func TestHubSerializesAndFailsFastWhenFull(t *testing.T) {
	bp := &blockingProcessor{release: make(chan struct{}), seen: make(chan string, 8)}
	h := NewHub(bp, 1, zerolog.Nop())
	require.NoError(t, h.Start(context.Background()))
	defer func() { _ = h.Stop() }()

	msg := func(id string) *types.Message {
		m := inbound(&types.AIPayload{Op: AnalysisRequest}, roomTarget)
		m.ID = id
		return m
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = h.HandleFeatureMessage(context.Background(), msg("first"), aliceCtx)
	}()
	require.Equal(t, "first", <-bp.seen)

	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = h.HandleFeatureMessage(context.Background(), msg("second"), aliceCtx)
	}()
	require.Eventually(t, func() bool { return len(h.requests) == 1 }, time.Second, time.Millisecond)

	_, err := h.HandleFeatureMessage(context.Background(), msg("third"), aliceCtx)
	assert.ErrorIs(t, err, ErrQueueFull)

	close(bp.release)
	wg.Wait()
	assert.Equal(t, "second", <-bp.seen)
}

func TestHubHonoursCallerDeadline(t *testing.T) {
	bp := &blockingProcessor{release: make(chan struct{}), seen: make(chan string, 8)}
	h := NewHub(bp, 4, zerolog.Nop())
	require.NoError(t, h.Start(context.Background()))
	defer func() { _ = h.Stop() }()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := h.HandleFeatureMessage(ctx, inbound(&types.AIPayload{Op: AnalysisRequest}, roomTarget), aliceCtx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

type recordingRegistrar struct {
	handlers []interfaces.FeatureHandler
}

func (r *recordingRegistrar) RegisterHandler(h interfaces.FeatureHandler) error {
	r.handlers = append(r.handlers, h)
	return nil
}

func TestRegisterSkipsDisabled(t *testing.T) {
	reg := &recordingRegistrar{}
	cfg := DefaultConfig()
	cfg.Disabled = []types.FeatureType{types.FeatureAI}
	set, err := Register(reg, cfg, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, []types.FeatureType{types.FeatureMeeting, types.FeatureDocument, types.FeatureCompliance}, set.Features())
	assert.Len(t, reg.handlers, 3)

	require.NoError(t, set.Start(context.Background()))
	require.NoError(t, set.Stop())
	assert.Error(t, set.Stop())
}

// recorder is an in-memory peer.
type recorder struct {
	id   string
	mu   sync.Mutex
	envs []*types.OutboundEnvelope
}

func (r *recorder) ID() string { return r.id }

func (r *recorder) Send(_ context.Context, env *types.OutboundEnvelope, _ bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.envs = append(r.envs, env)
	return nil
}

func (r *recorder) Close(int, string) error { return nil }

func (r *recorder) ops(feature types.FeatureType) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.envs {
		if e.FeatureType == feature && e.Payload != nil {
			out = append(out, e.Payload.Action())
		}
	}
	return out
}

func TestFeaturesThroughCoordinator(t *testing.T) {
	verifier := security.NewStaticVerifier(map[string]types.Identity{
		"tok-alice": {UserID: "alice", OrganizationID: "orgX", Permissions: []string{"*:*"}},
		"tok-bob":   {UserID: "bob", OrganizationID: "orgX", Permissions: []string{"*:read"}},
	})
	scfg := security.DefaultConfig()
	scfg.GenerateKeys = false
	gate := security.NewGate(scfg, verifier, nil, zerolog.Nop(), zerolog.Nop())
	coord, err := coordinator.New(coordinator.DefaultConfig(), router.DefaultConfig(), coordinator.Deps{
		Gate:        gate,
		Sync:        statesync.New(nil, zerolog.Nop()),
		Log:         zerolog.Nop(),
		SecurityLog: zerolog.Nop(),
	})
	require.NoError(t, err)

	set, err := Register(coord, DefaultConfig(), zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, set.Start(context.Background()))
	defer func() { _ = set.Stop() }()
	require.NoError(t, coord.Start(context.Background()))
	defer func() { _ = coord.Stop() }()
	assert.ElementsMatch(t, set.Features(), coord.Features())

	connect := func(token, id string) *recorder {
		sc, err := gate.Authenticate(context.Background(), token, id, types.ClientMeta{})
		require.NoError(t, err)
		r := &recorder{id: id}
		require.NoError(t, coord.RegisterConnection(r, sc))
		return r
	}
	alice := connect("tok-alice", "c-alice")
	bob := connect("tok-bob", "c-bob")

	err = coord.HandleInbound(context.Background(), "c-alice", &types.InboundEnvelope{
		MessageID:   "flag-1",
		FeatureType: types.FeatureCompliance,
		Priority:    types.PriorityNormal,
		Target:      types.Target{Kind: types.TargetConnection, ConnectionID: "c-alice"},
		Payload:     &types.CompliancePayload{Op: ComplianceFlag, CaseID: "k1", Severity: "critical"},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(bob.ops(types.FeatureCompliance)) == 1
	}, 2*time.Second, 5*time.Millisecond, "critical alert reaches the organization")
	assert.Equal(t, []string{ComplianceAlert}, bob.ops(types.FeatureCompliance))
	assert.Eventually(t, func() bool {
		ops := alice.ops(types.FeatureCompliance)
		return len(ops) == 2
	}, 2*time.Second, 5*time.Millisecond, "sender sees its own message and the alert")
}
