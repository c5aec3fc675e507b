package security

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"filippo.io/age"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"boardsync/internal/clock"
	"boardsync/pkg/interfaces"
	"boardsync/pkg/types"
)

var testStart = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

func newTestGate(t *testing.T, cfg Config) (*Gate, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(testStart)
	verifier := NewStaticVerifier(map[string]types.Identity{
		"tok-alice":  {UserID: "alice", OrganizationID: "orgX", Permissions: []string{"meeting:*", "document:read", "*:read"}},
		"tok-alice2": {UserID: "alice", OrganizationID: "orgX", Permissions: []string{"*:*"}, ExpiresAt: testStart.Add(time.Hour)},
		"tok-bob":    {UserID: "bob", OrganizationID: "orgX", Permissions: []string{"*:read"}},
		"tok-yuri":   {UserID: "yuri", OrganizationID: "orgY", Permissions: []string{"*:*"}},
		"tok-old":    {UserID: "old", OrganizationID: "orgX", ExpiresAt: testStart.Add(-time.Minute)},
	})
	return NewGate(cfg, verifier, clk, zerolog.Nop(), zerolog.Nop()), clk
}

func mustAuth(t *testing.T, g *Gate, token, conn string) *types.SecurityContext {
	t.Helper()
	sc, err := g.Authenticate(context.Background(), token, conn, types.ClientMeta{})
	require.NoError(t, err)
	return sc
}

func TestAuthenticate(t *testing.T) {
	g, _ := newTestGate(t, DefaultConfig())

	sc := mustAuth(t, g, "tok-alice", "c1")
	assert.Equal(t, "alice", sc.UserID)
	assert.Equal(t, "orgX", sc.OrganizationID)
	assert.Equal(t, "c1", sc.KeyRef)
	bound, ok := g.Context("c1")
	require.True(t, ok)
	assert.Same(t, sc, bound)

	_, err := g.Authenticate(context.Background(), "nope", "c2", types.ClientMeta{})
	var authErr *types.AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, types.AuthInvalidToken, authErr.Code)
	assert.ErrorIs(t, err, interfaces.ErrInvalidToken)
	_, ok = g.Context("c2")
	assert.False(t, ok, "failed authentication must not bind a context")

	_, err = g.Authenticate(context.Background(), "tok-old", "c3", types.ClientMeta{})
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, types.AuthExpiredToken, authErr.Code)

	_, err = g.Authenticate(context.Background(), "", "c4", types.ClientMeta{})
	assert.Error(t, err)
}

func TestAuthenticate_ReplacesContextWholesale(t *testing.T) {
	g, _ := newTestGate(t, DefaultConfig())
	first := mustAuth(t, g, "tok-alice", "c1")
	second := mustAuth(t, g, "tok-bob", "c1")
	assert.NotSame(t, first, second)
	assert.Equal(t, "alice", first.UserID, "issued context is never mutated")
	bound, _ := g.Context("c1")
	assert.Equal(t, "bob", bound.UserID)
}

func TestRefresh_KeepsIdentityAndKey(t *testing.T) {
	g, clk := newTestGate(t, DefaultConfig())
	ctx := context.Background()
	first := mustAuth(t, g, "tok-alice", "c1")
	peer := mustAuth(t, g, "tok-bob", "c2")
	sealed, err := g.EncryptMessage("msg-1", []byte("minutes"), peer, []*types.SecurityContext{first})
	require.NoError(t, err)

	_, err = g.Refresh(ctx, "tok-bob", "c1", types.ClientMeta{})
	var authErr *types.AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, types.AuthForbidden, authErr.Code)
	bound, _ := g.Context("c1")
	assert.Same(t, first, bound, "a refused refresh leaves the context bound")

	clk.Advance(time.Minute)
	refreshed, err := g.Refresh(ctx, "tok-alice2", "c1", types.ClientMeta{})
	require.NoError(t, err)
	assert.Equal(t, "alice", refreshed.UserID)
	assert.Equal(t, []string{"*:*"}, refreshed.Permissions)
	assert.Equal(t, testStart.Add(time.Minute), refreshed.IssuedAt)
	assert.Equal(t, first.KeyRef, refreshed.KeyRef)
	bound, _ = g.Context("c1")
	assert.Same(t, refreshed, bound)

	got, err := g.DecryptMessage(sealed.Metadata, refreshed)
	require.NoError(t, err, "envelopes sealed before the refresh stay readable")
	assert.Equal(t, []byte("minutes"), got)

	_, err = g.Refresh(ctx, "tok-alice", "unknown", types.ClientMeta{})
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, types.AuthNotAuthenticated, authErr.Code)
	_, ok := g.Context("unknown")
	assert.False(t, ok)
}

func TestAuthenticate_ClientPublicKey(t *testing.T) {
	g, _ := newTestGate(t, DefaultConfig())
	id, err := age.GenerateX25519Identity()
	require.NoError(t, err)

	sc, err := g.Authenticate(context.Background(), "tok-bob", "c1", types.ClientMeta{PublicKey: id.Recipient().String()})
	require.NoError(t, err)
	assert.Equal(t, "c1", sc.KeyRef)

	_, err = g.Authenticate(context.Background(), "tok-bob", "c2", types.ClientMeta{PublicKey: "age1garbage"})
	assert.Error(t, err)
}

func TestAuthorize_CrossOrganizationDenied(t *testing.T) {
	g, _ := newTestGate(t, DefaultConfig())
	mustAuth(t, g, "tok-alice", "c1")

	err := g.Authorize("c1", AccessRequest{Feature: types.FeatureMeeting, Action: "vote", TargetOrganization: "orgY"})
	var authErr *types.AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, types.AuthCrossOrganization, authErr.Code)

	assert.NoError(t, g.Authorize("c1", AccessRequest{Feature: types.FeatureMeeting, Action: "vote", TargetOrganization: "orgY", Public: true}))
	assert.NoError(t, g.Authorize("c1", AccessRequest{Feature: types.FeatureMeeting, Action: "vote", TargetOrganization: "orgX"}))
}

func TestAuthorize_Permissions(t *testing.T) {
	g, clk := newTestGate(t, DefaultConfig())
	mustAuth(t, g, "tok-bob", "c1")

	err := g.Authorize("c1", AccessRequest{Feature: types.FeatureCompliance, Action: "flag"})
	var authErr *types.AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, types.AuthForbidden, authErr.Code)

	assert.NoError(t, g.Authorize("c1", AccessRequest{Feature: types.FeatureSystem, Action: types.SystemEventSubscribe}))

	err = g.Authorize("ghost", AccessRequest{Feature: types.FeatureMeeting, Action: "vote"})
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, types.AuthNotAuthenticated, authErr.Code)

	g.verifier.(*StaticVerifier).Add("tok-short", types.Identity{
		UserID: "s", OrganizationID: "orgX", Permissions: []string{"*:*"}, ExpiresAt: testStart.Add(time.Minute),
	})
	mustAuth(t, g, "tok-short", "c2")
	assert.NoError(t, g.Authorize("c2", AccessRequest{Feature: types.FeatureAI, Action: "analyze"}))
	clk.Advance(2 * time.Minute)
	require.ErrorAs(t, g.Authorize("c2", AccessRequest{Feature: types.FeatureAI, Action: "analyze"}), &authErr)
	assert.Equal(t, types.AuthExpiredToken, authErr.Code)
}

func TestAuthorizeDelivery(t *testing.T) {
	g, _ := newTestGate(t, DefaultConfig())
	bob := mustAuth(t, g, "tok-bob", "c1")
	yuri := mustAuth(t, g, "tok-yuri", "c2")

	msg := &types.Message{Feature: types.FeatureMeeting, OrganizationID: "orgX"}
	assert.NoError(t, g.AuthorizeDelivery(bob, msg))
	assert.Error(t, g.AuthorizeDelivery(yuri, msg))

	msg.Public = true
	assert.NoError(t, g.AuthorizeDelivery(yuri, msg))

	noRead := &types.SecurityContext{ConnectionID: "c3", OrganizationID: "orgX", Permissions: []string{"meeting:vote"}}
	assert.Error(t, g.AuthorizeDelivery(noRead, &types.Message{Feature: types.FeatureMeeting, OrganizationID: "orgX"}))
	assert.NoError(t, g.AuthorizeDelivery(noRead, &types.Message{Feature: types.FeatureSystem, OrganizationID: "orgX"}))
}

func TestCheckRateLimit_Boundary(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Buckets = map[types.OperationClass]BucketConfig{
		types.OpMessage:   {RatePerSecond: 1, Burst: 5},
		types.OpBroadcast: {RatePerSecond: 0.5, Burst: 2},
	}
	g, clk := newTestGate(t, cfg)
	mustAuth(t, g, "tok-alice", "c1")

	for i := 0; i < 5; i++ {
		d := g.CheckRateLimit("c1", types.OpMessage, 1)
		require.True(t, d.Allowed, "request %d within the bucket must pass", i+1)
	}
	d := g.CheckRateLimit("c1", types.OpMessage, 1)
	assert.False(t, d.Allowed)
	assert.Equal(t, 1, d.RetryAfterSeconds)

	assert.True(t, g.CheckRateLimit("c1", types.OpBroadcast, 2).Allowed, "classes are independent")
	assert.True(t, g.CheckRateLimit("c2", types.OpMessage, 5).Allowed, "connections are independent")

	clk.Advance(time.Second)
	assert.True(t, g.CheckRateLimit("c1", types.OpMessage, 1).Allowed)
	assert.False(t, g.CheckRateLimit("c1", types.OpMessage, 1).Allowed)
}

func TestCheckRateLimit_WeightedExactLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Buckets = map[types.OperationClass]BucketConfig{types.OpMessage: {RatePerSecond: 2, Burst: 10}}
	g, _ := newTestGate(t, cfg)

	assert.True(t, g.CheckRateLimit("c1", types.OpMessage, 10).Allowed, "consuming exactly the limit is allowed")
	d := g.CheckRateLimit("c1", types.OpMessage, 1)
	assert.False(t, d.Allowed)
	assert.Positive(t, d.RetryAfterSeconds)

	over := g.CheckRateLimit("c9", types.OpMessage, 11)
	assert.False(t, over.Allowed, "weight above burst never passes")
	assert.Equal(t, 5, over.RetryAfterSeconds)

	err := g.Allow("c1", types.OpMessage, 1)
	var rl *types.RateLimitError
	require.ErrorAs(t, err, &rl)
	assert.Equal(t, types.OpMessage, rl.Class)
}

func TestViolations_EscalateOnce(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Violations = ViolationPolicy{Window: time.Minute, AuthThreshold: 3, RateLimitThreshold: 2, Evict: true}
	cfg.Buckets = map[types.OperationClass]BucketConfig{types.OpMessage: {RatePerSecond: 1, Burst: 1}}
	g, clk := newTestGate(t, cfg)
	mustAuth(t, g, "tok-bob", "c1")

	var mu sync.Mutex
	var got []Violation
	g.OnViolation(func(v Violation) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, v)
	})

	for i := 0; i < 5; i++ {
		_ = g.Authorize("c1", AccessRequest{Feature: types.FeatureCompliance, Action: "flag"})
	}
	require.Len(t, got, 1)
	assert.Equal(t, ViolationAuthFailure, got[0].Kind)
	assert.Equal(t, 3, got[0].Count)
	assert.True(t, got[0].Evict)

	g.CheckRateLimit("c1", types.OpMessage, 1)
	g.CheckRateLimit("c1", types.OpMessage, 1)
	g.CheckRateLimit("c1", types.OpMessage, 1)
	require.Len(t, got, 2)
	assert.Equal(t, ViolationRateLimit, got[1].Kind)

	// failures spread beyond the window never accumulate
	g.Release("c1")
	mustAuth(t, g, "tok-bob", "c1")
	for i := 0; i < 4; i++ {
		_ = g.Authorize("c1", AccessRequest{Feature: types.FeatureCompliance, Action: "flag"})
		clk.Advance(31 * time.Second)
	}
	assert.Len(t, got, 2)
}

func TestEncryptDecrypt_RoundTripPerRecipient(t *testing.T) {
	g, _ := newTestGate(t, DefaultConfig())
	sender := mustAuth(t, g, "tok-alice", "c1")
	recipients := []*types.SecurityContext{
		mustAuth(t, g, "tok-alice", "c2"),
		mustAuth(t, g, "tok-bob", "c3"),
		mustAuth(t, g, "tok-bob", "c4"),
	}

	plaintext := []byte(`{"action":"vote","meetingId":"M1","vote":"yes"}`)
	res, err := g.EncryptMessage("msg-1", plaintext, sender, recipients)
	require.NoError(t, err)
	assert.Empty(t, res.Failed)
	assert.Len(t, res.Metadata.WrappedKeys, 3)
	assert.Equal(t, "alice", res.Metadata.SenderID)
	assert.NotContains(t, string(res.Metadata.Ciphertext), "vote")

	for _, r := range recipients {
		got, err := g.DecryptMessage(res.Metadata, r)
		require.NoError(t, err, r.ConnectionID)
		assert.Equal(t, plaintext, got)

		scoped, err := g.DecryptMessage(res.Metadata.ForRecipient(r.ConnectionID), r)
		require.NoError(t, err)
		assert.Equal(t, plaintext, scoped)
	}
}

func TestEncrypt_RecipientFailureIsIsolated(t *testing.T) {
	cfg := DefaultConfig()
	cfg.GenerateKeys = false
	g, _ := newTestGate(t, cfg)

	withKey, err := age.GenerateX25519Identity()
	require.NoError(t, err)
	good, err := g.Authenticate(context.Background(), "tok-bob", "c1", types.ClientMeta{PublicKey: withKey.Recipient().String()})
	require.NoError(t, err)
	keyless := mustAuth(t, g, "tok-bob", "c2")
	assert.Empty(t, keyless.KeyRef)

	res, err := g.EncryptMessage("msg-2", []byte("minutes"), nil, []*types.SecurityContext{good, keyless})
	require.NoError(t, err)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, "c2", res.Failed[0].Recipient)
	assert.ErrorIs(t, res.Failed[0], ErrNoRecipientKey)
	assert.Contains(t, res.Metadata.WrappedKeys, "c1")

	// The client holds the identity, so the server cannot decrypt for it.
	_, err = g.DecryptMessage(res.Metadata, good)
	assert.ErrorIs(t, err, ErrNoPrivateKey)

	// The client can, using its own identity.
	contentKey, err := unwrapKey(res.Metadata.WrappedKeys["c1"], withKey)
	require.NoError(t, err)
	plain, err := openPayload("msg-2", contentKey, res.Metadata.Ciphertext)
	require.NoError(t, err)
	assert.Equal(t, []byte("minutes"), plain)
}

func TestDecrypt_DetectsTampering(t *testing.T) {
	g, _ := newTestGate(t, DefaultConfig())
	r := mustAuth(t, g, "tok-bob", "c1")
	other := mustAuth(t, g, "tok-bob", "c2")

	res, err := g.EncryptMessage("msg-3", []byte("secret"), nil, []*types.SecurityContext{r})
	require.NoError(t, err)

	tampered := *res.Metadata
	tampered.Ciphertext = append([]byte(nil), res.Metadata.Ciphertext...)
	tampered.Ciphertext[len(tampered.Ciphertext)-1] ^= 0xff
	_, err = g.DecryptMessage(&tampered, r)
	assert.ErrorIs(t, err, ErrDecryptFailed)

	rebound := *res.Metadata
	rebound.MessageID = "msg-other"
	_, err = g.DecryptMessage(&rebound, r)
	assert.ErrorIs(t, err, ErrDecryptFailed, "message id is authenticated")

	wrongDigest := *res.Metadata
	wrongDigest.Digest = "00"
	_, err = g.DecryptMessage(&wrongDigest, r)
	assert.ErrorIs(t, err, ErrDigestMismatch)

	_, err = g.DecryptMessage(res.Metadata, other)
	var encErr *types.EncryptionError
	require.ErrorAs(t, err, &encErr)
	assert.Equal(t, "c2", encErr.Recipient)
}

func TestHTTPVerifier(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var req map[string]string
		_ = json.Unmarshal(body, &req)
		switch req["token"] {
		case "good":
			_ = json.NewEncoder(w).Encode(types.Identity{UserID: "u1", OrganizationID: "o1", Permissions: []string{"*:*"}})
		case "broken":
			w.WriteHeader(http.StatusBadGateway)
		default:
			w.WriteHeader(http.StatusUnauthorized)
		}
	}))
	defer srv.Close()

	v := NewHTTPVerifier(srv.URL, time.Second)
	id, err := v.VerifyToken(context.Background(), "good")
	require.NoError(t, err)
	assert.Equal(t, "u1", id.UserID)

	_, err = v.VerifyToken(context.Background(), "bad")
	assert.ErrorIs(t, err, interfaces.ErrInvalidToken)

	_, err = v.VerifyToken(context.Background(), "broken")
	assert.Error(t, err)
	assert.False(t, errors.Is(err, interfaces.ErrInvalidToken))
}
