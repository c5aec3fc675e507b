// Package security implements the Security Gate: authentication of new
// connections, per-action authorization, per-connection token buckets and
// per-recipient payload encryption.
package security

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"boardsync/internal/clock"
	"boardsync/pkg/interfaces"
	"boardsync/pkg/types"
)

// Config configures the gate.
type Config struct {
	Buckets    map[types.OperationClass]BucketConfig `mapstructure:"buckets" json:"buckets"`
	Violations ViolationPolicy                       `mapstructure:"violations" json:"violations"`
	// GenerateKeys gives connections without a client public key a
	// server-held keypair so encrypted messages can still be addressed to them.
	GenerateKeys bool `mapstructure:"generate_keys" json:"generate_keys"`
}

func DefaultConfig() Config {
	return Config{
		Buckets:      DefaultBuckets(),
		Violations:   DefaultViolationPolicy(),
		GenerateKeys: true,
	}
}

// AccessRequest describes one action a connection wants to take.
type AccessRequest struct {
	Feature  types.FeatureType
	Action   string
	Resource string
	// TargetOrganization is the organization the action reaches into; empty
	// means the caller's own organization.
	TargetOrganization string
	Public             bool
}

// Gate is the Security Gate.
// ARCHITECTURAL DISCOVERY: The gate owns the connection -> SecurityContext
// binding. Contexts are replaced wholesale on re-authentication and never
// mutated, so readers can hold a pointer without locking.
type Gate struct {
	verifier   interfaces.TokenVerifier
	keyring    *Keyring
	limiter    *RateLimiter
	violations *violationTracker
	policy     ViolationPolicy
	clock      clock.Clock
	log        zerolog.Logger
	secLog     zerolog.Logger

	generateKeys bool

	mu          sync.RWMutex
	contexts    map[string]*types.SecurityContext
	onViolation func(Violation)
}

// NewGate wires a gate. secLog receives security violations only.
func NewGate(cfg Config, verifier interfaces.TokenVerifier, clk clock.Clock, log, secLog zerolog.Logger) *Gate {
	clk = clock.OrReal(clk)
	return &Gate{
		verifier:     verifier,
		keyring:      NewKeyring(),
		limiter:      NewRateLimiter(cfg.Buckets, clk),
		violations:   newViolationTracker(cfg.Violations),
		policy:       cfg.Violations,
		clock:        clk,
		log:          log.With().Str("component", "security").Logger(),
		secLog:       secLog,
		generateKeys: cfg.GenerateKeys,
		contexts:     make(map[string]*types.SecurityContext),
	}
}

// OnViolation installs the escalation hook, typically forced eviction.
func (g *Gate) OnViolation(fn func(Violation)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onViolation = fn
}

// Keyring exposes the key store for client key rotation and tests.
func (g *Gate) Keyring() *Keyring { return g.keyring }

// Authenticate validates token and binds a fresh SecurityContext to
// connectionID. On error nothing is bound and the caller must close the
// connection.
func (g *Gate) Authenticate(ctx context.Context, token, connectionID string, meta types.ClientMeta) (*types.SecurityContext, error) {
	id, now, err := g.verify(ctx, token, connectionID, meta)
	if err != nil {
		return nil, err
	}

	keyRef := ""
	switch {
	case meta.PublicKey != "":
		if err := g.keyring.AddPublicKey(connectionID, meta.PublicKey); err != nil {
			return nil, g.authFailed(connectionID, meta, &types.AuthError{Code: types.AuthInvalidToken, Reason: "invalid encryption key", Err: err})
		}
		keyRef = connectionID
	case g.generateKeys:
		if _, err := g.keyring.Generate(connectionID); err != nil {
			return nil, fmt.Errorf("provision connection key: %w", err)
		}
		keyRef = connectionID
	}

	sc := newContext(connectionID, id, keyRef, now)
	g.mu.Lock()
	g.contexts[connectionID] = sc
	g.mu.Unlock()

	g.log.Info().
		Str("connection_id", connectionID).
		Str("user_id", sc.UserID).
		Str("organization_id", sc.OrganizationID).
		Msg("connection authenticated")
	return sc, nil
}

// Refresh replaces the context of an authenticated connection from a new
// token. The token must name the same user and organization, and the
// connection keeps its key so in-flight encrypted envelopes stay readable.
// On failure the bound context is left untouched.
func (g *Gate) Refresh(ctx context.Context, token, connectionID string, meta types.ClientMeta) (*types.SecurityContext, error) {
	bound, ok := g.Context(connectionID)
	if !ok {
		return nil, g.authFailed(connectionID, meta, &types.AuthError{Code: types.AuthNotAuthenticated, Reason: "connection not authenticated"})
	}
	id, now, err := g.verify(ctx, token, connectionID, meta)
	if err != nil {
		return nil, err
	}
	if id.UserID != bound.UserID || id.OrganizationID != bound.OrganizationID {
		return nil, g.authFailed(connectionID, meta, &types.AuthError{Code: types.AuthForbidden, Reason: "identity changed on refresh"})
	}

	sc := newContext(connectionID, id, bound.KeyRef, now)
	g.mu.Lock()
	if _, still := g.contexts[connectionID]; !still {
		g.mu.Unlock()
		return nil, &types.AuthError{Code: types.AuthNotAuthenticated, Reason: "connection released"}
	}
	g.contexts[connectionID] = sc
	g.mu.Unlock()

	g.log.Debug().Str("connection_id", connectionID).Time("expires_at", sc.ExpiresAt).Msg("connection token refreshed")
	return sc, nil
}

// verify checks token and returns the identity it names.
func (g *Gate) verify(ctx context.Context, token, connectionID string, meta types.ClientMeta) (*types.Identity, time.Time, error) {
	if g.verifier == nil {
		return nil, time.Time{}, &types.AuthError{Code: types.AuthInvalidToken, Reason: "authentication unavailable", Err: ErrVerifierMissing}
	}
	if token == "" {
		return nil, time.Time{}, g.authFailed(connectionID, meta, &types.AuthError{Code: types.AuthInvalidToken, Reason: "missing token"})
	}

	id, err := g.verifier.VerifyToken(ctx, token)
	if err != nil {
		code := types.AuthInvalidToken
		if errors.Is(err, interfaces.ErrExpiredToken) {
			code = types.AuthExpiredToken
		}
		return nil, time.Time{}, g.authFailed(connectionID, meta, &types.AuthError{Code: code, Reason: "token rejected", Err: err})
	}

	now := g.clock.Now()
	if !id.ExpiresAt.IsZero() && !now.Before(id.ExpiresAt) {
		return nil, time.Time{}, g.authFailed(connectionID, meta, &types.AuthError{Code: types.AuthExpiredToken, Reason: "token expired"})
	}
	if !types.IsValidID(id.UserID) || !types.IsValidID(id.OrganizationID) {
		return nil, time.Time{}, g.authFailed(connectionID, meta, &types.AuthError{Code: types.AuthInvalidToken, Reason: "identity incomplete"})
	}
	return id, now, nil
}

func newContext(connectionID string, id *types.Identity, keyRef string, now time.Time) *types.SecurityContext {
	return &types.SecurityContext{
		ConnectionID:   connectionID,
		UserID:         id.UserID,
		OrganizationID: id.OrganizationID,
		Roles:          append([]string(nil), id.Roles...),
		Permissions:    append([]string(nil), id.Permissions...),
		KeyRef:         keyRef,
		IssuedAt:       now,
		ExpiresAt:      id.ExpiresAt,
	}
}

func (g *Gate) authFailed(connectionID string, meta types.ClientMeta, err *types.AuthError) error {
	g.secLog.Warn().
		Str("connection_id", connectionID).
		Str("remote_addr", meta.RemoteAddr).
		Str("code", err.Code).
		Err(err).
		Msg("authentication failed")
	return err
}

// Context returns the SecurityContext bound to connectionID.
func (g *Gate) Context(connectionID string) (*types.SecurityContext, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	sc, ok := g.contexts[connectionID]
	return sc, ok
}

// Release forgets everything held for connectionID.
func (g *Gate) Release(connectionID string) {
	g.mu.Lock()
	delete(g.contexts, connectionID)
	g.mu.Unlock()
	g.limiter.Release(connectionID)
	g.violations.forget(connectionID)
	g.keyring.Remove(connectionID)
}

// Authorize checks req against the context bound to connectionID. A nil
// error means the action may proceed; failures are *types.AuthError and are
// never retried.
func (g *Gate) Authorize(connectionID string, req AccessRequest) error {
	sc, ok := g.Context(connectionID)
	if !ok {
		return &types.AuthError{Code: types.AuthNotAuthenticated, Reason: "connection not authenticated", Err: ErrNotBound}
	}
	if err := g.check(sc, req); err != nil {
		g.recordViolation(sc, ViolationAuthFailure, err.Error())
		return err
	}
	return nil
}

func (g *Gate) check(sc *types.SecurityContext, req AccessRequest) *types.AuthError {
	if sc.Expired(g.clock.Now()) {
		return &types.AuthError{Code: types.AuthExpiredToken, Reason: "security context expired"}
	}
	// TECHNICAL DISCOVERY: Organization isolation is checked before
	// permissions, and no role bypasses it; only public resources cross.
	if req.TargetOrganization != "" && req.TargetOrganization != sc.OrganizationID && !req.Public {
		return &types.AuthError{
			Code:   types.AuthCrossOrganization,
			Reason: fmt.Sprintf("organization %s may not reach %s", sc.OrganizationID, req.TargetOrganization),
		}
	}
	if req.Feature == types.FeatureSystem && isControlAction(req.Action) {
		return nil
	}
	if !sc.Permits(req.Feature, req.Action) {
		return &types.AuthError{
			Code:   types.AuthForbidden,
			Reason: fmt.Sprintf("missing permission %s:%s", req.Feature, req.Action),
		}
	}
	return nil
}

func isControlAction(action string) bool {
	switch action {
	case types.SystemEventSubscribe, types.SystemEventUnsubscribe, types.SystemEventResume, types.SystemEventPing:
		return true
	default:
		return false
	}
}

// AuthorizeDelivery re-checks a message against one recipient: same
// organization (or a public message) and read access to the feature.
func (g *Gate) AuthorizeDelivery(recipient *types.SecurityContext, msg *types.Message) error {
	if recipient == nil {
		return &types.AuthError{Code: types.AuthNotAuthenticated, Reason: "recipient not authenticated"}
	}
	if recipient.Expired(g.clock.Now()) {
		return &types.AuthError{Code: types.AuthExpiredToken, Reason: "recipient context expired"}
	}
	if msg.OrganizationID != recipient.OrganizationID && !msg.Public {
		return &types.AuthError{Code: types.AuthCrossOrganization, Reason: "message belongs to another organization"}
	}
	if msg.Feature == types.FeatureSystem {
		return nil
	}
	if !recipient.Permits(msg.Feature, "read") {
		return &types.AuthError{Code: types.AuthForbidden, Reason: fmt.Sprintf("missing permission %s:read", msg.Feature)}
	}
	return nil
}

// CheckRateLimit consumes weight tokens from the connection's bucket for
// class. Rejections feed the violation tracker.
func (g *Gate) CheckRateLimit(connectionID string, class types.OperationClass, weight int) Decision {
	d := g.limiter.Check(connectionID, class, weight)
	if !d.Allowed {
		if sc, ok := g.Context(connectionID); ok {
			g.recordViolation(sc, ViolationRateLimit, fmt.Sprintf("%s bucket exhausted", class))
		}
	}
	return d
}

// Allow is CheckRateLimit in error form.
func (g *Gate) Allow(connectionID string, class types.OperationClass, weight int) error {
	d := g.CheckRateLimit(connectionID, class, weight)
	if d.Allowed {
		return nil
	}
	return &types.RateLimitError{Class: class, RetryAfter: d.RetryAfter}
}

func (g *Gate) recordViolation(sc *types.SecurityContext, kind ViolationKind, reason string) {
	count, tripped := g.violations.record(sc.ConnectionID, kind, g.clock.Now())
	if !tripped {
		return
	}
	v := Violation{
		ConnectionID: sc.ConnectionID,
		UserID:       sc.UserID,
		Kind:         kind,
		Count:        count,
		Reason:       reason,
		Evict:        g.policy.Evict,
	}
	g.secLog.Warn().
		Str("connection_id", v.ConnectionID).
		Str("user_id", v.UserID).
		Str("organization_id", sc.OrganizationID).
		Str("kind", string(kind)).
		Int("count", count).
		Bool("evict", v.Evict).
		Msg(reason)

	g.mu.RLock()
	hook := g.onViolation
	g.mu.RUnlock()
	if hook != nil {
		hook(v)
	}
}

// EncryptMessage seals plaintext once and wraps the content key separately
// for every recipient. A recipient without a usable key is reported in
// Failed and does not affect the others.
func (g *Gate) EncryptMessage(messageID string, plaintext []byte, sender *types.SecurityContext, recipients []*types.SecurityContext) (*EncryptResult, error) {
	contentKey, blob, err := sealPayload(messageID, plaintext)
	if err != nil {
		return nil, err
	}
	md := &types.SecurityMetadata{
		Algorithm:   Algorithm,
		MessageID:   messageID,
		Digest:      digest(plaintext),
		Ciphertext:  blob,
		WrappedKeys: make(map[string][]byte, len(recipients)),
	}
	if sender != nil {
		md.SenderID = sender.UserID
	}

	res := &EncryptResult{Metadata: md}
	for _, r := range recipients {
		if r == nil {
			continue
		}
		wrapped, err := g.wrapFor(r, contentKey)
		if err != nil {
			res.Failed = append(res.Failed, &types.EncryptionError{Recipient: r.ConnectionID, Err: err})
			continue
		}
		md.WrappedKeys[r.ConnectionID] = wrapped
	}
	return res, nil
}

func (g *Gate) wrapFor(r *types.SecurityContext, contentKey []byte) ([]byte, error) {
	if r.KeyRef == "" {
		return nil, ErrNoRecipientKey
	}
	recipient, err := g.keyring.recipient(r.KeyRef)
	if err != nil {
		return nil, err
	}
	return wrapKey(contentKey, recipient)
}

// DecryptMessage recovers the plaintext for one recipient using a
// server-held identity and verifies the digest.
func (g *Gate) DecryptMessage(md *types.SecurityMetadata, recipient *types.SecurityContext) ([]byte, error) {
	if md == nil || recipient == nil {
		return nil, &types.EncryptionError{Err: ErrDecryptFailed}
	}
	fail := func(err error) error {
		return &types.EncryptionError{Recipient: recipient.ConnectionID, Err: err}
	}
	wrapped, ok := md.WrappedKeys[recipient.ConnectionID]
	if !ok {
		return nil, fail(ErrNoRecipientKey)
	}
	identity, err := g.keyring.identity(recipient.KeyRef)
	if err != nil {
		return nil, fail(err)
	}
	contentKey, err := unwrapKey(wrapped, identity)
	if err != nil {
		return nil, fail(err)
	}
	plaintext, err := openPayload(md.MessageID, contentKey, md.Ciphertext)
	if err != nil {
		return nil, fail(err)
	}
	if digest(plaintext) != md.Digest {
		return nil, fail(ErrDigestMismatch)
	}
	return plaintext, nil
}
