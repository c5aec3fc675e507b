package types

import (
	"slices"
	"strings"
	"time"
)

// ConnectionStatus is the lifecycle state of one transport session.
type ConnectionStatus string

const (
	StatusConnecting    ConnectionStatus = "connecting"
	StatusAuthenticated ConnectionStatus = "authenticated"
	StatusActive        ConnectionStatus = "active"
	StatusDegraded      ConnectionStatus = "degraded"
	StatusClosed        ConnectionStatus = "closed"
)

// ARCHITECTURAL DISCOVERY: Allowed transitions form
// connecting -> authenticated -> active <-> degraded -> closed; every
// state may move to closed.
var statusTransitions = map[ConnectionStatus][]ConnectionStatus{
	StatusConnecting:    {StatusAuthenticated, StatusClosed},
	StatusAuthenticated: {StatusActive, StatusClosed},
	StatusActive:        {StatusDegraded, StatusClosed},
	StatusDegraded:      {StatusActive, StatusClosed},
}

// CanTransition reports whether a connection may move from s to next.
func (s ConnectionStatus) CanTransition(next ConnectionStatus) bool {
	return slices.Contains(statusTransitions[s], next)
}

// Capabilities are negotiated at handshake time.
type Capabilities struct {
	Codec      string `json:"codec"`
	Encryption bool   `json:"encryption"`
	Resume     bool   `json:"resume"`
}

// ClientMeta is what the client presents alongside its token.
type ClientMeta struct {
	RemoteAddr string
	UserAgent  string
	// PublicKey is an optional age X25519 recipient (age1...) the client wants
	// encrypted payloads wrapped to.
	PublicKey    string
	Capabilities Capabilities
}

// Identity is what the external token verifier returns.
type Identity struct {
	UserID         string    `json:"userId"`
	OrganizationID string    `json:"organizationId"`
	Roles          []string  `json:"roles,omitempty"`
	Permissions    []string  `json:"permissions"`
	ExpiresAt      time.Time `json:"expiresAt,omitempty"`
}

// SecurityContext is the authorization envelope bound to a connection after
// authentication. It is never mutated; re-authentication replaces it.
type SecurityContext struct {
	ConnectionID   string
	UserID         string
	OrganizationID string
	Roles          []string
	Permissions    []string
	// KeyRef names the keyring entry used to wrap content keys for this
	// connection.
	KeyRef    string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// HasRole reports whether the context carries role.
func (s *SecurityContext) HasRole(role string) bool {
	return s != nil && slices.Contains(s.Roles, role)
}

// Permits reports whether the context grants action on feature. Grants take
// the form "<feature>:<action>", "<feature>:*", "*:*", or the role "admin".
func (s *SecurityContext) Permits(feature FeatureType, action string) bool {
	if s == nil {
		return false
	}
	if s.HasRole("admin") {
		return true
	}
	for _, p := range s.Permissions {
		scope, act, ok := strings.Cut(p, ":")
		if !ok {
			continue
		}
		if scope != "*" && scope != string(feature) {
			continue
		}
		if act == "*" || act == action {
			return true
		}
	}
	return false
}

// Expired reports whether the context has an expiry that is not after now.
func (s *SecurityContext) Expired(now time.Time) bool {
	return s != nil && !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// SecurityMetadata is the encryption proof carried by an encrypted message.
// The content key is wrapped once per recipient; Ciphertext is shared.
type SecurityMetadata struct {
	Algorithm string `json:"alg" cbor:"alg"`
	SenderID  string `json:"senderId" cbor:"senderId"`
	// MessageID is bound into the ciphertext as associated data.
	MessageID string `json:"messageId" cbor:"messageId"`
	// Digest is the hex BLAKE3 hash of the plaintext payload.
	Digest      string            `json:"digest" cbor:"digest"`
	Ciphertext  []byte            `json:"ciphertext" cbor:"ciphertext"`
	WrappedKeys map[string][]byte `json:"wrappedKeys" cbor:"wrappedKeys"`
}

// ForRecipient returns a copy holding only the wrapped key for recipient.
func (m *SecurityMetadata) ForRecipient(recipient string) *SecurityMetadata {
	if m == nil {
		return nil
	}
	out := *m
	out.WrappedKeys = map[string][]byte{}
	if k, ok := m.WrappedKeys[recipient]; ok {
		out.WrappedKeys[recipient] = k
	}
	return &out
}

// BreakerState is the state of a per-destination circuit breaker.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half-open"
)

// CircuitBreakerState is the externally visible snapshot of one breaker.
type CircuitBreakerState struct {
	Destination  string       `json:"destination"`
	State        BreakerState `json:"state"`
	Failures     int          `json:"failures"`
	LastFailure  time.Time    `json:"lastFailure,omitempty"`
	OpenedAt     time.Time    `json:"openedAt,omitempty"`
	ForcedReason string       `json:"forcedReason,omitempty"`
}

// Transport close codes. 1000-range codes are standard websocket codes; the
// 4000 range is application defined.
const (
	CloseNormal           = 1000
	CloseGoingAway        = 1001
	CloseIdleTimeout      = 4000
	CloseUnauthorized     = 4401
	CloseEvicted          = 4403
	CloseHandshakeTimeout = 4408
	CloseDegradedTimeout  = 4503
)
