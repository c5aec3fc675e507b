package websocket

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/xid"
	"github.com/rs/zerolog"

	"boardsync/internal/codec"
	"boardsync/pkg/interfaces"
	"boardsync/pkg/types"
)

// Config configures the websocket transport.
type Config struct {
	Path             string        `mapstructure:"path" json:"path"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout" json:"handshake_timeout"`
	PingInterval     time.Duration `mapstructure:"ping_interval" json:"ping_interval"`
	ReadTimeout      time.Duration `mapstructure:"read_timeout" json:"read_timeout"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout" json:"write_timeout"`
	SendBuffer       int           `mapstructure:"send_buffer" json:"send_buffer"`
	MaxFrameBytes    int64         `mapstructure:"max_frame_bytes" json:"max_frame_bytes"`
	// AllowedOrigins restricts the Origin header; empty allows any origin.
	AllowedOrigins []string `mapstructure:"allowed_origins" json:"allowed_origins"`
}

// DefaultConfig returns the transport defaults.
// TECHNICAL DISCOVERY: 60-second read deadline with 30-second ping interval
// keeps idle but healthy sockets open through most proxies.
func DefaultConfig() Config {
	return Config{
		Path:             "/ws",
		HandshakeTimeout: 10 * time.Second,
		PingInterval:     30 * time.Second,
		ReadTimeout:      60 * time.Second,
		WriteTimeout:     5 * time.Second,
		SendBuffer:       100,
		MaxFrameBytes:    codec.DefaultMaxFrameBytes,
	}
}

// Validate checks the transport settings.
func (c Config) Validate() error {
	if c.HandshakeTimeout <= 0 || c.PingInterval <= 0 || c.ReadTimeout <= 0 || c.WriteTimeout <= 0 {
		return errors.New("websocket timeouts must be positive")
	}
	if c.PingInterval >= c.ReadTimeout {
		return errors.New("websocket ping_interval must be shorter than read_timeout")
	}
	if c.SendBuffer < 1 || c.MaxFrameBytes < 1 {
		return errors.New("websocket send_buffer and max_frame_bytes must be positive")
	}
	return nil
}

// Authenticator binds security contexts to connections.
type Authenticator interface {
	Authenticate(ctx context.Context, token, connectionID string, meta types.ClientMeta) (*types.SecurityContext, error)
	Refresh(ctx context.Context, token, connectionID string, meta types.ClientMeta) (*types.SecurityContext, error)
	Release(connectionID string)
}

// Coordinator is the part of the coordinator the transport drives.
type Coordinator interface {
	RegisterConnection(peer interfaces.Peer, sc *types.SecurityContext) error
	UnregisterConnection(connectionID string) error
	HandleInbound(ctx context.Context, connectionID string, env *types.InboundEnvelope) error
	Rebind(connectionID string, sc *types.SecurityContext) error
	Touch(connectionID string)
}

// Stats counts handshake outcomes.
type Stats struct {
	Accepted         uint64 `json:"accepted"`
	Rejected         uint64 `json:"rejected"`
	HandshakeTimeout uint64 `json:"handshakeTimeout"`
	Malformed        uint64 `json:"malformed"`
	Open             int64  `json:"open"`
}

// Handler upgrades HTTP requests and runs one read pump per connection.
// ARCHITECTURAL DISCOVERY: Clean separation of WebSocket handling from business logic.
// The handler only authenticates, decodes and forwards; every decision about
// a frame belongs to the coordinator.
type Handler struct {
	cfg      Config
	auth     Authenticator
	coord    Coordinator
	log      zerolog.Logger
	upgrader websocket.Upgrader

	wg               sync.WaitGroup
	accepted         atomic.Uint64
	rejected         atomic.Uint64
	handshakeTimeout atomic.Uint64
	malformed        atomic.Uint64
	open             atomic.Int64
}

// NewHandler creates a websocket handler.
func NewHandler(cfg Config, auth Authenticator, coord Coordinator, log zerolog.Logger) *Handler {
	h := &Handler{
		cfg:   cfg,
		auth:  auth,
		coord: coord,
		log:   log.With().Str("component", "websocket").Logger(),
	}
	h.upgrader = websocket.Upgrader{
		HandshakeTimeout: cfg.HandshakeTimeout,
		Subprotocols:     codec.Subprotocols(),
		CheckOrigin:      h.checkOrigin,
	}
	return h
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.cfg.AllowedOrigins {
		if strings.EqualFold(origin, allowed) {
			return true
		}
	}
	return false
}

// Stats returns handshake counters.
func (h *Handler) Stats() Stats {
	return Stats{
		Accepted:         h.accepted.Load(),
		Rejected:         h.rejected.Load(),
		HandshakeTimeout: h.handshakeTimeout.Load(),
		Malformed:        h.malformed.Load(),
		Open:             h.open.Load(),
	}
}

// Wait blocks until every read pump has exited.
func (h *Handler) Wait() { h.wg.Wait() }

// ServeHTTP upgrades the request and serves the connection until it closes.
// The token may arrive as a bearer header, a token query parameter, or in
// the first frame within the handshake timeout.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	meta := types.ClientMeta{
		RemoteAddr: r.RemoteAddr,
		UserAgent:  r.UserAgent(),
		PublicKey:  r.URL.Query().Get("publicKey"),
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug().Err(err).Str("remote_addr", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}
	conn.SetReadLimit(h.cfg.MaxFrameBytes)

	c := codec.ForSubprotocol(conn.Subprotocol())
	meta.Capabilities = types.Capabilities{Codec: c.Name(), Encryption: meta.PublicKey != "", Resume: true}
	wc := NewConnection(xid.New().String(), conn, c, h.cfg.SendBuffer, h.cfg.WriteTimeout, h.log)

	h.wg.Add(1)
	defer h.wg.Done()

	var first *types.InboundEnvelope
	if token == "" {
		first, err = h.awaitToken(wc)
		if err != nil {
			if errors.Is(err, ErrHandshakeTimeout) {
				h.handshakeTimeout.Add(1)
				h.reject(wc, types.CloseHandshakeTimeout, "handshake_timeout")
				return
			}
			h.reject(wc, types.CloseUnauthorized, closeReason(err))
			return
		}
		token = first.AuthToken
	}

	sc, err := h.auth.Authenticate(wc.ctx, token, wc.ID(), meta)
	if err != nil {
		h.reject(wc, types.CloseUnauthorized, closeReason(err))
		return
	}
	if err := h.coord.RegisterConnection(wc, sc); err != nil {
		h.auth.Release(wc.ID())
		h.log.Error().Err(err).Str("connection_id", wc.ID()).Msg("failed to register connection")
		h.reject(wc, websocket.CloseInternalServerErr, "registration failed")
		return
	}
	h.accepted.Add(1)
	h.open.Add(1)
	defer h.open.Add(-1)

	defer func() {
		if err := h.coord.UnregisterConnection(wc.ID()); err != nil {
			// Already evicted by the coordinator.
			h.log.Debug().Err(err).Str("connection_id", wc.ID()).Msg("connection already unregistered")
		}
		_ = wc.Close(types.CloseNormal, "")
	}()

	if first != nil && first.FeatureType != "" {
		h.forward(wc, first)
	}
	h.readPump(wc, meta)
}

// awaitToken reads the first frame, which must carry an auth token.
func (h *Handler) awaitToken(wc *Connection) (*types.InboundEnvelope, error) {
	if err := wc.conn.SetReadDeadline(time.Now().Add(h.cfg.HandshakeTimeout)); err != nil {
		return nil, err
	}
	_, data, err := wc.conn.ReadMessage()
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return nil, ErrHandshakeTimeout
		}
		return nil, err
	}
	env, err := wc.codec.DecodeInbound(data)
	if err != nil {
		h.malformed.Add(1)
		return nil, err
	}
	if env.AuthToken == "" {
		return nil, ErrMissingToken
	}
	return env, nil
}

func (h *Handler) reject(wc *Connection, code int, reason string) {
	h.rejected.Add(1)
	h.log.Info().Str("connection_id", wc.ID()).Int("code", code).Str("reason", reason).Msg("connection rejected")
	_ = wc.Close(code, reason)
}

// readPump forwards frames to the coordinator until the socket fails.
// ARCHITECTURAL DISCOVERY: Single goroutine per connection handles reading;
// pings run beside it and stop with the connection.
func (h *Handler) readPump(wc *Connection, meta types.ClientMeta) {
	conn := wc.conn
	if err := conn.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout)); err != nil {
		return
	}
	conn.SetPongHandler(func(string) error {
		h.coord.Touch(wc.ID())
		return conn.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout))
	})
	go h.pingLoop(wc)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.log.Debug().Err(err).Str("connection_id", wc.ID()).Msg("websocket read error")
			}
			return
		}
		if err := conn.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout)); err != nil {
			return
		}

		env, err := wc.codec.DecodeInbound(data)
		if err != nil {
			h.malformed.Add(1)
			h.rejectFrame(wc, err)
			continue
		}
		if env.AuthToken != "" {
			// Token refresh: the identity must stay the same.
			sc, err := h.auth.Refresh(wc.ctx, env.AuthToken, wc.ID(), meta)
			if err == nil {
				err = h.coord.Rebind(wc.ID(), sc)
			}
			if err != nil {
				h.log.Info().Err(err).Str("connection_id", wc.ID()).Msg("re-authentication failed")
				_ = wc.Close(types.CloseUnauthorized, closeReason(err))
				return
			}
			if env.FeatureType == "" {
				continue
			}
		}
		h.forward(wc, env)
	}
}

func (h *Handler) forward(wc *Connection, env *types.InboundEnvelope) {
	if err := h.coord.HandleInbound(wc.ctx, wc.ID(), env); err != nil {
		h.log.Debug().Err(err).Str("connection_id", wc.ID()).Str("message_id", env.MessageID).Msg("inbound frame rejected")
	}
}

func (h *Handler) pingLoop(wc *Connection) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := wc.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.cfg.WriteTimeout)); err != nil {
				return
			}
		case <-wc.Done():
			return
		}
	}
}

// rejectFrame answers an undecodable frame; the coordinator never sees it.
func (h *Handler) rejectFrame(wc *Connection, err error) {
	code, _ := types.ErrorCode(err)
	if code == types.CodeInternal {
		code = types.CodeInvalidMessage
	}
	env := &types.OutboundEnvelope{
		MessageID:   xid.New().String(),
		FeatureType: types.FeatureSystem,
		Priority:    types.PriorityHigh,
		Timestamp:   time.Now(),
		Payload: &types.SystemPayload{
			Event:   types.SystemEventMessageError,
			Code:    code,
			Message: err.Error(),
		},
	}
	ctx, cancel := context.WithTimeout(wc.ctx, h.cfg.WriteTimeout)
	defer cancel()
	if serr := wc.Send(ctx, env, false); serr != nil {
		h.log.Debug().Err(serr).Str("connection_id", wc.ID()).Msg("error frame not sent")
	}
}

func bearerToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if t, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return strings.TrimSpace(t)
		}
	}
	return r.URL.Query().Get("token")
}

// closeReason renders an auth failure as a short close reason. Close frames
// cap the reason at 123 bytes.
func closeReason(err error) string {
	var authErr *types.AuthError
	if errors.As(err, &authErr) {
		return authErr.Code
	}
	reason := err.Error()
	if len(reason) > 120 {
		reason = reason[:120]
	}
	return reason
}
