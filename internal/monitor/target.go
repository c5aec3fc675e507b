package monitor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/xid"

	"boardsync/internal/codec"
	"boardsync/internal/coordinator"
	"boardsync/internal/security"
	"boardsync/pkg/types"
)

// InProcessTarget drives a coordinator directly, without a transport.
type InProcessTarget struct {
	Gate        *security.Gate
	Coordinator *coordinator.Coordinator
	// Token returns the bearer token for client index i.
	Token func(i int) string
}

func (t *InProcessTarget) Open(ctx context.Context, index int, onReceive func(*types.OutboundEnvelope)) (LoadClient, error) {
	id := "load-" + xid.New().String()
	sc, err := t.Gate.Authenticate(ctx, t.Token(index), id, types.ClientMeta{UserAgent: "boardsync-loadtest"})
	if err != nil {
		return nil, err
	}
	p := &loopbackPeer{id: id, onReceive: onReceive, done: make(chan struct{})}
	if err := t.Coordinator.RegisterConnection(p, sc); err != nil {
		t.Gate.Release(id)
		return nil, err
	}
	return &inProcessClient{peer: p, target: t}, nil
}

// loopbackPeer hands every outbound envelope straight to the load run.
type loopbackPeer struct {
	id        string
	onReceive func(*types.OutboundEnvelope)
	once      sync.Once
	done      chan struct{}
}

func (p *loopbackPeer) ID() string { return p.id }

func (p *loopbackPeer) Send(_ context.Context, env *types.OutboundEnvelope, _ bool) error {
	select {
	case <-p.done:
		return errors.New("loopback peer closed")
	default:
	}
	if p.onReceive != nil {
		p.onReceive(env)
	}
	return nil
}

func (p *loopbackPeer) Close(int, string) error {
	p.once.Do(func() { close(p.done) })
	return nil
}

type inProcessClient struct {
	peer   *loopbackPeer
	target *InProcessTarget
	once   sync.Once
}

func (c *inProcessClient) ID() string { return c.peer.id }

func (c *inProcessClient) Send(ctx context.Context, env *types.InboundEnvelope) error {
	return c.target.Coordinator.HandleInbound(ctx, c.peer.id, env)
}

func (c *inProcessClient) Close() error {
	c.once.Do(func() {
		_ = c.target.Coordinator.UnregisterConnection(c.peer.id)
		c.target.Gate.Release(c.peer.id)
		_ = c.peer.Close(types.CloseNormal, "")
	})
	return nil
}

// WebSocketTarget dials a running server.
type WebSocketTarget struct {
	// URL is the websocket endpoint, e.g. ws://localhost:8080/ws.
	URL string
	// Token returns the bearer token for client index i.
	Token func(i int) string
	// Codec selects the negotiated subprotocol; JSON when nil.
	Codec            codec.Codec
	HandshakeTimeout time.Duration
}

func (t *WebSocketTarget) Open(ctx context.Context, index int, onReceive func(*types.OutboundEnvelope)) (LoadClient, error) {
	c := t.Codec
	if c == nil {
		c = codec.JSON
	}
	u, err := url.Parse(t.URL)
	if err != nil {
		return nil, fmt.Errorf("parse target url: %w", err)
	}
	q := u.Query()
	q.Set("token", t.Token(index))
	u.RawQuery = q.Encode()

	timeout := t.HandshakeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	dialer := websocket.Dialer{
		HandshakeTimeout: timeout,
		Subprotocols:     []string{c.Name()},
	}
	conn, _, err := dialer.DialContext(ctx, u.String(), http.Header{"User-Agent": []string{"boardsync-loadtest"}})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", t.URL, err)
	}

	wc := &wsClient{conn: conn, codec: c, onReceive: onReceive, ready: make(chan string, 1), done: make(chan struct{})}
	go wc.readLoop()

	select {
	case id := <-wc.ready:
		wc.id = id
		return wc, nil
	case <-wc.done:
		return nil, fmt.Errorf("connection closed before ready: %w", wc.readErr)
	case <-time.After(timeout):
		_ = wc.Close()
		return nil, errors.New("no connection_ready frame before the handshake deadline")
	case <-ctx.Done():
		_ = wc.Close()
		return nil, ctx.Err()
	}
}

type wsClient struct {
	id        string
	conn      *websocket.Conn
	codec     codec.Codec
	onReceive func(*types.OutboundEnvelope)

	writeMu sync.Mutex
	ready   chan string
	done    chan struct{}
	readErr error
	once    sync.Once
}

func (c *wsClient) ID() string { return c.id }

func (c *wsClient) readLoop() {
	defer close(c.done)
	announced := false
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.readErr = err
			return
		}
		env, err := c.codec.DecodeOutbound(data)
		if err != nil {
			continue
		}
		if sp, ok := env.Payload.(*types.SystemPayload); ok && !announced && sp.Event == types.SystemEventConnectionReady {
			announced = true
			c.ready <- sp.ConnectionID
			continue
		}
		if c.onReceive != nil {
			c.onReceive(env)
		}
	}
}

func (c *wsClient) Send(ctx context.Context, env *types.InboundEnvelope) error {
	data, err := c.codec.EncodeInbound(env)
	if err != nil {
		return err
	}
	kind := websocket.TextMessage
	if c.codec.Binary() {
		kind = websocket.BinaryMessage
	}
	deadline := time.Now().Add(5 * time.Second)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.conn.WriteMessage(kind, data)
}

func (c *wsClient) Close() error {
	var err error
	c.once.Do(func() {
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "load test finished"),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}
