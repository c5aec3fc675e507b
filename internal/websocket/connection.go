package websocket

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"boardsync/internal/codec"
	"boardsync/pkg/types"
)

// frame is one encoded envelope waiting for the writer. done is set for
// acknowledged sends and receives the write result.
type frame struct {
	data   []byte
	binary bool
	done   chan error
}

// Connection implements interfaces.Peer over one gorilla connection.
// ARCHITECTURAL DISCOVERY: WebSocket writes must be serialized to prevent race conditions.
// Critical frames travel on their own lane so a full buffer of normal traffic
// never delays them.
type Connection struct {
	id           string
	conn         *websocket.Conn
	codec        codec.Codec
	writeCh      chan frame // FUNCTIONAL DISCOVERY: 100 buffer absorbs bursts without blocking the router
	criticalCh   chan frame
	writeTimeout time.Duration
	log          zerolog.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// NewConnection wraps conn and starts its writer goroutine.
func NewConnection(id string, conn *websocket.Conn, c codec.Codec, buffer int, writeTimeout time.Duration, log zerolog.Logger) *Connection {
	if buffer <= 0 {
		buffer = 100
	}
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	wc := &Connection{
		id:           id,
		conn:         conn,
		codec:        c,
		writeCh:      make(chan frame, buffer),
		criticalCh:   make(chan frame, buffer),
		writeTimeout: writeTimeout,
		log:          log.With().Str("connection_id", id).Logger(),
		ctx:          ctx,
		cancel:       cancel,
	}
	go wc.writeLoop()
	return wc
}

// ID returns the connection id assigned at upgrade.
func (c *Connection) ID() string { return c.id }

// Codec returns the negotiated wire codec.
func (c *Connection) Codec() codec.Codec { return c.codec }

// Done is closed once the connection is closed.
func (c *Connection) Done() <-chan struct{} { return c.ctx.Done() }

// ARCHITECTURAL DISCOVERY: Single writer goroutine pattern eliminates races
func (c *Connection) writeLoop() {
	for {
		// Drain the critical lane first.
		select {
		case f := <-c.criticalCh:
			if !c.write(f) {
				return
			}
			continue
		default:
		}

		select {
		case f := <-c.criticalCh:
			if !c.write(f) {
				return
			}
		case f := <-c.writeCh:
			if !c.write(f) {
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Connection) write(f frame) bool {
	err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	if err == nil {
		kind := websocket.TextMessage
		if f.binary {
			kind = websocket.BinaryMessage
		}
		err = c.conn.WriteMessage(kind, f.data)
	}
	if f.done != nil {
		f.done <- err
	}
	if err != nil {
		c.log.Debug().Err(err).Msg("write failed, closing connection")
		c.cancel()
		_ = c.conn.Close()
		return false
	}
	return true
}

// Send encodes env and queues it. With ack the call returns only after the
// frame was written, so the caller can retry a failed critical delivery.
func (c *Connection) Send(ctx context.Context, env *types.OutboundEnvelope, ack bool) error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	data, err := c.codec.EncodeOutbound(env)
	if err != nil {
		return err
	}
	f := frame{data: data, binary: c.codec.Binary()}
	lane := c.writeCh
	if ack {
		f.done = make(chan error, 1)
		lane = c.criticalCh
	}

	select {
	case lane <- f:
	case <-ctx.Done():
		return ErrWriteTimeout
	case <-c.ctx.Done():
		return ErrConnectionClosed
	}
	if !ack {
		return nil
	}

	select {
	case err := <-f.done:
		return err
	case <-ctx.Done():
		return ErrWriteTimeout
	case <-c.ctx.Done():
		return ErrConnectionClosed
	}
}

// Close sends a close frame with code and reason, then tears the socket
// down. Safe to call more than once.
func (c *Connection) Close(code int, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(code, reason)
		if werr := c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); werr != nil {
			c.log.Debug().Err(werr).Msg("close frame not sent")
		}
		c.cancel()
		err = c.conn.Close()
	})
	return err
}
