package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"boardsync/internal/codec"
	"boardsync/pkg/interfaces"
	"boardsync/pkg/types"
)

var _ interfaces.Peer = (*Connection)(nil)

// pair returns a server-side Connection and the client socket talking to it.
func pair(t *testing.T, c codec.Codec) (*Connection, *websocket.Conn) {
	t.Helper()
	serverSide := make(chan *websocket.Conn, 1)
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		serverSide <- conn
	}))
	t.Cleanup(srv.Close)

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	var conn *websocket.Conn
	select {
	case conn = <-serverSide:
	case <-time.After(2 * time.Second):
		t.Fatal("server side never upgraded")
	}
	wc := NewConnection("c1", conn, c, 100, time.Second, zerolog.Nop())
	t.Cleanup(func() { _ = wc.Close(types.CloseNormal, "") })
	return wc, client
}

func outbound(id string, p types.Priority) *types.OutboundEnvelope {
	return &types.OutboundEnvelope{
		MessageID:   id,
		FeatureType: types.FeatureMeeting,
		Priority:    p,
		Payload:     &types.MeetingPayload{Op: "vote", MeetingID: "m1"},
		Timestamp:   time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC),
		Seq:         7,
	}
}

func readEnvelope(t *testing.T, client *websocket.Conn, c codec.Codec) (int, *types.OutboundEnvelope) {
	t.Helper()
	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	kind, data, err := client.ReadMessage()
	require.NoError(t, err)
	env, err := c.DecodeOutbound(data)
	require.NoError(t, err)
	return kind, env
}

func TestConnectionSendsTextFramesForJSON(t *testing.T) {
	wc, client := pair(t, codec.JSON)
	assert.Equal(t, "c1", wc.ID())
	assert.Equal(t, 100, cap(wc.writeCh))

	require.NoError(t, wc.Send(context.Background(), outbound("m1", types.PriorityNormal), false))
	kind, env := readEnvelope(t, client, codec.JSON)
	assert.Equal(t, websocket.TextMessage, kind)
	assert.Equal(t, "m1", env.MessageID)
	assert.Equal(t, uint64(7), env.Seq)
	assert.Equal(t, "vote", env.Payload.(*types.MeetingPayload).Op)
}

func TestConnectionSendsBinaryFramesForCBOR(t *testing.T) {
	wc, client := pair(t, codec.CBOR)
	require.NoError(t, wc.Send(context.Background(), outbound("m1", types.PriorityCritical), true))
	kind, env := readEnvelope(t, client, codec.CBOR)
	assert.Equal(t, websocket.BinaryMessage, kind)
	assert.Equal(t, types.PriorityCritical, env.Priority)
}

func TestConnectionPreservesOrderPerLane(t *testing.T) {
	wc, client := pair(t, codec.JSON)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, wc.Send(ctx, outbound(id, types.PriorityNormal), false))
	}
	for _, want := range []string{"a", "b", "c"} {
		_, env := readEnvelope(t, client, codec.JSON)
		assert.Equal(t, want, env.MessageID)
	}
}

func TestConnectionCloseSendsCode(t *testing.T) {
	wc, client := pair(t, codec.JSON)
	require.NoError(t, wc.Close(types.CloseEvicted, "rate_limit_abuse"))
	require.NoError(t, wc.Close(types.CloseEvicted, "again"))

	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := client.ReadMessage()
	var ce *websocket.CloseError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, types.CloseEvicted, ce.Code)
	assert.Equal(t, "rate_limit_abuse", ce.Text)

	assert.ErrorIs(t, wc.Send(context.Background(), outbound("late", types.PriorityNormal), false), ErrConnectionClosed)
	select {
	case <-wc.Done():
	default:
		t.Fatal("Done not closed after Close")
	}
}

func TestConnectionAckFailsAfterPeerGone(t *testing.T) {
	wc, client := pair(t, codec.JSON)
	require.NoError(t, client.Close())
	require.NoError(t, wc.conn.Close())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.Error(t, wc.Send(ctx, outbound("m1", types.PriorityCritical), true))
}
