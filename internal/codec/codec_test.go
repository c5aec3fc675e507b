package codec

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"boardsync/pkg/types"
)

func TestInboundRoundTrip(t *testing.T) {
	for _, c := range []Codec{JSON, CBOR} {
		t.Run(c.Name(), func(t *testing.T) {
			in := &types.InboundEnvelope{
				MessageID:   "m-1",
				FeatureType: types.FeatureDocument,
				Priority:    types.PriorityHigh,
				Target:      types.Target{Kind: types.TargetRoom, RoomID: "r1"},
				Payload:     &types.DocumentPayload{Op: "annotate", DocumentID: "d1", Body: "see p.4"},
				Mutation: &types.StateChange{
					EntityType: "document", EntityID: "d1", ActorID: "c1",
					Fields: map[string]any{"title": "Minutes"},
					Clock:  types.VectorClock{"c1": 3},
				},
				Encrypt: true,
			}
			data, err := c.EncodeInbound(in)
			require.NoError(t, err)

			out, err := c.DecodeInbound(data)
			require.NoError(t, err)
			assert.Equal(t, in.MessageID, out.MessageID)
			assert.Equal(t, in.Priority, out.Priority)
			assert.Equal(t, in.Target, out.Target)
			assert.Equal(t, in.Payload, out.Payload)
			assert.True(t, out.Encrypt)
			require.NotNil(t, out.Mutation)
			assert.Equal(t, "Minutes", out.Mutation.Fields["title"])
			assert.Equal(t, uint64(3), out.Mutation.Clock["c1"])
		})
	}
}

func TestDecodeInbound_DefaultsPriorityToNormal(t *testing.T) {
	env, err := JSON.DecodeInbound([]byte(`{"messageId":"x","featureType":"ai","payload":{"action":"analyze","requestId":"r"}}`))
	require.NoError(t, err)
	assert.Equal(t, types.PriorityNormal, env.Priority)
	assert.Equal(t, &types.AIPayload{Op: "analyze", RequestID: "r"}, env.Payload)
}

func TestDecodeInbound_Rejects(t *testing.T) {
	_, err := JSON.DecodeInbound([]byte(`{not json`))
	assert.ErrorIs(t, err, ErrMalformedFrame)

	_, err = JSON.DecodeInbound([]byte(`{"messageId":"x","featureType":"chat","payload":{}}`))
	assert.ErrorIs(t, err, types.ErrInvalidFeature)

	_, err = JSON.DecodeInbound([]byte(`{"messageId":"x","featureType":"ai","priority":"urgent"}`))
	assert.ErrorIs(t, err, types.ErrInvalidPriority)

	big := `{"messageId":"x","featureType":"ai","payload":{"prompt":"` + strings.Repeat("a", DefaultMaxFrameBytes) + `"}}`
	_, err = JSON.DecodeInbound([]byte(big))
	assert.ErrorIs(t, err, types.ErrContentTooLarge)
}

func TestOutboundRoundTrip(t *testing.T) {
	ts := time.Date(2026, 5, 4, 10, 30, 0, 123456789, time.UTC)
	for _, c := range []Codec{JSON, CBOR} {
		t.Run(c.Name(), func(t *testing.T) {
			env := &types.OutboundEnvelope{
				MessageID:   "m-2",
				FeatureType: types.FeatureSystem,
				Priority:    types.PriorityCritical,
				Payload:     &types.SystemPayload{Event: types.SystemEventMessageError, Code: types.CodeRateLimited, RetryAfterSeconds: 2},
				Timestamp:   ts,
				Seq:         42,
				SecurityMetadata: &types.SecurityMetadata{
					Algorithm:   "age-x25519+xchacha20poly1305",
					Ciphertext:  []byte{1, 2, 3},
					WrappedKeys: map[string][]byte{"c1": {9}},
				},
			}
			data, err := c.EncodeOutbound(env)
			require.NoError(t, err)

			back, err := c.DecodeOutbound(data)
			require.NoError(t, err)
			assert.Equal(t, env.Payload, back.Payload)
			assert.Equal(t, uint64(42), back.Seq)
			assert.Equal(t, types.PriorityCritical, back.Priority)
			assert.True(t, ts.Equal(back.Timestamp))
			assert.Equal(t, []byte{1, 2, 3}, back.SecurityMetadata.Ciphertext)
			assert.Equal(t, []byte{9}, back.SecurityMetadata.WrappedKeys["c1"])
		})
	}
}

func TestForSubprotocol(t *testing.T) {
	assert.Same(t, CBOR, ForSubprotocol(SubprotocolCBOR))
	assert.Same(t, JSON, ForSubprotocol(""))
	assert.True(t, CBOR.Binary())
	assert.False(t, JSON.Binary())
}

func TestMarshalPayloadIsDeterministic(t *testing.T) {
	p := &types.MeetingPayload{Op: "tally", MeetingID: "M1", Data: map[string]any{"yes": 3, "no": 1, "abstain": 0}}
	a, err := MarshalPayload(p)
	require.NoError(t, err)
	b, err := MarshalPayload(p)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	back, err := UnmarshalPayload(types.FeatureMeeting, a)
	require.NoError(t, err)
	assert.Equal(t, "tally", back.Action())
}
