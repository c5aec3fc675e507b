// Package codec translates between wire frames and typed envelopes. Two
// formats are supported and negotiated through the websocket subprotocol:
// JSON text frames and CBOR binary frames.
package codec

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"boardsync/pkg/types"
)

// Subprotocol names offered during the websocket upgrade.
const (
	SubprotocolJSON = "boardsync.json"
	SubprotocolCBOR = "boardsync.cbor"
)

// DefaultMaxFrameBytes bounds a single inbound frame.
const DefaultMaxFrameBytes = 64 * 1024

var ErrMalformedFrame = errors.New("malformed frame")

// Codec encodes and decodes envelopes for one wire format. Clients use the
// inbound-encode/outbound-decode half; the server uses the other.
type Codec interface {
	Name() string
	// Binary reports whether frames are sent as websocket binary messages.
	Binary() bool
	DecodeInbound(data []byte) (*types.InboundEnvelope, error)
	EncodeInbound(env *types.InboundEnvelope) ([]byte, error)
	EncodeOutbound(env *types.OutboundEnvelope) ([]byte, error)
	DecodeOutbound(data []byte) (*types.OutboundEnvelope, error)
}

// JSON is the text-frame codec and the default when no subprotocol is chosen.
var JSON Codec = &format[json.RawMessage]{
	name:      SubprotocolJSON,
	marshal:   json.Marshal,
	unmarshal: json.Unmarshal,
	maxBytes:  DefaultMaxFrameBytes,
}

// CBOR is the binary-frame codec.
var CBOR Codec = &format[rawCBOR]{
	name:      SubprotocolCBOR,
	binary:    true,
	marshal:   Marshal,
	unmarshal: Unmarshal,
	maxBytes:  DefaultMaxFrameBytes,
}

// Subprotocols lists the negotiable subprotocols in preference order.
func Subprotocols() []string {
	return []string{SubprotocolCBOR, SubprotocolJSON}
}

// ForSubprotocol returns the codec for a negotiated subprotocol, JSON when
// none was negotiated.
func ForSubprotocol(name string) Codec {
	if name == SubprotocolCBOR {
		return CBOR
	}
	return JSON
}

// wireInbound is the inbound envelope as it appears on the wire. Priority is
// a string so an omitted priority means normal rather than the zero tier.
type wireInbound[R ~[]byte] struct {
	MessageID   string             `json:"messageId" cbor:"messageId"`
	FeatureType types.FeatureType  `json:"featureType" cbor:"featureType"`
	Priority    string             `json:"priority,omitempty" cbor:"priority,omitempty"`
	Target      types.Target       `json:"target" cbor:"target"`
	Payload     R                  `json:"payload,omitempty" cbor:"payload,omitempty"`
	AuthToken   string             `json:"authToken,omitempty" cbor:"authToken,omitempty"`
	Mutation    *types.StateChange `json:"mutation,omitempty" cbor:"mutation,omitempty"`
	Public      bool               `json:"public,omitempty" cbor:"public,omitempty"`
	Encrypt     bool               `json:"encrypt,omitempty" cbor:"encrypt,omitempty"`
}

type wireOutbound[R ~[]byte] struct {
	MessageID        string                  `json:"messageId" cbor:"messageId"`
	FeatureType      types.FeatureType       `json:"featureType" cbor:"featureType"`
	Priority         string                  `json:"priority" cbor:"priority"`
	Payload          R                       `json:"payload,omitempty" cbor:"payload,omitempty"`
	Timestamp        time.Time               `json:"timestamp" cbor:"timestamp"`
	SecurityMetadata *types.SecurityMetadata `json:"securityMetadata,omitempty" cbor:"securityMetadata,omitempty"`
	Seq              uint64                  `json:"seq,omitempty" cbor:"seq,omitempty"`
}

type format[R ~[]byte] struct {
	name      string
	binary    bool
	marshal   func(any) ([]byte, error)
	unmarshal func([]byte, any) error
	maxBytes  int
}

func (f *format[R]) Name() string { return f.name }
func (f *format[R]) Binary() bool { return f.binary }

func (f *format[R]) DecodeInbound(data []byte) (*types.InboundEnvelope, error) {
	if f.maxBytes > 0 && len(data) > f.maxBytes {
		return nil, types.ErrContentTooLarge
	}
	var w wireInbound[R]
	if err := f.unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	priority, err := types.ParsePriority(w.Priority)
	if err != nil {
		return nil, err
	}
	env := &types.InboundEnvelope{
		MessageID:   w.MessageID,
		FeatureType: w.FeatureType,
		Priority:    priority,
		Target:      w.Target,
		AuthToken:   w.AuthToken,
		Mutation:    w.Mutation,
		Public:      w.Public,
		Encrypt:     w.Encrypt,
	}
	if len(w.Payload) > 0 {
		env.Payload, err = f.decodePayload(w.FeatureType, w.Payload)
		if err != nil {
			return nil, err
		}
	}
	return env, nil
}

func (f *format[R]) EncodeInbound(env *types.InboundEnvelope) ([]byte, error) {
	w := wireInbound[R]{
		MessageID:   env.MessageID,
		FeatureType: env.FeatureType,
		Priority:    env.Priority.String(),
		Target:      env.Target,
		AuthToken:   env.AuthToken,
		Mutation:    env.Mutation,
		Public:      env.Public,
		Encrypt:     env.Encrypt,
	}
	if env.Payload != nil {
		raw, err := f.marshal(env.Payload)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
		w.Payload = R(raw)
	}
	return f.marshal(w)
}

func (f *format[R]) EncodeOutbound(env *types.OutboundEnvelope) ([]byte, error) {
	w := wireOutbound[R]{
		MessageID:        env.MessageID,
		FeatureType:      env.FeatureType,
		Priority:         env.Priority.String(),
		Timestamp:        env.Timestamp,
		SecurityMetadata: env.SecurityMetadata,
		Seq:              env.Seq,
	}
	if env.Payload != nil {
		raw, err := f.marshal(env.Payload)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
		w.Payload = R(raw)
	}
	return f.marshal(w)
}

func (f *format[R]) DecodeOutbound(data []byte) (*types.OutboundEnvelope, error) {
	var w wireOutbound[R]
	if err := f.unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	priority, err := types.ParsePriority(w.Priority)
	if err != nil {
		return nil, err
	}
	env := &types.OutboundEnvelope{
		MessageID:        w.MessageID,
		FeatureType:      w.FeatureType,
		Priority:         priority,
		Timestamp:        w.Timestamp,
		SecurityMetadata: w.SecurityMetadata,
		Seq:              w.Seq,
	}
	if len(w.Payload) > 0 {
		env.Payload, err = f.decodePayload(w.FeatureType, w.Payload)
		if err != nil {
			return nil, err
		}
	}
	return env, nil
}

func (f *format[R]) decodePayload(feature types.FeatureType, raw R) (types.Payload, error) {
	p, err := types.NewPayload(feature)
	if err != nil {
		return nil, err
	}
	if err := f.unmarshal([]byte(raw), p); err != nil {
		return nil, fmt.Errorf("%w: payload: %v", ErrMalformedFrame, err)
	}
	return p, nil
}
