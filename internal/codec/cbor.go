package codec

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"

	"boardsync/pkg/types"
)

// encMode uses Core Deterministic Encoding: the same payload always yields
// the same bytes, which keeps payload digests stable across encodes.
var encMode cbor.EncMode

var decMode cbor.DecMode

// rawCBOR delays payload decoding until the feature type is known.
type rawCBOR = cbor.RawMessage

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano
	// Priority and similar enums serialize through MarshalText.
	encOptions.TextMarshaler = cbor.TextMarshalerTextString
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		// Payload data maps are decoded into map[string]any so handlers see
		// the same shape regardless of wire format.
		DefaultMapType:  reflect.TypeOf(map[string]any(nil)),
		TextUnmarshaler: cbor.TextUnmarshalerTextString,
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v to deterministic CBOR.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// MarshalPayload is the canonical byte form of a payload, used as the
// encryption plaintext and digest input.
func MarshalPayload(p types.Payload) ([]byte, error) {
	return Marshal(p)
}

// UnmarshalPayload reverses MarshalPayload for the given feature.
func UnmarshalPayload(feature types.FeatureType, data []byte) (types.Payload, error) {
	p, err := types.NewPayload(feature)
	if err != nil {
		return nil, err
	}
	if err := Unmarshal(data, p); err != nil {
		return nil, err
	}
	return p, nil
}
