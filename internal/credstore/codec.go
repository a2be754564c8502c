// ABOUTME: Binary-safe JSON encoding for credential values.
// ABOUTME: Wraps raw byte fields so cryptographic key material round-trips exactly.

package credstore

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// bufferKey marks a JSON object as a wrapped byte slice. The underlying
// store column is a BLOB, but values pass through JSON on their way in and
// out, and plain JSON strings are not byte-transparent. Key material that
// loses even one byte breaks the protocol session, so []byte values are
// wrapped as {"$buffer": "<base64>"} and restored on decode.
const bufferKey = "$buffer"

// Encode serializes a credential value to its stored form.
// Byte slices anywhere in the value survive the round-trip exactly.
func Encode(v any) ([]byte, error) {
	wrapped := wrapBuffers(v)
	data, err := json.Marshal(wrapped)
	if err != nil {
		return nil, fmt.Errorf("encoding credential value: %w", err)
	}
	return data, nil
}

// Decode deserializes a stored credential value, restoring wrapped byte
// slices to []byte.
func Decode(data []byte) (any, error) {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decoding credential value: %w", err)
	}
	return unwrapBuffers(raw)
}

// wrapBuffers walks the value and replaces []byte with the wrapper object.
func wrapBuffers(v any) any {
	switch val := v.(type) {
	case []byte:
		return map[string]any{bufferKey: base64.StdEncoding.EncodeToString(val)}
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = wrapBuffers(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = wrapBuffers(item)
		}
		return out
	default:
		return v
	}
}

// unwrapBuffers walks a decoded value and restores wrapper objects to []byte.
func unwrapBuffers(v any) (any, error) {
	switch val := v.(type) {
	case map[string]any:
		if enc, ok := val[bufferKey]; ok && len(val) == 1 {
			str, ok := enc.(string)
			if !ok {
				return nil, fmt.Errorf("malformed buffer wrapper: %T", enc)
			}
			raw, err := base64.StdEncoding.DecodeString(str)
			if err != nil {
				return nil, fmt.Errorf("decoding buffer payload: %w", err)
			}
			return raw, nil
		}
		out := make(map[string]any, len(val))
		for k, item := range val {
			decoded, err := unwrapBuffers(item)
			if err != nil {
				return nil, err
			}
			out[k] = decoded
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			decoded, err := unwrapBuffers(item)
			if err != nil {
				return nil, err
			}
			out[i] = decoded
		}
		return out, nil
	default:
		return v, nil
	}
}
