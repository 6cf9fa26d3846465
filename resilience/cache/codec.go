package cache

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnsupportedPayload is returned by codecs that only handle specific
// payload types, such as BytesCodec.
var ErrUnsupportedPayload = errors.New("unsupported payload type")

// Codec serializes cache values for the durable tier. The volatile tier
// stores values as-is and never touches the codec.
type Codec interface {
	Marshal(value any) ([]byte, error)
	Unmarshal(data []byte) (any, error)
}

// JSONCodec is the default codec. Decoded values follow encoding/json
// conventions: objects become map[string]any, numbers become float64.
type JSONCodec struct{}

func (JSONCodec) Marshal(value any) ([]byte, error) {
	return json.Marshal(value)
}

func (JSONCodec) Unmarshal(data []byte) (any, error) {
	var value any
	if err := json.Unmarshal(data, &value); err != nil {
		return nil, err
	}

	return value, nil
}

// GobCodec round-trips concrete Go types through encoding/gob. Callers must
// gob.Register every concrete type stored through it.
type GobCodec struct{}

func (GobCodec) Marshal(value any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&value); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

func (GobCodec) Unmarshal(data []byte) (any, error) {
	var value any
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&value); err != nil {
		return nil, err
	}

	return value, nil
}

// BytesCodec passes []byte and string payloads through untouched. Use it
// for opaque binary values such as synthesized audio, where JSON or gob
// framing is pure overhead. Unmarshal always yields []byte.
type BytesCodec struct{}

func (BytesCodec) Marshal(value any) ([]byte, error) {
	switch v := value.(type) {
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return nil, fmt.Errorf("%w: got %T, want []byte or string", ErrUnsupportedPayload, value)
	}
}

func (BytesCodec) Unmarshal(data []byte) (any, error) {
	return data, nil
}
