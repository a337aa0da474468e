// Package codec serializes publisher elements into page payloads.
package codec

import (
	"errors"
	"fmt"

	json "github.com/goccy/go-json"
	"github.com/vmihailenco/msgpack/v5"
)

// ErrUnsupported is returned when a codec cannot encode a value's type.
var ErrUnsupported = errors.New("codec: unsupported value")

// Codec converts elements to and from bytes.
type Codec interface {
	Name() string
	Marshal(v any) ([]byte, error)
	Unmarshal(b []byte, v any) error
}

// Raw passes []byte and string through unchanged.
type Raw struct{}

func (Raw) Name() string { return "raw" }

func (Raw) Marshal(v any) ([]byte, error) {
	switch t := v.(type) {
	case []byte:
		return t, nil
	case string:
		return []byte(t), nil
	default:
		return nil, fmt.Errorf("%w: raw codec cannot encode %T", ErrUnsupported, v)
	}
}

func (Raw) Unmarshal(b []byte, v any) error {
	switch t := v.(type) {
	case *[]byte:
		*t = append((*t)[:0], b...)
	case *string:
		*t = string(b)
	default:
		return fmt.Errorf("%w: raw codec cannot decode into %T", ErrUnsupported, v)
	}
	return nil
}

// JSON uses goccy/go-json.
type JSON struct{}

func (JSON) Name() string                    { return "json" }
func (JSON) Marshal(v any) ([]byte, error)   { return json.Marshal(v) }
func (JSON) Unmarshal(b []byte, v any) error { return json.Unmarshal(b, v) }

// Msgpack uses vmihailenco/msgpack.
type Msgpack struct{}

func (Msgpack) Name() string                    { return "msgpack" }
func (Msgpack) Marshal(v any) ([]byte, error)   { return msgpack.Marshal(v) }
func (Msgpack) Unmarshal(b []byte, v any) error { return msgpack.Unmarshal(b, v) }

// ByName returns the codec registered under name. Empty selects Raw.
func ByName(name string) (Codec, error) {
	switch name {
	case "", "raw":
		return Raw{}, nil
	case "json":
		return JSON{}, nil
	case "msgpack":
		return Msgpack{}, nil
	}
	return nil, fmt.Errorf("codec: unknown codec %q", name)
}
