// Package codec turns cached values into bytes and back.
package codec

import "fmt"

// Codec encodes/decodes values V to []byte for storage.
type Codec[V any] interface {
	Encode(V) ([]byte, error)
	Decode([]byte) (V, error)
}

// ByName returns one of the reflection-based codecs: "json", "msgpack" or "cbor".
// An empty name selects json.
func ByName[V any](name string) (Codec[V], error) {
	switch name {
	case "", "json":
		return JSON[V]{}, nil
	case "msgpack":
		return Msgpack[V]{}, nil
	case "cbor":
		c, err := NewCBOR[V](false)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
	return nil, fmt.Errorf("codec: unknown codec %q", name)
}
