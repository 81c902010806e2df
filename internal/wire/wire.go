package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
)

const (
	version byte = 1

	// KindValue frames an encoded payload.
	KindValue byte = 1
	// KindTombstone remembers a negative lookup; it never carries a payload.
	KindTombstone byte = 2

	headerLen = 4 + 1 + 1 + 8 + 4
)

var (
	ErrCorrupt = errors.New("flashguard: corrupt entry")
	magic4     = [...]byte{'F', 'G', 'C', 'E'}
)

// Entry is a decoded cache envelope. LogicalExpiry is unix nanoseconds;
// zero means the store's physical TTL is the only freshness signal.
type Entry struct {
	Kind          byte
	LogicalExpiry int64
	Payload       []byte
}

// Tombstone reports whether e is a negative-lookup marker.
func (e Entry) Tombstone() bool { return e.Kind == KindTombstone }

// EncodeValue frames payload:
//
//	magic(4) | ver(1) | kind(1) | logicalExpiry(i64 be) | vlen(u32 be) | payload(vlen)
func EncodeValue(logicalExpiry int64, payload []byte) []byte {
	return encode(KindValue, logicalExpiry, payload)
}

// EncodeTombstone frames a negative-lookup marker with an optional logical expiry.
func EncodeTombstone(logicalExpiry int64) []byte {
	return encode(KindTombstone, logicalExpiry, nil)
}

func encode(kind byte, logicalExpiry int64, payload []byte) []byte {
	var buf bytes.Buffer
	buf.Grow(headerLen + len(payload))

	buf.Write(magic4[:])
	buf.WriteByte(version)
	buf.WriteByte(kind)

	var u8 [8]byte
	var u4 [4]byte

	binary.BigEndian.PutUint64(u8[:], uint64(logicalExpiry))
	buf.Write(u8[:])

	binary.BigEndian.PutUint32(u4[:], uint32(len(payload)))
	buf.Write(u4[:])

	buf.Write(payload)
	return buf.Bytes()
}

// Decode parses an envelope. Framing is strict: unknown kinds, short buffers,
// trailing bytes and tombstones with a payload are all rejected.
func Decode(b []byte) (Entry, error) {
	if len(b) < headerLen || !bytes.Equal(b[:4], magic4[:]) || b[4] != version {
		return Entry{}, ErrCorrupt
	}
	kind := b[5]
	if kind != KindValue && kind != KindTombstone {
		return Entry{}, ErrCorrupt
	}

	off := 6
	exp := int64(binary.BigEndian.Uint64(b[off : off+8]))
	off += 8

	vlen := int(binary.BigEndian.Uint32(b[off : off+4]))
	off += 4
	if vlen != len(b)-off {
		return Entry{}, ErrCorrupt
	}
	if kind == KindTombstone && vlen != 0 {
		return Entry{}, ErrCorrupt
	}

	return Entry{Kind: kind, LogicalExpiry: exp, Payload: b[off:]}, nil
}
