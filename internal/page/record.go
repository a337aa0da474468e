package page

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
)

// Element record encoding: uvarint headerLen | header | payload | crc32c(header|payload).
// The header is uvarint(publishedMs).

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// ErrCorruptRecord is returned when an element fails its checksum.
var ErrCorruptRecord = errors.New("page: corrupt element record")

// Element is one stored payload.
type Element struct {
	PublishedMs int64
	Payload     []byte
}

// EncodeElement serializes e for an element key.
func EncodeElement(e Element) []byte {
	var hdr [binary.MaxVarintLen64]byte
	hn := binary.PutUvarint(hdr[:], uint64(e.PublishedMs))

	out := make([]byte, 0, 1+hn+len(e.Payload)+4)
	out = binary.AppendUvarint(out, uint64(hn))
	out = append(out, hdr[:hn]...)
	out = append(out, e.Payload...)

	crc := crc32.Update(0, castagnoli, hdr[:hn])
	crc = crc32.Update(crc, castagnoli, e.Payload)
	return binary.BigEndian.AppendUint32(out, crc)
}

// DecodeElement parses and verifies an element record.
func DecodeElement(b []byte) (Element, error) {
	if len(b) < 1+4 {
		return Element{}, ErrCorruptRecord
	}
	hlen, n := binary.Uvarint(b)
	if n <= 0 || n+int(hlen)+4 > len(b) {
		return Element{}, ErrCorruptRecord
	}
	header := b[n : n+int(hlen)]
	payload := b[n+int(hlen) : len(b)-4]
	crc := crc32.Update(0, castagnoli, header)
	crc = crc32.Update(crc, castagnoli, payload)
	if crc != binary.BigEndian.Uint32(b[len(b)-4:]) {
		return Element{}, ErrCorruptRecord
	}
	ms, hn := binary.Uvarint(header)
	if hn <= 0 {
		return Element{}, ErrCorruptRecord
	}
	return Element{PublishedMs: int64(ms), Payload: append([]byte(nil), payload...)}, nil
}

// PayloadSize returns the payload length of an encoded record without copying.
func PayloadSize(b []byte) int {
	hlen, n := binary.Uvarint(b)
	if n <= 0 || n+int(hlen)+4 > len(b) {
		return 0
	}
	return len(b) - n - int(hlen) - 4
}
