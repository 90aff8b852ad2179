package pebblestore

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/MarcoPoloResearchLab/difflog/internal/store"
)

// Record encoding: uvarint fieldCount | (uvarint nameLen | name | uvarint valueLen | value)* | crc32c

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

func encodeFields(fields []store.Field) []byte {
	size := binary.MaxVarintLen64 + 4
	for _, field := range fields {
		size += 2*binary.MaxVarintLen64 + len(field.Name) + len(field.Value)
	}
	out := make([]byte, 0, size)
	out = binary.AppendUvarint(out, uint64(len(fields)))
	for _, field := range fields {
		out = binary.AppendUvarint(out, uint64(len(field.Name)))
		out = append(out, field.Name...)
		out = binary.AppendUvarint(out, uint64(len(field.Value)))
		out = append(out, field.Value...)
	}
	return binary.BigEndian.AppendUint32(out, crc32.Checksum(out, castagnoli))
}

func decodeFields(b []byte) ([]store.Field, bool) {
	if len(b) < 1+4 {
		return nil, false
	}
	body := b[:len(b)-4]
	if crc32.Checksum(body, castagnoli) != binary.BigEndian.Uint32(b[len(b)-4:]) {
		return nil, false
	}
	count, n := binary.Uvarint(body)
	if n <= 0 || count > uint64(len(body)) {
		return nil, false
	}
	body = body[n:]
	fields := make([]store.Field, 0, count)
	for index := uint64(0); index < count; index++ {
		name, rest, ok := readChunk(body)
		if !ok {
			return nil, false
		}
		value, rest, ok := readChunk(rest)
		if !ok {
			return nil, false
		}
		fields = append(fields, store.Field{Name: name, Value: value})
		body = rest
	}
	if len(body) != 0 {
		return nil, false
	}
	return fields, true
}

func readChunk(b []byte) (string, []byte, bool) {
	length, n := binary.Uvarint(b)
	if n <= 0 || uint64(len(b)-n) < length {
		return "", nil, false
	}
	end := n + int(length)
	return string(b[n:end]), b[end:], true
}
