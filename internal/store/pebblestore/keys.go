package pebblestore

import (
	"bytes"
	"encoding/binary"

	"github.com/MarcoPoloResearchLab/difflog/internal/store"
)

// Keyspace (byte-wise, lexicographically sortable):
// - z{set}\x00c                      cardinality (be8)
// - z{set}\x00m{member}              member -> score (be8, sign flipped)
// - z{set}\x00s{score_be8}{member}   order index
// - k{key}                           plain value
// - t{set}\x00{member}               membership
// - x{log}\x00h                      last assigned id (ms_be8 seq_be8)
// - x{log}\x00e{ms_be8}{seq_be8}     entry

const keySep = byte(0x00)

var (
	rankedPrefix     = []byte("z")
	valuePrefix      = []byte("k")
	membershipPrefix = []byte("t")
	logPrefix        = []byte("x")

	cardinalitySuffix = []byte("c")
	memberSeg         = []byte("m")
	orderSeg          = []byte("s")
	headSuffix        = []byte("h")
	entrySeg          = []byte("e")
)

func validateKeyBytes(values ...string) error {
	if err := store.ValidateKey(values...); err != nil {
		return err
	}
	for _, value := range values {
		if bytes.IndexByte([]byte(value), keySep) >= 0 {
			return store.ErrInvalidKey
		}
	}
	return nil
}

func appendBE8(dst []byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return append(dst, b[:]...)
}

func scoped(prefix []byte, name string, segment []byte) []byte {
	k := make([]byte, 0, len(prefix)+len(name)+1+len(segment)+24)
	k = append(k, prefix...)
	k = append(k, name...)
	k = append(k, keySep)
	k = append(k, segment...)
	return k
}

func keyCardinality(setKey string) []byte {
	return scoped(rankedPrefix, setKey, cardinalitySuffix)
}

func keyMember(setKey, member string) []byte {
	return append(scoped(rankedPrefix, setKey, memberSeg), member...)
}

func keyOrderPrefix(setKey string) []byte {
	return scoped(rankedPrefix, setKey, orderSeg)
}

func keyOrder(setKey string, score int64, member string) []byte {
	k := appendBE8(keyOrderPrefix(setKey), encodeScore(score))
	return append(k, member...)
}

func keyValue(key string) []byte {
	k := make([]byte, 0, len(valuePrefix)+len(key))
	k = append(k, valuePrefix...)
	return append(k, key...)
}

func keyMembership(setKey, member string) []byte {
	return append(scoped(membershipPrefix, setKey, nil), member...)
}

func keyLogHead(logKey string) []byte {
	return scoped(logPrefix, logKey, headSuffix)
}

func keyLogEntryPrefix(logKey string) []byte {
	return scoped(logPrefix, logKey, entrySeg)
}

func keyLogEntry(logKey string, id store.EntryID) []byte {
	k := appendBE8(keyLogEntryPrefix(logKey), id.Millis)
	return appendBE8(k, id.Seq)
}

// encodeScore flips the sign bit so signed scores sort as unsigned bytes.
func encodeScore(score int64) uint64 {
	return uint64(score) ^ (1 << 63)
}

func decodeScore(raw uint64) int64 {
	return int64(raw ^ (1 << 63))
}

func encodeEntryID(id store.EntryID) []byte {
	return appendBE8(appendBE8(make([]byte, 0, 16), id.Millis), id.Seq)
}

func decodeEntryID(raw []byte) (store.EntryID, bool) {
	if len(raw) < 16 {
		return store.EntryID{}, false
	}
	return store.EntryID{
		Millis: binary.BigEndian.Uint64(raw[:8]),
		Seq:    binary.BigEndian.Uint64(raw[8:16]),
	}, true
}

// prefixEnd returns the smallest key greater than every key starting with prefix.
func prefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for index := len(end) - 1; index >= 0; index-- {
		end[index]++
		if end[index] != 0 {
			return end[:index+1]
		}
	}
	return nil
}
