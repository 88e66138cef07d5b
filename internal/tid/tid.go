// Package tid generates AT Protocol-style timestamp record keys: a
// 13-character base32-sortstring encoding of a microsecond timestamp with
// a random tiebreaker, ordered so lexical and chronological order agree.
package tid

import (
	"crypto/rand"
	"encoding/binary"
	"time"
)

const alphabet = "234567abcdefghijklmnopqrstuvwxyz"

// Next returns a fresh TID for the current instant.
func Next() string {
	return encode(uint64(time.Now().UnixMicro())<<10 | uint64(random10Bit()))
}

func random10Bit() uint16 {
	var b [2]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand failing is a platform-level problem; 0 keeps TID
		// generation deterministic rather than panicking in a hot path.
		return 0
	}
	return binary.BigEndian.Uint16(b[:]) & 0x3ff
}

// encode renders v as 13 base32-sortstring characters, most-significant
// first, using the 32-character alphabet (not RFC 4648 base32).
func encode(v uint64) string {
	var out [13]byte
	for i := 12; i >= 0; i-- {
		out[i] = alphabet[v&0x1f]
		v >>= 5
	}
	return string(out[:])
}
