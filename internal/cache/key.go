package cache

import (
	"encoding/binary"
	"encoding/hex"

	"github.com/zeebo/xxh3"
)

// maxRawKeyLen is the longest key stored verbatim. Longer keys, such
// as full request URLs, are replaced by their digest.
const maxRawKeyLen = 250

// storageKey returns the on-disk key for a logical key: the key itself
// when short enough, otherwise "x3:" plus the xxh3-128 hex digest.
func storageKey(key string) string {
	if len(key) <= maxRawKeyLen {
		return key
	}
	h := xxh3.Hash128([]byte(key))
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[:8], h.Lo)
	binary.LittleEndian.PutUint64(buf[8:], h.Hi)
	return "x3:" + hex.EncodeToString(buf[:])
}
