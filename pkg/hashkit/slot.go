package hashkit

import "bytes"

// HashSlots is the fixed partitioning of the keyspace.
const HashSlots = 16384

const musk = 0x3fff

// Slot maps a user key onto one of the 16384 hash slots. If the key
// carries a non-empty hash tag ("{...}"), only the tag is hashed, so
// related keys can be pinned to the same slot.
func Slot(key []byte) int {
	return int(Crc16(trimHashTag(key)) & musk)
}

func trimHashTag(key []byte) []byte {
	bidx := bytes.IndexByte(key, '{')
	if bidx == -1 {
		return key
	}
	eidx := bytes.IndexByte(key[bidx+1:], '}')
	if eidx <= 0 {
		return key
	}
	return key[bidx+1 : bidx+1+eidx]
}
