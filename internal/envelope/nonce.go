package envelope

import (
	"encoding/binary"
	"fmt"
)

const (
	// maxChunkIndex is the nonce counter capacity: three bytes of the chunk
	// index go into the nonce, so one envelope holds at most 2^24 chunks.
	maxChunkIndex = 1 << 24

	sessionPrefixSize = 8

	flagLastChunk byte = 0xFF
	flagMoreData  byte = 0x00
)

// buildNonce constructs the current-format 96-bit nonce:
//
//	prefix(8) ‖ index bytes [1..4) of BE32(idx) ‖ flag(1)
//
// The most significant byte of the index is dropped, which is why the index
// must stay below 2^24. The flag byte is all-ones for the final chunk and
// all-zeros otherwise, so a truncated stream can never present its last
// record as final.
func buildNonce(prefix [sessionPrefixSize]byte, idx uint32, last bool) ([nonceSize]byte, error) {
	var nonce [nonceSize]byte
	if idx >= maxChunkIndex {
		return nonce, fmt.Errorf("%w: index %d", ErrChunkIndexOverflow, idx)
	}

	copy(nonce[:sessionPrefixSize], prefix[:])

	var be [4]byte
	binary.BigEndian.PutUint32(be[:], idx)
	copy(nonce[sessionPrefixSize:sessionPrefixSize+3], be[1:4])

	if last {
		nonce[nonceSize-1] = flagLastChunk
	} else {
		nonce[nonceSize-1] = flagMoreData
	}
	return nonce, nil
}

// buildLegacyNonce constructs the version-1 nonce: the 4-byte session-random
// prefix from the file header followed by the big-endian sequence counter.
func buildLegacyNonce(prefix [legacyPrefixSize]byte, seq uint64) [nonceSize]byte {
	var nonce [nonceSize]byte
	copy(nonce[:legacyPrefixSize], prefix[:])
	binary.BigEndian.PutUint64(nonce[legacyPrefixSize:], seq)
	return nonce
}
