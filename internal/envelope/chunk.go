package envelope

import (
	"crypto/cipher"
	"crypto/subtle"
	"encoding/binary"
	"fmt"
)

// aadSize is the fixed associated-data length:
// header hash(32) ‖ sequence BE64(8) ‖ nonce(12) ‖ manifest hash(32) ‖ chunk length BE32(4).
const aadSize = digestSize + 8 + nonceSize + digestSize + 4

// buildAAD assembles the associated data binding a chunk to its stream
// header, position, nonce and signed manifest. The expected plaintext length
// is included so a reader can reject a length-mismatched chunk before
// attempting decryption.
func buildAAD(headerHash [digestSize]byte, seq uint64, nonce [nonceSize]byte, manifestHash [digestSize]byte, chunkLen uint32) []byte {
	aad := make([]byte, aadSize)
	copy(aad[:digestSize], headerHash[:])
	binary.BigEndian.PutUint64(aad[digestSize:digestSize+8], seq)
	copy(aad[digestSize+8:digestSize+8+nonceSize], nonce[:])
	copy(aad[digestSize+8+nonceSize:digestSize+8+nonceSize+digestSize], manifestHash[:])
	binary.BigEndian.PutUint32(aad[aadSize-4:], chunkLen)
	return aad
}

// sealChunk encrypts one plaintext chunk; the returned ciphertext includes
// the authentication tag.
func sealChunk(aead cipher.AEAD, nonce [nonceSize]byte, plaintext, aad []byte) []byte {
	return aead.Seal(nil, nonce[:], plaintext, aad)
}

// openChunk recomputes the associated data strictly from the record's own
// fields and attempts decryption. Every failure comes back as an error value
// the version dispatcher inspects; an authentication failure here is the
// signal that a stream is not current-format, not a fatal condition.
func openChunk(aead cipher.AEAD, hashAlg byte, rec *Record, headerHash [digestSize]byte, m *Manifest) ([]byte, error) {
	// Length check before any decryption work.
	if len(rec.Ciphertext) != int(m.ChunkLen)+tagSize {
		return nil, fmt.Errorf("%w: ciphertext is %d bytes, manifest declares %d plaintext bytes",
			ErrChunkLength, len(rec.Ciphertext), m.ChunkLen)
	}

	manifestHash, err := sumDigest(hashAlg, rec.Manifest.Raw)
	if err != nil {
		return nil, err
	}
	aad := buildAAD(headerHash, rec.Seq, rec.Nonce, manifestHash, m.ChunkLen)

	plaintext, err := aead.Open(nil, rec.Nonce[:], rec.Ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("%w: record %d", ErrAuthentication, rec.Seq)
	}

	contentHash, err := sumDigest(hashAlg, plaintext)
	if err != nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare(contentHash[:], m.ContentHash[:]) != 1 {
		return nil, fmt.Errorf("%w: record %d", ErrPlaintextHash, rec.Seq)
	}
	return plaintext, nil
}
