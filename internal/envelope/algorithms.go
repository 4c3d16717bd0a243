package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"fmt"
	"hash"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/sha3"
	"lukechampine.com/blake3"
)

// Algorithm identifiers as they appear in version-2 file headers. Every
// identifier listed here parses; identifiers without a Go implementation are
// rejected when an engine is constructed, not when a header is read.
const (
	// AEAD algorithms
	AEADAES256GCM        byte = 1
	AEADChaCha20Poly1305 byte = 2
	AEADAES256SIV        byte = 3

	// Signature algorithms
	SigEd25519    byte = 1
	SigECDSAP256  byte = 2
	SigECDSAP384  byte = 3
	SigRSAPSS2048 byte = 4
	SigRSAPSS4096 byte = 5
	SigDilithium3 byte = 6
	SigFalcon512  byte = 7

	// Hash algorithms
	HashBLAKE3  byte = 1
	HashSHA256  byte = 2
	HashSHA384  byte = 3
	HashSHA512  byte = 4
	HashSHA3256 byte = 5
	HashSHA3512 byte = 6

	// Key derivation algorithms
	KDFPBKDF2SHA256 byte = 1
	KDFArgon2id     byte = 2
	KDFScrypt       byte = 3
	KDFHKDF         byte = 4
)

const (
	symmetricKeySize = 32
	nonceSize        = 12 // 96 bits for both GCM and ChaCha20-Poly1305
	tagSize          = 16
	digestSize       = 32 // all binding fields in the format are 32 bytes
)

// knownAlgorithm reports whether an identifier belongs to the given table.
// Used at parse time: an unknown identifier makes the whole stream invalid.
func knownAEAD(id byte) bool      { return id >= AEADAES256GCM && id <= AEADAES256SIV }
func knownSignature(id byte) bool { return id >= SigEd25519 && id <= SigFalcon512 }
func knownHash(id byte) bool      { return id >= HashBLAKE3 && id <= HashSHA3512 }
func knownKDF(id byte) bool       { return id >= KDFPBKDF2SHA256 && id <= KDFHKDF }

// newAEAD constructs the cipher for an AEAD identifier. AES-256-SIV is a
// recognized wire identifier but has no implementation here.
func newAEAD(id byte, key []byte) (cipher.AEAD, error) {
	if len(key) != symmetricKeySize {
		return nil, fmt.Errorf("invalid key size: expected %d bytes, got %d", symmetricKeySize, len(key))
	}

	switch id {
	case AEADAES256GCM:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("failed to create AES cipher: %w", err)
		}
		gcm, err := cipher.NewGCM(block)
		if err != nil {
			return nil, fmt.Errorf("failed to create GCM: %w", err)
		}
		return gcm, nil
	case AEADChaCha20Poly1305:
		aead, err := chacha20poly1305.New(key)
		if err != nil {
			return nil, fmt.Errorf("failed to create ChaCha20-Poly1305 cipher: %w", err)
		}
		return aead, nil
	case AEADAES256SIV:
		return nil, fmt.Errorf("%w: AES-256-SIV (id %d) is not implemented", ErrUnsupportedAlgorithm, id)
	default:
		return nil, fmt.Errorf("%w: AEAD id %d", ErrUnsupportedAlgorithm, id)
	}
}

// newDigest returns a constructor for the hash identifier. The format binds
// 32-byte digests into fixed header and record fields, so only algorithms with
// a 256-bit output are usable for sealing; the wider identifiers parse but are
// rejected here.
func newDigest(id byte) (func() hash.Hash, error) {
	switch id {
	case HashBLAKE3:
		return func() hash.Hash { return blake3.New(digestSize, nil) }, nil
	case HashSHA256:
		return sha256.New, nil
	case HashSHA3256:
		return sha3.New256, nil
	case HashSHA384, HashSHA512, HashSHA3512:
		return nil, fmt.Errorf("%w: hash id %d produces a digest wider than the 32-byte binding fields", ErrUnsupportedAlgorithm, id)
	default:
		return nil, fmt.Errorf("%w: hash id %d", ErrUnsupportedAlgorithm, id)
	}
}

// sumDigest hashes data with the given hash identifier into a 32-byte digest.
func sumDigest(id byte, data []byte) ([digestSize]byte, error) {
	var out [digestSize]byte
	newHash, err := newDigest(id)
	if err != nil {
		return out, err
	}
	h := newHash()
	h.Write(data)
	copy(out[:], h.Sum(nil))
	return out, nil
}

// signatureSupported reports whether the signature identifier can actually be
// verified by this implementation. Ed25519 is the only scheme the software and
// hardware key backends currently produce.
func signatureSupported(id byte) bool {
	return id == SigEd25519
}
