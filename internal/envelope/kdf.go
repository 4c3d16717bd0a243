package envelope

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/crypto/scrypt"
)

const (
	sharedSecretSize = 32

	// okmSize is the output keying material produced by the per-envelope
	// derivation: a 32-byte symmetric key followed by the 8-byte nonce prefix.
	okmSize = symmetricKeySize + sessionPrefixSize

	// Domain-separation context strings. These are format constants: changing
	// either breaks every previously written envelope of that version.
	kdfInfoCurrent = "envseal stream key v2"
	kdfInfoLegacy  = "envseal chunk key v1"

	pbkdf2Iterations = 100_000

	argon2Time    = 1
	argon2Memory  = 64 * 1024
	argon2Threads = 4

	scryptN = 32_768
	scryptR = 8
	scryptP = 1
)

// deriveOKM stretches a bilateral shared secret into n bytes of keying
// material. HKDF is the on-wire default and runs as an explicit Extract step
// (salt = the random per-envelope or per-chunk value) followed by an Expand
// step under the context string. The password-oriented KDF identifiers fold
// the context into the salt instead, since they take no separate info input.
func deriveOKM(kdfAlg byte, secret, salt []byte, info string, n int) ([]byte, error) {
	if len(salt) != saltSize {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrSaltLength, saltSize, len(salt))
	}
	if len(secret) != sharedSecretSize {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrSecretLength, sharedSecretSize, len(secret))
	}

	switch kdfAlg {
	case KDFHKDF:
		prk := hkdf.Extract(sha256.New, secret, salt)
		defer zeroBytes(prk)
		okm := make([]byte, n)
		if _, err := io.ReadFull(hkdf.Expand(sha256.New, prk, []byte(info)), okm); err != nil {
			return nil, fmt.Errorf("failed to expand keying material: %w", err)
		}
		return okm, nil
	case KDFPBKDF2SHA256:
		return pbkdf2.Key(secret, contextSalt(salt, info), pbkdf2Iterations, n, sha256.New), nil
	case KDFArgon2id:
		return argon2.IDKey(secret, contextSalt(salt, info), argon2Time, argon2Memory, argon2Threads, uint32(n)), nil
	case KDFScrypt:
		okm, err := scrypt.Key(secret, contextSalt(salt, info), scryptN, scryptR, scryptP, n)
		if err != nil {
			return nil, fmt.Errorf("scrypt derivation failed: %w", err)
		}
		return okm, nil
	default:
		return nil, fmt.Errorf("%w: KDF id %d", ErrUnsupportedAlgorithm, kdfAlg)
	}
}

// contextSalt binds the domain-separation string into the salt for KDFs
// without an info parameter.
func contextSalt(salt []byte, info string) []byte {
	out := make([]byte, 0, len(salt)+len(info))
	out = append(out, salt...)
	out = append(out, info...)
	return out
}

// deriveSessionKeys performs the single per-envelope derivation of the current
// format: 40 bytes of output keying material split into the symmetric key and
// the nonce prefix. The intermediate buffer is zeroized immediately after the
// split; the returned key is owned by the caller, who must zeroize it on every
// exit path.
func deriveSessionKeys(kdfAlg byte, secret []byte, salt [saltSize]byte) ([]byte, [sessionPrefixSize]byte, error) {
	var prefix [sessionPrefixSize]byte
	okm, err := deriveOKM(kdfAlg, secret, salt[:], kdfInfoCurrent, okmSize)
	if err != nil {
		return nil, prefix, err
	}
	defer zeroBytes(okm)

	key := make([]byte, symmetricKeySize)
	copy(key, okm[:symmetricKeySize])
	copy(prefix[:], okm[symmetricKeySize:])
	return key, prefix, nil
}

// deriveLegacyKey performs the version-1 per-chunk derivation from a
// chunk-local salt. The caller owns and must zeroize the returned key.
func deriveLegacyKey(kdfAlg byte, secret []byte, salt [saltSize]byte) ([]byte, error) {
	return deriveOKM(kdfAlg, secret, salt[:], kdfInfoLegacy, symmetricKeySize)
}

// zeroBytes overwrites key material so it does not linger in memory.
func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
