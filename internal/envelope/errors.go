package envelope

import "errors"

// Stream-level errors abort the entire parse. Nothing after the first
// violation is trusted.
var (
	ErrBadMagic             = errors.New("envelope: bad magic")
	ErrUnsupportedVersion   = errors.New("envelope: unsupported format version")
	ErrHeaderLength         = errors.New("envelope: header length does not match declared version")
	ErrHeaderHashMismatch   = errors.New("envelope: stream header hash mismatch")
	ErrUnsupportedAlgorithm = errors.New("envelope: unsupported algorithm identifier")
	ErrChunkSizeBound       = errors.New("envelope: chunk size out of bounds")
	ErrStreamTooLarge       = errors.New("envelope: stream exceeds maximum size")
	ErrTooManyRecords       = errors.New("envelope: record count exceeds maximum")
	ErrSequenceGap          = errors.New("envelope: record sequence not contiguous")
	ErrTruncatedStream      = errors.New("envelope: truncated stream")
)

// Record-level errors reject a single record. Under the current-format
// decryption attempt any of these triggers the full-stream legacy fallback;
// under the legacy path they are surfaced to the caller.
var (
	ErrNonceMismatch      = errors.New("envelope: nonce does not match its derivation")
	ErrSequenceMismatch   = errors.New("envelope: manifest sequence does not match record")
	ErrBindingMismatch    = errors.New("envelope: manifest binding mismatch")
	ErrSignature          = errors.New("envelope: manifest signature verification failed")
	ErrAuthentication     = errors.New("envelope: chunk authentication failed")
	ErrPlaintextHash      = errors.New("envelope: plaintext hash mismatch")
	ErrChunkLength        = errors.New("envelope: chunk length out of bounds")
	ErrChunkIndexOverflow = errors.New("envelope: chunk index exceeds nonce counter capacity")
)

// Derivation input errors are rejected before any key material is produced.
var (
	ErrSaltLength   = errors.New("envelope: salt has wrong length")
	ErrSecretLength = errors.New("envelope: shared secret has wrong length")
)
