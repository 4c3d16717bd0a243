package envelope

import (
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"
	"time"
)

// DefaultChunkSize balances memory usage against per-chunk overhead.
const DefaultChunkSize = 64 * 1024

// Options configures an Engine. Zero values select the current format with
// AES-256-GCM, Ed25519, SHA-256 and HKDF.
type Options struct {
	FormatVersion byte
	ChunkSize     uint32
	AEADAlg       byte
	SigAlg        byte
	HashAlg       byte
	KDFAlg        byte
	DataType      byte
}

// Engine seals and unseals envelopes under one identity. An Engine holds no
// derived key material between calls; independent envelopes may be processed
// concurrently from separate goroutines.
type Engine struct {
	identity Identity
	opts     Options
}

// NewEngine validates the options and returns an engine. Algorithm choices
// that parse but have no implementation are rejected here rather than
// midway through a seal.
func NewEngine(identity Identity, opts Options) (*Engine, error) {
	if identity == nil {
		return nil, fmt.Errorf("envelope: identity is required")
	}
	if opts.FormatVersion == 0 {
		opts.FormatVersion = VersionCurrent
	}
	if opts.FormatVersion != VersionLegacy && opts.FormatVersion != VersionCurrent {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, opts.FormatVersion)
	}
	if opts.ChunkSize == 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.ChunkSize >= MaxChunkSize {
		return nil, fmt.Errorf("%w: %d", ErrChunkSizeBound, opts.ChunkSize)
	}
	if opts.AEADAlg == 0 {
		opts.AEADAlg = AEADAES256GCM
	}
	if opts.SigAlg == 0 {
		opts.SigAlg = SigEd25519
	}
	if opts.HashAlg == 0 {
		opts.HashAlg = HashSHA256
	}
	if opts.KDFAlg == 0 {
		opts.KDFAlg = KDFHKDF
	}

	// A version-1 header carries only the AEAD choice; signature, hash and
	// KDF are implicit. Sealing with any other combination would emit an
	// envelope whose own header cannot reconstruct it.
	if opts.FormatVersion == VersionLegacy {
		if opts.SigAlg != SigEd25519 || opts.HashAlg != HashSHA256 || opts.KDFAlg != KDFHKDF {
			return nil, fmt.Errorf("%w: format version 1 implies Ed25519, SHA-256 and HKDF", ErrUnsupportedAlgorithm)
		}
	}

	// Probe each choice for an actual implementation.
	probe := make([]byte, symmetricKeySize)
	if _, err := newAEAD(opts.AEADAlg, probe); err != nil {
		return nil, err
	}
	if _, err := newDigest(opts.HashAlg); err != nil {
		return nil, err
	}
	if !signatureSupported(opts.SigAlg) {
		return nil, fmt.Errorf("%w: signature id %d is not implemented", ErrUnsupportedAlgorithm, opts.SigAlg)
	}
	if !knownKDF(opts.KDFAlg) {
		return nil, fmt.Errorf("%w: KDF id %d", ErrUnsupportedAlgorithm, opts.KDFAlg)
	}

	return &Engine{identity: identity, opts: opts}, nil
}

// SealInfo summarizes a completed seal pass.
type SealInfo struct {
	Records        int
	PlaintextBytes int64
	SealedBytes    int64
}

// countingWriter tracks emitted bytes so the stream-size bound holds on the
// write path too.
type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// Seal encrypts src into dst as one envelope addressed to the holder of
// recipientKX. Chunks are sealed in strict increasing sequence from 1; the
// final chunk's nonce carries the all-ones flag byte so truncation is
// detectable.
func (e *Engine) Seal(dst io.Writer, src io.Reader, recipientKX []byte) (*SealInfo, error) {
	secret, err := e.identity.SharedSecret(recipientKX)
	if err != nil {
		return nil, fmt.Errorf("key agreement failed: %w", err)
	}
	defer zeroBytes(secret)

	header := &FileHeader{
		Version:   e.opts.FormatVersion,
		AEADAlg:   e.opts.AEADAlg,
		SigAlg:    e.opts.SigAlg,
		HashAlg:   e.opts.HashAlg,
		KDFAlg:    e.opts.KDFAlg,
		KeyID:     KeyIDFromPublic(recipientKX),
		DeviceID:  DeviceIDFromPublic(e.identity.SigningPublicKey()),
		ChunkSize: e.opts.ChunkSize,
	}
	if _, err := rand.Read(header.NoncePrefix[:]); err != nil {
		return nil, fmt.Errorf("failed to generate nonce prefix: %w", err)
	}

	headerBytes, err := header.Marshal()
	if err != nil {
		return nil, err
	}
	headerHash, err := sumDigest(header.HashAlg, headerBytes)
	if err != nil {
		return nil, err
	}

	sh := &StreamHeader{Header: header, HeaderBytes: headerBytes, HeaderHash: headerHash}
	if _, err := rand.Read(sh.Salt[:]); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	copy(sh.SenderKX[:], e.identity.KXPublicKey())

	cw := &countingWriter{w: dst}
	if err := writePreamble(cw, header.Version); err != nil {
		return nil, fmt.Errorf("failed to write preamble: %w", err)
	}
	if err := writeStreamHeader(cw, sh); err != nil {
		return nil, fmt.Errorf("failed to write stream header: %w", err)
	}

	var info *SealInfo
	if header.Version == VersionCurrent {
		info, err = e.sealCurrent(cw, src, secret, sh)
	} else {
		info, err = e.sealLegacy(cw, src, secret, sh)
	}
	if err != nil {
		return nil, err
	}
	info.SealedBytes = cw.n
	return info, nil
}

// sealCurrent runs the version-2 path: one derivation per envelope, then a
// deterministic nonce per chunk with no randomness in the hot loop.
func (e *Engine) sealCurrent(dst *countingWriter, src io.Reader, secret []byte, sh *StreamHeader) (*SealInfo, error) {
	key, prefix, err := deriveSessionKeys(sh.Header.KDFAlg, secret, sh.Salt)
	if err != nil {
		return nil, err
	}
	defer zeroBytes(key)

	aead, err := newAEAD(sh.Header.AEADAlg, key)
	if err != nil {
		return nil, err
	}

	info := &SealInfo{}
	err = forEachChunk(src, sh.Header.ChunkSize, func(seq uint64, chunk []byte, last bool) error {
		nonce, err := buildNonce(prefix, uint32(seq), last)
		if err != nil {
			return err
		}
		rec, err := e.buildRecord(sh, seq, nonce, sh.Salt, chunk, aead)
		if err != nil {
			return err
		}
		if err := e.emitRecord(dst, rec, info, len(chunk)); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return info, nil
}

// sealLegacy runs the version-1 path: a fresh salt and a fresh key per chunk,
// each key zeroized immediately after its chunk is sealed.
func (e *Engine) sealLegacy(dst *countingWriter, src io.Reader, secret []byte, sh *StreamHeader) (*SealInfo, error) {
	info := &SealInfo{}
	err := forEachChunk(src, sh.Header.ChunkSize, func(seq uint64, chunk []byte, last bool) error {
		var chunkSalt [saltSize]byte
		if _, err := rand.Read(chunkSalt[:]); err != nil {
			return fmt.Errorf("failed to generate chunk salt: %w", err)
		}
		key, err := deriveLegacyKey(sh.Header.KDFAlg, secret, chunkSalt)
		if err != nil {
			return err
		}
		defer zeroBytes(key)

		aead, err := newAEAD(sh.Header.AEADAlg, key)
		if err != nil {
			return err
		}
		nonce := buildLegacyNonce(sh.Header.NoncePrefix, seq)
		rec, err := e.buildRecord(sh, seq, nonce, chunkSalt, chunk, aead)
		if err != nil {
			return err
		}
		return e.emitRecord(dst, rec, info, len(chunk))
	})
	if err != nil {
		return nil, err
	}
	return info, nil
}

// buildRecord signs the chunk's manifest and seals the chunk under the
// 88-byte associated data.
func (e *Engine) buildRecord(sh *StreamHeader, seq uint64, nonce [nonceSize]byte, salt [saltSize]byte, chunk []byte, aead cipher.AEAD) (*Record, error) {
	contentHash, err := sumDigest(sh.Header.HashAlg, chunk)
	if err != nil {
		return nil, err
	}

	manifest := &Manifest{
		Version:     sh.Header.Version,
		Timestamp:   time.Now().Unix(),
		Seq:         seq,
		HeaderHash:  sh.HeaderHash,
		ContentHash: contentHash,
		KeyID:       sh.Header.KeyID,
		DataType:    e.opts.DataType,
		ChunkLen:    uint32(len(chunk)),
	}
	signed, err := signManifest(manifest, e.identity)
	if err != nil {
		return nil, err
	}

	manifestHash, err := sumDigest(sh.Header.HashAlg, signed.Raw)
	if err != nil {
		return nil, err
	}
	aad := buildAAD(sh.HeaderHash, seq, nonce, manifestHash, uint32(len(chunk)))

	return &Record{
		Seq:        seq,
		Nonce:      nonce,
		Salt:       salt,
		Manifest:   signed,
		Ciphertext: sealChunk(aead, nonce, chunk, aad),
	}, nil
}

func (e *Engine) emitRecord(dst *countingWriter, rec *Record, info *SealInfo, chunkLen int) error {
	if info.Records >= MaxRecords {
		return ErrTooManyRecords
	}
	if err := writeRecord(dst, rec); err != nil {
		return fmt.Errorf("failed to write record %d: %w", rec.Seq, err)
	}
	if dst.n > MaxStreamSize {
		return ErrStreamTooLarge
	}
	info.Records++
	info.PlaintextBytes += int64(chunkLen)
	return nil
}

// forEachChunk feeds src to fn one chunk at a time in sequence order. It
// reads one chunk ahead so fn learns whether its chunk is the final one,
// which the current format bakes into the nonce flag byte.
func forEachChunk(src io.Reader, chunkSize uint32, fn func(seq uint64, chunk []byte, last bool) error) error {
	cur := make([]byte, chunkSize)
	next := make([]byte, chunkSize)

	curN, err := readChunk(src, cur)
	if err != nil {
		return err
	}
	if curN == 0 {
		return nil
	}

	for seq := uint64(1); ; seq++ {
		nextN, err := readChunk(src, next)
		if err != nil {
			return err
		}
		last := nextN == 0
		if err := fn(seq, cur[:curN], last); err != nil {
			return err
		}
		if last {
			return nil
		}
		cur, next = next, cur
		curN = nextN
	}
}

// readChunk fills buf as far as the source allows. It returns 0 bytes only at
// a clean end of stream.
func readChunk(src io.Reader, buf []byte) (int, error) {
	n, err := io.ReadFull(src, buf)
	switch err {
	case nil, io.ErrUnexpectedEOF:
		return n, nil
	case io.EOF:
		return 0, nil
	default:
		return 0, fmt.Errorf("failed to read plaintext: %w", err)
	}
}
