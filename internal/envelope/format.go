// Package envelope implements a streaming authenticated-encryption container
// format for files and live data streams. An envelope binds every encrypted
// chunk to a signed provenance manifest and to the stream header, so a reader
// can verify who produced the data and that nothing was reordered, truncated
// or substituted.
//
// Wire layout:
//
//	stream        = preamble ‖ stream header ‖ record*
//	preamble      = magic(4) ‖ version(1)
//	stream header = header len BE16 ‖ file header ‖ header hash(32) ‖ salt(32) ‖ sender kx pub(32)
//	record        = seq BE64 ‖ nonce(12) ‖ salt(32) ‖ manifest frame ‖ ciphertext frame
//
// Two incompatible format versions exist. Version 2 (current) derives one
// session key per envelope and builds chunk nonces deterministically from a
// derived prefix and the chunk counter. Version 1 (legacy) derives a fresh key
// per chunk from a chunk-local salt. The reader attempts the current scheme
// first and falls back to the legacy scheme on authentication failure.
package envelope

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// Magic is the 4-byte constant opening every envelope stream.
var Magic = [4]byte{'E', 'N', 'V', 'S'}

const (
	// VersionLegacy is format version 1: per-chunk key derivation.
	VersionLegacy byte = 1
	// VersionCurrent is format version 2: single per-envelope derivation.
	VersionCurrent byte = 2

	preambleSize = 5

	headerSizeV1 = 58
	headerSizeV2 = 66

	keyIDSize          = 16
	deviceIDSize       = 32
	legacyPrefixSize   = 4
	saltSize           = 32
	kxPublicKeySize    = 32
	streamHeaderSuffix = digestSize + saltSize + kxPublicKeySize

	// MaxChunkSize is the exclusive upper bound on the per-chunk size
	// declared in a file header.
	MaxChunkSize = 128 << 20
	// MaxStreamSize is the inclusive upper bound on a whole envelope stream.
	MaxStreamSize = 10 << 30
	// MaxRecords is the inclusive upper bound on the record count.
	MaxRecords = 1_000_000

	// Sanity bounds on variable-length record frames.
	maxManifestLen  = 4096
	maxSignatureLen = 4096
	maxPublicKeyLen = 4096
)

// FileHeader is the fixed-size header embedded in the stream header. Version 1
// carries a single implicit AEAD algorithm byte; version 2 spells out all four
// algorithm choices explicitly.
type FileHeader struct {
	Version     byte
	AEADAlg     byte
	SigAlg      byte
	HashAlg     byte
	KDFAlg      byte
	KeyID       [keyIDSize]byte
	DeviceID    [deviceIDSize]byte
	NoncePrefix [legacyPrefixSize]byte
	ChunkSize   uint32
}

// headerSize returns the exact serialized size for a format version.
func headerSize(version byte) (int, error) {
	switch version {
	case VersionLegacy:
		return headerSizeV1, nil
	case VersionCurrent:
		return headerSizeV2, nil
	default:
		return 0, fmt.Errorf("%w: %d", ErrUnsupportedVersion, version)
	}
}

// Marshal serializes the header into its version's fixed layout.
func (h *FileHeader) Marshal() ([]byte, error) {
	if err := h.validate(); err != nil {
		return nil, err
	}

	switch h.Version {
	case VersionLegacy:
		buf := make([]byte, headerSizeV1)
		buf[0] = h.Version
		buf[1] = h.AEADAlg
		copy(buf[2:18], h.KeyID[:])
		copy(buf[18:50], h.DeviceID[:])
		copy(buf[50:54], h.NoncePrefix[:])
		binary.BigEndian.PutUint32(buf[54:58], h.ChunkSize)
		return buf, nil
	case VersionCurrent:
		buf := make([]byte, headerSizeV2)
		buf[0] = h.Version
		buf[1] = h.AEADAlg
		buf[2] = h.SigAlg
		buf[3] = h.HashAlg
		buf[4] = h.KDFAlg
		// bytes 5..8 reserved
		copy(buf[8:24], h.KeyID[:])
		copy(buf[24:56], h.DeviceID[:])
		copy(buf[56:60], h.NoncePrefix[:])
		binary.BigEndian.PutUint32(buf[60:64], h.ChunkSize)
		// bytes 64..66 reserved
		return buf, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, h.Version)
	}
}

// UnmarshalFileHeader parses a serialized header. The byte length must exactly
// match the declared version's fixed size, and every algorithm identifier must
// be a known one; both are checked here, at parse time, not when the values
// are first used.
func UnmarshalFileHeader(data []byte) (*FileHeader, error) {
	if len(data) < 1 {
		return nil, ErrTruncatedStream
	}

	version := data[0]
	want, err := headerSize(version)
	if err != nil {
		return nil, err
	}
	if len(data) != want {
		return nil, fmt.Errorf("%w: version %d expects %d bytes, got %d", ErrHeaderLength, version, want, len(data))
	}

	h := &FileHeader{Version: version}
	switch version {
	case VersionLegacy:
		h.AEADAlg = data[1]
		h.SigAlg = SigEd25519
		h.HashAlg = HashSHA256
		h.KDFAlg = KDFHKDF
		copy(h.KeyID[:], data[2:18])
		copy(h.DeviceID[:], data[18:50])
		copy(h.NoncePrefix[:], data[50:54])
		h.ChunkSize = binary.BigEndian.Uint32(data[54:58])
	case VersionCurrent:
		h.AEADAlg = data[1]
		h.SigAlg = data[2]
		h.HashAlg = data[3]
		h.KDFAlg = data[4]
		copy(h.KeyID[:], data[8:24])
		copy(h.DeviceID[:], data[24:56])
		copy(h.NoncePrefix[:], data[56:60])
		h.ChunkSize = binary.BigEndian.Uint32(data[60:64])
	}

	if err := h.validate(); err != nil {
		return nil, err
	}
	return h, nil
}

// validate enforces algorithm table membership and the chunk-size bound.
func (h *FileHeader) validate() error {
	if h.Version != VersionLegacy && h.Version != VersionCurrent {
		return fmt.Errorf("%w: %d", ErrUnsupportedVersion, h.Version)
	}
	if !knownAEAD(h.AEADAlg) {
		return fmt.Errorf("%w: AEAD id %d", ErrUnsupportedAlgorithm, h.AEADAlg)
	}
	if h.Version == VersionCurrent {
		if !knownSignature(h.SigAlg) {
			return fmt.Errorf("%w: signature id %d", ErrUnsupportedAlgorithm, h.SigAlg)
		}
		if !knownHash(h.HashAlg) {
			return fmt.Errorf("%w: hash id %d", ErrUnsupportedAlgorithm, h.HashAlg)
		}
		if !knownKDF(h.KDFAlg) {
			return fmt.Errorf("%w: KDF id %d", ErrUnsupportedAlgorithm, h.KDFAlg)
		}
	} else {
		// Version 1 serializes no signature, hash or KDF bytes; a header
		// holding anything but the implicit set would not survive its own
		// round trip.
		if h.SigAlg != SigEd25519 || h.HashAlg != HashSHA256 || h.KDFAlg != KDFHKDF {
			return fmt.Errorf("%w: version 1 implies Ed25519, SHA-256 and HKDF", ErrUnsupportedAlgorithm)
		}
	}
	if h.ChunkSize == 0 || h.ChunkSize >= MaxChunkSize {
		return fmt.Errorf("%w: %d", ErrChunkSizeBound, h.ChunkSize)
	}
	return nil
}

// StreamHeader wraps the serialized file header together with its content
// hash, the per-envelope key-derivation salt and the sender's key-agreement
// public key.
type StreamHeader struct {
	Header      *FileHeader
	HeaderBytes []byte
	HeaderHash  [digestSize]byte
	Salt        [saltSize]byte
	SenderKX    [kxPublicKeySize]byte
}

// Record is one encrypted chunk with its provenance. Salt is the chunk-local
// derivation salt under the legacy format; under the current format it repeats
// the envelope salt so that record framing is identical across versions.
type Record struct {
	Seq        uint64
	Nonce      [nonceSize]byte
	Salt       [saltSize]byte
	Manifest   SignedManifest
	Ciphertext []byte
}

// Stream is a fully parsed envelope, framing-validated but not yet decrypted.
type Stream struct {
	Version byte
	Header  *StreamHeader
	Records []*Record
}

func writePreamble(w io.Writer, version byte) error {
	buf := make([]byte, preambleSize)
	copy(buf, Magic[:])
	buf[4] = version
	_, err := w.Write(buf)
	return err
}

func writeStreamHeader(w io.Writer, sh *StreamHeader) error {
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(sh.HeaderBytes)))
	for _, part := range [][]byte{lenBuf[:], sh.HeaderBytes, sh.HeaderHash[:], sh.Salt[:], sh.SenderKX[:]} {
		if _, err := w.Write(part); err != nil {
			return err
		}
	}
	return nil
}

func writeRecord(w io.Writer, rec *Record) error {
	var fixed [8 + nonceSize]byte
	binary.BigEndian.PutUint64(fixed[:8], rec.Seq)
	copy(fixed[8:], rec.Nonce[:])
	if _, err := w.Write(fixed[:]); err != nil {
		return err
	}
	if _, err := w.Write(rec.Salt[:]); err != nil {
		return err
	}

	var len32 [4]byte
	var len16 [2]byte

	binary.BigEndian.PutUint32(len32[:], uint32(len(rec.Manifest.Raw)))
	if _, err := w.Write(len32[:]); err != nil {
		return err
	}
	if _, err := w.Write(rec.Manifest.Raw); err != nil {
		return err
	}
	binary.BigEndian.PutUint16(len16[:], uint16(len(rec.Manifest.Signature)))
	if _, err := w.Write(len16[:]); err != nil {
		return err
	}
	if _, err := w.Write(rec.Manifest.Signature); err != nil {
		return err
	}
	binary.BigEndian.PutUint16(len16[:], uint16(len(rec.Manifest.PublicKey)))
	if _, err := w.Write(len16[:]); err != nil {
		return err
	}
	if _, err := w.Write(rec.Manifest.PublicKey); err != nil {
		return err
	}

	binary.BigEndian.PutUint32(len32[:], uint32(len(rec.Ciphertext)))
	if _, err := w.Write(len32[:]); err != nil {
		return err
	}
	_, err := w.Write(rec.Ciphertext)
	return err
}

// countingReader tracks consumed bytes so the stream-size bound can be
// enforced while parsing.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// ParseStream reads and framing-validates a whole envelope. It enforces the
// preamble magic and version, the exact header length for the declared
// version, the stream-header hash, algorithm table membership, strict record
// sequence contiguity and all hard size bounds. It performs no decryption.
func ParseStream(r io.Reader) (*Stream, error) {
	cr := &countingReader{r: r}
	br := bufio.NewReader(cr)

	var pre [preambleSize]byte
	if _, err := io.ReadFull(br, pre[:]); err != nil {
		return nil, fmt.Errorf("%w: reading preamble: %v", ErrTruncatedStream, err)
	}
	if [4]byte(pre[:4]) != Magic {
		return nil, ErrBadMagic
	}
	version := pre[4]
	wantLen, err := headerSize(version)
	if err != nil {
		return nil, err
	}

	var lenBuf [2]byte
	if _, err := io.ReadFull(br, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("%w: reading header length: %v", ErrTruncatedStream, err)
	}
	hdrLen := int(binary.BigEndian.Uint16(lenBuf[:]))
	if hdrLen != wantLen {
		return nil, fmt.Errorf("%w: version %d expects %d bytes, got %d", ErrHeaderLength, version, wantLen, hdrLen)
	}

	headerBytes := make([]byte, hdrLen)
	if _, err := io.ReadFull(br, headerBytes); err != nil {
		return nil, fmt.Errorf("%w: reading file header: %v", ErrTruncatedStream, err)
	}
	header, err := UnmarshalFileHeader(headerBytes)
	if err != nil {
		return nil, err
	}
	if header.Version != version {
		return nil, fmt.Errorf("%w: preamble declares %d, header declares %d", ErrUnsupportedVersion, version, header.Version)
	}

	sh := &StreamHeader{Header: header, HeaderBytes: headerBytes}
	if _, err := io.ReadFull(br, sh.HeaderHash[:]); err != nil {
		return nil, fmt.Errorf("%w: reading header hash: %v", ErrTruncatedStream, err)
	}
	if _, err := io.ReadFull(br, sh.Salt[:]); err != nil {
		return nil, fmt.Errorf("%w: reading salt: %v", ErrTruncatedStream, err)
	}
	if _, err := io.ReadFull(br, sh.SenderKX[:]); err != nil {
		return nil, fmt.Errorf("%w: reading sender key: %v", ErrTruncatedStream, err)
	}

	wantHash, err := sumDigest(header.HashAlg, headerBytes)
	if err != nil {
		return nil, err
	}
	if wantHash != sh.HeaderHash {
		return nil, ErrHeaderHashMismatch
	}

	stream := &Stream{Version: version, Header: sh}
	for seq := uint64(1); ; seq++ {
		rec, err := parseRecord(br, header.ChunkSize)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if rec.Seq != seq {
			return nil, fmt.Errorf("%w: expected %d, got %d", ErrSequenceGap, seq, rec.Seq)
		}
		if len(stream.Records) >= MaxRecords {
			return nil, ErrTooManyRecords
		}
		stream.Records = append(stream.Records, rec)
		if cr.n > MaxStreamSize {
			return nil, ErrStreamTooLarge
		}
	}
	if cr.n > MaxStreamSize {
		return nil, ErrStreamTooLarge
	}
	return stream, nil
}

// parseRecord reads one record frame. io.EOF at the first byte means the
// stream ended cleanly; EOF anywhere else is a truncation.
func parseRecord(r io.Reader, chunkSize uint32) (*Record, error) {
	var fixed [8 + nonceSize]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("%w: reading record: %v", ErrTruncatedStream, err)
	}

	rec := &Record{Seq: binary.BigEndian.Uint64(fixed[:8])}
	copy(rec.Nonce[:], fixed[8:])
	if _, err := io.ReadFull(r, rec.Salt[:]); err != nil {
		return nil, fmt.Errorf("%w: reading record salt: %v", ErrTruncatedStream, err)
	}

	manifest, err := readFrame32(r, maxManifestLen, "manifest")
	if err != nil {
		return nil, err
	}
	rec.Manifest.Raw = manifest

	sig, err := readFrame16(r, maxSignatureLen, "signature")
	if err != nil {
		return nil, err
	}
	rec.Manifest.Signature = sig

	pub, err := readFrame16(r, maxPublicKeyLen, "public key")
	if err != nil {
		return nil, err
	}
	rec.Manifest.PublicKey = pub

	ct, err := readFrame32(r, int(chunkSize)+tagSize, "ciphertext")
	if err != nil {
		return nil, err
	}
	rec.Ciphertext = ct
	return rec, nil
}

func readFrame32(r io.Reader, max int, what string) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("%w: reading %s length: %v", ErrTruncatedStream, what, err)
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if int64(n) > int64(max) {
		return nil, fmt.Errorf("%w: %s frame of %d bytes exceeds %d", ErrChunkLength, what, n, max)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", ErrTruncatedStream, what, err)
	}
	return buf, nil
}

func readFrame16(r io.Reader, max int, what string) ([]byte, error) {
	var lenBuf [2]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("%w: reading %s length: %v", ErrTruncatedStream, what, err)
	}
	n := int(binary.BigEndian.Uint16(lenBuf[:]))
	if n > max {
		return nil, fmt.Errorf("%w: %s frame of %d bytes exceeds %d", ErrChunkLength, what, n, max)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", ErrTruncatedStream, what, err)
	}
	return buf, nil
}
