package envelope

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
)

// UnsealInfo summarizes a completed unseal pass.
type UnsealInfo struct {
	Records        int
	PlaintextBytes int64
	UsedFallback   bool
}

// attemptResult is the tagged outcome of one decryption attempt. A non-nil
// authFailure means "this stream was not produced by this derivation path";
// it is data for the dispatcher, not an error for the caller.
type attemptResult struct {
	chunks      [][]byte
	authFailure error
}

// Unseal parses, authenticates and decrypts an envelope, writing the
// plaintext chunks to dst in their original order.
//
// Decryption is a two-state dispatch: the current format's single-derivation
// scheme is attempted first across every record. If any record fails, all
// results gathered so far are discarded — partial success under the wrong
// format is not a valid outcome — the session key is zeroized, and every
// chunk is re-derived and re-decrypted through the legacy per-chunk path. If
// the legacy path also fails, its error is surfaced, since it carries the
// more specific diagnosis.
//
// Because nothing reaches dst until every record has authenticated, the whole
// envelope is parsed and decrypted in memory first; peak memory grows with
// envelope size up to the stream bounds.
func (e *Engine) Unseal(dst io.Writer, src io.Reader) (*UnsealInfo, error) {
	stream, err := ParseStream(src)
	if err != nil {
		return nil, err
	}

	secret, err := e.identity.SharedSecret(stream.Header.SenderKX[:])
	if err != nil {
		return nil, fmt.Errorf("key agreement failed: %w", err)
	}
	defer zeroBytes(secret)

	info := &UnsealInfo{}
	res, err := unsealCurrent(stream, secret)
	if err != nil {
		return nil, err
	}
	chunks := res.chunks
	if res.authFailure != nil {
		chunks, err = unsealLegacy(stream, secret)
		if err != nil {
			return nil, err
		}
		info.UsedFallback = true
	}

	for _, chunk := range chunks {
		if _, err := dst.Write(chunk); err != nil {
			return nil, fmt.Errorf("failed to write plaintext: %w", err)
		}
		info.Records++
		info.PlaintextBytes += int64(len(chunk))
	}
	return info, nil
}

// unsealCurrent attempts the current-format path: derive once from the
// envelope salt, then verify and decrypt every record. Record-level failures
// come back inside the tagged result; only conditions that would fail under
// either derivation path (an unimplemented algorithm) are returned as errors.
func unsealCurrent(stream *Stream, secret []byte) (attemptResult, error) {
	header := stream.Header.Header

	key, prefix, err := deriveSessionKeys(header.KDFAlg, secret, stream.Header.Salt)
	if err != nil {
		return attemptResult{}, err
	}
	defer zeroBytes(key)

	aead, err := newAEAD(header.AEADAlg, key)
	if err != nil {
		return attemptResult{}, err
	}

	chunks := make([][]byte, 0, len(stream.Records))
	for i, rec := range stream.Records {
		last := i == len(stream.Records)-1

		m, err := verifyRecord(stream, rec)
		if err != nil {
			return tagOrFail(err)
		}

		// Under the single-derivation scheme every record repeats the
		// envelope salt; anything else belongs to the per-chunk scheme.
		if rec.Salt != stream.Header.Salt {
			return attemptResult{authFailure: fmt.Errorf("%w: record %d salt", ErrBindingMismatch, rec.Seq)}, nil
		}

		want, err := buildNonce(prefix, uint32(rec.Seq), last)
		if err != nil {
			return attemptResult{}, err
		}
		if want != rec.Nonce {
			return attemptResult{authFailure: fmt.Errorf("%w: record %d", ErrNonceMismatch, rec.Seq)}, nil
		}

		plaintext, err := openChunk(aead, header.HashAlg, rec, stream.Header.HeaderHash, m)
		if err != nil {
			return tagOrFail(err)
		}
		chunks = append(chunks, plaintext)
	}
	return attemptResult{chunks: chunks}, nil
}

// unsealLegacy re-decrypts every record through the version-1 per-chunk
// derivation. Here every failure is final.
func unsealLegacy(stream *Stream, secret []byte) ([][]byte, error) {
	header := stream.Header.Header

	chunks := make([][]byte, 0, len(stream.Records))
	for _, rec := range stream.Records {
		m, err := verifyRecord(stream, rec)
		if err != nil {
			return nil, err
		}
		if buildLegacyNonce(header.NoncePrefix, rec.Seq) != rec.Nonce {
			return nil, fmt.Errorf("%w: record %d", ErrNonceMismatch, rec.Seq)
		}

		plaintext, err := unsealLegacyRecord(stream, rec, m, secret)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, plaintext)
	}
	return chunks, nil
}

// unsealLegacyRecord derives the chunk key from the record's own salt,
// decrypts, and zeroizes the key before returning on any path.
func unsealLegacyRecord(stream *Stream, rec *Record, m *Manifest, secret []byte) ([]byte, error) {
	header := stream.Header.Header

	key, err := deriveLegacyKey(header.KDFAlg, secret, rec.Salt)
	if err != nil {
		return nil, err
	}
	defer zeroBytes(key)

	aead, err := newAEAD(header.AEADAlg, key)
	if err != nil {
		return nil, err
	}
	return openChunk(aead, header.HashAlg, rec, stream.Header.HeaderHash, m)
}

// verifyRecord runs the derivation-independent checks shared by both paths:
// manifest parsing, cross-bindings and the provenance signature.
func verifyRecord(stream *Stream, rec *Record) (*Manifest, error) {
	m, err := UnmarshalManifest(rec.Manifest.Raw)
	if err != nil {
		return nil, err
	}
	if err := m.checkBindings(rec, stream.Header); err != nil {
		return nil, err
	}
	if err := rec.Manifest.verify(stream.Header.Header.SigAlg, stream.Header.Header.DeviceID); err != nil {
		return nil, err
	}
	return m, nil
}

// tagOrFail sorts a record-level error into the tagged result unless it is an
// algorithm-support problem, which no fallback can fix.
func tagOrFail(err error) (attemptResult, error) {
	if errors.Is(err, ErrUnsupportedAlgorithm) {
		return attemptResult{}, err
	}
	return attemptResult{authFailure: err}, nil
}

// StreamInfo is the decryption-free summary produced by Inspect.
type StreamInfo struct {
	Version    byte   `json:"version"`
	AEADAlg    byte   `json:"aead_alg"`
	SigAlg     byte   `json:"sig_alg"`
	HashAlg    byte   `json:"hash_alg"`
	KDFAlg     byte   `json:"kdf_alg"`
	KeyID      string `json:"key_id"`
	DeviceID   string `json:"device_id"`
	HeaderHash string `json:"header_hash"`
	ChunkSize  uint32 `json:"chunk_size"`
	Records    int    `json:"records"`
	SealedSize int64  `json:"sealed_size"`
}

// Inspect validates an envelope's structure — framing, header hash, algorithm
// identifiers, sequence contiguity, size bounds — without decrypting any
// payload and without any key material.
func Inspect(r io.Reader) (*StreamInfo, error) {
	cr := &countingReader{r: r}
	stream, err := ParseStream(cr)
	if err != nil {
		return nil, err
	}
	header := stream.Header.Header
	return &StreamInfo{
		Version:    header.Version,
		AEADAlg:    header.AEADAlg,
		SigAlg:     header.SigAlg,
		HashAlg:    header.HashAlg,
		KDFAlg:     header.KDFAlg,
		KeyID:      hex.EncodeToString(header.KeyID[:]),
		DeviceID:   hex.EncodeToString(header.DeviceID[:]),
		HeaderHash: hex.EncodeToString(stream.Header.HeaderHash[:]),
		ChunkSize:  header.ChunkSize,
		Records:    len(stream.Records),
		SealedSize: cr.n,
	}, nil
}
