package envelope

import (
	"crypto/ed25519"
	"encoding/binary"
	"fmt"
)

// Data-type tags describing what kind of payload a chunk carries.
const (
	DataTypeOpaque byte = 0
	DataTypeFile   byte = 1
	DataTypeAudio  byte = 2
	DataTypeSensor byte = 3
)

// manifestDomain is prepended to every manifest before signing. A signature
// produced under this protocol can therefore never verify in an unrelated
// protocol that signs similarly shaped byte strings.
const manifestDomain = "envseal.sig.manifest.v1:"

// manifestSize is the fixed serialized size of a manifest.
const manifestSize = 1 + 8 + 8 + digestSize + digestSize + keyIDSize + 1 + 4

// Manifest is the per-chunk provenance metadata. Its sequence, key identifier
// and header hash must match the enclosing record and stream header; the
// content hash and chunk length pin the exact plaintext the record decrypts
// to.
type Manifest struct {
	Version     byte
	Timestamp   int64 // unix seconds at seal time
	Seq         uint64
	HeaderHash  [digestSize]byte
	ContentHash [digestSize]byte
	KeyID       [keyIDSize]byte
	DataType    byte
	ChunkLen    uint32
}

// Marshal serializes the manifest into its fixed deterministic layout. The
// same bytes are signed, hashed into the chunk's associated data and written
// to the wire.
func (m *Manifest) Marshal() []byte {
	buf := make([]byte, manifestSize)
	buf[0] = m.Version
	binary.BigEndian.PutUint64(buf[1:9], uint64(m.Timestamp))
	binary.BigEndian.PutUint64(buf[9:17], m.Seq)
	copy(buf[17:49], m.HeaderHash[:])
	copy(buf[49:81], m.ContentHash[:])
	copy(buf[81:97], m.KeyID[:])
	buf[97] = m.DataType
	binary.BigEndian.PutUint32(buf[98:102], m.ChunkLen)
	return buf
}

// UnmarshalManifest parses a serialized manifest.
func UnmarshalManifest(data []byte) (*Manifest, error) {
	if len(data) != manifestSize {
		return nil, fmt.Errorf("%w: manifest is %d bytes, expected %d", ErrBindingMismatch, len(data), manifestSize)
	}
	m := &Manifest{
		Version:   data[0],
		Timestamp: int64(binary.BigEndian.Uint64(data[1:9])),
		Seq:       binary.BigEndian.Uint64(data[9:17]),
		DataType:  data[97],
		ChunkLen:  binary.BigEndian.Uint32(data[98:102]),
	}
	copy(m.HeaderHash[:], data[17:49])
	copy(m.ContentHash[:], data[49:81])
	copy(m.KeyID[:], data[81:97])
	return m, nil
}

// SignedManifest couples the serialized manifest with its domain-separated
// signature and the signer's public key.
type SignedManifest struct {
	Raw       []byte
	Signature []byte
	PublicKey []byte
}

// signingMessage builds the exact byte string that is signed and verified.
func signingMessage(raw []byte) []byte {
	msg := make([]byte, 0, len(manifestDomain)+len(raw))
	msg = append(msg, manifestDomain...)
	msg = append(msg, raw...)
	return msg
}

// signManifest serializes and signs a manifest with the given identity.
func signManifest(m *Manifest, signer Identity) (SignedManifest, error) {
	raw := m.Marshal()
	sig, err := signer.Sign(signingMessage(raw))
	if err != nil {
		return SignedManifest{}, fmt.Errorf("failed to sign manifest: %w", err)
	}
	return SignedManifest{
		Raw:       raw,
		Signature: sig,
		PublicKey: signer.SigningPublicKey(),
	}, nil
}

// verify checks the domain-separated signature against the embedded public
// key and confirms the key matches the device identity in the header. Any
// mismatch is a hard, non-retried rejection.
func (sm *SignedManifest) verify(sigAlg byte, deviceID [deviceIDSize]byte) error {
	if !signatureSupported(sigAlg) {
		return fmt.Errorf("%w: signature id %d is not implemented", ErrUnsupportedAlgorithm, sigAlg)
	}
	if len(sm.PublicKey) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: public key is %d bytes", ErrSignature, len(sm.PublicKey))
	}
	if DeviceIDFromPublic(sm.PublicKey) != deviceID {
		return fmt.Errorf("%w: signer does not match device identity", ErrSignature)
	}
	if !ed25519.Verify(ed25519.PublicKey(sm.PublicKey), signingMessage(sm.Raw), sm.Signature) {
		return ErrSignature
	}
	return nil
}

// checkBindings enforces the manifest's cross-references against the
// enclosing record and stream header.
func (m *Manifest) checkBindings(rec *Record, sh *StreamHeader) error {
	if m.Seq != rec.Seq {
		return fmt.Errorf("%w: manifest %d, record %d", ErrSequenceMismatch, m.Seq, rec.Seq)
	}
	if m.HeaderHash != sh.HeaderHash {
		return fmt.Errorf("%w: header hash", ErrBindingMismatch)
	}
	if m.KeyID != sh.Header.KeyID {
		return fmt.Errorf("%w: key identifier", ErrBindingMismatch)
	}
	if m.Version != sh.Header.Version {
		return fmt.Errorf("%w: format version", ErrBindingMismatch)
	}
	if m.ChunkLen > sh.Header.ChunkSize {
		return fmt.Errorf("%w: manifest declares %d bytes, chunk bound is %d", ErrChunkLength, m.ChunkLen, sh.Header.ChunkSize)
	}
	return nil
}
