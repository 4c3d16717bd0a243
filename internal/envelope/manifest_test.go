package envelope

import (
	"errors"
	"testing"
	"time"
)

func sampleManifest() *Manifest {
	m := &Manifest{
		Version:   VersionCurrent,
		Timestamp: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC).Unix(),
		Seq:       42,
		DataType:  DataTypeAudio,
		ChunkLen:  4096,
	}
	for i := range m.HeaderHash {
		m.HeaderHash[i] = byte(i)
	}
	for i := range m.ContentHash {
		m.ContentHash[i] = byte(0xFF - i)
	}
	for i := range m.KeyID {
		m.KeyID[i] = byte(i * 3)
	}
	return m
}

func TestManifestMarshalRoundTrip(t *testing.T) {
	m := sampleManifest()
	raw := m.Marshal()
	if len(raw) != manifestSize {
		t.Fatalf("Marshal() length = %d, want %d", len(raw), manifestSize)
	}

	got, err := UnmarshalManifest(raw)
	if err != nil {
		t.Fatalf("UnmarshalManifest() error: %v", err)
	}
	if *got != *m {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, m)
	}
}

func TestUnmarshalManifestWrongSize(t *testing.T) {
	if _, err := UnmarshalManifest(make([]byte, manifestSize-1)); err == nil {
		t.Error("UnmarshalManifest() accepted a short manifest")
	}
	if _, err := UnmarshalManifest(make([]byte, manifestSize+1)); err == nil {
		t.Error("UnmarshalManifest() accepted an oversized manifest")
	}
}

func TestSignManifestVerify(t *testing.T) {
	identity := newTestIdentity(t)
	m := sampleManifest()

	signed, err := signManifest(m, identity)
	if err != nil {
		t.Fatalf("signManifest() error: %v", err)
	}

	deviceID := DeviceIDFromPublic(identity.SigningPublicKey())
	if err := signed.verify(SigEd25519, deviceID); err != nil {
		t.Errorf("verify() failed on untampered manifest: %v", err)
	}
}

func TestSignManifestVerifyRejections(t *testing.T) {
	identity := newTestIdentity(t)
	other := newTestIdentity(t)
	deviceID := DeviceIDFromPublic(identity.SigningPublicKey())

	tests := []struct {
		name   string
		mutate func(sm *SignedManifest)
		device [32]byte
	}{
		{
			name:   "flipped manifest bit",
			mutate: func(sm *SignedManifest) { sm.Raw[10] ^= 0x01 },
			device: deviceID,
		},
		{
			name:   "flipped signature bit",
			mutate: func(sm *SignedManifest) { sm.Signature[0] ^= 0x80 },
			device: deviceID,
		},
		{
			name:   "substituted public key",
			mutate: func(sm *SignedManifest) { sm.PublicKey = other.SigningPublicKey() },
			device: deviceID,
		},
		{
			name:   "wrong device identity",
			mutate: func(sm *SignedManifest) {},
			device: DeviceIDFromPublic(other.SigningPublicKey()),
		},
		{
			name:   "truncated public key",
			mutate: func(sm *SignedManifest) { sm.PublicKey = sm.PublicKey[:16] },
			device: deviceID,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			signed, err := signManifest(sampleManifest(), identity)
			if err != nil {
				t.Fatalf("signManifest() error: %v", err)
			}
			tt.mutate(&signed)
			if err := signed.verify(SigEd25519, tt.device); !errors.Is(err, ErrSignature) {
				t.Errorf("verify() error = %v, want ErrSignature", err)
			}
		})
	}
}

func TestVerifyUnsupportedSignatureAlgorithm(t *testing.T) {
	identity := newTestIdentity(t)
	signed, err := signManifest(sampleManifest(), identity)
	if err != nil {
		t.Fatalf("signManifest() error: %v", err)
	}

	deviceID := DeviceIDFromPublic(identity.SigningPublicKey())
	if err := signed.verify(SigDilithium3, deviceID); !errors.Is(err, ErrUnsupportedAlgorithm) {
		t.Errorf("verify() error = %v, want ErrUnsupportedAlgorithm", err)
	}
}

func TestDomainSeparation(t *testing.T) {
	// The signed message must not be the bare manifest: a signature over the
	// raw bytes alone must not verify.
	identity := newTestIdentity(t)
	m := sampleManifest()
	raw := m.Marshal()

	bareSig, err := identity.Sign(raw)
	if err != nil {
		t.Fatalf("Sign() error: %v", err)
	}
	sm := SignedManifest{Raw: raw, Signature: bareSig, PublicKey: identity.SigningPublicKey()}

	deviceID := DeviceIDFromPublic(identity.SigningPublicKey())
	if err := sm.verify(SigEd25519, deviceID); !errors.Is(err, ErrSignature) {
		t.Errorf("verify() accepted a signature without the domain separator")
	}
}
