package envelope

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"golang.org/x/crypto/curve25519"
)

// testIdentity is a minimal software key backend for tests: X25519 key
// agreement plus Ed25519 signing.
type testIdentity struct {
	signPub  ed25519.PublicKey
	signPriv ed25519.PrivateKey
	kxPriv   []byte
	kxPub    []byte
}

func newTestIdentity(t *testing.T) *testIdentity {
	t.Helper()

	signPub, signPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate signing key: %v", err)
	}

	kxPriv := make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(kxPriv); err != nil {
		t.Fatalf("failed to generate key-agreement key: %v", err)
	}
	kxPub, err := curve25519.X25519(kxPriv, curve25519.Basepoint)
	if err != nil {
		t.Fatalf("failed to derive key-agreement public key: %v", err)
	}

	return &testIdentity{signPub: signPub, signPriv: signPriv, kxPriv: kxPriv, kxPub: kxPub}
}

func (i *testIdentity) SharedSecret(peerPublic []byte) ([]byte, error) {
	return curve25519.X25519(i.kxPriv, peerPublic)
}

func (i *testIdentity) Sign(message []byte) ([]byte, error) {
	return ed25519.Sign(i.signPriv, message), nil
}

func (i *testIdentity) SigningPublicKey() []byte { return i.signPub }

func (i *testIdentity) KXPublicKey() []byte { return i.kxPub }

// deterministicData produces reproducible pseudo-random payloads without
// touching the crypto RNG.
func deterministicData(n int) []byte {
	data := make([]byte, n)
	state := uint32(0x9E3779B9)
	for i := range data {
		state = state*1664525 + 1013904223
		data[i] = byte(state >> 24)
	}
	return data
}
