package envelope

import "crypto/sha256"

// Identity is the capability set an envelope needs from a key backend: a
// bilateral shared-secret operation, a signing operation and public-key
// retrieval. Implementations range from a software key store to an OS
// credential store or a hardware token; the envelope core never looks past
// this interface.
type Identity interface {
	// SharedSecret runs the bilateral key agreement against a peer's
	// key-agreement public key.
	SharedSecret(peerPublic []byte) ([]byte, error)

	// Sign signs a message with the identity's signature key.
	Sign(message []byte) ([]byte, error)

	// SigningPublicKey returns the public half of the signature key.
	SigningPublicKey() []byte

	// KXPublicKey returns the public half of the key-agreement key.
	KXPublicKey() []byte
}

// KeyIDFromPublic derives the 16-byte key identifier written into file
// headers from a key-agreement public key.
func KeyIDFromPublic(kxPublic []byte) [keyIDSize]byte {
	var id [keyIDSize]byte
	sum := sha256.Sum256(kxPublic)
	copy(id[:], sum[:keyIDSize])
	return id
}

// DeviceIDFromPublic derives the 32-byte device-identity hash written into
// file headers from a signing public key.
func DeviceIDFromPublic(signingPublic []byte) [deviceIDSize]byte {
	return sha256.Sum256(signingPublic)
}
