// Package keyring provides the software key backend for envelope sealing:
// an Ed25519 signing key paired with an X25519 key-agreement key, persisted
// as a JSON identity file.
package keyring

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"

	"golang.org/x/crypto/curve25519"
)

const identityFileVersion = 1

// Identity holds a device's long-term key material. It satisfies the
// capability interface the envelope engine expects from a key backend.
type Identity struct {
	signingKey ed25519.PrivateKey
	kxPrivate  []byte
	kxPublic   []byte
}

// identityFile is the on-disk JSON shape. Private keys are stored as the
// 32-byte seeds, base64 encoded; the file must be kept at mode 0600.
type identityFile struct {
	Version     int    `json:"version"`
	SigningSeed string `json:"signing_seed"`
	KXSeed      string `json:"kx_seed"`
}

// Generate creates a fresh identity from the system CSPRNG.
func Generate() (*Identity, error) {
	signingSeed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(signingSeed); err != nil {
		return nil, fmt.Errorf("failed to generate signing seed: %w", err)
	}
	kxSeed := make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(kxSeed); err != nil {
		return nil, fmt.Errorf("failed to generate key-agreement seed: %w", err)
	}
	return fromSeeds(signingSeed, kxSeed)
}

func fromSeeds(signingSeed, kxSeed []byte) (*Identity, error) {
	if len(signingSeed) != ed25519.SeedSize {
		return nil, fmt.Errorf("signing seed must be %d bytes, got %d", ed25519.SeedSize, len(signingSeed))
	}
	if len(kxSeed) != curve25519.ScalarSize {
		return nil, fmt.Errorf("key-agreement seed must be %d bytes, got %d", curve25519.ScalarSize, len(kxSeed))
	}

	kxPublic, err := curve25519.X25519(kxSeed, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("failed to derive key-agreement public key: %w", err)
	}

	return &Identity{
		signingKey: ed25519.NewKeyFromSeed(signingSeed),
		kxPrivate:  append([]byte{}, kxSeed...),
		kxPublic:   kxPublic,
	}, nil
}

// SharedSecret runs X25519 against a peer's key-agreement public key.
func (id *Identity) SharedSecret(peerPublic []byte) ([]byte, error) {
	if len(peerPublic) != curve25519.PointSize {
		return nil, fmt.Errorf("peer public key must be %d bytes, got %d", curve25519.PointSize, len(peerPublic))
	}
	secret, err := curve25519.X25519(id.kxPrivate, peerPublic)
	if err != nil {
		return nil, fmt.Errorf("key agreement failed: %w", err)
	}
	return secret, nil
}

// Sign signs a message with the identity's Ed25519 key.
func (id *Identity) Sign(message []byte) ([]byte, error) {
	return ed25519.Sign(id.signingKey, message), nil
}

// SigningPublicKey returns the Ed25519 public key.
func (id *Identity) SigningPublicKey() []byte {
	return append([]byte{}, id.signingKey.Public().(ed25519.PublicKey)...)
}

// KXPublicKey returns the X25519 public key.
func (id *Identity) KXPublicKey() []byte {
	return append([]byte{}, id.kxPublic...)
}

// Save writes the identity file at mode 0600.
func (id *Identity) Save(path string) error {
	file := identityFile{
		Version:     identityFileVersion,
		SigningSeed: base64.StdEncoding.EncodeToString(id.signingKey.Seed()),
		KXSeed:      base64.StdEncoding.EncodeToString(id.kxPrivate),
	}
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode identity file: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0600); err != nil {
		return fmt.Errorf("failed to write identity file: %w", err)
	}
	return nil
}

// Load reads an identity file written by Save.
func Load(path string) (*Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read identity file: %w", err)
	}

	var file identityFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse identity file: %w", err)
	}
	if file.Version != identityFileVersion {
		return nil, fmt.Errorf("unsupported identity file version: %d", file.Version)
	}

	signingSeed, err := base64.StdEncoding.DecodeString(file.SigningSeed)
	if err != nil {
		return nil, fmt.Errorf("failed to decode signing seed: %w", err)
	}
	kxSeed, err := base64.StdEncoding.DecodeString(file.KXSeed)
	if err != nil {
		return nil, fmt.Errorf("failed to decode key-agreement seed: %w", err)
	}

	return fromSeeds(signingSeed, kxSeed)
}

// LoadPeerKey reads a peer's X25519 public key from a file containing the
// base64 encoding of the 32-byte point, as produced by SavePeerKey.
func LoadPeerKey(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read peer key file: %w", err)
	}
	trimmed := make([]byte, 0, len(data))
	for _, b := range data {
		if b != '\n' && b != '\r' && b != ' ' && b != '\t' {
			trimmed = append(trimmed, b)
		}
	}
	key, err := base64.StdEncoding.DecodeString(string(trimmed))
	if err != nil {
		return nil, fmt.Errorf("failed to decode peer key: %w", err)
	}
	if len(key) != curve25519.PointSize {
		return nil, fmt.Errorf("peer key must be %d bytes, got %d", curve25519.PointSize, len(key))
	}
	return key, nil
}

// SavePeerKey writes a key-agreement public key in the format LoadPeerKey
// reads.
func SavePeerKey(path string, key []byte) error {
	if len(key) != curve25519.PointSize {
		return fmt.Errorf("peer key must be %d bytes, got %d", curve25519.PointSize, len(key))
	}
	encoded := base64.StdEncoding.EncodeToString(key) + "\n"
	if err := os.WriteFile(path, []byte(encoded), 0644); err != nil {
		return fmt.Errorf("failed to write peer key file: %w", err)
	}
	return nil
}
