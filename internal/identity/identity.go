// Package identity derives the node keypair and discovery keys.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

const ChallengeSize = 32

var ErrInvalidPublicKey = errors.New("public key must be 32 bytes")

// discoveryNamespace matches hypercore's discovery key derivation.
var discoveryNamespace = []byte("hypercore")

type KeyPair struct {
	PublicKey ed25519.PublicKey
	SecretKey ed25519.PrivateKey
}

// FromSeed is deterministic for a given 32-byte seed.
func FromSeed(seed []byte) (KeyPair, error) {
	if len(seed) != ed25519.SeedSize {
		return KeyPair{}, fmt.Errorf("seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	sk := ed25519.NewKeyFromSeed(seed)
	return KeyPair{
		PublicKey: sk.Public().(ed25519.PublicKey),
		SecretKey: sk,
	}, nil
}

// FromSecret hashes the user secret into the seed.
func FromSecret(secret string) (KeyPair, error) {
	if secret == "" {
		return KeyPair{}, errors.New("empty user secret")
	}
	seed := sha256.Sum256([]byte(secret))
	return FromSeed(seed[:])
}

func (k KeyPair) PublicKeyHex() string {
	return hex.EncodeToString(k.PublicKey)
}

func (k KeyPair) Sign(msg []byte) []byte {
	return ed25519.Sign(k.SecretKey, msg)
}

func DiscoveryKey(publicKey []byte) ([]byte, error) {
	if len(publicKey) != ed25519.PublicKeySize {
		return nil, ErrInvalidPublicKey
	}
	h, err := blake2b.New256(publicKey)
	if err != nil {
		return nil, err
	}
	h.Write(discoveryNamespace)
	return h.Sum(nil), nil
}

func Verify(publicKey, msg, sig []byte) bool {
	if len(publicKey) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(publicKey, msg, sig)
}

func RandomBytes(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("read random bytes: %w", err)
	}
	return buf, nil
}

func NewChallenge() ([]byte, error) {
	return RandomBytes(ChallengeSize)
}
