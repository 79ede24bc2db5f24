package store

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/scrypt"
)

const (
	// scryptN is the CPU/memory cost parameter for scrypt key derivation (2^15).
	scryptN = 32768

	// scryptR is the block size parameter for scrypt key derivation.
	scryptR = 8

	// scryptP is the parallelization parameter for scrypt key derivation.
	scryptP = 1

	// scryptKeyLen is the derived key length in bytes.
	scryptKeyLen = 32

	// sealSaltLen is the length of the per-store random salt in bytes.
	sealSaltLen = 16
)

// sealer encrypts store values at rest with AES-256-GCM under a key
// derived from the configured secret via scrypt. Both directions use the
// format [12-byte nonce][ciphertext+GCM tag]. A value sealed under a
// different secret fails to open, which the store reports as absent.
type sealer struct {
	gcm cipher.AEAD
}

func newSealer(secret string, salt []byte) (*sealer, error) {
	key, err := scrypt.Key([]byte(secret), salt, scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return nil, fmt.Errorf("deriving seal key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}

	zeroKey(key)

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}

	return &sealer{gcm: gcm}, nil
}

// zeroKey overwrites key material once the cipher holds its own copy.
func zeroKey(key []byte) {
	for i := range key {
		key[i] = 0
	}
}

func newSealSalt() ([]byte, error) {
	salt := make([]byte, sealSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generating seal salt: %w", err)
	}

	return salt, nil
}

// seal encrypts plaintext with a random nonce.
// Returns [12-byte nonce][ciphertext+tag].
func (s *sealer) seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, s.gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}

	ciphertext := s.gcm.Seal(nil, nonce, plaintext, nil)
	result := make([]byte, len(nonce)+len(ciphertext))
	copy(result, nonce)
	copy(result[len(nonce):], ciphertext)

	return result, nil
}

// open decrypts a sealed value. A payload of exactly nonce size (no
// ciphertext or tag) is treated as empty content.
func (s *sealer) open(data []byte) ([]byte, error) {
	nonceSize := s.gcm.NonceSize()
	if len(data) < nonceSize {
		return nil, fmt.Errorf("sealed value too short: %d bytes", len(data))
	}

	if len(data) == nonceSize {
		return []byte{}, nil
	}

	plaintext, err := s.gcm.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("opening sealed value: %w", err)
	}

	return plaintext, nil
}
