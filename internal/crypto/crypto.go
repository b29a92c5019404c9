// Package crypto encrypts provider API keys at rest with AES-GCM. The
// configured APIEncryptionKey never serves as an AES key directly; it is
// run through HKDF-SHA256 with a domain-specific info string first, so a
// short or low-entropy operator-chosen secret still yields a full-strength
// key bound to this one purpose.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// credentialKeyInfo domain-separates this derivation from any other use of
// the same operator secret, so reusing APIEncryptionKey elsewhere (a future
// at-rest field, say) would not silently collide with provider credentials.
const credentialKeyInfo = "chatbridge.provider-credential.v1"

// deriveKey stretches keyString into a 32-byte AES-256 key via HKDF-SHA256,
// ignoring its literal length or encoding: a 6-character passphrase and a
// 64-character hex string derive equally strong, unrelated keys.
func deriveKey(keyString string) ([]byte, error) {
	key := make([]byte, 32)
	reader := hkdf.New(sha256.New, []byte(keyString), nil, []byte(credentialKeyInfo))
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("failed to derive key via hkdf: %w", err)
	}
	return key, nil
}

// Encrypt encrypts a string using AES-GCM with a given key string.
// The output is a hex-encoded string containing the nonce and the ciphertext.
func Encrypt(stringToEncrypt string, keyString string) (string, error) {
	key, err := deriveKey(keyString)
	if err != nil {
		return "", fmt.Errorf("failed to derive key: %w", err)
	}
	plaintext := []byte(stringToEncrypt)

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("failed to create AES cipher block: %w", err)
	}

	aesGCM, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to create GCM cipher: %w", err)
	}

	// A nonce is generated randomly for each encryption.
	nonce := make([]byte, aesGCM.NonceSize())
	if _, err = io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	// Seal encrypts and authenticates the plaintext, prepending the nonce to the ciphertext.
	ciphertext := aesGCM.Seal(nonce, nonce, plaintext, nil)
	return hex.EncodeToString(ciphertext), nil
}

// Decrypt decrypts a hex-encoded string that was encrypted using AES-GCM.
// It expects the input string to contain the nonce followed by the ciphertext.
func Decrypt(encryptedString string, keyString string) (string, error) {
	key, err := deriveKey(keyString)
	if err != nil {
		return "", fmt.Errorf("failed to derive key: %w", err)
	}

	enc, err := hex.DecodeString(encryptedString)
	if err != nil {
		return "", fmt.Errorf("failed to decode hex string: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("failed to create AES cipher block: %w", err)
	}

	aesGCM, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to create GCM cipher: %w", err)
	}

	nonceSize := aesGCM.NonceSize()
	if len(enc) < nonceSize {
		return "", errors.New("ciphertext is too short")
	}

	nonce, ciphertext := enc[:nonceSize], enc[nonceSize:]

	// Open decrypts and authenticates the ciphertext.
	// An error here often means the key is incorrect or the data is corrupted.
	plaintext, err := aesGCM.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt data: %w", err)
	}

	return string(plaintext), nil
}
