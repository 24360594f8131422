// Package secure seals the application password at rest. The mobile
// incarnation of this client leaned on the platform keychain; here the
// secret is encrypted with a key derived from a user passphrase before
// it ever reaches the state database.
package secure

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/scrypt"
	"golang.org/x/text/unicode/norm"
)

const (
	// scryptN is the CPU/memory cost parameter for scrypt key
	// derivation (2^15).
	scryptN = 32768

	// scryptR is the block size parameter for scrypt key derivation.
	scryptR = 8

	// scryptP is the parallelization parameter for scrypt key
	// derivation.
	scryptP = 1

	// keyLen is the derived AES key length in bytes.
	keyLen = 32

	// saltLen is the per-seal random salt length in bytes.
	saltLen = 16
)

// ErrMalformed reports a sealed blob too short to contain salt, nonce,
// and ciphertext.
var ErrMalformed = errors.New("sealed credential is malformed")

// ErrBadPassphrase reports a failed decryption: wrong passphrase or
// corrupted data.
var ErrBadPassphrase = errors.New("wrong passphrase or corrupted credential")

// deriveKey derives a 32-byte AES key from the passphrase and salt. The
// passphrase is normalized to NFKC first so visually identical input
// produced by different keyboards derives the same key.
func deriveKey(passphrase string, salt []byte) ([]byte, error) {
	normalized := norm.NFKC.String(passphrase)

	key, err := scrypt.Key([]byte(normalized), salt, scryptN, scryptR, scryptP, keyLen)
	if err != nil {
		return nil, fmt.Errorf("deriving key: %w", err)
	}

	return key, nil
}

// Seal encrypts the secret under a passphrase-derived key. The output
// layout is [16-byte salt][12-byte nonce][ciphertext+GCM tag].
func Seal(secret, passphrase string) ([]byte, error) {
	salt := make([]byte, saltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("generating salt: %w", err)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}

	sealed := append(salt, nonce...)
	sealed = gcm.Seal(sealed, nonce, []byte(secret), nil)

	return sealed, nil
}

// Open decrypts a blob produced by Seal.
func Open(sealed []byte, passphrase string) (string, error) {
	if len(sealed) < saltLen {
		return "", ErrMalformed
	}

	salt := sealed[:saltLen]

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}

	rest := sealed[saltLen:]
	if len(rest) < gcm.NonceSize() {
		return "", ErrMalformed
	}

	nonce := rest[:gcm.NonceSize()]
	ciphertext := rest[gcm.NonceSize():]

	plain, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", ErrBadPassphrase
	}

	return string(plain), nil
}

func newGCM(passphrase string, salt []byte) (cipher.AEAD, error) {
	key, err := deriveKey(passphrase, salt)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}

	return gcm, nil
}
