package auth

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	SaltSize          = 8  // random salt prepended to every ciphertext
	KeySize           = 32 // AES-256
	DefaultIterations = 4000
)

var ErrDecrypt = errors.New("unable to decrypt payload")

// Cipher is a password based symmetric cipher. Both ends must agree on
// Iterations for a shared secret to derive the same key.
type Cipher struct {
	Iterations int
}

func NewCipher(iterations int) *Cipher {
	if iterations <= 0 {
		iterations = DefaultIterations
	}
	return &Cipher{Iterations: iterations}
}

// Encrypt seals plain under a key derived from secret.
// Output layout: [salt][nonce][ciphertext+tag]
func (c *Cipher) Encrypt(plain []byte, secret string) ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to read salt: %w", err)
	}

	aead, err := c.aead(secret, salt)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to read nonce: %w", err)
	}

	out := make([]byte, 0, SaltSize+len(nonce)+len(plain)+aead.Overhead())
	out = append(out, salt...)
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plain, nil), nil
}

// Decrypt reverses Encrypt. Corrupted input or a foreign secret yields ErrDecrypt.
func (c *Cipher) Decrypt(data []byte, secret string) ([]byte, error) {
	if len(data) < SaltSize {
		return nil, fmt.Errorf("%w: payload too short (%d bytes)", ErrDecrypt, len(data))
	}
	salt := data[:SaltSize]

	aead, err := c.aead(secret, salt)
	if err != nil {
		return nil, err
	}

	rest := data[SaltSize:]
	if len(rest) < aead.NonceSize()+aead.Overhead() {
		return nil, fmt.Errorf("%w: payload too short (%d bytes)", ErrDecrypt, len(data))
	}
	nonce, sealed := rest[:aead.NonceSize()], rest[aead.NonceSize():]

	plain, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return plain, nil
}

func (c *Cipher) aead(secret string, salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key([]byte(secret), salt, c.Iterations, KeySize, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create block cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create gcm: %w", err)
	}
	return aead, nil
}

// CreateHash returns the hex sha-1 of message followed by secret.
func CreateHash(secret string, message []byte) string {
	h := sha1.New()
	h.Write(message)
	h.Write([]byte(secret))
	return hex.EncodeToString(h.Sum(nil))
}

// ValidateHash recomputes the keyed hash of message and compares it to hash.
func ValidateHash(hash, secret string, message []byte) bool {
	want := CreateHash(secret, message)
	return subtle.ConstantTimeCompare([]byte(hash), []byte(want)) == 1
}
