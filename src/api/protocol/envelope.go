package protocol

import (
	"fmt"

	"github.com/danmuck/synergy/src/auth"
)

// Seal encrypts tx under secret and wraps it in an envelope whose hash is
// computed over the ciphertext.
func Seal(tx *Transaction, senderID, secret string, c *auth.Cipher) (*AuthenticatedMessage, error) {
	if err := tx.Validate(); err != nil {
		return nil, err
	}
	enc, err := c.Encrypt(tx.Marshal(), secret)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt transaction %s: %w", tx.ID, err)
	}
	return &AuthenticatedMessage{
		SenderID: senderID,
		Version:  ProtocolVersion,
		Hash:     auth.CreateHash(secret, enc),
		Payload:  enc,
	}, nil
}

// Open verifies the envelope hash, then decrypts and parses the transaction.
// Nothing is decrypted unless the hash verifies.
func Open(m *AuthenticatedMessage, secret string, c *auth.Cipher) (*Transaction, error) {
	if !m.Verify(secret) {
		return nil, fmt.Errorf("%w (sender %q)", ErrBadHash, m.SenderID)
	}
	plain, err := c.Decrypt(m.Payload, secret)
	if err != nil {
		return nil, err
	}
	tx := &Transaction{}
	if err := tx.Unmarshal(plain); err != nil {
		return nil, err
	}
	if err := tx.Validate(); err != nil {
		return nil, err
	}
	return tx, nil
}

// Verify recomputes the keyed hash over the ciphertext.
func (m *AuthenticatedMessage) Verify(secret string) bool {
	return auth.ValidateHash(m.Hash, secret, m.Payload)
}

func (m *AuthenticatedMessage) CheckVersion() error {
	if m.Version != ProtocolVersion {
		return fmt.Errorf("%w: expected %d, got %d", ErrVersionMismatch, ProtocolVersion, m.Version)
	}
	return nil
}
