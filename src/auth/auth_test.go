package auth

import (
	"bytes"
	"errors"
	"testing"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	c := NewCipher(0)
	plain := []byte("sync: cpu=4 memory=8192")

	sealed, err := c.Encrypt(plain, "pw")
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	if bytes.Contains(sealed, plain) {
		t.Fatal("ciphertext contains the plaintext")
	}

	out, err := c.Decrypt(sealed, "pw")
	if err != nil {
		t.Fatalf("Decrypt failed: %v", err)
	}
	if !bytes.Equal(out, plain) {
		t.Fatalf("round trip mismatch: got %q, want %q", out, plain)
	}
}

func TestEncryptIsNotDeterministic(t *testing.T) {
	c := NewCipher(0)
	a, err := c.Encrypt([]byte("same"), "pw")
	if err != nil {
		t.Fatal(err)
	}
	b, err := c.Encrypt([]byte("same"), "pw")
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(a, b) {
		t.Fatal("two encryptions of the same payload produced identical bytes")
	}
}

func TestDecryptFailures(t *testing.T) {
	c := NewCipher(0)
	sealed, err := c.Encrypt([]byte("payload"), "pw")
	if err != nil {
		t.Fatal(err)
	}

	flipped := append([]byte(nil), sealed...)
	flipped[len(flipped)-1] ^= 0x01

	tests := []struct {
		name   string
		data   []byte
		secret string
	}{
		{name: "foreign secret", data: sealed, secret: "other"},
		{name: "flipped bit", data: flipped, secret: "pw"},
		{name: "truncated", data: sealed[:SaltSize+3], secret: "pw"},
		{name: "empty", data: nil, secret: "pw"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			out, err := c.Decrypt(tc.data, tc.secret)
			if !errors.Is(err, ErrDecrypt) {
				t.Fatalf("Decrypt error = %v, want ErrDecrypt", err)
			}
			if out != nil {
				t.Fatalf("Decrypt returned %d bytes on failure", len(out))
			}
		})
	}
}

func TestIterationMismatchFails(t *testing.T) {
	sealed, err := NewCipher(1000).Encrypt([]byte("payload"), "pw")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := NewCipher(2000).Decrypt(sealed, "pw"); !errors.Is(err, ErrDecrypt) {
		t.Fatalf("expected ErrDecrypt with mismatched iterations, got %v", err)
	}
}

func TestHashTamperDetection(t *testing.T) {
	msg := []byte{0x10, 0x20, 0x30, 0x40}
	hash := CreateHash("pw", msg)

	if len(hash) != 40 {
		t.Fatalf("hash length = %d, want 40 hex chars", len(hash))
	}
	if !ValidateHash(hash, "pw", msg) {
		t.Fatal("ValidateHash rejected an untouched message")
	}
	if ValidateHash(hash, "other", msg) {
		t.Fatal("ValidateHash accepted a foreign secret")
	}

	for i := range msg {
		for bit := 0; bit < 8; bit++ {
			tampered := append([]byte(nil), msg...)
			tampered[i] ^= 1 << bit
			if ValidateHash(hash, "pw", tampered) {
				t.Fatalf("ValidateHash accepted message with byte %d bit %d flipped", i, bit)
			}
		}
	}
}
