// Package crypto tests for device keys and at-rest encryption.
package crypto

import (
	"crypto/ed25519"
	"testing"
)

func TestGenerateKeypairExport(t *testing.T) {
	kp, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair() error = %v", err)
	}

	pub, err := ParsePublicKey(kp.PublicBase64())
	if err != nil {
		t.Fatalf("ParsePublicKey() error = %v", err)
	}
	if !pub.Equal(kp.Public) {
		t.Error("round-tripped public key does not match")
	}

	// Signature sanity check binding public and private halves.
	msg := []byte("device handshake")
	sig := ed25519.Sign(kp.Private, msg)
	if !ed25519.Verify(pub, msg, sig) {
		t.Error("signature from private key does not verify with public key")
	}
}

func TestParsePublicKeyRejectsGarbage(t *testing.T) {
	if _, err := ParsePublicKey("not base64!!"); err == nil {
		t.Error("ParsePublicKey should reject non-base64 input")
	}
	if _, err := ParsePublicKey("c2hvcnQ="); err == nil {
		t.Error("ParsePublicKey should reject wrong-length key")
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key := []byte("machine-id-1234")
	plaintext := []byte("ed25519 private key material")

	ciphertext, err := Encrypt(plaintext, key)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}

	decrypted, err := Decrypt(ciphertext, key)
	if err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}
	if string(decrypted) != string(plaintext) {
		t.Errorf("Decrypt() = %q, want %q", decrypted, plaintext)
	}
}

func TestDecryptWrongKey(t *testing.T) {
	ciphertext, err := Encrypt([]byte("secret"), []byte("key-a"))
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	if _, err := Decrypt(ciphertext, []byte("key-b")); err == nil {
		t.Error("Decrypt with wrong key should fail")
	}
}

func TestDecryptTamperedCiphertext(t *testing.T) {
	if _, err := Decrypt("@@@", []byte("key")); err != ErrInvalidCiphertext {
		t.Errorf("Decrypt(bad base64) error = %v, want ErrInvalidCiphertext", err)
	}
	if _, err := Decrypt("c2hvcnQ=", []byte("key")); err != ErrInvalidCiphertext {
		t.Errorf("Decrypt(short data) error = %v, want ErrInvalidCiphertext", err)
	}
}
