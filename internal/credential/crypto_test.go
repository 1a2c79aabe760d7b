package credential

import "testing"

func TestEncryptDecryptRoundTrip(t *testing.T) {
	c := NewCrypto("test-passphrase")

	enc, err := c.Encrypt("refresh-token-value", "acct-1")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if enc == "refresh-token-value" {
		t.Fatal("ciphertext should not equal plaintext")
	}

	dec, err := c.Decrypt(enc, "acct-1")
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if dec != "refresh-token-value" {
		t.Fatalf("round-trip mismatch, got %q", dec)
	}
}

func TestDecryptWithWrongSaltFails(t *testing.T) {
	c := NewCrypto("test-passphrase")

	enc, err := c.Encrypt("secret", "acct-1")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	// A different salt derives a different key; decrypting under it
	// should not silently return the original plaintext.
	dec, err := c.Decrypt(enc, "acct-2")
	if err == nil && dec == "secret" {
		t.Fatal("decrypt with wrong salt should not reproduce the original plaintext")
	}
}

func TestDecryptRejectsMalformedInput(t *testing.T) {
	c := NewCrypto("test-passphrase")
	if _, err := c.Decrypt("not-a-valid-format", "acct-1"); err == nil {
		t.Fatal("expected error for malformed encrypted value")
	}
}
