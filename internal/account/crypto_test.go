package account

import "testing"

func TestEncryptDecryptRoundTrip(t *testing.T) {
	c := NewCrypto("test-encryption-key")

	enc, err := c.Encrypt("super secret refresh token", "salt-a")
	if err != nil {
		t.Fatalf("Encrypt error: %v", err)
	}
	if enc == "" {
		t.Fatal("expected non-empty ciphertext")
	}

	dec, err := c.Decrypt(enc, "salt-a")
	if err != nil {
		t.Fatalf("Decrypt error: %v", err)
	}
	if dec != "super secret refresh token" {
		t.Fatalf("Decrypt() = %q, want original plaintext", dec)
	}
}

func TestEncryptProducesDifferentCiphertextEachTime(t *testing.T) {
	c := NewCrypto("test-encryption-key")

	a, err := c.Encrypt("same plaintext", "salt-b")
	if err != nil {
		t.Fatalf("Encrypt error: %v", err)
	}
	b, err := c.Encrypt("same plaintext", "salt-b")
	if err != nil {
		t.Fatalf("Encrypt error: %v", err)
	}
	if a == b {
		t.Fatal("expected different ciphertexts due to random IVs")
	}
}

func TestDecryptWithWrongSaltFails(t *testing.T) {
	c := NewCrypto("test-encryption-key")

	enc, err := c.Encrypt("payload", "correct-salt")
	if err != nil {
		t.Fatalf("Encrypt error: %v", err)
	}

	if _, err := c.Decrypt(enc, "wrong-salt"); err == nil {
		t.Fatal("expected decryption with the wrong salt to fail")
	}
}

func TestDecryptRejectsMalformedInput(t *testing.T) {
	c := NewCrypto("test-encryption-key")

	if _, err := c.Decrypt("not-a-valid-format", "salt"); err == nil {
		t.Fatal("expected an error for input missing the iv:ciphertext separator")
	}
}

func TestDeriveKeyIsCachedAndDeterministic(t *testing.T) {
	c := NewCrypto("test-encryption-key")

	k1, err := c.DeriveKey("salt-c")
	if err != nil {
		t.Fatalf("DeriveKey error: %v", err)
	}
	k2, err := c.DeriveKey("salt-c")
	if err != nil {
		t.Fatalf("DeriveKey error: %v", err)
	}
	if string(k1) != string(k2) {
		t.Fatal("expected DeriveKey to return the same key for the same salt")
	}
}

func TestHashAPIKeyIsDeterministicAndKeyed(t *testing.T) {
	c1 := NewCrypto("key-one")
	c2 := NewCrypto("key-two")

	if c1.HashAPIKey("token") != c1.HashAPIKey("token") {
		t.Fatal("expected HashAPIKey to be deterministic for the same input")
	}
	if c1.HashAPIKey("token") == c2.HashAPIKey("token") {
		t.Fatal("expected HashAPIKey to depend on the encryption key")
	}
}
