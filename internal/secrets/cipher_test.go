package secrets

import (
	"encoding/base64"
	"strings"
	"testing"
)

func testKey() string {
	return base64.StdEncoding.EncodeToString([]byte(strings.Repeat("k", 32)))
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	c, err := NewCipher(testKey())
	if err != nil {
		t.Fatal(err)
	}
	sealed, err := c.Encrypt("glpat-abc123")
	if err != nil {
		t.Fatal(err)
	}
	if sealed == "glpat-abc123" {
		t.Fatal("ciphertext must differ from plaintext")
	}
	opened, err := c.Decrypt(sealed)
	if err != nil {
		t.Fatal(err)
	}
	if opened != "glpat-abc123" {
		t.Fatalf("expected round trip, got %q", opened)
	}
}

func TestEncryptProducesUniqueCiphertexts(t *testing.T) {
	c, err := NewCipher(testKey())
	if err != nil {
		t.Fatal(err)
	}
	first, err := c.Encrypt("same-token")
	if err != nil {
		t.Fatal(err)
	}
	second, err := c.Encrypt("same-token")
	if err != nil {
		t.Fatal(err)
	}
	if first == second {
		t.Fatal("expected random nonces to yield distinct ciphertexts")
	}
}

func TestDecryptRejectsTamperedCiphertext(t *testing.T) {
	c, err := NewCipher(testKey())
	if err != nil {
		t.Fatal(err)
	}
	sealed, err := c.Encrypt("secret")
	if err != nil {
		t.Fatal(err)
	}
	raw, _ := base64.StdEncoding.DecodeString(sealed)
	raw[len(raw)-1] ^= 0xff
	if _, err := c.Decrypt(base64.StdEncoding.EncodeToString(raw)); err == nil {
		t.Fatal("expected tampered ciphertext to fail")
	}
}

func TestNewCipherRejectsBadKeys(t *testing.T) {
	if _, err := NewCipher(""); err == nil {
		t.Fatal("expected error for empty key")
	}
	if _, err := NewCipher(base64.StdEncoding.EncodeToString([]byte("short"))); err == nil {
		t.Fatal("expected error for short key")
	}
}
