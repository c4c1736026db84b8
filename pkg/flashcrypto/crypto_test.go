package flashcrypto

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"testing"
)

func TestSealOpenRoundTrip(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	plaintext := []byte("firmware image bytes go here")

	blob, err := Seal(key, plaintext)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if len(blob) != HeaderSize+len(plaintext) {
		t.Fatalf("expected blob length %d, got %d", HeaderSize+len(plaintext), len(blob))
	}

	got, err := Open(key, blob)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("round trip mismatch: got %q want %q", got, plaintext)
	}
}

func TestOpenRejectsTamperedCiphertext(t *testing.T) {
	key, _ := GenerateKey()
	blob, err := Seal(key, []byte("payload"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	blob[len(blob)-1] ^= 0xFF

	if _, err := Open(key, blob); err == nil {
		t.Fatal("expected authentication failure on tampered ciphertext, got nil error")
	}
}

func TestOpenRejectsShortBlob(t *testing.T) {
	key, _ := GenerateKey()
	if _, err := Open(key, []byte("too short")); err != ErrShortCiphertext {
		t.Fatalf("expected ErrShortCiphertext, got %v", err)
	}
}

func TestOpenRejectsExactlyHeaderSizedBlob(t *testing.T) {
	key, _ := GenerateKey()
	blob, err := Seal(key, nil)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if len(blob) != HeaderSize {
		t.Fatalf("expected an empty-plaintext seal to be exactly %d bytes, got %d", HeaderSize, len(blob))
	}
	if _, err := Open(key, blob); err != ErrShortCiphertext {
		t.Fatalf("expected ErrShortCiphertext for a header-only blob, got %v", err)
	}
}

func TestOpenRejectsWrongKey(t *testing.T) {
	key1, _ := GenerateKey()
	key2, _ := GenerateKey()
	blob, err := Seal(key1, []byte("payload"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if _, err := Open(key2, blob); err == nil {
		t.Fatal("expected authentication failure with wrong key, got nil error")
	}
}

func TestWrapUnwrapKeyRoundTrip(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate RSA key: %v", err)
	}
	sessionKey, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	wrapped, err := WrapKey(&priv.PublicKey, sessionKey)
	if err != nil {
		t.Fatalf("WrapKey: %v", err)
	}
	got, err := UnwrapKey(priv, wrapped)
	if err != nil {
		t.Fatalf("UnwrapKey: %v", err)
	}
	if !bytes.Equal(got, sessionKey) {
		t.Fatal("unwrapped key does not match original session key")
	}
}

func TestRandomTokenIsUniqueAndDecodable(t *testing.T) {
	a, err := RandomToken()
	if err != nil {
		t.Fatalf("RandomToken: %v", err)
	}
	b, err := RandomToken()
	if err != nil {
		t.Fatalf("RandomToken: %v", err)
	}
	if a == b {
		t.Fatal("expected two distinct tokens")
	}
	if len(a) == 0 {
		t.Fatal("expected non-empty token")
	}
	raw, err := tokenEncoding.DecodeString(a)
	if err != nil {
		t.Fatalf("decode token: %v", err)
	}
	if len(raw) != tokenBytes {
		t.Fatalf("expected token to decode to %d bytes, got %d", tokenBytes, len(raw))
	}
}
