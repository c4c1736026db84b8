package flashcrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
)

const (
	// NonceSize is the length, in bytes, of the GCM nonce prefixing every
	// at-rest and in-flight firmware blob.
	NonceSize = 12
	// TagSize is the length, in bytes, of the GCM authentication tag.
	TagSize = 16
	// KeySize is the length, in bytes, of both the vault master key and
	// any session key.
	KeySize = 32
	// HeaderSize is NonceSize+TagSize. Open accepts only blobs longer than
	// this: a blob of HeaderSize bytes or fewer carries no ciphertext.
	HeaderSize = NonceSize + TagSize
)

// ErrShortCiphertext is returned when a blob is no longer than the
// nonce+tag header, so it carries no ciphertext.
var ErrShortCiphertext = errors.New("flashcrypto: blob carries no ciphertext beyond the nonce+tag header")

// Seal encrypts plaintext under key and returns nonce‖tag‖ciphertext. A
// fresh nonce is sampled from a cryptographically strong source on every
// call; key must be exactly KeySize bytes.
func Seal(key, plaintext []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("flashcrypto: sample nonce: %w", err)
	}
	// GCM's Seal returns ciphertext‖tag; the wire format is nonce‖tag‖
	// ciphertext, so split and reorder explicitly below.
	sealed := gcm.Seal(nil, nonce, plaintext, nil)
	ciphertext := sealed[:len(sealed)-TagSize]
	tag := sealed[len(sealed)-TagSize:]

	out := make([]byte, 0, NonceSize+TagSize+len(ciphertext))
	out = append(out, nonce...)
	out = append(out, tag...)
	out = append(out, ciphertext...)
	return out, nil
}

// Open authenticates and decrypts a nonce‖tag‖ciphertext blob produced by
// Seal. On any authentication failure it returns an error and nil
// plaintext; no partial output is ever surfaced.
func Open(key, blob []byte) ([]byte, error) {
	if len(blob) <= HeaderSize {
		return nil, ErrShortCiphertext
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce := blob[:NonceSize]
	tag := blob[NonceSize:HeaderSize]
	ciphertext := blob[HeaderSize:]

	sealed := make([]byte, 0, len(ciphertext)+TagSize)
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("flashcrypto: authentication failed: %w", err)
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("flashcrypto: key must be %d bytes, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("flashcrypto: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("flashcrypto: new GCM: %w", err)
	}
	return gcm, nil
}

// GenerateKey draws KeySize bytes of cryptographically strong random data,
// suitable for a session key or a development-only master key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("flashcrypto: generate key: %w", err)
	}
	return key, nil
}

// WrapKey enciphers a session key under pub using OAEP with SHA-256 for
// both the mask-generation function and the label hash. Both halves of the
// protocol must agree on this hash choice.
func WrapKey(pub *rsa.PublicKey, sessionKey []byte) ([]byte, error) {
	wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, sessionKey, nil)
	if err != nil {
		return nil, fmt.Errorf("flashcrypto: wrap session key: %w", err)
	}
	return wrapped, nil
}

// UnwrapKey deciphers a session key wrapped by WrapKey.
func UnwrapKey(priv *rsa.PrivateKey, wrapped []byte) ([]byte, error) {
	key, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, wrapped, nil)
	if err != nil {
		return nil, fmt.Errorf("flashcrypto: unwrap session key: %w", err)
	}
	return key, nil
}
