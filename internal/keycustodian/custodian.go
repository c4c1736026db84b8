// Package keycustodian implements the Client Key Custodian: it owns the
// client's long-lived asymmetric keypair, storing the private half
// exclusively as ciphertext behind OS-scoped data protection. On Linux/macOS
// that is the platform keychain/Secret Service; where neither is available
// it falls back to an encrypted file guarded by a passphrase prompt, read
// without echo from the terminal.
package keycustodian

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"

	"github.com/99designs/keyring"
	"golang.org/x/term"

	"github.com/ashgrove/flashvault/internal/ferrors"
	"github.com/ashgrove/flashvault/pkg/flashcrypto"
)

const itemKey = "client_key"

// KeySize is the RSA modulus size used for newly generated keypairs;
// configurable callers may pass a larger value to Open.
const KeySize = 2048

// Custodian owns the client keypair for the life of the process. The
// private key only ever exists in plaintext inside this struct's memory.
type Custodian struct {
	ring    keyring.Keyring
	keySize int
	priv    *rsa.PrivateKey
}

// Open opens (or initializes) the OS-scoped protected store under
// serviceName. It does not generate or load a keypair yet; call Ensure for
// that.
func Open(serviceName string, keySize int) (*Custodian, error) {
	if keySize <= 0 {
		keySize = KeySize
	}
	ring, err := keyring.Open(keyring.Config{
		ServiceName:      serviceName,
		FilePasswordFunc: promptPassphrase,
	})
	if err != nil {
		return nil, ferrors.Wrap(ferrors.Internal, "open protected key store", err)
	}
	return &Custodian{ring: ring, keySize: keySize}, nil
}

// Ensure loads the stored keypair, generating and persisting a fresh one on
// first use. On generation it zeroizes its own plaintext export buffer
// immediately after handing a copy of it to the OS-scoped store.
func (c *Custodian) Ensure() error {
	if c.priv != nil {
		return nil
	}

	item, err := c.ring.Get(itemKey)
	switch {
	case err == nil:
		priv, parseErr := x509.ParsePKCS8PrivateKey(item.Data)
		if parseErr != nil {
			return ferrors.Wrap(ferrors.Internal, "parse stored client key", parseErr)
		}
		rsaPriv, ok := priv.(*rsa.PrivateKey)
		if !ok {
			return ferrors.New(ferrors.Internal, "stored client key is not RSA")
		}
		c.priv = rsaPriv
		return nil
	case errors.Is(err, keyring.ErrKeyNotFound):
		return c.generateAndPersist()
	default:
		return ferrors.Wrap(ferrors.Internal, "read client key from protected store", err)
	}
}

func (c *Custodian) generateAndPersist() error {
	priv, err := rsa.GenerateKey(rand.Reader, c.keySize)
	if err != nil {
		return ferrors.Wrap(ferrors.Internal, "generate client keypair", err)
	}

	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return ferrors.Wrap(ferrors.Internal, "marshal client private key", err)
	}
	defer flashcrypto.Zero(der)

	// The store may keep the Data slice it is given, so it gets its own copy
	// and zeroing der cannot corrupt the persisted item.
	if err := c.ring.Set(keyring.Item{
		Key:         itemKey,
		Data:        append([]byte(nil), der...),
		Label:       "flashvault client key",
		Description: "private half of the flash-session client keypair",
	}); err != nil {
		return ferrors.Wrap(ferrors.Internal, "persist client key to protected store", err)
	}

	c.priv = priv
	return nil
}

// PublicPEM serializes the public half in portable PKIX/PEM encoding.
func (c *Custodian) PublicPEM() (string, error) {
	if c.priv == nil {
		return "", ferrors.New(ferrors.Internal, "keypair not initialized; call Ensure first")
	}
	der, err := x509.MarshalPKIXPublicKey(&c.priv.PublicKey)
	if err != nil {
		return "", ferrors.Wrap(ferrors.Internal, "marshal client public key", err)
	}
	block := &pem.Block{Type: "PUBLIC KEY", Bytes: der}
	return string(pem.EncodeToMemory(block)), nil
}

// Unwrap decrypts a session key wrapped under this custodian's public key.
func (c *Custodian) Unwrap(wrapped []byte) (*flashcrypto.Secret, error) {
	if c.priv == nil {
		return nil, ferrors.New(ferrors.Internal, "keypair not initialized; call Ensure first")
	}
	key, err := flashcrypto.UnwrapKey(c.priv, wrapped)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.WrapError, "unwrap session key", err)
	}
	return flashcrypto.NewSecret(key), nil
}

// Close drops this process's reference to the plaintext private key. This
// is a best-effort memory-hygiene measure, not a guarantee against an
// attacker with kernel or debugger access on the client host.
func (c *Custodian) Close() {
	c.priv = nil
}

func promptPassphrase(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read passphrase: %w", err)
	}
	return string(b), nil
}
