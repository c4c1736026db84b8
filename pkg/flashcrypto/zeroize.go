// Package flashcrypto holds the authenticated-encryption framing, asymmetric
// wrapping, and memory-hygiene primitives shared by the server and client
// halves of the flash-session protocol.
package flashcrypto

import "runtime"

// Zero overwrites b with zero bytes in a way the compiler cannot elide.
// Every transient buffer (session keys, decrypted artifacts, scratch
// nonces/tags) must be routed through this before it leaves the control of
// the code that allocated it, including on error paths.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
	runtime.KeepAlive(b)
}

// Secret wraps a byte slice that must be zeroized exactly once, either
// explicitly via Close or as a last resort via its finalizer. Callers that
// hand off ownership of the underlying bytes (e.g. to the Tool Supervisor)
// must call Release first so Close/the finalizer become no-ops.
type Secret struct {
	b        []byte
	released bool
}

// NewSecret takes ownership of b. The caller must not retain other
// references to b.
func NewSecret(b []byte) *Secret {
	s := &Secret{b: b}
	runtime.SetFinalizer(s, (*Secret).finalize)
	return s
}

// Bytes returns the underlying plaintext. The returned slice is only valid
// until Close is called.
func (s *Secret) Bytes() []byte {
	if s == nil || s.released {
		return nil
	}
	return s.b
}

// Release hands ownership of the underlying bytes to the caller and
// disarms zeroization: the caller becomes responsible for zeroizing b.
func (s *Secret) Release() []byte {
	if s == nil || s.released {
		return nil
	}
	s.released = true
	runtime.SetFinalizer(s, nil)
	return s.b
}

// Close zeroizes the underlying bytes. Safe to call multiple times.
func (s *Secret) Close() {
	if s == nil || s.released {
		return
	}
	Zero(s.b)
	s.released = true
	runtime.SetFinalizer(s, nil)
}

func (s *Secret) finalize() {
	if s == nil || s.released {
		return
	}
	Zero(s.b)
}
