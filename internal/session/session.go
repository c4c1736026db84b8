// Package session implements the Session Authority: it owns session
// state and enforces every one-shot, hardware-bound transition rule a
// flash session must honor. The session table is a concurrent map
// (sync.Map) with per-entry status compare-and-swap, so request handlers
// running in parallel on the hosting runtime's goroutine pool never
// observe a torn transition.
package session

import (
	"crypto/rsa"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashgrove/flashvault/internal/ferrors"
	"github.com/ashgrove/flashvault/internal/vault"
	"github.com/ashgrove/flashvault/pkg/flashcrypto"
)

// Status is one of the five session lifecycle states.
type Status string

const (
	Active    Status = "Active"
	Completed Status = "Completed"
	Failed    Status = "Failed"
	Expired   Status = "Expired"
	Burned    Status = "Burned"
)

// DefaultTTL is the session time-to-live used when the server configures
// none explicitly.
const DefaultTTL = 15 * time.Minute

// QuietPeriod is how long a terminal session lingers in the table before
// Sweep removes it, giving a straggling request a window to observe the
// terminal status rather than a bare SessionNotFound.
const QuietPeriod = 5 * time.Minute

// Snapshot is an immutable, safe-to-log view of a session returned to
// callers. It never exposes the raw session key.
type Snapshot struct {
	ID                string
	DeviceType        string
	WrappedSessionKey []byte
	CreatedAt         time.Time
	ExpiresAt         time.Time
	Status            Status
	RequiredArtifacts []string
	CreditCost        int
	FailureReason     string
}

// entry is the mutable, internal record. fingerprint and the raw session
// key never leave this package.
type entry struct {
	mu sync.Mutex

	id                string
	fingerprint       string
	deviceType        string
	sessionKey        *flashcrypto.Secret
	wrappedSessionKey []byte
	createdAt         time.Time
	expiresAt         time.Time
	requiredArtifacts []string
	creditCost        int
	status            Status
	failureReason     string
	terminalAt        time.Time
}

func (e *entry) snapshot() Snapshot {
	return Snapshot{
		ID:                e.id,
		DeviceType:        e.deviceType,
		WrappedSessionKey: e.wrappedSessionKey,
		CreatedAt:         e.createdAt,
		ExpiresAt:         e.expiresAt,
		Status:            e.status,
		RequiredArtifacts: append([]string(nil), e.requiredArtifacts...),
		CreditCost:        e.creditCost,
		FailureReason:     e.failureReason,
	}
}

// usable reports whether the session can still serve requests: status
// Active and now not past expiry.
func (e *entry) usable(now time.Time) bool {
	return e.status == Active && !now.After(e.expiresAt)
}

// Metrics receives counts of session lifecycle events. Implementations
// must return quickly: calls happen on the critical path of every session
// operation. The zero value of NoopMetrics discards every call.
type Metrics interface {
	SessionCreated()
	SessionCompleted()
	SessionExpired()
	SessionBurned()
}

// NoopMetrics is the default Metrics implementation: it counts nothing.
type NoopMetrics struct{}

func (NoopMetrics) SessionCreated()   {}
func (NoopMetrics) SessionCompleted() {}
func (NoopMetrics) SessionExpired()   {}
func (NoopMetrics) SessionBurned()    {}

// Authority owns the session table.
type Authority struct {
	table   sync.Map // string -> *entry
	ttl     time.Duration
	metrics Metrics
}

// New constructs an Authority with the given session TTL (DefaultTTL if
// ttl <= 0) and a no-op Metrics hook.
func New(ttl time.Duration) *Authority {
	return NewWithMetrics(ttl, NoopMetrics{})
}

// NewWithMetrics is New but lets the caller supply a Metrics implementation,
// e.g. to expose session lifecycle counters to an operator dashboard. A nil
// metrics falls back to NoopMetrics.
func NewWithMetrics(ttl time.Duration, metrics Metrics) *Authority {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if metrics == nil {
		metrics = NoopMetrics{}
	}
	return &Authority{ttl: ttl, metrics: metrics}
}

// Create mints a new Active session bound to fingerprint for deviceType,
// wrapping a fresh session key under clientPub. It rejects empty inputs and
// device types whose artifacts are not fully present in v.
func (a *Authority) Create(v *vault.Vault, fingerprint, deviceType string, clientPub *rsa.PublicKey) (Snapshot, error) {
	if fingerprint == "" {
		return Snapshot{}, ferrors.New(ferrors.BadRequest, "fingerprint is required")
	}
	if deviceType == "" {
		return Snapshot{}, ferrors.New(ferrors.BadRequest, "device type is required")
	}
	if clientPub == nil {
		return Snapshot{}, ferrors.New(ferrors.BadRequest, "client public key is required")
	}

	dt, err := v.DeviceType(deviceType)
	if err != nil {
		return Snapshot{}, err
	}
	present, err := v.AllPresent(deviceType)
	if err != nil {
		return Snapshot{}, err
	}
	if !present {
		return Snapshot{}, ferrors.New(ferrors.FirmwareUnavailable, fmt.Sprintf("device type %q has missing artifacts", deviceType))
	}

	sessionKey, err := flashcrypto.GenerateKey()
	if err != nil {
		return Snapshot{}, ferrors.Wrap(ferrors.Internal, "generate session key", err)
	}
	wrapped, err := flashcrypto.WrapKey(clientPub, sessionKey)
	if err != nil {
		flashcrypto.Zero(sessionKey)
		return Snapshot{}, ferrors.Wrap(ferrors.WrapError, "wrap session key", err)
	}

	now := time.Now().UTC()
	e := &entry{
		fingerprint:       fingerprint,
		deviceType:        deviceType,
		sessionKey:        flashcrypto.NewSecret(sessionKey),
		wrappedSessionKey: wrapped,
		createdAt:         now,
		expiresAt:         now.Add(a.ttl),
		requiredArtifacts: append([]string(nil), dt.RequiredArtifacts...),
		creditCost:        dt.CreditCost,
		status:            Active,
	}

	id, err := a.insertWithFreshID(e)
	if err != nil {
		e.sessionKey.Close()
		return Snapshot{}, err
	}
	e.id = id
	a.metrics.SessionCreated()
	slog.Info("session created", "session_id", id, "device_type", deviceType, "fingerprint_prefix", truncate(fingerprint))
	return e.snapshot(), nil
}

// insertWithFreshID generates session identifiers until it finds one not
// already present in the table. Collisions are statistically impossible at
// 192 bits of entropy; the retry loop guarantees uniqueness even so.
func (a *Authority) insertWithFreshID(e *entry) (string, error) {
	for attempt := 0; attempt < 5; attempt++ {
		id, err := flashcrypto.RandomToken()
		if err != nil {
			return "", ferrors.Wrap(ferrors.Internal, "generate session id", err)
		}
		if _, loaded := a.table.LoadOrStore(id, e); !loaded {
			return id, nil
		}
	}
	return "", ferrors.New(ferrors.Internal, "could not allocate a unique session id")
}

// Lookup returns the session if session_id is known and fingerprint
// matches the bound one. An unknown identifier and a fingerprint mismatch
// are deliberately indistinguishable to the caller (both yield ok=false),
// so neither response can be used as an oracle for guessing valid session
// ids or fingerprints. If the session is Active but past expiry, it is
// lazily transitioned to Expired before being returned.
func (a *Authority) Lookup(sessionID, fingerprint string) (Snapshot, bool) {
	e, ok := a.find(sessionID, fingerprint)
	if !ok {
		return Snapshot{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	a.expireLocked(e, time.Now().UTC())
	return e.snapshot(), true
}

// RequireUsable behaves like Lookup but fails with SessionUnusable unless
// the session is still Active and within its TTL.
func (a *Authority) RequireUsable(sessionID, fingerprint string) (Snapshot, error) {
	e, ok := a.find(sessionID, fingerprint)
	if !ok {
		return Snapshot{}, ferrors.New(ferrors.SessionNotFound, "session not found")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	now := time.Now().UTC()
	a.expireLocked(e, now)
	if !e.usable(now) {
		return Snapshot{}, ferrors.New(ferrors.SessionUnusable, string(e.status))
	}
	return e.snapshot(), nil
}

// SessionKey returns a copy of the decrypted session key bytes for use in
// a single Seal/Open call. The caller owns the copy and must zeroize it in
// the same call that obtained it; a concurrent Complete or Sweep may zero
// the authority's own copy at any moment after this returns. It requires
// the session to currently be usable.
func (a *Authority) SessionKey(sessionID, fingerprint string) ([]byte, error) {
	e, ok := a.find(sessionID, fingerprint)
	if !ok {
		return nil, ferrors.New(ferrors.SessionNotFound, "session not found")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	now := time.Now().UTC()
	a.expireLocked(e, now)
	if !e.usable(now) {
		return nil, ferrors.New(ferrors.SessionUnusable, string(e.status))
	}
	return append([]byte(nil), e.sessionKey.Bytes()...), nil
}

// Complete transitions an Active session to Completed or Failed (recording
// reason), then immediately to Burned, then zeroes the session key. It
// returns false if the identifier/fingerprint binding fails or the session
// is already terminal.
func (a *Authority) Complete(sessionID, fingerprint string, success bool, reason string) bool {
	e, ok := a.find(sessionID, fingerprint)
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	a.expireLocked(e, time.Now().UTC())
	if e.status != Active {
		slog.Warn("rejected re-completion of terminal session", "session_id", sessionID, "status", string(e.status))
		return false
	}

	// Completed/Failed are momentary: the session is burned in the same
	// critical section, so callers only ever observe Burned afterwards.
	if success {
		a.metrics.SessionCompleted()
	} else {
		e.failureReason = reason
	}
	e.status = Burned
	e.terminalAt = time.Now().UTC()
	e.sessionKey.Close()
	a.metrics.SessionBurned()
	slog.Info("session burned", "session_id", sessionID, "success", success)
	return true
}

// Sweep converts Expired entries and Burned entries older than QuietPeriod
// into removals, zeroing keys on removal. It is idempotent on a quiesced
// table and is intended to be invoked by a periodic timer external to the
// core (see cmd/flashd).
func (a *Authority) Sweep() {
	now := time.Now().UTC()
	a.table.Range(func(key, value any) bool {
		id := key.(string)
		e := value.(*entry)
		e.mu.Lock()
		a.expireLocked(e, now)
		remove := false
		switch e.status {
		case Expired:
			remove = true
		case Burned:
			remove = e.terminalAt.IsZero() || now.Sub(e.terminalAt) > QuietPeriod
		}
		if remove {
			e.sessionKey.Close()
		}
		e.mu.Unlock()
		if remove {
			a.table.Delete(id)
		}
		return true
	})
}

// expireLocked must be called with e.mu held. It lazily transitions an
// Active-but-past-expiry session to Expired and zeroes its key.
func (a *Authority) expireLocked(e *entry, now time.Time) {
	if e.status == Active && now.After(e.expiresAt) {
		e.status = Expired
		e.sessionKey.Close()
		a.metrics.SessionExpired()
		slog.Warn("session expired", "session_id", e.id)
	}
}

func (a *Authority) find(sessionID, fingerprint string) (*entry, bool) {
	v, ok := a.table.Load(sessionID)
	if !ok {
		return nil, false
	}
	e := v.(*entry)
	if e.fingerprint != fingerprint {
		slog.Warn("rejected request with mismatched fingerprint", "session_id", sessionID, "fingerprint_prefix", truncate(fingerprint))
		return nil, false
	}
	return e, true
}

func truncate(s string) string {
	const n = 8
	if len(s) <= n {
		return s
	}
	return s[:n]
}
