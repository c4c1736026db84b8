// Package ledger is the documented seam for credit accounting. Durable
// credit accounting is deliberately left unimplemented; DESIGN.md records
// the decision to keep it advisory rather than add a durable store. Ledger
// gives that advisory signal a named destination without inventing
// persistence nothing else here requires.
package ledger

import "log/slog"

// Ledger is signaled once per completed session, after the Session
// Authority has burned it.
type Ledger interface {
	Record(sessionID string, deviceType string, cost int, succeeded bool)
}

// NoopLedger logs the signal and deliberately persists nothing.
type NoopLedger struct{}

// Record implements Ledger.
func (NoopLedger) Record(sessionID string, deviceType string, cost int, succeeded bool) {
	slog.Info("credit signal", "session_id", sessionID, "device_type", deviceType, "cost", cost, "succeeded", succeeded)
}
