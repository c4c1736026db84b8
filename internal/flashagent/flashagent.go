// Package flashagent implements the Flash Agent: the client-side
// orchestrator that drives one flash session end to end through hardware
// identity, session establishment, artifact fetch/decrypt, tool supervision,
// and completion reporting.
package flashagent

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/ashgrove/flashvault/internal/ferrors"
	"github.com/ashgrove/flashvault/internal/toolrunner"
	"github.com/ashgrove/flashvault/pkg/flashcrypto"
	"github.com/ashgrove/flashvault/pkg/flashproto"
)

// State names one point in the flash session's lifecycle. There is no
// transition back to an earlier state: the machine only ever moves forward
// or drops to Aborted.
type State string

const (
	StateIdle               State = "Idle"
	StateSessionRequested   State = "SessionRequested"
	StateSessionEstablished State = "SessionEstablished"
	StateFetching           State = "Fetching"
	StateDecrypted          State = "Decrypted"
	StateToolRunning        State = "ToolRunning"
	StateReportingSuccess   State = "ReportingSuccess"
	StateReportingFailure   State = "ReportingFailure"
	StateDone               State = "Done"
	StateAborted            State = "Aborted"
)

// Event is one point-in-time notice delivered to an Observer as the agent
// progresses. Fields not relevant to Kind are left zero.
type Event struct {
	Kind     State
	Detail   string
	Artifact string // set during Fetching/Decrypted
	ToolLine string // set when the supervised tool emits a line
}

// Observer receives a callback for every state transition and every line
// of tool output. Implementations must not block for long: state
// transitions are delivered synchronously on the agent's own goroutine,
// while tool-output lines arrive from the Tool Supervisor's stdout and
// stderr reader goroutines, possibly concurrently with each other.
type Observer interface {
	Observe(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

// Observe implements Observer.
func (f ObserverFunc) Observe(e Event) { f(e) }

// ToolConfig is the subset of the client's device profile the agent needs
// to supervise the flashing tool.
type ToolConfig struct {
	ToolsDir          string
	ToolName          string
	ArgumentTemplate  []string
	Allowlist         map[string]bool
	OverwritePasses   int
	IntegrityRequired bool
}

// SessionAPI is the slice of apiclient.Client the agent depends on. Tests
// supply a fake; production wiring passes a real *apiclient.Client.
type SessionAPI interface {
	CreateSession(ctx context.Context, req flashproto.CreateSessionRequest) (flashproto.SessionResponse, error)
	FetchArtifact(ctx context.Context, sessionID, hwid, name string) ([]byte, error)
	Complete(ctx context.Context, sessionID string, req flashproto.CompleteRequest) (flashproto.CompleteResponse, error)
}

// KeyCustodian is the slice of keycustodian.Custodian the agent depends on.
type KeyCustodian interface {
	Ensure() error
	PublicPEM() (string, error)
	Unwrap(wrapped []byte) (*flashcrypto.Secret, error)
}

// Agent drives exactly one flash session per Run call.
type Agent struct {
	api       SessionAPI
	custodian KeyCustodian
	observer  Observer
}

// New builds an Agent. observer may be nil, in which case events are
// dropped.
func New(api SessionAPI, custodian KeyCustodian, observer Observer) *Agent {
	if observer == nil {
		observer = ObserverFunc(func(Event) {})
	}
	return &Agent{api: api, custodian: custodian, observer: observer}
}

// Run executes the full flash-session protocol for one device, whose
// hardware fingerprint the caller supplies as hwid:
//  1. Ensure a client keypair exists.
//  2. Request a session (create), binding it to hwid and the public key.
//  3. Fetch and decrypt every required artifact.
//  4. Hand the decrypted artifacts to the Tool Supervisor.
//  5. Report success or failure back to the server.
//
// It always attempts the completion report, even on failure, so the server
// never has to rely on expiry alone to close out a session the client
// gave up on.
func (a *Agent) Run(ctx context.Context, hwid, deviceType string, tool ToolConfig) (err error) {
	a.emit(StateSessionRequested, "", "")

	if err := a.custodian.Ensure(); err != nil {
		a.emit(StateAborted, err.Error(), "")
		return err
	}
	pubPEM, err := a.custodian.PublicPEM()
	if err != nil {
		a.emit(StateAborted, err.Error(), "")
		return err
	}

	session, err := a.api.CreateSession(ctx, flashproto.CreateSessionRequest{
		HWID:               hwid,
		DeviceType:         deviceType,
		ClientPublicKeyPem: pubPEM,
	})
	if err != nil {
		a.emit(StateAborted, err.Error(), "")
		return a.cancelledOr(ctx, err)
	}
	a.emit(StateSessionEstablished, session.SessionID, "")

	wrapped, err := base64.StdEncoding.DecodeString(session.WrappedSessionKeyBase64)
	if err != nil {
		a.emit(StateAborted, "malformed wrapped session key", "")
		a.reportFailure(ctx, session.SessionID, hwid, "malformed wrapped session key")
		return ferrors.Wrap(ferrors.Internal, "decode wrapped session key", err)
	}
	sessionKey, err := a.custodian.Unwrap(wrapped)
	if err != nil {
		a.emit(StateAborted, err.Error(), "")
		a.reportFailure(ctx, session.SessionID, hwid, "failed to unwrap session key")
		return err
	}
	defer sessionKey.Close()

	buffers := make(map[string][]byte, len(session.FirmwareFiles))
	for _, name := range session.FirmwareFiles {
		a.emit(StateFetching, "", name)
		blob, err := a.api.FetchArtifact(ctx, session.SessionID, hwid, name)
		if err != nil {
			a.emit(StateAborted, err.Error(), name)
			a.reportFailure(ctx, session.SessionID, hwid, a.failureReason(ctx, fmt.Sprintf("fetch %s: %v", name, err)))
			return a.cancelledOr(ctx, err)
		}
		plaintext, err := flashcrypto.Open(sessionKey.Bytes(), blob)
		flashcrypto.Zero(blob)
		if err != nil {
			a.emit(StateAborted, err.Error(), name)
			a.reportFailure(ctx, session.SessionID, hwid, fmt.Sprintf("decrypt %s: %v", name, err))
			return ferrors.Wrap(ferrors.IntegrityError, fmt.Sprintf("decrypt artifact %s", name), err)
		}
		a.emit(StateDecrypted, "", name)
		buffers[name] = plaintext
	}
	defer func() {
		for _, b := range buffers {
			flashcrypto.Zero(b)
		}
	}()

	a.emit(StateToolRunning, tool.ToolName, "")
	sink := toolrunner.ProgressFunc(func(line string) {
		a.observer.Observe(Event{Kind: StateToolRunning, ToolLine: line})
	})
	ok, runErr := toolrunner.Run(ctx, toolrunner.Options{
		ToolsDir:          tool.ToolsDir,
		ToolName:          tool.ToolName,
		ArgumentTemplate:  tool.ArgumentTemplate,
		Buffers:           buffers,
		Allowlist:         tool.Allowlist,
		OverwritePasses:   tool.OverwritePasses,
		IntegrityRequired: tool.IntegrityRequired,
	}, sink)

	if !ok {
		msg := "tool reported failure"
		if runErr != nil {
			msg = runErr.Error()
		}
		msg = a.failureReason(ctx, msg)
		a.emit(StateReportingFailure, msg, "")
		a.reportFailure(ctx, session.SessionID, hwid, msg)
		if runErr != nil {
			return a.cancelledOr(ctx, runErr)
		}
		return ferrors.New(ferrors.ToolFailed, msg)
	}

	a.emit(StateReportingSuccess, "", "")
	if _, err := a.api.Complete(ctx, session.SessionID, flashproto.CompleteRequest{
		HWID:    hwid,
		Success: true,
	}); err != nil {
		a.emit(StateAborted, err.Error(), "")
		return err
	}
	a.emit(StateDone, "", "")
	return nil
}

// reportFailure makes a best-effort completion call; its own errors are
// swallowed because the caller is already returning the primary failure.
// Completion is attempted even over an already-cancelled ctx: the server's
// own request handling uses its own deadline, and a best-effort report
// still gives the server a reason instead of leaving it to infer one from
// expiry alone.
func (a *Agent) reportFailure(ctx context.Context, sessionID, hwid, reason string) {
	_, _ = a.api.Complete(context.WithoutCancel(ctx), sessionID, flashproto.CompleteRequest{
		HWID:         hwid,
		Success:      false,
		ErrorMessage: reason,
	})
}

// failureReason collapses any error observed against a cancelled context to
// the literal reason "cancelled"; otherwise it returns fallback unchanged.
func (a *Agent) failureReason(ctx context.Context, fallback string) string {
	if ctx.Err() != nil {
		return "cancelled"
	}
	return fallback
}

// cancelledOr reports err as a typed Cancelled error when ctx was observed
// cancelled, so callers (e.g. cmd/flashctl) can branch on ferrors.Is(err,
// ferrors.Cancelled) instead of string-matching.
func (a *Agent) cancelledOr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ferrors.Wrap(ferrors.Cancelled, "flash session cancelled", err)
	}
	return err
}

func (a *Agent) emit(state State, detail, artifact string) {
	a.observer.Observe(Event{Kind: state, Detail: detail, Artifact: artifact})
}
