package flashagent

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"

	"github.com/ashgrove/flashvault/internal/ferrors"
	"github.com/ashgrove/flashvault/pkg/flashcrypto"
	"github.com/ashgrove/flashvault/pkg/flashproto"
)

// fakeCustodian satisfies KeyCustodian using an in-memory RSA keypair, so
// tests never touch an OS-scoped protected store.
type fakeCustodian struct {
	priv *rsa.PrivateKey
}

func newFakeCustodian(t *testing.T) *fakeCustodian {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate test key: %v", err)
	}
	return &fakeCustodian{priv: priv}
}

func (f *fakeCustodian) Ensure() error { return nil }

func (f *fakeCustodian) PublicPEM() (string, error) {
	der, err := x509.MarshalPKIXPublicKey(&f.priv.PublicKey)
	if err != nil {
		return "", err
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

func (f *fakeCustodian) Unwrap(wrapped []byte) (*flashcrypto.Secret, error) {
	key, err := flashcrypto.UnwrapKey(f.priv, wrapped)
	if err != nil {
		return nil, err
	}
	return flashcrypto.NewSecret(key), nil
}

// fakeAPI satisfies SessionAPI entirely in memory, modeling one session
// with one firmware artifact sealed under a freshly generated session key.
type fakeAPI struct {
	sessionID     string
	sessionKey    []byte
	artifacts     map[string][]byte // name -> plaintext
	completeCalls []flashproto.CompleteRequest
	failFetch     bool
	cancelOnFetch context.CancelFunc
}

func newFakeAPI(t *testing.T) *fakeAPI {
	t.Helper()
	key, err := flashcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	return &fakeAPI{
		sessionID:  "fake-session-id",
		sessionKey: key,
		artifacts:  map[string][]byte{"bootloader": []byte("boot bytes")},
	}
}

func (f *fakeAPI) CreateSession(ctx context.Context, req flashproto.CreateSessionRequest) (flashproto.SessionResponse, error) {
	block, _ := pem.Decode([]byte(req.ClientPublicKeyPem))
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return flashproto.SessionResponse{}, err
	}
	rsaPub := pub.(*rsa.PublicKey)
	wrapped, err := flashcrypto.WrapKey(rsaPub, f.sessionKey)
	if err != nil {
		return flashproto.SessionResponse{}, err
	}
	names := make([]string, 0, len(f.artifacts))
	for name := range f.artifacts {
		names = append(names, name)
	}
	return flashproto.SessionResponse{
		SessionID:               f.sessionID,
		WrappedSessionKeyBase64: base64.StdEncoding.EncodeToString(wrapped),
		Status:                  "Active",
		FirmwareFiles:           names,
		CreditCost:              1,
	}, nil
}

func (f *fakeAPI) FetchArtifact(ctx context.Context, sessionID, hwid, name string) ([]byte, error) {
	if f.failFetch {
		return nil, ferrors.New(ferrors.TransportError, "simulated fetch failure")
	}
	if f.cancelOnFetch != nil {
		f.cancelOnFetch()
		return nil, ctx.Err()
	}
	plaintext, ok := f.artifacts[name]
	if !ok {
		return nil, ferrors.New(ferrors.FirmwareUnavailable, "no such artifact")
	}
	return flashcrypto.Seal(f.sessionKey, plaintext)
}

func (f *fakeAPI) Complete(ctx context.Context, sessionID string, req flashproto.CompleteRequest) (flashproto.CompleteResponse, error) {
	f.completeCalls = append(f.completeCalls, req)
	return flashproto.CompleteResponse{Success: true, CreditsDeducted: req.Success}, nil
}

func TestRunHappyPathReportsSuccess(t *testing.T) {
	api := newFakeAPI(t)
	custodian := newFakeCustodian(t)
	agent := New(api, custodian, nil)

	toolsDir := t.TempDir()
	writeExecutable(t, toolsDir, "flash-widget.sh", "#!/bin/sh\nexit 0\n")

	err := agent.Run(context.Background(), "hwid-1", "widget-9000", ToolConfig{
		ToolsDir:         toolsDir,
		ToolName:         "flash-widget.sh",
		ArgumentTemplate: []string{"{bootloader}"},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(api.completeCalls) != 1 || !api.completeCalls[0].Success {
		t.Fatalf("expected one successful completion call, got %+v", api.completeCalls)
	}
}

func TestRunToolFailureReportsFailureToServer(t *testing.T) {
	api := newFakeAPI(t)
	custodian := newFakeCustodian(t)
	agent := New(api, custodian, nil)

	toolsDir := t.TempDir()
	writeExecutable(t, toolsDir, "flash-widget.sh", "#!/bin/sh\nexit 3\n")

	err := agent.Run(context.Background(), "hwid-1", "widget-9000", ToolConfig{
		ToolsDir:         toolsDir,
		ToolName:         "flash-widget.sh",
		ArgumentTemplate: []string{"{bootloader}"},
	})
	if err == nil {
		t.Fatal("expected tool failure to surface as an error")
	}
	if len(api.completeCalls) != 1 || api.completeCalls[0].Success {
		t.Fatalf("expected one failed completion call, got %+v", api.completeCalls)
	}
}

func TestRunFetchFailureAbortsAndReportsFailure(t *testing.T) {
	api := newFakeAPI(t)
	api.failFetch = true
	custodian := newFakeCustodian(t)
	agent := New(api, custodian, nil)

	toolsDir := t.TempDir()
	writeExecutable(t, toolsDir, "flash-widget.sh", "#!/bin/sh\nexit 0\n")

	err := agent.Run(context.Background(), "hwid-1", "widget-9000", ToolConfig{
		ToolsDir: toolsDir,
		ToolName: "flash-widget.sh",
	})
	if err == nil {
		t.Fatal("expected fetch failure to abort the run")
	}
	if len(api.completeCalls) != 1 || api.completeCalls[0].Success {
		t.Fatalf("expected one failed completion call reporting the fetch failure, got %+v", api.completeCalls)
	}
}

func TestRunCancellationDuringFetchReportsCancelledReason(t *testing.T) {
	api := newFakeAPI(t)
	ctx, cancel := context.WithCancel(context.Background())
	api.cancelOnFetch = cancel
	custodian := newFakeCustodian(t)
	agent := New(api, custodian, nil)

	toolsDir := t.TempDir()
	writeExecutable(t, toolsDir, "flash-widget.sh", "#!/bin/sh\nexit 0\n")

	err := agent.Run(ctx, "hwid-1", "widget-9000", ToolConfig{
		ToolsDir:         toolsDir,
		ToolName:         "flash-widget.sh",
		ArgumentTemplate: []string{"{bootloader}"},
	})
	if err == nil {
		t.Fatal("expected cancellation to abort the run")
	}
	if !ferrors.Is(err, ferrors.Cancelled) {
		t.Fatalf("expected Cancelled error kind, got %v", err)
	}
	if len(api.completeCalls) != 1 {
		t.Fatalf("expected exactly one best-effort completion call, got %+v", api.completeCalls)
	}
	got := api.completeCalls[0]
	if got.Success {
		t.Fatal("expected the completion call to report failure")
	}
	if got.ErrorMessage != "cancelled" {
		t.Fatalf("expected reason %q, got %q", "cancelled", got.ErrorMessage)
	}
}

func TestRunObserverSeesEveryStateTransition(t *testing.T) {
	api := newFakeAPI(t)
	custodian := newFakeCustodian(t)

	var states []State
	observer := ObserverFunc(func(ev Event) {
		if ev.ToolLine == "" {
			states = append(states, ev.Kind)
		}
	})
	agent := New(api, custodian, observer)

	toolsDir := t.TempDir()
	writeExecutable(t, toolsDir, "flash-widget.sh", "#!/bin/sh\nexit 0\n")

	if err := agent.Run(context.Background(), "hwid-1", "widget-9000", ToolConfig{
		ToolsDir:         toolsDir,
		ToolName:         "flash-widget.sh",
		ArgumentTemplate: []string{"{bootloader}"},
	}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := []State{
		StateSessionRequested,
		StateSessionEstablished,
		StateFetching,
		StateDecrypted,
		StateToolRunning,
		StateReportingSuccess,
		StateDone,
	}
	if len(states) != len(want) {
		t.Fatalf("expected %d transitions, got %d: %v", len(want), len(states), states)
	}
	for i, s := range want {
		if states[i] != s {
			t.Fatalf("transition %d: expected %s, got %s (full sequence %v)", i, s, states[i], states)
		}
	}
}

func writeExecutable(t *testing.T, dir, name, content string) {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o700); err != nil {
		t.Fatalf("write executable: %v", err)
	}
}
