package transfer

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ashgrove/flashvault/internal/session"
	"github.com/ashgrove/flashvault/internal/vault"
	"github.com/ashgrove/flashvault/pkg/flashcrypto"
	"github.com/ashgrove/flashvault/pkg/flashproto"
)

type testHarness struct {
	server     *httptest.Server
	priv       *rsa.PrivateKey
	pubPEM     string
	storageDir string
}

func newHarness(t *testing.T) *testHarness {
	return newHarnessWithTTL(t, time.Minute)
}

func newHarnessWithTTL(t *testing.T, ttl time.Duration) *testHarness {
	t.Helper()
	masterKey, err := flashcrypto.GenerateKey()
	require.NoError(t, err, "GenerateKey")

	table := vault.NewTable([]vault.DeviceType{
		{Name: "widget-9000", RequiredArtifacts: []string{"bootloader"}, CreditCost: 1},
	})
	storageDir := t.TempDir()
	v, err := vault.New(masterKey, storageDir, table)
	require.NoError(t, err, "vault.New")
	require.NoError(t, v.SealArtifact("bootloader", []byte("boot bytes")))

	authority := session.New(ttl)
	srv := New(v, authority, nil)

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err, "generate client key")
	der, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	require.NoError(t, err, "marshal public key")
	pubPEM := string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))

	return &testHarness{
		server:     httptest.NewServer(srv.Handler()),
		priv:       priv,
		pubPEM:     pubPEM,
		storageDir: storageDir,
	}
}

func (h *testHarness) createSession(t *testing.T, hwid string) flashproto.SessionResponse {
	t.Helper()
	body, _ := json.Marshal(flashproto.CreateSessionRequest{
		HWID:               hwid,
		DeviceType:         "widget-9000",
		ClientPublicKeyPem: h.pubPEM,
	})
	resp, err := http.Post(h.server.URL+"/api/flash/sessions", "application/json", bytes.NewReader(body))
	require.NoError(t, err, "POST sessions")
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var sess flashproto.SessionResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&sess), "decode session response")
	return sess
}

func TestHappyPathEndToEnd(t *testing.T) {
	h := newHarness(t)
	defer h.server.Close()

	sess := h.createSession(t, "hwid-1")

	wrapped, err := base64.StdEncoding.DecodeString(sess.WrappedSessionKeyBase64)
	require.NoError(t, err, "decode wrapped key")
	sessionKey, err := flashcrypto.UnwrapKey(h.priv, wrapped)
	require.NoError(t, err, "unwrap session key")

	resp, err := http.Get(h.server.URL + "/api/flash/sessions/" + sess.SessionID + "/firmware/bootloader?hwid=hwid-1")
	require.NoError(t, err, "GET firmware")
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	blob := mustReadAll(t, resp)
	plaintext, err := flashcrypto.Open(sessionKey, blob)
	require.NoError(t, err, "decrypt artifact")
	require.Equal(t, "boot bytes", string(plaintext))

	completeBody, _ := json.Marshal(flashproto.CompleteRequest{HWID: "hwid-1", Success: true})
	completeResp, err := http.Post(h.server.URL+"/api/flash/sessions/"+sess.SessionID+"/complete", "application/json", bytes.NewReader(completeBody))
	require.NoError(t, err, "POST complete")
	defer completeResp.Body.Close()
	require.Equal(t, http.StatusOK, completeResp.StatusCode)
}

func TestFetchArtifactRejectsHWIDMismatch(t *testing.T) {
	h := newHarness(t)
	defer h.server.Close()

	sess := h.createSession(t, "hwid-1")

	// A fingerprint mismatch is deliberately conflated with an unknown
	// session identifier: both yield 404, never 400, so a caller cannot
	// distinguish "wrong hardware" from "no such session".
	resp, err := http.Get(h.server.URL + "/api/flash/sessions/" + sess.SessionID + "/firmware/bootloader?hwid=wrong-hwid")
	require.NoError(t, err, "GET firmware")
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode, "expected 404 for hwid mismatch")
}

func TestFetchArtifactRejectsUnknownSessionWithoutOracle(t *testing.T) {
	h := newHarness(t)
	defer h.server.Close()

	sess := h.createSession(t, "hwid-1")

	wrongID, err := http.Get(h.server.URL + "/api/flash/sessions/totally-made-up/firmware/bootloader?hwid=hwid-1")
	require.NoError(t, err, "GET firmware (unknown id)")
	defer wrongID.Body.Close()

	wrongFP, err := http.Get(h.server.URL + "/api/flash/sessions/" + sess.SessionID + "/firmware/bootloader?hwid=wrong-hwid")
	require.NoError(t, err, "GET firmware (wrong hwid)")
	defer wrongFP.Body.Close()

	// Both must be indistinguishable 404s: the server never reveals
	// whether a session exists under a fingerprint it doesn't recognize.
	require.Equal(t, http.StatusNotFound, wrongID.StatusCode, "expected 404 for unknown session id")
	require.Equal(t, http.StatusNotFound, wrongFP.StatusCode, "expected 404 for hwid mismatch")
}

func TestCreateSessionRejectsWrongContentType(t *testing.T) {
	h := newHarness(t)
	defer h.server.Close()

	body, _ := json.Marshal(flashproto.CreateSessionRequest{
		HWID:               "hwid-1",
		DeviceType:         "widget-9000",
		ClientPublicKeyPem: h.pubPEM,
	})
	resp, err := http.Post(h.server.URL+"/api/flash/sessions", "text/plain", bytes.NewReader(body))
	require.NoError(t, err, "POST sessions")
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode, "expected a non-JSON content type to be rejected")
}

func TestCompleteThenSecondCompleteIsRejected(t *testing.T) {
	h := newHarness(t)
	defer h.server.Close()

	sess := h.createSession(t, "hwid-1")

	body, _ := json.Marshal(flashproto.CompleteRequest{HWID: "hwid-1", Success: true})
	first, err := http.Post(h.server.URL+"/api/flash/sessions/"+sess.SessionID+"/complete", "application/json", bytes.NewReader(body))
	require.NoError(t, err, "POST complete (first)")
	first.Body.Close()
	require.Equal(t, http.StatusOK, first.StatusCode, "expected first complete to succeed")

	second, err := http.Post(h.server.URL+"/api/flash/sessions/"+sess.SessionID+"/complete", "application/json", bytes.NewReader(body))
	require.NoError(t, err, "POST complete (second)")
	second.Body.Close()
	require.Equal(t, http.StatusBadRequest, second.StatusCode, "expected second complete to be rejected")
}

func TestFetchAfterCompleteReportsBurned(t *testing.T) {
	h := newHarness(t)
	defer h.server.Close()

	sess := h.createSession(t, "hwid-1")

	body, _ := json.Marshal(flashproto.CompleteRequest{HWID: "hwid-1", Success: true})
	complete, err := http.Post(h.server.URL+"/api/flash/sessions/"+sess.SessionID+"/complete", "application/json", bytes.NewReader(body))
	require.NoError(t, err, "POST complete")
	complete.Body.Close()
	require.Equal(t, http.StatusOK, complete.StatusCode)

	resp, err := http.Get(h.server.URL + "/api/flash/sessions/" + sess.SessionID + "/firmware/bootloader?hwid=hwid-1")
	require.NoError(t, err, "GET firmware after complete")
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode, "expected a fetch on a burned session to be rejected")

	var errBody flashproto.ErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&errBody))
	require.Equal(t, "Burned", errBody.Error, "expected the rejection to name the terminal status")
}

func TestFetchAfterExpiryReportsExpired(t *testing.T) {
	h := newHarnessWithTTL(t, 10*time.Millisecond)
	defer h.server.Close()

	sess := h.createSession(t, "hwid-1")
	time.Sleep(50 * time.Millisecond)

	resp, err := http.Get(h.server.URL + "/api/flash/sessions/" + sess.SessionID + "/firmware/bootloader?hwid=hwid-1")
	require.NoError(t, err, "GET firmware after expiry")
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode, "expected a fetch past expiry to be rejected")

	var errBody flashproto.ErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&errBody))
	require.Equal(t, "Expired", errBody.Error)

	// A completion attempt on the expired session must also fail.
	body, _ := json.Marshal(flashproto.CompleteRequest{HWID: "hwid-1", Success: true})
	complete, err := http.Post(h.server.URL+"/api/flash/sessions/"+sess.SessionID+"/complete", "application/json", bytes.NewReader(body))
	require.NoError(t, err, "POST complete after expiry")
	complete.Body.Close()
	require.Equal(t, http.StatusBadRequest, complete.StatusCode)
}

func TestFetchTamperedArtifactReportsIntegrityError(t *testing.T) {
	h := newHarness(t)
	defer h.server.Close()

	// Session create is lazy about artifact contents: it checks presence,
	// not integrity, so tampering after create only surfaces at fetch time.
	sess := h.createSession(t, "hwid-1")

	path := filepath.Join(h.storageDir, "bootloader.enc")
	raw, err := os.ReadFile(path)
	require.NoError(t, err, "read sealed artifact")
	raw[len(raw)-1] ^= 0xFF
	require.NoError(t, os.WriteFile(path, raw, 0o600), "rewrite tampered artifact")

	resp, err := http.Get(h.server.URL + "/api/flash/sessions/" + sess.SessionID + "/firmware/bootloader?hwid=hwid-1")
	require.NoError(t, err, "GET firmware")
	defer resp.Body.Close()
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode, "expected a tampered artifact to surface as an integrity failure")
}

func mustReadAll(t *testing.T, resp *http.Response) []byte {
	t.Helper()
	buf := new(bytes.Buffer)
	_, err := buf.ReadFrom(resp.Body)
	require.NoError(t, err, "read response body")
	return buf.Bytes()
}
