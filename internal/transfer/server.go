// Package transfer implements the Transfer Endpoint: the HTTP/JSON surface
// of the flash-session protocol, built on gorilla/mux the way
// virtengine-virtengine and the trillian examples route their own HTTP
// APIs. Its sole transformation over the Session Authority and Vault is
// error→status-code mapping; every invariant is enforced below it.
package transfer

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/ashgrove/flashvault/internal/ferrors"
	"github.com/ashgrove/flashvault/internal/ledger"
	"github.com/ashgrove/flashvault/internal/session"
	"github.com/ashgrove/flashvault/internal/vault"
	"github.com/ashgrove/flashvault/pkg/flashcrypto"
	"github.com/ashgrove/flashvault/pkg/flashproto"
)

// maxBodyBytes bounds request bodies; none of the four endpoints legitimately
// carries a large body (firmware only ever flows in responses).
const maxBodyBytes = 64 * 1024

// Server holds the vault and session-authority collaborators the endpoint
// delegates to.
type Server struct {
	vault     *vault.Vault
	authority *session.Authority
	ledger    ledger.Ledger
}

// New builds a Server.
func New(v *vault.Vault, a *session.Authority, l ledger.Ledger) *Server {
	if l == nil {
		l = ledger.NoopLedger{}
	}
	return &Server{vault: v, authority: a, ledger: l}
}

// Handler returns the http.Handler implementing the protocol's four routes.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(loggingMiddleware)
	api := r.PathPrefix("/api/flash").Subrouter()
	api.HandleFunc("/sessions", s.createSession).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}", s.readSession).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}/firmware/{name}", s.fetchArtifact).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}/complete", s.complete).Methods(http.MethodPost)
	return r
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		slog.Info("request", "method", r.Method, "path", r.URL.Path, "status", sw.status, "duration", time.Since(start))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var req flashproto.CreateSessionRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	pub, err := parsePublicKeyPEM(req.ClientPublicKeyPem)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid client public key: %v", err))
		return
	}

	snap, err := s.authority.Create(s.vault, req.HWID, req.DeviceType, pub)
	if err != nil {
		writeFerror(w, err)
		return
	}
	writeSession(w, http.StatusCreated, snap)
}

func (s *Server) readSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	hwid := r.URL.Query().Get("hwid")

	snap, ok := s.authority.Lookup(id, hwid)
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeSession(w, http.StatusOK, snap)
}

func (s *Server) fetchArtifact(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id := vars["id"]
	name := vars["name"]
	hwid := r.URL.Query().Get("hwid")

	snap, err := s.authority.RequireUsable(id, hwid)
	if err != nil {
		writeFerror(w, err)
		return
	}
	if !contains(snap.RequiredArtifacts, name) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("artifact %q is not in this session's manifest", name))
		return
	}

	plaintext, err := s.vault.OpenPlaintext(name)
	if err != nil {
		writeFerror(w, err)
		return
	}
	defer plaintext.Close()

	sessionKey, err := s.authority.SessionKey(id, hwid)
	if err != nil {
		writeFerror(w, err)
		return
	}
	defer flashcrypto.Zero(sessionKey)

	blob, err := flashcrypto.Seal(sessionKey, plaintext.Bytes())
	if err != nil {
		writeFerror(w, ferrors.Wrap(ferrors.Internal, "re-encrypt artifact", err))
		return
	}
	defer flashcrypto.Zero(blob)

	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(blob)
}

func (s *Server) complete(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req flashproto.CompleteRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	// Captured before Complete burns the session, purely so the ledger
	// signal can name a device type and cost; absence never affects
	// whether Complete itself succeeds.
	snap, found := s.authority.Lookup(id, req.HWID)

	ok := s.authority.Complete(id, req.HWID, req.Success, req.ErrorMessage)
	if !ok {
		writeError(w, http.StatusBadRequest, "session cannot be completed")
		return
	}

	deviceType, cost := "", 0
	if found {
		deviceType, cost = snap.DeviceType, snap.CreditCost
	}
	s.ledger.Record(id, deviceType, cost, req.Success)

	resp := flashproto.CompleteResponse{
		Success:         true,
		Message:         "session completed",
		CreditsDeducted: req.Success,
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeSession(w http.ResponseWriter, status int, snap session.Snapshot) {
	resp := flashproto.SessionResponse{
		SessionID:               snap.ID,
		WrappedSessionKeyBase64: base64.StdEncoding.EncodeToString(snap.WrappedSessionKey),
		ExpiresAt:               snap.ExpiresAt,
		Status:                  string(snap.Status),
		FirmwareFiles:           snap.RequiredArtifacts,
		CreditCost:              snap.CreditCost,
	}
	writeJSON(w, status, resp)
}

func writeFerror(w http.ResponseWriter, err error) {
	var fe *ferrors.Error
	if !errors.As(err, &fe) {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	switch fe.Kind {
	case ferrors.BadRequest, ferrors.UnknownDeviceType:
		writeError(w, http.StatusBadRequest, fe.Error())
	case ferrors.FirmwareUnavailable:
		writeError(w, http.StatusBadRequest, fe.Error())
	case ferrors.SessionNotFound:
		writeError(w, http.StatusNotFound, "session not found")
	case ferrors.SessionUnusable:
		writeError(w, http.StatusBadRequest, fe.Detail)
	case ferrors.IntegrityError:
		slog.Error("integrity error", "detail", fe.Detail)
		writeError(w, http.StatusInternalServerError, "integrity error")
	default:
		slog.Error("internal error", "detail", fe.Detail)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, flashproto.ErrorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if ct := r.Header.Get("Content-Type"); ct != "" {
		mediaType, _, err := mime.ParseMediaType(ct)
		if err != nil || mediaType != "application/json" {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unsupported content type %q, expected application/json", ct))
			return false
		}
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return false
	}
	return true
}

func parsePublicKeyPEM(pemStr string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key is not RSA")
	}
	return rsaPub, nil
}

func contains(list []string, item string) bool {
	for _, v := range list {
		if v == item {
			return true
		}
	}
	return false
}
