// Package flashproto defines the wire types for the HTTP/JSON flash-session
// protocol, shared verbatim between the server's transfer endpoint and the
// client's API wrapper so one struct definition serves both encode and
// decode sides.
package flashproto

import "time"

// CreateSessionRequest is the POST /api/flash/sessions body.
type CreateSessionRequest struct {
	HWID               string `json:"HWID"`
	DeviceType         string `json:"DeviceType"`
	ClientPublicKeyPem string `json:"ClientPublicKeyPem"`
}

// SessionResponse is returned by create and read-session.
type SessionResponse struct {
	SessionID               string    `json:"SessionId"`
	WrappedSessionKeyBase64 string    `json:"WrappedSessionKeyBase64"`
	ExpiresAt               time.Time `json:"ExpiresAt"`
	Status                  string    `json:"Status"`
	FirmwareFiles           []string  `json:"FirmwareFiles"`
	CreditCost              int       `json:"CreditCost"`
}

// CompleteRequest is the POST .../complete body.
type CompleteRequest struct {
	HWID         string `json:"HWID"`
	Success      bool   `json:"Success"`
	ErrorMessage string `json:"ErrorMessage,omitempty"`
}

// CompleteResponse is returned by the complete call.
type CompleteResponse struct {
	Success         bool   `json:"Success"`
	Message         string `json:"Message"`
	CreditsDeducted bool   `json:"CreditsDeducted"`
}

// ErrorResponse is the body of any non-2xx response.
type ErrorResponse struct {
	Error string `json:"Error"`
}
