// Package apiclient is the Flash Agent's HTTP client for the flash-session
// protocol. Transient failures (connection refused, 5xx, timeout) retry
// with backoff via cenkalti/backoff; protocol-level rejections (4xx)
// surface immediately as typed errors instead.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ashgrove/flashvault/internal/ferrors"
	"github.com/ashgrove/flashvault/pkg/flashproto"
)

// Client talks to one flashd server.
type Client struct {
	baseURL string
	http    *http.Client
}

// New builds a Client against baseURL with the given per-request timeout.
func New(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// CreateSession calls POST /api/flash/sessions.
func (c *Client) CreateSession(ctx context.Context, req flashproto.CreateSessionRequest) (flashproto.SessionResponse, error) {
	var resp flashproto.SessionResponse
	err := c.doJSON(ctx, http.MethodPost, "/api/flash/sessions", req, &resp)
	return resp, err
}

// ReadSession calls GET /api/flash/sessions/{id}?hwid=...
func (c *Client) ReadSession(ctx context.Context, sessionID, hwid string) (flashproto.SessionResponse, error) {
	var resp flashproto.SessionResponse
	path := fmt.Sprintf("/api/flash/sessions/%s?hwid=%s", escape(sessionID), escape(hwid))
	err := c.doJSON(ctx, http.MethodGet, path, nil, &resp)
	return resp, err
}

// FetchArtifact calls GET .../firmware/{name} and returns the raw
// ciphertext blob (nonce||tag||ciphertext per pkg/flashcrypto).
func (c *Client) FetchArtifact(ctx context.Context, sessionID, hwid, name string) ([]byte, error) {
	path := fmt.Sprintf("/api/flash/sessions/%s/firmware/%s?hwid=%s", escape(sessionID), escape(name), escape(hwid))

	var blob []byte
	op := func() error {
		resp, err := c.request(ctx, http.MethodGet, path, nil)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return c.terminalOrRetryable(resp)
		}
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		blob = body
		return nil
	}

	if err := c.retry(ctx, op); err != nil {
		return nil, err
	}
	return blob, nil
}

// Complete calls POST .../complete.
func (c *Client) Complete(ctx context.Context, sessionID string, req flashproto.CompleteRequest) (flashproto.CompleteResponse, error) {
	var resp flashproto.CompleteResponse
	path := fmt.Sprintf("/api/flash/sessions/%s/complete", escape(sessionID))
	err := c.doJSON(ctx, http.MethodPost, path, req, &resp)
	return resp, err
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	var result error
	op := func() error {
		resp, err := c.request(ctx, method, path, body)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode/100 != 2 {
			return c.terminalOrRetryable(resp)
		}
		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return backoff.Permanent(ferrors.Wrap(ferrors.TransportError, "decode response body", err))
			}
		}
		return nil
	}
	result = c.retry(ctx, op)
	return result
}

func (c *Client) request(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, backoff.Permanent(ferrors.Wrap(ferrors.Internal, "marshal request body", err))
		}
		reader = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, backoff.Permanent(ferrors.Wrap(ferrors.Internal, "build request", err))
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		// Connection-level failures are transient: retry them.
		return nil, ferrors.Wrap(ferrors.TransportError, "perform request", err)
	}
	return resp, nil
}

// terminalOrRetryable classifies a non-2xx response: 5xx is transient and
// retried, anything else is a permanent protocol-level rejection.
func (c *Client) terminalOrRetryable(resp *http.Response) error {
	var body flashproto.ErrorResponse
	_ = json.NewDecoder(resp.Body).Decode(&body)
	msg := body.Error
	if msg == "" {
		msg = resp.Status
	}

	kind := ferrors.TransportError
	switch resp.StatusCode {
	case http.StatusNotFound:
		kind = ferrors.SessionNotFound
	case http.StatusBadRequest:
		kind = ferrors.BadRequest
	}
	err := ferrors.New(kind, msg)
	if resp.StatusCode >= 500 {
		return err // transient, let backoff retry
	}
	return backoff.Permanent(err)
}

func (c *Client) retry(ctx context.Context, op func() error) error {
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5), ctx)
	return backoff.Retry(op, b)
}

func escape(s string) string {
	return url.QueryEscape(s)
}
