// Package api is the single outbound HTTP helper for the Auth and Chat services.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/kaguchat/internal/errs"
	"github.com/and161185/kaguchat/internal/model"
)

// Header names sent on authenticated requests.
const (
	HeaderAuthorization = "Authorization"
	HeaderCSRF          = "X-CSRF-TOKEN"
)

// CredentialSource yields the session credentials current at call time.
type CredentialSource interface {
	Credentials() model.Credentials
}

// CredentialFunc adapts a function to CredentialSource.
type CredentialFunc func() model.Credentials

// Credentials implements CredentialSource.
func (f CredentialFunc) Credentials() model.Credentials { return f() }

// APIError is a non-2xx response from the service.
type APIError struct {
	Status int
	Msg    string // server-supplied message, may be empty
}

func (e *APIError) Error() string {
	if e.Msg != "" {
		return fmt.Sprintf("http %d: %s", e.Status, e.Msg)
	}
	return fmt.Sprintf("http %d", e.Status)
}

// Unwrap maps the status onto the error taxonomy.
func (e *APIError) Unwrap() error {
	switch {
	case e.Status == http.StatusUnauthorized || e.Status == http.StatusUnprocessableEntity:
		return errs.ErrUnauthorized
	case e.Status >= 500 || e.Status == http.StatusRequestTimeout || e.Status == http.StatusTooManyRequests:
		return errs.ErrTransient
	default:
		return nil
	}
}

// ServerMessage extracts the server-supplied message from err, if any.
func ServerMessage(err error) string {
	var ae *APIError
	if errors.As(err, &ae) {
		return ae.Msg
	}
	return ""
}

// Client talks to the KaguChat REST endpoints.
type Client struct {
	base  string
	http  *http.Client
	creds CredentialSource
	log   *zap.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option { return func(c *Client) { c.http = hc } }

// WithTimeout sets the transport timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.http = &http.Client{Timeout: d} }
}

// WithCredentials sets where bearer and CSRF tokens come from.
func WithCredentials(src CredentialSource) Option { return func(c *Client) { c.creds = src } }

// WithLogger sets the request logger.
func WithLogger(l *zap.Logger) Option { return func(c *Client) { c.log = l } }

// New constructs a client for baseURL (e.g. http://localhost:5001).
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		base: strings.TrimRight(baseURL, "/"),
		http: &http.Client{Timeout: 15 * time.Second},
		log:  zap.NewNop(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type request struct {
	method      string
	path        string
	body        io.Reader
	contentType string
	auth        bool
}

// do is the one place requests are built: headers are derived from the
// credential source on every call.
func (c *Client) do(ctx context.Context, r request, out any) (int, error) {
	req, err := http.NewRequestWithContext(ctx, r.method, c.base+r.path, r.body)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept", "application/json")
	if r.contentType != "" {
		req.Header.Set("Content-Type", r.contentType)
	}
	if r.auth && c.creds != nil {
		cr := c.creds.Credentials()
		if cr.AccessToken != "" {
			req.Header.Set(HeaderAuthorization, "Bearer "+cr.AccessToken)
		}
		if cr.CSRFToken != "" {
			req.Header.Set(HeaderCSRF, cr.CSRFToken)
		}
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Warn("http",
			zap.String("method", r.method),
			zap.String("path", r.path),
			zap.Duration("dur", time.Since(start)),
			zap.Error(err),
		)
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, fmt.Errorf("%s %s: %w: %v", r.method, r.path, errs.ErrTransient, err)
	}
	defer resp.Body.Close()

	// only metadata, never payloads or tokens
	c.log.Debug("http",
		zap.String("method", r.method),
		zap.String("path", r.path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("dur", time.Since(start)),
	)

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return resp.StatusCode, fmt.Errorf("%s %s: read body: %w: %v", r.method, r.path, errs.ErrTransient, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, &APIError{Status: resp.StatusCode, Msg: errorMessage(raw)}
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return resp.StatusCode, fmt.Errorf("%s %s: %w: %v", r.method, r.path, errs.ErrMalformed, err)
		}
	}
	return resp.StatusCode, nil
}

// errorMessage pulls "msg" (auth endpoints) or "error" (chat endpoints).
func errorMessage(raw []byte) string {
	var body struct {
		Msg   string `json:"msg"`
		Error string `json:"error"`
	}
	if json.Unmarshal(raw, &body) != nil {
		return ""
	}
	if body.Msg != "" {
		return body.Msg
	}
	return body.Error
}

func jsonBody(v any) (io.Reader, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return bytes.NewReader(b), nil
}
