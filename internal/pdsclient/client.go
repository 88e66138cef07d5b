// Package pdsclient is the authenticated, raw-forwarding HTTP client to a
// user's PDS (§4.4): it signs requests with DPoP (§4.3) and forwards PDS
// responses byte-for-byte rather than wrapping them in a typed model, so
// the dispatcher and script sandbox can propagate PDS errors verbatim.
package pdsclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/lestrrat-go/jwx/v2/jwk"
)

// Session is the per-user PDS credential set obtained from the auth broker
// (§3). It is never persisted.
type Session struct {
	AccessToken  string
	PDSEndpoint  string
	DPoPKey      jwk.Key
}

// Client issues authenticated XRPC calls to per-user PDS endpoints.
type Client struct {
	httpClient *http.Client
}

// New builds a client sharing the given base http.Client's transport and
// connection pool (§5, "the HTTP client is shared and connection-pooled").
func New(base *http.Client) *Client {
	if base == nil {
		base = http.DefaultClient
	}
	return &Client{httpClient: base}
}

func (c *Client) forSession(session Session) *http.Client {
	return &http.Client{
		Transport: newDPoPTransport(c.httpClient.Transport, session.DPoPKey, session.AccessToken),
		Timeout:   c.httpClient.Timeout,
	}
}

// PostJSON POSTs body as JSON to <pds-endpoint>/xrpc/<xrpcMethod>, signed
// with DPoP and retried once on a nonce challenge, returning the raw
// *http.Response for the caller to forward or parse (§4.4 operations).
func (c *Client) PostJSON(ctx context.Context, session Session, xrpcMethod string, body any) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal pds request body: %w", err)
	}

	url := strings.TrimRight(session.PDSEndpoint, "/") + "/xrpc/" + xrpcMethod
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build pds request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.forSession(session).Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadGateway, err)
	}
	return resp, nil
}

// PostBlob uploads raw bytes to com.atproto.repo.uploadBlob and returns the
// forwarded response.
func (c *Client) PostBlob(ctx context.Context, session Session, contentType string, blob []byte) (*http.Response, error) {
	url := strings.TrimRight(session.PDSEndpoint, "/") + "/xrpc/com.atproto.repo.uploadBlob"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(blob))
	if err != nil {
		return nil, fmt.Errorf("build uploadBlob request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.forSession(session).Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadGateway, err)
	}
	return resp, nil
}

// Forwarded is the fully-read result of a PDS call, ready to be written to
// an http.ResponseWriter or parsed further by a built-in handler.
type Forwarded struct {
	Status int
	Body   []byte
}

// Read drains resp and classifies it: 2xx returns a Forwarded with no
// error; non-2xx returns the same Forwarded alongside an *Error so callers
// that only want to propagate the failure can do so with one check.
func Read(resp *http.Response) (Forwarded, error) {
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Forwarded{}, fmt.Errorf("read pds response: %w", err)
	}

	f := Forwarded{Status: resp.StatusCode, Body: body}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return f, nil
	}
	return f, &Error{Status: resp.StatusCode, Body: body}
}

// WriteTo copies a Forwarded response onto w with the original status and
// an application/json content-type (§4.4 forwarding policy).
func (f Forwarded) WriteTo(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(f.Status)
	_, _ = w.Write(f.Body)
}

// CreateRecordResult is the subset of com.atproto.repo.createRecord's
// response the dispatcher needs to mirror the write locally.
type CreateRecordResult struct {
	URI string `json:"uri"`
	CID string `json:"cid"`
}

// ParseRecordResult extracts uri/cid from a successful create/put response.
func ParseRecordResult(body []byte) (CreateRecordResult, error) {
	var r CreateRecordResult
	if err := json.Unmarshal(body, &r); err != nil {
		return CreateRecordResult{}, fmt.Errorf("parse pds record result: %w", err)
	}
	return r, nil
}
