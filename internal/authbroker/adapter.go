// Package authbroker adapts the external identity-broker service (§4.9):
// it validates a caller's bearer token and hands back the decentralized
// identifier and the per-user PDS session credentials the forwarding layer
// needs.
package authbroker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"lexhost/internal/dpop"
	"lexhost/internal/pdsclient"
)

// ErrAuth is returned for any identify/session failure.
var ErrAuth = errors.New("auth broker rejected the request")

// NonceError carries a dpop-nonce the broker wants retried with, so the
// caller can relay it back to the client per §4.9.
type NonceError struct {
	Nonce string
}

func (e *NonceError) Error() string { return "auth broker requires a DPoP nonce retry" }
func (e *NonceError) Unwrap() error { return ErrAuth }

// Adapter talks to the auth broker's two consumed endpoints.
type Adapter struct {
	brokerURL  string
	httpClient *http.Client
}

// New builds an adapter pointed at the broker's base URL.
func New(brokerURL string, httpClient *http.Client) *Adapter {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Adapter{brokerURL: strings.TrimRight(brokerURL, "/"), httpClient: httpClient}
}

// Identify resolves a bearer token to the caller's decentralized
// identifier via GET /oauth/userinfo.
func (a *Adapter) Identify(ctx context.Context, bearer, dpopProof string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.brokerURL+"/oauth/userinfo", nil)
	if err != nil {
		return "", fmt.Errorf("build userinfo request: %w", err)
	}
	req.Header.Set("Authorization", "DPoP "+bearer)
	if dpopProof != "" {
		req.Header.Set("DPoP", dpopProof)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrAuth, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		if nonce := resp.Header.Get("DPoP-Nonce"); nonce != "" {
			return "", &NonceError{Nonce: nonce}
		}
		return "", fmt.Errorf("%w: userinfo returned %d", ErrAuth, resp.StatusCode)
	}

	var body struct {
		Sub string `json:"sub"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decode userinfo response: %w", err)
	}
	if body.Sub == "" {
		return "", fmt.Errorf("%w: userinfo response missing sub", ErrAuth)
	}
	return body.Sub, nil
}

// Session fetches the per-user PDS session credentials via
// GET /api/atprotocol/session.
func (a *Adapter) Session(ctx context.Context, bearer string) (pdsclient.Session, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.brokerURL+"/api/atprotocol/session", nil)
	if err != nil {
		return pdsclient.Session{}, fmt.Errorf("build session request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+bearer)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return pdsclient.Session{}, fmt.Errorf("%w: %v", ErrAuth, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return pdsclient.Session{}, fmt.Errorf("%w: session endpoint returned %d", ErrAuth, resp.StatusCode)
	}

	var body struct {
		AccessToken string          `json:"access_token"`
		PDSEndpoint string          `json:"pds_endpoint"`
		DPoPJWK     json.RawMessage `json:"dpop_jwk"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return pdsclient.Session{}, fmt.Errorf("decode session response: %w", err)
	}

	key, err := dpop.ParseJWK(body.DPoPJWK)
	if err != nil {
		return pdsclient.Session{}, fmt.Errorf("parse session dpop key: %w", err)
	}

	return pdsclient.Session{
		AccessToken: body.AccessToken,
		PDSEndpoint: body.PDSEndpoint,
		DPoPKey:     key,
	}, nil
}
