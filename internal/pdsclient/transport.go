package pdsclient

import (
	"bytes"
	"io"
	"net/http"

	"github.com/lestrrat-go/jwx/v2/jwk"

	"lexhost/internal/dpop"
)

// dpopTransport is an http.RoundTripper that signs every request with a
// fresh DPoP proof and retries exactly once on a nonce challenge. Nonces
// are not cached across calls: each RoundTrip starts from no nonce, rather
// than remembering one from a prior call.
type dpopTransport struct {
	base        http.RoundTripper
	key         jwk.Key
	accessToken string
}

// newDPoPTransport builds a transport bound to one PDS session.
func newDPoPTransport(base http.RoundTripper, key jwk.Key, accessToken string) *dpopTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &dpopTransport{base: base, key: key, accessToken: accessToken}
}

func (t *dpopTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	body, err := drainBody(req)
	if err != nil {
		return nil, err
	}

	resp, err := t.send(req, body, "")
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusUnauthorized {
		if nonce := resp.Header.Get("DPoP-Nonce"); nonce != "" {
			_ = resp.Body.Close()
			return t.send(req, body, nonce)
		}
	}
	return resp, nil
}

func (t *dpopTransport) send(req *http.Request, body []byte, nonce string) (*http.Response, error) {
	clone := req.Clone(req.Context())
	if body != nil {
		clone.Body = io.NopCloser(bytes.NewReader(body))
	}

	proof, err := dpop.Proof(t.key, clone.Method, clone.URL.String(), nonce, t.accessToken)
	if err != nil {
		return nil, err
	}
	clone.Header.Set("Authorization", "DPoP "+t.accessToken)
	clone.Header.Set("DPoP", proof)

	return t.base.RoundTrip(clone)
}

func drainBody(req *http.Request) ([]byte, error) {
	if req.Body == nil {
		return nil, nil
	}
	b, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, err
	}
	_ = req.Body.Close()
	req.Body = io.NopCloser(bytes.NewReader(b))
	return b, nil
}
