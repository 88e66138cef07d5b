package api

import (
	"bytes"
	"io"
	"net/http"
)

// maxProxyBody is §6/§8's cap on non-GET broker-proxy bodies.
const maxProxyBody = 10 << 20

// proxyRequestHeaders and proxyResponseHeaders are the explicit copy-lists
// named in §6 -- nothing outside these crosses the proxy boundary.
var proxyRequestHeaders = []string{"Content-Type", "Authorization", "DPoP", "Accept"}
var proxyResponseHeaders = []string{"Content-Type", "DPoP-Nonce", "WWW-Authenticate", "Cache-Control"}

// BrokerProxy transparently forwards any request not matched by a more
// specific route to the auth broker, copying only the headers §6 names in
// either direction.
func (s *State) BrokerProxy(w http.ResponseWriter, r *http.Request) {
	var body io.Reader
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		limited, err := io.ReadAll(io.LimitReader(r.Body, maxProxyBody+1))
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "read request body: "+err.Error())
			return
		}
		if len(limited) > maxProxyBody {
			writeJSONError(w, http.StatusBadRequest, "request body exceeds maximum size")
			return
		}
		body = bytes.NewReader(limited)
	}

	req, err := http.NewRequestWithContext(r.Context(), r.Method, s.AuthBrokerURL+r.URL.RequestURI(), body)
	if err != nil {
		writeJSONError(w, http.StatusBadGateway, "build proxy request: "+err.Error())
		return
	}
	for _, h := range proxyRequestHeaders {
		if v := r.Header.Get(h); v != "" {
			req.Header.Set(h, v)
		}
	}

	resp, err := s.HTTPClient.Do(req)
	if err != nil {
		writeJSONError(w, http.StatusBadGateway, "auth broker unreachable")
		return
	}
	defer resp.Body.Close()

	for _, h := range proxyResponseHeaders {
		if v := resp.Header.Get(h); v != "" {
			w.Header().Set(h, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}
