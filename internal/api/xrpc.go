package api

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"lexhost/internal/pdsclient"
)

// maxProcedureBody bounds the JSON body accepted by a procedure call.
const maxProcedureBody = 1 << 20

// maxBlobBody is the §6 cap on com.atproto.repo.uploadBlob bodies.
const maxBlobBody = 50 << 20

// XRPC handles GET/POST /xrpc/{method} (§4.2, §6): GET runs anonymously,
// POST requires a bearer-authenticated caller whose identity and PDS
// session are resolved through the auth-broker adapter.
func (s *State) XRPC(w http.ResponseWriter, r *http.Request) {
	method := chi.URLParam(r, "method")

	if r.Method == http.MethodGet {
		out, err := s.Dispatcher.Query(r.Context(), method, r.URL.Query())
		if err != nil {
			WriteError(w, s.Logger, err)
			return
		}
		writeJSON(w, out)
		return
	}

	token, ok := bearerToken(r.Header.Get("Authorization"))
	if !ok {
		writeJSONError(w, http.StatusUnauthorized, "missing or malformed Authorization header")
		return
	}

	did, err := s.AuthBroker.Identify(r.Context(), token, r.Header.Get("DPoP"))
	if err != nil {
		WriteError(w, s.Logger, err)
		return
	}
	session, err := s.AuthBroker.Session(r.Context(), token)
	if err != nil {
		WriteError(w, s.Logger, err)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxProcedureBody))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "read request body: "+err.Error())
		return
	}

	out, err := s.Dispatcher.Procedure(r.Context(), method, did, session, body)
	if err != nil {
		WriteError(w, s.Logger, err)
		return
	}
	writeJSON(w, out)
}

// UploadBlob handles POST /xrpc/com.atproto.repo.uploadBlob (§6): bearer
// auth, ≤50 MiB body, forwarded to the caller's PDS verbatim.
func (s *State) UploadBlob(w http.ResponseWriter, r *http.Request) {
	token, ok := bearerToken(r.Header.Get("Authorization"))
	if !ok {
		writeJSONError(w, http.StatusUnauthorized, "missing or malformed Authorization header")
		return
	}

	session, err := s.AuthBroker.Session(r.Context(), token)
	if err != nil {
		WriteError(w, s.Logger, err)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBlobBody+1))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "read request body: "+err.Error())
		return
	}
	if len(body) > maxBlobBody {
		writeJSONError(w, http.StatusBadRequest, "blob exceeds maximum size")
		return
	}

	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	resp, err := s.PDS.PostBlob(r.Context(), session, contentType, body)
	if err != nil {
		writeJSONError(w, http.StatusBadGateway, "forward blob upload: "+err.Error())
		return
	}
	forwarded, err := pdsclient.Read(resp)
	var pdsErr *pdsclient.Error
	if err != nil && !errors.As(err, &pdsErr) {
		WriteError(w, s.Logger, err)
		return
	}
	// A non-2xx PDS response is still forwarded verbatim (§4.4); only a
	// body-read failure is treated as internal.
	forwarded.WriteTo(w)
}

func writeJSON(w http.ResponseWriter, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func bearerToken(header string) (string, bool) {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", false
	}
	return token, true
}
