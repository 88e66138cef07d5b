package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"lexhost/internal/admin"
	"lexhost/internal/authbroker"
	"lexhost/internal/dispatch"
	"lexhost/internal/mirror"
	"lexhost/internal/pdsclient"
)

// WriteError classifies err against every typed error this module produces
// and writes the matching HTTP response, per §7's taxonomy. This is the
// shared half of the error-translation contract; admin.respondError and
// writeAuthError handle the pieces that run before a domain package gets
// to return a classified error.
func WriteError(w http.ResponseWriter, logger *log.Logger, err error) {
	if logger == nil {
		logger = log.Default()
	}

	var pdsErr *pdsclient.Error
	if errors.As(err, &pdsErr) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(pdsErr.Status)
		_, _ = w.Write(pdsErr.Body)
		return
	}

	var nonceErr *authbroker.NonceError
	if errors.As(err, &nonceErr) {
		w.Header().Set("DPoP-Nonce", nonceErr.Nonce)
		writeJSONError(w, http.StatusUnauthorized, "DPoP nonce required")
		return
	}
	if errors.Is(err, authbroker.ErrAuth) {
		writeJSONError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var dispErr *dispatch.Error
	if errors.As(err, &dispErr) {
		writeJSONError(w, classToStatus(dispatch.ErrorClass(dispErr.Class)), dispErr.Message)
		return
	}

	var adminErr *admin.Error
	if errors.As(err, &adminErr) {
		writeJSONError(w, classToStatus(dispatch.ErrorClass(adminErr.Class)), adminErr.Message)
		return
	}

	if errors.Is(err, mirror.ErrNotFound) {
		writeJSONError(w, http.StatusNotFound, "not found")
		return
	}

	if errors.Is(err, pdsclient.ErrBadGateway) {
		writeJSONError(w, http.StatusBadGateway, "bad gateway")
		return
	}

	logger.Printf("api: internal error: %v", err)
	writeJSONError(w, http.StatusInternalServerError, "internal server error")
}

// classToStatus maps the shared ClassBadRequest/ClassNotFound/
// ClassUnauthorized enum (identical in shape across dispatch and admin) to
// its HTTP status.
func classToStatus(class dispatch.ErrorClass) int {
	switch class {
	case dispatch.ClassBadRequest:
		return http.StatusBadRequest
	case dispatch.ClassNotFound:
		return http.StatusNotFound
	case dispatch.ClassUnauthorized:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
