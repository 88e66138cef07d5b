// Package admin is the core-visible admin surface (§4.10, §4.13): schema
// upsert/delete, network-lexicon tracking, backfill job management, and
// mirror stats, gated by a hashed admin-key table with a bootstrap-secret
// fallback for the zero-admin case.
package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"

	"lexhost/internal/db/postgres"
	"lexhost/internal/ingest"
	"lexhost/internal/lexicon"
	"lexhost/internal/mirror"
	"lexhost/internal/resolver"
	"lexhost/internal/sandbox"
)

// ErrorClass lets the HTTP layer map an admin error to a status code
// without string matching, matching the dispatcher's error convention.
type ErrorClass int

const (
	ClassBadRequest ErrorClass = iota
	ClassNotFound
	ClassUnauthorized
)

// Error is every error an admin handler returns on its request path.
type Error struct {
	Class   ErrorClass
	Message string
}

func (e *Error) Error() string { return e.Message }

func badRequest(format string, args ...any) *Error {
	return &Error{Class: ClassBadRequest, Message: fmt.Sprintf(format, args...)}
}

func notFound(format string, args ...any) *Error {
	return &Error{Class: ClassNotFound, Message: fmt.Sprintf(format, args...)}
}

func unauthorized(message string) *Error {
	return &Error{Class: ClassUnauthorized, Message: message}
}

// Handlers bundles every collaborator the admin surface touches.
type Handlers struct {
	registry *lexicon.Registry
	filter   *lexicon.FilterChannel
	mirror   *mirror.Store

	lexicons *postgres.LexiconRepo
	jobs     *postgres.BackfillRepo
	admins   *postgres.AdminRepo

	resolver   *resolver.Resolver
	backfiller *ingest.Backfiller

	bootstrapSecret string
	logger          *log.Logger
}

// New builds the admin handler set.
func New(
	registry *lexicon.Registry,
	filter *lexicon.FilterChannel,
	store *mirror.Store,
	lexicons *postgres.LexiconRepo,
	jobs *postgres.BackfillRepo,
	admins *postgres.AdminRepo,
	res *resolver.Resolver,
	backfiller *ingest.Backfiller,
	bootstrapSecret string,
	logger *log.Logger,
) *Handlers {
	if logger == nil {
		logger = log.Default()
	}
	return &Handlers{
		registry: registry, filter: filter, mirror: store,
		lexicons: lexicons, jobs: jobs, admins: admins,
		resolver: res, backfiller: backfiller,
		bootstrapSecret: bootstrapSecret, logger: logger,
	}
}

// contextKey namespaces this package's request-context values.
type contextKey string

const adminIDKey contextKey = "admin_id"

// RequireAdmin enforces the opaque bearer scheme over the admin-key table,
// falling back to the bootstrap secret when no admin rows exist yet
// (§4.10). On success it touches the admin's last_used_at fire-and-forget.
func (h *Handlers) RequireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r.Header.Get("Authorization"))
		if !ok || token == "" {
			writeAuthError(w, "missing or malformed Authorization header")
			return
		}

		if h.bootstrapSecret != "" {
			count, err := h.admins.Count(r.Context())
			if err == nil && count == 0 && postgres.ConstantTimeEqual(h.bootstrapSecret, token) {
				next(w, r.WithContext(context.WithValue(r.Context(), adminIDKey, "bootstrap")))
				return
			}
		}

		id, ok, err := h.admins.Authenticate(r.Context(), token)
		if err != nil || !ok {
			writeAuthError(w, "invalid admin key")
			return
		}

		go func() {
			if err := h.admins.TouchLastUsed(context.Background(), id); err != nil {
				h.logger.Printf("admin: touch last_used_at for %s failed: %v", id, err)
			}
		}()

		next(w, r.WithContext(context.WithValue(r.Context(), adminIDKey, id)))
	}
}

// writeAuthError writes the 401 response directly -- RequireAdmin runs
// before a Handlers method gets the chance to return a classified *Error,
// so it can't go through the api package's shared translation helper.
func writeAuthError(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func bearerToken(header string) (string, bool) {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", false
	}
	return strings.TrimPrefix(header, prefix), true
}

// publishFilter recomputes and republishes the registry's current
// record-collection set -- called after every registry mutation this
// package performs, per the symmetric Open Question decision (SPEC_FULL.md
// §9).
func (h *Handlers) publishFilter() {
	lexicon.PublishCurrent(h.registry, h.filter)
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return badRequest("invalid request body: %v", err)
	}
	return nil
}

// respondJSON writes a successful admin response.
func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("admin: encode response failed: %v", err)
	}
}

// respondError classifies err (an *Error from this package, or anything
// else as internal) and writes the JSON error body. This is the admin
// surface's half of the shared WriteError contract in §4.11 -- the other
// half lives in the api package for errors returned by the dispatcher.
func respondError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	message := "internal server error"

	var adminErr *Error
	if e, ok := err.(*Error); ok {
		adminErr = e
	}
	if adminErr != nil {
		message = adminErr.Message
		switch adminErr.Class {
		case ClassBadRequest:
			status = http.StatusBadRequest
		case ClassNotFound:
			status = http.StatusNotFound
		case ClassUnauthorized:
			status = http.StatusUnauthorized
		}
	} else {
		log.Printf("admin: unexpected error: %v", err)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func validateScript(source string) error {
	if source == "" {
		return nil
	}
	if err := sandbox.Validate(source); err != nil {
		return badRequest("invalid script: %v", err)
	}
	return nil
}
