// Package dispatch is the endpoint dispatcher (§4.2): it resolves an XRPC
// method name against the schema registry, classifies it as a query or a
// procedure, and either delegates to an operator script (§4.8) or runs the
// built-in handler that talks to the mirror and the PDS client directly.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"strconv"

	"lexhost/internal/lexicon"
	"lexhost/internal/mirror"
	"lexhost/internal/pdsclient"
	"lexhost/internal/sandbox"
)

// ErrorClass lets the API layer pick the right HTTP status without parsing
// error strings, matching the reference handlers' typed-error-to-status
// mapping (handleServiceError-style).
type ErrorClass int

const (
	ClassBadRequest ErrorClass = iota
	ClassNotFound
	ClassUnauthorized
)

// Error is every error this package returns on the request path; anything
// else (mirror/PDS transport failures) is wrapped as ClassBadRequest's
// sibling -- an internal error -- by the caller checking errors.As.
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

// Dispatcher wires the registry, mirror, and PDS client together behind the
// single resolve-then-dispatch contract of §4.2.
type Dispatcher struct {
	registry *lexicon.Registry
	mirror   *mirror.Store
	pds      *pdsclient.Client
	logger   *log.Logger
}

// New builds a Dispatcher.
func New(registry *lexicon.Registry, store *mirror.Store, pds *pdsclient.Client, logger *log.Logger) *Dispatcher {
	if logger == nil {
		logger = log.Default()
	}
	return &Dispatcher{registry: registry, mirror: store, pds: pds, logger: logger}
}

// Query handles a GET /xrpc/<method> request (§4.2).
func (d *Dispatcher) Query(ctx context.Context, method string, query url.Values) (json.RawMessage, error) {
	p, ok := d.registry.Get(method)
	if !ok {
		return nil, badRequest("method not found: %s", method)
	}
	if p.Type != lexicon.TypeQuery {
		return nil, badRequest("%s is not a query endpoint", method)
	}

	if p.Script != "" {
		out, err := sandbox.ExecuteQuery(ctx, method, flattenQuery(query), p, d.mirror, d.logger)
		if err != nil {
			return nil, err
		}
		return out, nil
	}
	return d.builtinQuery(ctx, query, p)
}

// Procedure handles a POST /xrpc/<method> request (§4.2). callerDID must be
// non-empty -- procedures always require an authenticated caller.
func (d *Dispatcher) Procedure(ctx context.Context, method, callerDID string, session pdsclient.Session, input json.RawMessage) (json.RawMessage, error) {
	p, ok := d.registry.Get(method)
	if !ok {
		return nil, badRequest("method not found: %s", method)
	}
	if p.Type != lexicon.TypeProcedure {
		return nil, badRequest("%s is not a procedure endpoint", method)
	}
	if callerDID == "" {
		return nil, unauthorized("authentication required")
	}

	if p.Script != "" {
		out, err := sandbox.ExecuteProcedure(ctx, method, callerDID, input, p, d.registry, session, d.pds, d.mirror, d.logger)
		if err != nil {
			return nil, err
		}
		return out, nil
	}
	return d.builtinProcedure(ctx, callerDID, session, input, p)
}

func flattenQuery(query url.Values) map[string]string {
	out := make(map[string]string, len(query))
	for k := range query {
		out[k] = query.Get(k)
	}
	return out
}

func parseBoundedInt(raw string, def, min, max int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	if n < min {
		return min
	}
	if n > max {
		return max
	}
	return n
}
