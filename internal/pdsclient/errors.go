package pdsclient

import (
	"errors"
	"fmt"
)

// Typed sentinel errors so callers can branch with errors.Is instead of
// matching strings.
var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrBadGateway   = errors.New("bad gateway")
)

// Error wraps a non-2xx PDS response so the dispatcher can forward status
// and body verbatim (§4.4 forwarding policy) while still allowing
// errors.As/errors.Is classification upstream.
type Error struct {
	Status int
	Body   []byte
}

func (e *Error) Error() string {
	return fmt.Sprintf("pds error: status %d", e.Status)
}

// IsAuthError reports whether err represents an upstream 401/403.
func IsAuthError(err error) bool {
	var pdsErr *Error
	if errors.As(err, &pdsErr) {
		return pdsErr.Status == 401 || pdsErr.Status == 403
	}
	return errors.Is(err, ErrUnauthorized)
}
