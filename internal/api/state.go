// Package api is the outermost HTTP layer: it wires the dispatcher, the
// admin surface, the auth-broker adapter, and the reverse proxy onto a chi
// router, translating every domain package's typed errors into the
// external HTTP contract (§6, §7).
package api

import (
	"log"
	"net/http"

	"lexhost/internal/admin"
	"lexhost/internal/authbroker"
	"lexhost/internal/dispatch"
	"lexhost/internal/pdsclient"
)

// State bundles every collaborator a handler in this package needs: global
// singletons constructed once at startup and threaded through explicitly,
// never reached for ambiently.
type State struct {
	Dispatcher *dispatch.Dispatcher
	Admin      *admin.Handlers
	AuthBroker *authbroker.Adapter
	PDS        *pdsclient.Client

	AuthBrokerPublicURL string
	AuthBrokerURL       string

	HTTPClient *http.Client
	Logger     *log.Logger
}
