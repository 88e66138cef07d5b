package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
)

// NewRouter builds the full chi router: one route group per surface; the
// /admin group wraps every route in Handlers.RequireAdmin via r.Use.
func (s *State) NewRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Timeout(30 * time.Second))

	r.Get("/health", s.Health)
	r.Get("/config", s.PublicConfig)

	r.Get("/xrpc/{method}", s.XRPC)
	r.Post("/xrpc/{method}", s.XRPC)
	r.Post("/xrpc/com.atproto.repo.uploadBlob", s.UploadBlob)

	r.Route("/admin", func(r chi.Router) {
		r.Use(func(next http.Handler) http.Handler {
			return s.Admin.RequireAdmin(next.ServeHTTP)
		})

		r.Get("/lexicons", s.Admin.ListLexicons)
		r.Post("/lexicons", s.Admin.UpsertLexicon)
		r.Delete("/lexicons/{id}", s.Admin.DeleteLexicon)

		r.Get("/network-lexicons", s.Admin.ListNetworkLexicons)
		r.Post("/network-lexicons", s.Admin.AddNetworkLexicon)
		r.Delete("/network-lexicons/{nsid}", s.Admin.RemoveNetworkLexicon)

		r.Post("/backfill", s.Admin.CreateBackfill)
		r.Get("/backfill/status", s.Admin.ListBackfillJobs)

		r.Get("/stats", s.Admin.Stats)
	})

	r.Handle("/*", http.HandlerFunc(s.BrokerProxy))

	return r
}

// Health handles GET /health.
func (s *State) Health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// PublicConfig handles GET /config: the only setting exposed to clients is
// the auth broker's public URL, needed for OAuth client metadata discovery.
func (s *State) PublicConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, []byte(`{"auth_broker_url":"`+s.AuthBrokerPublicURL+`"}`))
}
