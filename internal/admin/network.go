package admin

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"lexhost/internal/db/postgres"
	"lexhost/internal/lexicon"
)

type addNetworkLexiconRequest struct {
	NSID             string `json:"nsid"`
	TargetCollection string `json:"target_collection"`
	Backfill         bool   `json:"backfill"`
}

type networkLexiconSummary struct {
	NSID             string  `json:"nsid"`
	AuthorityDID     string  `json:"authority_did"`
	TargetCollection string  `json:"target_collection,omitempty"`
	LastFetchedAt    *string `json:"last_fetched_at,omitempty"`
}

// ListNetworkLexicons handles GET /admin/network-lexicons (§4.13).
func (h *Handlers) ListNetworkLexicons(w http.ResponseWriter, r *http.Request) {
	entries, err := h.lexicons.ListNetwork(r.Context())
	if err != nil {
		respondError(w, badRequest("list network lexicons: %v", err))
		return
	}

	out := make([]networkLexiconSummary, 0, len(entries))
	for _, e := range entries {
		summary := networkLexiconSummary{
			NSID: e.NSID, AuthorityDID: e.AuthorityDID, TargetCollection: e.TargetCollection,
		}
		if e.LastFetchedAt != nil {
			s := e.LastFetchedAt.Format("2006-01-02T15:04:05Z07:00")
			summary.LastFetchedAt = &s
		}
		out = append(out, summary)
	}
	respondJSON(w, http.StatusOK, out)
}

// AddNetworkLexicon handles POST /admin/network-lexicons: it resolves the
// nsid against the network (§4.7), then runs it through the same upsert
// path a manual schema upload takes (§4.1), tagged with its source
// authority DID instead of lexicon.SourceManual.
func (h *Handlers) AddNetworkLexicon(w http.ResponseWriter, r *http.Request) {
	var req addNetworkLexiconRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	if req.NSID == "" {
		respondError(w, badRequest("nsid is required"))
		return
	}

	resolved, err := h.resolver.Resolve(r.Context(), req.NSID)
	if err != nil {
		respondError(w, badRequest("resolve %s: %v", req.NSID, err))
		return
	}

	opts := postgres.UpsertOptions{
		TargetCollection: req.TargetCollection,
		Backfill:         req.Backfill,
		Source:           lexicon.SourceNetwork,
		AuthorityDID:     resolved.AuthorityDID,
	}

	if _, err := lexicon.Parse(resolved.Raw, lexicon.ParseOptions{
		TargetCollection: req.TargetCollection,
		Backfill:         req.Backfill,
		Source:           lexicon.SourceNetwork,
		AuthorityDID:     resolved.AuthorityDID,
	}); err != nil {
		respondError(w, badRequest("resolved schema for %s does not parse: %v", req.NSID, err))
		return
	}

	parsed, err := h.lexicons.Upsert(r.Context(), resolved.Raw, req.NSID, opts)
	if err != nil {
		respondError(w, badRequest("store network lexicon: %v", err))
		return
	}

	h.registry.Upsert(parsed)
	h.publishFilter()

	respondJSON(w, http.StatusOK, toSummary(parsed))
}

// RemoveNetworkLexicon handles DELETE /admin/network-lexicons/{nsid}.
func (h *Handlers) RemoveNetworkLexicon(w http.ResponseWriter, r *http.Request) {
	nsid := chi.URLParam(r, "nsid")
	existed, err := h.lexicons.DeleteNetwork(r.Context(), nsid)
	if err != nil {
		respondError(w, badRequest("remove network lexicon: %v", err))
		return
	}
	if !existed {
		respondError(w, notFound("network lexicon not found: %s", nsid))
		return
	}

	h.registry.Remove(nsid)
	h.publishFilter()
	w.WriteHeader(http.StatusNoContent)
}
