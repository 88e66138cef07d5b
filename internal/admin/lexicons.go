package admin

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"lexhost/internal/db/postgres"
	"lexhost/internal/lexicon"
)

type upsertLexiconRequest struct {
	ID               string `json:"id"`
	TargetCollection string `json:"target_collection"`
	Action           string `json:"action"`
	Script           string `json:"script"`
	Backfill         bool   `json:"backfill"`
}

type lexiconSummary struct {
	ID               string `json:"id"`
	Revision         int    `json:"revision"`
	Type             string `json:"type"`
	Source           string `json:"source"`
	TargetCollection string `json:"target_collection,omitempty"`
	Backfill         bool   `json:"backfill"`
	HasScript        bool   `json:"has_script"`
}

func toSummary(p lexicon.Parsed) lexiconSummary {
	return lexiconSummary{
		ID: p.ID, Revision: p.Revision, Type: p.Type.String(), Source: string(p.Source),
		TargetCollection: p.TargetCollection, Backfill: p.Backfill, HasScript: p.Script != "",
	}
}

// ListLexicons handles GET /admin/lexicons (§4.10).
func (h *Handlers) ListLexicons(w http.ResponseWriter, r *http.Request) {
	all := h.registry.All()
	out := make([]lexiconSummary, 0, len(all))
	for _, p := range all {
		out = append(out, toSummary(p))
	}
	respondJSON(w, http.StatusOK, out)
}

// UpsertLexicon handles POST /admin/lexicons: the request body is the raw
// lexicon document with the admin-only metadata fields (target_collection,
// action, script, backfill) as sibling top-level keys (§4.1, §8 scenario 1).
// The document is validated before anything is persisted, since parse
// errors at admin time must return a bad-request rather than land
// half-written in storage.
func (h *Handlers) UpsertLexicon(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		respondError(w, badRequest("read request body: %v", err))
		return
	}

	var meta upsertLexiconRequest
	if err := json.Unmarshal(raw, &meta); err != nil {
		respondError(w, badRequest("invalid request body: %v", err))
		return
	}
	if err := validateScript(meta.Script); err != nil {
		respondError(w, err)
		return
	}

	if _, err := lexicon.Parse(raw, lexicon.ParseOptions{
		TargetCollection: meta.TargetCollection,
		Action:           lexicon.ParseActionString(meta.Action),
		Script:           meta.Script,
		Backfill:         meta.Backfill,
		Source:           lexicon.SourceManual,
	}); err != nil {
		respondError(w, badRequest("%v", err))
		return
	}

	parsed, err := h.lexicons.Upsert(r.Context(), raw, meta.ID, postgres.UpsertOptions{
		TargetCollection: meta.TargetCollection,
		Action:           meta.Action,
		Script:           meta.Script,
		Backfill:         meta.Backfill,
		Source:           lexicon.SourceManual,
	})
	if err != nil {
		respondError(w, badRequest("store lexicon: %v", err))
		return
	}

	h.registry.Upsert(parsed)
	h.publishFilter()

	status := http.StatusOK
	if parsed.Revision == 1 {
		status = http.StatusCreated
	}
	respondJSON(w, status, toSummary(parsed))
}

// DeleteLexicon handles DELETE /admin/lexicons/{id}.
func (h *Handlers) DeleteLexicon(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	existed, err := h.lexicons.Delete(r.Context(), id)
	if err != nil {
		respondError(w, badRequest("delete lexicon: %v", err))
		return
	}
	if !existed {
		respondError(w, notFound("lexicon not found: %s", id))
		return
	}

	h.registry.Remove(id)
	h.publishFilter()
	w.WriteHeader(http.StatusNoContent)
}
