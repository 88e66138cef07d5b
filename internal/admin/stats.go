package admin

import (
	"net/http"

	"lexhost/internal/lexicon"
)

type collectionStat struct {
	Collection string `json:"collection"`
	Count      int    `json:"count"`
}

// Stats handles GET /admin/stats (§4.13): per-collection mirror counts for
// every record-class lexicon the registry currently tracks.
func (h *Handlers) Stats(w http.ResponseWriter, r *http.Request) {
	var out []collectionStat
	for _, p := range h.registry.All() {
		if p.Type != lexicon.TypeRecord {
			continue
		}
		count, err := h.mirror.Count(r.Context(), p.ID, "")
		if err != nil {
			respondError(w, badRequest("count %s: %v", p.ID, err))
			return
		}
		out = append(out, collectionStat{Collection: p.ID, Count: count})
	}
	respondJSON(w, http.StatusOK, out)
}
