package handlers

import (
	"net/http"

	hsync "github.com/xelth-com/healthsync/internal/sync"
)

type syncResponse struct {
	hsync.SyncSummary
	Error string `json:"error,omitempty"`
}

// triggerSync runs a sync now, for one collection when ?collection= is set.
// A run that fails part way still reports what it did.
func (r *Router) triggerSync(w http.ResponseWriter, req *http.Request) {
	var (
		sum hsync.SyncSummary
		err error
	)
	if col := req.URL.Query().Get("collection"); col != "" {
		sum, err = r.engine.TriggerCollectionSync(req.Context(), col)
	} else {
		sum, err = r.engine.TriggerSync(req.Context())
	}

	if err != nil {
		if len(sum.Collections) == 0 && sum.Attempted == 0 {
			r.fail(w, err)
			return
		}
		r.log.Warn("Sync finished with errors", "error", err)
		respondJSON(w, http.StatusOK, syncResponse{SyncSummary: sum, Error: err.Error()})
		return
	}
	respondJSON(w, http.StatusOK, syncResponse{SyncSummary: sum})
}

func (r *Router) syncStatus(w http.ResponseWriter, req *http.Request) {
	st, err := r.engine.Status(req.Context())
	if err != nil {
		r.fail(w, err)
		return
	}
	respondJSON(w, http.StatusOK, st)
}
