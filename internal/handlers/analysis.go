package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/xelth-com/healthsync/internal/remote"
	"github.com/xelth-com/healthsync/internal/report"
	hsync "github.com/xelth-com/healthsync/internal/sync"
	"github.com/xelth-com/healthsync/internal/websocket"
)

func (r *Router) startAnalysis(w http.ResponseWriter, req *http.Request) {
	var body remote.AnalysisRequest
	if err := decodeBody(w, req, &body); err != nil {
		r.fail(w, err)
		return
	}

	h, err := r.engine.StartAnalysis(req.Context(), body)
	if err != nil {
		r.fail(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, h)
}

func (r *Router) listAnalyses(w http.ResponseWriter, req *http.Request) {
	active, _ := strconv.ParseBool(req.URL.Query().Get("active"))
	jobs, err := r.engine.Analyses(req.Context(), active)
	if err != nil {
		r.fail(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"jobs": jobs, "count": len(jobs)})
}

func (r *Router) getAnalysis(w http.ResponseWriter, req *http.Request) {
	job, err := r.engine.Analysis(req.Context(), mux.Vars(req)["id"])
	if err != nil {
		r.fail(w, err)
		return
	}
	respondJSON(w, http.StatusOK, job)
}

// cancelAnalysis stops local polling; the job stays resumable
func (r *Router) cancelAnalysis(w http.ResponseWriter, req *http.Request) {
	id := mux.Vars(req)["id"]
	if !r.engine.CancelAnalysis(id) {
		respondError(w, http.StatusNotFound, "no active poll for job "+id)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (r *Router) analysisReport(w http.ResponseWriter, req *http.Request) {
	id := mux.Vars(req)["id"]
	job, err := r.engine.Analysis(req.Context(), id)
	if err != nil {
		r.fail(w, err)
		return
	}

	pdf, err := report.AnalysisPDF(job)
	if err != nil {
		r.fail(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", `inline; filename="analysis-`+id+`.pdf"`)
	w.Write(pdf)
}

// observeAnalysis streams job states over a websocket until the job is terminal
func (r *Router) observeAnalysis(w http.ResponseWriter, req *http.Request) {
	id := mux.Vars(req)["id"]

	// the stream outlives the handler once the connection is hijacked
	ctx, cancel := context.WithCancel(context.Background())
	updates, err := r.engine.Observe(ctx, hsync.AnalysisHandle{JobID: id})
	if err != nil {
		cancel()
		r.fail(w, err)
		return
	}
	websocket.ServeJob(r.hub, w, req, id, updates, cancel)
}
