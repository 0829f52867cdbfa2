package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/usagehub/usagehub/internal/backup"
	"github.com/usagehub/usagehub/internal/store"
	"github.com/usagehub/usagehub/internal/sync"
)

// handleStats serves rollup rows for one granularity with optional
// time-range and dimension filters.
func (s *Server) handleStats(
	w http.ResponseWriter, r *http.Request,
) {
	q := r.URL.Query()

	g := store.Granularity(q.Get("granularity"))
	switch g {
	case store.Hourly, store.Daily, store.Monthly:
	case "":
		g = store.Daily
	default:
		writeError(
			w, http.StatusBadRequest,
			"granularity must be hourly, daily, or monthly",
		)
		return
	}

	filter := store.RollupFilter{
		From:     queryInt64(q.Get("from")),
		To:       queryInt64(q.Get("to")),
		Project:  q.Get("project"),
		Provider: q.Get("provider"),
		Model:    q.Get("model"),
		Role:     q.Get("role"),
		Agent:    q.Get("agent"),
		Source:   q.Get("source"),
	}

	rows, err := s.st.QueryRollups(g, filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"granularity": g,
		"rows":        rows,
	})
}

func (s *Server) handleListSessions(
	w http.ResponseWriter, r *http.Request,
) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(
				w, http.StatusBadRequest, "invalid limit",
			)
			return
		}
		limit = n
	}

	sessions, err := s.st.ListSessions(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": sessions,
	})
}

func (s *Server) handleGetSession(
	w http.ResponseWriter, r *http.Request,
) {
	id := r.PathValue("id")
	sess, err := s.st.GetSession(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if sess == nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	events, err := s.st.EventsForSessions([]string{id})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session": sess,
		"events":  events[id],
	})
}

func (s *Server) handleListSources(
	w http.ResponseWriter, _ *http.Request,
) {
	cursors, err := s.st.ListCursors()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sources": cursors,
	})
}

// handleTriggerSync kicks off a sync pass in the background. With
// ?source= only that source runs; a request for an in-flight
// source is dropped by the orchestrator's single-flight guard.
func (s *Server) handleTriggerSync(
	w http.ResponseWriter, r *http.Request,
) {
	if name := r.URL.Query().Get("source"); name != "" {
		go s.orch.SyncSource(name)
	} else {
		go s.orch.SyncAll()
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"status": "started",
	})
}

// handleSyncStatus reports the per-source status of the last sync
// pass so the dashboard can show what ran and when.
func (s *Server) handleSyncStatus(
	w http.ResponseWriter, _ *http.Request,
) {
	sources := s.orch.Status()
	var totals sync.SyncStats
	for _, p := range sources {
		totals.Add(p.LastPass)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sources": sources,
		"totals":  totals,
	})
}

// handleFullResync wipes and re-ingests everything, wrapped in a
// safety backup. Runs synchronously: the caller gets the final
// outcome, and on failure the pre-resync state has already been
// restored.
func (s *Server) handleFullResync(
	w http.ResponseWriter, _ *http.Request,
) {
	if err := s.orch.FullResync(); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

func (s *Server) handleListBackups(
	w http.ResponseWriter, _ *http.Request,
) {
	artifacts, err := s.backups.List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"backups": artifacts,
	})
}

func (s *Server) handleCreateBackup(
	w http.ResponseWriter, _ *http.Request,
) {
	a, err := s.backups.Create(backup.KindManual)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleRestoreBackup(
	w http.ResponseWriter, r *http.Request,
) {
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil ||
		req.Name == "" {
		writeError(
			w, http.StatusBadRequest, "backup name required",
		)
		return
	}

	a, err := s.backups.Find(req.Name)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err := s.backups.Restore(a); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.hub.broadcast()
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "restored",
	})
}

func queryInt64(v string) int64 {
	if v == "" {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
