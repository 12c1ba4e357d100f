package devbus

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gamenest/buildsync/internal/version"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	games := len(s.games)
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": version.Version,
		"commit":  version.Commit,
		"uptime":  time.Since(s.startTime).Seconds(),
		"games":   games,
	})
}

func gameID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("game_id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func (s *Server) handleListBuilds(w http.ResponseWriter, r *http.Request) {
	id, ok := gameID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid game id")
		return
	}
	writeJSON(w, http.StatusOK, newestFirst(s.game(id).List()))
}

func (s *Server) handleLatestSuccess(w http.ResponseWriter, r *http.Request) {
	id, ok := gameID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid game id")
		return
	}
	b, ok := s.game(id).LatestSuccess()
	if !ok {
		writeError(w, http.StatusNotFound, "no successful build")
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleSimulate(w http.ResponseWriter, r *http.Request) {
	id, ok := gameID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid game id")
		return
	}

	var req SimulateRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
	}
	if err := req.normalize(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	b := s.startSimulation(id, req)
	writeJSON(w, http.StatusAccepted, b)
}
