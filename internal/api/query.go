package api

import (
	"net/http"
	"strconv"

	"github.com/nugget/pulsewire/internal/alert"
)

func (s *Server) handleListChannels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{"channels": s.querySvc.Channels()}, s.logger)
}

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	channel := alert.Channel(r.URL.Query().Get("channel"))
	limit := parseLimit(r)

	alerts, err := s.querySvc.ListAlerts(channel, limit)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]any{"alerts": alerts}, s.logger)
}

func (s *Server) handleGetAlert(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	a, err := s.querySvc.GetAlert(id)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	if a == nil {
		s.errorResponse(w, http.StatusNotFound, "alert not found")
		return
	}
	writeJSON(w, a, s.logger)
}

func parseLimit(r *http.Request) int {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}
