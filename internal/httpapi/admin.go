package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
)

type Reloader interface {
	ReloadTwitch(ctx context.Context) (login string, err error)
}

// Speaker pauses and resumes public chat output.
type Speaker interface {
	StopSpeaking()
	StartSpeaking()
	Speaking() bool
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.deps.Reloader == nil {
		http.Error(w, "token reload not configured", http.StatusNotImplemented)
		return
	}
	login, err := s.deps.Reloader.ReloadTwitch(r.Context())
	if err != nil {
		http.Error(w, "reload failed: "+err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "reloaded": true, "login": login})
}

func (s *Server) handleSpeaking(w http.ResponseWriter, r *http.Request) {
	if s.deps.Speaker == nil {
		http.Error(w, "speaking control not configured", http.StatusNotImplemented)
		return
	}
	switch r.Method {
	case http.MethodGet:
	case http.MethodPost:
		enabled, err := strconv.ParseBool(r.URL.Query().Get("enabled"))
		if err != nil {
			http.Error(w, "enabled must be true or false", http.StatusBadRequest)
			return
		}
		if enabled {
			s.deps.Speaker.StartSpeaking()
		} else {
			s.deps.Speaker.StopSpeaking()
		}
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "speaking": s.deps.Speaker.Speaking()})
}
