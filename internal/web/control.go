package web

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// DefaultPause is used by POST /pause without a minutes parameter.
const DefaultPause = 30 * time.Minute

type errorJSON struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorJSON{Error: msg})
}

// control checks the method and that a controller is configured.
func (s *Server) control(w http.ResponseWriter, r *http.Request, methods ...string) bool {
	if s.ctl == nil {
		writeError(w, http.StatusServiceUnavailable, "controls disabled")
		return false
	}
	for _, m := range methods {
		if r.Method == m {
			return true
		}
	}
	w.Header().Set("Allow", strings.Join(methods, ", "))
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	return false
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	if !s.control(w, r, http.MethodPost) {
		return
	}
	d := DefaultPause
	if v := r.URL.Query().Get("minutes"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "minutes must be a positive integer")
			return
		}
		d = time.Duration(n) * time.Minute
	}
	st, err := s.ctl.Pause(d)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.log.Info().Dur("duration", d).Str("remote", r.RemoteAddr).Msg("paused via http")
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if !s.control(w, r, http.MethodPost) {
		return
	}
	resumed := s.ctl.Resume()
	writeJSON(w, http.StatusOK, map[string]bool{"resumed": resumed})
}

func (s *Server) handleCalibrate(w http.ResponseWriter, r *http.Request) {
	if !s.control(w, r, http.MethodPost, http.MethodDelete) {
		return
	}
	if r.Method == http.MethodDelete {
		s.ctl.ClearCalibration()
		w.WriteHeader(http.StatusNoContent)
		return
	}
	b, err := s.ctl.Calibrate()
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]float64{
		"head_pitch":    b.HeadPitch,
		"shoulder_roll": b.ShoulderRoll,
	})
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	if !s.control(w, r, http.MethodPost) {
		return
	}
	if err := s.ctl.Retry(r.Context()); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
