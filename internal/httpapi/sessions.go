package httpapi

import (
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/clipcast/clipcast/internal/capture"
	"github.com/clipcast/clipcast/internal/session"
)

// StartRequest carries the start parameters. Omitted thresholds fall back
// to the configured defaults.
type StartRequest struct {
	StreamURL         string `json:"stream_url"`
	AudioThreshold    *int   `json:"audio_threshold,omitempty"`
	MotionThreshold   *int   `json:"motion_threshold,omitempty"`
	ClipLengthSeconds *int   `json:"clip_length_seconds,omitempty"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, _ *http.Request) {
	sess, err := s.registry.Create()
	if err != nil {
		if errors.Is(err, session.ErrCapacity) {
			respondError(w, http.StatusTooManyRequests, "capacity_exceeded", "maximum concurrent sessions reached")
			return
		}
		respondError(w, http.StatusInternalServerError, "create_failed", err.Error())
		return
	}

	s.metrics.SessionEvents.WithLabelValues("created").Inc()
	respondJSON(w, http.StatusCreated, session.CreateResponse{
		SessionID:      sess.ID,
		Status:         sess.Status,
		CreatedAt:      sess.CreatedAt,
		LastActivityAt: sess.LastActivityAt,
		IdleTTLMS:      s.cfg.SessionTTL.Milliseconds(),
	})
}

func (s *Server) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessionFromPath(w, r)
	if !ok {
		return
	}
	_ = s.registry.Touch(sess.ID)

	respondJSON(w, http.StatusOK, session.StatusResponse{
		SessionID:      sess.ID,
		Status:         sess.Status,
		StreamURL:      sess.StreamURL,
		Error:          sess.Error,
		ClipsCount:     sess.ClipsCount,
		CreatedAt:      sess.CreatedAt,
		LastActivityAt: sess.LastActivityAt,
	})
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessionFromPath(w, r)
	if !ok {
		return
	}

	var req StartRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	spec := capture.StartSpec{
		StreamURL:       strings.TrimSpace(req.StreamURL),
		OutputDir:       sess.OutputDir,
		AudioThreshold:  s.cfg.AudioThreshold,
		MotionThreshold: s.cfg.MotionThreshold,
		ClipLength:      s.cfg.ClipLengthSec,
	}
	if req.AudioThreshold != nil {
		spec.AudioThreshold = *req.AudioThreshold
	}
	if req.MotionThreshold != nil {
		spec.MotionThreshold = *req.MotionThreshold
	}
	if req.ClipLengthSeconds != nil {
		spec.ClipLength = *req.ClipLengthSeconds
	}

	if code, msg := validateStartSpec(spec); code != "" {
		respondError(w, http.StatusBadRequest, code, msg)
		return
	}

	if err := s.supervisor.Start(sess.ID, spec); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			respondError(w, http.StatusNotFound, "session_not_found", err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "start_failed", err.Error())
		return
	}

	updated, err := s.registry.Get(sess.ID)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, session.StatusResponse{
		SessionID:      updated.ID,
		Status:         updated.Status,
		StreamURL:      updated.StreamURL,
		ClipsCount:     updated.ClipsCount,
		CreatedAt:      updated.CreatedAt,
		LastActivityAt: updated.LastActivityAt,
	})
}

func validateStartSpec(spec capture.StartSpec) (code, msg string) {
	if spec.StreamURL == "" {
		return "missing_stream_url", "stream_url is required"
	}
	u, err := url.Parse(spec.StreamURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "invalid_stream_url", "stream_url must be an http(s) URL"
	}
	if spec.AudioThreshold < 0 || spec.AudioThreshold > 60 {
		return "invalid_audio_threshold", "audio_threshold must be within 0..60"
	}
	if spec.MotionThreshold < 0 || spec.MotionThreshold > 100 {
		return "invalid_motion_threshold", "motion_threshold must be within 0..100"
	}
	if spec.ClipLength < 5 || spec.ClipLength > 300 {
		return "invalid_clip_length", "clip_length_seconds must be within 5..300"
	}
	return "", ""
}

func (s *Server) handleStopSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessionFromPath(w, r)
	if !ok {
		return
	}

	stopped := s.supervisor.Stop(sess.ID)
	if stopped {
		s.metrics.SessionEvents.WithLabelValues("stop_requested").Inc()
	}

	updated, err := s.registry.Get(sess.ID)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"session_id": updated.ID,
		"status":     updated.Status,
		"stopping":   stopped,
	})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}
	deleteFiles := queryBool(r, "delete_files")

	if err := s.registry.Delete(id, deleteFiles); err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	s.metrics.SessionEvents.WithLabelValues("deleted").Inc()
	s.metrics.ActiveSessions.Set(float64(s.registry.ActiveCount()))

	respondJSON(w, http.StatusOK, map[string]any{
		"session_id":    id,
		"deleted":       true,
		"files_deleted": deleteFiles,
	})
}

func queryBool(r *http.Request, key string) bool {
	switch strings.ToLower(strings.TrimSpace(r.URL.Query().Get(key))) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	default:
		return false
	}
}
