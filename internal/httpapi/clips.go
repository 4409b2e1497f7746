package httpapi

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/clipcast/clipcast/internal/clips"
	"github.com/clipcast/clipcast/internal/events"
)

func (s *Server) handleListClips(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessionFromPath(w, r)
	if !ok {
		return
	}
	_ = s.registry.Touch(sess.ID)

	items, err := s.catalog.List(r.Context(), sess.ID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "clip_scan_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"session_id": sess.ID,
		"count":      len(items),
		"clips":      items,
	})
}

// handleServeClip streams one produced clip file. The filename is confined
// to the session's own output directory.
func (s *Server) handleServeClip(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessionFromPath(w, r)
	if !ok {
		return
	}
	name := chi.URLParam(r, "name")
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		respondError(w, http.StatusBadRequest, "invalid_filename", "filename must be a plain file name")
		return
	}

	path := filepath.Join(sess.OutputDir, name)
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		respondError(w, http.StatusNotFound, "clip_not_found", "no such clip file")
		return
	}
	_ = s.registry.Touch(sess.ID)
	http.ServeFile(w, r, path)
}

// RegisterClipRequest is the callback body the capture tool POSTs when a
// highlight has been written to disk.
type RegisterClipRequest struct {
	Filename        string  `json:"filename"`
	TriggerReason   string  `json:"trigger_reason"`
	DurationSeconds float64 `json:"duration_seconds"`
	FileSizeBytes   int64   `json:"file_size_bytes"`
}

func (s *Server) handleRegisterClip(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessionFromPath(w, r)
	if !ok {
		return
	}

	var req RegisterClipRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	req.Filename = strings.TrimSpace(req.Filename)
	if req.Filename == "" || req.Filename != filepath.Base(req.Filename) {
		respondError(w, http.StatusBadRequest, "invalid_filename", "filename must be a plain file name")
		return
	}
	if req.DurationSeconds < 0 {
		respondError(w, http.StatusBadRequest, "invalid_duration", "duration_seconds must not be negative")
		return
	}

	meta, err := s.catalog.Register(r.Context(), clips.Meta{
		Filename:        req.Filename,
		SessionID:       sess.ID,
		TriggerReason:   req.TriggerReason,
		DurationSeconds: req.DurationSeconds,
		FileSizeBytes:   req.FileSizeBytes,
		CreatedAt:       time.Now().UTC(),
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, "register_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, meta)
}

// CaptureMetricsRequest is the periodic analysis reading the capture tool
// pushes while running.
type CaptureMetricsRequest struct {
	FramesProcessed int64   `json:"frames_processed"`
	AudioLevel      float64 `json:"audio_level"`
	MotionLevel     float64 `json:"motion_level"`
	SceneChange     float64 `json:"scene_change"`
	ClipsGenerated  int     `json:"clips_generated"`
}

func (s *Server) handleCaptureMetrics(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessionFromPath(w, r)
	if !ok {
		return
	}

	var req CaptureMetricsRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	_ = s.registry.Touch(sess.ID)
	s.metrics.ObserveCaptureMetrics(sess.ID, req.AudioLevel, req.MotionLevel, req.SceneChange)
	s.broadcaster.Publish(sess.ID, events.CaptureMetricsEvent{
		Type:            events.TypeCaptureMetrics,
		SessionID:       sess.ID,
		FramesProcessed: req.FramesProcessed,
		AudioLevel:      req.AudioLevel,
		MotionLevel:     req.MotionLevel,
		SceneChange:     req.SceneChange,
		ClipsGenerated:  req.ClipsGenerated,
		TSMs:            events.NowMs(),
	})

	respondJSON(w, http.StatusAccepted, map[string]any{"status": "accepted"})
}
