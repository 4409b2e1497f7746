package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/clipcast/clipcast/internal/capture"
	"github.com/clipcast/clipcast/internal/policy"
)

const (
	sseHeartbeatInterval = 15 * time.Second
	wsWriteTimeout       = 10 * time.Second
)

// handleSessionEvents streams the session's event feed as server-sent
// events. The first message is always a status snapshot.
func (s *Server) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessionFromPath(w, r)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming_unsupported", "response writer does not support streaming")
		return
	}

	_ = s.registry.Touch(sess.ID)
	sub := s.broadcaster.Subscribe(sess.ID)
	defer s.broadcaster.Unsubscribe(sess.ID, sub)
	s.metrics.EventSubscribers.Inc()
	defer s.metrics.EventSubscribers.Dec()
	s.metrics.SessionEvents.WithLabelValues("sse_connected").Inc()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	_ = s.broadcaster.Send(sub, capture.StatusEventFor(sess))

	heartbeat := time.NewTicker(sseHeartbeatInterval)
	defer heartbeat.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case raw, open := <-sub.Events():
			if !open {
				// Session deleted or subscriber dropped for falling behind.
				return
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", raw); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// handleSessionWS serves the same event feed over a websocket, for clients
// that prefer it to SSE.
func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessionFromPath(w, r)
	if !ok {
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	_ = s.registry.Touch(sess.ID)
	sub := s.broadcaster.Subscribe(sess.ID)
	defer s.broadcaster.Unsubscribe(sess.ID, sub)
	s.metrics.EventSubscribers.Inc()
	defer s.metrics.EventSubscribers.Dec()
	s.metrics.SessionEvents.WithLabelValues("ws_connected").Inc()

	_ = s.broadcaster.Send(sub, capture.StatusEventFor(sess))

	// The feed is outbound-only; the read loop just detects disconnects.
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		conn.SetReadLimit(4096)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-readerDone:
			return
		case raw, open := <-sub.Events():
			if !open {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed"),
					time.Now().Add(wsWriteTimeout))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				return
			}
		}
	}
}

// ResolveRequest asks for the playable URL behind a channel/page URL.
type ResolveRequest struct {
	URL     string `json:"url"`
	Quality string `json:"quality,omitempty"`
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	var req ResolveRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	req.URL = strings.TrimSpace(req.URL)
	if req.URL == "" {
		respondError(w, http.StatusBadRequest, "missing_url", "url is required")
		return
	}

	playbackURL, err := s.resolver.Resolve(r.Context(), req.URL, req.Quality)
	if err != nil {
		switch {
		case errors.Is(err, capture.ErrResolveTimeout):
			s.metrics.ResolveFailures.WithLabelValues("timeout").Inc()
			respondError(w, http.StatusGatewayTimeout, "resolve_timeout", "stream resolution timed out")
		case errors.Is(err, capture.ErrStreamUnavailable):
			s.metrics.ResolveFailures.WithLabelValues("unavailable").Inc()
			respondError(w, http.StatusBadRequest, "stream_unavailable", err.Error())
		default:
			s.metrics.ResolveFailures.WithLabelValues("internal").Inc()
			respondError(w, http.StatusInternalServerError, "resolve_failed", err.Error())
		}
		return
	}

	redacted, _ := policy.RedactStreamURL(playbackURL)
	s.log.WithField("playback_url", redacted).Info("stream resolved")
	respondJSON(w, http.StatusOK, map[string]any{
		"url":          req.URL,
		"playback_url": playbackURL,
	})
}
