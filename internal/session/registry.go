package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type Status string

const (
	StatusIdle     Status = "idle"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
	StatusStopped  Status = "stopped"
	StatusError    Status = "error"
)

var (
	ErrNotFound = errors.New("session not found")
	ErrCapacity = errors.New("session capacity exceeded")
)

// Session is one capture attempt: its own subprocess, output directory
// and event stream. OutputDir and PID are server-internal.
type Session struct {
	ID             string    `json:"session_id"`
	Status         Status    `json:"status"`
	StreamURL      string    `json:"stream_url,omitempty"`
	Error          string    `json:"error,omitempty"`
	ClipsCount     int       `json:"clips_count"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`

	OutputDir string `json:"-"`
	PID       int    `json:"-"`
}

// Live reports whether the session counts against the concurrency cap.
func (s *Session) Live() bool {
	switch s.Status {
	case StatusStarting, StatusRunning, StatusStopping:
		return true
	default:
		return false
	}
}

// Registry owns the session table. All mutation goes through its methods;
// returned records are clones so callers never share the guarded state.
type Registry struct {
	mu        sync.RWMutex
	sessions  map[string]*Session
	clipsRoot string
	maxActive int
	ttl       time.Duration
	onDelete  func(*Session)
	log       *logrus.Logger
}

type Config struct {
	// ClipsRoot is the directory under which each session gets its own
	// output directory.
	ClipsRoot string
	// MaxActive caps concurrently live capture sessions.
	MaxActive int
	// TTL is the idle duration after which the janitor removes a session.
	TTL time.Duration
}

func NewRegistry(cfg Config, log *logrus.Logger) *Registry {
	if cfg.MaxActive <= 0 {
		cfg.MaxActive = 3
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 2 * time.Hour
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Registry{
		sessions:  make(map[string]*Session),
		clipsRoot: cfg.ClipsRoot,
		maxActive: cfg.MaxActive,
		ttl:       cfg.TTL,
		log:       log,
	}
}

// SetDeleteHook registers a callback invoked with a clone of every session
// removed from the registry, before its output directory is deleted. Used
// to stop the supervisor process and close event subscribers.
func (r *Registry) SetDeleteHook(hook func(*Session)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onDelete = hook
}

// Create allocates a new idle session and its output directory.
func (r *Registry) Create() (*Session, error) {
	now := time.Now().UTC()
	s := &Session{
		ID:             uuid.NewString(),
		Status:         StatusIdle,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	s.OutputDir = filepath.Join(r.clipsRoot, s.ID)

	r.mu.Lock()
	live := 0
	for _, existing := range r.sessions {
		if existing.Live() || existing.Status == StatusIdle {
			live++
		}
	}
	if live >= r.maxActive {
		r.mu.Unlock()
		return nil, ErrCapacity
	}
	r.sessions[s.ID] = s
	r.mu.Unlock()

	if err := os.MkdirAll(s.OutputDir, 0o755); err != nil {
		r.mu.Lock()
		delete(r.sessions, s.ID)
		r.mu.Unlock()
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	return clone(s), nil
}

func (r *Registry) Get(sessionID string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(s), nil
}

// Touch refreshes the idle-expiry clock. Called on status polls, clip
// listings and event subscriptions.
func (r *Registry) Touch(sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	s.LastActivityAt = time.Now().UTC()
	return nil
}

// MarkStarting records a start request. A successful (re)start clears any
// previous error.
func (r *Registry) MarkStarting(sessionID, streamURL string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	s.Status = StatusStarting
	s.StreamURL = streamURL
	s.Error = ""
	s.ClipsCount = 0
	s.LastActivityAt = time.Now().UTC()
	return nil
}

func (r *Registry) MarkRunning(sessionID string, pid int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	s.Status = StatusRunning
	s.PID = pid
	s.LastActivityAt = time.Now().UTC()
	return nil
}

func (r *Registry) MarkStopping(sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	s.Status = StatusStopping
	s.LastActivityAt = time.Now().UTC()
	return nil
}

// MarkExited records subprocess termination: clean exits (or operator
// stops) land on stopped, everything else on error.
func (r *Registry) MarkExited(sessionID string, clean bool, errMsg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	s.PID = 0
	s.LastActivityAt = time.Now().UTC()
	if clean {
		s.Status = StatusStopped
		return nil
	}
	s.Status = StatusError
	if errMsg == "" {
		errMsg = "capture process failed"
	}
	s.Error = errMsg
	return nil
}

// MarkFailed records a spawn failure before any process existed.
func (r *Registry) MarkFailed(sessionID, errMsg string) error {
	return r.MarkExited(sessionID, false, errMsg)
}

func (r *Registry) IncClips(sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	s.ClipsCount++
	s.LastActivityAt = time.Now().UTC()
	return nil
}

// Delete removes the session, runs the delete hook (supervisor stop,
// subscriber close) and optionally removes the output directory. Cleanup
// failures are logged, never returned.
func (r *Registry) Delete(sessionID string, deleteFiles bool) error {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return ErrNotFound
	}
	delete(r.sessions, sessionID)
	removed := clone(s)
	hook := r.onDelete
	r.mu.Unlock()

	if hook != nil {
		hook(removed)
	}
	if deleteFiles && removed.OutputDir != "" {
		if err := os.RemoveAll(removed.OutputDir); err != nil {
			r.log.WithFields(logrus.Fields{
				"session_id": sessionID,
				"output_dir": removed.OutputDir,
			}).WithError(err).Warn("output directory cleanup failed")
		}
	}
	return nil
}

// StartJanitor runs the idle-session sweep until the context is cancelled.
func (r *Registry) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Minute
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.SweepExpired()
			}
		}
	}()
}

// SweepExpired deletes every session idle past the TTL, files included.
func (r *Registry) SweepExpired() int {
	now := time.Now().UTC()
	r.mu.RLock()
	var expired []string
	for id, s := range r.sessions {
		if now.Sub(s.LastActivityAt) > r.ttl {
			expired = append(expired, id)
		}
	}
	r.mu.RUnlock()

	for _, id := range expired {
		r.log.WithField("session_id", id).Info("expiring idle session")
		_ = r.Delete(id, true)
	}
	return len(expired)
}

func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	count := 0
	for _, s := range r.sessions {
		if s.Live() {
			count++
		}
	}
	return count
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// List returns clones of every session, for diagnostics endpoints.
func (r *Registry) List() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, clone(s))
	}
	return out
}

func clone(s *Session) *Session {
	c := *s
	return &c
}
