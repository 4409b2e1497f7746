package clips

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/clipcast/clipcast/internal/events"
	"github.com/clipcast/clipcast/internal/observability"
	"github.com/clipcast/clipcast/internal/session"
)

// Video containers the capture tool is known to emit.
var videoExtensions = map[string]struct{}{
	".mp4":  {},
	".ts":   {},
	".mkv":  {},
	".mov":  {},
	".webm": {},
}

// Catalog answers clip listings by scanning the session's output directory
// and merging in whatever metadata the capture tool registered through the
// callback endpoint. The filesystem wins on existence: unregistered files
// still appear, registered-but-deleted files do not.
type Catalog struct {
	registry    *session.Registry
	store       Store
	broadcaster *events.Broadcaster
	metrics     *observability.Metrics
	log         *logrus.Logger
}

func NewCatalog(registry *session.Registry, store Store, broadcaster *events.Broadcaster, metrics *observability.Metrics, log *logrus.Logger) *Catalog {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Catalog{
		registry:    registry,
		store:       store,
		broadcaster: broadcaster,
		metrics:     metrics,
		log:         log,
	}
}

// List returns the session's clips newest-first.
func (c *Catalog) List(ctx context.Context, sessionID string) ([]Meta, error) {
	sess, err := c.registry.Get(sessionID)
	if err != nil {
		return nil, err
	}

	registered, err := c.store.BySession(ctx, sessionID)
	if err != nil {
		// Degrade to the bare directory listing rather than failing the
		// request over metadata.
		c.log.WithField("session_id", sessionID).WithError(err).Warn("clip store lookup failed")
		registered = nil
	}
	byName := make(map[string]Meta, len(registered))
	for _, m := range registered {
		byName[m.Filename] = m
	}

	entries, err := os.ReadDir(sess.OutputDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []Meta{}, nil
		}
		return nil, fmt.Errorf("scan output dir: %w", err)
	}

	items := make([]Meta, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if _, ok := videoExtensions[strings.ToLower(filepath.Ext(name))]; !ok {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}

		meta, ok := byName[name]
		if !ok {
			meta = Meta{
				Filename:      name,
				SessionID:     sessionID,
				TriggerReason: TriggerUnknown,
				CreatedAt:     info.ModTime().UTC(),
			}
		}
		// Size on disk beats whatever was registered at creation time.
		meta.FileSizeBytes = info.Size()
		if meta.CreatedAt.IsZero() {
			meta.CreatedAt = info.ModTime().UTC()
		}
		items = append(items, meta)
	}

	sort.Slice(items, func(i, j int) bool {
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.After(items[j].CreatedAt)
		}
		return items[i].Filename > items[j].Filename
	})
	return items, nil
}

// Register records a clip pushed by the capture subprocess: persists the
// metadata, bumps the session counter and notifies event subscribers.
func (c *Catalog) Register(ctx context.Context, meta Meta) (Meta, error) {
	if _, err := c.registry.Get(meta.SessionID); err != nil {
		return Meta{}, err
	}

	meta.TriggerReason = NormalizeTrigger(meta.TriggerReason)
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = time.Now().UTC()
	}

	if err := c.store.Save(ctx, meta); err != nil {
		return Meta{}, err
	}
	if err := c.registry.IncClips(meta.SessionID); err != nil {
		return Meta{}, err
	}
	if c.metrics != nil {
		c.metrics.ClipsGenerated.Inc()
	}

	c.broadcaster.Publish(meta.SessionID, events.ClipGeneratedEvent{
		Type:            events.TypeClipGenerated,
		SessionID:       meta.SessionID,
		Filename:        meta.Filename,
		TriggerReason:   meta.TriggerReason,
		DurationSeconds: meta.DurationSeconds,
		FileSizeBytes:   meta.FileSizeBytes,
		CreatedAt:       meta.CreatedAt,
	})

	c.log.WithFields(logrus.Fields{
		"session_id": meta.SessionID,
		"filename":   meta.Filename,
		"trigger":    meta.TriggerReason,
	}).Info("clip registered")
	return meta, nil
}

// Forget drops the session's registered metadata. Called from the session
// delete hook.
func (c *Catalog) Forget(ctx context.Context, sessionID string) {
	if err := c.store.DeleteSession(ctx, sessionID); err != nil {
		c.log.WithField("session_id", sessionID).WithError(err).Warn("clip store cleanup failed")
	}
}
