package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/clipcast/clipcast/internal/capture"
	"github.com/clipcast/clipcast/internal/clips"
	"github.com/clipcast/clipcast/internal/config"
	"github.com/clipcast/clipcast/internal/events"
	"github.com/clipcast/clipcast/internal/httpapi"
	"github.com/clipcast/clipcast/internal/observability"
	"github.com/clipcast/clipcast/internal/session"
)

type BuildResult struct {
	Config      config.Config
	API         *httpapi.Server
	Registry    *session.Registry
	Supervisor  *capture.Supervisor
	Broadcaster *events.Broadcaster
	Catalog     *clips.Catalog
	Metrics     *observability.Metrics

	// Cleanup should be called on shutdown to stop capture processes and
	// release external resources (DB pool).
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config, log *logrus.Logger) (*BuildResult, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	clipStore, err := clips.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("clip store init failed: %w", err)
	}

	registry := session.NewRegistry(session.Config{
		ClipsRoot: cfg.ClipsRoot,
		MaxActive: cfg.MaxSessions,
		TTL:       cfg.SessionTTL,
	}, log)

	broadcaster := events.NewBroadcaster(cfg.EventBuffer)
	broadcaster.SetPublishHook(func(eventType, outcome string) {
		metrics.BroadcastEvents.WithLabelValues(eventType, outcome).Inc()
	})

	catalog := clips.NewCatalog(registry, clipStore, broadcaster, metrics, log)

	supervisor := capture.NewSupervisor(capture.Config{
		Command:         cfg.CaptureCommand,
		CallbackBaseURL: cfg.CallbackBaseURL,
		StopGrace:       cfg.StopGracePeriod,
	}, registry, broadcaster, metrics, log)

	// Deleting or expiring a session tears down its process, its event
	// subscribers and its stored clip metadata.
	registry.SetDeleteHook(func(removed *session.Session) {
		supervisor.Stop(removed.ID)
		broadcaster.CloseSession(removed.ID)
		metrics.ForgetCaptureSession(removed.ID)
		catalog.Forget(context.Background(), removed.ID)
		metrics.ActiveSessions.Set(float64(registry.ActiveCount()))
	})

	resolver := capture.NewResolver(cfg.StreamlinkPath, cfg.ResolveTimeout)

	api := httpapi.New(cfg, registry, supervisor, resolver, broadcaster, catalog, metrics, log)

	cleanup := func() error {
		var errs []string
		supervisor.Shutdown()
		if err := clipStore.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if len(errs) > 0 {
			return fmt.Errorf("%s", strings.Join(errs, "; "))
		}
		return nil
	}

	return &BuildResult{
		Config:      cfg,
		API:         api,
		Registry:    registry,
		Supervisor:  supervisor,
		Broadcaster: broadcaster,
		Catalog:     catalog,
		Metrics:     metrics,
		Cleanup:     cleanup,
	}, nil
}
