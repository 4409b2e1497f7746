package httpapi

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/clipcast/clipcast/internal/capture"
	"github.com/clipcast/clipcast/internal/clips"
	"github.com/clipcast/clipcast/internal/config"
	"github.com/clipcast/clipcast/internal/events"
	"github.com/clipcast/clipcast/internal/observability"
	"github.com/clipcast/clipcast/internal/session"
)

var (
	metricsOnce sync.Once
	testMetrics *observability.Metrics
)

// Prometheus collectors register globally, so the package shares one set.
func sharedMetrics() *observability.Metrics {
	metricsOnce.Do(func() {
		testMetrics = observability.NewMetrics("httpapi_test")
	})
	return testMetrics
}

type fixture struct {
	server   *Server
	registry *session.Registry
	router   http.Handler
}

func newFixture(t *testing.T, mutate func(*config.Config)) *fixture {
	t.Helper()
	cfg := config.Config{
		BindAddr:        ":0",
		ClipsRoot:       t.TempDir(),
		MaxSessions:     3,
		SessionTTL:      time.Hour,
		SweepInterval:   time.Minute,
		EventBuffer:     16,
		CaptureCommand:  []string{"/bin/sh", "-c", "sleep 30"},
		StopGracePeriod: time.Second,
		AudioThreshold:  6,
		MotionThreshold: 30,
		ClipLengthSec:   20,
		StreamlinkPath:  "streamlink",
		ResolveTimeout:  2 * time.Second,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	metrics := sharedMetrics()
	registry := session.NewRegistry(session.Config{
		ClipsRoot: cfg.ClipsRoot,
		MaxActive: cfg.MaxSessions,
		TTL:       cfg.SessionTTL,
	}, nil)
	broadcaster := events.NewBroadcaster(cfg.EventBuffer)
	catalog := clips.NewCatalog(registry, clips.NewInMemoryStore(), broadcaster, nil, nil)
	supervisor := capture.NewSupervisor(capture.Config{
		Command:   cfg.CaptureCommand,
		StopGrace: cfg.StopGracePeriod,
	}, registry, broadcaster, metrics, nil)
	t.Cleanup(supervisor.Shutdown)

	registry.SetDeleteHook(func(removed *session.Session) {
		supervisor.Stop(removed.ID)
		broadcaster.CloseSession(removed.ID)
	})

	resolver := capture.NewResolver(cfg.StreamlinkPath, cfg.ResolveTimeout)
	srv := New(cfg, registry, supervisor, resolver, broadcaster, catalog, metrics, nil)
	return &fixture{server: srv, registry: registry, router: srv.Router()}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) createSession(t *testing.T) string {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/v1/sessions", nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp session.CreateResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal create response: %v", err)
	}
	return resp.SessionID
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	var er errorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &er); err != nil {
		t.Fatalf("unmarshal error body %q: %v", rec.Body.String(), err)
	}
	return er
}

func TestCreateSessionReturns201(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, http.MethodPost, "/v1/sessions", nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201", rec.Code)
	}
	var resp session.CreateResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.SessionID == "" {
		t.Fatalf("session_id is empty")
	}
	if resp.Status != session.StatusIdle {
		t.Fatalf("status = %q, want idle", resp.Status)
	}
	if resp.IdleTTLMS != time.Hour.Milliseconds() {
		t.Fatalf("idle_ttl_ms = %d, want %d", resp.IdleTTLMS, time.Hour.Milliseconds())
	}
}

func TestCreateSessionCapacity429(t *testing.T) {
	f := newFixture(t, nil)
	for i := 0; i < 3; i++ {
		f.createSession(t)
	}
	rec := f.do(t, http.MethodPost, "/v1/sessions", nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if er := decodeError(t, rec); er.Code != "capacity_exceeded" {
		t.Fatalf("code = %q, want capacity_exceeded", er.Code)
	}
}

func TestStatusUnknownSession404(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, http.MethodGet, "/v1/sessions/00000000-0000-0000-0000-000000000000/status", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if er := decodeError(t, rec); er.Code != "session_not_found" {
		t.Fatalf("code = %q, want session_not_found", er.Code)
	}
}

func TestStartValidation400(t *testing.T) {
	f := newFixture(t, nil)
	id := f.createSession(t)

	cases := []struct {
		name string
		body map[string]any
	}{
		{"missing url", map[string]any{}},
		{"bad scheme", map[string]any{"stream_url": "rtmp://example.com/live"}},
		{"not a url", map[string]any{"stream_url": "::::"}},
		{"audio out of range", map[string]any{"stream_url": "https://example.com/live", "audio_threshold": 61}},
		{"motion out of range", map[string]any{"stream_url": "https://example.com/live", "motion_threshold": -1}},
		{"clip too long", map[string]any{"stream_url": "https://example.com/live", "clip_length_seconds": 500}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/v1/sessions/"+id+"/start", tc.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400 (body %s)", rec.Code, rec.Body.String())
			}
		})
	}
}

func TestStartStopRoundTrip(t *testing.T) {
	f := newFixture(t, nil)
	id := f.createSession(t)

	rec := f.do(t, http.MethodPost, "/v1/sessions/"+id+"/start", map[string]any{
		"stream_url": "https://example.com/live",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("start status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var status session.StatusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if status.Status != session.StatusRunning && status.Status != session.StatusStarting {
		t.Fatalf("status after start = %q", status.Status)
	}

	rec = f.do(t, http.MethodPost, "/v1/sessions/"+id+"/stop", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("stop status = %d", rec.Code)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		sess, err := f.registry.Get(id)
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if sess.Status == session.StatusStopped {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("status = %q, want stopped", sess.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Stop again: no process, still 200.
	rec = f.do(t, http.MethodPost, "/v1/sessions/"+id+"/stop", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("second stop status = %d, want 200", rec.Code)
	}
}

func TestStartUnknownSession404(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, http.MethodPost, "/v1/sessions/nope/start", map[string]any{
		"stream_url": "https://example.com/live",
	})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestStartSpawnFailure500(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.CaptureCommand = []string{"/no/such/binary"}
	})
	id := f.createSession(t)

	rec := f.do(t, http.MethodPost, "/v1/sessions/"+id+"/start", map[string]any{
		"stream_url": "https://example.com/live",
	})
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if er := decodeError(t, rec); er.Code != "start_failed" {
		t.Fatalf("code = %q, want start_failed", er.Code)
	}

	sess, _ := f.registry.Get(id)
	if sess.Status != session.StatusError {
		t.Fatalf("session status = %q, want error", sess.Status)
	}
}

func TestDeleteSessionRemovesFiles(t *testing.T) {
	f := newFixture(t, nil)
	id := f.createSession(t)
	sess, _ := f.registry.Get(id)

	if err := os.WriteFile(filepath.Join(sess.OutputDir, "clip.mp4"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write clip: %v", err)
	}

	rec := f.do(t, http.MethodDelete, "/v1/sessions/"+id+"?delete_files=true", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete status = %d", rec.Code)
	}
	if _, err := os.Stat(sess.OutputDir); !os.IsNotExist(err) {
		t.Fatalf("output dir still exists")
	}

	rec = f.do(t, http.MethodGet, "/v1/sessions/"+id+"/status", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status after delete = %d, want 404", rec.Code)
	}
}

func TestDeleteSessionKeepsFilesByDefault(t *testing.T) {
	f := newFixture(t, nil)
	id := f.createSession(t)
	sess, _ := f.registry.Get(id)

	rec := f.do(t, http.MethodDelete, "/v1/sessions/"+id, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete status = %d", rec.Code)
	}
	if _, err := os.Stat(sess.OutputDir); err != nil {
		t.Fatalf("output dir removed without delete_files: %v", err)
	}
}

func TestListClips(t *testing.T) {
	f := newFixture(t, nil)
	id := f.createSession(t)
	sess, _ := f.registry.Get(id)

	rec := f.do(t, http.MethodGet, "/v1/sessions/"+id+"/clips", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("clips status = %d", rec.Code)
	}
	var listing struct {
		Count int          `json:"count"`
		Clips []clips.Meta `json:"clips"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &listing); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if listing.Count != 0 {
		t.Fatalf("count = %d, want 0", listing.Count)
	}

	if err := os.WriteFile(filepath.Join(sess.OutputDir, "clip_001.mp4"), make([]byte, 128), 0o644); err != nil {
		t.Fatalf("write clip: %v", err)
	}
	rec = f.do(t, http.MethodPost, "/v1/sessions/"+id+"/clips", RegisterClipRequest{
		Filename:        "clip_001.mp4",
		TriggerReason:   "Audio Spike",
		DurationSeconds: 20,
		FileSizeBytes:   128,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("register status = %d, body = %s", rec.Code, rec.Body.String())
	}

	rec = f.do(t, http.MethodGet, "/v1/sessions/"+id+"/clips", nil)
	if err := json.Unmarshal(rec.Body.Bytes(), &listing); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if listing.Count != 1 {
		t.Fatalf("count = %d, want 1", listing.Count)
	}
	if listing.Clips[0].TriggerReason != clips.TriggerAudioSpike {
		t.Fatalf("trigger = %q, want normalized audio-spike", listing.Clips[0].TriggerReason)
	}

	sess, _ = f.registry.Get(id)
	if sess.ClipsCount != 1 {
		t.Fatalf("ClipsCount = %d, want 1", sess.ClipsCount)
	}
}

func TestRegisterClipRejectsPathTraversal(t *testing.T) {
	f := newFixture(t, nil)
	id := f.createSession(t)

	rec := f.do(t, http.MethodPost, "/v1/sessions/"+id+"/clips", RegisterClipRequest{
		Filename: "../../etc/passwd",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestServeClipFile(t *testing.T) {
	f := newFixture(t, nil)
	id := f.createSession(t)
	sess, _ := f.registry.Get(id)

	content := []byte("fake video payload")
	if err := os.WriteFile(filepath.Join(sess.OutputDir, "clip_001.mp4"), content, 0o644); err != nil {
		t.Fatalf("write clip: %v", err)
	}

	rec := f.do(t, http.MethodGet, "/v1/sessions/"+id+"/files/clip_001.mp4", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !bytes.Equal(rec.Body.Bytes(), content) {
		t.Fatalf("body mismatch")
	}

	rec = f.do(t, http.MethodGet, "/v1/sessions/"+id+"/files/missing.mp4", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing file status = %d, want 404", rec.Code)
	}
}

func TestCaptureMetricsCallback(t *testing.T) {
	f := newFixture(t, nil)
	id := f.createSession(t)

	rec := f.do(t, http.MethodPost, "/v1/sessions/"+id+"/metrics", CaptureMetricsRequest{
		FramesProcessed: 900,
		AudioLevel:      12.5,
		MotionLevel:     44.0,
		SceneChange:     0.2,
		ClipsGenerated:  1,
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}

	rec = f.do(t, http.MethodGet, "/v1/perf/capture", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("perf status = %d", rec.Code)
	}
	var snap observability.CaptureSnapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	found := false
	for _, m := range snap.Metrics {
		if m.SessionID == id && m.Metric == "audio_level" && m.Last == 12.5 {
			found = true
		}
	}
	if !found {
		t.Fatalf("audio_level reading missing from snapshot: %+v", snap.Metrics)
	}
}

func TestEventsStreamSendsStatusSnapshotFirst(t *testing.T) {
	f := newFixture(t, nil)
	id := f.createSession(t)

	ts := httptest.NewServer(f.router)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/sessions/" + id + "/events")
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	defer resp.Body.Close()

	if got := resp.Header.Get("Content-Type"); got != "text/event-stream" {
		t.Fatalf("Content-Type = %q, want text/event-stream", got)
	}

	reader := bufio.NewReader(resp.Body)
	var payload string
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read SSE line: %v", err)
		}
		line = strings.TrimRight(line, "\n")
		if strings.HasPrefix(line, "data: ") {
			payload = strings.TrimPrefix(line, "data: ")
			break
		}
	}

	var ev events.StatusEvent
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		t.Fatalf("unmarshal snapshot: %v", err)
	}
	if ev.Type != events.TypeStatus || ev.SessionID != id {
		t.Fatalf("first event = %+v, want status snapshot for %s", ev, id)
	}
	if ev.Status != string(session.StatusIdle) {
		t.Fatalf("snapshot status = %q, want idle", ev.Status)
	}
}

func TestEventsStreamUnknownSession404(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, http.MethodGet, "/v1/sessions/nope/events", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestBearerAuthOnMutatingRoutes(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.APIToken = "s3cret"
	})

	rec := f.do(t, http.MethodPost, "/v1/sessions", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status without token = %d, want 401", rec.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/sessions", bytes.NewReader(nil))
	req.Header.Set("Authorization", "Bearer s3cret")
	out := httptest.NewRecorder()
	f.router.ServeHTTP(out, req)
	if out.Code != http.StatusCreated {
		t.Fatalf("status with token = %d, want 201", out.Code)
	}
}

func TestResolveEndpoint(t *testing.T) {
	script := filepath.Join(t.TempDir(), "fake-streamlink")
	body := "#!/bin/sh\necho '{\"streams\":{\"best\":{\"url\":\"https://edge.example.com/live.m3u8\"}}}'\n"
	if err := os.WriteFile(script, []byte(body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	f := newFixture(t, func(cfg *config.Config) {
		cfg.StreamlinkPath = script
	})

	rec := f.do(t, http.MethodPost, "/v1/resolve", ResolveRequest{URL: "https://www.twitch.tv/somechannel"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp["playback_url"] != "https://edge.example.com/live.m3u8" {
		t.Fatalf("playback_url = %q", resp["playback_url"])
	}
}

func TestResolveOfflineChannel400(t *testing.T) {
	script := filepath.Join(t.TempDir(), "fake-streamlink")
	body := "#!/bin/sh\necho 'error: No playable streams found' >&2\nexit 1\n"
	if err := os.WriteFile(script, []byte(body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	f := newFixture(t, func(cfg *config.Config) {
		cfg.StreamlinkPath = script
	})

	rec := f.do(t, http.MethodPost, "/v1/resolve", ResolveRequest{URL: "https://www.twitch.tv/offline"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if er := decodeError(t, rec); er.Code != "stream_unavailable" {
		t.Fatalf("code = %q, want stream_unavailable", er.Code)
	}
}

func TestResolveTimeout504(t *testing.T) {
	script := filepath.Join(t.TempDir(), "fake-streamlink")
	if err := os.WriteFile(script, []byte("#!/bin/sh\nsleep 10\n"), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	f := newFixture(t, func(cfg *config.Config) {
		cfg.StreamlinkPath = script
		cfg.ResolveTimeout = 100 * time.Millisecond
	})

	rec := f.do(t, http.MethodPost, "/v1/resolve", ResolveRequest{URL: "https://www.twitch.tv/slow"})
	if rec.Code != http.StatusGatewayTimeout {
		t.Fatalf("status = %d, want 504", rec.Code)
	}
}

func TestHealthEndpoints(t *testing.T) {
	f := newFixture(t, nil)
	for _, path := range []string{"/healthz", "/readyz"} {
		rec := f.do(t, http.MethodGet, path, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s status = %d, want 200", path, rec.Code)
		}
	}
}

func TestMissingBodyOnStartIsBadRequest(t *testing.T) {
	f := newFixture(t, nil)
	id := f.createSession(t)

	req := httptest.NewRequest(http.MethodPost, fmt.Sprintf("/v1/sessions/%s/start", id), bytes.NewReader(nil))
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for missing stream_url", rec.Code)
	}
	if er := decodeError(t, rec); er.Code != "missing_stream_url" {
		t.Fatalf("code = %q, want missing_stream_url", er.Code)
	}
}
