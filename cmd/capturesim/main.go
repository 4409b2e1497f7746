// capturesim stands in for the real capture tool during development: it
// accepts the same command line the supervisor passes, writes placeholder
// clip files, pushes clip and metrics callbacks and exits cleanly on
// SIGTERM.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

type options struct {
	url             string
	outputDir       string
	sessionID       string
	audioThreshold  int
	motionThreshold int
	clipLength      int
	callbackURL     string

	clipInterval time.Duration
	metricsEvery time.Duration
	runFor       time.Duration
	failAfter    int
}

func main() {
	cfg, err := parseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "capturesim: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "capturesim: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags() (options, error) {
	var cfg options

	flag.StringVar(&cfg.url, "url", "", "stream URL being captured")
	flag.StringVar(&cfg.outputDir, "output-dir", "", "directory to write clips into")
	flag.StringVar(&cfg.sessionID, "session-id", "", "owning session id")
	flag.IntVar(&cfg.audioThreshold, "audio-threshold", 6, "audio spike threshold in dB")
	flag.IntVar(&cfg.motionThreshold, "motion-threshold", 30, "motion threshold in percent")
	flag.IntVar(&cfg.clipLength, "clip-length", 20, "clip length in seconds")
	flag.StringVar(&cfg.callbackURL, "callback-url", "", "service base URL for clip/metrics callbacks")
	flag.DurationVar(&cfg.clipInterval, "clip-interval", 8*time.Second, "interval between simulated highlights")
	flag.DurationVar(&cfg.metricsEvery, "metrics-every", 2*time.Second, "interval between metrics callbacks")
	flag.DurationVar(&cfg.runFor, "run-for", 0, "exit cleanly after this duration (0 = run until signalled)")
	flag.IntVar(&cfg.failAfter, "fail-after", 0, "exit with an error after N clips (0 = never)")
	flag.Parse()

	if strings.TrimSpace(cfg.url) == "" {
		return options{}, fmt.Errorf("url is required")
	}
	if strings.TrimSpace(cfg.outputDir) == "" {
		return options{}, fmt.Errorf("output-dir is required")
	}
	if strings.TrimSpace(cfg.sessionID) == "" {
		return options{}, fmt.Errorf("session-id is required")
	}
	return cfg, nil
}

func run(cfg options) error {
	if err := os.MkdirAll(cfg.outputDir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	fmt.Printf("capture started url=%s session=%s audio=%ddB motion=%d%% clip=%ds\n",
		cfg.url, cfg.sessionID, cfg.audioThreshold, cfg.motionThreshold, cfg.clipLength)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	var deadline <-chan time.Time
	if cfg.runFor > 0 {
		deadline = time.After(cfg.runFor)
	}

	clipTicker := time.NewTicker(cfg.clipInterval)
	defer clipTicker.Stop()
	metricsTicker := time.NewTicker(cfg.metricsEvery)
	defer metricsTicker.Stop()

	client := &http.Client{Timeout: 5 * time.Second}
	triggers := []string{"Audio Spike", "Motion Detected", "Scene Change"}
	frames := int64(0)
	clipsMade := 0

	for {
		select {
		case <-sigCh:
			fmt.Println("termination signal, stopping capture")
			return nil
		case <-deadline:
			fmt.Println("run duration elapsed, stopping capture")
			return nil
		case <-metricsTicker.C:
			frames += int64(cfg.metricsEvery.Seconds() * 30)
			postJSON(client, cfg.callbackURL, "/v1/sessions/"+cfg.sessionID+"/metrics", map[string]any{
				"frames_processed": frames,
				"audio_level":      round1(rand.Float64() * 60),
				"motion_level":     round1(rand.Float64() * 100),
				"scene_change":     round1(rand.Float64()),
				"clips_generated":  clipsMade,
			})
		case <-clipTicker.C:
			name := fmt.Sprintf("clip_%s_%03d.mp4", time.Now().UTC().Format("20060102T150405"), clipsMade+1)
			path := filepath.Join(cfg.outputDir, name)
			payload := bytes.Repeat([]byte{0}, 4096)
			if err := os.WriteFile(path, payload, 0o644); err != nil {
				return fmt.Errorf("write clip: %w", err)
			}
			clipsMade++
			trigger := triggers[clipsMade%len(triggers)]
			fmt.Printf("highlight detected (%s), wrote %s\n", trigger, name)

			postJSON(client, cfg.callbackURL, "/v1/sessions/"+cfg.sessionID+"/clips", map[string]any{
				"filename":         name,
				"trigger_reason":   trigger,
				"duration_seconds": float64(cfg.clipLength),
				"file_size_bytes":  int64(len(payload)),
			})

			if cfg.failAfter > 0 && clipsMade >= cfg.failAfter {
				return fmt.Errorf("simulated capture failure after %d clips", clipsMade)
			}
		}
	}
}

func postJSON(client *http.Client, baseURL, path string, body map[string]any) {
	if strings.TrimSpace(baseURL) == "" {
		return
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return
	}
	resp, err := client.Post(strings.TrimRight(baseURL, "/")+path, "application/json", bytes.NewReader(raw))
	if err != nil {
		fmt.Fprintf(os.Stderr, "callback failed: %v\n", err)
		return
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= 300 {
		fmt.Fprintf(os.Stderr, "callback rejected: %s %s\n", path, resp.Status)
	}
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
