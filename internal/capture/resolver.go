package capture

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/clipcast/clipcast/internal/reliability"
)

var (
	// ErrStreamUnavailable covers offline channels and URLs streamlink
	// cannot handle. Mapped to 400 by the façade.
	ErrStreamUnavailable = errors.New("stream unavailable")
	// ErrResolveTimeout is mapped to 504.
	ErrResolveTimeout = errors.New("stream resolve timed out")
)

// Resolver shells out to streamlink to turn a channel/page URL into a
// playable HLS URL.
type Resolver struct {
	binaryPath string
	timeout    time.Duration
}

func NewResolver(binaryPath string, timeout time.Duration) *Resolver {
	if binaryPath == "" {
		binaryPath = "streamlink"
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Resolver{binaryPath: strings.TrimSpace(binaryPath), timeout: timeout}
}

// Resolve returns the playback URL for the requested quality (default
// "best"). Transient failures get one retry with a short backoff.
func (r *Resolver) Resolve(ctx context.Context, sourceURL, quality string) (string, error) {
	quality = strings.TrimSpace(quality)
	if quality == "" {
		quality = "best"
	}

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(reliability.ExponentialBackoff(attempt, 500*time.Millisecond, 2*time.Second)):
			}
		}

		url, err := r.resolveOnce(ctx, sourceURL, quality)
		if err == nil {
			return url, nil
		}
		lastErr = err
		if errors.Is(err, ErrResolveTimeout) || !reliability.IsTransientResolveFailure(err.Error()) {
			return "", err
		}
	}
	return "", lastErr
}

func (r *Resolver) resolveOnce(ctx context.Context, sourceURL, quality string) (string, error) {
	runCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, r.binaryPath, "--json", sourceURL, quality)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if runCtx.Err() != nil {
			// exec.CommandContext surfaces "signal: killed" instead of the
			// deadline error.
			return "", ErrResolveTimeout
		}
		detail := strings.TrimSpace(StripANSI(stderr.String()))
		if detail == "" {
			detail = strings.TrimSpace(stdout.String())
		}
		if detail == "" {
			detail = err.Error()
		}
		return "", fmt.Errorf("%w: %s", ErrStreamUnavailable, detail)
	}

	url, err := parsePlaybackURL(stdout.Bytes(), quality)
	if err != nil {
		return "", err
	}
	return url, nil
}

// parsePlaybackURL extracts the stream URL from streamlink's --json
// output: {"streams": {"<quality>": {"url": ...}}}.
func parsePlaybackURL(raw []byte, quality string) (string, error) {
	var payload struct {
		Streams map[string]struct {
			URL string `json:"url"`
		} `json:"streams"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return "", fmt.Errorf("bad response from streamlink: %w", err)
	}
	if s, ok := payload.Streams[quality]; ok && s.URL != "" {
		return s.URL, nil
	}
	// Some plugins only report concrete qualities; fall back to any.
	for _, s := range payload.Streams {
		if s.URL != "" {
			return s.URL, nil
		}
	}
	return "", fmt.Errorf("%w: no playable stream in streamlink output", ErrStreamUnavailable)
}
