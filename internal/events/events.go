package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Type identifies broadcast event variants.
type Type string

const (
	TypeStatus         Type = "status"
	TypeLog            Type = "log"
	TypeError          Type = "error"
	TypeClipGenerated  Type = "clip_generated"
	TypeCaptureMetrics Type = "capture_metrics"
)

var ErrUnsupportedType = errors.New("unsupported event type")

type Envelope struct {
	Type Type `json:"type"`
}

// StatusEvent is the session state snapshot, also sent once on subscribe.
type StatusEvent struct {
	Type       Type   `json:"type"`
	SessionID  string `json:"session_id"`
	Status     string `json:"status"`
	StreamURL  string `json:"stream_url,omitempty"`
	Error      string `json:"error,omitempty"`
	ClipsCount int    `json:"clips_count"`
	TSMs       int64  `json:"ts_ms"`
}

// LogEvent carries one line of capture subprocess output.
type LogEvent struct {
	Type      Type   `json:"type"`
	SessionID string `json:"session_id"`
	Line      string `json:"line"`
	Stderr    bool   `json:"stderr"`
	TSMs      int64  `json:"ts_ms"`
}

type ErrorEvent struct {
	Type      Type   `json:"type"`
	SessionID string `json:"session_id"`
	Code      string `json:"code"`
	Source    string `json:"source"`
	Detail    string `json:"detail"`
	TSMs      int64  `json:"ts_ms"`
}

type ClipGeneratedEvent struct {
	Type            Type      `json:"type"`
	SessionID       string    `json:"session_id"`
	Filename        string    `json:"filename"`
	TriggerReason   string    `json:"trigger_reason"`
	DurationSeconds float64   `json:"duration_seconds"`
	FileSizeBytes   int64     `json:"file_size_bytes"`
	CreatedAt       time.Time `json:"created_at"`
}

// CaptureMetricsEvent relays periodic analysis readings pushed by the
// capture subprocess.
type CaptureMetricsEvent struct {
	Type            Type    `json:"type"`
	SessionID       string  `json:"session_id"`
	FramesProcessed int64   `json:"frames_processed"`
	AudioLevel      float64 `json:"audio_level"`
	MotionLevel     float64 `json:"motion_level"`
	SceneChange     float64 `json:"scene_change"`
	ClipsGenerated  int     `json:"clips_generated"`
	TSMs            int64   `json:"ts_ms"`
}

// TypeOf reports the tag of a known event value.
func TypeOf(v any) (Type, bool) {
	switch m := v.(type) {
	case StatusEvent:
		return m.Type, true
	case LogEvent:
		return m.Type, true
	case ErrorEvent:
		return m.Type, true
	case ClipGeneratedEvent:
		return m.Type, true
	case CaptureMetricsEvent:
		return m.Type, true
	default:
		return "", false
	}
}

// Parse decodes a serialized event back into its typed form. Used by
// clients of the websocket feed and by tests.
func Parse(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeStatus:
		var ev StatusEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, err
		}
		return ev, nil
	case TypeLog:
		var ev LogEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, err
		}
		return ev, nil
	case TypeError:
		var ev ErrorEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, err
		}
		return ev, nil
	case TypeClipGenerated:
		var ev ClipGeneratedEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, err
		}
		return ev, nil
	case TypeCaptureMetrics:
		var ev CaptureMetricsEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, err
		}
		return ev, nil
	default:
		return nil, ErrUnsupportedType
	}
}

// NowMs is the timestamp format used by event payloads.
func NowMs() int64 {
	return time.Now().UnixMilli()
}
