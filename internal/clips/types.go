package clips

import (
	"strings"
	"time"
)

// Trigger reasons reported by the capture tool's highlight detection.
const (
	TriggerAudioSpike  = "audio-spike"
	TriggerMotion      = "motion"
	TriggerSceneChange = "scene-change"
	TriggerUnknown     = "unknown"
)

// Meta describes one produced highlight file. Files found on disk without
// a registered callback get zero duration and an unknown trigger.
type Meta struct {
	Filename        string    `json:"filename"`
	SessionID       string    `json:"session_id"`
	TriggerReason   string    `json:"trigger_reason"`
	DurationSeconds float64   `json:"duration_seconds"`
	FileSizeBytes   int64     `json:"file_size_bytes"`
	CreatedAt       time.Time `json:"created_at"`
}

// NormalizeTrigger maps the free-form reason strings the original capture
// tool emits ("Audio Spike", "Motion Detected", "Scene Change") onto the
// canonical enum.
func NormalizeTrigger(reason string) string {
	switch {
	case reason == "":
		return TriggerUnknown
	case containsFold(reason, "audio"):
		return TriggerAudioSpike
	case containsFold(reason, "motion"):
		return TriggerMotion
	case containsFold(reason, "scene"):
		return TriggerSceneChange
	default:
		return TriggerUnknown
	}
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), substr)
}
