package session

import "time"

// CreateResponse returns created session metadata.
type CreateResponse struct {
	SessionID      string    `json:"session_id"`
	Status         Status    `json:"status"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	IdleTTLMS      int64     `json:"idle_ttl_ms"`
}

// StatusResponse is the polled session snapshot.
type StatusResponse struct {
	SessionID      string    `json:"session_id"`
	Status         Status    `json:"status"`
	StreamURL      string    `json:"stream_url,omitempty"`
	Error          string    `json:"error,omitempty"`
	ClipsCount     int       `json:"clips_count"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}
