package data

import "time"

type SessionState string

const (
	SessionIdle     SessionState = "idle"
	SessionStarting SessionState = "starting"
	SessionActive   SessionState = "active"
	SessionStopping SessionState = "stopping"
	SessionFailed   SessionState = "failed"
)

// Busy reports whether the state blocks a new open.
func (s SessionState) Busy() bool {
	return s == SessionStarting || s == SessionActive || s == SessionStopping
}

// StreamSession is a point-in-time snapshot of one device's session.
type StreamSession struct {
	DeviceID  string       `json:"device_id"`
	State     SessionState `json:"state"`
	Viewers   []string     `json:"viewers,omitempty"`
	OpenedAt  *time.Time   `json:"opened_at,omitempty"`
	Duration  float64      `json:"duration_seconds,omitempty"`
	StreamURL string       `json:"stream_url,omitempty"` // sanitized
	LastError string       `json:"last_error,omitempty"`
}

// Frame is a single captured unit from an active session.
type Frame struct {
	DeviceID    string    `json:"device_id"`
	ContentType string    `json:"content_type"`
	Data        []byte    `json:"-"`
	Size        int       `json:"size"`
	CapturedAt  time.Time `json:"captured_at"`
}
