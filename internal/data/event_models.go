package data

import (
	"encoding/json"
	"time"
)

type EventType string

const (
	EventPersonDetection    EventType = "person_detection"
	EventVehicleDetection   EventType = "vehicle_detection"
	EventIntrusionDetection EventType = "intrusion_detection"
	EventFaceRecognition    EventType = "face_recognition"
	EventOther              EventType = "other"
)

// BuiltinEventTypes is the base enum; deployments may extend it via config.
var BuiltinEventTypes = []EventType{
	EventPersonDetection,
	EventVehicleDetection,
	EventIntrusionDetection,
	EventFaceRecognition,
	EventOther,
}

type BBox struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

type DetectionEvent struct {
	ID            int64           `json:"id"`
	DeviceID      string          `json:"device_id"`
	EventType     EventType       `json:"event_type"`
	Confidence    float64         `json:"confidence"`
	BBox          *BBox           `json:"bbox,omitempty"`
	ImagePath     string          `json:"image_path,omitempty"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
	SourceEventID string          `json:"source_event_id,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

type TimeRange struct {
	Start time.Time // inclusive, zero = unbounded
	End   time.Time // inclusive, zero = unbounded
}

func (r TimeRange) Contains(t time.Time) bool {
	if !r.Start.IsZero() && t.Before(r.Start) {
		return false
	}
	if !r.End.IsZero() && t.After(r.End) {
		return false
	}
	return true
}

type EventFilter struct {
	DeviceID  string
	EventType EventType
	Range     TimeRange
}

func (f EventFilter) Match(e *DetectionEvent) bool {
	if f.DeviceID != "" && e.DeviceID != f.DeviceID {
		return false
	}
	if f.EventType != "" && e.EventType != f.EventType {
		return false
	}
	return f.Range.Contains(e.CreatedAt)
}

const (
	DefaultPageSize = 20
	MaxPageSize     = 200
)

// ClampPageSize maps non-positive sizes to the default and caps the rest.
func ClampPageSize(n int) int {
	if n <= 0 {
		return DefaultPageSize
	}
	if n > MaxPageSize {
		return MaxPageSize
	}
	return n
}

// EventPage is one page of a most-recent-first listing. NextCursor is the
// id to pass back to continue; zero means the sequence is exhausted.
type EventPage struct {
	Events     []DetectionEvent `json:"events"`
	NextCursor int64            `json:"next_cursor,omitempty"`
}

type HourCount struct {
	Hour  time.Time `json:"hour"`
	Count int       `json:"count"`
}

// EventStats is the event half of a statistics snapshot, read from the
// running aggregate.
type EventStats struct {
	From   time.Time         `json:"from"`
	To     time.Time         `json:"to"`
	Total  int               `json:"total"`
	ByType map[EventType]int `json:"by_type"`
	ByHour []HourCount       `json:"by_hour"`
	Today  int               `json:"today"`
}

// StatisticsSnapshot is derived state for the dashboard; it is never
// authoritative.
type StatisticsSnapshot struct {
	Devices        DeviceCounts `json:"devices"`
	ActiveSessions int          `json:"active_sessions"`
	Events         EventStats   `json:"events"`
}
