package data

import "time"

// ProbeResult is one liveness check, kept in the bounded per-device history.
type ProbeResult struct {
	DeviceID   string       `json:"device_id"`
	OccurredAt time.Time    `json:"occurred_at"`
	Status     DeviceStatus `json:"status"`
	RTTMS      int          `json:"rtt_ms"`
}

// ProbeState is the scheduler's view of one device between checks.
type ProbeState struct {
	DeviceID            string       `json:"device_id"`
	Status              DeviceStatus `json:"status"`
	LastCheckedAt       time.Time    `json:"last_checked_at"`
	LastSuccessAt       *time.Time   `json:"last_success_at,omitempty"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
}
