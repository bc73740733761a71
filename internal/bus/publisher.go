// Package bus connects the service to NATS: detections arrive on an ingest
// subject, accepted detections and device status changes are published.
package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
	"github.com/technosupport/ts-devicehub/internal/data"
)

const (
	SubjectIngest       = "detections.ingest"
	SubjectDetections   = "detections.events"
	SubjectDeviceStatus = "devices.status"
)

// StatusMessage is the payload on SubjectDeviceStatus.
type StatusMessage struct {
	DeviceID string            `json:"device_id"`
	From     data.DeviceStatus `json:"from"`
	To       data.DeviceStatus `json:"to"`
	At       time.Time         `json:"at"`
}

type Publisher struct {
	conn       *nats.Conn
	prefix     string
	maxRetries int
}

// NewPublisher publishes on prefix + subject; prefix may be empty.
func NewPublisher(conn *nats.Conn, prefix string, maxRetries int) *Publisher {
	return &Publisher{
		conn:       conn,
		prefix:     prefix,
		maxRetries: maxRetries,
	}
}

func (p *Publisher) subject(s string) string {
	if p.prefix == "" {
		return s
	}
	return p.prefix + "." + s
}

func (p *Publisher) Publish(ctx context.Context, subject string, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal error: %w", err)
	}

	subj := p.subject(subject)
	for i := 0; i <= p.maxRetries; i++ {
		if err = p.conn.Publish(subj, payload); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(i*100) * time.Millisecond):
		}
	}
	return fmt.Errorf("publish to %s failed after %d retries: %w", subj, p.maxRetries, err)
}

func (p *Publisher) Name() string { return "nats" }

// Deliver forwards an accepted detection downstream.
func (p *Publisher) Deliver(ctx context.Context, ev data.DetectionEvent) error {
	return p.Publish(ctx, SubjectDetections, ev)
}

func (p *Publisher) PublishStatus(ctx context.Context, msg StatusMessage) error {
	return p.Publish(ctx, SubjectDeviceStatus, msg)
}
