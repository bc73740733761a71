package bus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/technosupport/ts-devicehub/internal/data"
	"github.com/technosupport/ts-devicehub/internal/logging"
	"github.com/technosupport/ts-devicehub/internal/metrics"
)

type Ingester interface {
	Ingest(ctx context.Context, e data.DetectionEvent) (data.DetectionEvent, error)
}

type SubscriberConfig struct {
	Subject   string
	RatePerS  float64 // 0 disables throttling
	Burst     int
	QueueSize int
}

// Ack is the reply sent when an ingest message carries a reply subject.
type Ack struct {
	ID    int64  `json:"id,omitempty"`
	Error string `json:"error,omitempty"`
}

// detectionMessage is the inbound wire shape. Confidence is a pointer so an
// absent field is rejected rather than read as zero.
type detectionMessage struct {
	DeviceID      string          `json:"device_id"`
	EventType     data.EventType  `json:"event_type"`
	Confidence    *float64        `json:"confidence"`
	BBox          *data.BBox      `json:"bbox"`
	ImagePath     string          `json:"image_path"`
	Metadata      json.RawMessage `json:"metadata"`
	SourceEventID string          `json:"source_event_id"`
	CreatedAt     time.Time       `json:"created_at"`
}

func (m detectionMessage) event() (data.DetectionEvent, error) {
	if m.Confidence == nil {
		return data.DetectionEvent{}, data.Invalid("confidence", "required")
	}
	return data.DetectionEvent{
		DeviceID:      m.DeviceID,
		EventType:     m.EventType,
		Confidence:    *m.Confidence,
		BBox:          m.BBox,
		ImagePath:     m.ImagePath,
		Metadata:      []byte(m.Metadata),
		SourceEventID: m.SourceEventID,
		CreatedAt:     m.CreatedAt,
	}, nil
}

// Subscriber feeds detections from NATS into the ingest path.
type Subscriber struct {
	conn    *nats.Conn
	cfg     SubscriberConfig
	ingest  Ingester
	limiter *rate.Limiter
	log     zerolog.Logger
}

func NewSubscriber(conn *nats.Conn, ing Ingester, cfg SubscriberConfig) *Subscriber {
	if cfg.Subject == "" {
		cfg.Subject = SubjectIngest
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	limit := rate.Inf
	if cfg.RatePerS > 0 {
		limit = rate.Limit(cfg.RatePerS)
	}
	return &Subscriber{
		conn:    conn,
		cfg:     cfg,
		ingest:  ing,
		limiter: rate.NewLimiter(limit, cfg.Burst),
		log:     logging.Component("bus"),
	}
}

func (s *Subscriber) String() string { return "nats-ingest" }

// Serve consumes until ctx ends. Messages are processed one at a time; the
// limiter applies backpressure through the subscription's pending buffer.
func (s *Subscriber) Serve(ctx context.Context) error {
	msgs := make(chan *nats.Msg, s.cfg.QueueSize)
	sub, err := s.conn.ChanSubscribe(s.cfg.Subject, msgs)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", s.cfg.Subject, err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	s.log.Info().Str("subject", s.cfg.Subject).Msg("Detection ingest subscriber started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-msgs:
			if err := s.limiter.Wait(ctx); err != nil {
				return ctx.Err()
			}
			s.handle(ctx, msg)
		}
	}
}

func (s *Subscriber) handle(ctx context.Context, msg *nats.Msg) {
	var in detectionMessage
	if err := json.Unmarshal(msg.Data, &in); err != nil {
		metrics.EventsRejected.WithLabelValues("decode").Inc()
		s.log.Warn().Err(err).Int("bytes", len(msg.Data)).Msg("Dropping undecodable detection")
		s.reply(msg, Ack{Error: "invalid json"})
		return
	}
	ev, err := in.event()
	if err != nil {
		metrics.EventsRejected.WithLabelValues("validation").Inc()
		s.log.Warn().Err(err).Str("device_id", in.DeviceID).Msg("Detection rejected")
		s.reply(msg, Ack{Error: err.Error()})
		return
	}

	stored, err := s.ingest.Ingest(ctx, ev)
	if err != nil {
		// Duplicates are expected from at-least-once producers.
		if errors.Is(err, data.ErrConflict) {
			s.log.Debug().Str("source_event_id", ev.SourceEventID).Msg("Duplicate detection ignored")
		} else {
			s.log.Warn().Err(err).Str("device_id", ev.DeviceID).Msg("Detection rejected")
		}
		s.reply(msg, Ack{Error: err.Error()})
		return
	}
	s.reply(msg, Ack{ID: stored.ID})
}

func (s *Subscriber) reply(msg *nats.Msg, ack Ack) {
	if msg.Reply == "" {
		return
	}
	payload, err := json.Marshal(ack)
	if err != nil {
		return
	}
	if err := msg.Respond(payload); err != nil {
		s.log.Debug().Err(err).Msg("Ack reply failed")
	}
}
