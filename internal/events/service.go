package events

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/technosupport/ts-devicehub/internal/data"
	"github.com/technosupport/ts-devicehub/internal/logging"
	"github.com/technosupport/ts-devicehub/internal/metrics"
)

const maxClockSkew = 5 * time.Minute

// DeviceIndex answers whether an id is, or once was, a registered device.
type DeviceIndex interface {
	Known(id string) bool
}

// Sink receives each accepted event after it is durably appended.
// Failures are logged and never fail the ingest.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, e data.DetectionEvent) error
}

type Options struct {
	Retention  time.Duration
	ExtraTypes []string
	DedupSize  int
	DedupTTL   time.Duration
}

type Service struct {
	log     Log
	agg     *Aggregator
	dedup   *Dedup
	devices DeviceIndex
	types   map[data.EventType]struct{}
	sinks   []Sink
	now     func() time.Time
	logger  zerolog.Logger
}

func NewService(log Log, devices DeviceIndex, opts Options) *Service {
	return newService(log, devices, opts, time.Now)
}

func newService(log Log, devices DeviceIndex, opts Options, now func() time.Time) *Service {
	if opts.DedupTTL <= 0 {
		opts.DedupTTL = 10 * time.Minute
	}
	types := make(map[data.EventType]struct{}, len(data.BuiltinEventTypes)+len(opts.ExtraTypes))
	for _, t := range data.BuiltinEventTypes {
		types[t] = struct{}{}
	}
	for _, t := range opts.ExtraTypes {
		if t = strings.TrimSpace(t); t != "" {
			types[data.EventType(t)] = struct{}{}
		}
	}

	d := NewDedup(opts.DedupSize, opts.DedupTTL)
	d.now = now
	return &Service{
		log:     log,
		agg:     NewAggregator(opts.Retention, now),
		dedup:   d,
		devices: devices,
		types:   types,
		now:     now,
		logger:  logging.Component("events"),
	}
}

// AddSink registers a fan-out destination. Not safe after ingestion starts.
func (s *Service) AddSink(sink Sink) {
	s.sinks = append(s.sinks, sink)
}

// Warm replays the retention horizon from the log into the aggregate.
func (s *Service) Warm(ctx context.Context) error {
	since := s.now().Add(-s.agg.Retention())
	n := 0
	err := s.log.ScanSince(ctx, since, func(e *data.DetectionEvent) {
		s.agg.Add(e.EventType, e.CreatedAt)
		n++
	})
	if err != nil {
		return fmt.Errorf("warm statistics: %w", err)
	}
	s.logger.Info().Int("events", n).Dur("horizon", s.agg.Retention()).Msg("Statistics warmed")
	return nil
}

// Ingest validates e, appends it with a server-assigned id and returns the
// stored event.
func (s *Service) Ingest(ctx context.Context, e data.DetectionEvent) (data.DetectionEvent, error) {
	if err := s.validate(&e); err != nil {
		metrics.EventsRejected.WithLabelValues("validation").Inc()
		return data.DetectionEvent{}, err
	}

	if e.SourceEventID != "" && s.dedup.Seen(e.SourceEventID) {
		metrics.EventsRejected.WithLabelValues("duplicate").Inc()
		return data.DetectionEvent{}, &data.ConflictError{Kind: "event", ID: e.SourceEventID, Reason: "duplicate source_event_id"}
	}

	e.ID = 0
	if err := s.log.Append(ctx, &e); err != nil {
		if e.SourceEventID != "" {
			s.dedup.Forget(e.SourceEventID)
		}
		metrics.EventsRejected.WithLabelValues("store").Inc()
		return data.DetectionEvent{}, fmt.Errorf("append event: %w", err)
	}

	s.agg.Add(e.EventType, e.CreatedAt)
	metrics.EventsIngested.WithLabelValues(string(e.EventType)).Inc()

	for _, sink := range s.sinks {
		if err := sink.Deliver(ctx, e); err != nil {
			metrics.FanoutErrors.WithLabelValues(sink.Name()).Inc()
			s.logger.Warn().Err(err).Str("sink", sink.Name()).Int64("event_id", e.ID).Msg("Event fan-out failed")
		}
	}
	return e, nil
}

func (s *Service) validate(e *data.DetectionEvent) error {
	e.DeviceID = strings.TrimSpace(e.DeviceID)
	if e.DeviceID == "" {
		return data.Invalid("device_id", "required")
	}
	if s.devices != nil && !s.devices.Known(e.DeviceID) {
		return data.Invalid("device_id", fmt.Sprintf("unknown device %q", e.DeviceID))
	}
	if _, ok := s.types[e.EventType]; !ok {
		return data.Invalid("event_type", fmt.Sprintf("unknown event type %q", e.EventType))
	}
	if math.IsNaN(e.Confidence) || e.Confidence < 0 || e.Confidence > 1 {
		return data.Invalid("confidence", "must be within [0, 1]")
	}
	if b := e.BBox; b != nil && (b.X < 0 || b.Y < 0 || b.Width < 0 || b.Height < 0) {
		return data.Invalid("bbox", "coordinates must be non-negative")
	}
	if len(e.Metadata) > 0 {
		var obj map[string]any
		if err := json.Unmarshal(e.Metadata, &obj); err != nil || obj == nil {
			return data.Invalid("metadata", "must be a JSON object")
		}
	}

	now := s.now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	} else if e.CreatedAt.After(now.Add(maxClockSkew)) {
		return data.Invalid("created_at", "is in the future")
	}
	e.CreatedAt = e.CreatedAt.UTC()
	return nil
}

// Query returns one page, most recent first.
func (s *Service) Query(ctx context.Context, filter data.EventFilter, cursor int64, limit int) (data.EventPage, error) {
	if cursor < 0 {
		return data.EventPage{}, data.Invalid("cursor", "must be non-negative")
	}
	if !filter.Range.Start.IsZero() && !filter.Range.End.IsZero() && filter.Range.End.Before(filter.Range.Start) {
		return data.EventPage{}, data.Invalid("time_range", "end before start")
	}
	return s.log.Query(ctx, filter, cursor, limit)
}

// Iterate walks every matching event, most recent first, fetching pageSize
// events at a time. Iteration stops at the first error.
func (s *Service) Iterate(ctx context.Context, filter data.EventFilter, pageSize int) iter.Seq2[data.DetectionEvent, error] {
	return func(yield func(data.DetectionEvent, error) bool) {
		var cursor int64
		for {
			page, err := s.Query(ctx, filter, cursor, pageSize)
			if err != nil {
				yield(data.DetectionEvent{}, err)
				return
			}
			for _, e := range page.Events {
				if !yield(e, nil) {
					return
				}
			}
			if page.NextCursor == 0 {
				return
			}
			cursor = page.NextCursor
		}
	}
}

// Statistics reads the running aggregate for the trailing window.
func (s *Service) Statistics(window time.Duration) data.EventStats {
	return s.agg.Stats(window)
}

// KnownTypes lists the accepted event types in lexical order.
func (s *Service) KnownTypes() []data.EventType {
	out := make([]data.EventType, 0, len(s.types))
	for t := range s.types {
		out = append(out, t)
	}
	slices.Sort(out)
	return out
}
