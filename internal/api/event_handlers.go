package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"

	"github.com/technosupport/ts-devicehub/internal/data"
	"github.com/technosupport/ts-devicehub/internal/events"
	"github.com/technosupport/ts-devicehub/internal/query"
)

const defaultStatsWindow = 7 * 24 * time.Hour

type EventHandler struct {
	Events *events.Service
	Query  *query.Facade
}

func NewEventHandler(svc *events.Service, q *query.Facade) *EventHandler {
	return &EventHandler{Events: svc, Query: q}
}

type ingestRequest struct {
	DeviceID      string          `json:"device_id" validate:"required,max=64"`
	EventType     string          `json:"event_type" validate:"required,max=64"`
	Confidence    *float64        `json:"confidence" validate:"required"`
	BBox          *data.BBox      `json:"bbox"`
	ImagePath     string          `json:"image_path" validate:"max=1024"`
	Metadata      json.RawMessage `json:"metadata"`
	SourceEventID string          `json:"source_event_id" validate:"max=128"`
	CreatedAt     *time.Time      `json:"created_at"`
}

func (req ingestRequest) event() data.DetectionEvent {
	ev := data.DetectionEvent{
		DeviceID:      req.DeviceID,
		EventType:     data.EventType(req.EventType),
		Confidence:    *req.Confidence,
		BBox:          req.BBox,
		ImagePath:     req.ImagePath,
		Metadata:      []byte(req.Metadata),
		SourceEventID: req.SourceEventID,
	}
	if req.CreatedAt != nil {
		ev.CreatedAt = *req.CreatedAt
	}
	return ev
}

// GET /api/v1/events
func (h *EventHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := data.EventFilter{
		DeviceID:  q.Get("device_id"),
		EventType: data.EventType(q.Get("event_type")),
	}

	var err error
	if filter.Range.Start, err = parseTime(q.Get("start_time"), "start_time"); err != nil {
		respondError(w, r, err)
		return
	}
	if filter.Range.End, err = parseTime(q.Get("end_time"), "end_time"); err != nil {
		respondError(w, r, err)
		return
	}

	cursor, err := parseInt(q.Get("cursor"), "cursor")
	if err != nil {
		respondError(w, r, err)
		return
	}
	limit, err := parseInt(q.Get("limit"), "limit")
	if err != nil {
		respondError(w, r, err)
		return
	}

	page, err := h.Query.ListEvents(r.Context(), filter, cursor, int(limit))
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondOK(w, http.StatusOK, page)
}

// POST /api/v1/events
func (h *EventHandler) Ingest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		respondError(w, r, err)
		return
	}
	ev, err := h.Events.Ingest(r.Context(), req.event())
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondOK(w, http.StatusCreated, ev)
}

// GET /api/v1/statistics?window=24h
func (h *EventHandler) Statistics(w http.ResponseWriter, r *http.Request) {
	window := defaultStatsWindow
	if raw := r.URL.Query().Get("window"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			respondError(w, r, data.Invalid("window", "must be a positive duration such as 24h"))
			return
		}
		window = d
	}
	respondOK(w, http.StatusOK, h.Query.GetStatistics(window))
}

// GET /api/v1/events/types
func (h *EventHandler) Types(w http.ResponseWriter, r *http.Request) {
	respondOK(w, http.StatusOK, h.Events.KnownTypes())
}

func parseTime(raw, field string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, data.Invalid(field, "must be RFC3339")
	}
	return t, nil
}

func parseInt(raw, field string) (int64, error) {
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, data.Invalid(field, "must be an integer")
	}
	return v, nil
}
