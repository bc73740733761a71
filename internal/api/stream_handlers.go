package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/technosupport/ts-devicehub/internal/data"
	"github.com/technosupport/ts-devicehub/internal/query"
	"github.com/technosupport/ts-devicehub/internal/sessions"
)

// FrameReader serves cached snapshots; ts <= 0 selects the newest.
type FrameReader interface {
	GetFrame(ctx context.Context, deviceID string, ts int64) (*data.Frame, error)
}

type StreamHandler struct {
	Sessions *sessions.Manager
	Query    *query.Facade
	Frames   FrameReader
}

func NewStreamHandler(mgr *sessions.Manager, q *query.Facade, frames FrameReader) *StreamHandler {
	return &StreamHandler{Sessions: mgr, Query: q, Frames: frames}
}

type viewerRequest struct {
	Viewer string `json:"viewer" validate:"omitempty,max=64,printascii"`
}

type captureResponse struct {
	*data.Frame
	SnapshotURL string `json:"snapshot_url,omitempty"`
}

// POST /api/v1/stream/{id}/play
func (h *StreamHandler) Play(w http.ResponseWriter, r *http.Request) {
	var req viewerRequest
	if err := decodeJSON(w, r, &req, true); err != nil {
		respondError(w, r, err)
		return
	}
	sess, err := h.Sessions.Play(r.Context(), chi.URLParam(r, "id"), req.Viewer)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondOK(w, http.StatusOK, sess)
}

// POST /api/v1/stream/{id}/stop
func (h *StreamHandler) Stop(w http.ResponseWriter, r *http.Request) {
	var req viewerRequest
	if err := decodeJSON(w, r, &req, true); err != nil {
		respondError(w, r, err)
		return
	}
	sess, err := h.Sessions.Stop(r.Context(), chi.URLParam(r, "id"), req.Viewer)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondOK(w, http.StatusOK, sess)
}

// POST /api/v1/stream/{id}/capture
func (h *StreamHandler) Capture(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	frame, err := h.Sessions.Capture(r.Context(), id)
	if err != nil {
		respondError(w, r, err)
		return
	}
	resp := captureResponse{Frame: frame}
	if h.Frames != nil {
		resp.SnapshotURL = fmt.Sprintf("/api/v1/stream/%s/snapshot/%d", id, frame.CapturedAt.UnixMilli())
	}
	respondOK(w, http.StatusOK, resp)
}

// GET /api/v1/stream/{id}/snapshot/{ts}; ts is unix ms or "latest".
func (h *StreamHandler) Snapshot(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if h.Frames == nil {
		respondError(w, r, &data.NotFoundError{Kind: "snapshot", ID: id})
		return
	}

	var ts int64
	if raw := chi.URLParam(r, "ts"); raw != "latest" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v <= 0 {
			respondError(w, r, data.Invalid("ts", "must be unix milliseconds or 'latest'"))
			return
		}
		ts = v
	}

	frame, err := h.Frames.GetFrame(r.Context(), id, ts)
	if err != nil {
		respondError(w, r, err)
		return
	}
	ct := frame.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ct)
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Content-Length", strconv.Itoa(len(frame.Data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(frame.Data)
}

// GET /api/v1/stream/status
func (h *StreamHandler) Status(w http.ResponseWriter, r *http.Request) {
	respondOK(w, http.StatusOK, h.Query.ListSessions())
}

// GET /api/v1/stream/{id}
func (h *StreamHandler) Get(w http.ResponseWriter, r *http.Request) {
	sess, err := h.Query.GetSession(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondOK(w, http.StatusOK, sess)
}
