package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/technosupport/ts-devicehub/internal/data"
	"github.com/technosupport/ts-devicehub/internal/devices"
	"github.com/technosupport/ts-devicehub/internal/health"
	"github.com/technosupport/ts-devicehub/internal/query"
)

type DeviceHandler struct {
	Registry *devices.Registry
	Health   *health.Service
	Query    *query.Facade
}

func NewDeviceHandler(reg *devices.Registry, hs *health.Service, q *query.Facade) *DeviceHandler {
	return &DeviceHandler{Registry: reg, Health: hs, Query: q}
}

type createDeviceRequest struct {
	DeviceID       string `json:"device_id" validate:"omitempty,max=64,printascii"`
	Name           string `json:"name" validate:"required,max=120"`
	Protocol       string `json:"protocol" validate:"omitempty,oneofci=RTSP ONVIF GB28181"`
	IPAddress      string `json:"ip_address" validate:"required"`
	Port           int    `json:"port" validate:"omitempty,min=1,max=65535"`
	Username       string `json:"username"`
	Password       string `json:"password"`
	Location       string `json:"location" validate:"max=255"`
	Description    string `json:"description"`
	GBDeviceID     string `json:"gb_device_id"`
	GBChannelID    string `json:"gb_channel_id"`
	GBManufacturer string `json:"gb_manufacturer"`
	GBModel        string `json:"gb_model"`
	RTSPURL        string `json:"rtsp_url"`
}

func (req createDeviceRequest) device() data.Device {
	return data.Device{
		DeviceID:       req.DeviceID,
		Name:           req.Name,
		Protocol:       data.Protocol(req.Protocol),
		IPAddress:      req.IPAddress,
		Port:           req.Port,
		Username:       req.Username,
		Password:       req.Password,
		Location:       req.Location,
		Description:    req.Description,
		GBDeviceID:     req.GBDeviceID,
		GBChannelID:    req.GBChannelID,
		GBManufacturer: req.GBManufacturer,
		GBModel:        req.GBModel,
		RTSPURL:        req.RTSPURL,
	}
}

type statusRequest struct {
	Status string `json:"status" validate:"required,oneof=online offline error"`
}

// GET /api/v1/devices
func (h *DeviceHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var filter data.DeviceFilter
	if p := q.Get("protocol"); p != "" {
		proto, ok := data.ParseProtocol(p)
		if !ok {
			respondError(w, r, data.Invalid("protocol", "unknown protocol"))
			return
		}
		filter.Protocol = proto
	}
	if s := q.Get("status"); s != "" {
		st := data.DeviceStatus(s)
		if !st.Valid() {
			respondError(w, r, data.Invalid("status", "must be online, offline or error"))
			return
		}
		filter.Status = st
	}
	filter.Location = q.Get("location")

	respondOK(w, http.StatusOK, h.Query.ListDevices(filter))
}

// POST /api/v1/devices
func (h *DeviceHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createDeviceRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		respondError(w, r, err)
		return
	}
	dev, err := h.Registry.AddDevice(r.Context(), req.device())
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondOK(w, http.StatusCreated, dev)
}

// GET /api/v1/devices/{id}
func (h *DeviceHandler) Get(w http.ResponseWriter, r *http.Request) {
	view, err := h.Query.GetDevice(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondOK(w, http.StatusOK, view)
}

// PUT /api/v1/devices/{id}
func (h *DeviceHandler) Update(w http.ResponseWriter, r *http.Request) {
	var patch data.DevicePatch
	if err := decodeJSON(w, r, &patch, false); err != nil {
		respondError(w, r, err)
		return
	}
	dev, err := h.Registry.UpdateDevice(r.Context(), chi.URLParam(r, "id"), patch)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondOK(w, http.StatusOK, dev)
}

// DELETE /api/v1/devices/{id}
func (h *DeviceHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.Registry.RemoveDevice(r.Context(), id); err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, Envelope{Success: true, Message: "device " + id + " removed"})
}

// PUT /api/v1/devices/{id}/status
func (h *DeviceHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req statusRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		respondError(w, r, err)
		return
	}
	if _, err := h.Registry.Get(id); err != nil {
		respondError(w, r, err)
		return
	}
	if err := h.Registry.UpdateStatus(r.Context(), id, data.DeviceStatus(req.Status), time.Now().UTC()); err != nil {
		respondError(w, r, err)
		return
	}
	h.Get(w, r)
}

// POST /api/v1/devices/{id}/probe
func (h *DeviceHandler) Probe(w http.ResponseWriter, r *http.Request) {
	res, err := h.Health.ManualCheck(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondOK(w, http.StatusOK, res)
}

// GET /api/v1/devices/{id}/health
func (h *DeviceHandler) History(w http.ResponseWriter, r *http.Request) {
	hist, err := h.Query.ProbeHistory(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondOK(w, http.StatusOK, hist)
}

// GET /api/v1/devices/{id}/detections/latest
func (h *DeviceHandler) LatestDetection(w http.ResponseWriter, r *http.Request) {
	ev, err := h.Query.LatestDetection(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, Envelope{Success: true, Data: ev})
}
