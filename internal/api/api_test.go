package api_test

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/technosupport/ts-devicehub/internal/adapters"
	"github.com/technosupport/ts-devicehub/internal/adapters/adaptertest"
	"github.com/technosupport/ts-devicehub/internal/api"
	"github.com/technosupport/ts-devicehub/internal/data"
	"github.com/technosupport/ts-devicehub/internal/devices"
	"github.com/technosupport/ts-devicehub/internal/events"
	"github.com/technosupport/ts-devicehub/internal/health"
	"github.com/technosupport/ts-devicehub/internal/live"
	"github.com/technosupport/ts-devicehub/internal/query"
	"github.com/technosupport/ts-devicehub/internal/sessions"
)

type env struct {
	srv  *httptest.Server
	reg  *devices.Registry
	fake *adaptertest.Fake
	mgr  *sessions.Manager
}

func newEnv(t *testing.T) *env {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	cache := live.NewCache(rdb)

	reg := devices.NewRegistry(nil)
	fake := adaptertest.New(data.ProtocolRTSP)
	mgr := sessions.NewManager(reg.Locks(), reg, fake, sessions.Options{})
	mgr.SetFrameSink(cache)
	evs := events.NewService(events.NewMemoryLog(0), reg, events.Options{})
	evs.AddSink(cache)
	hs := health.NewService(reg, fake)
	reg.OnRemove(mgr.ForceClose)

	q := &query.Facade{Devices: reg, Sessions: mgr, Events: evs, Health: hs, Latest: cache}
	router := api.NewRouter(api.RouterConfig{}, api.Handlers{
		Devices: api.NewDeviceHandler(reg, hs, q),
		Streams: api.NewStreamHandler(mgr, q, cache),
		Events:  api.NewEventHandler(evs, q),
	})
	srv := httptest.NewServer(router)
	t.Cleanup(func() {
		srv.Close()
		_ = mgr.Close(context.Background())
	})
	return &env{srv: srv, reg: reg, fake: fake, mgr: mgr}
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
	Code    string          `json:"code"`
}

func (e *env) do(t *testing.T, method, path string, body any) (int, envelope) {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rdr)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func TestDevices_CRUD(t *testing.T) {
	e := newEnv(t)

	code, out := e.do(t, "POST", "/api/v1/devices", map[string]any{
		"device_id": "CAM010", "name": "Lobby", "protocol": "rtsp", "ip_address": "192.168.1.10",
		"username": "admin", "password": "secret", "location": "Building A",
	})
	require.Equal(t, http.StatusCreated, code, out.Message)
	var dev map[string]any
	require.NoError(t, json.Unmarshal(out.Data, &dev))
	assert.Equal(t, "RTSP", dev["protocol"])
	assert.EqualValues(t, 554, dev["port"])
	assert.Equal(t, "offline", dev["status"])
	assert.NotContains(t, dev, "password")

	code, out = e.do(t, "POST", "/api/v1/devices", map[string]any{"device_id": "CAM010", "name": "Dup", "ip_address": "192.168.1.11"})
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "conflict", out.Code)

	code, out = e.do(t, "POST", "/api/v1/devices", map[string]any{"name": "NoIP"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, out.Message, "ip_address")

	code, out = e.do(t, "POST", "/api/v1/devices", map[string]any{"name": "x", "ip_address": "10.0.0.1", "port": 70000})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, out.Message, "port")

	code, _ = e.do(t, "POST", "/api/v1/devices", map[string]any{"name": "x", "ip_address": "10.0.0.1", "bogus": true})
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = e.do(t, "POST", "/api/v1/devices", map[string]any{"device_id": "CAM020", "name": "Yard", "protocol": "ONVIF", "ip_address": "10.0.0.20", "location": "Yard"})
	require.Equal(t, http.StatusCreated, code)

	code, out = e.do(t, "GET", "/api/v1/devices?location=building", nil)
	require.Equal(t, http.StatusOK, code)
	var list []map[string]any
	require.NoError(t, json.Unmarshal(out.Data, &list))
	require.Len(t, list, 1)
	assert.Equal(t, "CAM010", list[0]["device_id"])
	assert.Equal(t, "idle", list[0]["session_state"])

	code, _ = e.do(t, "GET", "/api/v1/devices?protocol=sip", nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code, out = e.do(t, "PUT", "/api/v1/devices/CAM010", map[string]any{"name": "Lobby East"})
	require.Equal(t, http.StatusOK, code, out.Message)
	require.NoError(t, json.Unmarshal(out.Data, &dev))
	assert.Equal(t, "Lobby East", dev["name"])

	code, _ = e.do(t, "DELETE", "/api/v1/devices/CAM010", nil)
	assert.Equal(t, http.StatusOK, code)
	code, out = e.do(t, "GET", "/api/v1/devices/CAM010", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.False(t, out.Success)
}

func TestStream_PlayCaptureStop(t *testing.T) {
	e := newEnv(t)
	code, _ := e.do(t, "POST", "/api/v1/devices", map[string]any{"device_id": "CAM010", "name": "Lobby", "ip_address": "192.168.1.10"})
	require.Equal(t, http.StatusCreated, code)

	code, out := e.do(t, "POST", "/api/v1/stream/CAM010/play", nil)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "device_not_online", out.Code)

	code, out = e.do(t, "PUT", "/api/v1/devices/CAM010/status", map[string]any{"status": "online"})
	require.Equal(t, http.StatusOK, code, out.Message)

	code, out = e.do(t, "PUT", "/api/v1/devices/CAM010/status", map[string]any{"status": "sleeping"})
	assert.Equal(t, http.StatusBadRequest, code)

	code, out = e.do(t, "POST", "/api/v1/stream/CAM010/capture", nil)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "session_not_active", out.Code)

	code, out = e.do(t, "POST", "/api/v1/stream/CAM010/play", map[string]any{"viewer": "ops"})
	require.Equal(t, http.StatusOK, code, out.Message)
	var sess data.StreamSession
	require.NoError(t, json.Unmarshal(out.Data, &sess))
	assert.Equal(t, data.SessionActive, sess.State)

	code, out = e.do(t, "POST", "/api/v1/stream/CAM010/play", map[string]any{"viewer": "guard"})
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "session_already_active", out.Code)

	code, out = e.do(t, "POST", "/api/v1/stream/CAM010/capture", nil)
	require.Equal(t, http.StatusOK, code, out.Message)
	var capture struct {
		Size        int    `json:"size"`
		SnapshotURL string `json:"snapshot_url"`
	}
	require.NoError(t, json.Unmarshal(out.Data, &capture))
	require.NotEmpty(t, capture.SnapshotURL)

	resp, err := http.Get(e.srv.URL + capture.SnapshotURL)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/jpeg", resp.Header.Get("Content-Type"))
	assert.Equal(t, "frame-CAM010", string(body))

	resp, err = http.Get(e.srv.URL + "/api/v1/stream/CAM010/snapshot/latest")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	code, out = e.do(t, "GET", "/api/v1/stream/status", nil)
	require.Equal(t, http.StatusOK, code)
	var all []data.StreamSession
	require.NoError(t, json.Unmarshal(out.Data, &all))
	require.Len(t, all, 1)

	code, out = e.do(t, "POST", "/api/v1/stream/CAM010/stop", map[string]any{"viewer": "ops"})
	require.Equal(t, http.StatusOK, code, out.Message)
	require.NoError(t, json.Unmarshal(out.Data, &sess))
	assert.Equal(t, data.SessionIdle, sess.State)
	assert.Equal(t, 1, e.fake.Disconnects("CAM010"))

	code, _ = e.do(t, "POST", "/api/v1/stream/NOPE/play", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestStream_ConnectFailureMapsToGateway(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	_, err := e.reg.AddDevice(ctx, data.Device{DeviceID: "CAM030", Name: "Dock", IPAddress: "10.0.0.30"})
	require.NoError(t, err)
	require.NoError(t, e.reg.UpdateStatus(ctx, "CAM030", data.StatusOnline, time.Now()))
	e.fake.SetConnect(func(ctx context.Context, dev data.Device) (adapters.Handle, error) {
		return nil, adapters.NewError(adapters.KindTimeout, "connect", dev.DeviceID, context.DeadlineExceeded)
	})

	code, out := e.do(t, "POST", "/api/v1/stream/CAM030/play", nil)
	assert.Equal(t, http.StatusGatewayTimeout, code)
	assert.Equal(t, "timeout", out.Code)

	d, err := e.reg.Get("CAM030")
	require.NoError(t, err)
	assert.Equal(t, data.StatusOffline, d.Status)
}

func TestEvents_IngestListStatistics(t *testing.T) {
	e := newEnv(t)
	_, err := e.reg.AddDevice(context.Background(), data.Device{DeviceID: "CAM010", Name: "Lobby", IPAddress: "10.0.0.1"})
	require.NoError(t, err)

	for _, typ := range []string{"person_detection", "vehicle_detection", "person_detection", "vehicle_detection", "person_detection"} {
		code, out := e.do(t, "POST", "/api/v1/events", map[string]any{"device_id": "CAM010", "event_type": typ, "confidence": 0.8, "bbox": map[string]int{"x": 1, "y": 2, "width": 30, "height": 40}})
		require.Equal(t, http.StatusCreated, code, out.Message)
	}

	code, out := e.do(t, "POST", "/api/v1/events", map[string]any{"device_id": "CAM010", "event_type": "person_detection", "confidence": 1.5})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, out.Message, "confidence")

	code, _ = e.do(t, "POST", "/api/v1/events", map[string]any{"device_id": "GHOST", "event_type": "person_detection", "confidence": 0.5})
	assert.Equal(t, http.StatusBadRequest, code)

	code, out = e.do(t, "GET", "/api/v1/events?limit=2", nil)
	require.Equal(t, http.StatusOK, code)
	var page data.EventPage
	require.NoError(t, json.Unmarshal(out.Data, &page))
	require.Len(t, page.Events, 2)
	assert.Equal(t, int64(5), page.Events[0].ID)
	assert.NotZero(t, page.NextCursor)

	code, out = e.do(t, "GET", "/api/v1/events?event_type=vehicle_detection", nil)
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal(out.Data, &page))
	assert.Len(t, page.Events, 2)

	code, _ = e.do(t, "GET", "/api/v1/events?start_time=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code, out = e.do(t, "GET", "/api/v1/statistics?window=24h", nil)
	require.Equal(t, http.StatusOK, code)
	var stats data.StatisticsSnapshot
	require.NoError(t, json.Unmarshal(out.Data, &stats))
	assert.Equal(t, 5, stats.Events.Total)
	assert.Equal(t, 3, stats.Events.ByType[data.EventPersonDetection])
	assert.Equal(t, 2, stats.Events.ByType[data.EventVehicleDetection])
	assert.Equal(t, 1, stats.Devices.Total)

	code, _ = e.do(t, "GET", "/api/v1/statistics?window=-1h", nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code, out = e.do(t, "GET", "/api/v1/devices/CAM010/detections/latest", nil)
	require.Equal(t, http.StatusOK, code)
	var latest data.DetectionEvent
	require.NoError(t, json.Unmarshal(out.Data, &latest))
	assert.Equal(t, int64(5), latest.ID)
}

func TestEvents_ConfidenceRequired(t *testing.T) {
	e := newEnv(t)
	_, err := e.reg.AddDevice(context.Background(), data.Device{DeviceID: "CAM010", Name: "Lobby", IPAddress: "10.0.0.1"})
	require.NoError(t, err)

	code, out := e.do(t, "POST", "/api/v1/events", map[string]any{"device_id": "CAM010", "event_type": "person_detection"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "validation_failed", out.Code)
	assert.Contains(t, out.Message, "confidence")

	code, out = e.do(t, "POST", "/api/v1/events", map[string]any{"device_id": "CAM010", "event_type": "person_detection", "confidence": 0.0})
	require.Equal(t, http.StatusCreated, code, out.Message)
	var ev data.DetectionEvent
	require.NoError(t, json.Unmarshal(out.Data, &ev))
	assert.Equal(t, int64(1), ev.ID)
	assert.Zero(t, ev.Confidence)
}

func TestDevices_ProbeAndHistory(t *testing.T) {
	e := newEnv(t)
	_, err := e.reg.AddDevice(context.Background(), data.Device{DeviceID: "CAM010", Name: "Lobby", IPAddress: "10.0.0.1"})
	require.NoError(t, err)

	code, out := e.do(t, "POST", "/api/v1/devices/CAM010/probe", nil)
	require.Equal(t, http.StatusOK, code, out.Message)
	var res data.ProbeResult
	require.NoError(t, json.Unmarshal(out.Data, &res))
	assert.Equal(t, data.StatusOnline, res.Status)

	code, out = e.do(t, "GET", "/api/v1/devices/CAM010/health", nil)
	require.Equal(t, http.StatusOK, code)
	var hist []data.ProbeResult
	require.NoError(t, json.Unmarshal(out.Data, &hist))
	assert.Len(t, hist, 1)

	code, _ = e.do(t, "GET", "/api/v1/devices/NOPE/health", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestRouter_HealthzAndUnknownRoute(t *testing.T) {
	e := newEnv(t)
	code, out := e.do(t, "GET", "/healthz", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, out.Success)

	code, out = e.do(t, "GET", "/api/v1/nothing", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "not_found", out.Code)
}
