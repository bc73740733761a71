package query_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/technosupport/ts-devicehub/internal/adapters/adaptertest"
	"github.com/technosupport/ts-devicehub/internal/data"
	"github.com/technosupport/ts-devicehub/internal/devices"
	"github.com/technosupport/ts-devicehub/internal/events"
	"github.com/technosupport/ts-devicehub/internal/query"
	"github.com/technosupport/ts-devicehub/internal/sessions"
)

func TestFacade(t *testing.T) {
	ctx := context.Background()
	reg := devices.NewRegistry(nil)
	fake := adaptertest.New(data.ProtocolRTSP)
	mgr := sessions.NewManager(reg.Locks(), reg, fake, sessions.Options{})
	evs := events.NewService(events.NewMemoryLog(0), reg, events.Options{})

	for _, id := range []string{"CAM010", "CAM011"} {
		_, err := reg.AddDevice(ctx, data.Device{DeviceID: id, Name: id, IPAddress: "10.0.0.1"})
		require.NoError(t, err)
	}
	require.NoError(t, reg.UpdateStatus(ctx, "CAM010", data.StatusOnline, time.Now()))
	_, err := mgr.Play(ctx, "CAM010", "ops")
	require.NoError(t, err)

	for _, typ := range []data.EventType{data.EventPersonDetection, data.EventPersonDetection, data.EventVehicleDetection} {
		_, err := evs.Ingest(ctx, data.DetectionEvent{DeviceID: "CAM011", EventType: typ, Confidence: 0.9})
		require.NoError(t, err)
	}

	f := &query.Facade{Devices: reg, Sessions: mgr, Events: evs}

	views := f.ListDevices(data.DeviceFilter{})
	require.Len(t, views, 2)
	byID := map[string]data.SessionState{}
	for _, v := range views {
		byID[v.DeviceID] = v.SessionState
	}
	assert.Equal(t, data.SessionActive, byID["CAM010"])
	assert.Equal(t, data.SessionIdle, byID["CAM011"])

	stats := f.GetStatistics(24 * time.Hour)
	assert.Equal(t, data.DeviceCounts{Total: 2, Online: 1, Offline: 1}, stats.Devices)
	assert.Equal(t, 1, stats.ActiveSessions)
	assert.Equal(t, 3, stats.Events.Total)
	assert.Equal(t, 2, stats.Events.ByType[data.EventPersonDetection])

	page, err := f.ListEvents(ctx, data.EventFilter{EventType: data.EventVehicleDetection}, 0, 10)
	require.NoError(t, err)
	assert.Len(t, page.Events, 1)

	_, err = f.GetDevice("nope")
	assert.ErrorIs(t, err, data.ErrNotFound)

	latest, err := f.LatestDetection(ctx, "CAM011")
	require.NoError(t, err)
	assert.Nil(t, latest)

	hist, err := f.ProbeHistory("CAM010")
	require.NoError(t, err)
	assert.Empty(t, hist)

	sessionsList := f.ListSessions()
	require.Len(t, sessionsList, 1)
	assert.Equal(t, "CAM010", sessionsList[0].DeviceID)

	require.NoError(t, mgr.Close(ctx))
}
