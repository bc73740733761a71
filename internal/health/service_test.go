package health

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/technosupport/ts-devicehub/internal/adapters/adaptertest"
	"github.com/technosupport/ts-devicehub/internal/data"
	"github.com/technosupport/ts-devicehub/internal/devices"
)

// MockProber
type MockProber struct {
	mock.Mock
}

func (m *MockProber) Probe(ctx context.Context, dev data.Device) data.DeviceStatus {
	return m.Called(ctx, dev.DeviceID).Get(0).(data.DeviceStatus)
}

func newRegistry(t *testing.T, ids ...string) *devices.Registry {
	t.Helper()
	r := devices.NewRegistry(nil)
	for _, id := range ids {
		_, err := r.AddDevice(context.Background(), data.Device{DeviceID: id, Name: id, IPAddress: "10.0.0.1"})
		require.NoError(t, err)
	}
	return r
}

func TestService_PerformCheck(t *testing.T) {
	reg := newRegistry(t, "CAM010")
	prober := new(MockProber)
	svc := NewService(reg, prober)

	prober.On("Probe", mock.Anything, "CAM010").Return(data.StatusOffline).Twice()
	prober.On("Probe", mock.Anything, "CAM010").Return(data.StatusOnline).Once()

	for i := 0; i < 2; i++ {
		r, err := svc.PerformCheck(context.Background(), "CAM010")
		require.NoError(t, err)
		assert.Equal(t, data.StatusOffline, r.Status)
	}

	targets := svc.ListTargets()
	require.Len(t, targets, 1)
	assert.Equal(t, 2, targets[0].ConsecutiveFailures)
	assert.Nil(t, targets[0].LastSuccessAt)

	r, err := svc.PerformCheck(context.Background(), "CAM010")
	require.NoError(t, err)
	assert.Equal(t, data.StatusOnline, r.Status)

	dev, _ := reg.Get("CAM010")
	assert.Equal(t, data.StatusOnline, dev.Status)
	require.NotNil(t, dev.LastSeen)

	targets = svc.ListTargets()
	assert.Zero(t, targets[0].ConsecutiveFailures)
	assert.NotNil(t, targets[0].LastSuccessAt)

	hist, err := svc.GetHistory("CAM010")
	require.NoError(t, err)
	require.Len(t, hist, 3)
	assert.Equal(t, data.StatusOnline, hist[0].Status, "newest first")

	prober.AssertExpectations(t)
}

func TestService_PerformCheckUnknown(t *testing.T) {
	svc := NewService(newRegistry(t), new(MockProber))

	_, err := svc.PerformCheck(context.Background(), "ghost")
	assert.ErrorIs(t, err, data.ErrNotFound)

	_, err = svc.GetHistory("ghost")
	assert.ErrorIs(t, err, data.ErrNotFound)
}

func TestService_ErrorStatusRecorded(t *testing.T) {
	reg := newRegistry(t, "CAM010")
	fake := adaptertest.New(data.ProtocolRTSP)
	fake.SetProbe("CAM010", data.StatusError)
	svc := NewService(reg, fake)

	_, err := svc.ManualCheck(context.Background(), "CAM010")
	require.NoError(t, err)

	dev, _ := reg.Get("CAM010")
	assert.Equal(t, data.StatusError, dev.Status)
	assert.Equal(t, 1, fake.Probes("CAM010"))
}

func TestHistory_Bounded(t *testing.T) {
	h := NewHistoryManager(MaxHistoryPerDevice)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < MaxHistoryPerDevice+50; i++ {
		h.AddEntry(data.ProbeResult{DeviceID: "CAM010", OccurredAt: base.Add(time.Duration(i) * time.Second), Status: data.StatusOnline})
	}

	got := h.Get("CAM010")
	require.Len(t, got, MaxHistoryPerDevice)
	assert.Equal(t, base.Add(249*time.Second), got[0].OccurredAt)
	assert.Equal(t, base.Add(50*time.Second), got[len(got)-1].OccurredAt)

	h.Forget("CAM010")
	assert.Empty(t, h.Get("CAM010"))
}

func TestService_RemovedDuringProbeLeavesNoState(t *testing.T) {
	reg := newRegistry(t, "CAM010")
	prober := new(MockProber)
	svc := NewService(reg, prober)
	reg.OnRemove(svc.Forget)

	prober.On("Probe", mock.Anything, "CAM010").Run(func(mock.Arguments) {
		require.NoError(t, reg.RemoveDevice(context.Background(), "CAM010"))
	}).Return(data.StatusOnline).Once()

	_, err := svc.PerformCheck(context.Background(), "CAM010")
	assert.ErrorIs(t, err, data.ErrNotFound)

	svc.mu.Lock()
	_, tracked := svc.state["CAM010"]
	svc.mu.Unlock()
	assert.False(t, tracked)
	assert.Empty(t, svc.History.Get("CAM010"))
	prober.AssertExpectations(t)
}
