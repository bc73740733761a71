package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/technosupport/ts-devicehub/internal/adapters/adaptertest"
	"github.com/technosupport/ts-devicehub/internal/data"
)

func TestScheduler_Serve(t *testing.T) {
	reg := newRegistry(t, "CAM010", "CAM011")
	fake := adaptertest.New(data.ProtocolRTSP)
	fake.SetProbe("CAM011", data.StatusOffline)
	svc := NewService(reg, fake)

	scheduler := NewScheduler(SchedulerConfig{Interval: 50 * time.Millisecond, WorkerPoolSize: 2}, svc)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- scheduler.Serve(ctx) }()

	require.Eventually(t, func() bool {
		d, _ := reg.Get("CAM010")
		return d.Status == data.StatusOnline && fake.Probes("CAM011") >= 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}

	d, _ := reg.Get("CAM011")
	assert.Equal(t, data.StatusOffline, d.Status)
}

func TestScheduler_Backoff(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s := NewScheduler(SchedulerConfig{Interval: 30 * time.Second}, nil)
	s.now = func() time.Time { return now }

	// Online devices are never skipped.
	assert.False(t, s.shouldSkip(data.ProbeState{Status: data.StatusOnline, LastCheckedAt: now}))
	// Never checked.
	assert.False(t, s.shouldSkip(data.ProbeState{Status: data.StatusOffline, ConsecutiveFailures: 3}))

	// One failure waits two intervals.
	one := data.ProbeState{Status: data.StatusOffline, ConsecutiveFailures: 1}
	one.LastCheckedAt = now.Add(-30 * time.Second)
	assert.True(t, s.shouldSkip(one))
	one.LastCheckedAt = now.Add(-60 * time.Second)
	assert.False(t, s.shouldSkip(one))

	assert.Equal(t, 60*time.Second, s.backoff(1))
	assert.Equal(t, 120*time.Second, s.backoff(2))
	assert.Equal(t, 240*time.Second, s.backoff(3))
	assert.Equal(t, 300*time.Second, s.backoff(4), "capped at ten intervals")
	assert.Equal(t, 300*time.Second, s.backoff(50))
}

func TestScheduler_SetInterval(t *testing.T) {
	s := NewScheduler(SchedulerConfig{Interval: time.Minute}, nil)
	s.SetInterval(10 * time.Second)
	assert.Equal(t, 10*time.Second, s.Interval())

	s.SetInterval(0)
	assert.Equal(t, 10*time.Second, s.Interval())
}
