package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/technosupport/ts-devicehub/internal/data"
)

type knownSet map[string]bool

func (k knownSet) Known(id string) bool { return k[id] }

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type captureSink struct {
	name string
	err  error
	got  []data.DetectionEvent
}

func (c *captureSink) Name() string { return c.name }

func (c *captureSink) Deliver(_ context.Context, e data.DetectionEvent) error {
	c.got = append(c.got, e)
	return c.err
}

type failingLog struct{ *MemoryLog }

func (failingLog) Append(context.Context, *data.DetectionEvent) error {
	return errors.New("disk full")
}

func newTestService(clock *fakeClock) *Service {
	return newService(NewMemoryLog(0), knownSet{"CAM010": true, "CAM011": true}, Options{ExtraTypes: []string{"fire_detection"}}, clock.Now)
}

func event(device string, t data.EventType, conf float64) data.DetectionEvent {
	return data.DetectionEvent{DeviceID: device, EventType: t, Confidence: conf}
}

func TestIngest_ConfidenceBounds(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 5, 1, 12, 30, 0, 0, time.UTC)}
	svc := newTestService(clock)
	ctx := context.Background()

	for _, c := range []float64{0.0, 1.0, 0.5} {
		_, err := svc.Ingest(ctx, event("CAM010", data.EventPersonDetection, c))
		assert.NoError(t, err, "confidence %v", c)
	}
	for _, c := range []float64{1.5, -0.1} {
		_, err := svc.Ingest(ctx, event("CAM010", data.EventPersonDetection, c))
		assert.ErrorIs(t, err, data.ErrValidation, "confidence %v", c)
	}
	assert.Equal(t, 3, svc.Statistics(time.Hour).Total)
}

func TestIngest_Validation(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 5, 1, 12, 30, 0, 0, time.UTC)}
	svc := newTestService(clock)

	cases := map[string]data.DetectionEvent{
		"device_id":  event("", data.EventPersonDetection, 0.5),
		"event_type": event("CAM010", "unicorn_detection", 0.5),
		"bbox": {
			DeviceID: "CAM010", EventType: data.EventOther, Confidence: 0.5,
			BBox: &data.BBox{X: -1, Y: 0, Width: 10, Height: 10},
		},
		"metadata": {
			DeviceID: "CAM010", EventType: data.EventOther, Confidence: 0.5,
			Metadata: json.RawMessage(`[1,2]`),
		},
		"created_at": {
			DeviceID: "CAM010", EventType: data.EventOther, Confidence: 0.5,
			CreatedAt: clock.Now().Add(time.Hour),
		},
	}

	for field, e := range cases {
		t.Run(field, func(t *testing.T) {
			_, err := svc.Ingest(context.Background(), e)
			var ve *data.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, field, ve.Field)
		})
	}

	_, err := svc.Ingest(context.Background(), event("CAM999", data.EventOther, 0.5))
	assert.ErrorIs(t, err, data.ErrValidation)

	_, err = svc.Ingest(context.Background(), event("CAM011", "fire_detection", 0.5))
	assert.NoError(t, err, "configured extra types are accepted")
}

func TestIngest_AssignsMonotonicIDs(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 5, 1, 12, 30, 0, 0, time.UTC)}
	svc := newTestService(clock)

	var last int64
	for i := 0; i < 5; i++ {
		e, err := svc.Ingest(context.Background(), data.DetectionEvent{
			ID: 999, DeviceID: "CAM010", EventType: data.EventOther, Confidence: 0.1,
		})
		require.NoError(t, err)
		assert.Greater(t, e.ID, last)
		assert.Equal(t, clock.Now(), e.CreatedAt)
		last = e.ID
	}
}

func TestIngest_DedupBySourceID(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 5, 1, 12, 30, 0, 0, time.UTC)}
	svc := newTestService(clock)

	e := event("CAM010", data.EventPersonDetection, 0.9)
	e.SourceEventID = "nvr-1:42"

	_, err := svc.Ingest(context.Background(), e)
	require.NoError(t, err)

	_, err = svc.Ingest(context.Background(), e)
	assert.ErrorIs(t, err, data.ErrConflict)

	clock.Advance(11 * time.Minute)
	_, err = svc.Ingest(context.Background(), e)
	assert.NoError(t, err, "mark expires after the ttl")
}

func TestIngest_FailedAppendReleasesDedupMark(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 5, 1, 12, 30, 0, 0, time.UTC)}
	svc := newService(failingLog{NewMemoryLog(0)}, knownSet{"CAM010": true}, Options{}, clock.Now)

	e := event("CAM010", data.EventPersonDetection, 0.9)
	e.SourceEventID = "src-1"

	_, err := svc.Ingest(context.Background(), e)
	require.Error(t, err)
	assert.Zero(t, svc.Statistics(0).Total)

	svc.log = NewMemoryLog(0)
	_, err = svc.Ingest(context.Background(), e)
	assert.NoError(t, err)
}

func TestIngest_FanoutFailureDoesNotFail(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 5, 1, 12, 30, 0, 0, time.UTC)}
	svc := newTestService(clock)
	ok := &captureSink{name: "ok"}
	bad := &captureSink{name: "bad", err: errors.New("nats down")}
	svc.AddSink(bad)
	svc.AddSink(ok)

	stored, err := svc.Ingest(context.Background(), event("CAM010", data.EventVehicleDetection, 0.7))
	require.NoError(t, err)
	require.Len(t, ok.got, 1)
	assert.Equal(t, stored.ID, ok.got[0].ID)
	assert.Len(t, bad.got, 1)
}

func TestStatistics_OrderIndependent(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 5, 1, 12, 30, 0, 0, time.UTC)}
	orders := [][]data.EventType{
		{data.EventPersonDetection, data.EventPersonDetection, data.EventPersonDetection, data.EventVehicleDetection, data.EventVehicleDetection},
		{data.EventVehicleDetection, data.EventPersonDetection, data.EventVehicleDetection, data.EventPersonDetection, data.EventPersonDetection},
	}

	for _, order := range orders {
		svc := newTestService(clock)
		for _, typ := range order {
			_, err := svc.Ingest(context.Background(), event("CAM010", typ, 0.8))
			require.NoError(t, err)
		}
		st := svc.Statistics(24 * time.Hour)
		assert.Equal(t, map[data.EventType]int{data.EventPersonDetection: 3, data.EventVehicleDetection: 2}, st.ByType)
		assert.Equal(t, 5, st.Total)
		assert.Equal(t, 5, st.Today)
	}
}

func TestStatistics_WindowAndRetention(t *testing.T) {
	now := time.Date(2026, 5, 8, 12, 30, 0, 0, time.UTC)
	clock := &fakeClock{t: now}
	svc := newTestService(clock)
	ctx := context.Background()

	at := func(ago time.Duration) data.DetectionEvent {
		e := event("CAM010", data.EventPersonDetection, 0.5)
		e.CreatedAt = now.Add(-ago)
		return e
	}
	for _, ago := range []time.Duration{0, 2 * time.Hour, 30 * time.Hour, 6 * 24 * time.Hour, 8 * 24 * time.Hour} {
		_, err := svc.Ingest(ctx, at(ago))
		require.NoError(t, err)
	}

	assert.Equal(t, 1, svc.Statistics(time.Hour).Total)
	assert.Equal(t, 2, svc.Statistics(3*time.Hour).Total)
	assert.Equal(t, 3, svc.Statistics(48*time.Hour).Total)
	assert.Equal(t, 4, svc.Statistics(0).Total, "beyond-horizon events are not counted")
	assert.Equal(t, 4, svc.Statistics(30*24*time.Hour).Total, "window is clamped to retention")

	st := svc.Statistics(3 * time.Hour)
	require.Len(t, st.ByHour, 3)
	assert.Equal(t, 1, st.ByHour[0].Count)
	assert.Equal(t, 0, st.ByHour[1].Count)
	assert.Equal(t, 1, st.ByHour[2].Count)
	assert.Equal(t, 2, st.Today)

	// A week later the ring has rolled past everything.
	clock.Advance(8 * 24 * time.Hour)
	assert.Zero(t, svc.Statistics(0).Total)
}

func TestWarm_ReplaysLog(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 5, 1, 12, 30, 0, 0, time.UTC)}
	log := NewMemoryLog(0)
	for _, typ := range []data.EventType{data.EventPersonDetection, data.EventFaceRecognition} {
		e := event("CAM010", typ, 0.5)
		e.CreatedAt = clock.Now().Add(-time.Hour)
		require.NoError(t, log.Append(context.Background(), &e))
	}

	svc := newService(log, knownSet{"CAM010": true}, Options{}, clock.Now)
	require.NoError(t, svc.Warm(context.Background()))

	st := svc.Statistics(0)
	assert.Equal(t, 2, st.Total)
	assert.Equal(t, 1, st.ByType[data.EventFaceRecognition])
}

func TestQuery_CursorPaging(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 5, 1, 12, 30, 0, 0, time.UTC)}
	svc := newTestService(clock)
	ctx := context.Background()

	for i := 0; i < 7; i++ {
		dev := "CAM010"
		if i%2 == 1 {
			dev = "CAM011"
		}
		_, err := svc.Ingest(ctx, event(dev, data.EventPersonDetection, 0.5))
		require.NoError(t, err)
	}

	page, err := svc.Query(ctx, data.EventFilter{}, 0, 3)
	require.NoError(t, err)
	require.Len(t, page.Events, 3)
	assert.Equal(t, []int64{7, 6, 5}, ids(page.Events))
	assert.Equal(t, int64(5), page.NextCursor)

	page, err = svc.Query(ctx, data.EventFilter{}, page.NextCursor, 3)
	require.NoError(t, err)
	assert.Equal(t, []int64{4, 3, 2}, ids(page.Events))

	page, err = svc.Query(ctx, data.EventFilter{}, page.NextCursor, 3)
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, ids(page.Events))
	assert.Zero(t, page.NextCursor)

	page, err = svc.Query(ctx, data.EventFilter{DeviceID: "CAM011"}, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{6, 4, 2}, ids(page.Events))

	_, err = svc.Query(ctx, data.EventFilter{}, -1, 3)
	assert.ErrorIs(t, err, data.ErrValidation)
}

func TestQuery_CursorStableUnderIngest(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 5, 1, 12, 30, 0, 0, time.UTC)}
	svc := newTestService(clock)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := svc.Ingest(ctx, event("CAM010", data.EventOther, 0.5))
		require.NoError(t, err)
	}
	page, err := svc.Query(ctx, data.EventFilter{}, 0, 2)
	require.NoError(t, err)

	_, err = svc.Ingest(ctx, event("CAM010", data.EventOther, 0.5))
	require.NoError(t, err)

	next, err := svc.Query(ctx, data.EventFilter{}, page.NextCursor, 2)
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 1}, ids(next.Events), "new events do not shift older pages")
}

func TestIterate(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 5, 1, 12, 30, 0, 0, time.UTC)}
	svc := newTestService(clock)
	for i := 0; i < 5; i++ {
		_, err := svc.Ingest(context.Background(), event("CAM010", data.EventOther, 0.5))
		require.NoError(t, err)
	}

	var got []int64
	for e, err := range svc.Iterate(context.Background(), data.EventFilter{}, 2) {
		require.NoError(t, err)
		got = append(got, e.ID)
	}
	assert.Equal(t, []int64{5, 4, 3, 2, 1}, got)

	got = got[:0]
	for e := range svc.Iterate(context.Background(), data.EventFilter{}, 2) {
		got = append(got, e.ID)
		if len(got) == 3 {
			break
		}
	}
	assert.Equal(t, []int64{5, 4, 3}, got)
}

func TestMemoryLog_Retention(t *testing.T) {
	log := NewMemoryLog(10)
	for i := 0; i < 25; i++ {
		e := data.DetectionEvent{DeviceID: "CAM010", EventType: data.EventOther, CreatedAt: time.Now()}
		require.NoError(t, log.Append(context.Background(), &e))
	}
	assert.Equal(t, 10, log.Len())

	page, err := log.Query(context.Background(), data.EventFilter{}, 0, 50)
	require.NoError(t, err)
	require.Len(t, page.Events, 10)
	assert.Equal(t, int64(25), page.Events[0].ID)
	assert.Equal(t, int64(16), page.Events[9].ID)
}

func ids(es []data.DetectionEvent) []int64 {
	out := make([]int64, 0, len(es))
	for _, e := range es {
		out = append(out, e.ID)
	}
	return out
}

func TestKnownTypes_Sorted(t *testing.T) {
	svc := newTestService(&fakeClock{t: time.Now()})

	want := []data.EventType{
		"face_recognition",
		"fire_detection",
		"intrusion_detection",
		"other",
		"person_detection",
		"vehicle_detection",
	}
	for i := 0; i < 5; i++ {
		assert.Equal(t, want, svc.KnownTypes())
	}
}
