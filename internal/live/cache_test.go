package live

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/technosupport/ts-devicehub/internal/data"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return mr, rdb
}

func TestCache_LatestDetection(t *testing.T) {
	mr, rdb := setupTestRedis(t)
	c := NewCache(rdb)
	ctx := context.Background()

	got, err := c.Latest(ctx, "CAM010")
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, c.Deliver(ctx, data.DetectionEvent{ID: 2, DeviceID: "CAM010", EventType: data.EventPersonDetection, Confidence: 0.9}))
	// Out-of-order delivery of an older event is ignored.
	require.NoError(t, c.Deliver(ctx, data.DetectionEvent{ID: 1, DeviceID: "CAM010", EventType: data.EventVehicleDetection, Confidence: 0.5}))

	got, err = c.Latest(ctx, "CAM010")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, int64(2), got.ID)
	assert.Equal(t, data.EventPersonDetection, got.EventType)

	mr.FastForward(DetectionTTL + time.Second)
	got, err = c.Latest(ctx, "CAM010")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestCache_CorruptDetectionDropped(t *testing.T) {
	mr, rdb := setupTestRedis(t)
	c := NewCache(rdb)
	require.NoError(t, mr.Set(detectionKey("CAM010"), "{not json"))

	got, err := c.Latest(context.Background(), "CAM010")
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.False(t, mr.Exists(detectionKey("CAM010")))
}

func TestCache_Frames(t *testing.T) {
	mr, rdb := setupTestRedis(t)
	c := NewCache(rdb)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	_, err := c.GetFrame(ctx, "CAM010", 0)
	assert.ErrorIs(t, err, data.ErrNotFound)

	require.NoError(t, c.PutFrame(ctx, &data.Frame{DeviceID: "CAM010", ContentType: "image/jpeg", Data: []byte{0xff, 0xd8, 0x01}, CapturedAt: at}))
	require.NoError(t, c.PutFrame(ctx, &data.Frame{DeviceID: "CAM010", ContentType: "image/jpeg", Data: []byte{0xff, 0xd8, 0x02}, CapturedAt: at.Add(time.Second)}))

	f, err := c.GetFrame(ctx, "CAM010", at.UnixMilli())
	require.NoError(t, err)
	assert.Equal(t, []byte{0xff, 0xd8, 0x01}, f.Data)
	assert.Equal(t, 3, f.Size)
	assert.True(t, f.CapturedAt.Equal(at))

	latest, err := c.GetFrame(ctx, "CAM010", 0)
	require.NoError(t, err)
	assert.Equal(t, byte(0x02), latest.Data[2])

	_, err = c.GetFrame(ctx, "CAM010", 42)
	assert.ErrorIs(t, err, data.ErrNotFound)

	mr.FastForward(FrameTTL + time.Second)
	_, err = c.GetFrame(ctx, "CAM010", at.UnixMilli())
	assert.ErrorIs(t, err, data.ErrNotFound)
}

func TestCache_Forget(t *testing.T) {
	mr, rdb := setupTestRedis(t)
	c := NewCache(rdb)
	ctx := context.Background()

	require.NoError(t, c.Deliver(ctx, data.DetectionEvent{ID: 1, DeviceID: "CAM010", EventType: data.EventOther}))
	require.NoError(t, c.PutFrame(ctx, &data.Frame{DeviceID: "CAM010", Data: []byte("x")}))
	require.NoError(t, c.Deliver(ctx, data.DetectionEvent{ID: 2, DeviceID: "CAM011", EventType: data.EventOther}))

	require.NoError(t, c.Forget(ctx, "CAM010"))

	for _, k := range mr.Keys() {
		assert.NotContains(t, k, "CAM010")
	}
	got, err := c.Latest(ctx, "CAM011")
	require.NoError(t, err)
	assert.NotNil(t, got)
}
