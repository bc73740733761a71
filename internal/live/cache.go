// Package live keeps short-lived per-device state in Redis: the newest
// detection and recently captured frames.
package live

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/technosupport/ts-devicehub/internal/data"
	"github.com/technosupport/ts-devicehub/internal/logging"
)

const (
	DetectionTTL = 24 * time.Hour
	FrameTTL     = 5 * time.Minute
)

func detectionKey(deviceID string) string {
	return fmt.Sprintf("live:detection:%s", deviceID)
}

func frameKey(deviceID string, ts int64) string {
	return fmt.Sprintf("live:frame:%s:%d", deviceID, ts)
}

func latestFrameKey(deviceID string) string {
	return fmt.Sprintf("live:frame:%s:latest", deviceID)
}

type Cache struct {
	Redis        *redis.Client
	DetectionTTL time.Duration
	FrameTTL     time.Duration
	log          zerolog.Logger
}

func NewCache(r *redis.Client) *Cache {
	return &Cache{
		Redis:        r,
		DetectionTTL: DetectionTTL,
		FrameTTL:     FrameTTL,
		log:          logging.Component("live"),
	}
}

func (c *Cache) Name() string { return "redis" }

// Deliver stores ev as the device's newest detection. An older event never
// replaces a newer one.
func (c *Cache) Deliver(ctx context.Context, ev data.DetectionEvent) error {
	cur, err := c.Latest(ctx, ev.DeviceID)
	if err != nil {
		return err
	}
	if cur != nil && cur.ID > ev.ID {
		return nil
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal detection: %w", err)
	}
	if err := c.Redis.Set(ctx, detectionKey(ev.DeviceID), payload, c.DetectionTTL).Err(); err != nil {
		return fmt.Errorf("cache detection: %w", err)
	}
	return nil
}

// Latest returns the newest cached detection, or nil if none is cached.
func (c *Cache) Latest(ctx context.Context, deviceID string) (*data.DetectionEvent, error) {
	raw, err := c.Redis.Get(ctx, detectionKey(deviceID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read detection: %w", err)
	}

	var ev data.DetectionEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		c.log.Warn().Err(err).Str("device_id", deviceID).Msg("Dropping corrupt cached detection")
		c.Redis.Del(ctx, detectionKey(deviceID))
		return nil, nil
	}
	return &ev, nil
}

// PutFrame caches f under its capture time (unix ms) and marks it latest.
func (c *Cache) PutFrame(ctx context.Context, f *data.Frame) error {
	if f.CapturedAt.IsZero() {
		f.CapturedAt = time.Now().UTC()
	}
	ts := f.CapturedAt.UnixMilli()
	key := frameKey(f.DeviceID, ts)

	pipe := c.Redis.TxPipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"content_type": f.ContentType,
		"data":         f.Data,
	})
	pipe.Expire(ctx, key, c.FrameTTL)
	pipe.Set(ctx, latestFrameKey(f.DeviceID), ts, c.FrameTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cache frame: %w", err)
	}
	return nil
}

// GetFrame loads the frame captured at ts (unix ms). ts <= 0 selects the
// newest frame.
func (c *Cache) GetFrame(ctx context.Context, deviceID string, ts int64) (*data.Frame, error) {
	notFound := &data.NotFoundError{Kind: "snapshot", ID: fmt.Sprintf("%s@%d", deviceID, ts)}
	if ts <= 0 {
		latest, err := c.Redis.Get(ctx, latestFrameKey(deviceID)).Result()
		if errors.Is(err, redis.Nil) {
			return nil, notFound
		}
		if err != nil {
			return nil, fmt.Errorf("read latest frame: %w", err)
		}
		ts, err = strconv.ParseInt(latest, 10, 64)
		if err != nil {
			return nil, notFound
		}
	}

	vals, err := c.Redis.HGetAll(ctx, frameKey(deviceID, ts)).Result()
	if err != nil {
		return nil, fmt.Errorf("read frame: %w", err)
	}
	if len(vals) == 0 {
		return nil, notFound
	}
	body := []byte(vals["data"])
	return &data.Frame{
		DeviceID:    deviceID,
		ContentType: vals["content_type"],
		Data:        body,
		Size:        len(body),
		CapturedAt:  time.UnixMilli(ts).UTC(),
	}, nil
}

// Forget drops everything cached for a removed device.
func (c *Cache) Forget(ctx context.Context, deviceID string) error {
	keys := []string{detectionKey(deviceID), latestFrameKey(deviceID)}
	iter := c.Redis.Scan(ctx, 0, fmt.Sprintf("live:frame:%s:*", deviceID), 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scan frames: %w", err)
	}
	return c.Redis.Del(ctx, keys...).Err()
}
