package events

import (
	"sync"
	"time"

	"github.com/technosupport/ts-devicehub/internal/data"
)

const DefaultRetention = 7 * 24 * time.Hour

type bucket struct {
	hour   int64 // unix hour; zero means unused
	total  int
	byType map[data.EventType]int
}

// Aggregator keeps hourly counts in a ring covering the retention horizon.
// Add is O(1); a read walks at most one slot per retained hour.
type Aggregator struct {
	mu      sync.Mutex
	ring    []bucket
	horizon time.Duration
	now     func() time.Time
}

func NewAggregator(retention time.Duration, now func() time.Time) *Aggregator {
	if retention < time.Hour {
		retention = DefaultRetention
	}
	if now == nil {
		now = time.Now
	}
	hours := int(retention / time.Hour)
	return &Aggregator{
		ring:    make([]bucket, hours+1),
		horizon: time.Duration(hours) * time.Hour,
		now:     now,
	}
}

func (a *Aggregator) Retention() time.Duration { return a.horizon }

func unixHour(t time.Time) int64 {
	return t.Unix() / 3600
}

// Add counts one event. Events older than the horizon are ignored; future
// timestamps count toward the current hour.
func (a *Aggregator) Add(t data.EventType, at time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()

	nowH := unixHour(a.now())
	h := unixHour(at)
	if h > nowH {
		h = nowH
	}
	if h <= nowH-int64(len(a.ring)) {
		return
	}

	b := &a.ring[h%int64(len(a.ring))]
	if b.hour != h {
		*b = bucket{hour: h, byType: make(map[data.EventType]int)}
	}
	b.total++
	b.byType[t]++
}

// Stats sums the buckets overlapping the last window, clamped to the horizon.
func (a *Aggregator) Stats(window time.Duration) data.EventStats {
	if window <= 0 || window > a.horizon {
		window = a.horizon
	}

	now := a.now().UTC()
	nowH := unixHour(now)
	span := int64((window + time.Hour - 1) / time.Hour)
	fromH := nowH - span + 1
	midnightH := unixHour(time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC))

	out := data.EventStats{
		From:   time.Unix(fromH*3600, 0).UTC(),
		To:     now,
		ByType: make(map[data.EventType]int),
		ByHour: make([]data.HourCount, 0, span),
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	for h := fromH; h <= nowH; h++ {
		b := a.ring[h%int64(len(a.ring))]
		count := 0
		if b.hour == h {
			count = b.total
			for t, n := range b.byType {
				out.ByType[t] += n
			}
		}
		out.ByHour = append(out.ByHour, data.HourCount{Hour: time.Unix(h*3600, 0).UTC(), Count: count})
		out.Total += count
	}

	for h := midnightH; h <= nowH; h++ {
		if b := a.ring[h%int64(len(a.ring))]; b.hour == h {
			out.Today += b.total
		}
	}
	return out
}
