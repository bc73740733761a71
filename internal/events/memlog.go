package events

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/technosupport/ts-devicehub/internal/data"
)

// Log is the append-only event store. data.EventModel implements it for
// Postgres; MemoryLog keeps a bounded window in process.
type Log interface {
	Append(ctx context.Context, e *data.DetectionEvent) error
	Query(ctx context.Context, filter data.EventFilter, cursor int64, limit int) (data.EventPage, error)
	ScanSince(ctx context.Context, since time.Time, fn func(*data.DetectionEvent)) error
}

const DefaultMemoryRetention = 100000

// MemoryLog holds events in id order and drops the oldest past maxEvents.
type MemoryLog struct {
	mu        sync.RWMutex
	events    []data.DetectionEvent
	nextID    int64
	maxEvents int
}

func NewMemoryLog(maxEvents int) *MemoryLog {
	if maxEvents <= 0 {
		maxEvents = DefaultMemoryRetention
	}
	return &MemoryLog{nextID: 1, maxEvents: maxEvents}
}

func (l *MemoryLog) Append(_ context.Context, e *data.DetectionEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	e.ID = l.nextID
	l.nextID++
	l.events = append(l.events, *e)

	// Trim in chunks so the backing array is not copied on every append.
	if over := len(l.events) - l.maxEvents; over > 0 && over >= l.maxEvents/10+1 {
		l.events = append([]data.DetectionEvent(nil), l.events[over:]...)
	}
	return nil
}

func (l *MemoryLog) Query(_ context.Context, filter data.EventFilter, cursor int64, limit int) (data.EventPage, error) {
	limit = data.ClampPageSize(limit)

	l.mu.RLock()
	defer l.mu.RUnlock()

	// Index of the first event with id >= cursor; everything before it is older.
	end := len(l.events)
	if cursor > 0 {
		end = sort.Search(len(l.events), func(i int) bool { return l.events[i].ID >= cursor })
	}
	floor := l.floor()

	page := data.EventPage{Events: make([]data.DetectionEvent, 0, limit)}
	for i := end - 1; i >= floor; i-- {
		e := l.events[i]
		if !filter.Match(&e) {
			continue
		}
		if len(page.Events) == limit {
			page.NextCursor = page.Events[limit-1].ID
			break
		}
		page.Events = append(page.Events, e)
	}
	return page, nil
}

func (l *MemoryLog) ScanSince(_ context.Context, since time.Time, fn func(*data.DetectionEvent)) error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	for i := l.floor(); i < len(l.events); i++ {
		e := l.events[i]
		if !e.CreatedAt.Before(since) {
			fn(&e)
		}
	}
	return nil
}

func (l *MemoryLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.events) - l.floor()
}

// floor is the first retained index; events below it await the next trim.
func (l *MemoryLog) floor() int {
	if over := len(l.events) - l.maxEvents; over > 0 {
		return over
	}
	return 0
}
