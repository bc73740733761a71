package health

import (
	"sync"

	"github.com/technosupport/ts-devicehub/internal/data"
)

const MaxHistoryPerDevice = 200

// HistoryManager keeps the last MaxHistoryPerDevice probe results per device.
type HistoryManager struct {
	mu      sync.Mutex
	limit   int
	entries map[string][]data.ProbeResult
}

func NewHistoryManager(limit int) *HistoryManager {
	if limit <= 0 {
		limit = MaxHistoryPerDevice
	}
	return &HistoryManager{limit: limit, entries: make(map[string][]data.ProbeResult)}
}

// AddEntry appends r and enforces boundedness.
func (h *HistoryManager) AddEntry(r data.ProbeResult) {
	h.mu.Lock()
	defer h.mu.Unlock()

	list := append(h.entries[r.DeviceID], r)
	if over := len(list) - h.limit; over > 0 {
		list = append(list[:0:0], list[over:]...)
	}
	h.entries[r.DeviceID] = list
}

// Get returns the history newest first.
func (h *HistoryManager) Get(deviceID string) []data.ProbeResult {
	h.mu.Lock()
	defer h.mu.Unlock()

	list := h.entries[deviceID]
	out := make([]data.ProbeResult, len(list))
	for i, r := range list {
		out[len(list)-1-i] = r
	}
	return out
}

func (h *HistoryManager) Forget(deviceID string) {
	h.mu.Lock()
	delete(h.entries, deviceID)
	h.mu.Unlock()
}
