// Package adaptertest provides an in-memory adapters.Adapter for tests of
// the layers above the protocol adapters.
package adaptertest

import (
	"context"
	"sync"
	"time"

	"github.com/technosupport/ts-devicehub/internal/adapters"
	"github.com/technosupport/ts-devicehub/internal/data"
)

// Handle is a fake live session. Fail simulates stream loss.
type Handle struct {
	ID    string
	Proto data.Protocol

	done chan struct{}
	once sync.Once
	mu   sync.Mutex
	err  error
}

func NewHandle(id string, p data.Protocol) *Handle {
	return &Handle{ID: id, Proto: p, done: make(chan struct{})}
}

func (h *Handle) DeviceID() string        { return h.ID }
func (h *Handle) Protocol() data.Protocol { return h.Proto }
func (h *Handle) StreamURL() string       { return "rtsp://fake/" + h.ID }
func (h *Handle) Done() <-chan struct{}   { return h.done }

func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

func (h *Handle) Fail(err error) { h.end(err) }

func (h *Handle) end(err error) {
	h.once.Do(func() {
		h.mu.Lock()
		h.err = err
		h.mu.Unlock()
		close(h.done)
	})
}

// Fake records calls and lets tests script Connect and Probe outcomes.
type Fake struct {
	Proto data.Protocol

	mu sync.Mutex
	// ConnectFunc overrides the default instant success.
	ConnectFunc func(ctx context.Context, dev data.Device) (adapters.Handle, error)
	// ProbeStatus per device id; missing ids probe online.
	ProbeStatus map[string]data.DeviceStatus
	// DisconnectFunc runs before the handle is closed, e.g. to stall.
	DisconnectFunc func(ctx context.Context, h adapters.Handle) error
	// CaptureErr, when set, fails every Capture.
	CaptureErr error

	connects    map[string]int
	disconnects map[string]int
	probes      map[string]int
	handles     map[string]*Handle
}

func New(p data.Protocol) *Fake {
	return &Fake{
		Proto:       p,
		ProbeStatus: map[string]data.DeviceStatus{},
		connects:    map[string]int{},
		disconnects: map[string]int{},
		probes:      map[string]int{},
		handles:     map[string]*Handle{},
	}
}

func (f *Fake) Protocol() data.Protocol { return f.Proto }

func (f *Fake) Connect(ctx context.Context, dev data.Device) (adapters.Handle, error) {
	f.mu.Lock()
	f.connects[dev.DeviceID]++
	fn := f.ConnectFunc
	f.mu.Unlock()

	if fn != nil {
		h, err := fn(ctx, dev)
		if fh, ok := h.(*Handle); ok && err == nil {
			f.mu.Lock()
			f.handles[dev.DeviceID] = fh
			f.mu.Unlock()
		}
		return h, err
	}

	h := NewHandle(dev.DeviceID, dev.Protocol)
	f.mu.Lock()
	f.handles[dev.DeviceID] = h
	f.mu.Unlock()
	return h, nil
}

func (f *Fake) Disconnect(ctx context.Context, h adapters.Handle) error {
	f.mu.Lock()
	f.disconnects[h.DeviceID()]++
	fn := f.DisconnectFunc
	f.mu.Unlock()

	var err error
	if fn != nil {
		err = fn(ctx, h)
	}
	if fh, ok := h.(*Handle); ok {
		fh.end(nil)
	}
	return err
}

func (f *Fake) Probe(ctx context.Context, dev data.Device) data.DeviceStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probes[dev.DeviceID]++
	if s, ok := f.ProbeStatus[dev.DeviceID]; ok {
		return s
	}
	return data.StatusOnline
}

func (f *Fake) Capture(ctx context.Context, h adapters.Handle) (*data.Frame, error) {
	f.mu.Lock()
	err := f.CaptureErr
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	payload := []byte("frame-" + h.DeviceID())
	return &data.Frame{
		DeviceID:    h.DeviceID(),
		ContentType: "image/jpeg",
		Data:        payload,
		Size:        len(payload),
		CapturedAt:  time.Now().UTC(),
	}, nil
}

func (f *Fake) SetProbe(id string, s data.DeviceStatus) {
	f.mu.Lock()
	f.ProbeStatus[id] = s
	f.mu.Unlock()
}

func (f *Fake) SetConnect(fn func(ctx context.Context, dev data.Device) (adapters.Handle, error)) {
	f.mu.Lock()
	f.ConnectFunc = fn
	f.mu.Unlock()
}

func (f *Fake) SetDisconnect(fn func(ctx context.Context, h adapters.Handle) error) {
	f.mu.Lock()
	f.DisconnectFunc = fn
	f.mu.Unlock()
}

func (f *Fake) Connects(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects[id]
}

func (f *Fake) Disconnects(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disconnects[id]
}

func (f *Fake) Probes(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.probes[id]
}

// LastHandle returns the newest handle handed out for id.
func (f *Fake) LastHandle(id string) *Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handles[id]
}
