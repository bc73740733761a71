package devices

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/technosupport/ts-devicehub/internal/data"
	"github.com/technosupport/ts-devicehub/internal/keylock"
	"github.com/technosupport/ts-devicehub/internal/logging"
	"github.com/technosupport/ts-devicehub/internal/metrics"
)

// Store is the durable side of the registry. data.DeviceModel implements it.
type Store interface {
	Insert(ctx context.Context, d *data.Device) error
	Update(ctx context.Context, d *data.Device) error
	UpdateStatus(ctx context.Context, id string, status data.DeviceStatus, at time.Time) error
	Delete(ctx context.Context, id string) error
	LoadAll(ctx context.Context) ([]data.Device, []string, error)
}

// StatusChange is delivered to listeners after a status transition commits.
type StatusChange struct {
	DeviceID string            `json:"device_id"`
	From     data.DeviceStatus `json:"from"`
	To       data.DeviceStatus `json:"to"`
	At       time.Time         `json:"at"`
}

// Registry is the authoritative device inventory. Writers serialize per
// device through the shared keylock; readers load immutable snapshots.
type Registry struct {
	locks   *keylock.Map
	devices sync.Map // device_id -> *data.Device
	removed sync.Map // device_id -> time.Time
	store   Store

	countMu sync.Mutex
	counts  data.DeviceCounts

	hookMu    sync.RWMutex
	onRemove  []func(id string)
	listeners []func(StatusChange)

	now func() time.Time
	log zerolog.Logger
}

type Option func(*Registry)

// WithStore enables write-through persistence.
func WithStore(s Store) Option {
	return func(r *Registry) { r.store = s }
}

func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

func NewRegistry(locks *keylock.Map, opts ...Option) *Registry {
	if locks == nil {
		locks = keylock.New()
	}
	r := &Registry{
		locks: locks,
		now:   time.Now,
		log:   logging.Component("devices"),
	}
	for _, o := range opts {
		o(r)
	}
	r.publishCounts()
	return r
}

// Locks exposes the per-device lock map so the session manager shares it.
func (r *Registry) Locks() *keylock.Map { return r.locks }

// OnRemove registers a hook run after a device is removed, outside its lock.
func (r *Registry) OnRemove(fn func(id string)) {
	r.hookMu.Lock()
	r.onRemove = append(r.onRemove, fn)
	r.hookMu.Unlock()
}

// OnStatusChange registers a listener for committed status transitions.
func (r *Registry) OnStatusChange(fn func(StatusChange)) {
	r.hookMu.Lock()
	r.listeners = append(r.listeners, fn)
	r.hookMu.Unlock()
}

// Load rehydrates the registry from the store. It is a no-op without one.
func (r *Registry) Load(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	live, removed, err := r.store.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("load devices: %w", err)
	}
	for i := range live {
		d := live[i]
		if !d.Status.Valid() {
			d.Status = data.StatusOffline
		}
		r.devices.Store(d.DeviceID, &d)
	}
	for _, id := range removed {
		r.removed.Store(id, r.now())
	}
	r.recount()
	r.log.Info().Int("devices", len(live)).Int("removed", len(removed)).Msg("Registry loaded")
	return nil
}

// AddDevice validates cfg, assigns an id when absent and stores the
// device offline.
func (r *Registry) AddDevice(ctx context.Context, cfg data.Device) (data.Device, error) {
	normalize(&cfg)
	if err := Validate(cfg); err != nil {
		return data.Device{}, err
	}
	if cfg.DeviceID == "" {
		cfg.DeviceID = uuid.NewString()
	}

	unlock := r.locks.Lock(cfg.DeviceID)
	defer unlock()

	if _, ok := r.devices.Load(cfg.DeviceID); ok {
		return data.Device{}, &data.ConflictError{Kind: "device", ID: cfg.DeviceID}
	}

	now := r.now().UTC()
	d := cfg
	d.Status = data.StatusOffline
	d.LastSeen = nil
	d.CreatedAt = now
	d.UpdatedAt = now

	if r.store != nil {
		if err := r.store.Insert(ctx, &d); err != nil {
			return data.Device{}, err
		}
	}

	r.devices.Store(d.DeviceID, &d)
	r.removed.Delete(d.DeviceID)
	r.adjust("", d.Status)

	r.log.Info().Str("device_id", d.DeviceID).Str("protocol", string(d.Protocol)).
		Str("ip", d.IPAddress).Int("port", d.Port).Msg("Device added")
	return d, nil
}

// UpdateDevice applies patch and re-validates. Status and id are not patchable.
func (r *Registry) UpdateDevice(ctx context.Context, id string, patch data.DevicePatch) (data.Device, error) {
	unlock := r.locks.Lock(id)
	defer unlock()

	cur, ok := r.load(id)
	if !ok {
		return data.Device{}, &data.NotFoundError{Kind: "device", ID: id}
	}

	next := patch.Apply(*cur)
	if err := Validate(next); err != nil {
		return data.Device{}, err
	}
	next.UpdatedAt = r.now().UTC()

	if r.store != nil {
		if err := r.store.Update(ctx, &next); err != nil {
			if errors.Is(err, data.ErrRecordNotFound) {
				return data.Device{}, &data.NotFoundError{Kind: "device", ID: id}
			}
			return data.Device{}, err
		}
	}
	r.devices.Store(id, &next)

	r.log.Info().Str("device_id", id).Msg("Device updated")
	return next, nil
}

// RemoveDevice deletes the device and runs the remove hooks once the
// device lock is released.
func (r *Registry) RemoveDevice(ctx context.Context, id string) error {
	unlock := r.locks.Lock(id)
	cur, ok := r.load(id)
	if !ok {
		unlock()
		return &data.NotFoundError{Kind: "device", ID: id}
	}

	if r.store != nil {
		if err := r.store.Delete(ctx, id); err != nil && !errors.Is(err, data.ErrRecordNotFound) {
			unlock()
			return err
		}
	}
	r.devices.Delete(id)
	r.removed.Store(id, r.now())
	r.adjust(cur.Status, "")
	unlock()

	r.log.Info().Str("device_id", id).Msg("Device removed")

	r.hookMu.RLock()
	hooks := append([]func(string){}, r.onRemove...)
	r.hookMu.RUnlock()
	for _, fn := range hooks {
		fn(id)
	}
	return nil
}

// UpdateStatus records a status observation. Unknown or removed ids are
// logged and ignored.
func (r *Registry) UpdateStatus(ctx context.Context, id string, status data.DeviceStatus, at time.Time) error {
	if !status.Valid() {
		return data.Invalid("status", fmt.Sprintf("unknown status %q", status))
	}
	if at.IsZero() {
		at = r.now()
	}
	at = at.UTC()

	unlock := r.locks.Lock(id)
	cur, ok := r.load(id)
	if !ok {
		unlock()
		r.log.Debug().Str("device_id", id).Str("status", string(status)).Msg("Status update for unknown device ignored")
		return nil
	}

	next := *cur
	next.Status = status
	next.UpdatedAt = at
	if status == data.StatusOnline {
		t := at
		next.LastSeen = &t
	}

	if r.store != nil {
		if err := r.store.UpdateStatus(ctx, id, status, at); err != nil {
			if !errors.Is(err, data.ErrRecordNotFound) {
				unlock()
				return fmt.Errorf("persist status: %w", err)
			}
			r.log.Warn().Str("device_id", id).Msg("Device missing in store during status update")
		}
	}
	r.devices.Store(id, &next)
	if cur.Status != status {
		r.adjust(cur.Status, status)
	}
	unlock()

	if cur.Status == status {
		return nil
	}

	r.log.Info().Str("device_id", id).Str("from", string(cur.Status)).Str("to", string(status)).Msg("Device status changed")

	change := StatusChange{DeviceID: id, From: cur.Status, To: status, At: at}
	r.hookMu.RLock()
	listeners := append([]func(StatusChange){}, r.listeners...)
	r.hookMu.RUnlock()
	for _, fn := range listeners {
		fn(change)
	}
	return nil
}

// Get returns a copy of the device.
func (r *Registry) Get(id string) (data.Device, error) {
	d, ok := r.load(id)
	if !ok {
		return data.Device{}, &data.NotFoundError{Kind: "device", ID: id}
	}
	return *d, nil
}

// List returns matching devices ordered by creation time, then id.
func (r *Registry) List(filter data.DeviceFilter) []data.Device {
	out := []data.Device{}
	r.devices.Range(func(_, v any) bool {
		d := *v.(*data.Device)
		if filter.Match(d) {
			out = append(out, d)
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].DeviceID < out[j].DeviceID
	})
	return out
}

// Known reports whether id is registered now or was registered before.
func (r *Registry) Known(id string) bool {
	if _, ok := r.devices.Load(id); ok {
		return true
	}
	_, ok := r.removed.Load(id)
	return ok
}

func (r *Registry) Counts() data.DeviceCounts {
	r.countMu.Lock()
	defer r.countMu.Unlock()
	return r.counts
}

func (r *Registry) load(id string) (*data.Device, bool) {
	v, ok := r.devices.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*data.Device), true
}

// adjust moves one device between status buckets. An empty from adds,
// an empty to removes.
func (r *Registry) adjust(from, to data.DeviceStatus) {
	r.countMu.Lock()
	if from != "" {
		r.counts.Total--
		*r.bucket(from)--
	}
	if to != "" {
		r.counts.Total++
		*r.bucket(to)++
	}
	r.countMu.Unlock()
	r.publishCounts()
}

func (r *Registry) recount() {
	var c data.DeviceCounts
	r.devices.Range(func(_, v any) bool {
		c.Total++
		switch v.(*data.Device).Status {
		case data.StatusOnline:
			c.Online++
		case data.StatusError:
			c.Error++
		default:
			c.Offline++
		}
		return true
	})
	r.countMu.Lock()
	r.counts = c
	r.countMu.Unlock()
	r.publishCounts()
}

// bucket must be called with countMu held.
func (r *Registry) bucket(s data.DeviceStatus) *int {
	switch s {
	case data.StatusOnline:
		return &r.counts.Online
	case data.StatusError:
		return &r.counts.Error
	default:
		return &r.counts.Offline
	}
}

func (r *Registry) publishCounts() {
	c := r.Counts()
	metrics.DevicesByStatus.WithLabelValues(string(data.StatusOnline)).Set(float64(c.Online))
	metrics.DevicesByStatus.WithLabelValues(string(data.StatusOffline)).Set(float64(c.Offline))
	metrics.DevicesByStatus.WithLabelValues(string(data.StatusError)).Set(float64(c.Error))
}
