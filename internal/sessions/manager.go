// Package sessions owns the live-stream state machine for each device:
//
//	idle -> starting -> active -> stopping -> idle
//	starting -> failed -> idle
//
// Commands for one device serialize on the keylock shared with the device
// registry. Adapter calls happen with the lock released; a generation
// counter detects commands that were superseded while the lock was free.
package sessions

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/technosupport/ts-devicehub/internal/adapters"
	"github.com/technosupport/ts-devicehub/internal/data"
	"github.com/technosupport/ts-devicehub/internal/keylock"
	"github.com/technosupport/ts-devicehub/internal/logging"
	"github.com/technosupport/ts-devicehub/internal/metrics"
)

const DefaultViewer = "default"

// Connector is the adapter surface the manager drives. *adapters.Set
// implements it.
type Connector interface {
	Connect(ctx context.Context, dev data.Device) (adapters.Handle, error)
	Disconnect(ctx context.Context, h adapters.Handle) error
	Capture(ctx context.Context, h adapters.Handle) (*data.Frame, error)
}

// Devices is the slice of the registry the manager depends on.
type Devices interface {
	Get(id string) (data.Device, error)
	UpdateStatus(ctx context.Context, id string, status data.DeviceStatus, at time.Time) error
}

// FrameSink receives every captured frame.
type FrameSink interface {
	PutFrame(ctx context.Context, f *data.Frame) error
}

type Transition struct {
	DeviceID string            `json:"device_id"`
	From     data.SessionState `json:"from"`
	To       data.SessionState `json:"to"`
	At       time.Time         `json:"at"`
	Error    string            `json:"error,omitempty"`
}

type Options struct {
	AllowShared       bool
	DisconnectTimeout time.Duration
}

type session struct {
	deviceID  string
	state     data.SessionState
	viewers   []string
	handle    adapters.Handle
	cancel    context.CancelFunc
	openedAt  time.Time
	streamURL string
	lastErr   string
	gen       uint64
}

func (s *session) hasViewer(v string) bool {
	for _, x := range s.viewers {
		if x == v {
			return true
		}
	}
	return false
}

func (s *session) owner() string {
	if len(s.viewers) == 0 {
		return ""
	}
	return s.viewers[0]
}

type Manager struct {
	locks   *keylock.Map
	devices Devices
	conn    Connector
	sink    FrameSink
	opts    Options

	mu       sync.RWMutex // guards the sessions map, not session fields
	sessions map[string]*session

	hookMu sync.RWMutex
	hooks  []func(Transition)

	wg  sync.WaitGroup
	now func() time.Time
	log zerolog.Logger
}

func NewManager(locks *keylock.Map, devices Devices, conn Connector, opts Options) *Manager {
	if locks == nil {
		locks = keylock.New()
	}
	if opts.DisconnectTimeout <= 0 {
		opts.DisconnectTimeout = adapters.DefaultTimeout * time.Second
	}
	return &Manager{
		locks:    locks,
		devices:  devices,
		conn:     conn,
		opts:     opts,
		sessions: make(map[string]*session),
		now:      time.Now,
		log:      logging.Component("sessions"),
	}
}

// SetFrameSink installs the destination for captured frames.
func (m *Manager) SetFrameSink(s FrameSink) { m.sink = s }

// OnTransition registers a hook. Hooks run with the device lock held and
// must not block or call back into the manager.
func (m *Manager) OnTransition(fn func(Transition)) {
	m.hookMu.Lock()
	m.hooks = append(m.hooks, fn)
	m.hookMu.Unlock()
}

// Play opens (or joins) the device's session and blocks until Connect
// completes or fails.
func (m *Manager) Play(ctx context.Context, deviceID, viewer string) (data.StreamSession, error) {
	if viewer == "" {
		viewer = DefaultViewer
	}

	unlock := m.locks.Lock(deviceID)
	dev, err := m.devices.Get(deviceID)
	if err != nil {
		unlock()
		return data.StreamSession{}, err
	}

	s := m.lookup(deviceID)
	if s != nil && s.state == data.SessionStopping {
		owner := s.owner()
		unlock()
		return data.StreamSession{}, &data.AlreadyActiveError{DeviceID: deviceID, State: data.SessionStopping, Viewer: owner}
	}
	if s != nil && s.state.Busy() {
		defer unlock()
		if s.hasViewer(viewer) {
			return m.snapshot(s), nil
		}
		if m.opts.AllowShared {
			s.viewers = append(s.viewers, viewer)
			m.log.Info().Str("device_id", deviceID).Str("viewer", viewer).Int("viewers", len(s.viewers)).Msg("Viewer joined session")
			return m.snapshot(s), nil
		}
		return data.StreamSession{}, &data.AlreadyActiveError{DeviceID: deviceID, State: s.state, Viewer: s.owner()}
	}

	if dev.Status != data.StatusOnline {
		unlock()
		return data.StreamSession{}, &data.NotOnlineError{DeviceID: deviceID, Status: dev.Status}
	}

	if s == nil {
		s = &session{deviceID: deviceID, state: data.SessionIdle}
		m.store(s)
	}
	connCtx, cancel := context.WithCancel(ctx)
	s.gen++
	gen := s.gen
	s.cancel = cancel
	s.viewers = []string{viewer}
	s.lastErr = ""
	m.transition(s, data.SessionStarting, "")
	unlock()

	h, err := m.conn.Connect(connCtx, dev)
	cancel()

	unlock = m.locks.Lock(deviceID)
	if cur := m.lookup(deviceID); cur != s || s.gen != gen || s.state != data.SessionStarting {
		state := data.SessionIdle
		if cur != nil {
			state = cur.state
		}
		unlock()
		if h != nil {
			m.disconnect(h)
		}
		m.log.Info().Str("device_id", deviceID).Msg("Connect superseded by stop")
		return data.StreamSession{}, &data.NotActiveError{DeviceID: deviceID, State: state}
	}
	s.cancel = nil

	if err != nil {
		s.viewers = nil
		m.transition(s, data.SessionFailed, err.Error())
		unlock()

		if !errors.Is(err, context.Canceled) {
			status := adapters.StatusFor(err)
			if uerr := m.devices.UpdateStatus(context.WithoutCancel(ctx), deviceID, status, m.now()); uerr != nil {
				m.log.Warn().Err(uerr).Str("device_id", deviceID).Msg("Failed to downgrade device status")
			}
		}
		return data.StreamSession{}, err
	}

	s.handle = h
	s.openedAt = m.now().UTC()
	s.streamURL = adapters.SanitizeRtspUrl(h.StreamURL())
	m.transition(s, data.SessionActive, "")
	snap := m.snapshot(s)
	unlock()

	m.wg.Add(1)
	go m.watch(deviceID, h, gen)

	m.log.Info().Str("device_id", deviceID).Str("viewer", viewer).Str("url", snap.StreamURL).Msg("Session active")
	return snap, nil
}

// Stop closes the session. An empty viewer stops it for everyone; a named
// viewer of a shared session only detaches.
func (m *Manager) Stop(ctx context.Context, deviceID, viewer string) (data.StreamSession, error) {
	unlock := m.locks.Lock(deviceID)

	s := m.lookup(deviceID)
	if s == nil {
		unlock()
		if _, err := m.devices.Get(deviceID); err != nil {
			return data.StreamSession{}, err
		}
		return idleSnapshot(deviceID), nil
	}

	switch s.state {
	case data.SessionIdle, data.SessionFailed:
		if s.state == data.SessionFailed {
			m.transition(s, data.SessionIdle, "")
		}
		snap := m.snapshot(s)
		unlock()
		return snap, nil
	case data.SessionStopping:
		snap := m.snapshot(s)
		unlock()
		return snap, nil
	}

	if viewer != "" {
		if !s.hasViewer(viewer) {
			state := s.state
			unlock()
			return data.StreamSession{}, &data.NotActiveError{DeviceID: deviceID, State: state}
		}
		if len(s.viewers) > 1 {
			s.viewers = removeViewer(s.viewers, viewer)
			snap := m.snapshot(s)
			unlock()
			m.log.Info().Str("device_id", deviceID).Str("viewer", viewer).Msg("Viewer left session")
			return snap, nil
		}
	}

	s.gen++
	if s.state == data.SessionStarting {
		if s.cancel != nil {
			s.cancel()
			s.cancel = nil
		}
		s.viewers = nil
		m.transition(s, data.SessionStopping, "")
		m.transition(s, data.SessionIdle, "")
		snap := m.snapshot(s)
		unlock()
		m.log.Info().Str("device_id", deviceID).Msg("Pending connect canceled")
		return snap, nil
	}

	h := s.handle
	s.handle = nil
	gen := s.gen
	m.transition(s, data.SessionStopping, "")
	unlock()

	err := m.conn.Disconnect(ctx, h)
	if err != nil {
		m.log.Warn().Err(err).Str("device_id", deviceID).Msg("Disconnect failed")
	}

	unlock = m.locks.Lock(deviceID)
	defer unlock()
	if cur := m.lookup(deviceID); cur == s && s.gen == gen && s.state == data.SessionStopping {
		s.viewers = nil
		s.openedAt = time.Time{}
		m.transition(s, data.SessionIdle, "")
		m.log.Info().Str("device_id", deviceID).Msg("Session stopped")
		return m.snapshot(s), nil
	}
	return idleSnapshot(deviceID), nil
}

// Capture grabs one frame from an active session.
func (m *Manager) Capture(ctx context.Context, deviceID string) (*data.Frame, error) {
	unlock := m.locks.Lock(deviceID)
	s := m.lookup(deviceID)
	if s == nil || s.state != data.SessionActive {
		unlock()
		if _, err := m.devices.Get(deviceID); err != nil {
			return nil, err
		}
		state := data.SessionIdle
		if s != nil {
			state = s.state
		}
		return nil, &data.NotActiveError{DeviceID: deviceID, State: state}
	}
	h := s.handle
	unlock()

	f, err := m.conn.Capture(ctx, h)
	if err != nil {
		return nil, err
	}
	if m.sink != nil {
		if err := m.sink.PutFrame(ctx, f); err != nil {
			m.log.Warn().Err(err).Str("device_id", deviceID).Msg("Failed to cache frame")
		}
	}
	return f, nil
}

// ForceClose tears the session down in the background and forgets it. It
// is used when the device is removed.
func (m *Manager) ForceClose(deviceID string) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.forceClose(deviceID)
	}()
}

func (m *Manager) forceClose(deviceID string) {
	unlock := m.locks.Lock(deviceID)
	s := m.lookup(deviceID)
	if s == nil {
		unlock()
		return
	}

	s.gen++
	var h adapters.Handle
	switch s.state {
	case data.SessionStarting:
		if s.cancel != nil {
			s.cancel()
			s.cancel = nil
		}
		m.transition(s, data.SessionStopping, "")
		m.transition(s, data.SessionIdle, "")
	case data.SessionFailed:
		m.transition(s, data.SessionIdle, "")
	case data.SessionActive:
		h = s.handle
		s.handle = nil
		m.transition(s, data.SessionStopping, "")
	}
	m.drop(deviceID)
	unlock()

	if h != nil {
		m.disconnect(h)
		unlock = m.locks.Lock(deviceID)
		m.transition(s, data.SessionIdle, "")
		unlock()
	}
	m.log.Info().Str("device_id", deviceID).Msg("Session force-closed")
}

// Get returns the session snapshot for a registered device.
func (m *Manager) Get(deviceID string) (data.StreamSession, error) {
	unlock := m.locks.Lock(deviceID)
	defer unlock()
	if s := m.lookup(deviceID); s != nil {
		return m.snapshot(s), nil
	}
	if _, err := m.devices.Get(deviceID); err != nil {
		return data.StreamSession{}, err
	}
	return idleSnapshot(deviceID), nil
}

// State is a lock-protected read of one device's session state.
func (m *Manager) State(deviceID string) data.SessionState {
	unlock := m.locks.Lock(deviceID)
	defer unlock()
	if s := m.lookup(deviceID); s != nil {
		return s.state
	}
	return data.SessionIdle
}

// List returns every tracked session ordered by device id.
func (m *Manager) List() []data.StreamSession {
	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	sort.Strings(ids)

	out := make([]data.StreamSession, 0, len(ids))
	for _, id := range ids {
		unlock := m.locks.Lock(id)
		if s := m.lookup(id); s != nil {
			out = append(out, m.snapshot(s))
		}
		unlock()
	}
	return out
}

// ActiveCount reports sessions currently in the active state.
func (m *Manager) ActiveCount() int {
	n := 0
	for _, s := range m.List() {
		if s.State == data.SessionActive {
			n++
		}
	}
	return n
}

// Close disconnects every session and waits for background work.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		m.ForceClose(id)
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// watch turns an unexpected end of stream into a failed session and an
// error device status.
func (m *Manager) watch(deviceID string, h adapters.Handle, gen uint64) {
	defer m.wg.Done()
	<-h.Done()

	unlock := m.locks.Lock(deviceID)
	s := m.lookup(deviceID)
	if s == nil || s.gen != gen || s.state != data.SessionActive || s.handle != h {
		unlock()
		return
	}
	reason := "stream ended"
	if err := h.Err(); err != nil {
		reason = err.Error()
	}
	s.handle = nil
	s.viewers = nil
	m.transition(s, data.SessionFailed, reason)
	unlock()

	m.log.Warn().Str("device_id", deviceID).Str("reason", reason).Msg("Session lost")
	if err := m.devices.UpdateStatus(context.Background(), deviceID, data.StatusError, m.now()); err != nil {
		m.log.Warn().Err(err).Str("device_id", deviceID).Msg("Failed to mark device error")
	}
}

func (m *Manager) disconnect(h adapters.Handle) {
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.DisconnectTimeout)
	defer cancel()
	if err := m.conn.Disconnect(ctx, h); err != nil {
		m.log.Warn().Err(err).Str("device_id", h.DeviceID()).Msg("Disconnect failed")
	}
}

// transition must be called with the device lock held.
func (m *Manager) transition(s *session, to data.SessionState, reason string) {
	from := s.state
	if from == to {
		return
	}
	s.state = to
	if to == data.SessionFailed {
		s.lastErr = reason
	}
	if to != data.SessionActive && to != data.SessionStopping {
		s.openedAt = time.Time{}
	}

	metrics.SessionTransitions.WithLabelValues(string(from), string(to)).Inc()
	if to == data.SessionActive {
		metrics.SessionsActive.Inc()
	} else if from == data.SessionActive {
		metrics.SessionsActive.Dec()
	}

	t := Transition{DeviceID: s.deviceID, From: from, To: to, At: m.now().UTC(), Error: reason}
	m.hookMu.RLock()
	defer m.hookMu.RUnlock()
	for _, fn := range m.hooks {
		fn(t)
	}
}

func (m *Manager) snapshot(s *session) data.StreamSession {
	out := data.StreamSession{
		DeviceID:  s.deviceID,
		State:     s.state,
		StreamURL: s.streamURL,
		LastError: s.lastErr,
	}
	if len(s.viewers) > 0 {
		out.Viewers = append([]string(nil), s.viewers...)
	}
	if !s.openedAt.IsZero() {
		t := s.openedAt
		out.OpenedAt = &t
		out.Duration = m.now().Sub(t).Seconds()
	}
	if s.state != data.SessionActive && s.state != data.SessionStopping {
		out.StreamURL = ""
	}
	return out
}

func (m *Manager) lookup(id string) *session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[id]
}

func (m *Manager) store(s *session) {
	m.mu.Lock()
	m.sessions[s.deviceID] = s
	m.mu.Unlock()
}

func (m *Manager) drop(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}

func idleSnapshot(id string) data.StreamSession {
	return data.StreamSession{DeviceID: id, State: data.SessionIdle}
}

func removeViewer(vs []string, v string) []string {
	out := vs[:0:0]
	for _, x := range vs {
		if x != v {
			out = append(out, x)
		}
	}
	return out
}
