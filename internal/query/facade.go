// Package query is the read-only projection layer used by the HTTP API and
// the dashboard. It composes snapshots from the owning components and never
// mutates state.
package query

import (
	"context"
	"time"

	"github.com/technosupport/ts-devicehub/internal/data"
)

type DeviceReader interface {
	Get(id string) (data.Device, error)
	List(filter data.DeviceFilter) []data.Device
	Counts() data.DeviceCounts
}

type SessionReader interface {
	Get(deviceID string) (data.StreamSession, error)
	State(deviceID string) data.SessionState
	List() []data.StreamSession
	ActiveCount() int
}

type EventReader interface {
	Query(ctx context.Context, filter data.EventFilter, cursor int64, limit int) (data.EventPage, error)
	Statistics(window time.Duration) data.EventStats
}

type HealthReader interface {
	GetHistory(deviceID string) ([]data.ProbeResult, error)
}

// LatestReader returns the newest detection per device, if cached.
type LatestReader interface {
	Latest(ctx context.Context, deviceID string) (*data.DetectionEvent, error)
}

// DeviceView is a device joined with its session state.
type DeviceView struct {
	data.Device
	SessionState data.SessionState `json:"session_state"`
}

type Facade struct {
	Devices  DeviceReader
	Sessions SessionReader
	Events   EventReader
	Health   HealthReader
	Latest   LatestReader
}

func (f *Facade) ListDevices(filter data.DeviceFilter) []DeviceView {
	devs := f.Devices.List(filter)
	out := make([]DeviceView, 0, len(devs))
	for _, d := range devs {
		out = append(out, f.view(d))
	}
	return out
}

func (f *Facade) GetDevice(id string) (DeviceView, error) {
	d, err := f.Devices.Get(id)
	if err != nil {
		return DeviceView{}, err
	}
	return f.view(d), nil
}

func (f *Facade) view(d data.Device) DeviceView {
	state := data.SessionIdle
	if f.Sessions != nil {
		state = f.Sessions.State(d.DeviceID)
	}
	return DeviceView{Device: d, SessionState: state}
}

func (f *Facade) ListSessions() []data.StreamSession {
	if f.Sessions == nil {
		return []data.StreamSession{}
	}
	return f.Sessions.List()
}

func (f *Facade) GetSession(deviceID string) (data.StreamSession, error) {
	return f.Sessions.Get(deviceID)
}

func (f *Facade) ListEvents(ctx context.Context, filter data.EventFilter, cursor int64, limit int) (data.EventPage, error) {
	return f.Events.Query(ctx, filter, cursor, limit)
}

// GetStatistics assembles the dashboard snapshot. Device and session
// counts are read at call time; event counts come from the aggregate.
func (f *Facade) GetStatistics(window time.Duration) data.StatisticsSnapshot {
	snap := data.StatisticsSnapshot{
		Devices: f.Devices.Counts(),
		Events:  f.Events.Statistics(window),
	}
	if f.Sessions != nil {
		snap.ActiveSessions = f.Sessions.ActiveCount()
	}
	return snap
}

// LatestDetection returns the newest cached detection, or nil.
func (f *Facade) LatestDetection(ctx context.Context, deviceID string) (*data.DetectionEvent, error) {
	if _, err := f.Devices.Get(deviceID); err != nil {
		return nil, err
	}
	if f.Latest == nil {
		return nil, nil
	}
	return f.Latest.Latest(ctx, deviceID)
}

func (f *Facade) ProbeHistory(deviceID string) ([]data.ProbeResult, error) {
	if f.Health == nil {
		if _, err := f.Devices.Get(deviceID); err != nil {
			return nil, err
		}
		return []data.ProbeResult{}, nil
	}
	return f.Health.GetHistory(deviceID)
}
