package health

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/technosupport/ts-devicehub/internal/data"
	"github.com/technosupport/ts-devicehub/internal/logging"
	"github.com/technosupport/ts-devicehub/internal/metrics"
)

// Prober checks one device. *adapters.Set implements it.
type Prober interface {
	Probe(ctx context.Context, dev data.Device) data.DeviceStatus
}

// Targets is the registry surface the health loop needs.
type Targets interface {
	Get(id string) (data.Device, error)
	List(filter data.DeviceFilter) []data.Device
	UpdateStatus(ctx context.Context, id string, status data.DeviceStatus, at time.Time) error
}

type Service struct {
	targets Targets
	prober  Prober
	History *HistoryManager

	mu    sync.Mutex
	state map[string]data.ProbeState

	now func() time.Time
	log zerolog.Logger
}

func NewService(targets Targets, prober Prober) *Service {
	return &Service{
		targets: targets,
		prober:  prober,
		History: NewHistoryManager(MaxHistoryPerDevice),
		state:   make(map[string]data.ProbeState),
		now:     time.Now,
		log:     logging.Component("health"),
	}
}

// ListTargets returns every registered device with its probe state.
func (s *Service) ListTargets() []data.ProbeState {
	devs := s.targets.List(data.DeviceFilter{})
	out := make([]data.ProbeState, 0, len(devs))

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range devs {
		st, ok := s.state[d.DeviceID]
		if !ok {
			st = data.ProbeState{DeviceID: d.DeviceID, Status: d.Status}
		}
		out = append(out, st)
	}
	return out
}

// PerformCheck probes the device and records the outcome in the registry,
// the probe state and the history.
func (s *Service) PerformCheck(ctx context.Context, deviceID string) (data.ProbeResult, error) {
	dev, err := s.targets.Get(deviceID)
	if err != nil {
		return data.ProbeResult{}, err
	}

	start := s.now()
	status := s.prober.Probe(ctx, dev)
	now := s.now()
	result := data.ProbeResult{
		DeviceID:   deviceID,
		OccurredAt: now.UTC(),
		Status:     status,
		RTTMS:      int(now.Sub(start).Milliseconds()),
	}

	if ctx.Err() != nil {
		// Shutdown interrupted the probe; the result says nothing about the device.
		return result, ctx.Err()
	}

	if err := s.targets.UpdateStatus(ctx, deviceID, status, now); err != nil {
		s.log.Error().Err(err).Str("device_id", deviceID).Msg("Failed to record probe status")
	}

	s.mu.Lock()
	st := s.state[deviceID]
	st.DeviceID = deviceID
	st.Status = status
	st.LastCheckedAt = now
	if status == data.StatusOnline {
		st.ConsecutiveFailures = 0
		t := now
		st.LastSuccessAt = &t
	} else {
		st.ConsecutiveFailures++
	}
	s.state[deviceID] = st
	s.mu.Unlock()
	s.History.AddEntry(result)

	// The device may have been removed, and forgotten, while the probe ran.
	if _, err := s.targets.Get(deviceID); err != nil {
		s.Forget(deviceID)
		return result, err
	}
	metrics.ProbesTotal.WithLabelValues(string(dev.Protocol), string(status)).Inc()

	if status != data.StatusOnline {
		s.log.Debug().Str("device_id", deviceID).Str("status", string(status)).
			Int("consecutive_failures", st.ConsecutiveFailures).Msg("Probe failed")
	}
	return result, nil
}

// ManualCheck runs an operator-triggered probe synchronously.
func (s *Service) ManualCheck(ctx context.Context, deviceID string) (data.ProbeResult, error) {
	r, err := s.PerformCheck(ctx, deviceID)
	if err == nil {
		s.log.Info().Str("device_id", deviceID).Str("status", string(r.Status)).Msg("Manual probe")
	}
	return r, err
}

// GetHistory returns the recorded probes for a registered device.
func (s *Service) GetHistory(deviceID string) ([]data.ProbeResult, error) {
	if _, err := s.targets.Get(deviceID); err != nil {
		return nil, err
	}
	return s.History.Get(deviceID), nil
}

// Forget drops all state for a removed device.
func (s *Service) Forget(deviceID string) {
	s.mu.Lock()
	delete(s.state, deviceID)
	s.mu.Unlock()
	s.History.Forget(deviceID)
}
