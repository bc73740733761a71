package adapters

import (
	"context"
	"fmt"
	"time"

	"github.com/technosupport/ts-devicehub/internal/data"
	"github.com/technosupport/ts-devicehub/internal/logging"
	"github.com/technosupport/ts-devicehub/internal/metrics"
)

// Set dispatches to the adapter matching a device's protocol and applies
// the shared timeout and per-device connect breaker.
type Set struct {
	byProto  map[data.Protocol]Adapter
	breakers *Breakers
	timeout  time.Duration
}

func NewSet(byProto map[data.Protocol]Adapter, opts Options, bs BreakerSettings) *Set {
	return &Set{
		byProto:  byProto,
		breakers: NewBreakers(bs),
		timeout:  opts.timeout(),
	}
}

func (s *Set) Breakers() *Breakers { return s.breakers }

func (s *Set) adapter(p data.Protocol, op, deviceID string) (Adapter, error) {
	a, ok := s.byProto[p]
	if !ok {
		return nil, NewError(KindProtocol, op, deviceID, fmt.Errorf("no adapter for protocol %q", p))
	}
	return a, nil
}

func (s *Set) Connect(ctx context.Context, dev data.Device) (Handle, error) {
	a, err := s.adapter(dev.Protocol, "connect", dev.DeviceID)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	h, err := s.breakers.Execute(dev.DeviceID, func() (Handle, error) {
		h, err := a.Connect(ctx, dev)
		return h, Classify("connect", dev.DeviceID, err)
	})

	result := "ok"
	if err != nil {
		result = "error"
		s.countError(dev.Protocol, "connect", err)
		logging.Warn().Err(err).Str("device_id", dev.DeviceID).Str("protocol", string(dev.Protocol)).Msg("connect failed")
	}
	metrics.ConnectLatency.WithLabelValues(string(dev.Protocol), result).Observe(time.Since(start).Seconds())
	return h, err
}

func (s *Set) Disconnect(ctx context.Context, h Handle) error {
	a, err := s.adapter(h.Protocol(), "disconnect", h.DeviceID())
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	err = Classify("disconnect", h.DeviceID(), a.Disconnect(ctx, h))
	if err != nil {
		s.countError(h.Protocol(), "disconnect", err)
	}
	return err
}

func (s *Set) Probe(ctx context.Context, dev data.Device) data.DeviceStatus {
	a, err := s.adapter(dev.Protocol, "probe", dev.DeviceID)
	if err != nil {
		return data.StatusError
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return a.Probe(ctx, dev)
}

func (s *Set) Capture(ctx context.Context, h Handle) (*data.Frame, error) {
	a, err := s.adapter(h.Protocol(), "capture", h.DeviceID())
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	f, err := a.Capture(ctx, h)
	if err != nil {
		err = Classify("capture", h.DeviceID(), err)
		s.countError(h.Protocol(), "capture", err)
		return nil, err
	}
	return f, nil
}

func (s *Set) countError(p data.Protocol, op string, err error) {
	kind, ok := KindOf(err)
	if !ok {
		kind = "canceled"
	}
	metrics.AdapterErrorsTotal.WithLabelValues(string(p), op, string(kind)).Inc()
}
