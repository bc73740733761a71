package rtsp

import (
	"context"
	"errors"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/technosupport/ts-devicehub/internal/adapters"
	"github.com/technosupport/ts-devicehub/internal/data"
)

type Adapter struct {
	timeout time.Duration
}

func NewAdapter(opts adapters.Options) *Adapter {
	t := opts.Timeout
	if t <= 0 {
		t = adapters.DefaultTimeout * time.Second
	}
	return &Adapter{timeout: t}
}

func init() {
	adapters.Register(data.ProtocolRTSP, func(opts adapters.Options) (adapters.Adapter, error) {
		return NewAdapter(opts), nil
	})
}

func (a *Adapter) Protocol() data.Protocol { return data.ProtocolRTSP }

func (a *Adapter) Connect(ctx context.Context, dev data.Device) (adapters.Handle, error) {
	return Start(ctx, SessionConfig{
		DeviceID:    dev.DeviceID,
		Protocol:    data.ProtocolRTSP,
		URL:         adapters.StreamURL(dev, true),
		IdleTimeout: 4 * a.timeout,
	})
}

func (a *Adapter) Disconnect(ctx context.Context, h adapters.Handle) error {
	s, ok := h.(*Session)
	if !ok {
		return adapters.NewError(adapters.KindProtocol, "disconnect", h.DeviceID(), errors.New("foreign handle"))
	}
	return s.Close(ctx)
}

func (a *Adapter) Probe(ctx context.Context, dev data.Device) data.DeviceStatus {
	return adapters.StatusFor(ProbeURL(ctx, dev.DeviceID, adapters.StreamURL(dev, true)))
}

func (a *Adapter) Capture(ctx context.Context, h adapters.Handle) (*data.Frame, error) {
	s, ok := h.(*Session)
	if !ok {
		return nil, adapters.NewError(adapters.KindProtocol, "capture", h.DeviceID(), errors.New("foreign handle"))
	}
	return s.Capture()
}

// Capture returns the newest frame, failing when none has arrived yet.
func (s *Session) Capture() (*data.Frame, error) {
	select {
	case <-s.done:
		if err := s.Err(); err != nil {
			return nil, err
		}
		return nil, adapters.NewError(adapters.KindProtocol, "capture", s.deviceID, errors.New("session closed"))
	default:
	}
	f := s.Frame()
	if f == nil {
		return nil, adapters.NewError(adapters.KindProtocol, "capture", s.deviceID, errors.New("no frame received yet"))
	}
	return f, nil
}

// ProbeURL performs a lightweight OPTIONS handshake, answering an auth
// challenge when the URL carries credentials.
func ProbeURL(ctx context.Context, deviceID, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return adapters.NewError(adapters.KindProtocol, "probe", deviceID, err)
	}
	user, pass := "", ""
	if u.User != nil {
		user = u.User.Username()
		pass, _ = u.User.Password()
		u.User = nil
	}
	host := u.Host
	if u.Port() == "" {
		host = net.JoinHostPort(u.Hostname(), strconv.Itoa(adapters.DefaultRTSPPort))
	}

	d := net.Dialer{Timeout: adapters.DefaultTimeout * time.Second}
	nc, err := d.DialContext(ctx, "tcp", host)
	if err != nil {
		return classify("probe", deviceID, err)
	}
	defer nc.Close()

	dl := time.Now().Add(adapters.DefaultTimeout * time.Second)
	if d, ok := ctx.Deadline(); ok {
		dl = d
	}
	if err := nc.SetDeadline(dl); err != nil {
		return classify("probe", deviceID, err)
	}

	c := newConn(nc, user, pass)
	if _, err := c.do("OPTIONS", u.String(), nil); err != nil {
		return classify("probe", deviceID, err)
	}
	return nil
}
