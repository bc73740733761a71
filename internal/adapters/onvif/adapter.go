package onvif

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/technosupport/ts-devicehub/internal/adapters"
	"github.com/technosupport/ts-devicehub/internal/adapters/rtsp"
	"github.com/technosupport/ts-devicehub/internal/data"
	"github.com/technosupport/ts-devicehub/internal/logging"
)

const defaultServicePort = 80

type Adapter struct {
	timeout time.Duration
	http    *http.Client
	log     zerolog.Logger
}

func NewAdapter(opts adapters.Options) *Adapter {
	t := opts.Timeout
	if t <= 0 {
		t = adapters.DefaultTimeout * time.Second
	}
	return &Adapter{
		timeout: t,
		http:    &http.Client{Timeout: t},
		log:     logging.Component("onvif"),
	}
}

func init() {
	adapters.Register(data.ProtocolONVIF, func(opts adapters.Options) (adapters.Adapter, error) {
		return NewAdapter(opts), nil
	})
}

// handle is an RTSP session plus the profile's snapshot endpoint.
type handle struct {
	*rtsp.Session
	snapshotURI string
	user, pass  string
}

func (h *handle) Protocol() data.Protocol { return data.ProtocolONVIF }

func (a *Adapter) Protocol() data.Protocol { return data.ProtocolONVIF }

// ServiceURL is the conventional device service endpoint.
func ServiceURL(dev data.Device) string {
	return "http://" + adapters.HostPort(dev.IPAddress, dev.Port, defaultServicePort) + "/onvif/device_service"
}

func (a *Adapter) client(dev data.Device) (*Client, error) {
	c, err := NewClient(ServiceURL(dev), dev.Username, dev.Password, a.timeout)
	if err != nil {
		return nil, err
	}
	c.HTTP = a.http
	return c, nil
}

func (a *Adapter) Connect(ctx context.Context, dev data.Device) (adapters.Handle, error) {
	streamURI, snapshotURI := dev.RTSPURL, ""
	if streamURI == "" {
		var err error
		streamURI, snapshotURI, err = a.resolve(ctx, dev)
		if err != nil {
			return nil, classify("connect", dev.DeviceID, err)
		}
	}

	s, err := rtsp.Start(ctx, rtsp.SessionConfig{
		DeviceID:    dev.DeviceID,
		Protocol:    data.ProtocolONVIF,
		URL:         streamURI,
		Username:    dev.Username,
		Password:    dev.Password,
		IdleTimeout: 4 * a.timeout,
	})
	if err != nil {
		return nil, err
	}
	return &handle{Session: s, snapshotURI: snapshotURI, user: dev.Username, pass: dev.Password}, nil
}

// resolve walks GetCapabilities -> GetProfiles -> GetStreamUri. A device
// that answers but yields no URI falls back to the conventional path.
func (a *Adapter) resolve(ctx context.Context, dev data.Device) (stream, snapshot string, err error) {
	c, err := a.client(dev)
	if err != nil {
		return "", "", err
	}
	media, err := c.GetCapabilities(ctx)
	if err != nil {
		return "", "", err
	}
	profiles, err := c.GetProfiles(ctx, media)
	if err != nil {
		return "", "", err
	}
	if len(profiles) == 0 {
		return adapters.StreamURL(dev, false), "", nil
	}

	token := profiles[0].Token
	stream, err = c.GetStreamUri(ctx, media, token)
	if err != nil {
		return "", "", err
	}
	if stream == "" {
		stream = adapters.StreamURL(dev, false)
	}

	snapshot, err = c.GetSnapshotUri(ctx, media, token)
	if err != nil {
		a.log.Debug().Err(err).Str("device_id", dev.DeviceID).Msg("no snapshot uri")
		snapshot = ""
	}
	return stream, snapshot, nil
}

func (a *Adapter) Disconnect(ctx context.Context, h adapters.Handle) error {
	oh, ok := h.(*handle)
	if !ok {
		return adapters.NewError(adapters.KindProtocol, "disconnect", h.DeviceID(), errors.New("foreign handle"))
	}
	return oh.Close(ctx)
}

func (a *Adapter) Probe(ctx context.Context, dev data.Device) data.DeviceStatus {
	c, err := a.client(dev)
	if err != nil {
		return data.StatusError
	}
	_, err = c.GetDeviceInformation(ctx)
	return adapters.StatusFor(classify("probe", dev.DeviceID, err))
}

// Capture prefers the device's JPEG snapshot and falls back to the last
// RTP payload of the live session.
func (a *Adapter) Capture(ctx context.Context, h adapters.Handle) (*data.Frame, error) {
	oh, ok := h.(*handle)
	if !ok {
		return nil, adapters.NewError(adapters.KindProtocol, "capture", h.DeviceID(), errors.New("foreign handle"))
	}
	if oh.snapshotURI != "" {
		f, err := a.snapshot(ctx, oh)
		if err == nil {
			return f, nil
		}
		a.log.Debug().Err(err).Str("device_id", oh.DeviceID()).Msg("snapshot fetch failed, using stream frame")
	}
	return oh.Session.Capture()
}

func (a *Adapter) snapshot(ctx context.Context, h *handle) (*data.Frame, error) {
	get := func(auth adapters.Authorizer) (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.snapshotURI, nil)
		if err != nil {
			return nil, err
		}
		if auth != nil {
			req.Header.Set("Authorization", auth(http.MethodGet, req.URL.RequestURI()))
		}
		return a.http.Do(req)
	}

	resp, err := get(nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized && h.user != "" {
		challenges := resp.Header.Values("WWW-Authenticate")
		resp.Body.Close()
		auth, err := adapters.NewAuthorizer(challenges, h.user, h.pass)
		if err != nil {
			return nil, err
		}
		if resp, err = get(auth); err != nil {
			return nil, err
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("snapshot: http %d", resp.StatusCode)
	}
	ct := resp.Header.Get("Content-Type")
	if !strings.HasPrefix(ct, "image/") {
		return nil, fmt.Errorf("snapshot: unexpected content type %q", ct)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, adapters.MaxFrameSize))
	if err != nil {
		return nil, err
	}
	return &data.Frame{
		DeviceID:    h.DeviceID(),
		ContentType: ct,
		Data:        body,
		Size:        len(body),
		CapturedAt:  time.Now().UTC(),
	}, nil
}

func classify(op, deviceID string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotAuthorized) {
		return adapters.NewError(adapters.KindAuthFailed, op, deviceID, err)
	}
	var fe *FaultError
	if errors.As(err, &fe) {
		return adapters.NewError(adapters.KindProtocol, op, deviceID, err)
	}
	return adapters.Classify(op, deviceID, err)
}
