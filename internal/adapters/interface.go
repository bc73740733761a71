package adapters

import (
	"context"
	"time"

	"github.com/technosupport/ts-devicehub/internal/data"
)

// Handle is a live protocol session returned by Connect. Done is closed when
// the underlying stream ends for any reason; Err then reports why (nil after
// a clean Disconnect).
type Handle interface {
	DeviceID() string
	Protocol() data.Protocol
	// Sanitized stream URL, safe to log and expose
	StreamURL() string
	Done() <-chan struct{}
	Err() error
}

// The core Adapter Interface
type Adapter interface {
	Protocol() data.Protocol

	// Open a stream session. The context bounds the handshake only; the
	// returned handle lives until Disconnect or stream loss.
	Connect(ctx context.Context, dev data.Device) (Handle, error)

	// Idempotent.
	Disconnect(ctx context.Context, h Handle) error

	// Lightweight reachability check. Never returns an error: failures map
	// onto offline (no answer) or error (protocol/auth fault).
	Probe(ctx context.Context, dev data.Device) data.DeviceStatus

	// Grab the most recent frame from a live handle.
	Capture(ctx context.Context, h Handle) (*data.Frame, error)
}

// Options are shared by every adapter variant.
type Options struct {
	Timeout time.Duration
	SIP     SIPOptions
}

// SIPOptions configure the local GB28181 user agent.
type SIPOptions struct {
	LocalID    string // 20-digit platform id
	LocalIP    string // address advertised in SDP and Via
	LocalPort  int    // 0 picks an ephemeral port
	RTPPortMin int
	RTPPortMax int
}

func (o Options) timeout() time.Duration {
	if o.Timeout <= 0 {
		return DefaultTimeout * time.Second
	}
	return o.Timeout
}

// Factory Helper
type Factory func(opts Options) (Adapter, error)
