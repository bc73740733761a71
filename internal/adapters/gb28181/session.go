package gb28181

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/technosupport/ts-devicehub/internal/adapters"
	"github.com/technosupport/ts-devicehub/internal/data"
)

var errRemoteHangup = errors.New("device sent BYE")

// handle is an established INVITE dialog plus its RTP receiver.
type handle struct {
	deviceID  string
	streamURL string
	mediaType string
	idle      time.Duration
	d         *dialog
	rtp       *net.UDPConn
	log       zerolog.Logger
	responses chan *message

	done      chan struct{}
	closeOnce sync.Once
	closing   atomic.Bool
	errMu     sync.Mutex
	err       error

	frameMu sync.RWMutex
	last    []byte
	lastAt  time.Time
}

func (a *Adapter) Connect(ctx context.Context, dev data.Device) (adapters.Handle, error) {
	target := dev.GBChannelID
	if target == "" {
		target = dev.GBDeviceID
	}
	if target == "" {
		return nil, adapters.NewError(adapters.KindProtocol, "connect", dev.DeviceID, errors.New("no gb channel id"))
	}

	d, err := a.dial(dev, target)
	if err != nil {
		return nil, classify("connect", dev.DeviceID, err)
	}
	rtp, err := a.listenRTP()
	if err != nil {
		d.conn.Close()
		return nil, classify("connect", dev.DeviceID, err)
	}
	port := rtp.LocalAddr().(*net.UDPAddr).Port

	resp, invite, err := d.transact(ctx, "INVITE", sdpOffer(d.localID, d.localIP, port, ssrc()),
		[2]string{"Contact", "<sip:" + d.localID + "@" + d.local + ">"},
		[2]string{"Content-Type", "APPLICATION/SDP"},
		[2]string{"Subject", target + ":0," + d.localID + ":0"},
	)
	if err != nil {
		if ctx.Err() != nil && invite != nil {
			d.cancel(invite)
		}
		d.conn.Close()
		rtp.Close()
		return nil, classify("connect", dev.DeviceID, err)
	}
	_ = d.conn.SetReadDeadline(time.Time{})

	d.toHeader = resp.header.Get("To")
	ack := d.newRequest("ACK", d.cseq, newBranch())
	if _, err := d.conn.Write(ack.bytes()); err != nil {
		d.conn.Close()
		rtp.Close()
		return nil, classify("connect", dev.DeviceID, err)
	}

	h := &handle{
		deviceID:  dev.DeviceID,
		streamURL: adapters.SanitizeRtspUrl(adapters.StreamURL(dev, false)),
		mediaType: "video/" + answerEncoding(resp.body),
		idle:      4 * a.timeout,
		d:         d,
		rtp:       rtp,
		log:       a.log.With().Str("device_id", dev.DeviceID).Logger(),
		responses: make(chan *message, 4),
		done:      make(chan struct{}),
	}
	go h.sipLoop()
	go h.rtpLoop()
	return h, nil
}

func (a *Adapter) listenRTP() (*net.UDPConn, error) {
	lo, hi := a.opts.RTPPortMin, a.opts.RTPPortMax
	if lo <= 0 || hi < lo {
		return net.ListenUDP("udp", &net.UDPAddr{})
	}
	var lastErr error
	for p := lo; p <= hi; p++ {
		c, err := net.ListenUDP("udp", &net.UDPAddr{Port: p})
		if err == nil {
			return c, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// cancel abandons a pending INVITE. Best effort, no response awaited.
func (d *dialog) cancel(invite *request) {
	r := &request{method: "CANCEL", uri: invite.uri}
	for _, h := range invite.header {
		switch h[0] {
		case "CSeq":
			num, _, _ := strings.Cut(h[1], " ")
			r.add("CSeq", num+" CANCEL")
		case "Via", "From", "To", "Call-ID", "Max-Forwards":
			r.add(h[0], h[1])
		}
	}
	_ = d.conn.SetWriteDeadline(time.Now().Add(t1))
	_, _ = d.conn.Write(r.bytes())
}

func (a *Adapter) Disconnect(ctx context.Context, h adapters.Handle) error {
	gh, ok := h.(*handle)
	if !ok {
		return adapters.NewError(adapters.KindProtocol, "disconnect", h.DeviceID(), errors.New("foreign handle"))
	}
	return gh.close(ctx)
}

func (a *Adapter) Capture(ctx context.Context, h adapters.Handle) (*data.Frame, error) {
	gh, ok := h.(*handle)
	if !ok {
		return nil, adapters.NewError(adapters.KindProtocol, "capture", h.DeviceID(), errors.New("foreign handle"))
	}
	select {
	case <-gh.done:
		if err := gh.Err(); err != nil {
			return nil, err
		}
		return nil, adapters.NewError(adapters.KindProtocol, "capture", gh.deviceID, errors.New("session closed"))
	default:
	}

	gh.frameMu.RLock()
	defer gh.frameMu.RUnlock()
	if gh.last == nil {
		return nil, adapters.NewError(adapters.KindProtocol, "capture", gh.deviceID, errors.New("no media received yet"))
	}
	buf := append([]byte(nil), gh.last...)
	return &data.Frame{DeviceID: gh.deviceID, ContentType: gh.mediaType, Data: buf, Size: len(buf), CapturedAt: gh.lastAt}, nil
}

// close sends BYE, waits briefly for the 200, then releases both sockets.
func (h *handle) close(ctx context.Context) error {
	if !h.closing.CompareAndSwap(false, true) {
		<-h.done
		return nil
	}
	select {
	case <-h.done:
		return nil
	default:
	}

	h.d.cseq++
	cseq := h.d.cseq
	bye := h.d.newRequest("BYE", cseq, newBranch())
	if _, err := h.d.conn.Write(bye.bytes()); err != nil {
		h.log.Debug().Err(err).Msg("bye write failed")
	} else {
		wait := time.NewTimer(2 * t1)
	loop:
		for {
			select {
			case m := <-h.responses:
				if n, method := m.cseq(); n == cseq && method == "BYE" {
					break loop
				}
			case <-wait.C:
				break loop
			case <-ctx.Done():
				break loop
			}
		}
		wait.Stop()
	}

	h.finish(nil)
	return nil
}

func (h *handle) finish(err error) {
	h.closeOnce.Do(func() {
		if !h.closing.Load() && err != nil {
			h.errMu.Lock()
			h.err = classify("stream", h.deviceID, err)
			h.errMu.Unlock()
			h.log.Warn().Err(err).Msg("stream lost")
		}
		h.d.conn.Close()
		h.rtp.Close()
		close(h.done)
	})
}

func (h *handle) sipLoop() {
	buf := make([]byte, 64<<10)
	for {
		n, err := h.d.conn.Read(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}
		msg, err := parseMessage(buf[:n])
		if err != nil || msg.header.Get("Call-Id") != h.d.callID {
			continue
		}
		if msg.isResponse() {
			select {
			case h.responses <- msg:
			default:
			}
			continue
		}
		if msg.method == "BYE" {
			_, _ = h.d.conn.Write(response(msg, 200, "OK"))
			h.finish(adapters.NewError(adapters.KindProtocol, "stream", h.deviceID, errRemoteHangup))
			return
		}
		_, _ = h.d.conn.Write(response(msg, 200, "OK"))
	}
}

func (h *handle) rtpLoop() {
	buf := make([]byte, 64<<10)
	for {
		_ = h.rtp.SetReadDeadline(time.Now().Add(h.idle))
		n, err := h.rtp.Read(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			h.finish(err)
			return
		}
		payload, ok := adapters.RTPPayload(buf[:n])
		if !ok {
			continue
		}
		h.frameMu.Lock()
		h.last = append(h.last[:0], payload...)
		h.lastAt = time.Now().UTC()
		h.frameMu.Unlock()
	}
}

func (h *handle) DeviceID() string        { return h.deviceID }
func (h *handle) Protocol() data.Protocol { return data.ProtocolGB28181 }
func (h *handle) StreamURL() string       { return h.streamURL }
func (h *handle) Done() <-chan struct{}   { return h.done }

func (h *handle) Err() error {
	h.errMu.Lock()
	defer h.errMu.Unlock()
	return h.err
}
