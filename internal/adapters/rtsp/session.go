package rtsp

import (
	"context"
	"errors"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/technosupport/ts-devicehub/internal/adapters"
	"github.com/technosupport/ts-devicehub/internal/data"
	"github.com/technosupport/ts-devicehub/internal/logging"
)

const defaultKeepalive = 30 * time.Second

type SessionConfig struct {
	DeviceID string
	Protocol data.Protocol
	// URL may carry credentials; they are stripped from requests and used
	// for auth instead. Username/Password apply when the URL has none.
	URL      string
	Username string
	Password string
	// IdleTimeout bounds the gap between frames before the stream is
	// declared lost. Zero disables the check.
	IdleTimeout time.Duration
}

// Session is a playing RTSP stream with RTP interleaved over the control
// connection. It implements adapters.Handle.
type Session struct {
	deviceID  string
	protocol  data.Protocol
	uri       string
	streamURL string
	mediaType string
	idle      time.Duration
	keepalive time.Duration
	c         *conn
	log       zerolog.Logger

	done      chan struct{}
	closeOnce sync.Once
	closing   atomic.Bool
	errMu     sync.Mutex
	err       error

	frameMu   sync.RWMutex
	lastFrame []byte
	lastAt    time.Time
}

// Start dials, runs OPTIONS/DESCRIBE/SETUP/PLAY and starts reading. ctx
// bounds the handshake only.
func Start(ctx context.Context, cfg SessionConfig) (*Session, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, adapters.NewError(adapters.KindProtocol, "connect", cfg.DeviceID, err)
	}
	user, pass := cfg.Username, cfg.Password
	if u.User != nil {
		user = u.User.Username()
		pass, _ = u.User.Password()
		u.User = nil
	}
	host := u.Host
	if u.Port() == "" {
		host = net.JoinHostPort(u.Hostname(), strconv.Itoa(adapters.DefaultRTSPPort))
	}

	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", host)
	if err != nil {
		return nil, classify("connect", cfg.DeviceID, err)
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = nc.SetDeadline(dl)
	}
	stop := context.AfterFunc(ctx, func() { _ = nc.SetDeadline(time.Now()) })

	s := &Session{
		deviceID:  cfg.DeviceID,
		protocol:  cfg.Protocol,
		uri:       u.String(),
		streamURL: adapters.SanitizeRtspUrl(u.String()),
		idle:      cfg.IdleTimeout,
		keepalive: defaultKeepalive,
		c:         newConn(nc, user, pass),
		done:      make(chan struct{}),
		log:       logging.Component("rtsp").With().Str("device_id", cfg.DeviceID).Logger(),
	}
	if s.protocol == "" {
		s.protocol = data.ProtocolRTSP
	}

	err = s.handshake()
	if !stop() && err == nil {
		err = ctx.Err()
	}
	if err != nil {
		nc.Close()
		// A deadline we forced from ctx reports as the ctx error.
		if ctxErr := ctx.Err(); ctxErr != nil && isDeadline(err) {
			err = ctxErr
		}
		return nil, classify("connect", cfg.DeviceID, err)
	}
	_ = nc.SetDeadline(time.Time{})

	go s.readLoop()
	go s.keepaliveLoop()
	return s, nil
}

func isDeadline(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func (s *Session) handshake() error {
	if _, err := s.c.do("OPTIONS", s.uri, nil); err != nil {
		return err
	}

	desc, err := s.c.do("DESCRIBE", s.uri, map[string]string{"Accept": "application/sdp"})
	if err != nil {
		return err
	}
	track, ok := pickVideo(parseSDP(desc.body))
	if !ok {
		return errMalformed
	}
	s.mediaType = contentType(track)

	base := s.uri
	if cb := desc.header.Get("Content-Base"); cb != "" {
		base = cb
	} else if cl := desc.header.Get("Content-Location"); cl != "" {
		base = cl
	}

	setup, err := s.c.do("SETUP", resolveControl(base, track.control), map[string]string{
		"Transport": "RTP/AVP/TCP;unicast;interleaved=0-1",
	})
	if err != nil {
		return err
	}
	id, params, _ := strings.Cut(setup.header.Get("Session"), ";")
	s.c.session = strings.TrimSpace(id)
	if v, ok := strings.CutPrefix(strings.TrimSpace(params), "timeout="); ok {
		if secs, err := strconv.Atoi(v); err == nil && secs > 1 {
			s.keepalive = time.Duration(secs) * time.Second / 2
		}
	}

	_, err = s.c.do("PLAY", base, map[string]string{"Range": "npt=0.000-"})
	return err
}

func (s *Session) readLoop() {
	for {
		if s.idle > 0 {
			_ = s.c.nc.SetReadDeadline(time.Now().Add(s.idle))
		}
		b, err := s.c.br.Peek(1)
		if err != nil {
			s.finish(err)
			return
		}
		if b[0] != '$' {
			msg, err := s.c.readMessage()
			if err != nil {
				s.finish(err)
				return
			}
			if msg.code >= 400 {
				s.log.Debug().Int("code", msg.code).Msg("keepalive rejected")
			}
			continue
		}

		f, err := s.c.readFrame()
		if err != nil {
			s.finish(err)
			return
		}
		if f.channel == 0 {
			s.storeFrame(f.payload)
		}
	}
}

func (s *Session) keepaliveLoop() {
	t := time.NewTicker(s.keepalive)
	defer t.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-t.C:
			if err := s.c.write("GET_PARAMETER", s.uri, nil); err != nil {
				s.log.Debug().Err(err).Msg("keepalive write failed")
			}
		}
	}
}

// storeFrame keeps the RTP payload of the newest packet.
func (s *Session) storeFrame(pkt []byte) {
	payload, ok := adapters.RTPPayload(pkt)
	if !ok {
		return
	}
	s.frameMu.Lock()
	s.lastFrame = payload
	s.lastAt = time.Now().UTC()
	s.frameMu.Unlock()
}

func (s *Session) finish(err error) {
	s.closeOnce.Do(func() {
		if !s.closing.Load() {
			s.errMu.Lock()
			s.err = classify("stream", s.deviceID, err)
			s.errMu.Unlock()
			s.log.Warn().Err(err).Msg("stream lost")
		}
		s.c.nc.Close()
		close(s.done)
	})
}

// Close sends TEARDOWN and releases the connection. Safe to call repeatedly.
func (s *Session) Close(ctx context.Context) error {
	if !s.closing.CompareAndSwap(false, true) {
		<-s.done
		return nil
	}
	select {
	case <-s.done:
		return nil
	default:
	}

	dl := time.Now().Add(adapters.DefaultTimeout * time.Second)
	if d, ok := ctx.Deadline(); ok {
		dl = d
	}
	_ = s.c.nc.SetWriteDeadline(dl)
	if err := s.c.write("TEARDOWN", s.uri, nil); err != nil {
		s.log.Debug().Err(err).Msg("teardown write failed")
	}
	s.c.nc.Close()
	<-s.done
	return nil
}

// Frame returns a copy of the newest payload, or nil before the first one.
func (s *Session) Frame() *data.Frame {
	s.frameMu.RLock()
	defer s.frameMu.RUnlock()
	if s.lastFrame == nil {
		return nil
	}
	buf := append([]byte(nil), s.lastFrame...)
	return &data.Frame{
		DeviceID:    s.deviceID,
		ContentType: s.mediaType,
		Data:        buf,
		Size:        len(buf),
		CapturedAt:  s.lastAt,
	}
}

func (s *Session) DeviceID() string        { return s.deviceID }
func (s *Session) Protocol() data.Protocol { return s.protocol }
func (s *Session) StreamURL() string       { return s.streamURL }
func (s *Session) Done() <-chan struct{}   { return s.done }

func (s *Session) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}
