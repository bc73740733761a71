package gb28181

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/technosupport/ts-devicehub/internal/adapters"
	"github.com/technosupport/ts-devicehub/internal/data"
	"github.com/technosupport/ts-devicehub/internal/logging"
)

const (
	defaultSIPPort = 5060
	// default platform id: 3402000000 domain, type 200 (SIP server)
	defaultLocalID = "34020000002000000001"
	t1             = 500 * time.Millisecond
)

// statusError is a final non-2xx SIP response.
type statusError struct {
	method string
	code   int
	reason string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("sip %s: %d %s", e.method, e.code, e.reason)
}

type Adapter struct {
	opts    adapters.SIPOptions
	timeout time.Duration
	log     zerolog.Logger
}

func NewAdapter(opts adapters.Options) *Adapter {
	t := opts.Timeout
	if t <= 0 {
		t = adapters.DefaultTimeout * time.Second
	}
	sip := opts.SIP
	if sip.LocalID == "" {
		sip.LocalID = defaultLocalID
	}
	return &Adapter{opts: sip, timeout: t, log: logging.Component("gb28181")}
}

func init() {
	adapters.Register(data.ProtocolGB28181, func(opts adapters.Options) (adapters.Adapter, error) {
		return NewAdapter(opts), nil
	})
}

func (a *Adapter) Protocol() data.Protocol { return data.ProtocolGB28181 }

// dialog holds the transport and identity of one SIP exchange with a device.
type dialog struct {
	conn     *net.UDPConn
	localIP  string
	local    string // host:port
	remote   string // host:port
	localID  string
	target   string // device or channel id
	callID   string
	fromTag  string
	toHeader string
	cseq     int
	user     string
	pass     string
}

func (a *Adapter) dial(dev data.Device, target string) (*dialog, error) {
	remote := adapters.HostPort(dev.IPAddress, dev.Port, defaultSIPPort)
	raddr, err := net.ResolveUDPAddr("udp", remote)
	if err != nil {
		return nil, err
	}
	var laddr *net.UDPAddr
	if a.opts.LocalPort > 0 {
		laddr = &net.UDPAddr{Port: a.opts.LocalPort}
	}
	conn, err := net.DialUDP("udp", laddr, raddr)
	if err != nil {
		return nil, err
	}
	la := conn.LocalAddr().(*net.UDPAddr)
	ip := a.opts.LocalIP
	if ip == "" {
		ip = la.IP.String()
	}
	return &dialog{
		conn:    conn,
		localIP: ip,
		local:   net.JoinHostPort(ip, strconv.Itoa(la.Port)),
		remote:  remote,
		localID: a.opts.LocalID,
		target:  target,
		callID:  randomToken(12) + "@" + ip,
		fromTag: randomToken(4),
		user:    dev.Username,
		pass:    dev.Password,
	}, nil
}

func (d *dialog) requestURI() string { return "sip:" + d.target + "@" + d.remote }

func (d *dialog) newRequest(method string, cseq int, branch string) *request {
	to := d.toHeader
	if to == "" {
		to = "<" + d.requestURI() + ">"
	}
	r := &request{method: method, uri: d.requestURI()}
	r.add("Via", "SIP/2.0/UDP "+d.local+";rport;branch="+branch).
		add("From", "<sip:"+d.localID+"@"+d.local+">;tag="+d.fromTag).
		add("To", to).
		add("Call-ID", d.callID).
		add("CSeq", strconv.Itoa(cseq)+" "+method).
		add("Max-Forwards", "70").
		add("User-Agent", userAgent)
	return r
}

// roundTrip sends req and returns the final response of its transaction,
// retransmitting on the RFC 3261 timer T1 schedule until ctx expires.
func (d *dialog) roundTrip(ctx context.Context, r *request, cseq int) (*message, error) {
	raw := r.bytes()
	if _, err := d.conn.Write(raw); err != nil {
		return nil, err
	}

	interval := t1
	resend := time.Now().Add(interval)
	buf := make([]byte, 64<<10)
	for {
		dl := resend
		if ctxDL, ok := ctx.Deadline(); ok && ctxDL.Before(dl) {
			dl = ctxDL
		}
		_ = d.conn.SetReadDeadline(dl)

		n, err := d.conn.Read(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if errors.Is(err, os.ErrDeadlineExceeded) {
				if r.method != "ACK" {
					_, _ = d.conn.Write(raw)
				}
				if interval < 4*time.Second {
					interval *= 2
				}
				resend = time.Now().Add(interval)
				continue
			}
			return nil, err
		}

		msg, err := parseMessage(buf[:n])
		if err != nil || !msg.isResponse() || msg.header.Get("Call-Id") != d.callID {
			continue
		}
		if num, method := msg.cseq(); num != cseq || method != r.method {
			continue
		}
		if msg.code < 200 {
			// provisional; stop retransmitting and wait for the final answer
			resend = time.Now().Add(time.Hour)
			continue
		}
		return msg, nil
	}
}

// transact runs a request, answering one 401/407 challenge with digest auth.
func (d *dialog) transact(ctx context.Context, method string, body []byte, extra ...[2]string) (*message, *request, error) {
	var authHeader string
	for attempt := 0; ; attempt++ {
		d.cseq++
		r := d.newRequest(method, d.cseq, newBranch())
		for _, h := range extra {
			r.add(h[0], h[1])
		}
		if authHeader != "" {
			r.add(authHeaderName(authHeader), authHeader)
		}
		r.body = body

		stop := context.AfterFunc(ctx, func() { _ = d.conn.SetReadDeadline(time.Now()) })
		resp, err := d.roundTrip(ctx, r, d.cseq)
		stop()
		if err != nil {
			return nil, r, err
		}

		if (resp.code == 401 || resp.code == 407) && attempt == 0 && d.user != "" {
			hdr := "Www-Authenticate"
			if resp.code == 407 {
				hdr = "Proxy-Authenticate"
			}
			auth, err := adapters.NewAuthorizer(resp.header.Values(hdr), d.user, d.pass)
			if err != nil {
				return resp, r, &statusError{method: method, code: resp.code, reason: resp.reason}
			}
			authHeader = auth(method, d.requestURI())
			if resp.code == 407 {
				authHeader = "proxy:" + authHeader
			}
			continue
		}
		if resp.code < 200 || resp.code > 299 {
			return resp, r, &statusError{method: method, code: resp.code, reason: resp.reason}
		}
		return resp, r, nil
	}
}

func authHeaderName(v string) string {
	if len(v) > 6 && v[:6] == "proxy:" {
		return "Proxy-Authorization"
	}
	return "Authorization"
}

func (a *Adapter) Probe(ctx context.Context, dev data.Device) data.DeviceStatus {
	target := dev.GBDeviceID
	if target == "" {
		target = dev.GBChannelID
	}
	d, err := a.dial(dev, target)
	if err != nil {
		return adapters.StatusFor(classify("probe", dev.DeviceID, err))
	}
	defer d.conn.Close()

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	_, _, err = d.transact(ctx, "OPTIONS", nil)
	var se *statusError
	if errors.As(err, &se) && (se.code == 405 || se.code == 501) {
		// answered, just doesn't implement OPTIONS
		return data.StatusOnline
	}
	return adapters.StatusFor(classify("probe", dev.DeviceID, err))
}

func classify(op, deviceID string, err error) error {
	if err == nil {
		return nil
	}
	var se *statusError
	if errors.As(err, &se) {
		if se.code == 401 || se.code == 403 || se.code == 407 {
			return adapters.NewError(adapters.KindAuthFailed, op, deviceID, err)
		}
		return adapters.NewError(adapters.KindProtocol, op, deviceID, err)
	}
	if errors.Is(err, errMalformed) {
		return adapters.NewError(adapters.KindProtocol, op, deviceID, err)
	}
	return adapters.Classify(op, deviceID, err)
}

// ssrc is the GB28181 y= value: "0" (live) followed by nine digits.
func ssrc() string {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000_000))
	if err != nil {
		return "0000000001"
	}
	return fmt.Sprintf("0%09d", n.Int64())
}
