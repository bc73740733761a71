package rtsp

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"strconv"
	"strings"
	"sync"

	"github.com/technosupport/ts-devicehub/internal/adapters"
)

const (
	userAgent      = "ts-devicehub"
	maxMessageBody = 64 << 10
)

var errMalformed = errors.New("rtsp: malformed message")

// statusError is a non-2xx reply.
type statusError struct {
	method string
	code   int
	status string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("rtsp %s: %d %s", e.method, e.code, e.status)
}

type message struct {
	// code is 0 for server-initiated requests
	code   int
	status string
	header textproto.MIMEHeader
	body   []byte
}

// conn is one RTSP control connection. Writes are serialized; reads belong
// to whoever drives the handshake and later to the session reader.
type conn struct {
	nc net.Conn
	br *bufio.Reader

	wmu     sync.Mutex
	cseq    int
	user    string
	pass    string
	auth    adapters.Authorizer
	session string
}

func newConn(nc net.Conn, user, pass string) *conn {
	return &conn{nc: nc, br: bufio.NewReaderSize(nc, 64<<10), user: user, pass: pass}
}

func (c *conn) write(method, uri string, hdr map[string]string) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	c.cseq++
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s RTSP/1.0\r\nCSeq: %d\r\nUser-Agent: %s\r\n", method, uri, c.cseq, userAgent)
	if c.auth != nil {
		b.WriteString("Authorization: " + c.auth(method, uri) + "\r\n")
	}
	if c.session != "" {
		b.WriteString("Session: " + c.session + "\r\n")
	}
	for k, v := range hdr {
		b.WriteString(k + ": " + v + "\r\n")
	}
	b.WriteString("\r\n")

	_, err := io.WriteString(c.nc, b.String())
	return err
}

// readMessage reads the next RTSP message, skipping interleaved frames.
func (c *conn) readMessage() (*message, error) {
	for {
		b, err := c.br.Peek(1)
		if err != nil {
			return nil, err
		}
		if b[0] != '$' {
			break
		}
		if _, err := c.readFrame(); err != nil {
			return nil, err
		}
	}

	tp := textproto.NewReader(c.br)
	line, err := tp.ReadLine()
	if err != nil {
		return nil, err
	}

	msg := &message{}
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 {
		return nil, fmt.Errorf("%w: %q", errMalformed, line)
	}
	if strings.HasPrefix(parts[0], "RTSP/") {
		msg.code, err = strconv.Atoi(parts[1])
		if err != nil {
			return nil, fmt.Errorf("%w: status %q", errMalformed, parts[1])
		}
		if len(parts) == 3 {
			msg.status = parts[2]
		}
	} else if !strings.HasPrefix(parts[len(parts)-1], "RTSP/") {
		return nil, fmt.Errorf("%w: %q", errMalformed, line)
	}

	msg.header, err = tp.ReadMIMEHeader()
	if err != nil {
		return nil, err
	}
	if cl := msg.header.Get("Content-Length"); cl != "" {
		n, err := strconv.Atoi(cl)
		if err != nil || n < 0 || n > maxMessageBody {
			return nil, fmt.Errorf("%w: content-length %q", errMalformed, cl)
		}
		msg.body = make([]byte, n)
		if _, err := io.ReadFull(c.br, msg.body); err != nil {
			return nil, err
		}
	}
	return msg, nil
}

// readFrame consumes one '$'-prefixed interleaved frame.
func (c *conn) readFrame() (frame, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(c.br, hdr[:]); err != nil {
		return frame{}, err
	}
	n := int(hdr[2])<<8 | int(hdr[3])
	payload := make([]byte, n)
	if _, err := io.ReadFull(c.br, payload); err != nil {
		return frame{}, err
	}
	return frame{channel: hdr[1], payload: payload}, nil
}

type frame struct {
	channel byte
	payload []byte
}

// do sends a request and waits for its reply, answering one auth challenge.
func (c *conn) do(method, uri string, hdr map[string]string) (*message, error) {
	for attempt := 0; ; attempt++ {
		if err := c.write(method, uri, hdr); err != nil {
			return nil, err
		}
		resp, err := c.readMessage()
		if err != nil {
			return nil, err
		}
		if resp.code == 0 {
			// server request interleaved with our exchange; keep waiting
			if resp, err = c.readMessage(); err != nil {
				return nil, err
			}
		}

		if resp.code == 401 && attempt == 0 && c.user != "" {
			auth, err := adapters.NewAuthorizer(resp.header.Values("WWW-Authenticate"), c.user, c.pass)
			if err != nil {
				return nil, &statusError{method: method, code: resp.code, status: resp.status}
			}
			c.auth = auth
			continue
		}
		if resp.code < 200 || resp.code > 299 {
			return nil, &statusError{method: method, code: resp.code, status: resp.status}
		}
		return resp, nil
	}
}

func classify(op, deviceID string, err error) error {
	var se *statusError
	if errors.As(err, &se) {
		if se.code == 401 || se.code == 403 {
			return adapters.NewError(adapters.KindAuthFailed, op, deviceID, err)
		}
		return adapters.NewError(adapters.KindProtocol, op, deviceID, err)
	}
	if errors.Is(err, errMalformed) || errors.Is(err, io.ErrUnexpectedEOF) {
		return adapters.NewError(adapters.KindProtocol, op, deviceID, err)
	}
	return adapters.Classify(op, deviceID, err)
}
