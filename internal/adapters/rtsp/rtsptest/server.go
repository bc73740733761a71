// Package rtsptest runs an in-process RTSP server on loopback for adapter
// tests. It speaks just enough RTSP/1.0 to drive a TCP-interleaved session.
package rtsptest

import (
	"bufio"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"strings"
	"sync"

	"github.com/technosupport/ts-devicehub/internal/adapters"
)

const (
	realm = "fake-camera"
	nonce = "0a4f113b"
)

type Server struct {
	// Credentials required for DESCRIBE and later when User is non-empty.
	User, Pass string
	// RTP packets written on channel 0 right after PLAY.
	Packets [][]byte
	// Close the connection once the packets are written.
	DropAfterPlay bool

	ln net.Listener
	wg sync.WaitGroup

	mu       sync.Mutex
	methods  []string
	teardown chan struct{}
	conns    []net.Conn
}

func NewServer() (*Server, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	s := &Server{ln: ln, teardown: make(chan struct{}, 16)}
	s.wg.Add(1)
	go s.serve()
	return s, nil
}

// Addr is host:port of the listener.
func (s *Server) Addr() string { return s.ln.Addr().String() }

func (s *Server) Host() (string, int) {
	a := s.ln.Addr().(*net.TCPAddr)
	return a.IP.String(), a.Port
}

func (s *Server) URL(path string) string {
	return "rtsp://" + s.Addr() + path
}

// Methods returns request methods in arrival order.
func (s *Server) Methods() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.methods...)
}

// Teardowns delivers one value per TEARDOWN received.
func (s *Server) Teardowns() <-chan struct{} { return s.teardown }

func (s *Server) Close() {
	s.ln.Close()
	s.mu.Lock()
	for _, c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Server) serve() {
	defer s.wg.Done()
	for {
		c, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, c)
		s.mu.Unlock()
		s.wg.Add(1)
		go s.handle(c)
	}
}

func (s *Server) handle(c net.Conn) {
	defer s.wg.Done()
	defer c.Close()

	tp := textproto.NewReader(bufio.NewReader(c))
	var wmu sync.Mutex
	reply := func(cseq string, code int, status string, hdr map[string]string, body string) {
		wmu.Lock()
		defer wmu.Unlock()
		var b strings.Builder
		fmt.Fprintf(&b, "RTSP/1.0 %d %s\r\nCSeq: %s\r\n", code, status, cseq)
		for k, v := range hdr {
			fmt.Fprintf(&b, "%s: %s\r\n", k, v)
		}
		if body != "" {
			fmt.Fprintf(&b, "Content-Length: %d\r\n", len(body))
		}
		b.WriteString("\r\n" + body)
		_, _ = io.WriteString(c, b.String())
	}

	for {
		line, err := tp.ReadLine()
		if err != nil {
			return
		}
		hdr, err := tp.ReadMIMEHeader()
		if err != nil {
			return
		}
		parts := strings.Fields(line)
		if len(parts) < 3 {
			return
		}
		method, uri, cseq := parts[0], parts[1], hdr.Get("CSeq")

		s.mu.Lock()
		s.methods = append(s.methods, method)
		s.mu.Unlock()

		if s.User != "" && method != "OPTIONS" && method != "TEARDOWN" && !s.authorized(method, uri, hdr.Get("Authorization")) {
			reply(cseq, 401, "Unauthorized", map[string]string{
				"WWW-Authenticate": fmt.Sprintf(`Digest realm="%s", nonce="%s"`, realm, nonce),
			}, "")
			continue
		}

		switch method {
		case "OPTIONS":
			reply(cseq, 200, "OK", map[string]string{"Public": "OPTIONS, DESCRIBE, SETUP, PLAY, TEARDOWN, GET_PARAMETER"}, "")
		case "DESCRIBE":
			sdp := "v=0\r\no=- 0 0 IN IP4 127.0.0.1\r\ns=fake\r\nt=0 0\r\n" +
				"m=video 0 RTP/AVP 96\r\na=rtpmap:96 H264/90000\r\na=control:trackID=0\r\n"
			reply(cseq, 200, "OK", map[string]string{
				"Content-Type": "application/sdp",
				"Content-Base": strings.TrimSuffix(uri, "/") + "/",
			}, sdp)
		case "SETUP":
			reply(cseq, 200, "OK", map[string]string{
				"Session":   "12345678;timeout=60",
				"Transport": hdr.Get("Transport"),
			}, "")
		case "PLAY":
			reply(cseq, 200, "OK", map[string]string{"Session": "12345678"}, "")
			wmu.Lock()
			for _, p := range s.Packets {
				buf := []byte{'$', 0, byte(len(p) >> 8), byte(len(p))}
				_, _ = c.Write(append(buf, p...))
			}
			wmu.Unlock()
			if s.DropAfterPlay {
				return
			}
		case "TEARDOWN":
			reply(cseq, 200, "OK", nil, "")
			s.teardown <- struct{}{}
			return
		default:
			reply(cseq, 200, "OK", nil, "")
		}
	}
}

func (s *Server) authorized(method, uri, header string) bool {
	scheme, rest, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Digest") {
		return false
	}
	p := adapters.ParseAuthParams(rest)
	ha1 := md5hex(s.User + ":" + realm + ":" + s.Pass)
	ha2 := md5hex(method + ":" + p["uri"])
	return p["username"] == s.User && p["uri"] == uri && p["response"] == md5hex(ha1+":"+nonce+":"+ha2)
}

func md5hex(v string) string {
	sum := md5.Sum([]byte(v))
	return hex.EncodeToString(sum[:])
}

// RTPPacket builds a minimal RTP packet around payload.
func RTPPacket(seq uint16, payload []byte) []byte {
	pkt := []byte{0x80, 96, byte(seq >> 8), byte(seq), 0, 0, 0, 1, 0, 0, 0, 42}
	return append(pkt, payload...)
}
