package gb28181

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/textproto"
	"sort"
	"strconv"
	"strings"
)

const (
	sipVersion  = "SIP/2.0"
	userAgent   = "ts-devicehub"
	branchMagic = "z9hG4bK"
)

var errMalformed = errors.New("sip: malformed message")

// compact header forms (RFC 3261 §7.3.3)
var compact = map[string]string{
	"I": "Call-Id",
	"F": "From",
	"T": "To",
	"V": "Via",
	"L": "Content-Length",
	"C": "Content-Type",
	"M": "Contact",
}

type message struct {
	// request
	method string
	uri    string
	// response
	code   int
	reason string

	header textproto.MIMEHeader
	body   []byte
}

func (m *message) isResponse() bool { return m.code != 0 }

func (m *message) cseq() (int, string) {
	n, method, _ := strings.Cut(strings.TrimSpace(m.header.Get("CSeq")), " ")
	num, _ := strconv.Atoi(n)
	return num, strings.TrimSpace(method)
}

func parseMessage(b []byte) (*message, error) {
	head, body, found := bytes.Cut(b, []byte("\r\n\r\n"))
	if !found {
		return nil, errMalformed
	}
	lines := strings.Split(string(head), "\r\n")

	m := &message{header: textproto.MIMEHeader{}}
	start := strings.SplitN(lines[0], " ", 3)
	if len(start) < 3 {
		return nil, fmt.Errorf("%w: %q", errMalformed, lines[0])
	}
	if start[0] == sipVersion {
		code, err := strconv.Atoi(start[1])
		if err != nil {
			return nil, fmt.Errorf("%w: status %q", errMalformed, start[1])
		}
		m.code, m.reason = code, start[2]
	} else if start[2] == sipVersion {
		m.method, m.uri = start[0], start[1]
	} else {
		return nil, fmt.Errorf("%w: %q", errMalformed, lines[0])
	}

	for _, line := range lines[1:] {
		k, v, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key := textproto.CanonicalMIMEHeaderKey(strings.TrimSpace(k))
		if full, ok := compact[key]; ok {
			key = full
		}
		m.header.Add(key, strings.TrimSpace(v))
	}

	if cl := m.header.Get("Content-Length"); cl != "" {
		n, err := strconv.Atoi(cl)
		if err != nil || n < 0 || n > len(body) {
			return nil, fmt.Errorf("%w: content-length %q", errMalformed, cl)
		}
		body = body[:n]
	}
	m.body = body
	return m, nil
}

// request is an outbound SIP request under construction.
type request struct {
	method string
	uri    string
	header [][2]string
	body   []byte
}

func (r *request) add(k, v string) *request {
	r.header = append(r.header, [2]string{k, v})
	return r
}

func (r *request) bytes() []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "%s %s %s\r\n", r.method, r.uri, sipVersion)
	for _, h := range r.header {
		fmt.Fprintf(&b, "%s: %s\r\n", h[0], h[1])
	}
	fmt.Fprintf(&b, "Content-Length: %d\r\n\r\n", len(r.body))
	b.Write(r.body)
	return b.Bytes()
}

// response builds a reply echoing the transaction headers of req.
func response(req *message, code int, reason string) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "%s %d %s\r\n", sipVersion, code, reason)
	for _, k := range []string{"Via", "From", "To", "Call-Id", "Cseq"} {
		for _, v := range req.header.Values(k) {
			fmt.Fprintf(&b, "%s: %s\r\n", k, v)
		}
	}
	fmt.Fprintf(&b, "User-Agent: %s\r\nContent-Length: 0\r\n\r\n", userAgent)
	return b.Bytes()
}

func randomToken(n int) string {
	buf := make([]byte, n)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func newBranch() string { return branchMagic + randomToken(8) }

// headerParam extracts ;name=value from a header like From or To.
func headerParam(h, name string) string {
	for _, p := range strings.Split(h, ";")[1:] {
		k, v, _ := strings.Cut(strings.TrimSpace(p), "=")
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

// sdpOffer is the receive-only PS/H264 offer GB28181 devices expect.
func sdpOffer(localID, ip string, rtpPort int, ssrc string) []byte {
	lines := []string{
		"v=0",
		fmt.Sprintf("o=%s 0 0 IN IP4 %s", localID, ip),
		"s=Play",
		fmt.Sprintf("c=IN IP4 %s", ip),
		"t=0 0",
		fmt.Sprintf("m=video %d RTP/AVP 96 98 97", rtpPort),
		"a=recvonly",
		"a=rtpmap:96 PS/90000",
		"a=rtpmap:98 H264/90000",
		"a=rtpmap:97 MPEG4/90000",
		"y=" + ssrc,
	}
	return []byte(strings.Join(lines, "\r\n") + "\r\n")
}

// answerEncoding picks the first rtpmap encoding from the device's answer.
func answerEncoding(sdp []byte) string {
	var pts []string
	enc := map[string]string{}
	for _, line := range strings.Split(string(sdp), "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "m=video") {
			f := strings.Fields(line)
			if len(f) > 3 {
				pts = f[3:]
			}
		}
		if rest, ok := strings.CutPrefix(line, "a=rtpmap:"); ok {
			pt, name, _ := strings.Cut(rest, " ")
			e, _, _ := strings.Cut(name, "/")
			enc[pt] = e
		}
	}
	for _, pt := range pts {
		if e, ok := enc[pt]; ok {
			return e
		}
	}
	keys := make([]string, 0, len(enc))
	for k := range enc {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if len(keys) > 0 {
		return enc[keys[0]]
	}
	return "PS"
}
