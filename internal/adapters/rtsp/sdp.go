package rtsp

import (
	"strconv"
	"strings"
)

type media struct {
	kind        string // video, audio
	control     string
	encoding    string // e.g. H264
	payloadType int
}

func parseSDP(body []byte) []media {
	var out []media
	var cur *media
	for _, line := range strings.Split(string(body), "\n") {
		line = strings.TrimRight(line, "\r")
		switch {
		case strings.HasPrefix(line, "m="):
			f := strings.Fields(line[2:])
			m := media{payloadType: -1}
			if len(f) > 0 {
				m.kind = f[0]
			}
			if len(f) > 3 {
				m.payloadType, _ = strconv.Atoi(f[3])
			}
			out = append(out, m)
			cur = &out[len(out)-1]
		case cur == nil:
		case strings.HasPrefix(line, "a=control:"):
			cur.control = strings.TrimSpace(line[len("a=control:"):])
		case strings.HasPrefix(line, "a=rtpmap:"):
			pt, enc, ok := strings.Cut(line[len("a=rtpmap:"):], " ")
			if n, err := strconv.Atoi(pt); ok && err == nil && n == cur.payloadType {
				cur.encoding, _, _ = strings.Cut(enc, "/")
			}
		}
	}
	return out
}

// pickVideo returns the first video track, else the first track.
func pickVideo(ms []media) (media, bool) {
	for _, m := range ms {
		if m.kind == "video" {
			return m, true
		}
	}
	if len(ms) > 0 {
		return ms[0], true
	}
	return media{}, false
}

func resolveControl(base, control string) string {
	switch {
	case control == "" || control == "*":
		return base
	case strings.HasPrefix(strings.ToLower(control), "rtsp://"):
		return control
	case strings.HasSuffix(base, "/"):
		return base + control
	default:
		return base + "/" + control
	}
}

func contentType(m media) string {
	if m.encoding == "" {
		return "application/octet-stream"
	}
	return m.kind + "/" + m.encoding
}
