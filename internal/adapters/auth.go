package adapters

import (
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// Authorizer returns the Authorization header value for one request.
type Authorizer func(method, uri string) string

var ErrNoSupportedAuth = errors.New("no supported auth challenge")

// NewAuthorizer answers a WWW-Authenticate challenge set (RTSP or HTTP).
// Digest is preferred over Basic when both are offered.
func NewAuthorizer(challenges []string, user, pass string) (Authorizer, error) {
	var basic bool
	for _, ch := range challenges {
		scheme, rest, _ := strings.Cut(strings.TrimSpace(ch), " ")
		switch strings.ToLower(scheme) {
		case "digest":
			return digestAuthorizer(ParseAuthParams(rest), user, pass), nil
		case "basic":
			basic = true
		}
	}
	if basic {
		token := base64.StdEncoding.EncodeToString([]byte(user + ":" + pass))
		return func(string, string) string { return "Basic " + token }, nil
	}
	return nil, ErrNoSupportedAuth
}

func digestAuthorizer(p map[string]string, user, pass string) Authorizer {
	realm, nonce, opaque := p["realm"], p["nonce"], p["opaque"]
	qop := ""
	for _, q := range strings.Split(p["qop"], ",") {
		if strings.TrimSpace(q) == "auth" {
			qop = "auth"
		}
	}
	ha1 := md5hex(user + ":" + realm + ":" + pass)

	var mu sync.Mutex
	nc := 0
	return func(method, uri string) string {
		ha2 := md5hex(method + ":" + uri)

		var b strings.Builder
		fmt.Fprintf(&b, `Digest username="%s", realm="%s", nonce="%s", uri="%s"`, user, realm, nonce, uri)
		if qop == "" {
			fmt.Fprintf(&b, `, response="%s"`, md5hex(ha1+":"+nonce+":"+ha2))
		} else {
			mu.Lock()
			nc++
			count := fmt.Sprintf("%08x", nc)
			mu.Unlock()
			cnonce := md5hex(fmt.Sprintf("%s:%s", nonce, count))[:16]
			resp := md5hex(strings.Join([]string{ha1, nonce, count, cnonce, qop, ha2}, ":"))
			fmt.Fprintf(&b, `, qop=%s, nc=%s, cnonce="%s", response="%s"`, qop, count, cnonce, resp)
		}
		if opaque != "" {
			fmt.Fprintf(&b, `, opaque="%s"`, opaque)
		}
		if alg := p["algorithm"]; alg != "" {
			fmt.Fprintf(&b, `, algorithm=%s`, alg)
		}
		return b.String()
	}
}

// ParseAuthParams splits `k1="v, 1", k2=v2` into a map with lowercased keys.
func ParseAuthParams(s string) map[string]string {
	out := map[string]string{}
	for len(s) > 0 {
		s = strings.TrimLeft(s, " ,\t")
		eq := strings.IndexByte(s, '=')
		if eq < 0 {
			break
		}
		key := strings.ToLower(strings.TrimSpace(s[:eq]))
		s = s[eq+1:]

		var val string
		if strings.HasPrefix(s, `"`) {
			end := strings.IndexByte(s[1:], '"')
			if end < 0 {
				val, s = s[1:], ""
			} else {
				val, s = s[1:end+1], s[end+2:]
			}
		} else {
			end := strings.IndexByte(s, ',')
			if end < 0 {
				val, s = s, ""
			} else {
				val, s = s[:end], s[end:]
			}
		}
		out[key] = strings.TrimSpace(val)
	}
	return out
}

func md5hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}
