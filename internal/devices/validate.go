package devices

import (
	"net"
	"regexp"
	"strings"

	"github.com/technosupport/ts-devicehub/internal/data"
)

const (
	maxNameLen     = 120
	defaultRTSP    = 554
	defaultONVIF   = 80
	defaultGBPort  = 5060
	maxHostnameLen = 253
)

var (
	hostnameRe = regexp.MustCompile(`^([a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?)(\.[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?)*$`)
	gbIDRe     = regexp.MustCompile(`^[0-9]{20}$`)
)

// DefaultPort is the well-known port for a protocol.
func DefaultPort(p data.Protocol) int {
	switch p {
	case data.ProtocolONVIF:
		return defaultONVIF
	case data.ProtocolGB28181:
		return defaultGBPort
	default:
		return defaultRTSP
	}
}

// normalize fills defaults on a new device config.
func normalize(d *data.Device) {
	d.DeviceID = strings.TrimSpace(d.DeviceID)
	d.Name = strings.TrimSpace(d.Name)
	d.IPAddress = strings.TrimSpace(d.IPAddress)
	if d.Protocol == "" {
		d.Protocol = data.ProtocolRTSP
	} else if p, ok := data.ParseProtocol(string(d.Protocol)); ok {
		d.Protocol = p
	}
	if d.Port == 0 {
		d.Port = DefaultPort(d.Protocol)
	}
}

// Validate checks a device config. It never mutates d.
func Validate(d data.Device) error {
	if d.Name == "" {
		return data.Invalid("name", "required")
	}
	if len(d.Name) > maxNameLen {
		return data.Invalid("name", "too long")
	}
	if _, ok := data.ParseProtocol(string(d.Protocol)); !ok {
		return data.Invalid("protocol", "must be one of RTSP, ONVIF, GB28181")
	}
	if !validHost(d.IPAddress) {
		return data.Invalid("ip_address", "must be an IP address or hostname")
	}
	if d.Port < 1 || d.Port > 65535 {
		return data.Invalid("port", "must be in 1..65535")
	}
	if (d.Username == "") != (d.Password == "") {
		return data.Invalid("username", "username and password must be set together")
	}

	if d.Protocol == data.ProtocolGB28181 {
		if d.GBDeviceID == "" {
			return data.Invalid("gb_device_id", "required for GB28181")
		}
		if !gbIDRe.MatchString(d.GBDeviceID) {
			return data.Invalid("gb_device_id", "must be 20 digits")
		}
		if d.GBChannelID != "" && !gbIDRe.MatchString(d.GBChannelID) {
			return data.Invalid("gb_channel_id", "must be 20 digits")
		}
		if d.GBManufacturer == "" {
			return data.Invalid("gb_manufacturer", "required for GB28181")
		}
	}

	if d.RTSPURL != "" && !strings.HasPrefix(strings.ToLower(d.RTSPURL), "rtsp://") {
		return data.Invalid("rtsp_url", "must be an rtsp:// URL")
	}
	return nil
}

func validHost(s string) bool {
	if s == "" {
		return false
	}
	if net.ParseIP(s) != nil {
		return true
	}
	return len(s) <= maxHostnameLen && hostnameRe.MatchString(s)
}
