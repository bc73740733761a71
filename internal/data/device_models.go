package data

import (
	"strings"
	"time"
)

type Protocol string

const (
	ProtocolRTSP    Protocol = "RTSP"
	ProtocolONVIF   Protocol = "ONVIF"
	ProtocolGB28181 Protocol = "GB28181"
)

// ParseProtocol accepts any casing ("rtsp", "Onvif", "gb28181").
func ParseProtocol(s string) (Protocol, bool) {
	switch Protocol(strings.ToUpper(strings.TrimSpace(s))) {
	case ProtocolRTSP:
		return ProtocolRTSP, true
	case ProtocolONVIF:
		return ProtocolONVIF, true
	case ProtocolGB28181:
		return ProtocolGB28181, true
	}
	return "", false
}

type DeviceStatus string

const (
	StatusOnline  DeviceStatus = "online"
	StatusOffline DeviceStatus = "offline"
	StatusError   DeviceStatus = "error"
)

func (s DeviceStatus) Valid() bool {
	return s == StatusOnline || s == StatusOffline || s == StatusError
}

// Device is the registry record for one camera. Values handed out by the
// registry are copies; mutating them has no effect on registry state.
type Device struct {
	DeviceID    string       `json:"device_id"`
	Name        string       `json:"name"`
	Protocol    Protocol     `json:"protocol"`
	IPAddress   string       `json:"ip_address"`
	Port        int          `json:"port"`
	Username    string       `json:"username,omitempty"`
	Password    string       `json:"-"`
	Location    string       `json:"location,omitempty"`
	Description string       `json:"description,omitempty"`
	Status      DeviceStatus `json:"status"`
	LastSeen    *time.Time   `json:"last_seen,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`

	// GB28181
	GBDeviceID     string `json:"gb_device_id,omitempty"`
	GBChannelID    string `json:"gb_channel_id,omitempty"`
	GBManufacturer string `json:"gb_manufacturer,omitempty"`
	GBModel        string `json:"gb_model,omitempty"`

	// Explicit stream URL; overrides the per-protocol default.
	RTSPURL string `json:"rtsp_url,omitempty"`
}

// HasCredentials reports whether both username and password are set.
func (d Device) HasCredentials() bool {
	return d.Username != "" && d.Password != ""
}

type DeviceFilter struct {
	Protocol Protocol
	Status   DeviceStatus
	Location string // case-insensitive substring
}

func (f DeviceFilter) Match(d Device) bool {
	if f.Protocol != "" && d.Protocol != f.Protocol {
		return false
	}
	if f.Status != "" && d.Status != f.Status {
		return false
	}
	if f.Location != "" && !strings.Contains(strings.ToLower(d.Location), strings.ToLower(f.Location)) {
		return false
	}
	return true
}

// DevicePatch carries optional updates. Nil fields are left unchanged.
type DevicePatch struct {
	Name           *string `json:"name,omitempty"`
	IPAddress      *string `json:"ip_address,omitempty"`
	Port           *int    `json:"port,omitempty"`
	Username       *string `json:"username,omitempty"`
	Password       *string `json:"password,omitempty"`
	Location       *string `json:"location,omitempty"`
	Description    *string `json:"description,omitempty"`
	GBDeviceID     *string `json:"gb_device_id,omitempty"`
	GBChannelID    *string `json:"gb_channel_id,omitempty"`
	GBManufacturer *string `json:"gb_manufacturer,omitempty"`
	GBModel        *string `json:"gb_model,omitempty"`
	RTSPURL        *string `json:"rtsp_url,omitempty"`
}

// Apply returns a copy of d with the patch applied.
func (p DevicePatch) Apply(d Device) Device {
	set := func(dst *string, v *string) {
		if v != nil {
			*dst = *v
		}
	}
	set(&d.Name, p.Name)
	set(&d.IPAddress, p.IPAddress)
	set(&d.Username, p.Username)
	set(&d.Password, p.Password)
	set(&d.Location, p.Location)
	set(&d.Description, p.Description)
	set(&d.GBDeviceID, p.GBDeviceID)
	set(&d.GBChannelID, p.GBChannelID)
	set(&d.GBManufacturer, p.GBManufacturer)
	set(&d.GBModel, p.GBModel)
	set(&d.RTSPURL, p.RTSPURL)
	if p.Port != nil {
		d.Port = *p.Port
	}
	return d
}

// DeviceCounts backs the dashboard summary cards.
type DeviceCounts struct {
	Total   int `json:"total"`
	Online  int `json:"online"`
	Offline int `json:"offline"`
	Error   int `json:"error"`
}
