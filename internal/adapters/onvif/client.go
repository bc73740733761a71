package onvif

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const maxSOAPResponse = 1 << 20

// ErrNotAuthorized is returned for HTTP 401 or a ter:NotAuthorized fault.
var ErrNotAuthorized = errors.New("onvif: not authorized")

// FaultError is any other non-200 SOAP reply.
type FaultError struct {
	Status int
	Reason string
}

func (e *FaultError) Error() string {
	return fmt.Sprintf("onvif fault %d: %s", e.Status, e.Reason)
}

// Client handles SOAP requests against one device service
type Client struct {
	BaseURL  string
	Username string
	Password string
	HTTP     *http.Client
}

func NewClient(xaddr, username, password string, timeout time.Duration) (*Client, error) {
	u, err := url.Parse(xaddr)
	if err != nil {
		return nil, err
	}
	return &Client{
		BaseURL:  u.String(),
		Username: username,
		Password: password,
		HTTP:     &http.Client{Timeout: timeout},
	}, nil
}

// at returns a client for another service endpoint of the same device.
func (c *Client) at(xaddr string) *Client {
	if xaddr == "" || xaddr == c.BaseURL {
		return c
	}
	return &Client{BaseURL: xaddr, Username: c.Username, Password: c.Password, HTTP: c.HTTP}
}

type DeviceInformation struct {
	Manufacturer    string
	Model           string
	FirmwareVersion string
	SerialNumber    string
	HardwareId      string
}

func (c *Client) GetDeviceInformation(ctx context.Context) (*DeviceInformation, error) {
	reqBody := `<tds:GetDeviceInformation xmlns:tds="http://www.onvif.org/ver10/device/wsdl"/>`
	resp, err := c.Do(ctx, reqBody)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Body struct {
			GetDeviceInformationResponse DeviceInformation `xml:"GetDeviceInformationResponse"`
		}
	}
	if err := xml.Unmarshal(resp, &parsed); err != nil {
		return nil, err
	}
	return &parsed.Body.GetDeviceInformationResponse, nil
}

// GetCapabilities returns the media service XAddr.
func (c *Client) GetCapabilities(ctx context.Context) (string, error) {
	reqBody := `<tds:GetCapabilities xmlns:tds="http://www.onvif.org/ver10/device/wsdl">
		<tds:Category>Media</tds:Category>
	</tds:GetCapabilities>`

	resp, err := c.Do(ctx, reqBody)
	if err != nil {
		return "", err
	}

	var caps struct {
		Body struct {
			GetCapabilitiesResponse struct {
				Capabilities struct {
					Media struct {
						XAddr string `xml:"XAddr"`
					} `xml:"Media"`
				} `xml:"Capabilities"`
			} `xml:"GetCapabilitiesResponse"`
		}
	}
	if err := xml.Unmarshal(resp, &caps); err != nil {
		return "", err
	}
	return strings.TrimSpace(caps.Body.GetCapabilitiesResponse.Capabilities.Media.XAddr), nil
}

type MediaProfile struct {
	Name                      string `xml:"Name"`
	Token                     string `xml:"token,attr"`
	VideoEncoderConfiguration struct {
		Encoding   string
		Resolution struct {
			Width  int
			Height int
		}
	}
}

func (c *Client) GetProfiles(ctx context.Context, mediaURI string) ([]MediaProfile, error) {
	reqBody := `<trt:GetProfiles xmlns:trt="http://www.onvif.org/ver10/media/wsdl"/>`
	resp, err := c.at(mediaURI).Do(ctx, reqBody)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Body struct {
			GetProfilesResponse struct {
				Profiles []MediaProfile `xml:"Profiles"`
			} `xml:"GetProfilesResponse"`
		}
	}
	if err := xml.Unmarshal(resp, &parsed); err != nil {
		return nil, err
	}
	return parsed.Body.GetProfilesResponse.Profiles, nil
}

func (c *Client) GetStreamUri(ctx context.Context, mediaURI, token string) (string, error) {
	reqBody := fmt.Sprintf(`<trt:GetStreamUri xmlns:trt="http://www.onvif.org/ver10/media/wsdl">
		<trt:StreamSetup>
			<trt:Stream xmlns:tt="http://www.onvif.org/ver10/schema">tt:RTP-Unicast</trt:Stream>
			<trt:Transport xmlns:tt="http://www.onvif.org/ver10/schema">
				<tt:Protocol>tt:RTSP</tt:Protocol>
			</trt:Transport>
		</trt:StreamSetup>
		<trt:ProfileToken>%s</trt:ProfileToken>
	</trt:GetStreamUri>`, escape(token))

	return c.mediaUri(ctx, mediaURI, reqBody, "GetStreamUriResponse")
}

func (c *Client) GetSnapshotUri(ctx context.Context, mediaURI, token string) (string, error) {
	reqBody := fmt.Sprintf(`<trt:GetSnapshotUri xmlns:trt="http://www.onvif.org/ver10/media/wsdl">
		<trt:ProfileToken>%s</trt:ProfileToken>
	</trt:GetSnapshotUri>`, escape(token))

	return c.mediaUri(ctx, mediaURI, reqBody, "GetSnapshotUriResponse")
}

func (c *Client) mediaUri(ctx context.Context, mediaURI, reqBody, element string) (string, error) {
	resp, err := c.at(mediaURI).Do(ctx, reqBody)
	if err != nil {
		return "", err
	}

	var parsed struct {
		Body struct {
			Any []struct {
				XMLName  xml.Name
				MediaUri struct {
					Uri string `xml:"Uri"`
				} `xml:"MediaUri"`
			} `xml:",any"`
		}
	}
	if err := xml.Unmarshal(resp, &parsed); err != nil {
		return "", err
	}
	for _, r := range parsed.Body.Any {
		if r.XMLName.Local == element {
			return strings.TrimSpace(r.MediaUri.Uri), nil
		}
	}
	return "", &FaultError{Status: http.StatusOK, Reason: "missing " + element}
}

// Do executes the SOAP request with WS-Security auth
func (c *Client) Do(ctx context.Context, bodyInner string) ([]byte, error) {
	envelope := `<?xml version="1.0" encoding="UTF-8"?>
<s:Envelope xmlns:s="http://www.w3.org/2003/05/soap-envelope">
	<s:Header>%s</s:Header>
	<s:Body>%s</s:Body>
</s:Envelope>`

	header, err := c.securityHeader(time.Now().UTC())
	if err != nil {
		return nil, err
	}
	payload := fmt.Sprintf(envelope, header, bodyInner)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL, strings.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/soap+xml; charset=utf-8")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxSOAPResponse))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized || bytes.Contains(body, []byte("NotAuthorized")) {
		return nil, ErrNotAuthorized
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &FaultError{Status: resp.StatusCode, Reason: faultReason(body)}
	}
	return body, nil
}

func faultReason(body []byte) string {
	var f struct {
		Body struct {
			Fault struct {
				Reason struct {
					Text string `xml:"Text"`
				} `xml:"Reason"`
			} `xml:"Fault"`
		}
	}
	if err := xml.Unmarshal(body, &f); err == nil && f.Body.Fault.Reason.Text != "" {
		return f.Body.Fault.Reason.Text
	}
	if len(body) > 200 {
		body = body[:200]
	}
	return string(body)
}

// securityHeader builds a WS-Security UsernameToken with PasswordDigest =
// Base64(SHA1(nonce + created + password)) over the raw nonce bytes.
func (c *Client) securityHeader(now time.Time) (string, error) {
	if c.Username == "" {
		return "", nil
	}
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	created := now.Format(time.RFC3339)

	return fmt.Sprintf(`<Security s:mustUnderstand="1" xmlns="http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-wssecurity-secext-1.0.xsd">
		<UsernameToken>
			<Username>%s</Username>
			<Password Type="http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-username-token-profile-1.0#PasswordDigest">%s</Password>
			<Nonce EncodingType="http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-soap-message-security-1.0#Base64Binary">%s</Nonce>
			<Created xmlns="http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-wssecurity-utility-1.0.xsd">%s</Created>
		</UsernameToken>
	</Security>`, escape(c.Username), PasswordDigest(nonce, created, c.Password),
		base64.StdEncoding.EncodeToString(nonce), created), nil
}

func PasswordDigest(nonce []byte, created, password string) string {
	h := sha1.New()
	h.Write(nonce)
	h.Write([]byte(created))
	h.Write([]byte(password))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

func escape(s string) string {
	var b strings.Builder
	_ = xml.EscapeText(&b, []byte(s))
	return b.String()
}
