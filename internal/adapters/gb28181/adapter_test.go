package gb28181

import (
	"bytes"
	"context"
	"net"
	"regexp"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/technosupport/ts-devicehub/internal/adapters"
	"github.com/technosupport/ts-devicehub/internal/data"
)

var reMediaPort = regexp.MustCompile(`m=video (\d+) `)

// fakeDevice answers SIP on loopback the way an IPC registered to a
// platform does: OPTIONS 200, INVITE 100+200 with an SDP answer, then RTP.
type fakeDevice struct {
	conn      *net.UDPConn
	optionsRC atomic.Int32 // response code for OPTIONS
	mu        sync.Mutex
	methods   []string
	bye       chan struct{}
}

func newFakeDevice(t *testing.T) *fakeDevice {
	c, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	fd := &fakeDevice{conn: c, bye: make(chan struct{}, 1)}
	fd.optionsRC.Store(200)
	t.Cleanup(func() { c.Close() })
	go fd.serve()
	return fd
}

func (fd *fakeDevice) device() data.Device {
	a := fd.conn.LocalAddr().(*net.UDPAddr)
	return data.Device{
		DeviceID:       "GB01",
		Protocol:       data.ProtocolGB28181,
		IPAddress:      "127.0.0.1",
		Port:           a.Port,
		GBDeviceID:     "34020000001320000001",
		GBChannelID:    "34020000001320000001",
		GBManufacturer: "Hikvision",
	}
}

func (fd *fakeDevice) Methods() []string {
	fd.mu.Lock()
	defer fd.mu.Unlock()
	return append([]string(nil), fd.methods...)
}

func (fd *fakeDevice) serve() {
	buf := make([]byte, 64<<10)
	for {
		n, from, err := fd.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		msg, err := parseMessage(append([]byte(nil), buf[:n]...))
		if err != nil || msg.isResponse() {
			continue
		}
		fd.mu.Lock()
		fd.methods = append(fd.methods, msg.method)
		fd.mu.Unlock()

		switch msg.method {
		case "OPTIONS":
			_, _ = fd.conn.WriteToUDP(response(msg, int(fd.optionsRC.Load()), "Whatever"), from)
		case "INVITE":
			_, _ = fd.conn.WriteToUDP(response(msg, 100, "Trying"), from)
			answer := []byte("v=0\r\no=34020000001320000001 0 0 IN IP4 127.0.0.1\r\ns=Play\r\nc=IN IP4 127.0.0.1\r\nt=0 0\r\nm=video 15060 RTP/AVP 96\r\na=sendonly\r\na=rtpmap:96 PS/90000\r\ny=0100000001\r\n")
			ok := response(msg, 200, "OK")
			ok = bytes.Replace(ok, []byte("Content-Length: 0\r\n\r\n"),
				[]byte("Content-Type: APPLICATION/SDP\r\nContent-Length: "+strconv.Itoa(len(answer))+"\r\n\r\n"), 1)
			_, _ = fd.conn.WriteToUDP(append(ok, answer...), from)

			m := reMediaPort.FindSubmatch(msg.body)
			if m != nil {
				port, _ := strconv.Atoi(string(m[1]))
				go fd.sendRTP(port)
			}
		case "BYE":
			_, _ = fd.conn.WriteToUDP(response(msg, 200, "OK"), from)
			fd.bye <- struct{}{}
		}
	}
}

func (fd *fakeDevice) sendRTP(port int) {
	c, err := net.DialUDP("udp", nil, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port})
	if err != nil {
		return
	}
	defer c.Close()
	pkt := []byte{0x80, 96, 0, 1, 0, 0, 0, 1, 0, 0, 0, 7, 0x00, 0x00, 0x01, 0xBA}
	for i := 0; i < 5; i++ {
		_, _ = c.Write(pkt)
		time.Sleep(10 * time.Millisecond)
	}
}

func TestConnect_InviteAckCaptureBye(t *testing.T) {
	fd := newFakeDevice(t)
	a := NewAdapter(adapters.Options{Timeout: 2 * time.Second, SIP: adapters.SIPOptions{LocalIP: "127.0.0.1"}})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	h, err := a.Connect(ctx, fd.device())
	require.NoError(t, err)
	assert.Equal(t, data.ProtocolGB28181, h.Protocol())
	assert.Contains(t, h.StreamURL(), "/34020000001320000001")

	var f *data.Frame
	require.Eventually(t, func() bool {
		f, err = a.Capture(ctx, h)
		return err == nil
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, "video/PS", f.ContentType)
	assert.Equal(t, []byte{0x00, 0x00, 0x01, 0xBA}, f.Data)

	require.NoError(t, a.Disconnect(ctx, h))
	select {
	case <-fd.bye:
	case <-time.After(time.Second):
		t.Fatal("device never saw BYE")
	}
	<-h.Done()
	assert.NoError(t, h.Err())
	assert.Equal(t, []string{"INVITE", "ACK", "BYE"}, fd.Methods())
}

func TestConnect_RequiresChannel(t *testing.T) {
	a := NewAdapter(adapters.Options{})
	_, err := a.Connect(context.Background(), data.Device{DeviceID: "x", Protocol: data.ProtocolGB28181, IPAddress: "127.0.0.1"})
	kind, _ := adapters.KindOf(err)
	assert.Equal(t, adapters.KindProtocol, kind)
}

func TestProbe(t *testing.T) {
	fd := newFakeDevice(t)
	a := NewAdapter(adapters.Options{Timeout: time.Second, SIP: adapters.SIPOptions{LocalIP: "127.0.0.1"}})
	assert.Equal(t, data.StatusOnline, a.Probe(context.Background(), fd.device()))

	fd.optionsRC.Store(403)
	assert.Equal(t, data.StatusError, a.Probe(context.Background(), fd.device()))
}

func TestProbe_SilentDeviceIsOffline(t *testing.T) {
	// Bound but never answers.
	c, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer c.Close()

	a := NewAdapter(adapters.Options{Timeout: 300 * time.Millisecond})
	dev := data.Device{DeviceID: "mute", Protocol: data.ProtocolGB28181, IPAddress: "127.0.0.1",
		Port: c.LocalAddr().(*net.UDPAddr).Port, GBDeviceID: "34020000001320000009"}
	assert.Equal(t, data.StatusOffline, a.Probe(context.Background(), dev))
}

func TestParseMessage_CompactHeaders(t *testing.T) {
	raw := "SIP/2.0 200 OK\r\nv: SIP/2.0/UDP 127.0.0.1:5060;branch=z9hG4bKx\r\ni: abc@host\r\nCSeq: 3 BYE\r\nt: <sip:1@h>;tag=99\r\nl: 0\r\n\r\n"
	m, err := parseMessage([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, 200, m.code)
	assert.Equal(t, "abc@host", m.header.Get("Call-Id"))
	n, method := m.cseq()
	assert.Equal(t, 3, n)
	assert.Equal(t, "BYE", method)
	assert.Equal(t, "99", headerParam(m.header.Get("To"), "tag"))
}

func TestAnswerEncoding(t *testing.T) {
	assert.Equal(t, "H264", answerEncoding([]byte("m=video 1 RTP/AVP 98\r\na=rtpmap:96 PS/90000\r\na=rtpmap:98 H264/90000\r\n")))
	assert.Equal(t, "PS", answerEncoding(nil))
}
