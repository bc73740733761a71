package bus_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/technosupport/ts-devicehub/internal/bus"
	"github.com/technosupport/ts-devicehub/internal/data"
	"github.com/technosupport/ts-devicehub/internal/devices"
	"github.com/technosupport/ts-devicehub/internal/events"
)

func runServer(t *testing.T) *nats.Conn {
	t.Helper()
	ns, err := server.NewServer(&server.Options{Host: "127.0.0.1", Port: -1, NoLog: true, NoSigs: true})
	require.NoError(t, err)
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}
	t.Cleanup(ns.Shutdown)

	nc, err := nats.Connect(ns.ClientURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)
	return nc
}

func TestPublisher_Deliver(t *testing.T) {
	nc := runServer(t)
	got := make(chan *nats.Msg, 2)
	_, err := nc.ChanSubscribe("hub."+bus.SubjectDetections, got)
	require.NoError(t, err)
	_, err = nc.ChanSubscribe("hub."+bus.SubjectDeviceStatus, got)
	require.NoError(t, err)
	require.NoError(t, nc.Flush())

	pub := bus.NewPublisher(nc, "hub", 2)
	ctx := context.Background()
	require.NoError(t, pub.Deliver(ctx, data.DetectionEvent{ID: 9, DeviceID: "CAM010", EventType: data.EventPersonDetection, Confidence: 0.7}))
	require.NoError(t, pub.PublishStatus(ctx, bus.StatusMessage{DeviceID: "CAM010", From: data.StatusOffline, To: data.StatusOnline, At: time.Now()}))

	for i := 0; i < 2; i++ {
		select {
		case msg := <-got:
			switch msg.Subject {
			case "hub." + bus.SubjectDetections:
				var ev data.DetectionEvent
				require.NoError(t, json.Unmarshal(msg.Data, &ev))
				assert.Equal(t, int64(9), ev.ID)
			case "hub." + bus.SubjectDeviceStatus:
				var st bus.StatusMessage
				require.NoError(t, json.Unmarshal(msg.Data, &st))
				assert.Equal(t, data.StatusOnline, st.To)
			default:
				t.Fatalf("unexpected subject %s", msg.Subject)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("message not received")
		}
	}
}

func TestSubscriber_IngestsAndAcks(t *testing.T) {
	nc := runServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := devices.NewRegistry(nil)
	_, err := reg.AddDevice(ctx, data.Device{DeviceID: "CAM010", Name: "Gate", IPAddress: "10.0.0.5"})
	require.NoError(t, err)
	svc := events.NewService(events.NewMemoryLog(0), reg, events.Options{})

	sub := bus.NewSubscriber(nc, svc, bus.SubscriberConfig{RatePerS: 1000, Burst: 10})
	done := make(chan error, 1)
	go func() { done <- sub.Serve(ctx) }()

	request := func(payload []byte) bus.Ack {
		t.Helper()
		var msg *nats.Msg
		require.Eventually(t, func() bool {
			var err error
			msg, err = nc.Request(bus.SubjectIngest, payload, 200*time.Millisecond)
			return err == nil
		}, 3*time.Second, 20*time.Millisecond)
		var ack bus.Ack
		require.NoError(t, json.Unmarshal(msg.Data, &ack))
		return ack
	}

	ok := request([]byte(`{"device_id":"CAM010","event_type":"person_detection","confidence":0.9,"source_event_id":"a-1"}`))
	assert.Equal(t, int64(1), ok.ID)
	assert.Empty(t, ok.Error)

	dup := request([]byte(`{"device_id":"CAM010","event_type":"person_detection","confidence":0.9,"source_event_id":"a-1"}`))
	assert.Contains(t, dup.Error, "duplicate")

	bad := request([]byte(`{"device_id":"CAM010","event_type":"person_detection","confidence":1.5}`))
	assert.Contains(t, bad.Error, "confidence")

	missing := request([]byte(`{"device_id":"CAM010","event_type":"person_detection","source_event_id":"a-2"}`))
	assert.Contains(t, missing.Error, "confidence")
	assert.Zero(t, missing.ID)

	zero := request([]byte(`{"device_id":"CAM010","event_type":"vehicle_detection","confidence":0}`))
	assert.Empty(t, zero.Error)
	assert.Equal(t, int64(2), zero.ID)

	garbage := request([]byte(`not json`))
	assert.Equal(t, "invalid json", garbage.Error)

	assert.Equal(t, 2, svc.Statistics(time.Hour).Total)

	cancel()
	select {
	case err := <-done:
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber did not stop")
	}
}
