package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/ruteri/iot-identity-provisioning/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testAt = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func created(project, serial string) interfaces.DeviceCreated {
	return interfaces.DeviceCreated{
		EventHeader: interfaces.EventHeader{Project: project, At: testAt},
		Model:       "sensor",
		Serial:      serial,
	}
}

type fakeToken struct {
	err      error
	complete bool
}

func (t *fakeToken) Wait() bool                     { return t.complete }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return t.complete }
func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t *fakeToken) Error() error { return t.err }

type published struct {
	topic   string
	qos     byte
	payload []byte
}

type fakeClient struct {
	pahomqtt.Client

	mu        sync.Mutex
	connected bool
	token     *fakeToken
	messages  []published
}

func (c *fakeClient) IsConnected() bool { return c.connected }

func (c *fakeClient) Publish(topic string, qos byte, _ bool, payload interface{}) pahomqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, published{topic: topic, qos: qos, payload: payload.([]byte)})
	return c.token
}

func (c *fakeClient) Disconnect(uint) { c.connected = false }

func TestTopics(t *testing.T) {
	topics := Topics{Prefix: "iot/"}
	assert.Equal(t, "iot/acme/events/device_created", topics.Event(created("acme", "SN1")))
	assert.Equal(t, "iot/a_b_/events/#", topics.AllEvents("a/b+"))
	assert.Equal(t, "provisioner/acme/events/device_created", Topics{}.Event(created("acme", "SN1")))
}

func TestEncode(t *testing.T) {
	data, err := Encode(interfaces.IdentityIssued{
		EventHeader: interfaces.EventHeader{Project: "acme", At: testAt},
		Scope:       "per-model",
		Owner:       "sensor",
		ThingName:   "model-1",
	})
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "identity_issued", decoded["type"])
	assert.Equal(t, "acme", decoded["project"])
	payload := decoded["data"].(map[string]any)
	assert.Equal(t, "model-1", payload["thing_name"])
	assert.NotContains(t, string(data), "private")
}

func TestMQTTNotifier(t *testing.T) {
	tests := []struct {
		name      string
		connected bool
		token     *fakeToken
		wantErr   error
		wantSent  int
	}{
		{name: "published", connected: true, token: &fakeToken{complete: true}, wantSent: 1},
		{name: "not connected", connected: false, token: &fakeToken{complete: true}, wantErr: ErrNotConnected},
		{name: "timeout", connected: true, token: &fakeToken{}, wantErr: ErrPublishFailed, wantSent: 1},
		{name: "broker error", connected: true, token: &fakeToken{complete: true, err: errors.New("denied")}, wantErr: ErrPublishFailed, wantSent: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &fakeClient{connected: tt.connected, token: tt.token}
			n, err := NewMQTTNotifier(client, MQTTConfig{QoS: 1, Topics: Topics{Prefix: "iot"}}, discardLogger())
			require.NoError(t, err)

			err = n.Notify(context.Background(), created("acme", "SN1"))
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
			}

			require.Len(t, client.messages, tt.wantSent)
			if tt.wantSent > 0 {
				assert.Equal(t, "iot/acme/events/device_created", client.messages[0].topic)
				assert.Equal(t, byte(1), client.messages[0].qos)
				assert.Contains(t, string(client.messages[0].payload), `"serial":"SN1"`)
			}
		})
	}

	_, err := NewMQTTNotifier(&fakeClient{}, MQTTConfig{QoS: 3}, discardLogger())
	require.ErrorIs(t, err, ErrInvalidQoS)

	client := &fakeClient{connected: true}
	n, err := NewMQTTNotifier(client, MQTTConfig{}, discardLogger())
	require.NoError(t, err)
	require.NoError(t, n.Close())
	assert.False(t, client.connected)
}

type fakeWriteAPI struct {
	api.WriteAPI

	mu      sync.Mutex
	points  []*write.Point
	flushed int
	errs    chan error
}

func (w *fakeWriteAPI) WritePoint(p *write.Point) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.points = append(w.points, p)
}

func (w *fakeWriteAPI) Flush()               { w.flushed++ }
func (w *fakeWriteAPI) Errors() <-chan error { return w.errs }

func TestInfluxNotifier(t *testing.T) {
	w := &fakeWriteAPI{errs: make(chan error)}
	defer close(w.errs)

	n := NewInfluxNotifier(w, discardLogger())
	require.NoError(t, n.Notify(context.Background(), created("acme", "SN1")))
	require.NoError(t, n.Notify(context.Background(), interfaces.IdentityRevoked{
		EventHeader: interfaces.EventHeader{Project: "acme", At: testAt},
		Scope:       "per-device",
		Owner:       "SN1",
		ThingName:   "acme-SN1",
	}))

	require.Len(t, w.points, 2)
	assert.Equal(t, "provisioning_events", w.points[0].Name())
	assert.Equal(t, testAt, w.points[0].Time())

	tags := map[string]string{}
	for _, tag := range w.points[1].TagList() {
		tags[tag.Key] = tag.Value
	}
	assert.Equal(t, map[string]string{"project": "acme", "type": "identity_revoked", "scope": "per-device"}, tags)

	require.NoError(t, n.Close())
	assert.Equal(t, 1, w.flushed)
}

type failingNotifier struct{ err error }

func (f failingNotifier) Notify(context.Context, interfaces.Event) error { return f.err }

func TestMulti(t *testing.T) {
	var first, second Recorder
	boom := errors.New("boom")

	m := Multi{&first, failingNotifier{err: boom}, &second, NewLogNotifier(discardLogger()), Nop{}}
	err := m.Notify(context.Background(), created("acme", "SN1"))
	require.ErrorIs(t, err, boom)

	assert.Len(t, first.Events(), 1)
	assert.Len(t, second.Events(), 1)

	require.NoError(t, Multi{}.Notify(context.Background(), created("acme", "SN1")))
}

func TestRecorder(t *testing.T) {
	var r Recorder
	ctx := context.Background()
	require.NoError(t, r.Notify(ctx, created("acme", "SN1")))
	require.NoError(t, r.Notify(ctx, interfaces.DeviceAttached{
		EventHeader:   interfaces.EventHeader{Project: "acme", At: testAt},
		DeviceSerial:  "SN1",
		GatewaySerial: "GW1",
	}))

	assert.Equal(t, []interfaces.EventType{interfaces.EventDeviceCreated, interfaces.EventDeviceAttached}, r.Types())
	assert.Equal(t, 1, r.Count(interfaces.EventDeviceAttached))
	r.Reset()
	assert.Empty(t, r.Events())
}
