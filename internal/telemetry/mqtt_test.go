package telemetry_test

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/relabs-tech/imu_capture/internal/telemetry"
)

type doneToken struct{ err error }

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t doneToken) Error() error { return t.err }

type published struct {
	topic    string
	retained bool
	payload  []byte
}

// fakeClient records publishes and keeps subscription handlers. Methods
// not overridden panic through the nil embedded interface.
type fakeClient struct {
	mqtt.Client

	mu       sync.Mutex
	sent     []published
	handlers map[string]mqtt.MessageHandler
	pubErr   error
}

func (f *fakeClient) Publish(topic string, _ byte, retained bool, payload interface{}) mqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, published{topic, retained, payload.([]byte)})
	return doneToken{f.pubErr}
}

func (f *fakeClient) Subscribe(topic string, _ byte, h mqtt.MessageHandler) mqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.handlers == nil {
		f.handlers = map[string]mqtt.MessageHandler{}
	}
	f.handlers[topic] = h
	return doneToken{}
}

func (f *fakeClient) Disconnect(uint) {}

type message struct {
	mqtt.Message
	topic   string
	payload []byte
}

func (m message) Topic() string   { return m.topic }
func (m message) Payload() []byte { return m.payload }

var topics = telemetry.Topics{Status: "imu/status", Session: "imu/session", Command: "imu/command"}

func TestClient_PublishStatusRetained(t *testing.T) {
	fc := &fakeClient{}
	c := telemetry.New(fc, topics, nil)

	if err := c.PublishStatus(telemetry.Status{DeviceID: "w1", RecordingState: "RECORDING", SampleCount: 12, Port: 8081}); err != nil {
		t.Fatal(err)
	}
	if len(fc.sent) != 1 || fc.sent[0].topic != "imu/status" || !fc.sent[0].retained {
		t.Fatalf("sent = %+v", fc.sent)
	}
	var got map[string]any
	json.Unmarshal(fc.sent[0].payload, &got)
	if got["recording_state"] != "RECORDING" || got["sample_count"] != float64(12) || got["port"] != float64(8081) {
		t.Errorf("payload = %s", fc.sent[0].payload)
	}
}

func TestClient_PublishSessionError(t *testing.T) {
	fc := &fakeClient{pubErr: errors.New("not connected")}
	c := telemetry.New(fc, topics, nil)

	err := c.PublishSession(telemetry.SessionEvent{Event: "started", SessionID: "s"})
	if err == nil {
		t.Fatal("expected error")
	}
	if fc.sent[0].topic != "imu/session" || fc.sent[0].retained {
		t.Errorf("sent = %+v", fc.sent[0])
	}
}

func TestClient_HandleCommands(t *testing.T) {
	fc := &fakeClient{}
	c := telemetry.New(fc, topics, nil)

	var got []telemetry.Command
	err := c.HandleCommands(func(cmd telemetry.Command) error {
		got = append(got, cmd)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	h := fc.handlers["imu/command"]
	if h == nil {
		t.Fatal("no subscription on command topic")
	}
	for _, p := range []string{"start", " STOP\n", "reboot", ""} {
		h(fc, message{topic: "imu/command", payload: []byte(p)})
	}
	if len(got) != 2 || got[0] != telemetry.CommandStart || got[1] != telemetry.CommandStop {
		t.Errorf("commands = %v", got)
	}
}

func TestClient_Watch(t *testing.T) {
	fc := &fakeClient{}
	c := telemetry.New(fc, topics, nil)

	var status []telemetry.Status
	var events []telemetry.SessionEvent
	if err := c.Watch(
		func(s telemetry.Status) { status = append(status, s) },
		func(ev telemetry.SessionEvent) { events = append(events, ev) },
	); err != nil {
		t.Fatal(err)
	}

	fc.handlers["imu/status"](fc, message{topic: "imu/status", payload: []byte(`{"recording_state":"IDLE","port":8080}`)})
	fc.handlers["imu/status"](fc, message{topic: "imu/status", payload: []byte(`not json`)})
	fc.handlers["imu/session"](fc, message{topic: "imu/session", payload: []byte(`{"event":"stopped","sample_count":50}`)})

	if len(status) != 1 || status[0].Port != 8080 {
		t.Errorf("status = %+v", status)
	}
	if len(events) != 1 || events[0].Event != "stopped" || events[0].SampleCount != 50 {
		t.Errorf("events = %+v", events)
	}
}
