package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/zorak1103/nest-protect/internal/entity"
	"github.com/zorak1103/nest-protect/internal/nest"
	"github.com/zorak1103/nest-protect/internal/nest/nesttest"
)

type message struct {
	Topic    string
	Payload  string
	Retained bool
}

type fakeBroker struct {
	mu       sync.Mutex
	messages []message
	handlers map[string]MessageHandler
	closed   bool
	err      error
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{handlers: make(map[string]MessageHandler)}
}

func (b *fakeBroker) Publish(topic string, _ byte, retained bool, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages = append(b.messages, message{Topic: topic, Payload: string(payload), Retained: retained})
	return b.err
}

func (b *fakeBroker) Subscribe(topic string, _ byte, handler MessageHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = handler
	return nil
}

func (b *fakeBroker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
}

func (b *fakeBroker) published(topic string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := len(b.messages) - 1; i >= 0; i-- {
		if b.messages[i].Topic == topic {
			return b.messages[i].Payload, true
		}
	}
	return "", false
}

func (b *fakeBroker) deliver(subscription, topic, payload string) {
	b.mu.Lock()
	h := b.handlers[subscription]
	b.mu.Unlock()
	h(topic, []byte(payload))
}

func (b *fakeBroker) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages = nil
}

type devices map[string]nest.Bucket

func (d devices) Device(key string) (nest.Bucket, bool) {
	b, ok := d[key]
	return b, ok
}

type recordingWriter struct {
	mu     sync.Mutex
	writes []map[string]any
}

func (w *recordingWriter) WriteValue(_ context.Context, _ string, values map[string]any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.writes = append(w.writes, values)
	return nil
}

func (w *recordingWriter) written() []map[string]any {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]map[string]any(nil), w.writes...)
}

// blockingWriter holds every write until release is closed.
type blockingWriter struct {
	recordingWriter
	release chan struct{}
}

func (w *blockingWriter) WriteValue(ctx context.Context, objectKey string, values map[string]any) error {
	<-w.release
	return w.recordingWriter.WriteValue(ctx, objectKey, values)
}

// eventually polls cond for up to five seconds.
func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func newTestPublisher(t *testing.T) (*Publisher, *fakeBroker, *recordingWriter) {
	t.Helper()

	w := &recordingWriter{}
	p, b := newTestPublisherWithWriter(t, w)
	return p, b, w
}

func newTestPublisherWithWriter(t *testing.T, w entity.Writer) (*Publisher, *fakeBroker) {
	t.Helper()

	device := nesttest.DeviceBucket("AA01", 1, map[string]any{"smoke_status": float64(1)})
	reg := entity.NewRegistry()
	reg.Sync([]nest.Bucket{device}, map[string]string{"00000000-0000-0000-0000-000100000001": "Hallway"})

	p := NewPublisher(Options{DiscoveryPrefix: "homeassistant", BaseTopic: "nest-protect", QoS: 1},
		reg, devices{device.ObjectKey: device}, w, nil)
	b := newFakeBroker()
	p.OnConnect(b)
	t.Cleanup(p.Close)
	return p, b
}

func TestPublisher_OnConnect(t *testing.T) {
	t.Parallel()

	_, b, _ := newTestPublisher(t)

	if got, _ := b.published("nest-protect/status"); got != PayloadOnline {
		t.Errorf("availability = %q, want online", got)
	}
	if got, _ := b.published("nest-protect/topaz_AA01-smoke_status/state"); got != PayloadOn {
		t.Errorf("smoke state = %q, want ON", got)
	}
	if got, _ := b.published("nest-protect/topaz_AA01-night_light_brightness/state"); got != "medium" {
		t.Errorf("brightness state = %q, want medium", got)
	}
	if got, _ := b.published("nest-protect/topaz_AA01-battery_level/state"); got != "100" {
		t.Errorf("battery state = %q, want 100", got)
	}

	raw, ok := b.published("homeassistant/switch/topaz_AA01-heads_up_enable/config")
	if !ok {
		t.Fatal("switch discovery not published")
	}
	var cfg map[string]any
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		t.Fatalf("discovery payload: %v", err)
	}
	want := map[string]any{
		"name":               "Heads-Up",
		"unique_id":          "topaz_AA01-heads_up_enable",
		"object_id":          "topaz_AA01-heads_up_enable",
		"state_topic":        "nest-protect/topaz_AA01-heads_up_enable/state",
		"command_topic":      "nest-protect/topaz_AA01-heads_up_enable/set",
		"availability_topic": "nest-protect/status",
		"entity_category":    "config",
		"icon":               "mdi:exclamation-thick",
		"payload_on":         "ON",
		"payload_off":        "OFF",
	}
	device := cfg["device"].(map[string]any)
	delete(cfg, "device")
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("discovery config mismatch (-want +got):\n%s", diff)
	}
	if device["name"] != "Nest Protect (Hallway)" {
		t.Errorf("device name = %v", device["name"])
	}

	raw, _ = b.published("homeassistant/select/topaz_AA01-night_light_brightness/config")
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		t.Fatalf("select payload: %v", err)
	}
	if diff := cmp.Diff([]any{"low", "medium", "high"}, cfg["options"]); diff != "" {
		t.Errorf("select options mismatch (-want +got):\n%s", diff)
	}
}

func TestPublisher_Commands(t *testing.T) {
	t.Parallel()

	_, b, w := newTestPublisher(t)

	b.deliver("nest-protect/+/set", "nest-protect/topaz_AA01-night_light_enable/set", "ON")
	b.deliver("nest-protect/+/set", "nest-protect/topaz_AA01-night_light_brightness/set", "low")
	b.deliver("nest-protect/+/set", "nest-protect/topaz_AA01-smoke_status/set", "ON")
	b.deliver("nest-protect/+/set", "nest-protect/topaz_ZZ-night_light_enable/set", "ON")

	want := []map[string]any{
		{"night_light_enable": true},
		{"night_light_brightness": 1},
	}
	eventually(t, func() bool { return len(w.written()) >= len(want) })
	if diff := cmp.Diff(want, w.written()); diff != "" {
		t.Errorf("writes mismatch (-want +got):\n%s", diff)
	}
}

func TestPublisher_CommandsDoNotBlockDelivery(t *testing.T) {
	t.Parallel()

	w := &blockingWriter{release: make(chan struct{})}
	_, b := newTestPublisherWithWriter(t, w)

	delivered := make(chan struct{})
	go func() {
		b.deliver("nest-protect/+/set", "nest-protect/topaz_AA01-heads_up_enable/set", "OFF")
		b.deliver("nest-protect/+/set", "nest-protect/topaz_AA01-night_light_enable/set", "ON")
		close(delivered)
	}()

	select {
	case <-delivered:
	case <-time.After(time.Second):
		t.Fatal("message callback waited on the vendor write")
	}

	close(w.release)
	want := []map[string]any{
		{"heads_up_enable": false},
		{"night_light_enable": true},
	}
	eventually(t, func() bool { return len(w.written()) >= len(want) })
	if diff := cmp.Diff(want, w.written()); diff != "" {
		t.Errorf("writes mismatch (-want +got):\n%s", diff)
	}
}

func TestPublisher_HubRestartRepublishes(t *testing.T) {
	t.Parallel()

	_, b, _ := newTestPublisher(t)
	b.reset()

	b.deliver("homeassistant/status", "homeassistant/status", "offline")
	if _, ok := b.published("homeassistant/binary_sensor/topaz_AA01-smoke_status/config"); ok {
		t.Error("republished on hub offline")
	}

	b.deliver("homeassistant/status", "homeassistant/status", "online")
	if _, ok := b.published("homeassistant/binary_sensor/topaz_AA01-smoke_status/config"); !ok {
		t.Error("discovery not republished after hub restart")
	}
	if _, ok := b.published("nest-protect/topaz_AA01-smoke_status/state"); !ok {
		t.Error("state not republished after hub restart")
	}
}

func TestPublisher_RemoveAndClose(t *testing.T) {
	t.Parallel()

	p, b, _ := newTestPublisher(t)
	e, _ := p.entities.Get("topaz.AA01-steam_detection_enable")

	p.Remove([]entity.Entity{e})
	payload, ok := b.published("homeassistant/switch/topaz_AA01-steam_detection_enable/config")
	if !ok || payload != "" {
		t.Errorf("removal payload = %q, %v; want empty retained message", payload, ok)
	}

	b.err = errors.New("broker gone")
	p.Close()
	if got, _ := b.published("nest-protect/status"); got != PayloadOffline {
		t.Errorf("availability = %q, want offline", got)
	}
	if !b.closed {
		t.Error("broker not closed")
	}

	// Publishing after Close is a no-op.
	b.reset()
	p.PublishDevice(nesttest.DeviceBucket("AA01", 2, nil))
	if len(b.messages) != 0 {
		t.Errorf("published %d messages after Close", len(b.messages))
	}
}

func TestFormatState(t *testing.T) {
	t.Parallel()

	tests := []struct {
		state any
		want  string
	}{
		{state: true, want: "ON"},
		{state: false, want: "OFF"},
		{state: 20.46, want: "20.46"},
		{state: 87, want: "87"},
		{state: "2030-01-01", want: "2030-01-01"},
	}
	for _, tt := range tests {
		if got := FormatState(tt.state); got != tt.want {
			t.Errorf("FormatState(%v) = %q, want %q", tt.state, got, tt.want)
		}
	}
}

func TestClientID(t *testing.T) {
	t.Parallel()

	a, b := ClientID("nest-protect"), ClientID("nest-protect")
	if a == b {
		t.Errorf("ClientID() returned %q twice", a)
	}
	if len(a) != len("nest-protect-")+8 {
		t.Errorf("ClientID() = %q, want 8 character suffix", a)
	}
}
