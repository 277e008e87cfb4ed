//nolint:errcheck // Test file - deferred body.Close() is acceptable
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/google/go-cmp/cmp"

	"github.com/zorak1103/nest-protect/internal/entity"
	"github.com/zorak1103/nest-protect/internal/logging"
	"github.com/zorak1103/nest-protect/internal/nest"
	"github.com/zorak1103/nest-protect/internal/nest/nesttest"
	"github.com/zorak1103/nest-protect/internal/protect"
)

type fixture struct {
	vendor   *nesttest.Server
	in       *protect.Integration
	entities *entity.Registry
	server   *Server
	http     *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	vendor := nesttest.NewServer(t)
	vendor.AddBucket(nesttest.DeviceBucket("AA01", 1, nil))
	vendor.AddBucket(nesttest.WhereBucket("structure-1", 1, "00000000-0000-0000-0000-000100000001", "Hallway"))

	in, err := protect.Setup(context.Background(), protect.Options{
		Environment:      vendor.Environment(),
		Endpoints:        vendor.Endpoints(),
		Credentials:      vendor.Credentials(),
		RequestTimeout:   5 * time.Second,
		SubscribeTimeout: 30 * time.Second,
	})
	if err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	t.Cleanup(in.Unload)

	entities := entity.NewRegistry()
	entities.Sync(in.Registry().Devices(), in.Registry().Areas())

	s := NewServer(entities, 0, logging.Discard())
	s.SetIntegration(in)
	s.SetState(protect.StateLoaded)

	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)

	return &fixture{vendor: vendor, in: in, entities: entities, server: s, http: ts}
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()

	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decoding %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func TestHealth(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	var got healthResponse
	if status := getJSON(t, f.http.URL+"/health", &got); status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	want := healthResponse{
		Status:   "ok",
		State:    protect.StateLoaded,
		UserID:   nesttest.UserID,
		Devices:  1,
		Entities: f.entities.Count(),
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("health mismatch (-want +got):\n%s", diff)
	}
}

func TestNotReady(t *testing.T) {
	t.Parallel()

	s := NewServer(entity.NewRegistry(), 0, logging.Discard())
	s.SetState(protect.StateSetupRetry)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	for _, path := range []string{"/api/devices", "/api/areas", "/api/diagnostics", "/api/events"} {
		var body errorResponse
		if status := getJSON(t, ts.URL+path, &body); status != http.StatusServiceUnavailable {
			t.Errorf("GET %s status = %d, want 503", path, status)
		}
		if !strings.Contains(body.Error, string(protect.StateSetupRetry)) {
			t.Errorf("GET %s error = %q", path, body.Error)
		}
	}

	var health healthResponse
	if status := getJSON(t, ts.URL+"/health", &health); status != http.StatusOK || health.State != protect.StateSetupRetry {
		t.Errorf("health = %d %+v", status, health)
	}
}

func TestDevicesAndEntities(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	var devices []deviceResponse
	getJSON(t, f.http.URL+"/api/devices", &devices)
	if len(devices) != 1 || devices[0].Name != "Nest Protect (Hallway)" || devices[0].Area != "Hallway" {
		t.Errorf("devices = %+v", devices)
	}

	var areas map[string]string
	getJSON(t, f.http.URL+"/api/areas", &areas)
	if areas["00000000-0000-0000-0000-000100000001"] != "Hallway" {
		t.Errorf("areas = %v", areas)
	}

	var entities []entityResponse
	getJSON(t, f.http.URL+"/api/entities", &entities)
	if len(entities) != f.entities.Count() {
		t.Fatalf("len(entities) = %d, want %d", len(entities), f.entities.Count())
	}
	for _, e := range entities {
		if e.UniqueID == "topaz.AA01-night_light_brightness" {
			if e.State != "medium" || !e.Available {
				t.Errorf("brightness = %v available %v", e.State, e.Available)
			}
			if diff := cmp.Diff([]string{"low", "medium", "high"}, e.Options); diff != "" {
				t.Errorf("options mismatch (-want +got):\n%s", diff)
			}
		}
	}
}

func TestCommands(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	tests := []struct {
		name   string
		path   string
		body   string
		status int
	}{
		{name: "turn off", path: "/api/entities/topaz.AA01-heads_up_enable/turn_off", status: http.StatusNoContent},
		{name: "select", path: "/api/entities/topaz.AA01-night_light_brightness/select", body: `{"option":"high"}`, status: http.StatusNoContent},
		{name: "bad option", path: "/api/entities/topaz.AA01-night_light_brightness/select", body: `{"option":"max"}`, status: http.StatusBadRequest},
		{name: "bad body", path: "/api/entities/topaz.AA01-night_light_brightness/select", body: `{`, status: http.StatusBadRequest},
		{name: "read only", path: "/api/entities/topaz.AA01-smoke_status/turn_on", status: http.StatusBadRequest},
		{name: "unknown entity", path: "/api/entities/topaz.ZZ-smoke_status/turn_on", status: http.StatusNotFound},
		{name: "unknown action", path: "/api/entities/topaz.AA01-heads_up_enable/toggle", status: http.StatusNotFound},
	}

	for _, tt := range tests {
		resp, err := http.Post(f.http.URL+tt.path, "application/json", strings.NewReader(tt.body))
		if err != nil {
			t.Fatalf("%s: %v", tt.name, err)
		}
		resp.Body.Close()
		if resp.StatusCode != tt.status {
			t.Errorf("%s: status = %d, want %d", tt.name, resp.StatusCode, tt.status)
		}
	}

	b, _ := f.vendor.Bucket("topaz.AA01")
	if b.Value["heads_up_enable"] != false {
		t.Errorf("heads_up_enable = %v, want false", b.Value["heads_up_enable"])
	}
	if b.Value["night_light_brightness"] != float64(3) {
		t.Errorf("night_light_brightness = %v, want 3", b.Value["night_light_brightness"])
	}
}

func TestDiagnostics(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	var device map[string]any
	if status := getJSON(t, f.http.URL+"/api/diagnostics/topaz.AA01", &device); status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	if v := device["value"].(map[string]any); v["serial_number"] != protect.Redacted {
		t.Errorf("serial_number = %v, want redacted", v["serial_number"])
	}

	if status := getJSON(t, f.http.URL+"/api/diagnostics/topaz.missing", nil); status != http.StatusNotFound {
		t.Errorf("missing device status = %d, want 404", status)
	}

	var entry map[string]any
	if status := getJSON(t, f.http.URL+"/api/diagnostics", &entry); status != http.StatusOK {
		t.Fatalf("entry status = %d", status)
	}
	if _, ok := entry["app_launch"]; !ok {
		t.Errorf("entry diagnostics = %v", entry)
	}
}

func TestEvents(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/api/events"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.CloseNow()

	// The stream subscribes after the upgrade; keep sending until one arrives.
	go func() {
		for i := int64(2); ctx.Err() == nil; i++ {
			f.in.Dispatcher().Send(nest.NewBucket("topaz.AA01", i, i*1000, map[string]any{"smoke_status": float64(1)}))
			time.Sleep(20 * time.Millisecond)
		}
	}()

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	var got nest.Bucket
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("event payload: %v", err)
	}
	if got.ObjectKey != "topaz.AA01" || got.Value["smoke_status"] != float64(1) {
		t.Errorf("event = %+v", got)
	}

	cancel()
	conn.Close(websocket.StatusNormalClosure, "")
}

func TestEvents_SingleDevice(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	if status := getJSON(t, f.http.URL+"/api/events/topaz.ZZ99", nil); status != http.StatusNotFound {
		t.Errorf("unknown device status = %d, want 404", status)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/api/events/topaz.AA01"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.CloseNow()

	// Updates for another device must not reach this stream.
	go func() {
		for i := int64(2); ctx.Err() == nil; i++ {
			f.in.Dispatcher().Send(nest.NewBucket("topaz.BB02", i, i*1000, map[string]any{"smoke_status": float64(2)}))
			f.in.Dispatcher().Send(nest.NewBucket("topaz.AA01", i, i*1000, map[string]any{"smoke_status": float64(1)}))
			time.Sleep(20 * time.Millisecond)
		}
	}()

	for range 3 {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("Read() error = %v", err)
		}
		var got nest.Bucket
		if err := json.Unmarshal(data, &got); err != nil {
			t.Fatalf("event payload: %v", err)
		}
		if got.ObjectKey != "topaz.AA01" {
			t.Errorf("event for %q on the topaz.AA01 stream", got.ObjectKey)
		}
	}

	cancel()
	conn.Close(websocket.StatusNormalClosure, "")
}
