package entity

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/zorak1103/nest-protect/internal/nest"
	"github.com/zorak1103/nest-protect/internal/nest/nesttest"
)

const hallway = "00000000-0000-0000-0000-000100000001"

var testAreas = map[string]string{hallway: "Hallway"}

func TestMilliVoltToPercentage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		mv     float64
		want   int
		wantOK bool
	}{
		{mv: 3000, wantOK: false},
		{mv: 6001, wantOK: false},
		{mv: 4000, want: 0, wantOK: true},
		{mv: 4300, want: 4, wantOK: true},
		{mv: 4600, want: 23, wantOK: true},
		{mv: 4900, want: 44, wantOK: true},
		{mv: 5000, want: 53, wantOK: true},
		{mv: 5400, want: 100, wantOK: true},
	}

	for _, tt := range tests {
		got, ok := MilliVoltToPercentage(tt.mv)
		if ok != tt.wantOK || got != tt.want {
			t.Errorf("MilliVoltToPercentage(%v) = %d, %v; want %d, %v", tt.mv, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestDeviceName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		bucket nest.Bucket
		want   string
	}{
		{
			name:   "description wins",
			bucket: nesttest.DeviceBucket("AA01", 1, map[string]any{"description": "Upstairs"}),
			want:   "Nest Protect (Upstairs)",
		},
		{
			name:   "area fallback",
			bucket: nesttest.DeviceBucket("AA01", 1, nil),
			want:   "Nest Protect (Hallway)",
		},
		{
			name:   "unknown area",
			bucket: nesttest.DeviceBucket("AA01", 1, map[string]any{"where_id": "nowhere"}),
			want:   "Nest Protect ()",
		},
		{
			name:   "temperature sensor",
			bucket: nest.NewBucket("kryptonite.K1", 1, 1, map[string]any{"where_id": hallway}),
			want:   "Nest Temperature Sensor (Hallway)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := DeviceName(tt.bucket, testAreas); got != tt.want {
				t.Errorf("DeviceName() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNewDeviceInfo(t *testing.T) {
	t.Parallel()

	topaz := NewDeviceInfo(nesttest.DeviceBucket("AA01", 1, nil), testAreas)
	want := DeviceInfo{
		Identifiers:      []string{"AA01"},
		Name:             "Nest Protect (Hallway)",
		Manufacturer:     "Google",
		Model:            "Topaz-2.7",
		SWVersion:        "3.1.4rc2",
		HWVersion:        "Battery",
		SuggestedArea:    "Hallway",
		ConfigurationURL: "https://home.nest.com/protect/structure-1",
	}
	if diff := cmp.Diff(want, topaz); diff != "" {
		t.Errorf("topaz DeviceInfo mismatch (-want +got):\n%s", diff)
	}

	wired := NewDeviceInfo(nesttest.DeviceBucket("AA02", 1, map[string]any{"wired_or_battery": float64(0)}), testAreas)
	if wired.HWVersion != "Wired" {
		t.Errorf("HWVersion = %q, want Wired", wired.HWVersion)
	}

	// The schema decode accepts loosely typed values and keeps the fields
	// that decode when another one does not.
	loose := NewDeviceInfo(nesttest.DeviceBucket("AA03", 1, map[string]any{
		"wired_or_battery": "0",
		"co_status":        map[string]any{"unexpected": true},
	}), testAreas)
	if loose.HWVersion != "Wired" || loose.Name != "Nest Protect (Hallway)" {
		t.Errorf("loosely typed DeviceInfo = %+v", loose)
	}

	unreported := bucketWithoutPowerSource(t, "AA04")
	if got := NewDeviceInfo(unreported, testAreas).HWVersion; got != "Battery" {
		t.Errorf("HWVersion without wired_or_battery = %q, want Battery", got)
	}

	sensor := NewDeviceInfo(nest.NewBucket("kryptonite.K1", 1, 1, map[string]any{"current_temperature": 20.0}), testAreas)
	if diff := cmp.Diff([]string{"kryptonite.K1"}, sensor.Identifiers); diff != "" {
		t.Errorf("kryptonite identifiers mismatch (-want +got):\n%s", diff)
	}
	if sensor.HWVersion != "" || sensor.ConfigurationURL != "" {
		t.Errorf("kryptonite got topaz-only fields: %+v", sensor)
	}
}

// bucketWithoutPowerSource returns a topaz bucket without wired_or_battery.
func bucketWithoutPowerSource(t *testing.T, serial string) nest.Bucket {
	t.Helper()
	b := nesttest.DeviceBucket(serial, 1, nil)
	delete(b.Value, "wired_or_battery")
	return b
}

func uniqueIDs(entities []Entity) []string {
	ids := make([]string, 0, len(entities))
	for _, e := range entities {
		ids = append(ids, e.UniqueID)
	}
	return ids
}

func TestBuild(t *testing.T) {
	t.Parallel()

	devices := []nest.Bucket{
		nesttest.DeviceBucket("AA01", 1, map[string]any{"auto_away": false, "line_power_present": true}),
		nest.NewBucket("kryptonite.K1", 1, 1, map[string]any{"current_temperature": 20.456, "battery_level": float64(87)}),
	}

	entities := Build(devices, testAreas)

	want := []string{
		"kryptonite.K1-battery_level",
		"kryptonite.K1-current_temperature",
		"topaz.AA01-battery_health_state",
		"topaz.AA01-battery_level",
		"topaz.AA01-co_status",
		"topaz.AA01-heads_up_enable",
		"topaz.AA01-heat_status",
		"topaz.AA01-is_online",
		"topaz.AA01-night_light_brightness",
		"topaz.AA01-night_light_enable",
		"topaz.AA01-ntp_green_led_enable",
		"topaz.AA01-smoke_status",
		"topaz.AA01-steam_detection_enable",
	}
	if diff := cmp.Diff(want, uniqueIDs(entities)); diff != "" {
		t.Errorf("Build() ids mismatch (-want +got):\n%s", diff)
	}

	// Wired alarms also get the wired-only entities.
	wired := Build([]nest.Bucket{
		nesttest.DeviceBucket("AA02", 1, map[string]any{"wired_or_battery": float64(0), "auto_away": false, "line_power_present": true}),
	}, testAreas)
	ids := uniqueIDs(wired)
	for _, id := range []string{"topaz.AA02-auto_away", "topaz.AA02-line_power_present"} {
		found := false
		for _, got := range ids {
			found = found || got == id
		}
		if !found {
			t.Errorf("Build() missing %s", id)
		}
	}

	for _, e := range entities {
		if e.UniqueID == "topaz.AA01-smoke_status" && e.Name != "Nest Protect (Hallway) Smoke Status" {
			t.Errorf("entity name = %q", e.Name)
		}
	}
}

func TestEntity_State(t *testing.T) {
	t.Parallel()

	topaz := nesttest.DeviceBucket("AA01", 1, map[string]any{
		"smoke_status":                    float64(2),
		"component_wifi_test_passed":      true,
		"component_smoke_test_passed":     false,
		"replace_by_date_utc_secs":        float64(1893456000),
		"latest_manual_test_end_utc_secs": float64(1700000000),
		"auto_away":                       true,
	})
	sensor := nest.NewBucket("kryptonite.K1", 1, 1, map[string]any{"current_temperature": 20.456, "battery_level": float64(87)})

	find := func(t *testing.T, b nest.Bucket, key string) Entity {
		t.Helper()
		for _, d := range AllDescriptions() {
			if d.Key == key && (d.BucketType == "" || d.BucketType == b.Type) {
				return Entity{UniqueID: UniqueID(b.ObjectKey, key), ObjectKey: b.ObjectKey, Description: d}
			}
		}
		t.Fatalf("no description for %s", key)
		return Entity{}
	}

	tests := []struct {
		name   string
		bucket nest.Bucket
		key    string
		want   any
		wantOK bool
	}{
		{name: "smoke detected", bucket: topaz, key: "smoke_status", want: true, wantOK: true},
		{name: "co clear", bucket: topaz, key: "co_status", want: false, wantOK: true},
		{name: "passed test is no problem", bucket: topaz, key: "component_wifi_test_passed", want: false, wantOK: true},
		{name: "failed test is a problem", bucket: topaz, key: "component_smoke_test_passed", want: true, wantOK: true},
		{name: "away means unoccupied", bucket: topaz, key: "auto_away", want: false, wantOK: true},
		{name: "topaz battery from millivolts", bucket: topaz, key: "battery_level", want: 100, wantOK: true},
		{name: "kryptonite battery raw", bucket: sensor, key: "battery_level", want: float64(87), wantOK: true},
		{name: "temperature rounded", bucket: sensor, key: "current_temperature", want: 20.46, wantOK: true},
		{name: "replace by date", bucket: topaz, key: "replace_by_date_utc_secs", want: "2030-01-01", wantOK: true},
		{name: "manual test timestamp", bucket: topaz, key: "latest_manual_test_end_utc_secs", want: "2023-11-14T22:13:20Z", wantOK: true},
		{name: "brightness preset", bucket: topaz, key: "night_light_brightness", want: "medium", wantOK: true},
		{name: "switch", bucket: topaz, key: "heads_up_enable", want: true, wantOK: true},
		{name: "missing key", bucket: topaz, key: "line_power_present", want: nil, wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, ok := find(t, tt.bucket, tt.key).State(tt.bucket)

			if ok != tt.wantOK {
				t.Fatalf("State() ok = %v, want %v", ok, tt.wantOK)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("State() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}
