// Package entity turns device buckets into hub entities: binary sensors,
// sensors, selects and switches.
package entity

import (
	"math"
	"time"

	"github.com/zorak1103/nest-protect/internal/nest"
)

// Platform is the hub entity platform.
type Platform string

// Platforms.
const (
	PlatformBinarySensor Platform = "binary_sensor"
	PlatformSensor       Platform = "sensor"
	PlatformSelect       Platform = "select"
	PlatformSwitch       Platform = "switch"
)

// Category groups entities in the hub UI. Empty means a primary entity.
type Category string

// Entity categories.
const (
	CategoryNone       Category = ""
	CategoryDiagnostic Category = "diagnostic"
	CategoryConfig     Category = "config"
)

// Description describes one entity kind, keyed by the bucket value key it reads.
type Description struct {
	Key         string
	Name        string
	Platform    Platform
	DeviceClass string
	Category    Category
	Icon        string
	Unit        string
	StateClass  string
	// WiredOnly skips battery powered alarms.
	WiredOnly bool
	// BucketType restricts the description to one device type when set.
	BucketType nest.BucketType
	// Options are the select choices.
	Options []string

	// value converts the raw bucket value into the entity state; false means
	// no state.
	value func(raw any) (any, bool)
}

// Value converts a raw bucket value into the entity state.
func (d Description) Value(raw any) (any, bool) {
	if d.value == nil {
		return raw, raw != nil
	}
	return d.value(raw)
}

// Brightness presets of the night light select.
var (
	brightnessToPreset = map[int]string{1: "low", 2: "medium", 3: "high"}
	presetToBrightness = map[string]int{"low": 1, "medium": 2, "high": 3}
)

func problemTest(key, name, icon string) Description {
	return Description{
		Key:         key,
		Name:        name,
		Platform:    PlatformBinarySensor,
		DeviceClass: "problem",
		Category:    CategoryDiagnostic,
		Icon:        icon,
		value:       inverted,
	}
}

// BinarySensors lists the binary sensor descriptions.
var BinarySensors = []Description{
	{Key: "co_status", Name: "CO Status", Platform: PlatformBinarySensor, DeviceClass: "carbon_monoxide", value: nonZero},
	{Key: "smoke_status", Name: "Smoke Status", Platform: PlatformBinarySensor, DeviceClass: "smoke", value: nonZero},
	{Key: "heat_status", Name: "Heat Status", Platform: PlatformBinarySensor, DeviceClass: "heat", value: nonZero},
	problemTest("component_speaker_test_passed", "Speaker Test", "mdi:speaker-wireless"),
	{Key: "battery_health_state", Name: "Battery Health", Platform: PlatformBinarySensor, DeviceClass: "battery", Category: CategoryDiagnostic, value: truthyValue},
	{Key: "is_online", Name: "Online", Platform: PlatformBinarySensor, DeviceClass: "connectivity", Category: CategoryDiagnostic, value: truthyValue},
	problemTest("component_smoke_test_passed", "Smoke Test", "mdi:smoke"),
	problemTest("component_co_test_passed", "CO Test", "mdi:molecule-co"),
	problemTest("component_wifi_test_passed", "WiFi Test", "mdi:wifi"),
	problemTest("component_led_test_passed", "LED Test", "mdi:led-off"),
	problemTest("component_pir_test_passed", "PIR Test", "mdi:run"),
	problemTest("component_buzzer_test_passed", "Buzzer Test", "mdi:alarm-bell"),
	problemTest("component_hum_test_passed", "Humidity Test", "mdi:water-percent"),
	{Key: "removed_from_base", Name: "Removed from Base", Platform: PlatformBinarySensor, DeviceClass: "problem", Category: CategoryDiagnostic, Icon: "mdi:tray-remove", value: truthyValue},
	{Key: "auto_away", Name: "Occupancy", Platform: PlatformBinarySensor, DeviceClass: "occupancy", WiredOnly: true, value: inverted},
	{Key: "line_power_present", Name: "Line Power", Platform: PlatformBinarySensor, DeviceClass: "power", Category: CategoryDiagnostic, WiredOnly: true, value: truthyValue},
}

// Sensors lists the sensor descriptions.
var Sensors = []Description{
	{
		Key: "battery_level", Name: "Battery Level", Platform: PlatformSensor,
		DeviceClass: "battery", Unit: "%", Category: CategoryDiagnostic, StateClass: "measurement",
		BucketType: nest.BucketTypeKryptonite,
	},
	{
		Key: "battery_level", Name: "Battery Level", Platform: PlatformSensor,
		DeviceClass: "battery", Unit: "%", Category: CategoryDiagnostic, StateClass: "measurement",
		BucketType: nest.BucketTypeTopaz,
		value: func(raw any) (any, bool) {
			mv, ok := toFloat(raw)
			if !ok {
				return nil, false
			}
			return MilliVoltToPercentage(mv)
		},
	},
	{Key: "replace_by_date_utc_secs", Name: "Replace By", Platform: PlatformSensor, DeviceClass: "date", Category: CategoryDiagnostic, value: unixDate},
	{Key: "last_audio_self_test_end_utc_secs", Name: "Last Audio Self Test", Platform: PlatformSensor, DeviceClass: "timestamp", Category: CategoryDiagnostic, value: unixTimestamp},
	{Key: "latest_manual_test_end_utc_secs", Name: "Last Manual Test", Platform: PlatformSensor, DeviceClass: "timestamp", Category: CategoryDiagnostic, value: unixTimestamp},
	{
		Key: "current_temperature", Name: "Temperature", Platform: PlatformSensor,
		DeviceClass: "temperature", Unit: "°C", StateClass: "measurement",
		value: func(raw any) (any, bool) {
			f, ok := toFloat(raw)
			if !ok {
				return nil, false
			}
			return math.Round(f*100) / 100, true
		},
	},
}

// Selects lists the select descriptions.
var Selects = []Description{
	{
		Key: "night_light_brightness", Name: "Brightness", Platform: PlatformSelect,
		Category: CategoryConfig, Icon: "mdi:lightbulb-on", Options: []string{"low", "medium", "high"},
		value: func(raw any) (any, bool) {
			f, ok := toFloat(raw)
			if !ok {
				return nil, false
			}
			preset, ok := brightnessToPreset[int(f)]
			return preset, ok
		},
	},
}

// Switches lists the switch descriptions.
var Switches = []Description{
	{Key: "night_light_enable", Name: "Pathlight", Platform: PlatformSwitch, Category: CategoryConfig, Icon: "mdi:weather-night", value: boolValue},
	{Key: "ntp_green_led_enable", Name: "Nightly Promise", Platform: PlatformSwitch, Category: CategoryConfig, Icon: "mdi:led-off", value: boolValue},
	{Key: "heads_up_enable", Name: "Heads-Up", Platform: PlatformSwitch, Category: CategoryConfig, Icon: "mdi:exclamation-thick", value: boolValue},
	{Key: "steam_detection_enable", Name: "Steam Check", Platform: PlatformSwitch, Category: CategoryConfig, Icon: "mdi:pot-steam", value: boolValue},
}

// AllDescriptions returns every description in platform order.
func AllDescriptions() []Description {
	all := make([]Description, 0, len(BinarySensors)+len(Sensors)+len(Selects)+len(Switches))
	all = append(all, BinarySensors...)
	all = append(all, Sensors...)
	all = append(all, Selects...)
	all = append(all, Switches...)
	return all
}

// MilliVoltToPercentage estimates the charge of the alarm's lithium cells
// from their voltage. Readings outside 3000-6000 mV have no estimate.
func MilliVoltToPercentage(mv float64) (int, bool) {
	if mv <= 3000 || mv > 6000 {
		return 0, false
	}

	var slope, yint float64
	switch {
	case mv > 4950:
		slope, yint = 0.001816609, -8.548096886
	case mv > 4800:
		slope, yint = 0.000291667, -0.991176471
	case mv > 4500:
		slope, yint = 0.001077342, -4.730392157
	default:
		slope, yint = 0.000434641, -1.825490196
	}

	pct := int(math.Round((slope*mv + yint) * 100))
	return max(0, min(100, pct)), true
}

func nonZero(raw any) (any, bool) {
	if raw == nil {
		return nil, false
	}
	f, ok := toFloat(raw)
	if !ok {
		return truthy(raw), true
	}
	return f != 0, true
}

func inverted(raw any) (any, bool) {
	return !truthy(raw), true
}

func truthyValue(raw any) (any, bool) {
	return truthy(raw), true
}

func boolValue(raw any) (any, bool) {
	b, ok := raw.(bool)
	return b, ok
}

func unixDate(raw any) (any, bool) {
	f, ok := toFloat(raw)
	if !ok {
		return nil, false
	}
	return time.Unix(int64(f), 0).UTC().Format(time.DateOnly), true
}

func unixTimestamp(raw any) (any, bool) {
	f, ok := toFloat(raw)
	if !ok {
		return nil, false
	}
	return time.Unix(int64(f), 0).UTC().Format(time.RFC3339), true
}

// truthy follows the vendor's loose booleans: zero, empty and nil are false.
func truthy(raw any) bool {
	switch v := raw.(type) {
	case nil:
		return false
	case bool:
		return v
	case string:
		return v != ""
	default:
		if f, ok := toFloat(raw); ok {
			return f != 0
		}
		return true
	}
}

func toFloat(raw any) (float64, bool) {
	switch v := raw.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case int32:
		return float64(v), true
	default:
		return 0, false
	}
}
