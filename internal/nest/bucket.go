package nest

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mitchellh/mapstructure"
)

// BucketType is the object_key prefix naming a vendor bucket kind.
type BucketType string

// Known bucket types.
const (
	BucketTypeBuckets           BucketType = "buckets"
	BucketTypeDelayedTopaz      BucketType = "delayed_topaz"
	BucketTypeDemandResponse    BucketType = "demand_response"
	BucketTypeDevice            BucketType = "device"
	BucketTypeDeviceAlertDialog BucketType = "device_alert_dialog"
	BucketTypeGeofenceInfo      BucketType = "geofence_info"
	BucketTypeKryptonite        BucketType = "kryptonite"
	BucketTypeLink              BucketType = "link"
	BucketTypeMessage           BucketType = "message"
	BucketTypeMessageCenter     BucketType = "message_center"
	BucketTypeMetadata          BucketType = "metadata"
	BucketTypeOccupancy         BucketType = "occupancy"
	BucketTypeQuartz            BucketType = "quartz"
	BucketTypeSafety            BucketType = "safety"
	BucketTypeRCSSettings       BucketType = "rcs_settings"
	BucketTypeSafetySummary     BucketType = "safety_summary"
	BucketTypeSchedule          BucketType = "schedule"
	BucketTypeShared            BucketType = "shared"
	BucketTypeStructure         BucketType = "structure"
	BucketTypeStructureHistory  BucketType = "structure_history"
	BucketTypeStructureMetadata BucketType = "structure_metadata"
	BucketTypeTopaz             BucketType = "topaz"
	BucketTypeTopazResource     BucketType = "topaz_resource"
	BucketTypeTrack             BucketType = "track"
	BucketTypeTrip              BucketType = "trip"
	BucketTypeTuneups           BucketType = "tuneups"
	BucketTypeUser              BucketType = "user"
	BucketTypeUserAlertDialog   BucketType = "user_alert_dialog"
	BucketTypeUserSettings      BucketType = "user_settings"
	BucketTypeUtility           BucketType = "utility"
	BucketTypeWhere             BucketType = "where"
	BucketTypeWidgetTrack       BucketType = "widget_track"

	// BucketTypeUnknown is returned for prefixes this package does not know.
	BucketTypeUnknown BucketType = "unknown"
)

// knownBucketTypes is the app-launch request order.
var knownBucketTypes = []BucketType{
	BucketTypeBuckets,
	BucketTypeDelayedTopaz,
	BucketTypeDemandResponse,
	BucketTypeDevice,
	BucketTypeDeviceAlertDialog,
	BucketTypeGeofenceInfo,
	BucketTypeKryptonite,
	BucketTypeLink,
	BucketTypeMessage,
	BucketTypeMessageCenter,
	BucketTypeMetadata,
	BucketTypeOccupancy,
	BucketTypeQuartz,
	BucketTypeSafety,
	BucketTypeRCSSettings,
	BucketTypeSafetySummary,
	BucketTypeSchedule,
	BucketTypeShared,
	BucketTypeStructure,
	BucketTypeStructureHistory,
	BucketTypeStructureMetadata,
	BucketTypeTopaz,
	BucketTypeTopazResource,
	BucketTypeTrack,
	BucketTypeTrip,
	BucketTypeTuneups,
	BucketTypeUser,
	BucketTypeUserAlertDialog,
	BucketTypeUserSettings,
	BucketTypeUtility,
	BucketTypeWhere,
	BucketTypeWidgetTrack,
}

var bucketTypeByName = func() map[string]BucketType {
	m := make(map[string]BucketType, len(knownBucketTypes))
	for _, t := range knownBucketTypes {
		m[string(t)] = t
	}
	return m
}()

// ParseBucketType maps a prefix to its BucketType. Unknown prefixes yield
// BucketTypeUnknown.
func ParseBucketType(prefix string) BucketType {
	if t, ok := bucketTypeByName[prefix]; ok {
		return t
	}
	return BucketTypeUnknown
}

// BucketTypeFromKey derives the type from the object key prefix before the first ".".
func BucketTypeFromKey(objectKey string) BucketType {
	prefix, _, _ := strings.Cut(objectKey, ".")
	return ParseBucketType(prefix)
}

// KnownBucketTypes returns the wire names sent with app launch.
func KnownBucketTypes() []string {
	names := make([]string, len(knownBucketTypes))
	for i, t := range knownBucketTypes {
		names[i] = string(t)
	}
	return names
}

// Bucket is one versioned vendor record. Treat it as a value: the registry
// replaces buckets instead of mutating them.
type Bucket struct {
	ObjectKey       string         `json:"object_key"`
	ObjectRevision  int64          `json:"object_revision"`
	ObjectTimestamp int64          `json:"object_timestamp"`
	Type            BucketType     `json:"type,omitempty"`
	Value           map[string]any `json:"value"`
}

// NewBucket builds a bucket and derives its type from the key.
func NewBucket(objectKey string, revision, timestamp int64, value map[string]any) Bucket {
	return Bucket{
		ObjectKey:       objectKey,
		ObjectRevision:  revision,
		ObjectTimestamp: timestamp,
		Type:            BucketTypeFromKey(objectKey),
		Value:           value,
	}
}

// UnmarshalJSON decodes the wire shape and derives Type from the key,
// ignoring any type sent on the wire.
func (b *Bucket) UnmarshalJSON(data []byte) error {
	type wireBucket Bucket
	var w wireBucket
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*b = Bucket(w)
	b.Type = BucketTypeFromKey(b.ObjectKey)
	return nil
}

// ID returns the part of the object key after the type prefix.
func (b Bucket) ID() string {
	_, id, _ := strings.Cut(b.ObjectKey, ".")
	return id
}

// Clone returns a deep copy so the result shares no maps with b.
func (b Bucket) Clone() Bucket {
	c := b
	if b.Value != nil {
		c.Value = copyMap(b.Value)
	}
	return c
}

// Ref returns the baseline triple sent to subscribe.
func (b Bucket) Ref() ObjectRef {
	return ObjectRef{
		ObjectKey:       b.ObjectKey,
		ObjectRevision:  b.ObjectRevision,
		ObjectTimestamp: b.ObjectTimestamp,
	}
}

// Get returns the value for key and whether it was present.
func (b Bucket) Get(key string) (any, bool) {
	v, ok := b.Value[key]
	return v, ok
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = copyAny(v)
	}
	return out
}

func copyAny(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return copyMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = copyAny(e)
		}
		return out
	default:
		return v
	}
}

// ObjectRef identifies a bucket revision in a subscribe request.
type ObjectRef struct {
	ObjectKey       string `json:"object_key"`
	ObjectRevision  int64  `json:"object_revision"`
	ObjectTimestamp int64  `json:"object_timestamp"`
}

// MergeOpName is the only write operation the transport accepts from us.
const MergeOpName = "MERGE"

// MergeOp overlays Value onto the bucket named by ObjectKey.
type MergeOp struct {
	ObjectKey string         `json:"object_key"`
	Op        string         `json:"op"`
	Value     map[string]any `json:"value"`
}

// NewMergeOp builds a MERGE operation.
func NewMergeOp(objectKey string, value map[string]any) MergeOp {
	return MergeOp{ObjectKey: objectKey, Op: MergeOpName, Value: value}
}

// BucketValue is the typed view of a bucket value. The concrete type is one
// of *TopazValue, *KryptoniteValue, *WhereValue or OpaqueValue.
type BucketValue interface {
	BucketType() BucketType
}

// TopazValue is a smoke and CO alarm.
type TopazValue struct {
	SerialNumber    string `mapstructure:"serial_number" json:"serial_number"`
	Model           string `mapstructure:"model" json:"model"`
	Description     string `mapstructure:"description" json:"description"`
	WhereID         string `mapstructure:"where_id" json:"where_id"`
	SpokenWhereID   string `mapstructure:"spoken_where_id" json:"spoken_where_id"`
	StructureID     string `mapstructure:"structure_id" json:"structure_id"`
	SoftwareVersion string `mapstructure:"software_version" json:"software_version"`
	WiredOrBattery  *int   `mapstructure:"wired_or_battery" json:"wired_or_battery,omitempty"`

	BatteryLevel       int  `mapstructure:"battery_level" json:"battery_level"`
	BatteryHealthState int  `mapstructure:"battery_health_state" json:"battery_health_state"`
	LinePowerPresent   bool `mapstructure:"line_power_present" json:"line_power_present"`
	IsOnline           bool `mapstructure:"is_online" json:"is_online"`
	RemovedFromBase    bool `mapstructure:"removed_from_base" json:"removed_from_base"`
	AutoAway           bool `mapstructure:"auto_away" json:"auto_away"`

	COStatus       int `mapstructure:"co_status" json:"co_status"`
	SmokeStatus    int `mapstructure:"smoke_status" json:"smoke_status"`
	HeatStatus     int `mapstructure:"heat_status" json:"heat_status"`
	COPreviousPeak int `mapstructure:"co_previous_peak" json:"co_previous_peak"`

	NightLightEnable     bool `mapstructure:"night_light_enable" json:"night_light_enable"`
	NightLightBrightness int  `mapstructure:"night_light_brightness" json:"night_light_brightness"`
	NTPGreenLEDEnable    bool `mapstructure:"ntp_green_led_enable" json:"ntp_green_led_enable"`
	HeadsUpEnable        bool `mapstructure:"heads_up_enable" json:"heads_up_enable"`
	SteamDetectionEnable bool `mapstructure:"steam_detection_enable" json:"steam_detection_enable"`

	ComponentSpeakerTestPassed bool `mapstructure:"component_speaker_test_passed" json:"component_speaker_test_passed"`
	ComponentSmokeTestPassed   bool `mapstructure:"component_smoke_test_passed" json:"component_smoke_test_passed"`
	ComponentCOTestPassed      bool `mapstructure:"component_co_test_passed" json:"component_co_test_passed"`
	ComponentWifiTestPassed    bool `mapstructure:"component_wifi_test_passed" json:"component_wifi_test_passed"`
	ComponentLEDTestPassed     bool `mapstructure:"component_led_test_passed" json:"component_led_test_passed"`
	ComponentPIRTestPassed     bool `mapstructure:"component_pir_test_passed" json:"component_pir_test_passed"`
	ComponentBuzzerTestPassed  bool `mapstructure:"component_buzzer_test_passed" json:"component_buzzer_test_passed"`
	ComponentHumTestPassed     bool `mapstructure:"component_hum_test_passed" json:"component_hum_test_passed"`
	ComponentHeatTestPassed    bool `mapstructure:"component_heat_test_passed" json:"component_heat_test_passed"`
	ComponentTempTestPassed    bool `mapstructure:"component_temp_test_passed" json:"component_temp_test_passed"`

	ReplaceByDateUTCSecs          int64    `mapstructure:"replace_by_date_utc_secs" json:"replace_by_date_utc_secs"`
	LastAudioSelfTestEndUTCSecs   int64    `mapstructure:"last_audio_self_test_end_utc_secs" json:"last_audio_self_test_end_utc_secs"`
	LatestManualTestEndUTCSecs    int64    `mapstructure:"latest_manual_test_end_utc_secs" json:"latest_manual_test_end_utc_secs"`
	DeviceBornOnDateUTCSecs       int64    `mapstructure:"device_born_on_date_utc_secs" json:"device_born_on_date_utc_secs"`
	LatestManualTestStartUTCSecs  int64    `mapstructure:"latest_manual_test_start_utc_secs" json:"latest_manual_test_start_utc_secs"`
	LastAudioSelfTestStartUTCSecs int64    `mapstructure:"last_audio_self_test_start_utc_secs" json:"last_audio_self_test_start_utc_secs"`
	AutoAwayDecisionTimeSecs      int64    `mapstructure:"auto_away_decision_time_secs" json:"auto_away_decision_time_secs"`
	LatestManualTestCancelled     bool     `mapstructure:"latest_manual_test_cancelled" json:"latest_manual_test_cancelled"`
	SmokeSequenceNumber           int      `mapstructure:"smoke_sequence_number" json:"smoke_sequence_number"`
	COSequenceNumber              int      `mapstructure:"co_sequence_number" json:"co_sequence_number"`
	ThreadMACAddress              string   `mapstructure:"thread_mac_address" json:"thread_mac_address"`
	WifiMACAddress                string   `mapstructure:"wifi_mac_address" json:"wifi_mac_address"`
	ThreadIPAddress               []string `mapstructure:"thread_ip_address" json:"thread_ip_address"`
}

// BucketType implements BucketValue.
func (TopazValue) BucketType() BucketType { return BucketTypeTopaz }

// IsWired reports whether the alarm runs on line power. Alarms that do not
// report wired_or_battery count as battery powered.
func (v TopazValue) IsWired() bool { return v.WiredOrBattery != nil && *v.WiredOrBattery == 0 }

// KryptoniteValue is a remote temperature sensor.
type KryptoniteValue struct {
	SerialNumber       string  `mapstructure:"serial_number" json:"serial_number"`
	Model              string  `mapstructure:"model" json:"model"`
	Description        string  `mapstructure:"description" json:"description"`
	WhereID            string  `mapstructure:"where_id" json:"where_id"`
	StructureID        string  `mapstructure:"structure_id" json:"structure_id"`
	CurrentTemperature float64 `mapstructure:"current_temperature" json:"current_temperature"`
	BatteryLevel       int     `mapstructure:"battery_level" json:"battery_level"`
	LastUpdatedAt      int64   `mapstructure:"last_updated_at" json:"last_updated_at"`
}

// BucketType implements BucketValue.
func (KryptoniteValue) BucketType() BucketType { return BucketTypeKryptonite }

// Area is a named room of a structure.
type Area struct {
	WhereID string `mapstructure:"where_id" json:"where_id"`
	Name    string `mapstructure:"name" json:"name"`
}

// WhereValue lists the areas of one structure.
type WhereValue struct {
	Wheres []Area `mapstructure:"wheres" json:"wheres"`
}

// BucketType implements BucketValue.
func (WhereValue) BucketType() BucketType { return BucketTypeWhere }

// OpaqueValue carries the raw map of every bucket type without a schema.
type OpaqueValue struct {
	Type   BucketType
	Fields map[string]any
}

// BucketType implements BucketValue.
func (v OpaqueValue) BucketType() BucketType { return v.Type }

// Decode returns the typed variant of the bucket value. On a schema
// mismatch the variant is still returned with every field that did decode.
func (b Bucket) Decode() (BucketValue, error) {
	switch b.Type {
	case BucketTypeTopaz:
		v := &TopazValue{}
		return v, decodeValue(b.Value, v)
	case BucketTypeKryptonite:
		v := &KryptoniteValue{}
		return v, decodeValue(b.Value, v)
	case BucketTypeWhere:
		v := &WhereValue{}
		return v, decodeValue(b.Value, v)
	default:
		return OpaqueValue{Type: b.Type, Fields: b.Value}, nil
	}
}

// Where decodes a WHERE bucket.
func (b Bucket) Where() (*WhereValue, error) {
	if b.Type != BucketTypeWhere {
		return nil, fmt.Errorf("bucket %s is not a where bucket", b.ObjectKey)
	}
	v := &WhereValue{}
	if err := decodeValue(b.Value, v); err != nil {
		return nil, err
	}
	return v, nil
}

// decodeValue maps a loosely typed JSON map onto a schema struct.
func decodeValue(input map[string]any, out any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		TagName:          "mapstructure",
		Result:           out,
	})
	if err != nil {
		return fmt.Errorf("creating decoder: %w", err)
	}
	if err := decoder.Decode(input); err != nil {
		return fmt.Errorf("decoding bucket value: %w", err)
	}
	return nil
}
