package protect

import (
	"context"
	"fmt"

	mapset "github.com/deckarep/golang-set/v2"
)

// Redacted replaces sensitive values in diagnostics.
const Redacted = "**REDACTED**"

// RedactKeys are the fields removed from diagnostics output.
var RedactKeys = mapset.NewSet(
	"access_token",
	"address_lines",
	"aux_primary_fabric_id",
	"city",
	"country",
	"email",
	"emergency_contact_description",
	"emergency_contact_phone",
	"ifj_primary_fabric_id",
	"latitude",
	"location",
	"longitude",
	"name",
	"parameters",
	"pairing_token",
	"postal_code",
	"profile_image_url",
	"serial_number",
	"service_config",
	"state",
	"sunrise",
	"sunset",
	"temp_c",
	"thread_ip_address",
	"thread_mac_address",
	"time_zone",
	"topaz_hush_key",
	"user",
	"wifi_mac_address",
	"zip",
)

// Redact returns a copy of v with the values of keys replaced by Redacted,
// recursing through maps and slices. v is not modified.
func Redact(v any, keys mapset.Set[string]) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if keys.Contains(k) {
				out[k] = Redacted
				continue
			}
			out[k] = Redact(val, keys)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = Redact(val, keys)
		}
		return out
	default:
		return v
	}
}

// ConfigEntryDiagnostics fetches a fresh snapshot and returns every bucket
// with sensitive fields redacted.
func (in *Integration) ConfigEntryDiagnostics(ctx context.Context) (map[string]any, error) {
	snapshot, err := in.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading diagnostics snapshot: %w", err)
	}

	buckets := make([]any, 0, len(snapshot.Buckets))
	for _, b := range snapshot.Buckets {
		buckets = append(buckets, map[string]any{
			"object_key":       b.ObjectKey,
			"object_revision":  b.ObjectRevision,
			"object_timestamp": b.ObjectTimestamp,
			"value":            b.Value,
		})
	}
	return map[string]any{
		"app_launch": Redact(map[string]any{"updated_buckets": buckets}, RedactKeys),
	}, nil
}

// DeviceDiagnostics returns the stored device bucket with sensitive fields
// redacted.
func (in *Integration) DeviceDiagnostics(objectKey string) (map[string]any, error) {
	b, ok := in.registry.Device(objectKey)
	if !ok {
		return nil, fmt.Errorf("device %s not found", objectKey)
	}
	return Redact(map[string]any{
		"object_key":       b.ObjectKey,
		"object_revision":  b.ObjectRevision,
		"object_timestamp": b.ObjectTimestamp,
		"value":            b.Value,
	}, RedactKeys).(map[string]any), nil
}
