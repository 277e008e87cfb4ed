package entity

import (
	"fmt"
	"sort"

	"github.com/zorak1103/nest-protect/internal/nest"
)

// Manufacturer is reported for every device.
const Manufacturer = "Google"

// configurationURL points at the vendor's web app for a structure.
const configurationURL = "https://home.nest.com/protect/%s"

// DeviceInfo describes the physical device an entity belongs to.
type DeviceInfo struct {
	Identifiers      []string `json:"identifiers"`
	Name             string   `json:"name"`
	Manufacturer     string   `json:"manufacturer"`
	Model            string   `json:"model,omitempty"`
	SWVersion        string   `json:"sw_version,omitempty"`
	HWVersion        string   `json:"hw_version,omitempty"`
	SuggestedArea    string   `json:"suggested_area,omitempty"`
	ConfigurationURL string   `json:"configuration_url,omitempty"`
}

// Entity is one hub entity backed by a single key of a device bucket.
type Entity struct {
	UniqueID    string
	Name        string
	ObjectKey   string
	Description Description
	Device      DeviceInfo
}

// Key returns the bucket value key the entity reads and writes.
func (e Entity) Key() string { return e.Description.Key }

// Platform returns the entity platform.
func (e Entity) Platform() Platform { return e.Description.Platform }

// State returns the entity state for b. False means the bucket has no value
// for the entity, which the hub shows as unknown.
func (e Entity) State(b nest.Bucket) (any, bool) {
	raw, ok := b.Get(e.Description.Key)
	if !ok {
		return nil, false
	}
	return e.Description.Value(raw)
}

// UniqueID joins the object key and value key.
func UniqueID(objectKey, key string) string {
	return objectKey + "-" + key
}

// profile is the part of a device schema that names and places a device.
type profile struct {
	serial      string
	model       string
	description string
	whereID     string
	structureID string
	software    string
	wired       bool
}

// profileOf decodes the device schema of b. Fields that fail to decode stay
// empty; buckets without a device schema yield an empty profile.
func profileOf(b nest.Bucket) profile {
	v, _ := b.Decode()
	switch d := v.(type) {
	case *nest.TopazValue:
		return profile{
			serial:      d.SerialNumber,
			model:       d.Model,
			description: d.Description,
			whereID:     d.WhereID,
			structureID: d.StructureID,
			software:    d.SoftwareVersion,
			wired:       d.IsWired(),
		}
	case *nest.KryptoniteValue:
		return profile{
			serial:      d.SerialNumber,
			model:       d.Model,
			description: d.Description,
			whereID:     d.WhereID,
			structureID: d.StructureID,
		}
	default:
		return profile{}
	}
}

// label is the description, falling back to the area name.
func (p profile) label(areas map[string]string) string {
	if p.description != "" {
		return p.description
	}
	return areas[p.whereID]
}

// DeviceLabel returns the bucket description, falling back to the area name.
func DeviceLabel(b nest.Bucket, areas map[string]string) string {
	return profileOf(b).label(areas)
}

// DeviceName returns the display name of a device bucket.
func DeviceName(b nest.Bucket, areas map[string]string) string {
	return deviceName(b.Type, profileOf(b).label(areas))
}

func deviceName(t nest.BucketType, label string) string {
	if t == nest.BucketTypeKryptonite {
		return fmt.Sprintf("Nest Temperature Sensor (%s)", label)
	}
	return fmt.Sprintf("Nest Protect (%s)", label)
}

// NewDeviceInfo builds the device info of a topaz or kryptonite bucket.
func NewDeviceInfo(b nest.Bucket, areas map[string]string) DeviceInfo {
	return newDeviceInfo(b, profileOf(b), areas)
}

func newDeviceInfo(b nest.Bucket, p profile, areas map[string]string) DeviceInfo {
	info := DeviceInfo{
		Identifiers:   []string{p.serial},
		Name:          deviceName(b.Type, p.label(areas)),
		Manufacturer:  Manufacturer,
		Model:         p.model,
		SuggestedArea: areas[p.whereID],
	}
	if p.serial == "" {
		info.Identifiers = []string{b.ObjectKey}
	}

	if b.Type == nest.BucketTypeTopaz {
		info.SWVersion = p.software
		info.HWVersion = "Battery"
		if p.wired {
			info.HWVersion = "Wired"
		}
		if p.structureID != "" {
			info.ConfigurationURL = fmt.Sprintf(configurationURL, p.structureID)
		}
	}

	return info
}

// Build creates the entities of every device. An entity exists only when its
// key is present in the device value, so firmware without a feature gets no
// entity for it. Output is sorted by unique id.
func Build(devices []nest.Bucket, areas map[string]string) []Entity {
	descriptions := AllDescriptions()

	var entities []Entity
	for _, b := range devices {
		p := profileOf(b)
		device := newDeviceInfo(b, p, areas)

		for _, d := range descriptions {
			if d.BucketType != "" && d.BucketType != b.Type {
				continue
			}
			if d.WiredOnly && !p.wired {
				continue
			}
			if _, ok := b.Value[d.Key]; !ok {
				continue
			}
			entities = append(entities, Entity{
				UniqueID:    UniqueID(b.ObjectKey, d.Key),
				Name:        device.Name + " " + d.Name,
				ObjectKey:   b.ObjectKey,
				Description: d,
				Device:      device,
			})
		}
	}

	sort.Slice(entities, func(i, j int) bool { return entities[i].UniqueID < entities[j].UniqueID })
	return entities
}
