// Package protect runs one smoke-alarm account: setup, the long-poll update
// loop, the device registry and the notification dispatcher.
package protect

import (
	"sort"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/zorak1103/nest-protect/internal/nest"
)

// deviceTypes are the bucket types exposed as devices.
var deviceTypes = mapset.NewSet(nest.BucketTypeTopaz, nest.BucketTypeKryptonite)

// IsDeviceBucket reports whether b is a topaz or kryptonite bucket.
func IsDeviceBucket(b nest.Bucket) bool {
	return deviceTypes.Contains(b.Type)
}

// Registry is the in-memory account state: device buckets by object key and
// areas by where id.
type Registry struct {
	mu      sync.RWMutex
	devices map[string]nest.Bucket
	areas   map[string]string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		devices: make(map[string]nest.Bucket),
		areas:   make(map[string]string),
	}
}

// Apply folds updates into the registry and returns the device buckets that
// changed, in update order. Device values are overlaid per top-level key;
// where buckets upsert areas. Other types are ignored.
func (r *Registry) Apply(updates []nest.Bucket) []nest.Bucket {
	r.mu.Lock()
	defer r.mu.Unlock()

	var changed []nest.Bucket
	for _, u := range updates {
		switch {
		case IsDeviceBucket(u):
			merged := overlay(r.devices[u.ObjectKey], u)
			r.devices[u.ObjectKey] = merged
			changed = append(changed, merged.Clone())
		case u.Type == nest.BucketTypeWhere:
			where, err := u.Where()
			if err != nil {
				continue
			}
			for _, a := range where.Wheres {
				r.areas[a.WhereID] = a.Name
			}
		}
	}
	return changed
}

// overlay returns a new bucket carrying update's metadata and prev's value
// overlaid by update's value.
func overlay(prev, update nest.Bucket) nest.Bucket {
	value := make(map[string]any, len(prev.Value)+len(update.Value))
	for k, v := range prev.Clone().Value {
		value[k] = v
	}
	for k, v := range update.Clone().Value {
		value[k] = v
	}
	merged := update
	merged.Value = value
	return merged
}

// Device returns a copy of the device bucket for objectKey.
func (r *Registry) Device(objectKey string) (nest.Bucket, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.devices[objectKey]
	if !ok {
		return nest.Bucket{}, false
	}
	return b.Clone(), true
}

// Devices returns copies of all device buckets sorted by object key.
func (r *Registry) Devices() []nest.Bucket {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]nest.Bucket, 0, len(r.devices))
	for _, b := range r.devices {
		out = append(out, b.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ObjectKey < out[j].ObjectKey })
	return out
}

// AreaName returns the name of a where id.
func (r *Registry) AreaName(whereID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.areas[whereID]
	return name, ok
}

// Areas returns a copy of the where id to name table.
func (r *Registry) Areas() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.areas))
	for k, v := range r.areas {
		out[k] = v
	}
	return out
}

// OverlayBaseline returns prev with every entry whose object key appears in
// updates replaced by the update. Entries absent from updates are kept, and
// keys not in prev are appended in update order. prev is not modified.
func OverlayBaseline(prev, updates []nest.Bucket) []nest.Bucket {
	index := make(map[string]int, len(prev))
	out := make([]nest.Bucket, len(prev), len(prev)+len(updates))
	copy(out, prev)
	for i, b := range out {
		index[b.ObjectKey] = i
	}
	for _, u := range updates {
		if i, ok := index[u.ObjectKey]; ok {
			out[i] = u
			continue
		}
		index[u.ObjectKey] = len(out)
		out = append(out, u)
	}
	return out
}
