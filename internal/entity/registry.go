package entity

import (
	"sort"
	"sync"

	"github.com/zorak1103/nest-protect/internal/logging"
	"github.com/zorak1103/nest-protect/internal/nest"
)

// Registry indexes entities by unique id and object key.
type Registry struct {
	mu       sync.RWMutex
	entities map[string]Entity
	byObject map[string][]string
}

// NewRegistry creates an empty entity registry.
func NewRegistry() *Registry {
	return &Registry{
		entities: make(map[string]Entity),
		byObject: make(map[string][]string),
	}
}

// Register adds or replaces an entity.
func (r *Registry) Register(e Entity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.register(e)
}

func (r *Registry) register(e Entity) {
	if _, exists := r.entities[e.UniqueID]; !exists {
		ids := append(r.byObject[e.ObjectKey], e.UniqueID)
		sort.Strings(ids)
		r.byObject[e.ObjectKey] = ids
	}
	r.entities[e.UniqueID] = e
}

// Replace swaps the whole entity set and returns the entities that were
// added and removed, sorted by unique id.
func (r *Registry) Replace(entities []Entity) (added, removed []Entity) {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := make(map[string]struct{}, len(entities))
	for _, e := range entities {
		next[e.UniqueID] = struct{}{}
		if _, ok := r.entities[e.UniqueID]; !ok {
			added = append(added, e)
		}
	}
	for id, e := range r.entities {
		if _, ok := next[id]; !ok {
			removed = append(removed, e)
		}
	}

	r.entities = make(map[string]Entity, len(entities))
	r.byObject = make(map[string][]string)
	for _, e := range entities {
		r.register(e)
	}

	byID := func(list []Entity) {
		sort.Slice(list, func(i, j int) bool { return list[i].UniqueID < list[j].UniqueID })
	}
	byID(added)
	byID(removed)
	return added, removed
}

// Sync rebuilds the entity set from the current devices and areas.
func (r *Registry) Sync(devices []nest.Bucket, areas map[string]string) (added, removed []Entity) {
	return r.Replace(Build(devices, areas))
}

// Get returns an entity by unique id.
func (r *Registry) Get(uniqueID string) (Entity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entities[uniqueID]
	return e, ok
}

// ForObject returns the entities of one device bucket, sorted by unique id.
func (r *Registry) ForObject(objectKey string) []Entity {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := r.byObject[objectKey]
	out := make([]Entity, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.entities[id])
	}
	return out
}

// List returns all entities sorted by unique id.
func (r *Registry) List() []Entity {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Entity, 0, len(r.entities))
	for _, e := range r.entities {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UniqueID < out[j].UniqueID })
	return out
}

// Count returns the number of registered entities.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entities)
}

// maxNameLen caps entity names in log output.
const maxNameLen = 60

// LogRegistered logs all entities at Debug level.
func (r *Registry) LogRegistered(logger *logging.Logger) {
	if logger == nil || !logger.IsDebugEnabled() {
		return
	}

	entities := r.List()
	logger.Debug("Registered entities:", "count", len(entities))
	for _, e := range entities {
		logger.Debug("  - "+e.UniqueID, "platform", string(e.Platform()), "name", truncate(e.Name, maxNameLen))
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
