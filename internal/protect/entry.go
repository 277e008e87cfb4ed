package protect

import (
	"fmt"

	"github.com/zorak1103/nest-protect/internal/nest"
)

// EntryVersion is the current config entry schema version.
const EntryVersion = 3

// EntryState is the lifecycle state of a config entry.
type EntryState string

// Entry states.
const (
	StateNotLoaded  EntryState = "not_loaded"
	StateLoaded     EntryState = "loaded"
	StateSetupRetry EntryState = "setup_retry"
	StateSetupError EntryState = "setup_error"
	StateAuthFailed EntryState = "auth_failed"
)

// Entry is one persisted account.
type Entry struct {
	ID          string           `json:"entry_id"`
	Version     int              `json:"version"`
	Title       string           `json:"title"`
	UniqueID    string           `json:"unique_id"`
	AccountType string           `json:"account_type"`
	Credentials nest.Credentials `json:"credentials"`
	State       EntryState       `json:"state"`
}

// MigrateEntry upgrades e in place to EntryVersion. It reports whether
// anything changed.
func MigrateEntry(e *Entry) (bool, error) {
	if e.Version > EntryVersion {
		return false, fmt.Errorf("entry %s has version %d, newer than supported %d", e.ID, e.Version, EntryVersion)
	}
	if e.Version < 1 {
		e.Version = 1
	}

	changed := false
	if e.Version == 1 {
		if e.AccountType == "" {
			e.AccountType = nest.EnvironmentProduction
		}
		e.Version = 2
		changed = true
	}
	if e.Version == 2 {
		e.Version = 3
		changed = true
	}
	return changed, nil
}

// EntryTitle is the display title of an account.
func EntryTitle(email string) string {
	return fmt.Sprintf("Nest Protect (%s)", email)
}
