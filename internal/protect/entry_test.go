package protect

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/zorak1103/nest-protect/internal/nest"
)

func TestMigrateEntry(t *testing.T) {
	t.Parallel()

	creds := nest.Credentials{RefreshToken: "r"}
	tests := []struct {
		name        string
		entry       Entry
		want        Entry
		wantChanged bool
		wantErr     bool
	}{
		{
			name:        "v1 gains account type",
			entry:       Entry{ID: "e1", Version: 1, Credentials: creds},
			want:        Entry{ID: "e1", Version: 3, AccountType: nest.EnvironmentProduction, Credentials: creds},
			wantChanged: true,
		},
		{
			name:        "v1 keeps existing account type",
			entry:       Entry{ID: "e1", Version: 1, AccountType: nest.EnvironmentFieldTest},
			want:        Entry{ID: "e1", Version: 3, AccountType: nest.EnvironmentFieldTest},
			wantChanged: true,
		},
		{
			name:        "v2 bumps version",
			entry:       Entry{ID: "e2", Version: 2, AccountType: nest.EnvironmentProduction},
			want:        Entry{ID: "e2", Version: 3, AccountType: nest.EnvironmentProduction},
			wantChanged: true,
		},
		{
			name:  "current version untouched",
			entry: Entry{ID: "e3", Version: 3, AccountType: nest.EnvironmentProduction},
			want:  Entry{ID: "e3", Version: 3, AccountType: nest.EnvironmentProduction},
		},
		{
			name:    "future version rejected",
			entry:   Entry{ID: "e4", Version: 4},
			want:    Entry{ID: "e4", Version: 4},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			entry := tt.entry
			changed, err := MigrateEntry(&entry)

			if (err != nil) != tt.wantErr {
				t.Fatalf("MigrateEntry() error = %v, wantErr %v", err, tt.wantErr)
			}
			if changed != tt.wantChanged {
				t.Errorf("MigrateEntry() changed = %v, want %v", changed, tt.wantChanged)
			}
			if diff := cmp.Diff(tt.want, entry); diff != "" {
				t.Errorf("entry mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestEntryTitle(t *testing.T) {
	t.Parallel()

	if got := EntryTitle("jane@example.com"); got != "Nest Protect (jane@example.com)" {
		t.Errorf("EntryTitle() = %q", got)
	}
}
