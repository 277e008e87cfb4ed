package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/zorak1103/nest-protect/internal/nest"
	"github.com/zorak1103/nest-protect/internal/protect"
)

// Entry errors.
var (
	ErrEntryNotFound  = errors.New("config entry not found")
	ErrDuplicateEntry = errors.New("config entry already exists for this account")
)

const entryColumns = "id, version, title, unique_id, account_type, credentials, state"

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (protect.Entry, error) {
	var (
		e     protect.Entry
		creds string
		state string
	)
	if err := row.Scan(&e.ID, &e.Version, &e.Title, &e.UniqueID, &e.AccountType, &creds, &state); err != nil {
		return protect.Entry{}, err
	}
	e.State = protect.EntryState(state)
	if err := json.Unmarshal([]byte(creds), &e.Credentials); err != nil {
		return protect.Entry{}, fmt.Errorf("decoding credentials of entry %s: %w", e.ID, err)
	}
	return e, nil
}

func encodeCredentials(c nest.Credentials) (string, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("encoding credentials: %w", err)
	}
	return string(data), nil
}

// CreateEntry inserts e. An empty ID gets a fresh UUID; an empty state is
// stored as not loaded.
func (s *Store) CreateEntry(ctx context.Context, e *protect.Entry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Version == 0 {
		e.Version = protect.EntryVersion
	}
	if e.State == "" {
		e.State = protect.StateNotLoaded
	}
	creds, err := encodeCredentials(e.Credentials)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		"INSERT INTO entries ("+entryColumns+") VALUES (?, ?, ?, ?, ?, ?, ?)",
		e.ID, e.Version, e.Title, e.UniqueID, e.AccountType, creds, string(e.State),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%s: %w", e.UniqueID, ErrDuplicateEntry)
	}
	if err != nil {
		return fmt.Errorf("inserting entry: %w", err)
	}
	return nil
}

// UpdateEntry overwrites the stored entry with e's ID.
func (s *Store) UpdateEntry(ctx context.Context, e protect.Entry) error {
	creds, err := encodeCredentials(e.Credentials)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE entries
		SET version = ?, title = ?, unique_id = ?, account_type = ?, credentials = ?, state = ?,
		    updated_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now')
		WHERE id = ?`,
		e.Version, e.Title, e.UniqueID, e.AccountType, creds, string(e.State), e.ID,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%s: %w", e.UniqueID, ErrDuplicateEntry)
	}
	if err != nil {
		return fmt.Errorf("updating entry: %w", err)
	}
	return requireRow(res, e.ID)
}

// SetEntryState records the lifecycle state of an entry.
func (s *Store) SetEntryState(ctx context.Context, id string, state protect.EntryState) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE entries SET state = ?, updated_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now') WHERE id = ?",
		string(state), id,
	)
	if err != nil {
		return fmt.Errorf("updating entry state: %w", err)
	}
	return requireRow(res, id)
}

// GetEntry returns an entry by id.
func (s *Store) GetEntry(ctx context.Context, id string) (protect.Entry, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+entryColumns+" FROM entries WHERE id = ?", id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return protect.Entry{}, fmt.Errorf("%s: %w", id, ErrEntryNotFound)
	}
	if err != nil {
		return protect.Entry{}, fmt.Errorf("getting entry: %w", err)
	}
	return e, nil
}

// FindByUniqueID returns the entry of an account.
func (s *Store) FindByUniqueID(ctx context.Context, uniqueID string) (protect.Entry, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+entryColumns+" FROM entries WHERE unique_id = ?", uniqueID)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return protect.Entry{}, fmt.Errorf("unique id %s: %w", uniqueID, ErrEntryNotFound)
	}
	if err != nil {
		return protect.Entry{}, fmt.Errorf("finding entry: %w", err)
	}
	return e, nil
}

// ListEntries returns all entries ordered by creation.
func (s *Store) ListEntries(ctx context.Context) ([]protect.Entry, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+entryColumns+" FROM entries ORDER BY created_at, id")
	if err != nil {
		return nil, fmt.Errorf("listing entries: %w", err)
	}
	defer rows.Close()

	var entries []protect.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating entries: %w", err)
	}
	return entries, nil
}

// DeleteEntry removes an entry.
func (s *Store) DeleteEntry(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM entries WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting entry: %w", err)
	}
	return requireRow(res, id)
}

// SaveAccount stores credentials for an account. An existing entry with the
// same unique id is updated in place (reauth); otherwise a new one is created.
// It reports whether an existing entry was updated.
func (s *Store) SaveAccount(ctx context.Context, e protect.Entry) (protect.Entry, bool, error) {
	existing, err := s.FindByUniqueID(ctx, e.UniqueID)
	switch {
	case errors.Is(err, ErrEntryNotFound):
		if err := s.CreateEntry(ctx, &e); err != nil {
			return protect.Entry{}, false, err
		}
		return e, false, nil
	case err != nil:
		return protect.Entry{}, false, err
	}

	existing.Credentials = e.Credentials
	existing.Title = e.Title
	existing.AccountType = e.AccountType
	existing.State = protect.StateNotLoaded
	if err := s.UpdateEntry(ctx, existing); err != nil {
		return protect.Entry{}, false, err
	}
	return existing, true, nil
}

// MigrateEntries upgrades every stored entry to the current version and
// returns how many changed.
func (s *Store) MigrateEntries(ctx context.Context) (int, error) {
	entries, err := s.ListEntries(ctx)
	if err != nil {
		return 0, err
	}

	migrated := 0
	for _, e := range entries {
		changed, err := protect.MigrateEntry(&e)
		if err != nil {
			return migrated, err
		}
		if !changed {
			continue
		}
		if err := s.UpdateEntry(ctx, e); err != nil {
			return migrated, err
		}
		migrated++
	}
	return migrated, nil
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", id, ErrEntryNotFound)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
}
