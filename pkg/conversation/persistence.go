package conversation

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// SchemaVersion tags the snapshot format. Restore refuses anything else.
const SchemaVersion = 1

// ErrIncompatibleSchema is returned when a snapshot carries an unknown
// schema tag. Fatal at startup; the operator must migrate or reset.
var ErrIncompatibleSchema = errors.New("incompatible snapshot schema")

// Snapshot is the serialized union of all conversation windows and
// rate-limit states at one point in time.
type Snapshot struct {
	SchemaVersion int                       `json:"schema_version"`
	SavedAt       time.Time                 `json:"saved_at"`
	Conversations map[string][]Turn         `json:"conversations"`
	RateLimits    map[string]RateLimitState `json:"rate_limits"`
}

// Capture produces an immutable point-in-time copy of store and limiter
// state. Neither is blocked for longer than the copy itself.
func Capture(store *Store, limiter *Limiter) *Snapshot {
	return &Snapshot{
		SchemaVersion: SchemaVersion,
		SavedAt:       time.Now().UTC(),
		Conversations: store.export(),
		RateLimits:    limiter.export(),
	}
}

// Apply atomically replaces in-memory state with the snapshot's contents.
func (s *Snapshot) Apply(store *Store, limiter *Limiter) {
	store.replace(s.Conversations)
	limiter.replace(s.RateLimits)
}

// WriteFile persists the snapshot with a write-to-temp-then-rename
// discipline: a crash mid-write leaves the previous file intact.
func (s *Snapshot) WriteFile(path string) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync temp snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp snapshot: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace snapshot: %w", err)
	}
	return nil
}

// ReadFile loads and validates a snapshot. The caller distinguishes a
// missing file (clean first start) via os.IsNotExist.
func ReadFile(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var tag struct {
		SchemaVersion int `json:"schema_version"`
	}
	if err := json.Unmarshal(data, &tag); err != nil {
		return nil, fmt.Errorf("parse snapshot: %w", err)
	}
	if tag.SchemaVersion != SchemaVersion {
		return nil, fmt.Errorf("%w: file has version %d, supported version is %d",
			ErrIncompatibleSchema, tag.SchemaVersion, SchemaVersion)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("parse snapshot: %w", err)
	}
	return &snap, nil
}

// Restore loads the snapshot at path into store and limiter. A missing
// file is a clean first start, not an error. Called exactly once at
// startup, before any traffic.
func Restore(path string, store *Store, limiter *Limiter) error {
	snap, err := ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	snap.Apply(store, limiter)
	return nil
}
