// Package rubric keeps the versioned set of failure-mode identifiers that
// annotations may carry as dynamic labels.
package rubric

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/kalambet/opencoding/internal/storage"
)

var idPattern = regexp.MustCompile(`^[a-z0-9_]+$`)

// InvalidRubricError rejects a rubric import. No version is created.
type InvalidRubricError struct {
	Reason  string
	Invalid []string
}

func (e *InvalidRubricError) Error() string {
	if len(e.Invalid) == 0 {
		return "invalid rubric: " + e.Reason
	}
	return fmt.Sprintf("invalid rubric: %s: %s", e.Reason, strings.Join(e.Invalid, ", "))
}

// Store is the persistence the Registry needs. Implemented by storage.Store.
type Store interface {
	InsertRubricVersion(ctx context.Context, failureModes []string) (storage.RubricVersion, error)
	ListRubricVersions(ctx context.Context) ([]storage.RubricVersion, error)
	LatestRubric(ctx context.Context) (storage.RubricVersion, error)
}

// Snapshot is an immutable view of the registry at one point in time.
type Snapshot struct {
	Version      int
	FailureModes []string

	current map[string]bool
	known   map[string]bool
}

// InCurrent reports whether id belongs to the latest rubric version.
func (s Snapshot) InCurrent(id string) bool { return s.current[id] }

// Known reports whether id belongs to any rubric version ever imported.
func (s Snapshot) Known(id string) bool { return s.known[id] }

// NewSnapshot builds a snapshot from a rubric history, oldest first.
func NewSnapshot(history []storage.RubricVersion) Snapshot {
	snap := Snapshot{FailureModes: []string{}, current: map[string]bool{}, known: map[string]bool{}}
	for _, rv := range history {
		for _, id := range rv.FailureModes {
			snap.known[id] = true
		}
	}
	if n := len(history); n > 0 {
		latest := history[n-1]
		snap.Version = latest.Version
		snap.FailureModes = append([]string(nil), latest.FailureModes...)
		for _, id := range latest.FailureModes {
			snap.current[id] = true
		}
	}
	return snap
}

// Registry caches the rubric history in memory and appends new versions
// through the store. Version 0 with an empty set means nothing was imported.
// Other processes may import into the same database, so every read compares
// the cached version with the latest stored one and reloads when it moved.
type Registry struct {
	store Store

	mu      sync.RWMutex
	loaded  bool
	history []storage.RubricVersion
	snap    Snapshot
}

func NewRegistry(store Store) *Registry {
	return &Registry{store: store}
}

// Current returns the latest rubric together with the set of every id ever
// defined.
func (r *Registry) Current(ctx context.Context) (Snapshot, error) {
	latest, err := r.latestVersion(ctx)
	if err != nil {
		return Snapshot{}, err
	}

	r.mu.RLock()
	if r.loaded && r.snap.Version == latest {
		s := r.snap
		r.mu.RUnlock()
		return s, nil
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.syncLocked(ctx, latest); err != nil {
		return Snapshot{}, err
	}
	return r.snap, nil
}

// History returns every rubric version, oldest first.
func (r *Registry) History(ctx context.Context) ([]storage.RubricVersion, error) {
	latest, err := r.latestVersion(ctx)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.syncLocked(ctx, latest); err != nil {
		return nil, err
	}
	return append([]storage.RubricVersion(nil), r.history...), nil
}

// Import validates failureModes and stores them as the next version.
// Identifiers are trimmed; duplicates collapse onto their first position.
func (r *Registry) Import(ctx context.Context, failureModes []string) (storage.RubricVersion, error) {
	modes, err := Normalize(failureModes)
	if err != nil {
		return storage.RubricVersion{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	rv, err := r.store.InsertRubricVersion(ctx, modes)
	if err != nil {
		return storage.RubricVersion{}, fmt.Errorf("storing rubric: %w", err)
	}
	if err := r.syncLocked(ctx, rv.Version); err != nil {
		return storage.RubricVersion{}, err
	}
	return rv, nil
}

// Normalize trims, de-duplicates and checks a failure-mode list.
func Normalize(failureModes []string) ([]string, error) {
	seen := make(map[string]bool, len(failureModes))
	var modes, invalid []string
	for _, raw := range failureModes {
		id := strings.TrimSpace(raw)
		if !idPattern.MatchString(id) {
			invalid = append(invalid, fmt.Sprintf("%q", raw))
			continue
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		modes = append(modes, id)
	}
	if len(invalid) > 0 {
		return nil, &InvalidRubricError{Reason: "identifiers must match [a-z0-9_]+", Invalid: invalid}
	}
	if len(modes) == 0 {
		return nil, &InvalidRubricError{Reason: "at least one failure mode is required"}
	}
	return modes, nil
}

// latestVersion returns the newest stored rubric version, 0 before the
// first import.
func (r *Registry) latestVersion(ctx context.Context) (int, error) {
	rv, err := r.store.LatestRubric(ctx)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return 0, nil
	case err != nil:
		return 0, fmt.Errorf("reading latest rubric: %w", err)
	}
	return rv.Version, nil
}

// syncLocked reloads the history unless the cache already holds latest.
func (r *Registry) syncLocked(ctx context.Context, latest int) error {
	if r.loaded && r.snap.Version == latest {
		return nil
	}
	history, err := r.store.ListRubricVersions(ctx)
	if err != nil {
		return fmt.Errorf("loading rubric history: %w", err)
	}
	r.history = history
	r.snap = NewSnapshot(history)
	r.loaded = true
	return nil
}

// IsInvalid reports whether err is an InvalidRubricError.
func IsInvalid(err error) bool {
	var ire *InvalidRubricError
	return errors.As(err, &ire)
}
