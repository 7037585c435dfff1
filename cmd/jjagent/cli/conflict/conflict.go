// Package conflict measures whether a merge introduced conflicts by
// comparing conflicted-commit counts over a range before and after.
package conflict

import (
	"context"
	"fmt"

	"github.com/schpet/jjagent/cmd/jjagent/cli/vcs"
)

// Range is the set of commits From::To, both inclusive. An empty To means
// every descendant of From.
type Range struct {
	From string
	To   string
}

func (r Range) String() string {
	return r.From + "::" + r.To
}

// Detector counts conflicted commits through the engine.
type Detector struct {
	backend vcs.Backend
}

// NewDetector creates a Detector over backend.
func NewDetector(backend vcs.Backend) *Detector {
	return &Detector{backend: backend}
}

// Count returns the number of conflicted commits in r.
func (d *Detector) Count(ctx context.Context, r Range) (int, error) {
	n, err := d.backend.CountConflicts(ctx, r.From, r.To)
	if err != nil {
		return 0, fmt.Errorf("counting conflicts in %s: %w", r, err)
	}
	return n, nil
}

// Snapshot records the conflict count of a range at one point in time.
type Snapshot struct {
	Range Range
	Count int
}

// Snapshot counts conflicts in r.
func (d *Detector) Snapshot(ctx context.Context, r Range) (Snapshot, error) {
	n, err := d.Count(ctx, r)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Range: r, Count: n}, nil
}

// Introduced recounts the snapshot's range and reports whether the count
// grew. Conflicts that already existed never count against a merge.
func (d *Detector) Introduced(ctx context.Context, before Snapshot) (bool, int, error) {
	after, err := d.Count(ctx, before.Range)
	if err != nil {
		return false, 0, err
	}
	return after > before.Count, after, nil
}
