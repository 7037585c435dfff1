// Package vcs defines the narrow command interface jjagent needs from the
// underlying version-control engine. The engine owns commit storage, diffing
// and merging; jjagent only sequences these primitives.
package vcs

import (
	"context"
	"errors"
)

// ErrRevisionNotFound is returned when a revision expression resolves to nothing.
var ErrRevisionNotFound = errors.New("revision not found")

// WorkingCopy is the revision expression for the working-copy commit.
const WorkingCopy = "@"

// Commit is a read-only view of a commit owned by the engine.
type Commit struct {
	// ChangeID is the stable identity that survives rewrites.
	ChangeID string
	// CommitID identifies this exact snapshot.
	CommitID string
	// Parents holds the change IDs of the parents, in order.
	Parents []string
	// Description is the full free-text description.
	Description string
	// Empty is true when the commit has no content changes relative to its parents.
	Empty bool
	// Conflict is true when the commit holds unresolved conflicts.
	Conflict bool
}

// Parent returns the first parent change ID, or "" for a root commit.
func (c Commit) Parent() string {
	if len(c.Parents) == 0 {
		return ""
	}
	return c.Parents[0]
}

// Backend is the set of primitive operations the coordinator sequences.
// Every mutating operation counts as exactly one entry in the engine's
// operation log, so Undo(n) reverts exactly the last n calls.
type Backend interface {
	// Root returns the workspace root directory.
	Root(ctx context.Context) (string, error)

	// Refresh brings the engine's view of the working copy up to date
	// (snapshotting on-disk edits and recovering a stale workspace).
	Refresh(ctx context.Context) error

	// Show resolves a single revision.
	Show(ctx context.Context, rev string) (Commit, error)

	// Descendants returns the strict descendants of rev.
	Descendants(ctx context.Context, rev string) ([]Commit, error)

	// IsAncestor reports whether ancestor is an ancestor of (or equal to) descendant.
	IsAncestor(ctx context.Context, ancestor, descendant string) (bool, error)

	// FindByTrailer returns the commits within scope whose trailer block
	// carries key: value. Matching must consider the trailer block only.
	FindByTrailer(ctx context.Context, scope, key, value string) ([]Commit, error)

	// CountConflicts counts conflicted commits in the range from::to: the
	// descendants of from that are also ancestors of to, both inclusive.
	// An empty to means every descendant of from.
	CountConflicts(ctx context.Context, from, to string) (int, error)

	// NewCommit creates a commit on top of parent. When edit is true the
	// working copy moves onto the new commit.
	NewCommit(ctx context.Context, parent, message string, edit bool) (string, error)

	// InsertBefore creates an empty commit between rev and its parents
	// without moving the working copy. It returns the new change ID.
	InsertBefore(ctx context.Context, rev, message string) (string, error)

	// Edit moves the working copy onto rev.
	Edit(ctx context.Context, rev string) error

	// Describe replaces the description of rev.
	Describe(ctx context.Context, rev, message string) error

	// Squash moves the content of from into into. When keepDestinationMessage
	// is true the destination description is left untouched.
	Squash(ctx context.Context, from, into string, keepDestinationMessage bool) error

	// Abandon removes rev, rebasing its descendants onto its parents.
	Abandon(ctx context.Context, rev string) error

	// Undo reverts the last n operations.
	Undo(ctx context.Context, n int) error
}
