package session

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/schpet/jjagent/cmd/jjagent/cli/trailers"
	"github.com/schpet/jjagent/cmd/jjagent/cli/vcs"
)

// DefaultScope limits the search to commits that can still be rewritten.
// A session whose commits have all become immutable starts over.
const DefaultScope = "mutable()"

// AllScope searches the whole visible history.
const AllScope = "all()"

// ErrNotFound is returned when no commit carries the session trailer.
var ErrNotFound = errors.New("no commit found for session")

// DivergenceError reports several commits that could each be the current
// part of a session. It is never resolved by guessing.
type DivergenceError struct {
	SessionID  string
	Candidates []vcs.Commit
}

func (e *DivergenceError) Error() string {
	ids := make([]string, len(e.Candidates))
	for i, c := range e.Candidates {
		ids[i] = c.ChangeID
	}
	return fmt.Sprintf("session %s has diverged: %d commits have no same-session descendant (%s); "+
		"abandon or squash all but one of them, or remove the %s trailer from the extras",
		e.SessionID, len(e.Candidates), strings.Join(ids, ", "), trailers.SessionKey)
}

// Resolver finds session commits through the engine's trailer query.
type Resolver struct {
	backend vcs.Backend
}

// NewResolver creates a Resolver over backend.
func NewResolver(backend vcs.Backend) *Resolver {
	return &Resolver{backend: backend}
}

// Commits returns every commit in scope tagged with the session.
func (r *Resolver) Commits(ctx context.Context, id ID, scope string) ([]vcs.Commit, error) {
	if scope == "" {
		scope = DefaultScope
	}
	commits, err := r.backend.FindByTrailer(ctx, scope, trailers.SessionKey, id.Full())
	if err != nil {
		return nil, fmt.Errorf("searching for session %s: %w", id.Short(), err)
	}
	return commits, nil
}

// FindCurrent returns the session commit that has no other same-session
// commit as a descendant. It returns ErrNotFound when the session has no
// commits in scope and a *DivergenceError when more than one qualifies.
func (r *Resolver) FindCurrent(ctx context.Context, id ID, scope string) (vcs.Commit, error) {
	candidates, err := r.Commits(ctx, id, scope)
	if err != nil {
		return vcs.Commit{}, err
	}

	switch len(candidates) {
	case 0:
		return vcs.Commit{}, fmt.Errorf("%w %s", ErrNotFound, id.Full())
	case 1:
		return candidates[0], nil
	}

	tagged := make(map[string]bool, len(candidates))
	for _, c := range candidates {
		tagged[c.ChangeID] = true
	}

	var heads []vcs.Commit
	for _, c := range candidates {
		descendants, err := r.backend.Descendants(ctx, c.ChangeID)
		if err != nil {
			return vcs.Commit{}, fmt.Errorf("listing descendants of %s: %w", c.ChangeID, err)
		}
		extended := false
		for _, d := range descendants {
			if d.ChangeID != c.ChangeID && tagged[d.ChangeID] {
				extended = true
				break
			}
		}
		if !extended {
			heads = append(heads, c)
		}
	}

	if len(heads) == 1 {
		return heads[0], nil
	}
	// Zero heads would need a cycle; report every candidate in that case.
	if len(heads) == 0 {
		heads = candidates
	}
	return vcs.Commit{}, &DivergenceError{SessionID: id.Full(), Candidates: heads}
}

// CountParts returns how many commits carry the session trailer in scope.
func (r *Resolver) CountParts(ctx context.Context, id ID, scope string) (int, error) {
	commits, err := r.Commits(ctx, id, scope)
	if err != nil {
		return 0, err
	}
	return len(commits), nil
}

// SessionOf returns the last session ID recorded in the commit's trailer block.
func SessionOf(commit vcs.Commit) (string, bool) {
	return trailers.Parse(commit.Description).Value(trailers.SessionKey)
}

// IsPrecommitFor reports whether commit is the scratch commit of session id.
func IsPrecommitFor(commit vcs.Commit, id ID) bool {
	return trailers.Parse(commit.Description).Has(trailers.PrecommitKey, id.Full())
}
