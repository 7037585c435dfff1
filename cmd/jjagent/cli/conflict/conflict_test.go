package conflict

import (
	"context"
	"errors"
	"testing"

	"github.com/schpet/jjagent/cmd/jjagent/cli/vcs"
	"github.com/schpet/jjagent/cmd/jjagent/cli/vcs/vcstest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// overlap builds uwc -> eph on a fresh repo, with a target inserted below
// uwc, and returns the three change IDs.
func overlap(t *testing.T, repo *vcstest.Repo, userContent, agentContent string) (uwc, eph, target string) {
	t.Helper()
	ctx := context.Background()

	uwc = repo.WorkingCopy()
	repo.WriteFile("shared.txt", userContent)
	eph, err := repo.NewCommit(ctx, uwc, "eph", true)
	require.NoError(t, err)
	repo.WriteFile("shared.txt", agentContent)
	target, err = repo.InsertBefore(ctx, uwc, "target")
	require.NoError(t, err)
	require.NoError(t, repo.Edit(ctx, uwc))
	return uwc, eph, target
}

func TestIntroducedAfterConflictingSquash(t *testing.T) {
	repo := vcstest.New(t.TempDir())
	ctx := context.Background()
	uwc, eph, target := overlap(t, repo, "user", "agent")

	d := NewDetector(repo)
	before, err := d.Snapshot(ctx, Range{From: target, To: uwc})
	require.NoError(t, err)
	assert.Zero(t, before.Count)

	require.NoError(t, repo.Squash(ctx, eph, target, true))

	introduced, after, err := d.Introduced(ctx, before)
	require.NoError(t, err)
	assert.True(t, introduced)
	assert.Positive(t, after)
}

func TestIntroducedIgnoresIdenticalEdits(t *testing.T) {
	repo := vcstest.New(t.TempDir())
	ctx := context.Background()
	uwc, eph, target := overlap(t, repo, "same", "same")

	d := NewDetector(repo)
	before, err := d.Snapshot(ctx, Range{From: target, To: uwc})
	require.NoError(t, err)
	require.NoError(t, repo.Squash(ctx, eph, target, true))

	introduced, _, err := d.Introduced(ctx, before)
	require.NoError(t, err)
	assert.False(t, introduced)
}

func TestPreexistingConflictsDoNotCount(t *testing.T) {
	repo := vcstest.New(t.TempDir())
	ctx := context.Background()
	uwc, eph, target := overlap(t, repo, "user", "agent")
	require.NoError(t, repo.Squash(ctx, eph, target, true))

	d := NewDetector(repo)
	before, err := d.Snapshot(ctx, Range{From: target})
	require.NoError(t, err)
	require.Positive(t, before.Count)

	// A clean follow-up edit leaves the count unchanged.
	next, err := repo.NewCommit(ctx, uwc, "next", true)
	require.NoError(t, err)
	repo.WriteFile("other.txt", "x")
	require.NoError(t, repo.Edit(ctx, uwc))
	require.NoError(t, repo.Squash(ctx, next, target, true))

	introduced, after, err := d.Introduced(ctx, before)
	require.NoError(t, err)
	assert.False(t, introduced)
	assert.Equal(t, before.Count, after)
}

func TestCountWrapsBackendError(t *testing.T) {
	repo := vcstest.New(t.TempDir())
	boom := errors.New("boom")
	repo.FailOn(vcstest.OpCountConflicts, boom)

	_, err := NewDetector(repo).Count(context.Background(), Range{From: vcs.WorkingCopy})
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "counting conflicts in @::")
}

func TestRangeString(t *testing.T) {
	assert.Equal(t, "abc::@", Range{From: "abc", To: "@"}.String())
	assert.Equal(t, "abc::", Range{From: "abc"}.String())
}
