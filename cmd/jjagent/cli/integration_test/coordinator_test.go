//go:build integration

package integration

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/schpet/jjagent/cmd/jjagent/cli/coordinator"
	"github.com/schpet/jjagent/cmd/jjagent/cli/jj"
	"github.com/schpet/jjagent/cmd/jjagent/cli/lock"
	"github.com/schpet/jjagent/cmd/jjagent/cli/session"
	"github.com/schpet/jjagent/cmd/jjagent/cli/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sessionID = "33333333-cccc-4ccc-8ccc-cccccccccccc"

type env struct {
	t      *testing.T
	ctx    context.Context
	dir    string
	client *jj.Client
	coord  *coordinator.Coordinator
}

func newEnv(t *testing.T) *env {
	t.Helper()
	dir := testutil.InitRepo(t)
	client := jj.New(dir)
	return &env{
		t:      t,
		ctx:    context.Background(),
		dir:    dir,
		client: client,
		coord: coordinator.New(client, dir, coordinator.WithLockOptions(lock.Options{
			Timeout:  30 * time.Second,
			Progress: io.Discard,
		})),
	}
}

// edit runs one agent edit cycle that writes path.
func (e *env) edit(path, content string) coordinator.Result {
	e.t.Helper()
	req := coordinator.Request{SessionID: sessionID, Tool: "Edit"}

	pre, err := e.coord.PreEdit(e.ctx, req)
	require.NoError(e.t, err)
	require.Equal(e.t, coordinator.OutcomePrepared, pre.Outcome)

	testutil.WriteFile(e.t, e.dir, path, content)

	res, err := e.coord.PostEdit(e.ctx, req)
	require.NoError(e.t, err, testutil.RunJJ(e.t, e.dir, "log"))
	return res
}

func (e *env) fileAt(rev, path string) string {
	e.t.Helper()
	return testutil.RunJJ(e.t, e.dir, "file", "show", "-r", rev, path)
}

func TestEditLandsInSessionChange(t *testing.T) {
	e := newEnv(t)
	before, err := e.client.Show(e.ctx, "@")
	require.NoError(t, err)

	res := e.edit("hello.txt", "hello\n")
	assert.Equal(t, coordinator.OutcomeCommitted, res.Outcome)

	after, err := e.client.Show(e.ctx, "@")
	require.NoError(t, err)
	assert.Equal(t, before.ChangeID, after.ChangeID, "the user's working copy is restored")
	assert.True(t, after.Empty)

	current, err := session.NewResolver(e.client).FindCurrent(e.ctx, session.NewID(sessionID), session.AllScope)
	require.NoError(t, err)
	assert.Equal(t, "hello", e.fileAt(current.ChangeID, "hello.txt"))
	assert.Equal(t, []string{current.ChangeID}, after.Parents)

	// A second edit joins the same change.
	e.edit("second.txt", "two\n")
	again, err := session.NewResolver(e.client).FindCurrent(e.ctx, session.NewID(sessionID), session.AllScope)
	require.NoError(t, err)
	assert.Equal(t, current.ChangeID, again.ChangeID)
	assert.Equal(t, "two", e.fileAt(again.ChangeID, "second.txt"))

	_, err = lock.Inspect(e.dir)
	require.ErrorIs(t, err, lock.ErrNotHeld)
}

func TestConflictingEditBecomesNewPart(t *testing.T) {
	e := newEnv(t)
	e.edit("a.txt", "agent v1\n")

	// The user edits the same file and moves on.
	testutil.WriteFile(t, e.dir, "a.txt", "user\n")
	testutil.RunJJ(t, e.dir, "new", "-m", "")

	res := e.edit("a.txt", "agent v2\n")
	require.Equal(t, coordinator.OutcomeRolledBack, res.Outcome)

	parts, err := session.NewResolver(e.client).CountParts(e.ctx, session.NewID(sessionID), session.AllScope)
	require.NoError(t, err)
	assert.Equal(t, 2, parts)

	assert.Empty(t, testutil.RunJJ(t, e.dir, "log", "--no-graph", "-r", "conflicts()", "-T", `change_id ++ "\n"`),
		"rollback must leave no conflicted commits")
	assert.Equal(t, "agent v2", e.fileAt(res.Session, "a.txt"))
	assert.Equal(t, "agent v2\n", testutil.ReadFile(t, e.dir, "a.txt"))
}

func TestEmptyEditLeavesNoTrace(t *testing.T) {
	e := newEnv(t)
	ops := testutil.RunJJ(t, e.dir, "log", "--no-graph", "-r", "all()", "-T", `change_id ++ "\n"`)

	req := coordinator.Request{SessionID: sessionID, Tool: "Write"}
	_, err := e.coord.PreEdit(e.ctx, req)
	require.NoError(t, err)
	res, err := e.coord.Stop(e.ctx, req)
	require.NoError(t, err)
	assert.Equal(t, coordinator.OutcomeNoChanges, res.Outcome)

	assert.Equal(t, ops, testutil.RunJJ(t, e.dir, "log", "--no-graph", "-r", "all()", "-T", `change_id ++ "\n"`))
}
