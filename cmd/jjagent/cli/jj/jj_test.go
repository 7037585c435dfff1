package jj

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/schpet/jjagent/cmd/jjagent/cli/vcs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func record(fields ...string) string {
	return strings.Join(fields, "\x00") + "\x00"
}

func TestParseCommits(t *testing.T) {
	out := record("kxqyrlvs", "1a2b3c", "zzzzzzzz", "1", "0", "") +
		record("mnoprstu", "4d5e6f", "kxqyrlvs,qqqqqqqq", "0", "1",
			"jjagent: session abcd1234\n\nClaude-session-id: abcd1234-full\n")

	commits, err := ParseCommits(out)
	require.NoError(t, err)
	require.Len(t, commits, 2)

	assert.Equal(t, vcs.Commit{
		ChangeID: "kxqyrlvs",
		CommitID: "1a2b3c",
		Parents:  []string{"zzzzzzzz"},
		Empty:    true,
	}, commits[0])

	assert.Equal(t, "mnoprstu", commits[1].ChangeID)
	assert.Equal(t, []string{"kxqyrlvs", "qqqqqqqq"}, commits[1].Parents)
	assert.True(t, commits[1].Conflict)
	assert.False(t, commits[1].Empty)
	assert.Equal(t, "jjagent: session abcd1234\n\nClaude-session-id: abcd1234-full\n", commits[1].Description)
}

func TestParseCommitsRootHasNoParents(t *testing.T) {
	commits, err := ParseCommits(record("zzzzzzzz", "000000", "", "1", "0", ""))
	require.NoError(t, err)
	require.Len(t, commits, 1)
	assert.Nil(t, commits[0].Parents)
	assert.Empty(t, commits[0].Parent())
}

func TestParseCommitsEmptyOutput(t *testing.T) {
	commits, err := ParseCommits("")
	require.NoError(t, err)
	assert.Empty(t, commits)
}

func TestParseCommitsMalformed(t *testing.T) {
	tests := []struct {
		name string
		out  string
	}{
		{"missing fields", "kxqyrlvs\x001a2b\x00"},
		{"unterminated", record("kxqyrlvs", "1a2b", "", "0", "0", "desc") + "trailing"},
		{"blank change id", record("", "1a2b", "", "0", "0", "")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseCommits(tt.out)
			assert.Error(t, err)
		})
	}
}

func TestConflictRevset(t *testing.T) {
	assert.Equal(t, "conflicts() & ((abc)::(@))", ConflictRevset("abc", "@"))
	assert.Equal(t, "conflicts() & (abc)::", ConflictRevset("abc", ""))
}

func TestCommandErrorMessage(t *testing.T) {
	err := &CommandError{
		Args:     []string{"edit", "xyz"},
		ExitCode: 1,
		Stderr:   "Error: Revision `xyz` doesn't exist\n",
		Err:      errors.New("exit status 1"),
	}
	assert.Equal(t, "jj edit xyz failed (exit 1): Error: Revision `xyz` doesn't exist", err.Error())
	assert.EqualError(t, errors.Unwrap(err), "exit status 1")
}

// fakeJJ configures the helper process that stands in for jj.
type fakeJJ struct {
	t        *testing.T
	argsFile string
	env      []string
}

func newFakeJJ(t *testing.T) *fakeJJ {
	t.Helper()
	return &fakeJJ{t: t, argsFile: filepath.Join(t.TempDir(), "args")}
}

// respond sets the stdout for a subcommand key such as "log", "new" or "op_log".
func (f *fakeJJ) respond(key, stdout string) {
	// Records contain NUL bytes, which cannot travel in an environment variable.
	f.env = append(f.env, "JJFAKE_OUT_"+strings.ToUpper(key)+"="+hex.EncodeToString([]byte(stdout)))
}

// fail makes a subcommand exit with code and stderr.
func (f *fakeJJ) fail(key string, code int, stderr string) {
	upper := strings.ToUpper(key)
	f.env = append(f.env, "JJFAKE_EXIT_"+upper+"="+strconv.Itoa(code), "JJFAKE_ERR_"+upper+"="+stderr)
}

func (f *fakeJJ) client() *Client {
	runner := func(ctx context.Context, name string, args ...string) *exec.Cmd {
		cs := append([]string{"-test.run=TestHelperProcess", "--", name}, args...)
		cmd := exec.CommandContext(ctx, os.Args[0], cs...)
		cmd.Env = append(os.Environ(), "GO_WANT_HELPER_PROCESS=1", "JJFAKE_ARGS_FILE="+f.argsFile)
		cmd.Env = append(cmd.Env, f.env...)
		return cmd
	}
	return New(f.t.TempDir(), WithRunner(runner))
}

// calls returns the recorded argument lists without the global flags.
func (f *fakeJJ) calls() [][]string {
	f.t.Helper()
	data, err := os.ReadFile(f.argsFile)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	require.NoError(f.t, err)
	var out [][]string
	// Calls are separated by \x1e and arguments by \x1f since messages hold newlines.
	for _, line := range strings.Split(strings.TrimSuffix(string(data), "\x1e"), "\x1e") {
		args := strings.Split(line, "\x1f")
		out = append(out, args[2:])
	}
	return out
}

func helperKey(args []string) string {
	key := args[0]
	if (key == "op" || key == "workspace") && len(args) > 1 {
		key += "_" + args[1]
	}
	return strings.ToUpper(key)
}

// TestHelperProcess is not a real test; it is the fake jj binary.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	args := os.Args
	for i, a := range args {
		if a == "--" {
			args = args[i+2:] // skip "--" and the binary name
			break
		}
	}

	f, err := os.OpenFile(os.Getenv("JJFAKE_ARGS_FILE"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err == nil {
		fmt.Fprint(f, strings.Join(args, "\x1f")+"\x1e")
		_ = f.Close()
	}

	key := helperKey(args[2:]) // skip --no-pager --color=never
	if code := os.Getenv("JJFAKE_EXIT_" + key); code != "" {
		fmt.Fprint(os.Stderr, os.Getenv("JJFAKE_ERR_"+key))
		n, _ := strconv.Atoi(code)
		os.Exit(n)
	}
	out, _ := hex.DecodeString(os.Getenv("JJFAKE_OUT_" + key))
	_, _ = os.Stdout.Write(out)
	os.Exit(0)
}

func TestClientShow(t *testing.T) {
	fake := newFakeJJ(t)
	fake.respond("log", record("kxqyrlvs", "1a2b", "zzzzzzzz", "0", "0", "hello\n"))

	got, err := fake.client().Show(context.Background(), "@")
	require.NoError(t, err)
	assert.Equal(t, "kxqyrlvs", got.ChangeID)
	assert.Equal(t, "hello\n", got.Description)

	calls := fake.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, []string{"log", "--ignore-working-copy", "--no-graph", "-r", "present(@)", "-T", commitTemplate}, calls[0])
}

func TestClientShowNotFound(t *testing.T) {
	fake := newFakeJJ(t)
	fake.respond("log", "")

	_, err := fake.client().Show(context.Background(), "missing")
	require.ErrorIs(t, err, vcs.ErrRevisionNotFound)
}

func TestClientCommandError(t *testing.T) {
	fake := newFakeJJ(t)
	fake.fail("edit", 1, "Error: Commit abc is immutable")

	err := fake.client().Edit(context.Background(), "abc")
	var cmdErr *CommandError
	require.True(t, errors.As(err, &cmdErr), "expected CommandError, got %v", err)
	assert.Equal(t, 1, cmdErr.ExitCode)
	assert.Equal(t, []string{"edit", "abc"}, cmdErr.Args)
	assert.Contains(t, cmdErr.Stderr, "immutable")
}

func TestClientCountConflicts(t *testing.T) {
	fake := newFakeJJ(t)
	fake.respond("log", "kxqyrlvs\nmnoprstu\n")

	n, err := fake.client().CountConflicts(context.Background(), "kxqyrlvs", "@")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	calls := fake.calls()
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0], "conflicts() & ((kxqyrlvs)::(@))")
}

func TestClientFindByTrailerChecksTrailerBlock(t *testing.T) {
	fake := newFakeJJ(t)
	fake.respond("log",
		record("aaaaaaaa", "1", "zzzzzzzz", "0", "0", "Title\n\nClaude-session-id: s1\n")+
			record("bbbbbbbb", "2", "zzzzzzzz", "0", "0", "Title\n\nClaude-session-id: s1\n\nbody after\n"))

	got, err := fake.client().FindByTrailer(context.Background(), "mutable()", "Claude-session-id", "s1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "aaaaaaaa", got[0].ChangeID)

	calls := fake.calls()
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0], `(mutable()) & description(substring:"Claude-session-id: s1")`)
}

func TestClientSquashKeepsDestinationMessage(t *testing.T) {
	fake := newFakeJJ(t)

	require.NoError(t, fake.client().Squash(context.Background(), "eph", "sess", true))
	calls := fake.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, []string{"squash", "--from", "eph", "--into", "sess", "--use-destination-message"}, calls[0])
}

func TestClientInsertBefore(t *testing.T) {
	fake := newFakeJJ(t)
	fake.respond("log", record("uwcuwcuw", "1", "newnewne", "0", "0", ""))

	id, err := fake.client().InsertBefore(context.Background(), "uwcuwcuw", "msg\n")
	require.NoError(t, err)
	assert.Equal(t, "newnewne", id)

	calls := fake.calls()
	require.Len(t, calls, 2)
	assert.Equal(t, []string{"new", "--insert-before", "uwcuwcuw", "--no-edit", "-m", "msg\n"}, calls[0])
}

func TestClientUndoRestoresOperation(t *testing.T) {
	fake := newFakeJJ(t)
	fake.respond("op_log", "op3\nop2\nop1\n")

	require.NoError(t, fake.client().Undo(context.Background(), 2))

	calls := fake.calls()
	require.Len(t, calls, 2)
	assert.Equal(t, []string{"op", "log", "--ignore-working-copy", "--no-graph", "-n", "3", "-T", `id ++ "\n"`}, calls[0])
	assert.Equal(t, []string{"op", "restore", "op1"}, calls[1])
}

func TestClientUndoShortLog(t *testing.T) {
	fake := newFakeJJ(t)
	fake.respond("op_log", "op1\n")

	err := fake.client().Undo(context.Background(), 2)
	require.Error(t, err)
	assert.Len(t, fake.calls(), 1, "restore must not run")
}

func TestClientRefresh(t *testing.T) {
	fake := newFakeJJ(t)

	require.NoError(t, fake.client().Refresh(context.Background()))
	calls := fake.calls()
	require.Len(t, calls, 2)
	assert.Equal(t, []string{"workspace", "update-stale"}, calls[0])
	assert.NotContains(t, calls[1], "--ignore-working-copy")
}
