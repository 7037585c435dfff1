// Package jj implements vcs.Backend by running the jj command-line tool.
//
// Read queries pass --ignore-working-copy so they never snapshot or take
// jj's working-copy lock; Refresh is the single place a snapshot happens.
// Commit records are printed with a NUL-separated template and parsed
// field by field, so no human-oriented output is ever interpreted.
package jj

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/schpet/jjagent/cmd/jjagent/cli/logging"
	"github.com/schpet/jjagent/cmd/jjagent/cli/trailers"
	"github.com/schpet/jjagent/cmd/jjagent/cli/vcs"
)

// DefaultBinary is the jj executable looked up on PATH.
const DefaultBinary = "jj"

// fieldsPerRecord is the number of NUL-terminated fields commitTemplate emits.
const fieldsPerRecord = 6

// commitTemplate prints one record per commit: change ID, commit ID, parent
// change IDs joined by commas, empty flag, conflict flag and description,
// each terminated by a NUL byte.
const commitTemplate = `change_id ++ "\0" ++ commit_id ++ "\0" ++ ` +
	`parents.map(|c| c.change_id()).join(",") ++ "\0" ++ ` +
	`if(empty, "1", "0") ++ "\0" ++ if(conflict, "1", "0") ++ "\0" ++ ` +
	`description ++ "\0"`

// changeIDTemplate prints one change ID per line.
const changeIDTemplate = `change_id ++ "\n"`

// Runner builds the command to execute. It matches exec.CommandContext so
// tests can substitute a helper process.
type Runner func(ctx context.Context, name string, args ...string) *exec.Cmd

// CommandError is returned when a jj invocation fails.
type CommandError struct {
	Args     []string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *CommandError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	return fmt.Sprintf("jj %s failed (exit %d): %s", strings.Join(e.Args, " "), e.ExitCode, msg)
}

func (e *CommandError) Unwrap() error { return e.Err }

// Client runs jj inside a workspace directory.
type Client struct {
	dir    string
	binary string
	runner Runner
}

var _ vcs.Backend = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithBinary overrides the jj executable.
func WithBinary(binary string) Option {
	return func(c *Client) { c.binary = binary }
}

// WithRunner overrides how commands are built.
func WithRunner(runner Runner) Option {
	return func(c *Client) { c.runner = runner }
}

// New creates a Client for the workspace at dir.
func New(dir string, opts ...Option) *Client {
	c := &Client{dir: dir, binary: DefaultBinary, runner: exec.CommandContext}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// run executes jj with args and returns stdout.
func (c *Client) run(ctx context.Context, args ...string) (string, error) {
	full := append([]string{"--no-pager", "--color=never"}, args...)
	cmd := c.runner(ctx, c.binary, full...)
	cmd.Dir = c.dir
	cmd.Stdin = nil

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	logging.LogDuration(logging.WithComponent(ctx, "jj"), slog.LevelDebug, "jj command", start,
		slog.String("args", strings.Join(args, " ")),
		slog.Bool("success", err == nil),
	)
	if err != nil {
		cmdErr := &CommandError{Args: args, ExitCode: -1, Stderr: stderr.String(), Err: err}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			cmdErr.ExitCode = exitErr.ExitCode()
		}
		return "", cmdErr
	}
	return stdout.String(), nil
}

// query runs a read-only log query and parses the commit records.
func (c *Client) query(ctx context.Context, revset string) ([]vcs.Commit, error) {
	out, err := c.run(ctx, "log", "--ignore-working-copy", "--no-graph", "-r", revset, "-T", commitTemplate)
	if err != nil {
		return nil, err
	}
	return ParseCommits(out)
}

// ParseCommits parses output produced with commitTemplate.
func ParseCommits(out string) ([]vcs.Commit, error) {
	if strings.TrimSpace(out) == "" {
		return nil, nil
	}
	fields := strings.Split(out, "\x00")
	// Every field is NUL-terminated, so the final element is what follows
	// the last terminator and must be blank.
	if tail := fields[len(fields)-1]; strings.TrimSpace(tail) != "" {
		return nil, fmt.Errorf("unterminated commit record: %q", tail)
	}
	fields = fields[:len(fields)-1]
	if len(fields)%fieldsPerRecord != 0 {
		return nil, fmt.Errorf("malformed commit records: %d fields is not a multiple of %d", len(fields), fieldsPerRecord)
	}

	commits := make([]vcs.Commit, 0, len(fields)/fieldsPerRecord)
	for i := 0; i < len(fields); i += fieldsPerRecord {
		rec := fields[i : i+fieldsPerRecord]
		changeID := strings.TrimSpace(rec[0])
		if changeID == "" {
			return nil, fmt.Errorf("commit record %d has no change ID", i/fieldsPerRecord)
		}
		var parents []string
		if p := strings.TrimSpace(rec[2]); p != "" {
			parents = strings.Split(p, ",")
		}
		commits = append(commits, vcs.Commit{
			ChangeID:    changeID,
			CommitID:    strings.TrimSpace(rec[1]),
			Parents:     parents,
			Empty:       rec[3] == "1",
			Conflict:    rec[4] == "1",
			Description: rec[5],
		})
	}
	return commits, nil
}

// parseLines returns the non-blank lines of out.
func parseLines(out string) []string {
	var lines []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

// Quote renders s as a jj revset string literal.
func Quote(s string) string {
	return strconv.Quote(s)
}

// Root returns the workspace root directory.
func (c *Client) Root(ctx context.Context) (string, error) {
	out, err := c.run(ctx, "root", "--ignore-working-copy")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// Refresh recovers a stale workspace and snapshots on-disk edits.
func (c *Client) Refresh(ctx context.Context) error {
	if _, err := c.run(ctx, "workspace", "update-stale"); err != nil {
		return fmt.Errorf("updating stale workspace: %w", err)
	}
	// Any command without --ignore-working-copy snapshots first.
	if _, err := c.run(ctx, "log", "--no-graph", "-r", vcs.WorkingCopy, "-T", `""`); err != nil {
		return fmt.Errorf("snapshotting working copy: %w", err)
	}
	return nil
}

// Show resolves rev to a single commit.
func (c *Client) Show(ctx context.Context, rev string) (vcs.Commit, error) {
	commits, err := c.query(ctx, fmt.Sprintf("present(%s)", rev))
	if err != nil {
		return vcs.Commit{}, err
	}
	switch len(commits) {
	case 0:
		return vcs.Commit{}, fmt.Errorf("%w: %s", vcs.ErrRevisionNotFound, rev)
	case 1:
		return commits[0], nil
	default:
		return vcs.Commit{}, fmt.Errorf("revision %s resolved to %d commits", rev, len(commits))
	}
}

// Descendants returns the strict descendants of rev.
func (c *Client) Descendants(ctx context.Context, rev string) ([]vcs.Commit, error) {
	return c.query(ctx, fmt.Sprintf("(%s):: ~ (%s)", rev, rev))
}

// IsAncestor reports whether ancestor is an ancestor of, or equal to, descendant.
func (c *Client) IsAncestor(ctx context.Context, ancestor, descendant string) (bool, error) {
	out, err := c.run(ctx, "log", "--ignore-working-copy", "--no-graph",
		"-r", fmt.Sprintf("(%s) & ::(%s)", ancestor, descendant), "-T", changeIDTemplate)
	if err != nil {
		return false, err
	}
	return len(parseLines(out)) > 0, nil
}

// FindByTrailer pre-filters with a description search and then keeps only
// commits whose trailer block holds key: value.
func (c *Client) FindByTrailer(ctx context.Context, scope, key, value string) ([]vcs.Commit, error) {
	revset := fmt.Sprintf("(%s) & description(substring:%s)", scope, Quote(key+": "+value))
	commits, err := c.query(ctx, revset)
	if err != nil {
		return nil, err
	}
	matched := commits[:0]
	for _, commit := range commits {
		if trailers.Parse(commit.Description).Has(key, value) {
			matched = append(matched, commit)
		}
	}
	return matched, nil
}

// CountConflicts counts conflicted commits in from::to, or from:: when to is empty.
func (c *Client) CountConflicts(ctx context.Context, from, to string) (int, error) {
	out, err := c.run(ctx, "log", "--ignore-working-copy", "--no-graph",
		"-r", ConflictRevset(from, to), "-T", changeIDTemplate)
	if err != nil {
		return 0, err
	}
	return len(parseLines(out)), nil
}

// ConflictRevset is the revset CountConflicts evaluates.
func ConflictRevset(from, to string) string {
	if to == "" {
		return fmt.Sprintf("conflicts() & (%s)::", from)
	}
	return fmt.Sprintf("conflicts() & ((%s)::(%s))", from, to)
}

// NewCommit creates a child of parent and returns its change ID.
func (c *Client) NewCommit(ctx context.Context, parent, message string, edit bool) (string, error) {
	args := []string{"new", parent, "-m", message}
	if !edit {
		args = append(args, "--no-edit")
	}
	if _, err := c.run(ctx, args...); err != nil {
		return "", err
	}
	rev := vcs.WorkingCopy
	if !edit {
		rev = fmt.Sprintf("latest(children(%s))", parent)
	}
	created, err := c.Show(ctx, rev)
	if err != nil {
		return "", fmt.Errorf("locating new commit: %w", err)
	}
	return created.ChangeID, nil
}

// InsertBefore creates a commit between rev and its parents without
// moving the working copy.
func (c *Client) InsertBefore(ctx context.Context, rev, message string) (string, error) {
	if _, err := c.run(ctx, "new", "--insert-before", rev, "--no-edit", "-m", message); err != nil {
		return "", err
	}
	child, err := c.Show(ctx, rev)
	if err != nil {
		return "", fmt.Errorf("locating inserted commit: %w", err)
	}
	if len(child.Parents) != 1 {
		return "", fmt.Errorf("expected %s to have one parent after insert, found %d", rev, len(child.Parents))
	}
	return child.Parents[0], nil
}

// Edit moves the working copy onto rev.
func (c *Client) Edit(ctx context.Context, rev string) error {
	_, err := c.run(ctx, "edit", rev)
	return err
}

// Describe replaces the description of rev.
func (c *Client) Describe(ctx context.Context, rev, message string) error {
	_, err := c.run(ctx, "describe", rev, "-m", message)
	return err
}

// Squash moves the content of from into into. Without
// keepDestinationMessage the two descriptions are joined explicitly so jj
// never opens an editor.
func (c *Client) Squash(ctx context.Context, from, into string, keepDestinationMessage bool) error {
	args := []string{"squash", "--from", from, "--into", into}
	if keepDestinationMessage {
		args = append(args, "--use-destination-message")
	} else {
		src, err := c.Show(ctx, from)
		if err != nil {
			return err
		}
		dst, err := c.Show(ctx, into)
		if err != nil {
			return err
		}
		args = append(args, "-m", joinDescriptions(dst.Description, src.Description))
	}
	_, err := c.run(ctx, args...)
	return err
}

func joinDescriptions(dst, src string) string {
	dst = strings.TrimRight(dst, "\n")
	src = strings.TrimRight(src, "\n")
	switch {
	case dst == "":
		return src
	case src == "":
		return dst
	default:
		return dst + "\n\n" + src
	}
}

// Abandon removes rev, rebasing its descendants onto its parents.
func (c *Client) Abandon(ctx context.Context, rev string) error {
	_, err := c.run(ctx, "abandon", rev)
	return err
}

// Undo restores the repository to the operation before the last n. It uses
// op restore rather than repeated undo so the result does not depend on
// how a given jj version treats consecutive undos.
func (c *Client) Undo(ctx context.Context, n int) error {
	if n <= 0 {
		return fmt.Errorf("undo count must be positive, got %d", n)
	}
	out, err := c.run(ctx, "op", "log", "--ignore-working-copy", "--no-graph",
		"-n", strconv.Itoa(n+1), "-T", `id ++ "\n"`)
	if err != nil {
		return err
	}
	ops := parseLines(out)
	if len(ops) <= n {
		return fmt.Errorf("operation log has %d entries, cannot undo %d", len(ops), n)
	}
	_, err = c.run(ctx, "op", "restore", ops[n])
	return err
}
