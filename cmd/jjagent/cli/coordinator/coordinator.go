// Package coordinator runs the edit cycle for an agent session.
//
// Before the agent edits files, PreEdit takes the working-copy lock and
// moves @ onto a fresh precommit so the agent's edits land there and
// nowhere else. After the edit, PostEdit squashes the precommit into the
// session's commit, which sits below the user's working commit. If that
// squash introduces conflicts the two operations are undone and the
// precommit is relabeled as the next part of the session instead. The
// lock spans the whole cycle, across the two hook processes.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/schpet/jjagent/cmd/jjagent/cli/conflict"
	"github.com/schpet/jjagent/cmd/jjagent/cli/lock"
	"github.com/schpet/jjagent/cmd/jjagent/cli/logging"
	"github.com/schpet/jjagent/cmd/jjagent/cli/session"
	"github.com/schpet/jjagent/cmd/jjagent/cli/trailers"
	"github.com/schpet/jjagent/cmd/jjagent/cli/validation"
	"github.com/schpet/jjagent/cmd/jjagent/cli/vcs"
)

// Outcome is how a hook invocation ended.
type Outcome string

const (
	// OutcomeSkipped means the tool does not write files.
	OutcomeSkipped Outcome = "skipped"
	// OutcomePrepared means the precommit is open and the lock is held.
	OutcomePrepared Outcome = "prepared"
	// OutcomeNoChanges means the precommit was empty and was abandoned.
	OutcomeNoChanges Outcome = "no_changes"
	// OutcomeCommitted means the edit was squashed into the session commit.
	OutcomeCommitted Outcome = "committed"
	// OutcomeRolledBack means the squash conflicted and the edit became a new part.
	OutcomeRolledBack Outcome = "rolled_back"
	// OutcomeNoOp means there was no open cycle for this session.
	OutcomeNoOp Outcome = "no_op"
)

var (
	// ErrNotAtHead is returned by PreEdit when @ has descendants.
	ErrNotAtHead = errors.New("working copy is not at a head")

	// ErrRollbackFailed is returned when undoing a conflicting squash did
	// not put the working copy back on the precommit.
	ErrRollbackFailed = errors.New("conflict rollback did not restore the precommit")
)

// readOnlyTools never write to the working copy, so they skip the cycle.
var readOnlyTools = map[string]bool{
	"Read":         true,
	"Grep":         true,
	"Glob":         true,
	"LS":           true,
	"Bash":         true,
	"BashOutput":   true,
	"KillShell":    true,
	"WebFetch":     true,
	"WebSearch":    true,
	"TodoWrite":    true,
	"Task":         true,
	"NotebookRead": true,
	"ExitPlanMode": true,
}

// IsReadOnlyTool reports whether tool is known not to edit files.
// Unknown and empty tool names are treated as editing tools.
func IsReadOnlyTool(tool string) bool {
	return readOnlyTools[tool]
}

// Request identifies the session and tool of one hook invocation.
type Request struct {
	SessionID string
	Tool      string
	// ToolUseID identifies the tool call. Parallel calls of one session
	// each wait for the lock; PreEdit and PostEdit of the same call share it.
	ToolUseID string
}

func (r Request) validate() error {
	if err := validation.ValidateSessionID(r.SessionID); err != nil {
		return err
	}
	return validation.ValidateToolName(r.Tool)
}

// Result describes what a hook invocation did.
type Result struct {
	Outcome Outcome
	// Precommit is the change ID of the scratch commit, if one was involved.
	Precommit string
	// Session is the change ID of the session commit holding the edit.
	Session string
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLockOptions sets the options used to acquire the working-copy lock.
func WithLockOptions(opts lock.Options) Option {
	return func(c *Coordinator) { c.lockOpts = opts }
}

// WithScope sets the revset searched for session commits.
func WithScope(scope string) Option {
	return func(c *Coordinator) { c.scope = scope }
}

// Coordinator runs edit cycles against one workspace. It keeps no state
// between calls; everything it needs is in the repository and the lock file.
type Coordinator struct {
	backend  vcs.Backend
	resolver *session.Resolver
	detector *conflict.Detector
	root     string
	lockOpts lock.Options
	scope    string
}

// New creates a Coordinator for the workspace at root.
func New(backend vcs.Backend, root string, opts ...Option) *Coordinator {
	c := &Coordinator{
		backend:  backend,
		resolver: session.NewResolver(backend),
		detector: conflict.NewDetector(backend),
		root:     root,
		scope:    session.DefaultScope,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// PreEdit opens a cycle: it takes the lock and moves @ onto this session's
// precommit. On success the lock stays held for PostEdit or Stop.
func (c *Coordinator) PreEdit(ctx context.Context, req Request) (res Result, err error) {
	if err := req.validate(); err != nil {
		return Result{}, err
	}
	if IsReadOnlyTool(req.Tool) {
		return Result{Outcome: OutcomeSkipped}, nil
	}

	id := session.NewID(req.SessionID)
	ctx = logging.WithComponent(logging.WithSession(ctx, id.Full()), "coordinator")
	cyc := newCycle()

	guard, err := lock.Acquire(ctx, c.root, id.Full(), c.lockOptions(req.ToolUseID))
	if err != nil {
		return Result{}, fmt.Errorf("acquiring working-copy lock: %w", err)
	}
	if err := cyc.advance(EventLockAcquired); err != nil {
		return Result{}, err
	}
	defer func() {
		if err == nil {
			return
		}
		_ = cyc.advance(EventFailed) //nolint:errcheck // Failed is valid from every state
		if relErr := c.release(ctx, guard); relErr != nil {
			logging.Error(ctx, "failed to release working-copy lock", slog.String("error", relErr.Error()))
		}
	}()

	if err := c.backend.Refresh(ctx); err != nil {
		return Result{}, fmt.Errorf("refreshing working copy: %w", err)
	}
	wc, err := c.backend.Show(ctx, vcs.WorkingCopy)
	if err != nil {
		return Result{}, fmt.Errorf("reading working copy: %w", err)
	}
	descendants, err := c.backend.Descendants(ctx, wc.ChangeID)
	if err != nil {
		return Result{}, fmt.Errorf("listing descendants of %s: %w", wc.ChangeID, err)
	}
	if len(descendants) > 0 {
		return Result{}, fmt.Errorf("%w: %s has %d descendant(s); run 'jj new' on a head before editing",
			ErrNotAtHead, wc.ChangeID, len(descendants))
	}

	if session.IsPrecommitFor(wc, id) {
		// A previous cycle was interrupted after PreEdit.
		logging.Info(ctx, "reusing open precommit", slog.String("change_id", wc.ChangeID))
		if err := cyc.advance(EventEphemeralCreated); err != nil {
			return Result{}, err
		}
		return Result{Outcome: OutcomePrepared, Precommit: wc.ChangeID}, nil
	}

	pre, err := c.backend.NewCommit(ctx, wc.ChangeID, session.PrecommitMessage(id), true)
	if err != nil {
		return Result{}, fmt.Errorf("creating precommit on %s: %w", wc.ChangeID, err)
	}
	if err := cyc.advance(EventEphemeralCreated); err != nil {
		return Result{}, err
	}
	logging.Debug(ctx, "precommit created",
		slog.String("change_id", pre),
		slog.String("parent", wc.ChangeID),
	)
	return Result{Outcome: OutcomePrepared, Precommit: pre}, nil
}

// PostEdit closes the cycle opened by PreEdit. It releases the lock on
// every path.
func (c *Coordinator) PostEdit(ctx context.Context, req Request) (Result, error) {
	if err := req.validate(); err != nil {
		return Result{}, err
	}
	if IsReadOnlyTool(req.Tool) {
		return Result{Outcome: OutcomeSkipped}, nil
	}
	return c.finish(ctx, session.NewID(req.SessionID), req.ToolUseID)
}

// Stop finishes a cycle left open by an interrupted tool call, or releases
// a lock the session still holds. It claims the lock for the whole session,
// whichever call took it.
func (c *Coordinator) Stop(ctx context.Context, req Request) (Result, error) {
	if err := validation.ValidateSessionID(req.SessionID); err != nil {
		return Result{}, err
	}
	return c.finish(ctx, session.NewID(req.SessionID), "")
}

func (c *Coordinator) lockOptions(callID string) lock.Options {
	opts := c.lockOpts
	opts.CallID = callID
	return opts
}

func (c *Coordinator) finish(ctx context.Context, id session.ID, callID string) (res Result, err error) {
	ctx = logging.WithComponent(logging.WithSession(ctx, id.Full()), "coordinator")

	wc, err := c.backend.Show(ctx, vcs.WorkingCopy)
	if err != nil {
		return Result{}, fmt.Errorf("reading working copy: %w", err)
	}
	if !session.IsPrecommitFor(wc, id) {
		return c.releaseOnly(ctx, id)
	}

	guard, err := lock.Acquire(ctx, c.root, id.Full(), c.lockOptions(callID))
	if err != nil {
		return Result{}, fmt.Errorf("acquiring working-copy lock: %w", err)
	}
	cyc := newCycle()
	defer func() {
		if err != nil {
			_ = cyc.advance(EventFailed) //nolint:errcheck // Failed is valid from every state
		}
		relErr := c.release(ctx, guard)
		switch {
		case relErr == nil:
		case err == nil:
			err = fmt.Errorf("releasing working-copy lock: %w", relErr)
		default:
			logging.Error(ctx, "failed to release working-copy lock", slog.String("error", relErr.Error()))
		}
	}()
	if err := cyc.advance(EventLockAcquired); err != nil {
		return Result{}, err
	}

	if err := c.backend.Refresh(ctx); err != nil {
		return Result{}, fmt.Errorf("refreshing working copy: %w", err)
	}
	if err := guard.Heartbeat(); err != nil {
		return Result{}, fmt.Errorf("refreshing lock heartbeat: %w", err)
	}

	eph, err := c.backend.Show(ctx, vcs.WorkingCopy)
	if err != nil {
		return Result{}, fmt.Errorf("reading working copy: %w", err)
	}
	if !session.IsPrecommitFor(eph, id) {
		// @ moved while this process waited for the lock.
		if err := cyc.advance(EventCycleFinished); err != nil {
			return Result{}, err
		}
		return Result{Outcome: OutcomeNoOp}, nil
	}
	if err := cyc.advance(EventEphemeralCreated); err != nil {
		return Result{}, err
	}

	uwc := eph.Parent()
	if uwc == "" {
		return Result{}, fmt.Errorf("precommit %s has no parent", eph.ChangeID)
	}
	res = Result{Precommit: eph.ChangeID}

	if eph.Empty {
		if err := c.discard(ctx, eph.ChangeID, uwc); err != nil {
			return Result{}, err
		}
		if err := cyc.advance(EventCycleFinished); err != nil {
			return Result{}, err
		}
		res.Outcome = OutcomeNoChanges
		return res, nil
	}

	target, err := c.sessionCommit(ctx, id, uwc)
	if err != nil {
		return Result{}, err
	}
	res.Session = target.ChangeID

	rng := conflict.Range{From: target.ChangeID, To: uwc}
	inLine, err := c.backend.IsAncestor(ctx, target.ChangeID, uwc)
	if err != nil {
		return Result{}, fmt.Errorf("checking ancestry of %s: %w", target.ChangeID, err)
	}
	if !inLine {
		rng.To = ""
	}
	before, err := c.detector.Snapshot(ctx, rng)
	if err != nil {
		return Result{}, err
	}

	if err := cyc.advance(EventMergeAttempted); err != nil {
		return Result{}, err
	}
	if err := c.merge(ctx, eph.ChangeID, uwc, target.ChangeID); err != nil {
		return Result{}, err
	}

	introduced, after, err := c.detector.Introduced(ctx, before)
	if err != nil {
		return Result{}, err
	}
	if !introduced {
		if err := cyc.advance(EventMergeClean); err != nil {
			return Result{}, err
		}
		if err := cyc.advance(EventCycleFinished); err != nil {
			return Result{}, err
		}
		logging.Debug(ctx, "edit squashed into session commit", slog.String("session_change", target.ChangeID))
		res.Outcome = OutcomeCommitted
		return res, nil
	}

	if err := cyc.advance(EventConflictsIntroduced); err != nil {
		return Result{}, err
	}
	if err := c.rollback(ctx, id, eph.ChangeID, target); err != nil {
		return Result{}, err
	}
	if err := cyc.advance(EventCycleFinished); err != nil {
		return Result{}, err
	}
	logging.Info(ctx, "squash introduced conflicts; edit kept as a new session part",
		slog.String("session_change", target.ChangeID),
		slog.String("part_change", eph.ChangeID),
		slog.Int("conflicts_before", before.Count),
		slog.Int("conflicts_after", after),
	)
	res.Outcome = OutcomeRolledBack
	res.Session = eph.ChangeID
	return res, nil
}

// discard abandons an empty precommit and puts @ back on the user's commit.
func (c *Coordinator) discard(ctx context.Context, eph, uwc string) error {
	if err := c.backend.Edit(ctx, uwc); err != nil {
		return fmt.Errorf("moving working copy to %s: %w", uwc, err)
	}
	if err := c.backend.Abandon(ctx, eph); err != nil {
		return fmt.Errorf("abandoning empty precommit %s: %w", eph, err)
	}
	logging.Debug(ctx, "empty precommit abandoned", slog.String("change_id", eph))
	return nil
}

// sessionCommit returns the session's current commit, inserting a new one
// directly below uwc when the session has none.
func (c *Coordinator) sessionCommit(ctx context.Context, id session.ID, uwc string) (vcs.Commit, error) {
	current, err := c.resolver.FindCurrent(ctx, id, c.scope)
	if err == nil {
		return current, nil
	}
	if !errors.Is(err, session.ErrNotFound) {
		return vcs.Commit{}, fmt.Errorf("resolving session commit: %w", err)
	}

	changeID, err := c.backend.InsertBefore(ctx, uwc, session.SessionMessage(id))
	if err != nil {
		return vcs.Commit{}, fmt.Errorf("creating session commit before %s: %w", uwc, err)
	}
	created, err := c.backend.Show(ctx, changeID)
	if err != nil {
		return vcs.Commit{}, fmt.Errorf("reading new session commit: %w", err)
	}
	logging.Info(ctx, "session commit created", slog.String("change_id", changeID))
	return created, nil
}

// merge is exactly two operations, Edit then Squash, so a rollback can
// undo both.
func (c *Coordinator) merge(ctx context.Context, eph, uwc, target string) error {
	if err := c.backend.Edit(ctx, uwc); err != nil {
		return fmt.Errorf("moving working copy to %s: %w", uwc, err)
	}
	if err := c.backend.Squash(ctx, eph, target, true); err != nil {
		// Put @ back on the precommit so Stop can retry the cycle.
		if undoErr := c.backend.Undo(ctx, 1); undoErr != nil {
			logging.Error(ctx, "failed to restore precommit after squash error",
				slog.String("error", undoErr.Error()))
		}
		return fmt.Errorf("squashing %s into %s: %w", eph, target, err)
	}
	return nil
}

// rollback undoes the conflicting merge and turns the precommit into the
// next part of the session, with a fresh working commit on top.
func (c *Coordinator) rollback(ctx context.Context, id session.ID, eph string, target vcs.Commit) error {
	if err := c.backend.Undo(ctx, 2); err != nil {
		return fmt.Errorf("undoing conflicting squash: %w", err)
	}
	wc, err := c.backend.Show(ctx, vcs.WorkingCopy)
	if err != nil {
		return fmt.Errorf("reading working copy after undo: %w", err)
	}
	if wc.ChangeID != eph {
		return fmt.Errorf("%w: @ is %s, expected %s", ErrRollbackFailed, wc.ChangeID, eph)
	}

	title := trailers.Parse(target.Description).Title
	if title == "" {
		title = session.SessionTitle(id)
	}
	message := trailers.Format(session.NextPartLabel(title), "",
		[]trailers.Trailer{{Key: trailers.SessionKey, Value: id.Full()}})
	if err := c.backend.Describe(ctx, eph, message); err != nil {
		return fmt.Errorf("describing new session part %s: %w", eph, err)
	}
	if _, err := c.backend.NewCommit(ctx, eph, "", true); err != nil {
		return fmt.Errorf("creating working commit on %s: %w", eph, err)
	}
	return nil
}

func (c *Coordinator) releaseOnly(ctx context.Context, id session.ID) (Result, error) {
	released, err := lock.ReleaseHeld(ctx, c.root, id.Full())
	if err != nil {
		return Result{}, fmt.Errorf("releasing working-copy lock: %w", err)
	}
	if released {
		logging.Debug(ctx, "released lock with no open precommit")
	}
	return Result{Outcome: OutcomeNoOp}, nil
}

// release drops the lock. A lock lost to another session is logged, not
// returned: the cycle's work is already done.
func (c *Coordinator) release(ctx context.Context, g *lock.Guard) error {
	err := g.Release()
	var ownErr *lock.OwnershipError
	if errors.As(err, &ownErr) {
		logging.Warn(ctx, "working-copy lock was taken over before release", slog.String("error", err.Error()))
		return nil
	}
	return err
}
