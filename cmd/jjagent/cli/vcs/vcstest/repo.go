// Package vcstest provides an in-memory engine implementing vcs.Backend for
// tests. It models change IDs, the working-copy pointer, an operation log
// with undo, and conflicts produced by overlapping path edits.
//
// Content is tracked per commit as the set of paths the commit itself
// writes. Squashing a change into an ancestor conflicts every other
// descendant of that ancestor that writes one of the same paths with
// different content, which is enough to drive the coordinator's rollback
// path without a real merge engine.
package vcstest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/schpet/jjagent/cmd/jjagent/cli/trailers"
	"github.com/schpet/jjagent/cmd/jjagent/cli/vcs"
)

// Operation names recorded by Calls and accepted by FailOn.
const (
	OpRefresh        = "refresh"
	OpShow           = "show"
	OpDescendants    = "descendants"
	OpIsAncestor     = "is-ancestor"
	OpFindByTrailer  = "find-by-trailer"
	OpCountConflicts = "count-conflicts"
	OpNew            = "new"
	OpInsertBefore   = "insert-before"
	OpEdit           = "edit"
	OpDescribe       = "describe"
	OpSquash         = "squash"
	OpAbandon        = "abandon"
	OpUndo           = "undo"
	OpSnapshot       = "snapshot"
)

// RootID is the change ID of the root commit.
const RootID = "zzzzzzzz"

// changeAlphabet maps hex digits onto jj's reversed-hex change ID letters.
const changeAlphabet = "zyxwvutsrqponmlk"

// ErrImmutable is returned when an operation would rewrite an immutable commit.
var ErrImmutable = errors.New("commit is immutable")

type commit struct {
	changeID    string
	seq         int
	version     int
	parents     []string
	description string
	files       map[string]string
	conflict    bool
	immutable   bool
}

type state struct {
	commits map[string]*commit
	wc      string
}

func (s *state) clone() *state {
	out := &state{commits: make(map[string]*commit, len(s.commits)), wc: s.wc}
	for id, c := range s.commits {
		cp := *c
		cp.parents = append([]string(nil), c.parents...)
		cp.files = make(map[string]string, len(c.files))
		for p, content := range c.files {
			cp.files[p] = content
		}
		out.commits[id] = &cp
	}
	return out
}

// Repo is an in-memory jj-like repository. It is safe for concurrent use.
type Repo struct {
	mu       sync.Mutex
	root     string
	cur      *state
	oplog    []*state
	nextSeq  int
	calls    []string
	failures map[string]error
}

var _ vcs.Backend = (*Repo)(nil)

// New creates a repository whose working copy is an empty commit on top of
// the root commit, like a freshly initialized jj repo. root is reported by
// Root and is typically t.TempDir().
func New(root string) *Repo {
	r := &Repo{
		root:     root,
		cur:      &state{commits: make(map[string]*commit)},
		failures: make(map[string]error),
	}
	r.cur.commits[RootID] = &commit{changeID: RootID, immutable: true, files: map[string]string{}}
	r.nextSeq = 1
	r.cur.wc = r.add([]string{RootID}, "")
	return r
}

func changeID(seq int) string {
	x := uint32(seq) * 2654435761 //nolint:gosec // test IDs only need to be distinct
	var sb strings.Builder
	for shift := 28; shift >= 0; shift -= 4 {
		sb.WriteByte(changeAlphabet[(x>>uint(shift))&0xf])
	}
	return sb.String()
}

func (r *Repo) add(parents []string, description string) string {
	seq := r.nextSeq
	r.nextSeq++
	id := changeID(seq)
	r.cur.commits[id] = &commit{
		changeID:    id,
		seq:         seq,
		parents:     append([]string(nil), parents...),
		description: description,
		files:       map[string]string{},
	}
	return id
}

// begin records a call and returns an injected failure, if any.
func (r *Repo) begin(op string) error {
	r.calls = append(r.calls, op)
	if err, ok := r.failures[op]; ok {
		delete(r.failures, op)
		return err
	}
	return nil
}

// mutate records a call and pushes the current state onto the operation log.
func (r *Repo) mutate(op string) error {
	if err := r.begin(op); err != nil {
		return err
	}
	r.oplog = append(r.oplog, r.cur.clone())
	return nil
}

// rollbackOp drops the snapshot pushed by a mutation that then failed.
func (r *Repo) rollbackOp() {
	r.cur = r.oplog[len(r.oplog)-1]
	r.oplog = r.oplog[:len(r.oplog)-1]
}

func (r *Repo) resolve(rev string) (*commit, error) {
	switch rev {
	case vcs.WorkingCopy:
		return r.cur.commits[r.cur.wc], nil
	case "@-":
		wc := r.cur.commits[r.cur.wc]
		if len(wc.parents) == 0 {
			return nil, fmt.Errorf("%w: %s", vcs.ErrRevisionNotFound, rev)
		}
		return r.cur.commits[wc.parents[0]], nil
	case "root()":
		return r.cur.commits[RootID], nil
	}
	if c, ok := r.cur.commits[rev]; ok {
		return c, nil
	}
	return nil, fmt.Errorf("%w: %s", vcs.ErrRevisionNotFound, rev)
}

func (r *Repo) children(id string) []*commit {
	var out []*commit
	for _, c := range r.cur.commits {
		for _, p := range c.parents {
			if p == id {
				out = append(out, c)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// descendants returns the strict descendants of id.
func (r *Repo) descendants(id string) map[string]*commit {
	out := make(map[string]*commit)
	queue := []string{id}
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		for _, child := range r.children(next) {
			if _, seen := out[child.changeID]; !seen {
				out[child.changeID] = child
				queue = append(queue, child.changeID)
			}
		}
	}
	return out
}

// ancestors returns id and all of its ancestors.
func (r *Repo) ancestors(id string) map[string]bool {
	out := map[string]bool{}
	queue := []string{id}
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		if out[next] {
			continue
		}
		out[next] = true
		if c, ok := r.cur.commits[next]; ok {
			queue = append(queue, c.parents...)
		}
	}
	return out
}

func view(c *commit) vcs.Commit {
	return vcs.Commit{
		ChangeID:    c.changeID,
		CommitID:    fmt.Sprintf("%08x%04x", uint32(c.seq)*2246822519, c.version), //nolint:gosec // test IDs only
		Parents:     append([]string(nil), c.parents...),
		Description: c.description,
		Empty:       len(c.files) == 0,
		Conflict:    c.conflict,
	}
}

// newestFirst orders commits the way jj log does by default.
func newestFirst(commits []*commit) []vcs.Commit {
	sort.Slice(commits, func(i, j int) bool { return commits[i].seq > commits[j].seq })
	out := make([]vcs.Commit, len(commits))
	for i, c := range commits {
		out[i] = view(c)
	}
	return out
}

// moveWC points the working copy at id. Like jj, a working-copy commit that
// is empty, undescribed and childless is discarded when left behind.
func (r *Repo) moveWC(id string) {
	old := r.cur.commits[r.cur.wc]
	r.cur.wc = id
	if old == nil || old.changeID == id || old.immutable {
		return
	}
	if len(old.files) == 0 && old.description == "" && len(r.children(old.changeID)) == 0 {
		delete(r.cur.commits, old.changeID)
	}
}

// remove drops c, rebasing its children onto its parents. If c was the
// working copy a fresh empty commit takes its place.
func (r *Repo) remove(c *commit) {
	for _, child := range r.children(c.changeID) {
		var parents []string
		for _, p := range child.parents {
			if p == c.changeID {
				parents = append(parents, c.parents...)
			} else {
				parents = append(parents, p)
			}
		}
		child.parents = parents
		child.version++
	}
	delete(r.cur.commits, c.changeID)
	if r.cur.wc == c.changeID {
		r.cur.wc = r.add(c.parents, "")
	}
}

// Root returns the directory passed to New.
func (r *Repo) Root(context.Context) (string, error) {
	return r.root, nil
}

// Refresh records the call. On-disk edits are applied with WriteFile.
func (r *Repo) Refresh(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.begin(OpRefresh)
}

// Show resolves rev. It understands "@", "@-", "root()" and change IDs.
func (r *Repo) Show(_ context.Context, rev string) (vcs.Commit, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.begin(OpShow); err != nil {
		return vcs.Commit{}, err
	}
	c, err := r.resolve(rev)
	if err != nil {
		return vcs.Commit{}, err
	}
	return view(c), nil
}

// Descendants returns the strict descendants of rev, newest first.
func (r *Repo) Descendants(_ context.Context, rev string) ([]vcs.Commit, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.begin(OpDescendants); err != nil {
		return nil, err
	}
	c, err := r.resolve(rev)
	if err != nil {
		return nil, err
	}
	var list []*commit
	for _, d := range r.descendants(c.changeID) {
		list = append(list, d)
	}
	return newestFirst(list), nil
}

// IsAncestor reports whether ancestor is ancestor or equal to descendant.
func (r *Repo) IsAncestor(_ context.Context, ancestor, descendant string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.begin(OpIsAncestor); err != nil {
		return false, err
	}
	a, err := r.resolve(ancestor)
	if err != nil {
		return false, err
	}
	d, err := r.resolve(descendant)
	if err != nil {
		return false, err
	}
	return r.ancestors(d.changeID)[a.changeID], nil
}

// FindByTrailer supports the scopes "all()" and "mutable()".
func (r *Repo) FindByTrailer(_ context.Context, scope, key, value string) ([]vcs.Commit, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.begin(OpFindByTrailer); err != nil {
		return nil, err
	}
	if scope != "all()" && scope != "mutable()" {
		return nil, fmt.Errorf("vcstest: unsupported scope %q", scope)
	}
	var list []*commit
	for _, c := range r.cur.commits {
		if c.changeID == RootID || (scope == "mutable()" && c.immutable) {
			continue
		}
		if trailers.Parse(c.description).Has(key, value) {
			list = append(list, c)
		}
	}
	return newestFirst(list), nil
}

// CountConflicts counts conflicted commits in from::to, or from:: when to is empty.
func (r *Repo) CountConflicts(_ context.Context, from, to string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.begin(OpCountConflicts); err != nil {
		return 0, err
	}
	f, err := r.resolve(from)
	if err != nil {
		return 0, err
	}
	members := r.descendants(f.changeID)
	members[f.changeID] = f
	if to != "" {
		t, err := r.resolve(to)
		if err != nil {
			return 0, err
		}
		within := r.ancestors(t.changeID)
		for id := range members {
			if !within[id] {
				delete(members, id)
			}
		}
	}
	n := 0
	for _, c := range members {
		if c.conflict {
			n++
		}
	}
	return n, nil
}

// NewCommit creates a child of parent, optionally moving the working copy onto it.
func (r *Repo) NewCommit(_ context.Context, parent, message string, edit bool) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.mutate(OpNew); err != nil {
		return "", err
	}
	p, err := r.resolve(parent)
	if err != nil {
		r.rollbackOp()
		return "", err
	}
	id := r.add([]string{p.changeID}, message)
	if edit {
		r.moveWC(id)
	}
	return id, nil
}

// InsertBefore creates an empty commit between rev and its parents.
func (r *Repo) InsertBefore(_ context.Context, rev, message string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.mutate(OpInsertBefore); err != nil {
		return "", err
	}
	c, err := r.resolve(rev)
	if err == nil && c.immutable {
		err = fmt.Errorf("%w: %s", ErrImmutable, c.changeID)
	}
	if err != nil {
		r.rollbackOp()
		return "", err
	}
	id := r.add(c.parents, message)
	c.parents = []string{id}
	c.version++
	return id, nil
}

// Edit moves the working copy onto rev.
func (r *Repo) Edit(_ context.Context, rev string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.mutate(OpEdit); err != nil {
		return err
	}
	c, err := r.resolve(rev)
	if err == nil && c.immutable {
		err = fmt.Errorf("%w: %s", ErrImmutable, c.changeID)
	}
	if err != nil {
		r.rollbackOp()
		return err
	}
	r.moveWC(c.changeID)
	return nil
}

// Describe replaces the description of rev.
func (r *Repo) Describe(_ context.Context, rev, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.mutate(OpDescribe); err != nil {
		return err
	}
	c, err := r.resolve(rev)
	if err == nil && c.immutable {
		err = fmt.Errorf("%w: %s", ErrImmutable, c.changeID)
	}
	if err != nil {
		r.rollbackOp()
		return err
	}
	c.description = message
	c.version++
	return nil
}

// Squash moves the paths written by from into into and removes from.
func (r *Repo) Squash(_ context.Context, from, into string, keepDestinationMessage bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.mutate(OpSquash); err != nil {
		return err
	}
	src, err := r.resolve(from)
	if err != nil {
		r.rollbackOp()
		return err
	}
	dst, err := r.resolve(into)
	if err == nil && (dst.immutable || src.immutable) {
		err = fmt.Errorf("%w: %s", ErrImmutable, dst.changeID)
	}
	if err == nil && src.changeID == dst.changeID {
		err = errors.New("vcstest: source and destination are the same commit")
	}
	if err != nil {
		r.rollbackOp()
		return err
	}

	srcAncestors := r.ancestors(src.changeID)
	for _, d := range r.descendants(dst.changeID) {
		if d.changeID == src.changeID {
			continue
		}
		for path, content := range src.files {
			if existing, ok := d.files[path]; ok && existing != content {
				d.conflict = true
				d.version++
				// The moved diff was computed on top of d, so applying it
				// below d conflicts the destination as well.
				if srcAncestors[d.changeID] {
					dst.conflict = true
				}
			}
		}
	}

	for path, content := range src.files {
		dst.files[path] = content
	}
	if !keepDestinationMessage && src.description != "" {
		if dst.description == "" {
			dst.description = src.description
		} else {
			dst.description = strings.TrimRight(dst.description, "\n") + "\n\n" + src.description
		}
	}
	dst.version++
	r.remove(src)
	return nil
}

// Abandon removes rev, rebasing its children onto its parents.
func (r *Repo) Abandon(_ context.Context, rev string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.mutate(OpAbandon); err != nil {
		return err
	}
	c, err := r.resolve(rev)
	if err == nil && c.immutable {
		err = fmt.Errorf("%w: %s", ErrImmutable, c.changeID)
	}
	if err != nil {
		r.rollbackOp()
		return err
	}
	r.remove(c)
	return nil
}

// Undo restores the state from before the last n operations.
func (r *Repo) Undo(_ context.Context, n int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.begin(OpUndo); err != nil {
		return err
	}
	if n <= 0 || n > len(r.oplog) {
		return fmt.Errorf("vcstest: cannot undo %d operations, log has %d", n, len(r.oplog))
	}
	r.cur = r.oplog[len(r.oplog)-n]
	r.oplog = r.oplog[:len(r.oplog)-n]
	return nil
}

// WriteFile simulates an on-disk edit in the working copy followed by a
// snapshot. It counts as one operation.
func (r *Repo) WriteFile(path, content string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_ = r.mutate(OpSnapshot) //nolint:errcheck // snapshot failures are not injectable
	wc := r.cur.commits[r.cur.wc]
	wc.files[path] = content
	wc.version++
}

// SetImmutable marks rev as immutable, taking it out of mutable().
func (r *Repo) SetImmutable(rev string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, err := r.resolve(rev)
	if err != nil {
		return err
	}
	c.immutable = true
	return nil
}

// FailOn makes the next call of op return err.
func (r *Repo) FailOn(op string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures[op] = err
}

// Calls returns every operation name recorded so far.
func (r *Repo) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

// CountCalls returns how many times op was called.
func (r *Repo) CountCalls(op string) int {
	n := 0
	for _, c := range r.Calls() {
		if c == op {
			n++
		}
	}
	return n
}

// OpCount returns the length of the operation log.
func (r *Repo) OpCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.oplog)
}

// WorkingCopy returns the change ID of the working-copy commit.
func (r *Repo) WorkingCopy() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cur.wc
}

// Get returns a commit by revision without recording a call.
func (r *Repo) Get(rev string) (vcs.Commit, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, err := r.resolve(rev)
	if err != nil {
		return vcs.Commit{}, false
	}
	return view(c), true
}

// Files returns the paths rev itself writes.
func (r *Repo) Files(rev string) map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, err := r.resolve(rev)
	if err != nil {
		return nil
	}
	out := make(map[string]string, len(c.files))
	for p, content := range c.files {
		out[p] = content
	}
	return out
}

// Tree returns the file contents visible at rev, following first parents.
func (r *Repo) Tree(rev string) map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, err := r.resolve(rev)
	if err != nil {
		return nil
	}
	var chain []*commit
	for c != nil {
		chain = append(chain, c)
		if len(c.parents) == 0 {
			break
		}
		c = r.cur.commits[c.parents[0]]
	}
	out := map[string]string{}
	for i := len(chain) - 1; i >= 0; i-- {
		for p, content := range chain[i].files {
			out[p] = content
		}
	}
	return out
}

// Log renders the visible commits newest first, one per line, for test
// failure messages.
func (r *Repo) Log() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := make([]*commit, 0, len(r.cur.commits))
	for _, c := range r.cur.commits {
		list = append(list, c)
	}
	var sb strings.Builder
	for _, c := range newestFirst(list) {
		marker := " "
		if c.ChangeID == r.cur.wc {
			marker = "@"
		}
		title := trailers.Parse(c.Description).Title
		fmt.Fprintf(&sb, "%s %s parents=%s empty=%t conflict=%t %q\n",
			marker, c.ChangeID, strings.Join(c.Parents, ","), c.Empty, c.Conflict, title)
	}
	return sb.String()
}
