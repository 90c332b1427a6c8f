// Package remotetest provides an in-memory archive and a fake GitHub API
// server backed by it.
package remotetest

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/studiovibi/worklogs/internal/worklog/remote"
)

type commit struct {
	tree   string
	parent string
}

// Memory is an in-memory Store with git-like object semantics: blobs, trees
// and commits are content addressed and the branch only moves forward
// unless Rewrite is used.
type Memory struct {
	mu      sync.Mutex
	branch  string
	head    string
	blobs   map[string][]byte
	trees   map[string]map[string]string
	commits map[string]commit
	seq     int

	budget      remote.Budget
	budgetErr   error
	commitErr   []error
	commitCalls int
	reads       int
}

var _ remote.Store = (*Memory)(nil)

// NewMemory returns an empty archive on branch "main".
func NewMemory() *Memory {
	return &Memory{
		branch:  "main",
		blobs:   make(map[string][]byte),
		trees:   map[string]map[string]string{},
		commits: make(map[string]commit),
		budget:  remote.Budget{Limit: remote.Unlimited, Remaining: remote.Unlimited},
	}
}

func hashOf(kind string, data []byte) string {
	sum := sha1.Sum(append([]byte(kind+"\x00"), data...))
	return hex.EncodeToString(sum[:])
}

// Branch returns the branch name.
func (m *Memory) Branch() string { return m.branch }

func (m *Memory) Name() string  { return "memory" }
func (m *Memory) Enabled() bool { return true }

// SetBudget sets what RateBudget reports; err is returned instead when set.
func (m *Memory) SetBudget(b remote.Budget, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.budget, m.budgetErr = b, err
}

// FailCommits makes the next len(errs) CommitFiles calls fail in order.
func (m *Memory) FailCommits(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commitErr = append(m.commitErr, errs...)
}

// CommitCount is the number of successful CommitFiles calls.
func (m *Memory) CommitCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.commitCalls
}

// BlobReads is the number of ReadBlob calls.
func (m *Memory) BlobReads() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reads
}

// PutBlob stores content and returns its id.
func (m *Memory) PutBlob(content []byte) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.putBlobLocked(content)
}

func (m *Memory) putBlobLocked(content []byte) string {
	id := hashOf("blob", content)
	m.blobs[id] = append([]byte(nil), content...)
	return id
}

// PutTree stores a tree built from base (may be empty) plus entries
// (path -> blob id; an empty blob id removes the path).
func (m *Memory) PutTree(base string, entries map[string]string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.putTreeLocked(base, entries)
}

func (m *Memory) putTreeLocked(base string, entries map[string]string) (string, error) {
	tree := make(map[string]string)
	if base != "" {
		bt, ok := m.trees[base]
		if !ok {
			return "", fmt.Errorf("unknown tree %s", base)
		}
		for p, b := range bt {
			tree[p] = b
		}
	}
	for p, b := range entries {
		if b == "" {
			delete(tree, p)
			continue
		}
		if _, ok := m.blobs[b]; !ok {
			return "", fmt.Errorf("unknown blob %s", b)
		}
		tree[p] = b
	}

	paths := make([]string, 0, len(tree))
	for p := range tree {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	var sb strings.Builder
	for _, p := range paths {
		sb.WriteString(p + "\x00" + tree[p] + "\n")
	}
	id := hashOf("tree", []byte(sb.String()))
	m.trees[id] = tree
	return id, nil
}

// PutCommit stores a commit object without moving the branch.
func (m *Memory) PutCommit(tree, parent string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.putCommitLocked(tree, parent)
}

func (m *Memory) putCommitLocked(tree, parent string) (string, error) {
	if _, ok := m.trees[tree]; !ok {
		return "", fmt.Errorf("unknown tree %s", tree)
	}
	if parent != "" {
		if _, ok := m.commits[parent]; !ok {
			return "", fmt.Errorf("unknown parent %s", parent)
		}
	}
	m.seq++
	id := hashOf("commit", []byte(fmt.Sprintf("%s %s %d", tree, parent, m.seq)))
	m.commits[id] = commit{tree: tree, parent: parent}
	return id, nil
}

// MoveBranch fast-forwards the branch to rev. It fails with a conflict when
// rev does not descend from the current head.
func (m *Memory) MoveBranch(rev string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.commits[rev]; !ok {
		return &remote.Error{Kind: remote.KindNotFound, Op: "move branch", Message: "unknown commit " + rev}
	}
	if m.head != "" && !m.isAncestorLocked(m.head, rev) {
		return &remote.Error{Kind: remote.KindConflict, Op: "move branch", StatusCode: 422, Message: "Update is not a fast forward"}
	}
	m.head = rev
	return nil
}

func (m *Memory) isAncestorLocked(anc, rev string) bool {
	for rev != "" {
		if rev == anc {
			return true
		}
		rev = m.commits[rev].parent
	}
	return false
}

// Put commits one file as an outside writer would.
func (m *Memory) Put(path, content string) string {
	rev, err := m.apply(map[string]string{path: content}, false)
	if err != nil {
		panic(err)
	}
	return rev
}

// Remove commits the deletion of path.
func (m *Memory) Remove(path string) string {
	rev, err := m.apply(map[string]string{path: ""}, false)
	if err != nil {
		panic(err)
	}
	return rev
}

// Rewrite replaces history with a single parentless commit holding files,
// like a force push.
func (m *Memory) Rewrite(files map[string]string) string {
	rev, err := m.apply(files, true)
	if err != nil {
		panic(err)
	}
	return rev
}

func (m *Memory) apply(files map[string]string, orphan bool) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries := make(map[string]string, len(files))
	for p, c := range files {
		if c == "" && !orphan {
			entries[p] = ""
			continue
		}
		entries[p] = m.putBlobLocked([]byte(c))
	}
	base, parent := "", ""
	if !orphan && m.head != "" {
		parent = m.head
		base = m.commits[m.head].tree
	}
	tree, err := m.putTreeLocked(base, entries)
	if err != nil {
		return "", err
	}
	rev, err := m.putCommitLocked(tree, parent)
	if err != nil {
		return "", err
	}
	m.head = rev
	return rev, nil
}

// Files returns path -> content at the head.
func (m *Memory) Files() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string)
	if m.head == "" {
		return out
	}
	for p, b := range m.trees[m.commits[m.head].tree] {
		out[p] = string(m.blobs[b])
	}
	return out
}

func (m *Memory) checkBranch(branch string) error {
	if branch != "" && branch != m.branch {
		return &remote.Error{Kind: remote.KindNotFound, Op: "resolve branch", Message: "no branch " + branch}
	}
	return nil
}

func (m *Memory) HeadRevision(_ context.Context, branch string) (remote.Head, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkBranch(branch); err != nil {
		return remote.Head{}, err
	}
	h := remote.Head{Branch: m.branch, Revision: m.head}
	if m.head != "" {
		h.TreeID = m.commits[m.head].tree
	}
	return h, nil
}

func (m *Memory) ListEntries(_ context.Context, branch, prefix string) ([]remote.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkBranch(branch); err != nil {
		return nil, err
	}
	if m.head == "" {
		return nil, nil
	}
	var out []remote.Entry
	for p, b := range m.trees[m.commits[m.head].tree] {
		if strings.HasPrefix(p, prefix) {
			out = append(out, remote.Entry{Path: p, BlobID: b})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (m *Memory) ReadBlob(_ context.Context, blobID string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reads++
	b, ok := m.blobs[blobID]
	if !ok {
		return nil, &remote.Error{Kind: remote.KindNotFound, Op: "read blob", Message: "unknown blob " + blobID}
	}
	return append([]byte(nil), b...), nil
}

func (m *Memory) CommitFiles(_ context.Context, files []remote.File, message string) (*remote.CommitResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.commitErr) > 0 {
		err := m.commitErr[0]
		m.commitErr = m.commitErr[1:]
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no files to commit")
	}

	blobIDs := make(map[string]string, len(files))
	for _, f := range files {
		blobIDs[f.Path] = m.putBlobLocked(f.Content)
	}
	base := ""
	if m.head != "" {
		base = m.commits[m.head].tree
	}
	tree, err := m.putTreeLocked(base, blobIDs)
	if err != nil {
		return nil, err
	}
	rev, err := m.putCommitLocked(tree, m.head)
	if err != nil {
		return nil, err
	}
	m.head = rev
	m.commitCalls++
	return &remote.CommitResult{Branch: m.branch, Revision: rev, BlobIDs: blobIDs}, nil
}

func (m *Memory) Diff(_ context.Context, from, to string) (*remote.DiffResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rev := range []string{from, to} {
		if _, ok := m.commits[rev]; !ok {
			return nil, &remote.Error{Kind: remote.KindNotFound, Op: "diff", StatusCode: 404, Message: "unknown revision " + rev}
		}
	}

	res := &remote.DiffResult{}
	switch {
	case from == to:
		res.Status = remote.DiffIdentical
		return res, nil
	case m.isAncestorLocked(from, to):
		res.Status = remote.DiffAhead
	case m.isAncestorLocked(to, from):
		res.Status = remote.DiffBehind
	default:
		res.Status = remote.DiffDiverged
	}

	a, b := m.trees[m.commits[from].tree], m.trees[m.commits[to].tree]
	for p, id := range b {
		old, ok := a[p]
		switch {
		case !ok:
			res.Files = append(res.Files, remote.ChangedFile{Path: p, BlobID: id, Status: remote.FileAdded})
		case old != id:
			res.Files = append(res.Files, remote.ChangedFile{Path: p, BlobID: id, Status: remote.FileModified})
		}
	}
	for p := range a {
		if _, ok := b[p]; !ok {
			res.Files = append(res.Files, remote.ChangedFile{Path: p, Status: remote.FileRemoved})
		}
	}
	sort.Slice(res.Files, func(i, j int) bool { return res.Files[i].Path < res.Files[j].Path })
	return res, nil
}

func (m *Memory) RateBudget(context.Context) (remote.Budget, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.budget, m.budgetErr
}

// TreeOf returns the tree id of a commit.
func (m *Memory) TreeOf(rev string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.commits[rev].tree
}

// TreeEntries returns a copy of a tree.
func (m *Memory) TreeEntries(tree string) map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.trees[tree]))
	for p, b := range m.trees[tree] {
		out[p] = b
	}
	return out
}
