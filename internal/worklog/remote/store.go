// Package remote talks to the git-hosted archive that holds one file per
// worklog. Two backends implement Store: the GitHub REST API and a local
// bare repository driven by the git CLI.
package remote

import (
	"context"
	"errors"
	"time"
)

// Unlimited is the Budget.Remaining value of a backend without a quota.
const Unlimited = -1

// ErrDisabled is returned by every operation of Disabled.
var ErrDisabled = errors.New("remote store is not configured")

// ErrTruncated is returned when the backend cut a tree listing short.
var ErrTruncated = errors.New("tree listing truncated by the backend")

// Head is the tip of a branch.
type Head struct {
	Branch   string `json:"branch"`
	Revision string `json:"revision"`
	TreeID   string `json:"tree_id"`
}

// Entry is a blob in the archive tree.
type Entry struct {
	Path   string `json:"path"`
	BlobID string `json:"blob_id"`
}

// File is a path and content to write in a commit.
type File struct {
	Path    string
	Content []byte
}

// CommitResult describes a commit created by CommitFiles.
type CommitResult struct {
	Branch   string
	Revision string
	// BlobIDs maps each written path to its blob id.
	BlobIDs map[string]string
}

// DiffStatus is how the head of a diff relates to its base.
type DiffStatus string

const (
	DiffAhead     DiffStatus = "ahead"
	DiffIdentical DiffStatus = "identical"
	DiffBehind    DiffStatus = "behind"
	DiffDiverged  DiffStatus = "diverged"
)

// Linear reports whether the head descends from the base, which is the only
// case where the changed files fully describe the difference.
func (s DiffStatus) Linear() bool {
	return s == DiffAhead || s == DiffIdentical
}

// FileStatus is how a file changed between two revisions.
type FileStatus string

const (
	FileAdded    FileStatus = "added"
	FileModified FileStatus = "modified"
	FileRemoved  FileStatus = "removed"
	FileRenamed  FileStatus = "renamed"
)

// ChangedFile is one file of a diff. BlobID is the blob at the head side and
// is empty for removed files.
type ChangedFile struct {
	Path   string
	BlobID string
	Status FileStatus
}

// DiffResult is the outcome of Diff.
type DiffResult struct {
	Status DiffStatus
	Files  []ChangedFile
	// Truncated is set when the backend may have omitted changed files.
	Truncated bool
}

// Budget is the remaining request quota of a backend.
type Budget struct {
	Limit     int
	Remaining int
	Reset     time.Time
}

// Store is the archive as seen by the sync engine.
type Store interface {
	// Name identifies the backend in logs and status output.
	Name() string
	// Enabled is false when no backend is configured.
	Enabled() bool
	// HeadRevision resolves branch, or the default branch when empty.
	HeadRevision(ctx context.Context, branch string) (Head, error)
	// ListEntries returns every blob under prefix at the tip of branch.
	ListEntries(ctx context.Context, branch, prefix string) ([]Entry, error)
	ReadBlob(ctx context.Context, blobID string) ([]byte, error)
	// CommitFiles writes files in a single commit on top of the current head
	// and fast-forwards the branch to it.
	CommitFiles(ctx context.Context, files []File, message string) (*CommitResult, error)
	Diff(ctx context.Context, from, to string) (*DiffResult, error)
	RateBudget(ctx context.Context) (Budget, error)
}

// Disabled is the Store used when no backend is configured.
type Disabled struct{}

var _ Store = Disabled{}

func (Disabled) Name() string  { return "none" }
func (Disabled) Enabled() bool { return false }

func (Disabled) HeadRevision(context.Context, string) (Head, error) { return Head{}, ErrDisabled }

func (Disabled) ListEntries(context.Context, string, string) ([]Entry, error) {
	return nil, ErrDisabled
}

func (Disabled) ReadBlob(context.Context, string) ([]byte, error) { return nil, ErrDisabled }

func (Disabled) CommitFiles(context.Context, []File, string) (*CommitResult, error) {
	return nil, ErrDisabled
}

func (Disabled) Diff(context.Context, string, string) (*DiffResult, error) { return nil, ErrDisabled }

func (Disabled) RateBudget(context.Context) (Budget, error) {
	return Budget{Limit: Unlimited, Remaining: Unlimited}, nil
}
