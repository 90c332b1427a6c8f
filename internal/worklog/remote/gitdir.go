package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

var objectID = regexp.MustCompile(`^[0-9a-fA-F]{4,64}$`)

// GitDirConfig configures the local bare repository backend.
type GitDirConfig struct {
	// Path is the bare repository (the directory holding HEAD and refs/).
	Path string
	// Branch pins the branch; empty follows the repository's HEAD.
	Branch      string
	Timeout     time.Duration
	AuthorName  string
	AuthorEmail string
	Logger      *log.Logger
}

// GitDir is a Store backed by a bare git repository on the local disk.
// It has no request quota.
type GitDir struct {
	cfg    GitDirConfig
	logger *log.Logger
}

var _ Store = (*GitDir)(nil)

// NewGitDir opens an existing bare repository.
func NewGitDir(cfg GitDirConfig) (*GitDir, error) {
	if cfg.Path == "" {
		return nil, errors.New("git directory path is required")
	}
	if _, err := exec.LookPath("git"); err != nil {
		return nil, fmt.Errorf("git binary not available: %w", err)
	}
	abs, err := filepath.Abs(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve git directory: %w", err)
	}
	cfg.Path = abs
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.AuthorName == "" {
		cfg.AuthorName = "worklogs"
	}
	if cfg.AuthorEmail == "" {
		cfg.AuthorEmail = "worklogs@localhost"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[remote] ", log.LstdFlags)
	}

	g := &GitDir{cfg: cfg, logger: logger}
	out, err := g.run(context.Background(), nil, nil, "rev-parse", "--is-bare-repository")
	if err != nil {
		return nil, fmt.Errorf("failed to open git directory %s: %w", cfg.Path, err)
	}
	if strings.TrimSpace(string(out)) != "true" {
		return nil, fmt.Errorf("%s is not a bare repository", cfg.Path)
	}
	return g, nil
}

// InitBare creates an empty bare repository whose HEAD points at branch.
func InitBare(ctx context.Context, path, branch string) error {
	if branch == "" {
		branch = fallbackTrunk
	}
	if err := os.MkdirAll(path, 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if _, err := execGit(ctx, 30*time.Second, path, nil, nil, "init", "--bare", "--quiet"); err != nil {
		return err
	}
	_, err := execGit(ctx, 30*time.Second, path, nil, nil, "symbolic-ref", "HEAD", "refs/heads/"+branch)
	return err
}

func (g *GitDir) Name() string  { return "gitdir" }
func (g *GitDir) Enabled() bool { return true }

// Dir returns the repository path.
func (g *GitDir) Dir() string { return g.cfg.Path }

// execGit runs git in dir with a timeout, capturing stderr into the error.
func execGit(ctx context.Context, timeout time.Duration, dir string, env []string, stdin io.Reader, args ...string) ([]byte, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), env...)
	cmd.Stdin = stdin

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, &Error{
			Kind:    KindOther,
			Op:      "git " + args[0],
			Message: strings.TrimSpace(stderr.String()),
			Err:     err,
		}
	}
	return stdout.Bytes(), nil
}

func (g *GitDir) run(ctx context.Context, env []string, stdin io.Reader, args ...string) ([]byte, error) {
	args = append([]string{"--git-dir=" + g.cfg.Path}, args...)
	out, err := execGit(ctx, g.cfg.Timeout, g.cfg.Path, env, stdin, args...)
	var re *Error
	if errors.As(err, &re) {
		re.Op = "git " + args[1]
	}
	return out, err
}

func (g *GitDir) resolveBranch(ctx context.Context, branch string) (string, error) {
	if branch != "" {
		return branch, nil
	}
	if g.cfg.Branch != "" {
		return g.cfg.Branch, nil
	}
	out, err := g.run(ctx, nil, nil, "symbolic-ref", "--short", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// HeadRevision returns the tip of branch. A branch without commits yields a
// Head with an empty Revision.
func (g *GitDir) HeadRevision(ctx context.Context, branch string) (Head, error) {
	branch, err := g.resolveBranch(ctx, branch)
	if err != nil {
		return Head{}, err
	}
	head := Head{Branch: branch}
	out, err := g.run(ctx, nil, nil, "rev-parse", "--verify", "--quiet", "refs/heads/"+branch)
	if err != nil {
		// --quiet exits 1 without output when the branch has no commits yet.
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
			return head, nil
		}
		return Head{}, err
	}
	head.Revision = strings.TrimSpace(string(out))

	tree, err := g.run(ctx, nil, nil, "rev-parse", head.Revision+"^{tree}")
	if err != nil {
		return Head{}, err
	}
	head.TreeID = strings.TrimSpace(string(tree))
	return head, nil
}

// ListEntries lists blobs under prefix at the tip of branch.
func (g *GitDir) ListEntries(ctx context.Context, branch, prefix string) ([]Entry, error) {
	head, err := g.HeadRevision(ctx, branch)
	if err != nil || head.Revision == "" {
		return nil, err
	}

	out, err := g.run(ctx, nil, nil, "ls-tree", "-r", "-z", "--full-tree", head.Revision)
	if err != nil {
		return nil, err
	}

	var entries []Entry
	for _, rec := range strings.Split(string(out), "\x00") {
		// <mode> SP <type> SP <object> TAB <path>
		meta, path, ok := strings.Cut(rec, "\t")
		if !ok {
			continue
		}
		fields := strings.Fields(meta)
		if len(fields) != 3 || fields[1] != "blob" || !strings.HasPrefix(path, prefix) {
			continue
		}
		entries = append(entries, Entry{Path: path, BlobID: fields[2]})
	}
	return entries, nil
}

// ReadBlob returns the content of a blob.
func (g *GitDir) ReadBlob(ctx context.Context, blobID string) ([]byte, error) {
	if !objectID.MatchString(blobID) {
		return nil, &Error{Kind: KindNotFound, Op: "git cat-file", Message: "invalid object id " + blobID}
	}
	out, err := g.run(ctx, nil, nil, "cat-file", "blob", blobID)
	if err != nil {
		var re *Error
		if errors.As(err, &re) {
			re.Kind = KindNotFound
		}
		return nil, err
	}
	return out, nil
}

// CommitFiles writes files through a temporary index and moves the branch
// with a compare-and-swap update-ref. If the branch moved since it was read,
// the commit is rebuilt once on the new head.
func (g *GitDir) CommitFiles(ctx context.Context, files []File, message string) (*CommitResult, error) {
	if len(files) == 0 {
		return nil, errors.New("no files to commit")
	}

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		res, err := g.commitOnce(ctx, files, message)
		if err == nil {
			return res, nil
		}
		if !IsConflict(err) {
			return nil, err
		}
		lastErr = err
		if attempt == 0 {
			g.logger.Printf("branch moved during commit, retrying against the new head: %v", err)
		}
	}
	return nil, lastErr
}

func (g *GitDir) commitOnce(ctx context.Context, files []File, message string) (*CommitResult, error) {
	head, err := g.HeadRevision(ctx, "")
	if err != nil {
		return nil, err
	}

	indexDir, err := os.MkdirTemp("", "worklogs-index-")
	if err != nil {
		return nil, fmt.Errorf("failed to create temporary index: %w", err)
	}
	defer os.RemoveAll(indexDir)
	env := []string{
		"GIT_INDEX_FILE=" + filepath.Join(indexDir, "index"),
		"GIT_AUTHOR_NAME=" + g.cfg.AuthorName,
		"GIT_AUTHOR_EMAIL=" + g.cfg.AuthorEmail,
		"GIT_COMMITTER_NAME=" + g.cfg.AuthorName,
		"GIT_COMMITTER_EMAIL=" + g.cfg.AuthorEmail,
	}

	if head.Revision != "" {
		if _, err := g.run(ctx, env, nil, "read-tree", head.Revision); err != nil {
			return nil, err
		}
	}

	blobIDs := make(map[string]string, len(files))
	var info strings.Builder
	for _, f := range files {
		out, err := g.run(ctx, nil, bytes.NewReader(f.Content), "hash-object", "-w", "--stdin")
		if err != nil {
			return nil, err
		}
		id := strings.TrimSpace(string(out))
		blobIDs[f.Path] = id
		fmt.Fprintf(&info, "%s %s\t%s\n", fileMode, id, f.Path)
	}
	if _, err := g.run(ctx, env, strings.NewReader(info.String()), "update-index", "--add", "--index-info"); err != nil {
		return nil, err
	}

	treeOut, err := g.run(ctx, env, nil, "write-tree")
	if err != nil {
		return nil, err
	}
	tree := strings.TrimSpace(string(treeOut))

	args := []string{"commit-tree", tree, "-m", message}
	if head.Revision != "" {
		args = append(args, "-p", head.Revision)
	}
	commitOut, err := g.run(ctx, env, nil, args...)
	if err != nil {
		return nil, err
	}
	commit := strings.TrimSpace(string(commitOut))

	if _, err := g.run(ctx, nil, nil, "update-ref", "-m", message, "refs/heads/"+head.Branch, commit, head.Revision); err != nil {
		if now, herr := g.HeadRevision(ctx, head.Branch); herr == nil && now.Revision != head.Revision {
			var re *Error
			if errors.As(err, &re) {
				re.Kind = KindConflict
			}
		}
		return nil, err
	}

	return &CommitResult{Branch: head.Branch, Revision: commit, BlobIDs: blobIDs}, nil
}

func (g *GitDir) commitExists(ctx context.Context, rev string) bool {
	if !objectID.MatchString(rev) {
		return false
	}
	_, err := g.run(ctx, nil, nil, "cat-file", "-e", rev+"^{commit}")
	return err == nil
}

// Diff compares two commits. The status comes from their merge base; the
// files are the tree difference from -> to.
func (g *GitDir) Diff(ctx context.Context, from, to string) (*DiffResult, error) {
	for _, rev := range []string{from, to} {
		if !g.commitExists(ctx, rev) {
			return nil, &Error{Kind: KindNotFound, Op: "git diff", Message: "unknown revision " + rev}
		}
	}

	res := &DiffResult{}
	switch base, err := g.run(ctx, nil, nil, "merge-base", from, to); {
	case from == to:
		res.Status = DiffIdentical
	case err != nil:
		// merge-base exits 1 for unrelated histories.
		res.Status = DiffDiverged
	case strings.TrimSpace(string(base)) == from:
		res.Status = DiffAhead
	case strings.TrimSpace(string(base)) == to:
		res.Status = DiffBehind
	default:
		res.Status = DiffDiverged
	}
	if res.Status == DiffIdentical {
		return res, nil
	}

	out, err := g.run(ctx, nil, nil, "diff-tree", "-r", "-z", "-M", "--no-commit-id", from, to)
	if err != nil {
		return nil, err
	}
	res.Files = parseRawDiff(string(out))
	return res, nil
}

// parseRawDiff reads `git diff-tree -z` raw output:
// ":<mode> <mode> <old> <new> <status>\0<path>\0" with a second path for
// renames and copies.
func parseRawDiff(out string) []ChangedFile {
	tokens := strings.Split(out, "\x00")
	var files []ChangedFile
	for i := 0; i < len(tokens); i++ {
		meta := tokens[i]
		if !strings.HasPrefix(meta, ":") {
			continue
		}
		fields := strings.Fields(meta[1:])
		if len(fields) != 5 || i+1 >= len(tokens) {
			continue
		}
		newID, code := fields[3], fields[4]
		path := tokens[i+1]
		i++

		cf := ChangedFile{Path: path, BlobID: newID}
		switch code[0] {
		case 'A':
			cf.Status = FileAdded
		case 'D':
			cf.Status = FileRemoved
			cf.BlobID = ""
		case 'R', 'C':
			if i+1 < len(tokens) {
				cf.Path = tokens[i+1]
				i++
			}
			cf.Status = FileRenamed
			if code[0] == 'C' {
				cf.Status = FileAdded
			}
		default:
			cf.Status = FileModified
		}
		files = append(files, cf)
	}
	return files
}

// RateBudget reports an unlimited quota.
func (g *GitDir) RateBudget(context.Context) (Budget, error) {
	return Budget{Limit: Unlimited, Remaining: Unlimited}, nil
}
