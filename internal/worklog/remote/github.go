package remote

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultAPIURL is the public GitHub REST endpoint.
	DefaultAPIURL = "https://api.github.com"

	repoInfoTTL   = 60 * time.Second
	maxErrorBody  = 64 << 10
	apiVersion    = "2022-11-28"
	fileMode      = "100644"
	fallbackTrunk = "main"
)

// GitHubConfig configures the GitHub backend.
type GitHubConfig struct {
	Owner string
	Repo  string
	// Token is a personal access token. The backend is disabled without one.
	Token  string
	APIURL string
	// Branch pins HeadRevision and CommitFiles to a branch; empty means the
	// repository's default branch.
	Branch string
	// RequestsPerSecond paces outgoing requests; zero disables pacing.
	RequestsPerSecond float64
	Timeout           time.Duration
	UserAgent         string
	HTTPClient        *http.Client
	Logger            *log.Logger
}

// RateInfo is the quota state reported by the most recent response.
type RateInfo struct {
	Limit      int       `json:"limit"`
	Remaining  int       `json:"remaining"`
	Reset      time.Time `json:"reset"`
	ObservedAt time.Time `json:"observed_at"`
}

// GitHub is a Store backed by the GitHub REST API.
type GitHub struct {
	cfg        GitHubConfig
	baseURL    string
	repoPath   string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *log.Logger
	now        func() time.Time

	mu            sync.Mutex
	defaultBranch string
	repoCachedAt  time.Time
	lastRate      RateInfo
}

var _ Store = (*GitHub)(nil)

// NewGitHub creates a GitHub backend.
func NewGitHub(cfg GitHubConfig) (*GitHub, error) {
	if cfg.Owner == "" || cfg.Repo == "" {
		return nil, errors.New("github owner and repo are required")
	}
	if cfg.APIURL == "" {
		cfg.APIURL = DefaultAPIURL
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "worklogs-sync"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[remote] ", log.LstdFlags)
	}

	g := &GitHub{
		cfg:        cfg,
		baseURL:    strings.TrimSuffix(cfg.APIURL, "/"),
		repoPath:   "/repos/" + url.PathEscape(cfg.Owner) + "/" + url.PathEscape(cfg.Repo),
		httpClient: httpClient,
		logger:     logger,
		now:        time.Now,
	}
	if cfg.RequestsPerSecond > 0 {
		burst := int(cfg.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return g, nil
}

func (g *GitHub) Name() string { return "github" }

// Enabled reports whether a token is configured.
func (g *GitHub) Enabled() bool { return g.cfg.Token != "" }

// LastRate returns the quota seen on the latest response. Remaining is
// Unlimited until a response carried rate headers.
func (g *GitHub) LastRate() RateInfo {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.lastRate.ObservedAt.IsZero() {
		return RateInfo{Limit: Unlimited, Remaining: Unlimited}
	}
	return g.lastRate
}

func (g *GitHub) do(ctx context.Context, method, path string, body, out any) error {
	op := method + " " + path
	if !g.Enabled() {
		return &Error{Kind: KindOther, Op: op, Err: ErrDisabled}
	}
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return &Error{Kind: KindOther, Op: op, Err: err}
		}
	}

	var reader io.Reader = http.NoBody
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode %s request: %w", op, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build %s request: %w", op, err)
	}
	req.Header.Set("Authorization", "Bearer "+g.cfg.Token)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", apiVersion)
	req.Header.Set("User-Agent", g.cfg.UserAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return &Error{Kind: KindOther, Op: op, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	remaining := g.observeRate(resp.Header)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return g.responseError(op, resp, raw, remaining)
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &Error{Kind: KindOther, Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("failed to decode response: %w", err)}
	}
	return nil
}

func (g *GitHub) responseError(op string, resp *http.Response, raw []byte, remaining int) *Error {
	var payload struct {
		Message string `json:"message"`
	}
	message := ""
	if json.Unmarshal(raw, &payload) == nil {
		message = payload.Message
	}
	if message == "" {
		message = strings.TrimSpace(string(raw))
	}

	retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
	kind := classifyStatus(resp.StatusCode, retryAfter, remaining)
	if kind == KindOther && looksThrottled(resp.StatusCode, message) {
		kind = KindThrottled
	}

	e := &Error{
		Kind:       kind,
		Op:         op,
		StatusCode: resp.StatusCode,
		Message:    message,
		RetryAfter: retryAfter,
	}
	// The reset time only matters once the primary quota is spent.
	if remaining == 0 {
		e.Reset = parseEpoch(resp.Header.Get("X-RateLimit-Reset"))
	}
	return e
}

// observeRate records the rate headers of a response and returns the
// remaining count, or Unlimited when the header is absent.
func (g *GitHub) observeRate(h http.Header) int {
	rem, err := strconv.Atoi(h.Get("X-RateLimit-Remaining"))
	if err != nil {
		return Unlimited
	}
	limit, err := strconv.Atoi(h.Get("X-RateLimit-Limit"))
	if err != nil {
		limit = Unlimited
	}

	g.mu.Lock()
	g.lastRate = RateInfo{
		Limit:      limit,
		Remaining:  rem,
		Reset:      parseEpoch(h.Get("X-RateLimit-Reset")),
		ObservedAt: g.now(),
	}
	g.mu.Unlock()
	return rem
}

func parseRetryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

func parseEpoch(v string) time.Time {
	secs, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil || secs <= 0 {
		return time.Time{}
	}
	return time.Unix(secs, 0).UTC()
}

// resolveBranch returns branch, the configured branch, or the repository's
// default branch, in that order.
func (g *GitHub) resolveBranch(ctx context.Context, branch string) (string, error) {
	if branch != "" {
		return branch, nil
	}
	if g.cfg.Branch != "" {
		return g.cfg.Branch, nil
	}

	g.mu.Lock()
	if g.defaultBranch != "" && g.now().Sub(g.repoCachedAt) < repoInfoTTL {
		b := g.defaultBranch
		g.mu.Unlock()
		return b, nil
	}
	g.mu.Unlock()

	var repo struct {
		DefaultBranch string `json:"default_branch"`
	}
	if err := g.do(ctx, http.MethodGet, g.repoPath, nil, &repo); err != nil {
		return "", err
	}
	if repo.DefaultBranch == "" {
		repo.DefaultBranch = fallbackTrunk
	}

	g.mu.Lock()
	g.defaultBranch = repo.DefaultBranch
	g.repoCachedAt = g.now()
	g.mu.Unlock()
	return repo.DefaultBranch, nil
}

// HeadRevision returns the tip commit and tree of a branch.
func (g *GitHub) HeadRevision(ctx context.Context, branch string) (Head, error) {
	branch, err := g.resolveBranch(ctx, branch)
	if err != nil {
		return Head{}, err
	}

	var commit struct {
		SHA    string `json:"sha"`
		Commit struct {
			Tree struct {
				SHA string `json:"sha"`
			} `json:"tree"`
		} `json:"commit"`
	}
	if err := g.do(ctx, http.MethodGet, g.repoPath+"/commits/"+url.PathEscape(branch), nil, &commit); err != nil {
		// An empty repository answers 409.
		var re *Error
		if errors.As(err, &re) && re.StatusCode == http.StatusConflict {
			return Head{Branch: branch}, nil
		}
		return Head{}, err
	}
	return Head{Branch: branch, Revision: commit.SHA, TreeID: commit.Commit.Tree.SHA}, nil
}

// ListEntries returns the blobs under prefix from the recursive tree listing.
func (g *GitHub) ListEntries(ctx context.Context, branch, prefix string) ([]Entry, error) {
	branch, err := g.resolveBranch(ctx, branch)
	if err != nil {
		return nil, err
	}

	var tree struct {
		Tree []struct {
			Path string `json:"path"`
			Type string `json:"type"`
			SHA  string `json:"sha"`
		} `json:"tree"`
		Truncated bool `json:"truncated"`
	}
	if err := g.do(ctx, http.MethodGet, g.repoPath+"/git/trees/"+url.PathEscape(branch)+"?recursive=1", nil, &tree); err != nil {
		return nil, err
	}
	if tree.Truncated {
		return nil, &Error{Kind: KindOther, Op: "GET /git/trees/" + branch, Err: ErrTruncated}
	}

	var out []Entry
	for _, e := range tree.Tree {
		if e.Type != "blob" || e.Path == "" || e.SHA == "" || !strings.HasPrefix(e.Path, prefix) {
			continue
		}
		out = append(out, Entry{Path: e.Path, BlobID: e.SHA})
	}
	return out, nil
}

// ReadBlob fetches and decodes a blob.
func (g *GitHub) ReadBlob(ctx context.Context, blobID string) ([]byte, error) {
	var blob struct {
		Content  string `json:"content"`
		Encoding string `json:"encoding"`
	}
	if err := g.do(ctx, http.MethodGet, g.repoPath+"/git/blobs/"+url.PathEscape(blobID), nil, &blob); err != nil {
		return nil, err
	}
	if blob.Encoding != "base64" {
		return []byte(blob.Content), nil
	}

	data, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(blob.Content, "\n", ""))
	if err != nil {
		return nil, &Error{Kind: KindOther, Op: "decode blob " + blobID, Err: err}
	}
	return data, nil
}

// CommitFiles creates blobs, a tree on top of the current head, a commit and
// then moves the branch without forcing. When the branch moved in between,
// the whole sequence is retried once against the new head.
func (g *GitHub) CommitFiles(ctx context.Context, files []File, message string) (*CommitResult, error) {
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

func (g *GitHub) commitOnce(ctx context.Context, files []File, message string) (*CommitResult, error) {
	head, err := g.HeadRevision(ctx, "")
	if err != nil {
		return nil, err
	}

	type treeEntry struct {
		Path string `json:"path"`
		Mode string `json:"mode"`
		Type string `json:"type"`
		SHA  string `json:"sha"`
	}

	blobIDs := make(map[string]string, len(files))
	entries := make([]treeEntry, 0, len(files))
	for _, f := range files {
		var blob struct {
			SHA string `json:"sha"`
		}
		req := map[string]string{
			"content":  base64.StdEncoding.EncodeToString(f.Content),
			"encoding": "base64",
		}
		if err := g.do(ctx, http.MethodPost, g.repoPath+"/git/blobs", req, &blob); err != nil {
			return nil, err
		}
		blobIDs[f.Path] = blob.SHA
		entries = append(entries, treeEntry{Path: f.Path, Mode: fileMode, Type: "blob", SHA: blob.SHA})
	}

	treeReq := map[string]any{"tree": entries}
	if head.TreeID != "" {
		treeReq["base_tree"] = head.TreeID
	}
	var tree struct {
		SHA string `json:"sha"`
	}
	if err := g.do(ctx, http.MethodPost, g.repoPath+"/git/trees", treeReq, &tree); err != nil {
		return nil, err
	}

	parents := []string{}
	if head.Revision != "" {
		parents = append(parents, head.Revision)
	}
	var commit struct {
		SHA string `json:"sha"`
	}
	commitReq := map[string]any{"message": message, "tree": tree.SHA, "parents": parents}
	if err := g.do(ctx, http.MethodPost, g.repoPath+"/git/commits", commitReq, &commit); err != nil {
		return nil, err
	}

	if head.Revision == "" {
		refReq := map[string]any{"ref": "refs/heads/" + head.Branch, "sha": commit.SHA}
		err = g.do(ctx, http.MethodPost, g.repoPath+"/git/refs", refReq, nil)
	} else {
		refReq := map[string]any{"sha": commit.SHA, "force": false}
		err = g.do(ctx, http.MethodPatch, g.repoPath+"/git/refs/heads/"+url.PathEscape(head.Branch), refReq, nil)
	}
	if err != nil {
		// A non-fast-forward ref update is reported as 422.
		var re *Error
		if errors.As(err, &re) && re.StatusCode == http.StatusUnprocessableEntity {
			re.Kind = KindConflict
		}
		return nil, err
	}

	return &CommitResult{Branch: head.Branch, Revision: commit.SHA, BlobIDs: blobIDs}, nil
}

// CompareFileLimit is the most files the compare API lists. A response with
// that many files may be missing some.
const CompareFileLimit = 300

// Diff compares two commits.
func (g *GitHub) Diff(ctx context.Context, from, to string) (*DiffResult, error) {
	var cmp struct {
		Status string `json:"status"`
		Files  []struct {
			Filename string `json:"filename"`
			SHA      string `json:"sha"`
			Status   string `json:"status"`
		} `json:"files"`
	}
	path := g.repoPath + "/compare/" + url.PathEscape(from) + "..." + url.PathEscape(to)
	if err := g.do(ctx, http.MethodGet, path, nil, &cmp); err != nil {
		return nil, err
	}

	res := &DiffResult{Status: DiffStatus(cmp.Status), Truncated: len(cmp.Files) >= CompareFileLimit}
	for _, f := range cmp.Files {
		cf := ChangedFile{Path: f.Filename, BlobID: f.SHA, Status: githubFileStatus(f.Status)}
		if cf.Status == FileRemoved {
			cf.BlobID = ""
		}
		res.Files = append(res.Files, cf)
	}
	return res, nil
}

func githubFileStatus(s string) FileStatus {
	switch s {
	case "added", "copied":
		return FileAdded
	case "removed":
		return FileRemoved
	case "renamed":
		return FileRenamed
	default:
		return FileModified
	}
}

// RateBudget reads the core quota.
func (g *GitHub) RateBudget(ctx context.Context) (Budget, error) {
	var rl struct {
		Resources struct {
			Core struct {
				Limit     int   `json:"limit"`
				Remaining int   `json:"remaining"`
				Reset     int64 `json:"reset"`
			} `json:"core"`
		} `json:"resources"`
	}
	if err := g.do(ctx, http.MethodGet, "/rate_limit", nil, &rl); err != nil {
		return Budget{}, err
	}
	core := rl.Resources.Core
	b := Budget{Limit: core.Limit, Remaining: core.Remaining}
	if core.Reset > 0 {
		b.Reset = time.Unix(core.Reset, 0).UTC()
	}
	return b, nil
}
