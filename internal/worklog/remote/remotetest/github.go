package remotetest

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/studiovibi/worklogs/internal/worklog/remote"
)

// Response is a canned reply served instead of the real handler.
type Response struct {
	// Match is a "METHOD /path" prefix; empty matches any request.
	Match   string
	Status  int
	Header  map[string]string
	Message string
}

// GitHubServer serves the subset of the GitHub REST API used by
// remote.GitHub on top of a Memory archive.
type GitHubServer struct {
	*httptest.Server
	Memory *Memory
	Owner  string
	Repo   string

	mu        sync.Mutex
	queued    []Response
	requests  []string
	header    http.Header
	limit     int
	remaining int
	reset     int64
	beforeRef func()
	treeLimit int
}

// NewGitHubServer starts a server for owner/repo, closed on test cleanup.
func NewGitHubServer(t testing.TB, m *Memory) *GitHubServer {
	t.Helper()
	s := &GitHubServer{Memory: m, Owner: "acme", Repo: "worklogs", limit: 5000, remaining: 5000, reset: 1893456000}

	mux := http.NewServeMux()
	repo := "/repos/{owner}/{repo}"
	mux.HandleFunc("GET "+repo, s.getRepo)
	mux.HandleFunc("GET "+repo+"/commits/{branch}", s.getCommit)
	mux.HandleFunc("POST "+repo+"/git/blobs", s.createBlob)
	mux.HandleFunc("GET "+repo+"/git/blobs/{sha}", s.getBlob)
	mux.HandleFunc("POST "+repo+"/git/trees", s.createTree)
	mux.HandleFunc("GET "+repo+"/git/trees/{branch}", s.getTree)
	mux.HandleFunc("POST "+repo+"/git/commits", s.createCommit)
	mux.HandleFunc("PATCH "+repo+"/git/refs/heads/{branch}", s.updateRef)
	mux.HandleFunc("POST "+repo+"/git/refs", s.createRef)
	mux.HandleFunc("GET "+repo+"/compare/{basehead}", s.compare)
	mux.HandleFunc("GET /rate_limit", s.rateLimit)

	s.Server = httptest.NewServer(s.middleware(mux))
	t.Cleanup(s.Close)
	return s
}

// ClientConfig returns a client configuration pointing at the server.
func (s *GitHubServer) ClientConfig() remote.GitHubConfig {
	return remote.GitHubConfig{Owner: s.Owner, Repo: s.Repo, Token: "test-token", APIURL: s.URL}
}

// SetTreeLimit caps recursive tree listings at n entries and marks longer
// ones truncated. Zero means no cap.
func (s *GitHubServer) SetTreeLimit(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.treeLimit = n
}

// Fail queues canned responses.
func (s *GitHubServer) Fail(resps ...Response) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queued = append(s.queued, resps...)
}

// SetRate sets the quota reported in headers and by /rate_limit.
func (s *GitHubServer) SetRate(limit, remaining int, reset int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.limit, s.remaining, s.reset = limit, remaining, reset
}

// BeforeRefUpdate runs fn once before the next ref update is applied.
func (s *GitHubServer) BeforeRefUpdate(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.beforeRef = fn
}

// Requests returns "METHOD /path" for every request received.
func (s *GitHubServer) Requests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.requests...)
}

// LastHeader returns the headers of the latest request.
func (s *GitHubServer) LastHeader() http.Header {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.header.Clone()
}

// Count returns how many requests started with prefix.
func (s *GitHubServer) Count(prefix string) int {
	n := 0
	for _, r := range s.Requests() {
		if strings.HasPrefix(r, prefix) {
			n++
		}
	}
	return n
}

func (s *GitHubServer) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Method + " " + r.URL.Path

		s.mu.Lock()
		s.requests = append(s.requests, key)
		s.header = r.Header.Clone()
		if s.remaining > 0 {
			s.remaining--
		}
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(s.limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(s.remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(s.reset, 10))
		var canned *Response
		for i, q := range s.queued {
			if q.Match == "" || strings.HasPrefix(key, q.Match) {
				canned = &q
				s.queued = append(s.queued[:i:i], s.queued[i+1:]...)
				break
			}
		}
		s.mu.Unlock()

		if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
			writeError(w, http.StatusUnauthorized, "Bad credentials")
			return
		}
		if canned != nil {
			for k, v := range canned.Header {
				w.Header().Set(k, v)
			}
			writeError(w, canned.Status, canned.Message)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"message": message})
}

func writeRemoteError(w http.ResponseWriter, err error) {
	var re *remote.Error
	switch {
	case errors.As(err, &re) && re.Kind == remote.KindNotFound:
		writeError(w, http.StatusNotFound, "Not Found")
	case errors.As(err, &re) && re.Kind == remote.KindConflict:
		writeError(w, http.StatusUnprocessableEntity, re.Message)
	default:
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	}
}

func (s *GitHubServer) getRepo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"full_name":      r.PathValue("owner") + "/" + r.PathValue("repo"),
		"default_branch": s.Memory.Branch(),
	})
}

func (s *GitHubServer) getCommit(w http.ResponseWriter, r *http.Request) {
	head, err := s.Memory.HeadRevision(r.Context(), r.PathValue("branch"))
	if err != nil {
		writeRemoteError(w, err)
		return
	}
	if head.Revision == "" {
		writeError(w, http.StatusConflict, "Git Repository is empty.")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sha":    head.Revision,
		"commit": map[string]any{"tree": map[string]string{"sha": head.TreeID}},
	})
}

func (s *GitHubServer) createBlob(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Content  string `json:"content"`
		Encoding string `json:"encoding"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Problems parsing JSON")
		return
	}
	data := []byte(req.Content)
	if req.Encoding == "base64" {
		var err error
		if data, err = base64.StdEncoding.DecodeString(req.Content); err != nil {
			writeError(w, http.StatusUnprocessableEntity, "invalid base64")
			return
		}
	}
	writeJSON(w, http.StatusCreated, map[string]string{"sha": s.Memory.PutBlob(data)})
}

func (s *GitHubServer) getBlob(w http.ResponseWriter, r *http.Request) {
	data, err := s.Memory.ReadBlob(r.Context(), r.PathValue("sha"))
	if err != nil {
		writeRemoteError(w, err)
		return
	}
	// GitHub wraps base64 content at 60 columns.
	enc := base64.StdEncoding.EncodeToString(data)
	var wrapped strings.Builder
	for len(enc) > 60 {
		wrapped.WriteString(enc[:60] + "\n")
		enc = enc[60:]
	}
	wrapped.WriteString(enc)
	writeJSON(w, http.StatusOK, map[string]any{
		"sha":      r.PathValue("sha"),
		"content":  wrapped.String(),
		"encoding": "base64",
		"size":     len(data),
	})
}

func (s *GitHubServer) createTree(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BaseTree string `json:"base_tree"`
		Tree     []struct {
			Path string `json:"path"`
			Mode string `json:"mode"`
			Type string `json:"type"`
			SHA  string `json:"sha"`
		} `json:"tree"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Problems parsing JSON")
		return
	}
	entries := make(map[string]string, len(req.Tree))
	for _, e := range req.Tree {
		entries[e.Path] = e.SHA
	}
	id, err := s.Memory.PutTree(req.BaseTree, entries)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"sha": id})
}

func (s *GitHubServer) getTree(w http.ResponseWriter, r *http.Request) {
	entries, err := s.Memory.ListEntries(r.Context(), r.PathValue("branch"), "")
	if err != nil {
		writeRemoteError(w, err)
		return
	}
	s.mu.Lock()
	limit := s.treeLimit
	s.mu.Unlock()
	truncated := limit > 0 && len(entries) > limit
	if truncated {
		entries = entries[:limit]
	}
	tree := make([]map[string]string, 0, len(entries))
	for _, e := range entries {
		tree = append(tree, map[string]string{"path": e.Path, "mode": "100644", "type": "blob", "sha": e.BlobID})
	}
	writeJSON(w, http.StatusOK, map[string]any{"tree": tree, "truncated": truncated})
}

func (s *GitHubServer) createCommit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Message string   `json:"message"`
		Tree    string   `json:"tree"`
		Parents []string `json:"parents"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Problems parsing JSON")
		return
	}
	parent := ""
	if len(req.Parents) > 0 {
		parent = req.Parents[0]
	}
	id, err := s.Memory.PutCommit(req.Tree, parent)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"sha": id})
}

func (s *GitHubServer) updateRef(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SHA   string `json:"sha"`
		Force bool   `json:"force"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Problems parsing JSON")
		return
	}

	s.mu.Lock()
	hook := s.beforeRef
	s.beforeRef = nil
	s.mu.Unlock()
	if hook != nil {
		hook()
	}

	if err := s.Memory.MoveBranch(req.SHA); err != nil {
		writeRemoteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ref":    "refs/heads/" + r.PathValue("branch"),
		"object": map[string]string{"sha": req.SHA, "type": "commit"},
	})
}

func (s *GitHubServer) createRef(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Ref string `json:"ref"`
		SHA string `json:"sha"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Problems parsing JSON")
		return
	}
	if head, _ := s.Memory.HeadRevision(r.Context(), ""); head.Revision != "" {
		writeError(w, http.StatusUnprocessableEntity, "Reference already exists")
		return
	}
	if err := s.Memory.MoveBranch(req.SHA); err != nil {
		writeRemoteError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"ref":    req.Ref,
		"object": map[string]string{"sha": req.SHA, "type": "commit"},
	})
}

func (s *GitHubServer) compare(w http.ResponseWriter, r *http.Request) {
	base, head, ok := strings.Cut(r.PathValue("basehead"), "...")
	if !ok {
		writeError(w, http.StatusNotFound, "Not Found")
		return
	}
	diff, err := s.Memory.Diff(r.Context(), base, head)
	if err != nil {
		writeRemoteError(w, err)
		return
	}
	changed := diff.Files
	if len(changed) > remote.CompareFileLimit {
		changed = changed[:remote.CompareFileLimit]
	}
	files := make([]map[string]string, 0, len(changed))
	for _, f := range changed {
		files = append(files, map[string]string{"filename": f.Path, "sha": f.BlobID, "status": string(f.Status)})
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": string(diff.Status), "files": files})
}

func (s *GitHubServer) rateLimit(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	core := map[string]any{"limit": s.limit, "remaining": s.remaining, "reset": s.reset}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"resources": map[string]any{"core": core}})
}
