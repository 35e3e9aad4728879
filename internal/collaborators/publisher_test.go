package collaborators

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport/client"
	"github.com/go-git/go-git/v5/plumbing/transport/server"
	"github.com/google/go-github/v57/github"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvdpsingh/DevPilot/internal/config"
	"github.com/nvdpsingh/DevPilot/internal/orchestrator"
)

func init() {
	// Serve file:// pushes in process so tests do not need a git binary.
	client.InstallProtocol("file", server.DefaultServer)
}

// localProject creates a repository with one commit.
func localProject(t *testing.T) orchestrator.FilesetRef {
	t.Helper()
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.py"), []byte("print('hi')\n"), 0o644))
	wt, err := repo.Worktree()
	require.NoError(t, err)
	_, err = wt.Add("main.py")
	require.NoError(t, err)
	hash, err := wt.Commit("build", &git.CommitOptions{
		Author: &object.Signature{Name: "devpilot", Email: "devpilot@localhost", When: time.Now()},
	})
	require.NoError(t, err)
	return orchestrator.FilesetRef{Dir: dir, Commit: hash.String(), Files: []string{"main.py"}}
}

// fakeGitHub serves the repository endpoints used by the Publisher. Clone
// URLs point at a local bare repository.
func fakeGitHub(t *testing.T, remote string, exists bool) *github.Client {
	t.Helper()
	repoJSON := func(w http.ResponseWriter, status int) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"name":      "todo-api",
			"full_name": "octo/todo-api",
			"html_url":  "https://github.com/octo/todo-api",
			"clone_url": remote,
		})
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/user/repos", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method", http.StatusMethodNotAllowed)
			return
		}
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "todo-api", body["name"])
		if exists {
			w.WriteHeader(http.StatusUnprocessableEntity)
			_, _ = w.Write([]byte(`{"message":"Repository creation failed.","errors":[{"message":"name already exists on this account"}]}`))
			return
		}
		repoJSON(w, http.StatusCreated)
	})
	mux.HandleFunc("/user", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"login":"octo"}`))
	})
	mux.HandleFunc("/repos/octo/todo-api", func(w http.ResponseWriter, _ *http.Request) {
		repoJSON(w, http.StatusOK)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	gh := github.NewClient(nil)
	base, err := url.Parse(srv.URL + "/")
	require.NoError(t, err)
	gh.BaseURL = base
	return gh
}

func newTestPublisher(t *testing.T, gh *github.Client) *Publisher {
	t.Helper()
	p, err := NewPublisher(context.Background(),
		config.PublisherConfig{Enabled: true, Token: config.Secret("ghp-test")},
		WithGitHubClient(gh))
	require.NoError(t, err)
	return p
}

func assertPushed(t *testing.T, remote string, fs orchestrator.FilesetRef) {
	t.Helper()
	src, err := git.PlainOpen(fs.Dir)
	require.NoError(t, err)
	head, err := src.Head()
	require.NoError(t, err)

	bare, err := git.PlainOpen(remote)
	require.NoError(t, err)
	ref, err := bare.Reference(head.Name(), true)
	require.NoError(t, err)
	assert.Equal(t, fs.Commit, ref.Hash().String())
}

func TestPublisher_CreatesAndPushes(t *testing.T) {
	remote := t.TempDir()
	_, err := git.PlainInit(remote, true)
	require.NoError(t, err)
	fs := localProject(t)

	p := newTestPublisher(t, fakeGitHub(t, remote, false))
	link, err := p.Publish(context.Background(), "todo-api", fs)
	require.NoError(t, err)
	assert.Equal(t, "https://github.com/octo/todo-api", link)
	assertPushed(t, remote, fs)

	// Publishing again is a no-op push.
	_, err = p.Publish(context.Background(), "todo-api", fs)
	require.NoError(t, err)
}

func TestPublisher_ReusesExistingRepository(t *testing.T) {
	remote := t.TempDir()
	_, err := git.PlainInit(remote, true)
	require.NoError(t, err)
	fs := localProject(t)

	p := newTestPublisher(t, fakeGitHub(t, remote, true))
	link, err := p.Publish(context.Background(), "todo-api", fs)
	require.NoError(t, err)
	assert.Equal(t, "https://github.com/octo/todo-api", link)
	assertPushed(t, remote, fs)
}

func TestNewPublisher_RequiresToken(t *testing.T) {
	_, err := NewPublisher(context.Background(), config.PublisherConfig{Enabled: true})
	assert.Error(t, err)
}

func TestGitHubError(t *testing.T) {
	base := errors.New("boom")
	resp := func(code int) *github.Response {
		return &github.Response{Response: &http.Response{StatusCode: code}}
	}

	assert.True(t, orchestrator.IsRetryable(githubError("op", nil, base)))
	assert.True(t, orchestrator.IsRetryable(githubError("op", resp(http.StatusTooManyRequests), base)))
	assert.True(t, orchestrator.IsRetryable(githubError("op", resp(http.StatusBadGateway), base)))
	assert.False(t, orchestrator.IsRetryable(githubError("op", resp(http.StatusUnauthorized), base)))
	assert.False(t, orchestrator.IsRetryable(githubError("op", resp(http.StatusNotFound), base)))
	assert.ErrorIs(t, githubError("op", resp(http.StatusNotFound), base), base)
}
