package collaborators

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvdpsingh/DevPilot/internal/orchestrator"
	"github.com/nvdpsingh/DevPilot/internal/secrets"
)

func filesReply(t *testing.T, files ...GeneratedFile) string {
	t.Helper()
	data, err := json.Marshal(map[string]any{"files": files})
	require.NoError(t, err)
	return string(data)
}

// writePlan stores a plan document and returns its reference.
func writePlan(t *testing.T) orchestrator.PlanRef {
	t.Helper()
	llm, _ := newFakeLLM(todoPlanReply)
	ref, err := NewPlanner(llm, t.TempDir(), WithClock(fixedClock)).Plan(context.Background(), "todo-api", "build a todo API")
	require.NoError(t, err)
	return ref
}

var (
	mainPy = GeneratedFile{Path: "main.py", Content: "import os\nprint(os.environ['PORT'])\n"}
	reqTxt = GeneratedFile{Path: "requirements.txt", Content: "fastapi\nuvicorn\n"}
)

func TestCoder_BuildWritesAndCommits(t *testing.T) {
	ref := writePlan(t)
	llm, model := newFakeLLM(filesReply(t, mainPy, reqTxt))
	c := NewCoder(llm, t.TempDir(), WithAuthor("tester", "tester@example.com"))

	fs, err := c.Build(context.Background(), "todo-api", ref, nil)
	require.NoError(t, err)

	assert.Equal(t, c.ProjectDir("todo-api"), fs.Dir)
	assert.Equal(t, []string{"main.py", "requirements.txt"}, fs.Files)
	require.Len(t, fs.Commit, 40)
	assert.Contains(t, model.lastPrompt(), ref.ID)

	data, err := os.ReadFile(filepath.Join(fs.Dir, "main.py"))
	require.NoError(t, err)
	assert.Equal(t, mainPy.Content, string(data))

	repo, err := git.PlainOpen(fs.Dir)
	require.NoError(t, err)
	head, err := repo.Head()
	require.NoError(t, err)
	assert.Equal(t, fs.Commit, head.Hash().String())

	commit, err := repo.CommitObject(head.Hash())
	require.NoError(t, err)
	assert.Equal(t, "tester", commit.Author.Name)
}

func TestCoder_CancelledAfterReplyWritesNothing(t *testing.T) {
	ref := writePlan(t)
	llm, model := newFakeLLM(filesReply(t, mainPy, reqTxt))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	model.onReply = cancel
	c := NewCoder(llm, t.TempDir())

	_, err := c.Build(ctx, "todo-api", ref, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)

	_, err = os.Stat(c.ProjectDir("todo-api"))
	assert.True(t, os.IsNotExist(err), "project directory must not be created")
}

func TestCoder_SameProjectBuildsDoNotInterleave(t *testing.T) {
	c := NewCoder(nil, t.TempDir())

	unlock := c.lockProject("todo-api")
	acquired := make(chan struct{})
	go func() {
		release := c.lockProject("todo-api")
		close(acquired)
		release()
	}()

	select {
	case <-acquired:
		t.Fatal("second build entered the project while the first held it")
	case <-time.After(50 * time.Millisecond):
	}
	unlock()
	select {
	case <-acquired:
	case <-time.After(5 * time.Second):
		t.Fatal("second build never acquired the project")
	}

	other := c.lockProject("blog")
	other()
}

func TestCoder_FixIncludesFeedbackAndCurrentFiles(t *testing.T) {
	ref := writePlan(t)
	fixed := GeneratedFile{Path: "main.py", Content: "import os\n# handles /api/todos\n"}
	llm, model := newFakeLLM(filesReply(t, mainPy, reqTxt), filesReply(t, fixed))
	c := NewCoder(llm, t.TempDir())
	ctx := context.Background()

	first, err := c.Build(ctx, "todo-api", ref, nil)
	require.NoError(t, err)

	second, err := c.Build(ctx, "todo-api", ref, []string{"GET /api/todos returned 404"})
	require.NoError(t, err)

	prompt := model.lastPrompt()
	assert.Contains(t, prompt, "GET /api/todos returned 404")
	assert.Contains(t, prompt, "--- main.py ---")
	assert.Contains(t, prompt, "fastapi")

	assert.NotEqual(t, first.Commit, second.Commit)
	assert.Equal(t, []string{"main.py"}, second.Files)

	// Files not returned by the fix stay in place.
	_, err = os.Stat(filepath.Join(second.Dir, "requirements.txt"))
	assert.NoError(t, err)
}

func TestCoder_UnchangedBuildReusesCommit(t *testing.T) {
	ref := writePlan(t)
	llm, _ := newFakeLLM(filesReply(t, mainPy))
	c := NewCoder(llm, t.TempDir())

	first, err := c.Build(context.Background(), "todo-api", ref, nil)
	require.NoError(t, err)
	second, err := c.Build(context.Background(), "todo-api", ref, nil)
	require.NoError(t, err)
	assert.Equal(t, first.Commit, second.Commit)
}

func TestCoder_PolicyViolationsAreFatal(t *testing.T) {
	ref := writePlan(t)
	tests := []struct {
		name string
		file GeneratedFile
	}{
		{"parent escape", GeneratedFile{Path: "../evil.py", Content: "x"}},
		{"nested escape", GeneratedFile{Path: "app/../../evil.py", Content: "x"}},
		{"absolute", GeneratedFile{Path: "/etc/passwd.txt", Content: "x"}},
		{"git metadata", GeneratedFile{Path: ".git/config.toml", Content: "x"}},
		{"binary type", GeneratedFile{Path: "payload.exe", Content: "x"}},
		{"backslash", GeneratedFile{Path: `app\main.py`, Content: "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			llm, _ := newFakeLLM(filesReply(t, mainPy, tt.file))
			_, err := NewCoder(llm, dir).Build(context.Background(), "todo-api", ref, nil)
			require.ErrorIs(t, err, ErrPathPolicy)
			assert.False(t, orchestrator.IsRetryable(err))

			_, statErr := os.Stat(filepath.Join(dir, "todo-api", "main.py"))
			assert.True(t, os.IsNotExist(statErr), "nothing is written when the policy fails")
		})
	}
}

func TestCoder_SecretIsFatal(t *testing.T) {
	ref := writePlan(t)
	scanner, err := secrets.NewScanner(nil)
	require.NoError(t, err)

	leaky := GeneratedFile{
		Path:    "static/app.js",
		Content: "const apiKey = \"sk-proj-abc123def456ghi789jkl012mno345pqr678stu901xyz\"\n",
	}
	llm, _ := newFakeLLM(filesReply(t, mainPy, leaky))
	dir := t.TempDir()

	_, err = NewCoder(llm, dir, WithScanner(scanner)).Build(context.Background(), "todo-api", ref, nil)
	require.ErrorIs(t, err, ErrSecretDetected)
	assert.NotContains(t, err.Error(), "sk-proj")
	assert.NoDirExists(t, filepath.Join(dir, "todo-api"))
}

func TestCoder_MalformedReply(t *testing.T) {
	ref := writePlan(t)
	for _, reply := range []string{"sorry", `{"files": []}`, `{"files": "main.py"}`} {
		llm, _ := newFakeLLM(reply)
		_, err := NewCoder(llm, t.TempDir()).Build(context.Background(), "todo-api", ref, nil)
		assert.ErrorIs(t, err, ErrMalformedResponse, reply)
	}
}

func TestCheckPath(t *testing.T) {
	ok := []string{"main.py", "app/routes.py", "./tests/test_api.py", "Dockerfile", ".gitignore", "README.MD"}
	for _, p := range ok {
		_, err := checkPath(p)
		assert.NoError(t, err, p)
	}
	clean, err := checkPath("./app//main.py")
	require.NoError(t, err)
	assert.Equal(t, "app/main.py", clean)

	bad := []string{"", ".", "..", "../x.py", "/abs.py", "a/.git/HEAD.txt", "run.bin", "x\x00.py"}
	for _, p := range bad {
		_, err := checkPath(p)
		assert.ErrorIs(t, err, ErrPathPolicy, p)
	}
}
