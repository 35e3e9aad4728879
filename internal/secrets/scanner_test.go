package secrets

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const leakyJS = `
const apiKey = "sk-proj-abc123def456ghi789jkl012mno345pqr678stu901xyz"
`

const cleanPy = `
from fastapi import FastAPI

app = FastAPI()

@app.get("/api/health")
def health():
    return {"status": "ok"}
`

func TestScanner_CleanFiles(t *testing.T) {
	s, err := NewScanner(nil)
	require.NoError(t, err)

	findings, err := s.Scan([]File{{Path: "main.py", Content: cleanPy}})
	require.NoError(t, err)
	assert.Empty(t, findings)
}

func TestScanner_DetectsKey(t *testing.T) {
	s, err := NewScanner(nil)
	require.NoError(t, err)

	findings, err := s.Scan([]File{
		{Path: "main.py", Content: cleanPy},
		{Path: "static/app.js", Content: leakyJS},
	})
	require.NoError(t, err)
	require.NotEmpty(t, findings)
	assert.Equal(t, "static/app.js", findings[0].File)
	assert.NotContains(t, Summary(findings), "sk-proj", "summary must not leak the secret")
}

func TestScanner_Allowlist(t *testing.T) {
	t.Run("content pattern", func(t *testing.T) {
		s, err := NewScanner(&Allowlist{Regexes: []string{`sk-proj-abc123`}})
		require.NoError(t, err)
		findings, err := s.Scan([]File{{Path: "static/app.js", Content: leakyJS}})
		require.NoError(t, err)
		for _, f := range findings {
			assert.NotContains(t, f.Match, "sk-proj-abc123")
		}
	})

	t.Run("path pattern", func(t *testing.T) {
		s, err := NewScanner(&Allowlist{Paths: []string{`^fixtures/`}})
		require.NoError(t, err)
		findings, err := s.Scan([]File{{Path: "fixtures/app.js", Content: leakyJS}})
		require.NoError(t, err)
		assert.Empty(t, findings)
	})

	t.Run("invalid pattern", func(t *testing.T) {
		_, err := NewScanner(&Allowlist{Regexes: []string{`[unclosed`}})
		assert.ErrorIs(t, err, ErrInvalidRegex)
	})
}

func TestLoadAllowlist(t *testing.T) {
	dir := t.TempDir()

	t.Run("missing file", func(t *testing.T) {
		allow, err := LoadAllowlist(filepath.Join(dir, "nope.toml"))
		require.NoError(t, err)
		assert.True(t, allow.Empty())
	})

	t.Run("valid file", func(t *testing.T) {
		path := filepath.Join(dir, "allow.toml")
		require.NoError(t, os.WriteFile(path, []byte(`
[allowlist]
paths = ['''^tests/''']
regexes = ['''EXAMPLE_KEY''']
`), 0o600))

		allow, err := LoadAllowlist(path)
		require.NoError(t, err)
		assert.Equal(t, []string{`^tests/`}, allow.Paths)
		assert.Equal(t, []string{`EXAMPLE_KEY`}, allow.Regexes)
	})

	t.Run("invalid toml", func(t *testing.T) {
		path := filepath.Join(dir, "bad.toml")
		require.NoError(t, os.WriteFile(path, []byte("[allowlist\n"), 0o600))
		_, err := LoadAllowlist(path)
		assert.ErrorIs(t, err, ErrInvalidTOML)
	})

	t.Run("invalid regex", func(t *testing.T) {
		path := filepath.Join(dir, "regex.toml")
		require.NoError(t, os.WriteFile(path, []byte("[allowlist]\nregexes = ['''(''']\n"), 0o600))
		_, err := LoadAllowlist(path)
		assert.ErrorIs(t, err, ErrInvalidRegex)
	})
}

func TestAllowlist_Merge(t *testing.T) {
	a := &Allowlist{Paths: []string{"a"}}
	b := &Allowlist{Regexes: []string{"b"}}
	m := a.Merge(b)
	assert.Equal(t, []string{"a"}, m.Paths)
	assert.Equal(t, []string{"b"}, m.Regexes)
	assert.True(t, (*Allowlist)(nil).Empty())
	assert.False(t, m.Empty())
}
