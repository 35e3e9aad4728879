package collaborators

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"go.uber.org/zap"

	"github.com/nvdpsingh/DevPilot/internal/logging"
	"github.com/nvdpsingh/DevPilot/internal/orchestrator"
	"github.com/nvdpsingh/DevPilot/internal/secrets"
)

var (
	// ErrPathPolicy is returned when the model proposes a file outside the
	// project or of a disallowed type.
	ErrPathPolicy = errors.New("generated file violates path policy")

	// ErrSecretDetected is returned when generated content contains a credential.
	ErrSecretDetected = errors.New("generated code contains a secret")
)

const (
	maxGeneratedFiles = 64
	maxFileBytes      = 256 << 10
	maxContextBytes   = 64 << 10
)

var allowedExtensions = map[string]bool{
	".py": true, ".txt": true, ".md": true, ".json": true, ".toml": true,
	".yaml": true, ".yml": true, ".cfg": true, ".ini": true, ".html": true,
	".css": true, ".js": true, ".ts": true, ".sql": true, ".sh": true,
}

var allowedNames = map[string]bool{
	"Dockerfile": true, "Procfile": true, "Makefile": true, ".gitignore": true,
}

const coderSystemPrompt = `You are an expert Python developer. Implement the project plan you are
given as a FastAPI service.

Reply with a single JSON object and nothing else:
{"files": [{"path": "main.py", "content": "<full file content>"}, ...]}

Rules:
- paths are relative to the project root and use forward slashes
- main.py starts the server with uvicorn on the port from the PORT environment variable
- GET /api/health returns HTTP 200
- never embed credentials or API keys; read them from the environment`

// GeneratedFile is one file returned by the model.
type GeneratedFile struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// Coder turns plans into files on disk, versioned in a git repository per
// project.
type Coder struct {
	llm     *LLM
	dir     string
	scanner *secrets.Scanner
	author  object.Signature
	logger  *logging.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// CoderOption configures a Coder.
type CoderOption func(*Coder)

// WithCoderLogger sets the coder logger.
func WithCoderLogger(l *logging.Logger) CoderOption {
	return func(c *Coder) { c.logger = l }
}

// WithScanner enables secret scanning of generated files.
func WithScanner(s *secrets.Scanner) CoderOption {
	return func(c *Coder) { c.scanner = s }
}

// WithAuthor sets the commit author.
func WithAuthor(name, email string) CoderOption {
	return func(c *Coder) { c.author = object.Signature{Name: name, Email: email} }
}

// NewCoder creates a Coder writing projects under dir.
func NewCoder(llm *LLM, dir string, opts ...CoderOption) *Coder {
	c := &Coder{
		llm:    llm,
		dir:    dir,
		author: object.Signature{Name: "devpilot", Email: "devpilot@localhost"},
		logger: logging.NewNop(),
		locks:  make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ProjectDir returns the directory holding a project's files.
func (c *Coder) ProjectDir(name string) string {
	return filepath.Join(c.dir, name)
}

// Build implements orchestrator.Coder.
func (c *Coder) Build(ctx context.Context, name string, ref orchestrator.PlanRef, feedback []string) (orchestrator.FilesetRef, error) {
	plan, err := LoadPlan(ref.Path)
	if err != nil {
		return orchestrator.FilesetRef{}, err
	}
	dir := c.ProjectDir(name)

	prompt, err := c.prompt(plan, dir, feedback)
	if err != nil {
		return orchestrator.FilesetRef{}, err
	}
	reply, err := c.llm.Complete(ctx, coderSystemPrompt, prompt)
	if err != nil {
		return orchestrator.FilesetRef{}, err
	}
	files, err := parseFiles(reply)
	if err != nil {
		return orchestrator.FilesetRef{}, err
	}
	if err := c.scan(ctx, files); err != nil {
		return orchestrator.FilesetRef{}, err
	}

	// An attempt abandoned by its caller must not touch the directory once
	// a newer attempt owns it.
	unlock := c.lockProject(name)
	defer unlock()
	if err := ctx.Err(); err != nil {
		return orchestrator.FilesetRef{}, fmt.Errorf("build %s: %w", name, err)
	}
	if err := writeFiles(dir, files); err != nil {
		return orchestrator.FilesetRef{}, err
	}

	msg := fmt.Sprintf("build %s from %s", name, plan.PlanID)
	if len(feedback) > 0 {
		msg = fmt.Sprintf("fix %s: %d findings", name, len(feedback))
	}
	hash, err := c.commit(dir, files, msg)
	if err != nil {
		return orchestrator.FilesetRef{}, err
	}

	paths := make([]string, 0, len(files))
	for _, f := range files {
		paths = append(paths, f.Path)
	}
	sort.Strings(paths)

	c.logger.Info(ctx, "fileset written",
		zap.String("dir", dir),
		zap.String("commit", hash),
		zap.Int("files", len(paths)),
		zap.Bool("fix", len(feedback) > 0),
	)
	return orchestrator.FilesetRef{Dir: dir, Commit: hash, Files: paths}, nil
}

func (c *Coder) lockProject(name string) func() {
	c.mu.Lock()
	l, ok := c.locks[name]
	if !ok {
		l = &sync.Mutex{}
		c.locks[name] = l
	}
	c.mu.Unlock()
	l.Lock()
	return l.Unlock
}

func (c *Coder) prompt(plan *Plan, dir string, feedback []string) (string, error) {
	planJSON, err := json.MarshalIndent(plan, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode plan: %w", err)
	}

	var b strings.Builder
	b.WriteString("Project plan:\n")
	b.Write(planJSON)
	b.WriteString("\n")

	if len(feedback) == 0 {
		return b.String(), nil
	}

	b.WriteString("\nThe previous version failed its tests:\n")
	for _, f := range feedback {
		b.WriteString("- ")
		b.WriteString(f)
		b.WriteString("\n")
	}
	current, err := readProject(dir, maxContextBytes)
	if err != nil {
		return "", err
	}
	if len(current) > 0 {
		b.WriteString("\nCurrent files:\n")
		for _, f := range current {
			fmt.Fprintf(&b, "--- %s ---\n%s\n", f.Path, f.Content)
		}
	}
	b.WriteString("\nReturn every file that must change to fix these findings.\n")
	return b.String(), nil
}

func (c *Coder) scan(ctx context.Context, files []GeneratedFile) error {
	if c.scanner == nil {
		return nil
	}
	blobs := make([]secrets.File, 0, len(files))
	for _, f := range files {
		blobs = append(blobs, secrets.File{Path: f.Path, Content: f.Content})
	}
	findings, err := c.scanner.Scan(blobs)
	if err != nil {
		return fmt.Errorf("secret scan: %w", err)
	}
	if len(findings) > 0 {
		c.logger.Warn(ctx, "secret detected in generated code",
			zap.Int("findings", len(findings)),
			zap.String("locations", secrets.Summary(findings)),
		)
		return fmt.Errorf("%w: %s", ErrSecretDetected, secrets.Summary(findings))
	}
	return nil
}

func (c *Coder) commit(dir string, files []GeneratedFile, msg string) (string, error) {
	repo, err := git.PlainOpen(dir)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		repo, err = git.PlainInit(dir, false)
	}
	if err != nil {
		return "", fmt.Errorf("open repository: %w", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("worktree: %w", err)
	}
	for _, f := range files {
		if _, err := wt.Add(f.Path); err != nil {
			return "", fmt.Errorf("stage %s: %w", f.Path, err)
		}
	}

	author := c.author
	author.When = time.Now()
	hash, err := wt.Commit(msg, &git.CommitOptions{Author: &author})
	if errors.Is(err, git.ErrEmptyCommit) {
		head, herr := repo.Head()
		if herr != nil {
			return "", fmt.Errorf("resolve head: %w", herr)
		}
		return head.Hash().String(), nil
	}
	if err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	return hash.String(), nil
}

// parseFiles decodes and validates the model's file list.
func parseFiles(reply string) ([]GeneratedFile, error) {
	raw, err := extractJSON(reply)
	if err != nil {
		return nil, err
	}
	var doc struct {
		Files []GeneratedFile `json:"files"`
	}
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if len(doc.Files) == 0 {
		return nil, fmt.Errorf("%w: no files returned", ErrMalformedResponse)
	}
	if len(doc.Files) > maxGeneratedFiles {
		return nil, fmt.Errorf("%w: %d files exceeds limit of %d", ErrPathPolicy, len(doc.Files), maxGeneratedFiles)
	}

	seen := make(map[string]bool, len(doc.Files))
	for i := range doc.Files {
		clean, err := checkPath(doc.Files[i].Path)
		if err != nil {
			return nil, err
		}
		if seen[clean] {
			return nil, fmt.Errorf("%w: duplicate path %q", ErrPathPolicy, clean)
		}
		if len(doc.Files[i].Content) > maxFileBytes {
			return nil, fmt.Errorf("%w: %s is larger than %d bytes", ErrPathPolicy, clean, maxFileBytes)
		}
		seen[clean] = true
		doc.Files[i].Path = clean
	}
	return doc.Files, nil
}

// checkPath enforces relative, slash-separated paths inside the project
// with an allowed file type.
func checkPath(p string) (string, error) {
	if p == "" || strings.ContainsRune(p, '\\') || strings.ContainsRune(p, 0) {
		return "", fmt.Errorf("%w: invalid path %q", ErrPathPolicy, p)
	}
	if path.IsAbs(p) || filepath.IsAbs(p) || filepath.VolumeName(p) != "" {
		return "", fmt.Errorf("%w: absolute path %q", ErrPathPolicy, p)
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return "", fmt.Errorf("%w: path %q escapes the project", ErrPathPolicy, p)
		}
		if seg == ".git" {
			return "", fmt.Errorf("%w: path %q touches repository metadata", ErrPathPolicy, p)
		}
	}
	clean := path.Clean(p)
	if clean == "." {
		return "", fmt.Errorf("%w: invalid path %q", ErrPathPolicy, p)
	}
	base := path.Base(clean)
	if !allowedNames[base] && !allowedExtensions[strings.ToLower(path.Ext(base))] {
		return "", fmt.Errorf("%w: file type of %q is not allowed", ErrPathPolicy, p)
	}
	return clean, nil
}

func writeFiles(dir string, files []GeneratedFile) error {
	for _, f := range files {
		target := filepath.Join(dir, filepath.FromSlash(f.Path))
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("create directory for %s: %w", f.Path, err)
		}
		if err := os.WriteFile(target, []byte(f.Content), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", f.Path, err)
		}
	}
	return nil
}

// readProject loads existing project files, skipping git metadata, up to
// limit bytes in total.
func readProject(dir string, limit int) ([]GeneratedFile, error) {
	var out []GeneratedFile
	total := 0
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return fs.SkipAll
			}
			return err
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return fs.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if _, err := checkPath(rel); err != nil {
			return nil
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		if total+len(data) > limit {
			return fs.SkipAll
		}
		total += len(data)
		out = append(out, GeneratedFile{Path: rel, Content: string(data)})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read project files: %w", err)
	}
	return out, nil
}
