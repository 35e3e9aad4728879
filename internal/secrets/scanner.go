package secrets

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	gitleaksConfig "github.com/zricethezav/gitleaks/v8/config"
	"github.com/zricethezav/gitleaks/v8/detect"
	gitleaksRegexp "github.com/zricethezav/gitleaks/v8/regexp"
)

// Finding is a detected secret with its location. Match holds the raw
// secret and must never be logged; use String.
type Finding struct {
	File     string
	RuleID   string
	RuleDesc string
	Line     int
	StartCol int
	EndCol   int
	Match    string
}

// String describes the finding without the secret itself.
func (f Finding) String() string {
	return fmt.Sprintf("%s:%d %s", f.File, f.Line, f.RuleID)
}

// File is one named blob of content to scan.
type File struct {
	Path    string
	Content string
}

// Scanner runs the default gitleaks rules plus an allowlist over files.
type Scanner struct {
	allow *Allowlist
	paths []*regexp.Regexp
}

// NewScanner validates the allowlist and returns a Scanner. A nil allowlist
// is allowed.
func NewScanner(allow *Allowlist) (*Scanner, error) {
	if allow == nil {
		allow = &Allowlist{}
	}
	if err := allow.validate(); err != nil {
		return nil, err
	}
	s := &Scanner{allow: allow}
	for _, p := range allow.Paths {
		s.paths = append(s.paths, regexp.MustCompile(p))
	}
	return s, nil
}

// Scan checks every file and returns findings ordered by file and line.
func (s *Scanner) Scan(files []File) ([]Finding, error) {
	// Detectors accumulate findings internally, so each scan gets its own.
	detector, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("load gitleaks rules: %w", err)
	}
	if !s.allow.Empty() {
		applyAllowlist(&detector.Config, s.allow)
	}

	var findings []Finding
	for _, f := range files {
		if s.skipPath(f.Path) {
			continue
		}
		for _, gf := range detector.DetectString(f.Content) {
			findings = append(findings, Finding{
				File:     f.Path,
				RuleID:   gf.RuleID,
				RuleDesc: gf.Description,
				Line:     gf.StartLine,
				StartCol: gf.StartColumn,
				EndCol:   gf.EndColumn,
				Match:    gf.Secret,
			})
		}
	}

	sort.SliceStable(findings, func(i, j int) bool {
		if findings[i].File != findings[j].File {
			return findings[i].File < findings[j].File
		}
		return findings[i].Line < findings[j].Line
	})
	return findings, nil
}

func (s *Scanner) skipPath(path string) bool {
	for _, re := range s.paths {
		if re.MatchString(path) {
			return true
		}
	}
	return false
}

// Summary joins findings into a single redacted line.
func Summary(findings []Finding) string {
	parts := make([]string, 0, len(findings))
	for _, f := range findings {
		parts = append(parts, f.String())
	}
	return strings.Join(parts, ", ")
}

// applyAllowlist adds content patterns as a global gitleaks allowlist.
// Patterns are validated by NewScanner.
func applyAllowlist(cfg *gitleaksConfig.Config, allow *Allowlist) {
	global := &gitleaksConfig.Allowlist{
		Description: "devpilot allowlist",
	}
	for _, p := range allow.Regexes {
		global.Regexes = append(global.Regexes, gitleaksRegexp.MustCompile(p))
	}
	cfg.Allowlists = append(cfg.Allowlists, global)
}
