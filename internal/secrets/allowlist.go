package secrets

import (
	"errors"
	"fmt"
	"io/fs"
	"regexp"

	"github.com/BurntSushi/toml"
)

// Allowlist holds path and content patterns that are never reported.
type Allowlist struct {
	Paths   []string // regexes matched against the file path
	Regexes []string // regexes matched against the secret
}

// Empty reports whether the allowlist has no patterns.
func (a *Allowlist) Empty() bool {
	return a == nil || (len(a.Paths) == 0 && len(a.Regexes) == 0)
}

// Merge returns the union of both allowlists.
func (a *Allowlist) Merge(other *Allowlist) *Allowlist {
	out := &Allowlist{}
	for _, src := range []*Allowlist{a, other} {
		if src == nil {
			continue
		}
		out.Paths = append(out.Paths, src.Paths...)
		out.Regexes = append(out.Regexes, src.Regexes...)
	}
	return out
}

// LoadAllowlist reads an allowlist file in the gitleaks layout:
//
//	[allowlist]
//	paths = ['''^tests/fixtures/''']
//	regexes = ['''EXAMPLE_KEY''']
//
// A missing file yields an empty allowlist.
func LoadAllowlist(path string) (*Allowlist, error) {
	if path == "" {
		return &Allowlist{}, nil
	}

	var doc struct {
		Allowlist struct {
			Paths   []string
			Regexes []string
		}
	}
	if _, err := toml.DecodeFile(path, &doc); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &Allowlist{}, nil
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidTOML, path, err)
	}

	allow := &Allowlist{Paths: doc.Allowlist.Paths, Regexes: doc.Allowlist.Regexes}
	if err := allow.validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return allow, nil
}

func (a *Allowlist) validate() error {
	for _, p := range a.Paths {
		if _, err := regexp.Compile(p); err != nil {
			return fmt.Errorf("%w: path pattern %q: %v", ErrInvalidRegex, p, err)
		}
	}
	for _, p := range a.Regexes {
		if _, err := regexp.Compile(p); err != nil {
			return fmt.Errorf("%w: content pattern %q: %v", ErrInvalidRegex, p, err)
		}
	}
	return nil
}
