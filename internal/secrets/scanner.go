// Package secrets keeps credentials out of released student repositories and
// out of run messages.
//
// Scanner runs the Gitleaks default rule set over staged files; a hit fails
// the deployment item. Scrub is a lightweight regex pass for free-form text
// such as error messages stored on runs and deployments.
package secrets

import (
	"fmt"
	"regexp"
	"sort"
	"sync"

	gitleaksConfig "github.com/zricethezav/gitleaks/v8/config"
	"github.com/zricethezav/gitleaks/v8/detect"
	gitleaksRegexp "github.com/zricethezav/gitleaks/v8/regexp"
)

// Finding is a detected secret. The secret value itself is never kept.
type Finding struct {
	File        string `json:"file"`
	RuleID      string `json:"rule_id"`
	Description string `json:"description"`
	Line        int    `json:"line"`
}

func (f Finding) String() string {
	return fmt.Sprintf("%s:%d (%s)", f.File, f.Line, f.RuleID)
}

// Scanner detects secrets in file contents.
type Scanner struct {
	// The detector accumulates findings internally and is not safe for concurrent scans.
	mu        sync.Mutex
	detector  *detect.Detector
	pathAllow []*regexp.Regexp
}

// NewScanner builds a scanner on the Gitleaks default configuration. allowlist may be nil.
func NewScanner(allowlist *Allowlist) (*Scanner, error) {
	detector, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("loading gitleaks rules: %w", err)
	}

	s := &Scanner{detector: detector}
	if allowlist != nil {
		s.pathAllow = make([]*regexp.Regexp, 0, len(allowlist.Paths))
		for _, p := range allowlist.Paths {
			s.pathAllow = append(s.pathAllow, regexp.MustCompile(p))
		}
		applyAllowlist(&detector.Config, allowlist)
	}
	return s, nil
}

// applyAllowlist merges content patterns into the Gitleaks config. Patterns
// are validated by LoadAllowlist before they get here.
func applyAllowlist(cfg *gitleaksConfig.Config, allowlist *Allowlist) {
	if len(allowlist.Regexes) == 0 {
		return
	}
	global := &gitleaksConfig.Allowlist{
		Description: "release allowlist",
	}
	for _, pattern := range allowlist.Regexes {
		global.Regexes = append(global.Regexes, (*gitleaksRegexp.Regexp)(regexp.MustCompile(pattern)))
	}
	global.StopWords = append(global.StopWords, allowlist.Regexes...)
	cfg.Allowlists = append(cfg.Allowlists, global)
}

func (s *Scanner) pathAllowed(path string) bool {
	for _, re := range s.pathAllow {
		if re.MatchString(path) {
			return true
		}
	}
	return false
}

// ScanFiles scans every file and returns the findings ordered by file and line.
func (s *Scanner) ScanFiles(files map[string][]byte) []Finding {
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Finding
	for _, name := range names {
		if s.pathAllowed(name) {
			continue
		}
		for _, f := range s.detector.DetectString(string(files[name])) {
			out = append(out, Finding{
				File:        name,
				RuleID:      f.RuleID,
				Description: f.Description,
				Line:        f.StartLine + 1,
			})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].File != out[j].File {
			return out[i].File < out[j].File
		}
		return out[i].Line < out[j].Line
	})
	return out
}
