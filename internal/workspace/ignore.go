package workspace

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
)

// IgnoreRules is a minimal .gitignore-style matcher: plain names, "*"
// globs, "**" any-depth globs, a trailing "/" to mean "directory only",
// and a leading "!" to re-include a path an earlier rule excluded. It is
// not a full gitignore implementation, but covers the patterns build
// trees actually use to exclude build artifacts from a project copy.
type IgnoreRules struct {
	patterns []pattern
}

type pattern struct {
	glob      string
	negate    bool
	dirOnly   bool
}

// LoadIgnoreFile reads ignore rules from path. A missing file yields an
// empty rule set, not an error, since many projects have no ignore file.
func LoadIgnoreFile(path string) (*IgnoreRules, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &IgnoreRules{}, nil
		}
		return nil, err
	}
	defer f.Close()

	var rules IgnoreRules
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		p := pattern{}
		if strings.HasPrefix(line, "!") {
			p.negate = true
			line = line[1:]
		}
		if strings.HasSuffix(line, "/") {
			p.dirOnly = true
			line = strings.TrimSuffix(line, "/")
		}
		p.glob = line
		rules.patterns = append(rules.patterns, p)
	}
	return &rules, scanner.Err()
}

// Excluded reports whether relPath (slash-separated, relative to the
// project root) should be skipped when copying, given isDir.
func (r *IgnoreRules) Excluded(relPath string, isDir bool) bool {
	if r == nil {
		return false
	}
	excluded := false
	base := filepath.Base(relPath)
	for _, p := range r.patterns {
		if p.dirOnly && !isDir {
			continue
		}
		if matches(p.glob, relPath) || matches(p.glob, base) {
			excluded = !p.negate
		}
	}
	return excluded
}

func matches(glob, name string) bool {
	if strings.Contains(glob, "**") {
		trimmed := strings.ReplaceAll(glob, "**/", "")
		trimmed = strings.ReplaceAll(trimmed, "**", "*")
		ok, _ := filepath.Match(trimmed, filepath.Base(name))
		return ok
	}
	ok, _ := filepath.Match(glob, name)
	return ok
}
