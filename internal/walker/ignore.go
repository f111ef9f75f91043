package walker

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
)

// IgnoreSpec holds the parsed patterns from an ignore file: newline-separated,
// "#" comments, blank lines skipped, no negation.
type IgnoreSpec struct {
	patterns []string
}

// LoadIgnoreFile reads and parses an ignore file at path. A missing file
// yields an empty, always-non-matching spec, matching the common case of a
// tree with no ignore file at all.
func LoadIgnoreFile(ignorePath string) (*IgnoreSpec, error) {
	f, err := os.Open(ignorePath)
	if err != nil {
		if os.IsNotExist(err) {
			return &IgnoreSpec{}, nil
		}
		return nil, fmt.Errorf("open ignore file: %w", err)
	}
	defer f.Close()
	return ParseIgnore(f)
}

// ParseIgnore parses an ignore file's contents from r.
func ParseIgnore(r io.Reader) (*IgnoreSpec, error) {
	spec := &IgnoreSpec{}
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		spec.patterns = append(spec.patterns, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan ignore file: %w", err)
	}
	return spec, nil
}

// Match reports whether relPath (forward-slash, relative to the walk root,
// no leading slash) is excluded by any pattern.
//
// A pattern with no "/" matches any basename; a pattern with "/" matches
// the full relative path. "*" matches any run of non-slash bytes.
func (s *IgnoreSpec) Match(relPath string) bool {
	if s == nil {
		return false
	}
	base := path.Base(relPath)
	for _, pat := range s.patterns {
		var target, glob string
		if strings.Contains(pat, "/") {
			target, glob = relPath, strings.TrimPrefix(pat, "/")
		} else {
			target, glob = base, pat
		}
		if ok, _ := path.Match(glob, target); ok {
			return true
		}
	}
	return false
}
