package utils

import (
	"path/filepath"
	"regexp"
	"strings"
)

const regexPrefix = "re:"

// PatternMatcher filters scan candidates. Plain patterns are globs matched
// against the base name; patterns prefixed with "re:" are regular expressions
// matched against the full path.
type PatternMatcher struct {
	includeGlobs []string
	includeRegex []*regexp.Regexp
	excludeGlobs []string
	excludeRegex []*regexp.Regexp
}

func NewPatternMatcher(includePatterns, excludePatterns []string) (*PatternMatcher, error) {
	m := &PatternMatcher{}
	var err error
	if m.includeGlobs, m.includeRegex, err = compilePatterns(includePatterns); err != nil {
		return nil, err
	}
	if m.excludeGlobs, m.excludeRegex, err = compilePatterns(excludePatterns); err != nil {
		return nil, err
	}
	return m, nil
}

// ShouldInclude decides whether a file is scanned.
func (m *PatternMatcher) ShouldInclude(path string) bool {
	if m == nil {
		return true
	}
	if (len(m.includeGlobs) > 0 || len(m.includeRegex) > 0) && !matches(path, m.includeGlobs, m.includeRegex) {
		return false
	}
	return !m.excluded(path)
}

// ShouldDescend decides whether a directory is entered. Include patterns
// only apply to files, so a directory is pruned only by an exclude match.
func (m *PatternMatcher) ShouldDescend(path string) bool {
	if m == nil {
		return true
	}
	return !m.excluded(path)
}

func (m *PatternMatcher) excluded(path string) bool {
	return (len(m.excludeGlobs) > 0 || len(m.excludeRegex) > 0) && matches(path, m.excludeGlobs, m.excludeRegex)
}

func matches(path string, globs []string, regexes []*regexp.Regexp) bool {
	base := filepath.Base(path)
	for _, pattern := range globs {
		if matched, _ := filepath.Match(pattern, base); matched {
			return true
		}
	}
	for _, re := range regexes {
		if re.MatchString(path) {
			return true
		}
	}
	return false
}

func compilePatterns(patterns []string) ([]string, []*regexp.Regexp, error) {
	var globs []string
	var regexes []*regexp.Regexp
	for _, pattern := range patterns {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		if expr, ok := strings.CutPrefix(pattern, regexPrefix); ok {
			re, err := regexp.Compile(expr)
			if err != nil {
				return nil, nil, err
			}
			regexes = append(regexes, re)
			continue
		}
		if _, err := filepath.Match(pattern, ""); err != nil {
			return nil, nil, err
		}
		globs = append(globs, pattern)
	}
	return globs, regexes, nil
}
