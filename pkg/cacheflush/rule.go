// Package cacheflush implements CDN edge cache invalidation for
// committed publish paths.
//
// A Flusher expands committed paths through configured aliases, selects
// the paths each Rule applies to, renders the rule's URL/ARL templates
// and submits the result to the cache flush vendor.
package cacheflush

import (
	"errors"
	"regexp"
	"strings"
)

// Rule decides which paths are flushed and how their cache keys are
// formed.
//
// A path matches the rule iff it matches at least one include pattern
// and no exclude pattern. Patterns are non-anchored regular expressions
// evaluated against the leading-slash form of the path.
type Rule struct {
	name      string
	templates []string
	includes  []*regexp.Regexp
	excludes  []*regexp.Regexp
}

// RuleConfig configures a Rule.
type RuleConfig struct {
	// Name of this rule (from the config file).
	Name string

	// Templates are URL or ARL templates. Each may contain {ttl} and
	// {path} placeholders; when {path} is absent the path is appended.
	Templates []string

	// Includes are patterns a path must match (at least one).
	Includes []string

	// Excludes are patterns a path must not match (any).
	Excludes []string
}

// ErrNoIncludes is returned when a rule has no include patterns.
var ErrNoIncludes = errors.New("at least one include pattern is required")

// PatternError wraps pattern compilation failures with context.
type PatternError struct {
	Pattern string
	Err     error
}

func (e *PatternError) Error() string {
	return "pattern " + e.Pattern + ": " + e.Err.Error()
}

func (e *PatternError) Unwrap() error {
	return e.Err
}

// NewRule compiles a Rule from the given configuration.
func NewRule(cfg RuleConfig) (Rule, error) {
	if len(cfg.Includes) == 0 {
		return Rule{}, ErrNoIncludes
	}

	includes := make([]*regexp.Regexp, 0, len(cfg.Includes))
	for _, raw := range cfg.Includes {
		re, err := regexp.Compile(raw)
		if err != nil {
			return Rule{}, &PatternError{Pattern: raw, Err: err}
		}
		includes = append(includes, re)
	}

	excludes := make([]*regexp.Regexp, 0, len(cfg.Excludes))
	for _, raw := range cfg.Excludes {
		re, err := regexp.Compile(raw)
		if err != nil {
			return Rule{}, &PatternError{Pattern: raw, Err: err}
		}
		excludes = append(excludes, re)
	}

	return Rule{
		name:      cfg.Name,
		templates: cfg.Templates,
		includes:  includes,
		excludes:  excludes,
	}, nil
}

// Name returns the rule's configured name.
func (r *Rule) Name() string {
	return r.name
}

// Templates returns the rule's URL/ARL templates.
func (r *Rule) Templates() []string {
	return r.templates
}

// Matches reports whether this rule applies to the given path.
//
// Matching always occurs against the leading-slash form, so "a/b" and
// "/a/b" are equivalent.
func (r *Rule) Matches(path string) bool {
	path = "/" + strings.TrimPrefix(path, "/")

	matched := false
	for _, inc := range r.includes {
		if inc.MatchString(path) {
			matched = true
			break
		}
	}
	if !matched {
		return false
	}

	for _, exc := range r.excludes {
		if exc.MatchString(path) {
			return false
		}
	}

	return true
}
