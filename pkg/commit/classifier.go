// Package commit implements the two-phase commit engine promoting
// staged publish items into the CDN index.
//
// Phase 1 writes immutable bodies; phase 2 writes the entry points
// that make a content tree visible, then flushes CDN edge cache for
// the affected paths. A commit is atomic per publish: on any write
// failure, every item the engine queued is submitted for deletion.
package commit

import (
	"path"
	"regexp"

	"go.uber.org/zap"

	"github.com/3leaps/pubgate/pkg/publish"
)

// Phase2Pattern forces matching paths into phase 2.
//
// A path is forced when Match finds a match and Unless (if set) does
// not. The Unless half exists because RE2 has no lookbehind: rules of
// the form "under /kickstart/ but not *.rpm" need both expressions.
type Phase2Pattern struct {
	Match  *regexp.Regexp
	Unless *regexp.Regexp
}

// Applies reports whether this pattern forces uri into phase 2.
func (p Phase2Pattern) Applies(uri string) bool {
	if !p.Match.MatchString(uri) {
		return false
	}
	return p.Unless == nil || !p.Unless.MatchString(uri)
}

// ClassifierConfig configures a Classifier.
type ClassifierConfig struct {
	// AutoindexFilename is always an entry point.
	AutoindexFilename string

	// EntryPointFiles are basenames handled in phase 2.
	EntryPointFiles []string

	// Patterns force additional paths into phase 2.
	Patterns []Phase2Pattern
}

// Classifier decides whether an item is written in phase 1 or phase 2.
// It is a pure function of the item and the frozen settings snapshot.
type Classifier struct {
	autoindexFilename string
	entryPoints       map[string]bool
	patterns          []Phase2Pattern
	log               *zap.Logger
}

// NewClassifier creates a Classifier. log may be nil.
func NewClassifier(cfg ClassifierConfig, log *zap.Logger) *Classifier {
	entryPoints := make(map[string]bool, len(cfg.EntryPointFiles))
	for _, name := range cfg.EntryPointFiles {
		entryPoints[name] = true
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Classifier{
		autoindexFilename: cfg.AutoindexFilename,
		entryPoints:       entryPoints,
		patterns:          cfg.Patterns,
		log:               log,
	}
}

// IsPhase2 reports whether the item must be handled in phase 2.
func (c *Classifier) IsPhase2(item publish.Item) bool {
	name := path.Base(item.WebURI)
	if (c.autoindexFilename != "" && name == c.autoindexFilename) || c.entryPoints[name] {
		// Typical entry point.
		return true
	}

	for _, pattern := range c.patterns {
		if pattern.Applies(item.WebURI) {
			c.log.Debug("Phase 2 forced via pattern",
				zap.String("web_uri", item.WebURI),
				zap.String("pattern", pattern.Match.String()))
			return true
		}
	}

	return false
}
