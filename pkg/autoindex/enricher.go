package autoindex

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/3leaps/pubgate/pkg/publish"
)

// Blobs is the slice of the blob store used by the enricher.
// BlobStore satisfies it; tests fake it.
type Blobs interface {
	Ensure(ctx context.Context, body []byte, contentType string) (string, error)
}

// Config configures the Enricher.
type Config struct {
	// Filename is the hidden basename generated indexes are published
	// under, e.g. ".__exodus_autoindex".
	Filename string

	// PartialExcludes disables index generation for repositories whose
	// root path contains any of these fragments.
	PartialExcludes []string
}

// Enricher scans a publish for yum-style repositories (directories
// holding repodata/repomd.xml) and inserts one index item per
// directory in each repository tree. Inserted items are dirty, so the
// phase-2 selection that follows picks them up.
type Enricher struct {
	blobs Blobs
	cfg   Config
	log   *zap.Logger
}

// New creates an Enricher. log may be nil.
func New(blobs Blobs, cfg Config, log *zap.Logger) *Enricher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Enricher{blobs: blobs, cfg: cfg, log: log}
}

// Enrich generates and inserts index items for pub. It runs to
// completion before returning; the caller owns transaction boundaries.
func (e *Enricher) Enrich(ctx context.Context, session publish.Session, pub *publish.Publish) error {
	if e.cfg.Filename == "" {
		return nil
	}

	items, err := session.ListItems(ctx, pub.ID)
	if err != nil {
		return err
	}

	tree := buildTree(items, e.cfg.Filename)

	var inserted []publish.Item
	for _, root := range tree.repoRoots() {
		if e.excluded(root) {
			e.log.Debug("Autoindex skipped for excluded repository",
				zap.String("root", root))
			continue
		}

		for _, dir := range tree.dirsUnder(root) {
			if tree.hasIndex[dir] {
				// An index was published explicitly; leave it alone.
				continue
			}

			doc, err := renderIndex(dir, tree.files[dir], tree.subdirs[dir], dir == root)
			if err != nil {
				return fmt.Errorf("autoindex: render %s: %w", dir, err)
			}
			key, err := e.blobs.Ensure(ctx, doc, indexContentType)
			if err != nil {
				return err
			}

			inserted = append(inserted, publish.Item{
				PublishID:   pub.ID,
				WebURI:      dir + "/" + e.cfg.Filename,
				ObjectKey:   key,
				ContentType: indexContentType,
				Dirty:       true,
			})
		}
	}

	if len(inserted) == 0 {
		return nil
	}

	e.log.Info("Autoindex generated",
		zap.Int("count", len(inserted)),
		zap.String("publish_id", pub.ID.String()),
		zap.String("event", "autoindex"))
	return session.InsertItems(ctx, inserted)
}

func (e *Enricher) excluded(root string) bool {
	for _, fragment := range e.cfg.PartialExcludes {
		if fragment != "" && strings.Contains(root+"/", fragment) {
			return true
		}
	}
	return false
}

// dirTree is the directory structure implied by a publish's web_uris.
type dirTree struct {
	// files and subdirs map a directory to its immediate children by
	// basename. Generated-index basenames are excluded from files.
	files   map[string][]string
	subdirs map[string][]string

	// hasIndex marks directories already carrying an index item.
	hasIndex map[string]bool

	// roots are repository roots: parents of a repodata directory
	// containing repomd.xml.
	roots map[string]bool
}

func buildTree(items []publish.Item, indexFilename string) *dirTree {
	t := &dirTree{
		files:    make(map[string][]string),
		subdirs:  make(map[string][]string),
		hasIndex: make(map[string]bool),
		roots:    make(map[string]bool),
	}
	seenSubdir := make(map[string]bool)

	for _, item := range items {
		uri := item.WebURI
		dir, name := path.Split(uri)
		dir = strings.TrimSuffix(dir, "/")

		if name == indexFilename {
			t.hasIndex[dir] = true
			continue
		}
		t.files[dir] = append(t.files[dir], name)

		if name == "repomd.xml" && path.Base(dir) == "repodata" {
			t.roots[path.Dir(dir)] = true
		}

		// Register each ancestor directory with its parent.
		for dir != "/" && dir != "" && dir != "." {
			parent := path.Dir(dir)
			edge := parent + "\x00" + path.Base(dir)
			if !seenSubdir[edge] {
				seenSubdir[edge] = true
				t.subdirs[parent] = append(t.subdirs[parent], path.Base(dir))
			}
			dir = parent
		}
	}

	return t
}

func (t *dirTree) repoRoots() []string {
	roots := make([]string, 0, len(t.roots))
	for root := range t.roots {
		roots = append(roots, root)
	}
	sort.Strings(roots)
	return roots
}

// dirsUnder returns root and every directory below it that holds at
// least one published file or subdirectory, in depth-first order.
func (t *dirTree) dirsUnder(root string) []string {
	var dirs []string
	var walk func(dir string)
	walk = func(dir string) {
		dirs = append(dirs, dir)
		children := append([]string(nil), t.subdirs[dir]...)
		sort.Strings(children)
		for _, child := range children {
			walk(dir + "/" + child)
		}
	}
	walk(root)
	return dirs
}
