package commit

import (
	"context"
	"path"
	"strings"

	"go.uber.org/zap"

	"github.com/3leaps/pubgate/pkg/publish"
)

// phase2Commit finalizes a publish: enrich with autoindexes, write any
// remaining bodies, then write the entry points in a second batch
// writer scope that opens only after the first has cleanly closed.
// All bodies are durable before any entry point becomes visible.
type phase2Commit struct {
	run *run

	// flushPaths collects committed entry-point paths for cache flush
	// and published_paths bookkeeping.
	flushPaths []string
}

func (p *phase2Commit) allowedStates() []publish.PublishState {
	return []publish.PublishState{publish.StateCommitting}
}

// preWrite runs the autoindex enricher to completion. Inserted items
// are dirty, so the selection that follows picks them up.
func (p *phase2Commit) preWrite(ctx context.Context) error {
	if p.run.deps.Enricher == nil {
		return nil
	}
	return p.run.deps.Enricher.Enrich(ctx, p.run.session, p.run.pub)
}

func (p *phase2Commit) writeItems(ctx context.Context) error {
	finalItems, err := p.run.writeBodyItems(ctx, false)
	if err != nil {
		return err
	}

	// Second scope: entry points, after every body acknowledged.
	bw := p.run.newBatchWriter("Writing phase 2 items", len(finalItems), false)
	bw.Start(ctx)

	for _, item := range finalItems {
		p.flushPaths = append(p.flushPaths, p.flushPathFor(item))
	}
	p.run.writtenItemIDs = append(p.run.writtenItemIDs, bw.QueueBatches(finalItems)...)

	if err := bw.Stop(); err != nil {
		return err
	}

	p.run.log.Info("Phase 2 committed",
		zap.Int("written", len(p.run.writtenItemIDs)),
		zap.Int("entry_points", len(finalItems)),
		zap.String("event", "publish"),
		zap.Bool("success", true))

	p.flushCache(ctx)
	return nil
}

// flushPathFor rewrites autoindex paths to their containing directory:
// clients request the directory, not the hidden index object.
func (p *phase2Commit) flushPathFor(item publish.Item) string {
	name := p.run.deps.Options.AutoindexFilename
	if name != "" && path.Base(item.WebURI) == name {
		dir := path.Dir(item.WebURI)
		if !strings.HasSuffix(dir, "/") {
			dir += "/"
		}
		return dir
	}
	return item.WebURI
}

// flushCache flushes CDN edge cache for the committed entry points.
// Flush failure never fails the commit: content is already durable,
// and stale edge cache expires on TTL.
func (p *phase2Commit) flushCache(ctx context.Context) {
	if !p.run.deps.Options.FlushOnCommit || p.run.deps.Flusher == nil {
		return
	}
	if err := p.run.deps.Flusher.Run(ctx, p.flushPaths, p.run.deps.KV.Aliases()); err != nil {
		p.run.log.Error("Cache flush failed",
			zap.Error(err),
			zap.String("event", "publish"))
	}
}

func (p *phase2Commit) onSucceeded(ctx context.Context) error {
	if err := p.run.onSucceededBase(ctx); err != nil {
		return err
	}

	uris := publish.URIsWithAliases(p.flushPaths, p.run.deps.KV.Aliases())
	if err := p.run.session.UpsertPublishedPaths(ctx, p.run.job.Env, uris, p.run.clock().UTC()); err != nil {
		return err
	}

	return p.run.session.SetPublishState(ctx, p.run.pub.ID, publish.StateCommitted)
}

func (p *phase2Commit) onFailed(ctx context.Context) error {
	if err := p.run.onFailedBase(ctx); err != nil {
		return err
	}
	return p.run.session.SetPublishState(ctx, p.run.pub.ID, publish.StateFailed)
}
// rollback deletes written records, then flushes again so edges do not
// keep serving content that was just rolled back.
func (p *phase2Commit) rollback(ctx context.Context, cause error) {
	p.run.rollbackItems(ctx, cause)
	p.flushCache(ctx)
}
