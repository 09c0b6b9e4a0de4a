package cmd

import (
	"context"
	"fmt"
	"regexp"

	"go.uber.org/zap"

	"github.com/3leaps/pubgate/internal/config"
	"github.com/3leaps/pubgate/internal/observability"
	"github.com/3leaps/pubgate/pkg/autoindex"
	"github.com/3leaps/pubgate/pkg/cacheflush"
	"github.com/3leaps/pubgate/pkg/commit"
	"github.com/3leaps/pubgate/pkg/kv"
	"github.com/3leaps/pubgate/pkg/publish"
	"github.com/3leaps/pubgate/pkg/publish/pgstore"
)

// engine binds the long-lived collaborators (DB pool, settings) and
// assembles per-job dependencies on demand.
type engine struct {
	settings   *config.Settings
	store      *pgstore.Store
	classifier *commit.Classifier
	log        *zap.Logger
}

func newEngine(ctx context.Context, settings *config.Settings) (*engine, error) {
	store, err := pgstore.New(ctx, settings.DSN())
	if err != nil {
		return nil, fmt.Errorf("connect to service database: %w", err)
	}

	classifier, err := buildClassifier(settings)
	if err != nil {
		store.Close()
		return nil, err
	}

	return &engine{
		settings:   settings,
		store:      store,
		classifier: classifier,
		log:        observability.Logger,
	}, nil
}

func (e *engine) Close() {
	e.store.Close()
}

// commitJob runs one commit job end to end. Per-job collaborators are
// built fresh because table, credentials and flush rules all depend on
// the target environment, and the alias snapshot depends on from_date.
func (e *engine) commitJob(ctx context.Context, job commit.Job) error {
	env, err := e.settings.GetEnvironment(job.Env)
	if err != nil {
		return err
	}

	client, err := kv.NewClient(ctx, e.kvConfig(env))
	if err != nil {
		return fmt.Errorf("create KV client: %w", err)
	}

	mirror := job.Mode == publish.Phase1 && e.settings.MirrorWritesEnabled
	batcher := kv.NewBatcher(client, e.kvConfig(env), job.FromDate, mirror, e.log)
	if err := batcher.LoadAliases(ctx); err != nil {
		return fmt.Errorf("load alias config: %w", err)
	}

	deps := commit.Deps{
		Store:      e.store,
		KV:         batcher,
		Classifier: e.classifier,
		Flusher:    e.flusher(env),
		Options: commit.Options{
			ItemYieldSize:     e.settings.ItemYieldSize,
			WriteMaxWorkers:   e.settings.WriteMaxWorkers,
			WriteQueueSize:    e.settings.WriteQueueSize,
			WriteQueueTimeout: e.settings.WriteQueueTimeout,
			FlushOnCommit:     e.settings.CDNFlushOnCommit,
			AutoindexFilename: e.settings.AutoindexFilename,
		},
		Logger: e.log,
	}

	if job.Mode == publish.Phase2 {
		if deps.Enricher, err = e.enricher(ctx, env); err != nil {
			return err
		}
	}

	return commit.Commit(ctx, job, deps)
}

func (e *engine) kvConfig(env *config.Environment) kv.Config {
	return kv.Config{
		Table:       env.Table,
		ConfigTable: env.ConfigTable,
		Profile:     env.AWSProfile,
		BatchSize:   e.settings.WriteBatchSize,
		MaxTries:    e.settings.WriteMaxTries,
	}
}

func (e *engine) flusher(env *config.Environment) commit.CacheFlusher {
	return cacheflush.NewFlusher(cacheflush.Config{
		Rules:       env.CacheFlushRules,
		Credentials: env.FastpurgeCredentials(),
	}, e.log)
}

func (e *engine) enricher(ctx context.Context, env *config.Environment) (commit.Enricher, error) {
	if e.settings.AutoindexFilename == "" || env.Bucket == "" {
		return nil, nil
	}

	blobs, err := autoindex.NewBlobStore(ctx, autoindex.StoreConfig{
		Bucket:  env.Bucket,
		Profile: env.AWSProfile,
	})
	if err != nil {
		return nil, fmt.Errorf("create autoindex blob store: %w", err)
	}

	return autoindex.New(blobs, autoindex.Config{
		Filename:        e.settings.AutoindexFilename,
		PartialExcludes: e.settings.AutoindexPartialExcludes,
	}, e.log), nil
}

// buildClassifier compiles the phase-2 routing rules from settings.
func buildClassifier(settings *config.Settings) (*commit.Classifier, error) {
	patterns := make([]commit.Phase2Pattern, 0, len(settings.Phase2Patterns))
	for _, raw := range settings.Phase2Patterns {
		matchExpr, unlessExpr := config.ParsePhase2Pattern(raw)

		match, err := regexp.Compile(matchExpr)
		if err != nil {
			return nil, fmt.Errorf("phase2 pattern %q: %w", raw, err)
		}
		pattern := commit.Phase2Pattern{Match: match}
		if unlessExpr != "" {
			if pattern.Unless, err = regexp.Compile(unlessExpr); err != nil {
				return nil, fmt.Errorf("phase2 pattern %q: %w", raw, err)
			}
		}
		patterns = append(patterns, pattern)
	}

	return commit.NewClassifier(commit.ClassifierConfig{
		AutoindexFilename: settings.AutoindexFilename,
		EntryPointFiles:   settings.EntryPointFiles,
		Patterns:          patterns,
	}, observability.Logger), nil
}
