package commit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/3leaps/pubgate/pkg/publish"
)

// Job is one commit request unpacked from a broker message.
type Job struct {
	// TaskID is the broker message ID, doubling as the task row ID.
	TaskID uuid.UUID

	// PublishID identifies the publish to commit.
	PublishID uuid.UUID

	// Env is the target CDN environment name.
	Env string

	// FromDate anchors every KV write of this commit.
	FromDate string

	// Mode selects phase 1 or phase 2. Empty defaults to phase 2.
	Mode publish.CommitMode
}

// Options are the engine tunables, frozen per commit.
type Options struct {
	// ItemYieldSize is the relational partition size. Default: 5000.
	ItemYieldSize int

	// WriteMaxWorkers is the batch writer pool size. Default: 10.
	WriteMaxWorkers int

	// WriteQueueSize is the bounded queue capacity. Default: 1000.
	WriteQueueSize int

	// WriteQueueTimeout bounds queue pushes and pops.
	// Default: 10 minutes.
	WriteQueueTimeout time.Duration

	// FlushOnCommit enables cache flush at the end of phase 2.
	FlushOnCommit bool

	// AutoindexFilename rewrites flush paths for generated indexes:
	// the containing directory is flushed instead of the index file.
	AutoindexFilename string
}

// Enricher inserts additional items into a publish before phase-2
// selection (autoindex generation). It must run to completion before
// returning.
type Enricher interface {
	Enrich(ctx context.Context, session publish.Session, pub *publish.Publish) error
}

// CacheFlusher flushes CDN edge cache for committed paths.
type CacheFlusher interface {
	Run(ctx context.Context, paths []string, aliases []publish.Alias) error
}

// Deps are the collaborators of one commit invocation. Settings are
// passed explicitly; the engine keeps no process-wide state.
type Deps struct {
	Store      publish.Store
	KV         KVWriter
	Classifier *Classifier

	// Flusher may be nil (flushing disabled for the environment).
	Flusher CacheFlusher

	// Enricher may be nil (autoindex disabled).
	Enricher Enricher

	Options Options
	Logger  *zap.Logger

	// Clock is swappable for tests. Default: time.Now.
	Clock func() time.Time
}

// commitPhase is the phase-specific behavior layered over commitBase.
type commitPhase interface {
	allowedStates() []publish.PublishState
	preWrite(ctx context.Context) error
	writeItems(ctx context.Context) error
	onSucceeded(ctx context.Context) error
	onFailed(ctx context.Context) error
	rollback(ctx context.Context, cause error)
}

// commitBase carries the task/publish lifecycle shared by both phases.
type commitBase struct {
	job     Job
	deps    Deps
	session publish.Session
	log     *zap.Logger
	clock   func() time.Time
}

// run holds the mutable state of one commit execution.
type run struct {
	commitBase
	task           *publish.Task
	pub            *publish.Publish
	writtenItemIDs []uuid.UUID
}

// Commit drives one commit job to a terminal task state.
//
// An error is returned only for infrastructure failures before the
// task was loaded (no session, unknown task). Once the write path has
// started, all failures are absorbed: the engine rolls back, marks the
// task FAILED and returns nil, because the terminal task state is the
// durable record of the outcome.
func Commit(ctx context.Context, job Job, deps Deps) error {
	if job.Mode == "" {
		job.Mode = publish.Phase2
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	log := deps.Logger.With(
		zap.String("task_id", job.TaskID.String()),
		zap.String("publish_id", job.PublishID.String()),
		zap.String("env", job.Env),
		zap.String("commit_mode", string(job.Mode)),
	)

	session, err := deps.Store.NewSession(ctx)
	if err != nil {
		return fmt.Errorf("open session: %w", err)
	}
	defer func() { _ = session.Close(ctx) }()

	r := &run{
		commitBase: commitBase{
			job:     job,
			deps:    deps,
			session: session,
			log:     log,
			clock:   deps.Clock,
		},
	}

	if r.task, err = session.GetTask(ctx, job.TaskID); err != nil {
		return fmt.Errorf("load task %s: %w", job.TaskID, err)
	}
	if r.pub, err = session.GetPublish(ctx, job.PublishID); err != nil {
		return fmt.Errorf("load publish %s: %w", job.PublishID, err)
	}

	var phase commitPhase
	switch job.Mode {
	case publish.Phase1:
		phase = &phase1Commit{run: r}
	case publish.Phase2:
		phase = &phase2Commit{run: r}
	default:
		return fmt.Errorf("invalid commit mode %q", job.Mode)
	}

	ok, err := r.shouldWrite(ctx, phase)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	if err := r.session.SetTaskState(ctx, r.task.ID, publish.TaskInProgress); err != nil {
		return err
	}
	if err := r.session.Commit(ctx); err != nil {
		return err
	}

	if err := phase.preWrite(ctx); err != nil {
		// Nothing was written yet, so there is nothing to roll back,
		// but the commit still fails.
		r.fail(ctx, phase, err)
		return nil
	}

	if err := phase.writeItems(ctx); err != nil {
		r.fail(ctx, phase, err)
		return nil
	}

	if err := phase.onSucceeded(ctx); err != nil {
		r.fail(ctx, phase, err)
		return nil
	}
	if err := r.session.Commit(ctx); err != nil {
		r.fail(ctx, phase, err)
		return nil
	}

	return nil
}

// fail runs the rollback path: delete queued KV writes, then always
// mark the task (and for phase 2 the publish) failed and commit.
func (r *run) fail(ctx context.Context, phase commitPhase, cause error) {
	r.log.Error("Task encountered an error",
		zap.Error(cause),
		zap.String("event", "publish"),
		zap.Bool("success", false))

	phase.rollback(ctx, cause)

	if err := phase.onFailed(ctx); err != nil {
		r.log.Error("Failed to record task failure", zap.Error(err))
	}
	if err := r.session.Commit(ctx); err != nil {
		r.log.Error("Failed to commit task failure", zap.Error(err))
	}
}

// shouldWrite evaluates the readiness gates in order: task viable,
// publish in an allowed state, publish non-empty.
func (r *run) shouldWrite(ctx context.Context, phase commitPhase) (bool, error) {
	ready, err := r.taskReady(ctx, phase)
	if err != nil || !ready {
		return false, err
	}

	if !r.publishReady(phase) {
		if err := r.session.SetTaskState(ctx, r.task.ID, publish.TaskFailed); err != nil {
			return false, err
		}
		return false, r.session.Commit(ctx)
	}

	count, err := r.session.CountItems(ctx, r.pub.ID)
	if err != nil {
		return false, err
	}
	if count == 0 {
		// An empty commit just instantly succeeds.
		r.log.Debug("No items to write for publish",
			zap.String("event", "publish"),
			zap.Bool("success", true))
		if err := phase.onSucceeded(ctx); err != nil {
			return false, err
		}
		return false, r.session.Commit(ctx)
	}

	r.log.Debug("Prepared to write items for publish",
		zap.Int("item_count", count),
		zap.String("event", "publish"))
	return true, nil
}

// taskReady checks the task is not terminal and not past deadline. An
// expired task fails immediately, before any KV write.
func (r *run) taskReady(ctx context.Context, phase commitPhase) (bool, error) {
	if r.task.State.Terminal() {
		r.log.Warn("Task in unexpected state",
			zap.String("state", string(r.task.State)),
			zap.String("event", "publish"))
		return false, nil
	}

	if !r.task.Deadline.IsZero() && r.task.Deadline.Before(r.clock()) {
		r.log.Warn("Task expired",
			zap.Time("deadline", r.task.Deadline),
			zap.String("event", "publish"),
			zap.Bool("success", false))
		if err := phase.onFailed(ctx); err != nil {
			return false, err
		}
		return false, r.session.Commit(ctx)
	}

	return true, nil
}

func (r *run) publishReady(phase commitPhase) bool {
	for _, state := range phase.allowedStates() {
		if r.pub.State == state {
			return true
		}
	}
	r.log.Warn("Publish in unexpected state",
		zap.String("state", string(r.pub.State)),
		zap.String("event", "publish"))
	return false
}

// checkItem is the last chance to verify an item before it reaches
// the KV store.
func checkItem(item publish.Item) error {
	if item.ObjectKey == "" {
		// Incoming items are verified to carry object_key or link_to,
		// and links are resolved before commit is enqueued. Reaching
		// here means a bug in the gateway, not bad client input.
		return fmt.Errorf("BUG: missing object_key for %s", item.WebURI)
	}
	return nil
}

// newBatchWriter builds a BatchWriter from the commit options.
func (r *run) newBatchWriter(message string, itemCount int, delete bool) *BatchWriter {
	return NewBatchWriter(r.deps.KV, BatchWriterConfig{
		Workers:      r.deps.Options.WriteMaxWorkers,
		QueueSize:    r.deps.Options.WriteQueueSize,
		QueueTimeout: r.deps.Options.WriteQueueTimeout,
		Delete:       delete,
	}, message, itemCount, r.log)
}

// writeBodyItems streams dirty items in row-locked partitions, routes
// phase-2 items to the returned holding list, and feeds everything
// else through a BatchWriter. Queued item IDs accumulate in
// writtenItemIDs for rollback and the final dirty-flag clear.
func (r *run) writeBodyItems(ctx context.Context, requireObjectKey bool) ([]publish.Item, error) {
	count, err := r.session.CountItems(ctx, r.pub.ID)
	if err != nil {
		return nil, err
	}

	bw := r.newBatchWriter("Writing phase 1 items", count, false)
	bw.Start(ctx)

	var finalItems []publish.Item

	iterErr := r.session.ForEachDirtyItemPartition(
		ctx, r.pub.ID, r.yieldSize(), requireObjectKey,
		func(items []publish.Item) error {
			var bodyItems []publish.Item
			for _, item := range items {
				if err := checkItem(item); err != nil {
					return err
				}
				if r.deps.Classifier.IsPhase2(item) {
					r.log.Debug("Delayed write",
						zap.String("web_uri", item.WebURI),
						zap.String("event", "publish"))
					finalItems = append(finalItems, item)
					bw.AdjustTotal(-1)
				} else {
					bodyItems = append(bodyItems, item)
				}
			}
			r.writtenItemIDs = append(r.writtenItemIDs, bw.QueueBatches(bodyItems)...)
			return nil
		})

	stopErr := bw.Stop()
	if iterErr != nil {
		return nil, iterErr
	}
	if stopErr != nil {
		return nil, stopErr
	}
	return finalItems, nil
}

// onSucceededBase clears dirty flags for everything written and
// completes the task. Items were selected FOR UPDATE, so they cannot
// have changed underneath us.
func (r *run) onSucceededBase(ctx context.Context) error {
	for _, chunk := range chunkIDs(r.writtenItemIDs, r.yieldSize()) {
		if err := r.session.MarkItemsClean(ctx, chunk); err != nil {
			return err
		}
	}
	return r.session.SetTaskState(ctx, r.task.ID, publish.TaskComplete)
}

func (r *run) onFailedBase(ctx context.Context) error {
	return r.session.SetTaskState(ctx, r.task.ID, publish.TaskFailed)
}

// rollbackItems reloads every written item in chunks and submits
// batch deletes. Best effort: rollback errors are logged, never
// propagated.
func (r *run) rollbackItems(ctx context.Context, cause error) {
	r.log.Warn("Rolling back items due to error",
		zap.Int("count", len(r.writtenItemIDs)),
		zap.Error(cause),
		zap.String("event", "publish"))

	for _, chunk := range chunkIDs(r.writtenItemIDs, r.yieldSize()) {
		bw := r.newBatchWriter("Rolling back", len(chunk), true)
		bw.Start(ctx)

		items, err := r.session.GetItems(ctx, chunk)
		if err != nil {
			r.log.Error("Failed to reload items for rollback", zap.Error(err))
			_ = bw.Stop()
			return
		}
		bw.QueueBatches(items)

		if err := bw.Stop(); err != nil {
			r.log.Error("Rollback batch delete failed", zap.Error(err))
		}
	}
}

func (r *run) yieldSize() int {
	if r.deps.Options.ItemYieldSize <= 0 {
		return 5000
	}
	return r.deps.Options.ItemYieldSize
}

// chunkIDs splits ids into chunks of at most size elements.
func chunkIDs(ids []uuid.UUID, size int) [][]uuid.UUID {
	if size <= 0 {
		size = len(ids)
	}
	var chunks [][]uuid.UUID
	for start := 0; start < len(ids); start += size {
		end := start + size
		if end > len(ids) {
			end = len(ids)
		}
		chunks = append(chunks, ids[start:end])
	}
	return chunks
}
