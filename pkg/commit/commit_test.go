package commit

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/pubgate/pkg/publish"
)

// fakeSession is an in-memory publish.Session.
type fakeSession struct {
	mu sync.Mutex

	task  *publish.Task
	pub   *publish.Publish
	items []publish.Item

	commits        int
	publishedPaths map[string]time.Time
}

type fakeStore struct {
	session *fakeSession
}

func (s *fakeStore) NewSession(ctx context.Context) (publish.Session, error) {
	return s.session, nil
}

func newFakeSession(pub *publish.Publish, task *publish.Task, items []publish.Item) *fakeSession {
	return &fakeSession{
		task:           task,
		pub:            pub,
		items:          items,
		publishedPaths: make(map[string]time.Time),
	}
}

func (s *fakeSession) GetTask(ctx context.Context, id uuid.UUID) (*publish.Task, error) {
	if s.task == nil || s.task.ID != id {
		return nil, publish.ErrNotFound
	}
	copied := *s.task
	return &copied, nil
}

func (s *fakeSession) GetPublish(ctx context.Context, id uuid.UUID) (*publish.Publish, error) {
	if s.pub == nil || s.pub.ID != id {
		return nil, publish.ErrNotFound
	}
	copied := *s.pub
	return &copied, nil
}

func (s *fakeSession) SetTaskState(ctx context.Context, id uuid.UUID, state publish.TaskState) error {
	s.task.State = state
	return nil
}

func (s *fakeSession) SetPublishState(ctx context.Context, id uuid.UUID, state publish.PublishState) error {
	s.pub.State = state
	return nil
}

func (s *fakeSession) CountItems(ctx context.Context, publishID uuid.UUID) (int, error) {
	return len(s.items), nil
}

func (s *fakeSession) ForEachDirtyItemPartition(
	ctx context.Context,
	publishID uuid.UUID,
	yieldSize int,
	requireObjectKey bool,
	fn func(items []publish.Item) error,
) error {
	var selected []publish.Item
	for _, item := range s.items {
		if !item.Dirty {
			continue
		}
		if requireObjectKey && item.ObjectKey == "" {
			continue
		}
		selected = append(selected, item)
	}
	sort.Slice(selected, func(i, j int) bool {
		return selected[i].WebURI < selected[j].WebURI
	})

	for start := 0; start < len(selected); start += yieldSize {
		end := start + yieldSize
		if end > len(selected) {
			end = len(selected)
		}
		if err := fn(selected[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (s *fakeSession) GetItems(ctx context.Context, ids []uuid.UUID) ([]publish.Item, error) {
	want := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var out []publish.Item
	for _, item := range s.items {
		if want[item.ID] {
			out = append(out, item)
		}
	}
	return out, nil
}

func (s *fakeSession) ListItems(ctx context.Context, publishID uuid.UUID) ([]publish.Item, error) {
	return append([]publish.Item(nil), s.items...), nil
}

func (s *fakeSession) InsertItems(ctx context.Context, items []publish.Item) error {
	for _, item := range items {
		if item.ID == uuid.Nil {
			item.ID = uuid.New()
		}
		s.items = append(s.items, item)
	}
	return nil
}

func (s *fakeSession) MarkItemsClean(ctx context.Context, ids []uuid.UUID) error {
	clean := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		clean[id] = true
	}
	for i := range s.items {
		if clean[s.items[i].ID] {
			s.items[i].Dirty = false
		}
	}
	return nil
}

func (s *fakeSession) ResolveLinks(ctx context.Context, publishID uuid.UUID) error {
	return nil
}

func (s *fakeSession) UpsertPublishedPaths(ctx context.Context, env string, uris []string, updated time.Time) error {
	for _, uri := range uris {
		s.publishedPaths[uri] = updated
	}
	return nil
}

func (s *fakeSession) Commit(ctx context.Context) error {
	s.commits++
	return nil
}

func (s *fakeSession) Close(ctx context.Context) error {
	return nil
}

func (s *fakeSession) dirtyCount() int {
	n := 0
	for _, item := range s.items {
		if item.Dirty {
			n++
		}
	}
	return n
}

// fakeFlusher records every Run invocation.
type fakeFlusher struct {
	calls [][]string
}

func (f *fakeFlusher) Run(ctx context.Context, paths []string, aliases []publish.Alias) error {
	f.calls = append(f.calls, append([]string(nil), paths...))
	return nil
}

// fakeEnricher inserts fixed items, like the autoindex enricher does.
type fakeEnricher struct {
	insert []publish.Item
}

func (e *fakeEnricher) Enrich(ctx context.Context, session publish.Session, pub *publish.Publish) error {
	return session.InsertItems(ctx, e.insert)
}

func testClassifier(t *testing.T) *Classifier {
	t.Helper()
	return NewClassifier(ClassifierConfig{
		AutoindexFilename: ".__exodus_autoindex",
		EntryPointFiles:   []string{"repomd.xml"},
	}, nil)
}

func dirtyItem(pubID uuid.UUID, uri string) publish.Item {
	return publish.Item{
		ID:        uuid.New(),
		PublishID: pubID,
		WebURI:    uri,
		ObjectKey: "abc123",
		Dirty:     true,
	}
}

func newCommitFixture(state publish.PublishState, items func(pubID uuid.UUID) []publish.Item) (*fakeSession, Job) {
	pubID := uuid.New()
	taskID := uuid.New()

	pub := &publish.Publish{ID: pubID, Env: "test", State: state}
	task := &publish.Task{
		ID:        taskID,
		PublishID: pubID,
		State:     publish.TaskNotStarted,
		Deadline:  time.Now().Add(time.Hour),
	}

	var its []publish.Item
	if items != nil {
		its = items(pubID)
	}

	job := Job{
		TaskID:    taskID,
		PublishID: pubID,
		Env:       "test",
		FromDate:  "2026-08-24T00:00:00Z",
	}
	return newFakeSession(pub, task, its), job
}

func TestCommitEmptyPhase2(t *testing.T) {
	session, job := newCommitFixture(publish.StateCommitting, nil)
	writer := &fakeKVWriter{}
	flusher := &fakeFlusher{}

	err := Commit(context.Background(), job, Deps{
		Store:      &fakeStore{session: session},
		KV:         writer,
		Classifier: testClassifier(t),
		Flusher:    flusher,
		Options:    Options{FlushOnCommit: true},
	})
	require.NoError(t, err)

	assert.Equal(t, publish.TaskComplete, session.task.State)
	assert.Equal(t, publish.StateCommitted, session.pub.State)
	assert.Empty(t, writer.written)
	assert.Empty(t, flusher.calls)
	assert.Positive(t, session.commits)
}

func TestCommitPhase1HappyPath(t *testing.T) {
	session, job := newCommitFixture(publish.StatePending, func(pubID uuid.UUID) []publish.Item {
		return []publish.Item{
			dirtyItem(pubID, "/a/x.rpm"),
			dirtyItem(pubID, "/b/y.rpm"),
			dirtyItem(pubID, "/c/repomd.xml"),
		}
	})
	job.Mode = publish.Phase1
	writer := &fakeKVWriter{}

	err := Commit(context.Background(), job, Deps{
		Store:      &fakeStore{session: session},
		KV:         writer,
		Classifier: testClassifier(t),
	})
	require.NoError(t, err)

	assert.Equal(t, publish.TaskComplete, session.task.State)
	assert.Equal(t, publish.StatePending, session.pub.State, "phase 1 leaves publish state alone")

	var writtenURIs []string
	for _, batch := range writer.written {
		for _, rec := range batch {
			writtenURIs = append(writtenURIs, rec.WebURI)
		}
	}
	sort.Strings(writtenURIs)
	assert.Equal(t, []string{"/a/x.rpm", "/b/y.rpm"}, writtenURIs)

	// The entry point stays dirty for phase 2.
	assert.Equal(t, 1, session.dirtyCount())
}

func TestCommitPhase2WithAutoindex(t *testing.T) {
	session, job := newCommitFixture(publish.StateCommitting, func(pubID uuid.UUID) []publish.Item {
		return []publish.Item{
			dirtyItem(pubID, "/d/repomd.xml"),
			dirtyItem(pubID, "/d/data.rpm"),
		}
	})
	writer := &fakeKVWriter{}
	flusher := &fakeFlusher{}

	autoindexItem := publish.Item{
		ID:        uuid.New(),
		PublishID: job.PublishID,
		WebURI:    "/d/.__exodus_autoindex",
		ObjectKey: "deadbeef",
		Dirty:     true,
	}

	err := Commit(context.Background(), job, Deps{
		Store:      &fakeStore{session: session},
		KV:         writer,
		Classifier: testClassifier(t),
		Flusher:    flusher,
		Enricher:   &fakeEnricher{insert: []publish.Item{autoindexItem}},
		Options: Options{
			FlushOnCommit:     true,
			AutoindexFilename: ".__exodus_autoindex",
		},
	})
	require.NoError(t, err)

	assert.Equal(t, publish.TaskComplete, session.task.State)
	assert.Equal(t, publish.StateCommitted, session.pub.State)
	assert.Equal(t, 0, session.dirtyCount())

	var writtenURIs []string
	for _, batch := range writer.written {
		for _, rec := range batch {
			writtenURIs = append(writtenURIs, rec.WebURI)
		}
	}
	sort.Strings(writtenURIs)
	assert.Equal(t, []string{"/d/.__exodus_autoindex", "/d/data.rpm", "/d/repomd.xml"}, writtenURIs)

	// The autoindex is flushed as its containing directory.
	require.Len(t, flusher.calls, 1)
	flushed := append([]string(nil), flusher.calls[0]...)
	sort.Strings(flushed)
	assert.Equal(t, []string{"/d/", "/d/repomd.xml"}, flushed)

	assert.Contains(t, session.publishedPaths, "/d/")
	assert.Contains(t, session.publishedPaths, "/d/repomd.xml")
}

func TestCommitPhase2KVFailureRollsBack(t *testing.T) {
	session, job := newCommitFixture(publish.StateCommitting, func(pubID uuid.UUID) []publish.Item {
		items := make([]publish.Item, 0, 100)
		for i := 0; i < 100; i++ {
			items = append(items, dirtyItem(pubID, "/data/file-"+uuid.NewString()))
		}
		return items
	})
	writer := &fakeKVWriter{batchSize: 25, failAfter: 2}
	flusher := &fakeFlusher{}

	err := Commit(context.Background(), job, Deps{
		Store:      &fakeStore{session: session},
		KV:         writer,
		Classifier: testClassifier(t),
		Flusher:    flusher,
		Options: Options{
			FlushOnCommit:   true,
			WriteMaxWorkers: 1,
		},
	})
	require.NoError(t, err, "the actor never re-raises after rollback")

	assert.Equal(t, publish.TaskFailed, session.task.State)
	assert.Equal(t, publish.StateFailed, session.pub.State)
	assert.Len(t, writer.written, 2, "two batches succeeded before the failure")
	assert.NotEmpty(t, writer.deleted, "queued items are rolled back")
	assert.Len(t, flusher.calls, 1, "flush runs once post-rollback")
	assert.Equal(t, 100, session.dirtyCount(), "no item is marked clean")
}

func TestCommitExpiredTask(t *testing.T) {
	session, job := newCommitFixture(publish.StateCommitting, func(pubID uuid.UUID) []publish.Item {
		return []publish.Item{dirtyItem(pubID, "/a/x.rpm")}
	})
	session.task.Deadline = time.Now().Add(-time.Second)
	writer := &fakeKVWriter{}

	err := Commit(context.Background(), job, Deps{
		Store:      &fakeStore{session: session},
		KV:         writer,
		Classifier: testClassifier(t),
	})
	require.NoError(t, err)

	assert.Equal(t, publish.TaskFailed, session.task.State)
	assert.Empty(t, writer.written)
	assert.Empty(t, writer.deleted)
	assert.Positive(t, session.commits)
}

func TestCommitTerminalTaskIsNoop(t *testing.T) {
	session, job := newCommitFixture(publish.StateCommitting, nil)
	session.task.State = publish.TaskComplete

	err := Commit(context.Background(), job, Deps{
		Store:      &fakeStore{session: session},
		KV:         &fakeKVWriter{},
		Classifier: testClassifier(t),
	})
	require.NoError(t, err)
	assert.Equal(t, publish.TaskComplete, session.task.State)
}

func TestCommitWrongPublishStateFailsTask(t *testing.T) {
	session, job := newCommitFixture(publish.StatePending, nil)

	// Phase 2 requires COMMITTING.
	err := Commit(context.Background(), job, Deps{
		Store:      &fakeStore{session: session},
		KV:         &fakeKVWriter{},
		Classifier: testClassifier(t),
	})
	require.NoError(t, err)
	assert.Equal(t, publish.TaskFailed, session.task.State)
}

func TestCommitUnknownTask(t *testing.T) {
	session, job := newCommitFixture(publish.StateCommitting, nil)
	job.TaskID = uuid.New()

	err := Commit(context.Background(), job, Deps{
		Store:      &fakeStore{session: session},
		KV:         &fakeKVWriter{},
		Classifier: testClassifier(t),
	})
	assert.Error(t, err, "infrastructure failures before task load are surfaced")
}
