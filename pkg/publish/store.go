package publish

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Store opens sessions against the publish state store.
type Store interface {
	// NewSession returns a session bound to one connection. The caller
	// must Close it.
	NewSession(ctx context.Context) (Session, error)
}

// Session is a unit of relational work with explicit commit points.
//
// All operations between two Commit calls run in one transaction, so
// row locks taken by ForEachDirtyItemPartition are held until the next
// Commit. Sessions are not safe for concurrent use; the commit engine
// keeps its session on the orchestrating goroutine only.
type Session interface {
	GetTask(ctx context.Context, id uuid.UUID) (*Task, error)
	GetPublish(ctx context.Context, id uuid.UUID) (*Publish, error)

	SetTaskState(ctx context.Context, id uuid.UUID, state TaskState) error
	SetPublishState(ctx context.Context, id uuid.UUID, state PublishState) error

	// CountItems counts all items of a publish, dirty or not.
	CountItems(ctx context.Context, publishID uuid.UUID) (int, error)

	// ForEachDirtyItemPartition streams the publish's dirty items under
	// SELECT ... FOR UPDATE, ordered by web_uri, invoking fn with at
	// most yieldSize items at a time. With requireObjectKey set, items
	// whose object_key is empty (unresolved links) are skipped.
	// Iteration stops at the first fn error.
	ForEachDirtyItemPartition(
		ctx context.Context,
		publishID uuid.UUID,
		yieldSize int,
		requireObjectKey bool,
		fn func(items []Item) error,
	) error

	// GetItems loads items by ID.
	GetItems(ctx context.Context, ids []uuid.UUID) ([]Item, error)

	// ListItems loads all items of a publish, dirty or not. Used by the
	// autoindex enricher to see the full content tree.
	ListItems(ctx context.Context, publishID uuid.UUID) ([]Item, error)

	// InsertItems adds new (dirty) items to a publish. Used by the
	// autoindex enricher.
	InsertItems(ctx context.Context, items []Item) error

	// MarkItemsClean clears the dirty flag for the given item IDs.
	MarkItemsClean(ctx context.Context, ids []uuid.UUID) error

	// ResolveLinks fills object_key/content_type of link_to items from
	// matching items in the same publish. Unresolvable links are an
	// error.
	ResolveLinks(ctx context.Context, publishID uuid.UUID) error

	// UpsertPublishedPaths records (env, uri) -> updated, replacing the
	// timestamp on conflict.
	UpsertPublishedPaths(ctx context.Context, env string, uris []string, updated time.Time) error

	// Commit commits the current transaction. A new transaction begins
	// with the next operation.
	Commit(ctx context.Context) error

	// Close releases the session, rolling back any open transaction.
	Close(ctx context.Context) error
}
