// Package pgstore implements the publish Store on PostgreSQL.
package pgstore

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/3leaps/pubgate/pkg/publish"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store is a PostgreSQL-backed publish store.
type Store struct {
	pool *pgxpool.Pool
}

var _ publish.Store = (*Store)(nil)

// New creates a Store from a Postgres connection string.
func New(ctx context.Context, dsn string) (*Store, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Migrate applies all pending schema migrations.
func Migrate(dsn string) error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, dsn)
	if err != nil {
		return fmt.Errorf("init migrations: %w", err)
	}
	defer func() { _, _ = m.Close() }()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// NewSession acquires one connection from the pool.
func (s *Store) NewSession(ctx context.Context) (publish.Session, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	return &session{conn: conn}, nil
}

// session runs all work on one connection. A transaction begins lazily
// with the first operation and ends at Commit, so FOR UPDATE row locks
// are held across intermediate operations as the commit engine expects.
type session struct {
	conn *pgxpool.Conn
	tx   pgx.Tx
}

func (s *session) begin(ctx context.Context) (pgx.Tx, error) {
	if s.tx != nil {
		return s.tx, nil
	}
	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	s.tx = tx
	return tx, nil
}

func (s *session) Commit(ctx context.Context) error {
	if s.tx == nil {
		return nil
	}
	err := s.tx.Commit(ctx)
	s.tx = nil
	if err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (s *session) Close(ctx context.Context) error {
	if s.tx != nil {
		_ = s.tx.Rollback(ctx)
		s.tx = nil
	}
	s.conn.Release()
	return nil
}

func (s *session) GetTask(ctx context.Context, id uuid.UUID) (*publish.Task, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}

	var t publish.Task
	var pubID *uuid.UUID
	var updated, deadline *time.Time
	err = tx.QueryRow(ctx,
		`SELECT id, publish_id, state, updated, deadline FROM tasks WHERE id = $1`,
		id,
	).Scan(&t.ID, &pubID, &t.State, &updated, &deadline)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, publish.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("GetTask: %w", err)
	}
	if pubID != nil {
		t.PublishID = *pubID
	}
	if updated != nil {
		t.Updated = *updated
	}
	if deadline != nil {
		t.Deadline = *deadline
	}
	return &t, nil
}

func (s *session) GetPublish(ctx context.Context, id uuid.UUID) (*publish.Publish, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}

	var p publish.Publish
	var updated *time.Time
	err = tx.QueryRow(ctx,
		`SELECT id, env, state, updated FROM publishes WHERE id = $1`,
		id,
	).Scan(&p.ID, &p.Env, &p.State, &updated)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, publish.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("GetPublish: %w", err)
	}
	if updated != nil {
		p.Updated = *updated
	}
	return &p, nil
}

func (s *session) SetTaskState(ctx context.Context, id uuid.UUID, state publish.TaskState) error {
	tx, err := s.begin(ctx)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx,
		`UPDATE tasks SET state = $2, updated = NOW() WHERE id = $1`,
		id, state,
	)
	if err != nil {
		return fmt.Errorf("SetTaskState: %w", err)
	}
	return nil
}

func (s *session) SetPublishState(ctx context.Context, id uuid.UUID, state publish.PublishState) error {
	tx, err := s.begin(ctx)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx,
		`UPDATE publishes SET state = $2, updated = NOW() WHERE id = $1`,
		id, state,
	)
	if err != nil {
		return fmt.Errorf("SetPublishState: %w", err)
	}
	return nil
}

func (s *session) CountItems(ctx context.Context, publishID uuid.UUID) (int, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return 0, err
	}
	var count int
	err = tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM items WHERE publish_id = $1`,
		publishID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("CountItems: %w", err)
	}
	return count, nil
}

func (s *session) ForEachDirtyItemPartition(
	ctx context.Context,
	publishID uuid.UUID,
	yieldSize int,
	requireObjectKey bool,
	fn func(items []publish.Item) error,
) error {
	tx, err := s.begin(ctx)
	if err != nil {
		return err
	}

	query := `
		SELECT id, publish_id, web_uri, COALESCE(object_key, ''),
		       COALESCE(content_type, ''), COALESCE(link_to, ''), dirty
		FROM items
		WHERE publish_id = $1 AND dirty`
	if requireObjectKey {
		query += ` AND COALESCE(object_key, '') != ''`
	}
	query += ` ORDER BY web_uri FOR UPDATE`

	rows, err := tx.Query(ctx, query, publishID)
	if err != nil {
		return fmt.Errorf("ForEachDirtyItemPartition: %w", err)
	}
	defer rows.Close()

	batch := make([]publish.Item, 0, yieldSize)
	for rows.Next() {
		var item publish.Item
		if err := rows.Scan(
			&item.ID, &item.PublishID, &item.WebURI,
			&item.ObjectKey, &item.ContentType, &item.LinkTo, &item.Dirty,
		); err != nil {
			return fmt.Errorf("ForEachDirtyItemPartition: %w", err)
		}
		batch = append(batch, item)
		if len(batch) >= yieldSize {
			if err := fn(batch); err != nil {
				return err
			}
			batch = make([]publish.Item, 0, yieldSize)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("ForEachDirtyItemPartition: %w", err)
	}
	if len(batch) > 0 {
		return fn(batch)
	}
	return nil
}

func (s *session) GetItems(ctx context.Context, ids []uuid.UUID) ([]publish.Item, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := tx.Query(ctx, `
		SELECT id, publish_id, web_uri, COALESCE(object_key, ''),
		       COALESCE(content_type, ''), COALESCE(link_to, ''), dirty
		FROM items WHERE id = ANY($1)`,
		ids,
	)
	if err != nil {
		return nil, fmt.Errorf("GetItems: %w", err)
	}
	defer rows.Close()

	var items []publish.Item
	for rows.Next() {
		var item publish.Item
		if err := rows.Scan(
			&item.ID, &item.PublishID, &item.WebURI,
			&item.ObjectKey, &item.ContentType, &item.LinkTo, &item.Dirty,
		); err != nil {
			return nil, fmt.Errorf("GetItems: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("GetItems: %w", err)
	}
	return items, nil
}

func (s *session) ListItems(ctx context.Context, publishID uuid.UUID) ([]publish.Item, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := tx.Query(ctx, `
		SELECT id, publish_id, web_uri, COALESCE(object_key, ''),
		       COALESCE(content_type, ''), COALESCE(link_to, ''), dirty
		FROM items WHERE publish_id = $1 ORDER BY web_uri`,
		publishID,
	)
	if err != nil {
		return nil, fmt.Errorf("ListItems: %w", err)
	}
	defer rows.Close()

	var items []publish.Item
	for rows.Next() {
		var item publish.Item
		if err := rows.Scan(
			&item.ID, &item.PublishID, &item.WebURI,
			&item.ObjectKey, &item.ContentType, &item.LinkTo, &item.Dirty,
		); err != nil {
			return nil, fmt.Errorf("ListItems: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ListItems: %w", err)
	}
	return items, nil
}

func (s *session) InsertItems(ctx context.Context, items []publish.Item) error {
	if len(items) == 0 {
		return nil
	}
	tx, err := s.begin(ctx)
	if err != nil {
		return err
	}

	rows := make([][]any, 0, len(items))
	for _, item := range items {
		id := item.ID
		if id == uuid.Nil {
			id = uuid.New()
		}
		rows = append(rows, []any{
			id, item.PublishID, item.WebURI,
			item.ObjectKey, item.ContentType, item.LinkTo, true,
		})
	}

	_, err = tx.CopyFrom(ctx,
		pgx.Identifier{"items"},
		[]string{"id", "publish_id", "web_uri", "object_key", "content_type", "link_to", "dirty"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("InsertItems: %w", err)
	}
	return nil
}

func (s *session) MarkItemsClean(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.begin(ctx)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx,
		`UPDATE items SET dirty = false WHERE id = ANY($1)`,
		ids,
	)
	if err != nil {
		return fmt.Errorf("MarkItemsClean: %w", err)
	}
	return nil
}

func (s *session) ResolveLinks(ctx context.Context, publishID uuid.UUID) error {
	tx, err := s.begin(ctx)
	if err != nil {
		return err
	}

	// Copy object_key/content_type from the target item in the same
	// publish onto each link item.
	_, err = tx.Exec(ctx, `
		UPDATE items AS ln
		SET object_key = target.object_key,
		    content_type = target.content_type
		FROM items AS target
		WHERE ln.publish_id = $1
		  AND target.publish_id = $1
		  AND COALESCE(ln.link_to, '') != ''
		  AND target.web_uri = ln.link_to
		  AND COALESCE(target.object_key, '') != ''`,
		publishID,
	)
	if err != nil {
		return fmt.Errorf("ResolveLinks: %w", err)
	}

	// Any link item still missing an object_key could not be resolved.
	var unresolved []string
	rows, err := tx.Query(ctx, `
		SELECT web_uri FROM items
		WHERE publish_id = $1
		  AND COALESCE(link_to, '') != ''
		  AND COALESCE(object_key, '') = ''`,
		publishID,
	)
	if err != nil {
		return fmt.Errorf("ResolveLinks: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var uri string
		if err := rows.Scan(&uri); err != nil {
			return fmt.Errorf("ResolveLinks: %w", err)
		}
		unresolved = append(unresolved, uri)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("ResolveLinks: %w", err)
	}
	if len(unresolved) > 0 {
		return fmt.Errorf("unable to resolve link target for %d item(s), first: %s",
			len(unresolved), unresolved[0])
	}
	return nil
}

func (s *session) UpsertPublishedPaths(ctx context.Context, env string, uris []string, updated time.Time) error {
	if len(uris) == 0 {
		return nil
	}
	tx, err := s.begin(ctx)
	if err != nil {
		return err
	}

	batch := &pgx.Batch{}
	for _, uri := range uris {
		batch.Queue(`
			INSERT INTO published_paths (env, web_uri, updated)
			VALUES ($1, $2, $3)
			ON CONFLICT (env, web_uri) DO UPDATE SET updated = EXCLUDED.updated`,
			env, uri, updated,
		)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("UpsertPublishedPaths: %w", err)
	}
	return nil
}
