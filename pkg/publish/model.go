// Package publish defines the publish data model shared by the commit
// engine, the relational store and the KV batcher.
package publish

import (
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
)

// PublishState is the lifecycle state of a Publish.
type PublishState string

const (
	StatePending    PublishState = "PENDING"
	StateCommitting PublishState = "COMMITTING"
	StateCommitted  PublishState = "COMMITTED"
	StateFailed     PublishState = "FAILED"
)

// TaskState is the lifecycle state of a commit Task.
type TaskState string

const (
	TaskNotStarted TaskState = "NOT_STARTED"
	TaskInProgress TaskState = "IN_PROGRESS"
	TaskComplete   TaskState = "COMPLETE"
	TaskFailed     TaskState = "FAILED"
)

// Terminal reports whether the task state is absorbing.
func (s TaskState) Terminal() bool {
	return s == TaskComplete || s == TaskFailed
}

// CommitMode selects which commit phase runs.
type CommitMode string

const (
	Phase1 CommitMode = "phase1"
	Phase2 CommitMode = "phase2"
)

// Publish is a client-declared batch of content changes to be promoted
// atomically.
type Publish struct {
	ID      uuid.UUID
	Env     string
	State   PublishState
	Updated time.Time
}

// Item maps one public URL (web_uri) to a blob reference (object_key).
//
// ObjectKey may be the literal "absent", meaning no content shall be
// exposed at the URI. LinkTo items carry an empty ObjectKey until link
// resolution fills it in.
type Item struct {
	ID          uuid.UUID
	PublishID   uuid.UUID
	WebURI      string
	ObjectKey   string
	ContentType string
	LinkTo      string
	Dirty       bool
}

// Task tracks one commit actor invocation. Its ID is the broker
// message ID.
type Task struct {
	ID        uuid.UUID
	PublishID uuid.UUID
	State     TaskState
	Updated   time.Time
	Deadline  time.Time
}

// PublishedPath records when a path was last made visible in an
// environment, for flush-window queries.
type PublishedPath struct {
	Env     string
	WebURI  string
	Updated time.Time
}

// NormalizePath cleans a web URI and forces a leading slash.
func NormalizePath(p string) string {
	if p == "" {
		return p
	}
	p = path.Clean(p)
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p
}
