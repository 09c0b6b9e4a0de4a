// Package config loads pubgate settings.
//
// Settings resolve in three layers, lowest precedence first:
//  1. Built-in defaults
//  2. An INI config file (pubgate.ini) carrying [env.<name>] and
//     [cache_flush.<rule>] sections
//  3. EXODUS_GW_<NAME> environment variables
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/3leaps/pubgate/pkg/cacheflush"
)

// Settings holds every tunable recognized by the commit engine.
//
// Field names map to EXODUS_GW_<UPPER_SNAKE> environment variables, e.g.
// EXODUS_GW_WRITE_BATCH_SIZE overrides WriteBatchSize.
type Settings struct {
	// ItemYieldSize is the number of publish items loaded from the
	// service DB at one time.
	ItemYieldSize int

	// WriteBatchSize is the maximum number of requests in one DynamoDB
	// batch write. 25 is the protocol limit.
	WriteBatchSize int

	// WriteMaxTries is the retry budget for one DynamoDB batch.
	WriteMaxTries int

	// WriteMaxWorkers is the size of the batch writer worker pool.
	WriteMaxWorkers int

	// WriteQueueSize is the capacity of the bounded batch queue.
	WriteQueueSize int

	// WriteQueueTimeout bounds queue pushes and pops.
	WriteQueueTimeout time.Duration

	// PublishTimeout is how long a pending publish may sit without
	// updates before it is considered abandoned.
	PublishTimeout time.Duration

	// TaskDeadline is how long a commit task remains viable.
	TaskDeadline time.Duration

	// CDNFlushOnCommit enables cache flush at the end of phase 2.
	CDNFlushOnCommit bool

	// MirrorWritesEnabled writes alias duplicates during phase 1.
	MirrorWritesEnabled bool

	// AutoindexFilename is the reserved filename for generated indexes.
	// Empty disables autoindex generation.
	AutoindexFilename string

	// EntryPointFiles are basenames always handled in phase 2.
	EntryPointFiles []string

	// Phase2Patterns force matching paths into phase 2. Each entry is
	// "MATCH" or "MATCH unless UNLESS", both non-anchored regexes.
	Phase2Patterns []string

	// AutoindexPartialExcludes disables autoindex generation for paths
	// containing any of these substrings.
	AutoindexPartialExcludes []string

	// DBURL is the Postgres connection string. If set it overrides the
	// individual DBService* settings.
	DBURL string

	DBServiceUser string
	DBServicePass string
	DBServiceHost string
	DBServicePort string

	// BrokerURL is the Redis URL used for commit job intake.
	BrokerURL string

	// BrokerStream is the Redis stream carrying commit jobs.
	BrokerStream string

	// BrokerGroup is the consumer group name for commit workers.
	BrokerGroup string

	// Environments are CDN environments loaded from the INI file.
	Environments []Environment
}

// DSN returns the Postgres connection string.
func (s *Settings) DSN() string {
	if s.DBURL != "" {
		return s.DBURL
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s",
		s.DBServiceUser, s.DBServicePass,
		s.DBServiceHost, s.DBServicePort, s.DBServiceUser,
	)
}

// Environment is one CDN environment from a [env.<name>] INI section.
type Environment struct {
	// Name is the section suffix, e.g. "live" for [env.live].
	Name string

	// AWSProfile optionally selects a shared-config profile.
	AWSProfile string

	// Bucket is the S3 bucket holding published blobs.
	Bucket string

	// Table is the DynamoDB table backing the CDN index.
	Table string

	// ConfigTable is the DynamoDB table holding CDN config snapshots
	// (alias definitions).
	ConfigTable string

	// CDNURL is the public base URL of this environment's CDN.
	CDNURL string

	// CDNKeyID identifies the CDN URL signing key.
	CDNKeyID string

	// CacheFlushRules are the flush rules active for this environment.
	CacheFlushRules []cacheflush.Rule
}

// FastpurgeCredentials reads this environment's fastpurge credentials
// from EXODUS_GW_FASTPURGE_*_<ENV> environment variables.
func (e *Environment) FastpurgeCredentials() cacheflush.Credentials {
	suffix := strings.ToUpper(e.Name)
	return cacheflush.Credentials{
		Host:         os.Getenv("EXODUS_GW_FASTPURGE_HOST_" + suffix),
		ClientToken:  os.Getenv("EXODUS_GW_FASTPURGE_CLIENT_TOKEN_" + suffix),
		ClientSecret: os.Getenv("EXODUS_GW_FASTPURGE_CLIENT_SECRET_" + suffix),
		AccessToken:  os.Getenv("EXODUS_GW_FASTPURGE_ACCESS_TOKEN_" + suffix),
	}
}

// FastpurgeEnabled reports whether cache flush may run for this
// environment: at least one rule configured and all credentials set.
func (e *Environment) FastpurgeEnabled() bool {
	creds := e.FastpurgeCredentials()
	return len(e.CacheFlushRules) > 0 && creds.Complete()
}

// GetEnvironment returns the environment with the given name.
func (s *Settings) GetEnvironment(name string) (*Environment, error) {
	for i := range s.Environments {
		if s.Environments[i].Name == name {
			return &s.Environments[i], nil
		}
	}
	return nil, fmt.Errorf("invalid environment %q", name)
}
