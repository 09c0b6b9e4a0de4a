package cacheflush

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/3leaps/pubgate/pkg/publish"
)

// PurgeClient submits cache keys to the flush vendor.
//
// Implementations must be idempotent: purging the same key twice is
// harmless.
type PurgeClient interface {
	Purge(ctx context.Context, keys []string) error
}

// Credentials are the vendor API credentials for one environment.
type Credentials struct {
	Host         string
	ClientToken  string
	ClientSecret string
	AccessToken  string
}

// Complete reports whether all credential fields are set.
func (c Credentials) Complete() bool {
	return c.Host != "" && c.ClientToken != "" && c.ClientSecret != "" && c.AccessToken != ""
}

// Config configures a Flusher.
type Config struct {
	// Rules are the flush rules for the target environment.
	Rules []Rule

	// Credentials gate flushing; without a complete set, Run is a
	// no-op success (unless an explicit Client is supplied).
	Credentials Credentials

	// TTL substituted for {ttl} template placeholders.
	// Default: DefaultTTL.
	TTL string

	// RequestsPerSecond limits purge submissions to the vendor.
	// Zero means unlimited.
	RequestsPerSecond float64

	// BatchSize is the number of cache keys per purge request.
	// Default: 100.
	BatchSize int

	// Client overrides the vendor client. When nil, a fastpurge client
	// is built from Credentials.
	Client PurgeClient
}

// Flusher invalidates CDN edge cache entries for published paths.
type Flusher struct {
	cfg     Config
	client  PurgeClient
	limiter *rate.Limiter
	log     *zap.Logger
}

// NewFlusher creates a Flusher. log may be nil.
func NewFlusher(cfg Config, log *zap.Logger) *Flusher {
	if cfg.TTL == "" {
		cfg.TTL = DefaultTTL
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if log == nil {
		log = zap.NewNop()
	}

	client := cfg.Client
	if client == nil && cfg.Credentials.Complete() {
		client = NewFastpurgeClient(cfg.Credentials)
	}

	f := &Flusher{cfg: cfg, client: client, log: log}
	if cfg.RequestsPerSecond > 0 {
		f.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	return f
}

// Enabled reports whether Run will actually flush anything.
func (f *Flusher) Enabled() bool {
	return f.client != nil && len(f.cfg.Rules) > 0
}

// Keys computes the full set of cache keys to flush for the given
// paths: paths are expanded through aliases, filtered per rule, and
// rendered through each surviving rule's templates.
func (f *Flusher) Keys(paths []string, aliases []publish.Alias) []string {
	uris := publish.URIsWithAliases(paths, aliases)

	var keys []string
	seen := map[string]bool{}
	for _, rule := range f.cfg.Rules {
		for _, uri := range uris {
			if !rule.Matches(uri) {
				continue
			}
			for _, tmpl := range rule.Templates() {
				key := ExpandTemplate(tmpl, uri, f.cfg.TTL)
				if !seen[key] {
					seen[key] = true
					keys = append(keys, key)
				}
			}
		}
	}
	return keys
}

// Run flushes cache for the given paths.
//
// When flushing is not enabled for this environment, Run is a no-op
// success.
func (f *Flusher) Run(ctx context.Context, paths []string, aliases []publish.Alias) error {
	if !f.Enabled() {
		f.log.Debug("Cache flush is not enabled, skipping")
		return nil
	}

	keys := f.Keys(paths, aliases)
	if len(keys) == 0 {
		return nil
	}

	f.log.Info("Flushing cache",
		zap.Int("paths", len(paths)),
		zap.Int("keys", len(keys)),
		zap.String("event", "publish"))

	for start := 0; start < len(keys); start += f.cfg.BatchSize {
		end := start + f.cfg.BatchSize
		if end > len(keys) {
			end = len(keys)
		}
		if f.limiter != nil {
			if err := f.limiter.Wait(ctx); err != nil {
				return err
			}
		}
		if err := f.client.Purge(ctx, keys[start:end]); err != nil {
			return fmt.Errorf("cache flush: %w", err)
		}
	}

	return nil
}
