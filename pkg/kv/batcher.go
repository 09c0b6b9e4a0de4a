package kv

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/3leaps/pubgate/pkg/publish"
)

// API is the slice of the DynamoDB client used by the Batcher.
// The concrete client from NewClient satisfies it; tests fake it.
type API interface {
	BatchWriteItem(ctx context.Context, params *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// Record is one pending write: a publish item keyed by either its
// original web_uri or one of its aliases.
type Record struct {
	Item   publish.Item
	WebURI string
}

// Batch is one DynamoDB batch write. Records of a single item never
// span batches, so a batch's ItemIDs fully account for its items.
type Batch []Record

// ItemIDs returns the unique source item IDs in this batch.
func (b Batch) ItemIDs() []uuid.UUID {
	seen := make(map[uuid.UUID]bool, len(b))
	ids := make([]uuid.UUID, 0, len(b))
	for _, rec := range b {
		if !seen[rec.Item.ID] {
			seen[rec.Item.ID] = true
			ids = append(ids, rec.Item.ID)
		}
	}
	return ids
}

// Batcher chunks publish items into DynamoDB batch writes and submits
// them with a bounded retry budget.
//
// The zero retry/backoff state is per call; a Batcher is safe for
// concurrent use by multiple writer goroutines.
type Batcher struct {
	client       API
	cfg          Config
	fromDate     string
	mirrorWrites bool
	aliases      []publish.Alias
	log          *zap.Logger

	// sleep is swappable for tests.
	sleep func(time.Duration)
}

// NewBatcher creates a Batcher writing records anchored at fromDate.
//
// When mirrorWrites is set, every record is duplicated under each
// resolved alias of its web_uri. log may be nil.
func NewBatcher(client API, cfg Config, fromDate string, mirrorWrites bool, log *zap.Logger) *Batcher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = MaxBatchSize
	}
	if cfg.MaxTries <= 0 {
		cfg.MaxTries = 20
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Batcher{
		client:       client,
		cfg:          cfg,
		fromDate:     fromDate,
		mirrorWrites: mirrorWrites,
		log:          log,
		sleep:        time.Sleep,
	}
}

// Aliases returns the alias snapshot loaded by LoadAliases.
func (b *Batcher) Aliases() []publish.Alias {
	return b.aliases
}

// GetBatches splits items into batches no larger than the configured
// batch size, mirroring each item under its aliases when enabled.
//
// All records of one item land in the same batch so that rollback
// accounting by item ID stays exact.
func (b *Batcher) GetBatches(items []publish.Item) []Batch {
	var batches []Batch
	var current Batch

	for _, item := range items {
		records := b.recordsFor(item)
		if len(current) > 0 && len(current)+len(records) > b.cfg.BatchSize {
			batches = append(batches, current)
			current = nil
		}
		current = append(current, records...)
	}
	if len(current) > 0 {
		batches = append(batches, current)
	}
	return batches
}

func (b *Batcher) recordsFor(item publish.Item) []Record {
	uris := []string{item.WebURI}
	if b.mirrorWrites {
		uris = publish.URIsWithAliases(uris, b.aliases)
	}
	records := make([]Record, 0, len(uris))
	for _, uri := range uris {
		records = append(records, Record{Item: item, WebURI: uri})
	}
	return records
}

// WriteBatch submits one batch write (or delete). Unprocessed items
// returned by the backend are retried with exponential backoff up to
// the configured retry budget; exhaustion is a permanent error.
func (b *Batcher) WriteBatch(ctx context.Context, batch Batch, delete bool) error {
	requests := make([]types.WriteRequest, 0, len(batch))
	for _, rec := range batch {
		requests = append(requests, b.writeRequest(rec, delete))
	}

	remaining := map[string][]types.WriteRequest{b.cfg.Table: requests}

	for attempt := 0; attempt < b.cfg.MaxTries; attempt++ {
		if attempt > 0 {
			b.sleep(backoffDelay(attempt))
		}

		out, err := b.client.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{
			RequestItems: remaining,
		})
		if err != nil {
			return fmt.Errorf("batch write to %s: %w", b.cfg.Table, err)
		}

		if len(out.UnprocessedItems) == 0 || len(out.UnprocessedItems[b.cfg.Table]) == 0 {
			return nil
		}

		remaining = out.UnprocessedItems
		b.log.Warn("Retrying unprocessed batch items",
			zap.Int("count", len(remaining[b.cfg.Table])),
			zap.Int("attempt", attempt+1),
			zap.String("event", "publish"))
	}

	return fmt.Errorf("batch write to %s: %d unprocessed item(s) after %d tries",
		b.cfg.Table, len(remaining[b.cfg.Table]), b.cfg.MaxTries)
}

func (b *Batcher) writeRequest(rec Record, delete bool) types.WriteRequest {
	if delete {
		return types.WriteRequest{
			DeleteRequest: &types.DeleteRequest{
				Key: map[string]types.AttributeValue{
					"web_uri":   &types.AttributeValueMemberS{Value: rec.WebURI},
					"from_date": &types.AttributeValueMemberS{Value: b.fromDate},
				},
			},
		}
	}

	attrs := map[string]types.AttributeValue{
		"web_uri":    &types.AttributeValueMemberS{Value: rec.WebURI},
		"from_date":  &types.AttributeValueMemberS{Value: b.fromDate},
		"object_key": &types.AttributeValueMemberS{Value: rec.Item.ObjectKey},
	}
	if rec.Item.ContentType != "" {
		attrs["content_type"] = &types.AttributeValueMemberS{Value: rec.Item.ContentType}
	}

	return types.WriteRequest{
		PutRequest: &types.PutRequest{Item: attrs},
	}
}

// backoffDelay is the exponential backoff before the given retry
// attempt, capped at 20 seconds.
func backoffDelay(attempt int) time.Duration {
	delay := 100 * time.Millisecond << uint(attempt)
	if delay > 20*time.Second {
		delay = 20 * time.Second
	}
	return delay
}
