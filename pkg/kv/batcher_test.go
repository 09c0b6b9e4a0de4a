package kv

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/pubgate/pkg/publish"
)

type fakeAPI struct {
	batchCalls        int
	unprocessedRounds int
	fail              error
	lastInput         *dynamodb.BatchWriteItemInput
	queryOut          *dynamodb.QueryOutput
	queryErr          error
}

func (f *fakeAPI) BatchWriteItem(ctx context.Context, in *dynamodb.BatchWriteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error) {
	f.batchCalls++
	f.lastInput = in
	if f.fail != nil {
		return nil, f.fail
	}
	if f.unprocessedRounds > 0 {
		f.unprocessedRounds--
		for table, reqs := range in.RequestItems {
			return &dynamodb.BatchWriteItemOutput{
				UnprocessedItems: map[string][]types.WriteRequest{table: reqs[:1]},
			}, nil
		}
	}
	return &dynamodb.BatchWriteItemOutput{}, nil
}

func (f *fakeAPI) Query(ctx context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	if f.queryOut != nil {
		return f.queryOut, nil
	}
	return &dynamodb.QueryOutput{}, nil
}

func testItem(uri string) publish.Item {
	return publish.Item{ID: uuid.New(), WebURI: uri, ObjectKey: "abc"}
}

func newTestBatcher(api API, cfg Config) *Batcher {
	b := NewBatcher(api, cfg, "2026-08-24T00:00:00Z", false, nil)
	b.sleep = func(time.Duration) {}
	return b
}

func TestGetBatchesChunking(t *testing.T) {
	b := newTestBatcher(&fakeAPI{}, Config{Table: "t", BatchSize: 25})

	items := make([]publish.Item, 60)
	for i := range items {
		items[i] = testItem("/content/x")
	}

	batches := b.GetBatches(items)
	require.Len(t, batches, 3)
	assert.Len(t, batches[0], 25)
	assert.Len(t, batches[1], 25)
	assert.Len(t, batches[2], 10)
}

func TestGetBatchesMirrorsAliases(t *testing.T) {
	b := NewBatcher(&fakeAPI{}, Config{Table: "t", BatchSize: 25}, "2026-08-24", true, nil)
	b.aliases = []publish.Alias{
		{Src: "/origin", Dest: "/content/origin"},
	}

	batches := b.GetBatches([]publish.Item{testItem("/origin/pkg.rpm")})
	require.Len(t, batches, 1)
	require.Len(t, batches[0], 2)
	assert.Equal(t, "/origin/pkg.rpm", batches[0][0].WebURI)
	assert.Equal(t, "/content/origin/pkg.rpm", batches[0][1].WebURI)

	// Both records belong to the same item.
	assert.Len(t, batches[0].ItemIDs(), 1)
}

func TestGetBatchesKeepsItemRecordsTogether(t *testing.T) {
	// Batch size 1 with a mirrored item: the item's records must not be
	// split across batches, even though they exceed the batch size.
	b := NewBatcher(&fakeAPI{}, Config{Table: "t", BatchSize: 1}, "2026-08-24", true, nil)
	b.aliases = []publish.Alias{{Src: "/a", Dest: "/b"}}

	batches := b.GetBatches([]publish.Item{
		testItem("/a/one"),
		testItem("/a/two"),
	})
	require.Len(t, batches, 2)
	assert.Len(t, batches[0], 2)
	assert.Len(t, batches[1], 2)
}

func TestWriteBatchRetriesUnprocessed(t *testing.T) {
	api := &fakeAPI{unprocessedRounds: 2}
	b := newTestBatcher(api, Config{Table: "t"})

	batch := b.GetBatches([]publish.Item{testItem("/a"), testItem("/b")})[0]
	err := b.WriteBatch(context.Background(), batch, false)
	require.NoError(t, err)
	assert.Equal(t, 3, api.batchCalls)
}

func TestWriteBatchRetryBudgetExhausted(t *testing.T) {
	api := &fakeAPI{unprocessedRounds: 1000}
	b := newTestBatcher(api, Config{Table: "t", MaxTries: 3})

	batch := b.GetBatches([]publish.Item{testItem("/a")})[0]
	err := b.WriteBatch(context.Background(), batch, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unprocessed item(s)")
	assert.Equal(t, 3, api.batchCalls)
}

func TestWriteBatchPermanentError(t *testing.T) {
	api := &fakeAPI{fail: errors.New("throttled forever")}
	b := newTestBatcher(api, Config{Table: "t"})

	batch := b.GetBatches([]publish.Item{testItem("/a")})[0]
	err := b.WriteBatch(context.Background(), batch, false)
	require.Error(t, err)
	assert.Equal(t, 1, api.batchCalls, "client errors are not retried here")
}

func TestWriteBatchRequestShape(t *testing.T) {
	api := &fakeAPI{}
	b := newTestBatcher(api, Config{Table: "cdn"})

	item := publish.Item{
		ID:          uuid.New(),
		WebURI:      "/content/repomd.xml",
		ObjectKey:   "abc123",
		ContentType: "application/xml",
	}

	batch := b.GetBatches([]publish.Item{item})[0]
	require.NoError(t, b.WriteBatch(context.Background(), batch, false))

	reqs := api.lastInput.RequestItems["cdn"]
	require.Len(t, reqs, 1)
	put := reqs[0].PutRequest
	require.NotNil(t, put)
	assert.Equal(t, &types.AttributeValueMemberS{Value: "/content/repomd.xml"}, put.Item["web_uri"])
	assert.Equal(t, &types.AttributeValueMemberS{Value: "2026-08-24T00:00:00Z"}, put.Item["from_date"])
	assert.Equal(t, &types.AttributeValueMemberS{Value: "abc123"}, put.Item["object_key"])
	assert.Equal(t, &types.AttributeValueMemberS{Value: "application/xml"}, put.Item["content_type"])

	require.NoError(t, b.WriteBatch(context.Background(), batch, true))
	reqs = api.lastInput.RequestItems["cdn"]
	require.Len(t, reqs, 1)
	del := reqs[0].DeleteRequest
	require.NotNil(t, del)
	assert.Equal(t, &types.AttributeValueMemberS{Value: "/content/repomd.xml"}, del.Key["web_uri"])
}

func TestLoadAliases(t *testing.T) {
	configDoc := `{
		"origin_alias": [{"src": "/origin", "dest": "/content/origin"}],
		"releasever_alias": [{"src": "/rhel/9", "dest": "/rhel/9.4"}],
		"rhui_alias": []
	}`
	api := &fakeAPI{
		queryOut: &dynamodb.QueryOutput{
			Items: []map[string]types.AttributeValue{{
				"config_id": &types.AttributeValueMemberS{Value: "exodus-config"},
				"from_date": &types.AttributeValueMemberS{Value: "2026-08-01T00:00:00Z"},
				"config":    &types.AttributeValueMemberS{Value: configDoc},
			}},
		},
	}
	b := newTestBatcher(api, Config{Table: "t", ConfigTable: "cfg"})

	require.NoError(t, b.LoadAliases(context.Background()))
	assert.Equal(t, []publish.Alias{
		{Src: "/origin", Dest: "/content/origin"},
		{Src: "/rhel/9", Dest: "/rhel/9.4"},
	}, b.Aliases())
}

func TestLoadAliasesNoConfigTable(t *testing.T) {
	b := newTestBatcher(&fakeAPI{queryErr: errors.New("must not be called")}, Config{Table: "t"})
	require.NoError(t, b.LoadAliases(context.Background()))
	assert.Empty(t, b.Aliases())
}

func TestConfigValidate(t *testing.T) {
	assert.Error(t, (&Config{}).Validate())
	assert.Error(t, (&Config{Table: "t", AccessKeyID: "k"}).Validate())
	assert.Error(t, (&Config{Table: "t", BatchSize: 26}).Validate())
	assert.NoError(t, (&Config{Table: "t", BatchSize: 25}).Validate())
}
