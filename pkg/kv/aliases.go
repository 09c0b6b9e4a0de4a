package kv

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/3leaps/pubgate/pkg/publish"
)

// configID is the partition key of CDN config snapshots in the config
// table.
const configID = "exodus-config"

// configRecord is one config snapshot row in the config table.
type configRecord struct {
	ConfigID string `dynamodbav:"config_id"`
	FromDate string `dynamodbav:"from_date"`
	Config   string `dynamodbav:"config"`
}

// cdnConfig is the JSON config document carried by a snapshot.
type cdnConfig struct {
	OriginAlias     []aliasEntry `json:"origin_alias"`
	ReleaseverAlias []aliasEntry `json:"releasever_alias"`
	RhuiAlias       []aliasEntry `json:"rhui_alias"`
}

type aliasEntry struct {
	Src  string `json:"src"`
	Dest string `json:"dest"`
}

// LoadAliases loads the alias definitions from the most recent config
// snapshot at or before the batcher's from_date. The snapshot is
// frozen for the lifetime of the commit.
//
// With no config table configured, the alias set is empty and mirror
// writes degrade to plain writes.
func (b *Batcher) LoadAliases(ctx context.Context) error {
	if b.cfg.ConfigTable == "" {
		return nil
	}

	out, err := b.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(b.cfg.ConfigTable),
		KeyConditionExpression: aws.String("config_id = :id AND from_date <= :d"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":id": &types.AttributeValueMemberS{Value: configID},
			":d":  &types.AttributeValueMemberS{Value: b.fromDate},
		},
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(1),
	})
	if err != nil {
		return fmt.Errorf("query config table %s: %w", b.cfg.ConfigTable, err)
	}
	if len(out.Items) == 0 {
		return nil
	}

	var record configRecord
	if err := attributevalue.UnmarshalMap(out.Items[0], &record); err != nil {
		return fmt.Errorf("unmarshal config record: %w", err)
	}

	var cfg cdnConfig
	if err := json.Unmarshal([]byte(record.Config), &cfg); err != nil {
		return fmt.Errorf("parse config document: %w", err)
	}

	var aliases []publish.Alias
	for _, group := range [][]aliasEntry{cfg.OriginAlias, cfg.ReleaseverAlias, cfg.RhuiAlias} {
		for _, entry := range group {
			aliases = append(aliases, publish.Alias{Src: entry.Src, Dest: entry.Dest})
		}
	}
	b.aliases = aliases

	return nil
}
