// Package dynamo implements the Remote Store Adapter on a DynamoDB table.
//
// All collections share one table keyed by (collection, id). DynamoDB has no
// push channel, so Subscribe polls the collection and delivers a snapshot
// whenever its contents change.
package dynamo

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/kirana-ledger/ledger/internal/remote"
	"github.com/kirana-ledger/ledger/internal/types"
)

// API is the subset of the DynamoDB client the adapter uses.
type API interface {
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
	CreateTable(ctx context.Context, params *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
}

// Config holds adapter configuration.
type Config struct {
	Region    string
	TableName string

	// Endpoint overrides the service endpoint (e.g. DynamoDB Local).
	Endpoint string

	// AppID namespaces collections (default: remote.DefaultAppID)
	AppID string

	// PollInterval between subscription reads (default: 3s)
	PollInterval time.Duration

	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Region:       "us-east-1",
		TableName:    "LedgerDocs",
		AppID:        remote.DefaultAppID,
		PollInterval: 3 * time.Second,
	}
}

// Store is a remote.Adapter backed by DynamoDB.
type Store struct {
	api    API
	table  string
	appID  string
	poll   time.Duration
	now    func() time.Time
	logger *log.Logger
}

var _ remote.Adapter = (*Store)(nil)

// item is the stored shape of a transaction. Amounts are decimal strings.
type item struct {
	Collection  string `dynamodbav:"collection"`
	ID          string `dynamodbav:"id"`
	Date        string `dynamodbav:"date"`
	Description string `dynamodbav:"description"`
	Income      string `dynamodbav:"income"`
	Expense     string `dynamodbav:"expense"`
	CreatedAt   int64  `dynamodbav:"created_at"`
}

// Open loads the AWS configuration and creates a Store.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("unable to load AWS config: %w", err)
	}

	client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return New(client, cfg), nil
}

// New creates a Store on an existing client.
func New(api API, cfg Config) *Store {
	def := DefaultConfig()
	if cfg.TableName == "" {
		cfg.TableName = def.TableName
	}
	if cfg.AppID == "" {
		cfg.AppID = def.AppID
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[dynamo] ", log.LstdFlags)
	}
	return &Store{
		api:    api,
		table:  cfg.TableName,
		appID:  cfg.AppID,
		poll:   cfg.PollInterval,
		now:    time.Now,
		logger: cfg.Logger,
	}
}

// EnsureTable creates the table if it does not exist.
func (s *Store) EnsureTable(ctx context.Context) error {
	_, err := s.api.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(s.table)})
	if err == nil {
		return nil
	}
	var notFound *ddbtypes.ResourceNotFoundException
	if !errors.As(err, &notFound) {
		return fmt.Errorf("error checking table: %w", err)
	}

	_, err = s.api.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(s.table),
		AttributeDefinitions: []ddbtypes.AttributeDefinition{
			{AttributeName: aws.String("collection"), AttributeType: ddbtypes.ScalarAttributeTypeS},
			{AttributeName: aws.String("id"), AttributeType: ddbtypes.ScalarAttributeTypeS},
		},
		KeySchema: []ddbtypes.KeySchemaElement{
			{AttributeName: aws.String("collection"), KeyType: ddbtypes.KeyTypeHash},
			{AttributeName: aws.String("id"), KeyType: ddbtypes.KeyTypeRange},
		},
		BillingMode: ddbtypes.BillingModePayPerRequest,
	})
	if err != nil {
		var inUse *ddbtypes.ResourceInUseException
		if errors.As(err, &inUse) {
			return nil
		}
		return fmt.Errorf("failed to create table %s: %w", s.table, err)
	}
	s.logger.Printf("Created table %s", s.table)
	return nil
}

// Probe checks that the table is reachable.
func (s *Store) Probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := s.api.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(s.table)}); err != nil {
		return remote.Unavailable(err)
	}
	return nil
}

func (s *Store) collection(ledgerID string) string {
	return remote.CollectionPath(s.appID, ledgerID)
}

// List reads the whole collection.
func (s *Store) List(ctx context.Context, ledgerID string) ([]types.Transaction, error) {
	p := dynamodb.NewQueryPaginator(s.api, &dynamodb.QueryInput{
		TableName:              aws.String(s.table),
		KeyConditionExpression: aws.String("#c = :c"),
		ExpressionAttributeNames: map[string]string{
			"#c": "collection",
		},
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":c": &ddbtypes.AttributeValueMemberS{Value: s.collection(ledgerID)},
		},
		ConsistentRead: aws.Bool(true),
	})

	docs := []types.Transaction{}
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, remote.Unavailable(fmt.Errorf("Query operation failed: %w", err))
		}
		for _, av := range page.Items {
			var it item
			if err := attributevalue.UnmarshalMap(av, &it); err != nil {
				return nil, fmt.Errorf("failed to unmarshal document: %w", err)
			}
			tx, err := it.transaction()
			if err != nil {
				return nil, err
			}
			docs = append(docs, tx)
		}
	}
	return docs, nil
}

// Append implements remote.Adapter.
func (s *Store) Append(ctx context.Context, ledgerID string, in types.TransactionInput) (string, error) {
	it := item{
		Collection:  s.collection(ledgerID),
		ID:          uuid.NewString(),
		Date:        in.Date,
		Description: in.Description,
		Income:      in.Income.String(),
		Expense:     in.Expense.String(),
		CreatedAt:   s.now().UTC().UnixNano(),
	}
	av, err := attributevalue.MarshalMap(it)
	if err != nil {
		return "", fmt.Errorf("failed to marshal document: %w", err)
	}

	_, err = s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.table),
		Item:                av,
		ConditionExpression: aws.String("attribute_not_exists(id)"),
	})
	if err != nil {
		return "", remote.Unavailable(fmt.Errorf("PutItem operation failed: %w", err))
	}
	return it.ID, nil
}

// RemoveByID implements remote.Adapter. Removing a missing id succeeds.
func (s *Store) RemoveByID(ctx context.Context, ledgerID, id string) error {
	_, err := s.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.table),
		Key: map[string]ddbtypes.AttributeValue{
			"collection": &ddbtypes.AttributeValueMemberS{Value: s.collection(ledgerID)},
			"id":         &ddbtypes.AttributeValueMemberS{Value: id},
		},
	})
	if err != nil {
		return remote.Unavailable(fmt.Errorf("DeleteItem operation failed: %w", err))
	}
	return nil
}

// BulkAppend implements remote.Adapter.
func (s *Store) BulkAppend(ctx context.Context, ledgerID string, ins []types.TransactionInput) ([]string, error) {
	return remote.BulkAppendEach(ctx, ins, func(ctx context.Context, in types.TransactionInput) (string, error) {
		return s.Append(ctx, ledgerID, in)
	})
}

// Subscribe implements remote.Adapter by polling. The first read is
// delivered unconditionally; later reads only when the id set changed.
func (s *Store) Subscribe(ctx context.Context, ledgerID string, onSnapshot remote.SnapshotFunc, onError remote.ErrorFunc) func() {
	ctx, cancel := context.WithCancel(ctx)

	go func() {
		ticker := time.NewTicker(s.poll)
		defer ticker.Stop()

		last := ""
		first := true
		for {
			docs, err := s.List(ctx, ledgerID)
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				onError(err)
				return
			}

			if fp := fingerprint(docs); first || fp != last {
				first, last = false, fp
				onSnapshot(docs)
			}

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	return cancel
}

// fingerprint identifies a snapshot by its sorted ids. Documents are never
// edited in place, so the id set changes exactly when the contents do.
func fingerprint(docs []types.Transaction) string {
	ids := make([]string, len(docs))
	for i, d := range docs {
		ids[i] = d.ID
	}
	sort.Strings(ids)
	return strings.Join(ids, ",")
}

func (it item) transaction() (types.Transaction, error) {
	income, err := decimal.NewFromString(it.Income)
	if err != nil {
		return types.Transaction{}, fmt.Errorf("document %s has invalid income %q: %w", it.ID, it.Income, err)
	}
	expense, err := decimal.NewFromString(it.Expense)
	if err != nil {
		return types.Transaction{}, fmt.Errorf("document %s has invalid expense %q: %w", it.ID, it.Expense, err)
	}
	return types.Transaction{
		ID:          it.ID,
		Origin:      types.OriginRemote,
		Date:        it.Date,
		Description: it.Description,
		Income:      income,
		Expense:     expense,
		Timestamp:   time.Unix(0, it.CreatedAt).UTC(),
	}, nil
}
