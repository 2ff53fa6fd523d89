package mongostore

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/chargeledger/pkg/ledger"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

const (
	idField              = "_id"
	errorOperationStore  = "store"
	errorSubjectDocument = "document"
	errorSubjectSchema   = "schema"
	errorSubjectClient   = "client"
	errorCodeConnect     = "connect"
	errorCodeDecode      = "decode"
	errorCodeMigrate     = "migrate"
	errorCodeSearch      = "search"
	errorCodeUpsert      = "upsert"
	errorCodeBulk        = "bulk"
)

// Store implements ledger.DocumentStore with one collection per index.
type Store struct {
	client *mongo.Client
	db     *mongo.Database
}

// Open connects to uri and verifies the connection.
func Open(ctx context.Context, uri string, database string) (*Store, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, wrapStoreError(errorSubjectClient, errorCodeConnect, err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, wrapStoreError(errorSubjectClient, errorCodeConnect, err)
	}
	return &Store{client: client, db: client.Database(database)}, nil
}

// New returns a Store over an existing database handle.
func New(db *mongo.Database) *Store {
	return &Store{client: db.Client(), db: db}
}

// Close disconnects the client.
func (store *Store) Close(ctx context.Context) error {
	return store.client.Disconnect(ctx)
}

// Migrate creates the lookup indexes of the account and charge collections.
func (store *Store) Migrate(ctx context.Context, accountIndex string, chargeIndex string) error {
	for collection, models := range migrationIndexes(accountIndex, chargeIndex) {
		if _, err := store.db.Collection(collection).Indexes().CreateMany(ctx, models); err != nil {
			return wrapStoreError(errorSubjectSchema, errorCodeMigrate, fmt.Errorf("%s: %w", collection, err))
		}
	}
	return nil
}

// Search returns the documents of every collection matching indexPattern that satisfy
// query, ordered by id within each collection and by collection name.
func (store *Store) Search(ctx context.Context, indexPattern string, query ledger.Query) ([]ledger.Document, error) {
	collections, err := store.collections(ctx, indexPattern)
	if err != nil {
		return nil, wrapStoreError(errorSubjectDocument, errorCodeSearch, err)
	}
	filter := buildFilter(query)
	findOptions := options.Find().SetSort(bson.D{{Key: idField, Value: 1}})
	var documents []ledger.Document
	for _, collection := range collections {
		cursor, err := store.db.Collection(collection).Find(ctx, filter, findOptions)
		if err != nil {
			return nil, wrapStoreError(errorSubjectDocument, errorCodeSearch, fmt.Errorf("%s: %w", collection, err))
		}
		var raw []bson.M
		if err := cursor.All(ctx, &raw); err != nil {
			return nil, wrapStoreError(errorSubjectDocument, errorCodeDecode, fmt.Errorf("%s: %w", collection, err))
		}
		for _, entry := range raw {
			documents = append(documents, toDocument(entry))
		}
	}
	return documents, nil
}

// IndexUpsert replaces the whole document.
func (store *Store) IndexUpsert(ctx context.Context, index string, document ledger.Document) error {
	_, err := store.db.Collection(index).ReplaceOne(ctx,
		bson.M{idField: document.ID},
		toBSON(document.Body),
		options.Replace().SetUpsert(true))
	if err != nil {
		return wrapStoreError(errorSubjectDocument, errorCodeUpsert, err)
	}
	return nil
}

// BulkUpsert sets each document's fields on the stored document in one unordered bulk
// write. Write errors are reported per document; other errors fail the call.
func (store *Store) BulkUpsert(ctx context.Context, index string, documents []ledger.Document) (ledger.BulkResult, error) {
	var result ledger.BulkResult
	models := make([]mongo.WriteModel, 0, len(documents))
	positions := make([]int, 0, len(documents))
	for position, document := range documents {
		if len(document.Body) == 0 {
			result.Failures = append(result.Failures, ledger.BulkFailure{ID: document.ID, Reason: "empty document"})
			continue
		}
		models = append(models, mongo.NewUpdateOneModel().
			SetFilter(bson.M{idField: document.ID}).
			SetUpdate(bson.M{"$set": toBSON(document.Body)}).
			SetUpsert(true))
		positions = append(positions, position)
	}
	if len(models) == 0 {
		return result, nil
	}
	_, err := store.db.Collection(index).BulkWrite(ctx, models, options.BulkWrite().SetOrdered(false))
	failures, err := bulkFailures(documents, positions, err)
	if err != nil {
		return ledger.BulkResult{}, wrapStoreError(errorSubjectDocument, errorCodeBulk, err)
	}
	result.Failures = append(result.Failures, failures...)
	result.SuccessCount = len(models) - len(failures)
	return result, nil
}

func (store *Store) collections(ctx context.Context, indexPattern string) ([]string, error) {
	prefix, wildcard := strings.CutSuffix(indexPattern, "*")
	if !wildcard {
		return []string{indexPattern}, nil
	}
	names, err := store.db.ListCollectionNames(ctx, collectionFilter(prefix))
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

func collectionFilter(prefix string) bson.D {
	return bson.D{{Key: "name", Value: bson.D{{Key: "$regex", Value: "^" + regexp.QuoteMeta(prefix)}}}}
}

func buildFilter(query ledger.Query) bson.D {
	filter := bson.D{}
	fields := make([]string, 0, len(query.Terms))
	for field := range query.Terms {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	for _, field := range fields {
		filter = append(filter, bson.E{Key: field, Value: query.Terms[field]})
	}
	if query.Range != nil {
		filter = append(filter, bson.E{Key: query.Range.Field, Value: bson.D{
			{Key: "$gte", Value: query.Range.GTE},
			{Key: "$lt", Value: query.Range.LT},
		}})
	}
	return filter
}

// bulkFailures maps the write errors of a bulk write back to document ids.
func bulkFailures(documents []ledger.Document, positions []int, err error) ([]ledger.BulkFailure, error) {
	if err == nil {
		return nil, nil
	}
	var bulkError mongo.BulkWriteException
	if !errors.As(err, &bulkError) || bulkError.WriteConcernError != nil || len(bulkError.WriteErrors) == 0 {
		return nil, err
	}
	failures := make([]ledger.BulkFailure, 0, len(bulkError.WriteErrors))
	for _, writeError := range bulkError.WriteErrors {
		if writeError.Index < 0 || writeError.Index >= len(positions) {
			return nil, err
		}
		failures = append(failures, ledger.BulkFailure{
			ID:     documents[positions[writeError.Index]].ID,
			Reason: fmt.Sprintf("code %d: %s", writeError.Code, writeError.Message),
		})
	}
	return failures, nil
}

func toBSON(body map[string]any) bson.M {
	converted := make(bson.M, len(body))
	for field, value := range body {
		if field == idField {
			continue
		}
		converted[field] = value
	}
	return converted
}

func toDocument(raw bson.M) ledger.Document {
	body := make(map[string]any, len(raw))
	for field, value := range raw {
		if field == idField {
			continue
		}
		body[field] = normalize(value)
	}
	return ledger.Document{ID: fmt.Sprint(raw[idField]), Body: body}
}

func normalize(value any) any {
	switch typed := value.(type) {
	case bson.DateTime:
		return typed.Time().UTC()
	case bson.Decimal128:
		return typed.String()
	case bson.ObjectID:
		return typed.Hex()
	case time.Time:
		return typed.UTC()
	default:
		return value
	}
}

func migrationIndexes(accountIndex string, chargeIndex string) map[string][]mongo.IndexModel {
	return map[string][]mongo.IndexModel{
		accountIndex: {
			{Keys: bson.D{{Key: ledger.FieldAccountID, Value: 1}}},
		},
		chargeIndex: {
			{Keys: bson.D{{Key: ledger.FieldDate, Value: 1}, {Key: ledger.FieldAccountID, Value: 1}}},
		},
	}
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}
