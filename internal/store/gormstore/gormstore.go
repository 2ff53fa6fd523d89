package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/chargeledger/pkg/ledger"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	bodyColumn            = "body"
	likeEscape            = `\`
	pgUniqueViolationCode = "23505"
	sqliteConstraintCode  = 19
	errorOperationStore   = "store"
	errorSubjectDocument  = "document"
	errorSubjectSchema    = "schema"
	errorCodeDecode       = "decode"
	errorCodeEncode       = "encode"
	errorCodeMigrate      = "migrate"
	errorCodeSearch       = "search"
	errorCodeUpsert       = "upsert"
	errorCodeBulk         = "bulk"
)

// Store implements ledger.DocumentStore on a single documents table using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates or updates the documents table.
func (store *Store) Migrate(ctx context.Context) error {
	if err := store.db.WithContext(ctx).AutoMigrate(&StoredDocument{}); err != nil {
		return wrapStoreError(errorSubjectSchema, errorCodeMigrate, err)
	}
	return nil
}

// Search returns the documents of every index matching indexPattern that satisfy query,
// ordered by document id. Term filters are pushed down as JSON predicates; the range
// filter is applied after decoding.
func (store *Store) Search(ctx context.Context, indexPattern string, query ledger.Query) ([]ledger.Document, error) {
	statement := store.db.WithContext(ctx).Model(&StoredDocument{})
	if prefix, wildcard := strings.CutSuffix(indexPattern, "*"); wildcard {
		statement = statement.Where("index_name LIKE ? ESCAPE ?", escapeLike(prefix)+"%", likeEscape)
	} else {
		statement = statement.Where("index_name = ?", indexPattern)
	}
	for _, field := range sortedTermFields(query.Terms) {
		statement = statement.Where(datatypes.JSONQuery(bodyColumn).Equals(query.Terms[field], field))
	}
	var rows []StoredDocument
	if err := statement.Order("document_id").Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectDocument, errorCodeSearch, err)
	}
	documents := make([]ledger.Document, 0, len(rows))
	for _, row := range rows {
		body, err := decodeBody(row.Body)
		if err != nil {
			return nil, wrapStoreError(errorSubjectDocument, errorCodeDecode, fmt.Errorf("%s/%s: %w", row.IndexName, row.DocumentID, err))
		}
		if !query.Matches(body) {
			continue
		}
		documents = append(documents, ledger.Document{ID: row.DocumentID, Body: body})
	}
	return documents, nil
}

// IndexUpsert replaces the whole document.
func (store *Store) IndexUpsert(ctx context.Context, index string, document ledger.Document) error {
	encoded, err := json.Marshal(document.Body)
	if err != nil {
		return wrapStoreError(errorSubjectDocument, errorCodeEncode, err)
	}
	if err := store.replace(store.db.WithContext(ctx), index, document.ID, encoded); err != nil {
		return wrapStoreError(errorSubjectDocument, errorCodeUpsert, err)
	}
	return nil
}

// BulkUpsert merges each document's fields into the stored document, creating it when
// absent. Each document runs in its own savepoint so one failure does not roll back the others.
func (store *Store) BulkUpsert(ctx context.Context, index string, documents []ledger.Document) (ledger.BulkResult, error) {
	var result ledger.BulkResult
	err := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		for _, document := range documents {
			mergeError := transaction.Transaction(func(savepoint *gorm.DB) error {
				return store.merge(savepoint, index, document)
			})
			if mergeError != nil {
				result.Failures = append(result.Failures, ledger.BulkFailure{ID: document.ID, Reason: failureReason(mergeError)})
				continue
			}
			result.SuccessCount++
		}
		return nil
	})
	if err != nil {
		return ledger.BulkResult{}, wrapStoreError(errorSubjectDocument, errorCodeBulk, err)
	}
	return result, nil
}

func (store *Store) merge(transaction *gorm.DB, index string, document ledger.Document) error {
	var existing StoredDocument
	err := transaction.
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("index_name = ? AND document_id = ?", index, document.ID).
		Take(&existing).Error
	body := make(map[string]any, len(document.Body))
	switch {
	case err == nil:
		decoded, decodeError := decodeBody(existing.Body)
		if decodeError != nil {
			return decodeError
		}
		body = decoded
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return err
	}
	for field, value := range document.Body {
		body[field] = value
	}
	encoded, err := json.Marshal(body)
	if err != nil {
		return err
	}
	return store.replace(transaction, index, document.ID, encoded)
}

func (store *Store) replace(db *gorm.DB, index string, documentID string, encoded []byte) error {
	now := time.Now().UTC()
	row := StoredDocument{
		IndexName:  index,
		DocumentID: documentID,
		Body:       datatypes.JSON(encoded),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	return db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "index_name"}, {Name: "document_id"}},
		DoUpdates: clause.AssignmentColumns([]string{bodyColumn, "updated_at"}),
	}).Create(&row).Error
}

func decodeBody(raw datatypes.JSON) (map[string]any, error) {
	body := make(map[string]any)
	if len(raw) == 0 {
		return body, nil
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, err
	}
	return body, nil
}

func sortedTermFields(terms map[string]string) []string {
	fields := make([]string, 0, len(terms))
	for field := range terms {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	return fields
}

func escapeLike(raw string) string {
	replacer := strings.NewReplacer(likeEscape, likeEscape+likeEscape, "%", likeEscape+"%", "_", likeEscape+"_")
	return replacer.Replace(raw)
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

// failureReason names a per-document failure the way the bulk result reports it.
func failureReason(err error) string {
	if isConstraintViolation(err) {
		return "constraint_violation: " + err.Error()
	}
	return err.Error()
}

func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
