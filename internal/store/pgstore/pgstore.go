package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/MarkoPoloResearchLab/chargeledger/pkg/ledger"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	pgUniqueViolationCode = "23505"
	likeEscape            = `\`
	errorOperationStore   = "store"
	errorSubjectDocument  = "document"
	errorSubjectSchema    = "schema"
	errorSubjectTx        = "transaction"
	errorCodeBegin        = "begin"
	errorCodeCommit       = "commit"
	errorCodeDecode       = "decode"
	errorCodeEncode       = "encode"
	errorCodeMigrate      = "migrate"
	errorCodeSearch       = "search"
	errorCodeUpsert       = "upsert"

	sqlCreateDocuments = `
		create table if not exists documents (
			index_name  text not null,
			document_id text not null,
			body        jsonb not null default '{}'::jsonb,
			created_at  timestamptz not null default now(),
			updated_at  timestamptz not null default now(),
			primary key (index_name, document_id)
		)
	`

	sqlCreateUpdatedIndex = `create index if not exists idx_documents_updated on documents(updated_at)`

	sqlReplaceDocument = `
		insert into documents(index_name, document_id, body) values ($1, $2, $3::jsonb)
		on conflict (index_name, document_id) do update set body = excluded.body, updated_at = now()
	`

	sqlMergeDocument = `
		insert into documents(index_name, document_id, body) values ($1, $2, $3::jsonb)
		on conflict (index_name, document_id) do update set body = documents.body || excluded.body, updated_at = now()
	`

	sqlSelectDocuments = `select document_id, body::text from documents`
)

// Store implements ledger.DocumentStore on a jsonb documents table using a pgx pool.
type Store struct {
	pool *pgxpool.Pool
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Migrate creates the documents table when it does not exist.
func (store *Store) Migrate(ctx context.Context) error {
	for _, statement := range []string{sqlCreateDocuments, sqlCreateUpdatedIndex} {
		if _, err := store.pool.Exec(ctx, statement); err != nil {
			return wrapStoreError(errorSubjectSchema, errorCodeMigrate, err)
		}
	}
	return nil
}

// Search returns the documents of every index matching indexPattern that satisfy query.
func (store *Store) Search(ctx context.Context, indexPattern string, query ledger.Query) ([]ledger.Document, error) {
	statement, arguments := buildSearch(indexPattern, query)
	rows, err := store.pool.Query(ctx, statement, arguments...)
	if err != nil {
		return nil, wrapStoreError(errorSubjectDocument, errorCodeSearch, err)
	}
	defer rows.Close()
	documents, err := scanDocuments(rows, query)
	if err != nil {
		return nil, wrapStoreError(errorSubjectDocument, errorCodeDecode, err)
	}
	return documents, nil
}

// IndexUpsert replaces the whole document.
func (store *Store) IndexUpsert(ctx context.Context, index string, document ledger.Document) error {
	encoded, err := json.Marshal(document.Body)
	if err != nil {
		return wrapStoreError(errorSubjectDocument, errorCodeEncode, err)
	}
	if _, err := store.pool.Exec(ctx, sqlReplaceDocument, index, document.ID, string(encoded)); err != nil {
		return wrapStoreError(errorSubjectDocument, errorCodeUpsert, err)
	}
	return nil
}

// BulkUpsert merges each document into the stored one with jsonb concatenation. Every
// document runs in its own savepoint so one failure leaves the others applied.
func (store *Store) BulkUpsert(ctx context.Context, index string, documents []ledger.Document) (ledger.BulkResult, error) {
	var result ledger.BulkResult
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return result, wrapStoreError(errorSubjectTx, errorCodeBegin, err)
	}
	for _, document := range documents {
		if err := mergeDocument(ctx, tx, index, document); err != nil {
			if ctx.Err() != nil {
				_ = tx.Rollback(ctx)
				return ledger.BulkResult{}, wrapStoreError(errorSubjectTx, errorCodeUpsert, ctx.Err())
			}
			result.Failures = append(result.Failures, ledger.BulkFailure{ID: document.ID, Reason: failureReason(err)})
			continue
		}
		result.SuccessCount++
	}
	if err := tx.Commit(ctx); err != nil {
		return ledger.BulkResult{}, wrapStoreError(errorSubjectTx, errorCodeCommit, err)
	}
	return result, nil
}

func mergeDocument(ctx context.Context, tx pgx.Tx, index string, document ledger.Document) error {
	encoded, err := json.Marshal(document.Body)
	if err != nil {
		return err
	}
	savepoint, err := tx.Begin(ctx)
	if err != nil {
		return err
	}
	if _, err := savepoint.Exec(ctx, sqlMergeDocument, index, document.ID, string(encoded)); err != nil {
		_ = savepoint.Rollback(ctx)
		return err
	}
	return savepoint.Commit(ctx)
}

// buildSearch renders the select for indexPattern and query. Terms compare the text
// value of top-level fields; the range compares numeric values only.
func buildSearch(indexPattern string, query ledger.Query) (string, []any) {
	var (
		conditions []string
		arguments  []any
	)
	placeholder := func(value any) string {
		arguments = append(arguments, value)
		return fmt.Sprintf("$%d", len(arguments))
	}
	if prefix, wildcard := strings.CutSuffix(indexPattern, "*"); wildcard {
		conditions = append(conditions, fmt.Sprintf("index_name like %s escape '%s'", placeholder(escapeLike(prefix)+"%"), likeEscape))
	} else {
		conditions = append(conditions, "index_name = "+placeholder(indexPattern))
	}
	fields := make([]string, 0, len(query.Terms))
	for field := range query.Terms {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	for _, field := range fields {
		conditions = append(conditions, fmt.Sprintf("body->>%s::text = %s::text", placeholder(field), placeholder(query.Terms[field])))
	}
	if query.Range != nil {
		field := placeholder(query.Range.Field) + "::text"
		numeric := fmt.Sprintf("(case when jsonb_typeof(body->%s) = 'number' then (body->>%s)::double precision end)", field, field)
		conditions = append(conditions,
			fmt.Sprintf("%s >= %s::double precision", numeric, placeholder(query.Range.GTE)),
			fmt.Sprintf("%s < %s::double precision", numeric, placeholder(query.Range.LT)))
	}
	return sqlSelectDocuments + " where " + strings.Join(conditions, " and ") + " order by document_id", arguments
}

func scanDocuments(rows pgx.Rows, query ledger.Query) ([]ledger.Document, error) {
	documents := make([]ledger.Document, 0, 32)
	for rows.Next() {
		var (
			documentID string
			rawBody    string
		)
		if err := rows.Scan(&documentID, &rawBody); err != nil {
			return nil, err
		}
		body := make(map[string]any)
		if err := json.Unmarshal([]byte(rawBody), &body); err != nil {
			return nil, fmt.Errorf("document %s: %w", documentID, err)
		}
		if !query.Matches(body) {
			continue
		}
		documents = append(documents, ledger.Document{ID: documentID, Body: body})
	}
	return documents, rows.Err()
}

func escapeLike(raw string) string {
	replacer := strings.NewReplacer(likeEscape, likeEscape+likeEscape, "%", likeEscape+"%", "_", likeEscape+"_")
	return replacer.Replace(raw)
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

func failureReason(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code == pgUniqueViolationCode {
			return "unique_violation: " + pgErr.Message
		}
		return pgErr.Code + ": " + pgErr.Message
	}
	return err.Error()
}
