// Package retrystore retries transient document store failures with exponential backoff.
package retrystore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/chargeledger/pkg/ledger"
	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

// Policy bounds retries of one store call.
type Policy struct {
	MaxTries        uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	// Timeout bounds each attempt; zero leaves attempts unbounded.
	Timeout time.Duration
}

// DefaultPolicy waits 30s then 45s between three attempts, capped at ten minutes, with a
// one minute timeout per attempt.
func DefaultPolicy() Policy {
	return Policy{
		MaxTries:        3,
		InitialInterval: 30 * time.Second,
		MaxInterval:     10 * time.Minute,
		Multiplier:      1.5,
		Timeout:         time.Minute,
	}
}

// Store decorates a ledger.DocumentStore. Per-document bulk failures are results, not
// errors, and are never retried.
type Store struct {
	next   ledger.DocumentStore
	policy Policy
	logger *zap.Logger
}

// New wraps next with policy.
func New(next ledger.DocumentStore, policy Policy, logger *zap.Logger) (*Store, error) {
	if next == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ledger.ErrInvalidServiceConfig)
	}
	if policy.MaxTries == 0 {
		return nil, fmt.Errorf("%w: retry policy needs at least one try", ledger.ErrInvalidServiceConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{next: next, policy: policy, logger: logger}, nil
}

// Search implements ledger.DocumentStore.
func (store *Store) Search(ctx context.Context, indexPattern string, query ledger.Query) ([]ledger.Document, error) {
	return retry(ctx, store, "search", indexPattern, func(attempt context.Context) ([]ledger.Document, error) {
		return store.next.Search(attempt, indexPattern, query)
	})
}

// IndexUpsert implements ledger.DocumentStore.
func (store *Store) IndexUpsert(ctx context.Context, index string, document ledger.Document) error {
	_, err := retry(ctx, store, "index_upsert", index, func(attempt context.Context) (struct{}, error) {
		return struct{}{}, store.next.IndexUpsert(attempt, index, document)
	})
	return err
}

// BulkUpsert implements ledger.DocumentStore.
func (store *Store) BulkUpsert(ctx context.Context, index string, documents []ledger.Document) (ledger.BulkResult, error) {
	return retry(ctx, store, "bulk_upsert", index, func(attempt context.Context) (ledger.BulkResult, error) {
		return store.next.BulkUpsert(attempt, index, documents)
	})
}

func retry[Result any](ctx context.Context, store *Store, call string, index string, operation func(context.Context) (Result, error)) (Result, error) {
	exponential := &backoff.ExponentialBackOff{
		InitialInterval:     store.policy.InitialInterval,
		RandomizationFactor: 0,
		Multiplier:          store.policy.Multiplier,
		MaxInterval:         store.policy.MaxInterval,
	}
	exponential.Reset()
	attempt := func() (Result, error) {
		attemptContext, cancel := store.attemptContext(ctx)
		defer cancel()
		result, err := operation(attemptContext)
		if err != nil && ctx.Err() != nil {
			return result, backoff.Permanent(ctx.Err())
		}
		if errors.Is(err, ledger.ErrInvalidDocument) || errors.Is(err, ledger.ErrUnsupportedSchema) {
			return result, backoff.Permanent(err)
		}
		return result, err
	}
	notify := func(err error, wait time.Duration) {
		store.logger.Warn("store call failed, retrying",
			zap.String("call", call),
			zap.String("index", index),
			zap.Duration("wait", wait),
			zap.Error(err))
	}
	return backoff.Retry(ctx, attempt,
		backoff.WithBackOff(exponential),
		backoff.WithMaxTries(store.policy.MaxTries),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(notify))
}

func (store *Store) attemptContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if store.policy.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, store.policy.Timeout)
}
