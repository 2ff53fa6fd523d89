package retrystore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/chargeledger/pkg/ledger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"go.uber.org/zap/zapcore"
)

var errTransient = errors.New("connection reset")

type flakyStore struct {
	mutex    sync.Mutex
	failures int
	failWith error
	calls    int
	deadline bool
}

func (store *flakyStore) attempt(ctx context.Context) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.calls++
	if _, ok := ctx.Deadline(); ok {
		store.deadline = true
	}
	if store.calls <= store.failures {
		return store.failWith
	}
	return nil
}

func (store *flakyStore) Search(ctx context.Context, _ string, _ ledger.Query) ([]ledger.Document, error) {
	if err := store.attempt(ctx); err != nil {
		return nil, err
	}
	return []ledger.Document{{ID: "AliceGroup"}}, nil
}

func (store *flakyStore) IndexUpsert(ctx context.Context, _ string, _ ledger.Document) error {
	return store.attempt(ctx)
}

func (store *flakyStore) BulkUpsert(ctx context.Context, _ string, documents []ledger.Document) (ledger.BulkResult, error) {
	if err := store.attempt(ctx); err != nil {
		return ledger.BulkResult{}, err
	}
	return ledger.BulkResult{
		SuccessCount: len(documents) - 1,
		Failures:     []ledger.BulkFailure{{ID: documents[0].ID, Reason: "mapper_parsing_exception"}},
	}, nil
}

func fastPolicy() Policy {
	return Policy{
		MaxTries:        3,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		Multiplier:      1.5,
		Timeout:         time.Second,
	}
}

func TestDefaultPolicy(test *testing.T) {
	test.Parallel()
	policy := DefaultPolicy()
	assert.Equal(test, uint(3), policy.MaxTries)
	assert.Equal(test, 30*time.Second, policy.InitialInterval)
	assert.Equal(test, 10*time.Minute, policy.MaxInterval)
	assert.Equal(test, 1.5, policy.Multiplier)
}

func TestSearchRetriesTransientFailures(test *testing.T) {
	test.Parallel()
	core, logs := observer.New(zapcore.WarnLevel)
	inner := &flakyStore{failures: 2, failWith: errTransient}
	store, err := New(inner, fastPolicy(), zap.New(core))
	require.NoError(test, err)

	documents, err := store.Search(context.Background(), ledger.DefaultAccountIndex, ledger.Query{})
	require.NoError(test, err)
	assert.Len(test, documents, 1)
	assert.Equal(test, 3, inner.calls)
	assert.True(test, inner.deadline)
	assert.Equal(test, 2, logs.FilterMessage("store call failed, retrying").Len())
}

func TestIndexUpsertGivesUpAfterMaxTries(test *testing.T) {
	test.Parallel()
	inner := &flakyStore{failures: 10, failWith: errTransient}
	store, err := New(inner, fastPolicy(), nil)
	require.NoError(test, err)

	err = store.IndexUpsert(context.Background(), ledger.DefaultAccountIndex, ledger.Document{ID: "AliceGroup"})
	require.ErrorIs(test, err, errTransient)
	assert.Equal(test, 3, inner.calls)
}

func TestBulkUpsertKeepsPerDocumentFailures(test *testing.T) {
	test.Parallel()
	inner := &flakyStore{}
	store, err := New(inner, fastPolicy(), nil)
	require.NoError(test, err)

	result, err := store.BulkUpsert(context.Background(), ledger.DefaultAccountIndex, []ledger.Document{{ID: "AliceGroup"}, {ID: "BetaGroup"}})
	require.NoError(test, err)
	assert.Equal(test, 1, result.SuccessCount)
	require.Len(test, result.Failures, 1)
	assert.Equal(test, 1, inner.calls)
}

func TestInvalidDocumentsAreNotRetried(test *testing.T) {
	test.Parallel()
	inner := &flakyStore{failures: 10, failWith: ledger.ErrInvalidDocument}
	store, err := New(inner, fastPolicy(), nil)
	require.NoError(test, err)

	_, err = store.Search(context.Background(), ledger.DefaultAccountIndex, ledger.Query{})
	require.ErrorIs(test, err, ledger.ErrInvalidDocument)
	assert.Equal(test, 1, inner.calls)
}

func TestCanceledContextStopsRetries(test *testing.T) {
	test.Parallel()
	inner := &flakyStore{failures: 10, failWith: errTransient}
	store, err := New(inner, fastPolicy(), nil)
	require.NoError(test, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = store.Search(ctx, ledger.DefaultAccountIndex, ledger.Query{})
	require.ErrorIs(test, err, context.Canceled)
	assert.LessOrEqual(test, inner.calls, 1)
}

func TestNewValidatesConfig(test *testing.T) {
	test.Parallel()
	_, err := New(nil, fastPolicy(), nil)
	require.ErrorIs(test, err, ledger.ErrInvalidServiceConfig)
	_, err = New(&flakyStore{}, Policy{}, nil)
	require.ErrorIs(test, err, ledger.ErrInvalidServiceConfig)
}
