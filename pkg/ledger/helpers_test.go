package ledger

import (
	"context"
	"errors"
	"math"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"
)

var errStoreFailure = errors.New("store failure")

type recorderLogger struct {
	mutex   sync.Mutex
	entries []OperationLog
}

func (logger *recorderLogger) LogOperation(_ context.Context, entry OperationLog) {
	logger.mutex.Lock()
	defer logger.mutex.Unlock()
	logger.entries = append(logger.entries, entry)
}

func (logger *recorderLogger) byOperation(operation string) []OperationLog {
	logger.mutex.Lock()
	defer logger.mutex.Unlock()
	var matched []OperationLog
	for _, entry := range logger.entries {
		if entry.Operation == operation {
			matched = append(matched, entry)
		}
	}
	return matched
}

// memoryDocumentStore is an in-memory DocumentStore with injectable failures.
type memoryDocumentStore struct {
	mutex       sync.Mutex
	indexes     map[string]map[string]map[string]any
	searchError error
	upsertError error
	bulkError   error
	failIDs     map[string]string
	bulkCalls   int
	upsertCalls int
}

func newMemoryDocumentStore() *memoryDocumentStore {
	return &memoryDocumentStore{
		indexes: make(map[string]map[string]map[string]any),
		failIDs: make(map[string]string),
	}
}

func (store *memoryDocumentStore) Search(_ context.Context, indexPattern string, query Query) ([]Document, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if store.searchError != nil {
		return nil, store.searchError
	}
	var documents []Document
	for index, byID := range store.indexes {
		if !matchesIndexPattern(indexPattern, index) {
			continue
		}
		for id, body := range byID {
			if query.Matches(body) {
				documents = append(documents, Document{ID: id, Body: copyBody(body)})
			}
		}
	}
	sort.Slice(documents, func(left, right int) bool { return documents[left].ID < documents[right].ID })
	return documents, nil
}

func (store *memoryDocumentStore) IndexUpsert(_ context.Context, index string, document Document) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.upsertCalls++
	if store.upsertError != nil {
		return store.upsertError
	}
	store.indexFor(index)[document.ID] = copyBody(document.Body)
	return nil
}

func (store *memoryDocumentStore) BulkUpsert(_ context.Context, index string, documents []Document) (BulkResult, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.bulkCalls++
	if store.bulkError != nil {
		return BulkResult{}, store.bulkError
	}
	var result BulkResult
	byID := store.indexFor(index)
	for _, document := range documents {
		if reason, failing := store.failIDs[document.ID]; failing {
			result.Failures = append(result.Failures, BulkFailure{ID: document.ID, Reason: reason})
			continue
		}
		merged := byID[document.ID]
		if merged == nil {
			merged = make(map[string]any)
		}
		for field, value := range document.Body {
			merged[field] = value
		}
		byID[document.ID] = merged
		result.SuccessCount++
	}
	return result, nil
}

func (store *memoryDocumentStore) indexFor(index string) map[string]map[string]any {
	byID, ok := store.indexes[index]
	if !ok {
		byID = make(map[string]map[string]any)
		store.indexes[index] = byID
	}
	return byID
}

func (store *memoryDocumentStore) document(index string, id string) (map[string]any, bool) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	body, ok := store.indexes[index][id]
	return body, ok
}

func (store *memoryDocumentStore) count(index string) int {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return len(store.indexes[index])
}

func copyBody(body map[string]any) map[string]any {
	copied := make(map[string]any, len(body))
	for field, value := range body {
		copied[field] = value
	}
	return copied
}

// memorySnapshotStore is an in-memory write-once SnapshotStore.
type memorySnapshotStore struct {
	mutex       sync.Mutex
	snapshots   map[Day][]Account
	existsError error
	writeError  error
	writes      []Day
}

func newMemorySnapshotStore(days ...Day) *memorySnapshotStore {
	store := &memorySnapshotStore{snapshots: make(map[Day][]Account)}
	for _, day := range days {
		store.snapshots[day] = nil
	}
	return store
}

func (store *memorySnapshotStore) Exists(_ context.Context, day Day) (bool, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if store.existsError != nil {
		return false, store.existsError
	}
	_, ok := store.snapshots[day]
	return ok, nil
}

func (store *memorySnapshotStore) Write(_ context.Context, day Day, accounts []Account) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if store.writeError != nil {
		return store.writeError
	}
	if _, ok := store.snapshots[day]; ok {
		return ErrSnapshotExists
	}
	store.snapshots[day] = accounts
	store.writes = append(store.writes, day)
	return nil
}

func (store *memorySnapshotStore) Read(_ context.Context, day Day) ([]Account, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	accounts, ok := store.snapshots[day]
	if !ok {
		return nil, ErrSnapshotNotFound
	}
	return accounts, nil
}

// staticUsageSource serves fixed usage per account and day.
type staticUsageSource struct {
	records map[string][]UsageRecord
	err     error
}

func newStaticUsageSource() *staticUsageSource {
	return &staticUsageSource{records: make(map[string][]UsageRecord)}
}

func (source *staticUsageSource) add(accountID AccountID, day Day, records ...UsageRecord) {
	key := accountID.String() + "|" + day.String()
	source.records[key] = append(source.records[key], records...)
}

func (source *staticUsageSource) UsageRecords(_ context.Context, accountID AccountID, day Day) ([]UsageRecord, error) {
	if source.err != nil {
		return nil, source.err
	}
	return source.records[accountID.String()+"|"+day.String()], nil
}

func mustAccountID(test *testing.T, raw string) AccountID {
	test.Helper()
	accountID, err := NewAccountID(raw)
	if err != nil {
		test.Fatalf("account id: %v", err)
	}
	return accountID
}

func mustDay(test *testing.T, raw string) Day {
	test.Helper()
	day, err := ParseDay(raw)
	if err != nil {
		test.Fatalf("day: %v", err)
	}
	return day
}

func mustEvaluator(test *testing.T) *Evaluator {
	test.Helper()
	evaluator, err := NewEvaluator(MemoryMiBPerGiBBinary, nil)
	if err != nil {
		test.Fatalf("evaluator: %v", err)
	}
	return evaluator
}

func newTestAccount(test *testing.T, raw string) Account {
	test.Helper()
	return Account{
		ID:    mustAccountID(test, raw),
		Owner: "Owner of " + raw,
		Kinds: map[ResourceKind]KindLedger{
			ResourceKindCPU: {ChargeFunction: ChargeFunctionCPU2022, Credits: 1000},
			ResourceKindGPU: {ChargeFunction: ChargeFunctionGPU2022, Credits: 100},
		},
		Schema: SchemaV2,
	}
}

func seedAccount(test *testing.T, store *memoryDocumentStore, account Account) {
	test.Helper()
	if err := store.IndexUpsert(context.Background(), DefaultAccountIndex, EncodeAccount(account)); err != nil {
		test.Fatalf("seed account: %v", err)
	}
	store.upsertCalls = 0
}

func cpuJob(owner string, cpus float64, hours float64) UsageRecord {
	return UsageRecord{
		ID:               owner + "-job",
		Owner:            owner,
		SubmitHost:       "submit1",
		WallClockSeconds: hours * secondsPerHour,
		RequestCpus:      cpus,
		RequestMemoryMiB: 1024 * cpus,
	}
}

func fixedClock(raw string) func() time.Time {
	moment, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		panic(err)
	}
	return func() time.Time { return moment }
}

func almostEqual(left float64, right float64) bool {
	return math.Abs(left-right) < 1e-9
}

// matchesIndexPattern mirrors the store adapters: a trailing * matches by prefix.
func matchesIndexPattern(pattern string, index string) bool {
	if prefix, wildcard := strings.CutSuffix(pattern, "*"); wildcard {
		return strings.HasPrefix(index, prefix)
	}
	return pattern == index
}
