package ledger

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

const (
	backfillClock = "2024-01-04T06:00:00Z"
	usageIndex    = "path-schedd-2024.01"
)

type backfillFixture struct {
	store     *memoryDocumentStore
	snapshots *memorySnapshotStore
	logger    *recorderLogger
	backfill  *Backfill
}

func newBackfillFixture(test *testing.T, snapshots *memorySnapshotStore, configure ...Option) backfillFixture {
	test.Helper()
	store := newMemoryDocumentStore()
	return wireBackfillFixture(test, store, store, snapshots, configure...)
}

func wireBackfillFixture(test *testing.T, memory *memoryDocumentStore, store DocumentStore, snapshots *memorySnapshotStore, configure ...Option) backfillFixture {
	test.Helper()
	logger := &recorderLogger{}
	configure = append(configure, WithOperationLogger(logger), WithWorkers(4))
	clock := fixedClock(backfillClock)
	repository, err := NewAccountRepository(store, DefaultAccountIndex, func() Day { return DayOf(clock()) })
	if err != nil {
		test.Fatalf("repository: %v", err)
	}
	charges, err := NewChargeRepository(store, DefaultChargeIndex, DefaultChargeIndexPattern)
	if err != nil {
		test.Fatalf("charges: %v", err)
	}
	usage, err := NewDocumentUsageSource(store, DefaultUsageIndex, "", "")
	if err != nil {
		test.Fatalf("usage: %v", err)
	}
	generator, err := NewGenerator(usage, mustEvaluator(test), configure...)
	if err != nil {
		test.Fatalf("generator: %v", err)
	}
	applier, err := NewApplier(store, DefaultAccountIndex, repository, configure...)
	if err != nil {
		test.Fatalf("applier: %v", err)
	}
	backfill, err := NewBackfill(repository, charges, generator, applier, snapshots, clock, BackfillConfig{Epoch: mustDay(test, dayValue)}, configure...)
	if err != nil {
		test.Fatalf("backfill: %v", err)
	}
	return backfillFixture{store: memory, snapshots: snapshots, logger: logger, backfill: backfill}
}

// flakyDocumentStore fails the account write of failID when it carries failDay.
type flakyDocumentStore struct {
	*memoryDocumentStore
	failID  string
	failDay string
}

func (store *flakyDocumentStore) BulkUpsert(ctx context.Context, index string, documents []Document) (BulkResult, error) {
	var (
		passed   []Document
		failures []BulkFailure
	)
	for _, document := range documents {
		if index == DefaultAccountIndex && document.ID == store.failID && document.Body["cpu"+fieldSuffixLastCharge] == store.failDay {
			failures = append(failures, BulkFailure{ID: document.ID, Reason: "version conflict"})
			continue
		}
		passed = append(passed, document)
	}
	result, err := store.memoryDocumentStore.BulkUpsert(ctx, index, passed)
	result.Failures = append(result.Failures, failures...)
	return result, err
}

// creditingDocumentStore merges credit into the account index right after the
// first account write, as an administrator adding credits mid-run would.
type creditingDocumentStore struct {
	*memoryDocumentStore
	credit  Document
	applied bool
}

func (store *creditingDocumentStore) BulkUpsert(ctx context.Context, index string, documents []Document) (BulkResult, error) {
	result, err := store.memoryDocumentStore.BulkUpsert(ctx, index, documents)
	if err == nil && index == DefaultAccountIndex && !store.applied {
		store.applied = true
		if _, err := store.memoryDocumentStore.BulkUpsert(ctx, index, []Document{store.credit}); err != nil {
			return result, err
		}
	}
	return result, err
}

// addJob stores a one hour, one CPU job ad for project on day.
func (fixture backfillFixture) addJob(test *testing.T, project string, owner string, day string) {
	test.Helper()
	fixture.addJobAd(test, project, owner, day, 0)
}

func (fixture backfillFixture) addJobAd(test *testing.T, project string, owner string, day string, gpus float64) {
	test.Helper()
	start := mustDay(test, day).Start().Add(time.Hour)
	id := fmt.Sprintf("submit1#%s#%s#%v", project, day, gpus)
	body := map[string]any{
		DefaultAccountNameAttribute: project,
		UsageFieldOwner:             owner,
		UsageFieldScheddName:        "submit1",
		UsageFieldGlobalJobID:       id,
		UsageFieldRecordTime:        float64(start.Unix()),
		UsageFieldWallClock:         3600.0,
		UsageFieldRequestCpus:       1.0,
		UsageFieldRequestMemory:     1024.0,
	}
	if gpus > 0 {
		body[UsageFieldRequestGpus] = gpus
	}
	if err := fixture.store.IndexUpsert(context.Background(), usageIndex, Document{ID: id, Body: body}); err != nil {
		test.Fatalf("add job: %v", err)
	}
}

func (fixture backfillFixture) storedAccount(test *testing.T, raw string) Account {
	test.Helper()
	body, ok := fixture.store.document(DefaultAccountIndex, raw)
	if !ok {
		test.Fatalf("account %s not stored", raw)
	}
	account, err := DecodeAccount(Document{ID: raw, Body: body})
	if err != nil {
		test.Fatalf("decode %s: %v", raw, err)
	}
	return account
}

func seedDailyJobs(test *testing.T, fixture backfillFixture, projects ...string) {
	test.Helper()
	for _, day := range []string{"2024-01-01", "2024-01-02", "2024-01-03"} {
		for _, project := range projects {
			fixture.addJob(test, project, "alice", day)
		}
	}
}

func TestBackfillProcessesEveryMissingDay(test *testing.T) {
	test.Parallel()
	fixture := newBackfillFixture(test, newMemorySnapshotStore())
	seedAccount(test, fixture.store, newTestAccount(test, "AlphaGroup"))
	seedAccount(test, fixture.store, newTestAccount(test, "BetaGroup"))
	seedDailyJobs(test, fixture, "AlphaGroup", "BetaGroup")

	report, err := fixture.backfill.Run(context.Background())
	if err != nil {
		test.Fatalf("run: %v", err)
	}
	if report.RunID == "" || report.EndDay.String() != "2024-01-03" {
		test.Fatalf("unexpected report header %+v", report)
	}
	completed := report.CompletedDays()
	if len(completed) != 3 || completed[0].String() != "2024-01-01" || completed[2].String() != "2024-01-03" {
		test.Fatalf("expected three completed days, got %v", completed)
	}
	if len(fixture.snapshots.writes) != 3 {
		test.Fatalf("expected three snapshots, got %v", fixture.snapshots.writes)
	}
	for _, raw := range []string{"AlphaGroup", "BetaGroup"} {
		cpu := fixture.storedAccount(test, raw).Kinds[ResourceKindCPU]
		if !almostEqual(cpu.Charges, 3) || cpu.LastChargeDate.String() != "2024-01-03" {
			test.Fatalf("unexpected %s cpu ledger %+v", raw, cpu)
		}
	}
	if fixture.store.count(DefaultChargeIndex) != 6 {
		test.Fatalf("expected six charge documents, got %d", fixture.store.count(DefaultChargeIndex))
	}
	charge, ok := fixture.store.document(DefaultChargeIndex, "AlphaGroup#2024-01-02#alice@submit1#cpu#cpu")
	if !ok || charge[FieldTotalCharges] != 1.0 {
		test.Fatalf("unexpected charge document %v", charge)
	}
	snapshot, err := fixture.snapshots.Read(context.Background(), mustDay(test, "2024-01-02"))
	if err != nil {
		test.Fatalf("read snapshot: %v", err)
	}
	if len(snapshot) != 2 || !almostEqual(snapshot[0].Kinds[ResourceKindCPU].Charges, 2) {
		test.Fatalf("expected the snapshot to hold post-apply state, got %+v", snapshot)
	}

	again, err := fixture.backfill.Run(context.Background())
	if err != nil || len(again.Days) != 0 {
		test.Fatalf("expected a caught-up run to be idle, got %+v (%v)", again.Days, err)
	}
}

func TestBackfillHaltsOnSnapshotGap(test *testing.T) {
	test.Parallel()
	snapshots := newMemorySnapshotStore(mustDay(test, "2024-01-01"), mustDay(test, "2024-01-03"))
	fixture := newBackfillFixture(test, snapshots)
	seedAccount(test, fixture.store, newTestAccount(test, "AlphaGroup"))
	seedDailyJobs(test, fixture, "AlphaGroup")

	report, err := fixture.backfill.Run(context.Background())
	if !errors.Is(err, ErrGapDetected) {
		test.Fatalf("expected gap detection, got %v", err)
	}
	if report.Halt == nil || report.Halt.Missing.String() != "2024-01-02" || report.Halt.Present.String() != "2024-01-03" {
		test.Fatalf("unexpected halt %+v", report.Halt)
	}
	if fixture.store.bulkCalls != 0 || len(snapshots.writes) != 0 || len(report.Days) != 0 {
		test.Fatalf("expected no writes, got %d bulk calls and %d snapshots", fixture.store.bulkCalls, len(snapshots.writes))
	}
	entries := fixture.logger.byOperation(operationGapCheck)
	if len(entries) != 1 || entries[0].Status != operationStatusError {
		test.Fatalf("expected a failed gap check log, got %+v", entries)
	}
	if _, err := fixture.backfill.MissingDays(context.Background()); !errors.Is(err, ErrGapDetected) {
		test.Fatalf("expected MissingDays to report the gap, got %v", err)
	}
}

func TestBackfillRetriesIncompleteDay(test *testing.T) {
	test.Parallel()
	memory := newMemoryDocumentStore()
	flaky := &flakyDocumentStore{memoryDocumentStore: memory, failID: "BetaGroup", failDay: "2024-01-02"}
	fixture := wireBackfillFixture(test, memory, flaky, newMemorySnapshotStore())
	seedAccount(test, fixture.store, newTestAccount(test, "AlphaGroup"))
	seedAccount(test, fixture.store, newTestAccount(test, "BetaGroup"))
	seedDailyJobs(test, fixture, "AlphaGroup", "BetaGroup")

	firstDay := mustDay(test, "2024-01-01")
	secondDay := mustDay(test, "2024-01-02")
	backfill := fixture.backfill

	report, err := backfill.Run(context.Background())
	if !errors.Is(err, ErrPartialBulkFailure) {
		test.Fatalf("expected a partial bulk failure, got %v", err)
	}
	if len(report.Days) != 2 || !report.Days[0].Snapshotted || report.Days[1].Snapshotted {
		test.Fatalf("expected the second day to stop before its snapshot, got %+v", report.Days)
	}
	if failures := report.Days[1].AccountFailures; len(failures) != 1 || failures[0].ID != "BetaGroup" {
		test.Fatalf("unexpected account failures %+v", failures)
	}
	if len(fixture.snapshots.writes) != 1 || !fixture.snapshots.writes[0].Equal(firstDay) {
		test.Fatalf("expected only the first snapshot, got %v", fixture.snapshots.writes)
	}

	flaky.failID = ""
	report, err = backfill.Run(context.Background())
	if err != nil {
		test.Fatalf("retry: %v", err)
	}
	if len(report.Days) != 2 || !report.Days[0].Day.Equal(secondDay) {
		test.Fatalf("expected the retry to resume at the failed day, got %+v", report.Days)
	}
	if rejected := report.Days[0].Rejected; len(rejected) != 1 || rejected[0].AccountID.String() != "AlphaGroup" {
		test.Fatalf("expected the already applied account to be rejected, got %+v", rejected)
	}
	for _, raw := range []string{"AlphaGroup", "BetaGroup"} {
		cpu := fixture.storedAccount(test, raw).Kinds[ResourceKindCPU]
		if !almostEqual(cpu.Charges, 3) || cpu.LastChargeDate.String() != "2024-01-03" {
			test.Fatalf("expected %s to be charged exactly once per day, got %+v", raw, cpu)
		}
	}
	if fixture.store.count(DefaultChargeIndex) != 6 {
		test.Fatalf("expected charge writes to stay idempotent, got %d documents", fixture.store.count(DefaultChargeIndex))
	}
}

func TestBackfillDryRunWritesNothing(test *testing.T) {
	test.Parallel()
	fixture := newBackfillFixture(test, newMemorySnapshotStore(), WithDryRun(true))
	seedAccount(test, fixture.store, newTestAccount(test, "AlphaGroup"))
	seedDailyJobs(test, fixture, "AlphaGroup")

	report, err := fixture.backfill.Run(context.Background())
	if err != nil {
		test.Fatalf("run: %v", err)
	}
	if !report.DryRun || len(report.CompletedDays()) != 3 {
		test.Fatalf("expected three simulated days, got %+v", report)
	}
	if fixture.store.bulkCalls != 0 || len(fixture.snapshots.writes) != 0 {
		test.Fatalf("dry run wrote %d bulk calls and %d snapshots", fixture.store.bulkCalls, len(fixture.snapshots.writes))
	}
	last := report.Days[2].Updated
	if len(last) != 1 || !almostEqual(last[0].Kinds[ResourceKindCPU].Charges, 3) {
		test.Fatalf("expected simulated balances to accumulate, got %+v", last)
	}
	if cpu := fixture.storedAccount(test, "AlphaGroup").Kinds[ResourceKindCPU]; cpu.Charges != 0 {
		test.Fatalf("dry run changed the stored account: %+v", cpu)
	}
}

func TestBackfillAbortsOnConfigurationError(test *testing.T) {
	test.Parallel()
	fixture := newBackfillFixture(test, newMemorySnapshotStore())
	broken := newTestAccount(test, "BrokenGroup")
	broken.Kinds[ResourceKindCPU] = KindLedger{ChargeFunction: ChargeFunctionGPU2022}
	seedAccount(test, fixture.store, broken)

	_, err := fixture.backfill.Run(context.Background())
	if !errors.Is(err, ErrConfiguration) {
		test.Fatalf("expected configuration error, got %v", err)
	}
	if fixture.store.bulkCalls != 0 || len(fixture.snapshots.writes) != 0 {
		test.Fatalf("expected no writes after a configuration error")
	}
}

func TestBackfillChargesGPUUsageOfCPUOnlyAccount(test *testing.T) {
	test.Parallel()
	fixture := newBackfillFixture(test, newMemorySnapshotStore())
	seedAccount(test, fixture.store, newTestAccount(test, "AlphaGroup"))
	cpuOnly := Document{ID: "CpuOnlyGroup", Body: map[string]any{
		FieldSchemaVersion:                "v2",
		FieldAccountID:                    "CpuOnlyGroup",
		"cpu" + fieldSuffixChargeFunction: "cpu_2022",
		"cpu" + fieldSuffixCredits:        float64(100),
	}}
	if err := fixture.store.IndexUpsert(context.Background(), DefaultAccountIndex, cpuOnly); err != nil {
		test.Fatalf("seed: %v", err)
	}
	seedDailyJobs(test, fixture, "AlphaGroup")
	fixture.addJobAd(test, "CpuOnlyGroup", "carol", "2024-01-02", 1)

	report, err := fixture.backfill.Run(context.Background())
	if err != nil {
		test.Fatalf("run: %v", err)
	}
	if len(report.CompletedDays()) != 3 {
		test.Fatalf("expected three completed days, got %v", report.CompletedDays())
	}
	gpu := fixture.storedAccount(test, "CpuOnlyGroup").Kinds[ResourceKindGPU]
	if gpu.ChargeFunction != ChargeFunctionGPU2022 || gpu.Charges <= 0 || gpu.LastChargeDate.String() != "2024-01-02" {
		test.Fatalf("unexpected gpu ledger %+v", gpu)
	}
	body, _ := fixture.store.document(DefaultAccountIndex, "CpuOnlyGroup")
	if body["gpu"+fieldSuffixChargeFunction] != "gpu_2022" {
		test.Fatalf("expected the gpu binding to be stored, got %v", body)
	}
	if cpu := fixture.storedAccount(test, "AlphaGroup").Kinds[ResourceKindCPU]; !almostEqual(cpu.Charges, 3) {
		test.Fatalf("expected AlphaGroup to be charged every day, got %+v", cpu)
	}
}

func TestBackfillSnapshotsCreditsAddedDuringRun(test *testing.T) {
	test.Parallel()
	memory := newMemoryDocumentStore()
	crediting := &creditingDocumentStore{memoryDocumentStore: memory, credit: Document{ID: "AlphaGroup", Body: map[string]any{
		"cpu" + fieldSuffixCredits: float64(1500),
	}}}
	fixture := wireBackfillFixture(test, memory, crediting, newMemorySnapshotStore())
	seedAccount(test, fixture.store, newTestAccount(test, "AlphaGroup"))
	seedDailyJobs(test, fixture, "AlphaGroup")

	if _, err := fixture.backfill.Run(context.Background()); err != nil {
		test.Fatalf("run: %v", err)
	}
	snapshot, err := fixture.snapshots.Read(context.Background(), mustDay(test, "2024-01-01"))
	if err != nil {
		test.Fatalf("read snapshot: %v", err)
	}
	cpu := snapshot[0].Kinds[ResourceKindCPU]
	if cpu.Credits != 1500 || !almostEqual(cpu.Charges, 1) {
		test.Fatalf("expected the snapshot to carry the added credits, got %+v", cpu)
	}
	if stored := fixture.storedAccount(test, "AlphaGroup").Kinds[ResourceKindCPU]; stored.Credits != 1500 || !almostEqual(stored.Charges, 3) {
		test.Fatalf("unexpected stored cpu ledger %+v", stored)
	}
}

func TestBackfillMissingDaysAndEndDay(test *testing.T) {
	test.Parallel()
	fixture := newBackfillFixture(test, newMemorySnapshotStore(mustDay(test, "2024-01-01")))
	missing, err := fixture.backfill.MissingDays(context.Background())
	if err != nil {
		test.Fatalf("missing days: %v", err)
	}
	if len(missing) != 2 || missing[0].String() != "2024-01-02" || missing[1].String() != "2024-01-03" {
		test.Fatalf("unexpected missing days %v", missing)
	}

	store := newMemoryDocumentStore()
	repository, err := NewAccountRepository(store, DefaultAccountIndex, func() Day { return mustDay(test, dayValue) })
	if err != nil {
		test.Fatalf("repository: %v", err)
	}
	charges, _ := NewChargeRepository(store, DefaultChargeIndex, "")
	generator := mustGenerator(test, newStaticUsageSource())
	applier, _ := NewApplier(store, DefaultAccountIndex, repository)
	testCases := []struct {
		name   string
		config BackfillConfig
		want   string
	}{
		{name: "yesterday by default", config: BackfillConfig{}, want: "2024-01-03"},
		{name: "today when included", config: BackfillConfig{IncludeToday: true}, want: "2024-01-04"},
		{name: "explicit end day", config: BackfillConfig{EndDay: mustDay(test, "2023-12-31")}, want: "2023-12-31"},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			backfill, err := NewBackfill(repository, charges, generator, applier, newMemorySnapshotStore(), fixedClock(backfillClock), testCase.config)
			if err != nil {
				test.Fatalf("backfill: %v", err)
			}
			if backfill.EndDay().String() != testCase.want {
				test.Fatalf("expected %s, got %s", testCase.want, backfill.EndDay())
			}
		})
	}
}

func TestNewBackfillRejectsMismatchedDryRun(test *testing.T) {
	test.Parallel()
	store := newMemoryDocumentStore()
	repository, err := NewAccountRepository(store, DefaultAccountIndex, func() Day { return mustDay(test, dayValue) })
	if err != nil {
		test.Fatalf("repository: %v", err)
	}
	charges, _ := NewChargeRepository(store, DefaultChargeIndex, "")
	applier, _ := NewApplier(store, DefaultAccountIndex, repository)
	_, err = NewBackfill(repository, charges, mustGenerator(test, newStaticUsageSource()), applier, newMemorySnapshotStore(), time.Now, BackfillConfig{}, WithDryRun(true))
	if !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected ErrInvalidServiceConfig, got %v", err)
	}
}
