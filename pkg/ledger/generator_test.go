package ledger

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func mustGenerator(test *testing.T, usage UsageSource, configure ...Option) *Generator {
	test.Helper()
	generator, err := NewGenerator(usage, mustEvaluator(test), configure...)
	if err != nil {
		test.Fatalf("generator: %v", err)
	}
	return generator
}

func TestGenerateIsReplayable(test *testing.T) {
	test.Parallel()
	account := newTestAccount(test, accountIDValue)
	day := mustDay(test, dayValue)
	usage := newStaticUsageSource()
	usage.add(account.ID, day, cpuJob("alice", 4, 1), cpuJob("alice", 4, 1), cpuJob("bob", 1, 1))
	generator := mustGenerator(test, usage)

	first, err := generator.Generate(context.Background(), account, day)
	if err != nil {
		test.Fatalf("generate: %v", err)
	}
	second, err := generator.Generate(context.Background(), account, day)
	if err != nil {
		test.Fatalf("generate: %v", err)
	}
	if len(first.Records) != 2 || len(second.Records) != len(first.Records) {
		test.Fatalf("expected two records per run, got %d and %d", len(first.Records), len(second.Records))
	}
	for index := range first.Records {
		if first.Records[index] != second.Records[index] {
			test.Fatalf("replay differs at %d: %+v vs %+v", index, first.Records[index], second.Records[index])
		}
	}
	alice := first.Records[0]
	if alice.Key() != "AliceGroup#2024-01-01#alice@submit1#cpu#cpu" || !almostEqual(alice.Amount, 9.6) {
		test.Fatalf("unexpected alice record %+v", alice)
	}
	if alice.ChargeFunction != ChargeFunctionCPU2022 {
		test.Fatalf("expected charge function to be recorded, got %q", alice.ChargeFunction)
	}
	if first.Records[1].UserID != "bob@submit1" || first.UsageCount != 3 {
		test.Fatalf("unexpected second record %+v or usage count %d", first.Records[1], first.UsageCount)
	}
}

func TestGenerateIsOrderIndependent(test *testing.T) {
	test.Parallel()
	account := newTestAccount(test, accountIDValue)
	day := mustDay(test, dayValue)
	jobs := []UsageRecord{
		{Owner: "carol", SubmitHost: "ap40", RequestCpus: 1, RequestMemoryMiB: 10 * 1024, WallClockSeconds: 1234},
		{Owner: "carol", SubmitHost: "ap40", RequestCpus: 3, WallClockSeconds: 77},
		{Owner: "carol", SubmitHost: "ap40", RequestCpus: 9, RequestMemoryMiB: 64 * 1024, WallClockSeconds: 4321},
		{Owner: "carol", SubmitHost: "ap40", RequestCpus: 1, RequestGpus: 1, WallClockSeconds: 999},
	}
	forward := newStaticUsageSource()
	forward.add(account.ID, day, jobs...)
	backward := newStaticUsageSource()
	for index := len(jobs) - 1; index >= 0; index-- {
		backward.add(account.ID, day, jobs[index])
	}
	forwardGeneration, err := mustGenerator(test, forward).Generate(context.Background(), account, day)
	if err != nil {
		test.Fatalf("generate: %v", err)
	}
	backwardGeneration, err := mustGenerator(test, backward).Generate(context.Background(), account, day)
	if err != nil {
		test.Fatalf("generate: %v", err)
	}
	if len(forwardGeneration.Records) != len(backwardGeneration.Records) {
		test.Fatalf("record counts differ: %d vs %d", len(forwardGeneration.Records), len(backwardGeneration.Records))
	}
	for index := range forwardGeneration.Records {
		if forwardGeneration.Records[index] != backwardGeneration.Records[index] {
			test.Fatalf("records differ at %d: %+v vs %+v", index, forwardGeneration.Records[index], backwardGeneration.Records[index])
		}
	}
	kinds := map[ResourceKind]bool{}
	for _, record := range forwardGeneration.Records {
		kinds[record.Kind] = true
	}
	if !kinds[ResourceKindCPU] || !kinds[ResourceKindGPU] {
		test.Fatalf("expected records for both kinds, got %v", kinds)
	}
}

func TestGenerateExcludesOutOfRangeRecords(test *testing.T) {
	test.Parallel()
	account := newTestAccount(test, accountIDValue)
	day := mustDay(test, dayValue)
	usage := newStaticUsageSource()
	broken := cpuJob("mallory", -2, 1)
	broken.ID = "schedd#1.0"
	broken.ResourceSite = "SiteA"
	usage.add(account.ID, day, cpuJob("alice", 1, 1), broken)

	generation, err := mustGenerator(test, usage).Generate(context.Background(), account, day)
	if err != nil {
		test.Fatalf("generate: %v", err)
	}
	if len(generation.Records) != 1 || generation.Records[0].UserID != "alice@submit1" {
		test.Fatalf("expected only alice's charge, got %+v", generation.Records)
	}
	if len(generation.Warnings) != 1 || !errors.Is(generation.Warnings[0].Err, ErrOutOfRange) {
		test.Fatalf("expected one range warning, got %+v", generation.Warnings)
	}
	if generation.Warnings[0].RecordID != "schedd#1.0" || generation.Warnings[0].Site != "SiteA" {
		test.Fatalf("expected warning context, got %+v", generation.Warnings[0])
	}
}

func TestGenerateLogsNegativeChargeWarnings(test *testing.T) {
	test.Parallel()
	account := newTestAccount(test, accountIDValue)
	day := mustDay(test, dayValue)
	usage := newStaticUsageSource()
	usage.add(account.ID, day,
		UsageRecord{ID: "schedd#7.0", Owner: "dave", SubmitHost: "ap1", ResourceSite: "SiteB", RequestCpus: 1, WallClockSeconds: -3600},
		cpuJob("alice", 1, 1))
	core, observed := observer.New(zapcore.WarnLevel)
	generation, err := mustGenerator(test, usage, WithLogger(zap.New(core))).Generate(context.Background(), account, day)
	if err != nil {
		test.Fatalf("generate: %v", err)
	}
	if len(generation.Warnings) != 1 || !errors.Is(generation.Warnings[0].Err, ErrNegativeCharge) {
		test.Fatalf("expected one negative charge warning, got %+v", generation.Warnings)
	}
	if len(generation.Records) != 1 || generation.Records[0].UserID != "alice@submit1" {
		test.Fatalf("expected only the positive record, got %+v", generation.Records)
	}
	entries := observed.FilterMessage("negative charge clamped to zero").AllUntimed()
	if len(entries) != 1 {
		test.Fatalf("expected one negative charge log, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["record_id"] != "schedd#7.0" || fields["site"] != "SiteB" || fields["resource"] != ResourceNameCPU || fields["value"] != float64(-1) {
		test.Fatalf("unexpected negative charge fields %v", fields)
	}
}

func TestGenerateDropsNegligibleTotals(test *testing.T) {
	test.Parallel()
	account := newTestAccount(test, accountIDValue)
	day := mustDay(test, dayValue)
	usage := newStaticUsageSource()
	usage.add(account.ID, day, UsageRecord{Owner: "tiny", SubmitHost: "ap1", RequestCpus: 1, WallClockSeconds: 1e-6})
	generation, err := mustGenerator(test, usage).Generate(context.Background(), account, day)
	if err != nil {
		test.Fatalf("generate: %v", err)
	}
	if len(generation.Records) != 0 {
		test.Fatalf("expected negligible charges to be dropped, got %+v", generation.Records)
	}
}

func TestGenerateRequiresChargeFunctionBinding(test *testing.T) {
	test.Parallel()
	account := newTestAccount(test, accountIDValue)
	delete(account.Kinds, ResourceKindGPU)
	day := mustDay(test, dayValue)
	usage := newStaticUsageSource()
	usage.add(account.ID, day, UsageRecord{Owner: "gpuuser", RequestCpus: 1, RequestGpus: 1, WallClockSeconds: 3600})
	logger := &recorderLogger{}
	_, err := mustGenerator(test, usage, WithOperationLogger(logger)).Generate(context.Background(), account, day)
	if !errors.Is(err, ErrConfiguration) {
		test.Fatalf("expected configuration error, got %v", err)
	}
	entries := logger.byOperation(operationGenerate)
	if len(entries) != 1 || entries[0].Status != operationStatusError {
		test.Fatalf("expected one failed generate log, got %+v", entries)
	}
}

func TestGeneratePropagatesUsageErrors(test *testing.T) {
	test.Parallel()
	usage := newStaticUsageSource()
	usage.err = errStoreFailure
	_, err := mustGenerator(test, usage).Generate(context.Background(), newTestAccount(test, accountIDValue), mustDay(test, dayValue))
	if !errors.Is(err, errStoreFailure) {
		test.Fatalf("expected store failure, got %v", err)
	}
}

func TestNewGeneratorValidatesDependencies(test *testing.T) {
	test.Parallel()
	if _, err := NewGenerator(nil, mustEvaluator(test)); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected ErrInvalidServiceConfig, got %v", err)
	}
	if _, err := NewGenerator(newStaticUsageSource(), nil); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected ErrInvalidServiceConfig, got %v", err)
	}
}
