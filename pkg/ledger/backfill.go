package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DefaultEpoch is the first day charges are computed for.
var DefaultEpoch = NewDay(2022, time.February, 20)

// AccountLister loads every account.
type AccountLister interface {
	List(ctx context.Context) ([]Account, error)
}

// ChargeWriter persists charge records by identity key.
type ChargeWriter interface {
	Write(ctx context.Context, records []ChargeRecord) (BulkResult, error)
}

// BackfillConfig bounds the days a run may process.
type BackfillConfig struct {
	Epoch Day
	// EndDay overrides the last processable day when set.
	EndDay Day
	// IncludeToday makes today processable instead of stopping at yesterday.
	IncludeToday bool
}

// DayReport is what one processed day produced.
type DayReport struct {
	Day             Day
	UsageCount      int
	Charges         []ChargeRecord
	Updated         []Account
	Rejected        []LedgerOrderError
	ChargeFailures  []BulkFailure
	AccountFailures []BulkFailure
	Warnings        []Warning
	Snapshotted     bool
}

// RunReport summarizes a backfill run.
type RunReport struct {
	RunID  string
	DryRun bool
	Epoch  Day
	EndDay Day
	Days   []DayReport
	Halt   *GapDetectedCritical
}

// CompletedDays lists the days whose snapshot was written (or would be, in a dry run).
func (report RunReport) CompletedDays() []Day {
	var days []Day
	for _, dayReport := range report.Days {
		if dayReport.Snapshotted {
			days = append(days, dayReport.Day)
		}
	}
	return days
}

type backfillState int

const (
	stateIdle backfillState = iota
	stateComputeGap
	stateProcessDay
	stateSnapshot
)

// Backfill walks every day from the epoch to the end day in order, using snapshots
// as the only completion marker. It stops at the first day that does not complete.
type Backfill struct {
	accounts  AccountLister
	charges   ChargeWriter
	generator *Generator
	applier   *Applier
	snapshots SnapshotStore
	now       func() time.Time
	config    BackfillConfig
	options   options
}

// NewBackfill wires a Backfill.
func NewBackfill(accounts AccountLister, charges ChargeWriter, generator *Generator, applier *Applier, snapshots SnapshotStore, now func() time.Time, config BackfillConfig, configure ...Option) (*Backfill, error) {
	if accounts == nil {
		return nil, fmt.Errorf("%w: account lister dependency is nil", ErrInvalidServiceConfig)
	}
	if charges == nil {
		return nil, fmt.Errorf("%w: charge writer dependency is nil", ErrInvalidServiceConfig)
	}
	if generator == nil {
		return nil, fmt.Errorf("%w: generator dependency is nil", ErrInvalidServiceConfig)
	}
	if applier == nil {
		return nil, fmt.Errorf("%w: applier dependency is nil", ErrInvalidServiceConfig)
	}
	if snapshots == nil {
		return nil, fmt.Errorf("%w: snapshot store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	if config.Epoch.IsZero() {
		config.Epoch = DefaultEpoch
	}
	resolved := newOptions(configure)
	if resolved.dryRun != applier.options.dryRun {
		return nil, fmt.Errorf("%w: applier dry run does not match backfill dry run", ErrInvalidServiceConfig)
	}
	return &Backfill{
		accounts:  accounts,
		charges:   charges,
		generator: generator,
		applier:   applier,
		snapshots: snapshots,
		now:       now,
		config:    config,
		options:   resolved,
	}, nil
}

// EndDay returns the last day this run may process.
func (backfill *Backfill) EndDay() Day {
	if !backfill.config.EndDay.IsZero() {
		return backfill.config.EndDay
	}
	today := DayOf(backfill.now())
	if backfill.config.IncludeToday {
		return today
	}
	return today.AddDays(-1)
}

// MissingDays lists every day without a snapshot, or fails with GapDetectedCritical
// when a snapshot exists after a missing day.
func (backfill *Backfill) MissingDays(ctx context.Context) ([]Day, error) {
	endDay := backfill.EndDay()
	first, found, err := backfill.nextMissingDay(ctx, backfill.config.Epoch, endDay, nil)
	if err != nil || !found {
		return nil, err
	}
	var days []Day
	for day := first; !day.After(endDay); day = day.Next() {
		days = append(days, day)
	}
	return days, nil
}

// Run processes missing days in order until caught up, halted, or a day fails.
// A failed day leaves no snapshot, so the next run retries it.
func (backfill *Backfill) Run(ctx context.Context) (RunReport, error) {
	endDay := backfill.EndDay()
	report := RunReport{RunID: uuid.NewString(), DryRun: backfill.options.dryRun, Epoch: backfill.config.Epoch, EndDay: endDay}
	logger := backfill.options.logger.With(zap.String("run_id", report.RunID), zap.Bool("dry_run", report.DryRun))
	logger.Info("backfill starting", zap.String("epoch", report.Epoch.String()), zap.String("end_day", endDay.String()))

	completed := make(map[Day]bool)
	cursor := backfill.config.Epoch
	var (
		accounts map[AccountID]Account
		day      Day
	)
	state := stateComputeGap
	for {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		switch state {
		case stateComputeGap:
			missing, found, err := backfill.nextMissingDay(ctx, cursor, endDay, completed)
			backfill.options.logOperation(ctx, OperationLog{Operation: operationGapCheck, Day: missing, Error: err})
			if err != nil {
				var gapError GapDetectedCritical
				if errors.As(err, &gapError) {
					report.Halt = &gapError
					logger.Error("CRITICAL: snapshot sequence has a hole, no charges written",
						zap.String("missing", gapError.Missing.String()),
						zap.String("present", gapError.Present.String()))
				}
				return report, err
			}
			if !found {
				state = stateIdle
				continue
			}
			day = missing
			cursor = missing
			state = stateProcessDay
		case stateProcessDay:
			if accounts == nil {
				loaded, err := backfill.loadAccounts(ctx)
				if err != nil {
					return report, err
				}
				accounts = loaded
			}
			dayReport, complete, err := backfill.processDay(ctx, day, accounts)
			report.Days = append(report.Days, dayReport)
			if err != nil {
				logger.Error("day failed", zap.String("day", day.String()), zap.Error(err))
				return report, err
			}
			if !complete {
				failures := append(append([]BulkFailure{}, dayReport.ChargeFailures...), dayReport.AccountFailures...)
				partialFailure := PartialBulkFailure{Index: "day " + day.String(), Failures: failures}
				logger.Error("day incomplete, stopping before snapshot", zap.String("day", day.String()), zap.Error(partialFailure))
				return report, partialFailure
			}
			state = stateSnapshot
		case stateSnapshot:
			refreshed, err := backfill.snapshot(ctx, day, accounts, completed)
			if err != nil {
				return report, err
			}
			accounts = refreshed
			report.Days[len(report.Days)-1].Snapshotted = true
			logger.Info("day complete", zap.String("day", day.String()))
			cursor = day.Next()
			state = stateComputeGap
		case stateIdle:
			logger.Info("backfill caught up", zap.Int("days_processed", len(report.Days)))
			return report, nil
		}
	}
}

// nextMissingDay scans [from, endDay] for the first day without a snapshot and
// verifies that no later day has one.
func (backfill *Backfill) nextMissingDay(ctx context.Context, from Day, endDay Day, completed map[Day]bool) (Day, bool, error) {
	var (
		missing Day
		found   bool
	)
	for day := from; !day.After(endDay); day = day.Next() {
		exists := completed[day]
		if !exists {
			present, err := backfill.snapshots.Exists(ctx, day)
			if err != nil {
				return Day{}, false, WrapError(errorOperationRepository, errorSubjectSnapshot, errorCodeExists, err)
			}
			exists = present
		}
		if !found && !exists {
			missing, found = day, true
			continue
		}
		if found && exists {
			return missing, true, GapDetectedCritical{Missing: missing, Present: day}
		}
	}
	return missing, found, nil
}

func (backfill *Backfill) loadAccounts(ctx context.Context) (map[AccountID]Account, error) {
	listed, err := backfill.accounts.List(ctx)
	if err != nil {
		return nil, err
	}
	accounts := make(map[AccountID]Account, len(listed))
	for _, account := range listed {
		if err := account.ValidateBindings(); err != nil {
			return nil, err
		}
		accounts[account.ID] = account
	}
	return accounts, nil
}

func (backfill *Backfill) processDay(ctx context.Context, day Day, accounts map[AccountID]Account) (DayReport, bool, error) {
	dayReport := DayReport{Day: day}
	ordered := sortedAccounts(accounts)
	generations := make([]Generation, len(ordered))
	group, groupContext := errgroup.WithContext(ctx)
	group.SetLimit(backfill.options.workers)
	for index, account := range ordered {
		group.Go(func() error {
			generation, err := backfill.generator.Generate(groupContext, account, day)
			if err != nil {
				return fmt.Errorf("generate %s for %s: %w", account.ID, day, err)
			}
			generations[index] = generation
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return dayReport, false, err
	}
	for _, generation := range generations {
		dayReport.UsageCount += generation.UsageCount
		dayReport.Charges = append(dayReport.Charges, generation.Records...)
		dayReport.Warnings = append(dayReport.Warnings, generation.Warnings...)
	}

	if !backfill.options.dryRun {
		result, err := backfill.charges.Write(ctx, dayReport.Charges)
		backfill.options.logOperation(ctx, OperationLog{Operation: operationWriteCharges, Day: day, Count: result.SuccessCount, Error: err})
		if err != nil {
			return dayReport, false, err
		}
		if len(result.Failures) > 0 {
			dayReport.ChargeFailures = result.Failures
			backfill.options.logOperation(ctx, OperationLog{
				Operation: operationWriteCharges,
				Day:       day,
				Count:     len(result.Failures),
				Error:     PartialBulkFailure{Index: "charges", Failures: result.Failures},
			})
			return dayReport, false, nil
		}
	}

	application, err := backfill.applier.Apply(ctx, day, dayReport.Charges, accounts)
	dayReport.Warnings = append(dayReport.Warnings, application.Warnings...)
	dayReport.Rejected = application.Rejected
	dayReport.AccountFailures = application.Failures
	for accountID, account := range application.Updated {
		accounts[accountID] = account
	}
	dayReport.Updated = application.UpdatedAccounts()
	if err != nil {
		return dayReport, false, err
	}
	return dayReport, application.Complete(), nil
}

// snapshot re-reads every account so credits changed during the run are captured,
// writes the day's snapshot, and returns the fresh accounts as the next day's cache.
// A dry run keeps its simulated balances instead.
func (backfill *Backfill) snapshot(ctx context.Context, day Day, accounts map[AccountID]Account, completed map[Day]bool) (map[AccountID]Account, error) {
	if backfill.options.dryRun {
		completed[day] = true
		return accounts, nil
	}
	current, err := backfill.loadAccounts(ctx)
	if err != nil {
		return accounts, err
	}
	err = backfill.snapshots.Write(ctx, day, sortedAccounts(current))
	backfill.options.logOperation(ctx, OperationLog{Operation: operationSnapshot, Day: day, Count: len(current), Error: err})
	if err != nil {
		return accounts, WrapError(errorOperationRepository, errorSubjectSnapshot, errorCodeWrite, err)
	}
	return current, nil
}

func sortedAccounts(accounts map[AccountID]Account) []Account {
	ordered := make([]Account, 0, len(accounts))
	for _, account := range accounts {
		ordered = append(ordered, account.Clone())
	}
	sort.Slice(ordered, func(left, right int) bool { return ordered[left].ID.String() < ordered[right].ID.String() })
	return ordered
}
