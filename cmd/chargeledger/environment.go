package main

import (
	"context"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/chargeledger/internal/metrics"
	"github.com/MarkoPoloResearchLab/chargeledger/internal/snapshot"
	"github.com/MarkoPoloResearchLab/chargeledger/pkg/ledger"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// environment holds the ledger components one command invocation works with.
type environment struct {
	store     ledger.DocumentStore
	accounts  *ledger.AccountRepository
	charges   *ledger.ChargeRepository
	snapshots *snapshot.FileStore
	recorder  *metrics.Recorder
	fs        afero.Fs
	cleanup   func()
}

func (app *application) open(ctx context.Context) (*environment, error) {
	store, cleanup, err := openStore(ctx, app.config, app.logger)
	if err != nil {
		return nil, err
	}
	recorder, err := metrics.NewRecorder()
	if err != nil {
		cleanup()
		return nil, err
	}
	fs := afero.NewOsFs()
	env := &environment{store: store, recorder: recorder, fs: fs, cleanup: cleanup}
	env.accounts, err = ledger.NewAccountRepository(store, app.config.AccountIndex, today, app.ledgerOptions(env, "accounts")...)
	if err != nil {
		cleanup()
		return nil, err
	}
	env.charges, err = ledger.NewChargeRepository(store, app.config.ChargeIndex, app.config.ChargeIndex+"*")
	if err != nil {
		cleanup()
		return nil, err
	}
	env.snapshots, err = snapshot.NewFileStore(fs, app.config.SnapshotDir, app.config.AccountIndex)
	if err != nil {
		cleanup()
		return nil, err
	}
	return env, nil
}

// close flushes metrics when a textfile is configured and releases the store.
func (app *application) close(env *environment) {
	if app.config.MetricsTextfile != "" {
		if err := env.recorder.WriteTextfile(app.config.MetricsTextfile); err != nil {
			app.logger.Warn("metrics textfile not written", zap.Error(err))
		}
	}
	env.cleanup()
}

func (app *application) ledgerOptions(env *environment, component string, extra ...ledger.Option) []ledger.Option {
	named := app.logger.Named(component)
	configured := []ledger.Option{
		ledger.WithLogger(named),
		ledger.WithOperationLogger(ledger.NewZapOperationLogger(named)),
		ledger.WithOperationLogger(env.recorder),
	}
	return append(configured, extra...)
}

type backfillSettings struct {
	Workers         int
	DryRun          bool
	OverrideEndDate bool
	EndDate         string
	Epoch           string
}

func (app *application) newBackfill(env *environment, settings backfillSettings) (*ledger.Backfill, error) {
	config := ledger.BackfillConfig{IncludeToday: settings.OverrideEndDate}
	var err error
	if settings.Epoch != "" {
		if config.Epoch, err = ledger.ParseDay(settings.Epoch); err != nil {
			return nil, fmt.Errorf("epoch: %w", err)
		}
	}
	if settings.EndDate != "" {
		if config.EndDay, err = ledger.ParseDay(settings.EndDate); err != nil {
			return nil, fmt.Errorf("end date: %w", err)
		}
	}
	overrides, err := loadPricing(env.fs, app.config.PricingFile)
	if err != nil {
		return nil, err
	}
	evaluator, err := ledger.NewEvaluator(app.config.MemoryMiBPerGiB, overrides)
	if err != nil {
		return nil, err
	}
	usage, err := ledger.NewDocumentUsageSource(env.store, app.config.UsageIndex, app.config.AccountNameAttr, app.config.ResourceNameAttr)
	if err != nil {
		return nil, err
	}
	generator, err := ledger.NewGenerator(usage, evaluator, app.ledgerOptions(env, "generator")...)
	if err != nil {
		return nil, err
	}
	applier, err := ledger.NewApplier(env.store, app.config.AccountIndex, env.accounts, app.ledgerOptions(env, "applier", ledger.WithDryRun(settings.DryRun))...)
	if err != nil {
		return nil, err
	}
	return ledger.NewBackfill(env.accounts, env.charges, generator, applier, env.snapshots, time.Now, config,
		app.ledgerOptions(env, "backfill", ledger.WithDryRun(settings.DryRun), ledger.WithWorkers(settings.Workers))...)
}

func today() ledger.Day {
	return ledger.DayOf(time.Now())
}
