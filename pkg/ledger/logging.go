package ledger

import (
	"context"

	"go.uber.org/zap"
)

// OperationLogger records domain-level events emitted by ledger operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing ledger operation.
type OperationLog struct {
	Operation string
	AccountID AccountID
	Day       Day
	Amount    float64
	Count     int
	Status    string
	Error     error
}

// Option configures the generator, applier, repositories, and backfill.
type Option func(*options)

type options struct {
	logger           *zap.Logger
	operationLoggers []OperationLogger
	dryRun           bool
	workers          int
}

func newOptions(configure []Option) options {
	resolved := options{logger: zap.NewNop(), workers: 1}
	for _, option := range configure {
		if option != nil {
			option(&resolved)
		}
	}
	return resolved
}

// WithLogger sets the structured logger.
func WithLogger(logger *zap.Logger) Option {
	return func(resolved *options) {
		if logger != nil {
			resolved.logger = logger
		}
	}
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
// It may be given more than once.
func WithOperationLogger(logger OperationLogger) Option {
	return func(resolved *options) {
		if logger != nil {
			resolved.operationLoggers = append(resolved.operationLoggers, logger)
		}
	}
}

// WithDryRun computes everything without mutating the store or writing snapshots.
func WithDryRun(dryRun bool) Option {
	return func(resolved *options) {
		resolved.dryRun = dryRun
	}
}

// WithWorkers bounds the number of accounts generated concurrently.
func WithWorkers(workers int) Option {
	return func(resolved *options) {
		if workers > 0 {
			resolved.workers = workers
		}
	}
}

func (resolved options) logOperation(ctx context.Context, entry OperationLog) {
	if len(resolved.operationLoggers) == 0 {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	for _, logger := range resolved.operationLoggers {
		logger.LogOperation(ctx, entry)
	}
}

// ZapOperationLogger writes operation callbacks to a zap logger.
type ZapOperationLogger struct {
	logger *zap.Logger
}

// NewZapOperationLogger wraps logger.
func NewZapOperationLogger(logger *zap.Logger) *ZapOperationLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapOperationLogger{logger: logger}
}

// LogOperation implements OperationLogger.
func (operationLogger *ZapOperationLogger) LogOperation(_ context.Context, entry OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("status", entry.Status),
	}
	if entry.AccountID.String() != "" {
		fields = append(fields, zap.String("account_id", entry.AccountID.String()))
	}
	if !entry.Day.IsZero() {
		fields = append(fields, zap.String("day", entry.Day.String()))
	}
	if entry.Amount != 0 {
		fields = append(fields, zap.Float64("amount", entry.Amount))
	}
	if entry.Count != 0 {
		fields = append(fields, zap.Int("count", entry.Count))
	}
	if entry.Error != nil {
		operationLogger.logger.Warn("ledger operation failed", append(fields, zap.Error(entry.Error))...)
		return
	}
	operationLogger.logger.Debug("ledger operation", fields...)
}
