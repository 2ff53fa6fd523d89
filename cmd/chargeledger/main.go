package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/chargeledger/pkg/ledger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	flagStoreURL         = "store-url"
	flagStoreDriver      = "store-driver"
	flagAccountIndex     = "account-index"
	flagUsageIndex       = "usage-index"
	flagChargeIndex      = "charge-index"
	flagSnapshotDir      = "snapshot-dir"
	flagAccountNameAttr  = "account-name-attr"
	flagResourceNameAttr = "resource-name-attr"
	flagMemoryMiBPerGiB  = "memory-mib-per-gib"
	flagPricingFile      = "pricing-file"
	flagLogLevel         = "log-level"
	flagMetricsTextfile  = "metrics-textfile"
	flagStoreMaxTries    = "store-max-tries"
	flagStoreTimeout     = "store-timeout"

	configKeyStoreURL         = "store_url"
	configKeyStoreDriver      = "store_driver"
	configKeyAccountIndex     = "account_index"
	configKeyUsageIndex       = "usage_index"
	configKeyChargeIndex      = "charge_index"
	configKeySnapshotDir      = "snapshot_dir"
	configKeyAccountNameAttr  = "account_name_attr"
	configKeyResourceNameAttr = "resource_name_attr"
	configKeyMemoryMiBPerGiB  = "memory_mib_per_gib"
	configKeyPricingFile      = "pricing_file"
	configKeyLogLevel         = "log_level"
	configKeyMetricsTextfile  = "metrics_textfile"
	configKeyStoreMaxTries    = "store_max_tries"
	configKeyStoreTimeout     = "store_timeout"

	defaultStoreURL    = "sqlite://chargeledger.db"
	defaultSnapshotDir = "snapshots"
	defaultLogLevel    = "info"
)

// environmentBindings maps config keys to the variable names the deployment already uses.
var environmentBindings = map[string]string{
	configKeyStoreURL:         "CHARGELEDGER_STORE_URL",
	configKeyStoreDriver:      "CHARGELEDGER_STORE_DRIVER",
	configKeyAccountIndex:     "CAS_ACCOUNT_INDEX",
	configKeyUsageIndex:       "CAS_USAGE_INDEX",
	configKeyChargeIndex:      "CAS_CHARGE_INDEX",
	configKeySnapshotDir:      "CAS_SNAPSHOT_DIR",
	configKeyAccountNameAttr:  "CAS_ACCOUNT_NAME_ATTR",
	configKeyResourceNameAttr: "CAS_RESOURCE_NAME_ATTR",
	configKeyMemoryMiBPerGiB:  "CAS_MEMORY_MIB_PER_GIB",
	configKeyPricingFile:      "CHARGELEDGER_PRICING_FILE",
	configKeyLogLevel:         "CHARGELEDGER_LOG_LEVEL",
	configKeyMetricsTextfile:  "CHARGELEDGER_METRICS_TEXTFILE",
	configKeyStoreMaxTries:    "CHARGELEDGER_STORE_MAX_TRIES",
	configKeyStoreTimeout:     "CHARGELEDGER_STORE_TIMEOUT",
}

var flagBindings = map[string]string{
	configKeyStoreURL:         flagStoreURL,
	configKeyStoreDriver:      flagStoreDriver,
	configKeyAccountIndex:     flagAccountIndex,
	configKeyUsageIndex:       flagUsageIndex,
	configKeyChargeIndex:      flagChargeIndex,
	configKeySnapshotDir:      flagSnapshotDir,
	configKeyAccountNameAttr:  flagAccountNameAttr,
	configKeyResourceNameAttr: flagResourceNameAttr,
	configKeyMemoryMiBPerGiB:  flagMemoryMiBPerGiB,
	configKeyPricingFile:      flagPricingFile,
	configKeyLogLevel:         flagLogLevel,
	configKeyMetricsTextfile:  flagMetricsTextfile,
	configKeyStoreMaxTries:    flagStoreMaxTries,
	configKeyStoreTimeout:     flagStoreTimeout,
}

type runtimeConfig struct {
	StoreURL         string
	StoreDriver      string
	AccountIndex     string
	UsageIndex       string
	ChargeIndex      string
	SnapshotDir      string
	AccountNameAttr  string
	ResourceNameAttr string
	MemoryMiBPerGiB  float64
	PricingFile      string
	LogLevel         string
	MetricsTextfile  string
	StoreMaxTries    uint
	StoreTimeout     time.Duration
}

// application carries what every subcommand shares once the persistent flags are resolved.
type application struct {
	config runtimeConfig
	viper  *viper.Viper
	logger *zap.Logger
	stdout io.Writer
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "chargeledger: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	app := &application{viper: viper.New(), logger: zap.NewNop()}
	cmd := &cobra.Command{
		Use:           "chargeledger",
		Short:         "Usage billing ledger for shared compute accounts",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			app.stdout = cmd.OutOrStdout()
			if err := loadConfig(cmd, app.viper, &app.config); err != nil {
				return err
			}
			logger, err := newLogger(app.config.LogLevel)
			if err != nil {
				return err
			}
			app.logger = logger
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			_ = app.logger.Sync()
		},
	}

	flags := cmd.PersistentFlags()
	flags.String(flagStoreURL, defaultStoreURL, "document store URL (mongodb://, postgres://, sqlite://)")
	flags.String(flagStoreDriver, "", "store driver override: mongo, pgx, gorm")
	flags.String(flagAccountIndex, ledger.DefaultAccountIndex, "account index name")
	flags.String(flagUsageIndex, ledger.DefaultUsageIndex, "usage index pattern")
	flags.String(flagChargeIndex, ledger.DefaultChargeIndex, "charge record index name")
	flags.String(flagSnapshotDir, defaultSnapshotDir, "directory holding daily account snapshots")
	flags.String(flagAccountNameAttr, ledger.DefaultAccountNameAttribute, "usage attribute naming the account")
	flags.String(flagResourceNameAttr, ledger.DefaultResourceNameAttribute, "usage attribute naming the execution site")
	flags.Float64(flagMemoryMiBPerGiB, ledger.MemoryMiBPerGiBBinary, "MiB per GiB when normalizing memory (1000 or 1024)")
	flags.String(flagPricingFile, "", "YAML or JSON file overriding built-in rate tables")
	flags.String(flagLogLevel, defaultLogLevel, "log level: debug, info, warn, error")
	flags.String(flagMetricsTextfile, "", "write Prometheus metrics to this file after each command")
	flags.Uint(flagStoreMaxTries, 3, "attempts per store call")
	flags.Duration(flagStoreTimeout, time.Minute, "timeout per store call attempt")

	cmd.AddCommand(
		newRunCommand(app),
		newStatusCommand(app),
		newAccountsCommand(app),
		newChargesCommand(app),
		newMigrateAccountsCommand(app),
	)
	return cmd
}

func loadConfig(cmd *cobra.Command, settings *viper.Viper, cfg *runtimeConfig) error {
	settings.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	settings.AutomaticEnv()

	for key, variable := range environmentBindings {
		if err := settings.BindEnv(key, variable); err != nil {
			return err
		}
	}
	for key, flag := range flagBindings {
		if err := settings.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return err
		}
	}

	cfg.StoreURL = strings.TrimSpace(settings.GetString(configKeyStoreURL))
	cfg.StoreDriver = strings.TrimSpace(settings.GetString(configKeyStoreDriver))
	cfg.AccountIndex = settings.GetString(configKeyAccountIndex)
	cfg.UsageIndex = settings.GetString(configKeyUsageIndex)
	cfg.ChargeIndex = settings.GetString(configKeyChargeIndex)
	cfg.SnapshotDir = settings.GetString(configKeySnapshotDir)
	cfg.AccountNameAttr = settings.GetString(configKeyAccountNameAttr)
	cfg.ResourceNameAttr = settings.GetString(configKeyResourceNameAttr)
	cfg.MemoryMiBPerGiB = settings.GetFloat64(configKeyMemoryMiBPerGiB)
	cfg.PricingFile = settings.GetString(configKeyPricingFile)
	cfg.LogLevel = settings.GetString(configKeyLogLevel)
	cfg.MetricsTextfile = settings.GetString(configKeyMetricsTextfile)
	cfg.StoreMaxTries = settings.GetUint(configKeyStoreMaxTries)
	cfg.StoreTimeout = settings.GetDuration(configKeyStoreTimeout)

	if cfg.StoreURL == "" {
		return fmt.Errorf("store url is required")
	}
	if cfg.AccountIndex == "" || cfg.UsageIndex == "" || cfg.ChargeIndex == "" {
		return fmt.Errorf("account, usage, and charge indexes are required")
	}
	if cfg.SnapshotDir == "" {
		return fmt.Errorf("snapshot dir is required")
	}
	if cfg.StoreMaxTries == 0 {
		return fmt.Errorf("store max tries must be at least 1")
	}
	return nil
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "json"
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if level == "" {
		level = defaultLogLevel
	}
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("logger init: %w", err)
	}
	return logger, nil
}
