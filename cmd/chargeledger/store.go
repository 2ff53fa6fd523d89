package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/MarkoPoloResearchLab/chargeledger/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/chargeledger/internal/store/mongostore"
	"github.com/MarkoPoloResearchLab/chargeledger/internal/store/pgstore"
	"github.com/MarkoPoloResearchLab/chargeledger/internal/store/retrystore"
	"github.com/MarkoPoloResearchLab/chargeledger/pkg/ledger"
	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	driverMongo    = "mongo"
	driverPgx      = "pgx"
	driverGorm     = "gorm"
	driverSQLite   = "sqlite"
	defaultMongoDB = "chargeledger"
)

// storeTarget is the resolved backend for a store URL.
type storeTarget struct {
	Driver string
	// Location is the DSN, Mongo URI, or SQLite path handed to the driver.
	Location string
	Database string
}

func resolveDriver(storeURL string, override string) (storeTarget, error) {
	switch {
	case strings.HasPrefix(storeURL, "mongodb://"), strings.HasPrefix(storeURL, "mongodb+srv://"):
		if override != "" && override != driverMongo {
			return storeTarget{}, fmt.Errorf("store driver %q cannot open %s", override, redact(storeURL))
		}
		parsed, err := url.Parse(storeURL)
		if err != nil {
			return storeTarget{}, fmt.Errorf("parse mongo url: %w", err)
		}
		database := strings.Trim(parsed.Path, "/")
		if database == "" {
			database = defaultMongoDB
		}
		return storeTarget{Driver: driverMongo, Location: storeURL, Database: database}, nil
	case strings.HasPrefix(storeURL, "postgres://"), strings.HasPrefix(storeURL, "postgresql://"):
		switch override {
		case "", driverPgx:
			return storeTarget{Driver: driverPgx, Location: storeURL}, nil
		case driverGorm:
			return storeTarget{Driver: driverGorm, Location: storeURL}, nil
		default:
			return storeTarget{}, fmt.Errorf("store driver %q cannot open %s", override, redact(storeURL))
		}
	}
	if override != "" && override != driverGorm && override != driverSQLite {
		return storeTarget{}, fmt.Errorf("store driver %q cannot open sqlite path %s", override, storeURL)
	}
	path := storeURL
	if strings.HasPrefix(storeURL, "sqlite://") {
		parsed, err := url.Parse(storeURL)
		if err != nil {
			return storeTarget{}, fmt.Errorf("parse sqlite url: %w", err)
		}
		path = parsed.Host + parsed.Path
		if path == "" || path == "/" {
			path = "chargeledger.db"
		}
	}
	sqlitePath, err := normalizeSQLitePath(path)
	if err != nil {
		return storeTarget{}, err
	}
	return storeTarget{Driver: driverSQLite, Location: sqlitePath}, nil
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(".", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	return path, nil
}

// openStore connects the configured backend, prepares its schema, and wraps it with retries.
func openStore(ctx context.Context, cfg runtimeConfig, log *zap.Logger) (ledger.DocumentStore, func(), error) {
	target, err := resolveDriver(cfg.StoreURL, cfg.StoreDriver)
	if err != nil {
		return nil, nil, err
	}
	var (
		store   ledger.DocumentStore
		cleanup func()
	)
	switch target.Driver {
	case driverMongo:
		mongoStore, err := mongostore.Open(ctx, target.Location, target.Database)
		if err != nil {
			return nil, nil, err
		}
		cleanup = func() { _ = mongoStore.Close(context.Background()) }
		if err := mongoStore.Migrate(ctx, cfg.AccountIndex, cfg.ChargeIndex); err != nil {
			cleanup()
			return nil, nil, err
		}
		store = mongoStore
	case driverPgx:
		pool, err := pgxpool.New(ctx, target.Location)
		if err != nil {
			return nil, nil, fmt.Errorf("database open: %w", err)
		}
		cleanup = pool.Close
		pgStore := pgstore.New(pool)
		if err := pgStore.Migrate(ctx); err != nil {
			cleanup()
			return nil, nil, err
		}
		store = pgStore
	default:
		gormDB, closeDB, err := openGorm(target)
		if err != nil {
			return nil, nil, fmt.Errorf("database open: %w", err)
		}
		cleanup = closeDB
		gormStore := gormstore.New(gormDB)
		if err := gormStore.Migrate(ctx); err != nil {
			cleanup()
			return nil, nil, err
		}
		store = gormStore
	}
	policy := retrystore.DefaultPolicy()
	policy.MaxTries = cfg.StoreMaxTries
	policy.Timeout = cfg.StoreTimeout
	retrying, err := retrystore.New(store, policy, log.Named("store"))
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	log.Debug("store opened", zap.String("driver", target.Driver))
	return retrying, cleanup, nil
}

func openGorm(target storeTarget) (*gorm.DB, func(), error) {
	cfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}
	var (
		db  *gorm.DB
		err error
	)
	if target.Driver == driverSQLite {
		db, err = gorm.Open(sqlite.Open(target.Location), cfg)
	} else {
		db, err = gorm.Open(postgres.Open(target.Location), cfg)
	}
	if err != nil {
		return nil, nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, err
	}
	if target.Driver == driverSQLite {
		sqlDB.SetMaxOpenConns(1)
	}
	return db, func() { _ = sqlDB.Close() }, nil
}

func redact(storeURL string) string {
	parsed, err := url.Parse(storeURL)
	if err != nil {
		return "store url"
	}
	return parsed.Redacted()
}
