package store

import (
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/helixml/screenrelay/api/pkg/config"
	"github.com/helixml/screenrelay/api/pkg/types"
)

type PostgresStore struct {
	cfg config.Store
	gdb *gorm.DB
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(cfg config.Store) (*PostgresStore, error) {
	sslMode := "disable"
	if cfg.SSL {
		sslMode = "require"
	}
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.Username, cfg.Password, cfg.Database, sslMode,
	)

	gdb, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         NewGormLogger(200*time.Millisecond, true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(cfg.MaxConns)
	sqlDB.SetMaxIdleConns(cfg.IdleConns)
	sqlDB.SetConnMaxLifetime(cfg.MaxConnLifetime)
	sqlDB.SetConnMaxIdleTime(cfg.MaxConnIdleTime)

	store := &PostgresStore{cfg: cfg, gdb: gdb}

	if cfg.AutoMigrate {
		if err := store.MigrateUp(); err != nil {
			return nil, fmt.Errorf("there was an error doing the migration: %w", err)
		}
	}

	return store, nil
}

// NewSQLiteStore opens the same schema on sqlite. Used for single-node
// development and the test suite; the production relay runs on postgres.
func NewSQLiteStore(dsn string) (*PostgresStore, error) {
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         NewGormLogger(200*time.Millisecond, true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &PostgresStore{gdb: gdb}
	if err := store.MigrateUp(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *PostgresStore) MigrateUp() error {
	return s.gdb.AutoMigrate(
		&types.DesktopClient{},
		&types.DesktopCommand{},
	)
}

func (s *PostgresStore) Close() error {
	sqlDB, err := s.gdb.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
