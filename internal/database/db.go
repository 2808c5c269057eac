package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
	"github.com/uptrace/bun/extra/bundebug"
)

// DB wraps bun.DB and provides repository access
type DB struct {
	db *bun.DB

	Accounts AccountRepository
	Groups   SyncGroupRepository
	Mappings MappingRepository
	Logs     SyncLogRepository
}

// Option is a functional option for configuring the database
type Option func(*DB)

// WithDebug enables query logging for debugging
func WithDebug(enabled bool) Option {
	return func(db *DB) {
		if enabled {
			db.db.AddQueryHook(bundebug.NewQueryHook(
				bundebug.WithVerbose(true),
			))
			log.Info().Msg("Bun query logging enabled")
		}
	}
}

// New opens the SQLite database and prepares the repositories
func New(dsn string, opts ...Option) (*DB, error) {
	sqldb, err := sql.Open(sqliteshim.ShimName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db := bun.NewDB(sqldb, sqlitedialect.New())

	d := &DB{db: db}

	for _, opt := range opts {
		opt(d)
	}

	d.Accounts = NewAccountRepository(db)
	d.Groups = NewSyncGroupRepository(db)
	d.Mappings = NewMappingRepository(db)
	d.Logs = NewSyncLogRepository(db)

	if err := d.Migrate(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	log.Info().Str("dsn", dsn).Msg("Database initialized")
	return d, nil
}

// Close closes the database connection
func (d *DB) Close() error {
	return d.db.Close()
}

// DB returns the underlying bun.DB instance for advanced operations
func (d *DB) DB() *bun.DB {
	return d.db
}

// Migrate creates tables and indexes
func (d *DB) Migrate(ctx context.Context) error {
	models := []interface{}{
		(*Account)(nil),
		(*SyncGroup)(nil),
		(*PipelineMapping)(nil),
		(*StageMapping)(nil),
		(*CustomFieldMapping)(nil),
		(*RoleMapping)(nil),
		(*FieldGroupMapping)(nil),
		(*SyncLog)(nil),
	}

	for _, model := range models {
		if _, err := d.db.NewCreateTable().
			Model(model).
			IfNotExists().
			Exec(ctx); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}

	// Uniqueness per (group, slave account, master id) and per
	// (group, slave account, slave id): one mapping per side.
	indexes := []string{
		"CREATE UNIQUE INDEX IF NOT EXISTS idx_pipeline_mappings_master ON pipeline_mappings(sync_group_id, slave_account_id, master_pipeline_id)",
		"CREATE UNIQUE INDEX IF NOT EXISTS idx_pipeline_mappings_slave ON pipeline_mappings(sync_group_id, slave_account_id, slave_pipeline_id)",
		"CREATE UNIQUE INDEX IF NOT EXISTS idx_stage_mappings_master ON stage_mappings(sync_group_id, slave_account_id, master_stage_id)",
		"CREATE UNIQUE INDEX IF NOT EXISTS idx_stage_mappings_slave ON stage_mappings(sync_group_id, slave_account_id, slave_stage_id)",
		"CREATE UNIQUE INDEX IF NOT EXISTS idx_custom_field_mappings_master ON custom_field_mappings(sync_group_id, slave_account_id, master_field_id)",
		"CREATE UNIQUE INDEX IF NOT EXISTS idx_custom_field_mappings_slave ON custom_field_mappings(sync_group_id, slave_account_id, slave_field_id)",
		"CREATE UNIQUE INDEX IF NOT EXISTS idx_role_mappings_master ON role_mappings(sync_group_id, slave_account_id, master_role_id)",
		"CREATE UNIQUE INDEX IF NOT EXISTS idx_role_mappings_slave ON role_mappings(sync_group_id, slave_account_id, slave_role_id)",
		"CREATE UNIQUE INDEX IF NOT EXISTS idx_field_group_mappings_master ON field_group_mappings(sync_group_id, slave_account_id, master_group_id)",
		"CREATE UNIQUE INDEX IF NOT EXISTS idx_field_group_mappings_slave ON field_group_mappings(sync_group_id, slave_account_id, slave_group_id)",

		"CREATE INDEX IF NOT EXISTS idx_accounts_sync_group_id ON accounts(sync_group_id)",
		"CREATE INDEX IF NOT EXISTS idx_sync_logs_group_id ON sync_logs(sync_group_id)",
		"CREATE INDEX IF NOT EXISTS idx_sync_logs_started_at ON sync_logs(started_at)",
	}

	for _, idx := range indexes {
		if _, err := d.db.ExecContext(ctx, idx); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}

	return nil
}
