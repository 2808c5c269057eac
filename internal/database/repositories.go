package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"
)

// ErrNotFound is returned when a lookup matches no row
var ErrNotFound = errors.New("not found")

// AccountRepository provides database operations for accounts
type AccountRepository interface {
	Get(ctx context.Context, id int64) (*Account, error)
	GetBySubdomain(ctx context.Context, subdomain string) (*Account, error)
	ListByGroup(ctx context.Context, groupID int64) ([]*Account, error)
	ListAll(ctx context.Context) ([]*Account, error)
	Create(ctx context.Context, account *Account) error
	Update(ctx context.Context, account *Account) error
	Delete(ctx context.Context, id int64) error
}

type accountRepository struct {
	db *bun.DB
}

// NewAccountRepository creates a new account repository
func NewAccountRepository(db *bun.DB) AccountRepository {
	return &accountRepository{db: db}
}

func (r *accountRepository) Get(ctx context.Context, id int64) (*Account, error) {
	account := new(Account)
	err := r.db.NewSelect().
		Model(account).
		Where("id = ?", id).
		Scan(ctx)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("account %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return account, nil
}

func (r *accountRepository) GetBySubdomain(ctx context.Context, subdomain string) (*Account, error) {
	account := new(Account)
	err := r.db.NewSelect().
		Model(account).
		Where("subdomain = ?", subdomain).
		Scan(ctx)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("account %q: %w", subdomain, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return account, nil
}

func (r *accountRepository) ListByGroup(ctx context.Context, groupID int64) ([]*Account, error) {
	var accounts []*Account
	err := r.db.NewSelect().
		Model(&accounts).
		Where("sync_group_id = ?", groupID).
		Order("id ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return accounts, nil
}

func (r *accountRepository) ListAll(ctx context.Context) ([]*Account, error) {
	var accounts []*Account
	err := r.db.NewSelect().
		Model(&accounts).
		Order("id ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return accounts, nil
}

func (r *accountRepository) Create(ctx context.Context, account *Account) error {
	_, err := r.db.NewInsert().
		Model(account).
		Exec(ctx)
	return err
}

func (r *accountRepository) Update(ctx context.Context, account *Account) error {
	account.UpdatedAt = time.Now()
	_, err := r.db.NewUpdate().
		Model(account).
		WherePK().
		Exec(ctx)
	return err
}

func (r *accountRepository) Delete(ctx context.Context, id int64) error {
	_, err := r.db.NewDelete().
		Model((*Account)(nil)).
		Where("id = ?", id).
		Exec(ctx)
	return err
}

// SyncGroupRepository provides database operations for sync groups
type SyncGroupRepository interface {
	Get(ctx context.Context, id int64) (*SyncGroup, error)
	List(ctx context.Context) ([]*SyncGroup, error)
	Create(ctx context.Context, group *SyncGroup) error
	Update(ctx context.Context, group *SyncGroup) error
	Delete(ctx context.Context, id int64) error
}

type syncGroupRepository struct {
	db *bun.DB
}

// NewSyncGroupRepository creates a new sync group repository
func NewSyncGroupRepository(db *bun.DB) SyncGroupRepository {
	return &syncGroupRepository{db: db}
}

func (r *syncGroupRepository) Get(ctx context.Context, id int64) (*SyncGroup, error) {
	group := new(SyncGroup)
	err := r.db.NewSelect().
		Model(group).
		Relation("MasterAccount").
		Where("sync_group.id = ?", id).
		Scan(ctx)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sync group %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return group, nil
}

func (r *syncGroupRepository) List(ctx context.Context) ([]*SyncGroup, error) {
	var groups []*SyncGroup
	err := r.db.NewSelect().
		Model(&groups).
		Relation("MasterAccount").
		Order("sync_group.id ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return groups, nil
}

func (r *syncGroupRepository) Create(ctx context.Context, group *SyncGroup) error {
	_, err := r.db.NewInsert().
		Model(group).
		Exec(ctx)
	return err
}

func (r *syncGroupRepository) Update(ctx context.Context, group *SyncGroup) error {
	group.UpdatedAt = time.Now()
	_, err := r.db.NewUpdate().
		Model(group).
		WherePK().
		Exec(ctx)
	return err
}

func (r *syncGroupRepository) Delete(ctx context.Context, id int64) error {
	_, err := r.db.NewDelete().
		Model((*SyncGroup)(nil)).
		Where("id = ?", id).
		Exec(ctx)
	return err
}

// mappingTable describes one of the per-kind mapping tables. All five share
// the same row shape apart from the id column names.
type mappingTable struct {
	name      string
	masterCol string
	slaveCol  string
}

var mappingTables = map[string]mappingTable{
	KindPipeline:    {"pipeline_mappings", "master_pipeline_id", "slave_pipeline_id"},
	KindStage:       {"stage_mappings", "master_stage_id", "slave_stage_id"},
	KindCustomField: {"custom_field_mappings", "master_field_id", "slave_field_id"},
	KindRole:        {"role_mappings", "master_role_id", "slave_role_id"},
	KindFieldGroup:  {"field_group_mappings", "master_group_id", "slave_group_id"},
}

// MappingRepository persists the master↔slave identifier relation, one table
// per entity kind, scoped by sync group and slave account.
type MappingRepository interface {
	// Get returns the slave id mapped to masterID, reporting whether a
	// mapping exists.
	Get(ctx context.Context, kind string, groupID, slaveAccountID, masterID int64) (int64, bool, error)
	// Put upserts the mapping, replacing any prior row for the same master
	// id or the same slave id.
	Put(ctx context.Context, kind string, groupID, slaveAccountID, masterID, slaveID int64) error
	Forget(ctx context.Context, kind string, groupID, slaveAccountID, masterID int64) error
	ForgetBySlave(ctx context.Context, kind string, groupID, slaveAccountID, slaveID int64) error
	// All returns every mapping of the kind as master id → slave id.
	All(ctx context.Context, kind string, groupID, slaveAccountID int64) (map[int64]int64, error)
	// Clear removes all mappings of every kind for the group.
	Clear(ctx context.Context, groupID int64) error
}

type mappingRepository struct {
	db *bun.DB
}

// NewMappingRepository creates a new mapping repository
func NewMappingRepository(db *bun.DB) MappingRepository {
	return &mappingRepository{db: db}
}

func (r *mappingRepository) table(kind string) (mappingTable, error) {
	t, ok := mappingTables[kind]
	if !ok {
		return mappingTable{}, fmt.Errorf("unknown mapping kind %q", kind)
	}
	return t, nil
}

func (r *mappingRepository) Get(ctx context.Context, kind string, groupID, slaveAccountID, masterID int64) (int64, bool, error) {
	t, err := r.table(kind)
	if err != nil {
		return 0, false, err
	}

	var slaveID int64
	err = r.db.NewSelect().
		Table(t.name).
		Column(t.slaveCol).
		Where("sync_group_id = ? AND slave_account_id = ?", groupID, slaveAccountID).
		Where(t.masterCol+" = ?", masterID).
		Scan(ctx, &slaveID)

	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return slaveID, true, nil
}

func (r *mappingRepository) Put(ctx context.Context, kind string, groupID, slaveAccountID, masterID, slaveID int64) error {
	t, err := r.table(kind)
	if err != nil {
		return err
	}

	// Remove any row claiming the same master id or the same slave id so
	// both uniqueness invariants hold after the insert.
	_, err = r.db.NewDelete().
		Table(t.name).
		Where("sync_group_id = ? AND slave_account_id = ?", groupID, slaveAccountID).
		Where("? = ? OR ? = ?", bun.Ident(t.masterCol), masterID, bun.Ident(t.slaveCol), slaveID).
		Exec(ctx)
	if err != nil {
		return err
	}

	values := map[string]interface{}{
		"sync_group_id":    groupID,
		"slave_account_id": slaveAccountID,
		t.masterCol:        masterID,
		t.slaveCol:         slaveID,
		"created_at":       time.Now(),
	}
	_, err = r.db.NewInsert().
		Model(&values).
		TableExpr(t.name).
		Exec(ctx)
	return err
}

func (r *mappingRepository) Forget(ctx context.Context, kind string, groupID, slaveAccountID, masterID int64) error {
	t, err := r.table(kind)
	if err != nil {
		return err
	}
	_, err = r.db.NewDelete().
		Table(t.name).
		Where("sync_group_id = ? AND slave_account_id = ?", groupID, slaveAccountID).
		Where(t.masterCol+" = ?", masterID).
		Exec(ctx)
	return err
}

func (r *mappingRepository) ForgetBySlave(ctx context.Context, kind string, groupID, slaveAccountID, slaveID int64) error {
	t, err := r.table(kind)
	if err != nil {
		return err
	}
	_, err = r.db.NewDelete().
		Table(t.name).
		Where("sync_group_id = ? AND slave_account_id = ?", groupID, slaveAccountID).
		Where(t.slaveCol+" = ?", slaveID).
		Exec(ctx)
	return err
}

func (r *mappingRepository) All(ctx context.Context, kind string, groupID, slaveAccountID int64) (map[int64]int64, error) {
	t, err := r.table(kind)
	if err != nil {
		return nil, err
	}

	var rows []struct {
		MasterID int64
		SlaveID  int64
	}
	err = r.db.NewSelect().
		Table(t.name).
		ColumnExpr("? AS master_id, ? AS slave_id", bun.Ident(t.masterCol), bun.Ident(t.slaveCol)).
		Where("sync_group_id = ? AND slave_account_id = ?", groupID, slaveAccountID).
		Scan(ctx, &rows)
	if err != nil {
		return nil, err
	}

	out := make(map[int64]int64, len(rows))
	for _, row := range rows {
		out[row.MasterID] = row.SlaveID
	}
	return out, nil
}

func (r *mappingRepository) Clear(ctx context.Context, groupID int64) error {
	for _, t := range mappingTables {
		_, err := r.db.NewDelete().
			Table(t.name).
			Where("sync_group_id = ?", groupID).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("failed to clear %s: %w", t.name, err)
		}
	}
	return nil
}

// SyncLogRepository persists per-run sync logs
type SyncLogRepository interface {
	Create(ctx context.Context, entry *SyncLog) error
	Finish(ctx context.Context, runID, status, reportJSON string, finishedAt time.Time) error
	Last(ctx context.Context, groupID int64) (*SyncLog, error)
	ListByGroup(ctx context.Context, groupID int64, limit int) ([]*SyncLog, error)
}

type syncLogRepository struct {
	db *bun.DB
}

// NewSyncLogRepository creates a new sync log repository
func NewSyncLogRepository(db *bun.DB) SyncLogRepository {
	return &syncLogRepository{db: db}
}

func (r *syncLogRepository) Create(ctx context.Context, entry *SyncLog) error {
	_, err := r.db.NewInsert().
		Model(entry).
		Exec(ctx)
	return err
}

func (r *syncLogRepository) Finish(ctx context.Context, runID, status, reportJSON string, finishedAt time.Time) error {
	_, err := r.db.NewUpdate().
		Model((*SyncLog)(nil)).
		Set("status = ?", status).
		Set("report_json = ?", reportJSON).
		Set("finished_at = ?", finishedAt).
		Where("run_id = ?", runID).
		Exec(ctx)
	return err
}

func (r *syncLogRepository) Last(ctx context.Context, groupID int64) (*SyncLog, error) {
	entry := new(SyncLog)
	err := r.db.NewSelect().
		Model(entry).
		Where("sync_group_id = ?", groupID).
		Order("started_at DESC", "id DESC").
		Limit(1).
		Scan(ctx)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sync log for group %d: %w", groupID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return entry, nil
}

func (r *syncLogRepository) ListByGroup(ctx context.Context, groupID int64, limit int) ([]*SyncLog, error) {
	var entries []*SyncLog
	q := r.db.NewSelect().
		Model(&entries).
		Where("sync_group_id = ?", groupID).
		Order("started_at DESC", "id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, err
	}
	return entries, nil
}
