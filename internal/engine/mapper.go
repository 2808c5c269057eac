package engine

import (
	"context"

	"github.com/SauloAssefAlves/sync-kommo-sub001/internal/database"
)

// Mapper is a MappingRepository scoped to one (sync group, slave account)
// pair. Reconcilers never see the scoping columns.
type Mapper struct {
	repo           database.MappingRepository
	groupID        int64
	slaveAccountID int64
}

// NewMapper scopes repo to the given group and slave account.
func NewMapper(repo database.MappingRepository, groupID, slaveAccountID int64) *Mapper {
	return &Mapper{repo: repo, groupID: groupID, slaveAccountID: slaveAccountID}
}

func (m *Mapper) Get(ctx context.Context, kind string, masterID int64) (int64, bool, error) {
	return m.repo.Get(ctx, kind, m.groupID, m.slaveAccountID, masterID)
}

func (m *Mapper) Put(ctx context.Context, kind string, masterID, slaveID int64) error {
	return m.repo.Put(ctx, kind, m.groupID, m.slaveAccountID, masterID, slaveID)
}

func (m *Mapper) Forget(ctx context.Context, kind string, masterID int64) error {
	return m.repo.Forget(ctx, kind, m.groupID, m.slaveAccountID, masterID)
}

func (m *Mapper) ForgetBySlave(ctx context.Context, kind string, slaveID int64) error {
	return m.repo.ForgetBySlave(ctx, kind, m.groupID, m.slaveAccountID, slaveID)
}

func (m *Mapper) All(ctx context.Context, kind string) (map[int64]int64, error) {
	return m.repo.All(ctx, kind, m.groupID, m.slaveAccountID)
}
