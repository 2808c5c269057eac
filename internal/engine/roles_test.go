package engine

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SauloAssefAlves/sync-kommo-sub001/internal/kommo"
)

func TestSanitizeRoleName(t *testing.T) {
	cases := map[string]string{
		"Consultor - Vendas":    "Consultor Vendas",
		"  Supervisor  ":        "Supervisor",
		"Analista   Financeiro": "Analista Financeiro",
		"E-mail Marketing":      "E-mail Marketing",
		"- Gerente -":           "Gerente",
	}
	for in, want := range cases {
		assert.Equal(t, want, SanitizeRoleName(in), "input %q", in)
	}

	long := strings.Repeat("x", 60)
	assert.Len(t, SanitizeRoleName(long), 50)
}

// rolesSnapshot builds a snapshot with one pipeline already mapped and the
// slave carrying the mapped stage, so status_rights can translate.
func rolesSnapshot(roles ...kommo.Role) *MasterSnapshot {
	return &MasterSnapshot{
		FieldGroups:  map[kommo.EntityType][]kommo.FieldGroup{},
		CustomFields: map[kommo.EntityType][]kommo.CustomField{},
		Roles:        roles,
	}
}

func seedSlavePipeline(t *testing.T, ss *slaveSync, slave *fakeRemote) (pipelineID, stageID int64) {
	t.Helper()
	created, err := slave.CreatePipeline(context.Background(), kommo.Pipeline{
		Name:     "Vendas",
		Embedded: &kommo.PipelineEmbedded{Statuses: []kommo.Stage{{Name: "Contato", Color: "#98cbff"}}},
	})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, ss.mapper.Put(ctx, KindPipeline, 11670079, created.ID))
	require.NoError(t, ss.mapper.Put(ctx, KindStage, 89684599, created.Stages()[0].ID))
	return created.ID, created.Stages()[0].ID
}

func TestSyncRoles_TranslatesStatusRights(t *testing.T) {
	master := rolesSnapshot(kommo.Role{
		ID: 301, Name: "Consultor - Vendas",
		Rights: kommo.RoleRights{
			Leads: map[string]string{"view": "A", "edit": "A"},
			StatusRights: []kommo.StatusRight{
				{EntityType: "leads", PipelineID: 11670079, StatusID: 89684599, Rights: map[string]string{"edit": "A"}},
				{EntityType: "leads", PipelineID: 11670079, StatusID: StageIDWon, Rights: map[string]string{"view": "A"}},
			},
		},
	})
	slave := newFakeRemote("slave")
	ss, report := newTestSync(t, master, slave)
	pipelineID, stageID := seedSlavePipeline(t, ss, slave)

	require.NoError(t, ss.syncRoles(context.Background()))

	assert.Equal(t, 1, report.Roles.Created)
	require.Len(t, slave.sentRoles, 1)
	sent := slave.sentRoles[0]
	assert.Equal(t, "Consultor Vendas", sent.Name)
	assert.ElementsMatch(t, []kommo.StatusRight{
		{EntityType: "leads", PipelineID: pipelineID, StatusID: stageID, Rights: map[string]string{"edit": "A"}},
		{EntityType: "leads", PipelineID: pipelineID, StatusID: StageIDWon, Rights: map[string]string{"view": "A"}},
	}, sent.Rights.StatusRights)
}

func TestSyncRoles_StripsUnreplicatedRightKinds(t *testing.T) {
	master := rolesSnapshot(kommo.Role{
		ID: 302, Name: "Gerente",
		Rights: kommo.RoleRights{
			Leads:          map[string]string{"view": "A"},
			CatalogRights:  json.RawMessage(`[{"id": 123, "rights": "A"}]`),
			SourceRights:   json.RawMessage(`[{"id": 456}]`),
			PipelineRights: json.RawMessage(`{"11670079": "A"}`),
		},
	})
	slave := newFakeRemote("slave")
	ss, _ := newTestSync(t, master, slave)
	seedSlavePipeline(t, ss, slave)

	require.NoError(t, ss.syncRoles(context.Background()))

	require.Len(t, slave.sentRoles, 1)
	sent := slave.sentRoles[0]
	assert.Nil(t, sent.Rights.CatalogRights)
	assert.Nil(t, sent.Rights.SourceRights)
	assert.Nil(t, sent.Rights.PipelineRights)

	payload, err := json.Marshal(sent)
	require.NoError(t, err)
	assert.NotContains(t, string(payload), "catalog_rights")
	assert.NotContains(t, string(payload), "source_rights")
	assert.NotContains(t, string(payload), "pipeline_rights")
}

func TestSyncRoles_StaleStatusRightDroppedAndForgotten(t *testing.T) {
	master := rolesSnapshot(kommo.Role{
		ID: 303, Name: "Analista",
		Rights: kommo.RoleRights{
			StatusRights: []kommo.StatusRight{
				{EntityType: "leads", PipelineID: 11670079, StatusID: 66666, Rights: map[string]string{"edit": "A"}},
			},
		},
	})
	slave := newFakeRemote("slave")
	ss, report := newTestSync(t, master, slave)
	seedSlavePipeline(t, ss, slave)

	ctx := context.Background()
	// mapping claims a slave stage that no longer exists
	require.NoError(t, ss.mapper.Put(ctx, KindStage, 66666, 88888))

	require.NoError(t, ss.syncRoles(ctx))

	require.Len(t, slave.sentRoles, 1)
	assert.Empty(t, slave.sentRoles[0].Rights.StatusRights)

	_, ok, err := ss.mapper.Get(ctx, KindStage, 66666)
	require.NoError(t, err)
	assert.False(t, ok, "stale mapping must be forgotten")

	require.NotEmpty(t, report.Errors)
	assert.Contains(t, report.Errors[0].Message, "stale")
}

func TestSyncRoles_UnmappedStatusRightDropped(t *testing.T) {
	master := rolesSnapshot(kommo.Role{
		ID: 304, Name: "Suporte",
		Rights: kommo.RoleRights{
			Leads: map[string]string{"view": "A"},
			StatusRights: []kommo.StatusRight{
				{EntityType: "leads", PipelineID: 99999, StatusID: 89684599, Rights: map[string]string{"edit": "A"}},
			},
		},
	})
	slave := newFakeRemote("slave")
	ss, report := newTestSync(t, master, slave)
	seedSlavePipeline(t, ss, slave)

	require.NoError(t, ss.syncRoles(context.Background()))

	// the role is still created, without the untranslatable entry
	assert.Equal(t, 1, report.Roles.Created)
	require.Len(t, slave.sentRoles, 1)
	assert.Empty(t, slave.sentRoles[0].Rights.StatusRights)
}

func TestSyncRoles_MatchesBySanitizedName(t *testing.T) {
	master := rolesSnapshot(kommo.Role{
		ID: 305, Name: "Consultor - Vendas",
		Rights: kommo.RoleRights{Leads: map[string]string{"view": "A"}},
	})
	slave := newFakeRemote("slave")
	slave.roles = []kommo.Role{{
		ID: 92000001, Name: "Consultor Vendas",
		Rights: kommo.RoleRights{Leads: map[string]string{"view": "D"}},
	}}

	ss, report := newTestSync(t, master, slave)
	seedSlavePipeline(t, ss, slave)

	require.NoError(t, ss.syncRoles(context.Background()))

	assert.Equal(t, 0, report.Roles.Created)
	assert.Equal(t, 1, report.Roles.Updated)
	requireMapping(t, ss.mapper, KindRole, 305, 92000001)
}

func TestSyncRoles_SecondRunIsIdempotent(t *testing.T) {
	master := rolesSnapshot(kommo.Role{
		ID: 306, Name: "Diretor",
		Rights: kommo.RoleRights{
			Leads:      map[string]string{"view": "A"},
			MailAccess: true,
			StatusRights: []kommo.StatusRight{
				{EntityType: "leads", PipelineID: 11670079, StatusID: 89684599, Rights: map[string]string{"edit": "A"}},
			},
		},
	})
	slave := newFakeRemote("slave")
	ss, _ := newTestSync(t, master, slave)
	seedSlavePipeline(t, ss, slave)

	ctx := context.Background()
	require.NoError(t, ss.syncRoles(ctx))
	slave.writes = 0
	slave.sentRoles = nil

	ss.report = &SlaveReport{}
	require.NoError(t, ss.syncRoles(ctx))

	assert.Equal(t, 0, slave.writes)
	assert.Empty(t, slave.sentRoles)
}
