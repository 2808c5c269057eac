package engine

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SauloAssefAlves/sync-kommo-sub001/internal/database"
	"github.com/SauloAssefAlves/sync-kommo-sub001/internal/kommo"
	"github.com/SauloAssefAlves/sync-kommo-sub001/internal/metrics"
)

// seedGroup creates a master and two slave accounts in one sync group.
func seedGroup(t *testing.T, db *database.DB) int64 {
	t.Helper()
	ctx := context.Background()

	masterAcc := &database.Account{Subdomain: "master", AccessToken: "tok", Role: database.RoleMaster, IsMaster: true}
	require.NoError(t, db.Accounts.Create(ctx, masterAcc))

	group := &database.SyncGroup{Name: "grupo", MasterAccountID: masterAcc.ID, IsActive: true}
	require.NoError(t, db.Groups.Create(ctx, group))

	masterAcc.SyncGroupID = group.ID
	require.NoError(t, db.Accounts.Update(ctx, masterAcc))

	for _, sub := range []string{"slave-a", "slave-b"} {
		acc := &database.Account{Subdomain: sub, AccessToken: "tok", Role: database.RoleSlave, SyncGroupID: group.ID}
		require.NoError(t, db.Accounts.Create(ctx, acc))
	}
	return group.ID
}

// tenants routes the orchestrator's remote factory to per-subdomain fakes.
type tenants struct {
	remotes map[string]Remote
}

func (f *tenants) factory(subdomain, accessToken string) Remote {
	return f.remotes[subdomain]
}

func masterTenant() *fakeRemote {
	master := newFakeRemote("master")
	master.pipelines = []kommo.Pipeline{
		masterPipeline(11670079, "Vendas",
			kommo.Stage{ID: 89684599, Name: "Contato", Sort: 10, Color: "#98cbff"},
			kommo.Stage{ID: 89684603, Name: "Proposta", Sort: 20, Color: "#87f2c0"},
		),
	}
	master.fields[kommo.EntityLeads] = []kommo.CustomField{
		{ID: 4001, Name: "moeda", Type: "monetary", Currency: "BRL", Sort: 10},
	}
	master.roles = []kommo.Role{{
		ID: 301, Name: "Consultor - Vendas",
		Rights: kommo.RoleRights{
			Leads: map[string]string{"view": "A"},
			StatusRights: []kommo.StatusRight{
				{EntityType: "leads", PipelineID: 11670079, StatusID: 89684599, Rights: map[string]string{"edit": "A"}},
			},
		},
	}}
	return master
}

func newTestOrchestrator(t *testing.T) (*Orchestrator, *database.DB, *tenants, int64) {
	t.Helper()

	db := setupTestDB(t)
	groupID := seedGroup(t, db)
	remotes := &tenants{remotes: map[string]Remote{
		"master":  masterTenant(),
		"slave-a": newFakeRemote("slave-a"),
		"slave-b": newFakeRemote("slave-b"),
	}}
	o := NewOrchestrator(zerolog.Nop(), db, Options{FallbackCurrency: "USD"}, WithRemoteFactory(remotes.factory))
	return o, db, remotes, groupID
}

func TestOrchestrator_FullRun(t *testing.T) {
	o, db, remotes, groupID := newTestOrchestrator(t)

	report, err := o.Sync(context.Background(), groupID, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, report.Status)
	require.Len(t, report.Slaves, 2)

	for _, sr := range report.Slaves {
		assert.Equal(t, slaveCompleted, sr.Status)
		assert.Equal(t, 1, sr.Pipelines.Created)
		assert.Equal(t, 2, sr.Stages.Created)
		assert.Equal(t, 1, sr.CustomFields.Created)
		assert.Equal(t, 1, sr.Roles.Created)
	}

	// both slaves converged independently
	for _, sub := range []string{"slave-a", "slave-b"} {
		slave := remotes.remotes[sub].(*fakeRemote)
		assert.Len(t, slave.pipelines, 1)
		assert.Len(t, slave.roles, 1)
		assert.Equal(t, "Consultor Vendas", slave.roles[0].Name)
	}

	// the run was persisted with its report
	entry, err := db.Logs.Last(context.Background(), groupID)
	require.NoError(t, err)
	assert.Equal(t, report.RunID, entry.RunID)
	assert.Equal(t, StatusCompleted, entry.Status)
	assert.False(t, entry.FinishedAt.IsZero())

	var persisted RunReport
	require.NoError(t, json.Unmarshal([]byte(entry.ReportJSON), &persisted))
	assert.Equal(t, report.RunID, persisted.RunID)
	assert.Len(t, persisted.Slaves, 2)
}

func TestOrchestrator_RolesOnlyRunPromotesPipelines(t *testing.T) {
	o, _, remotes, groupID := newTestOrchestrator(t)

	report, err := o.Sync(context.Background(), groupID, []string{KindRole})
	require.NoError(t, err)

	assert.Equal(t, []string{KindPipeline, KindRole}, report.Kinds)

	slave := remotes.remotes["slave-a"].(*fakeRemote)
	require.Len(t, slave.roles, 1)
	// the status_right translated, which needs the promoted pipeline pass
	require.Len(t, slave.roles[0].Rights.StatusRights, 1)
	assert.Equal(t, slave.pipelines[0].ID, slave.roles[0].Rights.StatusRights[0].PipelineID)
}

func TestOrchestrator_UnknownKindRejected(t *testing.T) {
	o, _, _, groupID := newTestOrchestrator(t)

	_, err := o.Sync(context.Background(), groupID, []string{"contacts"})
	var unknown *UnknownKindError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "contacts", unknown.Kind)
}

// gatedRemote blocks the first master read until released, keeping a run
// in flight long enough to observe its concurrent behavior.
type gatedRemote struct {
	*fakeRemote
	started chan struct{}
	release chan struct{}
	once    bool
}

func (g *gatedRemote) ListPipelines(ctx context.Context) ([]kommo.Pipeline, error) {
	if !g.once {
		g.once = true
		close(g.started)
		<-g.release
	}
	return g.fakeRemote.ListPipelines(ctx)
}

func TestOrchestrator_ConcurrentRunIsBusy(t *testing.T) {
	o, _, remotes, groupID := newTestOrchestrator(t)

	gate := &gatedRemote{fakeRemote: masterTenant(), started: make(chan struct{}), release: make(chan struct{})}
	remotes.remotes["master"] = gate

	errCh := make(chan error, 1)
	go func() {
		_, err := o.Sync(context.Background(), groupID, []string{KindPipeline})
		errCh <- err
	}()

	<-gate.started
	_, err := o.Sync(context.Background(), groupID, []string{KindPipeline})
	assert.ErrorIs(t, err, ErrSyncBusy)
	assert.True(t, o.Running(groupID))

	close(gate.release)
	require.NoError(t, <-errCh)
	assert.False(t, o.Running(groupID))

	// with the first run finished the group accepts a new one
	_, err = o.Sync(context.Background(), groupID, []string{KindPipeline})
	require.NoError(t, err)
}

func TestOrchestrator_LaunchReservesSlotBeforeReturning(t *testing.T) {
	o, _, remotes, groupID := newTestOrchestrator(t)

	gate := &gatedRemote{fakeRemote: masterTenant(), started: make(chan struct{}), release: make(chan struct{})}
	remotes.remotes["master"] = gate

	runID, err := o.Launch(context.Background(), groupID, []string{KindPipeline})
	require.NoError(t, err)
	assert.NotEmpty(t, runID)

	// the slot is taken synchronously, not when the goroutine gets going
	_, err = o.Launch(context.Background(), groupID, []string{KindPipeline})
	assert.ErrorIs(t, err, ErrSyncBusy)
	_, err = o.Sync(context.Background(), groupID, []string{KindPipeline})
	assert.ErrorIs(t, err, ErrSyncBusy)

	close(gate.release)
	require.Eventually(t, func() bool { return !o.Running(groupID) }, 5*time.Second, 10*time.Millisecond)

	report, ok := o.Report(groupID)
	require.True(t, ok)
	assert.Equal(t, runID, report.RunID)
	assert.Equal(t, StatusCompleted, report.Status)
}

// failingLogs rejects every sync log write.
type failingLogs struct {
	database.SyncLogRepository
}

func (failingLogs) Create(ctx context.Context, entry *database.SyncLog) error {
	return errors.New("disk full")
}

func TestOrchestrator_RunGaugeReleasedWhenLogWriteFails(t *testing.T) {
	db := setupTestDB(t)
	groupID := seedGroup(t, db)
	db.Logs = failingLogs{}

	reg := prometheus.NewRegistry()
	remotes := &tenants{remotes: map[string]Remote{
		"master":  masterTenant(),
		"slave-a": newFakeRemote("slave-a"),
		"slave-b": newFakeRemote("slave-b"),
	}}
	o := NewOrchestrator(zerolog.Nop(), db, Options{FallbackCurrency: "USD"},
		WithRemoteFactory(remotes.factory), WithMetrics(metrics.New(reg)))

	_, err := o.Sync(context.Background(), groupID, []string{KindPipeline})
	require.Error(t, err)
	assert.False(t, o.Running(groupID))

	mfs, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range mfs {
		if mf.GetName() == "kommosync_runs_in_progress" {
			require.Len(t, mf.GetMetric(), 1)
			assert.Zero(t, mf.GetMetric()[0].GetGauge().GetValue(), "failed admission must release the gauge")
			return
		}
	}
	t.Fatal("kommosync_runs_in_progress was not registered")
}

func TestOrchestrator_StopEndsRunCleanly(t *testing.T) {
	o, db, remotes, groupID := newTestOrchestrator(t)

	gate := &gatedRemote{fakeRemote: masterTenant(), started: make(chan struct{}), release: make(chan struct{})}
	remotes.remotes["master"] = gate

	reportCh := make(chan *RunReport, 1)
	go func() {
		report, _ := o.Sync(context.Background(), groupID, nil)
		reportCh <- report
	}()

	<-gate.started
	assert.True(t, o.Stop(groupID))
	close(gate.release)

	var report *RunReport
	select {
	case report = <-reportCh:
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop")
	}
	assert.Equal(t, StatusStopped, report.Status)

	entry, err := db.Logs.Last(context.Background(), groupID)
	require.NoError(t, err)
	assert.Equal(t, StatusStopped, entry.Status)
}

func TestOrchestrator_StopWithoutRun(t *testing.T) {
	o, _, _, groupID := newTestOrchestrator(t)
	assert.False(t, o.Stop(groupID))
}

func TestOrchestrator_ReportCopies(t *testing.T) {
	o, _, _, groupID := newTestOrchestrator(t)

	_, ok := o.Report(groupID)
	assert.False(t, ok)

	_, err := o.Sync(context.Background(), groupID, []string{KindPipeline})
	require.NoError(t, err)

	report, ok := o.Report(groupID)
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, report.Status)

	report.Slaves[0].Pipelines.Created = 99
	fresh, _ := o.Report(groupID)
	assert.NotEqual(t, 99, fresh.Slaves[0].Pipelines.Created, "Report must return a copy")
}

func TestOrchestrator_AuthFailureOnOneSlaveDoesNotFailRun(t *testing.T) {
	o, _, remotes, groupID := newTestOrchestrator(t)

	broken := newFakeRemote("slave-a")
	broken.failures["CreatePipeline"] = apiError(401, "/leads/pipelines")
	remotes.remotes["slave-a"] = broken

	report, err := o.Sync(context.Background(), groupID, []string{KindPipeline})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, report.Status)

	byStatus := map[string]int{}
	for _, sr := range report.Slaves {
		byStatus[sr.Status]++
	}
	assert.Equal(t, 1, byStatus[slaveFailed])
	assert.Equal(t, 1, byStatus[slaveCompleted])
}
