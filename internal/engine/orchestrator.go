package engine

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/SauloAssefAlves/sync-kommo-sub001/internal/database"
	"github.com/SauloAssefAlves/sync-kommo-sub001/internal/kommo"
	"github.com/SauloAssefAlves/sync-kommo-sub001/internal/metrics"
)

const (
	slaveCompleted = "completed"
	slaveFailed    = "failed"
	slaveStopped   = "stopped"
)

// Orchestrator runs sync jobs, one at a time per group. Runs of different
// groups may overlap; they share nothing but the mapping store.
type Orchestrator struct {
	log       zerolog.Logger
	db        *database.DB
	newRemote RemoteFactory
	opts      Options
	metrics   *metrics.Metrics

	mu   sync.Mutex
	runs map[int64]*run
}

type run struct {
	report  *RunReport
	stop    atomic.Bool
	done    chan struct{}
	mu      sync.Mutex // guards report while the run mutates it
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithMetrics attaches Prometheus instrumentation.
func WithMetrics(m *metrics.Metrics) OrchestratorOption {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithRemoteFactory overrides how per-account API clients are built.
func WithRemoteFactory(f RemoteFactory) OrchestratorOption {
	return func(o *Orchestrator) { o.newRemote = f }
}

// NewOrchestrator builds an orchestrator over the given store.
func NewOrchestrator(log zerolog.Logger, db *database.DB, opts Options, options ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		log:  log,
		db:   db,
		opts: opts,
		runs: map[int64]*run{},
		newRemote: func(subdomain, accessToken string) Remote {
			return kommo.NewClient(subdomain, accessToken)
		},
	}
	for _, opt := range options {
		opt(o)
	}
	return o
}

// Sync replicates the master's configuration to every slave of the group
// and returns the full run report. Only one run per group may be in flight;
// concurrent attempts get ErrSyncBusy.
func (o *Orchestrator) Sync(ctx context.Context, groupID int64, kinds []string) (*RunReport, error) {
	kinds, err := NormalizeKinds(kinds)
	if err != nil {
		return nil, err
	}
	r, err := o.admit(groupID, kinds)
	if err != nil {
		return nil, err
	}
	return o.runSync(ctx, r, groupID, kinds)
}

// Launch reserves the group's run slot synchronously and executes the run
// in the background. A caller holding a nil error knows the run is theirs;
// a concurrent attempt gets ErrSyncBusy before any work starts.
func (o *Orchestrator) Launch(ctx context.Context, groupID int64, kinds []string) (string, error) {
	kinds, err := NormalizeKinds(kinds)
	if err != nil {
		return "", err
	}
	r, err := o.admit(groupID, kinds)
	if err != nil {
		return "", err
	}
	go func() {
		if _, err := o.runSync(ctx, r, groupID, kinds); err != nil && !errors.Is(err, ErrSyncStopped) {
			o.log.Error().Err(err).Int64("group_id", groupID).Msg("background sync failed")
		}
	}()
	return r.report.RunID, nil
}

// admit registers a new run for the group, refusing when one is in flight.
func (o *Orchestrator) admit(groupID int64, kinds []string) (*run, error) {
	r := &run{
		report: &RunReport{
			RunID:     uuid.NewString(),
			GroupID:   groupID,
			Kinds:     kinds,
			Status:    StatusRunning,
			StartedAt: time.Now(),
		},
		done: make(chan struct{}),
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if prev, ok := o.runs[groupID]; ok {
		select {
		case <-prev.done:
		default:
			return nil, ErrSyncBusy
		}
	}
	o.runs[groupID] = r
	return r, nil
}

func (o *Orchestrator) runSync(ctx context.Context, r *run, groupID int64, kinds []string) (*RunReport, error) {
	defer close(r.done)

	if o.metrics != nil {
		o.metrics.RunStarted()
	}

	log := o.log.With().Str("run_id", r.report.RunID).Int64("group_id", groupID).Logger()
	log.Info().Strs("kinds", kinds).Msg("sync run started")

	entry := &database.SyncLog{
		RunID:       r.report.RunID,
		SyncGroupID: groupID,
		Kind:        strings.Join(kinds, ","),
		Status:      StatusRunning,
		StartedAt:   r.report.StartedAt,
	}
	if err := o.db.Logs.Create(ctx, entry); err != nil {
		o.finishRun(r, StatusFailed)
		o.observe(r.report)
		return r.report, err
	}

	status, err := o.execute(ctx, log, r, groupID, kinds)
	o.finishRun(r, status)

	reportJSON, merr := json.Marshal(r.report)
	if merr == nil {
		if ferr := o.db.Logs.Finish(context.WithoutCancel(ctx), r.report.RunID, status, string(reportJSON), r.report.FinishedAt); ferr != nil {
			log.Error().Err(ferr).Msg("failed to persist run report")
		}
	}

	o.observe(r.report)
	log.Info().Str("status", status).Msg("sync run finished")
	return r.report, err
}

// execute fetches the master snapshot and replicates it to each slave.
func (o *Orchestrator) execute(ctx context.Context, log zerolog.Logger, r *run, groupID int64, kinds []string) (string, error) {
	group, err := o.db.Groups.Get(ctx, groupID)
	if err != nil {
		return StatusFailed, err
	}
	if group.MasterAccount == nil {
		return StatusFailed, errors.New("sync group has no master account")
	}

	accounts, err := o.db.Accounts.ListByGroup(ctx, groupID)
	if err != nil {
		return StatusFailed, err
	}
	var slaves []*database.Account
	for _, a := range accounts {
		if a.ID != group.MasterAccountID && !a.IsMaster {
			slaves = append(slaves, a)
		}
	}
	if len(slaves) == 0 {
		return StatusFailed, errors.New("sync group has no slave accounts")
	}

	master := o.newRemote(group.MasterAccount.Subdomain, group.MasterAccount.AccessToken)
	snapshot, err := FetchMasterSnapshot(ctx, master, kinds)
	if err != nil {
		return StatusFailed, err
	}

	stopped := false
	completed := 0
	for _, account := range slaves {
		if r.stop.Load() || ctx.Err() != nil {
			stopped = true
			break
		}

		slaveLog := log.With().Str("slave", account.Subdomain).Logger()
		report := SlaveReport{AccountID: account.ID, Subdomain: account.Subdomain, Status: slaveCompleted}

		mapper := NewMapper(o.db.Mappings, groupID, account.ID)
		remote := o.newRemote(account.Subdomain, account.AccessToken)
		ss := newSlaveSync(slaveLog, snapshot, remote, mapper, o.opts, &report, r.stop.Load)

		if err := o.syncSlave(ctx, ss, kinds); err != nil {
			if errors.Is(err, ErrSyncStopped) {
				report.Status = slaveStopped
				stopped = true
			} else {
				slaveLog.Error().Err(err).Msg("slave sync failed")
				report.Status = slaveFailed
				report.addError(ItemError{Kind: "slave", Message: err.Error()})
			}
		} else {
			completed++
		}

		r.mu.Lock()
		r.report.Slaves = append(r.report.Slaves, report)
		r.mu.Unlock()

		if stopped {
			break
		}
	}

	switch {
	case stopped:
		return StatusStopped, ErrSyncStopped
	case completed == 0:
		return StatusFailed, errors.New("no slave completed")
	default:
		return StatusCompleted, nil
	}
}

// syncSlave runs the requested kinds in dependency order against one slave.
func (o *Orchestrator) syncSlave(ctx context.Context, ss *slaveSync, kinds []string) error {
	for _, kind := range kinds {
		if err := ss.checkStop(ctx); err != nil {
			return err
		}
		var err error
		switch kind {
		case KindPipeline:
			err = ss.syncPipelines(ctx)
		case KindFieldGroup:
			err = ss.syncFieldGroups(ctx)
		case KindCustomField:
			err = ss.syncCustomFields(ctx)
		case KindRole:
			err = ss.syncRoles(ctx)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) finishRun(r *run, status string) {
	r.mu.Lock()
	r.report.Status = status
	r.report.FinishedAt = time.Now()
	r.mu.Unlock()
}

func (o *Orchestrator) observe(report *RunReport) {
	if o.metrics == nil {
		return
	}
	o.metrics.RunFinished(report.Status, report.FinishedAt.Sub(report.StartedAt))
	for kind, c := range report.Totals() {
		o.metrics.ItemOp(kind, "created", c.Created)
		o.metrics.ItemOp(kind, "updated", c.Updated)
		o.metrics.ItemOp(kind, "deleted", c.Deleted)
	}
	for i := range report.Slaves {
		for _, e := range report.Slaves[i].Errors {
			o.metrics.ItemError(e.Kind)
		}
	}
}

// Stop requests cooperative cancellation of the group's running sync. The
// current item finishes; partial mappings are kept.
func (o *Orchestrator) Stop(groupID int64) bool {
	o.mu.Lock()
	r, ok := o.runs[groupID]
	o.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case <-r.done:
		return false
	default:
		r.stop.Store(true)
		return true
	}
}

// Running reports whether the group has a sync in flight.
func (o *Orchestrator) Running(groupID int64) bool {
	o.mu.Lock()
	r, ok := o.runs[groupID]
	o.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case <-r.done:
		return false
	default:
		return true
	}
}

// Report returns a copy of the group's most recent in-memory run report.
func (o *Orchestrator) Report(groupID int64) (*RunReport, bool) {
	o.mu.Lock()
	r, ok := o.runs[groupID]
	o.mu.Unlock()
	if !ok {
		return nil, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *r.report
	cp.Slaves = append([]SlaveReport(nil), r.report.Slaves...)
	cp.Kinds = append([]string(nil), r.report.Kinds...)
	return &cp, true
}
