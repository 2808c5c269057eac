package engine

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/SauloAssefAlves/sync-kommo-sub001/internal/kommo"
)

// Options tunes reconciler behavior for a run.
type Options struct {
	// FallbackCurrency fills monetary fields whose master omits currency.
	FallbackCurrency string
	// StrictFields deletes slave custom fields absent from master.
	StrictFields bool
	// BatchSize and BatchDelay pace write calls against provider rate
	// limits. BatchSize 0 or BatchDelay 0 disables pacing.
	BatchSize  int
	BatchDelay time.Duration
}

// MasterSnapshot is the master tenant's configuration, fetched once per run
// and replicated to every slave in the group.
type MasterSnapshot struct {
	Pipelines    []kommo.Pipeline
	FieldGroups  map[kommo.EntityType][]kommo.FieldGroup
	CustomFields map[kommo.EntityType][]kommo.CustomField
	Roles        []kommo.Role
	Currency     string
}

// FetchMasterSnapshot reads everything the requested kinds need from the
// master in one pass.
func FetchMasterSnapshot(ctx context.Context, master Remote, kinds []string) (*MasterSnapshot, error) {
	snap := &MasterSnapshot{
		FieldGroups:  map[kommo.EntityType][]kommo.FieldGroup{},
		CustomFields: map[kommo.EntityType][]kommo.CustomField{},
	}

	want := map[string]bool{}
	for _, k := range kinds {
		want[k] = true
	}

	if want[KindPipeline] {
		pipelines, err := master.ListPipelines(ctx)
		if err != nil {
			return nil, err
		}
		snap.Pipelines = pipelines
	}
	if want[KindFieldGroup] || want[KindCustomField] {
		for _, entity := range kommo.EntityTypes {
			groups, err := master.ListFieldGroups(ctx, entity)
			if err != nil {
				return nil, err
			}
			snap.FieldGroups[entity] = groups
		}
	}
	if want[KindCustomField] {
		for _, entity := range kommo.EntityTypes {
			fields, err := master.ListCustomFields(ctx, entity)
			if err != nil {
				return nil, err
			}
			snap.CustomFields[entity] = fields
		}

		info, err := master.Account(ctx)
		if err != nil {
			return nil, err
		}
		snap.Currency = info.Currency
	}
	if want[KindRole] {
		roles, err := master.ListRoles(ctx)
		if err != nil {
			return nil, err
		}
		snap.Roles = roles
	}
	return snap, nil
}

// slaveSync carries the state of replicating one master snapshot into one
// slave account. All reconcilers hang off it.
type slaveSync struct {
	log    zerolog.Logger
	master *MasterSnapshot
	remote Remote
	mapper *Mapper
	tr     *Translator
	opts   Options
	report *SlaveReport

	stopped func() bool
	sleep   func(ctx context.Context, d time.Duration) error

	writes int
}

func newSlaveSync(log zerolog.Logger, master *MasterSnapshot, remote Remote, mapper *Mapper, opts Options, report *SlaveReport, stopped func() bool) *slaveSync {
	return &slaveSync{
		log:     log,
		master:  master,
		remote:  remote,
		mapper:  mapper,
		tr:      NewTranslator(mapper),
		opts:    opts,
		report:  report,
		stopped: stopped,
		sleep:   sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// checkStop is polled between items. In-flight calls always complete.
func (s *slaveSync) checkStop(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return ErrSyncStopped
	}
	if s.stopped != nil && s.stopped() {
		return ErrSyncStopped
	}
	return nil
}

// paced is called after every write so bursts stay under provider limits.
func (s *slaveSync) paced(ctx context.Context) error {
	if s.opts.BatchSize <= 0 || s.opts.BatchDelay <= 0 {
		return nil
	}
	s.writes++
	if s.writes%s.opts.BatchSize != 0 {
		return nil
	}
	s.log.Debug().Int("writes", s.writes).Dur("delay", s.opts.BatchDelay).Msg("pacing between batches")
	return s.sleep(ctx, s.opts.BatchDelay)
}

// itemError records a skipped item in the report and logs it.
func (s *slaveSync) itemError(kind string, masterID int64, name string, err error) {
	s.log.Warn().Err(err).Str("kind", kind).Int64("master_id", masterID).Str("name", name).Msg("item skipped")
	s.report.addError(ItemError{Kind: kind, MasterID: masterID, Name: name, Message: err.Error()})
}

// abortsSlave classifies a remote-call error. Auth failures abort the whole
// slave; validation errors, timeouts and 5xx stay item-level. Database
// errors never come through here, callers return those directly.
func abortsSlave(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrSyncStopped) {
		return true
	}
	return kommo.IsAuthError(err)
}

// matchName is the key used for every name-based join. Case-sensitive,
// surrounding whitespace ignored.
func matchName(name string) string {
	return strings.TrimSpace(name)
}
