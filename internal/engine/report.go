package engine

import "time"

// Run statuses persisted to sync_logs.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusStopped   = "stopped"
)

// ItemError records one object the run could not converge.
type ItemError struct {
	Kind     string `json:"kind"`
	MasterID int64  `json:"master_id,omitempty"`
	Name     string `json:"name,omitempty"`
	Message  string `json:"message"`
}

// Counters accumulates per-kind outcomes for a single slave.
type Counters struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
	Deleted int `json:"deleted"`
	Skipped int `json:"skipped"`
}

func (c *Counters) add(o *Counters) {
	c.Created += o.Created
	c.Updated += o.Updated
	c.Deleted += o.Deleted
	c.Skipped += o.Skipped
}

// maxSlaveErrors bounds the error list kept per slave. A misbehaving
// tenant can fail thousands of items; the report keeps the first entries
// and counts the rest.
const maxSlaveErrors = 100

// SlaveReport is the outcome of syncing one slave account.
type SlaveReport struct {
	AccountID     int64       `json:"account_id"`
	Subdomain     string      `json:"subdomain"`
	Status        string      `json:"status"`
	Pipelines     Counters    `json:"pipelines"`
	Stages        Counters    `json:"stages"`
	FieldGroups   Counters    `json:"field_groups"`
	CustomFields  Counters    `json:"custom_fields"`
	Roles         Counters    `json:"roles"`
	Errors        []ItemError `json:"errors,omitempty"`
	ErrorsDropped int         `json:"errors_dropped,omitempty"`
}

func (s *SlaveReport) addError(e ItemError) {
	if len(s.Errors) >= maxSlaveErrors {
		s.ErrorsDropped++
		return
	}
	s.Errors = append(s.Errors, e)
}

// RunReport is the full result of one orchestrated run.
type RunReport struct {
	RunID      string        `json:"run_id"`
	GroupID    int64         `json:"group_id"`
	Kinds      []string      `json:"kinds"`
	Status     string        `json:"status"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at,omitempty"`
	Slaves     []SlaveReport `json:"slaves"`
}

// Totals sums counters across all slaves, keyed by kind.
func (r *RunReport) Totals() map[string]Counters {
	out := map[string]Counters{}
	for i := range r.Slaves {
		s := &r.Slaves[i]
		for kind, c := range map[string]Counters{
			KindPipeline:    s.Pipelines,
			KindStage:       s.Stages,
			KindFieldGroup:  s.FieldGroups,
			KindCustomField: s.CustomFields,
			KindRole:        s.Roles,
		} {
			t := out[kind]
			t.add(&c)
			out[kind] = t
		}
	}
	return out
}
