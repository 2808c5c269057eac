package engine

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/SauloAssefAlves/sync-kommo-sub001/internal/database"
	"github.com/SauloAssefAlves/sync-kommo-sub001/internal/kommo"
)

// setupTestDB creates an in-memory SQLite database for testing
func setupTestDB(t *testing.T) *database.DB {
	t.Helper()

	db, err := database.New(":memory:")
	require.NoError(t, err)

	t.Cleanup(func() {
		db.Close()
	})

	return db
}

const (
	testGroupID      = int64(1)
	testSlaveAccount = int64(2)
)

func newTestMapper(t *testing.T) *Mapper {
	t.Helper()
	return NewMapper(setupTestDB(t).Mappings, testGroupID, testSlaveAccount)
}

// fakeRemote is an in-memory tenant standing in for the Kommo API.
type fakeRemote struct {
	subdomain string
	nextID    int64

	pipelines   []kommo.Pipeline
	fieldGroups map[kommo.EntityType][]kommo.FieldGroup
	fields      map[kommo.EntityType][]kommo.CustomField
	roles       []kommo.Role
	currency    string

	// shuffleCreate reverses created stage order in the response so
	// positional joins would produce wrong mappings.
	shuffleCreate bool
	// failures maps an operation name to a canned error.
	failures map[string]error

	writes        int
	deletedStages [][2]int64
	sentPipelines []kommo.Pipeline
	sentFields    []kommo.CustomField
	sentRoles     []kommo.Role
}

func newFakeRemote(subdomain string) *fakeRemote {
	return &fakeRemote{
		subdomain:   subdomain,
		nextID:      90000000,
		fieldGroups: map[kommo.EntityType][]kommo.FieldGroup{},
		fields:      map[kommo.EntityType][]kommo.CustomField{},
		failures:    map[string]error{},
		currency:    "USD",
	}
}

func (f *fakeRemote) newID() int64 {
	f.nextID++
	return f.nextID
}

func (f *fakeRemote) fail(op string) error {
	return f.failures[op]
}

func apiError(status int, path string) *kommo.APIError {
	return &kommo.APIError{StatusCode: status, Method: http.MethodPost, Path: path}
}

func (f *fakeRemote) Subdomain() string { return f.subdomain }

func (f *fakeRemote) Account(ctx context.Context) (*kommo.AccountInfo, error) {
	return &kommo.AccountInfo{ID: 1, Subdomain: f.subdomain, Currency: f.currency}, nil
}

func (f *fakeRemote) ListPipelines(ctx context.Context) ([]kommo.Pipeline, error) {
	out := make([]kommo.Pipeline, len(f.pipelines))
	for i, p := range f.pipelines {
		cp := p
		if p.Embedded != nil {
			cp.Embedded = &kommo.PipelineEmbedded{Statuses: append([]kommo.Stage(nil), p.Embedded.Statuses...)}
		}
		out[i] = cp
	}
	return out, nil
}

func (f *fakeRemote) CreatePipeline(ctx context.Context, p kommo.Pipeline) (*kommo.Pipeline, error) {
	if err := f.fail("CreatePipeline"); err != nil {
		return nil, err
	}
	f.writes++

	created := kommo.Pipeline{
		ID:           f.newID(),
		Name:         p.Name,
		Sort:         p.Sort,
		IsUnsortedOn: p.IsUnsortedOn,
		Embedded:     &kommo.PipelineEmbedded{},
	}
	var statuses []kommo.Stage
	for _, st := range p.Stages() {
		statuses = append(statuses, kommo.Stage{
			ID:         f.newID(),
			Name:       st.Name,
			Sort:       st.Sort,
			Color:      st.Color,
			Type:       kommo.StageTypeNormal,
			PipelineID: created.ID,
		})
	}
	if f.shuffleCreate {
		for i, j := 0, len(statuses)-1; i < j; i, j = i+1, j-1 {
			statuses[i], statuses[j] = statuses[j], statuses[i]
		}
	}
	// the provider adds the reserved stages itself
	statuses = append(statuses,
		kommo.Stage{ID: StageIDIncoming, Name: "Incoming leads", Type: kommo.StageTypeIncoming, PipelineID: created.ID},
		kommo.Stage{ID: StageIDWon, Name: "Closed - won", Type: kommo.StageTypeNormal, PipelineID: created.ID},
		kommo.Stage{ID: StageIDLost, Name: "Closed - lost", Type: kommo.StageTypeLost, PipelineID: created.ID},
	)
	created.Embedded.Statuses = statuses
	f.pipelines = append(f.pipelines, created)
	return &created, nil
}

func (f *fakeRemote) UpdatePipeline(ctx context.Context, pipelineID int64, patch kommo.Pipeline) error {
	f.sentPipelines = append(f.sentPipelines, patch)
	if err := f.fail("UpdatePipeline"); err != nil {
		return err
	}
	f.writes++
	p := f.pipeline(pipelineID)
	if p == nil {
		return apiError(http.StatusNotFound, "/leads/pipelines")
	}
	p.Name = patch.Name
	p.Sort = patch.Sort
	p.IsUnsortedOn = patch.IsUnsortedOn
	return nil
}

func (f *fakeRemote) DeletePipeline(ctx context.Context, pipelineID int64) error {
	if err := f.fail("DeletePipeline"); err != nil {
		return err
	}
	f.writes++
	for i := range f.pipelines {
		if f.pipelines[i].ID == pipelineID {
			f.pipelines = append(f.pipelines[:i], f.pipelines[i+1:]...)
			return nil
		}
	}
	return apiError(http.StatusNotFound, "/leads/pipelines")
}

func (f *fakeRemote) pipeline(id int64) *kommo.Pipeline {
	for i := range f.pipelines {
		if f.pipelines[i].ID == id {
			return &f.pipelines[i]
		}
	}
	return nil
}

func (f *fakeRemote) CreateStage(ctx context.Context, pipelineID int64, s kommo.Stage) (*kommo.Stage, error) {
	if err := f.fail("CreateStage"); err != nil {
		return nil, err
	}
	f.writes++
	p := f.pipeline(pipelineID)
	if p == nil {
		return nil, apiError(http.StatusNotFound, "/leads/pipelines")
	}
	created := kommo.Stage{ID: f.newID(), Name: s.Name, Sort: s.Sort, Color: s.Color, Type: kommo.StageTypeNormal, PipelineID: pipelineID}
	if p.Embedded == nil {
		p.Embedded = &kommo.PipelineEmbedded{}
	}
	p.Embedded.Statuses = append(p.Embedded.Statuses, created)
	return &created, nil
}

func (f *fakeRemote) UpdateStage(ctx context.Context, pipelineID, stageID int64, patch kommo.Stage) error {
	if err := f.fail("UpdateStage"); err != nil {
		return err
	}
	f.writes++
	p := f.pipeline(pipelineID)
	if p == nil {
		return apiError(http.StatusNotFound, "/leads/pipelines")
	}
	for i := range p.Embedded.Statuses {
		st := &p.Embedded.Statuses[i]
		if st.ID == stageID {
			st.Name = patch.Name
			st.Sort = patch.Sort
			st.Color = patch.Color
			return nil
		}
	}
	return apiError(http.StatusNotFound, "/leads/pipelines")
}

func (f *fakeRemote) DeleteStage(ctx context.Context, pipelineID, stageID int64) error {
	if err := f.fail("DeleteStage"); err != nil {
		return err
	}
	f.writes++
	f.deletedStages = append(f.deletedStages, [2]int64{pipelineID, stageID})
	p := f.pipeline(pipelineID)
	if p == nil {
		return apiError(http.StatusNotFound, "/leads/pipelines")
	}
	for i := range p.Embedded.Statuses {
		if p.Embedded.Statuses[i].ID == stageID {
			p.Embedded.Statuses = append(p.Embedded.Statuses[:i], p.Embedded.Statuses[i+1:]...)
			return nil
		}
	}
	return apiError(http.StatusNotFound, "/leads/pipelines")
}

func (f *fakeRemote) ListFieldGroups(ctx context.Context, entity kommo.EntityType) ([]kommo.FieldGroup, error) {
	return append([]kommo.FieldGroup(nil), f.fieldGroups[entity]...), nil
}

func (f *fakeRemote) CreateFieldGroup(ctx context.Context, entity kommo.EntityType, g kommo.FieldGroup) (*kommo.FieldGroup, error) {
	if err := f.fail("CreateFieldGroup"); err != nil {
		return nil, err
	}
	f.writes++
	created := kommo.FieldGroup{ID: f.newID(), Name: g.Name, Sort: g.Sort}
	f.fieldGroups[entity] = append(f.fieldGroups[entity], created)
	return &created, nil
}

func (f *fakeRemote) UpdateFieldGroup(ctx context.Context, entity kommo.EntityType, groupID int64, patch kommo.FieldGroup) error {
	if err := f.fail("UpdateFieldGroup"); err != nil {
		return err
	}
	f.writes++
	groups := f.fieldGroups[entity]
	for i := range groups {
		if groups[i].ID == groupID {
			groups[i].Name = patch.Name
			groups[i].Sort = patch.Sort
			return nil
		}
	}
	return apiError(http.StatusNotFound, "/custom_fields/groups")
}

func (f *fakeRemote) DeleteFieldGroup(ctx context.Context, entity kommo.EntityType, groupID int64) error {
	if err := f.fail("DeleteFieldGroup"); err != nil {
		return err
	}
	f.writes++
	groups := f.fieldGroups[entity]
	for i := range groups {
		if groups[i].ID == groupID {
			f.fieldGroups[entity] = append(groups[:i], groups[i+1:]...)
			return nil
		}
	}
	return apiError(http.StatusNotFound, "/custom_fields/groups")
}

func (f *fakeRemote) ListCustomFields(ctx context.Context, entity kommo.EntityType) ([]kommo.CustomField, error) {
	return append([]kommo.CustomField(nil), f.fields[entity]...), nil
}

func (f *fakeRemote) CreateCustomField(ctx context.Context, entity kommo.EntityType, field kommo.CustomField) (*kommo.CustomField, error) {
	f.sentFields = append(f.sentFields, field)
	if err := f.fail("CreateCustomField"); err != nil {
		return nil, err
	}
	f.writes++
	created := field
	created.ID = f.newID()
	created.Enums = append([]kommo.FieldEnum(nil), field.Enums...)
	for i := range created.Enums {
		created.Enums[i].ID = f.newID()
	}
	f.fields[entity] = append(f.fields[entity], created)
	return &created, nil
}

func (f *fakeRemote) UpdateCustomField(ctx context.Context, entity kommo.EntityType, fieldID int64, patch kommo.CustomField) error {
	f.sentFields = append(f.sentFields, patch)
	if err := f.fail("UpdateCustomField"); err != nil {
		return err
	}
	f.writes++
	fields := f.fields[entity]
	for i := range fields {
		if fields[i].ID == fieldID {
			id := fields[i].ID
			fields[i] = patch
			fields[i].ID = id
			return nil
		}
	}
	return apiError(http.StatusNotFound, "/custom_fields")
}

func (f *fakeRemote) DeleteCustomField(ctx context.Context, entity kommo.EntityType, fieldID int64) error {
	if err := f.fail("DeleteCustomField"); err != nil {
		return err
	}
	f.writes++
	fields := f.fields[entity]
	for i := range fields {
		if fields[i].ID == fieldID {
			f.fields[entity] = append(fields[:i], fields[i+1:]...)
			return nil
		}
	}
	return apiError(http.StatusNotFound, "/custom_fields")
}

func (f *fakeRemote) ListRoles(ctx context.Context) ([]kommo.Role, error) {
	return append([]kommo.Role(nil), f.roles...), nil
}

func (f *fakeRemote) CreateRole(ctx context.Context, r kommo.Role) (*kommo.Role, error) {
	f.sentRoles = append(f.sentRoles, r)
	if err := f.fail("CreateRole"); err != nil {
		return nil, err
	}
	f.writes++
	created := r
	created.ID = f.newID()
	f.roles = append(f.roles, created)
	return &created, nil
}

func (f *fakeRemote) UpdateRole(ctx context.Context, roleID int64, patch kommo.Role) error {
	f.sentRoles = append(f.sentRoles, patch)
	if err := f.fail("UpdateRole"); err != nil {
		return err
	}
	f.writes++
	for i := range f.roles {
		if f.roles[i].ID == roleID {
			id := f.roles[i].ID
			f.roles[i] = patch
			f.roles[i].ID = id
			return nil
		}
	}
	return apiError(http.StatusNotFound, "/roles")
}

var _ Remote = (*fakeRemote)(nil)

// newTestSync wires a slaveSync over a fake slave and a master snapshot.
func newTestSync(t *testing.T, snapshot *MasterSnapshot, slave *fakeRemote) (*slaveSync, *SlaveReport) {
	t.Helper()

	report := &SlaveReport{AccountID: testSlaveAccount, Subdomain: slave.subdomain, Status: slaveCompleted}
	ss := newSlaveSync(zerolog.Nop(), snapshot, slave, newTestMapper(t), Options{FallbackCurrency: "USD"}, report, nil)
	ss.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return ss, report
}

// masterPipeline is shorthand for building snapshot pipelines.
func masterPipeline(id int64, name string, stages ...kommo.Stage) kommo.Pipeline {
	for i := range stages {
		stages[i].PipelineID = id
		if stages[i].ID == 0 {
			stages[i].ID = id*100 + int64(i)
		}
	}
	return kommo.Pipeline{
		ID:       id,
		Name:     name,
		Sort:     1,
		Embedded: &kommo.PipelineEmbedded{Statuses: stages},
	}
}

func snapshotWith(pipelines ...kommo.Pipeline) *MasterSnapshot {
	return &MasterSnapshot{
		Pipelines:    pipelines,
		FieldGroups:  map[kommo.EntityType][]kommo.FieldGroup{},
		CustomFields: map[kommo.EntityType][]kommo.CustomField{},
		Currency:     "USD",
	}
}

func requireMapping(t *testing.T, m *Mapper, kind string, masterID, wantSlaveID int64) {
	t.Helper()
	got, ok, err := m.Get(context.Background(), kind, masterID)
	require.NoError(t, err)
	require.True(t, ok, fmt.Sprintf("expected a %s mapping for %d", kind, masterID))
	require.Equal(t, wantSlaveID, got)
}
