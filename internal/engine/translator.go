package engine

import "context"

// Reserved stage ids shared by every Kommo account. The provider creates
// them implicitly with each pipeline; they are never created, deleted or
// mapped, and translate as themselves in references.
const (
	StageIDIncoming int64 = 1
	StageIDWon      int64 = 142
	StageIDLost     int64 = 143
)

// IsReservedStageID reports whether id is one of the provider-fixed stage
// ids present in every pipeline.
func IsReservedStageID(id int64) bool {
	return id == StageIDIncoming || id == StageIDWon || id == StageIDLost
}

// Translator rewrites master-scoped identifiers into slave-scoped ones
// using the persisted mappings.
type Translator struct {
	mapper *Mapper
}

// NewTranslator builds a translator over the given scoped mapper.
func NewTranslator(mapper *Mapper) *Translator {
	return &Translator{mapper: mapper}
}

// Pipeline translates a master pipeline id.
func (t *Translator) Pipeline(ctx context.Context, masterID int64) (int64, error) {
	return t.lookup(ctx, KindPipeline, masterID)
}

// Stage translates a master stage id. Reserved ids pass through unchanged.
func (t *Translator) Stage(ctx context.Context, masterID int64) (int64, error) {
	if IsReservedStageID(masterID) {
		return masterID, nil
	}
	return t.lookup(ctx, KindStage, masterID)
}

// FieldGroup translates a master custom field group id.
func (t *Translator) FieldGroup(ctx context.Context, masterID int64) (int64, error) {
	return t.lookup(ctx, KindFieldGroup, masterID)
}

// StatusRef translates a (pipeline, stage) reference pair as used by
// required_statuses and status_rights.
func (t *Translator) StatusRef(ctx context.Context, masterPipelineID, masterStageID int64) (int64, int64, error) {
	pipelineID, err := t.Pipeline(ctx, masterPipelineID)
	if err != nil {
		return 0, 0, err
	}
	stageID, err := t.Stage(ctx, masterStageID)
	if err != nil {
		return 0, 0, err
	}
	return pipelineID, stageID, nil
}

func (t *Translator) lookup(ctx context.Context, kind string, masterID int64) (int64, error) {
	slaveID, ok, err := t.mapper.Get(ctx, kind, masterID)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, &UnmappedReferenceError{Kind: kind, MasterID: masterID}
	}
	return slaveID, nil
}
