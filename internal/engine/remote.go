package engine

import (
	"context"

	"github.com/SauloAssefAlves/sync-kommo-sub001/internal/kommo"
)

// Remote is the slice of the Kommo API the engine drives. *kommo.Client
// satisfies it; tests substitute an in-memory fake.
type Remote interface {
	Subdomain() string
	Account(ctx context.Context) (*kommo.AccountInfo, error)

	ListPipelines(ctx context.Context) ([]kommo.Pipeline, error)
	CreatePipeline(ctx context.Context, p kommo.Pipeline) (*kommo.Pipeline, error)
	UpdatePipeline(ctx context.Context, pipelineID int64, patch kommo.Pipeline) error
	DeletePipeline(ctx context.Context, pipelineID int64) error

	CreateStage(ctx context.Context, pipelineID int64, s kommo.Stage) (*kommo.Stage, error)
	UpdateStage(ctx context.Context, pipelineID, stageID int64, patch kommo.Stage) error
	DeleteStage(ctx context.Context, pipelineID, stageID int64) error

	ListFieldGroups(ctx context.Context, entity kommo.EntityType) ([]kommo.FieldGroup, error)
	CreateFieldGroup(ctx context.Context, entity kommo.EntityType, g kommo.FieldGroup) (*kommo.FieldGroup, error)
	UpdateFieldGroup(ctx context.Context, entity kommo.EntityType, groupID int64, patch kommo.FieldGroup) error
	DeleteFieldGroup(ctx context.Context, entity kommo.EntityType, groupID int64) error

	ListCustomFields(ctx context.Context, entity kommo.EntityType) ([]kommo.CustomField, error)
	CreateCustomField(ctx context.Context, entity kommo.EntityType, f kommo.CustomField) (*kommo.CustomField, error)
	UpdateCustomField(ctx context.Context, entity kommo.EntityType, fieldID int64, patch kommo.CustomField) error
	DeleteCustomField(ctx context.Context, entity kommo.EntityType, fieldID int64) error

	ListRoles(ctx context.Context) ([]kommo.Role, error)
	CreateRole(ctx context.Context, r kommo.Role) (*kommo.Role, error)
	UpdateRole(ctx context.Context, roleID int64, patch kommo.Role) error
}

// RemoteFactory builds a client for one account. The orchestrator uses it
// so tests can hand back fakes keyed by subdomain.
type RemoteFactory func(subdomain, accessToken string) Remote
