package database

import (
	"time"

	"github.com/uptrace/bun"
)

// Account represents a Kommo tenant whose credentials we hold. Accounts are
// registered out-of-band; the engine only reads them.
type Account struct {
	bun.BaseModel `bun:"table:accounts"`

	ID             int64     `bun:"id,pk,autoincrement"`
	Subdomain      string    `bun:"subdomain,unique,notnull"`
	AccessToken    string    `bun:"access_token,notnull"`
	RefreshToken   string    `bun:"refresh_token"`
	TokenExpiresAt time.Time `bun:"token_expires_at,nullzero"`
	SyncGroupID    int64     `bun:"sync_group_id,nullzero"`
	Role           string    `bun:"role,notnull,default:'slave'"`
	IsMaster       bool      `bun:"is_master,notnull,default:false"`
	CreatedAt      time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt      time.Time `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

// Account roles
const (
	RoleMaster = "master"
	RoleSlave  = "slave"
)

// SyncGroup is one master account plus the slaves that replicate from it
type SyncGroup struct {
	bun.BaseModel `bun:"table:sync_groups"`

	ID              int64     `bun:"id,pk,autoincrement"`
	Name            string    `bun:"name,notnull"`
	Description     string    `bun:"description"`
	MasterAccountID int64     `bun:"master_account_id,notnull"`
	IsActive        bool      `bun:"is_active,notnull,default:true"`
	CreatedAt       time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt       time.Time `bun:"updated_at,nullzero,notnull,default:current_timestamp"`

	MasterAccount *Account `bun:"rel:belongs-to,join:master_account_id=id"`
}

// Mapping kinds. Each kind persists to its own table but shares the same
// row shape; see mappingTables in repositories.go.
const (
	KindPipeline    = "pipeline"
	KindStage       = "stage"
	KindCustomField = "custom_field"
	KindRole        = "role"
	KindFieldGroup  = "field_group"
)

// PipelineMapping links a master pipeline id to its slave counterpart
type PipelineMapping struct {
	bun.BaseModel `bun:"table:pipeline_mappings"`

	ID               int64     `bun:"id,pk,autoincrement"`
	SyncGroupID      int64     `bun:"sync_group_id,notnull"`
	SlaveAccountID   int64     `bun:"slave_account_id,notnull"`
	MasterPipelineID int64     `bun:"master_pipeline_id,notnull"`
	SlavePipelineID  int64     `bun:"slave_pipeline_id,notnull"`
	CreatedAt        time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
}

// StageMapping links a master stage id to its slave counterpart
type StageMapping struct {
	bun.BaseModel `bun:"table:stage_mappings"`

	ID             int64     `bun:"id,pk,autoincrement"`
	SyncGroupID    int64     `bun:"sync_group_id,notnull"`
	SlaveAccountID int64     `bun:"slave_account_id,notnull"`
	MasterStageID  int64     `bun:"master_stage_id,notnull"`
	SlaveStageID   int64     `bun:"slave_stage_id,notnull"`
	CreatedAt      time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
}

// CustomFieldMapping links a master custom field id to its slave counterpart
type CustomFieldMapping struct {
	bun.BaseModel `bun:"table:custom_field_mappings"`

	ID             int64     `bun:"id,pk,autoincrement"`
	SyncGroupID    int64     `bun:"sync_group_id,notnull"`
	SlaveAccountID int64     `bun:"slave_account_id,notnull"`
	MasterFieldID  int64     `bun:"master_field_id,notnull"`
	SlaveFieldID   int64     `bun:"slave_field_id,notnull"`
	CreatedAt      time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
}

// RoleMapping links a master role id to its slave counterpart
type RoleMapping struct {
	bun.BaseModel `bun:"table:role_mappings"`

	ID             int64     `bun:"id,pk,autoincrement"`
	SyncGroupID    int64     `bun:"sync_group_id,notnull"`
	SlaveAccountID int64     `bun:"slave_account_id,notnull"`
	MasterRoleID   int64     `bun:"master_role_id,notnull"`
	SlaveRoleID    int64     `bun:"slave_role_id,notnull"`
	CreatedAt      time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
}

// FieldGroupMapping links a master custom field group id to its slave counterpart
type FieldGroupMapping struct {
	bun.BaseModel `bun:"table:field_group_mappings"`

	ID             int64     `bun:"id,pk,autoincrement"`
	SyncGroupID    int64     `bun:"sync_group_id,notnull"`
	SlaveAccountID int64     `bun:"slave_account_id,notnull"`
	MasterGroupID  int64     `bun:"master_group_id,notnull"`
	SlaveGroupID   int64     `bun:"slave_group_id,notnull"`
	CreatedAt      time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
}

// SyncLog records one sync run against a group
type SyncLog struct {
	bun.BaseModel `bun:"table:sync_logs"`

	ID          int64     `bun:"id,pk,autoincrement"`
	RunID       string    `bun:"run_id,unique,notnull"`
	SyncGroupID int64     `bun:"sync_group_id,notnull"`
	Kind        string    `bun:"kind,notnull"`
	Status      string    `bun:"status,notnull"`
	ReportJSON  string    `bun:"report_json"`
	StartedAt   time.Time `bun:"started_at,nullzero,notnull,default:current_timestamp"`
	FinishedAt  time.Time `bun:"finished_at,nullzero"`
}
