package kommo

import "encoding/json"

// EntityType selects which entity's custom fields an endpoint addresses
type EntityType string

// Entity types carrying custom fields
const (
	EntityLeads     EntityType = "leads"
	EntityContacts  EntityType = "contacts"
	EntityCompanies EntityType = "companies"
)

// EntityTypes lists the custom-field entity types in sync order
var EntityTypes = []EntityType{EntityLeads, EntityContacts, EntityCompanies}

// Stage type values
const (
	StageTypeNormal   = 0
	StageTypeIncoming = 1
	StageTypeLost     = 2
)

// Pipeline is a sales pipeline with its embedded stages
type Pipeline struct {
	ID           int64             `json:"id,omitempty"`
	Name         string            `json:"name"`
	Sort         int               `json:"sort,omitempty"`
	IsMain       bool              `json:"is_main"`
	IsUnsortedOn bool              `json:"is_unsorted_on"`
	Embedded     *PipelineEmbedded `json:"_embedded,omitempty"`
}

// PipelineEmbedded carries the stages nested under a pipeline
type PipelineEmbedded struct {
	Statuses []Stage `json:"statuses"`
}

// Stages returns the embedded stages, or nil
func (p *Pipeline) Stages() []Stage {
	if p.Embedded == nil {
		return nil
	}
	return p.Embedded.Statuses
}

// Stage is a pipeline stage (a.k.a. status)
type Stage struct {
	ID         int64  `json:"id,omitempty"`
	Name       string `json:"name"`
	Sort       int    `json:"sort,omitempty"`
	Color      string `json:"color,omitempty"`
	Type       int    `json:"type"`
	PipelineID int64  `json:"pipeline_id,omitempty"`
}

// RequiredStatus marks a (pipeline, stage) pair at which a custom field
// must be filled
type RequiredStatus struct {
	PipelineID int64 `json:"pipeline_id"`
	StatusID   int64 `json:"status_id"`
}

// FieldEnum is one option of an enumerated custom field. The provider
// assigns ids; only value and sort are sent on write.
type FieldEnum struct {
	ID    int64  `json:"id,omitempty"`
	Value string `json:"value"`
	Sort  int    `json:"sort"`
}

// CustomField is a user-defined attribute on an entity
type CustomField struct {
	ID               int64            `json:"id,omitempty"`
	Name             string           `json:"name"`
	Type             string           `json:"type"`
	Code             string           `json:"code,omitempty"`
	Sort             int              `json:"sort,omitempty"`
	IsRequired       bool             `json:"is_required"`
	Currency         string           `json:"currency,omitempty"`
	GroupID          int64            `json:"group_id,omitempty"`
	Enums            []FieldEnum      `json:"enums,omitempty"`
	RequiredStatuses []RequiredStatus `json:"required_statuses,omitempty"`
}

// FieldGroup is a named group of custom fields
type FieldGroup struct {
	ID   int64  `json:"id,omitempty"`
	Name string `json:"name"`
	Sort int    `json:"sort"`
}

// StatusRight is a per-(entity, pipeline, stage) permission entry
type StatusRight struct {
	EntityType string            `json:"entity_type"`
	PipelineID int64             `json:"pipeline_id"`
	StatusID   int64             `json:"status_id"`
	Rights     map[string]string `json:"rights"`
}

// RoleRights is the permission block of a role. CatalogRights, SourceRights
// and PipelineRights embed provider ids for objects the engine does not
// replicate; they are kept raw on read and never written back.
type RoleRights struct {
	Leads         map[string]string `json:"leads,omitempty"`
	Contacts      map[string]string `json:"contacts,omitempty"`
	Companies     map[string]string `json:"companies,omitempty"`
	Tasks         map[string]string `json:"tasks,omitempty"`
	MailAccess    bool              `json:"mail_access"`
	CatalogAccess bool              `json:"catalog_access"`
	FilesAccess   bool              `json:"files_access"`
	StatusRights  []StatusRight     `json:"status_rights,omitempty"`

	CatalogRights  json.RawMessage `json:"catalog_rights,omitempty"`
	SourceRights   json.RawMessage `json:"source_rights,omitempty"`
	PipelineRights json.RawMessage `json:"pipeline_rights,omitempty"`
}

// Role is a named permission set
type Role struct {
	ID     int64      `json:"id,omitempty"`
	Name   string     `json:"name"`
	Rights RoleRights `json:"rights"`
}

// AccountInfo is the subset of GET /account the engine cares about
type AccountInfo struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	Subdomain string `json:"subdomain"`
	Currency  string `json:"currency"`
}

// Response envelopes. Kommo nests collections under _embedded.

type pipelinesEnvelope struct {
	Embedded struct {
		Pipelines []Pipeline `json:"pipelines"`
	} `json:"_embedded"`
}

type stagesEnvelope struct {
	Embedded struct {
		Statuses []Stage `json:"statuses"`
	} `json:"_embedded"`
}

type customFieldsEnvelope struct {
	Embedded struct {
		CustomFields []CustomField `json:"custom_fields"`
	} `json:"_embedded"`
}

type fieldGroupsEnvelope struct {
	Embedded struct {
		CustomFieldGroups []FieldGroup `json:"custom_field_groups"`
	} `json:"_embedded"`
}

type rolesEnvelope struct {
	Embedded struct {
		Roles []Role `json:"roles"`
	} `json:"_embedded"`
}
