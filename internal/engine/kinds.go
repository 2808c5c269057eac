package engine

import "github.com/SauloAssefAlves/sync-kommo-sub001/internal/database"

// Sync kinds, aliased from the storage layer so callers of the engine
// never import database directly.
const (
	KindPipeline    = database.KindPipeline
	KindStage       = database.KindStage
	KindFieldGroup  = database.KindFieldGroup
	KindCustomField = database.KindCustomField
	KindRole        = database.KindRole
)

// AllKinds in execution order. Pipelines always run first so that stage
// mappings exist before fields and roles need to translate them.
var AllKinds = []string{KindPipeline, KindFieldGroup, KindCustomField, KindRole}

// NormalizeKinds validates and orders the requested kinds, promoting
// pipelines when any later kind depends on stage mappings.
func NormalizeKinds(kinds []string) ([]string, error) {
	if len(kinds) == 0 {
		return append([]string(nil), AllKinds...), nil
	}
	want := map[string]bool{}
	for _, k := range kinds {
		switch k {
		case KindPipeline, KindFieldGroup, KindCustomField, KindRole:
			want[k] = true
		case KindStage:
			// stages are part of the pipeline pass
			want[KindPipeline] = true
		default:
			return nil, &UnknownKindError{Kind: k}
		}
	}
	if want[KindCustomField] || want[KindRole] {
		want[KindPipeline] = true
	}
	if want[KindCustomField] {
		want[KindFieldGroup] = true
	}
	out := make([]string, 0, len(want))
	for _, k := range AllKinds {
		if want[k] {
			out = append(out, k)
		}
	}
	return out, nil
}
