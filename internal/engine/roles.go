package engine

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"github.com/SauloAssefAlves/sync-kommo-sub001/internal/kommo"
)

var (
	roleNameHyphens    = regexp.MustCompile(`(^|\s)-+(\s|$)`)
	roleNameWhitespace = regexp.MustCompile(`\s+`)
)

// SanitizeRoleName normalizes a role name for the provider: surrounding
// whitespace trimmed, runs of whitespace collapsed, standalone hyphens
// removed, capped at 50 characters. Hyphens inside words are kept.
func SanitizeRoleName(name string) string {
	n := roleNameHyphens.ReplaceAllString(name, " ")
	n = roleNameWhitespace.ReplaceAllString(strings.TrimSpace(n), " ")
	if runes := []rune(n); len(runes) > 50 {
		n = strings.TrimSpace(string(runes[:50]))
	}
	return n
}

// syncRoles converges the slave's roles onto the master snapshot. Pipeline
// and stage mappings must be current, which the orchestrator guarantees by
// always running pipelines first.
func (s *slaveSync) syncRoles(ctx context.Context) error {
	liveStages, livePipelines, err := s.fetchSlaveStageSet(ctx)
	if err != nil {
		return err
	}

	slaveRoles, err := s.remote.ListRoles(ctx)
	if err != nil {
		return err
	}
	slaveByName := make(map[string]*kommo.Role, len(slaveRoles))
	slaveByID := make(map[int64]*kommo.Role, len(slaveRoles))
	for i := range slaveRoles {
		r := &slaveRoles[i]
		slaveByName[SanitizeRoleName(r.Name)] = r
		slaveByID[r.ID] = r
	}

	for _, mr := range s.master.Roles {
		if err := s.checkStop(ctx); err != nil {
			return err
		}

		payload, err := s.buildRolePayload(ctx, &mr, liveStages, livePipelines)
		if err != nil {
			return err
		}

		slaveID, mapped, err := s.mapper.Get(ctx, KindRole, mr.ID)
		if err != nil {
			return err
		}
		var target *kommo.Role
		if mapped {
			if r, ok := slaveByID[slaveID]; ok {
				target = r
			} else {
				s.log.Warn().Int64("master_id", mr.ID).Int64("slave_id", slaveID).Msg("role mapping is stale")
				if err := s.mapper.Forget(ctx, KindRole, mr.ID); err != nil {
					return err
				}
			}
		}
		if target == nil {
			if r, ok := slaveByName[payload.Name]; ok {
				target = r
				if err := s.mapper.Put(ctx, KindRole, mr.ID, r.ID); err != nil {
					return err
				}
			}
		}

		if target == nil {
			created, err := s.remote.CreateRole(ctx, *payload)
			if err != nil {
				if abortsSlave(err) {
					return err
				}
				s.itemError(KindRole, mr.ID, payload.Name, err)
				s.report.Roles.Skipped++
				continue
			}
			if err := s.mapper.Put(ctx, KindRole, mr.ID, created.ID); err != nil {
				return err
			}
			s.report.Roles.Created++
			if err := s.paced(ctx); err != nil {
				return err
			}
			continue
		}

		if rolesEqual(payload, target) {
			continue
		}
		if err := s.remote.UpdateRole(ctx, target.ID, *payload); err != nil {
			if abortsSlave(err) {
				return err
			}
			s.itemError(KindRole, mr.ID, payload.Name, err)
			continue
		}
		s.report.Roles.Updated++
		if err := s.paced(ctx); err != nil {
			return err
		}
	}
	return nil
}

// fetchSlaveStageSet reads the slave's pipelines once and returns the live
// stage and pipeline id sets used to prevalidate status_rights.
func (s *slaveSync) fetchSlaveStageSet(ctx context.Context) (map[int64]bool, map[int64]bool, error) {
	pipelines, err := s.remote.ListPipelines(ctx)
	if err != nil {
		return nil, nil, err
	}
	stages := map[int64]bool{}
	pipelineIDs := map[int64]bool{}
	for i := range pipelines {
		p := &pipelines[i]
		pipelineIDs[p.ID] = true
		for _, st := range p.Stages() {
			stages[st.ID] = true
		}
	}
	return stages, pipelineIDs, nil
}

// buildRolePayload assembles the outbound role. Entity-level rights copy
// verbatim; catalog, source and pipeline rights are stripped because their
// embedded ids mean nothing on the slave; status_rights are translated and
// prevalidated against the slave's live stage set. A translated stage that
// no longer exists is a stale mapping: the entry is dropped, the mapping
// forgotten and the run report gets an error entry.
func (s *slaveSync) buildRolePayload(ctx context.Context, mr *kommo.Role, liveStages, livePipelines map[int64]bool) (*kommo.Role, error) {
	out := &kommo.Role{
		Name: SanitizeRoleName(mr.Name),
		Rights: kommo.RoleRights{
			Leads:         mr.Rights.Leads,
			Contacts:      mr.Rights.Contacts,
			Companies:     mr.Rights.Companies,
			Tasks:         mr.Rights.Tasks,
			MailAccess:    mr.Rights.MailAccess,
			CatalogAccess: mr.Rights.CatalogAccess,
			FilesAccess:   mr.Rights.FilesAccess,
		},
	}

	for _, sr := range mr.Rights.StatusRights {
		pipelineID, statusID, err := s.tr.StatusRef(ctx, sr.PipelineID, sr.StatusID)
		if err != nil {
			var unmapped *UnmappedReferenceError
			if errors.As(err, &unmapped) {
				s.log.Warn().Err(err).Str("role", mr.Name).Msg("dropping untranslatable status_right")
				continue
			}
			return nil, err
		}
		if !livePipelines[pipelineID] {
			s.log.Warn().Int64("pipeline_id", pipelineID).Str("role", mr.Name).Msg("dropping status_right: pipeline missing on slave")
			continue
		}
		if !liveStages[statusID] {
			if IsReservedStageID(statusID) {
				// reserved stages exist in every pipeline even when a
				// listing omits them
				out.Rights.StatusRights = append(out.Rights.StatusRights, kommo.StatusRight{
					EntityType: sr.EntityType,
					PipelineID: pipelineID,
					StatusID:   statusID,
					Rights:     sr.Rights,
				})
				continue
			}
			staleErr := &StaleMappingError{Kind: KindStage, MasterID: sr.StatusID, SlaveID: statusID}
			s.itemError(KindStage, sr.StatusID, mr.Name, staleErr)
			if err := s.mapper.Forget(ctx, KindStage, sr.StatusID); err != nil {
				return nil, err
			}
			continue
		}
		out.Rights.StatusRights = append(out.Rights.StatusRights, kommo.StatusRight{
			EntityType: sr.EntityType,
			PipelineID: pipelineID,
			StatusID:   statusID,
			Rights:     sr.Rights,
		})
	}

	return out, nil
}

// rolesEqual reports whether the slave role already matches the payload.
func rolesEqual(want, have *kommo.Role) bool {
	if want.Name != SanitizeRoleName(have.Name) {
		return false
	}
	w, h := &want.Rights, &have.Rights
	if w.MailAccess != h.MailAccess || w.CatalogAccess != h.CatalogAccess || w.FilesAccess != h.FilesAccess {
		return false
	}
	if !rightsMapEqual(w.Leads, h.Leads) || !rightsMapEqual(w.Contacts, h.Contacts) ||
		!rightsMapEqual(w.Companies, h.Companies) || !rightsMapEqual(w.Tasks, h.Tasks) {
		return false
	}
	return statusRightsEqual(w.StatusRights, h.StatusRights)
}

func rightsMapEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

func statusRightsEqual(a, b []kommo.StatusRight) bool {
	if len(a) != len(b) {
		return false
	}
	type srKey struct {
		entity               string
		pipelineID, statusID int64
	}
	key := func(sr *kommo.StatusRight) srKey {
		return srKey{sr.EntityType, sr.PipelineID, sr.StatusID}
	}
	bByKey := make(map[srKey]*kommo.StatusRight, len(b))
	for i := range b {
		bByKey[key(&b[i])] = &b[i]
	}
	for i := range a {
		other, ok := bByKey[key(&a[i])]
		if !ok || !rightsMapEqual(a[i].Rights, other.Rights) {
			return false
		}
	}
	return true
}
