package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/SauloAssefAlves/sync-kommo-sub001/internal/kommo"
)

// Field types the provider accepts on write.
var supportedFieldTypes = map[string]bool{
	"text": true, "numeric": true, "checkbox": true, "select": true,
	"multiselect": true, "date": true, "date_time": true, "url": true,
	"textarea": true, "radiobutton": true, "streetaddress": true,
	"smart_address": true, "legal_entity": true, "price": true,
	"monetary": true, "category": true, "file": true, "multitext": true,
	"tracking_data": true, "linked_entity": true, "chained_list": true,
}

// Legacy master types rewritten before send.
var fieldTypeConversions = map[string]string{
	"birthday_date": "date",
	"birthday":      "date",
	"datetime":      "date_time",
}

// Provider-managed field codes. These fields exist in every account and are
// never written.
var systemFieldCodes = map[string]bool{
	"PHONE": true, "EMAIL": true, "POSITION": true,
	"WEB": true, "IM": true, "ADDRESS": true,
}

// normalizeFieldType rewrites legacy types and falls back to text for
// anything the provider would reject.
func normalizeFieldType(t string) string {
	if conv, ok := fieldTypeConversions[t]; ok {
		return conv
	}
	if !supportedFieldTypes[t] {
		return "text"
	}
	return t
}

func isMonetaryType(t string) bool {
	return t == "price" || t == "monetary"
}

func hasEnums(t string) bool {
	switch t {
	case "select", "multiselect", "radiobutton":
		return true
	}
	return false
}

// syncFieldGroups converges custom field groups for every entity type.
// Groups go first so field payloads can translate group_id.
func (s *slaveSync) syncFieldGroups(ctx context.Context) error {
	for _, entity := range kommo.EntityTypes {
		if err := s.syncEntityFieldGroups(ctx, entity); err != nil {
			return err
		}
	}
	return nil
}

func (s *slaveSync) syncEntityFieldGroups(ctx context.Context, entity kommo.EntityType) error {
	slaveGroups, err := s.remote.ListFieldGroups(ctx, entity)
	if err != nil {
		return err
	}
	slaveByName := make(map[string]*kommo.FieldGroup, len(slaveGroups))
	slaveByID := make(map[int64]*kommo.FieldGroup, len(slaveGroups))
	for i := range slaveGroups {
		g := &slaveGroups[i]
		slaveByName[matchName(g.Name)] = g
		slaveByID[g.ID] = g
	}

	claimed := map[int64]bool{}
	for _, mg := range s.master.FieldGroups[entity] {
		if err := s.checkStop(ctx); err != nil {
			return err
		}

		slaveID, mapped, err := s.mapper.Get(ctx, KindFieldGroup, mg.ID)
		if err != nil {
			return err
		}
		var target *kommo.FieldGroup
		if mapped {
			if g, ok := slaveByID[slaveID]; ok {
				target = g
			} else {
				s.log.Warn().Int64("master_id", mg.ID).Int64("slave_id", slaveID).Msg("field group mapping is stale")
				if err := s.mapper.Forget(ctx, KindFieldGroup, mg.ID); err != nil {
					return err
				}
			}
		}
		if target == nil {
			if g, ok := slaveByName[matchName(mg.Name)]; ok {
				target = g
				if err := s.mapper.Put(ctx, KindFieldGroup, mg.ID, g.ID); err != nil {
					return err
				}
			}
		}

		if target == nil {
			created, err := s.remote.CreateFieldGroup(ctx, entity, kommo.FieldGroup{Name: mg.Name, Sort: mg.Sort})
			if err != nil {
				if abortsSlave(err) {
					return err
				}
				s.itemError(KindFieldGroup, mg.ID, mg.Name, err)
				s.report.FieldGroups.Skipped++
				continue
			}
			if err := s.mapper.Put(ctx, KindFieldGroup, mg.ID, created.ID); err != nil {
				return err
			}
			s.report.FieldGroups.Created++
			if err := s.paced(ctx); err != nil {
				return err
			}
			continue
		}

		claimed[target.ID] = true
		if target.Sort != mg.Sort || target.Name != mg.Name {
			patch := kommo.FieldGroup{Name: mg.Name, Sort: mg.Sort}
			if err := s.remote.UpdateFieldGroup(ctx, entity, target.ID, patch); err != nil {
				if abortsSlave(err) {
					return err
				}
				s.itemError(KindFieldGroup, mg.ID, mg.Name, err)
				continue
			}
			s.report.FieldGroups.Updated++
			if err := s.paced(ctx); err != nil {
				return err
			}
		}
	}

	for i := range slaveGroups {
		if err := s.checkStop(ctx); err != nil {
			return err
		}
		g := &slaveGroups[i]
		if claimed[g.ID] {
			continue
		}
		masterID, _, err := s.reverseLookup(ctx, KindFieldGroup, g.ID)
		if err != nil {
			return err
		}
		if err := s.remote.DeleteFieldGroup(ctx, entity, g.ID); err != nil {
			if kommo.IsNotFound(err) {
				// already gone
			} else if abortsSlave(err) {
				return err
			} else {
				s.itemError(KindFieldGroup, masterID, g.Name, err)
				continue
			}
		} else {
			s.report.FieldGroups.Deleted++
		}
		if err := s.mapper.ForgetBySlave(ctx, KindFieldGroup, g.ID); err != nil {
			return err
		}
		if err := s.paced(ctx); err != nil {
			return err
		}
	}
	return nil
}

// syncCustomFields converges custom fields for every entity type.
func (s *slaveSync) syncCustomFields(ctx context.Context) error {
	for _, entity := range kommo.EntityTypes {
		if err := s.syncEntityFields(ctx, entity); err != nil {
			return err
		}
	}
	return nil
}

func (s *slaveSync) syncEntityFields(ctx context.Context, entity kommo.EntityType) error {
	slaveFields, err := s.remote.ListCustomFields(ctx, entity)
	if err != nil {
		return err
	}
	slaveByName := make(map[string]*kommo.CustomField, len(slaveFields))
	slaveByID := make(map[int64]*kommo.CustomField, len(slaveFields))
	for i := range slaveFields {
		f := &slaveFields[i]
		slaveByName[matchName(f.Name)] = f
		slaveByID[f.ID] = f
	}

	claimed := map[int64]bool{}
	for _, mf := range s.master.CustomFields[entity] {
		if err := s.checkStop(ctx); err != nil {
			return err
		}
		if systemFieldCodes[mf.Code] {
			continue
		}

		fieldType := normalizeFieldType(mf.Type)

		slaveID, mapped, err := s.mapper.Get(ctx, KindCustomField, mf.ID)
		if err != nil {
			return err
		}
		var target *kommo.CustomField
		if mapped {
			if f, ok := slaveByID[slaveID]; ok {
				target = f
			} else {
				s.log.Warn().Int64("master_id", mf.ID).Int64("slave_id", slaveID).Msg("custom field mapping is stale")
				if err := s.mapper.Forget(ctx, KindCustomField, mf.ID); err != nil {
					return err
				}
			}
		}
		if target == nil {
			if f, ok := slaveByName[matchName(mf.Name)]; ok {
				target = f
			}
		}

		if target != nil && target.Type != fieldType {
			// type changes are destructive on the provider side
			claimed[target.ID] = true
			s.itemError(KindCustomField, mf.ID, mf.Name,
				fmt.Errorf("type mismatch: master %s, slave %s", fieldType, target.Type))
			s.report.CustomFields.Skipped++
			continue
		}

		payload, groupResolved, err := s.buildFieldPayload(ctx, &mf, fieldType)
		if err != nil {
			return err
		}

		if target == nil {
			created, err := s.remote.CreateCustomField(ctx, entity, *payload)
			if err != nil {
				if abortsSlave(err) {
					return err
				}
				s.itemError(KindCustomField, mf.ID, mf.Name, err)
				s.report.CustomFields.Skipped++
				continue
			}
			if err := s.mapper.Put(ctx, KindCustomField, mf.ID, created.ID); err != nil {
				return err
			}
			s.report.CustomFields.Created++
			if err := s.paced(ctx); err != nil {
				return err
			}
			continue
		}

		claimed[target.ID] = true
		if !mapped || slaveID != target.ID {
			if err := s.mapper.Put(ctx, KindCustomField, mf.ID, target.ID); err != nil {
				return err
			}
		}

		if fieldsEqual(payload, target, groupResolved) {
			continue
		}
		if err := s.remote.UpdateCustomField(ctx, entity, target.ID, *payload); err != nil {
			if abortsSlave(err) {
				return err
			}
			s.itemError(KindCustomField, mf.ID, mf.Name, err)
			continue
		}
		s.report.CustomFields.Updated++
		if err := s.paced(ctx); err != nil {
			return err
		}
	}

	if !s.opts.StrictFields {
		return nil
	}
	for i := range slaveFields {
		if err := s.checkStop(ctx); err != nil {
			return err
		}
		f := &slaveFields[i]
		if claimed[f.ID] || systemFieldCodes[f.Code] {
			continue
		}
		if err := s.remote.DeleteCustomField(ctx, entity, f.ID); err != nil {
			if kommo.IsNotFound(err) {
				// already gone
			} else if abortsSlave(err) {
				return err
			} else {
				s.itemError(KindCustomField, 0, f.Name, err)
				continue
			}
		} else {
			s.report.CustomFields.Deleted++
		}
		if err := s.mapper.ForgetBySlave(ctx, KindCustomField, f.ID); err != nil {
			return err
		}
		if err := s.paced(ctx); err != nil {
			return err
		}
	}
	return nil
}

// buildFieldPayload assembles the outbound field, translating every
// embedded master reference. Only database errors are returned; unmapped
// references degrade the payload with a warning. groupResolved is false
// when the master's group could not be translated, meaning the payload's
// empty GroupID carries no intent and the slave's group is left alone.
func (s *slaveSync) buildFieldPayload(ctx context.Context, mf *kommo.CustomField, fieldType string) (*kommo.CustomField, bool, error) {
	groupResolved := true
	out := &kommo.CustomField{
		Name:       mf.Name,
		Type:       fieldType,
		Sort:       mf.Sort,
		IsRequired: mf.IsRequired,
	}

	if isMonetaryType(fieldType) {
		out.Currency = mf.Currency
		if out.Currency == "" {
			out.Currency = s.master.Currency
		}
		if out.Currency == "" {
			out.Currency = s.opts.FallbackCurrency
		}
	}

	if hasEnums(fieldType) {
		for _, e := range mf.Enums {
			out.Enums = append(out.Enums, kommo.FieldEnum{Value: e.Value, Sort: e.Sort})
		}
	}

	if mf.GroupID != 0 {
		groupID, err := s.tr.FieldGroup(ctx, mf.GroupID)
		var unmapped *UnmappedReferenceError
		switch {
		case err == nil:
			out.GroupID = groupID
		case errors.As(err, &unmapped):
			groupResolved = false
			s.log.Warn().Int64("master_group_id", mf.GroupID).Str("field", mf.Name).Msg("field group not mapped, dropping group_id")
		default:
			return nil, false, err
		}
	}

	for _, rs := range mf.RequiredStatuses {
		pipelineID, statusID, err := s.tr.StatusRef(ctx, rs.PipelineID, rs.StatusID)
		if err != nil {
			var unmapped *UnmappedReferenceError
			if errors.As(err, &unmapped) {
				s.log.Warn().Err(err).Str("field", mf.Name).Msg("dropping untranslatable required_status")
				continue
			}
			return nil, false, err
		}
		out.RequiredStatuses = append(out.RequiredStatuses, kommo.RequiredStatus{PipelineID: pipelineID, StatusID: statusID})
	}

	return out, groupResolved, nil
}

// fieldsEqual reports whether the slave field already matches the payload.
// Monetary fields compare currency too, so a drifted currency always
// triggers an update carrying it. Group membership counts both ways when
// groupResolved, so a field the master ungrouped is ungrouped on the slave.
func fieldsEqual(want, have *kommo.CustomField, groupResolved bool) bool {
	if want.Sort != have.Sort || want.IsRequired != have.IsRequired || want.Name != have.Name {
		return false
	}
	if isMonetaryType(want.Type) && want.Currency != have.Currency {
		return false
	}
	if groupResolved && want.GroupID != have.GroupID {
		return false
	}
	if !enumsEqual(want.Enums, have.Enums) {
		return false
	}
	return requiredStatusesEqual(want.RequiredStatuses, have.RequiredStatuses)
}

func enumsEqual(want, have []kommo.FieldEnum) bool {
	if len(want) != len(have) {
		return false
	}
	haveSet := make(map[string]int, len(have))
	for _, e := range have {
		haveSet[e.Value] = e.Sort
	}
	for _, e := range want {
		sort, ok := haveSet[e.Value]
		if !ok || sort != e.Sort {
			return false
		}
	}
	return true
}

func requiredStatusesEqual(want, have []kommo.RequiredStatus) bool {
	if len(want) != len(have) {
		return false
	}
	haveSet := make(map[kommo.RequiredStatus]bool, len(have))
	for _, rs := range have {
		haveSet[rs] = true
	}
	for _, rs := range want {
		if !haveSet[rs] {
			return false
		}
	}
	return true
}
