package engine

import (
	"context"
	"errors"
	"strings"

	"github.com/SauloAssefAlves/sync-kommo-sub001/internal/kommo"
)

// syncPipelines converges the slave's pipelines and stages onto the master
// snapshot and refreshes the pipeline and stage mappings.
func (s *slaveSync) syncPipelines(ctx context.Context) error {
	slavePipelines, err := s.remote.ListPipelines(ctx)
	if err != nil {
		return err
	}

	slaveByName := make(map[string]*kommo.Pipeline, len(slavePipelines))
	slaveByID := make(map[int64]*kommo.Pipeline, len(slavePipelines))
	for i := range slavePipelines {
		p := &slavePipelines[i]
		slaveByName[matchName(p.Name)] = p
		slaveByID[p.ID] = p
	}

	masterIDs := make(map[int64]bool, len(s.master.Pipelines))
	claimed := make(map[int64]bool, len(s.master.Pipelines))

	for i := range s.master.Pipelines {
		if err := s.checkStop(ctx); err != nil {
			return err
		}
		mp := &s.master.Pipelines[i]
		masterIDs[mp.ID] = true

		target, err := s.resolveSlavePipeline(ctx, mp, slaveByName, slaveByID)
		if err != nil {
			if abortsSlave(err) {
				return err
			}
			s.itemError(KindPipeline, mp.ID, mp.Name, err)
			s.report.Pipelines.Skipped++
			continue
		}
		if target != nil {
			claimed[target.ID] = true
			if err := s.syncStages(ctx, mp, target); err != nil {
				return err
			}
		}
	}

	// Slave-extra pipelines are removed so invariant-by-name holds both
	// ways. The main pipeline cannot be deleted on the provider side.
	for i := range slavePipelines {
		if err := s.checkStop(ctx); err != nil {
			return err
		}
		sp := &slavePipelines[i]
		if claimed[sp.ID] || sp.IsMain {
			continue
		}
		masterID, mapped, err := s.reverseLookup(ctx, KindPipeline, sp.ID)
		if err != nil {
			return err
		}
		if mapped && masterIDs[masterID] {
			continue
		}
		if err := s.remote.DeletePipeline(ctx, sp.ID); err != nil {
			if abortsSlave(err) {
				return err
			}
			s.itemError(KindPipeline, masterID, sp.Name, err)
			continue
		}
		if err := s.forgetPipeline(ctx, sp); err != nil {
			return err
		}
		s.report.Pipelines.Deleted++
		if err := s.paced(ctx); err != nil {
			return err
		}
	}

	return nil
}

// resolveSlavePipeline finds or creates the slave pipeline for mp, leaving
// an up-to-date mapping behind. Returns nil when the item was skipped.
func (s *slaveSync) resolveSlavePipeline(ctx context.Context, mp *kommo.Pipeline, slaveByName map[string]*kommo.Pipeline, slaveByID map[int64]*kommo.Pipeline) (*kommo.Pipeline, error) {
	slaveID, mapped, err := s.mapper.Get(ctx, KindPipeline, mp.ID)
	if err != nil {
		return nil, err
	}
	if mapped {
		if target, ok := slaveByID[slaveID]; ok {
			if err := s.updatePipeline(ctx, mp, target); err != nil {
				return nil, err
			}
			return target, nil
		}
		// Stale: the mapped pipeline is gone on the slave. Forget and
		// fall through to the create path within this pass.
		s.log.Warn().Int64("master_id", mp.ID).Int64("slave_id", slaveID).Msg("pipeline mapping is stale")
		if err := s.mapper.Forget(ctx, KindPipeline, mp.ID); err != nil {
			return nil, err
		}
	}

	if target, ok := slaveByName[matchName(mp.Name)]; ok {
		if err := s.mapper.Put(ctx, KindPipeline, mp.ID, target.ID); err != nil {
			return nil, err
		}
		if err := s.updatePipeline(ctx, mp, target); err != nil {
			return nil, err
		}
		return target, nil
	}

	return s.createPipeline(ctx, mp)
}

func (s *slaveSync) updatePipeline(ctx context.Context, mp, sp *kommo.Pipeline) error {
	if mp.Name == sp.Name && mp.Sort == sp.Sort && mp.IsUnsortedOn == sp.IsUnsortedOn {
		return nil
	}
	patch := kommo.Pipeline{Name: mp.Name, Sort: mp.Sort, IsUnsortedOn: mp.IsUnsortedOn, IsMain: sp.IsMain}
	if err := s.remote.UpdatePipeline(ctx, sp.ID, patch); err != nil {
		if abortsSlave(err) {
			return err
		}
		s.itemError(KindPipeline, mp.ID, mp.Name, err)
		return nil
	}
	s.report.Pipelines.Updated++
	return s.paced(ctx)
}

// createPipeline sends the pipeline with its non-reserved stages embedded
// and joins the created stages back to master stages by name. The provider
// may return stages in any order, so position is never trusted.
func (s *slaveSync) createPipeline(ctx context.Context, mp *kommo.Pipeline) (*kommo.Pipeline, error) {
	payload := kommo.Pipeline{
		Name:         mp.Name,
		Sort:         mp.Sort,
		IsUnsortedOn: mp.IsUnsortedOn,
		Embedded:     &kommo.PipelineEmbedded{},
	}
	emitted := 0
	for _, ms := range mp.Stages() {
		if skipStageWrite(&ms) {
			continue
		}
		payload.Embedded.Statuses = append(payload.Embedded.Statuses, kommo.Stage{
			Name:  ms.Name,
			Sort:  ms.Sort,
			Color: NormalizeStageColor(ms.Color, emitted),
		})
		emitted++
	}

	created, err := s.remote.CreatePipeline(ctx, payload)
	if err != nil {
		if abortsSlave(err) {
			return nil, err
		}
		s.itemError(KindPipeline, mp.ID, mp.Name, err)
		s.report.Pipelines.Skipped++
		return nil, nil
	}
	if err := s.mapper.Put(ctx, KindPipeline, mp.ID, created.ID); err != nil {
		return nil, err
	}
	s.report.Pipelines.Created++

	createdByName := make(map[string]*kommo.Stage)
	for i := range created.Stages() {
		cs := &created.Embedded.Statuses[i]
		createdByName[matchName(cs.Name)] = cs
	}
	for _, ms := range mp.Stages() {
		if skipStageWrite(&ms) {
			continue
		}
		cs, ok := createdByName[matchName(ms.Name)]
		if !ok {
			s.itemError(KindStage, ms.ID, ms.Name, errors.New("created pipeline is missing the stage"))
			continue
		}
		if err := s.mapper.Put(ctx, KindStage, ms.ID, cs.ID); err != nil {
			return nil, err
		}
		s.report.Stages.Created++
	}

	if err := s.paced(ctx); err != nil {
		return nil, err
	}
	return created, nil
}

// syncStages converges the stages of one matched pipeline pair.
func (s *slaveSync) syncStages(ctx context.Context, mp, sp *kommo.Pipeline) error {
	slaveByName := make(map[string]*kommo.Stage)
	slaveByID := make(map[int64]*kommo.Stage)
	for i := range sp.Stages() {
		ss := &sp.Embedded.Statuses[i]
		slaveByName[matchName(ss.Name)] = ss
		slaveByID[ss.ID] = ss
	}

	kept := map[int64]bool{}
	emitted := 0
	for _, ms := range mp.Stages() {
		if err := s.checkStop(ctx); err != nil {
			return err
		}
		if skipStageWrite(&ms) {
			if ss, ok := slaveByID[ms.ID]; ok {
				kept[ss.ID] = true
			}
			continue
		}

		color := NormalizeStageColor(ms.Color, emitted)
		emitted++

		slaveID, mapped, err := s.mapper.Get(ctx, KindStage, ms.ID)
		if err != nil {
			return err
		}
		var target *kommo.Stage
		if mapped {
			if ss, ok := slaveByID[slaveID]; ok {
				target = ss
			} else {
				s.log.Warn().Int64("master_id", ms.ID).Int64("slave_id", slaveID).Msg("stage mapping is stale")
				if err := s.mapper.Forget(ctx, KindStage, ms.ID); err != nil {
					return err
				}
			}
		}
		if target == nil {
			if ss, ok := slaveByName[matchName(ms.Name)]; ok && !IsReservedStageID(ss.ID) {
				target = ss
				if err := s.mapper.Put(ctx, KindStage, ms.ID, ss.ID); err != nil {
					return err
				}
			}
		}

		if target == nil {
			created, err := s.remote.CreateStage(ctx, sp.ID, kommo.Stage{Name: ms.Name, Sort: ms.Sort, Color: color})
			if err != nil {
				if abortsSlave(err) {
					return err
				}
				s.itemError(KindStage, ms.ID, ms.Name, err)
				s.report.Stages.Skipped++
				continue
			}
			if err := s.mapper.Put(ctx, KindStage, ms.ID, created.ID); err != nil {
				return err
			}
			kept[created.ID] = true
			s.report.Stages.Created++
			if err := s.paced(ctx); err != nil {
				return err
			}
			continue
		}

		kept[target.ID] = true
		if target.Name != ms.Name || target.Sort != ms.Sort || !sameColor(target.Color, color) {
			patch := kommo.Stage{Name: ms.Name, Sort: ms.Sort, Color: color}
			if err := s.remote.UpdateStage(ctx, sp.ID, target.ID, patch); err != nil {
				if abortsSlave(err) {
					return err
				}
				s.itemError(KindStage, ms.ID, ms.Name, err)
				continue
			}
			s.report.Stages.Updated++
			if err := s.paced(ctx); err != nil {
				return err
			}
		}
	}

	// Slave-extra stages go away; reserved ones stay untouched.
	for i := range sp.Stages() {
		if err := s.checkStop(ctx); err != nil {
			return err
		}
		ss := &sp.Embedded.Statuses[i]
		if kept[ss.ID] || IsReservedStageID(ss.ID) || ss.Type != kommo.StageTypeNormal {
			continue
		}
		if err := s.remote.DeleteStage(ctx, sp.ID, ss.ID); err != nil {
			if kommo.IsNotFound(err) {
				// already gone, drop the mapping and move on
			} else if abortsSlave(err) {
				return err
			} else {
				s.itemError(KindStage, 0, ss.Name, err)
				continue
			}
		} else {
			s.report.Stages.Deleted++
		}
		if err := s.mapper.ForgetBySlave(ctx, KindStage, ss.ID); err != nil {
			return err
		}
		if err := s.paced(ctx); err != nil {
			return err
		}
	}

	return nil
}

// skipStageWrite reports whether a master stage is provider-managed and
// must never be part of a write payload.
func skipStageWrite(st *kommo.Stage) bool {
	return IsReservedStageID(st.ID) || st.Type != kommo.StageTypeNormal
}

func sameColor(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

// reverseLookup finds the master id a slave id is mapped from.
func (s *slaveSync) reverseLookup(ctx context.Context, kind string, slaveID int64) (int64, bool, error) {
	all, err := s.mapper.All(ctx, kind)
	if err != nil {
		return 0, false, err
	}
	for masterID, sid := range all {
		if sid == slaveID {
			return masterID, true, nil
		}
	}
	return 0, false, nil
}

// forgetPipeline drops the pipeline mapping and the mappings of every stage
// the deleted pipeline carried.
func (s *slaveSync) forgetPipeline(ctx context.Context, sp *kommo.Pipeline) error {
	if err := s.mapper.ForgetBySlave(ctx, KindPipeline, sp.ID); err != nil {
		return err
	}
	for _, ss := range sp.Stages() {
		if IsReservedStageID(ss.ID) {
			continue
		}
		if err := s.mapper.ForgetBySlave(ctx, KindStage, ss.ID); err != nil {
			return err
		}
	}
	return nil
}
