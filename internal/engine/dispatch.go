package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/labforge/labforge/internal/model"
	"github.com/labforge/labforge/internal/store"
)

// ErrNothingDeployed is returned when a destroy request finds no template
// with a prior deploy attempt to tear down.
var ErrNothingDeployed = errors.New("no deployed resources to destroy")

// DeployWorkshop fans a deploy out across every template of the workshop
// under a single run ID. All operation records are created pending before
// any worker spawns so batch finalization never observes a half-dispatched
// batch. Overrides are applied on top of each template's workshop variables.
// Returns the operation IDs in template order.
func (e *Engine) DeployWorkshop(ctx context.Context, workshopID, initiator string, overrides map[string]any) ([]string, error) {
	w, err := e.store.GetWorkshop(ctx, workshopID)
	if err != nil {
		return nil, err
	}
	templateIDs, err := e.store.ExpandTemplates(ctx, w)
	if err != nil {
		return nil, err
	}
	if len(templateIDs) == 0 {
		return nil, fmt.Errorf("workshop %s has no templates", workshopID)
	}

	if _, err := e.store.UpdateWorkshopStatus(ctx, workshopID, model.WorkshopDeploying, nil); err != nil {
		return nil, fmt.Errorf("mark deploying: %w", err)
	}

	runID := model.NewID()
	ops := make([]*model.Operation, 0, len(templateIDs))
	for _, templateID := range templateIDs {
		op, err := e.resolveOperation(ctx, Dispatch{
			WorkshopID: workshopID,
			TemplateID: templateID,
			RunID:      runID,
			Variables:  mergeVariables(w.VariablesFor(templateID), overrides),
			Initiator:  initiator,
		}, model.KindDeploy)
		if err != nil {
			e.abandonBatch(ctx, workshopID, ops)
			return nil, err
		}
		ops = append(ops, op)
	}

	ids := make([]string, 0, len(ops))
	for _, op := range ops {
		e.spawn(op, model.WorkshopDeployed, e.executor.Apply)
		ids = append(ids, op.ID)
	}
	return ids, nil
}

// DestroyWorkshop fans a destroy out across every template of the workshop
// that has a prior deploy attempt, under a single run ID. Templates that
// were never deployed have no state to tear down and are skipped; failed
// deploys still count because a failed apply can leave resources behind.
func (e *Engine) DestroyWorkshop(ctx context.Context, workshopID, initiator string) ([]string, error) {
	w, err := e.store.GetWorkshop(ctx, workshopID)
	if err != nil {
		return nil, err
	}
	templateIDs, err := e.store.ExpandTemplates(ctx, w)
	if err != nil {
		return nil, err
	}
	existing, err := e.store.ListOperationsByWorkshop(ctx, workshopID)
	if err != nil {
		return nil, err
	}

	attempted := make(map[string]bool)
	for _, o := range existing {
		if o.Kind == model.KindDeploy && (o.Status == model.StatusSucceeded || o.Status == model.StatusFailed) {
			attempted[o.TemplateID] = true
		}
	}

	var targets []string
	for _, id := range templateIDs {
		if attempted[id] {
			targets = append(targets, id)
		}
	}
	if len(targets) == 0 {
		return nil, ErrNothingDeployed
	}

	if _, err := e.store.UpdateWorkshopStatus(ctx, workshopID, model.WorkshopDestroying, nil); err != nil {
		return nil, fmt.Errorf("mark destroying: %w", err)
	}

	runID := model.NewID()
	ops := make([]*model.Operation, 0, len(targets))
	for _, templateID := range targets {
		op, err := e.resolveOperation(ctx, Dispatch{
			WorkshopID: workshopID,
			TemplateID: templateID,
			RunID:      runID,
			Variables:  w.VariablesFor(templateID),
			Initiator:  initiator,
		}, model.KindDestroy)
		if err != nil {
			e.abandonBatch(ctx, workshopID, ops)
			return nil, err
		}
		ops = append(ops, op)
	}

	ids := make([]string, 0, len(ops))
	for _, op := range ops {
		e.spawn(op, model.WorkshopDestroyed, e.executor.Destroy)
		ids = append(ids, op.ID)
	}
	return ids, nil
}

// abandonBatch unwinds a dispatch that failed partway: records already
// created are cancelled and the workshop is returned to pending. No worker
// ever spawns for an abandoned batch, so nothing else would clear the
// in-progress status and the workshop would stay blocked forever.
func (e *Engine) abandonBatch(ctx context.Context, workshopID string, ops []*model.Operation) {
	cancelled := model.StatusCancelled
	for _, op := range ops {
		if _, err := e.store.UpdateOperation(ctx, op.ID, store.OperationUpdate{Status: &cancelled}); err != nil {
			e.logger.Warn("abandon batch: cancel operation", "operation_id", op.ID, "error", err)
		}
	}
	if _, err := e.store.UpdateWorkshopStatus(ctx, workshopID, model.WorkshopPending, nil); err != nil {
		e.logger.Warn("abandon batch: reset workshop status", "workshop_id", workshopID, "error", err)
	}
}

func mergeVariables(base, overrides map[string]any) map[string]any {
	if len(overrides) == 0 {
		return base
	}
	merged := make(map[string]any, len(base)+len(overrides))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range overrides {
		merged[k] = v
	}
	return merged
}
