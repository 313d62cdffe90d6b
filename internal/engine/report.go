package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"plantline/internal/domain"
	"plantline/internal/events"
	"plantline/internal/policy"
	"plantline/internal/repo"
	"plantline/internal/report"
	"plantline/internal/workflow"
)

// BuildSnapshot assembles the full work record of an entity. It does not
// check eligibility; RequestReport does.
func (e Engine) BuildSnapshot(ctx context.Context, entityID string) (report.Snapshot, error) {
	ent, err := e.Repo.GetEntity(ctx, entityID)
	if err != nil {
		return report.Snapshot{}, err
	}
	plant, err := e.Repo.GetPlant(ctx, ent.PlantID)
	if err != nil {
		return report.Snapshot{}, err
	}
	checklist, err := e.Repo.ListChecklist(ctx, ent.ID)
	if err != nil {
		return report.Snapshot{}, err
	}
	progress, err := e.Repo.ChecklistProgress(ctx, ent.ID)
	if err != nil {
		return report.Snapshot{}, err
	}
	materials, err := e.Repo.ListMaterials(ctx, ent.ID)
	if err != nil {
		return report.Snapshot{}, err
	}
	totalCents, err := e.Repo.MaterialsTotalCents(ctx, ent.ID)
	if err != nil {
		return report.Snapshot{}, err
	}
	photos, err := e.Repo.ListPhotos(ctx, ent.ID)
	if err != nil {
		return report.Snapshot{}, err
	}
	return report.Snapshot{
		Entity:              ent,
		Plant:               plant,
		Checklist:           checklist,
		ChecklistProgress:   progress,
		Materials:           materials,
		MaterialsTotalCents: totalCents,
		MaterialsTotal:      report.FormatCents(totalCents),
		Photos:              photos,
		GeneratedAt:         e.now().UTC().Format(time.RFC3339),
	}, nil
}

// RequestReport gates on terminal state before authorization so a caller
// probing a live entity learns it is not ready, not that they are denied.
func (e Engine) RequestReport(ctx context.Context, entityID string, actor Actor) (report.Snapshot, error) {
	ent, err := e.Repo.GetEntity(ctx, entityID)
	if err != nil {
		return report.Snapshot{}, err
	}
	if !workflow.IsTerminal(ent.Kind, ent.State) {
		return report.Snapshot{}, workflow.NotEligibleError{EntityID: ent.ID, State: ent.State}
	}
	if err := policy.Check(actor.Role, policy.ActionDownloadReport, ent.Kind, ent.State); err != nil {
		return report.Snapshot{}, err
	}
	snap, err := e.BuildSnapshot(ctx, entityID)
	if err != nil {
		return report.Snapshot{}, err
	}
	if e.Reports != nil {
		if err := e.Reports.Dispatch(ctx, snap); err != nil {
			return report.Snapshot{}, fmt.Errorf("dispatch report for %s: %w", entityID, err)
		}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return report.Snapshot{}, err
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, "report.requested", ent.PlantID, ent.Kind, ent.ID, actor.ID, events.EventPayload{"state": ent.State}); err != nil {
		return report.Snapshot{}, err
	}
	if err := tx.Commit(); err != nil {
		return report.Snapshot{}, err
	}
	return snap, nil
}

// --- reads and directory ---

func (e Engine) GetEntity(ctx context.Context, id string) (domain.Entity, error) {
	return e.Repo.GetEntity(ctx, id)
}

func (e Engine) ListEntities(ctx context.Context, f repo.EntityFilters) ([]domain.Entity, error) {
	return e.Repo.ListEntities(ctx, f)
}

func (e Engine) ListChecklist(ctx context.Context, entityID string) ([]domain.ChecklistItem, error) {
	if _, err := e.Repo.GetEntity(ctx, entityID); err != nil {
		return nil, err
	}
	return e.Repo.ListChecklist(ctx, entityID)
}

func (e Engine) ChecklistProgress(ctx context.Context, entityID string) (domain.ChecklistProgress, error) {
	if _, err := e.Repo.GetEntity(ctx, entityID); err != nil {
		return domain.ChecklistProgress{}, err
	}
	return e.Repo.ChecklistProgress(ctx, entityID)
}

func (e Engine) ListMaterials(ctx context.Context, entityID string) ([]domain.Material, error) {
	if _, err := e.Repo.GetEntity(ctx, entityID); err != nil {
		return nil, err
	}
	return e.Repo.ListMaterials(ctx, entityID)
}

func (e Engine) MaterialsTotal(ctx context.Context, entityID string) (int64, error) {
	if _, err := e.Repo.GetEntity(ctx, entityID); err != nil {
		return 0, err
	}
	return e.Repo.MaterialsTotalCents(ctx, entityID)
}

func (e Engine) ListPhotos(ctx context.Context, entityID string) ([]domain.Photo, error) {
	if _, err := e.Repo.GetEntity(ctx, entityID); err != nil {
		return nil, err
	}
	return e.Repo.ListPhotos(ctx, entityID)
}

func (e Engine) CreatePlant(ctx context.Context, name, location string) (domain.Plant, error) {
	if name == "" {
		return domain.Plant{}, workflow.ValidationError{Field: "name", Reason: "required"}
	}
	p := domain.Plant{
		ID:        uuid.New().String(),
		Name:      name,
		Location:  location,
		CreatedAt: e.now().UTC().Format(time.RFC3339),
	}
	if err := e.Repo.InsertPlant(ctx, p); err != nil {
		return domain.Plant{}, err
	}
	return p, nil
}

func (e Engine) ListPlants(ctx context.Context) ([]domain.Plant, error) {
	return e.Repo.ListPlants(ctx)
}

func (e Engine) LatestEvents(ctx context.Context, limit int, cursor int64, plantID, evtType, entityID string) ([]domain.Event, error) {
	return e.Repo.LatestEvents(ctx, limit, cursor, plantID, evtType, entityID)
}
