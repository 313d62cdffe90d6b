package engine

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"plantline/internal/domain"
	"plantline/internal/events"
	"plantline/internal/policy"
	"plantline/internal/workflow"
)

// --- checklist ---

func (e Engine) AddChecklistItem(ctx context.Context, entityID, label string, actor Actor) (domain.ChecklistItem, error) {
	if strings.TrimSpace(label) == "" {
		return domain.ChecklistItem{}, workflow.ValidationError{Field: "label", Reason: "required"}
	}
	ent, err := e.Repo.GetEntity(ctx, entityID)
	if err != nil {
		return domain.ChecklistItem{}, err
	}
	if ent.Kind != workflow.KindMaintenance {
		return domain.ChecklistItem{}, workflow.ValidationError{Field: "entity_id", Reason: "checklists apply to maintenance tasks only"}
	}
	if err := policy.Check(actor.Role, policy.ActionManageChecklist, ent.Kind, ent.State); err != nil {
		return domain.ChecklistItem{}, err
	}
	item := domain.ChecklistItem{
		ID:        uuid.New().String(),
		EntityID:  ent.ID,
		Label:     label,
		CreatedAt: e.now().UTC().Format(time.RFC3339),
	}
	err = e.inGuardedTx(ctx, ent.ID, "manageChecklist", func(tx *sql.Tx, fresh domain.Entity) error {
		if err := e.Repo.InsertChecklistItem(ctx, tx, item); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, "checklist.added", fresh.PlantID, fresh.Kind, fresh.ID, actor.ID, events.EventPayload{"item_id": item.ID})
	})
	if err != nil {
		return domain.ChecklistItem{}, err
	}
	return item, nil
}

// ToggleChecklistItem flips completion. The completion timestamp is set
// when the item goes false to true and cleared on the way back; marking
// an item with the value it already holds is a no-op.
func (e Engine) ToggleChecklistItem(ctx context.Context, itemID string, completed bool, actor Actor) (domain.ChecklistItem, error) {
	item, err := e.Repo.GetChecklistItem(ctx, itemID)
	if err != nil {
		return domain.ChecklistItem{}, err
	}
	ent, err := e.Repo.GetEntity(ctx, item.EntityID)
	if err != nil {
		return domain.ChecklistItem{}, err
	}
	if err := policy.Check(actor.Role, policy.ActionManageChecklist, ent.Kind, ent.State); err != nil {
		return domain.ChecklistItem{}, err
	}
	var completedAt *string
	if completed {
		ts := e.now().UTC().Format(time.RFC3339)
		completedAt = &ts
	}
	// The terminal-parent guard applies even when the value is unchanged,
	// so the no-op shortcut lives inside the guarded transaction.
	changed := item.Completed != completed
	err = e.inGuardedTx(ctx, ent.ID, "manageChecklist", func(tx *sql.Tx, fresh domain.Entity) error {
		if !changed {
			return nil
		}
		if err := e.Repo.SetChecklistItemCompleted(ctx, tx, item.ID, completed, completedAt); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, "checklist.toggled", fresh.PlantID, fresh.Kind, fresh.ID, actor.ID, events.EventPayload{"item_id": item.ID, "completed": completed})
	})
	if err != nil {
		return domain.ChecklistItem{}, err
	}
	if changed {
		item.Completed = completed
		item.CompletedAt = completedAt
	}
	return item, nil
}

func (e Engine) RemoveChecklistItem(ctx context.Context, itemID string, actor Actor) error {
	item, err := e.Repo.GetChecklistItem(ctx, itemID)
	if err != nil {
		return err
	}
	ent, err := e.Repo.GetEntity(ctx, item.EntityID)
	if err != nil {
		return err
	}
	if err := policy.Check(actor.Role, policy.ActionManageChecklist, ent.Kind, ent.State); err != nil {
		return err
	}
	return e.inGuardedTx(ctx, ent.ID, "manageChecklist", func(tx *sql.Tx, fresh domain.Entity) error {
		if err := e.Repo.DeleteChecklistItem(ctx, tx, item.ID); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, "checklist.removed", fresh.PlantID, fresh.Kind, fresh.ID, actor.ID, events.EventPayload{"item_id": item.ID})
	})
}

// --- materials ---

type MaterialInput struct {
	Name     string
	Quantity float64
	Unit     string
	UnitCost float64
}

var materialUnits = map[string]bool{
	"unidad": true,
	"metro":  true,
	"litro":  true,
	"kg":     true,
	"caja":   true,
}

func validateMaterial(m MaterialInput) error {
	if strings.TrimSpace(m.Name) == "" {
		return workflow.ValidationError{Field: "name", Reason: "required"}
	}
	if m.Quantity <= 0 {
		return workflow.ValidationError{Field: "quantity", Reason: "must be greater than zero"}
	}
	if !materialUnits[m.Unit] {
		return workflow.ValidationError{Field: "unit", Reason: "must be one of unidad, metro, litro, kg, caja"}
	}
	if m.UnitCost < 0 {
		return workflow.ValidationError{Field: "unit_cost", Reason: "must not be negative"}
	}
	return nil
}

func (e Engine) AddMaterial(ctx context.Context, entityID string, in MaterialInput, actor Actor) (domain.Material, error) {
	if err := validateMaterial(in); err != nil {
		return domain.Material{}, err
	}
	ent, err := e.Repo.GetEntity(ctx, entityID)
	if err != nil {
		return domain.Material{}, err
	}
	if err := policy.Check(actor.Role, policy.ActionManageMaterials, ent.Kind, ent.State); err != nil {
		return domain.Material{}, err
	}
	m := domain.Material{
		ID:        uuid.New().String(),
		EntityID:  ent.ID,
		Name:      in.Name,
		Quantity:  in.Quantity,
		Unit:      in.Unit,
		UnitCost:  in.UnitCost,
		CreatedAt: e.now().UTC().Format(time.RFC3339),
	}
	err = e.inGuardedTx(ctx, ent.ID, "manageMaterials", func(tx *sql.Tx, fresh domain.Entity) error {
		if err := e.Repo.InsertMaterial(ctx, tx, m); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, "material.added", fresh.PlantID, fresh.Kind, fresh.ID, actor.ID, events.EventPayload{"material_id": m.ID, "name": m.Name})
	})
	if err != nil {
		return domain.Material{}, err
	}
	return m, nil
}

func (e Engine) UpdateMaterial(ctx context.Context, materialID string, in MaterialInput, actor Actor) (domain.Material, error) {
	if err := validateMaterial(in); err != nil {
		return domain.Material{}, err
	}
	m, err := e.Repo.GetMaterial(ctx, materialID)
	if err != nil {
		return domain.Material{}, err
	}
	ent, err := e.Repo.GetEntity(ctx, m.EntityID)
	if err != nil {
		return domain.Material{}, err
	}
	if err := policy.Check(actor.Role, policy.ActionManageMaterials, ent.Kind, ent.State); err != nil {
		return domain.Material{}, err
	}
	m.Name = in.Name
	m.Quantity = in.Quantity
	m.Unit = in.Unit
	m.UnitCost = in.UnitCost
	err = e.inGuardedTx(ctx, ent.ID, "manageMaterials", func(tx *sql.Tx, fresh domain.Entity) error {
		if err := e.Repo.UpdateMaterial(ctx, tx, m); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, "material.updated", fresh.PlantID, fresh.Kind, fresh.ID, actor.ID, events.EventPayload{"material_id": m.ID})
	})
	if err != nil {
		return domain.Material{}, err
	}
	return m, nil
}

func (e Engine) RemoveMaterial(ctx context.Context, materialID string, actor Actor) error {
	m, err := e.Repo.GetMaterial(ctx, materialID)
	if err != nil {
		return err
	}
	ent, err := e.Repo.GetEntity(ctx, m.EntityID)
	if err != nil {
		return err
	}
	if err := policy.Check(actor.Role, policy.ActionManageMaterials, ent.Kind, ent.State); err != nil {
		return err
	}
	return e.inGuardedTx(ctx, ent.ID, "manageMaterials", func(tx *sql.Tx, fresh domain.Entity) error {
		if err := e.Repo.DeleteMaterial(ctx, tx, m.ID); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, "material.removed", fresh.PlantID, fresh.Kind, fresh.ID, actor.ID, events.EventPayload{"material_id": m.ID})
	})
}

// --- photos ---

type PhotoUpload struct {
	Filename string
	Data     []byte
}

func (e Engine) AttachPhoto(ctx context.Context, entityID, phase string, up PhotoUpload, actor Actor) (domain.Photo, error) {
	if phase != domain.PhaseBefore && phase != domain.PhaseAfter {
		return domain.Photo{}, workflow.ValidationError{Field: "phase", Reason: "must be before or after"}
	}
	if len(up.Data) == 0 {
		return domain.Photo{}, workflow.ValidationError{Field: "data", Reason: "required"}
	}
	if max := e.Config.Photos.MaxBytes; max > 0 && len(up.Data) > max {
		return domain.Photo{}, workflow.ValidationError{Field: "data", Reason: fmt.Sprintf("exceeds %d bytes", max)}
	}
	ent, err := e.Repo.GetEntity(ctx, entityID)
	if err != nil {
		return domain.Photo{}, err
	}
	if err := policy.Check(actor.Role, policy.ActionManagePhotos, ent.Kind, ent.State); err != nil {
		return domain.Photo{}, err
	}
	if err := phaseLegal(ent, phase); err != nil {
		return domain.Photo{}, err
	}
	return e.attachPhoto(ctx, ent, phase, up, actor, false)
}

// completionAttach reports whether this attach rides the completion
// coordinator, the only path allowed to land after-photos on an entity
// that just went terminal.
func completionAttach(fromCompletion bool, phase string) bool {
	return fromCompletion && phase == domain.PhaseAfter
}

// phaseLegal enforces when each phase may be attached through the public
// surface: before-photos while pending or in progress, after-photos only
// while in progress. Terminal entities refuse both.
func phaseLegal(ent domain.Entity, phase string) error {
	if workflow.IsTerminal(ent.Kind, ent.State) {
		return workflow.InvalidStateError{EntityID: ent.ID, State: ent.State, Action: "managePhotos"}
	}
	if phase == domain.PhaseAfter && ent.State != workflow.StateInProgress {
		return workflow.InvalidStateError{EntityID: ent.ID, State: ent.State, Action: "managePhotos"}
	}
	return nil
}

// attachPhoto re-checks the parent state and the per-phase cap inside
// the transaction and only then writes the blob, so a rejection leaves
// no orphaned file behind. fromCompletion marks the completion path,
// whose after-photos land on an entity that just went terminal.
func (e Engine) attachPhoto(ctx context.Context, ent domain.Entity, phase string, up PhotoUpload, actor Actor, fromCompletion bool) (domain.Photo, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Photo{}, err
	}
	defer tx.Rollback()
	fresh, err := e.Repo.GetEntityTx(ctx, tx, ent.ID)
	if err != nil {
		return domain.Photo{}, err
	}
	if !completionAttach(fromCompletion, phase) {
		if err := phaseLegal(fresh, phase); err != nil {
			return domain.Photo{}, err
		}
	}
	n, err := e.Repo.CountPhotosTx(ctx, tx, ent.ID, phase)
	if err != nil {
		return domain.Photo{}, err
	}
	if limit := e.Config.Photos.MaxPerPhase; limit > 0 && n >= limit {
		return domain.Photo{}, workflow.LimitExceededError{EntityID: ent.ID, Phase: phase, Limit: limit}
	}
	ref, err := e.Blobs.Save(ctx, up.Data)
	if err != nil {
		return domain.Photo{}, err
	}
	p := domain.Photo{
		ID:               uuid.New().String(),
		EntityID:         ent.ID,
		Phase:            phase,
		BlobRef:          ref,
		OriginalFilename: up.Filename,
		CapturedAt:       e.now().UTC().Format(time.RFC3339),
	}
	if err := e.Repo.InsertPhoto(ctx, tx, p); err != nil {
		return domain.Photo{}, err
	}
	if err := e.Events.Append(ctx, tx, "photo.attached", fresh.PlantID, fresh.Kind, fresh.ID, actor.ID, events.EventPayload{"photo_id": p.ID, "phase": phase}); err != nil {
		return domain.Photo{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Photo{}, err
	}
	return p, nil
}

// attachBestEffort attaches each upload under its own deadline and folds
// failures into warnings. Used where the owning transition has already
// committed and must not be undone by photo trouble. fromCompletion is
// true only for the completion coordinator's after-photos; every other
// caller gets the full in-transaction state recheck.
func (e Engine) attachBestEffort(ctx context.Context, ent domain.Entity, phase string, uploads []PhotoUpload, actor Actor, fromCompletion bool) []string {
	if len(uploads) == 0 {
		return nil
	}
	timeout := 10 * time.Second
	if s := e.Config.Photos.AttachTimeoutSeconds; s > 0 {
		timeout = time.Duration(s) * time.Second
	}
	var warnings []string
	for i, up := range uploads {
		err := func() error {
			attachCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			_, err := e.attachPhoto(attachCtx, ent, phase, up, actor, fromCompletion)
			return err
		}()
		if err != nil {
			name := up.Filename
			if name == "" {
				name = fmt.Sprintf("photo %d", i+1)
			}
			e.logger().Printf("attach %s photo for %s: %v", phase, ent.ID, err)
			warnings = append(warnings, fmt.Sprintf("%s: %v", name, err))
		}
	}
	return warnings
}

func (e Engine) RemovePhoto(ctx context.Context, photoID string, actor Actor) error {
	p, err := e.Repo.GetPhoto(ctx, photoID)
	if err != nil {
		return err
	}
	ent, err := e.Repo.GetEntity(ctx, p.EntityID)
	if err != nil {
		return err
	}
	if err := policy.Check(actor.Role, policy.ActionManagePhotos, ent.Kind, ent.State); err != nil {
		return err
	}
	err = e.inGuardedTx(ctx, ent.ID, "managePhotos", func(tx *sql.Tx, fresh domain.Entity) error {
		if err := e.Repo.DeletePhoto(ctx, tx, p.ID); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, "photo.removed", fresh.PlantID, fresh.Kind, fresh.ID, actor.ID, events.EventPayload{"photo_id": p.ID})
	})
	if err != nil {
		return err
	}
	if e.Blobs != nil {
		if err := e.Blobs.Remove(p.BlobRef); err != nil {
			e.logger().Printf("remove blob %s: %v", p.BlobRef, err)
		}
	}
	return nil
}

// inGuardedTx rereads the entity inside a transaction, refuses terminal
// states, runs fn, and commits. All artifact mutations funnel through it
// so the terminal-immutability check and the write share one snapshot.
func (e Engine) inGuardedTx(ctx context.Context, entityID, action string, fn func(tx *sql.Tx, fresh domain.Entity) error) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	fresh, err := e.Repo.GetEntityTx(ctx, tx, entityID)
	if err != nil {
		return err
	}
	if workflow.IsTerminal(fresh.Kind, fresh.State) {
		return workflow.InvalidStateError{EntityID: fresh.ID, State: fresh.State, Action: action}
	}
	if err := fn(tx, fresh); err != nil {
		return err
	}
	return tx.Commit()
}
