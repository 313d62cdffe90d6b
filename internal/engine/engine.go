package engine

import (
	"context"
	"database/sql"
	"log"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"plantline/internal/blob"
	"plantline/internal/config"
	"plantline/internal/domain"
	"plantline/internal/events"
	"plantline/internal/policy"
	"plantline/internal/repo"
	"plantline/internal/report"
	"plantline/internal/workflow"
)

// Actor is the already-authenticated caller. Authentication happens
// upstream; the engine only authorizes.
type Actor struct {
	ID   string
	Role policy.Role
}

type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Events  events.Writer
	Blobs   *blob.Store
	Reports report.Dispatcher
	Config  *config.Config
	Logger  *log.Logger
	Now     func() time.Time
}

func New(db *sql.DB, cfg *config.Config, blobs *blob.Store) Engine {
	return Engine{
		DB:      db,
		Repo:    repo.Repo{DB: db},
		Events:  events.Writer{DB: db},
		Blobs:   blobs,
		Reports: report.Nop{},
		Config:  cfg,
		Now:     time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) logger() *log.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return log.Default()
}

// CreateOptions are parameters for creating an incident or maintenance task.
type CreateOptions struct {
	ID              string
	Kind            string
	PlantID         string
	Title           string
	Description     string
	ScheduledDate   string
	MaintenanceType string
	AssignedTo      string
	Actor           Actor
}

func (e Engine) CreateEntity(ctx context.Context, opts CreateOptions) (domain.Entity, error) {
	if !workflow.ValidKind(opts.Kind) {
		return domain.Entity{}, workflow.ValidationError{Field: "kind", Reason: "must be incident or maintenance"}
	}
	if err := policy.Check(opts.Actor.Role, policy.ActionCreate, opts.Kind, workflow.StatePending); err != nil {
		return domain.Entity{}, err
	}
	if strings.TrimSpace(opts.PlantID) == "" {
		return domain.Entity{}, workflow.ValidationError{Field: "plant_id", Reason: "required"}
	}
	if strings.TrimSpace(opts.Description) == "" {
		return domain.Entity{}, workflow.ValidationError{Field: "description", Reason: "required"}
	}
	switch opts.Kind {
	case workflow.KindIncident:
		if strings.TrimSpace(opts.Title) == "" {
			return domain.Entity{}, workflow.ValidationError{Field: "title", Reason: "required for incidents"}
		}
	case workflow.KindMaintenance:
		if opts.MaintenanceType == "" {
			opts.MaintenanceType = "preventivo"
		}
		if opts.MaintenanceType != "preventivo" && opts.MaintenanceType != "correctivo" {
			return domain.Entity{}, workflow.ValidationError{Field: "maintenance_type", Reason: "must be preventivo or correctivo"}
		}
	}
	if _, err := e.Repo.GetPlant(ctx, opts.PlantID); err != nil {
		return domain.Entity{}, err
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := e.now().UTC().Format(time.RFC3339)
	ent := domain.Entity{
		ID:              id,
		PlantID:         opts.PlantID,
		Kind:            opts.Kind,
		State:           workflow.StatePending,
		Title:           opts.Title,
		Description:     opts.Description,
		ScheduledDate:   optionalString(opts.ScheduledDate),
		MaintenanceType: opts.MaintenanceType,
		ReportedBy:      opts.Actor.ID,
		AssignedTo:      optionalString(opts.AssignedTo),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Entity{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertEntity(ctx, tx, ent); err != nil {
		return domain.Entity{}, err
	}
	evtType := "incident.reported"
	if ent.Kind == workflow.KindMaintenance {
		evtType = "maintenance.scheduled"
	}
	if err := e.Events.Append(ctx, tx, evtType, ent.PlantID, ent.Kind, ent.ID, opts.Actor.ID, events.EventPayload{"state": ent.State}); err != nil {
		return domain.Entity{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Entity{}, err
	}
	return ent, nil
}

// EditOptions revise descriptive fields without a transition. Nil fields
// are left untouched; an empty string clears the optional ones.
type EditOptions struct {
	ID              string
	Title           *string
	Description     *string
	ScheduledDate   *string
	MaintenanceType *string
	AssignedTo      *string
	Actor           Actor
}

func (e Engine) EditFields(ctx context.Context, opts EditOptions) (domain.Entity, error) {
	ent, err := e.Repo.GetEntity(ctx, opts.ID)
	if err != nil {
		return ent, err
	}
	if err := policy.Check(opts.Actor.Role, policy.ActionEditFields, ent.Kind, ent.State); err != nil {
		return ent, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return ent, err
	}
	defer tx.Rollback()
	ent, err = e.Repo.GetEntityTx(ctx, tx, opts.ID)
	if err != nil {
		return ent, err
	}
	if workflow.IsTerminal(ent.Kind, ent.State) {
		return ent, workflow.InvalidStateError{EntityID: ent.ID, State: ent.State, Action: "editFields"}
	}
	if opts.Title != nil {
		if ent.Kind == workflow.KindIncident && strings.TrimSpace(*opts.Title) == "" {
			return ent, workflow.ValidationError{Field: "title", Reason: "required for incidents"}
		}
		ent.Title = *opts.Title
	}
	if opts.Description != nil {
		if strings.TrimSpace(*opts.Description) == "" {
			return ent, workflow.ValidationError{Field: "description", Reason: "required"}
		}
		ent.Description = *opts.Description
	}
	if opts.ScheduledDate != nil {
		ent.ScheduledDate = optionalString(*opts.ScheduledDate)
	}
	if opts.MaintenanceType != nil {
		if *opts.MaintenanceType != "preventivo" && *opts.MaintenanceType != "correctivo" {
			return ent, workflow.ValidationError{Field: "maintenance_type", Reason: "must be preventivo or correctivo"}
		}
		ent.MaintenanceType = *opts.MaintenanceType
	}
	if opts.AssignedTo != nil {
		ent.AssignedTo = optionalString(*opts.AssignedTo)
	}
	ent.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpdateEntityFields(ctx, tx, ent); err != nil {
		return ent, err
	}
	if err := e.Events.Append(ctx, tx, ent.Kind+".updated", ent.PlantID, ent.Kind, ent.ID, opts.Actor.ID, events.EventPayload{"state": ent.State}); err != nil {
		return ent, err
	}
	if err := tx.Commit(); err != nil {
		return ent, err
	}
	return ent, nil
}

// StartOptions move a pending entity into in_progress, optionally with
// before-phase photos captured on site.
type StartOptions struct {
	ID           string
	BeforePhotos []PhotoUpload
	Actor        Actor
}

type StartResult struct {
	Entity        domain.Entity
	PhotoWarnings []string
}

func (e Engine) Start(ctx context.Context, opts StartOptions) (StartResult, error) {
	ent, err := e.Repo.GetEntity(ctx, opts.ID)
	if err != nil {
		return StartResult{}, err
	}
	if err := policy.Check(opts.Actor.Role, policy.ActionTransition, ent.Kind, ent.State); err != nil {
		return StartResult{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return StartResult{}, err
	}
	defer tx.Rollback()
	ent, err = e.Repo.GetEntityTx(ctx, tx, opts.ID)
	if err != nil {
		return StartResult{}, err
	}
	to, err := workflow.Next(ent.ID, ent.Kind, ent.State, workflow.EventStart)
	if err != nil {
		return StartResult{}, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	swapped, err := e.Repo.SwapState(ctx, tx, ent.ID, ent.State, to, nil, nil, now)
	if err != nil {
		return StartResult{}, err
	}
	if !swapped {
		return StartResult{}, e.classifyLostSwap(ctx, ent.ID, workflow.EventStart)
	}
	if err := e.Events.Append(ctx, tx, ent.Kind+".started", ent.PlantID, ent.Kind, ent.ID, opts.Actor.ID, events.EventPayload{"from": ent.State, "to": to}); err != nil {
		return StartResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return StartResult{}, err
	}
	ent.State = to
	ent.UpdatedAt = now
	warnings := e.attachBestEffort(ctx, ent, domain.PhaseBefore, opts.BeforePhotos, opts.Actor, false)
	return StartResult{Entity: ent, PhotoWarnings: warnings}, nil
}

// CompleteOptions close an entity in one unit: summary, final materials,
// and after-phase evidence.
type CompleteOptions struct {
	ID          string
	Summary     string
	Materials   []MaterialInput
	AfterPhotos []PhotoUpload
	Actor       Actor
}

type CompleteResult struct {
	Entity        domain.Entity
	ReportReady   bool
	PhotoWarnings []string
}

// Complete runs the terminal transition. Materials are validated and
// persisted inside the same transaction as the state flip, so a bad
// material leaves the entity non-terminal and the call retryable.
// After-photos ride behind the commit and may only warn.
func (e Engine) Complete(ctx context.Context, opts CompleteOptions) (CompleteResult, error) {
	summary := strings.TrimSpace(opts.Summary)
	if utf8.RuneCountInString(summary) < workflow.MinSummaryLen {
		return CompleteResult{}, workflow.ValidationError{Field: "summary", Reason: "must be at least 20 characters"}
	}
	for _, m := range opts.Materials {
		if err := validateMaterial(m); err != nil {
			return CompleteResult{}, err
		}
	}
	ent, err := e.Repo.GetEntity(ctx, opts.ID)
	if err != nil {
		return CompleteResult{}, err
	}
	if err := policy.Check(opts.Actor.Role, policy.ActionTransition, ent.Kind, ent.State); err != nil {
		return CompleteResult{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return CompleteResult{}, err
	}
	defer tx.Rollback()
	ent, err = e.Repo.GetEntityTx(ctx, tx, opts.ID)
	if err != nil {
		return CompleteResult{}, err
	}
	if ent.State != workflow.StatePending && ent.State != workflow.StateInProgress {
		return CompleteResult{}, workflow.InvalidStateError{EntityID: ent.ID, State: ent.State, Action: "complete"}
	}
	now := e.now().UTC().Format(time.RFC3339)
	for _, m := range opts.Materials {
		row := domain.Material{
			ID:        uuid.New().String(),
			EntityID:  ent.ID,
			Name:      m.Name,
			Quantity:  m.Quantity,
			Unit:      m.Unit,
			UnitCost:  m.UnitCost,
			CreatedAt: now,
		}
		if err := e.Repo.InsertMaterial(ctx, tx, row); err != nil {
			return CompleteResult{}, err
		}
	}
	to := workflow.TerminalState(ent.Kind)
	swapped, err := e.Repo.SwapState(ctx, tx, ent.ID, ent.State, to, &summary, &now, now)
	if err != nil {
		return CompleteResult{}, err
	}
	if !swapped {
		return CompleteResult{}, e.classifyLostSwap(ctx, ent.ID, workflow.EventComplete)
	}
	if err := e.Events.Append(ctx, tx, ent.Kind+".completed", ent.PlantID, ent.Kind, ent.ID, opts.Actor.ID, events.EventPayload{
		"from":      ent.State,
		"to":        to,
		"materials": len(opts.Materials),
	}); err != nil {
		return CompleteResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return CompleteResult{}, err
	}
	warnings := e.attachBestEffort(ctx, entityAt(ent, to, &summary, &now), domain.PhaseAfter, opts.AfterPhotos, opts.Actor, true)
	updated, err := e.Repo.GetEntity(ctx, opts.ID)
	if err != nil {
		return CompleteResult{}, err
	}
	return CompleteResult{Entity: updated, ReportReady: true, PhotoWarnings: warnings}, nil
}

// classifyLostSwap rereads after a failed compare-and-set. A concurrent
// writer owns whatever happened; the caller gets the current truth.
func (e Engine) classifyLostSwap(ctx context.Context, id, event string) error {
	ent, err := e.Repo.GetEntity(ctx, id)
	if err != nil {
		return err
	}
	if workflow.IsTerminal(ent.Kind, ent.State) {
		return workflow.InvalidStateError{EntityID: ent.ID, State: ent.State, Action: event}
	}
	return workflow.InvalidTransitionError{EntityID: ent.ID, Kind: ent.Kind, From: ent.State, Event: event}
}

func entityAt(ent domain.Entity, state string, summary, resolvedAt *string) domain.Entity {
	ent.State = state
	ent.CompletionSummary = summary
	ent.ResolvedAt = resolvedAt
	return ent
}

// DeleteEntity removes the entity and every sub-resource. Blob removal is
// best-effort after the rows are gone.
func (e Engine) DeleteEntity(ctx context.Context, id string, actor Actor) error {
	ent, err := e.Repo.GetEntity(ctx, id)
	if err != nil {
		return err
	}
	if err := policy.Check(actor.Role, policy.ActionDelete, ent.Kind, ent.State); err != nil {
		return err
	}
	photos, err := e.Repo.ListPhotos(ctx, id)
	if err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteEntity(ctx, tx, id); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, ent.Kind+".deleted", ent.PlantID, ent.Kind, ent.ID, actor.ID, events.EventPayload{"state": ent.State}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	if e.Blobs != nil {
		for _, p := range photos {
			if err := e.Blobs.Remove(p.BlobRef); err != nil {
				e.logger().Printf("delete entity %s: remove blob %s: %v", id, p.BlobRef, err)
			}
		}
	}
	return nil
}

// --- helpers ---

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
