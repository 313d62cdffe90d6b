package engine_test

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"testing"
	"time"

	"plantline/internal/blob"
	"plantline/internal/config"
	"plantline/internal/db"
	"plantline/internal/engine"
	"plantline/internal/migrate"
	"plantline/internal/policy"
	"plantline/internal/repo"
	"plantline/internal/workflow"
)

var (
	admin  = engine.Actor{ID: "admin-1", Role: policy.RoleAdmin}
	tech   = engine.Actor{ID: "tech-1", Role: policy.RoleTechnician}
	client = engine.Actor{ID: "client-1", Role: policy.RoleClient}
)

type testEnv struct {
	Engine  engine.Engine
	Ctx     context.Context
	PlantID string
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	blobs, err := blob.NewStore(dir)
	if err != nil {
		t.Fatalf("open blob store: %v", err)
	}
	cfg := config.Default()
	eng := engine.New(conn, cfg, blobs)
	eng.Now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	plant, err := eng.CreatePlant(ctx, "Planta Norte", "Av. Industrial 100")
	if err != nil {
		t.Fatalf("create plant: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx, PlantID: plant.ID}
}

func (env testEnv) newIncident(t *testing.T) string {
	t.Helper()
	ent, err := env.Engine.CreateEntity(env.Ctx, engine.CreateOptions{
		Kind:        workflow.KindIncident,
		PlantID:     env.PlantID,
		Title:       "Fuga en bomba principal",
		Description: "Se detecta fuga de aceite en la bomba",
		Actor:       client,
	})
	if err != nil {
		t.Fatalf("create incident: %v", err)
	}
	return ent.ID
}

func (env testEnv) newMaintenance(t *testing.T) string {
	t.Helper()
	ent, err := env.Engine.CreateEntity(env.Ctx, engine.CreateOptions{
		Kind:        workflow.KindMaintenance,
		PlantID:     env.PlantID,
		Description: "Cambio de filtros trimestral",
		Actor:       admin,
	})
	if err != nil {
		t.Fatalf("create maintenance: %v", err)
	}
	return ent.ID
}

const goodSummary = "Replaced the pump seal and verified flow at nominal pressure."

func TestIncidentLifecycle(t *testing.T) {
	env := newTestEnv(t)
	id := env.newIncident(t)

	res, err := env.Engine.Start(env.Ctx, engine.StartOptions{ID: id, Actor: tech})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if res.Entity.State != workflow.StateInProgress {
		t.Fatalf("state after start = %q", res.Entity.State)
	}

	done, err := env.Engine.Complete(env.Ctx, engine.CompleteOptions{ID: id, Summary: goodSummary, Actor: tech})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Entity.State != workflow.StateResolved {
		t.Fatalf("incident terminal state = %q", done.Entity.State)
	}
	if !done.ReportReady {
		t.Fatalf("report must be ready after completion")
	}
	if done.Entity.CompletionSummary == nil || *done.Entity.CompletionSummary != goodSummary {
		t.Fatalf("summary not stored: %+v", done.Entity.CompletionSummary)
	}
	if done.Entity.ResolvedAt == nil {
		t.Fatalf("resolved_at must be stamped")
	}
}

func TestMaintenanceCompletesDirectlyFromPending(t *testing.T) {
	env := newTestEnv(t)
	id := env.newMaintenance(t)
	done, err := env.Engine.Complete(env.Ctx, engine.CompleteOptions{ID: id, Summary: goodSummary, Actor: admin})
	if err != nil {
		t.Fatalf("complete from pending: %v", err)
	}
	if done.Entity.State != workflow.StateCompleted {
		t.Fatalf("maintenance terminal state = %q", done.Entity.State)
	}
}

func TestStartTwiceFails(t *testing.T) {
	env := newTestEnv(t)
	id := env.newIncident(t)
	if _, err := env.Engine.Start(env.Ctx, engine.StartOptions{ID: id, Actor: tech}); err != nil {
		t.Fatal(err)
	}
	_, err := env.Engine.Start(env.Ctx, engine.StartOptions{ID: id, Actor: tech})
	var ite workflow.InvalidTransitionError
	if !errors.As(err, &ite) {
		t.Fatalf("want InvalidTransitionError, got %v", err)
	}
}

func TestCompleteSummaryGuard(t *testing.T) {
	env := newTestEnv(t)
	id := env.newIncident(t)
	if _, err := env.Engine.Start(env.Ctx, engine.StartOptions{ID: id, Actor: tech}); err != nil {
		t.Fatal(err)
	}
	_, err := env.Engine.Complete(env.Ctx, engine.CompleteOptions{ID: id, Summary: "too short", Actor: tech})
	var ve workflow.ValidationError
	if !errors.As(err, &ve) || ve.Field != "summary" {
		t.Fatalf("want summary ValidationError, got %v", err)
	}
	// whitespace does not count toward the minimum
	padded := "   short summary    " + strings.Repeat(" ", 10)
	if _, err := env.Engine.Complete(env.Ctx, engine.CompleteOptions{ID: id, Summary: padded, Actor: tech}); err == nil {
		t.Fatalf("padded summary must be rejected")
	}
	ent, err := env.Engine.GetEntity(env.Ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if ent.State != workflow.StateInProgress {
		t.Fatalf("failed completion must not change state, got %q", ent.State)
	}
}

func TestCompleteBadMaterialLeavesNothingBehind(t *testing.T) {
	env := newTestEnv(t)
	id := env.newIncident(t)
	if _, err := env.Engine.Start(env.Ctx, engine.StartOptions{ID: id, Actor: tech}); err != nil {
		t.Fatal(err)
	}
	_, err := env.Engine.Complete(env.Ctx, engine.CompleteOptions{
		ID:      id,
		Summary: goodSummary,
		Materials: []engine.MaterialInput{
			{Name: "Sello mecánico", Quantity: 1, Unit: "unidad", UnitCost: 45.50},
			{Name: "Grasa", Quantity: -2, Unit: "kg", UnitCost: 12.00},
		},
		Actor: tech,
	})
	var ve workflow.ValidationError
	if !errors.As(err, &ve) || ve.Field != "quantity" {
		t.Fatalf("want quantity ValidationError, got %v", err)
	}
	ent, err := env.Engine.GetEntity(env.Ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if ent.State != workflow.StateInProgress {
		t.Fatalf("entity flipped despite bad material: %q", ent.State)
	}
	mats, err := env.Engine.ListMaterials(env.Ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if len(mats) != 0 {
		t.Fatalf("no materials may persist from a failed completion, got %d", len(mats))
	}
}

func TestSecondCompleteObservesTerminal(t *testing.T) {
	env := newTestEnv(t)
	id := env.newIncident(t)
	if _, err := env.Engine.Complete(env.Ctx, engine.CompleteOptions{ID: id, Summary: goodSummary, Actor: tech}); err != nil {
		t.Fatal(err)
	}
	_, err := env.Engine.Complete(env.Ctx, engine.CompleteOptions{ID: id, Summary: goodSummary, Actor: admin})
	var ise workflow.InvalidStateError
	if !errors.As(err, &ise) {
		t.Fatalf("want InvalidStateError for second complete, got %v", err)
	}
	ent, _ := env.Engine.GetEntity(env.Ctx, id)
	if ent.State != workflow.StateResolved {
		t.Fatalf("state must stay resolved, got %q", ent.State)
	}
}

func TestMaterialsTotalIsExact(t *testing.T) {
	env := newTestEnv(t)
	id := env.newIncident(t)
	if _, err := env.Engine.Start(env.Ctx, engine.StartOptions{ID: id, Actor: tech}); err != nil {
		t.Fatal(err)
	}
	// values chosen to drift under naive float accumulation
	inputs := []engine.MaterialInput{
		{Name: "Cable 2.5mm", Quantity: 3.3, Unit: "metro", UnitCost: 0.10},
		{Name: "Aceite", Quantity: 0.1, Unit: "litro", UnitCost: 0.20},
		{Name: "Tornillos", Quantity: 7, Unit: "unidad", UnitCost: 0.07},
	}
	for _, in := range inputs {
		if _, err := env.Engine.AddMaterial(env.Ctx, id, in, tech); err != nil {
			t.Fatalf("add material %s: %v", in.Name, err)
		}
	}
	total, err := env.Engine.MaterialsTotal(env.Ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	// 33 + 2 + 49 cents
	if total != 84 {
		t.Fatalf("total = %d cents, want 84", total)
	}
}

func TestTerminalEntityIsImmutable(t *testing.T) {
	env := newTestEnv(t)
	id := env.newMaintenance(t)
	item, err := env.Engine.AddChecklistItem(env.Ctx, id, "Revisar filtros", admin)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Complete(env.Ctx, engine.CompleteOptions{ID: id, Summary: goodSummary, Actor: admin}); err != nil {
		t.Fatal(err)
	}

	assertInvalidState := func(name string, err error) {
		t.Helper()
		var ise workflow.InvalidStateError
		if !errors.As(err, &ise) {
			t.Fatalf("%s on terminal entity: want InvalidStateError, got %v", name, err)
		}
	}
	title := "nuevo"
	_, err = env.Engine.EditFields(env.Ctx, engine.EditOptions{ID: id, Title: &title, Actor: admin})
	assertInvalidState("edit", err)
	_, err = env.Engine.AddChecklistItem(env.Ctx, id, "extra", admin)
	assertInvalidState("checklist add", err)
	_, err = env.Engine.ToggleChecklistItem(env.Ctx, item.ID, true, admin)
	assertInvalidState("checklist toggle", err)
	_, err = env.Engine.ToggleChecklistItem(env.Ctx, item.ID, false, admin)
	assertInvalidState("checklist toggle to current value", err)
	_, err = env.Engine.AddMaterial(env.Ctx, id, engine.MaterialInput{Name: "x", Quantity: 1, Unit: "unidad", UnitCost: 1}, admin)
	assertInvalidState("material add", err)
	_, err = env.Engine.AttachPhoto(env.Ctx, id, "after", engine.PhotoUpload{Filename: "late.jpg", Data: []byte("jpg")}, admin)
	assertInvalidState("photo attach", err)
}

func TestChecklistCompletionTimestamps(t *testing.T) {
	env := newTestEnv(t)
	id := env.newMaintenance(t)
	item, err := env.Engine.AddChecklistItem(env.Ctx, id, "Purgar líneas", tech)
	if err != nil {
		t.Fatal(err)
	}
	if item.Completed || item.CompletedAt != nil {
		t.Fatalf("new item must be incomplete")
	}
	item, err = env.Engine.ToggleChecklistItem(env.Ctx, item.ID, true, tech)
	if err != nil {
		t.Fatal(err)
	}
	if !item.Completed || item.CompletedAt == nil {
		t.Fatalf("completed item must carry a timestamp")
	}
	item, err = env.Engine.ToggleChecklistItem(env.Ctx, item.ID, false, tech)
	if err != nil {
		t.Fatal(err)
	}
	if item.Completed || item.CompletedAt != nil {
		t.Fatalf("uncompleting must clear the timestamp")
	}

	progress, err := env.Engine.ChecklistProgress(env.Ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if progress.Total != 1 || progress.Completed != 0 {
		t.Fatalf("progress = %+v", progress)
	}
}

func TestChecklistRejectsIncidents(t *testing.T) {
	env := newTestEnv(t)
	id := env.newIncident(t)
	_, err := env.Engine.AddChecklistItem(env.Ctx, id, "no aplica", admin)
	var ve workflow.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("want ValidationError, got %v", err)
	}
}

func TestPhotoCapPerPhase(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Photos.MaxPerPhase = 2
	id := env.newIncident(t)
	for i := 0; i < 2; i++ {
		if _, err := env.Engine.AttachPhoto(env.Ctx, id, "before", engine.PhotoUpload{Filename: "a.jpg", Data: []byte{1, byte(i)}}, tech); err != nil {
			t.Fatalf("attach %d: %v", i, err)
		}
	}
	_, err := env.Engine.AttachPhoto(env.Ctx, id, "before", engine.PhotoUpload{Filename: "b.jpg", Data: []byte{9}}, tech)
	var le workflow.LimitExceededError
	if !errors.As(err, &le) {
		t.Fatalf("want LimitExceededError, got %v", err)
	}
	if le.Phase != "before" || le.Limit != 2 {
		t.Fatalf("error fields %+v", le)
	}
	sum := sha256.Sum256([]byte{9})
	if _, err := env.Engine.Blobs.Read(hex.EncodeToString(sum[:])); err == nil {
		t.Fatalf("rejected upload must not leave a blob behind")
	}
}

func TestAfterPhotosOnlyWhileInProgress(t *testing.T) {
	env := newTestEnv(t)
	id := env.newIncident(t)
	_, err := env.Engine.AttachPhoto(env.Ctx, id, "after", engine.PhotoUpload{Filename: "x.jpg", Data: []byte{1}}, tech)
	var ise workflow.InvalidStateError
	if !errors.As(err, &ise) {
		t.Fatalf("after photo on pending entity: want InvalidStateError, got %v", err)
	}
	if _, err := env.Engine.Start(env.Ctx, engine.StartOptions{ID: id, Actor: tech}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.AttachPhoto(env.Ctx, id, "after", engine.PhotoUpload{Filename: "x.jpg", Data: []byte{1}}, tech); err != nil {
		t.Fatalf("after photo while in progress: %v", err)
	}
}

func TestCompletionPhotosAreBestEffort(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Photos.MaxPerPhase = 1
	id := env.newIncident(t)
	if _, err := env.Engine.Start(env.Ctx, engine.StartOptions{ID: id, Actor: tech}); err != nil {
		t.Fatal(err)
	}
	done, err := env.Engine.Complete(env.Ctx, engine.CompleteOptions{
		ID:      id,
		Summary: goodSummary,
		AfterPhotos: []engine.PhotoUpload{
			{Filename: "after1.jpg", Data: []byte{1}},
			{Filename: "after2.jpg", Data: []byte{2}},
		},
		Actor: tech,
	})
	if err != nil {
		t.Fatalf("completion must survive photo failures: %v", err)
	}
	if done.Entity.State != workflow.StateResolved {
		t.Fatalf("state = %q", done.Entity.State)
	}
	if len(done.PhotoWarnings) != 1 {
		t.Fatalf("want 1 photo warning, got %v", done.PhotoWarnings)
	}
	photos, err := env.Engine.ListPhotos(env.Ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if len(photos) != 1 {
		t.Fatalf("want 1 attached photo, got %d", len(photos))
	}
}

func TestClientCannotMutate(t *testing.T) {
	env := newTestEnv(t)
	id := env.newIncident(t)
	var de policy.DeniedError
	_, err := env.Engine.Start(env.Ctx, engine.StartOptions{ID: id, Actor: client})
	if !errors.As(err, &de) {
		t.Fatalf("client start: want DeniedError, got %v", err)
	}
	_, err = env.Engine.Complete(env.Ctx, engine.CompleteOptions{ID: id, Summary: goodSummary, Actor: client})
	if !errors.As(err, &de) {
		t.Fatalf("client complete: want DeniedError, got %v", err)
	}
	_, err = env.Engine.CreateEntity(env.Ctx, engine.CreateOptions{
		Kind:        workflow.KindMaintenance,
		PlantID:     env.PlantID,
		Description: "no permitido",
		Actor:       client,
	})
	if !errors.As(err, &de) {
		t.Fatalf("client maintenance: want DeniedError, got %v", err)
	}
}

func TestReportOnlyWhenTerminal(t *testing.T) {
	env := newTestEnv(t)
	id := env.newIncident(t)
	_, err := env.Engine.RequestReport(env.Ctx, id, client)
	var ne workflow.NotEligibleError
	if !errors.As(err, &ne) {
		t.Fatalf("report on pending: want NotEligibleError, got %v", err)
	}
	if _, err := env.Engine.Start(env.Ctx, engine.StartOptions{ID: id, Actor: tech}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.AddMaterial(env.Ctx, id, engine.MaterialInput{Name: "Sello", Quantity: 2, Unit: "unidad", UnitCost: 10.25}, tech); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Complete(env.Ctx, engine.CompleteOptions{ID: id, Summary: goodSummary, Actor: tech}); err != nil {
		t.Fatal(err)
	}
	snap, err := env.Engine.RequestReport(env.Ctx, id, client)
	if err != nil {
		t.Fatalf("report on terminal entity: %v", err)
	}
	if snap.MaterialsTotalCents != 2050 {
		t.Fatalf("snapshot total = %d", snap.MaterialsTotalCents)
	}
	if snap.MaterialsTotal != "20.50" {
		t.Fatalf("formatted total = %q", snap.MaterialsTotal)
	}
	if snap.Entity.State != workflow.StateResolved {
		t.Fatalf("snapshot state = %q", snap.Entity.State)
	}
}

func TestDeleteCascades(t *testing.T) {
	env := newTestEnv(t)
	id := env.newMaintenance(t)
	if _, err := env.Engine.AddChecklistItem(env.Ctx, id, "item", admin); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.AddMaterial(env.Ctx, id, engine.MaterialInput{Name: "m", Quantity: 1, Unit: "caja", UnitCost: 3}, admin); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.AttachPhoto(env.Ctx, id, "before", engine.PhotoUpload{Filename: "p.jpg", Data: []byte{5}}, admin); err != nil {
		t.Fatal(err)
	}

	if err := env.Engine.DeleteEntity(env.Ctx, id, tech); err == nil {
		t.Fatalf("technician delete must be denied")
	}
	if err := env.Engine.DeleteEntity(env.Ctx, id, admin); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := env.Engine.GetEntity(env.Ctx, id); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("entity must be gone, got %v", err)
	}
	mats, err := env.Engine.Repo.ListMaterials(env.Ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if len(mats) != 0 {
		t.Fatalf("materials must cascade")
	}
	photos, err := env.Engine.Repo.ListPhotos(env.Ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if len(photos) != 0 {
		t.Fatalf("photos must cascade")
	}
}

func TestEditFields(t *testing.T) {
	env := newTestEnv(t)
	id := env.newMaintenance(t)
	date := "2026-04-01"
	assignee := "tech-2"
	ent, err := env.Engine.EditFields(env.Ctx, engine.EditOptions{
		ID:            id,
		ScheduledDate: &date,
		AssignedTo:    &assignee,
		Actor:         admin,
	})
	if err != nil {
		t.Fatal(err)
	}
	if ent.ScheduledDate == nil || *ent.ScheduledDate != date {
		t.Fatalf("scheduled date not applied: %+v", ent.ScheduledDate)
	}
	if ent.AssignedTo == nil || *ent.AssignedTo != assignee {
		t.Fatalf("assignee not applied: %+v", ent.AssignedTo)
	}
	empty := ""
	ent, err = env.Engine.EditFields(env.Ctx, engine.EditOptions{ID: id, AssignedTo: &empty, Actor: admin})
	if err != nil {
		t.Fatal(err)
	}
	if ent.AssignedTo != nil {
		t.Fatalf("empty assignee must clear the field")
	}
}

func TestEventsAreRecorded(t *testing.T) {
	env := newTestEnv(t)
	id := env.newIncident(t)
	if _, err := env.Engine.Start(env.Ctx, engine.StartOptions{ID: id, Actor: tech}); err != nil {
		t.Fatal(err)
	}
	events, err := env.Engine.LatestEvents(env.Ctx, 10, 0, "", "", id)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("want 2 events, got %d", len(events))
	}
	// newest first
	if events[0].Type != "incident.started" || events[1].Type != "incident.reported" {
		t.Fatalf("event types %q, %q", events[0].Type, events[1].Type)
	}
}
