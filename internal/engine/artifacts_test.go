package engine

import (
	"context"
	"testing"
	"time"

	"plantline/internal/blob"
	"plantline/internal/config"
	"plantline/internal/db"
	"plantline/internal/domain"
	"plantline/internal/migrate"
	"plantline/internal/policy"
	"plantline/internal/workflow"
)

// attachBestEffort re-reads the entity inside the attach transaction, so a
// caller holding a snapshot taken before completion cannot land a before
// photo on the now terminal entity. Outside the completion path the terminal
// guard must hold even when the caller's copy still says in_progress.
func TestAttachBestEffortRechecksStaleEntity(t *testing.T) {
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
	e := New(conn, config.Default(), blobs)
	e.Now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	ctx := context.Background()

	tech := Actor{ID: "tech-1", Role: policy.RoleTechnician}
	plant, err := e.CreatePlant(ctx, "Planta Sur", "Ruta 9 km 42")
	if err != nil {
		t.Fatalf("create plant: %v", err)
	}
	ent, err := e.CreateEntity(ctx, CreateOptions{
		Kind:        workflow.KindIncident,
		PlantID:     plant.ID,
		Title:       "Vibración en compresor",
		Description: "Vibración anormal durante el arranque",
		Actor:       tech,
	})
	if err != nil {
		t.Fatalf("create incident: %v", err)
	}
	if _, err := e.Start(ctx, StartOptions{ID: ent.ID, Actor: tech}); err != nil {
		t.Fatalf("start: %v", err)
	}

	stale, err := e.Repo.GetEntity(ctx, ent.ID)
	if err != nil {
		t.Fatalf("read entity: %v", err)
	}
	if stale.State != workflow.StateInProgress {
		t.Fatalf("state before completion = %q", stale.State)
	}
	summary := "Balanced the rotor and retorqued the mounting bolts."
	if _, err := e.Complete(ctx, CompleteOptions{ID: ent.ID, Summary: summary, Actor: tech}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	uploads := []PhotoUpload{{Filename: "arranque.jpg", Data: []byte{1}}}
	warnings := e.attachBestEffort(ctx, stale, domain.PhaseBefore, uploads, tech, false)
	if len(warnings) != 1 {
		t.Fatalf("stale attach warnings = %v", warnings)
	}
	photos, err := e.ListPhotos(ctx, ent.ID)
	if err != nil {
		t.Fatalf("list photos: %v", err)
	}
	if len(photos) != 0 {
		t.Fatalf("stale attach left %d photo(s) on a terminal entity", len(photos))
	}
}
