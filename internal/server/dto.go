package server

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"

	"plantline/internal/domain"
	"plantline/internal/engine"
	"plantline/internal/repo"
	"plantline/internal/report"
)

// Request payloads

type CreatePlantRequest struct {
	Name     string `json:"name"`
	Location string `json:"location,omitempty"`
}

type CreateEntityRequest struct {
	Kind            string  `json:"kind" enum:"incident,maintenance"`
	PlantID         string  `json:"plant_id"`
	Title           string  `json:"title,omitempty"`
	Description     string  `json:"description"`
	ScheduledDate   *string `json:"scheduled_date,omitempty" format:"date"`
	MaintenanceType *string `json:"maintenance_type,omitempty" enum:"preventivo,correctivo"`
	AssignedTo      *string `json:"assigned_to,omitempty"`
}

type UpdateEntityRequest struct {
	Title           *string `json:"title,omitempty"`
	Description     *string `json:"description,omitempty"`
	ScheduledDate   *string `json:"scheduled_date,omitempty" format:"date"`
	MaintenanceType *string `json:"maintenance_type,omitempty" enum:"preventivo,correctivo"`
	AssignedTo      *string `json:"assigned_to,omitempty"`
}

type PhotoUploadRequest struct {
	Filename   string `json:"filename,omitempty"`
	DataBase64 string `json:"data_base64"`
}

type StartEntityRequest struct {
	BeforePhotos []PhotoUploadRequest `json:"before_photos,omitempty"`
}

type MaterialRequest struct {
	Name     string  `json:"name"`
	Quantity float64 `json:"quantity"`
	Unit     string  `json:"unit" enum:"unidad,metro,litro,kg,caja"`
	UnitCost float64 `json:"unit_cost"`
}

type CompleteEntityRequest struct {
	Summary     string               `json:"summary"`
	Materials   []MaterialRequest    `json:"materials,omitempty"`
	AfterPhotos []PhotoUploadRequest `json:"after_photos,omitempty"`
}

type AddChecklistItemRequest struct {
	Label string `json:"label"`
}

type ToggleChecklistItemRequest struct {
	Completed bool `json:"completed"`
}

type AttachPhotoRequest struct {
	Phase      string `json:"phase" enum:"before,after"`
	Filename   string `json:"filename,omitempty"`
	DataBase64 string `json:"data_base64"`
}

type CreateAPIKeyRequest struct {
	UserID string `json:"user_id"`
	Role   string `json:"role" enum:"superadmin,admin,technician,client"`
	Name   string `json:"name,omitempty"`
}

// Response payloads

type PlantResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Location  string `json:"location,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type EntityResponse struct {
	ID                string  `json:"id"`
	PlantID           string  `json:"plant_id"`
	Kind              string  `json:"kind" enum:"incident,maintenance"`
	State             string  `json:"state" enum:"pending,in_progress,resolved,completed"`
	Title             string  `json:"title,omitempty"`
	Description       string  `json:"description"`
	ScheduledDate     *string `json:"scheduled_date,omitempty" format:"date"`
	MaintenanceType   string  `json:"maintenance_type,omitempty"`
	ReportedBy        string  `json:"reported_by"`
	AssignedTo        *string `json:"assigned_to,omitempty"`
	CompletionSummary *string `json:"completion_summary,omitempty"`
	ReportAvailable   bool    `json:"report_available"`
	CreatedAt         string  `json:"created_at" format:"date-time"`
	UpdatedAt         string  `json:"updated_at" format:"date-time"`
	ResolvedAt        *string `json:"resolved_at,omitempty" format:"date-time"`
}

type StartEntityResponse struct {
	Entity        EntityResponse `json:"entity"`
	PhotoWarnings []string       `json:"photo_warnings,omitempty"`
}

type CompleteEntityResponse struct {
	Entity        EntityResponse `json:"entity"`
	ReportReady   bool           `json:"report_ready"`
	PhotoWarnings []string       `json:"photo_warnings,omitempty"`
}

type ChecklistItemResponse struct {
	ID          string  `json:"id"`
	EntityID    string  `json:"entity_id"`
	Label       string  `json:"label"`
	Completed   bool    `json:"completed"`
	CompletedAt *string `json:"completed_at,omitempty" format:"date-time"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
}

type ChecklistResponse struct {
	Items     []ChecklistItemResponse `json:"items"`
	Completed int                     `json:"completed"`
	Total     int                     `json:"total"`
}

type MaterialResponse struct {
	ID        string  `json:"id"`
	EntityID  string  `json:"entity_id"`
	Name      string  `json:"name"`
	Quantity  float64 `json:"quantity"`
	Unit      string  `json:"unit" enum:"unidad,metro,litro,kg,caja"`
	UnitCost  float64 `json:"unit_cost"`
	LineTotal string  `json:"line_total"`
	CreatedAt string  `json:"created_at" format:"date-time"`
}

type MaterialsResponse struct {
	Items      []MaterialResponse `json:"items"`
	TotalCents int64              `json:"total_cents"`
	Total      string             `json:"total"`
}

type PhotoResponse struct {
	ID               string `json:"id"`
	EntityID         string `json:"entity_id"`
	Phase            string `json:"phase" enum:"before,after"`
	BlobRef          string `json:"blob_ref"`
	OriginalFilename string `json:"original_filename,omitempty"`
	CapturedAt       string `json:"captured_at" format:"date-time"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Role      string `json:"role"`
	Name      string `json:"name,omitempty"`
	Key       string `json:"key,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type EventResponse struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	PlantID    string `json:"plant_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// Mappers

func plantResponse(p domain.Plant) PlantResponse {
	return PlantResponse{ID: p.ID, Name: p.Name, Location: p.Location, CreatedAt: p.CreatedAt}
}

func entityResponse(e domain.Entity, reportAvailable bool) EntityResponse {
	return EntityResponse{
		ID:                e.ID,
		PlantID:           e.PlantID,
		Kind:              e.Kind,
		State:             e.State,
		Title:             e.Title,
		Description:       e.Description,
		ScheduledDate:     e.ScheduledDate,
		MaintenanceType:   e.MaintenanceType,
		ReportedBy:        e.ReportedBy,
		AssignedTo:        e.AssignedTo,
		CompletionSummary: e.CompletionSummary,
		ReportAvailable:   reportAvailable,
		CreatedAt:         e.CreatedAt,
		UpdatedAt:         e.UpdatedAt,
		ResolvedAt:        e.ResolvedAt,
	}
}

func checklistItemResponse(it domain.ChecklistItem) ChecklistItemResponse {
	return ChecklistItemResponse{
		ID:          it.ID,
		EntityID:    it.EntityID,
		Label:       it.Label,
		Completed:   it.Completed,
		CompletedAt: it.CompletedAt,
		CreatedAt:   it.CreatedAt,
	}
}

func materialResponse(m domain.Material) MaterialResponse {
	return MaterialResponse{
		ID:        m.ID,
		EntityID:  m.EntityID,
		Name:      m.Name,
		Quantity:  m.Quantity,
		Unit:      m.Unit,
		UnitCost:  m.UnitCost,
		LineTotal: report.FormatCents(m.LineTotalCents()),
		CreatedAt: m.CreatedAt,
	}
}

func photoResponse(p domain.Photo) PhotoResponse {
	return PhotoResponse{
		ID:               p.ID,
		EntityID:         p.EntityID,
		Phase:            p.Phase,
		BlobRef:          p.BlobRef,
		OriginalFilename: p.OriginalFilename,
		CapturedAt:       p.CapturedAt,
	}
}

func eventResponse(ev domain.Event) EventResponse {
	return EventResponse{
		ID:         ev.ID,
		TS:         ev.TS,
		Type:       ev.Type,
		PlantID:    ev.PlantID,
		EntityKind: ev.EntityKind,
		EntityID:   ev.EntityID,
		ActorID:    ev.ActorID,
		Payload:    ev.Payload,
	}
}

type ReportSnapshotResponse struct {
	Entity              EntityResponse          `json:"entity"`
	Plant               PlantResponse           `json:"plant"`
	Checklist           []ChecklistItemResponse `json:"checklist"`
	ChecklistCompleted  int                     `json:"checklist_completed"`
	ChecklistTotal      int                     `json:"checklist_total"`
	Materials           []MaterialResponse      `json:"materials"`
	MaterialsTotalCents int64                   `json:"materials_total_cents"`
	MaterialsTotal      string                  `json:"materials_total"`
	Photos              []PhotoResponse         `json:"photos"`
	GeneratedAt         string                  `json:"generated_at" format:"date-time"`
}

func reportSnapshotResponse(snap report.Snapshot) ReportSnapshotResponse {
	checklist := make([]ChecklistItemResponse, 0, len(snap.Checklist))
	for _, it := range snap.Checklist {
		checklist = append(checklist, checklistItemResponse(it))
	}
	materials := make([]MaterialResponse, 0, len(snap.Materials))
	for _, m := range snap.Materials {
		materials = append(materials, materialResponse(m))
	}
	photos := make([]PhotoResponse, 0, len(snap.Photos))
	for _, p := range snap.Photos {
		photos = append(photos, photoResponse(p))
	}
	return ReportSnapshotResponse{
		Entity:              entityResponse(snap.Entity, true),
		Plant:               plantResponse(snap.Plant),
		Checklist:           checklist,
		ChecklistCompleted:  snap.ChecklistProgress.Completed,
		ChecklistTotal:      snap.ChecklistProgress.Total,
		Materials:           materials,
		MaterialsTotalCents: snap.MaterialsTotalCents,
		MaterialsTotal:      snap.MaterialsTotal,
		Photos:              photos,
		GeneratedAt:         snap.GeneratedAt,
	}
}

func formatCents(cents int64) string {
	return report.FormatCents(cents)
}

// IssueAPIKey mints a fresh secret and stores only its hash. The secret
// is shown once to the caller.
func IssueAPIKey(ctx context.Context, e engine.Engine, userID, role, name string) (domain.APIKey, string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return domain.APIKey{}, "", err
	}
	secret := "plk_" + hex.EncodeToString(buf)
	key := domain.APIKey{
		ID:        uuid.New().String(),
		UserID:    userID,
		Role:      role,
		Name:      name,
		KeyHash:   repo.HashAPIKey(secret),
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}
	if err := e.Repo.InsertAPIKey(ctx, key); err != nil {
		return domain.APIKey{}, "", err
	}
	return key, secret, nil
}

func decodeUploads(in []PhotoUploadRequest) ([]engine.PhotoUpload, error) {
	out := make([]engine.PhotoUpload, 0, len(in))
	for i, p := range in {
		data, err := base64.StdEncoding.DecodeString(p.DataBase64)
		if err != nil {
			return nil, fmt.Errorf("photo %d: invalid base64 data", i+1)
		}
		out = append(out, engine.PhotoUpload{Filename: p.Filename, Data: data})
	}
	return out, nil
}

func materialInputs(in []MaterialRequest) []engine.MaterialInput {
	out := make([]engine.MaterialInput, 0, len(in))
	for _, m := range in {
		out = append(out, engine.MaterialInput{Name: m.Name, Quantity: m.Quantity, Unit: m.Unit, UnitCost: m.UnitCost})
	}
	return out
}
