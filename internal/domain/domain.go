package domain

import "math"

type Plant struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Location  string `json:"location,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Entity is one incident or maintenance task. Kind selects which
// descriptive fields and which terminal state apply.
type Entity struct {
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
	CreatedAt         string  `json:"created_at" format:"date-time"`
	UpdatedAt         string  `json:"updated_at" format:"date-time"`
	ResolvedAt        *string `json:"resolved_at,omitempty" format:"date-time"`
}

type ChecklistItem struct {
	ID          string  `json:"id"`
	EntityID    string  `json:"entity_id"`
	Label       string  `json:"label"`
	Completed   bool    `json:"completed"`
	CompletedAt *string `json:"completed_at,omitempty" format:"date-time"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
}

type Material struct {
	ID        string  `json:"id"`
	EntityID  string  `json:"entity_id"`
	Name      string  `json:"name"`
	Quantity  float64 `json:"quantity"`
	Unit      string  `json:"unit" enum:"unidad,metro,litro,kg,caja"`
	UnitCost  float64 `json:"unit_cost"`
	CreatedAt string  `json:"created_at" format:"date-time"`
}

// LineTotalCents rounds quantity*unit_cost to whole cents so that sums
// over a materials list stay exact at two decimals.
func (m Material) LineTotalCents() int64 {
	return int64(math.Round(m.Quantity * m.UnitCost * 100))
}

const (
	PhaseBefore = "before"
	PhaseAfter  = "after"
)

type Photo struct {
	ID               string `json:"id"`
	EntityID         string `json:"entity_id"`
	Phase            string `json:"phase" enum:"before,after"`
	BlobRef          string `json:"blob_ref"`
	OriginalFilename string `json:"original_filename,omitempty"`
	CapturedAt       string `json:"captured_at" format:"date-time"`
}

type ChecklistProgress struct {
	Completed int `json:"completed"`
	Total     int `json:"total"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	PlantID    string `json:"plant_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Role      string `json:"role"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
