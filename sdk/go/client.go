package plantlinesdk

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Plantline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Entity represents an incident or maintenance task (partial).
type Entity struct {
	ID                string  `json:"id"`
	PlantID           string  `json:"plant_id"`
	Kind              string  `json:"kind"`
	State             string  `json:"state"`
	Title             string  `json:"title,omitempty"`
	Description       string  `json:"description"`
	CompletionSummary *string `json:"completion_summary,omitempty"`
	ReportAvailable   bool    `json:"report_available"`
	CreatedAt         string  `json:"created_at"`
	ResolvedAt        *string `json:"resolved_at,omitempty"`
}

// Material represents a consumed material.
type Material struct {
	ID        string  `json:"id"`
	EntityID  string  `json:"entity_id"`
	Name      string  `json:"name"`
	Quantity  float64 `json:"quantity"`
	Unit      string  `json:"unit"`
	UnitCost  float64 `json:"unit_cost"`
	LineTotal string  `json:"line_total"`
}

// MaterialInput is the create/update payload for a material.
type MaterialInput struct {
	Name     string  `json:"name"`
	Quantity float64 `json:"quantity"`
	Unit     string  `json:"unit"`
	UnitCost float64 `json:"unit_cost"`
}

// Photo represents attached photo metadata.
type Photo struct {
	ID               string `json:"id"`
	EntityID         string `json:"entity_id"`
	Phase            string `json:"phase"`
	OriginalFilename string `json:"original_filename,omitempty"`
	CapturedAt       string `json:"captured_at"`
}

// ChecklistItem represents one checklist entry.
type ChecklistItem struct {
	ID          string  `json:"id"`
	EntityID    string  `json:"entity_id"`
	Label       string  `json:"label"`
	Completed   bool    `json:"completed"`
	CompletedAt *string `json:"completed_at,omitempty"`
}

// CompleteResult is the response of the completion call.
type CompleteResult struct {
	Entity        Entity   `json:"entity"`
	ReportReady   bool     `json:"report_ready"`
	PhotoWarnings []string `json:"photo_warnings,omitempty"`
}

// Report is the snapshot returned for terminal entities.
type Report struct {
	Entity              Entity          `json:"entity"`
	Checklist           []ChecklistItem `json:"checklist"`
	ChecklistCompleted  int             `json:"checklist_completed"`
	ChecklistTotal      int             `json:"checklist_total"`
	Materials           []Material      `json:"materials"`
	MaterialsTotalCents int64           `json:"materials_total_cents"`
	MaterialsTotal      string          `json:"materials_total"`
	Photos              []Photo         `json:"photos"`
	GeneratedAt         string          `json:"generated_at"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// ReportIncident creates a pending incident.
func (c *Client) ReportIncident(ctx context.Context, plantID, title, description string) (Entity, error) {
	body := map[string]any{
		"kind":        "incident",
		"plant_id":    plantID,
		"title":       title,
		"description": description,
	}
	var resp Entity
	err := c.do(ctx, http.MethodPost, "v0/entities", body, &resp)
	return resp, err
}

// ScheduleMaintenance creates a pending maintenance task.
func (c *Client) ScheduleMaintenance(ctx context.Context, plantID, description, maintenanceType string) (Entity, error) {
	body := map[string]any{
		"kind":        "maintenance",
		"plant_id":    plantID,
		"description": description,
	}
	if maintenanceType != "" {
		body["maintenance_type"] = maintenanceType
	}
	var resp Entity
	err := c.do(ctx, http.MethodPost, "v0/entities", body, &resp)
	return resp, err
}

// GetEntity fetches one entity.
func (c *Client) GetEntity(ctx context.Context, id string) (Entity, error) {
	var resp Entity
	err := c.do(ctx, http.MethodGet, entityPath(id, ""), nil, &resp)
	return resp, err
}

// Start moves an entity to in_progress.
func (c *Client) Start(ctx context.Context, id string) (Entity, error) {
	var resp struct {
		Entity Entity `json:"entity"`
	}
	err := c.do(ctx, http.MethodPost, entityPath(id, "start"), map[string]any{}, &resp)
	return resp.Entity, err
}

// Complete performs the terminal transition with a summary, materials,
// and after photos.
func (c *Client) Complete(ctx context.Context, id, summary string, materials []MaterialInput, afterPhotos map[string][]byte) (CompleteResult, error) {
	photos := make([]map[string]string, 0, len(afterPhotos))
	for name, data := range afterPhotos {
		photos = append(photos, map[string]string{
			"filename":    name,
			"data_base64": base64.StdEncoding.EncodeToString(data),
		})
	}
	body := map[string]any{
		"summary":      summary,
		"materials":    materials,
		"after_photos": photos,
	}
	var resp CompleteResult
	err := c.do(ctx, http.MethodPost, entityPath(id, "complete"), body, &resp)
	return resp, err
}

// AddMaterial records a material against an entity.
func (c *Client) AddMaterial(ctx context.Context, entityID string, in MaterialInput) (Material, error) {
	var resp Material
	err := c.do(ctx, http.MethodPost, entityPath(entityID, "materials"), in, &resp)
	return resp, err
}

// Report fetches the snapshot for a terminal entity.
func (c *Client) Report(ctx context.Context, entityID string) (Report, error) {
	var resp Report
	err := c.do(ctx, http.MethodGet, entityPath(entityID, "report"), nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func entityPath(id, sub string) string {
	p := fmt.Sprintf("v0/entities/%s", url.PathEscape(id))
	if sub != "" {
		p += "/" + sub
	}
	return p
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
