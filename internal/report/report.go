// Package report carries terminal-entity snapshots to the external
// report renderer. This side only decides when a request is legal and
// what the snapshot contains; rendering happens elsewhere.
package report

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"plantline/internal/config"
	"plantline/internal/domain"
)

// Snapshot is the full work record of a terminal entity.
type Snapshot struct {
	Entity              domain.Entity            `json:"entity"`
	Plant               domain.Plant             `json:"plant"`
	Checklist           []domain.ChecklistItem   `json:"checklist"`
	ChecklistProgress   domain.ChecklistProgress `json:"checklist_progress"`
	Materials           []domain.Material        `json:"materials"`
	MaterialsTotalCents int64                    `json:"materials_total_cents"`
	MaterialsTotal      string                   `json:"materials_total"`
	Photos              []domain.Photo           `json:"photos"`
	GeneratedAt         string                   `json:"generated_at" format:"date-time"`
}

// FormatCents renders an exact cent total with two decimals.
func FormatCents(cents int64) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s%d.%02d", sign, cents/100, cents%100)
}

// Dispatcher hands a snapshot to the renderer collaborator.
type Dispatcher interface {
	Dispatch(ctx context.Context, snap Snapshot) error
}

// Nop is used when no renderer is configured; the snapshot is still
// returned to the caller.
type Nop struct{}

func (Nop) Dispatch(context.Context, Snapshot) error { return nil }

// HTTP posts snapshots to the configured renderer endpoint.
type HTTP struct {
	URL    string
	Secret string
	Client *http.Client
}

func NewHTTP(cfg config.ReportConfig) *HTTP {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	return &HTTP{
		URL:    cfg.URL,
		Secret: cfg.Secret,
		Client: &http.Client{Timeout: timeout},
	}
}

func (d *HTTP) Dispatch(ctx context.Context, snap Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Plantline-Entity", snap.Entity.ID)
	req.Header.Set("X-Plantline-Kind", snap.Entity.Kind)
	if strings.TrimSpace(d.Secret) != "" {
		req.Header.Set("X-Plantline-Secret", d.Secret)
	}
	res, err := d.Client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("renderer status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}
