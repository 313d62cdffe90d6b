package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"plantline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

// --- plants ---

func (r Repo) InsertPlant(ctx context.Context, p domain.Plant) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO plants(id,name,location,created_at) VALUES (?,?,?,?)`,
		p.ID, p.Name, nullable(p.Location), p.CreatedAt)
	return err
}

func (r Repo) GetPlant(ctx context.Context, id string) (domain.Plant, error) {
	var p domain.Plant
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,COALESCE(location,''),created_at FROM plants WHERE id=?`, id).
		Scan(&p.ID, &p.Name, &p.Location, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

func (r Repo) ListPlants(ctx context.Context) ([]domain.Plant, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,COALESCE(location,''),created_at FROM plants ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Plant
	for rows.Next() {
		var p domain.Plant
		if err := rows.Scan(&p.ID, &p.Name, &p.Location, &p.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// --- entities ---

const entityColumns = `id,plant_id,kind,state,title,description,scheduled_date,maintenance_type,reported_by,assigned_to,completion_summary,created_at,updated_at,resolved_at`

func (r Repo) InsertEntity(ctx context.Context, tx *sql.Tx, e domain.Entity) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO entities(`+entityColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		e.ID, e.PlantID, e.Kind, e.State, nullable(e.Title), e.Description,
		nullableStringPtr(e.ScheduledDate), nullable(e.MaintenanceType), e.ReportedBy,
		nullableStringPtr(e.AssignedTo), nullableStringPtr(e.CompletionSummary),
		e.CreatedAt, e.UpdatedAt, nullableStringPtr(e.ResolvedAt))
	return err
}

func scanEntity(scan func(dest ...any) error) (domain.Entity, error) {
	var e domain.Entity
	var title, scheduled, mtype, assigned, summary, resolved sql.NullString
	err := scan(&e.ID, &e.PlantID, &e.Kind, &e.State, &title, &e.Description,
		&scheduled, &mtype, &e.ReportedBy, &assigned, &summary, &e.CreatedAt, &e.UpdatedAt, &resolved)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	if title.Valid {
		e.Title = title.String
	}
	if scheduled.Valid {
		e.ScheduledDate = &scheduled.String
	}
	if mtype.Valid {
		e.MaintenanceType = mtype.String
	}
	if assigned.Valid {
		e.AssignedTo = &assigned.String
	}
	if summary.Valid {
		e.CompletionSummary = &summary.String
	}
	if resolved.Valid {
		e.ResolvedAt = &resolved.String
	}
	return e, nil
}

func (r Repo) GetEntity(ctx context.Context, id string) (domain.Entity, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+entityColumns+` FROM entities WHERE id=?`, id)
	return scanEntity(row.Scan)
}

func (r Repo) GetEntityTx(ctx context.Context, tx *sql.Tx, id string) (domain.Entity, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+entityColumns+` FROM entities WHERE id=?`, id)
	return scanEntity(row.Scan)
}

// UpdateEntityFields rewrites the descriptive fields; lifecycle columns
// (state, resolved_at, completion_summary) go through SwapState only.
func (r Repo) UpdateEntityFields(ctx context.Context, tx *sql.Tx, e domain.Entity) error {
	_, err := tx.ExecContext(ctx, `UPDATE entities SET title=?, description=?, scheduled_date=?, maintenance_type=?, assigned_to=?, updated_at=? WHERE id=?`,
		nullable(e.Title), e.Description, nullableStringPtr(e.ScheduledDate), nullable(e.MaintenanceType),
		nullableStringPtr(e.AssignedTo), e.UpdatedAt, e.ID)
	return err
}

// SwapState is the compare-and-set for transitions: the row is updated
// only if its state still matches from. A false return means a concurrent
// writer moved the entity first.
func (r Repo) SwapState(ctx context.Context, tx *sql.Tx, id, from, to string, summary, resolvedAt *string, updatedAt string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE entities SET state=?, completion_summary=COALESCE(?,completion_summary), resolved_at=COALESCE(resolved_at,?), updated_at=? WHERE id=? AND state=?`,
		to, nullableStringPtr(summary), nullableStringPtr(resolvedAt), updatedAt, id, from)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

type EntityFilters struct {
	PlantID         string
	Kind            string
	State           string
	AssignedTo      string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListEntities(ctx context.Context, f EntityFilters) ([]domain.Entity, error) {
	var clauses []string
	var args []any
	if f.PlantID != "" {
		clauses = append(clauses, "plant_id=?")
		args = append(args, f.PlantID)
	}
	if f.Kind != "" {
		clauses = append(clauses, "kind=?")
		args = append(args, f.Kind)
	}
	if f.State != "" {
		clauses = append(clauses, "state=?")
		args = append(args, f.State)
	}
	if f.AssignedTo != "" {
		clauses = append(clauses, "assigned_to=?")
		args = append(args, f.AssignedTo)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + entityColumns + ` FROM entities ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Entity
	for rows.Next() {
		e, err := scanEntity(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// DeleteEntity removes the entity and all of its sub-resources.
func (r Repo) DeleteEntity(ctx context.Context, tx *sql.Tx, id string) error {
	for _, q := range []string{
		`DELETE FROM checklist_items WHERE entity_id=?`,
		`DELETE FROM materials WHERE entity_id=?`,
		`DELETE FROM photos WHERE entity_id=?`,
	} {
		if _, err := tx.ExecContext(ctx, q, id); err != nil {
			return err
		}
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM entities WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) CountEntitiesByState(ctx context.Context, plantID, kind string) (map[string]int, error) {
	clauses := []string{"kind=?"}
	args := []any{kind}
	if plantID != "" {
		clauses = append(clauses, "plant_id=?")
		args = append(args, plantID)
	}
	query := fmt.Sprintf(`SELECT state, count(*) FROM entities WHERE %s GROUP BY state`, strings.Join(clauses, " AND "))
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var state string
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, err
		}
		res[state] = count
	}
	return res, rows.Err()
}

// --- events ---

func (r Repo) LatestEvents(ctx context.Context, limit int, cursor int64, plantID, evtType, entityID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if plantID != "" {
		clauses = append(clauses, "plant_id=?")
		args = append(args, plantID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,plant_id,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var plant, entity, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &plant, &e.EntityKind, &entity, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if plant.Valid {
			e.PlantID = plant.String
		}
		if entity.Valid {
			e.EntityID = entity.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
