package repo

import (
	"context"
	"database/sql"

	"plantline/internal/domain"
)

// Sub-resource storage: checklist items, materials, photos. State guards
// live in the engine; this layer only reads and writes rows.

// --- checklist ---

func (r Repo) InsertChecklistItem(ctx context.Context, tx *sql.Tx, it domain.ChecklistItem) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO checklist_items(id,entity_id,label,completed,completed_at,created_at) VALUES (?,?,?,?,?,?)`,
		it.ID, it.EntityID, it.Label, it.Completed, nullableStringPtr(it.CompletedAt), it.CreatedAt)
	return err
}

func (r Repo) GetChecklistItem(ctx context.Context, id string) (domain.ChecklistItem, error) {
	var it domain.ChecklistItem
	var completedAt sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,entity_id,label,completed,completed_at,created_at FROM checklist_items WHERE id=?`, id).
		Scan(&it.ID, &it.EntityID, &it.Label, &it.Completed, &completedAt, &it.CreatedAt)
	if err == sql.ErrNoRows {
		return it, ErrNotFound
	}
	if completedAt.Valid {
		it.CompletedAt = &completedAt.String
	}
	return it, err
}

func (r Repo) SetChecklistItemCompleted(ctx context.Context, tx *sql.Tx, id string, completed bool, completedAt *string) error {
	res, err := tx.ExecContext(ctx, `UPDATE checklist_items SET completed=?, completed_at=? WHERE id=?`,
		completed, nullableStringPtr(completedAt), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteChecklistItem(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM checklist_items WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListChecklist(ctx context.Context, entityID string) ([]domain.ChecklistItem, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,entity_id,label,completed,completed_at,created_at FROM checklist_items WHERE entity_id=? ORDER BY created_at, id`, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ChecklistItem
	for rows.Next() {
		var it domain.ChecklistItem
		var completedAt sql.NullString
		if err := rows.Scan(&it.ID, &it.EntityID, &it.Label, &it.Completed, &completedAt, &it.CreatedAt); err != nil {
			return nil, err
		}
		if completedAt.Valid {
			it.CompletedAt = &completedAt.String
		}
		res = append(res, it)
	}
	return res, rows.Err()
}

func (r Repo) ChecklistProgress(ctx context.Context, entityID string) (domain.ChecklistProgress, error) {
	var p domain.ChecklistProgress
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(SUM(completed),0), COUNT(*) FROM checklist_items WHERE entity_id=?`, entityID).
		Scan(&p.Completed, &p.Total)
	return p, err
}

// --- materials ---

func (r Repo) InsertMaterial(ctx context.Context, tx *sql.Tx, m domain.Material) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO materials(id,entity_id,name,quantity,unit,unit_cost,created_at) VALUES (?,?,?,?,?,?,?)`,
		m.ID, m.EntityID, m.Name, m.Quantity, m.Unit, m.UnitCost, m.CreatedAt)
	return err
}

func (r Repo) GetMaterial(ctx context.Context, id string) (domain.Material, error) {
	var m domain.Material
	err := r.DB.QueryRowContext(ctx, `SELECT id,entity_id,name,quantity,unit,unit_cost,created_at FROM materials WHERE id=?`, id).
		Scan(&m.ID, &m.EntityID, &m.Name, &m.Quantity, &m.Unit, &m.UnitCost, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	return m, err
}

func (r Repo) UpdateMaterial(ctx context.Context, tx *sql.Tx, m domain.Material) error {
	res, err := tx.ExecContext(ctx, `UPDATE materials SET name=?, quantity=?, unit=?, unit_cost=? WHERE id=?`,
		m.Name, m.Quantity, m.Unit, m.UnitCost, m.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteMaterial(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM materials WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListMaterials(ctx context.Context, entityID string) ([]domain.Material, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,entity_id,name,quantity,unit,unit_cost,created_at FROM materials WHERE entity_id=? ORDER BY created_at, id`, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Material
	for rows.Next() {
		var m domain.Material
		if err := rows.Scan(&m.ID, &m.EntityID, &m.Name, &m.Quantity, &m.Unit, &m.UnitCost, &m.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

// MaterialsTotalCents recomputes the aggregate from the current rows.
func (r Repo) MaterialsTotalCents(ctx context.Context, entityID string) (int64, error) {
	items, err := r.ListMaterials(ctx, entityID)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, m := range items {
		total += m.LineTotalCents()
	}
	return total, nil
}

// --- photos ---

func (r Repo) InsertPhoto(ctx context.Context, tx *sql.Tx, p domain.Photo) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO photos(id,entity_id,phase,blob_ref,original_filename,captured_at) VALUES (?,?,?,?,?,?)`,
		p.ID, p.EntityID, p.Phase, p.BlobRef, nullable(p.OriginalFilename), p.CapturedAt)
	return err
}

func (r Repo) GetPhoto(ctx context.Context, id string) (domain.Photo, error) {
	var p domain.Photo
	var name sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,entity_id,phase,blob_ref,original_filename,captured_at FROM photos WHERE id=?`, id).
		Scan(&p.ID, &p.EntityID, &p.Phase, &p.BlobRef, &name, &p.CapturedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if name.Valid {
		p.OriginalFilename = name.String
	}
	return p, err
}

func (r Repo) DeletePhoto(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM photos WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListPhotos(ctx context.Context, entityID string) ([]domain.Photo, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,entity_id,phase,blob_ref,original_filename,captured_at FROM photos WHERE entity_id=? ORDER BY captured_at, id`, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Photo
	for rows.Next() {
		var p domain.Photo
		var name sql.NullString
		if err := rows.Scan(&p.ID, &p.EntityID, &p.Phase, &p.BlobRef, &name, &p.CapturedAt); err != nil {
			return nil, err
		}
		if name.Valid {
			p.OriginalFilename = name.String
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// CountPhotosTx counts within the caller's tx so the per-phase cap check
// and the insert see the same snapshot.
func (r Repo) CountPhotosTx(ctx context.Context, tx *sql.Tx, entityID, phase string) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM photos WHERE entity_id=? AND phase=?`, entityID, phase).Scan(&n)
	return n, err
}
