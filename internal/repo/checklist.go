package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"oncoflow/internal/domain"
)

func (r Repo) PutChecklistItem(ctx context.Context, item domain.ChecklistItem) (bool, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	if _, err := r.getDossierTx(ctx, tx, item.DossierID); err != nil {
		return false, err
	}
	var prev bool
	err = tx.QueryRowContext(ctx, `SELECT checked FROM checklist_items WHERE dossier_id=? AND status=? AND item=?`,
		item.DossierID, string(item.Status), item.Item).Scan(&prev)
	switch {
	case err == nil && prev == item.Checked:
		return false, nil
	case err != nil && !errors.Is(err, sql.ErrNoRows):
		return false, err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO checklist_items(dossier_id,status,item,checked,updated_by,updated_at) VALUES (?,?,?,?,?,?)
ON CONFLICT(dossier_id,status,item) DO UPDATE SET checked=excluded.checked, updated_by=excluded.updated_by, updated_at=excluded.updated_at`,
		item.DossierID, string(item.Status), item.Item, item.Checked, item.UpdatedBy, formatTime(item.UpdatedAt))
	if err != nil {
		return false, fmt.Errorf("upsert checklist item: %w", err)
	}
	return true, tx.Commit()
}

func (r Repo) ChecklistItems(ctx context.Context, dossierID string) ([]domain.ChecklistItem, error) {
	if _, err := r.GetDossier(ctx, dossierID); err != nil {
		return nil, err
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT dossier_id,status,item,checked,updated_by,updated_at FROM checklist_items WHERE dossier_id=? ORDER BY status, item`, dossierID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ChecklistItem
	for rows.Next() {
		var it domain.ChecklistItem
		var ts string
		if err := rows.Scan(&it.DossierID, &it.Status, &it.Item, &it.Checked, &it.UpdatedBy, &ts); err != nil {
			return nil, err
		}
		if it.UpdatedAt, err = parseTime(ts); err != nil {
			return nil, err
		}
		res = append(res, it)
	}
	return res, rows.Err()
}

func (r Repo) ClearChecklist(ctx context.Context, dossierID string, statuses []domain.Status) error {
	if len(statuses) == 0 {
		return nil
	}
	args := []any{dossierID}
	marks := make([]string, 0, len(statuses))
	for _, s := range statuses {
		marks = append(marks, "?")
		args = append(args, string(s))
	}
	_, err := r.DB.ExecContext(ctx, `DELETE FROM checklist_items WHERE dossier_id=? AND status IN (`+strings.Join(marks, ",")+`)`, args...)
	return err
}
