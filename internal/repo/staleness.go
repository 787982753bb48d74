package repo

import (
	"context"

	"oncoflow/internal/domain"
)

func (r Repo) LoadStalenessMarks(ctx context.Context) (map[string]domain.StalenessMark, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT dossier_id,status_changed_at,notified_at,windows FROM staleness_marks`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]domain.StalenessMark{}
	for rows.Next() {
		var m domain.StalenessMark
		var changed, notified string
		if err := rows.Scan(&m.DossierID, &changed, &notified, &m.Windows); err != nil {
			return nil, err
		}
		if m.StatusChangedAt, err = parseTime(changed); err != nil {
			return nil, err
		}
		if m.NotifiedAt, err = parseTime(notified); err != nil {
			return nil, err
		}
		out[m.DossierID] = m
	}
	return out, rows.Err()
}

func (r Repo) SaveStalenessMark(ctx context.Context, m domain.StalenessMark) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO staleness_marks(dossier_id,status_changed_at,notified_at,windows) VALUES (?,?,?,?)
		ON CONFLICT(dossier_id) DO UPDATE SET status_changed_at=excluded.status_changed_at, notified_at=excluded.notified_at, windows=excluded.windows`,
		m.DossierID, formatTime(m.StatusChangedAt), formatTime(m.NotifiedAt), m.Windows)
	return err
}

func (r Repo) DeleteStalenessMark(ctx context.Context, dossierID string) error {
	_, err := r.DB.ExecContext(ctx, `DELETE FROM staleness_marks WHERE dossier_id=?`, dossierID)
	return err
}
