package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"oncoflow/internal/domain"
)

// Repo is the sqlite store. Every write that touches several rows runs in a
// single transaction.
type Repo struct {
	DB *sql.DB
}

var ErrNotFound = domain.ErrNotFound

const timeLayout = time.RFC3339Nano

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func marshalStrings(v []string) (string, error) {
	if v == nil {
		v = []string{}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func unmarshalStrings(s string) ([]string, error) {
	if s == "" {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

const dossierColumns = `id,patient_ref,COALESCE(machine,''),COALESCE(protocol,''),status,COALESCE(priority,''),labels_json,created_at,status_changed_at`

func scanDossier(row scanner) (domain.Dossier, error) {
	var d domain.Dossier
	var labels, createdAt, changedAt string
	err := row.Scan(&d.ID, &d.PatientRef, &d.Machine, &d.Protocol, &d.Status, &d.Priority, &labels, &createdAt, &changedAt)
	if err != nil {
		return d, err
	}
	if d.Labels, err = unmarshalStrings(labels); err != nil {
		return d, fmt.Errorf("dossier %s labels: %w", d.ID, err)
	}
	if d.CreatedAt, err = parseTime(createdAt); err != nil {
		return d, err
	}
	if d.StatusChangedAt, err = parseTime(changedAt); err != nil {
		return d, err
	}
	return d, nil
}

func (r Repo) CreateDossier(ctx context.Context, d domain.Dossier) error {
	labels, err := marshalStrings(d.Labels)
	if err != nil {
		return err
	}
	var exists int
	err = r.DB.QueryRowContext(ctx, `SELECT 1 FROM dossiers WHERE id=?`, d.ID).Scan(&exists)
	if err == nil {
		return fmt.Errorf("dossier %s: %w", d.ID, domain.ErrAlreadyExists)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return err
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO dossiers(id,patient_ref,machine,protocol,status,priority,labels_json,created_at,status_changed_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		d.ID, d.PatientRef, nullable(d.Machine), nullable(d.Protocol), string(d.Status), nullable(d.Priority), labels,
		formatTime(d.CreatedAt), formatTime(d.StatusChangedAt))
	if err != nil {
		return fmt.Errorf("insert dossier: %w", err)
	}
	return nil
}

func (r Repo) GetDossier(ctx context.Context, id string) (domain.Dossier, error) {
	d, err := scanDossier(r.DB.QueryRowContext(ctx, `SELECT `+dossierColumns+` FROM dossiers WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Dossier{}, fmt.Errorf("%w: %s", domain.ErrUnknownDossier, id)
	}
	return d, err
}

func (r Repo) ListDossiers(ctx context.Context) ([]domain.Dossier, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+dossierColumns+` FROM dossiers ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Dossier
	for rows.Next() {
		d, err := scanDossier(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

const recordColumns = `id,dossier_id,seq,from_status,to_status,actor_id,actor_role,ts,outcome,COALESCE(reason,''),missing_items_json,COALESCE(comment,'')`

func scanRecord(row scanner) (domain.TransitionRecord, error) {
	var rec domain.TransitionRecord
	var ts, missing string
	err := row.Scan(&rec.ID, &rec.DossierID, &rec.Seq, &rec.From, &rec.To, &rec.ActorID, &rec.ActorRole, &ts, &rec.Outcome, &rec.Reason, &missing, &rec.Comment)
	if err != nil {
		return rec, err
	}
	if rec.Timestamp, err = parseTime(ts); err != nil {
		return rec, err
	}
	if rec.MissingItems, err = unmarshalStrings(missing); err != nil {
		return rec, fmt.Errorf("record %s missing items: %w", rec.ID, err)
	}
	return rec, nil
}

func insertRecord(ctx context.Context, tx *sql.Tx, rec domain.TransitionRecord) (domain.TransitionRecord, error) {
	var exists int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM dossiers WHERE id=?`, rec.DossierID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, fmt.Errorf("%w: %s", domain.ErrUnknownDossier, rec.DossierID)
	}
	if err != nil {
		return rec, err
	}
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq),0)+1 FROM transition_records WHERE dossier_id=?`, rec.DossierID).Scan(&rec.Seq); err != nil {
		return rec, fmt.Errorf("next seq: %w", err)
	}
	missing, err := marshalStrings(rec.MissingItems)
	if err != nil {
		return rec, err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO transition_records(id,dossier_id,seq,from_status,to_status,actor_id,actor_role,ts,outcome,reason,missing_items_json,comment) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		rec.ID, rec.DossierID, rec.Seq, string(rec.From), string(rec.To), rec.ActorID, string(rec.ActorRole), formatTime(rec.Timestamp),
		string(rec.Outcome), nullable(string(rec.Reason)), missing, nullable(rec.Comment))
	if err != nil {
		return rec, fmt.Errorf("insert transition record: %w", err)
	}
	return rec, nil
}

func (r Repo) AppendTransition(ctx context.Context, rec domain.TransitionRecord) (domain.TransitionRecord, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return rec, err
	}
	defer tx.Rollback()
	rec, err = insertRecord(ctx, tx, rec)
	if err != nil {
		return rec, err
	}
	return rec, tx.Commit()
}

// CommitTransition moves the dossier status and appends the record in one
// transaction. The status update is conditional on rec.From.
func (r Repo) CommitTransition(ctx context.Context, rec domain.TransitionRecord) (domain.TransitionRecord, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return rec, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE dossiers SET status=?, status_changed_at=? WHERE id=? AND status=?`,
		string(rec.To), formatTime(rec.Timestamp), rec.DossierID, string(rec.From))
	if err != nil {
		return rec, fmt.Errorf("update dossier status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := r.getDossierTx(ctx, tx, rec.DossierID); err != nil {
			return rec, err
		}
		return rec, fmt.Errorf("dossier %s is no longer %s: %w", rec.DossierID, rec.From, domain.ErrStaleState)
	}
	rec, err = insertRecord(ctx, tx, rec)
	if err != nil {
		return rec, err
	}
	return rec, tx.Commit()
}

func (r Repo) getDossierTx(ctx context.Context, tx *sql.Tx, id string) (domain.Dossier, error) {
	d, err := scanDossier(tx.QueryRowContext(ctx, `SELECT `+dossierColumns+` FROM dossiers WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Dossier{}, fmt.Errorf("%w: %s", domain.ErrUnknownDossier, id)
	}
	return d, err
}

func (r Repo) ListTransitions(ctx context.Context, dossierID string) ([]domain.TransitionRecord, error) {
	return r.queryRecords(ctx, `SELECT `+recordColumns+` FROM transition_records WHERE dossier_id=? ORDER BY seq`, dossierID)
}

func (r Repo) ListAllTransitions(ctx context.Context) ([]domain.TransitionRecord, error) {
	return r.queryRecords(ctx, `SELECT `+recordColumns+` FROM transition_records ORDER BY ts, dossier_id, seq`)
}

func (r Repo) queryRecords(ctx context.Context, query string, args ...any) ([]domain.TransitionRecord, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TransitionRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}
