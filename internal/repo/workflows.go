package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"oncoflow/internal/workflow"
)

// SaveWorkflow stores one version of the rules. Versions are never rewritten.
func (r Repo) SaveWorkflow(ctx context.Context, def *workflow.Definition) error {
	payload, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("marshal workflow: %w", err)
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO workflow_versions(version,definition_json,updated_by,updated_at) VALUES (?,?,?,?)`,
		def.Version, string(payload), nullable(def.UpdatedBy), formatTime(def.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert workflow version %d: %w", def.Version, err)
	}
	return nil
}

// LatestWorkflow returns the highest stored version, or ErrNotFound.
func (r Repo) LatestWorkflow(ctx context.Context) (*workflow.Definition, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT definition_json FROM workflow_versions ORDER BY version DESC LIMIT 1`).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var def workflow.Definition
	if err := json.Unmarshal([]byte(payload), &def); err != nil {
		return nil, fmt.Errorf("decode workflow: %w", err)
	}
	return &def, nil
}
