package repo

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"oncoflow/internal/domain"
)

func (r Repo) AppendEvent(ctx context.Context, evt domain.Event) error {
	if evt.TS.IsZero() {
		evt.TS = time.Now()
	}
	if evt.Payload == nil {
		evt.Payload = map[string]any{}
	}
	data, err := json.Marshal(evt.Payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO events(ts,type,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?)`,
		formatTime(evt.TS), evt.Type, evt.EntityKind, nullable(evt.EntityID), evt.ActorID, string(data))
	return err
}

// ListEvents returns events with an id greater than afterID, oldest first.
func (r Repo) ListEvents(ctx context.Context, afterID int64, limit int) ([]domain.Event, error) {
	query := `SELECT id,ts,type,entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events WHERE id>? ORDER BY id`
	args := []any{afterID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var evt domain.Event
		var ts, payload string
		if err := rows.Scan(&evt.ID, &ts, &evt.Type, &evt.EntityKind, &evt.EntityID, &evt.ActorID, &payload); err != nil {
			return nil, err
		}
		if evt.TS, err = parseTime(ts); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(payload), &evt.Payload); err != nil {
			return nil, fmt.Errorf("decode event %d payload: %w", evt.ID, err)
		}
		res = append(res, evt)
	}
	return res, rows.Err()
}
