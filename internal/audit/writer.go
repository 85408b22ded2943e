package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Writer appends entries to the audit log. The log is append-only; nothing
// in the core ever deletes from it.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type Payload map[string]any

func (w Writer) Append(ctx context.Context, tx *sql.Tx, typ, agentID, entityKind, entityID string, payload Payload) error {
	now := w.Now
	if now == nil {
		now = time.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = Payload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal audit payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO audit(ts,type,agent_id,entity_kind,entity_id,payload_json) VALUES (?,?,?,?,?,?)`,
		ts, typ, nullable(agentID), entityKind, nullable(entityID), string(data))
	return err
}

// Record opens its own transaction for callers that are not already
// inside one.
func (w Writer) Record(ctx context.Context, typ, agentID, entityKind, entityID string, payload Payload) error {
	tx, err := w.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := w.Append(ctx, tx, typ, agentID, entityKind, entityID, payload); err != nil {
		return err
	}
	return tx.Commit()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
