package audit

import (
	"context"
	"testing"
	"time"

	"dispatch/internal/db"
	"dispatch/internal/migrate"
)

func TestRecordStampsEntriesWithInjectedClock(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	w := Writer{DB: conn, Now: func() time.Time {
		return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	}}
	ctx := context.Background()
	if err := w.Record(ctx, "task.created", "ops", "task", "t-1", Payload{"source": "direct-request"}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := w.Record(ctx, "task.created", "", "task", "t-2", nil); err != nil {
		t.Fatalf("Record without agent: %v", err)
	}

	var ts string
	err = conn.QueryRow(`SELECT ts FROM audit WHERE entity_id='t-1'`).Scan(&ts)
	if err != nil {
		t.Fatalf("read entry: %v", err)
	}
	if ts != "2025-06-01T12:00:00Z" {
		t.Fatalf("ts = %q, want the injected clock's time", ts)
	}
	var agent any
	var payload string
	err = conn.QueryRow(`SELECT agent_id, payload_json FROM audit WHERE entity_id='t-2'`).Scan(&agent, &payload)
	if err != nil {
		t.Fatalf("read entry: %v", err)
	}
	if agent != nil {
		t.Fatalf("agent_id = %v, want NULL for an empty agent", agent)
	}
	if payload != "{}" {
		t.Fatalf("payload = %q, want empty object for nil payload", payload)
	}
}
