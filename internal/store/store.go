package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"dispatch/internal/audit"
	"dispatch/internal/domain"
)

const emergencyStopFlag = "emergency-stop"

// Store persists per-agent state snapshots and global control flags.
// A snapshot is always written whole: a commit either replaces the
// previous snapshot entirely or leaves it untouched.
type Store struct {
	DB    *sql.DB
	Audit audit.Writer
	Now   func() time.Time
}

func (s Store) now() string {
	if s.Now != nil {
		return s.Now().UTC().Format(time.RFC3339)
	}
	return time.Now().UTC().Format(time.RFC3339)
}

// Load returns the agent's last committed snapshot, or a zero-value
// state when the agent has never committed.
func (s Store) Load(ctx context.Context, agentID string) (domain.AgentState, error) {
	var raw string
	err := s.DB.QueryRowContext(ctx,
		`SELECT state_json FROM agent_states WHERE agent_id=?`, agentID).Scan(&raw)
	if err == sql.ErrNoRows {
		return domain.AgentState{AgentID: agentID}, nil
	}
	if err != nil {
		return domain.AgentState{}, err
	}
	var state domain.AgentState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return domain.AgentState{}, fmt.Errorf("corrupt state for agent %s: %w", agentID, err)
	}
	state.AgentID = agentID
	return state, nil
}

// Commit replaces the agent's snapshot inside a transaction, with an
// audit entry in the same transaction. extra lets the caller fold more
// writes into the same commit; if extra fails nothing is persisted.
func (s Store) Commit(ctx context.Context, state domain.AgentState, extra func(tx *sql.Tx) error) error {
	now := s.now()
	state.UpdatedAt = now
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal state for agent %s: %w", state.AgentID, err)
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO agent_states(agent_id,state_json,updated_at) VALUES (?,?,?)
		 ON CONFLICT(agent_id) DO UPDATE SET state_json=excluded.state_json, updated_at=excluded.updated_at`,
		state.AgentID, string(raw), now)
	if err != nil {
		return err
	}
	if extra != nil {
		if err := extra(tx); err != nil {
			return err
		}
	}
	err = s.Audit.Append(ctx, tx, "state.committed", state.AgentID, "agent_state", state.AgentID, audit.Payload{
		"run_id":    state.RunID,
		"iteration": state.Iteration,
		"blockers":  len(state.Blockers),
	})
	if err != nil {
		return err
	}
	return tx.Commit()
}

// SetEmergencyStop flips the global kill switch. While set, no agent
// executes actions or self-dispatches.
func (s Store) SetEmergencyStop(ctx context.Context, on bool, by string) error {
	value := "0"
	if on {
		value = "1"
	}
	now := s.now()
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	_, err = tx.ExecContext(ctx,
		`INSERT INTO control_flags(name,value,updated_at) VALUES (?,?,?)
		 ON CONFLICT(name) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`,
		emergencyStopFlag, value, now)
	if err != nil {
		return err
	}
	err = s.Audit.Append(ctx, tx, "control.emergency_stop", "", "control_flag", emergencyStopFlag, audit.Payload{
		"on": on,
		"by": by,
	})
	if err != nil {
		return err
	}
	return tx.Commit()
}

// EmergencyStop reports whether the kill switch is set.
func (s Store) EmergencyStop(ctx context.Context) (bool, error) {
	var value string
	err := s.DB.QueryRowContext(ctx,
		`SELECT value FROM control_flags WHERE name=?`, emergencyStopFlag).Scan(&value)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return value == "1", nil
}
