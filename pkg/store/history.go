package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/dotsetgreg/relaybot/pkg/conversation"
)

// SaveHistory implements conversation.Checkpointer.
func (s *SQLiteStore) SaveHistory(ctx context.Context, userID string, turns []conversation.Turn) error {
	data, err := json.Marshal(turns)
	if err != nil {
		return repoErr("save history", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO conversations(user_external_id, turns_json, updated_at_ms) VALUES(?, ?, ?)
ON CONFLICT(user_external_id) DO UPDATE SET turns_json = excluded.turns_json, updated_at_ms = excluded.updated_at_ms`,
		userID, string(data), s.nowMS())
	return repoErr("save history", err)
}

// LoadHistory implements conversation.Checkpointer.
func (s *SQLiteStore) LoadHistory(ctx context.Context, userID string) ([]conversation.Turn, bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT turns_json FROM conversations WHERE user_external_id = ?`, userID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, repoErr("load history", err)
	}
	var turns []conversation.Turn
	if err := json.Unmarshal([]byte(raw), &turns); err != nil {
		return nil, false, repoErr("load history", err)
	}
	return turns, true, nil
}

var _ conversation.Checkpointer = (*SQLiteStore)(nil)
