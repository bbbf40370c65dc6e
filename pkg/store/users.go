package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"
)

type User struct {
	ID           int64     `json:"id"`
	ExternalID   string    `json:"external_id"`
	Name         string    `json:"name"`
	IsAdmin      bool      `json:"is_admin"`
	Subscribed   bool      `json:"subscribed"`
	MessageCount int       `json:"message_count"`
	FirstSeen    time.Time `json:"first_seen"`
	LastSeen     time.Time `json:"last_seen"`
}

const userColumns = `id, external_id, name, is_admin, subscribed, message_count, first_seen_ms, last_seen_ms`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (User, error) {
	var (
		u                 User
		admin, subscribed int
		first, last       int64
	)
	if err := row.Scan(&u.ID, &u.ExternalID, &u.Name, &admin, &subscribed, &u.MessageCount, &first, &last); err != nil {
		return User{}, err
	}
	u.IsAdmin = admin == 1
	u.Subscribed = subscribed == 1
	u.FirstSeen = fromMS(first)
	u.LastSeen = fromMS(last)
	return u, nil
}

// GetOrCreateUser records an inbound contact: the user is created on first
// sight, and last_seen plus message_count are bumped every call. A non-empty
// displayName replaces the stored one.
func (s *SQLiteStore) GetOrCreateUser(ctx context.Context, externalID, displayName string) (User, error) {
	now := s.nowMS()
	row := s.db.QueryRowContext(ctx, `
INSERT INTO users(external_id, name, message_count, first_seen_ms, last_seen_ms)
VALUES(?, ?, 1, ?, ?)
ON CONFLICT(external_id) DO UPDATE SET
	name = CASE WHEN excluded.name <> '' THEN excluded.name ELSE users.name END,
	message_count = users.message_count + 1,
	last_seen_ms = excluded.last_seen_ms
RETURNING `+userColumns,
		externalID, strings.TrimSpace(displayName), now, now)
	u, err := scanUser(row)
	if err != nil {
		return User{}, repoErr("get or create user", err)
	}
	return u, nil
}

// IsAdmin reports false for unknown users.
func (s *SQLiteStore) IsAdmin(ctx context.Context, externalID string) (bool, error) {
	var admin int
	err := s.db.QueryRowContext(ctx, `SELECT is_admin FROM users WHERE external_id = ?`, externalID).Scan(&admin)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, repoErr("is admin", err)
	}
	return admin == 1, nil
}

// SetAdmin creates the user if needed without counting a message.
func (s *SQLiteStore) SetAdmin(ctx context.Context, externalID string, admin bool) error {
	now := s.nowMS()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO users(external_id, is_admin, first_seen_ms, last_seen_ms) VALUES(?, ?, ?, ?)
ON CONFLICT(external_id) DO UPDATE SET is_admin = excluded.is_admin`,
		externalID, boolInt(admin), now, now)
	return repoErr("set admin", err)
}

func (s *SQLiteStore) SetSubscribed(ctx context.Context, externalID string, subscribed bool) error {
	now := s.nowMS()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO users(external_id, subscribed, first_seen_ms, last_seen_ms) VALUES(?, ?, ?, ?)
ON CONFLICT(external_id) DO UPDATE SET subscribed = excluded.subscribed`,
		externalID, boolInt(subscribed), now, now)
	return repoErr("set subscribed", err)
}

// ListSubscribers returns subscribed users ordered by first sight.
func (s *SQLiteStore) ListSubscribers(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users WHERE subscribed = 1 ORDER BY id`)
	if err != nil {
		return nil, repoErr("list subscribers", err)
	}
	defer rows.Close()

	var out []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, repoErr("list subscribers", err)
		}
		out = append(out, u)
	}
	return out, repoErr("list subscribers", rows.Err())
}
