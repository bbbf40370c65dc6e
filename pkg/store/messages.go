package store

import (
	"context"
	"time"
	"unicode/utf8"
)

// MaxContentLength caps stored message content, in runes.
const MaxContentLength = 1000

type Direction string

const (
	Inbound  Direction = "inbound"
	Outbound Direction = "outbound"
)

type MessageRecord struct {
	ID        int64     `json:"id"`
	MessageID string    `json:"message_id"`
	Direction Direction `json:"direction"`
	UserID    string    `json:"user_id"`
	ChatID    string    `json:"chat_id"`
	Kind      string    `json:"kind"`
	Content   string    `json:"content"`
	// Source names what produced an outbound message (command, auto_reply,
	// ai, broadcast, fallback).
	Source    string    `json:"source,omitempty"`
	Status    string    `json:"status,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *SQLiteStore) RecordInbound(ctx context.Context, rec MessageRecord) error {
	rec.Direction = Inbound
	if rec.Status == "" {
		rec.Status = "received"
	}
	return s.recordMessage(ctx, "record inbound", rec)
}

func (s *SQLiteStore) RecordOutbound(ctx context.Context, rec MessageRecord) error {
	rec.Direction = Outbound
	if rec.Status == "" {
		rec.Status = "sent"
	}
	return s.recordMessage(ctx, "record outbound", rec)
}

func (s *SQLiteStore) recordMessage(ctx context.Context, op string, rec MessageRecord) error {
	created := toMS(rec.CreatedAt)
	if created == 0 {
		created = s.nowMS()
	}
	if rec.Kind == "" {
		rec.Kind = "text"
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO messages(message_id, direction, user_external_id, chat_id, kind, content, source, status, created_at_ms)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.MessageID, string(rec.Direction), rec.UserID, rec.ChatID, rec.Kind,
		truncateRunes(rec.Content, MaxContentLength), rec.Source, rec.Status, created)
	return repoErr(op, err)
}

// RecentMessages returns the newest records first.
func (s *SQLiteStore) RecentMessages(ctx context.Context, limit int) ([]MessageRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, message_id, direction, user_external_id, chat_id, kind, content, source, status, created_at_ms
FROM messages ORDER BY created_at_ms DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, repoErr("recent messages", err)
	}
	defer rows.Close()

	var out []MessageRecord
	for rows.Next() {
		var (
			rec MessageRecord
			dir string
			ms  int64
		)
		if err := rows.Scan(&rec.ID, &rec.MessageID, &dir, &rec.UserID, &rec.ChatID, &rec.Kind, &rec.Content, &rec.Source, &rec.Status, &ms); err != nil {
			return nil, repoErr("recent messages", err)
		}
		rec.Direction = Direction(dir)
		rec.CreatedAt = fromMS(ms)
		out = append(out, rec)
	}
	return out, repoErr("recent messages", rows.Err())
}

type Stats struct {
	Users       int `json:"users"`
	Subscribers int `json:"subscribers"`
	Inbound     int `json:"inbound"`
	Outbound    int `json:"outbound"`
	Rules       int `json:"rules"`
	Schedules   int `json:"schedules"`
}

func (s *SQLiteStore) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx, `
SELECT
	(SELECT COUNT(*) FROM users),
	(SELECT COUNT(*) FROM users WHERE subscribed = 1),
	(SELECT COUNT(*) FROM messages WHERE direction = 'inbound'),
	(SELECT COUNT(*) FROM messages WHERE direction = 'outbound'),
	(SELECT COUNT(*) FROM auto_replies WHERE is_active = 1),
	(SELECT COUNT(*) FROM scheduled_messages WHERE is_active = 1)`).
		Scan(&st.Users, &st.Subscribers, &st.Inbound, &st.Outbound, &st.Rules, &st.Schedules)
	if err != nil {
		return Stats{}, repoErr("stats", err)
	}
	return st, nil
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}
