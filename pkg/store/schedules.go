package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TargetType selects who receives a scheduled broadcast.
type TargetType string

const (
	TargetAll        TargetType = "all"
	TargetGroup      TargetType = "group"
	TargetIndividual TargetType = "individual"
)

func ParseTargetType(s string) (TargetType, error) {
	switch TargetType(strings.ToLower(strings.TrimSpace(s))) {
	case "", TargetAll:
		return TargetAll, nil
	case TargetGroup:
		return TargetGroup, nil
	case TargetIndividual:
		return TargetIndividual, nil
	}
	return "", fmt.Errorf("unknown target type %q", s)
}

type ScheduledMessage struct {
	ID         string     `json:"id"`
	Name       string     `json:"name,omitempty"`
	Cron       string     `json:"cron"`
	Message    string     `json:"message"`
	TargetType TargetType `json:"target_type"`
	TargetID   string     `json:"target_id,omitempty"`
	Active     bool       `json:"active"`
	LastRun    time.Time  `json:"last_run,omitempty"`
	NextRun    time.Time  `json:"next_run,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

const scheduleColumns = `id, name, cron, message, target_type, target_id, is_active, last_run_ms, next_run_ms, created_at_ms`

func scanSchedule(row rowScanner) (ScheduledMessage, error) {
	var (
		m                      ScheduledMessage
		target                 string
		active                 int
		lastRun, next, created int64
	)
	if err := row.Scan(&m.ID, &m.Name, &m.Cron, &m.Message, &target, &m.TargetID, &active, &lastRun, &next, &created); err != nil {
		return ScheduledMessage{}, err
	}
	m.TargetType = TargetType(target)
	m.Active = active == 1
	m.LastRun = fromMS(lastRun)
	m.NextRun = fromMS(next)
	m.CreatedAt = fromMS(created)
	return m, nil
}

func (s *SQLiteStore) ListScheduledMessages(ctx context.Context, activeOnly bool) ([]ScheduledMessage, error) {
	query := `SELECT ` + scheduleColumns + ` FROM scheduled_messages`
	if activeOnly {
		query += ` WHERE is_active = 1`
	}
	rows, err := s.db.QueryContext(ctx, query+` ORDER BY created_at_ms, id`)
	if err != nil {
		return nil, repoErr("list scheduled messages", err)
	}
	defer rows.Close()

	var out []ScheduledMessage
	for rows.Next() {
		m, err := scanSchedule(rows)
		if err != nil {
			return nil, repoErr("list scheduled messages", err)
		}
		out = append(out, m)
	}
	return out, repoErr("list scheduled messages", rows.Err())
}

func (s *SQLiteStore) GetScheduledMessage(ctx context.Context, id string) (ScheduledMessage, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM scheduled_messages WHERE id = ?`, id)
	m, err := scanSchedule(row)
	if err != nil {
		return ScheduledMessage{}, repoErr("get scheduled message", err)
	}
	return m, nil
}

// AddScheduledMessage stores m, assigning an id when empty. The cron
// expression is stored as given; callers validate it with the scheduler.
func (s *SQLiteStore) AddScheduledMessage(ctx context.Context, m ScheduledMessage) (ScheduledMessage, error) {
	if strings.TrimSpace(m.Cron) == "" || strings.TrimSpace(m.Message) == "" {
		return ScheduledMessage{}, repoErr("add scheduled message", fmt.Errorf("cron and message are required"))
	}
	target, err := ParseTargetType(string(m.TargetType))
	if err != nil {
		return ScheduledMessage{}, repoErr("add scheduled message", err)
	}
	if target != TargetAll && strings.TrimSpace(m.TargetID) == "" {
		return ScheduledMessage{}, repoErr("add scheduled message", fmt.Errorf("target id is required for %s targets", target))
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	m.TargetType = target
	m.Active = true
	m.CreatedAt = s.now()

	_, err = s.db.ExecContext(ctx, `
INSERT INTO scheduled_messages(id, name, cron, message, target_type, target_id, is_active, created_at_ms)
VALUES(?, ?, ?, ?, ?, ?, 1, ?)`,
		m.ID, m.Name, m.Cron, m.Message, string(m.TargetType), m.TargetID, toMS(m.CreatedAt))
	if err != nil {
		return ScheduledMessage{}, repoErr("add scheduled message", err)
	}
	return m, nil
}

func (s *SQLiteStore) RemoveScheduledMessage(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_messages WHERE id = ?`, id)
	if err != nil {
		return false, repoErr("remove scheduled message", err)
	}
	n, err := res.RowsAffected()
	return n > 0, repoErr("remove scheduled message", err)
}

// MarkScheduledRun persists the outcome of a firing.
func (s *SQLiteStore) MarkScheduledRun(ctx context.Context, id string, lastRun, nextRun time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE scheduled_messages SET last_run_ms = ?, next_run_ms = ? WHERE id = ?`,
		toMS(lastRun), toMS(nextRun), id)
	if err != nil {
		return repoErr("mark scheduled run", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return repoErr("mark scheduled run", ErrNotFound)
	}
	return nil
}
