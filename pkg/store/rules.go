package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/dotsetgreg/relaybot/pkg/autoreply"
)

const ruleColumns = `id, keyword, strategy, response, priority, is_active`

func scanRule(row rowScanner) (autoreply.Rule, error) {
	var (
		r        autoreply.Rule
		strategy string
		active   int
	)
	if err := row.Scan(&r.ID, &r.Keyword, &strategy, &r.Response, &r.Priority, &active); err != nil {
		return autoreply.Rule{}, err
	}
	st, err := autoreply.ParseStrategy(strategy)
	if err != nil {
		return autoreply.Rule{}, fmt.Errorf("rule %d: %w", r.ID, err)
	}
	r.Strategy = st
	r.Active = active == 1
	return r, nil
}

// ListActiveRules returns active rules in insertion order.
func (s *SQLiteStore) ListActiveRules(ctx context.Context) ([]autoreply.Rule, error) {
	return s.listRules(ctx, "list active rules", `WHERE is_active = 1 `)
}

func (s *SQLiteStore) ListRules(ctx context.Context) ([]autoreply.Rule, error) {
	return s.listRules(ctx, "list rules", "")
}

func (s *SQLiteStore) listRules(ctx context.Context, op, where string) ([]autoreply.Rule, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+ruleColumns+` FROM auto_replies `+where+`ORDER BY id`)
	if err != nil {
		return nil, repoErr(op, err)
	}
	defer rows.Close()

	var out []autoreply.Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, repoErr(op, err)
		}
		out = append(out, r)
	}
	return out, repoErr(op, rows.Err())
}

// AddRule stores r and returns it with its id. New rules are active.
func (s *SQLiteStore) AddRule(ctx context.Context, r autoreply.Rule) (autoreply.Rule, error) {
	r.Keyword = strings.TrimSpace(r.Keyword)
	if r.Keyword == "" || strings.TrimSpace(r.Response) == "" {
		return autoreply.Rule{}, repoErr("add rule", fmt.Errorf("keyword and response are required"))
	}
	r.Active = true
	res, err := s.db.ExecContext(ctx, `
INSERT INTO auto_replies(keyword, strategy, response, priority, is_active, created_at_ms)
VALUES(?, ?, ?, ?, 1, ?)`,
		r.Keyword, r.Strategy.String(), r.Response, r.Priority, s.nowMS())
	if err != nil {
		return autoreply.Rule{}, repoErr("add rule", err)
	}
	r.ID, err = res.LastInsertId()
	if err != nil {
		return autoreply.Rule{}, repoErr("add rule", err)
	}
	return r, nil
}

// RemoveRule reports false when no rule has that id.
func (s *SQLiteStore) RemoveRule(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM auto_replies WHERE id = ?`, id)
	if err != nil {
		return false, repoErr("remove rule", err)
	}
	n, err := res.RowsAffected()
	return n > 0, repoErr("remove rule", err)
}

func (s *SQLiteStore) SetRuleActive(ctx context.Context, id int64, active bool) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE auto_replies SET is_active = ? WHERE id = ?`, boolInt(active), id)
	if err != nil {
		return false, repoErr("set rule active", err)
	}
	n, err := res.RowsAffected()
	return n > 0, repoErr("set rule active", err)
}
