package store

import (
	"context"
	"errors"
	"strings"

	"github.com/dotsetgreg/relaybot/pkg/autoreply"
	"github.com/dotsetgreg/relaybot/pkg/config"
	"github.com/dotsetgreg/relaybot/pkg/logger"
)

// Seed loads the configured default rules and broadcasts into empty tables
// and flags the configured admins. It is safe to call on every start.
func (s *SQLiteStore) Seed(ctx context.Context, cfg *config.Config) error {
	var errs []error

	if n, err := s.count(ctx, "auto_replies"); err != nil {
		errs = append(errs, err)
	} else if n == 0 {
		for _, rc := range cfg.AutoReply.Rules {
			strategy, err := autoreply.ParseStrategy(rc.Strategy)
			if err != nil {
				logger.WarnCF("store", "Skipping seed rule", map[string]interface{}{
					"keyword": rc.Keyword,
					"error":   err.Error(),
				})
				continue
			}
			_, err = s.AddRule(ctx, autoreply.Rule{
				Keyword:  rc.Keyword,
				Strategy: strategy,
				Response: rc.Response,
				Priority: rc.Priority,
			})
			if err != nil {
				errs = append(errs, err)
			}
		}
	}

	if n, err := s.count(ctx, "scheduled_messages"); err != nil {
		errs = append(errs, err)
	} else if n == 0 {
		for _, bc := range cfg.Scheduler.Broadcasts {
			_, err := s.AddScheduledMessage(ctx, ScheduledMessage{
				Name:       bc.Name,
				Cron:       bc.Cron,
				Message:    bc.Message,
				TargetType: TargetType(bc.TargetType),
				TargetID:   bc.TargetID,
			})
			if err != nil {
				errs = append(errs, err)
			}
		}
	}

	for _, admin := range cfg.Bot.Admins {
		if admin = strings.TrimSpace(admin); admin == "" {
			continue
		}
		if err := s.SetAdmin(ctx, admin, true); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// count is only called with fixed table names.
func (s *SQLiteStore) count(ctx context.Context, table string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+table).Scan(&n); err != nil {
		return 0, repoErr("count "+table, err)
	}
	return n, nil
}
