package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/dotsetgreg/relaybot/pkg/autoreply"
	"github.com/dotsetgreg/relaybot/pkg/config"
	"github.com/dotsetgreg/relaybot/pkg/providers"
	"github.com/dotsetgreg/relaybot/pkg/scheduler"
	"github.com/dotsetgreg/relaybot/pkg/session"
	"github.com/dotsetgreg/relaybot/pkg/store"
)

// withStore loads the config and runs fn against the SQLite store.
func withStore(flags *globalFlags, fn func(ctx context.Context, cfg *config.Config, st *store.SQLiteStore, out io.Writer) error) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := flags.loadConfig()
		if err != nil {
			return err
		}
		st, err := store.Open(cfg.StoragePath())
		if err != nil {
			return err
		}
		defer st.Close()
		return fn(cmd.Context(), cfg, st, cmd.OutOrStdout())
	}
}

func mark(ok bool) string {
	if ok {
		return "✓"
	}
	return "✗"
}

func newStatusCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:     "status",
		Short:   "Show configuration, credentials, storage and provider readiness",
		Example: "  relaybot status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.loadConfig()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			ctx := cmd.Context()

			fmt.Fprintf(out, "%s Status\n", appName)
			fmt.Fprintf(out, "Version: %s\n\n", formatVersion())
			fmt.Fprintf(out, "Bot: %s (prefix %q)\n", cfg.Bot.Name, cfg.Bot.Prefix)
			fmt.Fprintf(out, "Transport: %s\n", cfg.Transport.Kind)
			if err := cfg.Validate(); err != nil {
				fmt.Fprintf(out, "Config: ✗ %v\n", err)
			} else {
				fmt.Fprintln(out, "Config: ✓")
			}

			creds, err := session.NewFileCredentialStore(cfg.CredentialsPath()).Load(ctx)
			switch {
			case err != nil:
				fmt.Fprintf(out, "Credentials: %s ✗ %v\n", cfg.CredentialsPath(), err)
			case creds == nil:
				fmt.Fprintf(out, "Credentials: %s not paired\n", cfg.CredentialsPath())
			default:
				fmt.Fprintf(out, "Credentials: %s ✓ (revision %d)\n", cfg.CredentialsPath(), creds.Revision)
			}

			if _, err := os.Stat(cfg.StoragePath()); err != nil {
				fmt.Fprintf(out, "Database: %s not initialized\n", cfg.StoragePath())
			} else if st, err := store.Open(cfg.StoragePath()); err != nil {
				fmt.Fprintf(out, "Database: %s ✗ %v\n", cfg.StoragePath(), err)
			} else {
				stats, err := st.Stats(ctx)
				_ = st.Close()
				if err != nil {
					fmt.Fprintf(out, "Database: %s ✗ %v\n", cfg.StoragePath(), err)
				} else {
					fmt.Fprintf(out, "Database: %s ✓\n", cfg.StoragePath())
					fmt.Fprintf(out, "  Users: %d (%d subscribed)\n", stats.Users, stats.Subscribers)
					fmt.Fprintf(out, "  Messages: %d in / %d out\n", stats.Inbound, stats.Outbound)
					fmt.Fprintf(out, "  Rules: %d, scheduled broadcasts: %d\n", stats.Rules, stats.Schedules)
				}
			}

			if cfg.Conversation.AIEnabled {
				name, configured, err := providers.ProviderCredentialStatus(cfg)
				if err != nil {
					fmt.Fprintf(out, "AI provider: %s ✗ %v\n", name, err)
				} else {
					fmt.Fprintf(out, "AI provider: %s %s\n", name, mark(configured))
				}
			} else {
				fmt.Fprintln(out, "AI provider: disabled")
			}
			return nil
		},
	}
}

func newStatsCommand(flags *globalFlags) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show message totals and the newest logged messages",
		Example: strings.Join([]string{
			"  relaybot stats",
			"  relaybot stats --limit 50",
		}, "\n"),
		RunE: withStore(flags, func(ctx context.Context, cfg *config.Config, st *store.SQLiteStore, out io.Writer) error {
			stats, err := st.Stats(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Users: %d (%d subscribed)\n", stats.Users, stats.Subscribers)
			fmt.Fprintf(out, "Messages: %d in / %d out\n", stats.Inbound, stats.Outbound)
			fmt.Fprintf(out, "Active rules: %d, active scheduled broadcasts: %d\n", stats.Rules, stats.Schedules)

			recent, err := st.RecentMessages(ctx, limit)
			if err != nil {
				return err
			}
			fmt.Fprintln(out)
			return printMessages(out, recent, cfg)
		}),
	}
	cmd.Flags().IntVarP(&limit, "limit", "l", 10, "Number of recent messages to show")
	return cmd
}

func printMessages(w io.Writer, recs []store.MessageRecord, cfg *config.Config) error {
	if len(recs) == 0 {
		fmt.Fprintln(w, "No messages logged yet.")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tDIR\tUSER\tSOURCE\tCONTENT")
	for _, r := range recs {
		content := strings.ReplaceAll(r.Content, "\n", " ")
		if runes := []rune(content); len(runes) > 60 {
			content = string(runes[:57]) + "..."
		}
		source := r.Source
		if source == "" {
			source = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			r.CreatedAt.In(cfg.Location()).Format("2006-01-02 15:04:05"), r.Direction, r.UserID, source, content)
	}
	return tw.Flush()
}

func newLogoutCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:     "logout",
		Short:   "Delete stored session credentials",
		Long:    "Remove the stored credentials so the next gateway start pairs again.",
		Example: "  relaybot logout",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.loadConfig()
			if err != nil {
				return err
			}
			if err := session.NewFileCredentialStore(cfg.CredentialsPath()).Clear(cmd.Context()); err != nil {
				return fmt.Errorf("clear credentials: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Credentials removed from %s\n", cfg.CredentialsPath())
			return nil
		},
	}
}

func newRulesCommand(flags *globalFlags) *cobra.Command {
	rulesRoot := &cobra.Command{
		Use:   "rules",
		Short: "Manage auto-reply rules",
		Long:  "List, add, remove, enable and disable keyword auto-reply rules. A running gateway sees changes on the next message.",
	}

	rulesRoot.AddCommand(&cobra.Command{
		Use:     "list",
		Short:   "List auto-reply rules",
		Example: "  relaybot rules list",
		RunE: withStore(flags, func(ctx context.Context, cfg *config.Config, st *store.SQLiteStore, out io.Writer) error {
			rules, err := st.ListRules(ctx)
			if err != nil {
				return err
			}
			return printRules(out, rules)
		}),
	})

	var (
		keyword  string
		response string
		strategy string
		priority int
	)
	add := &cobra.Command{
		Use:   "add",
		Short: "Add an auto-reply rule",
		Example: strings.Join([]string{
			"  relaybot rules add --keyword hello --response \"Hi there!\"",
			"  relaybot rules add --keyword price --strategy exact --priority 5 --response \"See /menu\"",
		}, "\n"),
		RunE: withStore(flags, func(ctx context.Context, cfg *config.Config, st *store.SQLiteStore, out io.Writer) error {
			if strings.TrimSpace(keyword) == "" {
				return fmt.Errorf("--keyword is required")
			}
			if strings.TrimSpace(response) == "" {
				return fmt.Errorf("--response is required")
			}
			s, err := autoreply.ParseStrategy(strategy)
			if err != nil {
				return err
			}
			rule, err := st.AddRule(ctx, autoreply.Rule{Keyword: keyword, Strategy: s, Response: response, Priority: priority})
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "✓ Added rule %d (%s %q)\n", rule.ID, rule.Strategy, rule.Keyword)
			return nil
		}),
	}
	add.Flags().StringVarP(&keyword, "keyword", "k", "", "Keyword to match")
	add.Flags().StringVarP(&response, "response", "r", "", "Reply text")
	add.Flags().StringVarP(&strategy, "strategy", "s", "contains", "Match strategy: contains, starts_with, ends_with, exact")
	add.Flags().IntVarP(&priority, "priority", "p", 0, "Higher priority wins")
	rulesRoot.AddCommand(add)

	rulesRoot.AddCommand(&cobra.Command{
		Use:     "remove <id>",
		Aliases: []string{"rm", "delete"},
		Short:   "Remove an auto-reply rule",
		Args:    cobra.ExactArgs(1),
		Example: "  relaybot rules remove 3",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid rule id %q", args[0])
			}
			return withStore(flags, func(ctx context.Context, cfg *config.Config, st *store.SQLiteStore, out io.Writer) error {
				ok, err := st.RemoveRule(ctx, id)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("rule %d not found", id)
				}
				fmt.Fprintf(out, "✓ Removed rule %d\n", id)
				return nil
			})(cmd, args)
		},
	})
	rulesRoot.AddCommand(newRuleToggleCommand(flags, true), newRuleToggleCommand(flags, false))
	return rulesRoot
}

func newRuleToggleCommand(flags *globalFlags, active bool) *cobra.Command {
	use, short, verb := "disable", "Stop matching an auto-reply rule without removing it", "Disabled"
	if active {
		use, short, verb = "enable", "Match a disabled auto-reply rule again", "Enabled"
	}
	return &cobra.Command{
		Use:     use + " <id>",
		Short:   short,
		Args:    cobra.ExactArgs(1),
		Example: "  relaybot rules " + use + " 3",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid rule id %q", args[0])
			}
			return withStore(flags, func(ctx context.Context, cfg *config.Config, st *store.SQLiteStore, out io.Writer) error {
				ok, err := st.SetRuleActive(ctx, id, active)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("rule %d not found", id)
				}
				fmt.Fprintf(out, "✓ %s rule %d\n", verb, id)
				return nil
			})(cmd, args)
		},
	}
}

func printRules(w io.Writer, rules []autoreply.Rule) error {
	if len(rules) == 0 {
		fmt.Fprintln(w, "No auto-reply rules.")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tKEYWORD\tSTRATEGY\tPRIORITY\tACTIVE\tRESPONSE")
	for _, r := range rules {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%s\t%s\n", r.ID, r.Keyword, r.Strategy, r.Priority, mark(r.Active), r.Response)
	}
	return tw.Flush()
}

func newSchedulesCommand(flags *globalFlags) *cobra.Command {
	schedRoot := &cobra.Command{
		Use:     "schedules",
		Aliases: []string{"schedule"},
		Short:   "Manage scheduled broadcasts",
		Long:    "List, add and remove scheduled broadcasts. A running gateway picks up changes on restart; use the schedule chat command for live changes.",
	}

	schedRoot.AddCommand(&cobra.Command{
		Use:     "list",
		Short:   "List scheduled broadcasts",
		Example: "  relaybot schedules list",
		RunE: withStore(flags, func(ctx context.Context, cfg *config.Config, st *store.SQLiteStore, out io.Writer) error {
			items, err := st.ListScheduledMessages(ctx, false)
			if err != nil {
				return err
			}
			return printSchedules(out, items, cfg)
		}),
	})

	var (
		name    string
		cron    string
		message string
		target  string
		to      string
	)
	add := &cobra.Command{
		Use:   "add",
		Short: "Add a scheduled broadcast",
		Example: strings.Join([]string{
			"  relaybot schedules add --cron '0 9 * * *' --message \"Good morning!\"",
			"  relaybot schedules add --name weekly --cron 'every week' --message \"Weekly digest\" --target group --to 1203630@g.us",
		}, "\n"),
		RunE: withStore(flags, func(ctx context.Context, cfg *config.Config, st *store.SQLiteStore, out io.Writer) error {
			if strings.TrimSpace(message) == "" {
				return fmt.Errorf("--message is required")
			}
			if _, err := scheduler.NormalizeTrigger(cron); err != nil {
				return err
			}
			tt, err := store.ParseTargetType(target)
			if err != nil {
				return err
			}
			m, err := st.AddScheduledMessage(ctx, store.ScheduledMessage{
				Name:       name,
				Cron:       strings.TrimSpace(cron),
				Message:    message,
				TargetType: tt,
				TargetID:   to,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "✓ Added scheduled broadcast %s (%s)\n", m.ID, m.Cron)
			if next, err := scheduler.NextRunFor(m.Cron, cfg.Location()); err == nil {
				fmt.Fprintf(out, "  Next run: %s\n", next.Format("2006-01-02 15:04 MST"))
			}
			return nil
		}),
	}
	add.Flags().StringVarP(&name, "name", "n", "", "Broadcast name")
	add.Flags().StringVar(&cron, "cron", "", "Cron expression or alias (e.g. '0 9 * * *', 'every hour')")
	add.Flags().StringVarP(&message, "message", "m", "", "Text to send")
	add.Flags().StringVarP(&target, "target", "t", "all", "Target type: all, group, individual")
	add.Flags().StringVar(&to, "to", "", "Group or user id for group/individual targets")
	schedRoot.AddCommand(add)

	schedRoot.AddCommand(&cobra.Command{
		Use:     "remove <id>",
		Aliases: []string{"rm", "delete"},
		Short:   "Remove a scheduled broadcast",
		Args:    cobra.ExactArgs(1),
		Example: "  relaybot schedules remove 2f3c...",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(flags, func(ctx context.Context, cfg *config.Config, st *store.SQLiteStore, out io.Writer) error {
				ok, err := st.RemoveScheduledMessage(ctx, args[0])
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("scheduled broadcast %s not found", args[0])
				}
				fmt.Fprintf(out, "✓ Removed scheduled broadcast %s\n", args[0])
				return nil
			})(cmd, args)
		},
	})
	return schedRoot
}

func printSchedules(w io.Writer, items []store.ScheduledMessage, cfg *config.Config) error {
	if len(items) == 0 {
		fmt.Fprintln(w, "No scheduled broadcasts.")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tCRON\tTARGET\tLAST RUN\tNEXT RUN\tMESSAGE")
	for _, m := range items {
		target := string(m.TargetType)
		if m.TargetID != "" {
			target += ":" + m.TargetID
		}
		last := "-"
		if !m.LastRun.IsZero() {
			last = m.LastRun.In(cfg.Location()).Format("2006-01-02 15:04")
		}
		next := "-"
		if n, err := scheduler.NextRunFor(m.Cron, cfg.Location()); err == nil && m.Active {
			next = n.Format("2006-01-02 15:04")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n", m.ID, m.Name, m.Cron, target, last, next, m.Message)
	}
	return tw.Flush()
}
