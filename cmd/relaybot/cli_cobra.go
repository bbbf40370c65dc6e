package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/dotsetgreg/relaybot/pkg/config"
	"github.com/dotsetgreg/relaybot/pkg/logger"
)

type globalFlags struct {
	configPath string
	debug      bool
}

func executeCLI() error {
	return buildRootCommand(true).Execute()
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".relaybot", "config.json")
	}
	return filepath.Join(home, ".relaybot", "config.json")
}

// loadConfig reads .env (if present), the config file and RELAYBOT_* env
// overrides, then applies the log settings.
func (g *globalFlags) loadConfig() (*config.Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logger.WarnCF("cli", "Failed to load .env", map[string]interface{}{"error": err.Error()})
	}
	path := g.configPath
	if strings.TrimSpace(path) == "" {
		path = defaultConfigPath()
	}
	cfg, err := config.LoadConfig(config.ExpandHome(path))
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger.Configure(os.Stderr, cfg.Log.Format)
	logger.SetLevel(logger.ParseLevel(cfg.Log.Level))
	if g.debug {
		logger.SetLevel(logger.DEBUG)
	}
	return cfg, nil
}

func buildRootCommand(includeDocsCommand bool) *cobra.Command {
	var (
		flags       globalFlags
		showVersion bool
	)

	root := &cobra.Command{
		Use:   "relaybot",
		Short: "Chat automation gateway with commands, auto-replies, AI replies and scheduled broadcasts",
		Long: strings.TrimSpace(`relaybot keeps one messaging session alive and answers inbound messages.

Run the gateway against a pairing bridge or Discord, chat with the bot locally,
and manage auto-reply rules and scheduled broadcasts stored in SQLite.`),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				printVersion(cmd.OutOrStdout())
				return nil
			}
			_ = cmd.Help()
			return fmt.Errorf("a subcommand is required")
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.Flags().BoolVarP(&showVersion, "version", "v", false, "Show build/version metadata")
	root.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "Config file (default ~/.relaybot/config.json)")
	root.PersistentFlags().BoolVarP(&flags.debug, "debug", "d", false, "Enable debug logging")

	root.AddCommand(newGatewayCommand(&flags))
	root.AddCommand(newChatCommand(&flags))
	root.AddCommand(newStatusCommand(&flags))
	root.AddCommand(newStatsCommand(&flags))
	root.AddCommand(newLogoutCommand(&flags))
	root.AddCommand(newRulesCommand(&flags))
	root.AddCommand(newSchedulesCommand(&flags))
	root.AddCommand(newVersionCommand())

	if includeDocsCommand {
		root.AddCommand(newDocsCommand(func() *cobra.Command { return buildRootCommand(false) }))
	}

	return root
}

func newGatewayCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:     "gateway",
		Short:   "Run the messaging session, dispatch pipeline, scheduler and health server",
		Long:    "Connect the configured transport and serve until SIGINT/SIGTERM or until the session terminates.",
		Example: "  relaybot gateway --debug",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.loadConfig()
			if err != nil {
				return err
			}
			return runGateway(cmd.Context(), cfg, cmd.OutOrStdout())
		},
	}
}

func newChatCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:     "chat",
		Short:   "Chat with the bot in the terminal",
		Long:    "Run the full pipeline against a local console transport instead of a messaging network.",
		Example: "  relaybot chat",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.loadConfig()
			if err != nil {
				return err
			}
			cfg.Transport.Kind = "console"
			return runChat(cmd.Context(), cfg, cmd.OutOrStdout())
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "version",
		Short:   "Show build/version metadata",
		Example: "  relaybot version",
		RunE: func(cmd *cobra.Command, args []string) error {
			printVersion(cmd.OutOrStdout())
			return nil
		},
	}
}
