// ABOUTME: Entry point for the crosswire agent daemon
// ABOUTME: Connects a development machine to a relay and serves execute requests

package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tidewater-labs/crosswire/internal/agent"
)

// Version is set by goreleaser at build time.
var version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "crosswire-agent",
		Short:   "Connect this machine to a crosswire relay",
		Long:    "Runs a daemon that keeps a persistent connection to a crosswire relay,\nexecuting coding-assistant requests on this machine on behalf of remote clients.",
		Version: version,
	}

	cmd.AddCommand(startCmd())
	cmd.AddCommand(initCmd())

	return cmd
}

func startCmd() *cobra.Command {
	var configFlag string

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the agent and connect to the relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath := configFlag
			if configPath == "" {
				configPath = defaultConfigPath()
			}

			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}

			logger := setupLogger(cfg.Logging.Level)
			logger.Info("starting crosswire-agent",
				"version", version,
				"config", configPath,
				"relay", cfg.Relay.URL,
			)

			roots := cfg.Workspace.Roots
			if len(roots) == 0 {
				home, err := os.UserHomeDir()
				if err != nil {
					return fmt.Errorf("resolving home directory: %w", err)
				}
				roots = []string{home}
			}
			files := &agent.FileHandler{Roots: roots}

			terminals := agent.NewTerminalManager(cfg.Workspace.Shell)
			defer terminals.CloseAll()

			client := &agent.Client{
				RelayURL:  cfg.Relay.URL,
				SecretKey: cfg.Relay.SecretKey,
				Executor: &agent.CommandExecutor{
					Command:    cfg.Assistant.Command,
					Args:       cfg.Assistant.Args,
					AbortGrace: cfg.Assistant.AbortGrace,
				},
				Files:     files,
				Terminals: terminals,
				Git:       &agent.GitHandler{Files: files},
				Logger:    logger,
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			return client.Run(ctx)
		},
	}

	cmd.Flags().StringVarP(&configFlag, "config", "c", "", "path to agent config file")

	return cmd
}

func initCmd() *cobra.Command {
	var keyFlag string
	var relayFlag string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write an agent config file",
		Long:  "Writes a starter config to the default location. The connection key comes\nfrom 'crosswire-relay agents add' on the relay host.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if keyFlag == "" {
				return fmt.Errorf("--key is required (from 'crosswire-relay agents add')")
			}

			configPath := defaultConfigPath()
			if _, err := os.Stat(configPath); err == nil {
				return fmt.Errorf("config already exists at %s", configPath)
			}

			home, err := os.UserHomeDir()
			if err != nil {
				return fmt.Errorf("resolving home directory: %w", err)
			}

			if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
				return fmt.Errorf("creating config directory: %w", err)
			}

			content := fmt.Sprintf(`# crosswire-agent configuration

[relay]
url = "%s"
secret_key = "%s"

[workspace]
roots = ["%s"]

[assistant]
command = "claude"
args = ["-p", "--output-format", "stream-json"]
abort_grace = "5s"

[logging]
level = "info"
`, relayFlag, keyFlag, home)

			if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
				return fmt.Errorf("writing config file: %w", err)
			}

			fmt.Printf("Wrote %s\n", configPath)
			fmt.Println("Edit the [assistant] section to match your local setup, then run 'crosswire-agent start'.")
			return nil
		},
	}

	cmd.Flags().StringVar(&keyFlag, "key", "", "agent connection key")
	cmd.Flags().StringVar(&relayFlag, "relay", "wss://localhost:8787/ws", "relay WebSocket URL")

	return cmd
}

func setupLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
