// ABOUTME: Entry point for the crosswire relay server
// ABOUTME: Bridges browser clients and remote coding agents over WebSockets

package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"

	"github.com/tidewater-labs/crosswire/internal/auth"
	"github.com/tidewater-labs/crosswire/internal/config"
	"github.com/tidewater-labs/crosswire/internal/relay"
	"github.com/tidewater-labs/crosswire/internal/store"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
  ___ _ __ ___  ___ _____      _(_)_ __ ___
 / __| '__/ _ \/ __/ __\ \ /\ / / | '__/ _ \
| (__| | | (_) \__ \__ \\ V  V /| | | |  __/
 \___|_|  \___/|___/___/ \_/\_/ |_|_|  \___|
`

// getConfigPath returns the path to the relay config file.
// Priority: CROSSWIRE_CONFIG env var > XDG_CONFIG_HOME/crosswire/relay.yaml > ~/.config/crosswire/relay.yaml
func getConfigPath() string {
	if envPath := os.Getenv("CROSSWIRE_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "relay.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "crosswire", "relay.yaml")
}

// getDataPath returns the path to the crosswire data directory.
// Priority: XDG_DATA_HOME/crosswire > ~/.local/share/crosswire
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "crosswire")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: crosswire-relay <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve                    Start the relay server")
		fmt.Println("  bootstrap --name NAME    Create config and issue the first client token")
		fmt.Println("  token --user USER        Issue a client token for a user")
		fmt.Println("  agents add --name NAME --user USER")
		fmt.Println("                           Register an agent and print its connection key")
		fmt.Println("  agents list --user USER  List a user's registered agents")
		fmt.Println("  health                   Check relay health")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "bootstrap":
		err = runBootstrap(ctx)
	case "token":
		err = runToken()
	case "agents", "agent":
		err = runAgents(ctx)
	case "health":
		err = runHealth(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Listen:    %s\n", cfg.Server.ListenAddr)
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s\n", cfg.Database.Path)

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}

	fmt.Println()

	logger.Info("starting crosswire-relay",
		"config", configPath,
		"listen_addr", cfg.Server.ListenAddr,
	)

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer st.Close()

	return relay.NewServer(cfg, st, logger).Run(ctx)
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = &colorHandler{
			level: level,
		}
	}

	return slog.New(handler)
}

// runBootstrap performs first-time setup:
// 1. Creates a config file with a random JWT secret (if none exists)
// 2. Issues a long-lived client token for the named user
func runBootstrap(_ context.Context) error {
	displayName, err := parseNameFlag(os.Args[2:])
	if err != nil {
		return err
	}

	configPath := getConfigPath()
	dataPath := getDataPath()
	dbPath := filepath.Join(dataPath, "relay.db")

	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)

	var cfg *config.Config
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		secretBytes := make([]byte, 32)
		if _, err := rand.Read(secretBytes); err != nil {
			return fmt.Errorf("generating JWT secret: %w", err)
		}
		jwtSecret := base64.StdEncoding.EncodeToString(secretBytes)

		if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}
		if err := os.MkdirAll(dataPath, 0755); err != nil {
			return fmt.Errorf("creating data directory: %w", err)
		}

		configContent := fmt.Sprintf(`# crosswire-relay configuration
# Generated by crosswire-relay bootstrap

server:
  listen_addr: "localhost:8787"

database:
  path: "%s"

auth:
  jwt_secret: "%s"

logging:
  level: "info"
  format: "text"
`, dbPath, jwtSecret)

		if err := os.WriteFile(configPath, []byte(configContent), 0600); err != nil {
			return fmt.Errorf("writing config file: %w", err)
		}
		green.Printf("  ✓ Created config: %s\n", configPath)

		cfg, err = config.Load(configPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
	} else {
		cfg, err = config.Load(configPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		cyan.Printf("  Using existing config: %s\n", configPath)
	}

	userID := uuid.New().String()
	verifier := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	token, err := verifier.Generate(userID, 90*24*time.Hour)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	fmt.Println()
	green.Printf("  ✓ Owner: %s\n", displayName)
	green.Printf("  ✓ User ID: %s\n", userID)
	fmt.Println()
	yellow.Println("  Client token (valid 90 days, save it now):")
	fmt.Printf("    %s\n", token)
	return nil
}

func runToken() error {
	userID, err := parseFlag(os.Args[2:], "--user", "-u")
	if err != nil {
		return err
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	verifier := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	token, err := verifier.Generate(userID, 90*24*time.Hour)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}
	fmt.Println(token)
	return nil
}

func runAgents(ctx context.Context) error {
	if len(os.Args) < 3 {
		return fmt.Errorf("usage: crosswire-relay agents <add|list>")
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer st.Close()

	switch os.Args[2] {
	case "add":
		return runAgentsAdd(ctx, st, os.Args[3:])
	case "list":
		return runAgentsList(ctx, st, os.Args[3:])
	default:
		return fmt.Errorf("unknown agents command: %s", os.Args[2])
	}
}

func runAgentsAdd(ctx context.Context, st store.Store, args []string) error {
	name, err := parseFlag(args, "--name", "-n")
	if err != nil {
		return err
	}
	userID, err := parseFlag(args, "--user", "-u")
	if err != nil {
		return err
	}

	secret, hash, err := auth.GenerateAgentSecret()
	if err != nil {
		return fmt.Errorf("generating secret: %w", err)
	}

	agent := &store.Agent{
		ID:         uuid.New().String(),
		UserID:     userID,
		Name:       name,
		SecretHash: hash,
	}
	if err := st.CreateAgent(ctx, agent); err != nil {
		return fmt.Errorf("creating agent: %w", err)
	}

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)
	green.Printf("  ✓ Registered agent %q (%s)\n", name, agent.ID)
	fmt.Println()
	yellow.Println("  Connection key (shown once, save it now):")
	fmt.Printf("    %s\n", auth.FormatAgentKey(agent.ID, secret))
	return nil
}

func runAgentsList(ctx context.Context, st store.Store, args []string) error {
	userID, err := parseFlag(args, "--user", "-u")
	if err != nil {
		return err
	}

	agents, err := st.ListAgentsForUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("listing agents: %w", err)
	}
	if len(agents) == 0 {
		fmt.Println("no agents registered")
		return nil
	}
	for _, a := range agents {
		status := "offline"
		if a.IsOnline {
			status = "online"
		}
		fmt.Printf("%s  %-20s %s\n", a.ID, a.Name, status)
	}
	return nil
}

func runHealth(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s/healthz", cfg.Server.ListenAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Println("healthy")
	return nil
}

// parseNameFlag parses "--name value" or "--name=value" from args.
func parseNameFlag(args []string) (string, error) {
	name, err := parseFlag(args, "--name", "-n")
	if err != nil {
		return "", err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("name cannot be empty")
	}
	if len(name) > 100 {
		return "", fmt.Errorf("name exceeds maximum length of 100 characters")
	}
	return name, nil
}

// parseFlag extracts a single required flag value, accepting both
// "--flag value" and "--flag=value" forms.
func parseFlag(args []string, long, short string) (string, error) {
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == long || arg == short:
			if i+1 >= len(args) {
				return "", fmt.Errorf("%s requires a value", long)
			}
			return args[i+1], nil
		case strings.HasPrefix(arg, long+"="):
			return strings.TrimPrefix(arg, long+"="), nil
		case strings.HasPrefix(arg, short+"="):
			return strings.TrimPrefix(arg, short+"="), nil
		}
	}
	return "", fmt.Errorf("%s flag is required", long)
}
