// ABOUTME: Entry point for the polylog conversation gateway
// ABOUTME: Serves multi-party conversations with an embedded AI participant

package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/polylog/internal/auth"
	"github.com/2389/polylog/internal/config"
	"github.com/2389/polylog/internal/fanout"
	"github.com/2389/polylog/internal/gateway"
	"github.com/2389/polylog/internal/llm"
	"github.com/2389/polylog/internal/pipeline"
	"github.com/2389/polylog/internal/session"
	"github.com/2389/polylog/internal/store"
	"github.com/2389/polylog/internal/trigger"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                 _       _
 _ __   ___ | |_   _| | ___   __ _
| '_ \ / _ \| | | | | |/ _ \ / _' |
| |_) | (_) | | |_| | | (_) | (_| |
| .__/ \___/|_|\__, |_|\___/ \__, |
|_|            |___/         |___/
`

// getConfigPath returns the path to the gateway config file.
// Priority: POLYLOG_CONFIG env var > XDG_CONFIG_HOME/polylog/gateway.yaml > ~/.config/polylog/gateway.yaml
func getConfigPath() string {
	if envPath := os.Getenv("POLYLOG_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "polylog", "gateway.yaml")
}

// getDataPath returns the path to the polylog data directory.
// Priority: XDG_DATA_HOME/polylog > ~/.local/share/polylog
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "polylog")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: polylog-gateway <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve                      Start the gateway server")
		fmt.Println("  init                       Create a new config file interactively")
		fmt.Println("  token --user ID --name N   Mint a client JWT")
		fmt.Println("  health                     Check gateway health")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "token":
		err = runToken()
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

	// Print banner
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	// Version info
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Setup logger
	logger := setupLogger(cfg.Logging)

	// Startup info
	green := color.New(color.FgGreen)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s\n", cfg.Database.Path)
	if cfg.Assistant.Provider != "" {
		green.Print("    ▶ ")
		fmt.Printf("Assistant: ")
		cyan.Printf("%s", cfg.Assistant.Name)
		gray.Printf(" (%s", cfg.Assistant.Provider)
		if cfg.Assistant.Model != "" {
			gray.Printf("/%s", cfg.Assistant.Model)
		}
		gray.Print(")\n")
	} else {
		green.Print("    ▶ ")
		gray.Println("Assistant: disabled")
	}

	fmt.Println()

	logger.Info("starting polylog-gateway",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
	)

	gw, cleanup, err := buildGateway(cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	return gw.Run(ctx)
}

// buildGateway wires store, sessions, fanout, pipeline, and the
// assistant trigger engine into a runnable gateway.
func buildGateway(cfg *config.Config, logger *slog.Logger) (*gateway.Gateway, func(), error) {
	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("opening database: %w", err)
	}

	registry := session.NewRegistry(session.Options{
		GracePeriod:       cfg.Session.GracePeriod,
		HeartbeatInterval: cfg.Session.HeartbeatInterval,
		HeartbeatMisses:   cfg.Session.HeartbeatMisses,
	}, logger)

	fo := fanout.New(registry, logger)

	pl := pipeline.New(st, fo, pipeline.Options{
		MaxMessageLength:   cfg.Conversation.MaxMessageLength,
		RateLimitPerMinute: cfg.Conversation.RateLimitPerUserPerMin,
		DedupeWindow:       cfg.Conversation.DedupeWindow,
	}, logger)

	var joinHandler gateway.JoinHandler
	var engine *trigger.Engine
	if cfg.Assistant.Provider != "" {
		client, err := llm.New(llm.Provider(cfg.Assistant.Provider), cfg.Assistant.APIKey)
		if err != nil {
			st.Close()
			return nil, nil, fmt.Errorf("creating llm client: %w", err)
		}
		engine = trigger.New(pl, st, client, trigger.Options{
			AssistantName:     cfg.Assistant.Name,
			MentionTokens:     cfg.Assistant.MentionTokens,
			LullTimeout:       cfg.Assistant.LullTimeout,
			ContextWindowSize: cfg.Assistant.ContextWindowSize,
			Model:             cfg.Assistant.Model,
			MaxTokens:         cfg.Assistant.MaxTokens,
			InvokeTimeout:     cfg.Assistant.InvokeTimeout,
		}, logger)
		pl.AddObserver(engine)
		joinHandler = engine
	} else {
		logger.Warn("assistant disabled - no provider configured")
	}

	verifier := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))

	gw := gateway.New(gateway.Deps{
		HTTPAddr:    cfg.Server.HTTPAddr,
		Verifier:    verifier,
		Registry:    registry,
		Fanout:      fo,
		Pipeline:    pl,
		Store:       st,
		JoinHandler: joinHandler,
		Metrics:     cfg.Metrics.Enabled,
		MetricsPath: cfg.Metrics.Path,
		ReadTimeout: cfg.Session.HeartbeatInterval * time.Duration(cfg.Session.HeartbeatMisses+1),
		Logger:      logger,
	})

	cleanup := func() {
		if engine != nil {
			engine.Close()
		}
		pl.Close()
		registry.Close()
		if err := st.Close(); err != nil {
			logger.Error("closing store", "error", err)
		}
	}
	return gw, cleanup, nil
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

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu     sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder

	// Format timestamp
	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	// Colorize level
	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	// Print message
	buf.WriteString(r.Message)

	// Print handler-level attrs first (from WithAttrs)
	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

	// Print record attrs
	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Print(buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}

func runHealth(ctx context.Context) error {
	configPath := getConfigPath()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Make HTTP request to health endpoint with context
	url := fmt.Sprintf("http://%s/healthz", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Println("healthy")
	return nil
}

// runToken mints a client JWT signed with the configured secret:
// polylog-gateway token --user alice --name "Alice" [--ttl 720h]
func runToken() error {
	var userID, displayName string
	ttl := 30 * 24 * time.Hour

	args := os.Args[2:]
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--user" || arg == "-u":
			if i+1 >= len(args) {
				return fmt.Errorf("--user requires a value")
			}
			userID = args[i+1]
			i++
		case strings.HasPrefix(arg, "--user="):
			userID = strings.TrimPrefix(arg, "--user=")
		case arg == "--name" || arg == "-n":
			if i+1 >= len(args) {
				return fmt.Errorf("--name requires a value")
			}
			displayName = args[i+1]
			i++
		case strings.HasPrefix(arg, "--name="):
			displayName = strings.TrimPrefix(arg, "--name=")
		case arg == "--ttl":
			if i+1 >= len(args) {
				return fmt.Errorf("--ttl requires a value")
			}
			d, err := time.ParseDuration(args[i+1])
			if err != nil {
				return fmt.Errorf("parsing --ttl: %w", err)
			}
			ttl = d
			i++
		case strings.HasPrefix(arg, "--ttl="):
			d, err := time.ParseDuration(strings.TrimPrefix(arg, "--ttl="))
			if err != nil {
				return fmt.Errorf("parsing --ttl: %w", err)
			}
			ttl = d
		case strings.HasPrefix(arg, "-"):
			return fmt.Errorf("unknown flag: %s", arg)
		default:
			return fmt.Errorf("unexpected argument: %s", arg)
		}
	}

	userID = strings.TrimSpace(userID)
	if userID == "" {
		return fmt.Errorf("--user flag is required")
	}
	displayName = strings.TrimSpace(displayName)
	if displayName == "" {
		displayName = userID
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	verifier := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	token, err := verifier.Generate(userID, displayName, ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Printf("  ✓ Token for %s (%s), expires %s\n\n",
		displayName, userID, time.Now().Add(ttl).UTC().Format("Jan 02, 2006"))
	fmt.Println(token)
	return nil
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("polylog-gateway configuration setup")
	fmt.Println("===================================")
	fmt.Println()

	// Default paths
	defaultConfigPath := getConfigPath()
	defaultDataPath := getDataPath()
	defaultDbPath := filepath.Join(defaultDataPath, "gateway.db")

	// Output filename
	outputFile := prompt(reader, "Config file path", defaultConfigPath)

	// Check if file exists
	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if strings.ToLower(overwrite) != "yes" && strings.ToLower(overwrite) != "y" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	// Server configuration
	fmt.Println("\n--- Server Configuration ---")
	httpAddr := prompt(reader, "HTTP address", "localhost:8080")

	// Database
	fmt.Println("\n--- Database Configuration ---")
	dbPath := prompt(reader, "SQLite database path", defaultDbPath)

	// Auth
	fmt.Println("\n--- Auth Configuration ---")
	jwtSecret := prompt(reader, "JWT secret (leave empty to generate)", "")
	if jwtSecret == "" {
		secretBytes := make([]byte, 32)
		if _, err := rand.Read(secretBytes); err != nil {
			return fmt.Errorf("generating JWT secret: %w", err)
		}
		jwtSecret = base64.StdEncoding.EncodeToString(secretBytes)
		fmt.Println("Generated a random JWT secret.")
	}

	// Assistant
	fmt.Println("\n--- Assistant Configuration ---")
	provider := prompt(reader, "LLM provider (openai/anthropic/none)", "none")
	var apiKeyRef, model, assistantName string
	if provider == "openai" || provider == "anthropic" {
		envVar := "OPENAI_API_KEY"
		if provider == "anthropic" {
			envVar = "ANTHROPIC_API_KEY"
		}
		apiKeyRef = prompt(reader, "API key (or ${ENV_VAR} reference)", "${"+envVar+"}")
		model = prompt(reader, "Model (empty for provider default)", "")
		assistantName = prompt(reader, "Assistant display name", "AI Assistant")
	}

	// Logging
	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	// Generate config
	var cfg strings.Builder
	cfg.WriteString("# polylog-gateway configuration\n")
	cfg.WriteString("# Generated by polylog-gateway init\n\n")

	cfg.WriteString("server:\n")
	cfg.WriteString(fmt.Sprintf("  http_addr: \"%s\"\n", httpAddr))
	cfg.WriteString("\n")

	cfg.WriteString("database:\n")
	cfg.WriteString(fmt.Sprintf("  path: \"%s\"\n", dbPath))
	cfg.WriteString("\n")

	cfg.WriteString("auth:\n")
	cfg.WriteString(fmt.Sprintf("  jwt_secret: \"%s\"\n", jwtSecret))
	cfg.WriteString("\n")

	if provider == "openai" || provider == "anthropic" {
		cfg.WriteString("assistant:\n")
		cfg.WriteString(fmt.Sprintf("  provider: \"%s\"\n", provider))
		cfg.WriteString(fmt.Sprintf("  api_key: \"%s\"\n", apiKeyRef))
		if model != "" {
			cfg.WriteString(fmt.Sprintf("  model: \"%s\"\n", model))
		}
		cfg.WriteString(fmt.Sprintf("  name: \"%s\"\n", assistantName))
		cfg.WriteString("  lull_timeout: \"30s\"\n")
		cfg.WriteString("  context_window_size: 50\n")
		cfg.WriteString("\n")
	}

	cfg.WriteString("conversation:\n")
	cfg.WriteString("  max_message_length: 4000\n")
	cfg.WriteString("  rate_limit_per_user_per_minute: 0\n")
	cfg.WriteString("  dedupe_window: \"30s\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("session:\n")
	cfg.WriteString("  heartbeat_interval: \"30s\"\n")
	cfg.WriteString("  heartbeat_misses: 2\n")
	cfg.WriteString("  grace_period: \"60s\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: \"%s\"\n", logLevel))
	cfg.WriteString(fmt.Sprintf("  format: \"%s\"\n", logFormat))
	cfg.WriteString("\n")

	cfg.WriteString("metrics:\n")
	cfg.WriteString("  enabled: false\n")
	cfg.WriteString("  path: \"/metrics\"\n")

	// Ensure config directory exists
	configDir := filepath.Dir(outputFile)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	// Write config file
	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	// Ensure data directory exists
	dataDir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Printf("Data directory: %s\n", dataDir)
	fmt.Println("\nTo start the server:")
	fmt.Printf("  polylog-gateway serve\n")

	return nil
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		// On EOF or error, return default
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
