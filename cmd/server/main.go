package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/seomcp/gateway/internal/audit"
	"github.com/seomcp/gateway/internal/auth"
	"github.com/seomcp/gateway/internal/child"
	"github.com/seomcp/gateway/internal/config"
	"github.com/seomcp/gateway/internal/launcher"
	"github.com/seomcp/gateway/internal/logger"
	"github.com/seomcp/gateway/internal/mcp"
	"github.com/seomcp/gateway/internal/schedule"
	"github.com/seomcp/gateway/internal/session"
	"github.com/seomcp/gateway/internal/tenantcfg"
	"github.com/seomcp/gateway/internal/usage"
)

// Version is set at build time via -ldflags "-X main.Version=v1.0.0"
var Version = "dev"

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "init":
			cmdInit(os.Args[2:])
			return
		case "token":
			cmdToken(os.Args[2:])
			return
		case "usage":
			cmdUsage(os.Args[2:])
			return
		case "--version", "-v":
			fmt.Printf("seomcp %s\n", Version)
			return
		case "--help", "-h", "help":
			printUsage()
			return
		}
	}

	runServer()
}

func printUsage() {
	fmt.Printf(`seomcp %s - Multi-tenant MCP gateway

Usage: seomcp [command] [options]

Commands:
  (default)    Start the gateway server
  init         Write a starter configuration
  token        Manage API credentials
  usage        Show recent tool-call usage for a tenant

Server Options:
  --dir <path>   Config directory containing seomcp.jsonc

Config Precedence (for server):
  1. --dir flag
  2. ./config/seomcp.jsonc
  3. ~/.seomcp/config/seomcp.jsonc

Examples:
  seomcp                                 Start the server
  seomcp init                            Set up ~/.seomcp
  seomcp token create --name dev --tenant acme --plan pro --verified
  seomcp token list
  seomcp usage --tenant acme
`, Version)
}

func runServer() {
	showVersion := flag.Bool("version", false, "Print version and exit")
	dirFlag := flag.String("dir", "", "Config directory containing seomcp.jsonc")
	flag.Parse()

	if *showVersion {
		fmt.Printf("seomcp %s\n", Version)
		os.Exit(0)
	}

	cfg, err := config.Load(*dirFlag)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Configuration error: %v", err)
	}

	if err := logger.Init(resolvePath(cfg, cfg.Log.Dir), cfg.Log.JSON); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer func() { _ = logger.Close() }()

	slog := logger.Slog()
	slog.Info("seomcp gateway starting", "version", Version)

	authStore, err := auth.NewStore(resolvePath(cfg, cfg.Database.CredentialsPath))
	if err != nil {
		slog.Error("failed to open credential store", "error", err)
		os.Exit(1)
	}
	defer func() { _ = authStore.Close() }()

	usageStore, err := usage.NewStore(resolvePath(cfg, cfg.Database.UsagePath))
	if err != nil {
		slog.Error("failed to open usage store", "error", err)
		os.Exit(1)
	}
	defer func() { _ = usageStore.Close() }()

	var l launcher.Launcher
	switch cfg.Child.Runtime {
	case "docker":
		dl, derr := launcher.NewDockerLauncher(cfg.Child.Image)
		if derr != nil {
			slog.Error("failed to initialize docker launcher", "error", derr)
			os.Exit(1)
		}
		l = dl
	default:
		l = launcher.NewExecLauncher()
	}
	defer func() { _ = l.Close() }()

	ctx := context.Background()
	if err := l.Ping(ctx); err != nil {
		slog.Error("launcher backend unreachable", "launcher", l.Name(), "error", err)
		os.Exit(1)
	}
	slog.Info("launcher ready", "launcher", l.Name())

	pool := child.NewPool(l, child.Options{
		Command:     cfg.Child.Command,
		Args:        cfg.Child.Args,
		IdleTimeout: time.Duration(cfg.Child.IdleTimeoutSeconds) * time.Second,
		CallTimeout: time.Duration(cfg.Child.CallTimeoutSeconds) * time.Second,
		MaxLine:     cfg.Child.MaxLineBytes,
	})

	sessions := session.NewRegistry(session.DefaultTTL)

	producer, err := tenantcfg.NewProducer(resolvePath(cfg, cfg.Child.RunDir), cfg.Providers)
	if err != nil {
		slog.Error("failed to prepare run directory", "error", err)
		os.Exit(1)
	}

	runner := schedule.NewRunner()
	if err := runner.Add("session-sweep", "*/5 * * * *", func() {
		sessions.Sweep()
	}); err != nil {
		slog.Error("failed to schedule session sweep", "error", err)
		os.Exit(1)
	}
	retention := time.Duration(cfg.Retention.UsageDays) * 24 * time.Hour
	if err := runner.Add("usage-prune", "30 3 * * *", func() {
		now := time.Now().UTC()
		cutoff := now.Add(-retention)
		// Never prune into the current quota month.
		if month := usage.MonthStart(now); cutoff.After(month) {
			cutoff = month
		}
		pruneCtx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if n, perr := usageStore.PruneBefore(pruneCtx, cutoff); perr != nil {
			logger.Slog().Error("usage prune failed", "error", perr)
		} else if n > 0 {
			logger.Slog().Info("usage prune complete", "rows", n)
		}
	}); err != nil {
		slog.Error("failed to schedule usage prune", "error", err)
		os.Exit(1)
	}
	server := mcp.NewServer(cfg, Version, authStore, usageStore, pool, sessions, producer)

	if err := runner.Add("ratelimit-reset", "0 * * * *", server.ResetRateLimiter); err != nil {
		slog.Error("failed to schedule rate limiter reset", "error", err)
		os.Exit(1)
	}
	runner.Start()

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(cfg.Server.Address)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", "signal", sig.String())
	case err := <-errCh:
		if err != nil {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
		return
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown incomplete", "error", err)
	}
	runner.Stop()
	if err := pool.DrainAll(shutdownCtx); err != nil {
		slog.Warn("pool drain incomplete", "error", err)
	}
	sessions.Clear()
	slog.Info("seomcp gateway stopped")
}

// resolvePath resolves p against the directory above the config dir,
// so "data/usage.db" lands next to config/ inside the seomcp home.
func resolvePath(cfg *config.Config, p string) string {
	if filepath.IsAbs(p) || cfg.ConfigDir == "" {
		return p
	}
	return filepath.Join(filepath.Dir(cfg.ConfigDir), p)
}

func cmdInit(args []string) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	dirFlag := fs.String("dir", "", "Directory to initialize (default: ~/.seomcp)")
	_ = fs.Parse(args)

	var homeDir string
	if *dirFlag != "" {
		abs, err := filepath.Abs(*dirFlag)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: invalid directory: %v\n", err)
			os.Exit(1)
		}
		homeDir = abs
	} else {
		userHome, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: could not determine home directory: %v\n", err)
			os.Exit(1)
		}
		homeDir = filepath.Join(userHome, ".seomcp")
	}

	configDir := filepath.Join(homeDir, "config")
	configFile := filepath.Join(configDir, "seomcp.jsonc")
	if _, err := os.Stat(configFile); err == nil {
		fmt.Printf("%s is already initialized.\n", homeDir)
		fmt.Print("Overwrite? [y/N]: ")
		var response string
		_, _ = fmt.Scanln(&response)
		if response != "y" && response != "Y" {
			fmt.Println("Aborted.")
			return
		}
	}

	dirs := []string{
		configDir,
		filepath.Join(homeDir, "data", "logs"),
		filepath.Join(homeDir, "data", "run"),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			fmt.Fprintf(os.Stderr, "Error creating %s: %v\n", dir, err)
			os.Exit(1)
		}
		fmt.Printf("   Created %s\n", dir)
	}

	starter := `{
  // seomcp gateway configuration

  "server": {
    "address": ":8080"
  },

  "child": {
    // Command each tenant's MCP child runs. With the docker runtime,
    // "image" is used instead and "command" runs inside the container.
    "command": "seomcp-child",
    "args": [],
    "runtime": "exec",
    "idle_timeout_seconds": 300,
    "call_timeout_seconds": 60
  },

  "database": {
    "credentials_path": "data/credentials.db",
    "usage_path": "data/usage.db"
  },

  "ratelimit": {
    "requests_per_second": 10,
    "burst": 20
  },

  "log": {
    "dir": "data/logs",
    "json": true
  },

  "retention": {
    "usage_days": 365
  },

  // Provider settings handed to every tenant child via its config
  // document. Keep this file private; entries here may be secrets.
  "providers": {}
}
`
	if err := os.WriteFile(configFile, []byte(starter), 0o600); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing %s: %v\n", configFile, err)
		os.Exit(1)
	}
	fmt.Printf("   Created %s\n", configFile)
	fmt.Println()
	fmt.Println("Initialized. Next steps:")
	fmt.Println("  1. seomcp token create --name dev --tenant <tenant> --plan pro --verified")
	fmt.Println("  2. seomcp")
}

func cmdToken(args []string) {
	if len(args) < 1 {
		printTokenUsage()
		os.Exit(1)
	}

	store := openAuthStore()

	cmd := args[0]
	cmdArgs := args[1:]

	switch cmd {
	case "create":
		tokenCreate(store, cmdArgs)
	case "list":
		tokenList(store)
	case "revoke":
		tokenRevoke(store, cmdArgs)
	case "help", "-h", "--help":
		_ = store.Close()
		printTokenUsage()
		return
	default:
		_ = store.Close()
		fmt.Fprintf(os.Stderr, "Unknown token command: %s\n", cmd)
		printTokenUsage()
		os.Exit(1)
	}
	_ = store.Close()
}

func printTokenUsage() {
	fmt.Println(`Credential Management

Usage: seomcp token <command> [options]

Commands:
  create    Create a new API credential
  list      List credentials
  revoke    Revoke a credential by id
  help      Show this help

Examples:
  seomcp token create --name "Local Dev" --tenant acme --plan pro --verified
  seomcp token create --name "CI" --tenant acme --plan free --scopes keyword_density,meta_extract
  seomcp token list
  seomcp token revoke <credential-id>`)
}

// openAuthStore opens the credential store using the same config
// search the server uses, falling back to defaults when no config
// file exists yet.
func openAuthStore() *auth.Store {
	cfg, err := config.Load("")
	if err != nil {
		cfg = config.Default()
	}
	store, err := auth.NewStore(resolvePath(cfg, cfg.Database.CredentialsPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening credential store: %v\n", err)
		os.Exit(1)
	}
	return store
}

func tokenCreate(store *auth.Store, args []string) {
	fs := flag.NewFlagSet("token create", flag.ExitOnError)
	name := fs.String("name", "", "Human-readable credential name (required)")
	tenant := fs.String("tenant", "", "Tenant id the credential belongs to (required)")
	plan := fs.String("plan", "free", "Billing plan: free, pro, agency, enterprise")
	verified := fs.Bool("verified", false, "Mark the tenant email-verified")
	scopes := fs.String("scopes", "", "Comma-separated tool allowlist (empty = all tools)")
	_ = fs.Parse(args)

	if *name == "" || *tenant == "" {
		fmt.Fprintln(os.Stderr, "Error: --name and --tenant are required")
		fs.PrintDefaults()
		os.Exit(1)
	}
	p := auth.Plan(*plan)
	if !p.Valid() {
		fmt.Fprintf(os.Stderr, "Error: invalid plan %q (free, pro, agency, enterprise)\n", *plan)
		os.Exit(1)
	}

	var scopeList []string
	if *scopes != "" {
		for _, s := range strings.Split(*scopes, ",") {
			if s = strings.TrimSpace(s); s != "" {
				scopeList = append(scopeList, s)
			}
		}
	}

	cred, token, err := store.Create(*name, *tenant, p, *verified, scopeList)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating credential: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Credential created.")
	fmt.Println()
	fmt.Printf("ID:     %s\n", cred.ID)
	fmt.Printf("Tenant: %s\n", cred.TenantID)
	fmt.Printf("Plan:   %s\n", cred.Plan)
	fmt.Printf("Token:  %s\n", token)
	fmt.Println()
	fmt.Println("IMPORTANT: Save this token now. It cannot be retrieved later.")
}

func tokenList(store *auth.Store) {
	creds, err := store.List()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error listing credentials: %v\n", err)
		os.Exit(1)
	}

	if len(creds) == 0 {
		fmt.Println("No credentials found.")
		fmt.Println()
		fmt.Println(`Create one with: seomcp token create --name "My Token" --tenant <tenant>`)
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tNAME\tTENANT\tPLAN\tVERIFIED\tCREATED\tLAST USED\tREVOKED")
	for _, c := range creds {
		lastUsed := "never"
		if c.LastUsedAt != nil {
			lastUsed = c.LastUsedAt.Format("2006-01-02 15:04")
		}
		revoked := ""
		if c.RevokedAt != nil {
			revoked = c.RevokedAt.Format("2006-01-02 15:04")
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\t%s\t%s\t%s\n",
			c.ID, c.Name, c.TenantID, c.Plan, c.Verified,
			c.CreatedAt.Format("2006-01-02 15:04"), lastUsed, revoked)
	}
	_ = w.Flush()
}

func tokenRevoke(store *auth.Store, args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: seomcp token revoke <credential-id>")
		os.Exit(1)
	}
	id := args[0]
	if err := store.Revoke(id); err != nil {
		fmt.Fprintf(os.Stderr, "Error revoking credential: %v\n", err)
		os.Exit(1)
	}
	audit.LogSuccess(audit.OpCredentialRevoke, "", id)
	fmt.Printf("Credential %s revoked.\n", id)
}

func cmdUsage(args []string) {
	fs := flag.NewFlagSet("usage", flag.ExitOnError)
	tenant := fs.String("tenant", "", "Tenant id (required)")
	limit := fs.Int("limit", 20, "Number of recent calls to show")
	_ = fs.Parse(args)

	if *tenant == "" {
		fmt.Fprintln(os.Stderr, "Error: --tenant is required")
		os.Exit(1)
	}

	cfg, err := config.Load("")
	if err != nil {
		cfg = config.Default()
	}
	store, err := usage.NewStore(resolvePath(cfg, cfg.Database.UsagePath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening usage store: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	monthUsed, err := store.CountSince(ctx, *tenant, usage.MonthStart(time.Now()))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error counting usage: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Tenant %s: %d tool calls this month\n\n", *tenant, monthUsed)

	records, err := store.ListRecent(ctx, *tenant, *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error listing usage: %v\n", err)
		os.Exit(1)
	}
	if len(records) == 0 {
		fmt.Println("No recorded calls.")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "TIME\tTOOL\tOUTCOME\tDURATION")
	for _, r := range records {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%dms\n",
			r.Timestamp.Format("2006-01-02 15:04:05"), r.Tool, r.Outcome, r.DurationMS)
	}
	_ = w.Flush()
}
