// ABOUTME: CLI for managing identities, sessions, policies, and the audit log
// ABOUTME: Subcommand dispatch with colored output and tabwriter listings

package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/pocketagent/pocketagent/internal/audit"
	"github.com/pocketagent/pocketagent/internal/config"
	"github.com/pocketagent/pocketagent/internal/gate"
	"github.com/pocketagent/pocketagent/internal/handshake"
	"github.com/pocketagent/pocketagent/internal/identity"
	"github.com/pocketagent/pocketagent/internal/policy"
	"github.com/pocketagent/pocketagent/internal/session"
	"github.com/pocketagent/pocketagent/internal/signer"
	"github.com/pocketagent/pocketagent/internal/store"
	"github.com/pocketagent/pocketagent/internal/transport"
	"github.com/pocketagent/pocketagent/internal/vault"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                 _        _                        _
 _ __   ___  ___| | _____| |_ __ _  __ _  ___ _ __ | |_
| '_ \ / _ \/ __| |/ / _ \ __/ _' |/ _' |/ _ \ '_ \| __|
| |_) | (_) | (__|   <  __/ || (_| | (_| |  __/ | | | |_
| .__/ \___/ \___|_|\_\___|\__\__,_|\__, |\___|_| |_|\__|
|_|                                 |___/
`

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "import-key":
		err = cmdImportKey(ctx, args)
	case "list-keys":
		err = cmdListKeys(ctx, args)
	case "delete-key":
		err = cmdDeleteKey(ctx, args)
	case "connect":
		err = cmdConnect(ctx, args)
	case "tokens":
		err = cmdTokens(ctx, args)
	case "audit":
		err = cmdAudit(ctx, args)
	case "policies":
		err = cmdPolicies(args)
	case "version":
		fmt.Println(version)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}
}

func printUsage() {
	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)

	cyan.Print(banner)
	fmt.Println()
	fmt.Println("Usage: pocketagent <command> [args]")
	fmt.Println()
	yellow.Println("Commands:")
	fmt.Println("  import-key <file>        Import an SSH private key (--name, --passphrase)")
	fmt.Println("  list-keys                List imported identities")
	fmt.Println("  delete-key <id|fp>       Delete an identity by id or fingerprint")
	fmt.Println("  connect                  Open a session and answer permission requests")
	fmt.Println("  tokens                   List vaulted tokens (--project)")
	fmt.Println("  audit                    Query the audit log (--type, --subject, --limit)")
	fmt.Println("  policies [file]          Load and lint a policy file")
	fmt.Println("  version                  Print the version")
	fmt.Println()
	yellow.Println("Environment:")
	fmt.Println("  POCKETAGENT_CONFIG       Config file path (default: ~/.config/pocketagent/config.yaml)")
}

// configPath resolves the config file location.
// Priority: POCKETAGENT_CONFIG > XDG_CONFIG_HOME > ~/.config.
func configPath() string {
	if envPath := os.Getenv("POCKETAGENT_CONFIG"); envPath != "" {
		return envPath
	}
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "config.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}
	return filepath.Join(configDir, "pocketagent", "config.yaml")
}

// dataPath resolves the data directory.
// Priority: XDG_DATA_HOME/pocketagent > ~/.local/share/pocketagent.
func dataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}
	return filepath.Join(dataDir, "pocketagent")
}

func loadConfig() (*config.Config, error) {
	path := configPath()
	cfg, err := config.Load(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			// No config file: defaults with a local database. The server URL
			// still has to come from --url for connect.
			fallback := fmt.Sprintf("server:\n  url: ws://localhost:8443/ws\n  project_id: default\ndatabase:\n  path: %q\n",
				filepath.Join(dataPath(), "pocketagent.db"))
			return config.Parse([]byte(fallback))
		}
		return nil, fmt.Errorf("loading config %s: %w", path, err)
	}
	return cfg, nil
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// app bundles everything a subcommand needs.
type app struct {
	cfg    *config.Config
	db     *store.SQLiteStore
	trail  *audit.Trail
	cap    *signer.MemorySigner
	idents *identity.Store
}

// newApp opens the database and wires the identity stack. presence may be
// nil for commands that never unlock a signing key.
func newApp(presence signer.PresenceFunc) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	setupLogger(cfg.Logging)

	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o700); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	db, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	trail := audit.New(db)

	var idents *identity.Store
	capability, err := signer.NewMemorySigner(signer.KeySourceFunc(func(ctx context.Context, keyRef string) ([]byte, error) {
		return idents.SealedKey(ctx, keyRef)
	}), presence)
	if err != nil {
		db.Close()
		return nil, err
	}
	idents = identity.New(db, capability, trail)

	return &app{cfg: cfg, db: db, trail: trail, cap: capability, idents: idents}, nil
}

func (a *app) close() {
	if err := a.db.Close(); err != nil {
		slog.Warn("closing database", "error", err)
	}
}

func cmdImportKey(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("import-key", flag.ExitOnError)
	name := fs.String("name", "", "display name for the identity")
	passphrase := fs.Bool("passphrase", false, "prompt for the key passphrase")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: pocketagent import-key [--name NAME] [--passphrase] <file>")
	}
	keyPath := fs.Arg(0)

	raw, err := os.ReadFile(keyPath)
	if err != nil {
		return fmt.Errorf("reading key file: %w", err)
	}

	var pass []byte
	if *passphrase {
		fmt.Print("Passphrase: ")
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil {
			return fmt.Errorf("reading passphrase: %w", err)
		}
		pass = []byte(strings.TrimRight(line, "\r\n"))
	}

	displayName := *name
	if displayName == "" {
		displayName = filepath.Base(keyPath)
	}

	a, err := newApp(nil)
	if err != nil {
		return err
	}
	defer a.close()

	ident, err := a.idents.Import(ctx, raw, pass, displayName)
	if err != nil {
		return err
	}

	color.Green("Imported %s", ident.Name)
	fmt.Printf("  ID:          %s\n", ident.ID)
	fmt.Printf("  Algorithm:   %s\n", ident.Algorithm)
	fmt.Printf("  Fingerprint: %s\n", ident.Fingerprint)
	return nil
}

func cmdListKeys(ctx context.Context, args []string) error {
	a, err := newApp(nil)
	if err != nil {
		return err
	}
	defer a.close()

	idents, err := a.idents.List(ctx)
	if err != nil {
		return err
	}
	if len(idents) == 0 {
		fmt.Println("No identities. Import one with: pocketagent import-key <file>")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tALGORITHM\tFINGERPRINT\tLAST USED")
	for _, id := range idents {
		lastUsed := "never"
		if id.LastUsedAt != nil {
			lastUsed = id.LastUsedAt.Local().Format(time.DateTime)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", id.ID, id.Name, id.Algorithm, shortFingerprint(id.Fingerprint), lastUsed)
	}
	return w.Flush()
}

func shortFingerprint(fp string) string {
	if len(fp) > 16 {
		return fp[:16] + "…"
	}
	return fp
}

func cmdDeleteKey(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: pocketagent delete-key <id|fingerprint>")
	}

	a, err := newApp(nil)
	if err != nil {
		return err
	}
	defer a.close()

	ident, err := a.idents.Get(ctx, args[0])
	if errors.Is(err, identity.ErrNotFound) {
		ident, err = a.idents.GetByFingerprint(ctx, args[0])
	}
	if err != nil {
		return err
	}

	if err := a.idents.Delete(ctx, ident.ID); err != nil {
		return err
	}
	color.Green("Deleted %s (%s)", ident.Name, shortFingerprint(ident.Fingerprint))
	return nil
}

func cmdTokens(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("tokens", flag.ExitOnError)
	project := fs.String("project", "", "project to list (default: server.project_id)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	a, err := newApp(nil)
	if err != nil {
		return err
	}
	defer a.close()

	projectID := *project
	if projectID == "" {
		projectID = a.cfg.Server.ProjectID
	}

	toks, err := vault.New(a.db, a.cap, a.trail).List(ctx, projectID)
	if err != nil {
		return err
	}
	if len(toks) == 0 {
		fmt.Printf("No tokens for project %s.\n", projectID)
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTYPE\tCREATED\tEXPIRES\tUSES\tSTATUS")
	for _, tok := range toks {
		expires := "never"
		if tok.ExpiresAt != nil {
			expires = tok.ExpiresAt.Local().Format(time.DateTime)
		}
		status := "live"
		if tok.Revoked {
			status = "revoked (" + string(tok.RevokeReason) + ")"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
			tok.ID, tok.Type, tok.CreatedAt.Local().Format(time.DateTime), expires, tok.UsageCount, status)
	}
	return w.Flush()
}

func cmdAudit(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("audit", flag.ExitOnError)
	typeFlag := fs.String("type", "", "filter by event type")
	subject := fs.String("subject", "", "filter by subject")
	limit := fs.Int("limit", 50, "maximum events to show")
	if err := fs.Parse(args); err != nil {
		return err
	}

	a, err := newApp(nil)
	if err != nil {
		return err
	}
	defer a.close()

	filter := store.AuditFilter{Limit: *limit}
	if *typeFlag != "" {
		t := store.EventType(*typeFlag)
		filter.Type = &t
	}
	if *subject != "" {
		filter.Subject = subject
	}

	events, err := a.trail.Query(ctx, filter)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		fmt.Println("No audit events match.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tTYPE\tSUBJECT\tOK\tDETAILS")
	for _, e := range events {
		fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\n",
			e.Timestamp.Local().Format(time.DateTime), e.Type, e.Subject, e.Success, formatMetadata(e.Metadata))
	}
	return w.Flush()
}

func formatMetadata(md map[string]any) string {
	if len(md) == 0 {
		return ""
	}
	parts := make([]string, 0, len(md))
	for k, v := range md {
		parts = append(parts, fmt.Sprintf("%s=%v", k, v))
	}
	return strings.Join(parts, " ")
}

func cmdPolicies(args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	path := cfg.Policy.File
	if len(args) > 0 {
		path = args[0]
	}
	if path == "" {
		return errors.New("no policy file: pass a path or set policy.file in the config")
	}

	defaultOutcome, policies, err := policy.LoadFile(path)
	if err != nil {
		return err
	}
	engine := policy.NewEngine(defaultOutcome)
	if err := engine.SetPolicies(policies); err != nil {
		return err
	}

	color.Green("%s: %d policies, default %s", path, len(policies), defaultOutcome)
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tKIND\tPRIORITY\tACTIVE")
	for _, p := range engine.Policies() {
		fmt.Fprintf(w, "%s\t%s\t%d\t%t\n", p.ID, p.Kind, p.Priority, p.Active)
	}
	return w.Flush()
}

func cmdConnect(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("connect", flag.ExitOnError)
	keyID := fs.String("key", "", "identity ID to authenticate with")
	serverURL := fs.String("url", "", "server URL (overrides config)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	a, err := newApp(promptPresence)
	if err != nil {
		return err
	}
	defer a.close()

	url := a.cfg.Server.URL
	if *serverURL != "" {
		url = *serverURL
	}
	if url == "" {
		return errors.New("no server URL: pass --url or set server.url in the config")
	}

	identityID := *keyID
	if identityID == "" {
		idents, err := a.idents.List(ctx)
		if err != nil {
			return err
		}
		if len(idents) != 1 {
			return errors.New("pass --key: there is not exactly one identity")
		}
		identityID = idents[0].ID
	}

	engine := policy.NewEngine(policy.Decision(a.cfg.Policy.DefaultDecision))
	if a.cfg.Policy.File != "" {
		defaultOutcome, policies, err := policy.LoadFile(a.cfg.Policy.File)
		if err != nil {
			return fmt.Errorf("loading policies: %w", err)
		}
		engine = policy.NewEngine(defaultOutcome)
		if err := engine.SetPolicies(policies); err != nil {
			return err
		}
	}

	tokens := vault.New(a.db, a.cap, a.trail)
	authenticator := handshake.New(a.cap, a.idents, a.trail)
	manager := session.NewManager(&transport.WSDialer{}, authenticator, tokens, a.trail, session.Config{
		HeartbeatInterval:    a.cfg.Session.HeartbeatInterval,
		HeartbeatTimeout:     a.cfg.Session.HeartbeatTimeout,
		ReconnectBaseDelay:   a.cfg.Session.ReconnectBaseDelay,
		ReconnectMaxDelay:    a.cfg.Session.ReconnectMaxDelay,
		ReconnectMaxAttempts: uint(a.cfg.Session.ReconnectMaxAttempts),
	})
	a.idents.SetSessionChecker(manager)

	permGate := gate.New(manager, engine, a.trail, gate.Config{
		MaxRequestAge:       a.cfg.Permission.MaxRequestAge,
		BruteForceWindow:    a.cfg.Permission.BruteForceWindow,
		BruteForceThreshold: a.cfg.Permission.BruteForceThreshold,
	})

	go a.trail.RunRetention(ctx, time.Hour, a.cfg.Audit.Retention)

	color.Cyan("Connecting to %s ...", url)
	s, err := manager.Open(ctx, url, identityID, a.cfg.Server.ProjectID)
	if err != nil {
		return err
	}
	color.Green("Session %s active. Ctrl-C to disconnect.", s.ID())

	return answerRequests(ctx, s, permGate)
}

// answerRequests drives the interactive permission loop until the context
// is canceled or the session ends.
func answerRequests(ctx context.Context, s *session.Session, permGate *gate.Gate) error {
	for {
		select {
		case <-ctx.Done():
			return s.Close(context.Background())
		case <-s.Done():
			return nil
		case req, ok := <-s.Requests():
			if !ok {
				return nil
			}
			outcome, err := permGate.VerifyAndAuthorize(ctx, req, nil)
			switch {
			case errors.Is(err, gate.ErrPolicyDenied):
				color.Yellow("Denied by policy %s: %s %s", outcome.PolicyID, req.Tool, req.Action)
				_ = s.Send(ctx, outcome.Response)
				continue
			case err != nil:
				// Invalid signature or stale request: no response goes back.
				color.Red("Rejected request %s: %v", req.ID, err)
				continue
			}

			if !outcome.RequiresConfirmation {
				color.Green("Allowed: %s %s (risk %s)", req.Tool, req.Action, outcome.Risk)
				_ = s.Send(ctx, outcome.Response)
				continue
			}

			decision := promptDecision(req.Tool, req.Action, outcome.Risk.String(), outcome.Reason)
			outcome, err = permGate.VerifyAndAuthorize(ctx, req, decision)
			if err != nil && !errors.Is(err, gate.ErrPolicyDenied) {
				color.Red("Rejected request %s: %v", req.ID, err)
				continue
			}
			if outcome.Response != nil {
				_ = s.Send(ctx, outcome.Response)
			}
		}
	}
}

// promptDecision asks the user to approve a surfaced request.
func promptDecision(tool, action, risk, reason string) *gate.UserDecision {
	color.Yellow("Permission request: %s %s (risk %s)", tool, action, risk)
	if reason != "" {
		fmt.Printf("  %s\n", reason)
	}
	fmt.Print("Approve? [y/N] ")

	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return &gate.UserDecision{Allow: false, Confirmed: true, Reason: "input closed"}
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	if answer == "y" || answer == "yes" {
		return &gate.UserDecision{Allow: true, Confirmed: true}
	}
	return &gate.UserDecision{Allow: false, Confirmed: true, Reason: "denied by user"}
}

// promptPresence gates private key use on a local confirmation.
func promptPresence(ctx context.Context, keyRef string) error {
	fmt.Printf("Unlock key %s? [Y/n] ", keyRef)

	answered := make(chan string, 1)
	go func() {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil {
			answered <- "n"
			return
		}
		answered <- strings.ToLower(strings.TrimSpace(line))
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case answer := <-answered:
		if answer == "" || answer == "y" || answer == "yes" {
			return nil
		}
		return signer.ErrUnlockDenied
	}
}
