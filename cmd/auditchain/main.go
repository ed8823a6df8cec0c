// Package main is the CLI entry point for auditchain, a tamper-evident,
// hash-chained audit log.
//
// Events are appended to day-partitioned JSONL files under the audit
// directory. Every entry carries the hash of the entry before it, so any edit,
// insertion, or deletion is detected by `auditchain verify`. Sensitive
// payloads are encrypted at rest with AES-256-GCM.
//
// CLI commands (cobra):
//
//	auditchain init              - Create config, optional keyring key, and the chain
//	auditchain record            - Append one event
//	auditchain entries           - Query entries by range, type, and user
//	auditchain verify            - Verify hash chain integrity
//	auditchain report            - Compliance report (json, csv, pdf placeholder)
//	auditchain tail [-f]         - Show recent entries, optionally following
//	auditchain reindex           - Backfill or rebuild the query index
//	auditchain serve             - HTTP API, live stream, and metrics
//	auditchain config            - Show or generate configuration
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/shelfwise/auditchain/internal/audit"
	"github.com/shelfwise/auditchain/internal/config"
	"github.com/shelfwise/auditchain/internal/crypto"
	"github.com/shelfwise/auditchain/internal/keyring"
	"github.com/shelfwise/auditchain/internal/logging"
	"github.com/shelfwise/auditchain/internal/server"
)

// Build-time variables injected via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123 -X main.buildDate=2026-10-19"
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// defaultConfigDir returns ~/.auditchain, where config.yaml lives. The audit
// and index directories default to subdirectories of it.
func defaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".auditchain"
	}
	return filepath.Join(home, ".auditchain")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// ============================================================================
// Root command
// ============================================================================

// configDir is the global flag for the config directory.
var configDir string

// cfg is loaded once per invocation by the root pre-run hook.
var cfg *config.Config

func configPath() string {
	return filepath.Join(configDir, "config.yaml")
}

var rootCmd = &cobra.Command{
	Use:   "auditchain",
	Short: "Tamper-evident, hash-chained audit log",
	Long: `auditchain records security-relevant events in an append-only,
hash-chained log. Each entry's hash covers the previous entry's hash, so
editing, inserting, or deleting entries is detected by 'auditchain verify'.

Run 'auditchain init' to create a configuration and start a chain.`,
	Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(configPath())
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cfg = loaded
		if _, err := logging.Init(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format}); err != nil {
			return fmt.Errorf("failed to initialize logging: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&configDir,
		"config-dir",
		defaultConfigDir(),
		"Path to the auditchain config directory",
	)

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(recordCmd)
	rootCmd.AddCommand(entriesCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(reportCmd)
	rootCmd.AddCommand(tailCmd)
	rootCmd.AddCommand(reindexCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(configCmd)
}

// ============================================================================
// Wiring shared by all commands
// ============================================================================

// openLog opens the audit log described by cfg. Readers open read-only so
// they can run next to `auditchain serve`; queueSize 0 indexes each entry
// before Record returns.
func openLog(readOnly bool, queueSize int) (*audit.Log, error) {
	enc, err := loadEncryptor()
	if err != nil {
		return nil, err
	}
	redactor, err := audit.NewRedactor(cfg.Audit.RedactHeaders)
	if err != nil {
		return nil, fmt.Errorf("invalid audit.redact_headers: %w", err)
	}
	idx, err := openIndex(readOnly)
	if err != nil {
		return nil, err
	}

	l, err := audit.Open(audit.Options{
		Dir:            cfg.Audit.Dir,
		MaxFileSize:    cfg.Audit.MaxFileSize,
		MaxFiles:       cfg.Audit.MaxFiles,
		Compress:       cfg.Audit.Compress,
		Index:          idx,
		IndexQueueSize: queueSize,
		Encryptor:      enc,
		Classifier:     audit.NewKeywordClassifier(cfg.Audit.SensitiveKeywords...),
		Redactor:       redactor,
		ReadOnly:       readOnly,
	})
	switch {
	case errors.Is(err, audit.ErrLogLocked):
		return nil, fmt.Errorf("%w (if 'auditchain serve' is running, record through its API)", err)
	case errors.Is(err, audit.ErrServiceNotInitialized) && readOnly:
		return nil, fmt.Errorf("%w (run 'auditchain init' first)", err)
	case err != nil:
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	return l, nil
}

// openIndex opens the configured index backend. A reader that cannot open
// the index (Badger allows one process at a time) falls back to scanning
// the log files.
func openIndex(readOnly bool) (audit.Index, error) {
	var (
		idx audit.Index
		err error
	)
	switch cfg.Index.Backend {
	case config.IndexNone:
		return nil, nil
	case config.IndexBadger:
		var b *audit.BadgerIndex
		if b, err = audit.OpenBadgerIndex(cfg.Index.Path, cfg.Index.TTL); err == nil {
			idx = b
		}
	case config.IndexSQLite:
		var s *audit.SQLiteIndex
		if s, err = audit.OpenSQLiteIndex(cfg.Index.Path, cfg.Index.TTL); err == nil {
			idx = s
		}
	default:
		return nil, fmt.Errorf("unknown index backend %q", cfg.Index.Backend)
	}

	if err != nil {
		if readOnly {
			slog.Debug("index unavailable, scanning log files", "backend", cfg.Index.Backend, "error", err)
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open %s index: %w", cfg.Index.Backend, err)
	}
	return idx, nil
}

// loadEncryptor builds the payload encryptor from the configured key
// material. No key configured means sensitive events cannot be recorded.
func loadEncryptor() (*crypto.Encryptor, error) {
	material, err := keyMaterial()
	if err != nil {
		return nil, err
	}
	if material == nil {
		return nil, nil
	}
	defer crypto.ClearBytes(material)

	enc, err := crypto.NewEncryptor(material)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize encryption: %w", err)
	}
	return enc, nil
}

func keyMaterial() ([]byte, error) {
	if cfg.Encryption.Key != "" {
		return []byte(cfg.Encryption.Key), nil
	}
	if !cfg.Encryption.Keyring {
		slog.Debug("no encryption key configured; sensitive events will be rejected")
		return nil, nil
	}
	key, err := keyring.GetKey(cfg.Encryption.KeyringAccount)
	if errors.Is(err, keyring.ErrNotFound) {
		slog.Warn("keyring enabled but no key stored; run 'auditchain init --keyring'", "account", cfg.Encryption.KeyringAccount)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return key, nil
}

// parseRange reads --start/--end style flag values.
func parseRange(start, end string) (time.Time, time.Time, error) {
	now := time.Now()
	s, err := audit.ParseTimeBound(start, now, false)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	e, err := audit.ParseTimeBound(end, now, true)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return s, e, nil
}

// ============================================================================
// auditchain init - Create configuration and chain
// ============================================================================

var (
	initKeyring bool
	initForce   bool
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create config.yaml, an optional keyring key, and the audit chain",
	Long: `Create the config directory and a default config.yaml (if missing),
then open the audit directory, which creates chain.json with a fresh genesis.

With --keyring, a random encryption key is generated and stored in the OS
keyring. Set encryption.keyring: true in config.yaml to use it.`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initKeyring, "keyring", false, "Generate an encryption key and store it in the OS keyring")
	initCmd.Flags().BoolVar(&initForce, "force", false, "Replace an existing keyring key (entries sealed with it become unreadable)")
}

func runInit(cmd *cobra.Command, args []string) error {
	path := configPath()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := config.WriteDefault(path); err != nil {
			return fmt.Errorf("failed to write default config: %w", err)
		}
		fmt.Printf("[auditchain] Wrote default config to %s\n", path)
		if cfg, err = config.Load(path); err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
	}

	if initKeyring {
		account := cfg.Encryption.KeyringAccount
		if keyring.HasKey(account) && !initForce {
			fmt.Printf("[auditchain] Keyring already holds a key for %q (use --force to replace it)\n", account)
		} else {
			key, err := crypto.GenerateKey(crypto.KeySize)
			if err != nil {
				return err
			}
			err = keyring.SaveKey(account, key)
			crypto.ClearBytes(key)
			if err != nil {
				return err
			}
			fmt.Printf("[auditchain] Stored a new encryption key in the OS keyring (account %q)\n", account)
		}
		if !cfg.Encryption.Keyring {
			fmt.Println("[auditchain] Set encryption.keyring: true in config.yaml to use it")
		}
	} else if cfg.Encryption.Key == "" && !cfg.Encryption.Keyring {
		fmt.Println("[auditchain] No encryption key configured: sensitive events will be rejected.")
		fmt.Println("             Use 'auditchain init --keyring' or set AUDITCHAIN_ENCRYPTION_KEY.")
	}

	l, err := openLog(false, 0)
	if err != nil {
		return err
	}
	defer l.Close()

	st := l.ChainState()
	fmt.Printf("[auditchain] Audit chain ready in %s\n", cfg.Audit.Dir)
	fmt.Printf("  Sequence: %d\n", st.Sequence)
	fmt.Printf("  Genesis:  %s\n", st.Genesis)
	return nil
}

// ============================================================================
// auditchain record - Append one event
// ============================================================================

var (
	recordType     string
	recordSeverity string
	recordUser     string
	recordDetails  string
)

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Append an event to the audit chain",
	Long: `Append one event. Details are a JSON object. Events whose content
matches a sensitive keyword are encrypted at rest.

Examples:
  auditchain record --type login_failure --severity medium --user u1 --details '{"reason":"bad_password"}'
  auditchain record --type config_changed --severity high`,
	RunE: func(cmd *cobra.Command, args []string) error {
		severity, err := audit.ParseSeverity(recordSeverity)
		if err != nil {
			return err
		}
		var details map[string]any
		if recordDetails != "" {
			dec := json.NewDecoder(strings.NewReader(recordDetails))
			dec.UseNumber()
			if err := dec.Decode(&details); err != nil {
				return fmt.Errorf("--details must be a JSON object: %w", err)
			}
		}

		l, err := openLog(false, 0)
		if err != nil {
			return err
		}
		defer l.Close()

		e, err := l.Record(cmd.Context(), audit.RecordInput{
			EventType: recordType,
			Severity:  severity,
			Details:   details,
			UserID:    recordUser,
		})
		if err != nil {
			return fmt.Errorf("failed to record event: %w", err)
		}
		fmt.Printf("[auditchain] Recorded #%d %s (correlation id %s)\n", e.Sequence, e.EventType, e.CorrelationID)
		if e.Encrypted {
			fmt.Println("  Details encrypted at rest")
		}
		return nil
	},
}

func init() {
	recordCmd.Flags().StringVar(&recordType, "type", "", "Event type (required)")
	recordCmd.Flags().StringVar(&recordSeverity, "severity", string(audit.SeverityLow), "Severity: low, medium, high, critical")
	recordCmd.Flags().StringVar(&recordUser, "user", "", "User id")
	recordCmd.Flags().StringVar(&recordDetails, "details", "", "Event details as a JSON object")
	recordCmd.MarkFlagRequired("type")
}

// ============================================================================
// auditchain entries - Query entries
// ============================================================================

var (
	entriesStart  string
	entriesEnd    string
	entriesType   string
	entriesUser   string
	entriesSource string
	entriesLimit  int
	entriesJSON   bool
)

var entriesCmd = &cobra.Command{
	Use:   "entries",
	Short: "Query audit entries",
	Long: `Query entries in a time range, optionally filtered by event type and
user. Bounds accept RFC 3339 times, UTC days (2026-03-01), or durations
before now (24h).

Examples:
  auditchain entries --start 24h --type login_failure
  auditchain entries --start 2026-03-01 --end 2026-03-07 --user u1 --json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		start, end, err := parseRange(entriesStart, entriesEnd)
		if err != nil {
			return err
		}
		source, err := audit.ParseSource(entriesSource)
		if err != nil {
			return err
		}

		l, err := openLog(true, 0)
		if err != nil {
			return err
		}
		defer l.Close()

		res, err := l.Query(cmd.Context(), audit.Query{
			Start:     start,
			End:       end,
			EventType: entriesType,
			UserID:    entriesUser,
			Source:    source,
		})
		if err != nil {
			return fmt.Errorf("audit query failed: %w", err)
		}
		for _, w := range res.Warnings {
			fmt.Fprintf(os.Stderr, "[auditchain] Warning: %s\n", w)
		}

		entries := newest(res.Entries, entriesLimit)
		if len(entries) == 0 && !entriesJSON {
			fmt.Println("No matching audit entries found.")
			return nil
		}
		if err := printEntries(os.Stdout, entries, entriesJSON); err != nil {
			return err
		}
		if !entriesJSON {
			fmt.Printf("\n%d of %d entries shown (source: %s).\n", len(entries), len(res.Entries), res.Source)
		}
		return nil
	},
}

func init() {
	entriesCmd.Flags().StringVar(&entriesStart, "start", "", "Range start (default: beginning of the log)")
	entriesCmd.Flags().StringVar(&entriesEnd, "end", "", "Range end (default: now)")
	entriesCmd.Flags().StringVar(&entriesType, "type", "", "Filter by event type")
	entriesCmd.Flags().StringVar(&entriesUser, "user", "", "Filter by user id")
	entriesCmd.Flags().StringVar(&entriesSource, "source", "auto", "Read from: auto, index, log")
	entriesCmd.Flags().IntVar(&entriesLimit, "limit", 50, "Show at most this many of the newest entries (0 = all)")
	entriesCmd.Flags().BoolVar(&entriesJSON, "json", false, "Print entries as JSON lines")
}

// ============================================================================
// auditchain verify - Verify chain integrity
// ============================================================================

var (
	verifyStart  string
	verifyEnd    string
	verifySource string
	verifyJSON   bool
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify hash chain integrity",
	Long: `Recompute every entry's hash in the range and check that each entry
links to its predecessor. Any edited, inserted, or deleted entry is
reported with its sequence number. Exits non-zero when verification fails.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		start, end, err := parseRange(verifyStart, verifyEnd)
		if err != nil {
			return err
		}
		source, err := audit.ParseSource(verifySource)
		if err != nil {
			return err
		}

		l, err := openLog(true, 0)
		if err != nil {
			return err
		}
		defer l.Close()

		vr, err := l.VerifyQuery(cmd.Context(), audit.Query{Start: start, End: end, Source: source})
		if err != nil {
			return fmt.Errorf("verification failed: %w", err)
		}

		if verifyJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(vr); err != nil {
				return err
			}
		} else if vr.Verified {
			fmt.Printf("[auditchain] Hash chain VALID (%d entries verified)\n", vr.VerifiedEntries)
		} else {
			fmt.Printf("[auditchain] Hash chain INVALID (%d of %d entries verified)\n", vr.VerifiedEntries, vr.TotalEntries)
			for _, f := range vr.Failures {
				fmt.Printf("  #%d %s\n", f.Sequence, f.Reason)
				fmt.Printf("    Expected: %s\n", f.Expected)
				fmt.Printf("    Actual:   %s\n", f.Actual)
			}
			for _, e := range vr.Errors {
				fmt.Printf("  error: %s\n", e)
			}
		}

		if !vr.Verified {
			return errors.New("audit chain integrity violation detected")
		}
		return nil
	},
}

func init() {
	verifyCmd.Flags().StringVar(&verifyStart, "start", "", "Range start (default: beginning of the log)")
	verifyCmd.Flags().StringVar(&verifyEnd, "end", "", "Range end (default: now)")
	verifyCmd.Flags().StringVar(&verifySource, "source", "log", "Read from: auto, index, log")
	verifyCmd.Flags().BoolVar(&verifyJSON, "json", false, "Print the verification result as JSON")
}

// ============================================================================
// auditchain report - Compliance report
// ============================================================================

var (
	reportStart  string
	reportEnd    string
	reportFormat string
	reportOutput string
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Generate a compliance report",
	Long: `Summarize a time range by event type, severity, and user, with the
range's verification result. Formats: json, csv, pdf (a placeholder
describing the document; use json or csv for the data).

Example:
  auditchain report --start 2026-03-01 --end 2026-03-31 --format csv -o march.csv`,
	RunE: func(cmd *cobra.Command, args []string) error {
		start, end, err := parseRange(reportStart, reportEnd)
		if err != nil {
			return err
		}
		format, err := audit.ParseReportFormat(reportFormat)
		if err != nil {
			return err
		}

		l, err := openLog(true, 0)
		if err != nil {
			return err
		}
		defer l.Close()

		report, err := l.GenerateReport(cmd.Context(), start, end, format)
		if err != nil {
			return fmt.Errorf("failed to generate report: %w", err)
		}

		var out io.Writer = os.Stdout
		if reportOutput != "" && reportOutput != "-" {
			f, err := os.OpenFile(reportOutput, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
			if err != nil {
				return fmt.Errorf("failed to create %s: %w", reportOutput, err)
			}
			defer f.Close()
			out = f
		}
		if err := report.Render(out); err != nil {
			return fmt.Errorf("failed to write report: %w", err)
		}
		if out != os.Stdout {
			fmt.Printf("[auditchain] Wrote %s report (%d events) to %s\n", format, report.Summary.TotalEvents, reportOutput)
		}
		return nil
	},
}

func init() {
	reportCmd.Flags().StringVar(&reportStart, "start", "", "Range start (default: beginning of the log)")
	reportCmd.Flags().StringVar(&reportEnd, "end", "", "Range end (default: now)")
	reportCmd.Flags().StringVar(&reportFormat, "format", "json", "Report format: json, csv, pdf")
	reportCmd.Flags().StringVarP(&reportOutput, "output", "o", "", "Write to file instead of stdout")
}

// ============================================================================
// auditchain tail - Recent entries
// ============================================================================

var (
	tailFollow bool
	tailLimit  int
)

var tailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Show recent audit entries",
	Long:  `Show the most recent audit entries. Use -f to follow new entries as they are written (like tail -f).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		l, err := openLog(true, 0)
		if err != nil {
			return err
		}
		defer l.Close()

		entries, err := l.GetEntries(cmd.Context(), audit.Query{Source: audit.SourceLog})
		if err != nil {
			return fmt.Errorf("failed to read audit log: %w", err)
		}
		if err := printEntries(os.Stdout, newest(entries, tailLimit), false); err != nil {
			return err
		}

		if !tailFollow {
			return nil
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		err = l.Follow(ctx, func(e *audit.Entry) {
			printEntry(os.Stdout, e)
		})
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	},
}

func init() {
	tailCmd.Flags().BoolVarP(&tailFollow, "follow", "f", false, "Follow new entries in real-time")
	tailCmd.Flags().IntVarP(&tailLimit, "limit", "n", 20, "Number of recent entries to show")
}

// ============================================================================
// auditchain reindex - Backfill or rebuild the index
// ============================================================================

var reindexRebuild bool

var reindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Backfill the query index from the log files",
	Long: `Store every logged entry the index has not seen. With --rebuild the
index is deleted first and rebuilt from scratch. Entries older than
index.ttl are not indexed.

Needs exclusive access: stop 'auditchain serve' first.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.Index.Backend == config.IndexNone {
			return errors.New("index.backend is none; nothing to reindex")
		}

		if reindexRebuild {
			// Make sure no writer owns the directory before deleting its index.
			check, err := audit.Open(audit.Options{Dir: cfg.Audit.Dir})
			if err != nil {
				return fmt.Errorf("failed to open audit log: %w", err)
			}
			check.Close()
			if err := os.RemoveAll(cfg.Index.Path); err != nil {
				return fmt.Errorf("failed to remove index %s: %w", cfg.Index.Path, err)
			}
			fmt.Printf("[auditchain] Removed %s index at %s\n", cfg.Index.Backend, cfg.Index.Path)
		}

		start := time.Now()
		// Open backfills the index before returning.
		l, err := openLog(false, 0)
		if err != nil {
			return err
		}
		defer l.Close()

		n, err := l.Reindex(cmd.Context())
		if err != nil {
			return fmt.Errorf("reindex failed: %w", err)
		}
		fmt.Printf("[auditchain] Index up to date at sequence %d (%d gaps filled, %s)\n",
			l.ChainState().Sequence, n, time.Since(start).Round(time.Millisecond))
		return nil
	},
}

func init() {
	reindexCmd.Flags().BoolVar(&reindexRebuild, "rebuild", false, "Delete the index and rebuild it from the log files")
}

// ============================================================================
// auditchain serve - HTTP API
// ============================================================================

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the audit HTTP API",
	Long: `Own the audit log and serve it over HTTP on server.host:server.port
(default 127.0.0.1:3200):

  POST /api/v1/events    record an event
  GET  /api/v1/entries   query entries
  GET  /api/v1/verify    verify a range
  GET  /api/v1/report    compliance report
  GET  /api/v1/stream    WebSocket live feed
  GET  /healthz          chain status
  GET  /metrics          Prometheus metrics

Changes to audit.max_file_size and audit.max_files in config.yaml are
applied without a restart.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory %s: %w", configDir, err)
	}

	l, err := openLog(false, cfg.Index.QueueSize)
	if err != nil {
		return err
	}
	defer l.Close()

	recordLifecycle(l, "audit_service_started", map[string]any{
		"version": version,
		"commit":  commit,
		"host":    cfg.Server.Host,
		"port":    cfg.Server.Port,
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := server.New(server.Options{Log: l, Addr: addr, Version: version})

	watcher, err := config.NewWatcher(configPath(), func(updated *config.Config) {
		l.SetRetention(updated.Audit.MaxFileSize, updated.Audit.MaxFiles)
	})
	if err != nil {
		return fmt.Errorf("failed to start config watcher: %w", err)
	}
	defer watcher.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		fmt.Printf("[auditchain] Listening on http://%s\n", addr)
		fmt.Println("[auditchain] Press Ctrl+C to stop")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		fmt.Println("\n[auditchain] Shutting down (signal received)...")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "[auditchain] Shutdown error: %v\n", err)
	}

	recordLifecycle(l, "audit_service_stopped", nil)
	if err := l.Flush(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "[auditchain] Index flush incomplete: %v\n", err)
	}

	fmt.Println("[auditchain] Stopped")
	return nil
}

// recordLifecycle records a service event. Failure is logged, not fatal.
func recordLifecycle(l *audit.Log, eventType string, details map[string]any) {
	_, err := l.Record(context.Background(), audit.RecordInput{
		EventType: eventType,
		Severity:  audit.SeverityLow,
		Details:   details,
	})
	if err != nil {
		slog.Error("failed to record lifecycle event", "event_type", eventType, "error", err)
	}
}

// ============================================================================
// auditchain config - Configuration management
// ============================================================================

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or generate configuration",
	Long: `Manage the auditchain configuration. The config file lives at
~/.auditchain/config.yaml; every value can be overridden with an
AUDITCHAIN_<SECTION>_<FIELD> environment variable.`,
}

var configGenerateForce bool

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configGenerateCmd)
	configGenerateCmd.Flags().BoolVar(&configGenerateForce, "force", false, "Overwrite an existing config.yaml")
}

// configShowCmd prints the effective configuration (file plus environment)
// with the encryption key masked.
var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		shown := *cfg
		if shown.Encryption.Key != "" {
			shown.Encryption.Key = "********"
		}
		data, err := yaml.Marshal(&shown)
		if err != nil {
			return fmt.Errorf("failed to marshal config: %w", err)
		}
		if _, err := os.Stat(configPath()); os.IsNotExist(err) {
			fmt.Printf("# No config file at %s; showing defaults\n", configPath())
		}
		fmt.Print(string(data))
		return nil
	},
}

var configGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Write a default config.yaml",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := configPath()
		if _, err := os.Stat(path); err == nil && !configGenerateForce {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
		if err := config.WriteDefault(path); err != nil {
			return fmt.Errorf("failed to write config: %w", err)
		}
		fmt.Printf("[auditchain] Wrote default config to %s\n", path)
		return nil
	},
}

// ============================================================================
// Output helpers
// ============================================================================

// newest returns the last n entries; n <= 0 returns all.
func newest(entries []*audit.Entry, n int) []*audit.Entry {
	if n > 0 && len(entries) > n {
		return entries[len(entries)-n:]
	}
	return entries
}

func printEntries(w io.Writer, entries []*audit.Entry, asJSON bool) error {
	for _, e := range entries {
		if !asJSON {
			printEntry(w, e)
			continue
		}
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("failed to marshal entry %d: %w", e.Sequence, err)
		}
		fmt.Fprintln(w, string(data))
	}
	return nil
}

// printEntry formats one entry on a single line.
func printEntry(w io.Writer, e *audit.Entry) {
	user := e.UserID
	if user == "" {
		user = "-"
	}
	details := "{}"
	switch {
	case e.Encrypted && e.Details == nil:
		details = "<encrypted>"
	case len(e.Details) > 0:
		if data, err := json.Marshal(e.Details); err == nil {
			details = string(data)
		}
	}
	fmt.Fprintf(w, "#%-6d [%s] %-8s %-24s user=%-12s %s\n",
		e.Sequence, e.Timestamp.Format(time.RFC3339), strings.ToUpper(string(e.Severity)), e.EventType, user, details)
}
