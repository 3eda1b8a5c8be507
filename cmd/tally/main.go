package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/tallyhq/tally/pkg/config"
	"github.com/tallyhq/tally/pkg/daemon"
	"github.com/tallyhq/tally/pkg/knowledge"
	"github.com/tallyhq/tally/pkg/log"
	"github.com/tallyhq/tally/pkg/privacy"
	"github.com/tallyhq/tally/pkg/reports"
	"github.com/tallyhq/tally/pkg/storage"
	"github.com/tallyhq/tally/pkg/types"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "tally",
	Short: "Tally - Automated bookkeeping daemon",
	Long: `Tally watches a drop folder for invoices, receipts and statements,
classifies every document against a local rule base (escalating to an
external reasoning service only when the rules come up short), audits each
proposal, and posts it to a hash-chained append-only ledger.

A single binary, a single embedded store, no external services required.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Tally version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("data-dir", "./tally-data", "Data directory for the ledger store")
	rootCmd.PersistentFlags().String("config", "", "Path to the YAML configuration file")

	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(ledgerCmd)
	rootCmd.AddCommand(snapshotCmd)
	rootCmd.AddCommand(rulesCmd)
}

// loadConfig reads the configuration for a command invocation. A missing
// file is fine; defaults plus LEDGER_* environment overrides apply.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	return config.Load(path)
}

// openStore opens the ledger store for an inspection or repair command.
func openStore(cmd *cobra.Command, readOnly bool) (*storage.BoltStore, error) {
	dataDir, _ := cmd.Flags().GetString("data-dir")
	return storage.NewBoltStore(dataDir, storage.Options{
		BusyTimeout: 5 * time.Second,
		ReadOnly:    readOnly,
	})
}

// Daemon commands

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the bookkeeping daemon",
}

var daemonStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the daemon and supervise the worker set",
	Long: `Start the full worker set: interaction hub, outbox dispatcher,
webhook server, bookkeeping pipeline, match engine and collector.

The process blocks until SIGINT or SIGTERM; SIGHUP reloads the
configuration file in place.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return fmt.Errorf("failed to load config: %v", err)
		}
		dataDir, _ := cmd.Flags().GetString("data-dir")

		log.Init(log.Config{
			Level:      log.Level(cfg.Log.Level),
			JSONOutput: cfg.Log.JSON,
			Redactor:   privacy.NewGuard(),
		})

		fmt.Println("Starting Tally daemon...")
		fmt.Printf("  Data Directory: %s\n", dataDir)
		fmt.Printf("  Drop Folder:    %s\n", cfg.Collector.DropDir)
		fmt.Printf("  Webhook:        %s\n", cfg.Interaction.ListenAddr)
		fmt.Println()

		d, err := daemon.New(cfg, dataDir)
		if err != nil {
			return fmt.Errorf("failed to build daemon: %v", err)
		}
		if err := d.Start(context.Background()); err != nil {
			return fmt.Errorf("failed to start daemon: %v", err)
		}
		fmt.Println("✓ All workers booted")
		fmt.Println()
		fmt.Println("Daemon is running. Press Ctrl+C to stop.")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
		for {
			sig := <-sigCh
			if sig == syscall.SIGHUP {
				fresh, err := loadConfig(cmd)
				if err != nil {
					fmt.Fprintf(os.Stderr, "Reload failed: %v\n", err)
					continue
				}
				d.Reload(fresh)
				fmt.Println("✓ Configuration reloaded")
				continue
			}
			break
		}

		fmt.Println("\nShutting down...")
		if err := d.Shutdown(cfg.Daemon.GraceShutdown()); err != nil {
			return fmt.Errorf("shutdown incomplete: %v", err)
		}
		fmt.Println("✓ Shutdown complete")
		return nil
	},
}

func init() {
	daemonCmd.AddCommand(daemonStartCmd)
}

// Ledger commands

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Inspect and verify the ledger",
}

var ledgerVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Recompute the hash chain and report the first break",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore(cmd, false)
		if err != nil {
			return fmt.Errorf("failed to open store: %v", err)
		}
		defer s.Close()

		head, headHash, err := s.ChainHead()
		if err != nil {
			return err
		}
		if head == 0 {
			fmt.Println("Ledger is empty; nothing to verify.")
			return nil
		}

		from, _ := cmd.Flags().GetUint64("from")
		to, _ := cmd.Flags().GetUint64("to")
		if from == 0 {
			from = 1
		}
		if to == 0 || to > head {
			to = head
		}

		fmt.Printf("Verifying entries %d..%d (head %d, hash %.12s...)\n", from, to, head, headHash)
		breakSeq, err := s.VerifyChain(from, to)
		if err != nil {
			return fmt.Errorf("verification failed: %v", err)
		}
		if breakSeq != 0 {
			fmt.Printf("✗ Chain BROKEN at entry %d\n", breakSeq)
			fmt.Println("  Appends are latched off. Recover with 'tally snapshot restore'")
			fmt.Println("  or lift the latch explicitly with 'tally ledger verify --clear-break'.")
			return fmt.Errorf("chain broken at entry %d", breakSeq)
		}

		fmt.Printf("✓ Chain intact over %d entries\n", to-from+1)

		if clear, _ := cmd.Flags().GetBool("clear-break"); clear {
			if broken, brk := s.ChainBroken(); broken {
				if err := s.ClearChainBreak(); err != nil {
					return fmt.Errorf("failed to clear break latch: %v", err)
				}
				fmt.Printf("✓ Break latch cleared (was: %v)\n", brk)
			}
		}
		return nil
	},
}

var ledgerTrialBalanceCmd = &cobra.Command{
	Use:   "trial-balance",
	Short: "Sum posted amounts per account category",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore(cmd, true)
		if err != nil {
			return fmt.Errorf("failed to open store: %v", err)
		}
		defer s.Close()

		totals, err := s.TrialBalance()
		if err != nil {
			return err
		}
		if len(totals) == 0 {
			fmt.Println("No posted entries.")
			return nil
		}

		categories := make([]string, 0, len(totals))
		for c := range totals {
			categories = append(categories, c)
		}
		sort.Strings(categories)

		grand := decimal.Zero
		fmt.Printf("%-12s %16s\n", "CATEGORY", "TOTAL")
		for _, c := range categories {
			fmt.Printf("%-12s %16s\n", c, totals[c].StringFixed(2))
			grand = grand.Add(totals[c])
		}
		fmt.Printf("%-12s %16s\n", "TOTAL", grand.StringFixed(2))
		return nil
	},
}

func init() {
	ledgerCmd.AddCommand(ledgerVerifyCmd)
	ledgerCmd.AddCommand(ledgerTrialBalanceCmd)

	ledgerVerifyCmd.Flags().Uint64("from", 0, "First entry to verify (default: 1)")
	ledgerVerifyCmd.Flags().Uint64("to", 0, "Last entry to verify (default: chain head)")
	ledgerVerifyCmd.Flags().Bool("clear-break", false, "Lift the append latch after a clean verification")
}

// Snapshot commands

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Manage point-in-time store snapshots",
}

var snapshotCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Write a consistent copy of the store",
	RunE: func(cmd *cobra.Command, args []string) error {
		desc, _ := cmd.Flags().GetString("message")

		s, err := openStore(cmd, false)
		if err != nil {
			return fmt.Errorf("failed to open store: %v", err)
		}
		defer s.Close()

		info, err := s.Snapshot(desc)
		if err != nil {
			return fmt.Errorf("snapshot failed: %v", err)
		}
		fmt.Printf("✓ Snapshot %s created (%d bytes)\n", info.SnapshotID, info.SizeBytes)
		fmt.Printf("  %s\n", info.Path)
		return nil
	},
}

var snapshotListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded snapshots",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore(cmd, true)
		if err != nil {
			return fmt.Errorf("failed to open store: %v", err)
		}
		defer s.Close()

		snaps, err := s.ListSnapshots()
		if err != nil {
			return err
		}
		if len(snaps) == 0 {
			fmt.Println("No snapshots.")
			return nil
		}
		fmt.Printf("%-24s %-20s %12s  %s\n", "ID", "CREATED", "SIZE", "DESCRIPTION")
		for _, sn := range snaps {
			created := types.TimeFromMillis(sn.CreatedAt).Format("2006-01-02 15:04:05")
			fmt.Printf("%-24s %-20s %12d  %s\n", sn.SnapshotID, created, sn.SizeBytes, sn.Description)
		}
		return nil
	},
}

var snapshotRestoreCmd = &cobra.Command{
	Use:   "restore SNAPSHOT_ID",
	Short: "Replace the store with a snapshot",
	Long: `Replace the live database file with the named snapshot.

The daemon must not be running. The current file is set aside before the
swap, so a failed restore never loses the live store.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore(cmd, false)
		if err != nil {
			return fmt.Errorf("failed to open store: %v", err)
		}
		defer s.Close()

		fmt.Printf("Restoring snapshot %s...\n", args[0])
		if err := s.RollbackTo(args[0]); err != nil {
			return fmt.Errorf("restore failed: %v", err)
		}
		fmt.Println("✓ Store restored")
		return nil
	},
}

func init() {
	snapshotCmd.AddCommand(snapshotCreateCmd)
	snapshotCmd.AddCommand(snapshotListCmd)
	snapshotCmd.AddCommand(snapshotRestoreCmd)

	snapshotCreateCmd.Flags().StringP("message", "m", "", "Snapshot description")
}

// Rules commands

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Inspect and sync the classification rule base",
}

var rulesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List rules with hit counts and quality scores",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore(cmd, true)
		if err != nil {
			return fmt.Errorf("failed to open store: %v", err)
		}
		defer s.Close()

		rules, err := s.ListRules()
		if err != nil {
			return err
		}
		if len(rules) == 0 {
			fmt.Println("No rules.")
			return nil
		}
		sort.Slice(rules, func(i, j int) bool { return rules[i].Priority > rules[j].Priority })

		fmt.Printf("%-18s %-8s %-10s %-20s %5s %7s %7s\n",
			"ID", "LEVEL", "CATEGORY", "KEYWORD", "HITS", "REJECT", "QUALITY")
		for _, r := range rules {
			fmt.Printf("%-18s %-8s %-10s %-20s %5d %7d %7.2f\n",
				r.RuleID, r.AuditLevel, r.ProposedCategory, r.KeywordPattern,
				r.HitCount, r.RejectCount, knowledge.QualityScore(r))
		}
		return nil
	},
}

var rulesSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Export the rule base to YAML, or seed it from a file",
	RunE: func(cmd *cobra.Command, args []string) error {
		out, _ := cmd.Flags().GetString("out")
		seed, _ := cmd.Flags().GetString("seed")

		s, err := openStore(cmd, false)
		if err != nil {
			return fmt.Errorf("failed to open store: %v", err)
		}
		defer s.Close()

		bridge, err := knowledge.New(s)
		if err != nil {
			return fmt.Errorf("failed to load rules: %v", err)
		}

		if seed != "" {
			added, err := bridge.LoadSeedFile(seed)
			if err != nil {
				return fmt.Errorf("seed failed: %v", err)
			}
			fmt.Printf("✓ %d rules seeded from %s\n", added, seed)
		}

		if out != "" {
			n, err := bridge.SyncToFile(out)
			if err != nil {
				return fmt.Errorf("sync failed: %v", err)
			}
			fmt.Printf("✓ %d rules exported to %s\n", n, out)
		}

		if seed == "" && out == "" {
			return fmt.Errorf("nothing to do: pass --out and/or --seed")
		}
		return nil
	},
}

func init() {
	rulesCmd.AddCommand(rulesListCmd)
	rulesCmd.AddCommand(rulesSyncCmd)

	rulesSyncCmd.Flags().String("out", "", "Export the rule base as YAML to this path")
	rulesSyncCmd.Flags().String("seed", "", "Import rules from a YAML seed file first")
}

// Export and forecast commands

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the audited ledger as CSV, JSON, or a markdown report",
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")
		out, _ := cmd.Flags().GetString("out")
		limit, _ := cmd.Flags().GetInt("limit")
		operator, _ := cmd.Flags().GetString("operator")

		s, err := openStore(cmd, false)
		if err != nil {
			return fmt.Errorf("failed to open store: %v", err)
		}
		defer s.Close()

		if out == "" {
			ext := format
			if format == reports.FormatReport {
				ext = "md"
			}
			out = fmt.Sprintf("ledger_export_%s.%s", time.Now().Format("20060102_150405"), ext)
		}

		exporter := reports.NewExporter(s, operator)
		var rec *types.ExportRecord
		switch format {
		case reports.FormatCSV:
			rec, err = exporter.ExportCSV(out, limit)
		case reports.FormatJSON:
			rec, err = exporter.ExportJSON(out, limit)
		case reports.FormatReport:
			balance, ferr := flagDecimal(cmd, "balance")
			if ferr != nil {
				return ferr
			}
			fixed, ferr := flagDecimal(cmd, "fixed-monthly")
			if ferr != nil {
				return ferr
			}
			fc, perr := reports.NewPredictor(s).Predict(balance, fixed)
			if perr != nil {
				return fmt.Errorf("forecast failed: %v", perr)
			}
			rec, err = exporter.ExportReport(out, limit, fc)
		default:
			return fmt.Errorf("unknown format %q: use csv, json, or report", format)
		}
		if err != nil {
			return fmt.Errorf("export failed: %v", err)
		}

		fmt.Printf("✓ %d entries exported to %s (%s)\n", rec.RecordCount, out, rec.ExportID)
		return nil
	},
}

var forecastCmd = &cobra.Command{
	Use:   "forecast",
	Short: "Project the cash position from the posted ledger",
	RunE: func(cmd *cobra.Command, args []string) error {
		balance, err := flagDecimal(cmd, "balance")
		if err != nil {
			return err
		}
		fixed, err := flagDecimal(cmd, "fixed-monthly")
		if err != nil {
			return err
		}

		s, err := openStore(cmd, true)
		if err != nil {
			return fmt.Errorf("failed to open store: %v", err)
		}
		defer s.Close()

		fc, err := reports.NewPredictor(s).Predict(balance, fixed)
		if err != nil {
			return fmt.Errorf("forecast failed: %v", err)
		}

		fmt.Println("Cash-flow Forecast")
		fmt.Printf("  Current balance:     %s\n", fc.Balance.StringFixed(2))
		fmt.Printf("  Avg daily spend:     %s\n", fc.AvgDailySpend.StringFixed(2))
		fmt.Printf("  Seasonality factor:  %.1f\n", fc.SeasonalityFactor)
		fmt.Printf("  Balance in 30 days:  %s\n", fc.PredictedBalance.StringFixed(2))
		fmt.Printf("  Days until burnout:  %.1f\n", fc.DaysUntilBurnout)
		fmt.Printf("  Status:              %s\n", fc.Status)
		fmt.Printf("\n%s\n", fc.Insight)
		if fc.Alarm {
			return fmt.Errorf("cash-flow alarm: burnout in %.1f days", fc.DaysUntilBurnout)
		}
		return nil
	},
}

func flagDecimal(cmd *cobra.Command, name string) (decimal.Decimal, error) {
	raw, _ := cmd.Flags().GetString(name)
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid --%s %q: %v", name, raw, err)
	}
	return d, nil
}

func init() {
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(forecastCmd)

	exportCmd.Flags().String("format", "csv", "Export format: csv, json, or report")
	exportCmd.Flags().String("out", "", "Output path (default: ledger_export_<timestamp>.<ext>)")
	exportCmd.Flags().Int("limit", 0, "Cap the number of exported entries (0 = all)")
	exportCmd.Flags().String("operator", "", "Operator recorded on the export audit row")
	exportCmd.Flags().String("balance", "100000", "Current cash balance for the embedded forecast")
	exportCmd.Flags().String("fixed-monthly", "50000", "Fixed monthly costs for the embedded forecast")

	forecastCmd.Flags().String("balance", "100000", "Current cash balance")
	forecastCmd.Flags().String("fixed-monthly", "50000", "Fixed monthly costs (rent, payroll)")
}
