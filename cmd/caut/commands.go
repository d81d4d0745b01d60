package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/Dicklesworthstone/caut/internal/accounts"
	"github.com/Dicklesworthstone/caut/internal/config"
	"github.com/Dicklesworthstone/caut/internal/provider"
	"github.com/Dicklesworthstone/caut/internal/storage"
	"github.com/Dicklesworthstone/caut/internal/trend"
)

// openStore opens (creating if needed) the history database.
func openStore() (*storage.Store, *config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, nil, fmt.Errorf("opening storage: %w", err)
	}
	log.Debug().Str("data_dir", cfg.Storage.DataDir).Msg("opened history database")
	return store, cfg, nil
}

// openStoreIfExists returns a nil store when no database has been created
// yet, so read-only commands can no-op instead of creating an empty one.
func openStoreIfExists() (*storage.Store, *config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	dbPath := filepath.Join(cfg.Storage.DataDir, storage.DBFileName)
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return nil, cfg, nil
	}
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, nil, fmt.Errorf("opening storage: %w", err)
	}
	return store, cfg, nil
}

func noHistoryYet() error {
	printWarning("No history database found yet. Run 'caut record' or the fetch pipeline first.")
	return nil
}

// --- record ---

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Record a usage snapshot manually",
	Long: `Record a usage snapshot manually.

Examples:
  caut record --provider claude --primary 42.5
  caut record --provider codex --primary 80 --secondary 12 --cost-today 3.75
  caut record --provider claude --primary 55 --email dev@example.com`,
	RunE: func(cmd *cobra.Command, args []string) error {
		providerName, _ := cmd.Flags().GetString("provider")
		p, err := provider.Parse(providerName)
		if err != nil {
			return err
		}

		snap := storage.Snapshot{
			FetchedAt: time.Now().UTC(),
			Source:    "manual",
			Trigger:   storage.TriggerManual,
		}

		window := func(flag string) *storage.RateWindow {
			if !cmd.Flags().Changed(flag) {
				return nil
			}
			pct, _ := cmd.Flags().GetFloat64(flag)
			return &storage.RateWindow{UsedPercent: pct}
		}
		snap.Primary = window("primary")
		snap.Secondary = window("secondary")
		snap.Tertiary = window("tertiary")

		optFloat := func(flag string) *float64 {
			if !cmd.Flags().Changed(flag) {
				return nil
			}
			v, _ := cmd.Flags().GetFloat64(flag)
			return &v
		}
		snap.CostTodayUSD = optFloat("cost-today")
		snap.CostMTDUSD = optFloat("cost-mtd")
		snap.CreditsRemaining = optFloat("credits")

		store, _, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		email, _ := cmd.Flags().GetString("email")
		if email != "" {
			snap.AccountEmail = &email
			result, err := accounts.DetectSwitch(store, p.String(), email, "", storage.SwitchManual)
			if err != nil {
				return err
			}
			snap.AccountID = &result.AccountID
			if result.Switched {
				printWarning("Account switch detected for %s", p)
			}
		}
		if org, _ := cmd.Flags().GetString("org"); org != "" {
			snap.AccountOrg = &org
		}

		id, err := store.RecordSnapshot(snap, p.String())
		if err != nil {
			return err
		}
		printSuccess("Recorded snapshot %d for %s", id, p)
		return nil
	},
}

func init() {
	recordCmd.Flags().String("provider", "", "provider name (required)")
	recordCmd.Flags().Float64("primary", 0, "primary window used percent")
	recordCmd.Flags().Float64("secondary", 0, "secondary window used percent")
	recordCmd.Flags().Float64("tertiary", 0, "tertiary window used percent")
	recordCmd.Flags().Float64("cost-today", 0, "cost today in USD")
	recordCmd.Flags().Float64("cost-mtd", 0, "cost month-to-date in USD")
	recordCmd.Flags().Float64("credits", 0, "credits remaining")
	recordCmd.Flags().String("email", "", "account email")
	recordCmd.Flags().String("org", "", "account organization")
	recordCmd.MarkFlagRequired("provider")

	rootCmd.AddCommand(recordCmd)
}

// --- history ---

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Inspect recorded usage history",
}

var historyShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show recent snapshots for a provider",
	RunE: func(cmd *cobra.Command, args []string) error {
		providerName, _ := cmd.Flags().GetString("provider")
		days, _ := cmd.Flags().GetInt("days")
		limit, _ := cmd.Flags().GetInt("limit")

		p, err := provider.Parse(providerName)
		if err != nil {
			return err
		}

		store, _, err := openStoreIfExists()
		if err != nil {
			return err
		}
		if store == nil {
			return noHistoryYet()
		}
		defer store.Close()

		now := time.Now().UTC()
		snaps, err := store.GetSnapshots(p.String(), now.AddDate(0, 0, -days), now)
		if err != nil {
			return err
		}
		if limit > 0 && len(snaps) > limit {
			snaps = snaps[:limit]
		}
		if len(snaps) == 0 {
			fmt.Printf("No snapshots for %s in the last %d days.\n", p, days)
			return nil
		}
		return render(snaps)
	},
}

var historyStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Summarize usage over a period",
	RunE: func(cmd *cobra.Command, args []string) error {
		providerName, _ := cmd.Flags().GetString("provider")
		periodName, _ := cmd.Flags().GetString("period")

		p, err := provider.Parse(providerName)
		if err != nil {
			return err
		}
		period, err := storage.ParsePeriod(periodName)
		if err != nil {
			return err
		}

		store, _, err := openStoreIfExists()
		if err != nil {
			return err
		}
		if store == nil {
			return noHistoryYet()
		}
		defer store.Close()

		stats, err := store.Stats(p.String(), period)
		if err != nil {
			return err
		}
		return render(stats)
	},
}

var historyVelocityCmd = &cobra.Command{
	Use:   "velocity",
	Short: "Show usage velocity in percent per hour",
	RunE: func(cmd *cobra.Command, args []string) error {
		providerName, _ := cmd.Flags().GetString("provider")
		hours, _ := cmd.Flags().GetInt("window")
		alpha, _ := cmd.Flags().GetFloat64("smooth")

		p, err := provider.Parse(providerName)
		if err != nil {
			return err
		}

		store, _, err := openStoreIfExists()
		if err != nil {
			return err
		}
		if store == nil {
			return noHistoryYet()
		}
		defer store.Close()

		window := time.Duration(hours) * time.Hour
		now := time.Now().UTC()
		snaps, err := store.GetSnapshots(p.String(), now.Add(-window), now)
		if err != nil {
			return err
		}

		v, ok := trend.Velocity(snaps, window)
		if !ok {
			fmt.Printf("Not enough data to compute velocity for %s.\n", p)
			return nil
		}

		out := map[string]any{
			"provider":     p.String(),
			"window_hours": hours,
			"pct_per_hour": v,
		}
		if cmd.Flags().Changed("smooth") {
			if sv, ok := trend.SmoothedVelocity(snaps, window, alpha); ok {
				out["smoothed_pct_per_hour"] = sv
			}
		}
		return render(out)
	},
}

var historyCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete snapshots older than a retention window",
	RunE: func(cmd *cobra.Command, args []string) error {
		days, _ := cmd.Flags().GetInt("days")

		store, _, err := openStoreIfExists()
		if err != nil {
			return err
		}
		if store == nil {
			return noHistoryYet()
		}
		defer store.Close()

		deleted, err := store.Cleanup(days)
		if err != nil {
			return err
		}
		printSuccess("Deleted %d snapshots older than %d days", deleted, days)
		return nil
	},
}

func init() {
	historyShowCmd.Flags().String("provider", "", "provider name (required)")
	historyShowCmd.Flags().Int("days", 7, "how many days back to show")
	historyShowCmd.Flags().Int("limit", 50, "maximum snapshots to show")
	historyShowCmd.MarkFlagRequired("provider")

	historyStatsCmd.Flags().String("provider", "", "provider name (required)")
	historyStatsCmd.Flags().String("period", "today", "period: today, yesterday, 7d, 30d, month, last-month")
	historyStatsCmd.MarkFlagRequired("provider")

	historyVelocityCmd.Flags().String("provider", "", "provider name (required)")
	historyVelocityCmd.Flags().Int("window", 3, "lookback window in hours")
	historyVelocityCmd.Flags().Float64("smooth", 0.3, "EMA smoothing factor (0-1]")
	historyVelocityCmd.MarkFlagRequired("provider")

	historyCleanupCmd.Flags().Int("days", storage.DefaultDetailedRetentionDays, "delete snapshots older than this many days")

	historyCmd.AddCommand(historyShowCmd)
	historyCmd.AddCommand(historyStatsCmd)
	historyCmd.AddCommand(historyVelocityCmd)
	historyCmd.AddCommand(historyChartCmd)
	historyCmd.AddCommand(historyCleanupCmd)
	rootCmd.AddCommand(historyCmd)
}

// --- prune ---

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Apply the retention policy to stored history",
	Long: `Apply the retention policy: aggregate detailed snapshots past the
detailed retention window into daily summaries, expire stale aggregates,
and enforce the database size ceiling.

Examples:
  caut prune --dry-run
  caut prune
  caut prune --auto`,
	RunE: func(cmd *cobra.Command, args []string) error {
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		auto, _ := cmd.Flags().GetBool("auto")

		store, cfg, err := openStoreIfExists()
		if err != nil {
			return err
		}
		if store == nil {
			return noHistoryYet()
		}
		defer store.Close()

		policy := cfg.Retention.Policy()

		if auto {
			result, err := store.MaybePrune(policy)
			if err != nil {
				return err
			}
			if result == nil {
				printStatus("Prune", "not due yet")
				return nil
			}
			return render(result)
		}

		result, err := store.Prune(policy, dryRun)
		if err != nil {
			return err
		}
		if dryRun {
			printWarning("Dry run: nothing was deleted")
		}
		return render(result)
	},
}

func init() {
	pruneCmd.Flags().Bool("dry-run", false, "report what would be pruned without deleting")
	pruneCmd.Flags().Bool("auto", false, "prune only when due per the policy interval or size ceiling")

	rootCmd.AddCommand(pruneCmd)
}

// --- accounts ---

var accountsCmd = &cobra.Command{
	Use:   "accounts",
	Short: "Manage the account registry",
}

var accountsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List active accounts",
	RunE: func(cmd *cobra.Command, args []string) error {
		providerName, _ := cmd.Flags().GetString("provider")
		return listAccounts(providerName, false)
	},
}

var accountsAllCmd = &cobra.Command{
	Use:   "all",
	Short: "List all accounts including deactivated ones",
	RunE: func(cmd *cobra.Command, args []string) error {
		providerName, _ := cmd.Flags().GetString("provider")
		return listAccounts(providerName, true)
	},
}

func listAccounts(providerName string, includeInactive bool) error {
	providerFilter := ""
	if providerName != "" {
		p, err := provider.Parse(providerName)
		if err != nil {
			return err
		}
		providerFilter = p.String()
	}

	store, _, err := openStoreIfExists()
	if err != nil {
		return err
	}
	if store == nil {
		return noHistoryYet()
	}
	defer store.Close()

	var accs []storage.Account
	if includeInactive {
		accs, err = store.ListAllAccounts(providerFilter)
	} else {
		accs, err = store.ListAccounts(providerFilter)
	}
	if err != nil {
		return err
	}
	if len(accs) == 0 {
		fmt.Println("No accounts registered.")
		return nil
	}
	return render(accs)
}

var accountsLabelCmd = &cobra.Command{
	Use:   "label <account-id> <label>",
	Short: "Set or clear an account label",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := args[0]
		label := ""
		if len(args) == 2 {
			label = args[1]
		}

		store, _, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		if err := store.SetAccountLabel(id, label); err != nil {
			return err
		}
		if label == "" {
			printSuccess("Cleared label on account %s", id)
		} else {
			printSuccess("Labeled account %s as %q", id, label)
		}
		return nil
	},
}

var accountsDeactivateCmd = &cobra.Command{
	Use:   "deactivate <account-id>",
	Short: "Deactivate an account, keeping its history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, _, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		if err := store.DeactivateAccount(args[0]); err != nil {
			return err
		}
		printSuccess("Deactivated account %s", args[0])
		return nil
	},
}

var accountsReactivateCmd = &cobra.Command{
	Use:   "reactivate <account-id>",
	Short: "Reactivate a deactivated account",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, _, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		if err := store.ReactivateAccount(args[0]); err != nil {
			return err
		}
		printSuccess("Reactivated account %s", args[0])
		return nil
	},
}

func init() {
	accountsListCmd.Flags().String("provider", "", "filter by provider")
	accountsAllCmd.Flags().String("provider", "", "filter by provider")

	accountsCmd.AddCommand(accountsListCmd)
	accountsCmd.AddCommand(accountsAllCmd)
	accountsCmd.AddCommand(accountsLabelCmd)
	accountsCmd.AddCommand(accountsDeactivateCmd)
	accountsCmd.AddCommand(accountsReactivateCmd)
	rootCmd.AddCommand(accountsCmd)
}

// --- switch-log ---

var switchLogCmd = &cobra.Command{
	Use:   "switch-log",
	Short: "Show recent account switches",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		store, _, err := openStoreIfExists()
		if err != nil {
			return err
		}
		if store == nil {
			return noHistoryYet()
		}
		defer store.Close()

		entries, err := store.RecentSwitches(limit)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("No account switches recorded.")
			return nil
		}
		return render(entries)
	},
}

func init() {
	switchLogCmd.Flags().Int("limit", 20, "maximum entries to show")

	rootCmd.AddCommand(switchLogCmd)
}

// --- health ---

var healthCmd = &cobra.Command{
	Use:   "health [provider]",
	Short: "Show provider health and circuit breaker state",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, _, err := openStoreIfExists()
		if err != nil {
			return err
		}
		if store == nil {
			return noHistoryYet()
		}
		defer store.Close()

		if len(args) == 1 {
			p, err := provider.Parse(args[0])
			if err != nil {
				return err
			}
			h, err := store.GetProviderHealth(p.String())
			if err != nil {
				return err
			}
			return render(h)
		}

		all, err := store.ListProviderHealth()
		if err != nil {
			return err
		}
		if len(all) == 0 {
			fmt.Println("No provider health recorded.")
			return nil
		}
		return render(all)
	},
}

func init() {
	rootCmd.AddCommand(healthCmd)
}

// --- storage stats ---

var storageCmd = &cobra.Command{
	Use:   "storage",
	Short: "Show database size and table counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, _, err := openStoreIfExists()
		if err != nil {
			return err
		}
		if store == nil {
			return noHistoryYet()
		}
		defer store.Close()

		stats, err := store.GetStorageStats()
		if err != nil {
			return err
		}
		return render(stats)
	},
}

func init() {
	rootCmd.AddCommand(storageCmd)
}
