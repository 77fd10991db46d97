package cmd

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/blackbox-obs/blackbox/internal/activity"
	"github.com/blackbox-obs/blackbox/internal/incidents"
)

var (
	pruneOlderThan int
	pruneDryRun    bool
)

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete incidents and activities past the retention period",
	Long:  `Deletes incidents whose most recent occurrence, and activities whose creation, are older than the retention cutoff. Use --dry-run to see what would go without deleting anything.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		log := newLogger(cfg)

		days := pruneOlderThan
		if days <= 0 {
			days = cfg.RetentionDays
		}
		if days <= 0 {
			return fmt.Errorf("retention period must be positive, got %d days", days)
		}

		database, err := openDatabase(cfg)
		if err != nil {
			return err
		}
		defer database.Close()

		incidentStore := incidents.NewStore(database, cfg.Capture.IncidentPrefix, nil, log)
		activityStore := activity.NewStore(database)

		ctx := context.Background()
		result, err := incidentStore.Prune(ctx, days, pruneDryRun)
		if err != nil {
			return err
		}

		verb := "Deleted"
		if pruneDryRun {
			verb = "Would delete"
		}
		fmt.Printf("%s %d incident(s) older than %d days (cutoff %s)\n",
			verb, result.Total, days, result.Cutoff.Format(time.DateOnly))

		statuses := make([]string, 0, len(result.ByStatus))
		for status := range result.ByStatus {
			statuses = append(statuses, string(status))
		}
		sort.Strings(statuses)
		for _, status := range statuses {
			fmt.Printf("  %-12s %d\n", status, result.ByStatus[incidents.Status(status)])
		}

		if !pruneDryRun {
			deleted, err := activityStore.DeleteOlderThan(ctx, time.Now().UTC().AddDate(0, 0, -days))
			if err != nil {
				return err
			}
			fmt.Printf("Deleted %d activity record(s)\n", deleted)
		}
		return nil
	},
}

func init() {
	pruneCmd.Flags().IntVar(&pruneOlderThan, "older-than", 0, "retention in days (defaults to retention_days from config)")
	pruneCmd.Flags().BoolVar(&pruneDryRun, "dry-run", false, "report what would be deleted without deleting")
	rootCmd.AddCommand(pruneCmd)
}
