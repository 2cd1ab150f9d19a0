package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/memoryd/internal/config"
	"github.com/fyrsmithlabs/memoryd/internal/engine"
	"github.com/fyrsmithlabs/memoryd/internal/insight"
	"github.com/fyrsmithlabs/memoryd/internal/logging"
)

// withEngine loads config, builds an engine, runs fn, and tears down.
func withEngine(cmd *cobra.Command, fn func(eng *engine.Engine) error) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	eng, err := engine.New(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer eng.Close()
	return fn(eng)
}

var collectFull bool

var collectCmd = &cobra.Command{
	Use:   "collect",
	Short: "Run one metric collection pass",
	Long: `Collect development-activity metrics from the configured
sources. Collection is throttled; --full bypasses the throttle and
re-reads the whole backfill window, replacing what the sources
previously contributed to it.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(eng *engine.Engine) error {
			res, err := eng.Collect(cmd.Context(), collectFull)
			if err != nil {
				return err
			}
			if res.Throttled {
				fmt.Println("collection throttled; use --full to force")
				return nil
			}
			fmt.Printf("collected %d facts (%s run), pruned %d, %d hotspots\n",
				res.Run.Records, res.Run.Kind, res.Pruned, res.Hotspots)
			return nil
		})
	},
}

var maintainCmd = &cobra.Command{
	Use:   "maintain",
	Short: "Run one maintenance pass and exit",
	Long: `Run pattern decay and pruning, a throttled metric collection,
a correlation refresh, and an insight generation pass, then exit. The
serve command runs the same pass on a schedule.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(eng *engine.Engine) error {
			res, err := eng.Maintain(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("decayed %d patterns, pruned %d (took %s)\n",
				res.Decayed, res.Pruned, res.Duration)

			if _, err := eng.Collect(cmd.Context(), false); err != nil {
				return err
			}
			if err := eng.ComputeCorrelations(cmd.Context()); err != nil {
				return err
			}
			report, err := eng.GenerateInsights(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("insights: %d triggered, %d expired\n",
				len(report.Triggered), report.Expired)
			return nil
		})
	},
}

var minSeverity string

var insightsCmd = &cobra.Command{
	Use:   "insights",
	Short: "List active insights",
	RunE: func(cmd *cobra.Command, args []string) error {
		floor := insight.Severity(strings.ToUpper(minSeverity))
		if floor.Rank() == 0 {
			return fmt.Errorf("invalid severity %q (want INFO, WARNING, ERROR, or CRITICAL)", minSeverity)
		}
		return withEngine(cmd, func(eng *engine.Engine) error {
			active, degraded := eng.GetActiveInsights(cmd.Context(), floor)
			if degraded {
				fmt.Println("warning: insight store unavailable, showing nothing")
				return nil
			}
			if len(active) == 0 {
				fmt.Println("no active insights")
				return nil
			}
			for _, ins := range active {
				entity := ins.RelatedEntity
				if entity == "" {
					entity = "-"
				}
				fmt.Printf("%-8s %-16s %-40s %s\n",
					ins.Severity, ins.Type, entity, ins.Title)
			}
			return nil
		})
	},
}

func init() {
	collectCmd.Flags().BoolVar(&collectFull, "full", false,
		"bypass the throttle and re-read the whole backfill window")
	insightsCmd.Flags().StringVar(&minSeverity, "min-severity", "INFO",
		"lowest severity to show (INFO, WARNING, ERROR, CRITICAL)")
}
