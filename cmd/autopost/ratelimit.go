package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/foxzi/autopost/internal/campaign"
	"github.com/foxzi/autopost/internal/ratelimit"
)

var ratelimitCmd = &cobra.Command{
	Use:   "ratelimit",
	Short: "Provider call rate limit commands",
}

var ratelimitShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show configured limits and current usage",
	RunE:  runRatelimitShow,
}

func init() {
	ratelimitCmd.AddCommand(ratelimitShowCmd)
	rootCmd.AddCommand(ratelimitCmd)
}

func runRatelimitShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	rl := cfg.RateLimit

	fmt.Println("Rate Limiting Configuration")
	fmt.Println("===========================")
	fmt.Printf("Enabled: %v\n\n", rl.Enabled)

	if !rl.Enabled {
		fmt.Println("Rate limiting is disabled")
		return nil
	}

	db, err := campaign.OpenDB(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("failed to open storage (is the server running?): %w", err)
	}
	defer db.Close()

	lcfg := cfg.LimiterConfig()
	limiter, err := ratelimit.NewLimiter(db, lcfg)
	if err != nil {
		return fmt.Errorf("failed to open rate limiter: %w", err)
	}
	defer limiter.Stop()

	type row struct {
		label string
		level ratelimit.Level
		key   string
		limit *ratelimit.LimitConfig
	}

	rows := []row{{"global", ratelimit.LevelGlobal, "global", lcfg.Global}}
	ids := make([]string, 0, len(lcfg.Providers))
	for id := range lcfg.Providers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		rows = append(rows, row{"provider " + id, ratelimit.LevelProvider, id, lcfg.Providers[id]})
	}

	ctx := context.Background()
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "LEVEL\tCALLS/HOUR\tCALLS/DAY\tUSED HOUR\tUSED DAY")
	fmt.Fprintln(w, "-----\t----------\t---------\t---------\t--------")

	for _, r := range rows {
		if r.limit == nil {
			fmt.Fprintf(w, "%s\t-\t-\t-\t-\n", r.label)
			continue
		}
		stats, err := limiter.GetStats(ctx, r.level, r.key)
		if err != nil {
			return fmt.Errorf("failed to read usage: %w", err)
		}
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\n", r.label, r.limit.CallsPerHour, r.limit.CallsPerDay, stats.HourlyCount, stats.DailyCount)
	}

	for _, d := range []struct {
		label string
		limit *ratelimit.LimitConfig
	}{
		{"default provider", lcfg.DefaultProvider},
		{"per campaign", lcfg.DefaultCampaign},
	} {
		if d.limit != nil {
			fmt.Fprintf(w, "%s\t%d\t%d\t-\t-\n", d.label, d.limit.CallsPerHour, d.limit.CallsPerDay)
		}
	}

	w.Flush()
	return nil
}
