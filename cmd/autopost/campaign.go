package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	bolt "go.etcd.io/bbolt"
	"gopkg.in/yaml.v3"

	"github.com/foxzi/autopost/internal/app"
	"github.com/foxzi/autopost/internal/campaign"
	"github.com/foxzi/autopost/internal/scheduler"
)

var campaignCmd = &cobra.Command{
	Use:   "campaign",
	Short: "Campaign management commands",
}

var campaignListCmd = &cobra.Command{
	Use:   "list",
	Short: "List campaigns",
	RunE:  runCampaignList,
}

var campaignShowCmd = &cobra.Command{
	Use:   "show <campaign_id>",
	Short: "Show campaign details",
	Args:  cobra.ExactArgs(1),
	RunE:  runCampaignShow,
}

var campaignImportCmd = &cobra.Command{
	Use:   "import <file.yaml>",
	Short: "Create or update campaigns from a YAML file",
	Long: `Create or update campaigns from a YAML file with a top-level "campaigns" list.
Existing campaigns are edited in place; their run state is kept.`,
	Args: cobra.ExactArgs(1),
	RunE: runCampaignImport,
}

var campaignRunCmd = &cobra.Command{
	Use:   "run <campaign_id>",
	Short: "Run a campaign now (bypasses pause, not disable)",
	Args:  cobra.ExactArgs(1),
	RunE:  runCampaignRun,
}

var campaignDeleteCmd = &cobra.Command{
	Use:   "delete <campaign_id>",
	Short: "Delete a campaign",
	Args:  cobra.ExactArgs(1),
	RunE:  runCampaignDelete,
}

var triggerURLCmd = &cobra.Command{
	Use:   "trigger-url <campaign_id>",
	Short: "Print the external trigger URL of a campaign for server cron",
	Args:  cobra.ExactArgs(1),
	RunE:  runTriggerURL,
}

func init() {
	campaignCmd.AddCommand(campaignListCmd, campaignShowCmd, campaignImportCmd, campaignRunCmd, campaignDeleteCmd)
	rootCmd.AddCommand(campaignCmd, triggerURLCmd)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// openCampaignStorage opens the campaign store without starting the application
func openCampaignStorage() (*campaign.BoltStorage, *bolt.DB, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}

	db, err := campaign.OpenDB(cfg.Storage.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open storage (is the server running?): %w", err)
	}

	store, err := campaign.NewBoltStorage(db, cfg.Generation.LogCapacity)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to open campaign storage: %w", err)
	}

	return store, db, nil
}

func runCampaignList(cmd *cobra.Command, args []string) error {
	store, db, err := openCampaignStorage()
	if err != nil {
		return err
	}
	defer db.Close()

	campaigns, err := store.List(context.Background())
	if err != nil {
		return fmt.Errorf("failed to list campaigns: %w", err)
	}

	if len(campaigns) == 0 {
		fmt.Println("No campaigns")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSTATE\tPOSTS\tSCHEDULE\tNEXT RUN")
	fmt.Fprintln(w, "--\t----\t-----\t-----\t--------\t--------")

	for _, c := range campaigns {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			c.ID,
			c.Name,
			campaignState(c),
			postsProgress(c),
			scheduleString(c),
			formatTime(c.NextRunAt),
		)
	}

	w.Flush()
	fmt.Printf("\nTotal: %d campaigns\n", len(campaigns))

	return nil
}

func runCampaignShow(cmd *cobra.Command, args []string) error {
	store, db, err := openCampaignStorage()
	if err != nil {
		return err
	}
	defer db.Close()

	c, err := store.Get(context.Background(), args[0])
	if err != nil {
		return fmt.Errorf("failed to get campaign: %w", err)
	}

	fmt.Printf("Campaign: %s\n\n", c.ID)
	fmt.Printf("Name:      %s\n", c.Name)
	fmt.Printf("State:     %s\n", campaignState(c))
	if c.CompletedReason != "" {
		fmt.Printf("Reason:    %s\n", c.CompletedReason)
	}
	fmt.Printf("Posts:     %s\n", postsProgress(c))
	fmt.Printf("Schedule:  %s\n", scheduleString(c))
	fmt.Printf("Last Run:  %s\n", formatTime(c.LastRunAt))
	fmt.Printf("Next Run:  %s\n", formatTime(c.NextRunAt))
	fmt.Printf("Words:     %d-%d\n", c.MinWords, c.MaxWords)
	if c.Provider != "" || c.Model != "" {
		fmt.Printf("Provider:  %s %s\n", c.Provider, c.Model)
	}

	fmt.Println("\nKeywords:")
	done := make(map[string]bool, len(c.KeywordsDone))
	for _, k := range c.KeywordsDone {
		done[campaign.NormalizeKeyword(k)] = true
	}
	for _, k := range c.Keywords {
		mark := " "
		if done[campaign.NormalizeKeyword(k)] {
			mark = "x"
		}
		fmt.Printf("  [%s] %s\n", mark, k)
	}

	return nil
}

// importFile is the layout of a campaign import file
type importFile struct {
	Campaigns []campaign.Campaign `yaml:"campaigns"`
}

func runCampaignImport(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read import file: %w", err)
	}

	store, db, err := openCampaignStorage()
	if err != nil {
		return err
	}
	defer db.Close()

	results, err := importCampaigns(context.Background(), store, data)
	for _, r := range results {
		fmt.Println(r)
	}
	if err != nil {
		return err
	}

	fmt.Println("\nTimers are armed when the server starts.")
	return nil
}

// importCampaigns creates or edits every campaign in data and returns one
// line per campaign. All campaigns are validated before any is written.
func importCampaigns(ctx context.Context, store campaign.Store, data []byte) ([]string, error) {
	var file importFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse import file: %w", err)
	}
	if len(file.Campaigns) == 0 {
		return nil, fmt.Errorf("import file has no campaigns")
	}

	for i := range file.Campaigns {
		if err := file.Campaigns[i].Validate(); err != nil {
			return nil, fmt.Errorf("campaign %d (%s): %w", i+1, file.Campaigns[i].Name, err)
		}
	}

	var results []string
	for i := range file.Campaigns {
		edit := &file.Campaigns[i]
		id := edit.ID
		if id == "" {
			id = uuid.New().String()
		}

		action := "updated"
		var resumed bool
		updated, err := store.Edit(ctx, id, func(current *campaign.Campaign) *campaign.Campaign {
			var next *campaign.Campaign
			next, resumed = campaign.ApplyEdit(current, edit)
			return next
		})
		if errors.Is(err, campaign.ErrNotFound) {
			action = "created"
			updated, _ = campaign.ApplyEdit(&campaign.Campaign{ID: id}, edit)
			err = store.Save(ctx, updated)
		}
		if err != nil {
			return results, fmt.Errorf("failed to save campaign %s: %w", id, err)
		}
		if resumed {
			action = "resumed"
		}

		results = append(results, fmt.Sprintf("%s %s (%s)", action, id, updated.Name))
	}

	return results, nil
}

func runCampaignRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	application, err := app.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}
	defer application.Close()
	defer application.Scheduler().Stop()

	report, err := application.Scheduler().RunNow(context.Background(), args[0])
	if err != nil {
		return fmt.Errorf("run failed: %w", err)
	}

	fmt.Printf("Outcome:  %s\n", report.Kind)
	if report.Keyword != "" {
		fmt.Printf("Keyword:  %s\n", report.Keyword)
	}
	if report.Reason != "" {
		fmt.Printf("Reason:   %s\n", report.Reason)
	}
	if report.DocumentID != "" {
		fmt.Printf("Document: %s\n", report.DocumentID)
	}

	return nil
}

func runCampaignDelete(cmd *cobra.Command, args []string) error {
	store, db, err := openCampaignStorage()
	if err != nil {
		return err
	}
	defer db.Close()

	ctx := context.Background()
	id := args[0]

	if _, err := store.Get(ctx, id); err != nil {
		return fmt.Errorf("failed to get campaign: %w", err)
	}
	if err := store.Delete(ctx, id); err != nil {
		return fmt.Errorf("failed to delete campaign: %w", err)
	}

	fmt.Printf("Campaign %s deleted\n", id)
	return nil
}

func runTriggerURL(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, db, err := openCampaignStorage()
	if err != nil {
		return err
	}
	defer db.Close()

	ctx := context.Background()
	if _, err := store.Get(ctx, args[0]); err != nil {
		return fmt.Errorf("failed to get campaign: %w", err)
	}

	// No runner: the scheduler is only used for the persisted secret
	sched := scheduler.New(store, nil, discardLogger())
	defer sched.Stop()

	url, err := sched.TriggerURL(ctx, cfg.Server.BaseURL, args[0])
	if err != nil {
		return err
	}

	fmt.Println(url)
	return nil
}

func campaignState(c *campaign.Campaign) string {
	switch {
	case c.IsCompleted():
		return "completed"
	case !c.Enabled:
		return "disabled"
	case c.PausedAutorun:
		return "paused"
	default:
		return "active"
	}
}

func postsProgress(c *campaign.Campaign) string {
	if c.MaxPosts > 0 {
		return fmt.Sprintf("%d/%d", c.PostsRun, c.MaxPosts)
	}
	return fmt.Sprintf("%d", c.PostsRun)
}

func scheduleString(c *campaign.Campaign) string {
	if c.RunInterval <= 0 {
		return "manual"
	}
	s := fmt.Sprintf("every %d %s", c.RunInterval, strings.TrimSuffix(string(c.RunUnit), "s"))
	if c.RunUnit == "" {
		s = fmt.Sprintf("every %d minute", c.RunInterval)
	}
	if c.RunInterval > 1 {
		s += "s"
	}
	if c.CustomTimeEnabled {
		s = "daily at " + c.CustomTimeValue
	}
	return s
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}
