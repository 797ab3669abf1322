package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/foxzi/autopost/internal/campaign"
)

var (
	logsCampaign string
	logsStatus   string
	logsLimit    int
	logsDetails  bool
)

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Show run log records, newest first",
	RunE:  runLogs,
}

func init() {
	logsCmd.Flags().StringVar(&logsCampaign, "campaign", "", "Filter by campaign ID")
	logsCmd.Flags().StringVar(&logsStatus, "status", "", "Filter by status (SUCCESS, WARNING, ERROR)")
	logsCmd.Flags().IntVar(&logsLimit, "limit", 50, "Maximum number of records to show")
	logsCmd.Flags().BoolVar(&logsDetails, "details", false, "Show record details")

	rootCmd.AddCommand(logsCmd)
}

func runLogs(cmd *cobra.Command, args []string) error {
	status := campaign.LogStatus(strings.ToUpper(logsStatus))
	switch status {
	case "", campaign.LogSuccess, campaign.LogWarning, campaign.LogError:
	default:
		return fmt.Errorf("invalid status: %s", logsStatus)
	}

	store, db, err := openCampaignStorage()
	if err != nil {
		return err
	}
	defer db.Close()

	records, err := store.ListLogs(context.Background(), campaign.LogFilter{
		CampaignID: logsCampaign,
		Status:     status,
		Limit:      logsLimit,
	})
	if err != nil {
		return fmt.Errorf("failed to list logs: %w", err)
	}

	if len(records) == 0 {
		fmt.Println("No log records")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tSTATUS\tCAMPAIGN\tTITLE\tURL")
	fmt.Fprintln(w, "----\t------\t--------\t-----\t---")

	for _, rec := range records {
		title := rec.PostTitle
		if len(title) > 40 {
			title = title[:37] + "..."
		}
		if title == "" {
			title = rec.Details["reason"]
		}

		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			rec.Timestamp.Local().Format("2006-01-02 15:04:05"),
			rec.Status,
			rec.CampaignName,
			title,
			rec.PostURL,
		)

		if logsDetails {
			for _, line := range detailLines(rec.Details) {
				fmt.Fprintf(w, "\t\t\t  %s\t\n", line)
			}
		}
	}

	w.Flush()
	fmt.Printf("\nTotal: %d records\n", len(records))

	return nil
}

func detailLines(details map[string]string) []string {
	lines := make([]string, 0, len(details))
	for k, v := range details {
		lines = append(lines, k+": "+v)
	}
	sort.Strings(lines)
	return lines
}
