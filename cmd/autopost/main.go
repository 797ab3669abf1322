package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/foxzi/autopost/internal/api"
	"github.com/foxzi/autopost/internal/app"
	"github.com/foxzi/autopost/internal/config"
	"github.com/foxzi/autopost/internal/provider"
	apitls "github.com/foxzi/autopost/internal/tls"
)

var (
	cfgFile   string
	envFile   string
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "autopost",
	Short: "Autopost - AI content campaign scheduler",
	Long: `Autopost runs content campaigns: on a schedule it picks a keyword, asks an
AI provider for an article and publishes the cleaned-up result.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Provider keys may come from a .env file next to the binary
		return config.LoadDotEnv(envFile)
	},
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the scheduler and HTTP API",
	Long:  `Start Autopost: restore campaign timers and serve the trigger and admin API.`,
	RunE:  runServe,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration commands",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	RunE:  runConfigValidate,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("autopost version %s\n", version)
		if commit != "unknown" {
			fmt.Printf("  commit: %s\n", commit)
		}
		if buildTime != "unknown" {
			fmt.Printf("  built:  %s\n", buildTime)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file with provider API keys")

	configCmd.AddCommand(configValidateCmd)
	rootCmd.AddCommand(serveCmd, configCmd, versionCmd)
}

func loadConfig() (*config.Config, error) {
	if cfgFile == "" {
		return nil, fmt.Errorf("config file is required (use -c flag)")
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	api.Version = version

	application, err := app.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}

	return application.Run(context.Background())
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	if cfgFile == "" {
		return fmt.Errorf("config file is required (use -c flag)")
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("configuration is invalid: %w", err)
	}

	fmt.Printf("Configuration is valid\n")
	fmt.Printf("  Base URL: %s\n", cfg.Server.BaseURL)
	fmt.Printf("  API: %s\n", cfg.API.ListenAddr)
	fmt.Printf("  Storage: %s\n", cfg.Storage.Path)
	fmt.Printf("  Provider: %s (model %s)\n", cfg.DefaultProvider(), cfg.DefaultModel(cfg.DefaultProvider()))

	switch t := cfg.API.TLS; {
	case t.ACME.Enabled:
		fmt.Printf("  TLS: ACME for %s\n", strings.Join(t.ACME.Domains, ", "))
	case t.CertFile != "":
		info, err := apitls.GetCertificateInfo(t.CertFile)
		if err != nil {
			return fmt.Errorf("configuration is invalid: %w", err)
		}
		fmt.Printf("  TLS: %s (expires %s, %d days left)\n", info.Subject, info.NotAfter.Format("2006-01-02"), info.DaysLeft)
	}

	fmt.Println()
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PROVIDER\tMODEL\tAPI KEY")
	fmt.Fprintln(w, "--------\t-----\t-------")
	for _, id := range provider.IDs() {
		key := "missing (" + config.EnvKeyName(id) + ")"
		if _, ok := cfg.APIKey(id); ok {
			key = "set"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", id, cfg.DefaultModel(id), key)
	}
	w.Flush()

	return nil
}
