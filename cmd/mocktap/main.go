package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/funnyzak/mocktap/internal/config"
	"github.com/funnyzak/mocktap/internal/logger"
	"github.com/funnyzak/mocktap/internal/server"
	"github.com/funnyzak/mocktap/pkg/fixture"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "mocktap",
	Short: "Record and replay HTTP fixtures through a forward proxy",
	Long: `MockTap sits between an application and the network as an HTTP forward proxy.

In replay mode it answers requests from recorded fixtures (a manifest plus body and header
artifacts) and passes unmocked requests through. In capture mode it forwards every request
to the real network and records the responses as new fixtures.
`,
	SilenceUsage: true,
	RunE:         runServer,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the proxy (default command)",
	RunE:  runServer,
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the writable manifest copy in the runtime directory",
	RunE:  runInit,
}

var fixturesCmd = &cobra.Command{
	Use:   "fixtures",
	Short: "List fixtures waiting in the manifest",
	RunE:  runFixtures,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run:   showVersion,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("config", "c", "", "Configuration file path")
	flags.IntP("port", "p", 0, "Listen port")
	flags.Int64("max-body-bytes", 0, "Maximum proxied request body size in bytes")
	flags.StringP("mode", "m", "", "Interception mode (replay, capture)")
	flags.StringP("fixtures-dir", "d", "", "Directory holding the bundled manifest and artifacts")
	flags.String("manifest", "", "Manifest file name (.json, .yaml or .yml)")
	flags.String("runtime-dir", "", "Directory for the writable manifest and captured artifacts")
	flags.String("record-policy", "", "Capture policy (record, override)")
	flags.String("exhaustion", "", "Replay exhaustion policy (consume, retain)")
	flags.Bool("fallback-on-miss", true, "Send unmocked replay requests to the network")
	flags.Int("upstream-timeout", 0, "Upstream request timeout in seconds")
	flags.Int("upstream-retries", 0, "Retries for idempotent upstream requests")
	flags.Bool("upstream-insecure", false, "Skip TLS verification for upstream requests")
	flags.StringP("log-level", "l", "", "Log level (trace, debug, info, warn, error, fatal, panic)")
	flags.Bool("log-file-enable", false, "Enable file logging")
	flags.String("log-file-path", "", "Log file path")
	flags.StringP("output", "o", "", "Exchange output mode (console, json)")
	flags.BoolP("silence", "s", false, "Do not print exchanges")
	flags.String("storage-driver", "", "Exchange journal driver (sqlite, memory)")
	flags.String("storage-path", "", "Exchange journal sqlite path")
	flags.Bool("web-enable", true, "Enable/disable the admin API")
	flags.String("web-admin-path", "", "Admin API path")
	flags.Bool("web-auth-enable", false, "Enable/disable admin API authentication")

	bindFlags(rootCmd)

	fixturesCmd.Flags().Bool("json", false, "Print fixtures as JSON")

	rootCmd.AddCommand(serveCmd, initCmd, fixturesCmd, versionCmd)
}

func bindFlags(cmd *cobra.Command) {
	bindings := map[string]string{
		"server.port":                       "port",
		"server.max_body_bytes":             "max-body-bytes",
		"fixtures.mode":                     "mode",
		"fixtures.source_dir":               "fixtures-dir",
		"fixtures.manifest":                 "manifest",
		"fixtures.runtime_dir":              "runtime-dir",
		"fixtures.record_policy":            "record-policy",
		"fixtures.exhaustion":               "exhaustion",
		"fixtures.fallback_on_miss":         "fallback-on-miss",
		"upstream.timeout":                  "upstream-timeout",
		"upstream.max_retries":              "upstream-retries",
		"upstream.tls_insecure_skip_verify": "upstream-insecure",
		"log.level":                         "log-level",
		"log.file_logging.enable":           "log-file-enable",
		"log.file_logging.path":             "log-file-path",
		"output.mode":                       "output",
		"output.silence":                    "silence",
		"storage.driver":                    "storage-driver",
		"storage.path":                      "storage-path",
		"web.enable":                        "web-enable",
		"web.admin_path":                    "web-admin-path",
		"web.auth.enable":                   "web-auth-enable",
	}
	for key, flag := range bindings {
		viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag))
	}
}

// loadConfig resolves file, env and flags into a validated configuration.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadConfig(configPath, viper.GetViper())
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	log := logger.NewLogger(&cfg.Log, cfg.Output.Mode)
	printStartupBanner(os.Stderr, cfg)
	log.Info("MockTap starting",
		"version", version,
		"port", cfg.Server.Port,
		"mode", cfg.Fixtures.Mode,
		"fixtures", cfg.Fixtures.SourceDir,
		"manifest", cfg.Fixtures.Manifest,
		"runtime_dir", cfg.Fixtures.RuntimeDir,
		"storage", cfg.Storage.Driver,
		"web_enable", cfg.Web.Enable,
	)

	srv, err := server.New(cfg, log)
	if err != nil {
		return err
	}
	return srv.Start()
}

// openStore opens the manifest store described by cfg for one-shot commands.
func openStore(cmd *cobra.Command) (*fixture.Store, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	log := logger.NewLogger(&cfg.Log, cfg.Output.Mode)
	return fixture.Open(fixture.Options{
		SourceDir:    cfg.Fixtures.SourceDir,
		ManifestName: cfg.Fixtures.Manifest,
		RuntimeDir:   cfg.Fixtures.RuntimeDir,
		Logger:       log.Named("fixture"),
	})
}

func runInit(cmd *cobra.Command, args []string) error {
	store, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	path, err := store.MaterializeWritableCopy()
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), path)
	return nil
}

func runFixtures(cmd *cobra.Command, args []string) error {
	store, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	items, err := store.Fixtures()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		return encoder.Encode(items)
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "METHOD\tCOUNT\tURL")
	for _, item := range items {
		fmt.Fprintf(tw, "%s\t%d\t%s\n", item.Method, item.Count, item.URL)
	}
	return tw.Flush()
}

func showVersion(cmd *cobra.Command, args []string) {
	fmt.Printf("MockTap version %s\n", version)
	fmt.Printf("Commit: %s\n", commit)
	fmt.Printf("Built: %s\n", buildDate)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
