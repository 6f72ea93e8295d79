package cmd

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"go-civitai-manager/internal/api"
	"go-civitai-manager/internal/config"
	"go-civitai-manager/internal/models"
)

// cfgFile holds the path to the config file specified by the user
var cfgFile string

// logLevel and logFormat hold the values of the --log-level and --log-format flags
var logLevel string
var logFormat string

// globalConfig holds the loaded configuration
var globalConfig models.Config

// globalHttpTransport holds the globally configured HTTP transport (base or logging-wrapped)
var globalHttpTransport http.RoundTripper

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "civitai-manager",
	Short: "Download and manage Civitai models for a local ComfyUI installation",
	Long: `Civitai Manager downloads models from Civitai.com straight into the
matching ComfyUI model directories and keeps a searchable library of
what is installed.`,
	PersistentPreRunE: loadGlobalConfig, // Load config before any command runs
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	api.CloseAllLoggingTransports()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error executing command: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Configuration file path (default is ./config.toml or ~/.civitai-manager/config.toml)")

	// Logging flags are applied before the config file is read so the
	// loading itself logs in the requested shape.
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Logging level (trace, debug, info, warn, error, fatal, panic)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "Logging format (text, json)")

	rootCmd.PersistentFlags().String("comfy-path", "", "ComfyUI installation directory (overrides config)")
	rootCmd.PersistentFlags().String("api-key", "", "Civitai API key (overrides config)")
	rootCmd.PersistentFlags().Bool("log-api", false, "Log API requests/responses to api.log (overrides config)")

	// Bind persistent flags so they win over environment and config file values
	_ = viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("comfy_path", rootCmd.PersistentFlags().Lookup("comfy-path"))
	_ = viper.BindPFlag("api_key", rootCmd.PersistentFlags().Lookup("api-key"))
	_ = viper.BindPFlag("log_api_requests", rootCmd.PersistentFlags().Lookup("log-api"))
}

// loadGlobalConfig loads the configuration and prepares the shared HTTP
// transport before any command runs.
func loadGlobalConfig(cmd *cobra.Command, args []string) error {
	initLogging()

	cfg, transport, err := config.Initialize(cfgFile)
	if err != nil {
		return err
	}
	globalConfig = cfg
	globalHttpTransport = transport

	// The effective level may come from the config file or environment
	// rather than the flag.
	applyLogLevel(cfg.LogLevel)
	return nil
}

// initLogging applies the logging format and any level given on the
// command line. Called before config loading so its messages already
// honor the flags.
func initLogging() {
	if logFormat == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
	if logLevel != "" {
		applyLogLevel(logLevel)
	}
}

// applyLogLevel parses and sets the logrus level, keeping the current
// level when the value does not parse.
func applyLogLevel(level string) {
	if level == "" {
		return
	}
	parsed, err := log.ParseLevel(level)
	if err != nil {
		log.Warnf("Invalid log level '%s', keeping '%s'", level, log.GetLevel())
		return
	}
	log.SetLevel(parsed)
}

// requireComfyPath guards commands that operate on the local model tree.
func requireComfyPath() error {
	if globalConfig.ComfyPath == "" {
		return errors.New("comfy_path is not configured (set it in config.toml, via CIVITAI_MANAGER_COMFY_PATH, or with --comfy-path)")
	}
	return nil
}

// newAPIClient builds a Civitai API client over the shared transport.
func newAPIClient() *api.Client {
	httpClient := &http.Client{
		Transport: globalHttpTransport,
		Timeout:   30 * time.Second,
	}
	return api.NewClient(globalConfig.APIKey, httpClient, globalConfig)
}
