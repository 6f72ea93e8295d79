// Package config loads the application configuration. Precedence:
// command-line flags (bound by the CLI via viper.BindPFlag) >
// CIVITAI_MANAGER_* environment variables > config file > defaults.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"go-civitai-manager/internal/api"
	"go-civitai-manager/internal/models"
)

// EnvPrefix is the prefix for environment variable overrides,
// e.g. CIVITAI_MANAGER_API_KEY.
const EnvPrefix = "CIVITAI_MANAGER"

// StateDirName is the dot directory under comfy_path that holds the
// history registry, the search index, and API traffic logs.
const StateDirName = ".civitai-manager"

// Default values for configuration.
const (
	DefaultTopImageCount   = 9
	DefaultFetchBatchSize  = 100
	DefaultDownloadThreads = 4
	DefaultConcurrency     = 1
	DefaultBandwidthWindow = 60
	DefaultLogLevel        = "info"
	DefaultConfigFileName  = "config.toml"
)

// setViperDefaults configures viper with the application's default values.
func setViperDefaults() {
	viper.SetDefault("comfy_path", "")
	viper.SetDefault("api_key", "")
	viper.SetDefault("history_path", "")
	viper.SetDefault("index_path", "")
	viper.SetDefault("log_level", DefaultLogLevel)
	viper.SetDefault("top_image_count", DefaultTopImageCount)
	viper.SetDefault("fetch_batch_size", DefaultFetchBatchSize)
	viper.SetDefault("download_threads", DefaultDownloadThreads)
	viper.SetDefault("concurrency", DefaultConcurrency)
	viper.SetDefault("speed_limit_kb", 0)
	viper.SetDefault("bandwidth_window", DefaultBandwidthWindow)
	viper.SetDefault("download_model", true)
	viper.SetDefault("download_images", true)
	viper.SetDefault("download_nsfw", false)
	viper.SetDefault("create_html", true)
	viper.SetDefault("auto_open_html", false)
	viper.SetDefault("verify_hashes", false)
	viper.SetDefault("log_api_requests", false)
}

// Default returns the built-in configuration before any file, env, or
// flag overrides. comfy_path has no default and must be provided.
func Default() models.Config {
	return models.Config{
		LogLevel:        DefaultLogLevel,
		TopImageCount:   DefaultTopImageCount,
		FetchBatchSize:  DefaultFetchBatchSize,
		DownloadThreads: DefaultDownloadThreads,
		Concurrency:     DefaultConcurrency,
		BandwidthWindow: DefaultBandwidthWindow,
		DownloadModel:   true,
		DownloadImages:  true,
		CreateHTML:      true,
	}
}

// Initialize loads the merged configuration and builds the shared HTTP
// transport. cfgFile == "" searches the working directory and
// ~/.civitai-manager; a missing file there is fine, an explicitly named
// file must exist.
func Initialize(cfgFile string) (models.Config, http.RoundTripper, error) {
	setViperDefaults()

	viper.SetEnvPrefix(EnvPrefix)
	viper.AutomaticEnv()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("toml")
		viper.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(filepath.Join(home, StateDirName))
		}
	}

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		switch {
		case errors.As(err, &notFound):
			log.Debug("No config file found, using defaults.")
		case cfgFile != "":
			return models.Config{}, nil, fmt.Errorf("failed to read config file %s: %w", cfgFile, err)
		default:
			log.Warnf("Error reading config file: %v", err)
		}
	} else {
		log.Infof("Using config file: %s", viper.ConfigFileUsed())
	}

	var cfg models.Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return models.Config{}, nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDerivedPaths(&cfg)
	return cfg, buildTransport(&cfg), nil
}

// applyDerivedPaths fills the state paths that default relative to
// comfy_path. They stay empty until comfy_path is known.
func applyDerivedPaths(cfg *models.Config) {
	if cfg.ComfyPath == "" {
		return
	}
	stateDir := filepath.Join(cfg.ComfyPath, StateDirName)
	if cfg.HistoryPath == "" {
		cfg.HistoryPath = filepath.Join(stateDir, "history")
	}
	if cfg.IndexPath == "" {
		cfg.IndexPath = filepath.Join(stateDir, "index.bleve")
	}
}

// buildTransport wires the optional API traffic logger in front of the
// shared transport.
func buildTransport(cfg *models.Config) http.RoundTripper {
	if !cfg.LogApiRequests {
		return http.DefaultTransport
	}

	logFilePath := "api.log"
	if cfg.ComfyPath != "" {
		dir := filepath.Join(cfg.ComfyPath, StateDirName)
		if err := os.MkdirAll(dir, 0700); err != nil {
			log.Warnf("Cannot create %s, saving api.log to the current directory: %v", dir, err)
		} else {
			logFilePath = filepath.Join(dir, "api.log")
		}
	}

	transport, err := api.NewLoggingTransport(http.DefaultTransport, logFilePath)
	if err != nil {
		log.WithError(err).Error("Failed to initialize API logging transport, logging disabled.")
		return http.DefaultTransport
	}
	log.Infof("API request logging to %s", logFilePath)
	return transport
}

const configHeader = `# civitai-manager configuration.
# Values here are overridden by CIVITAI_MANAGER_* environment variables
# and by command-line flags.
#
# comfy_path must point at the ComfyUI models directory, e.g.
#   comfy_path = "/home/user/ComfyUI/models"

`

// WriteDefault writes a commented default config file to path.
func WriteDefault(path string) error {
	var buf bytes.Buffer
	buf.WriteString(configHeader)
	if err := toml.NewEncoder(&buf).Encode(Default()); err != nil {
		return fmt.Errorf("failed to encode default config: %w", err)
	}

	if err := os.WriteFile(path, buf.Bytes(), 0600); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", path, err)
	}
	log.Infof("Wrote default config to %s", path)
	return nil
}
