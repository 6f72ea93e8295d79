package config

import (
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"

	"go-civitai-manager/internal/models"
)

// Initialize works against the package-global viper, so every test
// starts from a clean slate.
func resetViper(t *testing.T) {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)
}

func writeConfigFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(contents), 0600); err != nil {
		t.Fatalf("writing config file: %v", err)
	}
	return path
}

func TestInitializeDefaults(t *testing.T) {
	resetViper(t)
	path := writeConfigFile(t, `comfy_path = "/data/comfy/models"`)

	cfg, transport, err := Initialize(path)
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	if cfg.ComfyPath != "/data/comfy/models" {
		t.Errorf("ComfyPath = %q", cfg.ComfyPath)
	}
	if cfg.TopImageCount != 9 || cfg.FetchBatchSize != 100 || cfg.DownloadThreads != 4 {
		t.Errorf("numeric defaults = %d/%d/%d, want 9/100/4",
			cfg.TopImageCount, cfg.FetchBatchSize, cfg.DownloadThreads)
	}
	if cfg.Concurrency != 1 || cfg.BandwidthWindow != 60 || cfg.SpeedLimitKB != 0 {
		t.Errorf("concurrency/window/speed = %d/%d/%d, want 1/60/0",
			cfg.Concurrency, cfg.BandwidthWindow, cfg.SpeedLimitKB)
	}
	if !cfg.DownloadModel || !cfg.DownloadImages || !cfg.CreateHTML {
		t.Error("download_model, download_images and create_html must default to true")
	}
	if cfg.DownloadNsfw || cfg.AutoOpenHTML || cfg.VerifyHashes || cfg.LogApiRequests {
		t.Error("nsfw, auto_open_html, verify_hashes and log_api_requests must default to false")
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want info", cfg.LogLevel)
	}

	wantHistory := filepath.Join("/data/comfy/models", StateDirName, "history")
	if cfg.HistoryPath != wantHistory {
		t.Errorf("HistoryPath = %q, want %q", cfg.HistoryPath, wantHistory)
	}
	wantIndex := filepath.Join("/data/comfy/models", StateDirName, "index.bleve")
	if cfg.IndexPath != wantIndex {
		t.Errorf("IndexPath = %q, want %q", cfg.IndexPath, wantIndex)
	}

	if transport != http.DefaultTransport {
		t.Error("transport must be the default transport when API logging is off")
	}
}

func TestInitializeFileOverrides(t *testing.T) {
	resetViper(t)
	path := writeConfigFile(t, `
comfy_path = "/data/comfy/models"
api_key = "file-key"
top_image_count = 5
download_threads = 2
download_nsfw = true
create_html = false
history_path = "/custom/history"
`)

	cfg, _, err := Initialize(path)
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	if cfg.APIKey != "file-key" {
		t.Errorf("APIKey = %q", cfg.APIKey)
	}
	if cfg.TopImageCount != 5 || cfg.DownloadThreads != 2 {
		t.Errorf("overridden ints = %d/%d, want 5/2", cfg.TopImageCount, cfg.DownloadThreads)
	}
	if !cfg.DownloadNsfw || cfg.CreateHTML {
		t.Error("bool overrides not applied")
	}
	if cfg.HistoryPath != "/custom/history" {
		t.Errorf("explicit HistoryPath overridden: %q", cfg.HistoryPath)
	}
	// Index path still derives from comfy_path.
	wantIndex := filepath.Join("/data/comfy/models", StateDirName, "index.bleve")
	if cfg.IndexPath != wantIndex {
		t.Errorf("IndexPath = %q, want %q", cfg.IndexPath, wantIndex)
	}
}

func TestInitializeEnvOverridesFile(t *testing.T) {
	resetViper(t)
	t.Setenv("CIVITAI_MANAGER_API_KEY", "env-key")
	t.Setenv("CIVITAI_MANAGER_DOWNLOAD_THREADS", "8")

	path := writeConfigFile(t, `
comfy_path = "/data/comfy/models"
api_key = "file-key"
download_threads = 2
`)

	cfg, _, err := Initialize(path)
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if cfg.APIKey != "env-key" {
		t.Errorf("APIKey = %q, want the environment value", cfg.APIKey)
	}
	if cfg.DownloadThreads != 8 {
		t.Errorf("DownloadThreads = %d, want 8 from the environment", cfg.DownloadThreads)
	}
}

func TestInitializeWithoutComfyPath(t *testing.T) {
	resetViper(t)
	path := writeConfigFile(t, `top_image_count = 3`)

	cfg, _, err := Initialize(path)
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if cfg.ComfyPath != "" {
		t.Errorf("ComfyPath = %q, want empty", cfg.ComfyPath)
	}
	// Derived paths stay empty until comfy_path is known.
	if cfg.HistoryPath != "" || cfg.IndexPath != "" {
		t.Errorf("derived paths = %q / %q, want empty", cfg.HistoryPath, cfg.IndexPath)
	}
}

func TestInitializeMissingExplicitFile(t *testing.T) {
	resetViper(t)
	if _, _, err := Initialize(filepath.Join(t.TempDir(), "absent.toml")); err == nil {
		t.Error("Initialize with a missing explicit config file did not fail")
	}
}

func TestInitializeMalformedFile(t *testing.T) {
	resetViper(t)
	path := writeConfigFile(t, `comfy_path = [broken`)
	if _, _, err := Initialize(path); err == nil {
		t.Error("Initialize with a malformed config file did not fail")
	}
}

func TestWriteDefaultRoundTrip(t *testing.T) {
	resetViper(t)
	path := filepath.Join(t.TempDir(), "config.toml")

	if err := WriteDefault(path); err != nil {
		t.Fatalf("WriteDefault: %v", err)
	}

	var fromFile models.Config
	if _, err := toml.DecodeFile(path, &fromFile); err != nil {
		t.Fatalf("decoding written config: %v", err)
	}
	if fromFile != Default() {
		t.Errorf("written config = %+v, want %+v", fromFile, Default())
	}

	// The emitted file must also load through Initialize.
	cfg, _, err := Initialize(path)
	if err != nil {
		t.Fatalf("Initialize on written config: %v", err)
	}
	if cfg.TopImageCount != DefaultTopImageCount || !cfg.CreateHTML {
		t.Errorf("loaded config = %+v", cfg)
	}
}
