// Package storage routes downloaded models into the ComfyUI directory
// tree and answers questions about what already lives there.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
	log "github.com/sirupsen/logrus"

	"go-civitai-manager/internal/helpers"
	"go-civitai-manager/internal/models"
)

// ErrLayout signals that a model directory cannot be resolved, usually
// because comfy_path is missing or not writable.
var ErrLayout = errors.New("storage layout error")

// MetadataFilename marks a directory as containing a managed model.
const MetadataFilename = "metadata.json"

// typeDirs maps an API model type to its directory under comfy_path.
var typeDirs = map[string]string{
	"Checkpoint":       "checkpoints",
	"LORA":             "loras",
	"LoCon":            "loras",
	"TextualInversion": "embeddings",
	"VAE":              "vae",
	"Controlnet":       "controlnet",
	"Upscaler":         "upscale_models",
	"Other":            "other",
}

// categoryDirs is every distinct category directory, in display order.
var categoryDirs = []string{
	"checkpoints", "loras", "embeddings", "vae", "controlnet", "upscale_models", "other",
}

// displayNames maps a category directory to the label the usage view
// aggregates it under.
var displayNames = map[string]string{
	"checkpoints":    "Checkpoints",
	"loras":          "LoRAs",
	"embeddings":     "Embeddings",
	"vae":            "VAE",
	"controlnet":     "ControlNet",
	"upscale_models": "Upscalers",
	"other":          "Other",
}

// modelExtensions are the binary formats the orphan scan recognizes.
var modelExtensions = []string{".safetensors", ".ckpt", ".pt", ".pth"}

// TypeDir returns the category directory for an API model type.
// Unknown types land in the Other bucket.
func TypeDir(modelType string) string {
	if dir, ok := typeDirs[modelType]; ok {
		return dir
	}
	return typeDirs["Other"]
}

// Manager performs all layout and scanning work under one comfy_path.
type Manager struct {
	comfyPath string
}

func NewManager(comfyPath string) *Manager {
	return &Manager{comfyPath: comfyPath}
}

// Root returns the configured ComfyUI base directory.
func (m *Manager) Root() string {
	return m.comfyPath
}

// ModelDir computes the deterministic directory for a model without
// touching the filesystem: comfy_path/<category>/<baseModel>/<name>.
// Only the name is sanitized; base model strings are directory-safe as
// the API reports them.
func (m *Manager) ModelDir(modelType, baseModel, name string) string {
	return filepath.Join(m.comfyPath, TypeDir(modelType), baseModel, helpers.SanitizeName(name))
}

// ResolveDir returns the directory a model belongs in, creating it
// recursively when needed.
func (m *Manager) ResolveDir(info *models.ModelInfo) (string, error) {
	if m.comfyPath == "" {
		return "", fmt.Errorf("%w: comfy_path is not set", ErrLayout)
	}
	dir := m.ModelDir(info.Type, info.BaseModel, info.Name)
	if !helpers.CheckAndMakeDir(dir) {
		return "", fmt.Errorf("%w: cannot create %s", ErrLayout, dir)
	}
	return dir, nil
}

// ReadMetadata parses one metadata.json. Records without a positive id
// and a name are rejected; the file is what marks a directory as
// managed, so a malformed one means the directory is not.
func ReadMetadata(path string) (*models.ModelInfo, error) {
	data, err := os.ReadFile(path) // #nosec G304
	if err != nil {
		return nil, err
	}
	var info models.ModelInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, err
	}
	if info.ID <= 0 || info.Name == "" {
		return nil, fmt.Errorf("metadata at %s is missing id or name", path)
	}
	return &info, nil
}

// WriteMetadata writes the pretty-printed metadata.json that marks dir
// as managed. This is the commit point of a download.
func WriteMetadata(dir string, info *models.ModelInfo) error {
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal metadata for %s: %w", info.Name, err)
	}
	return os.WriteFile(filepath.Join(dir, MetadataFilename), data, 0600)
}

// Scan walks every category directory and returns the models recorded
// by their metadata.json files. The directory a record is found in
// overrides any stored path, so moved models report where they
// actually live. Unreadable entries are logged and skipped.
func (m *Manager) Scan() []models.ModelInfo {
	if m.comfyPath == "" {
		return nil
	}

	var found []models.ModelInfo
	for _, category := range categoryDirs {
		root := filepath.Join(m.comfyPath, category)
		if _, err := os.Stat(root); err != nil {
			continue
		}
		walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				log.WithError(err).Warnf("Skipping unreadable entry under %s", root)
				return nil
			}
			if d.IsDir() || d.Name() != MetadataFilename {
				return nil
			}
			info, readErr := ReadMetadata(path)
			if readErr != nil {
				log.WithError(readErr).Warnf("Skipping metadata file %s", path)
				return nil
			}
			info.Path = filepath.Dir(path)
			found = append(found, *info)
			return nil
		})
		if walkErr != nil {
			log.WithError(walkErr).Warnf("Scan of %s aborted", root)
		}
	}
	return found
}

// FolderSize returns the recursive byte size of a directory tree.
// Unreadable entries are skipped, so the result can undercount.
func FolderSize(path string) int64 {
	var total int64
	walkErr := filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if fi, infoErr := d.Info(); infoErr == nil {
			total += fi.Size()
		}
		return nil
	})
	if walkErr != nil {
		log.WithError(walkErr).Warnf("Could not fully size %s", path)
	}
	return total
}

// UsageStats is the storage picture shown by the usage command.
// Categories is keyed by display name, per-directory recursive sizes.
type UsageStats struct {
	Categories map[string]int64
	TotalBytes uint64
	FreeBytes  uint64
	UsedBytes  uint64
}

// Usage reports totals for the filesystem holding comfy_path plus a
// per-category byte breakdown. LORA and LoCon share one directory and
// therefore one bucket.
func (m *Manager) Usage() (*UsageStats, error) {
	if m.comfyPath == "" {
		return nil, fmt.Errorf("%w: comfy_path is not set", ErrLayout)
	}
	du, err := disk.Usage(m.comfyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read disk usage for %s: %w", m.comfyPath, err)
	}

	categories := make(map[string]int64, len(categoryDirs))
	for _, category := range categoryDirs {
		root := filepath.Join(m.comfyPath, category)
		if _, statErr := os.Stat(root); statErr != nil {
			continue
		}
		categories[displayNames[category]] += FolderSize(root)
	}

	return &UsageStats{
		Categories: categories,
		TotalBytes: du.Total,
		FreeBytes:  du.Free,
		UsedBytes:  du.Used,
	}, nil
}

// Delete removes a model directory (or single file) tree.
func (m *Manager) Delete(path string) bool {
	if _, err := os.Stat(path); err != nil {
		log.WithError(err).Errorf("Cannot delete %s", path)
		return false
	}
	if err := os.RemoveAll(path); err != nil {
		log.WithError(err).Errorf("Failed to delete %s", path)
		return false
	}
	log.Infof("Deleted %s", path)
	return true
}

// FindPath locates a model directory: the deterministic layout path
// first, then a metadata scan of the category for a matching id. The
// fallback covers models whose name or base model changed upstream
// after they were downloaded.
func (m *Manager) FindPath(id int, modelType, baseModel, name string) (string, bool) {
	if m.comfyPath == "" {
		return "", false
	}

	direct := m.ModelDir(modelType, baseModel, name)
	if _, err := os.Stat(direct); err == nil {
		return direct, true
	}

	root := filepath.Join(m.comfyPath, TypeDir(modelType))
	var found string
	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() || d.Name() != MetadataFilename {
			return nil
		}
		info, readErr := ReadMetadata(path)
		if readErr != nil {
			return nil
		}
		if info.ID == id {
			found = filepath.Dir(path)
			return fs.SkipAll
		}
		return nil
	})
	if walkErr != nil {
		log.WithError(walkErr).Debugf("Lookup scan of %s aborted", root)
	}
	return found, found != ""
}

// DuplicateGroup is a set of two or more scanned models sharing a
// name, type and base model.
type DuplicateGroup struct {
	Key    string
	Models []models.ModelInfo
}

// FindDuplicates groups scanned models by (name, type, baseModel) and
// returns the groups holding more than one copy, in scan order.
func (m *Manager) FindDuplicates() []DuplicateGroup {
	grouped := make(map[string][]models.ModelInfo)
	var order []string
	for _, info := range m.Scan() {
		key := fmt.Sprintf("%s|%s|%s", info.Name, info.Type, info.BaseModel)
		if _, seen := grouped[key]; !seen {
			order = append(order, key)
		}
		grouped[key] = append(grouped[key], info)
	}

	var duplicates []DuplicateGroup
	for _, key := range order {
		if len(grouped[key]) >= 2 {
			duplicates = append(duplicates, DuplicateGroup{Key: key, Models: grouped[key]})
		}
	}
	return duplicates
}

// OrphanFile is a model binary with no metadata.json beside it.
type OrphanFile struct {
	Path    string
	ModTime time.Time
	Size    int64
}

// FindOrphans returns model binaries living in directories that carry
// no metadata marker, typically files dropped in by hand or left over
// from interrupted manual installs.
func (m *Manager) FindOrphans() []OrphanFile {
	if m.comfyPath == "" {
		return nil
	}

	var orphans []OrphanFile
	for _, category := range categoryDirs {
		root := filepath.Join(m.comfyPath, category)
		if _, err := os.Stat(root); err != nil {
			continue
		}
		walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return nil
			}
			if !helpers.StringSliceContains(modelExtensions, strings.ToLower(filepath.Ext(path))) {
				return nil
			}
			if _, statErr := os.Stat(filepath.Join(filepath.Dir(path), MetadataFilename)); statErr == nil {
				return nil
			}
			fi, infoErr := d.Info()
			if infoErr != nil {
				return nil
			}
			orphans = append(orphans, OrphanFile{Path: path, ModTime: fi.ModTime(), Size: fi.Size()})
			return nil
		})
		if walkErr != nil {
			log.WithError(walkErr).Warnf("Orphan scan of %s aborted", root)
		}
	}
	return orphans
}

// ExportDetail is the per-path outcome of an Export run.
type ExportDetail struct {
	Path    string `json:"path"`
	Error   string `json:"error,omitempty"`
	Bytes   int64  `json:"bytes"`
	Success bool   `json:"success"`
}

// ExportResult sums up an Export run.
type ExportResult struct {
	Details      []ExportDetail `json:"details"`
	TotalBytes   int64          `json:"totalBytes"`
	SuccessCount int            `json:"successCount"`
	FailedCount  int            `json:"failedCount"`
}

// Export copies each source path (directory or file) into dest,
// preserving the leaf name. Failures are recorded per path and never
// abort the batch.
func (m *Manager) Export(paths []string, dest string) *ExportResult {
	result := &ExportResult{}
	if !helpers.CheckAndMakeDir(dest) {
		for _, path := range paths {
			result.FailedCount++
			result.Details = append(result.Details, ExportDetail{
				Path:  path,
				Error: fmt.Sprintf("cannot create export directory %s", dest),
			})
		}
		return result
	}

	for _, path := range paths {
		copied, err := copyPath(path, filepath.Join(dest, filepath.Base(path)))
		detail := ExportDetail{Path: path, Bytes: copied, Success: err == nil}
		if err != nil {
			detail.Error = err.Error()
			result.FailedCount++
			log.WithError(err).Errorf("Export of %s failed", path)
		} else {
			result.SuccessCount++
			result.TotalBytes += copied
			log.Infof("Exported %s (%s)", path, helpers.BytesToSize(uint64(copied)))
		}
		result.Details = append(result.Details, detail)
	}
	return result
}

// copyPath copies a file or a directory tree to target and reports the
// bytes written.
func copyPath(src, target string) (int64, error) {
	fi, err := os.Stat(src)
	if err != nil {
		return 0, err
	}
	if fi.IsDir() {
		return copyTree(src, target)
	}
	return copyFile(src, target, fi.Mode())
}

func copyTree(src, target string) (int64, error) {
	var total int64
	err := filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, relErr := filepath.Rel(src, path)
		if relErr != nil {
			return relErr
		}
		dst := filepath.Join(target, rel)
		if d.IsDir() {
			return os.MkdirAll(dst, 0750)
		}
		fi, infoErr := d.Info()
		if infoErr != nil {
			return infoErr
		}
		written, copyErr := copyFile(path, dst, fi.Mode())
		total += written
		return copyErr
	})
	return total, err
}

func copyFile(src, dst string, mode fs.FileMode) (int64, error) {
	in, err := os.Open(src) // #nosec G304
	if err != nil {
		return 0, err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode.Perm()) // #nosec G304
	if err != nil {
		return 0, err
	}
	counter := &helpers.CounterWriter{Writer: out}
	_, err = io.Copy(counter, in)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	return int64(counter.Total), err
}
