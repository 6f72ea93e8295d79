package cmd

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"go-civitai-manager/internal/helpers"
	"go-civitai-manager/internal/index"
	"go-civitai-manager/internal/models"
	"go-civitai-manager/internal/storage"
)

var deleteYes bool

var deleteCmd = &cobra.Command{
	Use:   "delete <model-id|path>...",
	Short: "Delete installed models",
	Long: `Deletes one or more installed models. Each argument is either a numeric
model id, resolved against the library, or a directory path inside the
model tree. A model id that matches several installed copies deletes
all of them. The deletion is confirmed per target unless --yes is set,
and deleted directories are removed from the search index.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runDelete,
}

func init() {
	rootCmd.AddCommand(deleteCmd)

	deleteCmd.Flags().BoolVarP(&deleteYes, "yes", "y", false, "Delete without asking for confirmation")
}

func runDelete(cmd *cobra.Command, args []string) error {
	if err := requireComfyPath(); err != nil {
		return err
	}

	store := storage.NewManager(globalConfig.ComfyPath)
	targets, err := resolveDeleteTargets(store, args)
	if err != nil {
		return err
	}
	if len(targets) == 0 {
		log.Info("Nothing to delete.")
		return nil
	}

	// The index is best-effort here: deletion proceeds even when it
	// cannot be opened, a later 'scan --reindex' converges it.
	var idx *index.Index
	if opened, openErr := index.OpenOrCreateIndex(globalConfig.IndexPath); openErr != nil {
		log.WithError(openErr).Warn("Search index unavailable, deleted models stay indexed until the next reindex")
	} else {
		idx = opened
		defer func() {
			if closeErr := idx.Close(); closeErr != nil {
				log.WithError(closeErr).Warn("Failed to close search index")
			}
		}()
	}

	reader := bufio.NewReader(os.Stdin)
	deleted, failed := 0, 0
	for _, target := range targets {
		size := helpers.BytesToSize(uint64(storage.FolderSize(target)))
		if !deleteYes && !confirm(reader, fmt.Sprintf("Delete %s (%s)?", target, size)) {
			log.Infof("Skipping %s", target)
			continue
		}
		if !store.Delete(target) {
			failed++
			continue
		}
		deleted++
		if idx != nil {
			if err := idx.Remove(target); err != nil {
				log.WithError(err).Warnf("Could not remove %s from the search index", target)
			}
		}
	}

	fmt.Printf("Deleted %d, failed %d.\n", deleted, failed)
	if failed > 0 {
		return fmt.Errorf("%d deletions failed", failed)
	}
	return nil
}

// resolveDeleteTargets maps each argument to one or more model
// directories. Numeric arguments are looked up in the scanned library;
// anything else must be an existing path under comfy_path.
func resolveDeleteTargets(store *storage.Manager, args []string) ([]string, error) {
	var scanned []models.ModelInfo
	scannedOnce := false

	var targets []string
	seen := make(map[string]struct{})
	add := func(path string) {
		if _, dup := seen[path]; !dup {
			seen[path] = struct{}{}
			targets = append(targets, path)
		}
	}

	for _, arg := range args {
		if id, err := strconv.Atoi(arg); err == nil && id > 0 {
			if !scannedOnce {
				scanned = store.Scan()
				scannedOnce = true
			}
			matched := false
			for _, info := range scanned {
				if info.ID == id {
					add(info.Path)
					matched = true
				}
			}
			if !matched {
				return nil, fmt.Errorf("no installed model with id %d", id)
			}
			continue
		}

		path, err := filepath.Abs(arg)
		if err != nil {
			return nil, fmt.Errorf("cannot resolve path %s: %w", arg, err)
		}
		if !strings.HasPrefix(path, filepath.Clean(store.Root())+string(filepath.Separator)) {
			return nil, fmt.Errorf("refusing to delete %s: outside the model tree %s", path, store.Root())
		}
		if _, statErr := os.Stat(path); statErr != nil {
			return nil, fmt.Errorf("cannot delete %s: %w", path, statErr)
		}
		add(path)
	}
	return targets, nil
}

// confirm asks a yes/no question on stdin, defaulting to no.
func confirm(reader *bufio.Reader, question string) bool {
	fmt.Printf("%s [y/N]: ", question)
	answer, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes"
}
