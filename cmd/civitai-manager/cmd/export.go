package cmd

import (
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"go-civitai-manager/internal/helpers"
	"go-civitai-manager/internal/storage"
)

// Package-level variables for export flags
var (
	exportPaths    []string
	exportModelIDs []int
)

var exportCmd = &cobra.Command{
	Use:   "export <dest>",
	Short: "Copy installed models to another directory",
	Long: `Copies model directories into dest, preserving each directory's name.
Sources are given as explicit paths with --path or as model ids with
--model-id; ids are resolved against the scanned library and may match
several installed copies. Failures are reported per path and do not
stop the batch.`,
	Args: cobra.ExactArgs(1),
	RunE: runExport,
}

func init() {
	rootCmd.AddCommand(exportCmd)

	exportCmd.Flags().StringSliceVar(&exportPaths, "path", nil, "Model directory to export (repeatable)")
	exportCmd.Flags().IntSliceVar(&exportModelIDs, "model-id", nil, "Model id to export (repeatable)")
}

func runExport(cmd *cobra.Command, args []string) error {
	if err := requireComfyPath(); err != nil {
		return err
	}
	if len(exportPaths) == 0 && len(exportModelIDs) == 0 {
		return fmt.Errorf("nothing to export: pass --path or --model-id")
	}

	store := storage.NewManager(globalConfig.ComfyPath)

	paths := append([]string{}, exportPaths...)
	if len(exportModelIDs) > 0 {
		wanted := make(map[int]bool, len(exportModelIDs))
		for _, id := range exportModelIDs {
			wanted[id] = false
		}
		for _, info := range store.Scan() {
			if _, ok := wanted[info.ID]; ok {
				paths = append(paths, info.Path)
				wanted[info.ID] = true
			}
		}
		for id, found := range wanted {
			if !found {
				return fmt.Errorf("no installed model with id %d", id)
			}
		}
	}
	paths = helpers.UniqueStrings(paths)

	dest := args[0]
	log.Infof("Exporting %d paths to %s...", len(paths), dest)
	result := store.Export(paths, dest)

	for _, detail := range result.Details {
		if detail.Success {
			fmt.Printf("  ok    %s (%s)\n", detail.Path, helpers.BytesToSize(uint64(detail.Bytes)))
		} else {
			fmt.Printf("  FAIL  %s: %s\n", detail.Path, detail.Error)
		}
	}
	fmt.Printf("Exported %d of %d paths, %s total.\n",
		result.SuccessCount, len(paths), helpers.BytesToSize(uint64(result.TotalBytes)))

	if result.FailedCount > 0 {
		return fmt.Errorf("%d exports failed", result.FailedCount)
	}
	return nil
}
