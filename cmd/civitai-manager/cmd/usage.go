package cmd

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"go-civitai-manager/internal/helpers"
	"go-civitai-manager/internal/storage"
)

var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Show disk usage of the model tree",
	RunE:  runUsage,
}

func init() {
	rootCmd.AddCommand(usageCmd)
}

func runUsage(cmd *cobra.Command, args []string) error {
	if err := requireComfyPath(); err != nil {
		return err
	}

	store := storage.NewManager(globalConfig.ComfyPath)
	stats, err := store.Usage()
	if err != nil {
		return err
	}

	// Largest category first; ties alphabetical so output is stable.
	names := make([]string, 0, len(stats.Categories))
	for name := range stats.Categories {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		if stats.Categories[names[i]] != stats.Categories[names[j]] {
			return stats.Categories[names[i]] > stats.Categories[names[j]]
		}
		return names[i] < names[j]
	})

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	var modelsTotal int64
	for _, name := range names {
		modelsTotal += stats.Categories[name]
		fmt.Fprintf(tw, "%s\t%s\n", name, helpers.BytesToSize(uint64(stats.Categories[name])))
	}
	fmt.Fprintf(tw, "Models total\t%s\n", helpers.BytesToSize(uint64(modelsTotal)))
	if err := tw.Flush(); err != nil {
		log.WithError(err).Error("Error flushing table writer for usage")
	}

	fmt.Printf("\nFilesystem: %s used of %s, %s free\n",
		helpers.BytesToSize(stats.UsedBytes),
		helpers.BytesToSize(stats.TotalBytes),
		helpers.BytesToSize(stats.FreeBytes))
	return nil
}
