package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"go-civitai-manager/internal/helpers"
	"go-civitai-manager/internal/models"
	"go-civitai-manager/internal/storage"
)

var orphansCmd = &cobra.Command{
	Use:   "orphans",
	Short: "Find model files without a metadata record",
	Long: `Lists model binaries living under comfy_path whose directory carries no
metadata.json, typically files copied in by hand. Orphans are invisible
to scan, search and export until they are re-downloaded through this
tool or given a metadata record.`,
	RunE: runOrphans,
}

func init() {
	rootCmd.AddCommand(orphansCmd)
}

func runOrphans(cmd *cobra.Command, args []string) error {
	if err := requireComfyPath(); err != nil {
		return err
	}

	store := storage.NewManager(globalConfig.ComfyPath)
	orphans := store.FindOrphans()
	if len(orphans) == 0 {
		log.Info("No orphan model files found.")
		return nil
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "Size\tModified\tPath")
	fmt.Fprintln(tw, "----\t--------\t----")
	var total int64
	for _, orphan := range orphans {
		total += orphan.Size
		fmt.Fprintf(tw, "%s\t%s\t%s\n",
			helpers.BytesToSize(uint64(orphan.Size)),
			orphan.ModTime.Format(models.TimeFormat),
			orphan.Path)
	}
	if err := tw.Flush(); err != nil {
		log.WithError(err).Error("Error flushing table writer for orphans")
	}
	fmt.Printf("\n%d orphan files, %s.\n", len(orphans), helpers.BytesToSize(uint64(total)))
	return nil
}
