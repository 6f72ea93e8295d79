package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"go-civitai-manager/internal/helpers"
	"go-civitai-manager/internal/storage"
)

var duplicatesCmd = &cobra.Command{
	Use:   "duplicates",
	Short: "Find models installed more than once",
	Long: `Groups installed models by name, type and base model and prints every
group holding two or more copies. Different versions of the same model
land in the same group, so a listing here is not automatically waste.`,
	RunE: runDuplicates,
}

func init() {
	rootCmd.AddCommand(duplicatesCmd)
}

func runDuplicates(cmd *cobra.Command, args []string) error {
	if err := requireComfyPath(); err != nil {
		return err
	}

	store := storage.NewManager(globalConfig.ComfyPath)
	groups := store.FindDuplicates()
	if len(groups) == 0 {
		log.Info("No duplicate models found.")
		return nil
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	for i, group := range groups {
		first := group.Models[0]
		fmt.Fprintf(tw, "Group %d: %s (%s, %s) x%d\n", i+1, first.Name, first.Type, first.BaseModel, len(group.Models))
		for _, info := range group.Models {
			size := helpers.BytesToSize(uint64(storage.FolderSize(info.Path)))
			fmt.Fprintf(tw, "\tversion %d\t%s\t%s\n", info.VersionID, size, info.Path)
		}
	}
	if err := tw.Flush(); err != nil {
		log.WithError(err).Error("Error flushing table writer for duplicates")
	}
	fmt.Printf("\n%d duplicate groups.\n", len(groups))
	return nil
}
