package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"go-civitai-manager/internal/helpers"
	"go-civitai-manager/internal/index"
	"go-civitai-manager/internal/models"
	"go-civitai-manager/internal/storage"
)

var scanReindex bool

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "List the models installed under comfy_path",
	Long: `Walks the ComfyUI model tree and prints every managed model found via
its metadata.json. With --reindex the search index is rebuilt from the
scan result, which repairs an index that has drifted from the disk.`,
	RunE: runScan,
}

func init() {
	rootCmd.AddCommand(scanCmd)

	scanCmd.Flags().BoolVar(&scanReindex, "reindex", false, "Rebuild the search index from the scan result")
}

func runScan(cmd *cobra.Command, args []string) error {
	if err := requireComfyPath(); err != nil {
		return err
	}

	store := storage.NewManager(globalConfig.ComfyPath)
	found := store.Scan()
	if len(found) == 0 {
		log.Infof("No managed models found under %s", globalConfig.ComfyPath)
	} else {
		printScanTable(found)
	}

	if !scanReindex {
		return nil
	}

	idx, err := index.OpenOrCreateIndex(globalConfig.IndexPath)
	if err != nil {
		return fmt.Errorf("cannot open search index: %w", err)
	}
	defer func() {
		if closeErr := idx.Close(); closeErr != nil {
			log.WithError(closeErr).Warn("Failed to close search index")
		}
	}()

	infos := make([]*models.ModelInfo, len(found))
	for i := range found {
		infos[i] = &found[i]
	}
	if err := idx.Rebuild(infos); err != nil {
		return fmt.Errorf("index rebuild failed: %w", err)
	}
	return nil
}

func printScanTable(found []models.ModelInfo) {
	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tName\tType\tBase\tVersion\tSize\tDownloaded")
	fmt.Fprintln(tw, "--\t----\t----\t----\t-------\t----\t----------")
	for _, info := range found {
		size := ""
		if info.Path != "" {
			size = helpers.BytesToSize(uint64(storage.FolderSize(info.Path)))
		}
		fmt.Fprintf(tw, "%d\t%.40s\t%s\t%s\t%.25s\t%s\t%s\n",
			info.ID, info.Name, info.Type, info.BaseModel, info.VersionName, size, info.DownloadDate)
	}
	if err := tw.Flush(); err != nil {
		log.WithError(err).Error("Error flushing table writer for scan")
	}
	fmt.Printf("\n%d models installed.\n", len(found))
}
