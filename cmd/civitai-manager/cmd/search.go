package cmd

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"go-civitai-manager/internal/index"
)

var searchLimit int

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search the local model library",
	Long: `Runs a full-text query against the index of installed models. The query
syntax is bleve's query-string language, so field searches such as
'type:LORA' or 'baseModel:SDXL dragon' work.

The index is filled as models are downloaded; run 'scan --reindex' to
rebuild it from the disk.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSearch,
}

func init() {
	rootCmd.AddCommand(searchCmd)

	searchCmd.Flags().IntVar(&searchLimit, "limit", 25, "Maximum number of results")
}

func runSearch(cmd *cobra.Command, args []string) error {
	if err := requireComfyPath(); err != nil {
		return err
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

	query := strings.Join(args, " ")
	hits, err := idx.Search(query, searchLimit)
	if err != nil {
		return err
	}
	if len(hits) == 0 {
		log.Infof("No indexed models match %q", query)
		return nil
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "Name\tType\tBase\tCreator\tPath")
	fmt.Fprintln(tw, "----\t----\t----\t-------\t----")
	for _, hit := range hits {
		fmt.Fprintf(tw, "%.40s\t%s\t%s\t%s\t%s\n",
			hit.Name, hit.Type, hit.BaseModel, hit.Creator, hit.Path)
	}
	if err := tw.Flush(); err != nil {
		log.WithError(err).Error("Error flushing table writer for search")
	}
	return nil
}
