package cmd

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"go-civitai-manager/internal/models"
)

// Package-level variables for find flags
var (
	findTypes []string
	findLimit int
	findPage  int
	findNsfw  bool
)

var findCmd = &cobra.Command{
	Use:   "find <query>",
	Short: "Search Civitai for models matching a query",
	Long: `Searches the Civitai catalogue and prints one line per match with the
model id, so a result can be fed straight into 'download <id>'.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runFind,
}

func init() {
	rootCmd.AddCommand(findCmd)

	findCmd.Flags().StringSliceVar(&findTypes, "types", nil, "Restrict to model types (Checkpoint, LORA, TextualInversion, ...)")
	findCmd.Flags().IntVar(&findLimit, "limit", 0, "Results per page (0 uses fetch_batch_size from config)")
	findCmd.Flags().IntVar(&findPage, "page", 1, "Result page to fetch")
	findCmd.Flags().BoolVar(&findNsfw, "nsfw", false, "Include NSFW models in the results")
}

func runFind(cmd *cobra.Command, args []string) error {
	query := strings.Join(args, " ")
	limit := findLimit
	if limit <= 0 {
		limit = globalConfig.FetchBatchSize
	}

	client := newAPIClient()
	response, err := client.SearchModels(models.QueryParameters{
		Query: query,
		Types: findTypes,
		Limit: limit,
		Page:  findPage,
		Nsfw:  findNsfw,
	})
	if err != nil {
		return fmt.Errorf("search for %q failed: %w", query, err)
	}

	if len(response.Items) == 0 {
		log.Infof("No models found for %q", query)
		return nil
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tName\tType\tCreator\tDownloads\tVersions")
	fmt.Fprintln(tw, "--\t----\t----\t-------\t---------\t--------")
	for _, model := range response.Items {
		fmt.Fprintf(tw, "%d\t%.50s\t%s\t%s\t%d\t%d\n",
			model.ID, model.Name, model.Type, model.Creator.Username,
			model.Stats.DownloadCount, len(model.ModelVersions))
	}
	if err := tw.Flush(); err != nil {
		return errors.New("error writing result table")
	}

	meta := response.Metadata
	if meta.TotalPages > 1 {
		fmt.Printf("\nPage %d of %d (%d models total)\n", findPage, meta.TotalPages, meta.TotalItems)
	}
	return nil
}
