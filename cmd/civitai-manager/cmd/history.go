package cmd

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"go-civitai-manager/internal/database"
	"go-civitai-manager/internal/models"
)

var historyCmd = &cobra.Command{
	Use:   "history [filter]",
	Short: "Show past downloads",
	Long: `Prints the recorded download history, most recent first. Failed and
cancelled attempts are listed too. An optional filter keeps only
entries whose URL or model name contains it (case-insensitive).`,
	Args: cobra.MaximumNArgs(1),
	RunE: runHistory,
}

func init() {
	rootCmd.AddCommand(historyCmd)
}

func runHistory(cmd *cobra.Command, args []string) error {
	if err := requireComfyPath(); err != nil {
		return err
	}

	db, err := database.Open(globalConfig.HistoryPath)
	if err != nil {
		return fmt.Errorf("cannot open download history: %w", err)
	}
	defer db.Close()

	tasks, err := db.Tasks()
	if err != nil {
		return err
	}
	if len(args) == 1 {
		tasks = filterHistory(tasks, args[0])
	}
	if len(tasks) == 0 {
		log.Info("No download history entries match.")
		return nil
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "Finished\tStatus\tModel\tURL\tDetail")
	fmt.Fprintln(tw, "--------\t------\t-----\t---\t------")
	for _, task := range tasks {
		finished := ""
		if task.EndTime != nil {
			finished = task.EndTime.Format(models.TimeFormat)
		}
		name := ""
		if task.ModelInfo != nil {
			name = task.ModelInfo.Name
		}
		fmt.Fprintf(tw, "%s\t%s\t%.40s\t%s\t%.60s\n",
			finished, task.Status, name, task.URL, task.ErrorMessage)
	}
	if err := tw.Flush(); err != nil {
		log.WithError(err).Error("Error flushing table writer for history")
	}
	return nil
}

// filterHistory keeps tasks whose URL or model name contains needle,
// case-insensitive.
func filterHistory(tasks []*models.DownloadTask, needle string) []*models.DownloadTask {
	needle = strings.ToLower(needle)
	var kept []*models.DownloadTask
	for _, task := range tasks {
		if strings.Contains(strings.ToLower(task.URL), needle) {
			kept = append(kept, task)
			continue
		}
		if task.ModelInfo != nil && strings.Contains(strings.ToLower(task.ModelInfo.Name), needle) {
			kept = append(kept, task)
		}
	}
	return kept
}
