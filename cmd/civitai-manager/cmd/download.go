package cmd

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"text/tabwriter"
	"time"

	"go-civitai-manager/internal/database"
	"go-civitai-manager/internal/downloader"
	"go-civitai-manager/internal/helpers"
	"go-civitai-manager/internal/index"
	"go-civitai-manager/internal/manager"
	"go-civitai-manager/internal/models"
	"go-civitai-manager/internal/storage"

	"github.com/gosuri/uilive"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// Package-level variables for download flags
var (
	downloadURLFile         string
	downloadConcurrencyFlag int
	downloadNoImages        bool
	downloadNoModel         bool
	downloadNsfw            bool
	downloadHTML            bool
	downloadNoHTML          bool
)

var downloadCmd = &cobra.Command{
	Use:   "download [url]...",
	Short: "Download Civitai models into the ComfyUI tree",
	Long: `Downloads one or more models given their Civitai URLs. Each model lands in
the directory matching its type (checkpoints, loras, embeddings, ...) together
with its preview images, a metadata.json record and an optional gallery page.

URLs may be passed as arguments, read from a file with --file, or both.`,
	RunE: runDownload,
}

func init() {
	rootCmd.AddCommand(downloadCmd)

	downloadCmd.Flags().StringVar(&downloadURLFile, "file", "", "Read model URLs from a file (one per line, # starts a comment)")
	downloadCmd.Flags().IntVarP(&downloadConcurrencyFlag, "concurrency", "c", 0, "Number of simultaneous downloads (0 uses config default)")
	downloadCmd.Flags().BoolVar(&downloadNoImages, "no-images", false, "Skip preview images")
	downloadCmd.Flags().BoolVar(&downloadNoModel, "no-model", false, "Skip the model binary, fetch previews and metadata only")
	downloadCmd.Flags().BoolVar(&downloadNsfw, "nsfw", false, "Keep NSFW preview images")
	downloadCmd.Flags().BoolVar(&downloadHTML, "html", false, "Write a gallery page after download (overrides config)")
	downloadCmd.Flags().BoolVar(&downloadNoHTML, "no-html", false, "Skip the gallery page (overrides config)")
}

func runDownload(cmd *cobra.Command, args []string) error {
	urls, err := collectURLs(args, downloadURLFile)
	if err != nil {
		return err
	}
	if len(urls) == 0 {
		return errors.New("no URLs given: pass them as arguments or with --file")
	}
	if err := requireComfyPath(); err != nil {
		return err
	}

	cfg := globalConfig
	applyDownloadFlags(&cfg)

	client := newAPIClient()
	dl := downloader.NewDownloader(&http.Client{Transport: globalHttpTransport}, cfg.APIKey, cfg.SpeedLimitKB)
	store := storage.NewManager(cfg.ComfyPath)
	mgr := manager.New(cfg, client, dl, store)

	// History and index are best-effort: a failure disables the feature
	// for this run but never blocks downloads.
	if db, openErr := database.Open(cfg.HistoryPath); openErr != nil {
		log.WithError(openErr).Warn("Download history disabled for this run")
	} else {
		defer db.Close()
		mgr.SetHistory(db)
	}
	if idx, openErr := index.OpenOrCreateIndex(cfg.IndexPath); openErr != nil {
		log.WithError(openErr).Warn("Search indexing disabled for this run")
	} else {
		defer func() {
			if closeErr := idx.Close(); closeErr != nil {
				log.WithError(closeErr).Warn("Failed to close search index")
			}
		}()
		mgr.SetIndex(idx)
	}

	added := mgr.Queue().AddMany(urls)
	if added < len(urls) {
		log.Infof("Skipped %d duplicate URLs", len(urls)-added)
	}
	if added == 0 {
		log.Info("Nothing to download.")
		return nil
	}

	log.Infof("Starting %d downloads with concurrency %d...", added, cfg.Concurrency)
	executeDownloads(mgr, cfg.Concurrency)

	failed := printDownloadSummary(mgr.Queue().Tasks())
	if failed > 0 {
		return fmt.Errorf("%d of %d downloads failed", failed, added)
	}
	return nil
}

// applyDownloadFlags folds the command flags into this run's config.
func applyDownloadFlags(cfg *models.Config) {
	if downloadConcurrencyFlag > 0 {
		cfg.Concurrency = downloadConcurrencyFlag
	}
	if downloadNoImages {
		cfg.DownloadImages = false
	}
	if downloadNoModel {
		cfg.DownloadModel = false
	}
	if downloadNsfw {
		cfg.DownloadNsfw = true
	}
	if downloadHTML {
		cfg.CreateHTML = true
	}
	if downloadNoHTML {
		cfg.CreateHTML = false
	}
}

// collectURLs merges command-line URLs with the optional --file list,
// dropping duplicates while keeping order.
func collectURLs(args []string, urlFile string) ([]string, error) {
	urls := append([]string{}, args...)
	if urlFile != "" {
		fromFile, err := readURLFile(urlFile)
		if err != nil {
			return nil, err
		}
		urls = append(urls, fromFile...)
	}
	return helpers.UniqueStrings(urls), nil
}

// readURLFile reads one URL per line. Blank lines and lines starting
// with # are skipped.
func readURLFile(path string) ([]string, error) {
	data, err := os.ReadFile(path) // #nosec G304
	if err != nil {
		return nil, fmt.Errorf("failed to read URL file %s: %w", path, err)
	}
	var urls []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		urls = append(urls, line)
	}
	return urls, nil
}

// executeDownloads drains the queue with a live progress display,
// blocking until every job has finished.
func executeDownloads(mgr *manager.Manager, workers int) {
	writer := uilive.New()
	writer.Start()      // Start the live writer
	defer writer.Stop() // Ensure writer stops

	total := mgr.Queue().Size()
	var done atomic.Int64

	stop := make(chan struct{})
	var renderWG sync.WaitGroup
	renderWG.Add(1)
	go func() {
		defer renderWG.Done()
		ticker := time.NewTicker(250 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				renderProgress(writer, mgr, total, int(done.Load()))
			}
		}
	}()

	onDone := func(url string, success bool, message string) {
		n := done.Add(1)
		if success {
			fmt.Fprintf(writer.Newline(), "[%d/%d] %s\n", n, total, message)
		} else {
			fmt.Fprintf(writer.Newline(), "[%d/%d] %s: %s\n", n, total, url, message)
		}
	}

	mgr.ProcessQueue(workers, nil, onDone)
	close(stop)
	renderWG.Wait()
	renderProgress(writer, mgr, total, int(done.Load()))
}

// renderProgress writes one frame of the live view: a line per running
// download plus a bandwidth footer. The frame is built up front so it
// reaches the writer in a single atomic write.
func renderProgress(writer *uilive.Writer, mgr *manager.Manager, total, done int) {
	var frame strings.Builder
	for _, task := range mgr.Queue().Tasks() {
		if task.Status != models.StatusDownloading {
			continue
		}
		fmt.Fprintf(&frame, "%-60.60s model %3d%%  images %3d%%\n",
			task.URL, task.ModelProgress, task.ImageProgress)
	}
	stats := mgr.BandwidthStats()
	fmt.Fprintf(&frame, "%d/%d done | %s/s now | %s/s avg | %s received\n",
		done, total,
		helpers.BytesToSize(uint64(stats.CurrentBps)),
		helpers.BytesToSize(uint64(stats.AverageBps)),
		helpers.BytesToSize(uint64(stats.TotalBytes)))
	fmt.Fprint(writer, frame.String())
}

// printDownloadSummary prints the per-URL outcome table and returns the
// number of failed tasks.
func printDownloadSummary(tasks []*models.DownloadTask) int {
	fmt.Printf("\n--- Download Summary ---\n")
	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "Status\tModel\tURL\tDetail")
	fmt.Fprintln(tw, "------\t-----\t---\t------")

	failed := 0
	for _, task := range tasks {
		name := ""
		detail := task.ErrorMessage
		if task.ModelInfo != nil {
			name = task.ModelInfo.Name
			if task.Status == models.StatusCompleted && task.ModelInfo.Size > 0 {
				detail = helpers.BytesToSize(uint64(task.ModelInfo.Size))
			}
		}
		if task.Status == models.StatusFailed {
			failed++
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", task.Status, name, task.URL, detail)
	}
	if err := tw.Flush(); err != nil {
		log.WithError(err).Error("Error flushing table writer for download summary")
	}
	return failed
}
