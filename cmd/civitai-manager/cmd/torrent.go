package cmd

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/anacrolix/torrent/bencode"
	"github.com/anacrolix/torrent/metainfo"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"go-civitai-manager/internal/storage"
)

// torrentPieceLength is the piece size used for generated torrents.
const torrentPieceLength = 512 * 1024

// Package-level variables for torrent flags
var (
	torrentAnnounceURLs []string
	torrentModelIDs     []int
	torrentOutputDir    string
	torrentOverwrite    bool
	torrentMagnetLinks  bool
	torrentConcurrency  int
)

// torrentJob carries one model directory through the worker pool.
type torrentJob struct {
	SourcePath string
	ModelName  string
	ModelID    int
}

var torrentCmd = &cobra.Command{
	Use:   "torrent",
	Short: "Generate .torrent files for installed models",
	Long: `Generates one BitTorrent metainfo (.torrent) file per installed model
directory, covering the model binary, previews and metadata. Tracker
announce URLs are required. By default every installed model is
processed; restrict with --model-id.`,
	RunE: runTorrent,
}

func init() {
	rootCmd.AddCommand(torrentCmd)

	torrentCmd.Flags().StringSliceVar(&torrentAnnounceURLs, "announce", nil, "Tracker announce URL (repeatable)")
	torrentCmd.Flags().IntSliceVar(&torrentModelIDs, "model-id", nil, "Only generate torrents for these model ids (repeatable)")
	torrentCmd.Flags().StringVarP(&torrentOutputDir, "output-dir", "o", "", "Directory for the .torrent files (default: inside each model directory)")
	torrentCmd.Flags().BoolVarP(&torrentOverwrite, "overwrite", "f", false, "Overwrite existing .torrent files")
	torrentCmd.Flags().BoolVar(&torrentMagnetLinks, "magnet-links", false, "Write a magnet link .txt next to each .torrent")
	torrentCmd.Flags().IntVarP(&torrentConcurrency, "concurrency", "c", 4, "Concurrent torrent generation workers")
}

func runTorrent(cmd *cobra.Command, args []string) error {
	if len(torrentAnnounceURLs) == 0 {
		return errors.New("at least one --announce URL is required")
	}
	if err := requireComfyPath(); err != nil {
		return err
	}
	concurrency := torrentConcurrency
	if concurrency <= 0 {
		log.Warnf("Invalid concurrency %d, defaulting to 4", concurrency)
		concurrency = 4
	}

	jobsList := collectTorrentJobs()
	if len(jobsList) == 0 {
		if len(torrentModelIDs) > 0 {
			log.Warnf("No installed models match ids %v", torrentModelIDs)
		} else {
			log.Info("No installed models found.")
		}
		return nil
	}

	log.Infof("Generating torrents for %d model directories with %d workers...", len(jobsList), concurrency)

	jobs := make(chan torrentJob, concurrency)
	var wg sync.WaitGroup
	var succeeded, failed atomic.Int64
	for w := 1; w <= concurrency; w++ {
		wg.Add(1)
		go torrentWorker(w, jobs, &wg, &succeeded, &failed)
	}
	for _, job := range jobsList {
		jobs <- job
	}
	close(jobs)
	wg.Wait()

	log.Infof("Torrent generation complete. Success: %d, Failed: %d", succeeded.Load(), failed.Load())
	if failed.Load() > 0 {
		return fmt.Errorf("%d torrents failed to generate", failed.Load())
	}
	return nil
}

// collectTorrentJobs scans the library and builds one job per model
// directory, filtered by --model-id when given.
func collectTorrentJobs() []torrentJob {
	wanted := make(map[int]struct{}, len(torrentModelIDs))
	for _, id := range torrentModelIDs {
		wanted[id] = struct{}{}
	}

	store := storage.NewManager(globalConfig.ComfyPath)
	var jobsList []torrentJob
	seen := make(map[string]struct{})
	for _, info := range store.Scan() {
		if len(wanted) > 0 {
			if _, ok := wanted[info.ID]; !ok {
				continue
			}
		}
		if _, dup := seen[info.Path]; dup {
			continue
		}
		seen[info.Path] = struct{}{}
		jobsList = append(jobsList, torrentJob{SourcePath: info.Path, ModelName: info.Name, ModelID: info.ID})
	}
	return jobsList
}

func torrentWorker(id int, jobs <-chan torrentJob, wg *sync.WaitGroup, succeeded, failed *atomic.Int64) {
	defer wg.Done()
	log.Debugf("Torrent worker %d starting", id)
	for job := range jobs {
		fields := log.Fields{"modelID": job.ModelID, "modelName": job.ModelName, "directory": job.SourcePath}
		log.WithFields(fields).Infof("Worker %d: generating torrent for %s", id, job.SourcePath)
		if _, err := generateTorrentFile(job.SourcePath); err != nil {
			log.WithFields(fields).WithError(err).Errorf("Worker %d: torrent generation failed", id)
			failed.Add(1)
			continue
		}
		succeeded.Add(1)
	}
	log.Debugf("Torrent worker %d finished", id)
}

// generateTorrentFile builds the metainfo for one model directory and
// writes the .torrent (and optional magnet link file), honoring the
// --output-dir and --overwrite flags. Returns the .torrent path.
func generateTorrentFile(sourcePath string) (string, error) {
	stat, err := os.Stat(sourcePath)
	if err != nil {
		return "", fmt.Errorf("cannot stat source path %s: %w", sourcePath, err)
	}
	if !stat.IsDir() {
		return "", fmt.Errorf("source path %s is not a directory", sourcePath)
	}

	outPath := filepath.Join(sourcePath, filepath.Base(sourcePath)+".torrent")
	if torrentOutputDir != "" {
		if err := os.MkdirAll(torrentOutputDir, 0750); err != nil {
			return "", fmt.Errorf("cannot create output directory %s: %w", torrentOutputDir, err)
		}
		outPath = filepath.Join(torrentOutputDir, filepath.Base(sourcePath)+".torrent")
	}
	if !torrentOverwrite {
		if _, err := os.Stat(outPath); err == nil {
			log.WithField("path", outPath).Info("Skipping existing torrent file (use --overwrite to replace)")
			return outPath, nil
		}
	}

	mi, info, err := buildTorrentMetainfo(sourcePath)
	if err != nil {
		return "", err
	}
	if err := writeTorrentFile(outPath, mi); err != nil {
		return "", err
	}
	log.WithField("path", outPath).Info("Generated torrent file")

	if torrentMagnetLinks {
		magnetPath := strings.TrimSuffix(outPath, ".torrent") + "-magnet.txt"
		if err := os.WriteFile(magnetPath, []byte(magnetURI(mi, info)), 0600); err != nil {
			// A missing magnet file is an inconvenience, not a failed torrent.
			log.WithError(err).Warnf("Could not write magnet link file %s", magnetPath)
		}
	}
	return outPath, nil
}

// buildTorrentMetainfo hashes the directory contents into a metainfo
// structure with the valid trackers attached.
func buildTorrentMetainfo(sourcePath string) (*metainfo.MetaInfo, metainfo.Info, error) {
	trackers := validTrackers(torrentAnnounceURLs)
	if len(trackers) == 0 {
		return nil, metainfo.Info{}, errors.New("no valid tracker URLs given")
	}

	mi := &metainfo.MetaInfo{
		Announce:     trackers[0],
		AnnounceList: [][]string{trackers},
		CreatedBy:    "civitai-manager",
		CreationDate: time.Now().Unix(),
	}

	info := metainfo.Info{
		PieceLength: torrentPieceLength,
		Name:        filepath.Base(sourcePath),
	}
	if err := info.BuildFromFilePath(sourcePath); err != nil {
		return nil, metainfo.Info{}, fmt.Errorf("error building torrent info from %s: %w", sourcePath, err)
	}
	if len(info.Files) == 0 && info.Length == 0 {
		return nil, metainfo.Info{}, fmt.Errorf("no files found under %s", sourcePath)
	}

	infoBytes, err := bencode.Marshal(info)
	if err != nil {
		return nil, metainfo.Info{}, fmt.Errorf("error marshaling torrent info: %w", err)
	}
	mi.InfoBytes = infoBytes
	return mi, info, nil
}

// validTrackers keeps the announce URLs with a usable scheme.
func validTrackers(trackers []string) []string {
	valid := make([]string, 0, len(trackers))
	for _, tracker := range trackers {
		parsed, err := url.Parse(tracker)
		if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https" && parsed.Scheme != "udp") {
			log.WithField("tracker", tracker).Warn("Skipping invalid or unsupported tracker URL")
			continue
		}
		valid = append(valid, tracker)
	}
	return valid
}

func writeTorrentFile(outPath string, mi *metainfo.MetaInfo) (err error) {
	f, err := os.Create(outPath) // #nosec G304
	if err != nil {
		return fmt.Errorf("error creating torrent file %s: %w", outPath, err)
	}
	defer func() {
		if closeErr := f.Close(); err == nil && closeErr != nil {
			err = fmt.Errorf("error closing torrent file %s: %w", outPath, closeErr)
		}
		if err != nil {
			if removeErr := os.Remove(outPath); removeErr != nil && !os.IsNotExist(removeErr) {
				log.WithError(removeErr).Warnf("Failed to clean up partial torrent file %s", outPath)
			}
		}
	}()

	if err = mi.Write(f); err != nil {
		return fmt.Errorf("error writing torrent file %s: %w", outPath, err)
	}
	return nil
}

// magnetURI renders the magnet link for a generated torrent.
func magnetURI(mi *metainfo.MetaInfo, info metainfo.Info) string {
	parts := []string{
		fmt.Sprintf("magnet:?xt=urn:btih:%s", mi.HashInfoBytes().HexString()),
		fmt.Sprintf("dn=%s", url.QueryEscape(info.Name)),
	}
	seen := make(map[string]struct{})
	for _, tier := range mi.AnnounceList {
		for _, tracker := range tier {
			if _, dup := seen[tracker]; dup {
				continue
			}
			seen[tracker] = struct{}{}
			parts = append(parts, fmt.Sprintf("tr=%s", url.QueryEscape(tracker)))
		}
	}
	return strings.Join(parts, "&")
}
