package manager

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go-civitai-manager/internal/api"
	"go-civitai-manager/internal/downloader"
	"go-civitai-manager/internal/gallery"
	"go-civitai-manager/internal/helpers"
	"go-civitai-manager/internal/models"
	"go-civitai-manager/internal/storage"

	"github.com/pkg/browser"
	log "github.com/sirupsen/logrus"
)

const (
	defaultMaxImages    = 9
	defaultImageWorkers = 4
)

// imageJob is one preview image handed to the fanout workers.
type imageJob struct {
	// Strings first
	SourceURL  string
	TargetPath string
	// Integer
	Index int
}

// runJob executes the download pipeline for url: parse, fetch metadata,
// resolve the target folder, stream the model file, fan out preview
// images, write metadata.json, emit the gallery page and complete the
// task. The terminal status is stored in the queue before returning;
// the returned message is the final user-facing line.
//
// metadata.json is the commit point. Cancellation observed before the
// write wins and leaves the partial directory in place; after the write
// the queue refuses cancels and the job completes.
func (m *Manager) runJob(ctx context.Context, url string, emit ProgressFunc) (string, error) {
	report := func(message string, modelPct, imagePct int, status models.TaskStatus, bytes int64) {
		if modelPct >= 0 || imagePct >= 0 {
			m.queue.Update(url, func(t *models.DownloadTask) {
				// Progress never regresses.
				if modelPct > t.ModelProgress {
					t.ModelProgress = modelPct
				}
				if imagePct > t.ImageProgress {
					t.ImageProgress = imagePct
				}
			})
		}
		if emit != nil {
			emit(message, modelPct, imagePct, status, bytes)
		}
	}

	fail := func(err error) (string, error) {
		if errors.Is(err, downloader.ErrCancelled) || ctx.Err() != nil {
			log.Infof("Download cancelled for %s", url)
			m.queue.Cancel(url)
			m.recordHistory(url)
			report("Download cancelled", -1, -1, models.StatusCanceled, -1)
			return "Download cancelled", downloader.ErrCancelled
		}
		message := err.Error()
		log.WithError(err).Errorf("Download failed for %s", url)
		m.queue.Complete(url, false, message, nil)
		m.recordHistory(url)
		report(message, -1, -1, models.StatusFailed, -1)
		return message, err
	}

	report("Fetching model information...", 0, 0, models.StatusDownloading, -1)

	modelID, versionID, err := api.ParseModelURL(url)
	if err != nil {
		return fail(err)
	}

	maxImages := m.cfg.TopImageCount
	if maxImages <= 0 {
		maxImages = defaultMaxImages
	}
	info, err := m.client.FetchModelInfo(modelID, versionID, maxImages)
	if err != nil {
		return fail(err)
	}

	dir, err := m.store.ResolveDir(info)
	if err != nil {
		return fail(err)
	}

	if m.cfg.DownloadModel {
		report(fmt.Sprintf("Downloading %s...", info.Name), -1, -1, "", -1)
		if err := m.downloadModelFile(ctx, info, dir, report); err != nil {
			return fail(err)
		}
	}

	if ctx.Err() != nil {
		return fail(downloader.ErrCancelled)
	}

	m.filterImages(info)

	if m.cfg.DownloadImages && len(info.Images) > 0 {
		report(fmt.Sprintf("Downloading %d images...", len(info.Images)), -1, -1, "", -1)
		if err := m.downloadImageSet(ctx, info, dir, report); err != nil {
			return fail(err)
		}
	} else {
		report("", -1, 100, "", -1)
	}

	report("Saving metadata...", -1, -1, "", -1)
	now := time.Now().Format(models.TimeFormat)
	info.DownloadDate = now
	info.LastUpdated = now
	info.Path = dir
	if err := storage.WriteMetadata(dir, info); err != nil {
		return fail(err)
	}
	m.queue.MarkCommitted(url)

	if m.cfg.CreateHTML {
		page, err := gallery.Emit(dir, info)
		if err != nil {
			log.WithError(err).Errorf("Failed to write gallery page for %s", info.Name)
		} else if m.cfg.AutoOpenHTML {
			if err := browser.OpenFile(page); err != nil {
				log.WithError(err).Warnf("Failed to open %s", page)
			}
		}
	}

	message := fmt.Sprintf("Successfully downloaded %s", info.Name)
	if !m.queue.Complete(url, true, message, info) {
		// A cancel slipped in before the commit was marked; the stored
		// status wins.
		m.recordHistory(url)
		report("Download cancelled", -1, -1, models.StatusCanceled, -1)
		return "Download cancelled", downloader.ErrCancelled
	}
	m.recordHistory(url)
	m.indexModel(info)

	report(message, 100, 100, models.StatusCompleted, -1)
	log.Info(message)
	return message, nil
}

// downloadModelFile streams the primary model binary into dir, feeding
// byte deltas to the bandwidth monitor and percentages to report. When
// the remote supplied hashes and verification is enabled, a mismatch is
// logged but does not fail the download.
func (m *Manager) downloadModelFile(ctx context.Context, info *models.ModelInfo, dir string, report ProgressFunc) error {
	if info.DownloadURL == "" {
		return fmt.Errorf("no downloadable file for %s", info.Name)
	}

	destPath := filepath.Join(dir, helpers.SanitizeName(info.Name)+".safetensors")
	var lastBytes int64
	finalPath, err := m.dl.DownloadFile(ctx, info.DownloadURL, destPath, func(done, total int64) {
		if delta := done - lastBytes; delta > 0 {
			m.monitor.AddDataPoint(delta)
		}
		lastBytes = done
		pct := -1
		if total > 0 {
			pct = int(done * 100 / total)
		}
		report("", pct, -1, "", done)
	})
	if err != nil {
		return err
	}

	if m.cfg.VerifyHashes {
		if err := downloader.VerifyFile(finalPath, info.Hashes); err != nil {
			log.WithError(err).Warnf("Hash verification failed for %s", filepath.Base(finalPath))
		}
	}
	if fi, err := os.Stat(finalPath); err == nil {
		info.Size = fi.Size()
	}
	report("", 100, -1, "", lastBytes)
	return nil
}

// filterImages drops NSFW previews unless the config allows them.
func (m *Manager) filterImages(info *models.ModelInfo) {
	if m.cfg.DownloadNsfw {
		return
	}
	kept := make([]models.ImageInfo, 0, len(info.Images))
	for _, img := range info.Images {
		if img.Nsfw {
			continue
		}
		kept = append(kept, img)
	}
	if dropped := len(info.Images) - len(kept); dropped > 0 {
		log.Infof("Filtered %d NSFW images for %s", dropped, info.Name)
	}
	info.Images = kept
}

// downloadImageSet fans preview downloads out over a bounded worker
// pool. An existing file counts as done without a request; individual
// failures are logged and skipped. Returns ErrCancelled when ctx dies
// mid-set.
func (m *Manager) downloadImageSet(ctx context.Context, info *models.ModelInfo, dir string, report ProgressFunc) error {
	total := len(info.Images)
	imageDir := filepath.Join(dir, "images")
	if !helpers.CheckAndMakeDir(imageDir) {
		return fmt.Errorf("cannot create image directory %s", imageDir)
	}

	workers := m.cfg.DownloadThreads
	if workers <= 0 {
		workers = defaultImageWorkers
	}
	if workers > total {
		workers = total
	}

	jobs := make(chan imageJob, workers*2)
	var wg sync.WaitGroup
	var done, succeeded int64

	// Each index is touched by exactly one job, so writing LocalPath
	// needs no extra locking.
	finish := func(idx int, localPath string) {
		if localPath != "" {
			info.Images[idx].LocalPath = localPath
			atomic.AddInt64(&succeeded, 1)
		}
		n := atomic.AddInt64(&done, 1)
		report("", -1, int(n*100/int64(total)), "", -1)
	}

	for w := 1; w <= workers; w++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for job := range jobs {
				if ctx.Err() != nil {
					finish(job.Index, "")
					continue
				}
				if _, err := os.Stat(job.TargetPath); err == nil {
					log.Debugf("[ImgWorker-%d] Skipping %s: already present", id, filepath.Base(job.TargetPath))
					finish(job.Index, job.TargetPath)
					continue
				}
				if err := m.dl.DownloadImage(job.SourceURL, job.TargetPath); err != nil {
					log.WithError(err).Errorf("[ImgWorker-%d] Failed to download image %s", id, job.SourceURL)
					finish(job.Index, "")
					continue
				}
				finish(job.Index, job.TargetPath)
			}
		}(w)
	}

	for idx := range info.Images {
		if ctx.Err() != nil {
			break
		}
		img := &info.Images[idx]
		jobs <- imageJob{
			SourceURL:  img.URL,
			TargetPath: filepath.Join(imageDir, downloader.ImageFilename(img.URL)),
			Index:      idx,
		}
	}
	close(jobs)
	wg.Wait()

	if ctx.Err() != nil {
		return downloader.ErrCancelled
	}

	for i := range info.Images {
		if info.Images[i].LocalPath != "" {
			info.Thumbnail = info.Images[i].LocalPath
			break
		}
	}
	log.Infof("Downloaded %d/%d images for %s", atomic.LoadInt64(&succeeded), total, info.Name)
	return nil
}

// recordHistory stores the terminal task snapshot, best-effort.
func (m *Manager) recordHistory(url string) {
	if m.history == nil {
		return
	}
	task := m.queue.Get(url)
	if task == nil || !task.Status.Terminal() {
		return
	}
	if err := m.history.RecordTask(task); err != nil {
		log.WithError(err).Warnf("Failed to record history for %s", url)
	}
}

// indexModel adds the downloaded model to the search index, best-effort.
func (m *Manager) indexModel(info *models.ModelInfo) {
	if m.index == nil {
		return
	}
	if err := m.index.IndexModel(info); err != nil {
		log.WithError(err).Warnf("Failed to index %s", info.Name)
	}
}
