package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"go-civitai-manager/internal/helpers"
	"go-civitai-manager/internal/models"
)

// Custom Downloader Errors
var (
	ErrCancelled    = errors.New("download cancelled")
	ErrDiskFull     = errors.New("not enough disk space")
	ErrHashMismatch = errors.New("hash mismatch")
	ErrHttpStatus   = errors.New("unexpected HTTP status code")
	ErrFileSystem   = errors.New("filesystem error") // Covers create, remove, rename
	ErrHttpRequest  = errors.New("HTTP request creation/execution error")
)

const (
	// Single image GETs are small and should fail fast.
	imageTimeout = 15 * time.Second

	chunkSize = 32 * 1024
	// At most one progress callback per progressStep bytes written.
	progressStep = 256 * 1024
)

// ProgressFunc receives streaming progress. totalBytes is 0 when the remote
// did not send a Content-Length.
type ProgressFunc func(bytesSoFar, totalBytes int64)

// Downloader streams model binaries and preview images to disk.
type Downloader struct {
	client      *http.Client
	imageClient *http.Client
	apiKey      string
	limiter     *rate.Limiter
}

// NewDownloader creates a new Downloader instance. speedLimitKB caps the
// model stream in KiB/s; 0 means unlimited. A nil client gets a default with
// no total timeout, since a model stream can legitimately run for hours.
func NewDownloader(client *http.Client, apiKey string, speedLimitKB int) *Downloader {
	if client == nil {
		client = &http.Client{}
	}
	d := &Downloader{
		client:      client,
		imageClient: &http.Client{Timeout: imageTimeout},
		apiKey:      apiKey,
	}
	if speedLimitKB > 0 {
		burst := speedLimitKB * 1024
		if burst < chunkSize {
			burst = chunkSize
		}
		d.limiter = rate.NewLimiter(rate.Limit(speedLimitKB*1024), burst)
	}
	return d
}

// DownloadFile streams url into the directory of destPath, writing through a
// temporary file that is renamed into place once the stream completes. When
// the response carries a Content-Disposition filename it replaces the base
// name of destPath. Returns the final path. Cancelling ctx between chunks
// returns ErrCancelled and leaves no partial file behind.
func (d *Downloader) DownloadFile(ctx context.Context, url, destPath string, onProgress ProgressFunc) (string, error) {
	if _, err := os.Stat(destPath); err == nil {
		log.Infof("File already exists, skipping download: %s", destPath)
		return destPath, nil
	}

	targetDir := filepath.Dir(destPath)
	if !helpers.CheckAndMakeDir(targetDir) {
		return "", fmt.Errorf("%w: failed to create target directory %s", ErrFileSystem, targetDir)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("%w: creating download request for %s: %w", ErrHttpRequest, url, err)
	}
	if d.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+d.apiKey)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", ErrCancelled
		}
		log.WithError(err).Errorf("Error performing download request from %s", url)
		return "", fmt.Errorf("%w: performing request for %s: %v", ErrHttpRequest, url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: received status %d from %s", ErrHttpStatus, resp.StatusCode, url)
	}

	finalPath := destPath
	if apiFilename := extractFilenameFromResponse(resp); apiFilename != "" {
		finalPath = filepath.Join(targetDir, apiFilename)
	}
	if _, err := os.Stat(finalPath); err == nil {
		log.Infof("File already exists, skipping download: %s", finalPath)
		return finalPath, nil
	}

	tempFile, err := os.CreateTemp(targetDir, filepath.Base(finalPath)+".*.tmp")
	if err != nil {
		return "", fmt.Errorf("%w: creating temporary file in %s: %w", ErrFileSystem, targetDir, err)
	}
	shouldCleanupTemp := true
	defer func() {
		if shouldCleanupTemp {
			if removeErr := os.Remove(tempFile.Name()); removeErr != nil {
				log.WithError(removeErr).Warnf("Failed to remove temporary file %s", tempFile.Name())
			}
		}
	}()

	totalBytes := resp.ContentLength
	if totalBytes < 0 {
		totalBytes = 0
	}
	log.Infof("Downloading %s (%s) to %s", url, helpers.BytesToSize(uint64(totalBytes)), finalPath)

	written, err := d.copyWithProgress(ctx, tempFile, resp.Body, totalBytes, onProgress)
	if err != nil {
		_ = tempFile.Close()
		return "", err
	}
	if err := tempFile.Close(); err != nil {
		return "", fmt.Errorf("%w: closing temporary file %s: %w", ErrFileSystem, tempFile.Name(), err)
	}

	if err := os.Rename(tempFile.Name(), finalPath); err != nil {
		return "", fmt.Errorf("%w: renaming %s to %s: %w", ErrFileSystem, tempFile.Name(), finalPath, err)
	}
	shouldCleanupTemp = false

	log.Infof("Successfully downloaded %s (%s)", finalPath, helpers.BytesToSize(uint64(written)))
	return finalPath, nil
}

// copyWithProgress copies src to dst in chunks, checking for cancellation
// between chunks and throttling through the rate limiter when one is set.
func (d *Downloader) copyWithProgress(ctx context.Context, dst io.Writer, src io.Reader, total int64, onProgress ProgressFunc) (int64, error) {
	buf := make([]byte, chunkSize)
	var written, lastReported int64

	for {
		if ctx.Err() != nil {
			return written, ErrCancelled
		}

		n, readErr := src.Read(buf)
		if n > 0 {
			if d.limiter != nil {
				if waitErr := d.limiter.WaitN(ctx, n); waitErr != nil {
					return written, ErrCancelled
				}
			}
			wn, writeErr := dst.Write(buf[:n])
			written += int64(wn)
			if writeErr != nil {
				if errors.Is(writeErr, syscall.ENOSPC) {
					return written, fmt.Errorf("%w: %v", ErrDiskFull, writeErr)
				}
				return written, fmt.Errorf("%w: writing chunk: %v", ErrFileSystem, writeErr)
			}
			if onProgress != nil && written-lastReported >= progressStep {
				onProgress(written, total)
				lastReported = written
			}
		}

		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			if ctx.Err() != nil {
				return written, ErrCancelled
			}
			return written, fmt.Errorf("%w: reading response body: %v", ErrHttpRequest, readErr)
		}
	}

	if onProgress != nil {
		onProgress(written, total)
	}
	return written, nil
}

// DownloadImage fetches a single preview image to destPath with a short
// timeout. Partial files are removed on error. The destination directory
// must already exist.
func (d *Downloader) DownloadImage(url, destPath string) error {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("%w: creating image request for %s: %w", ErrHttpRequest, url, err)
	}
	if d.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+d.apiKey)
	}

	resp, err := d.imageClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: performing image request for %s: %v", ErrHttpRequest, url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: received status %d for image %s", ErrHttpStatus, resp.StatusCode, url)
	}

	outFile, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("%w: creating image file %s: %w", ErrFileSystem, destPath, err)
	}
	defer outFile.Close()

	if _, err := io.Copy(outFile, resp.Body); err != nil {
		// Attempt to remove the partial file on error
		_ = os.Remove(destPath)
		return fmt.Errorf("writing image file %s: %w", destPath, err)
	}
	return nil
}

// ImageFilename derives the on-disk name for an image URL: the basename of
// the URL path with any query string dropped.
func ImageFilename(rawURL string) string {
	baseName := filepath.Base(rawURL)
	if i := strings.Index(baseName, "?"); i != -1 {
		baseName = baseName[:i]
	}
	if baseName == "" || baseName == "." || baseName == "/" {
		baseName = "unknown_image"
	}
	return baseName
}

// extractFilenameFromResponse extracts a filename from the
// Content-Disposition header, or returns "" when there is none.
func extractFilenameFromResponse(resp *http.Response) string {
	contentDisposition := resp.Header.Get("Content-Disposition")
	if contentDisposition == "" {
		return ""
	}

	_, params, err := mime.ParseMediaType(contentDisposition)
	if err == nil && params["filename"] != "" {
		log.Infof("Received filename from Content-Disposition: %s", params["filename"])
		return params["filename"]
	}
	if err != nil {
		log.WithError(err).Warnf("Could not parse Content-Disposition header: %s", contentDisposition)
	}
	return ""
}

// VerifyFile checks the file against the strongest hash the API reported.
// An empty hash set is not an error; callers that care only warn on
// ErrHashMismatch.
func VerifyFile(path string, hashes models.Hashes) error {
	if hashes.BLAKE3 == "" && hashes.SHA256 == "" && hashes.CRC32 == "" {
		log.Debugf("No hashes available for %s, skipping verification", filepath.Base(path))
		return nil
	}
	if !helpers.CheckHash(path, hashes) {
		return fmt.Errorf("%s: %w", filepath.Base(path), ErrHashMismatch)
	}
	return nil
}
