// Package manager coordinates download jobs. It owns the shared queue,
// the bandwidth monitor and the set of running workers, and spawns one
// worker goroutine per active URL.
package manager

import (
	"context"
	"strings"
	"sync"

	"go-civitai-manager/internal/api"
	"go-civitai-manager/internal/bandwidth"
	"go-civitai-manager/internal/downloader"
	"go-civitai-manager/internal/models"
	"go-civitai-manager/internal/queue"
	"go-civitai-manager/internal/storage"

	log "github.com/sirupsen/logrus"
)

// ProgressFunc receives task progress while a worker runs. Numeric fields
// are -1 and string fields empty when the value is unchanged since the
// previous call.
type ProgressFunc func(message string, modelProgress, imageProgress int, status models.TaskStatus, bytes int64)

// DoneFunc fires once per job after its terminal status is stored.
type DoneFunc func(url string, success bool, message string)

// Recorder persists terminal task snapshots.
type Recorder interface {
	RecordTask(task *models.DownloadTask) error
}

// Indexer maintains the searchable model library.
type Indexer interface {
	IndexModel(info *models.ModelInfo) error
}

// Manager owns the download queue and the registry of running workers.
// Each worker holds its own cancellation token; the manager imposes no
// global concurrency limit beyond what ProcessQueue is asked for.
type Manager struct {
	cfg     models.Config
	client  *api.Client
	dl      *downloader.Downloader
	store   *storage.Manager
	queue   *queue.Queue
	monitor *bandwidth.Monitor

	history Recorder
	index   Indexer

	mu     sync.Mutex
	active map[string]context.CancelFunc
}

// New builds a Manager around the shared API client, downloader and
// storage layout. History recording and indexing stay disabled until
// wired with SetHistory / SetIndex.
func New(cfg models.Config, client *api.Client, dl *downloader.Downloader, store *storage.Manager) *Manager {
	return &Manager{
		cfg:     cfg,
		client:  client,
		dl:      dl,
		store:   store,
		queue:   queue.New(),
		monitor: bandwidth.NewMonitor(cfg.BandwidthWindow, 0),
		active:  make(map[string]context.CancelFunc),
	}
}

// SetHistory wires the registry that records terminal tasks. Wire it
// before the first download starts.
func (m *Manager) SetHistory(r Recorder) { m.history = r }

// SetIndex wires the library search index. Wire it before the first
// download starts.
func (m *Manager) SetIndex(ix Indexer) { m.index = ix }

// Queue exposes the managed queue for enqueueing, reordering and
// subscriptions.
func (m *Manager) Queue() *queue.Queue { return m.queue }

// BandwidthStats is a point-in-time view of transfer throughput.
type BandwidthStats struct {
	CurrentBps float64
	AverageBps float64
	TotalBytes int64
}

// BandwidthStats aggregates the monitor counters.
func (m *Manager) BandwidthStats() BandwidthStats {
	return BandwidthStats{
		CurrentBps: m.monitor.Current(),
		AverageBps: m.monitor.Average(),
		TotalBytes: m.monitor.TotalBytes(),
	}
}

// ActiveCount returns the number of running workers.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// StartDownload begins a background worker for url. It refuses URLs that
// already have a running worker or an in-flight task. onProgress and
// onDone may be nil.
func (m *Manager) StartDownload(url string, onProgress ProgressFunc, onDone DoneFunc) bool {
	url = strings.TrimSpace(url)
	if url == "" {
		return false
	}

	m.mu.Lock()
	if _, busy := m.active[url]; busy {
		m.mu.Unlock()
		log.Infof("Download already in progress: %s", url)
		return false
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.active[url] = cancel
	m.mu.Unlock()

	if task := m.queue.Claim(url); task == nil {
		m.mu.Lock()
		delete(m.active, url)
		m.mu.Unlock()
		cancel()
		log.Infof("Refusing to start %s: task is already in flight", url)
		return false
	}

	go func() {
		defer cancel()
		message, err := m.runJob(ctx, url, onProgress)

		m.mu.Lock()
		delete(m.active, url)
		m.mu.Unlock()

		if onDone != nil {
			onDone(url, err == nil, message)
		}
	}()
	return true
}

// CancelDownload flips the worker token for url and/or cancels its
// queued task. True when anything changed state.
func (m *Manager) CancelDownload(url string) bool {
	m.mu.Lock()
	cancel, running := m.active[url]
	m.mu.Unlock()

	flipped := m.queue.Cancel(url)
	if running {
		log.Infof("Cancellation requested for %s", url)
		cancel()
	}
	return running || flipped
}

// CancelAll cancels every running worker. Pending tasks stay queued;
// use Queue().Clear() to drop those too.
func (m *Manager) CancelAll() {
	m.mu.Lock()
	urls := make([]string, 0, len(m.active))
	for url := range m.active {
		urls = append(urls, url)
	}
	m.mu.Unlock()

	if len(urls) == 0 {
		return
	}
	log.Infof("Cancelling %d active downloads", len(urls))
	for _, url := range urls {
		m.CancelDownload(url)
	}
}

// ProcessQueue drains the pending list with at most workers simultaneous
// jobs, blocking until the list is empty and every started job has
// finished. A task is only marked DOWNLOADING once a worker slot is
// free.
func (m *Manager) ProcessQueue(workers int, onProgress ProgressFunc, onDone DoneFunc) {
	if workers <= 0 {
		workers = 1
	}

	var wg sync.WaitGroup
	sem := make(chan struct{}, workers)
	for {
		sem <- struct{}{}
		task := m.queue.NextURL()
		if task == nil {
			<-sem
			break
		}

		url := task.URL
		ctx, cancel := context.WithCancel(context.Background())
		m.mu.Lock()
		if _, busy := m.active[url]; busy {
			m.mu.Unlock()
			cancel()
			<-sem
			log.Warnf("Skipping %s: a worker is already registered", url)
			m.queue.Complete(url, false, "another download is active for this URL", nil)
			continue
		}
		m.active[url] = cancel
		m.mu.Unlock()

		wg.Add(1)
		go func(ctx context.Context, cancel context.CancelFunc, url string) {
			defer func() {
				cancel()
				<-sem
				wg.Done()
			}()
			message, err := m.runJob(ctx, url, onProgress)

			m.mu.Lock()
			delete(m.active, url)
			m.mu.Unlock()

			if onDone != nil {
				onDone(url, err == nil, message)
			}
		}(ctx, cancel, url)
	}
	wg.Wait()
}
