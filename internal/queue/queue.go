// Package queue holds the ordered list of pending downloads and the
// task record for every URL that ever entered it.
package queue

import (
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"go-civitai-manager/internal/models"
)

// Listener receives queue events. Any field may be nil. Callbacks run
// synchronously on the mutating goroutine, after the queue lock is
// released, so they must not block for long.
type Listener struct {
	QueueSize   func(size int)
	TaskUpdated func(task *models.DownloadTask)
	Reordered   func(pending []string)
}

// Queue is a mutex-protected ordered pending list plus a URL-keyed task
// map. Invariants: every URL in the pending list maps to a QUEUED task,
// URLs in the list are unique, and each pending task's Priority equals
// its list index.
type Queue struct {
	mu        sync.Mutex
	tasks     map[string]*models.DownloadTask
	committed map[string]struct{}
	pending   []string
	listeners []Listener
}

func New() *Queue {
	return &Queue{
		tasks:     make(map[string]*models.DownloadTask),
		committed: make(map[string]struct{}),
	}
}

// Subscribe registers a listener for queue events.
func (q *Queue) Subscribe(l Listener) {
	q.mu.Lock()
	q.listeners = append(q.listeners, l)
	q.mu.Unlock()
}

// events buffers notifications recorded under the lock so they can be
// delivered after it is released.
type events struct {
	fire []func()
}

func (e *events) deliver() {
	for _, f := range e.fire {
		f()
	}
}

func (q *Queue) noteTask(ev *events, task *models.DownloadTask) {
	snapshot := task.Clone()
	for _, l := range q.listeners {
		if cb := l.TaskUpdated; cb != nil {
			ev.fire = append(ev.fire, func() { cb(snapshot) })
		}
	}
}

func (q *Queue) noteSize(ev *events) {
	size := len(q.pending)
	for _, l := range q.listeners {
		if cb := l.QueueSize; cb != nil {
			ev.fire = append(ev.fire, func() { cb(size) })
		}
	}
}

func (q *Queue) noteReorder(ev *events) {
	snapshot := append([]string(nil), q.pending...)
	for _, l := range q.listeners {
		if cb := l.Reordered; cb != nil {
			ev.fire = append(ev.fire, func() { cb(snapshot) })
		}
	}
}

// Add appends url as a fresh QUEUED task. URLs that already map to a
// non-terminal task are rejected; re-adding a terminal URL replaces the
// old record.
func (q *Queue) Add(url string) bool {
	url = strings.TrimSpace(url)
	if url == "" {
		return false
	}

	var ev events
	q.mu.Lock()
	if existing, ok := q.tasks[url]; ok && !existing.Terminal() {
		q.mu.Unlock()
		log.Infof("URL already in queue: %s", url)
		return false
	}

	task := &models.DownloadTask{
		URL:      url,
		Status:   models.StatusQueued,
		Priority: len(q.pending),
	}
	q.tasks[url] = task
	q.pending = append(q.pending, url)
	delete(q.committed, url)
	q.noteTask(&ev, task)
	q.noteSize(&ev)
	q.mu.Unlock()

	ev.deliver()
	return true
}

// AddMany adds each url in order and returns how many were accepted.
func (q *Queue) AddMany(urls []string) int {
	added := 0
	for _, url := range urls {
		if q.Add(url) {
			added++
		}
	}
	return added
}

// NextURL pops the head of the pending list, marks it DOWNLOADING and
// stamps its start time. Nil when the queue is empty.
func (q *Queue) NextURL() *models.DownloadTask {
	var ev events
	q.mu.Lock()
	if len(q.pending) == 0 {
		q.mu.Unlock()
		return nil
	}

	url := q.pending[0]
	q.pending = q.pending[1:]
	task := q.tasks[url]
	now := time.Now()
	task.Status = models.StatusDownloading
	task.StartTime = &now
	q.reindexLocked(&ev)
	q.noteTask(&ev, task)
	q.noteSize(&ev)
	snapshot := task.Clone()
	q.mu.Unlock()

	ev.deliver()
	return snapshot
}

// Claim marks url DOWNLOADING out of queue order, for callers that
// start a specific download directly. A pending task is pulled from the
// list; an unknown or terminal URL gets a fresh record; an in-flight
// one is refused.
func (q *Queue) Claim(url string) *models.DownloadTask {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil
	}

	var ev events
	q.mu.Lock()
	task, ok := q.tasks[url]
	switch {
	case ok && task.Status == models.StatusQueued:
		q.removePendingLocked(url)
		q.reindexLocked(&ev)
		q.noteSize(&ev)
	case ok && !task.Terminal():
		q.mu.Unlock()
		return nil
	default:
		task = &models.DownloadTask{URL: url}
		q.tasks[url] = task
		delete(q.committed, url)
	}

	now := time.Now()
	task.Status = models.StatusDownloading
	task.StartTime = &now
	task.EndTime = nil
	q.noteTask(&ev, task)
	snapshot := task.Clone()
	q.mu.Unlock()

	ev.deliver()
	return snapshot
}

// MoveToPosition moves a pending url to idx, clamped to the valid
// range, and re-indexes priorities. No-op for URLs not in the pending
// list.
func (q *Queue) MoveToPosition(url string, idx int) bool {
	var ev events
	q.mu.Lock()
	from := q.indexLocked(url)
	if from == -1 {
		q.mu.Unlock()
		return false
	}

	q.pending = append(q.pending[:from], q.pending[from+1:]...)
	if idx < 0 {
		idx = 0
	}
	if idx > len(q.pending) {
		idx = len(q.pending)
	}
	q.pending = append(q.pending, "")
	copy(q.pending[idx+1:], q.pending[idx:])
	q.pending[idx] = url

	q.reindexLocked(&ev)
	q.noteReorder(&ev)
	q.mu.Unlock()

	ev.deliver()
	return true
}

// Update mutates the task for url under the lock via fn and emits a
// task-updated event. Status changes that would pull a task back out of
// a terminal state are discarded.
func (q *Queue) Update(url string, fn func(*models.DownloadTask)) {
	var ev events
	q.mu.Lock()
	task, ok := q.tasks[url]
	if !ok {
		q.mu.Unlock()
		return
	}

	wasTerminal := task.Terminal()
	before := task.Status
	fn(task)
	if wasTerminal && task.Status != before {
		task.Status = before
	}
	q.noteTask(&ev, task)
	q.mu.Unlock()

	ev.deliver()
}

// Complete stamps the task terminal: COMPLETED with the populated info
// on success, FAILED with message otherwise. Returns false when the
// task is unknown or already terminal.
func (q *Queue) Complete(url string, success bool, message string, info *models.ModelInfo) bool {
	var ev events
	q.mu.Lock()
	task, ok := q.tasks[url]
	if !ok || task.Terminal() {
		q.mu.Unlock()
		return false
	}

	if q.indexLocked(url) != -1 {
		q.removePendingLocked(url)
		q.reindexLocked(&ev)
		q.noteSize(&ev)
	}
	now := time.Now()
	task.EndTime = &now
	if success {
		task.Status = models.StatusCompleted
		task.ModelInfo = info
		task.ModelProgress = 100
		task.ImageProgress = 100
	} else {
		task.Status = models.StatusFailed
		if message == "" {
			message = "Download failed"
		}
		task.ErrorMessage = message
	}
	q.noteTask(&ev, task)
	q.mu.Unlock()

	ev.deliver()
	return true
}

// Cancel marks a pending or in-flight task CANCELED. Pending tasks
// leave the list immediately; in-flight ones keep running until their
// worker observes its context. Committed, terminal and unknown URLs
// return false.
func (q *Queue) Cancel(url string) bool {
	var ev events
	q.mu.Lock()
	task, ok := q.tasks[url]
	if !ok || task.Terminal() {
		q.mu.Unlock()
		return false
	}
	if _, done := q.committed[url]; done {
		q.mu.Unlock()
		log.Debugf("Refusing to cancel %s: already committed", url)
		return false
	}

	if q.indexLocked(url) != -1 {
		q.removePendingLocked(url)
		q.reindexLocked(&ev)
		q.noteSize(&ev)
	}
	now := time.Now()
	task.Status = models.StatusCanceled
	task.EndTime = &now
	q.noteTask(&ev, task)
	q.mu.Unlock()

	ev.deliver()
	return true
}

// MarkCommitted records that the job for url has written its
// metadata.json. From this point a cancel request is refused; the
// download is effectively done.
func (q *Queue) MarkCommitted(url string) {
	q.mu.Lock()
	q.committed[url] = struct{}{}
	q.mu.Unlock()
}

// Clear cancels every pending task and empties the list. In-flight
// tasks are untouched.
func (q *Queue) Clear() {
	var ev events
	q.mu.Lock()
	now := time.Now()
	for _, url := range q.pending {
		task, ok := q.tasks[url]
		if !ok || task.Status != models.StatusQueued {
			continue
		}
		task.Status = models.StatusCanceled
		task.EndTime = &now
		q.noteTask(&ev, task)
	}
	q.pending = q.pending[:0]
	q.noteSize(&ev)
	q.mu.Unlock()

	ev.deliver()
}

// Get returns a copy of the task for url, or nil.
func (q *Queue) Get(url string) *models.DownloadTask {
	q.mu.Lock()
	defer q.mu.Unlock()
	if task, ok := q.tasks[url]; ok {
		return task.Clone()
	}
	return nil
}

// Size is the number of pending URLs.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// PendingURLs returns the pending list in order.
func (q *Queue) PendingURLs() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.pending...)
}

// Tasks returns a copy of every known task, pending first in queue
// order, then the rest in no particular order.
func (q *Queue) Tasks() []*models.DownloadTask {
	q.mu.Lock()
	defer q.mu.Unlock()

	tasks := make([]*models.DownloadTask, 0, len(q.tasks))
	inPending := make(map[string]struct{}, len(q.pending))
	for _, url := range q.pending {
		inPending[url] = struct{}{}
		tasks = append(tasks, q.tasks[url].Clone())
	}
	for url, task := range q.tasks {
		if _, ok := inPending[url]; !ok {
			tasks = append(tasks, task.Clone())
		}
	}
	return tasks
}

// indexLocked returns url's position in the pending list, or -1.
func (q *Queue) indexLocked(url string) int {
	for i, pending := range q.pending {
		if pending == url {
			return i
		}
	}
	return -1
}

func (q *Queue) removePendingLocked(url string) {
	if i := q.indexLocked(url); i != -1 {
		q.pending = append(q.pending[:i], q.pending[i+1:]...)
	}
}

// reindexLocked refreshes Priority so it equals the list index, and
// emits a task-updated event for every task whose priority moved.
func (q *Queue) reindexLocked(ev *events) {
	for i, url := range q.pending {
		task := q.tasks[url]
		if task.Priority != i {
			task.Priority = i
			q.noteTask(ev, task)
		}
	}
}
