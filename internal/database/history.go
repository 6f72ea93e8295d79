package database

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	log "github.com/sirupsen/logrus"
	"github.com/zeebo/blake3"

	"go-civitai-manager/internal/models"
)

// taskKeyPrefix namespaces history entries in the store.
const taskKeyPrefix = "t_"

// TaskKey derives the storage key for a download URL.
func TaskKey(url string) []byte {
	sum := blake3.Sum256([]byte(url))
	return []byte(taskKeyPrefix + hex.EncodeToString(sum[:])[:24])
}

// RecordTask stores a snapshot of a terminal task, replacing any earlier
// entry for the same URL.
func (d *DB) RecordTask(task *models.DownloadTask) error {
	if task == nil || task.URL == "" {
		return errors.New("cannot record a task without a URL")
	}
	if !task.Terminal() {
		return fmt.Errorf("cannot record task for %s: status %s is not terminal", task.URL, task.Status)
	}

	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task for %s: %w", task.URL, err)
	}
	return d.Put(TaskKey(task.URL), data)
}

// GetTask loads the recorded task for a URL, or ErrNotFound.
func (d *DB) GetTask(url string) (*models.DownloadTask, error) {
	data, err := d.Get(TaskKey(url))
	if err != nil {
		return nil, err
	}

	var task models.DownloadTask
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, fmt.Errorf("failed to unmarshal task for %s: %w", url, err)
	}
	return &task, nil
}

// DeleteTask removes the recorded task for a URL.
func (d *DB) DeleteTask(url string) error {
	return d.Delete(TaskKey(url))
}

// Tasks returns all recorded tasks, most recently finished first.
// Corrupt entries are skipped with a warning.
func (d *DB) Tasks() ([]*models.DownloadTask, error) {
	// Collect keys first; Get inside the fold would nest read locks.
	var keys [][]byte
	err := d.Fold(func(key []byte) error {
		if bytes.HasPrefix(key, []byte(taskKeyPrefix)) {
			keys = append(keys, append([]byte(nil), key...))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list history keys: %w", err)
	}

	tasks := make([]*models.DownloadTask, 0, len(keys))
	for _, key := range keys {
		data, err := d.Get(key)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}

		var task models.DownloadTask
		if err := json.Unmarshal(data, &task); err != nil {
			log.WithError(err).Warnf("Skipping corrupt history entry %s", string(key))
			continue
		}
		tasks = append(tasks, &task)
	}

	sort.SliceStable(tasks, func(i, j int) bool {
		ti, tj := tasks[i].EndTime, tasks[j].EndTime
		switch {
		case ti == nil && tj == nil:
			return tasks[i].URL < tasks[j].URL
		case ti == nil:
			return false
		case tj == nil:
			return true
		case !ti.Equal(*tj):
			return ti.After(*tj)
		default:
			return tasks[i].URL < tasks[j].URL
		}
	})
	return tasks, nil
}
