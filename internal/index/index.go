// Package index maintains a bleve full-text index over the local model
// library. Documents are keyed by model directory path so a rebuild from
// a filesystem scan replaces entries in place.
package index

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/blevesearch/bleve/v2"
	log "github.com/sirupsen/logrus"

	"go-civitai-manager/internal/models"
)

// Document is the flattened, searchable view of one model directory.
// Field names follow the metadata.json keys.
type Document struct {
	Name        string   `json:"name"`
	Type        string   `json:"type"`
	BaseModel   string   `json:"baseModel"`
	Creator     string   `json:"creator"`
	VersionName string   `json:"versionName"`
	Description string   `json:"description"`
	Tags        []string `json:"tags"`
	Path        string   `json:"path"`
}

// Hit is one search result.
type Hit struct {
	Path      string
	Score     float64
	Name      string
	Type      string
	BaseModel string
	Creator   string
	Tags      []string
}

// Index wraps a bleve index of the scanned library.
type Index struct {
	idx bleve.Index
}

// OpenOrCreateIndex opens the index at path, creating it when missing.
func OpenOrCreateIndex(path string) (*Index, error) {
	idx, err := bleve.Open(path)
	if errors.Is(err, bleve.ErrorIndexPathDoesNotExist) {
		if dir := filepath.Dir(path); dir != "." && dir != "/" {
			if mkErr := os.MkdirAll(dir, 0700); mkErr != nil {
				return nil, fmt.Errorf("failed to create index directory %s: %w", dir, mkErr)
			}
		}
		log.Infof("Creating new search index at %s", path)
		idx, err = bleve.New(path, bleve.NewIndexMapping())
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open search index at %s: %w", path, err)
	}
	return &Index{idx: idx}, nil
}

func documentFor(info *models.ModelInfo) Document {
	return Document{
		Name:        info.Name,
		Type:        info.Type,
		BaseModel:   info.BaseModel,
		Creator:     info.Creator,
		VersionName: info.VersionName,
		Description: info.Description,
		Tags:        info.Tags,
		Path:        info.Path,
	}
}

// IndexModel adds or replaces the document for a model. The model must
// carry its directory path, which serves as the document id.
func (i *Index) IndexModel(info *models.ModelInfo) error {
	if info == nil || info.Path == "" {
		return errors.New("cannot index a model without a path")
	}
	if err := i.idx.Index(info.Path, documentFor(info)); err != nil {
		return fmt.Errorf("failed to index %s: %w", info.Name, err)
	}
	return nil
}

// Remove deletes the document for a model directory path.
func (i *Index) Remove(path string) error {
	if err := i.idx.Delete(path); err != nil {
		return fmt.Errorf("failed to remove %s from index: %w", path, err)
	}
	return nil
}

// Rebuild replaces the whole index contents with the given models in one
// batch. Models without a path are skipped with a warning.
func (i *Index) Rebuild(infos []*models.ModelInfo) error {
	count, err := i.idx.DocCount()
	if err != nil {
		return fmt.Errorf("failed to count index documents: %w", err)
	}

	batch := i.idx.NewBatch()
	if count > 0 {
		all := bleve.NewSearchRequestOptions(bleve.NewMatchAllQuery(), int(count), 0, false)
		existing, err := i.idx.Search(all)
		if err != nil {
			return fmt.Errorf("failed to enumerate index documents: %w", err)
		}
		for _, hit := range existing.Hits {
			batch.Delete(hit.ID)
		}
	}

	indexed := 0
	for _, info := range infos {
		if info == nil || info.Path == "" {
			log.Warnf("Skipping unindexable model %q: no path", safeName(info))
			continue
		}
		if err := batch.Index(info.Path, documentFor(info)); err != nil {
			return fmt.Errorf("failed to stage %s for indexing: %w", info.Path, err)
		}
		indexed++
	}

	if err := i.idx.Batch(batch); err != nil {
		return fmt.Errorf("failed to apply index batch: %w", err)
	}
	log.Infof("Rebuilt search index with %d models", indexed)
	return nil
}

// Search runs a query-string query over the library and returns scored
// hits, best first.
func (i *Index) Search(query string, limit int) ([]Hit, error) {
	if limit <= 0 {
		limit = 25
	}

	req := bleve.NewSearchRequestOptions(bleve.NewQueryStringQuery(query), limit, 0, false)
	req.Fields = []string{"name", "type", "baseModel", "creator", "tags"}
	result, err := i.idx.Search(req)
	if err != nil {
		return nil, fmt.Errorf("search for %q failed: %w", query, err)
	}

	hits := make([]Hit, 0, len(result.Hits))
	for _, h := range result.Hits {
		hits = append(hits, Hit{
			Path:      h.ID,
			Score:     h.Score,
			Name:      fieldString(h.Fields["name"]),
			Type:      fieldString(h.Fields["type"]),
			BaseModel: fieldString(h.Fields["baseModel"]),
			Creator:   fieldString(h.Fields["creator"]),
			Tags:      fieldStrings(h.Fields["tags"]),
		})
	}
	return hits, nil
}

// Count returns the number of indexed models.
func (i *Index) Count() (uint64, error) {
	return i.idx.DocCount()
}

// Close releases the underlying index.
func (i *Index) Close() error {
	return i.idx.Close()
}

func safeName(info *models.ModelInfo) string {
	if info == nil {
		return ""
	}
	return info.Name
}

// Stored fields come back as a bare value for single entries and as a
// slice otherwise.
func fieldString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

func fieldStrings(v interface{}) []string {
	switch t := v.(type) {
	case string:
		return []string{t}
	case []interface{}:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
