package models

import (
	"encoding/json"
	"time"
)

// TimeFormat is the timestamp layout used in metadata.json
// (downloadDate, lastUpdated).
const TimeFormat = "2006-01-02 15:04:05"

// TaskStatus is the lifecycle state of a download task.
type TaskStatus string

// Task lifecycle states. Completed, Failed and Canceled are terminal.
const (
	StatusQueued      TaskStatus = "QUEUED"
	StatusDownloading TaskStatus = "DOWNLOADING"
	StatusCompleted   TaskStatus = "COMPLETED"
	StatusFailed      TaskStatus = "FAILED"
	StatusCanceled    TaskStatus = "CANCELED"
)

// Terminal reports whether the status is absorbing.
func (s TaskStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCanceled
}

// StringOrStringSlice is a custom type that can unmarshal from either
// a JSON string or a JSON array of strings. This handles API responses
// where a field may return either format.
type StringOrStringSlice []string

// UnmarshalJSON implements json.Unmarshaler for StringOrStringSlice
func (s *StringOrStringSlice) UnmarshalJSON(data []byte) error {
	// First try to unmarshal as a string
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		*s = []string{str}
		return nil
	}

	// If that fails, try to unmarshal as an array of strings
	var arr []string
	if err := json.Unmarshal(data, &arr); err != nil {
		return err
	}
	*s = arr
	return nil
}

type (
	// Config holds the application's configuration settings.
	Config struct {
		// Strings first
		ComfyPath   string `toml:"comfy_path" json:"comfy_path" mapstructure:"comfy_path"`
		APIKey      string `toml:"api_key" json:"api_key" mapstructure:"api_key"`
		HistoryPath string `toml:"history_path" json:"history_path" mapstructure:"history_path"`
		IndexPath   string `toml:"index_path" json:"index_path" mapstructure:"index_path"`
		LogLevel    string `toml:"log_level" json:"log_level" mapstructure:"log_level"`
		// Integers
		TopImageCount   int `toml:"top_image_count" json:"top_image_count" mapstructure:"top_image_count"`
		FetchBatchSize  int `toml:"fetch_batch_size" json:"fetch_batch_size" mapstructure:"fetch_batch_size"`
		DownloadThreads int `toml:"download_threads" json:"download_threads" mapstructure:"download_threads"`
		Concurrency     int `toml:"concurrency" json:"concurrency" mapstructure:"concurrency"`
		SpeedLimitKB    int `toml:"speed_limit_kb" json:"speed_limit_kb" mapstructure:"speed_limit_kb"`
		BandwidthWindow int `toml:"bandwidth_window" json:"bandwidth_window" mapstructure:"bandwidth_window"`
		// Bools
		DownloadModel  bool `toml:"download_model" json:"download_model" mapstructure:"download_model"`
		DownloadImages bool `toml:"download_images" json:"download_images" mapstructure:"download_images"`
		DownloadNsfw   bool `toml:"download_nsfw" json:"download_nsfw" mapstructure:"download_nsfw"`
		CreateHTML     bool `toml:"create_html" json:"create_html" mapstructure:"create_html"`
		AutoOpenHTML   bool `toml:"auto_open_html" json:"auto_open_html" mapstructure:"auto_open_html"`
		VerifyHashes   bool `toml:"verify_hashes" json:"verify_hashes" mapstructure:"verify_hashes"`
		LogApiRequests bool `toml:"log_api_requests" json:"log_api_requests" mapstructure:"log_api_requests"`
	}

	// ModelInfo is the managed record for one downloaded model version.
	// The JSON field names below are the on-disk metadata.json format.
	ModelInfo struct {
		// Strings first
		Name         string `json:"name"`
		Type         string `json:"type"`
		BaseModel    string `json:"baseModel"`
		Creator      string `json:"creator"`
		VersionName  string `json:"versionName"`
		Description  string `json:"description"`
		DownloadURL  string `json:"downloadUrl"`
		Thumbnail    string `json:"thumbnail,omitempty"`
		DownloadDate string `json:"downloadDate,omitempty"`
		LastUpdated  string `json:"lastUpdated,omitempty"`
		Path         string `json:"path,omitempty"`
		// Slices
		Tags   []string    `json:"tags"`
		Images []ImageInfo `json:"images"`
		// Structs
		Stats Stats `json:"stats"`
		// Hashes of the model binary, kept for verification but not
		// written to metadata.json.
		Hashes Hashes `json:"-"`
		// Integers
		ID        int   `json:"id"`
		VersionID int   `json:"versionId"`
		Size      int64 `json:"size,omitempty"`
		// Bools
		Nsfw bool `json:"nsfw"`
	}

	// ImageInfo is one preview image attached to a ModelInfo.
	ImageInfo struct {
		URL       string         `json:"url"`
		LocalPath string         `json:"localPath,omitempty"`
		Meta      GenerationMeta `json:"meta"`
		Stats     ReactionStats  `json:"stats"`
		Nsfw      bool           `json:"nsfw"`
	}

	// GenerationMeta carries the generation parameters a preview image
	// was created with, as far as the remote exposes them.
	GenerationMeta struct {
		Prompt    string         `json:"prompt,omitempty"`
		Model     string         `json:"model,omitempty"`
		Resources []MetaResource `json:"resources,omitempty"`
	}

	MetaResource struct {
		Type string `json:"type"`
		Name string `json:"name"`
	}

	// ReactionStats is the reaction breakdown of one preview image.
	ReactionStats struct {
		LikeCount  int `json:"likeCount"`
		HeartCount int `json:"heartCount"`
		LaughCount int `json:"laughCount"`
	}

	// DownloadTask is the per-URL job record tracked by the queue.
	DownloadTask struct {
		// Strings first
		URL          string     `json:"url"`
		ErrorMessage string     `json:"errorMessage,omitempty"`
		Status       TaskStatus `json:"status"`
		// Pointers / structs
		ModelInfo *ModelInfo `json:"modelInfo,omitempty"`
		StartTime *time.Time `json:"startTime,omitempty"`
		EndTime   *time.Time `json:"endTime,omitempty"`
		// Integers
		Priority      int `json:"priority"`
		ModelProgress int `json:"modelProgress"`
		ImageProgress int `json:"imageProgress"`
	}

	// Api Calls and Responses
	QueryParameters struct {
		// Strings first
		Query    string   `json:"query,omitempty"`
		Tag      string   `json:"tag,omitempty"`
		Username string   `json:"username,omitempty"`
		Sort     string   `json:"sort,omitempty"`
		Period   string   `json:"period,omitempty"`
		// Slices
		Types []string `json:"types,omitempty"`
		// Integers
		Limit int `json:"limit,omitempty"`
		Page  int `json:"page,omitempty"`
		// Bools
		Nsfw bool `json:"nsfw"`
	}

	Model struct {
		Meta               interface{}         `json:"meta"`
		Creator            Creator             `json:"creator"`
		Description        string              `json:"description"`
		Type               string              `json:"type"`
		Name               string              `json:"name"`
		Mode               *string             `json:"mode"` // Can be null, "Archived", or "TakenDown"
		AllowCommercialUse StringOrStringSlice `json:"allowCommercialUse"`
		Tags               []string            `json:"tags"`
		ModelVersions      []ModelVersion      `json:"modelVersions"`
		Stats              Stats               `json:"stats"`
		ID                 int                 `json:"id"`
		Nsfw               bool                `json:"nsfw"`
	}

	Stats struct {
		DownloadCount int     `json:"downloadCount"`
		FavoriteCount int     `json:"favoriteCount"`
		CommentCount  int     `json:"commentCount"`
		RatingCount   int     `json:"ratingCount"`
		Rating        float64 `json:"rating"`
	}

	Creator struct {
		Username string `json:"username"`
		Image    string `json:"image"`
	}

	ModelVersion struct {
		CreatedAt    string       `json:"createdAt"`
		PublishedAt  string       `json:"publishedAt"`
		UpdatedAt    string       `json:"updatedAt"`
		BaseModel    string       `json:"baseModel"`
		Description  string       `json:"description"`
		DownloadUrl  string       `json:"downloadUrl"`
		Name         string       `json:"name"`
		TrainedWords []string     `json:"trainedWords"`
		Images       []ModelImage `json:"images"`
		Files        []File       `json:"files"`
		Stats        Stats        `json:"stats"`
		ID           int          `json:"id"`
		ModelId      int          `json:"modelId"`
	}

	File struct {
		// Strings first
		Name              string `json:"name"`
		Type              string `json:"type"`
		PickleScanResult  string `json:"pickleScanResult"`
		VirusScanResult   string `json:"virusScanResult"`
		DownloadUrl       string `json:"downloadUrl"`
		// Structs
		Metadata Metadata `json:"metadata"`
		Hashes   Hashes   `json:"hashes"`
		// Float64
		SizeKB float64 `json:"sizeKB"`
		// Integer
		ID int `json:"id"`
		// Bool
		Primary bool `json:"primary"`
	}

	Metadata struct {
		Fp     string `json:"fp"`
		Size   string `json:"size"`
		Format string `json:"format"`
	}

	Hashes struct {
		AutoV2 string `json:"AutoV2"`
		SHA256 string `json:"SHA256"`
		CRC32  string `json:"CRC32"`
		BLAKE3 string `json:"BLAKE3"`
	}

	// ModelImage is the remote shape of one version image. Meta is kept
	// raw because the API returns anything from null to free-form maps.
	ModelImage struct {
		Meta      json.RawMessage `json:"meta"`
		URL       string          `json:"url"`
		Hash      string          `json:"hash"`
		CreatedAt string          `json:"createdAt"`
		Username  string          `json:"username"`
		Stats     ImageStats      `json:"stats"`
		ID        int             `json:"id"`
		Width     int             `json:"width"`
		Height    int             `json:"height"`
		Nsfw      bool            `json:"nsfw"`
	}

	ImageStats struct {
		CryCount     int `json:"cryCount"`
		LaughCount   int `json:"laughCount"`
		LikeCount    int `json:"likeCount"`
		HeartCount   int `json:"heartCount"`
		CommentCount int `json:"commentCount"`
	}

	ApiResponse struct {
		Items    []Model            `json:"items"`
		Metadata PaginationMetadata `json:"metadata"`
	}

	PaginationMetadata struct {
		// Strings first
		NextPage string `json:"nextPage"`
		PrevPage string `json:"prevPage"`
		// Integers
		TotalItems  int `json:"totalItems"`
		CurrentPage int `json:"currentPage"`
		PageSize    int `json:"pageSize"`
		TotalPages  int `json:"totalPages"`
	}
)

// Score is the reaction score used to rank preview images:
// likes + hearts + laughs, ties broken by server order.
func (r ReactionStats) Score() int {
	return r.LikeCount + r.HeartCount + r.LaughCount
}

// Terminal reports whether the task has reached an absorbing state.
func (t *DownloadTask) Terminal() bool {
	return t.Status.Terminal()
}

// Clone returns a copy safe to hand to observers while the worker keeps
// mutating the original. ModelInfo and its image list are copied; the
// nested write-once slices (tags, meta resources) are shared.
func (t *DownloadTask) Clone() *DownloadTask {
	c := *t
	if t.StartTime != nil {
		st := *t.StartTime
		c.StartTime = &st
	}
	if t.EndTime != nil {
		et := *t.EndTime
		c.EndTime = &et
	}
	if t.ModelInfo != nil {
		mi := *t.ModelInfo
		mi.Images = append([]ImageInfo(nil), t.ModelInfo.Images...)
		c.ModelInfo = &mi
	}
	return &c
}
