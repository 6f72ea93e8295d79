package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"go-civitai-manager/internal/helpers"
	"go-civitai-manager/internal/models"
)

// Custom Error Types
var (
	ErrInvalidURL   = errors.New("not a recognizable model URL")
	ErrRateLimited  = errors.New("API rate limit exceeded")
	ErrUnauthorized = errors.New("API request unauthorized (check API key)")
	ErrNotFound     = errors.New("API resource not found")
	ErrServerError  = errors.New("API server error")
	ErrNetwork      = errors.New("network error")
)

const DefaultBaseURL = "https://civitai.com/api/v1"

const maxRetries = 3

var (
	urlWithVersionQuery = regexp.MustCompile(`/models/(\d+).*[?&]modelVersionId=(\d+)`)
	urlWithVersionPath  = regexp.MustCompile(`/models/(\d+)/versions/(\d+)`)
	urlModelOnly        = regexp.MustCompile(`/models/(\d+)`)
)

// ParseModelURL extracts the model id, and version id when present, from a
// model page URL. Accepted forms:
//
//	https://host/models/123
//	https://host/models/123/some-slug
//	https://host/models/123?modelVersionId=456
//	https://host/models/123/versions/456
//	123 (a bare model id)
//
// Returns ErrInvalidURL for anything else. A version id of 0 means "latest".
func ParseModelURL(raw string) (int, int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, 0, ErrInvalidURL
	}
	if id, err := strconv.Atoi(raw); err == nil && id > 0 {
		return id, 0, nil
	}
	if m := urlWithVersionQuery.FindStringSubmatch(raw); m != nil {
		return atoi(m[1]), atoi(m[2]), nil
	}
	if m := urlWithVersionPath.FindStringSubmatch(raw); m != nil {
		return atoi(m[1]), atoi(m[2]), nil
	}
	if m := urlModelOnly.FindStringSubmatch(raw); m != nil {
		return atoi(m[1]), 0, nil
	}
	return 0, 0, ErrInvalidURL
}

// atoi is for strings already matched as digit runs.
func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

// Client struct for interacting with the Civitai API
type Client struct {
	BaseURL    string
	ApiKey     string
	HttpClient *http.Client // Use a shared client

	retryDelay time.Duration
}

// NewClient creates a new API client
func NewClient(apiKey string, httpClient *http.Client, cfg models.Config) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		BaseURL:    DefaultBaseURL,
		ApiKey:     apiKey,
		HttpClient: httpClient,
		retryDelay: 2 * time.Second,
	}
}

// RetryableHTTPRequest sends a request, retrying transient failures. Rate
// limits and 5xx responses are retried with a growing backoff; auth failures
// and missing resources return immediately. On success the response body is
// left open for the caller.
func (c *Client) RetryableHTTPRequest(req *http.Request) (*http.Response, error) {
	req.Header.Set("Content-Type", "application/json")
	if c.ApiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.ApiKey)
	}

	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		resp, err := c.HttpClient.Do(req) // Transport will log if enabled
		if err != nil {
			lastErr = fmt.Errorf("%w: %v", ErrNetwork, err)
		} else {
			switch resp.StatusCode {
			case http.StatusOK:
				return resp, nil
			case http.StatusTooManyRequests:
				lastErr = ErrRateLimited
			case http.StatusUnauthorized, http.StatusForbidden:
				drainBody(resp)
				return nil, ErrUnauthorized
			case http.StatusNotFound:
				drainBody(resp)
				return nil, ErrNotFound
			default:
				if resp.StatusCode >= 500 {
					lastErr = fmt.Errorf("%w (status code %d)", ErrServerError, resp.StatusCode)
				} else {
					drainBody(resp)
					return nil, fmt.Errorf("API request failed with status %d", resp.StatusCode)
				}
			}
			// Drain so the connection can be reused for the retry.
			drainBody(resp)
		}

		if attempt == maxRetries {
			log.WithError(lastErr).Errorf("Request for %s failed after %d attempts", req.URL.Path, maxRetries)
			break
		}

		delay := time.Duration(attempt) * c.retryDelay
		if errors.Is(lastErr, ErrRateLimited) {
			// Back off harder when the remote is throttling us.
			delay *= 2
		}
		log.WithError(lastErr).Warnf("Retrying %s (%d/%d) after %s...", req.URL.Path, attempt, maxRetries, delay)
		time.Sleep(delay)
	}
	return nil, lastErr
}

func drainBody(resp *http.Response) {
	if resp != nil && resp.Body != nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}
}

// getJSON performs a GET against reqURL and unmarshals the body into out.
func (c *Client) getJSON(reqURL string, out interface{}) error {
	req, err := http.NewRequest(http.MethodGet, reqURL, nil)
	if err != nil {
		return fmt.Errorf("error creating request: %w", err)
	}

	resp, err := c.RetryableHTTPRequest(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("error reading response body: %w", err)
	}

	if err := json.Unmarshal(body, out); err != nil {
		log.WithError(err).Error("Error unmarshalling response JSON")
		log.Debugf("Response body causing unmarshal error: %s", string(body))
		return fmt.Errorf("error unmarshalling response JSON: %w", err)
	}
	return nil
}

// GetModel fetches the full record for a model id.
func (c *Client) GetModel(modelID int) (models.Model, error) {
	var model models.Model
	if err := c.getJSON(fmt.Sprintf("%s/models/%d", c.BaseURL, modelID), &model); err != nil {
		return models.Model{}, err
	}
	return model, nil
}

// GetModelVersion fetches a single model version by its id.
func (c *Client) GetModelVersion(versionID int) (models.ModelVersion, error) {
	var version models.ModelVersion
	if err := c.getJSON(fmt.Sprintf("%s/model-versions/%d", c.BaseURL, versionID), &version); err != nil {
		return models.ModelVersion{}, err
	}
	return version, nil
}

// SearchModels runs a paged /models query.
func (c *Client) SearchModels(queryParams models.QueryParameters) (models.ApiResponse, error) {
	values := ConvertQueryParamsToURLValues(queryParams)
	var response models.ApiResponse
	if err := c.getJSON(fmt.Sprintf("%s/models?%s", c.BaseURL, values.Encode()), &response); err != nil {
		return models.ApiResponse{}, err
	}
	return response, nil
}

// ConvertQueryParamsToURLValues converts the QueryParameters struct into
// url.Values suitable for Civitai API requests.
func ConvertQueryParamsToURLValues(queryParams models.QueryParameters) url.Values {
	values := url.Values{}
	// Always include the nsfw parameter, converting the boolean to string "true" or "false"
	values.Add("nsfw", fmt.Sprintf("%t", queryParams.Nsfw))
	if queryParams.Limit > 0 {
		values.Add("limit", strconv.Itoa(queryParams.Limit))
	}
	if queryParams.Page > 0 {
		values.Add("page", strconv.Itoa(queryParams.Page))
	}
	for _, t := range queryParams.Types {
		values.Add("types", t)
	}
	if queryParams.Sort != "" {
		values.Add("sort", queryParams.Sort)
	}
	if queryParams.Period != "" {
		values.Add("period", queryParams.Period)
	}
	if queryParams.Query != "" {
		values.Add("query", queryParams.Query)
	}
	if queryParams.Tag != "" {
		values.Add("tag", queryParams.Tag)
	}
	if queryParams.Username != "" {
		values.Add("username", queryParams.Username)
	}
	return values
}

// FetchModelInfo resolves a model and one of its versions into the managed
// ModelInfo record. versionID 0 selects the latest version. Images are
// ranked by reaction score and capped at maxImages.
func (c *Client) FetchModelInfo(modelID, versionID, maxImages int) (*models.ModelInfo, error) {
	log.Infof("Fetching model information for model ID %d", modelID)

	model, err := c.GetModel(modelID)
	if err != nil {
		return nil, err
	}

	if versionID == 0 {
		if len(model.ModelVersions) == 0 {
			return nil, fmt.Errorf("%w: model %d has no versions", ErrNotFound, modelID)
		}
		versionID = model.ModelVersions[0].ID
		log.Infof("Using latest version ID %d", versionID)
	}

	version, err := c.GetModelVersion(versionID)
	if err != nil {
		return nil, err
	}

	downloadURL := version.DownloadUrl
	var hashes models.Hashes
	var size int64
	if file := pickPrimaryFile(version.Files); file != nil {
		if file.DownloadUrl != "" {
			downloadURL = file.DownloadUrl
		}
		hashes = file.Hashes
		size = int64(file.SizeKB * 1024)
	}

	images := make([]models.ImageInfo, 0, len(version.Images))
	for _, img := range version.Images {
		images = append(images, models.ImageInfo{
			URL:  img.URL,
			Meta: parseGenerationMeta(img.Meta),
			Stats: models.ReactionStats{
				LikeCount:  img.Stats.LikeCount,
				HeartCount: img.Stats.HeartCount,
				LaughCount: img.Stats.LaughCount,
			},
			Nsfw: img.Nsfw,
		})
	}
	sort.SliceStable(images, func(i, j int) bool {
		return images[i].Stats.Score() > images[j].Stats.Score()
	})
	if maxImages > 0 && len(images) > maxImages {
		images = images[:maxImages]
	}

	name := model.Name
	if name == "" {
		name = fmt.Sprintf("model_%d", modelID)
	}
	modelType := model.Type
	if modelType == "" {
		modelType = "Other"
	}
	baseModel := version.BaseModel
	if baseModel == "" {
		baseModel = "unknown"
	}
	creator := model.Creator.Username
	if creator == "" {
		creator = "Unknown"
	}

	info := &models.ModelInfo{
		Name:        name,
		Type:        modelType,
		BaseModel:   baseModel,
		Creator:     creator,
		VersionName: version.Name,
		Description: helpers.StripHTMLTags(model.Description),
		DownloadURL: downloadURL,
		Tags:        helpers.UniqueStrings(version.TrainedWords),
		Images:      images,
		Stats:       model.Stats,
		Hashes:      hashes,
		ID:          modelID,
		VersionID:   version.ID,
		Size:        size,
		Nsfw:        model.Nsfw,
	}

	log.Infof("Found %d images for %s", len(info.Images), info.Name)
	return info, nil
}

// pickPrimaryFile chooses the artifact to download when a version carries
// alternatives. Safetensors beats pickle formats, primary beats the rest.
func pickPrimaryFile(files []models.File) *models.File {
	if len(files) == 0 {
		return nil
	}
	isSafetensors := func(f models.File) bool {
		return strings.HasSuffix(strings.ToLower(f.Name), ".safetensors")
	}
	for i := range files {
		if files[i].Primary && isSafetensors(files[i]) {
			return &files[i]
		}
	}
	for i := range files {
		if isSafetensors(files[i]) {
			return &files[i]
		}
	}
	for i := range files {
		if files[i].Primary {
			return &files[i]
		}
	}
	return &files[0]
}

// parseGenerationMeta pulls the fields the gallery cares about out of the
// free-form meta blob attached to an image. Anything unparseable is dropped.
func parseGenerationMeta(raw json.RawMessage) models.GenerationMeta {
	var meta models.GenerationMeta
	if len(raw) == 0 || string(raw) == "null" {
		return meta
	}

	var fields map[string]interface{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return meta
	}

	if s, ok := fields["prompt"].(string); ok {
		meta.Prompt = s
	}
	if s, ok := fields["Model"].(string); ok {
		meta.Model = s
	} else if s, ok := fields["model"].(string); ok {
		meta.Model = s
	}

	resources, ok := fields["resources"].([]interface{})
	if !ok {
		return meta
	}
	for _, r := range resources {
		rm, ok := r.(map[string]interface{})
		if !ok {
			continue
		}
		var res models.MetaResource
		if s, ok := rm["type"].(string); ok {
			res.Type = s
		}
		if s, ok := rm["name"].(string); ok {
			res.Name = s
		}
		if res.Name != "" {
			meta.Resources = append(meta.Resources, res)
		}
	}
	return meta
}
