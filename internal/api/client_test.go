package api

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go-civitai-manager/internal/models"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client := NewClient("test-key", server.Client(), models.Config{})
	client.BaseURL = server.URL
	client.retryDelay = time.Millisecond
	return client, server
}

func TestNewClient(t *testing.T) {
	client := NewClient("test-api-key", nil, models.Config{})

	if client.ApiKey != "test-api-key" {
		t.Errorf("ApiKey = %q, want %q", client.ApiKey, "test-api-key")
	}
	if client.BaseURL != DefaultBaseURL {
		t.Errorf("BaseURL = %q, want %q", client.BaseURL, DefaultBaseURL)
	}
	if client.HttpClient == nil {
		t.Fatal("Expected HTTP client to be initialized")
	}
	if client.HttpClient.Timeout != 30*time.Second {
		t.Errorf("Timeout = %v, want 30s", client.HttpClient.Timeout)
	}
}

func TestParseModelURL(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		modelID   int
		versionID int
		wantErr   bool
	}{
		{
			name:    "plain model url",
			input:   "https://civitai.com/models/4201",
			modelID: 4201,
		},
		{
			name:    "model url with slug",
			input:   "https://civitai.com/models/4201/realistic-vision-v60",
			modelID: 4201,
		},
		{
			name:      "version via query parameter",
			input:     "https://civitai.com/models/4201/realistic-vision?modelVersionId=130072",
			modelID:   4201,
			versionID: 130072,
		},
		{
			name:      "version via path",
			input:     "https://civitai.com/models/4201/versions/130072",
			modelID:   4201,
			versionID: 130072,
		},
		{
			name:    "bare numeric id",
			input:   "4201",
			modelID: 4201,
		},
		{
			name:    "surrounding whitespace",
			input:   "  https://civitai.com/models/7 ",
			modelID: 7,
		},
		{
			name:    "no model id",
			input:   "https://civitai.com/images/12345",
			wantErr: true,
		},
		{
			name:    "empty string",
			input:   "",
			wantErr: true,
		},
		{
			name:    "not a url at all",
			input:   "dreamshaper",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			modelID, versionID, err := ParseModelURL(tt.input)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidURL) {
					t.Fatalf("ParseModelURL(%q) error = %v, want ErrInvalidURL", tt.input, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseModelURL(%q) unexpected error: %v", tt.input, err)
			}
			if modelID != tt.modelID || versionID != tt.versionID {
				t.Errorf("ParseModelURL(%q) = (%d, %d), want (%d, %d)",
					tt.input, modelID, versionID, tt.modelID, tt.versionID)
			}
		})
	}
}

func TestRetryableHTTPRequestSuccess(t *testing.T) {
	client, server := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Authorization header = %q, want bearer token", got)
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status": "success"}`))
	}))

	req, err := http.NewRequest(http.MethodGet, server.URL, nil)
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}

	resp, err := client.RetryableHTTPRequest(req)
	if err != nil {
		t.Fatalf("Expected success, got error: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want 200", resp.StatusCode)
	}
}

func TestRetryableHTTPRequestRateLimitRecovers(t *testing.T) {
	attemptCount := 0
	client, server := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attemptCount++
		if attemptCount <= 2 {
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error": "rate limited"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status": "success"}`))
	}))

	req, err := http.NewRequest(http.MethodGet, server.URL, nil)
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}

	resp, err := client.RetryableHTTPRequest(req)
	if err != nil {
		t.Fatalf("Expected success after retries, got error: %v", err)
	}
	resp.Body.Close()

	if attemptCount != 3 {
		t.Errorf("attempts = %d, want 3", attemptCount)
	}
}

func TestRetryableHTTPRequestMaxRetries(t *testing.T) {
	attemptCount := 0
	client, server := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attemptCount++
		w.WriteHeader(http.StatusTooManyRequests)
	}))

	req, err := http.NewRequest(http.MethodGet, server.URL, nil)
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}

	_, err = client.RetryableHTTPRequest(req)
	if !errors.Is(err, ErrRateLimited) {
		t.Errorf("error = %v, want ErrRateLimited", err)
	}
	if attemptCount != 3 {
		t.Errorf("attempts = %d, want 3 (max retries)", attemptCount)
	}
}

func TestAPIErrorHandling(t *testing.T) {
	tests := []struct {
		name          string
		expectedError error
		statusCode    int
		shouldRetry   bool
	}{
		{"Success", nil, http.StatusOK, false},
		{"Rate Limited", ErrRateLimited, http.StatusTooManyRequests, true},
		{"Unauthorized", ErrUnauthorized, http.StatusUnauthorized, false},
		{"Forbidden", ErrUnauthorized, http.StatusForbidden, false},
		{"Not Found", ErrNotFound, http.StatusNotFound, false},
		{"Server Error", ErrServerError, http.StatusInternalServerError, true},
		{"Service Unavailable", ErrServerError, http.StatusServiceUnavailable, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			attemptCount := 0
			client, server := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				attemptCount++
				w.WriteHeader(tt.statusCode)
				w.Write([]byte(`{"error": "test"}`))
			}))

			req, err := http.NewRequest(http.MethodGet, server.URL, nil)
			if err != nil {
				t.Fatalf("Failed to create request: %v", err)
			}

			resp, err := client.RetryableHTTPRequest(req)
			if tt.expectedError == nil {
				if err != nil {
					t.Fatalf("Expected no error, got %v", err)
				}
				resp.Body.Close()
			} else if !errors.Is(err, tt.expectedError) {
				t.Errorf("error = %v, want %v", err, tt.expectedError)
			}

			expectedAttempts := 1
			if tt.shouldRetry {
				expectedAttempts = 3
			}
			if attemptCount != expectedAttempts {
				t.Errorf("attempts = %d, want %d", attemptCount, expectedAttempts)
			}
		})
	}
}

func TestRetryableHTTPRequestNetworkError(t *testing.T) {
	client := NewClient("", &http.Client{Timeout: 50 * time.Millisecond}, models.Config{})
	client.retryDelay = time.Millisecond

	// A port nothing listens on.
	req, err := http.NewRequest(http.MethodGet, "http://127.0.0.1:1/models", nil)
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}

	_, err = client.RetryableHTTPRequest(req)
	if !errors.Is(err, ErrNetwork) {
		t.Errorf("error = %v, want ErrNetwork", err)
	}
}

const testModelJSON = `{
	"id": 4201,
	"name": "Realistic Vision",
	"description": "<p>A <strong>photorealistic</strong> checkpoint.</p>",
	"type": "Checkpoint",
	"nsfw": false,
	"creator": {"username": "visionary"},
	"tags": ["photorealistic"],
	"stats": {"downloadCount": 1200, "favoriteCount": 40, "commentCount": 7, "ratingCount": 15, "rating": 4.8},
	"modelVersions": [
		{"id": 130072, "modelId": 4201, "name": "V6.0", "baseModel": "SD 1.5"},
		{"id": 110001, "modelId": 4201, "name": "V5.1", "baseModel": "SD 1.5"}
	]
}`

const testVersionJSON = `{
	"id": 130072,
	"modelId": 4201,
	"name": "V6.0",
	"baseModel": "SD 1.5",
	"downloadUrl": "https://example.com/api/download/models/130072",
	"trainedWords": ["analog style", "analog style", "film grain"],
	"files": [
		{"id": 1, "name": "rv60.ckpt", "type": "Model", "sizeKB": 2048.0, "downloadUrl": "https://example.com/dl/ckpt", "primary": true, "hashes": {"SHA256": "aaaa"}},
		{"id": 2, "name": "rv60.safetensors", "type": "Model", "sizeKB": 4096.0, "downloadUrl": "https://example.com/dl/safetensors", "primary": false, "hashes": {"SHA256": "bbbb", "BLAKE3": "cccc"}}
	],
	"images": [
		{"id": 1, "url": "https://img.example.com/1.jpeg", "nsfw": false, "width": 512, "height": 768,
		 "stats": {"likeCount": 1, "heartCount": 0, "laughCount": 0},
		 "meta": {"prompt": "a cat in analog style", "Model": "rv60", "resources": [{"type": "lora", "name": "detailer"}]}},
		{"id": 2, "url": "https://img.example.com/2.jpeg", "nsfw": true, "width": 512, "height": 768,
		 "stats": {"likeCount": 5, "heartCount": 3, "laughCount": 1},
		 "meta": null},
		{"id": 3, "url": "https://img.example.com/3.mp4", "nsfw": false, "width": 512, "height": 768,
		 "stats": {"likeCount": 2, "heartCount": 2, "laughCount": 0},
		 "meta": "plain string meta"}
	]
}`

func newModelServerClient(t *testing.T) *Client {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/models/4201", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(testModelJSON))
	})
	mux.HandleFunc("/model-versions/130072", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(testVersionJSON))
	})
	client, _ := newTestClient(t, mux)
	return client
}

func TestGetModel(t *testing.T) {
	client := newModelServerClient(t)

	model, err := client.GetModel(4201)
	if err != nil {
		t.Fatalf("GetModel failed: %v", err)
	}
	if model.ID != 4201 {
		t.Errorf("ID = %d, want 4201", model.ID)
	}
	if model.Name != "Realistic Vision" {
		t.Errorf("Name = %q, want Realistic Vision", model.Name)
	}
	if len(model.ModelVersions) != 2 {
		t.Errorf("len(ModelVersions) = %d, want 2", len(model.ModelVersions))
	}
}

func TestGetModelNotFound(t *testing.T) {
	client := newModelServerClient(t)

	_, err := client.GetModel(999999)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestGetModelVersion(t *testing.T) {
	client := newModelServerClient(t)

	version, err := client.GetModelVersion(130072)
	if err != nil {
		t.Fatalf("GetModelVersion failed: %v", err)
	}
	if version.ID != 130072 {
		t.Errorf("ID = %d, want 130072", version.ID)
	}
	if len(version.Files) != 2 {
		t.Errorf("len(Files) = %d, want 2", len(version.Files))
	}
	if version.Files[1].DownloadUrl == "" {
		t.Error("Expected file to have a download URL")
	}
}

func TestFetchModelInfo(t *testing.T) {
	client := newModelServerClient(t)

	info, err := client.FetchModelInfo(4201, 130072, 3)
	if err != nil {
		t.Fatalf("FetchModelInfo failed: %v", err)
	}

	if info.ID != 4201 || info.VersionID != 130072 {
		t.Errorf("ids = (%d, %d), want (4201, 130072)", info.ID, info.VersionID)
	}
	if info.Name != "Realistic Vision" {
		t.Errorf("Name = %q", info.Name)
	}
	if info.Type != "Checkpoint" {
		t.Errorf("Type = %q, want Checkpoint", info.Type)
	}
	if info.BaseModel != "SD 1.5" {
		t.Errorf("BaseModel = %q, want SD 1.5", info.BaseModel)
	}
	if info.Creator != "visionary" {
		t.Errorf("Creator = %q, want visionary", info.Creator)
	}
	if info.VersionName != "V6.0" {
		t.Errorf("VersionName = %q, want V6.0", info.VersionName)
	}
	if info.Description != "A photorealistic checkpoint." {
		t.Errorf("Description = %q, markup should be stripped", info.Description)
	}

	// The safetensors alternative wins over the primary ckpt.
	if info.DownloadURL != "https://example.com/dl/safetensors" {
		t.Errorf("DownloadURL = %q, want the safetensors file", info.DownloadURL)
	}
	if info.Size != 4096*1024 {
		t.Errorf("Size = %d, want %d", info.Size, 4096*1024)
	}
	if info.Hashes.BLAKE3 != "cccc" {
		t.Errorf("Hashes.BLAKE3 = %q, want cccc", info.Hashes.BLAKE3)
	}

	// trainedWords become tags, deduplicated.
	wantTags := []string{"analog style", "film grain"}
	if len(info.Tags) != len(wantTags) {
		t.Fatalf("Tags = %v, want %v", info.Tags, wantTags)
	}
	for i := range wantTags {
		if info.Tags[i] != wantTags[i] {
			t.Errorf("Tags[%d] = %q, want %q", i, info.Tags[i], wantTags[i])
		}
	}

	// Images sorted by reaction score: id2 (9), id3 (4), id1 (1).
	if len(info.Images) != 3 {
		t.Fatalf("len(Images) = %d, want 3", len(info.Images))
	}
	if info.Images[0].URL != "https://img.example.com/2.jpeg" {
		t.Errorf("Images[0].URL = %q, want the highest scored image", info.Images[0].URL)
	}
	if !info.Images[0].Nsfw {
		t.Error("Images[0].Nsfw should be true")
	}
	if info.Images[1].URL != "https://img.example.com/3.mp4" {
		t.Errorf("Images[1].URL = %q, want the mp4", info.Images[1].URL)
	}

	// Meta extraction from the lowest scored image.
	meta := info.Images[2].Meta
	if meta.Prompt != "a cat in analog style" {
		t.Errorf("Meta.Prompt = %q", meta.Prompt)
	}
	if meta.Model != "rv60" {
		t.Errorf("Meta.Model = %q, want rv60", meta.Model)
	}
	if len(meta.Resources) != 1 || meta.Resources[0].Name != "detailer" {
		t.Errorf("Meta.Resources = %v, want one lora named detailer", meta.Resources)
	}

	// String-typed meta on the mp4 image parses to an empty meta, not an error.
	if info.Images[1].Meta.Prompt != "" {
		t.Errorf("unparseable meta should stay empty, got prompt %q", info.Images[1].Meta.Prompt)
	}
}

func TestFetchModelInfoLatestVersion(t *testing.T) {
	client := newModelServerClient(t)

	info, err := client.FetchModelInfo(4201, 0, 9)
	if err != nil {
		t.Fatalf("FetchModelInfo failed: %v", err)
	}
	if info.VersionID != 130072 {
		t.Errorf("VersionID = %d, want the first listed version 130072", info.VersionID)
	}
}

func TestFetchModelInfoCapsImages(t *testing.T) {
	client := newModelServerClient(t)

	info, err := client.FetchModelInfo(4201, 130072, 2)
	if err != nil {
		t.Fatalf("FetchModelInfo failed: %v", err)
	}
	if len(info.Images) != 2 {
		t.Fatalf("len(Images) = %d, want 2", len(info.Images))
	}
	if info.Images[0].URL != "https://img.example.com/2.jpeg" {
		t.Errorf("Images[0].URL = %q, cap must keep the top scored images", info.Images[0].URL)
	}
}

func TestFetchModelInfoNoVersions(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/models/77", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id": 77, "name": "Empty", "modelVersions": []}`))
	})
	client, _ := newTestClient(t, mux)

	_, err := client.FetchModelInfo(77, 0, 9)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestSearchModels(t *testing.T) {
	var gotQuery string
	mux := http.NewServeMux()
	mux.HandleFunc("/models", func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"items": [{"id": 1, "name": "A"}, {"id": 2, "name": "B"}],
			"metadata": {"totalItems": 2, "currentPage": 1, "pageSize": 100, "totalPages": 1}
		}`))
	})
	client, _ := newTestClient(t, mux)

	resp, err := client.SearchModels(models.QueryParameters{
		Query: "realistic",
		Types: []string{"Checkpoint", "LORA"},
		Limit: 100,
		Page:  1,
	})
	if err != nil {
		t.Fatalf("SearchModels failed: %v", err)
	}
	if len(resp.Items) != 2 {
		t.Errorf("len(Items) = %d, want 2", len(resp.Items))
	}
	if resp.Metadata.TotalItems != 2 {
		t.Errorf("TotalItems = %d, want 2", resp.Metadata.TotalItems)
	}

	for _, want := range []string{"query=realistic", "types=Checkpoint", "types=LORA", "limit=100", "page=1", "nsfw=false"} {
		if !strings.Contains(gotQuery, want) {
			t.Errorf("query string %q missing %q", gotQuery, want)
		}
	}
}

func TestPickPrimaryFile(t *testing.T) {
	st := models.File{Name: "model.safetensors"}
	stPrimary := models.File{Name: "primary.safetensors", Primary: true}
	ckpt := models.File{Name: "model.ckpt"}
	ckptPrimary := models.File{Name: "primary.ckpt", Primary: true}

	tests := []struct {
		name  string
		want  string
		files []models.File
	}{
		{"empty", "", nil},
		{"single file", "model.ckpt", []models.File{ckpt}},
		{"primary safetensors wins", "primary.safetensors", []models.File{ckptPrimary, st, stPrimary}},
		{"any safetensors beats primary ckpt", "model.safetensors", []models.File{ckptPrimary, st}},
		{"primary beats first", "primary.ckpt", []models.File{ckpt, ckptPrimary}},
		{"fallback to first", "model.ckpt", []models.File{ckpt, {Name: "other.pt"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := pickPrimaryFile(tt.files)
			if tt.want == "" {
				if got != nil {
					t.Errorf("pickPrimaryFile() = %v, want nil", got)
				}
				return
			}
			if got == nil || got.Name != tt.want {
				t.Errorf("pickPrimaryFile() = %v, want %q", got, tt.want)
			}
		})
	}
}
