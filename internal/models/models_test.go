package models

import (
	"encoding/json"
	"testing"
	"time"
)

func TestTaskStatusTerminal(t *testing.T) {
	tests := []struct {
		status   TaskStatus
		terminal bool
	}{
		{StatusQueued, false},
		{StatusDownloading, false},
		{StatusCompleted, true},
		{StatusFailed, true},
		{StatusCanceled, true},
	}

	for _, tt := range tests {
		if got := tt.status.Terminal(); got != tt.terminal {
			t.Errorf("%s.Terminal() = %v, want %v", tt.status, got, tt.terminal)
		}
	}
}

func TestStringOrStringSlice_UnmarshalString(t *testing.T) {
	jsonStr := `"single value"`

	var result StringOrStringSlice
	err := json.Unmarshal([]byte(jsonStr), &result)

	if err != nil {
		t.Fatalf("Unmarshal string failed: %v", err)
	}
	if len(result) != 1 {
		t.Errorf("Expected 1 element, got %d", len(result))
	}
	if result[0] != "single value" {
		t.Errorf("Expected 'single value', got %q", result[0])
	}
}

func TestStringOrStringSlice_UnmarshalArray(t *testing.T) {
	jsonStr := `["value1", "value2", "value3"]`

	var result StringOrStringSlice
	err := json.Unmarshal([]byte(jsonStr), &result)

	if err != nil {
		t.Fatalf("Unmarshal array failed: %v", err)
	}
	if len(result) != 3 {
		t.Errorf("Expected 3 elements, got %d", len(result))
	}
	expected := []string{"value1", "value2", "value3"}
	for i, v := range expected {
		if result[i] != v {
			t.Errorf("Element %d: expected %q, got %q", i, v, result[i])
		}
	}
}

func TestReactionScore(t *testing.T) {
	stats := ReactionStats{LikeCount: 10, HeartCount: 5, LaughCount: 2}
	if got := stats.Score(); got != 17 {
		t.Errorf("Score() = %d, want 17", got)
	}

	var zero ReactionStats
	if got := zero.Score(); got != 0 {
		t.Errorf("zero Score() = %d, want 0", got)
	}
}

func TestModelInfo_JSONRoundTrip(t *testing.T) {
	info := ModelInfo{
		Name:         "Test Model",
		Type:         "Checkpoint",
		BaseModel:    "SDXL",
		Creator:      "testuser",
		VersionName:  "v1.0",
		Description:  "A test model",
		DownloadURL:  "https://civitai.com/api/download/models/222",
		Thumbnail:    "/models/checkpoints/SDXL/Test_Model/images/a.jpg",
		DownloadDate: "2024-01-01 12:00:00",
		LastUpdated:  "2024-01-01 11:00:00",
		Path:         "/models/checkpoints/SDXL/Test_Model",
		Tags:         []string{"anime", "style"},
		Images: []ImageInfo{
			{
				URL:       "https://image.civitai.com/a.jpg",
				LocalPath: "/models/checkpoints/SDXL/Test_Model/images/a.jpg",
				Meta: GenerationMeta{
					Prompt: "1girl, masterpiece",
					Model:  "Test Model",
					Resources: []MetaResource{
						{Type: "lora", Name: "detail-tweaker"},
					},
				},
				Stats: ReactionStats{LikeCount: 3, HeartCount: 2, LaughCount: 1},
				Nsfw:  false,
			},
		},
		Stats:     Stats{DownloadCount: 42, Rating: 4.5},
		ID:        111,
		VersionID: 222,
		Size:      1024,
		Nsfw:      false,
	}

	data, err := json.Marshal(info)
	if err != nil {
		t.Fatalf("Failed to marshal ModelInfo: %v", err)
	}

	var decoded ModelInfo
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Failed to unmarshal ModelInfo: %v", err)
	}

	if decoded.ID != info.ID {
		t.Errorf("ID mismatch: got %d, want %d", decoded.ID, info.ID)
	}
	if decoded.VersionID != info.VersionID {
		t.Errorf("VersionID mismatch: got %d, want %d", decoded.VersionID, info.VersionID)
	}
	if decoded.Name != info.Name {
		t.Errorf("Name mismatch: got %q, want %q", decoded.Name, info.Name)
	}
	if decoded.BaseModel != info.BaseModel {
		t.Errorf("BaseModel mismatch: got %q, want %q", decoded.BaseModel, info.BaseModel)
	}
	if len(decoded.Images) != 1 {
		t.Fatalf("Images length mismatch: got %d, want 1", len(decoded.Images))
	}
	if decoded.Images[0].LocalPath != info.Images[0].LocalPath {
		t.Errorf("Image localPath mismatch: got %q", decoded.Images[0].LocalPath)
	}
	if decoded.Images[0].Stats.Score() != 6 {
		t.Errorf("Image reaction score mismatch: got %d, want 6", decoded.Images[0].Stats.Score())
	}
	if len(decoded.Images[0].Meta.Resources) != 1 || decoded.Images[0].Meta.Resources[0].Name != "detail-tweaker" {
		t.Errorf("Image meta resources mismatch: %+v", decoded.Images[0].Meta.Resources)
	}
	if decoded.DownloadDate != info.DownloadDate {
		t.Errorf("DownloadDate mismatch: got %q, want %q", decoded.DownloadDate, info.DownloadDate)
	}
}

func TestModelInfo_JSONFieldNames(t *testing.T) {
	// The on-disk metadata.json field names are a contract; spot-check the
	// ones that differ from Go naming.
	info := ModelInfo{ID: 1, VersionID: 2, BaseModel: "SD1.5", DownloadURL: "u"}
	data, err := json.Marshal(info)
	if err != nil {
		t.Fatalf("Failed to marshal: %v", err)
	}

	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("Failed to unmarshal into map: %v", err)
	}

	for _, key := range []string{"id", "versionId", "baseModel", "downloadUrl", "tags", "images", "stats", "nsfw"} {
		if _, ok := raw[key]; !ok {
			t.Errorf("metadata JSON missing key %q", key)
		}
	}
	if _, ok := raw["ID"]; ok {
		t.Error("metadata JSON must not contain Go-cased field names")
	}
}

func TestDownloadTask_JSON(t *testing.T) {
	start := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	task := DownloadTask{
		URL:           "https://civitai.com/models/111",
		Status:        StatusDownloading,
		StartTime:     &start,
		Priority:      0,
		ModelProgress: 42,
		ImageProgress: 10,
	}

	data, err := json.Marshal(task)
	if err != nil {
		t.Fatalf("Failed to marshal DownloadTask: %v", err)
	}

	var decoded DownloadTask
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Failed to unmarshal DownloadTask: %v", err)
	}

	if decoded.URL != task.URL {
		t.Errorf("URL mismatch: got %q", decoded.URL)
	}
	if decoded.Status != StatusDownloading {
		t.Errorf("Status mismatch: got %q", decoded.Status)
	}
	if decoded.StartTime == nil || !decoded.StartTime.Equal(start) {
		t.Errorf("StartTime mismatch: got %v", decoded.StartTime)
	}
	if decoded.EndTime != nil {
		t.Errorf("EndTime should be nil, got %v", decoded.EndTime)
	}
	if decoded.ModelProgress != 42 {
		t.Errorf("ModelProgress mismatch: got %d", decoded.ModelProgress)
	}
}

func TestDownloadTask_Clone(t *testing.T) {
	start := time.Now()
	task := &DownloadTask{
		URL:       "https://civitai.com/models/111",
		Status:    StatusDownloading,
		StartTime: &start,
		ModelInfo: &ModelInfo{
			Name:   "Test",
			Images: []ImageInfo{{URL: "https://image.civitai.com/a.jpg"}},
		},
	}

	clone := task.Clone()

	// Mutating the original must not show through the clone.
	task.Status = StatusCompleted
	task.ModelInfo.Name = "Changed"
	task.ModelInfo.Images[0].LocalPath = "/tmp/a.jpg"

	if clone.Status != StatusDownloading {
		t.Errorf("clone status changed: %q", clone.Status)
	}
	if clone.ModelInfo.Name != "Test" {
		t.Errorf("clone ModelInfo mutated: %q", clone.ModelInfo.Name)
	}
	if clone.ModelInfo.Images[0].LocalPath != "" {
		t.Errorf("clone image mutated: %q", clone.ModelInfo.Images[0].LocalPath)
	}
}

func TestModelImage_RawMeta(t *testing.T) {
	// The remote meta field can be anything, including null; decoding must
	// not fail either way.
	for _, body := range []string{
		`{"url": "https://img/a.jpg", "meta": null, "nsfw": true}`,
		`{"url": "https://img/a.jpg", "meta": {"prompt": "1girl", "Model": "x"}}`,
		`{"url": "https://img/a.jpg", "meta": "weird"}`,
	} {
		var img ModelImage
		if err := json.Unmarshal([]byte(body), &img); err != nil {
			t.Errorf("Unmarshal(%s) failed: %v", body, err)
		}
		if img.URL != "https://img/a.jpg" {
			t.Errorf("URL mismatch for %s", body)
		}
	}
}
