package helpers

import (
	"bytes"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"go-civitai-manager/internal/models"
)

func TestSanitizeName(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "plain name unchanged",
			input:    "DreamShaper",
			expected: "DreamShaper",
		},
		{
			name:     "spaces become underscores",
			input:    "My Cool Model",
			expected: "My_Cool_Model",
		},
		{
			name:     "version dots preserved",
			input:    "DreamShaper v8.1",
			expected: "DreamShaper_v8.1",
		},
		{
			name:     "dashes and underscores preserved",
			input:    "epic-realism_pure",
			expected: "epic-realism_pure",
		},
		{
			name:     "specials replaced",
			input:    "Model: Anime/Style (v2)!",
			expected: "Model__Anime_Style__v2__",
		},
		{
			name:     "unicode replaced",
			input:    "ghibli風",
			expected: "ghibli_",
		},
		{
			name:     "path separators neutralized",
			input:    "../../etc/passwd",
			expected: ".._.._etc_passwd",
		},
		{
			name:     "empty string",
			input:    "",
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SanitizeName(tt.input)
			if got != tt.expected {
				t.Errorf("SanitizeName(%q) = %q, want %q", tt.input, got, tt.expected)
			}
			// Sanitizing twice must not change the result further.
			if again := SanitizeName(got); again != got {
				t.Errorf("SanitizeName not idempotent: %q -> %q -> %q", tt.input, got, again)
			}
		})
	}
}

func TestStripHTMLTags(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "plain text unchanged",
			input:    "A photorealistic checkpoint.",
			expected: "A photorealistic checkpoint.",
		},
		{
			name:     "simple markup removed",
			input:    "<p>A <strong>photorealistic</strong> checkpoint.</p>",
			expected: "A photorealistic checkpoint.",
		},
		{
			name:     "attributes removed",
			input:    `<a href="https://example.com" target="_blank">link text</a>`,
			expected: "link text",
		},
		{
			name:     "surrounding whitespace trimmed",
			input:    "<p>\ntrained on 512px\n</p>\n",
			expected: "trained on 512px",
		},
		{
			name:     "empty string",
			input:    "",
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := StripHTMLTags(tt.input)
			if got != tt.expected {
				t.Errorf("StripHTMLTags(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestUniqueStrings(t *testing.T) {
	tests := []struct {
		name     string
		input    []string
		expected []string
	}{
		{
			name:     "no duplicates",
			input:    []string{"anime", "style", "portrait"},
			expected: []string{"anime", "style", "portrait"},
		},
		{
			name:     "duplicates removed first wins",
			input:    []string{"anime", "style", "anime", "portrait", "style"},
			expected: []string{"anime", "style", "portrait"},
		},
		{
			name:     "case sensitive",
			input:    []string{"Anime", "anime"},
			expected: []string{"Anime", "anime"},
		},
		{
			name:     "empty slice",
			input:    []string{},
			expected: []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := UniqueStrings(tt.input)
			if !reflect.DeepEqual(got, tt.expected) {
				t.Errorf("UniqueStrings(%v) = %v, want %v", tt.input, got, tt.expected)
			}
		})
	}
}

func TestBytesToSize(t *testing.T) {
	tests := []struct {
		name     string
		expected string
		bytes    uint64
	}{
		{
			name:     "zero bytes",
			bytes:    0,
			expected: "0B",
		},
		{
			name:     "one byte",
			bytes:    1,
			expected: "1.00B",
		},
		{
			name:     "kilobytes",
			bytes:    1024,
			expected: "1.00KB",
		},
		{
			name:     "megabytes",
			bytes:    1024 * 1024,
			expected: "1.00MB",
		},
		{
			name:     "gigabytes",
			bytes:    1024 * 1024 * 1024,
			expected: "1.00GB",
		},
		{
			name:     "terabytes",
			bytes:    1024 * 1024 * 1024 * 1024,
			expected: "1.00TB",
		},
		{
			name:     "fractional megabytes",
			bytes:    1536 * 1024, // 1.5 MB
			expected: "1.50MB",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := BytesToSize(tt.bytes)
			if got != tt.expected {
				t.Errorf("BytesToSize(%d) = %q, want %q", tt.bytes, got, tt.expected)
			}
		})
	}
}

func TestStringSliceContains(t *testing.T) {
	tests := []struct {
		name     string
		item     string
		slice    []string
		expected bool
	}{
		{
			name:     "item present exact case",
			slice:    []string{"apple", "banana", "cherry"},
			item:     "banana",
			expected: true,
		},
		{
			name:     "item present different case",
			slice:    []string{"Apple", "Banana", "Cherry"},
			item:     "banana",
			expected: true,
		},
		{
			name:     "item not present",
			slice:    []string{"apple", "banana", "cherry"},
			item:     "grape",
			expected: false,
		},
		{
			name:     "empty slice",
			slice:    []string{},
			item:     "anything",
			expected: false,
		},
		{
			name:     "empty item",
			slice:    []string{"apple", "banana", ""},
			item:     "",
			expected: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := StringSliceContains(tt.slice, tt.item)
			if got != tt.expected {
				t.Errorf("StringSliceContains(%v, %q) = %v, want %v", tt.slice, tt.item, got, tt.expected)
			}
		})
	}
}

func TestCheckAndMakeDir(t *testing.T) {
	tempDir := t.TempDir()

	nested := filepath.Join(tempDir, "checkpoints", "SD 1.5", "My_Model")
	if !CheckAndMakeDir(nested) {
		t.Fatalf("CheckAndMakeDir(%q) = false, want true", nested)
	}
	info, err := os.Stat(nested)
	if err != nil {
		t.Fatalf("created directory missing: %v", err)
	}
	if !info.IsDir() {
		t.Errorf("%q is not a directory", nested)
	}

	// Existing directory is fine.
	if !CheckAndMakeDir(nested) {
		t.Errorf("CheckAndMakeDir on existing directory = false, want true")
	}

	// A file in the way fails.
	blocked := filepath.Join(tempDir, "file")
	if err := os.WriteFile(blocked, []byte("x"), 0600); err != nil {
		t.Fatalf("Failed to create blocking file: %v", err)
	}
	if CheckAndMakeDir(filepath.Join(blocked, "sub")) {
		t.Error("CheckAndMakeDir under a file = true, want false")
	}
}

func TestCounterWriter(t *testing.T) {
	var buf bytes.Buffer
	cw := &CounterWriter{Writer: &buf}

	data := []byte("Hello, World!")
	n, err := cw.Write(data)

	if err != nil {
		t.Errorf("CounterWriter.Write() error = %v", err)
	}
	if n != len(data) {
		t.Errorf("CounterWriter.Write() wrote %d bytes, want %d", n, len(data))
	}
	if cw.Total != uint64(len(data)) {
		t.Errorf("CounterWriter.Total = %d, want %d", cw.Total, len(data))
	}

	moreData := []byte(" More data!")
	_, err = cw.Write(moreData)

	if err != nil {
		t.Errorf("CounterWriter.Write() second error = %v", err)
	}
	expectedTotal := uint64(len(data) + len(moreData))
	if cw.Total != expectedTotal {
		t.Errorf("CounterWriter.Total after second write = %d, want %d", cw.Total, expectedTotal)
	}

	if buf.String() != "Hello, World! More data!" {
		t.Errorf("Buffer contents = %q, want %q", buf.String(), "Hello, World! More data!")
	}
}

func TestCheckHash(t *testing.T) {
	tempDir := t.TempDir()
	testFile := filepath.Join(tempDir, "test_file.txt")
	testContent := []byte("Hello, World!")

	if err := os.WriteFile(testFile, testContent, 0600); err != nil {
		t.Fatalf("Failed to create test file: %v", err)
	}

	// Digests of "Hello, World!".
	const (
		goodSHA256 = "dffd6021bb2bd5b0af676290809ec3a53191dd81c7f70a4b28688a362182986f"
		goodCRC32  = "EC4AC3D0"
	)

	t.Run("no hashes provided", func(t *testing.T) {
		if CheckHash(testFile, models.Hashes{}) {
			t.Error("CheckHash() with no hashes should return false")
		}
	})

	t.Run("nonexistent file", func(t *testing.T) {
		if CheckHash(filepath.Join(tempDir, "missing.txt"), models.Hashes{BLAKE3: "somehash"}) {
			t.Error("CheckHash() with nonexistent file should return false")
		}
	})

	t.Run("sha256 match", func(t *testing.T) {
		if !CheckHash(testFile, models.Hashes{SHA256: goodSHA256}) {
			t.Error("CheckHash() should accept a matching SHA256")
		}
	})

	t.Run("sha256 match case insensitive", func(t *testing.T) {
		upper := models.Hashes{SHA256: "DFFD6021BB2BD5B0AF676290809EC3A53191DD81C7F70A4B28688A362182986F"}
		if !CheckHash(testFile, upper) {
			t.Error("CheckHash() should compare hashes case-insensitively")
		}
	})

	t.Run("sha256 mismatch", func(t *testing.T) {
		if CheckHash(testFile, models.Hashes{SHA256: "deadbeef"}) {
			t.Error("CheckHash() should reject a wrong SHA256")
		}
	})

	t.Run("crc32 match", func(t *testing.T) {
		if !CheckHash(testFile, models.Hashes{CRC32: goodCRC32}) {
			t.Error("CheckHash() should accept a matching CRC32")
		}
	})

	t.Run("strongest hash takes precedence", func(t *testing.T) {
		// A wrong BLAKE3 must fail even when the weaker hashes match.
		h := models.Hashes{BLAKE3: "deadbeef", SHA256: goodSHA256, CRC32: goodCRC32}
		if CheckHash(testFile, h) {
			t.Error("CheckHash() should verify against the strongest hash available")
		}
	})
}
