package helpers

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"regexp"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/zeebo/blake3"

	"go-civitai-manager/internal/models"
)

var (
	nameInvalidChars = regexp.MustCompile(`[^A-Za-z0-9_.-]`)
	htmlTagPattern   = regexp.MustCompile(`<[^>]+>`)
)

// SanitizeName maps a model name to a directory-safe form: every character
// outside [A-Za-z0-9_.-] becomes an underscore. Idempotent.
func SanitizeName(name string) string {
	return nameInvalidChars.ReplaceAllString(name, "_")
}

// StripHTMLTags removes markup from remote descriptions, which the API
// returns as HTML fragments.
func StripHTMLTags(s string) string {
	return strings.TrimSpace(htmlTagPattern.ReplaceAllString(s, ""))
}

// UniqueStrings returns the slice with duplicates removed, first
// occurrence wins.
func UniqueStrings(items []string) []string {
	if len(items) == 0 {
		return items
	}
	seen := make(map[string]struct{}, len(items))
	out := items[:0:0]
	for _, item := range items {
		if _, ok := seen[item]; ok {
			continue
		}
		seen[item] = struct{}{}
		out = append(out, item)
	}
	return out
}

// StringSliceContains reports whether item is present in slice,
// case-insensitively.
func StringSliceContains(slice []string, item string) bool {
	for _, s := range slice {
		if strings.EqualFold(s, item) {
			return true
		}
	}
	return false
}

// BytesToSize renders a byte count with a binary unit suffix.
func BytesToSize(bytes uint64) string {
	const unit = 1024
	if bytes == 0 {
		return "0B"
	}
	sizes := []string{"B", "KB", "MB", "GB", "TB", "PB"}
	size := float64(bytes)
	i := 0
	for size >= unit && i < len(sizes)-1 {
		size /= unit
		i++
	}
	return fmt.Sprintf("%.2f%s", size, sizes[i])
}

// CheckAndMakeDir creates dir and any missing parents. Returns false and
// logs when creation fails.
func CheckAndMakeDir(dir string) bool {
	if err := os.MkdirAll(dir, 0750); err != nil {
		log.WithError(err).Errorf("Failed to create directory %s", dir)
		return false
	}
	return true
}

// CounterWriter wraps an io.Writer and counts the bytes written through it.
type CounterWriter struct {
	Writer io.Writer
	Total  uint64
}

func (cw *CounterWriter) Write(p []byte) (int, error) {
	n, err := cw.Writer.Write(p)
	cw.Total += uint64(n)
	return n, err
}

// CheckHash verifies a file on disk against the hashes the remote supplied.
// The strongest available hash wins: BLAKE3, then SHA256, then CRC32.
// Returns false when the file is unreadable or no hash was supplied.
func CheckHash(path string, hashes models.Hashes) bool {
	switch {
	case hashes.BLAKE3 != "":
		sum, err := fileBlake3(path)
		if err != nil {
			log.WithError(err).Warnf("Hash check failed to read %s", path)
			return false
		}
		return strings.EqualFold(sum, hashes.BLAKE3)
	case hashes.SHA256 != "":
		sum, err := fileSHA256(path)
		if err != nil {
			log.WithError(err).Warnf("Hash check failed to read %s", path)
			return false
		}
		return strings.EqualFold(sum, hashes.SHA256)
	case hashes.CRC32 != "":
		sum, err := fileCRC32(path)
		if err != nil {
			log.WithError(err).Warnf("Hash check failed to read %s", path)
			return false
		}
		return strings.EqualFold(sum, hashes.CRC32)
	default:
		return false
	}
}

func fileBlake3(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func fileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func fileCRC32(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := crc32.NewIEEE()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return fmt.Sprintf("%08X", h.Sum32()), nil
}
