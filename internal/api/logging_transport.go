package api

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Global slice to keep track of all logging transports created
var (
	activeLoggingTransports []*LoggingTransport
	transportsMu            sync.Mutex
)

// LoggingTransport wraps an http.RoundTripper to log request and response details.
type LoggingTransport struct {
	Transport http.RoundTripper
	logFile   *os.File
	writer    *bufio.Writer
	mu        sync.Mutex
}

// NewLoggingTransport creates a new LoggingTransport.
// It opens the specified log file for appending.
func NewLoggingTransport(transport http.RoundTripper, logFilePath string) (*LoggingTransport, error) {
	logFilePath = filepath.Clean(logFilePath)
	// #nosec G304
	f, err := os.OpenFile(logFilePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open API log file %s: %w", logFilePath, err)
	}

	if transport == nil {
		transport = http.DefaultTransport
	}

	lt := &LoggingTransport{
		Transport: transport,
		logFile:   f,
		writer:    bufio.NewWriter(f),
	}

	transportsMu.Lock()
	activeLoggingTransports = append(activeLoggingTransports, lt)
	transportsMu.Unlock()
	log.Debugf("Registered new LoggingTransport for file: %s. Total active: %d", logFilePath, len(activeLoggingTransports))

	return lt, nil
}

// RoundTrip executes a single HTTP transaction, logging details. The lock
// only protects file writing, never the network request itself.
func (t *LoggingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	startTime := time.Now()

	reqDump, err := httputil.DumpRequestOut(req, true)
	if err != nil {
		log.WithError(err).Error("Failed to dump API request for logging")
	} else {
		t.mu.Lock()
		t.writeLog(fmt.Sprintf("--- Request (%s) ---\n%s\n", startTime.Format(time.RFC3339), string(reqDump)))
		t.mu.Unlock()
	}

	resp, err := t.Transport.RoundTrip(req)
	duration := time.Since(startTime)

	t.mu.Lock()
	defer t.mu.Unlock()

	if err != nil {
		t.writeLog(fmt.Sprintf("--- Response Error (%s, Duration: %v) ---\n%s\n", time.Now().Format(time.RFC3339), duration, err.Error()))
	} else {
		contentType := resp.Header.Get("Content-Type")
		if strings.HasPrefix(contentType, "application/json") {
			bodyBytes, readErr := io.ReadAll(resp.Body)
			if readErr != nil {
				log.WithError(readErr).Error("Failed to read response body for logging")
				respDump, _ := httputil.DumpResponse(resp, false)
				t.writeLog(fmt.Sprintf("--- Response Headers (%s, Duration: %v) ---\n%s\n(Body read failed)\n", time.Now().Format(time.RFC3339), duration, string(respDump)))
			} else {
				if closeErr := resp.Body.Close(); closeErr != nil {
					log.WithError(closeErr).Warn("Failed to close original response body before replacing it")
				}
				// Hand the caller a fresh readable body.
				resp.Body = io.NopCloser(bytes.NewReader(bodyBytes))

				respDumpHeader, _ := httputil.DumpResponse(resp, false)
				t.writeLog(fmt.Sprintf("--- Response Headers (%s, Duration: %v) ---\n%s\n--- Response Body (%s) ---\n%s\n", time.Now().Format(time.RFC3339), duration, string(respDumpHeader), contentType, string(bodyBytes)))
			}
		} else {
			respDump, _ := httputil.DumpResponse(resp, false)
			t.writeLog(fmt.Sprintf("--- Response Headers (%s, Duration: %v, Type: %s) ---\n%s\n(Body not logged)\n", time.Now().Format(time.RFC3339), duration, contentType, string(respDump)))
		}
	}

	if errFlush := t.writer.Flush(); errFlush != nil {
		log.WithError(errFlush).Error("Failed to flush API log writer")
	}

	return resp, err
}

// writeLog writes a string to the buffered writer.
func (t *LoggingTransport) writeLog(logString string) {
	_, err := t.writer.WriteString(logString + "\n\n")
	if err != nil {
		// Log to stderr if writing to file fails
		fmt.Fprintf(os.Stderr, "Error writing to API log file: %v\nLog message: %s\n", err, logString)
	}
}

// Close closes the underlying log file.
func (t *LoggingTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	errFlush := t.writer.Flush()
	errClose := t.logFile.Close()
	if errFlush != nil {
		return fmt.Errorf("failed to flush API log buffer: %w", errFlush)
	}
	return errClose
}

// CloseAllLoggingTransports iterates over all created transports and closes them.
func CloseAllLoggingTransports() {
	transportsMu.Lock()
	defer transportsMu.Unlock()

	closedCount := 0
	for _, t := range activeLoggingTransports {
		if err := t.Close(); err != nil {
			// Log to stderr as the primary logger might also be closing.
			fmt.Fprintf(os.Stderr, "Error closing logging transport for %s: %v\n", t.logFile.Name(), err)
		} else {
			closedCount++
		}
	}
	log.Debugf("Closed %d logging transports", closedCount)
	activeLoggingTransports = []*LoggingTransport{}
}
