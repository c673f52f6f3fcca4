package gcp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"cloud.google.com/go/logging"
	"google.golang.org/api/option"
)

// SessionLogger mirrors session events to a durable log. Implementations
// must be safe for concurrent use.
type SessionLogger interface {
	Info(message string, fields map[string]interface{})
	Warning(message string, fields map[string]interface{})
	Error(message string, fields map[string]interface{})
	Flush() error
	Close() error
}

// CloudSessionLogger writes structured entries to Google Cloud Logging.
// Entries carry the session ID as a common label so one session's events can
// be queried together.
type CloudSessionLogger struct {
	client *logging.Client
	logger *logging.Logger
}

// NewCloudSessionLogger creates a logger writing to the given log name in
// the given project.
func NewCloudSessionLogger(ctx context.Context, projectID, logName, sessionID string, opts ...option.ClientOption) (*CloudSessionLogger, error) {
	client, err := logging.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create cloud logging client: %w", err)
	}

	logger := client.Logger(logName, logging.CommonLabels(map[string]string{
		"session_id": sessionID,
		"component":  "surgagent",
	}))

	return &CloudSessionLogger{client: client, logger: logger}, nil
}

func (l *CloudSessionLogger) log(severity logging.Severity, message string, fields map[string]interface{}) {
	payload := map[string]interface{}{"message": message}
	for k, v := range fields {
		payload[k] = v
	}
	l.logger.Log(logging.Entry{
		Severity:  severity,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	})
}

// Info writes an INFO entry.
func (l *CloudSessionLogger) Info(message string, fields map[string]interface{}) {
	l.log(logging.Info, message, fields)
}

// Warning writes a WARNING entry.
func (l *CloudSessionLogger) Warning(message string, fields map[string]interface{}) {
	l.log(logging.Warning, message, fields)
}

// Error writes an ERROR entry.
func (l *CloudSessionLogger) Error(message string, fields map[string]interface{}) {
	l.log(logging.Error, message, fields)
}

// Flush sends any buffered entries.
func (l *CloudSessionLogger) Flush() error {
	return l.logger.Flush()
}

// Close flushes and closes the underlying client.
func (l *CloudSessionLogger) Close() error {
	return l.client.Close()
}

// LocalSessionLogger is the fallback when no cloud project is configured:
// structured JSON lines to a local writer, one entry per line, in a format
// the Cloud Logging agent can also ingest.
type LocalSessionLogger struct {
	writer    io.Writer
	sessionID string
	mu        sync.Mutex
}

// NewLocalSessionLogger creates a logger writing JSON lines to w.
func NewLocalSessionLogger(w io.Writer, sessionID string) *LocalSessionLogger {
	return &LocalSessionLogger{writer: w, sessionID: sessionID}
}

type localEntry struct {
	Severity  string                 `json:"severity"`
	Message   string                 `json:"message"`
	Timestamp time.Time              `json:"timestamp"`
	SessionID string                 `json:"session_id"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

func (l *LocalSessionLogger) log(severity, message string, fields map[string]interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry := localEntry{
		Severity:  severity,
		Message:   message,
		Timestamp: time.Now().UTC(),
		SessionID: l.sessionID,
		Fields:    fields,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		fmt.Fprintf(l.writer, `{"severity":"ERROR","message":"failed to marshal log entry: %v"}`+"\n", err)
		return
	}
	fmt.Fprintf(l.writer, "%s\n", data)
}

// Info writes an INFO entry.
func (l *LocalSessionLogger) Info(message string, fields map[string]interface{}) {
	l.log("INFO", message, fields)
}

// Warning writes a WARNING entry.
func (l *LocalSessionLogger) Warning(message string, fields map[string]interface{}) {
	l.log("WARNING", message, fields)
}

// Error writes an ERROR entry.
func (l *LocalSessionLogger) Error(message string, fields map[string]interface{}) {
	l.log("ERROR", message, fields)
}

// Flush is a no-op; writes are synchronous.
func (l *LocalSessionLogger) Flush() error { return nil }

// Close is a no-op for the local logger.
func (l *LocalSessionLogger) Close() error { return nil }

var _ SessionLogger = (*CloudSessionLogger)(nil)
var _ SessionLogger = (*LocalSessionLogger)(nil)
