package events

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileSink writes TraceEvents to a JSONL file. It is safe for concurrent
// use from multiple sessions writing to the same trace file.
type FileSink struct {
	path   string
	file   *os.File
	writer *bufio.Writer
	mu     sync.Mutex
}

// DefaultFilename is the default filename for the trace file.
const DefaultFilename = "trace.jsonl"

// NewFileSink creates a FileSink that writes to dir/trace.jsonl. If the
// file already exists, new events are appended.
func NewFileSink(dir string) (*FileSink, error) {
	path := filepath.Join(dir, DefaultFilename)

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open trace file: %w", err)
	}

	return &FileSink{
		path:   path,
		file:   file,
		writer: bufio.NewWriter(file),
	}, nil
}

// Write writes a batch of events, one JSON line each, and flushes.
func (s *FileSink) Write(events []TraceEvent) error {
	if len(events) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, event := range events {
		data, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("failed to marshal event: %w", err)
		}
		if _, err := s.writer.Write(data); err != nil {
			return fmt.Errorf("failed to write event: %w", err)
		}
		if err := s.writer.WriteByte('\n'); err != nil {
			return fmt.Errorf("failed to write newline: %w", err)
		}
	}

	if err := s.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush events: %w", err)
	}
	return nil
}

// WriteOne writes a single event.
func (s *FileSink) WriteOne(event TraceEvent) error {
	return s.Write([]TraceEvent{event})
}

// Close flushes any remaining data and closes the file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return nil
	}

	if err := s.writer.Flush(); err != nil {
		_ = s.file.Close()
		s.file = nil
		return fmt.Errorf("failed to flush before close: %w", err)
	}

	if err := s.file.Close(); err != nil {
		s.file = nil
		return fmt.Errorf("failed to close trace file: %w", err)
	}

	s.file = nil
	return nil
}

// Path returns the path to the trace file.
func (s *FileSink) Path() string {
	return s.path
}

// ReadEvents reads all events from a JSONL trace file.
func ReadEvents(path string) ([]TraceEvent, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open trace file: %w", err)
	}
	defer func() { _ = file.Close() }()

	var events []TraceEvent
	scanner := bufio.NewScanner(file)

	// Rationale strings can get long; allow lines up to 1MB.
	const maxLineSize = 1024 * 1024
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var event TraceEvent
		if err := json.Unmarshal(line, &event); err != nil {
			return nil, fmt.Errorf("failed to parse event on line %d: %w", lineNum, err)
		}
		events = append(events, event)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read trace file: %w", err)
	}

	return events, nil
}

// FilterByStage filters events by stage.
func FilterByStage(events []TraceEvent, stages ...Stage) []TraceEvent {
	if len(stages) == 0 {
		return events
	}

	stageSet := make(map[Stage]bool)
	for _, s := range stages {
		stageSet[s] = true
	}

	var filtered []TraceEvent
	for _, event := range events {
		if stageSet[event.Stage] {
			filtered = append(filtered, event)
		}
	}
	return filtered
}

// FilterBySession filters events by session ID. An empty ID returns all
// events.
func FilterBySession(events []TraceEvent, sessionID string) []TraceEvent {
	if sessionID == "" {
		return events
	}

	var filtered []TraceEvent
	for _, event := range events {
		if event.SessionID == sessionID {
			filtered = append(filtered, event)
		}
	}
	return filtered
}
