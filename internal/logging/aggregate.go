package logging

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

// LogEntry is one parsed line of the server's JSON log.
type LogEntry struct {
	Timestamp time.Time      `json:"time"`
	Level     string         `json:"level"`
	Message   string         `json:"msg"`
	Component string         `json:"component,omitempty"`
	RunID     string         `json:"run_id,omitempty"`
	Attrs     map[string]any `json:"attrs,omitempty"`
}

// LogFilter selects log entries. Zero-valued fields match everything.
type LogFilter struct {
	// Level keeps entries at or above this level.
	Level           string
	Since           time.Time
	Component       string
	RunID           string
	MessageContains string
}

var levelOrder = map[string]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
}

var standardFields = map[string]bool{
	"time":      true,
	"level":     true,
	"msg":       true,
	"component": true,
	"run_id":    true,
}

// ReadLogFile parses every JSON line in path. Lines that are not valid JSON
// are skipped so a truncated tail does not hide the rest of the file.
func ReadLogFile(path string) ([]LogEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	defer func() { _ = f.Close() }()
	return ReadLog(f)
}

// ReadLog parses JSON log lines from r.
func ReadLog(r io.Reader) ([]LogEntry, error) {
	var entries []LogEntry

	scanner := bufio.NewScanner(r)
	const maxLine = 1 << 20
	scanner.Buffer(make([]byte, 64*1024), maxLine)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		entry, err := parseLogEntry(line)
		if err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading log: %w", err)
	}
	return entries, nil
}

func parseLogEntry(line string) (LogEntry, error) {
	var raw map[string]any
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		return LogEntry{}, fmt.Errorf("invalid JSON: %w", err)
	}

	entry := LogEntry{Attrs: make(map[string]any)}
	if s, ok := raw["time"].(string); ok {
		if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
			entry.Timestamp = ts
		}
	}
	entry.Level, _ = raw["level"].(string)
	entry.Message, _ = raw["msg"].(string)
	entry.Component, _ = raw["component"].(string)
	entry.RunID, _ = raw["run_id"].(string)

	for k, v := range raw {
		if !standardFields[k] {
			entry.Attrs[k] = v
		}
	}
	return entry, nil
}

// FilterLogs returns the entries matching every criterion in filter.
func FilterLogs(entries []LogEntry, filter LogFilter) []LogEntry {
	var out []LogEntry
	for _, e := range entries {
		if filter.matches(e) {
			out = append(out, e)
		}
	}
	return out
}

func (f LogFilter) matches(e LogEntry) bool {
	if f.Level != "" {
		want, okWant := levelOrder[strings.ToUpper(f.Level)]
		have, okHave := levelOrder[e.Level]
		if okWant && okHave && have < want {
			return false
		}
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	if f.Component != "" && e.Component != f.Component {
		return false
	}
	if f.RunID != "" && e.RunID != f.RunID {
		return false
	}
	if f.MessageContains != "" && !strings.Contains(e.Message, f.MessageContains) {
		return false
	}
	return true
}

// FormatText renders an entry as a single human-readable line.
func FormatText(e LogEntry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %-5s %s", e.Timestamp.Format("2006-01-02 15:04:05.000"), e.Level, e.Message)
	if e.Component != "" {
		fmt.Fprintf(&b, " component=%s", e.Component)
	}
	if e.RunID != "" {
		fmt.Fprintf(&b, " run_id=%s", e.RunID)
	}
	if len(e.Attrs) > 0 {
		if attrs, err := json.Marshal(e.Attrs); err == nil {
			b.WriteByte(' ')
			b.Write(attrs)
		}
	}
	return b.String()
}
