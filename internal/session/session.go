// Package session owns per-session artifact directories: the append-only
// event log, the structured error-event mirror, and the metrics sink.
package session

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"cortex/internal/logging"
)

// Paths locates every artifact of one session.
type Paths struct {
	SessionDir       string
	EventsPath       string
	MetricsPath      string
	MemoryEventsPath string
	DBPath           string
}

// EnsureSession constructs (and by default resets) the session directory.
// Session ids are expected to be reusable during rapid iteration; clearing
// previous artifacts avoids cross-run contamination.
func EnsureSession(sessionID int, sessionsRoot string, resetExisting bool) (Paths, error) {
	sessionDir := filepath.Join(sessionsRoot, fmt.Sprintf("session-%03d", sessionID))
	if err := os.MkdirAll(sessionDir, 0755); err != nil {
		return Paths{}, fmt.Errorf("create session dir: %w", err)
	}

	if resetExisting {
		entries, err := os.ReadDir(sessionDir)
		if err != nil {
			return Paths{}, fmt.Errorf("list session dir: %w", err)
		}
		for _, entry := range entries {
			os.RemoveAll(filepath.Join(sessionDir, entry.Name()))
		}
	}

	logging.Get(logging.CategorySession).Debug("session %d ready at %s (reset=%v)", sessionID, sessionDir, resetExisting)
	return Paths{
		SessionDir:       sessionDir,
		EventsPath:       filepath.Join(sessionDir, "events.jsonl"),
		MetricsPath:      filepath.Join(sessionDir, "metrics.json"),
		MemoryEventsPath: filepath.Join(sessionDir, "memory_events.jsonl"),
		DBPath:           filepath.Join(sessionDir, "task.db"),
	}, nil
}

// WriteEvent appends one JSON line, defaulting ts to wall-clock seconds.
func WriteEvent(eventsPath string, event map[string]any) error {
	row := make(map[string]any, len(event)+1)
	for k, v := range event {
		row[k] = v
	}
	if _, ok := row["ts"]; !ok {
		row["ts"] = float64(time.Now().UnixNano()) / 1e9
	}
	data, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return AppendLine(eventsPath, string(data))
}

// AppendLine appends a pre-serialized JSON line (used for memory events that
// already carry stable sorted-key serialization).
func AppendLine(path, line string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer file.Close()
	if _, err := file.WriteString(line + "\n"); err != nil {
		return fmt.Errorf("append line: %w", err)
	}
	return nil
}

// ReadEvents parses events back into maps, skipping malformed lines.
func ReadEvents(eventsPath string) []map[string]any {
	file, err := os.Open(eventsPath)
	if err != nil {
		return nil
	}
	defer file.Close()

	var rows []map[string]any
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var parsed map[string]any
		if err := json.Unmarshal(line, &parsed); err != nil {
			continue
		}
		rows = append(rows, parsed)
	}
	return rows
}

// WriteMetrics overwrites the metrics file with pretty sorted-key JSON.
func WriteMetrics(metricsPath string, metrics map[string]any) error {
	if err := os.MkdirAll(filepath.Dir(metricsPath), 0755); err != nil {
		return fmt.Errorf("create metrics dir: %w", err)
	}
	data, err := json.MarshalIndent(metrics, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal metrics: %w", err)
	}
	if err := os.WriteFile(metricsPath, data, 0644); err != nil {
		return fmt.Errorf("write metrics: %w", err)
	}
	return nil
}

// ReadMetrics loads a metrics file; returns nil when absent or malformed.
func ReadMetrics(metricsPath string) map[string]any {
	data, err := os.ReadFile(metricsPath)
	if err != nil {
		return nil
	}
	var metrics map[string]any
	if err := json.Unmarshal(data, &metrics); err != nil {
		return nil
	}
	return metrics
}
