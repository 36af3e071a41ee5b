package lesson

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"cortex/internal/logging"
)

// Store owns one lessons JSONL file. Mutations rewrite the whole file through
// a temp file + rename in the same directory, so concurrent readers see either
// the old or the new full set, never a partial one.
type Store struct {
	path string
	mu   sync.Mutex
}

// NewStore returns a store over the given JSONL path. The file need not exist.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the backing file path.
func (s *Store) Path() string {
	if s == nil {
		return ""
	}
	return s.path
}

// UpsertStats reports what an upsert did.
type UpsertStats struct {
	Inserted      int
	Merged        int
	ConflictLinks int
	Total         int
}

// Load parses every well-formed row; malformed lines are skipped silently
// beyond a counter, keeping the rest of the file usable.
func (s *Store) Load() []Record {
	if s == nil || s.path == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return loadRecords(s.path)
}

func loadRecords(path string) []Record {
	file, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer file.Close()

	var records []Record
	skipped := 0
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		var row map[string]any
		if err := json.Unmarshal([]byte(text), &row); err != nil {
			skipped++
			continue
		}
		if record, ok := RecordFromRow(row); ok {
			records = append(records, record)
		}
	}
	if skipped > 0 {
		logging.Get(logging.CategoryStore).Warn("skipped %d malformed lesson rows in %s", skipped, path)
	}
	return records
}

// Write replaces the file content with the given records atomically.
func (s *Store) Write(records []Record) error {
	if s == nil || s.path == "" {
		return fmt.Errorf("lesson store not initialized")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeRecords(s.path, records)
}

func writeRecords(path string, records []Record) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create lesson store dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".lessons-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp lesson file: %w", err)
	}
	tmpPath := tmp.Name()
	writer := bufio.NewWriter(tmp)
	for _, record := range records {
		data, err := json.Marshal(record.ToRow())
		if err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return fmt.Errorf("marshal lesson %s: %w", record.LessonID, err)
		}
		if _, err := writer.Write(append(data, '\n')); err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return fmt.Errorf("write lesson row: %w", err)
		}
	}
	if err := writer.Flush(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("flush lesson store: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp lesson file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replace lesson store: %w", err)
	}
	return nil
}

// Upsert inserts or merges records by identity, then recomputes conflict
// links across the full set and writes.
func (s *Store) Upsert(newRecords []Record) (UpsertStats, error) {
	if s == nil || s.path == "" {
		return UpsertStats{}, fmt.Errorf("lesson store not initialized")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	existing := loadRecords(s.path)
	byIdentity := map[string]Record{}
	var order []string
	for _, rec := range existing {
		key := rec.identityKey()
		if _, ok := byIdentity[key]; !ok {
			order = append(order, key)
		}
		byIdentity[key] = rec
	}

	stats := UpsertStats{}
	for _, incoming := range newRecords {
		key := incoming.identityKey()
		current, ok := byIdentity[key]
		if !ok {
			byIdentity[key] = incoming
			order = append(order, key)
			stats.Inserted++
		} else {
			byIdentity[key] = mergeRecords(current, incoming)
			stats.Merged++
		}
	}

	merged := make([]Record, 0, len(order))
	for _, key := range order {
		merged = append(merged, byIdentity[key])
	}
	refreshed, links := linkConflicts(merged)
	stats.ConflictLinks = links
	stats.Total = len(refreshed)
	if err := writeRecords(s.path, refreshed); err != nil {
		return stats, err
	}
	logging.Get(logging.CategoryStore).Debug("upsert: inserted=%d merged=%d links=%d total=%d",
		stats.Inserted, stats.Merged, stats.ConflictLinks, stats.Total)
	return stats, nil
}

// Archive marks matching records archived with a reason; nothing is deleted.
func (s *Store) Archive(lessonIDs []string, reason string) (int, error) {
	if s == nil || s.path == "" {
		return 0, fmt.Errorf("lesson store not initialized")
	}
	ids := map[string]bool{}
	for _, id := range lessonIDs {
		if t := strings.TrimSpace(id); t != "" {
			ids[t] = true
		}
	}
	if len(ids) == 0 {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	records := loadRecords(s.path)
	changed := 0
	now := utcNow()
	archiveReason := strings.TrimSpace(reason)
	if archiveReason == "" {
		archiveReason = "archived"
	}
	for i, record := range records {
		if !ids[record.LessonID] {
			continue
		}
		record.Status = StatusArchived
		record.ArchivedReason = archiveReason
		record.UpdatedAt = now
		records[i] = record
		changed++
	}
	if changed == 0 {
		return 0, nil
	}
	if err := writeRecords(s.path, records); err != nil {
		return 0, err
	}
	return changed, nil
}

// MigrateLegacy folds a legacy lessons.jsonl into this store. Idempotent, so
// callers run it on every session startup without a one-off migration script.
func (s *Store) MigrateLegacy(legacyPath string) (UpsertStats, error) {
	if s == nil || s.path == "" {
		return UpsertStats{}, fmt.Errorf("lesson store not initialized")
	}
	legacy := loadRecords(legacyPath)
	if len(legacy) == 0 {
		return UpsertStats{Total: len(s.Load())}, nil
	}
	return s.Upsert(legacy)
}
