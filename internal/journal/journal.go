package journal

import (
	"bufio"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/convohq/convo/pkg/logger"
	"go.uber.org/zap"
)

// Entry is one emitted room event as recorded on disk. The journal is a
// line-delimited JSON append log used for replay and debugging; the database
// stays the source of truth for all chat state.
type Entry struct {
	EventID    string          `json:"event_id"`
	RoomID     string          `json:"room_id"`
	Kind       string          `json:"kind"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// Journal manages the append-only event log.
type Journal struct {
	filePath string
	file     *os.File
	mu       sync.Mutex
}

// New opens (or creates) the journal file.
func New(filePath string) (*Journal, error) {
	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}

	return &Journal{
		filePath: filePath,
		file:     file,
	}, nil
}

// Append writes one entry and syncs it to disk.
func (j *Journal) Append(entry Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	data, err := json.Marshal(entry)
	if err != nil {
		logger.Log.Error("journal: failed to marshal entry",
			zap.String("event_id", entry.EventID),
			zap.Error(err),
		)
		return err
	}

	if _, err := j.file.WriteString(string(data) + "\n"); err != nil {
		logger.Log.Error("journal: failed to write entry",
			zap.String("event_id", entry.EventID),
			zap.Error(err),
		)
		return err
	}

	if err := j.file.Sync(); err != nil {
		logger.Log.Error("journal: failed to sync",
			zap.String("event_id", entry.EventID),
			zap.Error(err),
		)
		return err
	}

	return nil
}

// ReadAll returns every entry currently in the journal.
func (j *Journal) ReadAll() ([]Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	return j.readAllUnsafe()
}

// CompactBefore drops entries that occurred before the cutoff and rewrites
// the file atomically. Called at startup to enforce journal retention.
func (j *Journal) CompactBefore(cutoff time.Time) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	allEntries, err := j.readAllUnsafe()
	if err != nil {
		logger.Log.Error("journal: failed to read entries for compaction", zap.Error(err))
		return err
	}

	var remaining []Entry
	for _, entry := range allEntries {
		if !entry.OccurredAt.Before(cutoff) {
			remaining = append(remaining, entry)
		}
	}

	if len(remaining) == len(allEntries) {
		return nil
	}

	if err := j.file.Close(); err != nil {
		return err
	}

	tempFile := j.filePath + ".tmp"
	if err := writeTempLog(tempFile, remaining); err != nil {
		logger.Log.Error("journal: compaction rewrite failed", zap.Error(err))
		os.Remove(tempFile)
		return j.reopen(err)
	}

	// Replace old file with new one (atomic)
	if err := os.Rename(tempFile, j.filePath); err != nil {
		os.Remove(tempFile)
		return j.reopen(err)
	}

	// Reopen with the same flags so appends keep working after compaction.
	newFile, err := os.OpenFile(j.filePath, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	j.file = newFile

	logger.Log.Info("journal: compaction completed",
		zap.Int("before_count", len(allEntries)),
		zap.Int("remaining_count", len(remaining)),
	)

	return nil
}

// reopen restores the append handle after a failed rewrite so the journal
// keeps accepting entries; the rewrite error takes precedence.
func (j *Journal) reopen(rewriteErr error) error {
	file, err := os.OpenFile(j.filePath, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		logger.Log.Error("journal: failed to reopen after compaction error", zap.Error(err))
		return rewriteErr
	}
	j.file = file
	return rewriteErr
}

// writeTempLog writes the surviving entries to path and syncs the file.
func writeTempLog(path string, entries []Entry) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := writeEntries(f, entries); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func writeEntries(w io.Writer, entries []Entry) error {
	for _, entry := range entries {
		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		if _, err := w.Write(append(data, '\n')); err != nil {
			return err
		}
	}
	return nil
}

func (j *Journal) readAllUnsafe() ([]Entry, error) {
	file, err := os.Open(j.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return []Entry{}, nil
		}
		return nil, err
	}
	defer file.Close()

	var entries []Entry
	scanner := bufio.NewScanner(file)

	for scanner.Scan() {
		var entry Entry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}

	return entries, scanner.Err()
}

// Close closes the journal file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.file.Close()
}
