package engine

// The journal records every relationship mutation a session applies, one line per mutation,
// so multi-document changes that failed half way can be found and repaired.

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// JournalFileName is the name of the active journal file inside the journal directory.
const JournalFileName = "relationships.journal"

// maxJournalEntries bounds the entries kept in memory; the file keeps everything.
const maxJournalEntries = 1000

// JournalEntry represents a single entry in the journal.
type JournalEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Operation string    `json:"operation"`
	Model     string    `json:"model"`
	Details   string    `json:"details"`
}

// Journal appends entries to a size rotated file. A nil *Journal accepts and drops entries.
type Journal struct {
	mu      sync.Mutex
	Entries []JournalEntry `json:"entries"`
	out     *lumberjack.Logger
}

// NewJournal opens the journal in dir. Files rotate at maxSizeMB and at most maxBackups
// compressed old files are kept.
func NewJournal(dir string, maxSizeMB, maxBackups int) (*Journal, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}
	return &Journal{
		Entries: []JournalEntry{},
		out: &lumberjack.Logger{
			Filename:   filepath.Join(dir, JournalFileName),
			MaxSize:    maxSizeMB,
			MaxBackups: maxBackups,
			Compress:   true,
		},
	}, nil
}

// Path is the active journal file.
func (j *Journal) Path() string {
	if j == nil {
		return ""
	}
	return j.out.Filename
}

// AddEntry adds a new entry to the journal.
func (j *Journal) AddEntry(operation, model, details string) error {
	if j == nil {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	entry := JournalEntry{
		Timestamp: time.Now(),
		Operation: operation,
		Model:     model,
		Details:   details,
	}
	j.Entries = append(j.Entries, entry)
	if len(j.Entries) > maxJournalEntries {
		j.Entries = append([]JournalEntry(nil), j.Entries[len(j.Entries)-maxJournalEntries:]...)
	}

	line := fmt.Sprintf("%s | %s | %s | %s\n", entry.Timestamp.Format(time.RFC3339), entry.Operation, entry.Model, entry.Details)
	if _, err := j.out.Write([]byte(line)); err != nil {
		return fmt.Errorf("failed to write to journal file: %w", err)
	}
	return nil
}

// Snapshot returns a copy of the entries kept in memory.
func (j *Journal) Snapshot() []JournalEntry {
	if j == nil {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]JournalEntry(nil), j.Entries...)
}

// Rotate starts a new journal file, keeping the current one as a backup.
func (j *Journal) Rotate() error {
	if j == nil {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.out.Rotate(); err != nil {
		return fmt.Errorf("failed to rotate journal file: %w", err)
	}
	return nil
}

// Close closes the journal file.
func (j *Journal) Close() error {
	if j == nil {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.out.Close(); err != nil {
		return fmt.Errorf("failed to close journal file: %w", err)
	}
	return nil
}
