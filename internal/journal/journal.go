// Package journal persists confirmed fills as newline-delimited JSON files
// on local disk, one file per trading day. It is the default trade journal
// when no database is configured.
package journal

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/stockbot/internal/domain"
)

// FileJournal implements domain.TradeJournal with daily JSONL files named
// trades-YYYY-MM-DD.jsonl under a base directory.
type FileJournal struct {
	dir string
	mu  sync.Mutex
}

// NewFileJournal creates a FileJournal writing under dir.
func NewFileJournal(dir string) *FileJournal {
	return &FileJournal{dir: dir}
}

// Record appends one fill to the day file for the record's execution date.
func (j *FileJournal) Record(_ context.Context, rec domain.TradeRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := os.MkdirAll(j.dir, 0o755); err != nil {
		return fmt.Errorf("journal: create dir %s: %w", j.dir, err)
	}

	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("journal: marshal trade %s: %w", rec.ID, err)
	}

	path := j.dayPath(rec.At)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("journal: open %s: %w", path, err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("journal: write %s: %w", path, err)
	}
	return nil
}

// ListBefore returns all journaled trades executed strictly before the
// cutoff, oldest first. Unparseable lines are skipped so one bad write never
// blocks archival of the rest.
func (j *FileJournal) ListBefore(_ context.Context, before time.Time) ([]domain.TradeRecord, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	entries, err := os.ReadDir(j.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("journal: read dir %s: %w", j.dir, err)
	}

	var records []domain.TradeRecord
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".jsonl" {
			continue
		}
		recs, err := j.readFile(filepath.Join(j.dir, entry.Name()), before)
		if err != nil {
			return nil, err
		}
		records = append(records, recs...)
	}

	sort.Slice(records, func(a, b int) bool { return records[a].At.Before(records[b].At) })
	return records, nil
}

func (j *FileJournal) readFile(path string, before time.Time) ([]domain.TradeRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", path, err)
	}
	defer f.Close()

	var records []domain.TradeRecord
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var rec domain.TradeRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			continue
		}
		if rec.At.Before(before) {
			records = append(records, rec)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("journal: scan %s: %w", path, err)
	}
	return records, nil
}

func (j *FileJournal) dayPath(at time.Time) string {
	return filepath.Join(j.dir, "trades-"+at.Format("2006-01-02")+".jsonl")
}

// Compile-time interface check.
var _ domain.TradeJournal = (*FileJournal)(nil)
