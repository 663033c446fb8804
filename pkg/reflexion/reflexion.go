// Package reflexion implements the process-wide, append-only Reflexion
// Store: a log of blocking failures and remediation hints replayed as
// prompt context on retry.
package reflexion

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/gofrs/flock"
)

// Record is one append-only Reflexion Store entry.
type Record struct {
	SID              string         `json:"sid"`
	LoopCount        int            `json:"loop_count"`
	Stage            string         `json:"stage"`
	Reason           string         `json:"reason"`
	RemediationHint  string         `json:"remediation_hint,omitempty"`
	Blocking         bool           `json:"blocking"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	Timestamp        time.Time      `json:"timestamp"`
}

// Store is a file-backed, append-only, cross-process-safe Reflexion log.
// Readers never mutate; writers never re-order.
type Store struct {
	path string
}

// New returns a Store backed by the JSONL file at path. The file and its
// parent directory are created lazily on first Append.
func New(path string) *Store {
	return &Store{path: path}
}

// Append writes record to the log under an OS-level advisory lock,
// assigning a timestamp if absent: a real flock, not best-effort ordering.
func (s *Store) Append(record Record) error {
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now().UTC()
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("reflexion: ensure dir: %w", err)
	}

	lock := flock.New(s.path + ".lock")
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("reflexion: acquire lock: %w", err)
	}
	defer lock.Unlock()

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("reflexion: open store: %w", err)
	}
	defer f.Close()

	line, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("reflexion: marshal record: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("reflexion: append record: %w", err)
	}
	return nil
}

// Load scans the store, filters by sid (empty = all), sorts by timestamp
// descending, and returns up to limit records (0 = unlimited). Malformed
// lines are skipped with a warning, never fatal to the read.
func (s *Store) Load(sidFilter string, limit int) ([]Record, error) {
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reflexion: open store: %w", err)
	}
	defer f.Close()

	var records []Record
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			slog.Warn("reflexion: skipping malformed record", "line", lineNo, "error", err)
			continue
		}
		if sidFilter != "" && rec.SID != sidFilter {
			continue
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reflexion: scan store: %w", err)
	}

	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Timestamp.After(records[j].Timestamp)
	})
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

// LatestFailureContext merges the top limit Reflexion records for sid into
// bullet lines carrying {stage, loop, reason, hint}, suitable for
// augmenting a subsequent prompt.
func (s *Store) LatestFailureContext(sid string, limit int) (string, error) {
	records, err := s.Load(sid, limit)
	if err != nil {
		return "", err
	}
	if len(records) == 0 {
		return "", nil
	}
	out := ""
	for _, r := range records {
		out += fmt.Sprintf("- stage=%s loop=%d reason=%s", r.Stage, r.LoopCount, r.Reason)
		if r.RemediationHint != "" {
			out += fmt.Sprintf(" hint=%s", r.RemediationHint)
		}
		if missing, ok := r.Metadata["missing_deps"]; ok {
			out += fmt.Sprintf(" missing_deps=%v", missing)
		}
		out += "\n"
	}
	return out, nil
}
