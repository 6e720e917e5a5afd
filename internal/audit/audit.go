// Package audit writes the append-only command audit log (one JSON object per line).
package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/roelfdiedericks/lifeline/internal/paths"
)

// Result values recorded for each attempted command.
const (
	ResultOK              = "ok"
	ResultFailed          = "failed"
	ResultUnknownCommand  = "unknown_command"
	ResultValidationError = "validation_error"
	ResultRateLimited     = "rate_limited"
	ResultUnauthorized    = "unauthorized"
	ResultApprovalDenied  = "approval_denied"
	ResultApprovalTimeout = "approval_timeout"
	ResultBlockedKey      = "blocked_key"
	ResultPanic           = "panic"
)

// Approval outcomes.
const (
	ApprovalNone     = "not_required"
	ApprovalApproved = "approved"
	ApprovalDenied   = "denied"
	ApprovalTimedOut = "timed_out"
	ApprovalPending  = "pending"
)

// Entry is one audit record.
type Entry struct {
	ID         string    `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	Identity   string    `json:"identity"`
	Command    string    `json:"command"`
	Approval   string    `json:"approval_outcome"`
	ApprovalID string    `json:"approval_id,omitempty"`
	ApprovedBy string    `json:"approved_by,omitempty"`
	Result     string    `json:"result"`
	Detail     string    `json:"detail,omitempty"`
}

// Log appends entries to a JSONL file. Each Append is flushed and synced
// before it returns.
type Log struct {
	mu   sync.Mutex
	path string
	f    *os.File
	now  func() time.Time
}

// Open opens (creating if needed) the log at path for appending.
func Open(path string) (*Log, error) {
	if err := paths.EnsureParentDir(path); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("audit: open %s: %w", path, err)
	}
	return &Log{path: path, f: f, now: time.Now}, nil
}

// Path returns the log file location.
func (l *Log) Path() string {
	return l.path
}

// Append writes e, filling ID and Timestamp when unset.
func (l *Log) Append(e Entry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = l.now().UTC()
	}
	if e.Approval == "" {
		e.Approval = ApprovalNone
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("audit: marshal: %w", err)
	}
	data = append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return fmt.Errorf("audit: log closed")
	}
	if _, err := l.f.Write(data); err != nil {
		return fmt.Errorf("audit: write: %w", err)
	}
	return l.f.Sync()
}

// Close closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}

// ReadAll parses every entry in the log at path. Malformed lines are skipped.
func ReadAll(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries, scanner.Err()
}

// Tail returns the last n entries of the log at path.
func Tail(path string, n int) ([]Entry, error) {
	entries, err := ReadAll(path)
	if err != nil {
		return nil, err
	}
	if n > 0 && len(entries) > n {
		entries = entries[len(entries)-n:]
	}
	return entries, nil
}
