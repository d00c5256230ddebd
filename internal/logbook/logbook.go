package logbook

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// FileName is the journal inside .batchline/logs.
const FileName = "journal.log"

// Level represents the severity of a journal entry.
type Level string

const (
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// Action names what happened to a step.
type Action string

const (
	ActionSigned   Action = "signed"
	ActionReviewed Action = "reviewed"
	ActionComment  Action = "commented"
	ActionAdvanced Action = "advanced"
	ActionFailed   Action = "failed"
)

// Event is one execution fact worth keeping for the operator: who did what
// to which step.
type Event struct {
	Resource string
	ParentID string
	Step     int
	Role     string
	Actor    string
	Action   Action
	Detail   string
}

func (e Event) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s step %d: %s %s", e.Resource, e.ParentID, e.Step, e.Role, e.Action)
	if e.Actor != "" {
		fmt.Fprintf(&b, " by %s", e.Actor)
	}
	if detail := strings.TrimSpace(e.Detail); detail != "" {
		fmt.Fprintf(&b, " (%s)", detail)
	}
	return b.String()
}

// Logbook persists execution progress to a simple text file.
type Logbook struct {
	path  string
	clock func() time.Time
	mu    sync.Mutex
}

// Option customizes a Logbook.
type Option func(*Logbook)

// WithClock allows tests to control timestamps.
func WithClock(clock func() time.Time) Option {
	return func(l *Logbook) {
		if clock != nil {
			l.clock = clock
		}
	}
}

// New creates a logbook that writes to the provided path.
func New(path string, opts ...Option) (*Logbook, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	l := &Logbook{path: path, clock: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l, nil
}

// Open creates the journal inside a logs directory.
func Open(logsDir string, opts ...Option) (*Logbook, error) {
	return New(filepath.Join(logsDir, FileName), opts...)
}

// Path returns the file backing this logbook.
func (l *Logbook) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

// Append writes a single entry to the logbook.
func (l *Logbook) Append(level Level, message string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	line := fmt.Sprintf("%s %-5s %s\n",
		l.clock().UTC().Format(time.RFC3339),
		string(level),
		strings.ReplaceAll(strings.TrimSpace(message), "\n", " "),
	)
	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return
	}
	defer file.Close()
	_, _ = file.WriteString(line)
}

// Record appends an execution event. Failures are logged at error level.
func (l *Logbook) Record(e Event) {
	level := LevelInfo
	if e.Action == ActionFailed {
		level = LevelError
	}
	l.Append(level, e.String())
}

// Tail returns up to maxLines of the most recent entries together with the
// total number of entries in the file.
func (l *Logbook) Tail(maxLines int) ([]string, int) {
	if l == nil || maxLines <= 0 {
		return nil, 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	file, err := os.Open(l.path)
	if err != nil {
		return nil, 0
	}
	defer file.Close()

	var lines []string
	total := 0
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		total++
		lines = append(lines, scanner.Text())
		if len(lines) > maxLines {
			lines = lines[1:]
		}
	}
	if len(lines) == 0 {
		return nil, total
	}
	return lines, total
}

// Info appends an informational entry.
func (l *Logbook) Info(format string, args ...any) {
	l.Append(LevelInfo, fmt.Sprintf(format, args...))
}

// Warn appends a warning entry.
func (l *Logbook) Warn(format string, args ...any) {
	l.Append(LevelWarn, fmt.Sprintf(format, args...))
}

// Error appends an error entry.
func (l *Logbook) Error(format string, args ...any) {
	l.Append(LevelError, fmt.Sprintf(format, args...))
}
