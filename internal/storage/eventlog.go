package storage

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"

	"vigil/internal/event"
)

// EventLog is a per-camera append-only journal: one JSON object per line
// in events.jsonl. Each append is a single O_APPEND write, so an
// interrupted writer leaves a full line or nothing.
type EventLog struct {
	mu   sync.Mutex
	path string
	file *os.File
}

// NewEventLog opens (creating if needed) the journal under dataDir.
func NewEventLog(dataDir string) (*EventLog, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create event log dir: %w", err)
	}
	path := filepath.Join(dataDir, "events.jsonl")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open event log %s: %w", path, err)
	}
	return &EventLog{path: path, file: file}, nil
}

// Path returns the journal file path.
func (l *EventLog) Path() string { return l.path }

// Append writes one event as a single line.
func (l *EventLog) Append(e event.Event) error {
	data, err := e.Marshal()
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	line := append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.file.Write(line); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// Close releases the journal file.
func (l *EventLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

// Tailer incrementally reads new events from a journal, keeping a byte
// offset between calls. Malformed lines are logged at warn level and
// skipped.
type Tailer struct {
	path   string
	offset int64
}

// NewTailer starts tailing from the beginning of the file.
func NewTailer(path string) *Tailer {
	return &Tailer{path: path}
}

// Offset returns the current byte offset.
func (t *Tailer) Offset() int64 { return t.offset }

// Next returns all complete events appended since the last call. A
// missing file is not an error; the journal may not exist yet.
func (t *Tailer) Next() ([]event.Event, error) {
	f, err := os.Open(t.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open journal %s: %w", t.path, err)
	}
	defer f.Close()

	if _, err := f.Seek(t.offset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seek journal %s: %w", t.path, err)
	}

	var events []event.Event
	reader := bufio.NewReader(f)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			// Partial trailing line: leave the offset before it so the
			// next call re-reads the completed line.
			break
		}
		t.offset += int64(len(line))

		trimmed := line[:len(line)-1]
		if len(trimmed) == 0 {
			continue
		}
		e, perr := event.Parse(trimmed)
		if perr != nil {
			log.Printf("[EventLog] Skipping bad line in %s: %v", t.path, perr)
			continue
		}
		events = append(events, e)
	}
	return events, nil
}
