package disk

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// journalFileName is fixed per disk root, per spec.md §6's disk events
// journal.
const journalFileName = "disk_events.csv"

// Journal appends disk state-transition events as CSV lines:
//
//	disk_name;is_alien;new_state;ISO-8601
//
// This is the newer of the two header formats carried by the original
// implementation (see DESIGN.md, Open Question "disk events format");
// the older positional format without is_alien is not written.
type Journal struct {
	mu sync.Mutex
	f  *os.File
	w  *bufio.Writer
}

// OpenJournal opens (creating if necessary) disk_events.csv under dir,
// appending a header line only when the file is new.
func OpenJournal(dir string) (*Journal, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("disk.OpenJournal: %w", err)
	}
	path := filepath.Join(dir, journalFileName)
	isNew := false
	if _, err := os.Stat(path); os.IsNotExist(err) {
		isNew = true
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("disk.OpenJournal: %w", err)
	}
	j := &Journal{f: f, w: bufio.NewWriter(f)}
	if isNew {
		j.w.WriteString("disk_name;is_alien;new_state;datetime\n")
		j.w.Flush()
	}
	return j, nil
}

// Append records a state transition. Errors are not returned: the
// journal is a diagnostic aid, not a correctness dependency, and a
// disk already failing I/O shouldn't fail a second time trying to
// report the first failure.
func (j *Journal) Append(diskName string, isAlien bool, newState string, at time.Time) {
	j.mu.Lock()
	defer j.mu.Unlock()
	fmt.Fprintf(j.w, "%s;%t;%s;%s\n", diskName, isAlien, newState, at.UTC().Format(time.RFC3339))
	j.w.Flush()
}

// Close flushes and closes the underlying file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.w.Flush(); err != nil {
		return err
	}
	return j.f.Close()
}
