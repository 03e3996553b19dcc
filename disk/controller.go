// Package disk implements the disk controller and failure state machine
// (spec.md §4.6): it owns every pearl.Group living on one physical disk
// path, detects I/O failure, quarantines, reinitializes, and journals
// every state transition.
package disk

import (
	"errors"
	"io/fs"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gholt/bob"
	"github.com/gholt/bob/pearl"
)

// State is a disk's position in the failure state machine (spec.md
// §4.6):
//
//	Online --I/O error (threshold exceeded)--> Quarantined
//	Quarantined --periodic probe ok--> Reinitializing --load ok--> Online
//	Reinitializing --load err--> Quarantined
type State int

const (
	Online State = iota
	Quarantined
	Reinitializing
)

func (s State) String() string {
	switch s {
	case Online:
		return "Online"
	case Quarantined:
		return "Quarantined"
	case Reinitializing:
		return "Reinitializing"
	default:
		return "Unknown"
	}
}

// Controller owns all Groups on one physical disk path (spec.md §4.6).
type Controller struct {
	Name    bob.DiskName
	Path    bob.DiskPath
	IsAlien bool
	Log     pearl.LogFunc

	// RetryTimeout is how long Guard retries a failing operation locally
	// before giving up and counting it toward quarantine (spec.md §7
	// "StorageIO ... retried locally, then bubbled"). Zero disables retry.
	RetryTimeout time.Duration

	journal *Journal
	window  *failureWindow
	ioLog   *ActionLogger

	mu     sync.RWMutex
	state  State
	groups map[bob.VDiskID]*pearl.Group
}

// ioErrorLogInterval bounds how often a disk's I/O failure spam is
// summarized rather than logged on every occurrence (spec.md §9
// IntervalLogger consolidation).
const ioErrorLogInterval = 10 * time.Second

// NewController creates a Controller journaling to path's
// disk_events.csv (spec.md §6), starting Online.
func NewController(name bob.DiskName, path bob.DiskPath, isAlien bool, threshold int, window time.Duration, log pearl.LogFunc) (*Controller, error) {
	if log == nil {
		log = func(string, ...interface{}) {}
	}
	j, err := OpenJournal(string(path))
	if err != nil {
		return nil, err
	}
	return &Controller{
		Name: name, Path: path, IsAlien: isAlien, Log: log,
		journal: j,
		window:  newFailureWindow(threshold, window),
		ioLog:   NewActionLogger(log, "disk "+string(name)+": I/O errors", ioErrorLogInterval),
		state:   Online,
		groups:  make(map[bob.VDiskID]*pearl.Group),
	}, nil
}

// AddGroup registers a vdisk's group with this controller;
// backend.Backend's (vdisk, disk) -> Group resolution routes through
// here (spec.md §4.7).
func (c *Controller) AddGroup(vdisk bob.VDiskID, g *pearl.Group) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.groups[vdisk] = g
}

// Group returns the group for vdisk, or (nil, false) if this disk does
// not hold it.
func (c *Controller) Group(vdisk bob.VDiskID) (*pearl.Group, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	g, ok := c.groups[vdisk]
	return g, ok
}

// Groups returns every group this controller owns.
func (c *Controller) Groups() map[bob.VDiskID]*pearl.Group {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[bob.VDiskID]*pearl.Group, len(c.groups))
	for k, v := range c.groups {
		out[k] = v
	}
	return out
}

// State reports the current state.
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Available reports whether writes/reads may be routed to this disk;
// false while Quarantined or Reinitializing (spec.md §4.6: "While
// Quarantined, writes to vdisks residing on this disk fail fast with
// DiskUnavailable").
func (c *Controller) Available() bool {
	return c.State() == Online
}

// Guard wraps an operation against one of this controller's groups: it
// fails fast with VDiskNotReady if the disk isn't Online, otherwise runs
// fn; an error that IsIOError classifies as I/O is retried for up to
// RetryTimeout and, if it persists, counted toward quarantine (spec.md
// §4.6). Other errors are returned without being counted.
func (c *Controller) Guard(op string, fn func() error) error {
	if !c.Available() {
		return bob.Of(bob.KindVDiskNotReady, op, nil)
	}
	err := fn()
	if err != nil && IsIOError(err) && c.RetryTimeout > 0 {
		err = c.retry(fn, err)
	}
	if err != nil && IsIOError(err) {
		c.ioLog.Record()
		c.recordFailure(op, err)
	}
	return err
}

// retryInterval is the pause between local retry attempts within
// RetryTimeout.
const retryInterval = 10 * time.Millisecond

// retry re-runs fn until it stops returning an I/O error or RetryTimeout
// elapses, whichever comes first (spec.md §7).
func (c *Controller) retry(fn func() error, last error) error {
	deadline := time.Now().Add(c.RetryTimeout)
	for time.Now().Before(deadline) {
		time.Sleep(retryInterval)
		last = fn()
		if last == nil || !IsIOError(last) {
			return last
		}
	}
	return last
}

// recordFailure increments the token-bucket failure counter and
// transitions to Quarantined once the failures within the configured
// window reach the configurable threshold (spec.md §4.6, §9 "token-bucket over a
// sliding window").
func (c *Controller) recordFailure(op string, cause error) {
	if !c.window.strike() {
		return
	}
	c.mu.Lock()
	if c.state != Online {
		c.mu.Unlock()
		return
	}
	c.state = Quarantined
	groups := c.groups
	c.mu.Unlock()
	c.Log("disk %s quarantined: %s: %s\n", c.Name, op, cause)
	for _, g := range groups {
		if err := g.Close(); err != nil {
			c.Log("disk %s: error closing group during quarantine: %s\n", c.Name, err)
		}
	}
	c.journal.Append(string(c.Name), c.IsAlien, Quarantined.String(), time.Now())
}

// Probe checks once whether a Quarantined disk has returned (its path
// can be stat'ed); it does not schedule itself. On success it transitions through Reinitializing and, if reloading the
// disk's groups succeeds, back to Online (spec.md §4.6). load is the
// caller-supplied routine that reopens every group on this disk.
func (c *Controller) Probe(load func() (map[bob.VDiskID]*pearl.Group, error)) {
	c.mu.Lock()
	if c.state != Quarantined {
		c.mu.Unlock()
		return
	}
	if _, err := os.Stat(string(c.Path)); err != nil {
		c.mu.Unlock()
		return
	}
	c.state = Reinitializing
	c.mu.Unlock()
	c.journal.Append(string(c.Name), c.IsAlien, Reinitializing.String(), time.Now())

	groups, err := load()
	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.state = Quarantined
		c.Log("disk %s: reinitialize failed: %s\n", c.Name, err)
		c.journal.Append(string(c.Name), c.IsAlien, Quarantined.String(), time.Now())
		return
	}
	c.groups = groups
	c.state = Online
	c.window.reset()
	c.Log("disk %s back online\n", c.Name)
	c.journal.Append(string(c.Name), c.IsAlien, Online.String(), time.Now())
}

// IsIOError classifies err per spec.md §4.6: ENOSPC, EIO, read-only FS,
// and "device or resource busy" all count toward the failure threshold.
func IsIOError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, fs.ErrPermission) || errors.Is(err, fs.ErrNotExist) {
		return false
	}
	var perr *os.PathError
	if errors.As(err, &perr) {
		return true
	}
	msg := err.Error()
	for _, marker := range []string{"no space left", "input/output error", "read-only file system", "device or resource busy", "ENOSPC", "EIO"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// Close closes the journal and every group this controller owns.
func (c *Controller) Close() error {
	c.ioLog.Flush()
	c.mu.Lock()
	groups := c.groups
	c.mu.Unlock()
	var first error
	for _, g := range groups {
		if err := g.Close(); err != nil && first == nil {
			first = err
		}
	}
	if err := c.journal.Close(); err != nil && first == nil {
		first = err
	}
	return first
}
