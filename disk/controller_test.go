package disk

import (
	"errors"
	"testing"
	"time"

	"github.com/gholt/bob"
	"github.com/gholt/bob/pearl"
)

func TestControllerQuarantinesAfterThreshold(t *testing.T) {
	dir := t.TempDir()
	c, err := NewController("disk0", bob.DiskPath(dir), false, 2, time.Minute, nil)
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}
	defer c.Close()

	ioErr := errors.New("input/output error")
	if err := c.Guard("test.op", func() error { return ioErr }); err != ioErr {
		t.Fatalf("Guard should pass the underlying error through, got %v", err)
	}
	if c.State() != Online {
		t.Fatalf("expected Online after a single strike below threshold, got %v", c.State())
	}
	if err := c.Guard("test.op", func() error { return ioErr }); err != ioErr {
		t.Fatalf("Guard should pass the underlying error through, got %v", err)
	}
	if c.State() != Quarantined {
		t.Fatalf("expected Quarantined once the failure threshold was reached, got %v", c.State())
	}
}

func TestControllerGuardFailsFastWhenNotAvailable(t *testing.T) {
	dir := t.TempDir()
	c, err := NewController("disk0", bob.DiskPath(dir), false, 1, time.Minute, nil)
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}
	defer c.Close()
	c.recordFailure("force", errors.New("input/output error"))
	if c.State() != Quarantined {
		t.Fatalf("expected Quarantined, got %v", c.State())
	}
	called := false
	err = c.Guard("test.op", func() error { called = true; return nil })
	if called {
		t.Fatalf("expected Guard to fail fast without invoking fn while Quarantined")
	}
	if bob.KindOf(err) != bob.KindVDiskNotReady {
		t.Fatalf("expected KindVDiskNotReady, got %v", bob.KindOf(err))
	}
}

func TestControllerProbeReinitializesToOnline(t *testing.T) {
	dir := t.TempDir()
	c, err := NewController("disk0", bob.DiskPath(dir), false, 1, time.Minute, nil)
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}
	defer c.Close()
	c.recordFailure("force", errors.New("input/output error"))
	if c.State() != Quarantined {
		t.Fatalf("expected Quarantined before probing, got %v", c.State())
	}

	loaded := map[bob.VDiskID]*pearl.Group{}
	c.Probe(func() (map[bob.VDiskID]*pearl.Group, error) { return loaded, nil })
	if c.State() != Online {
		t.Fatalf("expected Online after a successful probe, got %v", c.State())
	}
}

func TestControllerProbeStaysQuarantinedOnLoadError(t *testing.T) {
	dir := t.TempDir()
	c, err := NewController("disk0", bob.DiskPath(dir), false, 1, time.Minute, nil)
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}
	defer c.Close()
	c.recordFailure("force", errors.New("input/output error"))

	c.Probe(func() (map[bob.VDiskID]*pearl.Group, error) {
		return nil, errors.New("still broken")
	})
	if c.State() != Quarantined {
		t.Fatalf("expected Quarantined to persist after a failed reinitialize, got %v", c.State())
	}
}

func TestIsIOErrorClassification(t *testing.T) {
	if IsIOError(nil) {
		t.Fatalf("nil is never an I/O error")
	}
	if !IsIOError(errors.New("write: no space left on device")) {
		t.Fatalf("expected ENOSPC-style message to classify as an I/O error")
	}
}
