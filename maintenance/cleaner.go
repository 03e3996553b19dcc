// Package maintenance implements the periodic background tasks of
// spec.md §4.10: the Cleaner demoting idle sealed holders, the Counter
// sampling metrics, and the handoff worker draining alien areas.
package maintenance

import (
	"context"
	"time"

	"github.com/gholt/bob/backend"
	"github.com/gholt/bob/pearl"
)

// Cleaner runs every CheckInterval, demoting any holder whose active
// blob has been idle longer than TTL and is sealed to Outdated, then
// dropping outdated holders from their group's vector (spec.md §4.10).
type Cleaner struct {
	Backend       *backend.Backend
	CheckInterval time.Duration
	TTL           time.Duration
	Clock         pearl.Clock
	Log           pearl.LogFunc
}

// Run drives the cleaner until ctx is cancelled.
func (c *Cleaner) Run(ctx context.Context) {
	if c.CheckInterval <= 0 {
		return
	}
	log := c.Log
	if log == nil {
		log = func(string, ...interface{}) {}
	}
	clock := c.Clock
	if clock == nil {
		clock = pearl.SystemClock{}
	}
	t := time.NewTicker(c.CheckInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.sweep(clock, log)
		}
	}
}

func (c *Cleaner) sweep(clock pearl.Clock, log pearl.LogFunc) {
	now := clock.Now()
	ttlSeconds := int64(c.TTL / time.Second)
	for _, byVDisk := range c.Backend.Groups() {
		for _, g := range byVDisk {
			demoted := 0
			for _, h := range g.Holders() {
				if h.StateOf() == pearl.Normal && h.IsOutdated(now, ttlSeconds) {
					if err := h.MarkOutdated(); err != nil {
						log("maintenance.Cleaner: mark outdated failed: %s\n", err)
						continue
					}
					demoted++
				}
			}
			if demoted > 0 {
				g.RemoveOutdated()
			}
		}
	}
}
