// Package worker implements the Worker Loop: the top-level cadence that
// runs a work cycle, sleeps, and repeats until told to stop.
package worker

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"diskarchiver/internal/inventory"
	"diskarchiver/internal/janitor"
	"diskarchiver/internal/placement"
	"diskarchiver/internal/status"
)

// Loop runs the worker cadence: initial delay, then forever (run a cycle,
// sleep) until ctx is cancelled or RunOnceAndDie causes an early exit.
type Loop struct {
	ThreadDelayInitial time.Duration
	CycleSleep         time.Duration
	RunOnceAndDie      bool

	Scanner  *inventory.Scanner
	Engine   *placement.Engine
	Janitor  *janitor.Janitor
	Reporter *status.Reporter
	Hub      *status.Hub
	Mounts   interface {
		Store(*[]inventory.Mount)
	}
}

// RunOnceAndDieFromEnv reads RUN_ONCE_AND_DIE the way this codebase's
// other long-running daemons read their shared environment toggles: a
// value strconv.ParseBool reads as false ("0", "f", "false" and their
// case variants) is false, and any other non-empty value is truthy.
func RunOnceAndDieFromEnv() bool {
	v := os.Getenv("RUN_ONCE_AND_DIE")
	if v == "" {
		return false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return true
	}
	return b
}

// Run executes the worker cadence. It returns nil on a clean
// RunOnceAndDie exit or on context cancellation between cycles, and a
// non-nil error when a cycle fails fatally under RunOnceAndDie.
func (l *Loop) Run(ctx context.Context) error {
	if l.ThreadDelayInitial > 0 {
		select {
		case <-time.After(l.ThreadDelayInitial):
		case <-ctx.Done():
			return nil
		}
	}

	for {
		if err := l.runCycle(ctx); err != nil {
			log.Printf("worker: cycle failed: %v", err)
			if l.RunOnceAndDie {
				return fmt.Errorf("worker: cycle fatal under run-once-and-die: %w", err)
			}
		} else if l.RunOnceAndDie {
			log.Printf("worker: completed one cycle under run-once-and-die, exiting")
			return nil
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(l.CycleSleep):
		}
	}
}

func (l *Loop) runCycle(ctx context.Context) error {
	mounts := l.Scanner.Scan(ctx)
	if l.Mounts != nil {
		l.Mounts.Store(&mounts)
	}

	if err := l.Engine.RunCycle(ctx, mounts); err != nil {
		return fmt.Errorf("placement cycle: %w", err)
	}

	if l.Janitor != nil {
		if err := l.Janitor.Sweep(ctx); err != nil {
			log.Printf("worker: janitor sweep failed: %v", err)
		}
	}

	if l.Reporter != nil && l.Hub != nil {
		l.Hub.Broadcast(l.Reporter.Snapshot(ctx))
	}

	return nil
}
