package main

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nilfs2/cleanerd"
	"github.com/nilfs2/cleanerd/pkg/cleaner"
	"github.com/nilfs2/cleanerd/pkg/config"
	"github.com/nilfs2/cleanerd/pkg/controlplane"
	"github.com/nilfs2/cleanerd/pkg/device"
	"github.com/nilfs2/cleanerd/pkg/gc"
)

// daemonRunner adapts the cleaner.Daemon main loop to controlplane.Handler.
// The loop itself stays single-threaded and cooperative (§5 "Process
// model"); this type only records cross-goroutine requests (pause, stop,
// reload, an explicit RUN's segment list) that the loop's signal-style
// polling picks up, plus a small job table for WAIT to poll against.
type daemonRunner struct {
	d        *cleaner.Daemon
	confPath string
	log      *logrus.Logger

	reloadRequested *atomic.Bool
	stopRequested   *atomic.Bool
	suspended       atomic.Bool

	mu      sync.Mutex
	jobs    map[uint32]controlplane.Response
	nextJob uint32
}

func (r *daemonRunner) Status() controlplane.Response {
	state := r.d.State()
	status := controlplane.StatusOK
	switch {
	case r.suspended.Load():
		status = controlplane.StatusSuspended
	case state.Running:
		status = controlplane.StatusRunning
	}
	return controlplane.Response{Result: controlplane.StatusOK, Status: status}
}

// Run executes an immediate GC pass over an explicit segment list, outside
// the daemon's normal working-set selection (§4.7 RUN). A RUN with no
// segments is rejected: letting the daemon's own loop pick a working set is
// what SUSPEND/RESUME already controls.
func (r *daemonRunner) Run(args controlplane.RunArgs) (uint32, error) {
	if len(args.Segments) == 0 {
		return 0, cleanerd.ErrIllegalArgument
	}
	h := r.d.Handle()
	geom := h.Geometry()
	sustat, err := h.GetSustat()
	if err != nil {
		return 0, err
	}
	snapshots, err := gc.DetermineSnapshots(h, nil)
	if err != nil {
		return 0, err
	}
	lock, err := device.LockCleaner(h.Path())
	if err != nil {
		return 0, err
	}
	params := gc.Params{
		Candidates: args.Segments,
		ProtSeq:    sustat.ProtSeq,
		ProtCno:    r.d.State().ProtCno,
		DryRun:     args.DryRun,
	}
	res, err := gc.GCPass(h, geom, params, snapshots, lock, nil, time.Now)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextJob++
	jobID := r.nextJob
	if err != nil {
		r.jobs[jobID] = controlplane.Response{Result: controlplane.StatusError, JobID: jobID}
		return jobID, err
	}
	r.jobs[jobID] = controlplane.Response{Result: controlplane.StatusOK, Status: controlplane.StatusOK, JobID: jobID}
	r.log.WithField("cleaned", res.Cleaned).Info("ad hoc run complete")
	return jobID, nil
}

func (r *daemonRunner) Suspend() error {
	r.suspended.Store(true)
	return nil
}

func (r *daemonRunner) Resume() error {
	r.suspended.Store(false)
	return nil
}

func (r *daemonRunner) Tune(args controlplane.TuneArgs) error {
	p := r.d.Policy()
	if args.HasProtectionPeriod {
		p.ProtectionPeriod = time.Duration(args.ProtectionPeriodSeconds * float64(time.Second))
	}
	if args.HasCleaningInterval {
		p.CleaningInterval = time.Duration(args.CleaningIntervalSeconds * float64(time.Second))
	}
	r.d.SetPolicy(p)
	return nil
}

func (r *daemonRunner) Reload(path string) error {
	target := r.confPath
	if path != "" {
		target = path
	}
	p, err := config.Load(target, r.log)
	if err != nil {
		return fmt.Errorf("reload: %w", err)
	}
	r.d.SetPolicy(p)
	r.reloadRequested.Store(false)
	return nil
}

func (r *daemonRunner) Wait(jobID uint32, timeout time.Duration) (controlplane.Response, error) {
	deadline := time.Now().Add(timeout)
	for {
		r.mu.Lock()
		resp, ok := r.jobs[jobID]
		r.mu.Unlock()
		if ok {
			return resp, nil
		}
		if timeout > 0 && time.Now().After(deadline) {
			return controlplane.Response{}, controlplane.ErrTimedOut
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func (r *daemonRunner) Stop() error {
	r.stopRequested.Store(true)
	return nil
}

func (r *daemonRunner) Shutdown() error {
	r.stopRequested.Store(true)
	return nil
}
