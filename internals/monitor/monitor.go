// Copyright (c) 2014-2020 Canonical Ltd
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License version 3 as
// published by the Free Software Foundation.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package monitor implements the resource monitor of spec.md §4.F: memory
// threshold enforcement, TermWatchlist escalation to SIGKILL, and orphan
// enumeration, both gated to at most once per SweepInterval.
//
// Memory accounting reads Private_Dirty out of each process's smaps_rollup
// via github.com/prometheus/procfs, rather than shelling out to ps or
// parsing /proc by hand.
package monitor

import (
	"os"
	"time"

	"github.com/prometheus/procfs"

	"github.com/resquepool/jobpoold/internals/jobregistry"
	"github.com/resquepool/jobpoold/internals/logger"
	"github.com/resquepool/jobpoold/internals/registry"
)

// SweepInterval is the gating period for both the memory sweep and orphan
// enumeration (spec.md §4.F).
const SweepInterval = 60 * time.Second

// Thresholds are vars, not consts, so tests can lower them rather than
// having to actually inflate a process's RSS to hundreds of megabytes.
var (
	gracefulThresholdMB = 250
	forcefulThresholdMB = 500
)

// Signaler is the process-control surface the monitor needs: sending the
// worker's graceful/forceful stop signals, a hard kill, and a liveness
// check. internals/supervisor supplies the real implementation (os.Signal /
// unix.Kill); tests supply a fake.
type Signaler interface {
	Quit(pid int) error
	Term(pid int) error
	Kill(pid int) error
	Alive(pid int) bool
}

// Monitor holds the state that must persist between sweeps: the
// TermWatchlist and the orphan-pid cache.
type Monitor struct {
	fs       procfs.FS
	jobs     jobregistry.Lookup
	hostname string

	termWatchlist map[int]struct{}

	lastMemSweep time.Time
	lastOrphanAt time.Time
	orphanCache  []int
}

// New returns a Monitor reading process state from fs. jobs may be nil (no
// in-flight-job diagnostics will be logged).
func New(fs procfs.FS, jobs jobregistry.Lookup, hostname string) *Monitor {
	return &Monitor{
		fs:            fs,
		jobs:          jobs,
		hostname:      hostname,
		termWatchlist: make(map[int]struct{}),
	}
}

// Due reports whether at least SweepInterval has elapsed since the last
// memory sweep, i.e. whether Sweep should be called this loop iteration.
func (m *Monitor) Due(now time.Time) bool {
	return now.Sub(m.lastMemSweep) >= SweepInterval
}

// Sweep runs one memory-threshold pass over every pid in reg, plus
// TermWatchlist escalation, per spec.md §4.F steps 1-3. Call only when Due
// returns true; Sweep does not gate itself so tests can call it directly.
func (m *Monitor) Sweep(now time.Time, reg *registry.Registry, sig Signaler) {
	m.lastMemSweep = now
	m.escalateWatchlist(sig)

	for _, pid := range reg.AllPids() {
		totalMB, err := m.residentMB(pid)
		if err != nil {
			logger.Debugf("monitor: cannot read memory for pid %d: %v", pid, err)
			continue
		}

		switch {
		case totalMB > forcefulThresholdMB:
			m.logInFlightJob(pid)
			logger.Noticef("Worker pid %d using %d MB, forcefully stopping.", pid, totalMB)
			m.watchAndTerm(sig, pid)
		case totalMB > gracefulThresholdMB:
			m.logInFlightJob(pid)
			logger.Noticef("Worker pid %d using %d MB, gracefully stopping.", pid, totalMB)
			if err := sig.Quit(pid); err != nil {
				logger.Debugf("monitor: QUIT pid %d: %v", pid, err)
			}
		}
	}
}

// residentMB sums Private_Dirty (in MB) for pid and its immediate children,
// mirroring spec.md §4.F's "workers fork a grandchild per job" accounting.
func (m *Monitor) residentMB(pid int) (int, error) {
	total, err := m.privateDirtyMB(pid)
	if err != nil {
		return 0, err
	}
	children, err := m.children(pid)
	if err != nil {
		return total, nil
	}
	for _, child := range children {
		if childMB, err := m.privateDirtyMB(child); err == nil {
			total += childMB
		}
	}
	return total, nil
}

func (m *Monitor) privateDirtyMB(pid int) (int, error) {
	proc, err := m.fs.Proc(pid)
	if err != nil {
		return 0, err
	}
	rollup, err := proc.ProcSMapsRollup()
	if err != nil {
		return 0, err
	}
	return int(rollup.PrivateDirty / (1024 * 1024)), nil
}

func (m *Monitor) children(pid int) ([]int, error) {
	proc, err := m.fs.Proc(pid)
	if err != nil {
		return nil, err
	}
	return proc.Children()
}

// watchAndTerm sends TERM to pid and adds pid and its immediate children to
// the TermWatchlist for escalation on the next sweep.
func (m *Monitor) watchAndTerm(sig Signaler, pid int) {
	if err := sig.Term(pid); err != nil {
		logger.Debugf("monitor: TERM pid %d: %v", pid, err)
	}
	m.termWatchlist[pid] = struct{}{}
	if children, err := m.children(pid); err == nil {
		for _, child := range children {
			m.termWatchlist[child] = struct{}{}
		}
	}
}

// escalateWatchlist implements step 1: anything still alive from last
// sweep's forceful stops is killed unconditionally now.
func (m *Monitor) escalateWatchlist(sig Signaler) {
	for pid := range m.termWatchlist {
		if sig.Alive(pid) {
			logger.Noticef("Worker pid %d still alive after TERM, sending KILL.", pid)
			if err := sig.Kill(pid); err != nil {
				logger.Debugf("monitor: KILL pid %d: %v", pid, err)
			}
		}
		delete(m.termWatchlist, pid)
	}
}

func (m *Monitor) logInFlightJob(pid int) {
	if m.jobs == nil {
		return
	}
	info, ok := m.jobs.Lookup(m.hostname, pid)
	if !ok {
		return
	}
	elapsed := time.Duration(0)
	if !info.RunAt.IsZero() {
		elapsed = time.Since(info.RunAt)
	}
	logger.Noticef("Worker pid %d has been running %q for %s.", pid, info.Description, elapsed)
}

// OrphanCount returns the number of cached orphaned pids (job-family
// processes whose parent has died and which aren't in reg), re-enumerating
// once SweepInterval has elapsed since the last enumeration. Between
// enumerations the cache is only filtered down to the pids still alive.
func (m *Monitor) OrphanCount(now time.Time, reg *registry.Registry) int {
	if now.Sub(m.lastOrphanAt) >= SweepInterval {
		if err := m.reenumerateOrphans(now, reg); err != nil {
			logger.Debugf("monitor: orphan enumeration: %v", err)
		}
		return len(m.orphanCache)
	}

	alive := m.orphanCache[:0]
	for _, pid := range m.orphanCache {
		if aliveSignal(m.fs, pid) {
			alive = append(alive, pid)
		}
	}
	m.orphanCache = alive
	return len(m.orphanCache)
}

// reenumerateOrphans walks every process, restricted to the job family (the
// master's own process group), and caches those whose parent isn't itself a
// family member and aren't tracked in reg. The master itself and its
// ancestors inside the group are never counted.
func (m *Monitor) reenumerateOrphans(now time.Time, reg *registry.Registry) error {
	m.lastOrphanAt = now

	procs, err := m.fs.AllProcs()
	if err != nil {
		return err
	}

	selfStat, err := mustStat(m.fs, os.Getpid())
	if err != nil {
		return err
	}
	pgrp := selfStat.PGRP

	family := make(map[int]bool)
	stats := make(map[int]procfs.ProcStat)
	for _, proc := range procs {
		st, err := proc.Stat()
		if err != nil {
			continue
		}
		if st.PGRP == pgrp {
			family[st.PID] = true
			stats[st.PID] = st
		}
	}

	// The master and its in-group ancestors have live parents outside the
	// group; they are not orphans.
	for p := os.Getpid(); family[p]; {
		next := stats[p].PPID
		delete(stats, p)
		p = next
	}

	var orphans []int
	for pid, st := range stats {
		if family[st.PPID] {
			continue
		}
		if reg.Lookup(pid) != nil {
			continue
		}
		orphans = append(orphans, pid)
	}

	m.orphanCache = orphans
	return nil
}

func mustStat(fs procfs.FS, pid int) (procfs.ProcStat, error) {
	proc, err := fs.Proc(pid)
	if err != nil {
		return procfs.ProcStat{}, err
	}
	return proc.Stat()
}

func aliveSignal(fs procfs.FS, pid int) bool {
	_, err := fs.Proc(pid)
	return err == nil
}
