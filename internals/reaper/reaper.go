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

// Package reaper waits for the supervisor's direct children to exit and
// removes them from the registry, per spec.md §4.D.
//
// Waits use pid -1, so any direct child of this process is collected,
// including one the registry does not know (it is reported with an empty
// Group). This package is not a subreaper: processes reparented away from
// their own parents are the resource monitor's orphan sweep's concern
// (internals/monitor), not this package's.
package reaper

import (
	"context"

	"golang.org/x/sys/unix"

	"github.com/resquepool/jobpoold/internals/logger"
	"github.com/resquepool/jobpoold/internals/registry"
)

// Reaped describes one child that exited and was removed from the registry.
type Reaped struct {
	Pid      int
	Group    string
	ExitCode int
	Signaled bool
}

// ReapAvailable performs one non-blocking sweep: it waits for every child
// that has already exited (WNOHANG) and removes each from reg, returning
// what it found. It never blocks, and returns an empty slice if nothing was
// ready to be reaped (spec.md §4.D's opportunistic path, driven off the
// self-pipe wake-up).
func ReapAvailable(reg *registry.Registry) []Reaped {
	var reaped []Reaped
	for {
		var status unix.WaitStatus
		pid, err := unix.Wait4(-1, &status, unix.WNOHANG, nil)
		switch err {
		case nil:
			if pid <= 0 {
				return reaped
			}
			reaped = append(reaped, finish(reg, pid, status))
		case unix.ECHILD:
			return reaped
		default:
			logger.Noticef("Cannot wait for child process: %v", err)
			return reaped
		}
	}
}

// DrainReap blocks, waiting for every pid currently in reg to exit, removing
// each as it does. It is used only for the QUIT (graceful shutdown) path,
// where the supervisor has already asked every worker to quit and now waits
// for them all to actually go away.
//
// If ctx is cancelled (the interrupt-reap condition: an INT or TERM arrives
// while draining is in progress, spec.md §4.A and §8), DrainReap returns
// ctx.Err() immediately, leaving any still-alive pids in reg for the caller
// to handle via a harder signal.
func DrainReap(ctx context.Context, reg *registry.Registry) error {
	for !reg.Empty() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		var status unix.WaitStatus
		pid, err := unix.Wait4(-1, &status, 0, nil)
		switch err {
		case nil:
			if pid <= 0 {
				continue
			}
			finish(reg, pid, status)
		case unix.ECHILD:
			return nil
		case unix.EINTR:
			continue
		default:
			logger.Noticef("Cannot wait for child process: %v", err)
			return err
		}
	}
	return nil
}

// finish records the exit of pid (removing it from reg, logging its exit
// status) and returns the corresponding Reaped entry. If pid isn't in reg
// (it wasn't one of ours, or was already removed), the zero Group is used.
func finish(reg *registry.Registry, pid int, status unix.WaitStatus) Reaped {
	h := reg.Remove(pid)
	group := ""
	if h != nil {
		group = h.Group
	}

	exitCode := status.ExitStatus()
	signaled := status.Signaled()
	if signaled {
		exitCode = 128 + int(status.Signal())
	}
	logger.Debugf("Reaped PID %d (group %q) which exited with code %d.", pid, group, exitCode)

	return Reaped{Pid: pid, Group: group, ExitCode: exitCode, Signaled: signaled}
}
