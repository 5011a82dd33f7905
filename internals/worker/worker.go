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

// Package worker is what runs inside a forked child, per spec.md §4.H.
//
// The supervisor can't safely fork() a multi-threaded Go runtime the way
// the original Ruby master forks a worker in-process, so spawning is
// fork+exec: the supervisor re-execs its own binary with a hidden "worker"
// subcommand (see cmd/jobpoold's "worker" command), and this package is
// everything that runs from that point on, inside the new process image.
package worker

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/resquepool/jobpoold/internals/logger"
	"github.com/resquepool/jobpoold/internals/proctitle"
)

// DefaultInterval is the worker polling interval used when the INTERVAL
// environment variable is unset (spec.md §6).
const DefaultInterval = 5 * time.Second

// queueable lists the signals the master's signal intake manages; a forked
// child must not inherit deferred dispositions for any of them.
var queueable = []os.Signal{
	unix.SIGQUIT, unix.SIGINT, unix.SIGTERM,
	unix.SIGUSR1, unix.SIGUSR2, unix.SIGCONT, unix.SIGHUP, unix.SIGWINCH,
}

// PollFunc performs one iteration of the worker's actual job-queue polling.
// What it does is entirely out of scope here (spec.md §1's "job-worker
// binary itself"); Bootstrap only owns the loop shape around it.
type PollFunc func(queues []string) error

// Config describes one child's identity and behavior.
type Config struct {
	Group     string
	Queues    []string
	PoolName  string
	MasterPID int
	Interval  time.Duration
	Verbose   bool
	VVerbose  bool

	// PostFork, if set, runs exactly once before the polling loop starts
	// (e.g. to reset inherited database connections).
	PostFork func()

	Poll PollFunc
}

// Bootstrap runs the child's entire lifecycle: reset inherited signal
// dispositions, run the post-fork hook, then loop Poll at Interval until
// the shutdown predicate trips. It returns when the worker should exit.
func Bootstrap(cfg Config) error {
	resetSignalDispositions()

	if cfg.PostFork != nil {
		cfg.PostFork()
	}

	poolName := cfg.PoolName
	if poolName == "" {
		poolName = "default"
	}
	proctitle.Set(fmt.Sprintf("jobpoold-worker: %s [pool: %s]", strings.Join(cfg.Queues, ","), poolName))

	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}

	logger.Debugf("Worker for group %q starting, polling every %s.", cfg.Group, interval)

	for {
		if shouldShutdown(cfg.MasterPID) {
			logger.Debugf("Worker for group %q: master pid %d gone, shutting down.", cfg.Group, cfg.MasterPID)
			return nil
		}

		if err := pollRetryingEINTR(cfg); err != nil {
			return err
		}

		time.Sleep(interval)
	}
}

// pollRetryingEINTR calls cfg.Poll once, retrying transparently on EINTR
// (spec.md §4.H step 3), and tolerates a nil Poll (used by tests that only
// exercise the loop shape).
func pollRetryingEINTR(cfg Config) error {
	if cfg.Poll == nil {
		return nil
	}
	for {
		err := cfg.Poll(cfg.Queues)
		if err == nil || !errors.Is(err, unix.EINTR) {
			return err
		}
	}
}

// shouldShutdown reports whether this worker should exit: its parent has
// changed since birth, meaning the master died and it was reparented
// (spec.md §4.H).
func shouldShutdown(masterPID int) bool {
	return masterPID != 0 && unix.Getppid() != masterPID
}

// resetSignalDispositions restores default handling for every signal the
// master's signal intake manages. Under the fork+exec spawn model the
// kernel already resets non-ignored dispositions across exec, so this is
// belt-and-braces for anything that runs before exec (or if the spawn
// model ever changes to a raw fork).
func resetSignalDispositions() {
	signal.Reset(queueable...)
}
