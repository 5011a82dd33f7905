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

// Package supervisor is the master control loop of spec.md §4.G: it owns
// the registry, drives the signal queue, the reaper, the census reconciler
// and the resource monitor, and is the only thing in this module that
// forks children.
package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/canonical/x-go/strutil/shlex"
	"github.com/prometheus/procfs"
	"golang.org/x/sys/unix"
	"gopkg.in/tomb.v2"

	"github.com/resquepool/jobpoold/internals/census"
	"github.com/resquepool/jobpoold/internals/config"
	"github.com/resquepool/jobpoold/internals/jobregistry"
	"github.com/resquepool/jobpoold/internals/logger"
	"github.com/resquepool/jobpoold/internals/metrics"
	"github.com/resquepool/jobpoold/internals/monitor"
	"github.com/resquepool/jobpoold/internals/osutil"
	"github.com/resquepool/jobpoold/internals/proctitle"
	"github.com/resquepool/jobpoold/internals/reaper"
	"github.com/resquepool/jobpoold/internals/registry"
	"github.com/resquepool/jobpoold/internals/signalqueue"
)

// tickInterval bounds the self-pipe wait in the loop's "sleep" phase
// (spec.md §5's "exactly one" suspension point).
const tickInterval = time.Second

// Config is everything the supervisor needs at startup.
type Config struct {
	ConfigPath string
	Env        map[string]string
	PoolName   string
	Interval   time.Duration
	Verbose    bool
	VVerbose   bool

	// WorkerCommand, keyed by queue-group, overrides the default re-exec
	// argv used to spawn that group's children. Configured as a single
	// shell-like string and split with shlex, the way the teacher's plan
	// layer splits a service Command.
	WorkerCommand map[string]string

	// SelfPath is the binary re-exec'd (with a hidden "worker" subcommand)
	// to spawn a child when no WorkerCommand override applies. Defaults to
	// os.Args[0].
	SelfPath string

	Jobs jobregistry.Lookup

	Metrics *metrics.MetricsRegistry
}

// Supervisor is the running master.
type Supervisor struct {
	cfg Config

	reg *registry.Registry
	sq  *signalqueue.Queue
	mon *monitor.Monitor

	desired config.DesiredCensus

	counters counters

	t tomb.Tomb
}

type counters struct {
	spawned, reaped, killed *metrics.MetricVec
}

// New builds a Supervisor and loads its initial census; it does not yet
// fork anything or install signal handlers (Run does that).
func New(cfg Config) (*Supervisor, error) {
	if cfg.SelfPath == "" {
		// A copy, not an alias: proctitle.Set overwrites os.Args[0]'s bytes.
		cfg.SelfPath = strings.Clone(os.Args[0])
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewRegistry()
	}
	if cfg.Jobs == nil {
		cfg.Jobs = jobregistry.None{}
	}

	desired, err := config.Load(cfg.ConfigPath, cfg.Env)
	if err != nil {
		return nil, fmt.Errorf("cannot load census: %w", err)
	}

	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, fmt.Errorf("cannot open /proc: %w", err)
	}

	hostname, _ := os.Hostname()

	s := &Supervisor{
		cfg:     cfg,
		reg:     registry.New(),
		mon:     monitor.New(fs, cfg.Jobs, hostname),
		desired: desired,
		counters: counters{
			spawned: cfg.Metrics.NewCounterVec("jobpoold_workers_spawned_total", "Workers spawned.", []string{"group"}),
			reaped:  cfg.Metrics.NewCounterVec("jobpoold_workers_reaped_total", "Workers reaped.", []string{"group"}),
			killed:  cfg.Metrics.NewCounterVec("jobpoold_workers_killed_total", "Workers forcefully killed.", []string{"group"}),
		},
	}
	return s, nil
}

// Registry exposes the live worker registry for read-only diagnostics
// (internals/diag).
func (s *Supervisor) Registry() *registry.Registry {
	return s.reg
}

// Run is the supervisor loop of spec.md §4.G. It returns when the
// supervisor has been asked to shut down, after QUIT/INT/TERM processing,
// or after Kill is called from outside (tests, or a programmatic caller).
func (s *Supervisor) Run() error {
	sq, err := signalqueue.New()
	if err != nil {
		return fmt.Errorf("cannot install signal handlers: %w", err)
	}
	s.sq = sq
	defer sq.Stop()

	s.t.Go(s.loop)
	return s.t.Wait()
}

// Kill asks a running supervisor to stop at its next loop iteration,
// without waiting for it to do so. Mirrors the teacher's reaper Tomb
// lifecycle (Kill then Wait), used by tests and by a programmatic
// embedder that wants to stop the loop without sending a real signal.
func (s *Supervisor) Kill(reason error) {
	s.t.Kill(reason)
}

func (s *Supervisor) loop() error {
	proctitle.Set("(starting)")
	s.reconcile()
	proctitle.Set("(started)")

	for {
		select {
		case <-s.t.Dying():
			return tomb.ErrDying
		default:
		}

		reaped := reaper.ReapAvailable(s.reg)
		for _, r := range reaped {
			s.counters.reaped.WithLabelValues(r.Group).Inc()
		}

		if brk, err := s.drainOneSignal(); brk {
			return err
		}

		if s.sq.Len() == 0 {
			s.waitTick()

			now := time.Now()
			if s.mon.Due(now) {
				s.mon.Sweep(now, s.reg, signaler{reg: s.reg, killed: s.counters.killed})
			}
			s.reconcile()
		}

		proctitle.Set(procline(s.reg))
	}
}

// drainOneSignal pops and handles exactly one queued signal (spec.md §4.G's
// "drain one signal"), returning (true, err) if the loop should break.
func (s *Supervisor) drainOneSignal() (bool, error) {
	s.sq.Drain()
	name, ok := s.sq.Pop()
	if !ok {
		return false, nil
	}

	switch name {
	case signalqueue.USR1, signalqueue.USR2, signalqueue.CONT:
		s.forwardToAll(toUnixSignal(name))

	case signalqueue.HUP:
		s.reloadConfig()
		if err := logger.Reopen(); err != nil {
			logger.Noticef("Reopening log sinks: %v", err)
		}
		logger.Noticef("Reloaded configuration, reopened log sinks, cycling workers.")
		s.quitAll()
		s.reconcile()

	case signalqueue.WINCH:
		logger.Noticef("Received WINCH, draining all workers.")
		s.desired = config.DesiredCensus{}
		s.reconcile()

	case signalqueue.QUIT:
		logger.Noticef("Received QUIT, waiting for workers to finish.")
		proctitle.Set("(shutting down)")
		s.quitAll()
		ctx, cancel := context.WithCancel(context.Background())
		s.sq.BeginDrainReap(cancel)
		err := reaper.DrainReap(ctx, s.reg)
		s.sq.EndDrainReap()
		if err != nil {
			logger.Noticef("Drain-reap interrupted: %v", err)
		}
		return true, nil

	case signalqueue.INT:
		logger.Noticef("Received INT, quitting workers and exiting.")
		proctitle.Set("(shutting down)")
		s.quitAll()
		return true, nil

	case signalqueue.TERM:
		logger.Noticef("Received TERM, terminating workers and exiting.")
		proctitle.Set("(shutting down)")
		s.forwardToAll(unix.SIGTERM)
		return true, nil
	}

	return false, nil
}

// waitTick blocks for up to tickInterval on self-pipe readability, the
// loop's one suspension point (spec.md §5).
func (s *Supervisor) waitTick() {
	fd := int(s.sq.ReadFD().Fd())
	pfd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	unix.Poll(pfd, int(tickInterval/time.Millisecond))
}

func (s *Supervisor) forwardToAll(sig unix.Signal) {
	for _, pid := range s.reg.AllPids() {
		if err := unix.Kill(pid, sig); err != nil {
			logger.Debugf("forward signal %d to pid %d: %v", sig, pid, err)
		}
	}
}

func (s *Supervisor) quitAll() {
	s.forwardToAll(unix.SIGQUIT)
}

func (s *Supervisor) reloadConfig() {
	desired, err := config.Load(s.cfg.ConfigPath, s.cfg.Env)
	if err != nil {
		logger.Noticef("Cannot reload census: %v", err)
		return
	}
	s.desired = desired
}

// reconcile runs one Census Reconciler pass (spec.md §4.E), wired to this
// supervisor's real spawn/quit actions.
func (s *Supervisor) reconcile() {
	now := time.Now()
	orphans := s.mon.OrphanCount(now, s.reg)
	census.Reconcile(s.desired, s.reg, orphans, s.spawn, s.quit)
}

// spawn forks n new children for group (spec.md §4.E's "Spawn").
func (s *Supervisor) spawn(group string, n int) {
	queues := strings.Split(group, ",")
	for i := 0; i < n; i++ {
		if err := s.spawnOne(group, queues); err != nil {
			logger.Noticef("Cannot spawn worker for group %q: %v", group, err)
			continue
		}
		s.counters.spawned.WithLabelValues(group).Inc()
	}
}

func (s *Supervisor) spawnOne(group string, queues []string) error {
	argv, err := s.argvFor(group)
	if err != nil {
		return err
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdout, cmd.Stderr = os.Stdout, os.Stderr
	cmd.Env = append(os.Environ(),
		"JOBPOOLD_MASTER_PID="+strconv.Itoa(os.Getpid()),
		"JOBPOOLD_GROUP="+group,
		"JOBPOOLD_POOL_NAME="+s.poolName(),
		"INTERVAL="+intervalSeconds(s.cfg.Interval),
	)
	if s.cfg.Verbose {
		cmd.Env = append(cmd.Env, "VERBOSE=1")
	}
	if s.cfg.VVerbose {
		cmd.Env = append(cmd.Env, "VVERBOSE=1")
	}

	if err := cmd.Start(); err != nil {
		return err
	}

	s.reg.Insert(group, cmd.Process.Pid, &registry.Handle{
		Pid:       cmd.Process.Pid,
		Group:     group,
		Queues:    queues,
		Verbose:   s.cfg.Verbose,
		VVerbose:  s.cfg.VVerbose,
		PoolName:  s.poolName(),
		Command:   argv,
		StartedAt: time.Now(),
	})
	return nil
}

// argvFor returns the argv used to spawn a child for group: the group's
// configured WorkerCommand (split with shlex), or a re-exec of ourselves
// into the hidden "worker" subcommand.
func (s *Supervisor) argvFor(group string) ([]string, error) {
	if raw, ok := s.cfg.WorkerCommand[group]; ok && raw != "" {
		argv, err := shlex.Split(raw)
		if err != nil {
			return nil, fmt.Errorf("cannot parse worker command for group %q: %w", group, err)
		}
		if !osutil.IsExec(argv[0]) && !osutil.IsExecInPath(argv[0]) {
			logger.Noticef("Worker command for group %q does not look executable: %q", group, argv[0])
		}
		return argv, nil
	}
	return []string{s.cfg.SelfPath, "worker", "--group", group}, nil
}

func (s *Supervisor) poolName() string {
	if s.cfg.PoolName == "" {
		return "default"
	}
	return s.cfg.PoolName
}

// quit sends QUIT to each pid, the graceful-stop half of spec.md §4.E.
func (s *Supervisor) quit(group string, pids []int) {
	for _, pid := range pids {
		if err := unix.Kill(pid, unix.SIGQUIT); err != nil {
			logger.Debugf("QUIT pid %d: %v", pid, err)
		}
	}
}

func toUnixSignal(name signalqueue.Name) unix.Signal {
	switch name {
	case signalqueue.USR1:
		return unix.SIGUSR1
	case signalqueue.USR2:
		return unix.SIGUSR2
	case signalqueue.CONT:
		return unix.SIGCONT
	default:
		return unix.SIGHUP
	}
}

func procline(reg *registry.Registry) string {
	pids := reg.AllPids()
	parts := make([]string, len(pids))
	for i, pid := range pids {
		parts[i] = strconv.Itoa(pid)
	}
	return "managing [" + strings.Join(parts, ", ") + "]"
}

func intervalSeconds(d time.Duration) string {
	if d <= 0 {
		d = 5 * time.Second
	}
	return strconv.Itoa(int(d / time.Second))
}

// signaler adapts unix.Kill to monitor.Signaler, additionally recording
// forceful kills against the killed counter.
type signaler struct {
	reg    *registry.Registry
	killed *metrics.MetricVec
}

func (signaler) Quit(pid int) error { return unix.Kill(pid, unix.SIGQUIT) }
func (signaler) Term(pid int) error { return unix.Kill(pid, unix.SIGTERM) }

func (s signaler) Kill(pid int) error {
	group := ""
	if h := s.reg.Lookup(pid); h != nil {
		group = h.Group
	}
	s.killed.WithLabelValues(group).Inc()
	return unix.Kill(pid, unix.SIGKILL)
}

func (signaler) Alive(pid int) bool { return unix.Kill(pid, 0) == nil }
