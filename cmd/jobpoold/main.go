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

package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/canonical/go-flags"

	"github.com/resquepool/jobpoold/internals/buildinfo"
	"github.com/resquepool/jobpoold/internals/config"
	"github.com/resquepool/jobpoold/internals/diag"
	"github.com/resquepool/jobpoold/internals/logger"
	"github.com/resquepool/jobpoold/internals/metrics"
	"github.com/resquepool/jobpoold/internals/osutil"
	"github.com/resquepool/jobpoold/internals/supervisor"
	"github.com/resquepool/jobpoold/internals/systemd"
	"github.com/resquepool/jobpoold/internals/worker"
)

func main() {
	logger.SetLogger(logger.New(os.Stderr, "[jobpoold] "))

	parser := flags.NewParser(&struct{}{}, flags.Options(flags.PassDoubleDash))
	parser.ShortDescription = "Supervise a pool of resque-compatible job workers"

	if _, err := parser.AddCommand("run", cmdRunSummary, cmdRunSummary, &cmdRun{}); err != nil {
		logger.Panicf("cannot add command %q: %v", "run", err)
	}
	if cmd, err := parser.AddCommand("worker", cmdWorkerSummary, cmdWorkerSummary, &cmdWorker{}); err != nil {
		logger.Panicf("cannot add command %q: %v", "worker", err)
	} else {
		// Spawned only by our own supervisor via re-exec; not part of the
		// documented user-facing surface.
		cmd.Hidden = true
	}
	if _, err := parser.AddCommand("check-config", cmdCheckConfigSummary, cmdCheckConfigSummary, &cmdCheckConfig{}); err != nil {
		logger.Panicf("cannot add command %q: %v", "check-config", err)
	}
	if _, err := parser.AddCommand("version", "Print the version and exit", "", &cmdVersion{}); err != nil {
		logger.Panicf("cannot add command %q: %v", "version", err)
	}

	if _, err := parser.Parse(); err != nil {
		if e, ok := err.(*flags.Error); ok && e.Type == flags.ErrHelp {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

const cmdRunSummary = "Run the supervisor and manage the configured worker pool"

type cmdRun struct {
	Config   string `long:"config" description:"Path to the census YAML file (default: discovered per RESQUE_POOL_CONFIG)"`
	Interval int    `long:"interval" description:"Polling interval in seconds, passed through to workers (default: env INTERVAL, or 5)"`
	PoolName string `long:"pool-name" description:"Pool name reported in worker process titles (default: env POOLNAME)"`
	HTTP     string `long:"http" description:"Diagnostics HTTP listen address, e.g. :8420 (disabled if unset)"`
	Verbose  bool   `short:"v" long:"verbose" description:"Log all worker output (default: env LOGGING or VERBOSE)"`
	VVerbose bool   `long:"vv" description:"Log all worker output, verbosely (default: env VVERBOSE)"`
}

func (cmd *cmdRun) Execute(args []string) error {
	if len(args) > 0 {
		return fmt.Errorf("too many arguments")
	}

	env := osutil.Environ()

	path := cmd.Config
	if path == "" {
		discovered, err := config.DiscoverPath(env)
		if err != nil {
			return err
		}
		path = discovered
	}

	interval := cmd.Interval
	if interval <= 0 {
		interval, _ = strconv.Atoi(env["INTERVAL"])
	}
	if interval <= 0 {
		interval = int(worker.DefaultInterval / time.Second)
	}

	poolName := cmd.PoolName
	if poolName == "" {
		poolName = env["POOLNAME"]
	}

	verbose := cmd.Verbose || env["LOGGING"] == "1" || env["VERBOSE"] == "1"
	vverbose := cmd.VVerbose || env["VVERBOSE"] == "1"

	metricsReg := metrics.NewRegistry()
	sv, err := supervisor.New(supervisor.Config{
		ConfigPath: path,
		Env:        env,
		PoolName:   poolName,
		Interval:   time.Duration(interval) * time.Second,
		Verbose:    verbose,
		VVerbose:   vverbose,
		Metrics:    metricsReg,
	})
	if err != nil {
		return fmt.Errorf("cannot start supervisor: %w", err)
	}

	if cmd.HTTP != "" {
		srv, err := diag.New(cmd.HTTP, metricsReg, sv)
		if err != nil {
			return fmt.Errorf("cannot start diagnostics server: %w", err)
		}
		go func() {
			if err := srv.Serve(); err != nil {
				logger.Noticef("Diagnostics server stopped: %v", err)
			}
		}()
		defer srv.Shutdown(5 * time.Second)
	}

	if systemd.SocketAvailable() {
		if err := systemd.SdNotify("READY=1"); err != nil {
			logger.Debugf("sd_notify READY: %v", err)
		}
		stopWatchdog := runWatchdog()
		defer stopWatchdog()
	}

	return sv.Run()
}

// runWatchdog pings systemd's watchdog at half of WATCHDOG_USEC, until the
// returned stop function is called. A no-op outside systemd (WATCHDOG_USEC
// unset).
func runWatchdog() (stop func()) {
	usec, err := strconv.ParseFloat(os.Getenv("WATCHDOG_USEC"), 64)
	if err != nil || usec == 0 {
		return func() {}
	}
	ticker := time.NewTicker(time.Duration(usec/2) * time.Microsecond)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-ticker.C:
				systemd.SdNotify("WATCHDOG=1")
			case <-done:
				return
			}
		}
	}()
	return func() {
		ticker.Stop()
		close(done)
	}
}

const cmdWorkerSummary = "Run a single worker child (internal use only)"

type cmdWorker struct {
	Group string `long:"group" description:"Queue group this worker serves"`
}

func (cmd *cmdWorker) Execute(args []string) error {
	if len(args) > 0 {
		return fmt.Errorf("too many arguments")
	}

	masterPID, _ := strconv.Atoi(os.Getenv("JOBPOOLD_MASTER_PID"))
	interval, err := strconv.Atoi(os.Getenv("INTERVAL"))
	if err != nil || interval <= 0 {
		interval = int(worker.DefaultInterval / time.Second)
	}

	return worker.Bootstrap(worker.Config{
		Group:     cmd.Group,
		Queues:    splitQueues(cmd.Group),
		PoolName:  os.Getenv("JOBPOOLD_POOL_NAME"),
		MasterPID: masterPID,
		Interval:  time.Duration(interval) * time.Second,
		Verbose:   os.Getenv("VERBOSE") == "1",
		VVerbose:  os.Getenv("VVERBOSE") == "1",
	})
}

const cmdCheckConfigSummary = "Validate a census file without starting any workers"

type cmdCheckConfig struct {
	Config string `long:"config" description:"Path to the census YAML file (default: discovered per RESQUE_POOL_CONFIG)"`
}

func (cmd *cmdCheckConfig) Execute(args []string) error {
	if len(args) > 0 {
		return fmt.Errorf("too many arguments")
	}

	path := cmd.Config
	if path == "" {
		discovered, err := config.DiscoverPath(osutil.Environ())
		if err != nil {
			return err
		}
		path = discovered
	}

	desired, err := config.Load(path, osutil.Environ())
	if err != nil {
		return err
	}

	for group, count := range desired {
		fmt.Printf("%s: %d\n", group, count)
	}
	return nil
}

type cmdVersion struct{}

func (cmd *cmdVersion) Execute(args []string) error {
	fmt.Println(buildinfo.Version)
	return nil
}

func splitQueues(group string) []string {
	if group == "" {
		return nil
	}
	return strings.Split(group, ",")
}
