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

package supervisor_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	. "gopkg.in/check.v1"
	"golang.org/x/sys/unix"

	"github.com/resquepool/jobpoold/internals/config"
	"github.com/resquepool/jobpoold/internals/signalqueue"
	"github.com/resquepool/jobpoold/internals/supervisor"
	"github.com/resquepool/jobpoold/internals/testutil"
)

func Test(t *testing.T) { TestingT(t) }

type SupervisorSuite struct{}

var _ = Suite(&SupervisorSuite{})

func writeCensus(c *C, body string) string {
	dir := c.MkDir()
	path := filepath.Join(dir, "resque-pool.yml")
	c.Assert(os.WriteFile(path, []byte(body), 0o644), IsNil)
	return path
}

func newTestSupervisor(c *C, censusBody string) *supervisor.Supervisor {
	path := writeCensus(c, censusBody)
	s, err := supervisor.New(supervisor.Config{
		ConfigPath:    path,
		Env:           map[string]string{},
		WorkerCommand: map[string]string{"high": "/bin/sh -c 'sleep 30'"},
	})
	c.Assert(err, IsNil)
	return s
}

func (s *SupervisorSuite) TestReconcileSpawnsConfiguredWorkers(c *C) {
	sv := newTestSupervisor(c, "high: 2\n")
	sv.TestReconcile()

	pids := sv.Registry().PidsOf("high")
	c.Assert(pids, HasLen, 2)

	for _, pid := range pids {
		unix.Kill(pid, unix.SIGKILL)
	}
}

func (s *SupervisorSuite) TestSpawnPassesGroupAndPoolNameToChild(c *C) {
	// The fake worker records the identity the supervisor hands it via env.
	fake := testutil.FakeCommand(c, "fake-worker", `printf '%s\n%s\n' "$JOBPOOLD_GROUP" "$JOBPOOLD_POOL_NAME" > "$0.env"`)
	defer fake.Restore()

	path := writeCensus(c, "high,low: 1\n")
	sv, err := supervisor.New(supervisor.Config{
		ConfigPath:    path,
		Env:           map[string]string{},
		PoolName:      "webhooks",
		WorkerCommand: map[string]string{"high,low": fake.Exe()},
	})
	c.Assert(err, IsNil)
	sv.TestReconcile()

	pids := sv.Registry().PidsOf("high,low")
	c.Assert(pids, HasLen, 1)
	// Let the fake worker run to completion so its log and env dump exist.
	var ws unix.WaitStatus
	_, err = unix.Wait4(pids[0], &ws, 0, nil)
	c.Assert(err, IsNil)

	calls := fake.Calls()
	c.Assert(calls, HasLen, 1)
	c.Assert(calls[0][0], Equals, "fake-worker")

	env, err := os.ReadFile(fake.Exe() + ".env")
	c.Assert(err, IsNil)
	c.Assert(string(env), Equals, "high,low\nwebhooks\n")
}

func (s *SupervisorSuite) TestWINCHDrainsDesiredCensus(c *C) {
	sv := newTestSupervisor(c, "high: 1\n")
	sv.TestReconcile()
	c.Assert(sv.Registry().PidsOf("high"), HasLen, 1)

	sq, err := signalqueue.New()
	c.Assert(err, IsNil)
	defer sq.Stop()
	sv.TestInstallSignalQueue(sq)

	sq.TestPush(signalqueue.WINCH)
	brk, err := sv.TestDrainOneSignal()
	c.Assert(brk, Equals, false)
	c.Assert(err, IsNil)

	// WINCH sets DesiredCensus empty and reconciles: all of "high" should
	// now be asked to quit (still present in the registry until reaped).
	pids := sv.Registry().PidsOf("high")
	for _, pid := range pids {
		err := unix.Kill(pid, 0)
		c.Assert(err, IsNil) // still alive; it was QUIT'd, not killed
		unix.Kill(pid, unix.SIGKILL)
	}
}

func (s *SupervisorSuite) TestQUITBreaksLoopAfterDrainReap(c *C) {
	sv := newTestSupervisor(c, "")
	sv.TestSetDesired(config.DesiredCensus{})

	sq, err := signalqueue.New()
	c.Assert(err, IsNil)
	defer sq.Stop()
	sv.TestInstallSignalQueue(sq)

	sq.TestPush(signalqueue.QUIT)
	brk, err := sv.TestDrainOneSignal()
	c.Assert(brk, Equals, true)
	c.Assert(err, IsNil)
}

func (s *SupervisorSuite) TestTERMBreaksLoopImmediately(c *C) {
	sv := newTestSupervisor(c, "high: 1\n")
	sv.TestReconcile()
	pids := sv.Registry().PidsOf("high")
	c.Assert(pids, HasLen, 1)

	sq, err := signalqueue.New()
	c.Assert(err, IsNil)
	defer sq.Stop()
	sv.TestInstallSignalQueue(sq)

	sq.TestPush(signalqueue.TERM)
	brk, err := sv.TestDrainOneSignal()
	c.Assert(brk, Equals, true)
	c.Assert(err, IsNil)

	// Give the child a moment to actually receive and act on TERM before
	// cleanup; not asserted on, just best-effort hygiene.
	time.Sleep(50 * time.Millisecond)
	for _, pid := range pids {
		unix.Kill(pid, unix.SIGKILL)
	}
}
