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

package registry_test

import (
	"testing"
	"time"

	. "gopkg.in/check.v1"

	"github.com/resquepool/jobpoold/internals/registry"
)

func Test(t *testing.T) { TestingT(t) }

type RegistrySuite struct{}

var _ = Suite(&RegistrySuite{})

func (s *RegistrySuite) TestInsertCountAllPids(c *C) {
	r := registry.New()
	r.Insert("high", 100, &registry.Handle{Pid: 100, Group: "high"})
	r.Insert("high", 101, &registry.Handle{Pid: 101, Group: "high"})
	r.Insert("low", 200, &registry.Handle{Pid: 200, Group: "low"})

	c.Assert(r.CountIn("high"), Equals, 2)
	c.Assert(r.CountIn("low"), Equals, 1)
	c.Assert(r.CountIn("missing"), Equals, 0)
	c.Assert(len(r.AllPids()), Equals, 3)
}

func (s *RegistrySuite) TestRemoveStopsAtFirstGroup(c *C) {
	r := registry.New()
	r.Insert("high", 100, &registry.Handle{Pid: 100, Group: "high"})

	h := r.Remove(100)
	c.Assert(h, NotNil)
	c.Assert(h.Group, Equals, "high")
	c.Assert(r.CountIn("high"), Equals, 0)
	c.Assert(r.Remove(100), IsNil)
}

func (s *RegistrySuite) TestRemoveUnknownPid(c *C) {
	r := registry.New()
	c.Assert(r.Remove(999), IsNil)
}

func (s *RegistrySuite) TestPidsOfInsertionOrder(c *C) {
	r := registry.New()
	t0 := time.Now()
	r.Insert("high", 1, &registry.Handle{Pid: 1, Group: "high", StartedAt: t0})
	r.Insert("high", 2, &registry.Handle{Pid: 2, Group: "high", StartedAt: t0.Add(time.Second)})
	r.Insert("high", 3, &registry.Handle{Pid: 3, Group: "high", StartedAt: t0.Add(2 * time.Second)})

	c.Assert(r.PidsOf("high"), DeepEquals, []int{1, 2, 3})
}

func (s *RegistrySuite) TestEmptyAfterGroupDrained(c *C) {
	r := registry.New()
	r.Insert("high", 1, &registry.Handle{Pid: 1, Group: "high"})
	c.Assert(r.Empty(), Equals, false)
	r.Remove(1)
	c.Assert(r.Empty(), Equals, true)
	c.Assert(r.Groups(), HasLen, 0)
}
