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

package signalqueue_test

import (
	"context"
	"testing"
	"time"

	. "gopkg.in/check.v1"

	"github.com/resquepool/jobpoold/internals/signalqueue"
)

func Test(t *testing.T) { TestingT(t) }

type SignalQueueSuite struct{}

var _ = Suite(&SignalQueueSuite{})

func (s *SignalQueueSuite) TestPopEmpty(c *C) {
	q, err := signalqueue.New()
	c.Assert(err, IsNil)
	defer q.Stop()

	_, ok := q.Pop()
	c.Assert(ok, Equals, false)
	c.Assert(q.Len(), Equals, 0)
}

func (s *SignalQueueSuite) TestFIFOOrderAndCapacity(c *C) {
	q, err := signalqueue.New()
	c.Assert(err, IsNil)
	defer q.Stop()

	// Exercise the queue's own push/pop contract directly; a test sending
	// real OS signals would be racy against other packages' tests sharing
	// the process.
	for _, name := range []signalqueue.Name{signalqueue.USR1, signalqueue.USR2, signalqueue.HUP, signalqueue.CONT, signalqueue.WINCH, signalqueue.QUIT} {
		q.TestPush(name)
	}
	c.Assert(q.Len(), Equals, signalqueue.Capacity)

	var got []signalqueue.Name
	for {
		n, ok := q.Pop()
		if !ok {
			break
		}
		got = append(got, n)
	}
	c.Assert(got, DeepEquals, []signalqueue.Name{
		signalqueue.USR1, signalqueue.USR2, signalqueue.HUP, signalqueue.CONT, signalqueue.WINCH,
	})
}

func (s *SignalQueueSuite) TestBeginDrainReapCancelsOnInterrupt(c *C) {
	q, err := signalqueue.New()
	c.Assert(err, IsNil)
	defer q.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	q.BeginDrainReap(cancel)
	defer q.EndDrainReap()

	q.TestDeliverInterrupt(signalqueue.TERM)

	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		c.Fatal("expected context to be cancelled by interrupt-reap condition")
	}
}
