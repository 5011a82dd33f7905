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

package signalqueue

// TestPush exercises the queue's push path without going through the OS
// signal machinery, so tests stay deterministic and don't race against
// other packages' tests in the same process.
func (q *Queue) TestPush(name Name) {
	q.push(name)
}

// TestDeliverInterrupt simulates an INT/TERM arriving while a drain-reap is
// in progress, without sending a real signal.
func (q *Queue) TestDeliverInterrupt(name Name) {
	if (name == INT || name == TERM) && q.draining.Load() {
		if cancel := q.interruptReap.Load(); cancel != nil {
			(*cancel)()
		}
	}
	q.push(name)
}
