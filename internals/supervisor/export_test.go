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

package supervisor

import (
	"github.com/resquepool/jobpoold/internals/config"
	"github.com/resquepool/jobpoold/internals/signalqueue"
)

func (s *Supervisor) TestInstallSignalQueue(sq *signalqueue.Queue) {
	s.sq = sq
}

func (s *Supervisor) TestDrainOneSignal() (bool, error) {
	return s.drainOneSignal()
}

func (s *Supervisor) TestReconcile() {
	s.reconcile()
}

func (s *Supervisor) TestSetDesired(d config.DesiredCensus) {
	s.desired = d
}
