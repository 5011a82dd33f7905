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

// Package jobregistry is the read-only collaborator the resource monitor
// consults for in-flight-job diagnostics (spec.md §1, §4.F). It is an
// out-of-scope external system in the spec: workers publish what they're
// currently running somewhere (a database row, a key in a shared cache) and
// this package only knows how to look that up by (hostname, pid).
package jobregistry

import "time"

// Info describes the job a worker was last seen running.
type Info struct {
	Description string
	RunAt       time.Time
}

// Lookup finds the in-flight job, if any, for the worker at (hostname, pid).
type Lookup interface {
	Lookup(hostname string, pid int) (Info, bool)
}

// None is a Lookup that never finds anything, for deployments with no
// external job registry wired up.
type None struct{}

func (None) Lookup(hostname string, pid int) (Info, bool) {
	return Info{}, false
}
