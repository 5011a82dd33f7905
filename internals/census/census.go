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

// Package census reconciles the desired worker count per queue-group
// against the registry's actual count, per spec.md §4.E.
package census

import (
	"sort"

	"github.com/resquepool/jobpoold/internals/config"
	"github.com/resquepool/jobpoold/internals/registry"
)

// SpawnFunc forks n new workers for group, recording each in the registry.
// It is the caller's job (internals/supervisor) to actually fork; Reconcile
// only decides how many.
type SpawnFunc func(group string, n int)

// QuitFunc sends a graceful-stop signal to the given pids, all members of
// group, in the order given.
type QuitFunc func(group string, pids []int)

// Reconcile applies spec.md §4.E's delta/orphan-offset arithmetic: for each
// group in the union of desired and registered groups, compute how many
// workers should be spawned or asked to quit, and call spawn/quit
// accordingly. Reconcile itself performs no I/O beyond calling spawn/quit;
// it is a pure function of its inputs plus those two callbacks.
func Reconcile(desired config.DesiredCensus, reg *registry.Registry, orphanCount int, spawn SpawnFunc, quit QuitFunc) {
	groups := unionGroups(desired, reg)
	if len(groups) == 0 {
		return
	}

	orphanOffset := orphanCount / len(groups)

	for _, group := range groups {
		want := desired[group]
		have := reg.CountIn(group)
		delta := want - have - orphanOffset

		switch {
		case delta > 0:
			spawn(group, delta)
		case delta < 0:
			n := -delta
			pids := reg.PidsOf(group)
			if n > len(pids) {
				n = len(pids)
			}
			if n > 0 {
				quit(group, pids[:n])
			}
		}
	}
}

// unionGroups returns the sorted union of desired's keys and the registry's
// populated groups. Sorting makes reconciliation order deterministic, which
// matters only for test reproducibility: spec.md places no ordering
// requirement across groups.
func unionGroups(desired config.DesiredCensus, reg *registry.Registry) []string {
	set := make(map[string]struct{}, len(desired))
	for g := range desired {
		set[g] = struct{}{}
	}
	for _, g := range reg.Groups() {
		set[g] = struct{}{}
	}
	groups := make([]string, 0, len(set))
	for g := range set {
		groups = append(groups, g)
	}
	sort.Strings(groups)
	return groups
}
