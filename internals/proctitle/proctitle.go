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

// Package proctitle lets the supervisor and worker report their lifecycle
// stage (spec.md §4.G, §4.H) as the process's visible command line, the way
// classic Unix daemons (sendmail, postgres) do: overwrite the bytes backing
// os.Args[0] in place, which is what ps and /proc/[pid]/cmdline show.
//
// The Go runtime copies argv into its own string at startup rather than
// keeping a pointer into the kernel's original (and reusable) argv buffer,
// so the space available to overwrite is bounded by len(os.Args[0]) as
// originally observed — unlike C's setproctitle, there's no trick to
// reclaim the rest of argv/envp without cgo. Longer titles are truncated.
package proctitle

import (
	"os"
	"unsafe"
)

var budget = len(os.Args[0])

// Set overwrites os.Args[0]'s backing bytes with title, truncated to fit
// the original argv[0] length, zero-padding anything shorter. It is a
// no-op if the process was started with an empty argv[0].
func Set(title string) {
	if budget <= 0 {
		return
	}

	buf := unsafe.Slice(unsafe.StringData(os.Args[0]), budget)
	n := copy(buf, title)
	for ; n < len(buf); n++ {
		buf[n] = 0
	}
}
