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

// Package signalqueue turns asynchronous OS signals into a bounded,
// ordered in-process event stream plus a self-pipe wake-up, per
// spec.md §4.A.
//
// Go signal delivery is already handler-safe (runtime-marshalled onto a
// channel rather than run on the signalling thread), so the "handler" here
// is a small listener goroutine fed by signal.Notify; it does exactly what
// spec.md prescribes for a handler — enqueue a signal name and write one
// byte to the self-pipe — and nothing else.
package signalqueue

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/resquepool/jobpoold/internals/logger"
)

// Name is one of the symbols in spec.md §3's SignalQueue alphabet.
type Name string

const (
	QUIT  Name = "QUIT"
	INT   Name = "INT"
	TERM  Name = "TERM"
	USR1  Name = "USR1"
	USR2  Name = "USR2"
	CONT  Name = "CONT"
	HUP   Name = "HUP"
	WINCH Name = "WINCH"
)

// Capacity is the SignalQueue's bound (spec.md §3, §5, §8).
const Capacity = 5

var queueable = map[os.Signal]Name{
	unix.SIGQUIT:  QUIT,
	unix.SIGINT:   INT,
	unix.SIGTERM:  TERM,
	unix.SIGUSR1:  USR1,
	unix.SIGUSR2:  USR2,
	unix.SIGCONT:  CONT,
	unix.SIGHUP:   HUP,
	unix.SIGWINCH: WINCH,
}

// Queue is the bounded FIFO plus the self-pipe wake channel.
type Queue struct {
	mu  sync.Mutex
	buf []Name

	readFD, writeFD *os.File

	sigCh chan os.Signal

	draining      atomic.Bool
	interruptReap atomic.Pointer[context.CancelFunc]
}

// New installs signal handlers for every queueable signal plus SIGCHLD
// (wake-only) and returns a ready Queue. Call Stop to tear it down.
func New() (*Queue, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	if err := unix.SetNonblock(int(r.Fd()), true); err != nil {
		r.Close()
		w.Close()
		return nil, err
	}
	if err := unix.SetNonblock(int(w.Fd()), true); err != nil {
		r.Close()
		w.Close()
		return nil, err
	}

	q := &Queue{
		readFD:  r,
		writeFD: w,
		sigCh:   make(chan os.Signal, 64),
	}

	sigs := make([]os.Signal, 0, len(queueable)+1)
	for sig := range queueable {
		sigs = append(sigs, sig)
	}
	sigs = append(sigs, unix.SIGCHLD)
	signal.Notify(q.sigCh, sigs...)

	go q.dispatch()

	return q, nil
}

// Stop resets signal handlers and closes the self-pipe.
func (q *Queue) Stop() {
	signal.Stop(q.sigCh)
	q.readFD.Close()
	q.writeFD.Close()
}

// ReadFD is the self-pipe's read end, for use in a select/poll wait.
func (q *Queue) ReadFD() *os.File {
	return q.readFD
}

func (q *Queue) dispatch() {
	for sig := range q.sigCh {
		if sig == unix.SIGCHLD {
			q.wake()
			continue
		}
		name, ok := queueable[sig]
		if !ok {
			continue
		}
		if (name == INT || name == TERM) && q.draining.Load() {
			if cancel := q.interruptReap.Load(); cancel != nil {
				(*cancel)()
			}
		}
		q.push(name)
	}
}

// push enqueues name, dropping (and logging) it if the queue is full, then
// wakes the loop regardless (spec.md §4.A).
func (q *Queue) push(name Name) {
	q.mu.Lock()
	if len(q.buf) >= Capacity {
		q.mu.Unlock()
		logger.Noticef("Signal queue full (%d entries), dropping %s.", Capacity, name)
		q.wake()
		return
	}
	q.buf = append(q.buf, name)
	q.mu.Unlock()
	q.wake()
}

// wake writes a single byte to the self-pipe, tolerating EAGAIN (the pipe
// is non-blocking and only needs to be non-empty, not exact).
func (q *Queue) wake() {
	_, err := q.writeFD.Write([]byte{0})
	if err != nil && !errors.Is(err, unix.EAGAIN) {
		logger.Debugf("self-pipe write: %v", err)
	}
}

// Drain reads and discards every byte currently buffered in the self-pipe,
// non-blocking. Call this once the loop wakes, before Pop.
func (q *Queue) Drain() {
	buf := make([]byte, 64)
	for {
		n, err := q.readFD.Read(buf)
		if n <= 0 || err != nil {
			return
		}
	}
}

// Pop removes and returns the oldest queued signal, or ("", false) if empty.
func (q *Queue) Pop() (Name, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.buf) == 0 {
		return "", false
	}
	name := q.buf[0]
	q.buf = q.buf[1:]
	return name, true
}

// Len reports the number of signals currently buffered.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buf)
}

// BeginDrainReap marks a QUIT-triggered blocking reap as in progress. If
// INT or TERM arrives before EndDrainReap, cancel is invoked (once per such
// arrival; a context.CancelFunc only acts the first time), unwinding the
// blocking wait (spec.md §4.A's "interrupt-reap" condition).
func (q *Queue) BeginDrainReap(cancel context.CancelFunc) {
	q.interruptReap.Store(&cancel)
	q.draining.Store(true)
}

// EndDrainReap clears the interrupt-reap condition.
func (q *Queue) EndDrainReap() {
	q.draining.Store(false)
	q.interruptReap.Store(nil)
}
