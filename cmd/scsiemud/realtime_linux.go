//go:build linux

package main

import (
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// setupRealtime pins the calling thread to one CPU core and raises it to
// the highest SCHED_FIFO priority. Both are best effort: without the
// privileges the emulator still works, with softer timing.
func setupRealtime() {
	var set unix.CPUSet
	set.Set(0)
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		log.Warnf("Can't pin the bus thread to a CPU core: %v", err)
	}

	attr := unix.SchedAttr{
		Size:     unix.SizeofSchedAttr,
		Policy:   unix.SCHED_FIFO,
		Priority: 99,
	}
	if err := unix.SchedSetAttr(0, &attr, 0); err != nil {
		log.Warnf("Can't set realtime priority for the bus thread: %v", err)
	}
}
