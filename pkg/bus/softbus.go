// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package bus

import (
	"sync"
	"time"
)

// SoftBus is an in-memory SCSI bus. Target loop and initiator share the
// same instance from different goroutines; every line change wakes all
// waiters. It backs the tests and the loopback mode of the daemon.
type SoftBus struct {
	mu      sync.Mutex
	changed chan struct{}
	sig     [10]bool
	dat     byte
}

func NewSoftBus() *SoftBus {
	return &SoftBus{changed: make(chan struct{})}
}

func (b *SoftBus) set(f func()) {
	b.mu.Lock()
	f()
	close(b.changed)
	b.changed = make(chan struct{})
	b.mu.Unlock()
}

func (b *SoftBus) get(sig Signal) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sig[sig]
}

func (b *SoftBus) Reset() {
	b.set(func() {
		b.sig = [10]bool{}
		b.dat = 0
	})
}

func (b *SoftBus) CleanUp() {}

func (b *SoftBus) BSY() bool     { return b.get(SigBSY) }
func (b *SoftBus) SetBSY(v bool) { b.set(func() { b.sig[SigBSY] = v }) }
func (b *SoftBus) SEL() bool     { return b.get(SigSEL) }
func (b *SoftBus) SetSEL(v bool) { b.set(func() { b.sig[SigSEL] = v }) }
func (b *SoftBus) ATN() bool     { return b.get(SigATN) }
func (b *SoftBus) SetATN(v bool) { b.set(func() { b.sig[SigATN] = v }) }
func (b *SoftBus) ACK() bool     { return b.get(SigACK) }
func (b *SoftBus) SetACK(v bool) { b.set(func() { b.sig[SigACK] = v }) }
func (b *SoftBus) RST() bool     { return b.get(SigRST) }
func (b *SoftBus) SetRST(v bool) { b.set(func() { b.sig[SigRST] = v }) }
func (b *SoftBus) MSG() bool     { return b.get(SigMSG) }
func (b *SoftBus) SetMSG(v bool) { b.set(func() { b.sig[SigMSG] = v }) }
func (b *SoftBus) CD() bool      { return b.get(SigCD) }
func (b *SoftBus) SetCD(v bool)  { b.set(func() { b.sig[SigCD] = v }) }
func (b *SoftBus) IO() bool      { return b.get(SigIO) }
func (b *SoftBus) SetIO(v bool)  { b.set(func() { b.sig[SigIO] = v }) }
func (b *SoftBus) REQ() bool     { return b.get(SigREQ) }
func (b *SoftBus) SetREQ(v bool) { b.set(func() { b.sig[SigREQ] = v }) }

func (b *SoftBus) DAT() byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dat
}

func (b *SoftBus) SetDAT(v byte) {
	b.set(func() {
		b.dat = v
		b.sig[SigDP] = OddParity(v)
	})
}

func (b *SoftBus) Phase() Phase {
	b.mu.Lock()
	defer b.mu.Unlock()
	return DecodePhase(b.sig[SigBSY], b.sig[SigSEL], b.sig[SigMSG], b.sig[SigCD], b.sig[SigIO])
}

func (b *SoftBus) WaitSignal(sig Signal, asserted bool) bool {
	return b.waitFor(WaitSignalTimeout, func() (bool, bool) {
		if sig != SigRST && b.sig[SigRST] {
			return true, false
		}
		return b.sig[sig] == asserted, true
	})
}

func (b *SoftBus) WaitSelection(timeout time.Duration) bool {
	ok := b.waitFor(timeout, func() (bool, bool) {
		return b.sig[SigSEL] && !b.sig[SigBSY], true
	})
	return ok
}

// waitFor blocks until pred holds or the deadline expires. pred runs with
// the state lock held and reports (done, result).
func (b *SoftBus) waitFor(timeout time.Duration, pred func() (bool, bool)) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		b.mu.Lock()
		done, ok := pred()
		ch := b.changed
		b.mu.Unlock()
		if done {
			return ok
		}
		select {
		case <-ch:
		case <-timer.C:
			return false
		}
	}
}

func (b *SoftBus) CommandHandshake(buf []byte) int {
	return commandHandshake(b, buf, commandByteCount)
}

func (b *SoftBus) ReceiveHandshake(buf []byte) int {
	return receiveHandshake(b, buf)
}

func (b *SoftBus) SendHandshake(buf []byte, delayAfterBytes int) int {
	return sendHandshake(b, buf, delayAfterBytes)
}
