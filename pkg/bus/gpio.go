// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package bus

import (
	"time"

	log "github.com/sirupsen/logrus"
)

// Conn is the pin-level access a board adapter provides. Register mapping
// for specific SoCs lives behind this interface.
type Conn interface {
	Read(pin int) bool
	Write(pin int, level bool)
	// Input switches a pin between input and output mode.
	Input(pin int, input bool)
}

// SelectionWaiter is implemented by adapters that can block on a SEL pin
// edge through a kernel notification primitive. Without it the bus spins
// on the SEL line.
type SelectionWaiter interface {
	WaitSelectionEdge(timeout time.Duration) bool
}

// Layout assigns GPIO pins to the SCSI signals and the transceiver
// direction controls of the adapter board.
type Layout struct {
	DT  [8]int // data bits 0..7
	DP  int    // parity
	BSY int
	SEL int
	ATN int
	ACK int
	RST int
	MSG int
	CD  int
	IO  int
	REQ int

	// Transceiver direction controls. TAD covers the target-driven
	// control signals, IND the initiator-driven ones, DTD the data
	// lines, ENB the transceiver enable, ACT the activity LED.
	ENB int
	IND int
	TAD int
	DTD int
	ACT int
}

// GPIOBus drives a tri-state transceiver adapter in target mode. All
// waits are busy loops with a deadline; the bus thread is expected to run
// pinned and at realtime priority.
type GPIOBus struct {
	conn   Conn
	layout Layout
}

func NewGPIOBus(conn Conn, layout Layout) *GPIOBus {
	b := &GPIOBus{conn: conn, layout: layout}
	b.Reset()
	return b
}

func (b *GPIOBus) pin(sig Signal) int {
	l := &b.layout
	switch sig {
	case SigBSY:
		return l.BSY
	case SigSEL:
		return l.SEL
	case SigATN:
		return l.ATN
	case SigACK:
		return l.ACK
	case SigRST:
		return l.RST
	case SigMSG:
		return l.MSG
	case SigCD:
		return l.CD
	case SigIO:
		return l.IO
	case SigREQ:
		return l.REQ
	default:
		return l.DP
	}
}

// Reset releases every line and puts the transceivers into the idle
// target direction: control signals inbound, data bus inbound.
func (b *GPIOBus) Reset() {
	l := &b.layout
	b.conn.Write(l.ACT, false)
	b.conn.Write(l.TAD, false)
	b.conn.Write(l.IND, false)
	b.setDataDirection(false)
	for _, p := range []int{l.BSY, l.MSG, l.CD, l.IO, l.REQ} {
		b.conn.Write(p, false)
		b.conn.Input(p, true)
	}
	b.conn.Write(l.ENB, true)
}

func (b *GPIOBus) CleanUp() {
	b.conn.Write(b.layout.ENB, false)
}

// setDataDirection flips the data-bus transceiver. The direction must be
// set before the data lines are driven.
func (b *GPIOBus) setDataDirection(out bool) {
	l := &b.layout
	b.conn.Write(l.DTD, out)
	for _, p := range l.DT {
		b.conn.Input(p, !out)
	}
	b.conn.Input(l.DP, !out)
}

// driveControl takes ownership of the target-driven control lines.
func (b *GPIOBus) driveControl() {
	l := &b.layout
	b.conn.Write(l.TAD, true)
	for _, p := range []int{l.BSY, l.MSG, l.CD, l.IO, l.REQ} {
		b.conn.Input(p, false)
	}
}

func (b *GPIOBus) BSY() bool { return b.conn.Read(b.layout.BSY) }
func (b *GPIOBus) SEL() bool { return b.conn.Read(b.layout.SEL) }
func (b *GPIOBus) ATN() bool { return b.conn.Read(b.layout.ATN) }
func (b *GPIOBus) ACK() bool { return b.conn.Read(b.layout.ACK) }
func (b *GPIOBus) RST() bool { return b.conn.Read(b.layout.RST) }
func (b *GPIOBus) MSG() bool { return b.conn.Read(b.layout.MSG) }
func (b *GPIOBus) CD() bool  { return b.conn.Read(b.layout.CD) }
func (b *GPIOBus) IO() bool  { return b.conn.Read(b.layout.IO) }
func (b *GPIOBus) REQ() bool { return b.conn.Read(b.layout.REQ) }

func (b *GPIOBus) SetBSY(v bool) {
	if v {
		b.driveControl()
		b.conn.Write(b.layout.ACT, true)
	}
	b.conn.Write(b.layout.BSY, v)
	if !v {
		b.conn.Write(b.layout.ACT, false)
		b.Reset()
	}
}

func (b *GPIOBus) SetSEL(v bool) { b.conn.Write(b.layout.SEL, v) }
func (b *GPIOBus) SetATN(v bool) { b.conn.Write(b.layout.ATN, v) }
func (b *GPIOBus) SetACK(v bool) { b.conn.Write(b.layout.ACK, v) }
func (b *GPIOBus) SetRST(v bool) { b.conn.Write(b.layout.RST, v) }
func (b *GPIOBus) SetMSG(v bool) { b.conn.Write(b.layout.MSG, v) }
func (b *GPIOBus) SetCD(v bool)  { b.conn.Write(b.layout.CD, v) }
func (b *GPIOBus) SetREQ(v bool) { b.conn.Write(b.layout.REQ, v) }

// SetIO also flips the data-bus direction: I/O asserted means the target
// drives the data lines.
func (b *GPIOBus) SetIO(v bool) {
	b.conn.Write(b.layout.IO, v)
	b.setDataDirection(v)
}

func (b *GPIOBus) DAT() byte {
	var v byte
	for i, p := range b.layout.DT {
		if b.conn.Read(p) {
			v |= 1 << i
		}
	}
	if b.conn.Read(b.layout.DP) != OddParity(v) {
		// Adapters differ in their parity discipline, never abort.
		log.Warnf("Parity mismatch on data byte $%02X", v)
	}
	return v
}

func (b *GPIOBus) SetDAT(v byte) {
	for i, p := range b.layout.DT {
		b.conn.Write(p, v&(1<<i) != 0)
	}
	b.conn.Write(b.layout.DP, OddParity(v))
}

func (b *GPIOBus) Phase() Phase {
	return DecodePhase(b.BSY(), b.SEL(), b.MSG(), b.CD(), b.IO())
}

// WaitSignal spins on the line with a deadline. RST asserted aborts the
// wait; the error surfaces as a failed handshake.
func (b *GPIOBus) WaitSignal(sig Signal, asserted bool) bool {
	pin := b.pin(sig)
	deadline := time.Now().Add(WaitSignalTimeout)
	for {
		if b.conn.Read(pin) == asserted {
			return true
		}
		if sig != SigRST && b.conn.Read(b.layout.RST) {
			return false
		}
		if time.Now().After(deadline) {
			return false
		}
	}
}

func (b *GPIOBus) WaitSelection(timeout time.Duration) bool {
	if w, ok := b.conn.(SelectionWaiter); ok {
		return w.WaitSelectionEdge(timeout)
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if b.SEL() && !b.BSY() {
			return true
		}
		time.Sleep(10 * time.Microsecond)
	}
	return false
}

func (b *GPIOBus) CommandHandshake(buf []byte) int {
	return commandHandshake(b, buf, commandByteCount)
}

func (b *GPIOBus) ReceiveHandshake(buf []byte) int {
	return receiveHandshake(b, buf)
}

func (b *GPIOBus) SendHandshake(buf []byte, delayAfterBytes int) int {
	return sendHandshake(b, buf, delayAfterBytes)
}
