// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package bus drives the parallel SCSI signal lines in target mode: signal
// access, phase decoding, parity, selection polling and the REQ/ACK
// handshake loops shared by all transports.
package bus

import (
	"time"

	"github.com/goscsi/goscsi/pkg/scsi"
)

// commandByteCount resolves the CDB length from the opcode group.
func commandByteCount(opcode byte) int {
	return scsi.CommandByteCount(opcode)
}

// Signal identifies one of the SCSI control lines.
type Signal int

const (
	SigBSY Signal = iota
	SigSEL
	SigATN
	SigACK
	SigRST
	SigREQ
	SigMSG
	SigCD
	SigIO
	SigDP
)

// WaitSignalTimeout bounds every signal-level wait. A handshake partner
// that does not respond within this deadline aborts the transfer.
const WaitSignalTimeout = 3 * time.Second

// SelectionTimeout is how long an initiator keeps SEL asserted before
// declaring the target not present.
const SelectionTimeout = 2 * time.Second

// DaynaPortSendDelay is the pause the DaynaPort driver needs between the
// read response header and the packet payload.
const DaynaPortSendDelay = 100 * time.Microsecond

// Bus is the target-side view of the SCSI bus. Implementations must set
// the transceiver direction controls before asserting data lines in the
// corresponding direction.
type Bus interface {
	Reset()
	CleanUp()

	BSY() bool
	SetBSY(bool)
	SEL() bool
	SetSEL(bool)
	ATN() bool
	SetATN(bool)
	ACK() bool
	SetACK(bool)
	RST() bool
	SetRST(bool)
	MSG() bool
	SetMSG(bool)
	CD() bool
	SetCD(bool)
	IO() bool
	SetIO(bool)
	REQ() bool
	SetREQ(bool)

	DAT() byte
	SetDAT(byte)

	// Phase decodes the current bus phase from the control lines.
	Phase() Phase

	// WaitSignal blocks until the signal reaches the level, RST is
	// asserted, or the deadline expires. Returns false in the latter
	// two cases.
	WaitSignal(sig Signal, asserted bool) bool

	// WaitSelection blocks until a SELECTION edge is observed or the
	// timeout expires.
	WaitSelection(timeout time.Duration) bool

	// CommandHandshake receives a CDB: one byte to learn the opcode,
	// then the rest of the group-derived length. Returns the number
	// of bytes received.
	CommandHandshake(buf []byte) int

	// ReceiveHandshake transfers bytes from the initiator. Returns the
	// number of bytes actually received; the initiator may truncate.
	ReceiveHandshake(buf []byte) int

	// SendHandshake transfers bytes to the initiator, optionally
	// pausing after delayAfterBytes bytes. Returns the number of bytes
	// sent.
	SendHandshake(buf []byte, delayAfterBytes int) int
}

// lineOps is the signal-level subset the shared handshake loops need.
type lineOps interface {
	SetREQ(bool)
	RST() bool
	BSY() bool
	DAT() byte
	SetDAT(byte)
	Phase() Phase
	WaitSignal(sig Signal, asserted bool) bool
}

// receiveHandshake runs the timing-critical receive inner loop. The bus
// free check on every iteration lets the initiator truncate a transfer.
func receiveHandshake(b lineOps, buf []byte) int {
	for i := range buf {
		b.SetREQ(true)
		if !b.WaitSignal(SigACK, true) {
			b.SetREQ(false)
			return i
		}
		data := b.DAT()
		b.SetREQ(false)
		if !b.WaitSignal(SigACK, false) {
			return i
		}
		buf[i] = data

		if b.Phase() == PhaseBusFree {
			return i + 1
		}
	}
	return len(buf)
}

// sendHandshake runs the send inner loop. delayAfterBytes inserts the
// DaynaPort inter-segment pause once, after that many bytes; pass a
// negative value for no delay.
func sendHandshake(b lineOps, buf []byte, delayAfterBytes int) int {
	for i := range buf {
		if i == delayAfterBytes {
			time.Sleep(DaynaPortSendDelay)
		}
		b.SetDAT(buf[i])
		b.SetREQ(true)
		if !b.WaitSignal(SigACK, true) {
			b.SetREQ(false)
			return i
		}
		b.SetREQ(false)
		if !b.WaitSignal(SigACK, false) {
			return i
		}

		if b.Phase() == PhaseBusFree {
			return i + 1
		}
	}
	return len(buf)
}

// commandHandshake receives a CDB. The first byte determines the CDB
// group and with it how many more bytes follow.
func commandHandshake(b lineOps, buf []byte, length func(opcode byte) int) int {
	if receiveHandshake(b, buf[:1]) != 1 {
		return 0
	}
	n := length(buf[0])
	if n <= 1 {
		return 1
	}
	return 1 + receiveHandshake(b, buf[1:n])
}
