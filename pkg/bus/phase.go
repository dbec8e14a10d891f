// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package bus

// Phase is one of the fixed SCSI bus states controlled by MSG/CD/IO.
type Phase int

const (
	PhaseBusFree Phase = iota
	PhaseArbitration
	PhaseSelection
	PhaseReselection
	PhaseCommand
	PhaseDataIn
	PhaseDataOut
	PhaseStatus
	PhaseMsgIn
	PhaseMsgOut
	PhaseReserved
)

// mciPhase maps the 3-bit MSG/CD/IO combination to a phase. The encoding
// is fixed by SCSI: MSG is bit 2, C/D bit 1, I/O bit 0.
var mciPhase = [8]Phase{
	PhaseDataOut,  // MSG=0, CD=0, IO=0
	PhaseDataIn,   // MSG=0, CD=0, IO=1
	PhaseCommand,  // MSG=0, CD=1, IO=0
	PhaseStatus,   // MSG=0, CD=1, IO=1
	PhaseReserved, // MSG=1, CD=0, IO=0
	PhaseReserved, // MSG=1, CD=0, IO=1
	PhaseMsgOut,   // MSG=1, CD=1, IO=0
	PhaseMsgIn,    // MSG=1, CD=1, IO=1
}

// DecodePhase computes the current phase from the control signals. SEL
// asserted wins over the MCI encoding, and a released BSY means the bus
// is free regardless of the other lines.
func DecodePhase(bsy, sel, msg, cd, io bool) Phase {
	if sel {
		if bsy {
			return PhaseReselection
		}
		return PhaseSelection
	}
	if !bsy {
		return PhaseBusFree
	}

	mci := 0
	if msg {
		mci |= 1 << 2
	}
	if cd {
		mci |= 1 << 1
	}
	if io {
		mci |= 1 << 0
	}
	return mciPhase[mci]
}

func (p Phase) String() string {
	switch p {
	case PhaseBusFree:
		return "busfree"
	case PhaseArbitration:
		return "arbitration"
	case PhaseSelection:
		return "selection"
	case PhaseReselection:
		return "reselection"
	case PhaseCommand:
		return "command"
	case PhaseDataIn:
		return "datain"
	case PhaseDataOut:
		return "dataout"
	case PhaseStatus:
		return "status"
	case PhaseMsgIn:
		return "msgin"
	case PhaseMsgOut:
		return "msgout"
	default:
		return "reserved"
	}
}
