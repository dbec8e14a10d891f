// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// SCSI host bridge for the Sharp X68000. Requires a special driver on
// the host system and only works with the X68000 operating system.

package devices

import (
	"github.com/goscsi/goscsi/pkg/scsi"
)

// The Human68k file-system subprotocol opcodes carried over SEND/GET
// MESSAGE(10). Their semantics are host-OS specific; the bridge routes
// them as an opaque byte pipe through the HostFS boundary.
const (
	fsOpFirst = 0x40 // boot
	fsOpLast  = 0x58 // get exclusive control
)

// HostFS executes one file-system call of the bridge subprotocol. The
// default implementation rejects every call; a host port may plug in a
// real Human68k filesystem.
type HostFS interface {
	Process(op byte, opt []byte) (result uint32, out []byte, optOut []byte)
}

// HostBridge exposes Ethernet frames and the host filesystem to the
// X68000 through GET MESSAGE(10) and SEND MESSAGE(10).
type HostBridge struct {
	Primary

	tap        TapDriver
	tapEnabled bool
	fs         HostFS

	packetBuf    [0x1000]byte
	packetLen    int
	packetEnable bool

	fsResult uint32
	fsOut    []byte
	fsOpt    []byte
}

func NewHostBridge(lun int) *HostBridge {
	d := &HostBridge{Primary: newPrimary(KindSCBR, lun)}
	d.SetSupportsParams(true)

	d.inquiry = func() ([]byte, error) {
		buf := d.StandardInquiry(scsi.TypeCommunications, scsi.LevelSCSI2, false)

		// The bridge identifies the TAP state in the vendor area
		if d.tapEnabled {
			buf = append(buf, "TAP"...)
			buf[4] += 3
		}
		return buf, nil
	}
	return d
}

// SetHostFS plugs in a filesystem implementation for the FS_* opcodes.
func (d *HostBridge) SetHostFS(fs HostFS) { d.fs = fs }

func (d *HostBridge) Init(params map[string]string) error {
	if err := d.Primary.Init(params); err != nil {
		return err
	}

	d.AddCommand(scsi.CmdTestUnitReady, d.testReady)
	d.AddCommand(scsi.CmdGetMessage10, d.getMessage10)
	d.AddCommand(scsi.CmdSendMessage10, d.sendMessage10)

	if err := d.tap.Init(d.Params()); err != nil {
		d.l.Warnf("Unable to create the TAP interface: %v", err)
	} else {
		d.tapEnabled = true
	}

	d.SetReady(true)
	return nil
}

func (d *HostBridge) CleanUp() {
	d.tap.CleanUp()
	d.Primary.CleanUp()
}

func (d *HostBridge) testReady() error {
	// Always successful
	d.ctl.EnterStatusPhase()
	return nil
}

// getMessage10 serves the bridge input channel. CDB byte 2 selects the
// subsystem (1 = Ethernet, 2 = host drive), byte 3 the transfer phase
// and byte 4 the Ethernet function.
func (d *HostBridge) getMessage10() error {
	cdb := d.ctl.CDB()
	buf := d.ctl.Buffer()

	var length int
	switch cdb[2] {
	case 1:
		switch cdb[4] {
		case 0:
			length = d.getMACAddr(buf)
		case 1:
			d.receivePacket()
			scsi.SetInt16(buf, 0, d.packetLen)
			length = 2
		case 2:
			length = d.getPacketBuf(buf)
		case 3:
			// Length, payload and a refill in one transfer
			d.receivePacket()
			scsi.SetInt16(buf, 0, d.packetLen)
			length = 2 + d.getPacketBuf(buf[2:])
		default:
			return scsi.NewError(scsi.SenseIllegalRequest, scsi.ASCInvalidFieldInCDB)
		}

	case 2:
		switch cdb[3] {
		case 0:
			scsi.SetInt32(buf, 0, d.fsResult)
			length = 4
		case 1:
			length = copy(buf, d.fsOut)
		case 2:
			length = copy(buf, d.fsOpt)
		default:
			return scsi.NewError(scsi.SenseIllegalRequest, scsi.ASCInvalidFieldInCDB)
		}

	default:
		return scsi.NewError(scsi.SenseIllegalRequest, scsi.ASCInvalidFieldInCDB)
	}

	d.ctl.SetLength(length)
	d.ctl.SetBlocks(1)
	d.ctl.SetNext(1)

	d.ctl.EnterDataInPhase()
	return nil
}

// sendMessage10 serves the bridge output channel: MAC configuration,
// frame transmission and the FS_* requests.
func (d *HostBridge) sendMessage10() error {
	cdb := d.ctl.CDB()

	length := scsi.GetInt24(cdb, 6)
	if length <= 0 {
		return scsi.NewError(scsi.SenseIllegalRequest, scsi.ASCInvalidFieldInCDB)
	}

	d.ctl.AllocateBuffer(length)
	d.ctl.SetLength(length)
	d.ctl.SetBlocks(1)
	d.ctl.SetNext(1)
	d.ctl.SetByteTransfer(true)

	d.ctl.EnterDataOutPhase()
	return nil
}

// WriteBytes consumes a SEND MESSAGE(10) payload according to the CDB.
func (d *HostBridge) WriteBytes(buf []byte, _ uint32) (bool, error) {
	cdb := d.ctl.CDB()
	length := scsi.GetInt24(cdb, 6)

	switch cdb[2] {
	case 1:
		switch cdb[4] {
		case 1:
			d.tap.Send(buf[:length])
			return true, nil
		default:
			// MAC writes are accepted and ignored: the TAP owns
			// the hardware address
			return true, nil
		}

	case 2:
		switch cdb[3] {
		case 0:
			d.writeFS(cdb[4], buf[:length])
			return true, nil
		case 1:
			d.fsOpt = append(d.fsOpt[:0], buf[:length]...)
			return true, nil
		}
	}

	return false, scsi.NewError(scsi.SenseIllegalRequest, scsi.ASCInvalidFieldInCDB)
}

func (d *HostBridge) getMACAddr(buf []byte) int {
	return copy(buf, d.tap.MACAddress())
}

func (d *HostBridge) receivePacket() {
	d.packetLen = d.tap.Receive(d.packetBuf[:])
	d.packetEnable = d.packetLen > 0
}

func (d *HostBridge) getPacketBuf(buf []byte) int {
	length := d.packetLen
	if !d.packetEnable {
		length = 0
	}
	copy(buf, d.packetBuf[:length])
	d.packetEnable = false
	return length
}

// writeFS runs one FS_* call. The request bytes and the reply buffers
// pass through uninterpreted.
func (d *HostBridge) writeFS(op byte, payload []byte) {
	if op < fsOpFirst || op > fsOpLast {
		d.fsResult = 0xffffffff
		return
	}

	if d.fs == nil {
		// No host filesystem: every call reports failure
		d.fsResult = 0xffffffff
		d.fsOut = nil
		return
	}

	result, out, opt := d.fs.Process(op, payload)
	d.fsResult = result
	d.fsOut = out
	if opt != nil {
		d.fsOpt = opt
	}
}
