// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Emulation of the DaynaPort SCSI/Link Ethernet interface, derived from
// the SLINKCMD documentation. Requires a DaynaPort SCSI Link driver on
// the initiator side.

package devices

import (
	"github.com/goscsi/goscsi/pkg/scsi"
)

const (
	// Read responses carry a 2-byte length and a 4-byte flag field in
	// front of the frame.
	daynaPortReadHeaderSize = 6

	daynaPortBufferSize = 0x10000

	// SET INTERFACE MODE subfunctions in CDB byte 5
	cmdSCSILinkSetMode = 0x80
	cmdSCSILinkSetMAC  = 0x40
)

// DaynaPort wraps a TAP device behind the SCSI/Link command set. READ(6)
// returns one Ethernet frame per command in the layout {length | flags |
// payload | CRC}; the length is padded to 64 bytes for driver
// compatibility even though that corrupts the FCS.
type DaynaPort struct {
	Primary

	tap        TapDriver
	tapEnabled bool

	byteReads  uint64
	byteWrites uint64
}

func NewDaynaPort(lun int) *DaynaPort {
	d := &DaynaPort{Primary: newPrimary(KindSCDP, lun)}
	d.SetSupportsParams(true)

	// The Mac driver expects 37 bytes: one additional vendor byte
	d.inquiry = func() ([]byte, error) {
		buf := d.StandardInquiry(scsi.TypeProcessor, scsi.LevelSCSI2, false)
		buf[4]++
		buf = append(buf, 0)
		return buf, nil
	}
	return d
}

func (d *DaynaPort) Init(params map[string]string) error {
	if err := d.Primary.Init(params); err != nil {
		return err
	}

	d.AddCommand(scsi.CmdTestUnitReady, d.testReady)
	d.AddCommand(scsi.CmdRead6, d.read6)
	d.AddCommand(scsi.CmdWrite6, d.write6)
	d.AddCommand(scsi.CmdRetrieveStats, d.retrieveStatistics)
	d.AddCommand(scsi.CmdSetIfaceMode, d.setInterfaceMode)
	d.AddCommand(scsi.CmdSetMcastAddr, d.setMcastAddr)
	d.AddCommand(scsi.CmdEnableInterface, d.enableInterface)

	// The driver issues two reads per packet: pause after the header
	// so it can keep up.
	d.setSendDelay(daynaPortReadHeaderSize)

	if err := d.tap.Init(d.Params()); err != nil {
		d.l.Warnf("Unable to create the TAP interface: %v", err)
	} else {
		d.tapEnabled = true
	}

	d.ResetState()
	d.SetReady(true)
	d.SetReset(false)
	return nil
}

func (d *DaynaPort) CleanUp() {
	d.tap.CleanUp()
	d.Primary.CleanUp()
}

func (d *DaynaPort) testReady() error {
	// Always successful
	d.ctl.EnterStatusPhase()
	return nil
}

// readFrame builds the READ(6) response in buf: 2-byte length, 4-byte
// flag field, frame data including CRC. Returns the response length.
func (d *DaynaPort) readFrame(buf []byte) int {
	size := d.tap.Receive(buf[daynaPortReadHeaderSize:])
	if size <= 0 {
		// Nothing pending: zero length, no more data
		for i := 0; i < daynaPortReadHeaderSize; i++ {
			buf[i] = 0
		}
		return daynaPortReadHeaderSize
	}

	d.byteReads += uint64(size)

	// Frames shorter than 64 bytes are padded for driver
	// compatibility; this corrupts the checksum, which no known
	// driver verifies.
	if size < 64 {
		size = 64
	}

	scsi.SetInt16(buf, 0, size)
	var flags uint32
	if d.tap.HasPendingPackets() {
		flags = 0x10
	}
	scsi.SetInt32(buf, 2, flags)

	return size + daynaPortReadHeaderSize
}

func (d *DaynaPort) read6() error {
	cdb := d.ctl.CDB()

	// Commands with a bogus control value were probably not generated
	// by the DaynaPort driver
	if cdb[5] != 0xc0 && cdb[5] != 0x80 {
		d.l.Tracef("Control value: $%02X", cdb[5])
		return scsi.NewError(scsi.SenseIllegalRequest, scsi.ASCInvalidFieldInCDB)
	}

	// At startup the host sends READ(6) with a count of 1 to read the
	// root sector; answer with a zero-length status.
	if cdb[4] == 1 {
		d.ctl.SetLength(0)
		d.ctl.EnterStatusPhase()
		return nil
	}

	d.ctl.SetBlocks(1)
	d.ctl.SetLength(d.readFrame(d.ctl.Buffer()))
	d.ctl.SetNext(uint64(scsi.GetInt24(cdb, 1)&0x1fffff) + 1)

	d.ctl.EnterDataInPhase()
	return nil
}

func (d *DaynaPort) write6() error {
	// Not a per-block transfer: ensure a sufficient buffer
	d.ctl.AllocateBuffer(daynaPortBufferSize)

	cdb := d.ctl.CDB()
	format := cdb[5]

	switch format {
	case 0x00:
		d.ctl.SetLength(scsi.GetInt16(cdb, 3))
	case 0x80:
		// The data length is in the first 2 bytes of the payload
		d.ctl.SetLength(scsi.GetInt16(cdb, 3) + 8)
	default:
		d.l.Warnf("Unknown data format: $%02X", format)
	}

	if d.ctl.Length() <= 0 {
		return scsi.NewError(scsi.SenseIllegalRequest, scsi.ASCInvalidFieldInCDB)
	}

	d.ctl.SetBlocks(1)
	d.ctl.SetNext(1)
	d.ctl.SetByteTransfer(true)

	d.ctl.EnterDataOutPhase()
	return nil
}

// WriteBytes transmits a WRITE(6) payload: format 0x00 sends the raw
// frame with the length from the CDB, 0x80 a framed payload whose length
// is in its first two bytes.
func (d *DaynaPort) WriteBytes(buf []byte, _ uint32) (bool, error) {
	cdb := d.ctl.CDB()

	switch format := cdb[5]; format {
	case 0x00:
		length := scsi.GetInt16(cdb, 3)
		d.tap.Send(buf[:length])
		d.byteWrites += uint64(length)
	case 0x80:
		length := int(buf[1]) | int(buf[0])<<8
		d.tap.Send(buf[4 : 4+length])
		d.byteWrites += uint64(length)
	default:
		d.l.Warnf("Unknown data format: $%02X", format)
	}

	d.ctl.SetBlocks(0)
	return true, nil
}

// retrieveStatistics returns the MAC address and three little-endian
// 32-bit counters, typically zero.
func (d *DaynaPort) retrieveStatistics() error {
	buf := d.ctl.Buffer()
	for i := 0; i < 18; i++ {
		buf[i] = 0
	}
	copy(buf, d.tap.MACAddress())

	length := scsi.GetInt16(d.ctl.CDB(), 3)
	if length > 18 {
		length = 18
	}
	d.ctl.SetLength(length)

	d.ctl.SetBlocks(1)
	d.ctl.SetNext(1)

	d.ctl.EnterDataInPhase()
	return nil
}

// setInterfaceMode handles both "set interface mode" (a no-op on this
// firmware) and "set MAC address", which requests a 6-byte DATA OUT.
func (d *DaynaPort) setInterfaceMode() error {
	switch sub := d.ctl.CDB()[5]; sub {
	case cmdSCSILinkSetMode:
		d.ctl.EnterStatusPhase()
		return nil

	case cmdSCSILinkSetMAC:
		d.ctl.SetLength(6)
		d.ctl.SetByteTransfer(true)
		d.ctl.EnterDataOutPhase()
		return nil

	default:
		d.l.Warnf("Unsupported SetInterface command: $%02X", sub)
		return scsi.NewError(scsi.SenseIllegalRequest, scsi.ASCInvalidCommandOpcode)
	}
}

func (d *DaynaPort) setMcastAddr() error {
	length := int(d.ctl.CDB()[4])
	if length == 0 {
		d.l.Warnf("Unsupported SetMcastAddr command: $%02X", d.ctl.CDB()[2])
		return scsi.NewError(scsi.SenseIllegalRequest, scsi.ASCInvalidFieldInCDB)
	}

	d.ctl.SetLength(length)
	d.ctl.SetByteTransfer(true)
	d.ctl.EnterDataOutPhase()
	return nil
}

// enableInterface toggles the TAP link: byte 5 bit 7 set enables, clear
// disables.
func (d *DaynaPort) enableInterface() error {
	up := d.ctl.CDB()[5]&0x80 != 0

	if err := d.tap.IPLink(up); err != nil {
		d.l.Warnf("Unable to change the DaynaPort interface state: %v", err)
		return scsi.NewError(scsi.SenseAbortedCommand, scsi.ASCNoAdditionalSense)
	}

	if up {
		d.tap.Flush()
		d.l.Info("The DaynaPort interface has been ENABLED")
	} else {
		d.l.Info("The DaynaPort interface has been DISABLED")
	}

	d.ctl.EnterStatusPhase()
	return nil
}

// ByteReads and ByteWrites are the transfer counters reported through
// the management channel.
func (d *DaynaPort) ByteReads() uint64  { return d.byteReads }
func (d *DaynaPort) ByteWrites() uint64 { return d.byteWrites }
