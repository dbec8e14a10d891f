// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package devices

import (
	log "github.com/sirupsen/logrus"

	"github.com/goscsi/goscsi/pkg/scsi"
)

// NotReserved marks a device without a reservation holder. -1 is taken:
// it stands for an initiator whose ID could not be determined.
const NotReserved = -2

type handler func() error

// Primary implements the mandatory SCSI primary command set and carries
// the opcode dispatch table every device type extends at construction.
type Primary struct {
	Base

	ctl Controller
	l   *log.Entry

	commands map[scsi.Command]handler

	reservingInitiator int

	// inquiry builds the type-specific INQUIRY response.
	inquiry func() ([]byte, error)

	// sendDelay asks the phase engine to pause after that many bytes
	// of a DATA IN transfer (DaynaPort read header).
	sendDelay int
}

func newPrimary(kind Kind, lun int) Primary {
	return Primary{
		Base:               newBase(kind, lun),
		commands:           map[scsi.Command]handler{},
		reservingInitiator: NotReserved,
		sendDelay:          -1,
		l:                  log.NewEntry(log.StandardLogger()),
	}
}

func (d *Primary) Init(params map[string]string) error {
	d.AddCommand(scsi.CmdTestUnitReady, d.testUnitReady)
	d.AddCommand(scsi.CmdInquiry, d.inquiryCmd)
	d.AddCommand(scsi.CmdReportLuns, d.reportLuns)
	d.AddCommand(scsi.CmdRequestSense, d.requestSense)
	d.AddCommand(scsi.CmdReserve6, d.reserveUnit)
	d.AddCommand(scsi.CmdRelease6, d.releaseUnit)
	d.AddCommand(scsi.CmdSendDiagnostic, d.sendDiagnostic)

	d.SetParams(params)
	return nil
}

func (d *Primary) CleanUp() {}

// AddCommand registers or replaces the handler for an opcode.
func (d *Primary) AddCommand(cmd scsi.Command, h handler) {
	d.commands[cmd] = h
}

// Dispatch looks up and runs the handler for cmd.
func (d *Primary) Dispatch(cmd scsi.Command) error {
	h, ok := d.commands[cmd]
	if !ok {
		d.l.Tracef("Received unsupported command: $%02X", byte(cmd))
		return scsi.NewError(scsi.SenseIllegalRequest, scsi.ASCInvalidCommandOpcode)
	}

	d.l.Debugf("Executing %s ($%02X)", cmd, byte(cmd))
	return h()
}

func (d *Primary) SetController(c Controller) {
	d.ctl = c
	d.l = log.WithFields(log.Fields{"id": c.TargetID(), "lun": d.lun})
}

func (d *Primary) Controller() Controller { return d.ctl }

// Log returns the device-scoped logger.
func (d *Primary) Log() *log.Entry { return d.l }

func (d *Primary) SendDelay() int { return d.sendDelay }

func (d *Primary) setSendDelay(bytes int) { d.sendDelay = bytes }

// ResetUnit clears reservation and error state after a bus reset.
func (d *Primary) ResetUnit() {
	d.DiscardReservation()
	d.ResetState()
}

// CheckReady validates the unit state, converting reset and attention
// conditions into the unit attentions the initiator expects.
func (d *Primary) CheckReady() error {
	if d.IsReset() {
		d.SetReset(false)
		return scsi.NewError(scsi.SenseUnitAttention, scsi.ASCPowerOnOrReset)
	}
	if d.IsAttn() {
		d.SetAttn(false)
		return scsi.NewError(scsi.SenseUnitAttention, scsi.ASCNotReadyToReadyChange)
	}
	if !d.IsReady() {
		return scsi.NewError(scsi.SenseNotReady, scsi.ASCMediumNotPresent)
	}
	return nil
}

func (d *Primary) testUnitReady() error {
	if err := d.CheckReady(); err != nil {
		return err
	}
	d.ctl.EnterStatusPhase()
	return nil
}

func (d *Primary) inquiryCmd() error {
	cdb := d.ctl.CDB()

	// Neither EVPD nor page codes are supported
	if cdb[1]&0x01 != 0 || cdb[2] != 0 {
		return scsi.NewError(scsi.SenseIllegalRequest, scsi.ASCInvalidFieldInCDB)
	}

	data, err := d.inquiry()
	if err != nil {
		return err
	}

	allocation := scsi.GetInt16(cdb, 3)
	if allocation > len(data) {
		allocation = len(data)
	}

	buf := d.ctl.Buffer()
	copy(buf, data[:allocation])
	d.ctl.SetLength(allocation)

	// Signal that the requested LUN does not exist
	if lun := d.ctl.EffectiveLUN(); !d.ctl.HasDeviceForLUN(lun) {
		d.l.Tracef("Reporting LUN %d as not supported", lun)
		buf[0] = 0x7f
	}

	d.ctl.EnterDataInPhase()
	return nil
}

// StandardInquiry builds the 36-byte standard INQUIRY response for the
// given device type, compliance level and removable flag.
func (d *Primary) StandardInquiry(devType scsi.DeviceType, level scsi.Level, removable bool) []byte {
	buf := make([]byte, 0x1f+5)

	buf[0] = byte(devType)
	if removable {
		buf[1] = 0x80
	}
	buf[2] = byte(level)
	// Response data format is capped at SCSI-2
	if level > scsi.LevelSCSI2 {
		buf[3] = byte(scsi.LevelSCSI2)
	} else {
		buf[3] = byte(level)
	}
	buf[4] = 0x1f

	copy(buf[8:], d.PaddedName())
	return buf
}

func (d *Primary) reportLuns() error {
	cdb := d.ctl.CDB()

	// Only SELECT REPORT mode 0 is supported
	if cdb[2] != 0 {
		return scsi.NewError(scsi.SenseIllegalRequest, scsi.ASCInvalidFieldInCDB)
	}

	allocation := int(scsi.GetInt32(cdb, 6))
	buf := d.ctl.Buffer()
	for i := 0; i < len(buf) && i < allocation; i++ {
		buf[i] = 0
	}

	size := 0
	for _, lun := range d.ctl.LUNs() {
		size += 8
		buf[size+7] = byte(lun)
	}
	scsi.SetInt16(buf, 2, size)

	size += 8
	if allocation < size {
		size = allocation
	}
	d.ctl.SetLength(size)

	d.ctl.EnterDataInPhase()
	return nil
}

func (d *Primary) requestSense() error {
	lun := d.ctl.EffectiveLUN()

	// Non-existing LUNs do not result in CHECK CONDITION; the sense
	// data alone reports the invalid LUN, delivered through LUN 0.
	if !d.ctl.HasDeviceForLUN(lun) {
		lun = 0
		d.ctl.Error(scsi.SenseIllegalRequest, scsi.ASCInvalidLUN, scsi.StatusGood)
	}

	data, err := d.ctl.DeviceForLUN(lun).SenseData()
	if err != nil {
		return err
	}

	allocation := int(d.ctl.CDB()[4])
	if allocation > len(data) {
		allocation = len(data)
	}
	copy(d.ctl.Buffer(), data[:allocation])
	d.ctl.SetLength(allocation)

	d.ctl.EnterDataInPhase()
	return nil
}

// SenseData returns the 18-byte fixed-format sense data for the current
// status code.
func (d *Primary) SenseData() ([]byte, error) {
	// Report not ready only if there is no pending error
	if d.StatusCode() == 0 && !d.IsReady() {
		return nil, scsi.NewError(scsi.SenseNotReady, scsi.ASCMediumNotPresent)
	}

	buf := make([]byte, 18)
	buf[0] = 0x70
	buf[2] = byte(d.StatusCode() >> 16)
	buf[7] = 10
	buf[12] = byte(d.StatusCode() >> 8)
	buf[13] = byte(d.StatusCode())
	return buf, nil
}

func (d *Primary) sendDiagnostic() error {
	cdb := d.ctl.CDB()

	// Neither the PF bit nor a parameter list are supported
	if cdb[1]&0x10 != 0 || cdb[3] != 0 || cdb[4] != 0 {
		return scsi.NewError(scsi.SenseIllegalRequest, scsi.ASCInvalidFieldInCDB)
	}

	d.ctl.EnterStatusPhase()
	return nil
}

func (d *Primary) reserveUnit() error {
	d.reservingInitiator = d.ctl.InitiatorID()
	if d.reservingInitiator != -1 {
		d.l.Tracef("Reserved for initiator ID %d", d.reservingInitiator)
	} else {
		d.l.Trace("Reserved for unknown initiator")
	}

	d.ctl.EnterStatusPhase()
	return nil
}

func (d *Primary) releaseUnit() error {
	d.DiscardReservation()
	d.ctl.EnterStatusPhase()
	return nil
}

// CheckReservation reports whether the command may run for this
// initiator. INQUIRY, REQUEST SENSE and RELEASE always pass, as does
// PREVENT ALLOW MEDIUM REMOVAL with the prevent bit clear.
func (d *Primary) CheckReservation(initiatorID int, cmd scsi.Command, preventRemoval bool) bool {
	if d.reservingInitiator == NotReserved || d.reservingInitiator == initiatorID {
		return true
	}

	if cmd == scsi.CmdInquiry || cmd == scsi.CmdRequestSense || cmd == scsi.CmdRelease6 {
		return true
	}
	if cmd == scsi.CmdPreventAllowRemoval && !preventRemoval {
		return true
	}

	if initiatorID != -1 {
		d.l.Tracef("Initiator ID %d tries to access reserved device", initiatorID)
	} else {
		d.l.Trace("Unknown initiator tries to access reserved device")
	}
	return false
}

func (d *Primary) DiscardReservation() {
	d.reservingInitiator = NotReserved
}

// ReservingInitiator returns the current reservation holder.
func (d *Primary) ReservingInitiator() int { return d.reservingInitiator }

// WriteBytes rejects byte transfers; devices that accept them override.
func (d *Primary) WriteBytes([]byte, uint32) (bool, error) {
	d.l.Error("Writing bytes is not supported by this device")
	return false, nil
}

// FlushCache is a no-op for devices without backing storage.
func (d *Primary) FlushCache() {}
