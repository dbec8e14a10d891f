// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package controller runs the target-side SCSI state machine: one
// controller per target ID accepts a CDB from the bus, routes it to the
// addressed logical unit and sequences the data, status and message
// phases for the command.
package controller

import (
	"sort"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"github.com/goscsi/goscsi/pkg/bus"
	"github.com/goscsi/goscsi/pkg/devices"
	"github.com/goscsi/goscsi/pkg/scsi"
)

// The transfer buffer starts at 64 KiB and is lazily grown to the
// largest size ever requested, never shrunk during a session.
const defaultBufferSize = 0x10000

var commandsExecuted = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "goscsi_commands_executed_total",
	Help: "SCSI commands dispatched to devices",
}, []string{"id", "status"})

func init() {
	prometheus.MustRegister(commandsExecuted)
}

// Controller serves one target ID. It owns its logical units; devices
// reach back only through the devices.Controller interface.
type Controller struct {
	bus bus.Bus
	id  int

	luns map[int]devices.Unit

	cdb    []byte
	buffer []byte

	length       int
	blocks       uint32
	next         uint64
	byteTransfer bool

	status      scsi.Status
	message     byte
	initiatorID int
	identified  int // LUN from IDENTIFY, -1 if none

	nextPhase bus.Phase
	shutdown  devices.ShutdownMode

	l *log.Entry
}

func newController(b bus.Bus, id int) *Controller {
	return &Controller{
		bus:        b,
		id:         id,
		luns:       map[int]devices.Unit{},
		cdb:        make([]byte, 16),
		buffer:     make([]byte, defaultBufferSize),
		identified: -1,
		l:          log.WithField("id", id),
	}
}

// --- devices.Controller ---

func (c *Controller) TargetID() int     { return c.id }
func (c *Controller) InitiatorID() int  { return c.initiatorID }
func (c *Controller) CDB() scsi.CDB     { return scsi.CDB(c.cdb) }
func (c *Controller) Buffer() []byte    { return c.buffer }
func (c *Controller) Length() int       { return c.length }
func (c *Controller) SetLength(n int)   { c.length = n }
func (c *Controller) SetBlocks(n uint32) { c.blocks = n }
func (c *Controller) SetNext(n uint64)  { c.next = n }

func (c *Controller) AllocateBuffer(size int) []byte {
	if size > len(c.buffer) {
		c.buffer = append(c.buffer, make([]byte, size-len(c.buffer))...)
	}
	return c.buffer
}

func (c *Controller) SetByteTransfer(b bool) { c.byteTransfer = b }

func (c *Controller) SetStatus(s scsi.Status) { c.status = s }

// Error records sense data on the addressed device and sets the command
// status. The sense data is delivered on the next REQUEST SENSE.
func (c *Controller) Error(key scsi.SenseKey, code scsi.ASC, status scsi.Status) {
	lun := c.EffectiveLUN()
	if _, ok := c.luns[lun]; !ok {
		lun = 0
	}
	if dev, ok := c.luns[lun]; ok {
		if key != scsi.SenseNoSense || code != scsi.ASCNoAdditionalSense {
			if p, ok := dev.(interface{ SetStatusCode(int) }); ok {
				p.SetStatusCode(int(key)<<16 | int(code)<<8)
			}
		}
	}
	c.status = status
}

// EffectiveLUN is the LUN field of CDB byte 1 when it is non-zero; a
// zero CDB LUN falls back to the LUN of an IDENTIFY message, if one was
// received.
func (c *Controller) EffectiveLUN() int {
	if lun := scsi.CDB(c.cdb).LUN(); lun != 0 || c.identified < 0 {
		return lun
	}
	return c.identified
}

func (c *Controller) HasDeviceForLUN(lun int) bool {
	_, ok := c.luns[lun]
	return ok
}

func (c *Controller) DeviceForLUN(lun int) devices.Unit {
	return c.luns[lun]
}

// LUNs returns the bound logical unit numbers in ascending order.
func (c *Controller) LUNs() []int {
	luns := make([]int, 0, len(c.luns))
	for lun := range c.luns {
		luns = append(luns, lun)
	}
	sort.Ints(luns)
	return luns
}

func (c *Controller) ScheduleShutdown(mode devices.ShutdownMode) {
	c.shutdown = mode
}

func (c *Controller) EnterStatusPhase()  { c.nextPhase = bus.PhaseStatus }
func (c *Controller) EnterDataInPhase()  { c.nextPhase = bus.PhaseDataIn }
func (c *Controller) EnterDataOutPhase() { c.nextPhase = bus.PhaseDataOut }

// --- LUN table ---

// attach binds a device to a LUN. A LUN above 0 requires LUN 0 to exist.
func (c *Controller) attach(lun int, dev devices.Unit) bool {
	if lun < 0 || lun >= scsi.MaxLUN {
		return false
	}
	if _, ok := c.luns[lun]; ok {
		return false
	}
	if lun > 0 {
		if _, ok := c.luns[0]; !ok {
			return false
		}
	}

	c.luns[lun] = dev
	dev.SetController(c)
	return true
}

// detach removes a device. Detaching LUN 0 is rejected while any higher
// LUN exists.
func (c *Controller) detach(lun int) bool {
	if _, ok := c.luns[lun]; !ok {
		return false
	}
	if lun == 0 && len(c.luns) > 1 {
		return false
	}

	c.luns[lun].CleanUp()
	delete(c.luns, lun)
	return true
}

// --- phase engine ---

// Process runs one command to completion: SELECTION through BUS FREE.
func (c *Controller) Process(initiatorID int) devices.ShutdownMode {
	c.initiatorID = initiatorID
	c.identified = -1
	c.shutdown = devices.ShutdownNone

	// Respond to selection, then wait for the initiator to release SEL
	c.bus.SetBSY(true)
	if !c.bus.WaitSignal(bus.SigSEL, false) {
		c.busFree()
		return devices.ShutdownNone
	}

	if c.bus.ATN() {
		if !c.messageOut() {
			c.busFree()
			return devices.ShutdownNone
		}
	}

	c.command()
	c.busFree()
	return c.shutdown
}

// messageOut receives initiator messages after selection. ABORT, BUS
// DEVICE RESET and IDENTIFY are honored, everything else is accepted
// and discarded. Returns false when the command must not proceed.
func (c *Controller) messageOut() bool {
	c.bus.SetMSG(true)
	c.bus.SetCD(true)
	c.bus.SetIO(false)

	msg := make([]byte, 1)
	for {
		if c.bus.ReceiveHandshake(msg) != 1 {
			return false
		}

		switch {
		case msg[0] >= scsi.MsgIdentify:
			c.identified = int(msg[0] & 0x1f)

		case msg[0] == scsi.MsgAbort:
			c.l.Trace("Received ABORT message")
			return false

		case msg[0] == scsi.MsgBusDeviceReset:
			c.l.Trace("Received BUS DEVICE RESET message")
			c.resetDevices()
			return false

		default:
			c.l.Tracef("Ignoring message $%02X", msg[0])
		}

		// The initiator holds ATN until its last message byte
		if !c.bus.ATN() {
			return true
		}
	}
}

// command receives the CDB and executes it.
func (c *Controller) command() {
	c.bus.SetMSG(false)
	c.bus.SetCD(true)
	c.bus.SetIO(false)

	n := c.bus.CommandHandshake(c.cdb)
	if n == 0 || n != scsi.CommandByteCount(c.cdb[0]) {
		c.l.Trace("Command phase aborted")
		return
	}

	c.execute()
}

// execute dispatches the CDB per the LUN, reservation and attention
// rules and then runs the phases the handler selected.
func (c *Controller) execute() {
	cmd := scsi.CDB(c.cdb).Opcode()

	c.length = 0
	c.blocks = 1
	c.next = 0
	c.byteTransfer = false
	c.status = scsi.StatusGood
	c.message = scsi.MsgCommandComplete
	c.nextPhase = bus.PhaseBusFree

	lun := c.EffectiveLUN()
	dev, ok := c.luns[lun]

	// The SCSI "LUN not supported" rules: INQUIRY reports a type of
	// 0x7F, REQUEST SENSE delivers the invalid LUN through LUN 0 with
	// GOOD status, REPORT LUNS still runs against LUN 0.
	if !ok {
		if cmd != scsi.CmdInquiry && cmd != scsi.CmdRequestSense && cmd != scsi.CmdReportLuns {
			c.Error(scsi.SenseIllegalRequest, scsi.ASCInvalidLUN, scsi.StatusCheckCondition)
			c.l.Tracef("LUN %d is not supported", lun)
			c.statusPhase()
			c.messageIn()
			return
		}

		dev, ok = c.luns[0]
		if !ok {
			return
		}
		lun = 0
	}

	// An unreserved REQUEST SENSE must not deliver stale sense data
	if cmd != scsi.CmdRequestSense {
		if p, ok := dev.(interface{ SetStatusCode(int) }); ok {
			p.SetStatusCode(0)
		}
	}

	preventRemoval := cmd == scsi.CmdPreventAllowRemoval && c.cdb[4]&0x01 != 0
	if !dev.CheckReservation(c.initiatorID, cmd, preventRemoval) {
		c.status = scsi.StatusReservationConflict
		commandsExecuted.WithLabelValues(label(c.id), "reservation_conflict").Inc()
		c.statusPhase()
		c.messageIn()
		return
	}

	if err := dev.Dispatch(cmd); err != nil {
		c.handleError(dev, err)
		commandsExecuted.WithLabelValues(label(c.id), "check_condition").Inc()
		c.statusPhase()
		c.messageIn()
		return
	}
	commandsExecuted.WithLabelValues(label(c.id), "good").Inc()

	switch c.nextPhase {
	case bus.PhaseDataIn:
		c.dataIn(dev)
	case bus.PhaseDataOut:
		c.dataOut(dev, cmd)
	}

	c.statusPhase()
	c.messageIn()
}

// handleError is the single catch point for SCSI errors raised by
// handlers.
func (c *Controller) handleError(dev devices.Unit, err error) {
	if serr, ok := err.(*scsi.Error); ok {
		if p, ok := dev.(interface{ SetStatusCode(int) }); ok {
			p.SetStatusCode(serr.StatusCode())
		}
		c.status = serr.Status
		return
	}

	c.l.Warnf("Internal error during command execution: %v", err)
	if p, ok := dev.(interface{ SetStatusCode(int) }); ok {
		p.SetStatusCode(int(scsi.SenseAbortedCommand) << 16)
	}
	c.status = scsi.StatusCheckCondition
}

// dataIn sends the prepared buffer and continues block by block until
// all blocks are transferred.
func (c *Controller) dataIn(dev devices.Unit) {
	c.bus.SetMSG(false)
	c.bus.SetCD(false)
	c.bus.SetIO(true)

	for {
		if c.length > 0 {
			if c.bus.SendHandshake(c.buffer[:c.length], dev.SendDelay()) != c.length {
				c.l.Trace("DATA IN phase aborted")
				return
			}
		}

		if c.blocks > 0 {
			c.blocks--
		}
		if c.blocks == 0 {
			return
		}

		reader, ok := dev.(devices.BlockReader)
		if !ok {
			return
		}
		n, err := reader.ReadBlock(c.buffer, c.next)
		if err != nil {
			c.handleError(dev, err)
			return
		}
		c.length = n
		c.next++
	}
}

// dataOut receives the announced bytes and hands them to the device:
// byte transfers go to WriteBytes, MODE SELECT to the mode page layer,
// everything else block by block to the block writer.
func (c *Controller) dataOut(dev devices.Unit, cmd scsi.Command) {
	c.bus.SetMSG(false)
	c.bus.SetCD(false)
	c.bus.SetIO(false)

	for {
		if c.length > 0 {
			if c.bus.ReceiveHandshake(c.buffer[:c.length]) != c.length {
				c.l.Trace("DATA OUT phase aborted")
				return
			}
		}

		if c.byteTransfer {
			ok, err := dev.WriteBytes(c.buffer, uint32(c.length))
			if err != nil {
				c.handleError(dev, err)
			} else if !ok {
				c.Error(scsi.SenseAbortedCommand, scsi.ASCNoAdditionalSense, scsi.StatusCheckCondition)
			}
			return
		}

		if cmd == scsi.CmdModeSelect6 || cmd == scsi.CmdModeSelect10 {
			if ms, ok := dev.(devices.ModeSelector); ok {
				if err := ms.ModeSelect(cmd, scsi.CDB(c.cdb), c.buffer, c.length); err != nil {
					c.handleError(dev, err)
				}
			}
			return
		}

		// VERIFY data is received and discarded; only the write
		// commands reach the block writer.
		if cmd == scsi.CmdWrite6 || cmd == scsi.CmdWrite10 || cmd == scsi.CmdWrite16 {
			if writer, ok := dev.(devices.BlockWriter); ok && c.next > 0 {
				if err := writer.WriteBlock(c.buffer[:c.length], c.next-1); err != nil {
					c.handleError(dev, err)
					return
				}
				c.next++
			}
		}

		if c.blocks > 0 {
			c.blocks--
		}
		if c.blocks == 0 {
			return
		}
	}
}

func (c *Controller) statusPhase() {
	c.bus.SetMSG(false)
	c.bus.SetCD(true)
	c.bus.SetIO(true)

	c.bus.SendHandshake([]byte{byte(c.status)}, -1)
}

func (c *Controller) messageIn() {
	c.bus.SetMSG(true)
	c.bus.SetCD(true)
	c.bus.SetIO(true)

	c.bus.SendHandshake([]byte{c.message}, -1)
}

func (c *Controller) busFree() {
	c.bus.SetMSG(false)
	c.bus.SetCD(false)
	c.bus.SetIO(false)
	c.bus.SetREQ(false)
	c.bus.SetBSY(false)
}

// resetDevices propagates a bus or device reset to all logical units.
// The reservation of the resetting initiator is released; dirty cache
// data is deliberately not flushed.
func (c *Controller) resetDevices() {
	for _, dev := range c.luns {
		dev.ResetUnit()
	}
}

func label(id int) string {
	return strconv.Itoa(id)
}
