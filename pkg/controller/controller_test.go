// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package controller

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/goscsi/goscsi/pkg/bus"
	"github.com/goscsi/goscsi/pkg/devices"
	"github.com/goscsi/goscsi/pkg/scsi"
)

// initiator drives the initiator side of the software bus: selection,
// then one REQ/ACK cycle per byte, steered by the phase lines.
type initiator struct {
	t *testing.T
	b *bus.SoftBus

	id int
}

type exchange struct {
	dataIn []byte
	status scsi.Status
	msg    byte
}

// run executes one full command: SELECTION through BUS FREE.
func (i *initiator) run(target int, cdb []byte, dataOut []byte) exchange {
	i.t.Helper()

	i.b.SetDAT(1<<uint(target) | 1<<uint(i.id))
	i.b.SetSEL(true)
	if !i.b.WaitSignal(bus.SigBSY, true) {
		i.t.Fatal("target did not respond to selection")
	}
	i.b.SetSEL(false)

	var ex exchange
	cdbIdx, outIdx := 0, 0

	for {
		if !i.b.WaitSignal(bus.SigREQ, true) {
			i.t.Fatal("target stopped requesting bytes")
		}

		done := false
		switch i.b.Phase() {
		case bus.PhaseCommand:
			i.b.SetDAT(cdb[cdbIdx])
			cdbIdx++
		case bus.PhaseDataOut:
			i.b.SetDAT(dataOut[outIdx])
			outIdx++
		case bus.PhaseDataIn:
			ex.dataIn = append(ex.dataIn, i.b.DAT())
		case bus.PhaseStatus:
			ex.status = scsi.Status(i.b.DAT())
		case bus.PhaseMsgIn:
			ex.msg = i.b.DAT()
			done = true
		default:
			i.t.Fatalf("unexpected phase %v", i.b.Phase())
		}

		i.b.SetACK(true)
		if !i.b.WaitSignal(bus.SigREQ, false) {
			i.t.Fatal("target did not release REQ")
		}
		i.b.SetACK(false)

		if done {
			if !i.b.WaitSignal(bus.SigBSY, false) {
				i.t.Fatal("target did not return to BUS FREE")
			}
			return ex
		}
	}
}

// newTestTarget attaches a flat hard disk at ID 3 LUN 0 and starts the
// bus loop.
func newTestTarget(t *testing.T) (*bus.SoftBus, *Manager) {
	t.Helper()

	b := bus.NewSoftBus()
	m := NewManager(b)

	f := devices.NewFactory()
	hd := f.CreateDevice(devices.KindSCHD, 0, "test.hds")
	if err := hd.Init(nil); err != nil {
		t.Fatal(err)
	}

	storage := hd.(devices.StorageUnit)
	storage.SetRegistry(devices.NewRegistry())

	path := filepath.Join(t.TempDir(), "test.hds")
	if err := os.WriteFile(path, make([]byte, 1<<20), 0o644); err != nil {
		t.Fatal(err)
	}
	storage.SetFilename(path)
	if err := storage.Open(); err != nil {
		t.Fatal(err)
	}

	m.Lock()
	if !m.AttachDevice(3, 0, hd) {
		t.Fatal("attach failed")
	}
	m.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go m.Run(ctx)

	return b, m
}

func TestTestUnitReady(t *testing.T) {
	b, _ := newTestTarget(t)
	ini := &initiator{t: t, b: b, id: 7}

	ex := ini.run(3, []byte{0x00, 0x00, 0x00, 0x00, 0x00, 0x00}, nil)

	if ex.status != scsi.StatusGood {
		t.Errorf("status = $%02X; want $00", byte(ex.status))
	}
	if ex.msg != scsi.MsgCommandComplete {
		t.Errorf("message = $%02X; want $00", ex.msg)
	}
}

func TestInquiryOverBus(t *testing.T) {
	b, _ := newTestTarget(t)
	ini := &initiator{t: t, b: b, id: 7}

	ex := ini.run(3, []byte{0x12, 0x00, 0x00, 0x00, 36, 0x00}, nil)

	if ex.status != scsi.StatusGood {
		t.Fatalf("status = $%02X; want $00", byte(ex.status))
	}
	if len(ex.dataIn) != 36 {
		t.Fatalf("received %d bytes; want 36", len(ex.dataIn))
	}
	if ex.dataIn[0] != 0x00 || ex.dataIn[4] != 0x1f {
		t.Errorf("INQUIRY data = % X", ex.dataIn[:8])
	}
}

// WRITE(10) of two blocks followed by READ(10) returns identical bytes
// through the full phase engine.
func TestWriteReadOverBus(t *testing.T) {
	b, _ := newTestTarget(t)
	ini := &initiator{t: t, b: b, id: 7}

	payload := bytes.Repeat([]byte{0xc3, 0x3c}, 512)

	ex := ini.run(3, []byte{
		0x2a, 0x00, 0x00, 0x00, 0x00, 0x10, 0x00, 0x00, 0x02, 0x00,
	}, payload)
	if ex.status != scsi.StatusGood {
		t.Fatalf("WRITE status = $%02X; want $00", byte(ex.status))
	}

	ex = ini.run(3, []byte{
		0x28, 0x00, 0x00, 0x00, 0x00, 0x10, 0x00, 0x00, 0x02, 0x00,
	}, nil)
	if ex.status != scsi.StatusGood {
		t.Fatalf("READ status = $%02X; want $00", byte(ex.status))
	}
	if !bytes.Equal(ex.dataIn, payload) {
		t.Error("read data differs from written data")
	}
}

// Initiator 7 reserves the unit: initiator 6 gets RESERVATION CONFLICT
// for a WRITE but GOOD for an INQUIRY.
func TestReservationConflictOverBus(t *testing.T) {
	b, _ := newTestTarget(t)
	holder := &initiator{t: t, b: b, id: 7}
	other := &initiator{t: t, b: b, id: 6}

	ex := holder.run(3, []byte{0x16, 0x00, 0x00, 0x00, 0x00, 0x00}, nil)
	if ex.status != scsi.StatusGood {
		t.Fatalf("RESERVE status = $%02X; want $00", byte(ex.status))
	}

	ex = other.run(3, []byte{
		0x2a, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x01, 0x00,
	}, nil)
	if ex.status != scsi.StatusReservationConflict {
		t.Errorf("WRITE status = $%02X; want $18", byte(ex.status))
	}

	ex = other.run(3, []byte{0x12, 0x00, 0x00, 0x00, 36, 0x00}, nil)
	if ex.status != scsi.StatusGood {
		t.Errorf("INQUIRY status = $%02X; want $00", byte(ex.status))
	}

	// RELEASE by the holder frees the unit for everyone
	ex = holder.run(3, []byte{0x17, 0x00, 0x00, 0x00, 0x00, 0x00}, nil)
	if ex.status != scsi.StatusGood {
		t.Fatalf("RELEASE status = $%02X; want $00", byte(ex.status))
	}
	ex = other.run(3, []byte{
		0x2a, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x01, 0x00,
	}, bytes.Repeat([]byte{0xee}, 512))
	if ex.status != scsi.StatusGood {
		t.Errorf("WRITE after RELEASE status = $%02X; want $00", byte(ex.status))
	}
}

// Commands to an unbound LUN: INQUIRY reports type 0x7F, everything else
// CHECK CONDITION with INVALID LUN delivered by REQUEST SENSE.
func TestUnsupportedLUNOverBus(t *testing.T) {
	b, _ := newTestTarget(t)
	ini := &initiator{t: t, b: b, id: 7}

	// LUN 2 in CDB byte 1 bits 5..7
	ex := ini.run(3, []byte{0x12, 0x40, 0x00, 0x00, 36, 0x00}, nil)
	if ex.status != scsi.StatusGood {
		t.Fatalf("INQUIRY status = $%02X; want $00", byte(ex.status))
	}
	if ex.dataIn[0] != 0x7f {
		t.Errorf("INQUIRY byte 0 = $%02X; want $7F", ex.dataIn[0])
	}

	ex = ini.run(3, []byte{0x00, 0x40, 0x00, 0x00, 0x00, 0x00}, nil)
	if ex.status != scsi.StatusCheckCondition {
		t.Fatalf("TUR status = $%02X; want $02", byte(ex.status))
	}

	ex = ini.run(3, []byte{0x03, 0x40, 0x00, 0x00, 18, 0x00}, nil)
	if ex.status != scsi.StatusGood {
		t.Fatalf("REQUEST SENSE status = $%02X; want $00", byte(ex.status))
	}
	if ex.dataIn[2] != byte(scsi.SenseIllegalRequest) || ex.dataIn[12] != byte(scsi.ASCInvalidLUN) {
		t.Errorf("sense = $%02X/$%02X; want $05/$25", ex.dataIn[2], ex.dataIn[12])
	}
}

// A selection for an ID we do not serve is ignored and the bus becomes
// available again.
func TestSelectionForOtherTarget(t *testing.T) {
	b, _ := newTestTarget(t)

	b.SetDAT(1 << 5)
	b.SetSEL(true)
	time.Sleep(50 * time.Millisecond)
	if b.BSY() {
		t.Error("target responded to a foreign selection")
	}
	b.SetSEL(false)

	// Our own selection still works afterwards
	ini := &initiator{t: t, b: b, id: 7}
	ex := ini.run(3, []byte{0x00, 0x00, 0x00, 0x00, 0x00, 0x00}, nil)
	if ex.status != scsi.StatusGood {
		t.Errorf("status = $%02X; want $00", byte(ex.status))
	}
}

func TestAttachDetachRules(t *testing.T) {
	b := bus.NewSoftBus()
	m := NewManager(b)

	newHD := func() devices.Unit {
		hd := devices.NewSCSIHD(0, []int{512}, false, scsi.LevelSCSI2)
		if err := hd.Init(nil); err != nil {
			t.Fatal(err)
		}
		return hd
	}

	m.Lock()
	defer m.Unlock()

	// A LUN above 0 requires LUN 0 first
	if m.AttachDevice(2, 1, newHD()) {
		t.Error("LUN 1 attached without LUN 0")
	}
	if !m.AttachDevice(2, 0, newHD()) {
		t.Fatal("can't attach LUN 0")
	}
	if !m.AttachDevice(2, 1, newHD()) {
		t.Fatal("can't attach LUN 1")
	}

	// Detaching LUN 0 is rejected while LUN 1 exists
	if m.DetachDevice(2, 0) {
		t.Error("LUN 0 detached while LUN 1 exists")
	}
	if !m.DetachDevice(2, 1) {
		t.Fatal("can't detach LUN 1")
	}
	if !m.DetachDevice(2, 0) {
		t.Fatal("can't detach LUN 0")
	}

	// The controller is gone with its last LUN
	if m.HasController(2) {
		t.Error("controller survived the last detach")
	}
}
