// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package devices

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/goscsi/goscsi/pkg/scsi"
)

// testController satisfies the Controller interface for device-level
// tests and records what the device asked for.
type testController struct {
	id          int
	initiatorID int

	cdb    []byte
	buffer []byte

	length       int
	blocks       uint32
	next         uint64
	byteTransfer bool

	status scsi.Status
	luns   map[int]Unit

	phase    string
	shutdown ShutdownMode
}

func newTestController() *testController {
	return &testController{
		id:          3,
		initiatorID: 7,
		buffer:      make([]byte, 0x10000),
		luns:        map[int]Unit{},
	}
}

func (c *testController) TargetID() int            { return c.id }
func (c *testController) InitiatorID() int         { return c.initiatorID }
func (c *testController) CDB() scsi.CDB            { return scsi.CDB(c.cdb) }
func (c *testController) Buffer() []byte           { return c.buffer }
func (c *testController) Length() int              { return c.length }
func (c *testController) SetLength(n int)          { c.length = n }
func (c *testController) SetBlocks(n uint32)       { c.blocks = n }
func (c *testController) SetNext(n uint64)         { c.next = n }
func (c *testController) SetByteTransfer(b bool)   { c.byteTransfer = b }
func (c *testController) SetStatus(s scsi.Status)  { c.status = s }
func (c *testController) EnterStatusPhase()        { c.phase = "status" }
func (c *testController) EnterDataInPhase()        { c.phase = "datain" }
func (c *testController) EnterDataOutPhase()       { c.phase = "dataout" }

func (c *testController) AllocateBuffer(size int) []byte {
	if size > len(c.buffer) {
		c.buffer = append(c.buffer, make([]byte, size-len(c.buffer))...)
	}
	return c.buffer
}

func (c *testController) Error(key scsi.SenseKey, code scsi.ASC, status scsi.Status) {
	c.status = status
}

func (c *testController) EffectiveLUN() int {
	return scsi.CDB(c.cdb).LUN()
}

func (c *testController) HasDeviceForLUN(lun int) bool {
	_, ok := c.luns[lun]
	return ok
}

func (c *testController) DeviceForLUN(lun int) Unit { return c.luns[lun] }

func (c *testController) LUNs() []int {
	var luns []int
	for lun := range c.luns {
		luns = append(luns, lun)
	}
	return luns
}

func (c *testController) ScheduleShutdown(mode ShutdownMode) { c.shutdown = mode }

// dispatch runs one command against the device through its handler
// table.
func (c *testController) dispatch(t *testing.T, dev Unit, cdb []byte) error {
	t.Helper()
	c.cdb = cdb
	c.phase = ""
	c.byteTransfer = false
	return dev.Dispatch(scsi.CDB(cdb).Opcode())
}

// expectSense asserts that err is a SCSI error with the given sense data.
func expectSense(t *testing.T, err error, key scsi.SenseKey, code scsi.ASC) {
	t.Helper()
	serr, ok := err.(*scsi.Error)
	if !ok {
		t.Fatalf("expected a SCSI error, got %v", err)
	}
	if serr.Key != key || serr.Code != code {
		t.Fatalf("sense = $%02X/$%02X; want $%02X/$%02X",
			byte(serr.Key), byte(serr.Code), byte(key), byte(code))
	}
}

// newImageFile creates a flat image file of the given size.
func newImageFile(t *testing.T, name string, size int64) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, make([]byte, size), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

// newTestHD attaches a flat hard disk image to a fresh test controller.
func newTestHD(t *testing.T, size int64) (*SCSIHD, *testController) {
	t.Helper()

	hd := NewSCSIHD(0, []int{512, 1024, 2048, 4096}, false, scsi.LevelSCSI2)
	if err := hd.Init(nil); err != nil {
		t.Fatal(err)
	}

	hd.SetRegistry(NewRegistry())
	hd.SetFilename(newImageFile(t, "test.hds", size))
	if err := hd.Open(); err != nil {
		t.Fatal(err)
	}

	ctl := newTestController()
	hd.SetController(ctl)
	ctl.luns[0] = hd
	return hd, ctl
}
