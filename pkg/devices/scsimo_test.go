// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package devices

import (
	"testing"

	"github.com/goscsi/goscsi/pkg/scsi"
)

func newTestMO(t *testing.T, size int64) (*SCSIMO, *testController) {
	t.Helper()

	mo := NewSCSIMO(0, []int{512, 1024, 2048, 4096})
	if err := mo.Init(nil); err != nil {
		t.Fatal(err)
	}

	mo.SetRegistry(NewRegistry())
	mo.SetFilename(newImageFile(t, "test.mos", size))
	if err := mo.Open(); err != nil {
		t.Fatal(err)
	}
	mo.SetAttn(false)

	ctl := newTestController()
	mo.SetController(ctl)
	ctl.luns[0] = mo
	return mo, ctl
}

// File sizes matching a known capacity force the geometry from the
// table; anything else falls back to 512-byte sectors.
func TestMOGeometryTable(t *testing.T) {
	testCases := []struct {
		name       string
		size       int64
		sectorSize int
		blocks     uint64
	}{
		{"128MB", 512 * 248826, 512, 248826},
		{"230MB", 512 * 446325, 512, 446325},
		{"640MB", 2048 * 310352, 2048, 310352},
		{"Other", 1 << 20, 512, 2048},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			mo, _ := newTestMO(t, tc.size)

			if got := mo.SectorSize(); got != tc.sectorSize {
				t.Errorf("SectorSize = %d; want %d", got, tc.sectorSize)
			}
			if got := mo.BlockCount(); got != tc.blocks {
				t.Errorf("BlockCount = %d; want %d", got, tc.blocks)
			}
		})
	}
}

// The vendor page carries the block count and the per-capacity spare
// and band values host drivers check bit-exactly.
func TestMOVendorPage(t *testing.T) {
	mo, _ := newTestMO(t, 512*248826)

	pages := map[int][]byte{}
	mo.addMOVendorPage(pages, 0x20, false)

	buf, ok := pages[32]
	if !ok {
		t.Fatal("page 32 is missing")
	}
	if len(buf) != 12 {
		t.Fatalf("page length = %d; want 12", len(buf))
	}
	if got := scsi.GetInt32(buf, 4); got != 248826 {
		t.Errorf("block count = %d; want 248826", got)
	}
	if got := scsi.GetInt16(buf, 8); got != 1024 {
		t.Errorf("spare = %d; want 1024", got)
	}
	if got := scsi.GetInt16(buf, 10); got != 1 {
		t.Errorf("bands = %d; want 1", got)
	}
}

func TestMOOptionPage(t *testing.T) {
	mo, ctl := newTestMO(t, 1<<20)

	if err := ctl.dispatch(t, mo, []byte{0x1a, 0x00, 0x06, 0x00, 32, 0x00}); err != nil {
		t.Fatal(err)
	}

	page := ctl.buffer[12:]
	if page[0]&0x3f != 0x06 {
		t.Fatalf("page code = $%02X; want $06", page[0])
	}
	if page[1] != 2 {
		t.Errorf("page length = %d; want 2", page[1])
	}
}

func TestMOInquiryType(t *testing.T) {
	mo, ctl := newTestMO(t, 1<<20)

	if err := ctl.dispatch(t, mo, []byte{0x12, 0x00, 0x00, 0x00, 36, 0x00}); err != nil {
		t.Fatal(err)
	}
	if got := ctl.buffer[0]; got != byte(scsi.TypeOpticalMemory) {
		t.Errorf("device type = $%02X; want $07", got)
	}
	if ctl.buffer[1] != 0x80 {
		t.Errorf("removable flag = $%02X; want $80", ctl.buffer[1])
	}
}
