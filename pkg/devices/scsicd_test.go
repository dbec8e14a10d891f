// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package devices

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/goscsi/goscsi/pkg/scsi"
)

func newTestCD(t *testing.T, size int64) (*SCSICD, *testController) {
	t.Helper()

	cd := NewSCSICD(0, []int{512, 2048}, scsi.LevelSCSI2)
	if err := cd.Init(nil); err != nil {
		t.Fatal(err)
	}

	cd.SetRegistry(NewRegistry())
	cd.SetFilename(newImageFile(t, "test.iso", size))
	if err := cd.Open(); err != nil {
		t.Fatal(err)
	}
	cd.SetAttn(false)

	ctl := newTestController()
	cd.SetController(ctl)
	ctl.luns[0] = cd
	return cd, ctl
}

// A 10-sector ISO (20480 bytes): READ TOC returns the header and one
// data track descriptor at LBA 0.
func TestReadToc(t *testing.T) {
	cd, ctl := newTestCD(t, 20480)

	if err := ctl.dispatch(t, cd, []byte{
		0x43, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 12, 0x00,
	}); err != nil {
		t.Fatal(err)
	}

	want := []byte{
		0x00, 0x0a, 0x01, 0x01,
		0x00, 0x14, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00,
	}
	if !bytes.Equal(ctl.buffer[:12], want) {
		t.Errorf("READ TOC = % X; want % X", ctl.buffer[:12], want)
	}
	if ctl.length != 12 {
		t.Errorf("length = %d; want 12", ctl.length)
	}
}

func TestReadTocLeadOut(t *testing.T) {
	cd, ctl := newTestCD(t, 20480)

	if err := ctl.dispatch(t, cd, []byte{
		0x43, 0x00, 0x00, 0x00, 0x00, 0x00, 0xaa, 0x00, 12, 0x00,
	}); err != nil {
		t.Fatal(err)
	}

	buf := ctl.buffer
	if buf[6] != 0xaa {
		t.Errorf("lead-out track = $%02X; want $AA", buf[6])
	}
	// Lead-out LBA is last LBA + 1 = 10
	if got := scsi.GetInt16(buf, 10); got != 10 {
		t.Errorf("lead-out LBA = %d; want 10", got)
	}
}

func TestReadTocInvalidTrack(t *testing.T) {
	cd, ctl := newTestCD(t, 20480)

	err := ctl.dispatch(t, cd, []byte{
		0x43, 0x00, 0x00, 0x00, 0x00, 0x00, 0x02, 0x00, 12, 0x00,
	})
	expectSense(t, err, scsi.SenseIllegalRequest, scsi.ASCInvalidFieldInCDB)
}

// READ of the block just below the lead-out succeeds, the lead-out
// itself is out of range.
func TestReadAtLeadOut(t *testing.T) {
	cd, ctl := newTestCD(t, 20480)

	if err := ctl.dispatch(t, cd, []byte{
		0x28, 0x00, 0x00, 0x00, 0x00, 0x09, 0x00, 0x00, 0x01, 0x00,
	}); err != nil {
		t.Fatal(err)
	}

	err := ctl.dispatch(t, cd, []byte{
		0x28, 0x00, 0x00, 0x00, 0x00, 0x0a, 0x00, 0x00, 0x01, 0x00,
	})
	expectSense(t, err, scsi.SenseIllegalRequest, scsi.ASCLBAOutOfRange)
}

func TestLBAtoMSF(t *testing.T) {
	testCases := []struct {
		name string
		lba  uint32
		want []byte
	}{
		{"Zero", 0, []byte{0x00, 0, 2, 0}},
		{"OneSecond", 75, []byte{0x00, 0, 3, 0}},
		{"Carry", 75 * 58, []byte{0x00, 1, 0, 0}},
		{"OneMinute", 75 * 60, []byte{0x00, 1, 2, 0}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := make([]byte, 4)
			lbaToMSF(tc.lba, got)
			if !bytes.Equal(got, tc.want) {
				t.Errorf("lbaToMSF(%d) = % X; want % X", tc.lba, got, tc.want)
			}
		})
	}
}

func TestOpenRawCD(t *testing.T) {
	// Two raw 2352-byte MODE1 sectors
	data := make([]byte, 2*2352)
	for s := 0; s < 2; s++ {
		sync := data[s*2352:]
		for i := 1; i <= 10; i++ {
			sync[i] = 0xff
		}
		sync[15] = 0x01
	}

	path := filepath.Join(t.TempDir(), "raw.iso")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	cd := NewSCSICD(0, []int{512, 2048}, scsi.LevelSCSI2)
	if err := cd.Init(nil); err != nil {
		t.Fatal(err)
	}
	cd.SetRegistry(NewRegistry())
	cd.SetFilename(path)
	if err := cd.Open(); err != nil {
		t.Fatal(err)
	}

	if !cd.rawfile {
		t.Error("raw file was not detected")
	}
	if cd.BlockCount() != 2 {
		t.Errorf("BlockCount = %d; want 2", cd.BlockCount())
	}
}

func TestOpenCueSheetRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disc.iso")
	content := append([]byte(`FILE "disc.bin" BINARY`), make([]byte, 4096)...)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatal(err)
	}

	cd := NewSCSICD(0, []int{512, 2048}, scsi.LevelSCSI2)
	if err := cd.Init(nil); err != nil {
		t.Fatal(err)
	}
	cd.SetRegistry(NewRegistry())
	cd.SetFilename(path)
	if err := cd.Open(); err == nil {
		t.Error("CUE sheet was accepted")
	}
}

func TestCDModePages(t *testing.T) {
	cd, ctl := newTestCD(t, 20480)

	if err := ctl.dispatch(t, cd, []byte{0x1a, 0x00, 0x0d, 0x00, 32, 0x00}); err != nil {
		t.Fatal(err)
	}

	// Page 13 after header and block descriptor
	page := ctl.buffer[12:]
	if page[0]&0x3f != 0x0d {
		t.Fatalf("page code = $%02X; want $0D", page[0])
	}
	if page[3] != 0x05 {
		t.Errorf("inactivity timer = $%02X; want $05", page[3])
	}
	if page[5] != 60 || page[7] != 75 {
		t.Errorf("MSF multiples = %d/%d; want 60/75", page[5], page[7])
	}
}

func TestCDIsReadOnly(t *testing.T) {
	cd, _ := newTestCD(t, 20480)

	if !cd.IsReadOnly() {
		t.Error("CD-ROM is not read-only")
	}
	if cd.IsProtectable() {
		t.Error("CD-ROM is protectable")
	}
}
