// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package devices

import (
	"bytes"
	"os"
	"testing"

	"github.com/goscsi/goscsi/pkg/scsi"
)

// A 1 MiB flat image with 512-byte sectors has 0x800 blocks: READ
// CAPACITY(10) reports last LBA 0x7FF and block length 0x200.
func TestReadCapacity10(t *testing.T) {
	hd, ctl := newTestHD(t, 1<<20)

	if err := ctl.dispatch(t, hd, []byte{
		0x25, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	}); err != nil {
		t.Fatal(err)
	}

	want := []byte{0x00, 0x00, 0x07, 0xff, 0x00, 0x00, 0x02, 0x00}
	if !bytes.Equal(ctl.buffer[:8], want) {
		t.Errorf("READ CAPACITY(10) = % X; want % X", ctl.buffer[:8], want)
	}
	if ctl.length != 8 {
		t.Errorf("length = %d; want 8", ctl.length)
	}
}

func TestReadCapacity16(t *testing.T) {
	hd, ctl := newTestHD(t, 1<<20)

	if err := ctl.dispatch(t, hd, []byte{
		0x9e, 0x10, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 32, 0, 0,
	}); err != nil {
		t.Fatal(err)
	}

	if got := scsi.GetInt64(ctl.buffer, 0); got != 0x7ff {
		t.Errorf("last LBA = %d; want 2047", got)
	}
	if got := scsi.GetInt32(ctl.buffer, 8); got != 512 {
		t.Errorf("block length = %d; want 512", got)
	}
	if ctl.length != 14 {
		t.Errorf("length = %d; want 14", ctl.length)
	}
}

func TestRead6CountZeroMeans256(t *testing.T) {
	hd, ctl := newTestHD(t, 1<<20)

	if err := ctl.dispatch(t, hd, []byte{0x08, 0x00, 0x00, 0x00, 0x00, 0x00}); err != nil {
		t.Fatal(err)
	}

	if ctl.blocks != 256 {
		t.Errorf("blocks = %d; want 256", ctl.blocks)
	}
	if ctl.phase != "datain" {
		t.Errorf("phase = %s; want datain", ctl.phase)
	}
	if ctl.next != 1 {
		t.Errorf("next = %d; want 1", ctl.next)
	}
}

func TestRead10CountZeroIsNoop(t *testing.T) {
	hd, ctl := newTestHD(t, 1<<20)

	if err := ctl.dispatch(t, hd, []byte{
		0x28, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	}); err != nil {
		t.Fatal(err)
	}
	if ctl.phase != "status" {
		t.Errorf("phase = %s; want status", ctl.phase)
	}
}

func TestReadLBAOutOfRange(t *testing.T) {
	hd, ctl := newTestHD(t, 1<<20)

	// LBA 0x800 is one past the end
	err := ctl.dispatch(t, hd, []byte{
		0x28, 0x00, 0x00, 0x00, 0x08, 0x00, 0x00, 0x00, 0x01, 0x00,
	})
	expectSense(t, err, scsi.SenseIllegalRequest, scsi.ASCLBAOutOfRange)

	// The last valid LBA still works
	if err := ctl.dispatch(t, hd, []byte{
		0x28, 0x00, 0x00, 0x00, 0x07, 0xff, 0x00, 0x00, 0x01, 0x00,
	}); err != nil {
		t.Fatal(err)
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	hd, ctl := newTestHD(t, 1<<20)

	want := bytes.Repeat([]byte{0x5a}, 512)
	if err := hd.WriteBlock(want, 17); err != nil {
		t.Fatal(err)
	}

	got := make([]byte, 512)
	if _, err := hd.ReadBlock(got, 17); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, want) {
		t.Error("read after write differs")
	}
	_ = ctl
}

func TestWriteProtected(t *testing.T) {
	hd, ctl := newTestHD(t, 1<<20)
	hd.SetProtected(true)

	err := ctl.dispatch(t, hd, []byte{
		0x2a, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x01, 0x00,
	})
	expectSense(t, err, scsi.SenseDataProtect, scsi.ASCWriteProtected)
}

func TestReadWriteLong(t *testing.T) {
	hd, ctl := newTestHD(t, 1<<20)

	// Transfer length 0 is the SCSI-compliant no-op probe
	if err := ctl.dispatch(t, hd, []byte{
		0x3e, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	}); err != nil {
		t.Fatal(err)
	}
	if ctl.phase != "status" {
		t.Errorf("phase = %s; want status", ctl.phase)
	}

	// Any other length is rejected
	err := ctl.dispatch(t, hd, []byte{
		0x3e, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x01, 0x00,
	})
	expectSense(t, err, scsi.SenseIllegalRequest, scsi.ASCInvalidFieldInCDB)
}

// Ejecting a removable disk reports UNIT ATTENTION on the next access
// exactly once, then NOT READY.
func TestEjectUnitAttention(t *testing.T) {
	hd := NewSCSIHD(0, []int{512}, true, scsi.LevelSCSI2)
	if err := hd.Init(nil); err != nil {
		t.Fatal(err)
	}
	hd.SetRegistry(NewRegistry())
	hd.SetFilename(newImageFile(t, "test.hdr", 1<<20))
	if err := hd.Open(); err != nil {
		t.Fatal(err)
	}
	ctl := newTestController()
	hd.SetController(ctl)
	ctl.luns[0] = hd

	if !hd.Eject(true) {
		t.Fatal("Eject failed")
	}
	hd.SetMediumChanged(true)

	tur := []byte{0x00, 0x00, 0x00, 0x00, 0x00, 0x00}

	err := ctl.dispatch(t, hd, tur)
	expectSense(t, err, scsi.SenseUnitAttention, scsi.ASCNotReadyToReadyChange)

	err = ctl.dispatch(t, hd, tur)
	expectSense(t, err, scsi.SenseNotReady, scsi.ASCMediumNotPresent)
}

// MODE SENSE(6) for the caching page on a write-protected disk:
// header, block descriptor and page 8 with pre-fetch disabled.
func TestModeSensePage8(t *testing.T) {
	hd, ctl := newTestHD(t, 1<<20)
	hd.SetProtected(true)

	if err := ctl.dispatch(t, hd, []byte{0x1a, 0x00, 0x08, 0x00, 32, 0x00}); err != nil {
		t.Fatal(err)
	}

	want := []byte{
		// Mode parameter header
		0x14, 0x00, 0x80, 0x08,
		// Block descriptor: block count and block length
		0x00, 0x00, 0x08, 0x00, 0x00, 0x00, 0x02, 0x00,
		// Caching page
		0x08, 0x0a, 0x00, 0x00, 0xff, 0xff, 0x00, 0x00, 0xff, 0xff, 0xff, 0xff,
	}
	if !bytes.Equal(ctl.buffer[:len(want)], want) {
		t.Errorf("MODE SENSE = % X; want % X", ctl.buffer[:len(want)], want)
	}
	if ctl.length != len(want) {
		t.Errorf("length = %d; want %d", ctl.length, len(want))
	}
}

// All pages are emitted in ascending page-code order.
func TestModeSenseAllPagesOrdered(t *testing.T) {
	hd, ctl := newTestHD(t, 1<<20)

	if err := ctl.dispatch(t, hd, []byte{0x1a, 0x00, 0x3f, 0x00, 0xff, 0x00}); err != nil {
		t.Fatal(err)
	}

	var codes []int
	offset := 12 // header and block descriptor
	for offset < ctl.length {
		codes = append(codes, int(ctl.buffer[offset]&0x3f))
		offset += int(ctl.buffer[offset+1]) + 2
	}

	want := []int{0x01, 0x03, 0x04, 0x08, 0x30}
	if len(codes) != len(want) {
		t.Fatalf("page codes = %v; want %v", codes, want)
	}
	for i := range want {
		if codes[i] != want[i] {
			t.Fatalf("page codes = %v; want %v", codes, want)
		}
	}
}

func TestModeSenseUnsupportedPage(t *testing.T) {
	hd, ctl := newTestHD(t, 1<<20)

	err := ctl.dispatch(t, hd, []byte{0x1a, 0x00, 0x21, 0x00, 0xff, 0x00})
	expectSense(t, err, scsi.SenseIllegalRequest, scsi.ASCInvalidFieldInCDB)
}

// MODE SELECT accepts the format page only with the current sector size.
func TestModeSelectSectorSize(t *testing.T) {
	hd, _ := newTestHD(t, 1<<20)

	list := make([]byte, 4+24)
	list[3] = 0 // no block descriptor
	list[4] = 0x03
	list[5] = 22
	scsi.SetInt16(list, 4+12, 512)

	cdb := scsi.CDB{0x15, 0x10, 0x00, 0x00, byte(len(list)), 0x00}
	if err := hd.ModeSelect(scsi.CmdModeSelect6, cdb, list, len(list)); err != nil {
		t.Fatal(err)
	}

	// A different sector size is rejected
	scsi.SetInt16(list, 4+12, 1024)
	err := hd.ModeSelect(scsi.CmdModeSelect6, cdb, list, len(list))
	expectSense(t, err, scsi.SenseIllegalRequest, scsi.ASCInvalidFieldInParmList)
}

func TestSynchronizeCache(t *testing.T) {
	hd, ctl := newTestHD(t, 1<<20)

	want := bytes.Repeat([]byte{0xa7}, 512)
	if err := hd.WriteBlock(want, 5); err != nil {
		t.Fatal(err)
	}

	if err := ctl.dispatch(t, hd, []byte{
		0x35, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	}); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(hd.Filename())
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data[5*512:6*512], want) {
		t.Error("SYNCHRONIZE CACHE did not persist the dirty sector")
	}
}

func TestStartStopEject(t *testing.T) {
	hd := NewSCSIHD(0, []int{512}, true, scsi.LevelSCSI2)
	if err := hd.Init(nil); err != nil {
		t.Fatal(err)
	}
	hd.SetRegistry(NewRegistry())
	hd.SetFilename(newImageFile(t, "test.hdr", 1<<20))
	if err := hd.Open(); err != nil {
		t.Fatal(err)
	}
	hd.SetAttn(false)
	ctl := newTestController()
	hd.SetController(ctl)
	ctl.luns[0] = hd

	// Locked media cannot be ejected
	hd.SetLocked(true)
	err := ctl.dispatch(t, hd, []byte{0x1b, 0x00, 0x00, 0x00, 0x02, 0x00})
	expectSense(t, err, scsi.SenseIllegalRequest, scsi.ASCLoadOrEjectFailed)

	hd.SetLocked(false)
	if err := ctl.dispatch(t, hd, []byte{0x1b, 0x00, 0x00, 0x00, 0x02, 0x00}); err != nil {
		t.Fatal(err)
	}
	if !hd.IsRemoved() {
		t.Error("medium is still present after eject")
	}
}

func TestDefaultProductName(t *testing.T) {
	hd, _ := newTestHD(t, 1<<20)

	if got := hd.Product(); got != "SCSI HD 1 MiB" {
		t.Errorf("product = %q; want %q", got, "SCSI HD 1 MiB")
	}
}

func TestReadOnlyFileForcesProtection(t *testing.T) {
	path := newImageFile(t, "test.hds", 1<<20)
	if err := os.Chmod(path, 0o444); err != nil {
		t.Fatal(err)
	}

	hd := NewSCSIHD(0, []int{512}, false, scsi.LevelSCSI2)
	if err := hd.Init(nil); err != nil {
		t.Fatal(err)
	}
	hd.SetRegistry(NewRegistry())
	hd.SetFilename(path)
	if err := hd.Open(); err != nil {
		t.Fatal(err)
	}

	if !hd.IsReadOnly() {
		t.Error("non-writable image did not force read-only")
	}
	if hd.IsProtectable() {
		t.Error("read-only device is still protectable")
	}
}
