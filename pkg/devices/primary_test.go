// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package devices

import (
	"bytes"
	"testing"

	"github.com/goscsi/goscsi/pkg/scsi"
)

func TestInquiryStandardData(t *testing.T) {
	hd, ctl := newTestHD(t, 1<<20)
	hd.SetVendor("ACME")
	hd.SetProduct("DISK", true)
	hd.SetRevision("1.0")

	if err := ctl.dispatch(t, hd, []byte{0x12, 0x00, 0x00, 0x00, 36, 0x00}); err != nil {
		t.Fatal(err)
	}

	if ctl.phase != "datain" {
		t.Fatalf("phase = %s; want datain", ctl.phase)
	}
	if ctl.length != 36 {
		t.Fatalf("length = %d; want 36", ctl.length)
	}

	buf := ctl.buffer
	if buf[0] != 0x00 {
		t.Errorf("device type = $%02X; want $00", buf[0])
	}
	if buf[1] != 0x00 {
		t.Errorf("removable flag = $%02X; want $00", buf[1])
	}
	if buf[4] != 0x1f {
		t.Errorf("additional length = $%02X; want $1F", buf[4])
	}

	want := "ACME    " + "DISK            " + "1.0 "
	if got := string(buf[8:36]); got != want {
		t.Errorf("identification = %q; want %q", got, want)
	}
}

func TestInquiryRejectsEVPD(t *testing.T) {
	hd, ctl := newTestHD(t, 1<<20)

	err := ctl.dispatch(t, hd, []byte{0x12, 0x01, 0x00, 0x00, 36, 0x00})
	expectSense(t, err, scsi.SenseIllegalRequest, scsi.ASCInvalidFieldInCDB)
}

func TestInquiryUnsupportedLUN(t *testing.T) {
	hd, ctl := newTestHD(t, 1<<20)

	// LUN 2 in CDB byte 1 bits 5..7, no device there
	if err := ctl.dispatch(t, hd, []byte{0x12, 0x40, 0x00, 0x00, 36, 0x00}); err != nil {
		t.Fatal(err)
	}
	if ctl.buffer[0] != 0x7f {
		t.Errorf("byte 0 = $%02X; want $7F", ctl.buffer[0])
	}
}

func TestRequestSenseFormat(t *testing.T) {
	hd, ctl := newTestHD(t, 1<<20)
	hd.SetStatusCode(int(scsi.SenseIllegalRequest)<<16 | int(scsi.ASCLBAOutOfRange)<<8)

	if err := ctl.dispatch(t, hd, []byte{0x03, 0x00, 0x00, 0x00, 18, 0x00}); err != nil {
		t.Fatal(err)
	}

	if ctl.length != 18 {
		t.Fatalf("length = %d; want 18", ctl.length)
	}
	buf := ctl.buffer
	if buf[0] != 0x70 {
		t.Errorf("response code = $%02X; want $70", buf[0])
	}
	if buf[2] != byte(scsi.SenseIllegalRequest) {
		t.Errorf("sense key = $%02X; want $05", buf[2])
	}
	if buf[7] != 10 {
		t.Errorf("additional length = %d; want 10", buf[7])
	}
	if buf[12] != byte(scsi.ASCLBAOutOfRange) {
		t.Errorf("ASC = $%02X; want $21", buf[12])
	}
}

func TestReportLuns(t *testing.T) {
	hd, ctl := newTestHD(t, 1<<20)

	if err := ctl.dispatch(t, hd, []byte{
		0xa0, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0xff, 0x00, 0x00,
	}); err != nil {
		t.Fatal(err)
	}

	// 8-byte header plus one descriptor for LUN 0
	if ctl.length != 16 {
		t.Fatalf("length = %d; want 16", ctl.length)
	}
	if got := scsi.GetInt16(ctl.buffer, 2); got != 8 {
		t.Errorf("LUN list length = %d; want 8", got)
	}
	if !bytes.Equal(ctl.buffer[8:16], make([]byte, 8)) {
		t.Errorf("LUN 0 descriptor = % X", ctl.buffer[8:16])
	}
}

func TestReportLunsRejectsSelectReport(t *testing.T) {
	hd, ctl := newTestHD(t, 1<<20)

	err := ctl.dispatch(t, hd, []byte{
		0xa0, 0x00, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0xff, 0x00, 0x00,
	})
	expectSense(t, err, scsi.SenseIllegalRequest, scsi.ASCInvalidFieldInCDB)
}

// RESERVE by initiator A shuts out initiator B for everything except the
// reservation-exempt commands; RELEASE by A makes the device free again.
func TestReservation(t *testing.T) {
	hd, ctl := newTestHD(t, 1<<20)

	// Initiator 7 reserves
	if err := ctl.dispatch(t, hd, []byte{0x16, 0x00, 0x00, 0x00, 0x00, 0x00}); err != nil {
		t.Fatal(err)
	}

	if hd.CheckReservation(6, scsi.CmdWrite10, false) {
		t.Error("initiator 6 may write to a device reserved by 7")
	}
	if !hd.CheckReservation(6, scsi.CmdInquiry, false) {
		t.Error("INQUIRY must pass a foreign reservation")
	}
	if !hd.CheckReservation(6, scsi.CmdRequestSense, false) {
		t.Error("REQUEST SENSE must pass a foreign reservation")
	}
	if !hd.CheckReservation(6, scsi.CmdRelease6, false) {
		t.Error("RELEASE must pass a foreign reservation")
	}
	if !hd.CheckReservation(6, scsi.CmdPreventAllowRemoval, false) {
		t.Error("PREVENT ALLOW with prevent=0 must pass a foreign reservation")
	}
	if hd.CheckReservation(6, scsi.CmdPreventAllowRemoval, true) {
		t.Error("PREVENT ALLOW with prevent=1 must not pass a foreign reservation")
	}
	if !hd.CheckReservation(7, scsi.CmdWrite10, false) {
		t.Error("the reservation holder is locked out")
	}

	// Release by the holder leaves the device unreserved
	if err := ctl.dispatch(t, hd, []byte{0x17, 0x00, 0x00, 0x00, 0x00, 0x00}); err != nil {
		t.Fatal(err)
	}
	if !hd.CheckReservation(6, scsi.CmdWrite10, false) {
		t.Error("device is still reserved after RELEASE")
	}
}

func TestSendDiagnostic(t *testing.T) {
	hd, ctl := newTestHD(t, 1<<20)

	if err := ctl.dispatch(t, hd, []byte{0x1d, 0x00, 0x00, 0x00, 0x00, 0x00}); err != nil {
		t.Fatal(err)
	}
	if ctl.phase != "status" {
		t.Errorf("phase = %s; want status", ctl.phase)
	}

	// A parameter list is not supported
	err := ctl.dispatch(t, hd, []byte{0x1d, 0x00, 0x00, 0x00, 0x08, 0x00})
	expectSense(t, err, scsi.SenseIllegalRequest, scsi.ASCInvalidFieldInCDB)
}

func TestUnknownOpcode(t *testing.T) {
	hd, ctl := newTestHD(t, 1<<20)

	err := ctl.dispatch(t, hd, []byte{0xd0, 0x00, 0x00, 0x00, 0x00, 0x00})
	expectSense(t, err, scsi.SenseIllegalRequest, scsi.ASCInvalidCommandOpcode)
}
