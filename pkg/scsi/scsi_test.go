// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package scsi

import (
	"bytes"
	"testing"
)

func TestCommandByteCount(t *testing.T) {
	testCases := []struct {
		name   string
		opcode byte
		want   int
	}{
		{"TestUnitReady", 0x00, 6},
		{"Read6", 0x08, 6},
		{"ModeSense6", 0x1a, 6},
		{"ReadCapacity10", 0x25, 10},
		{"Read10", 0x28, 10},
		{"ReadToc", 0x43, 10},
		{"ModeSense10", 0x5a, 10},
		{"Read16", 0x88, 16},
		{"ReadCapacity16", 0x9e, 16},
		{"ReportLuns", 0xa0, 12},
		{"Vendor", 0xe0, 6},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := CommandByteCount(tc.opcode); got != tc.want {
				t.Errorf("CommandByteCount($%02X) = %d; want %d", tc.opcode, got, tc.want)
			}
		})
	}
}

func TestCDBFields(t *testing.T) {
	cdb := CDB{0x28, 0x60, 0x12, 0x34, 0x56, 0x78, 0x00, 0x00, 0x10, 0x00}

	if got := cdb.Opcode(); got != CmdRead10 {
		t.Errorf("Opcode() = $%02X; want $28", byte(got))
	}
	if got := cdb.LUN(); got != 3 {
		t.Errorf("LUN() = %d; want 3", got)
	}
	if got := GetInt32(cdb, 2); got != 0x12345678 {
		t.Errorf("GetInt32() = $%08X; want $12345678", got)
	}
	if got := GetInt16(cdb, 7); got != 0x0010 {
		t.Errorf("GetInt16() = $%04X; want $0010", got)
	}
}

// Parsing a CDB field and writing it back must be the identity.
func TestFieldRoundTrip(t *testing.T) {
	buf := make([]byte, 16)

	SetInt16(buf, 0, 0xbeef)
	if got := GetInt16(buf, 0); got != 0xbeef {
		t.Errorf("GetInt16() = $%04X; want $BEEF", got)
	}

	SetInt24(buf, 2, 0x1fffff)
	if got := GetInt24(buf, 2); got != 0x1fffff {
		t.Errorf("GetInt24() = $%06X; want $1FFFFF", got)
	}

	SetInt32(buf, 5, 0xdeadbeef)
	if got := GetInt32(buf, 5); got != 0xdeadbeef {
		t.Errorf("GetInt32() = $%08X; want $DEADBEEF", got)
	}

	SetInt64(buf, 0, 0x0123456789abcdef)
	if got := GetInt64(buf, 0); got != 0x0123456789abcdef {
		t.Errorf("GetInt64() = $%016X; want $0123456789ABCDEF", got)
	}

	want := []byte{0x01, 0x23, 0x45, 0x67, 0x89, 0xab, 0xcd, 0xef}
	if !bytes.Equal(buf[:8], want) {
		t.Errorf("SetInt64 layout = % X; want % X", buf[:8], want)
	}
}

func TestErrorStatusCode(t *testing.T) {
	err := NewError(SenseIllegalRequest, ASCLBAOutOfRange)

	if err.Status != StatusCheckCondition {
		t.Errorf("Status = $%02X; want $02", byte(err.Status))
	}
	if got := err.StatusCode(); got != 0x052100 {
		t.Errorf("StatusCode() = $%06X; want $052100", got)
	}
}
