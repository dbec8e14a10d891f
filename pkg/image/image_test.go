// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package image

import (
	"encoding/binary"
	"testing"
)

func TestExt(t *testing.T) {
	testCases := []struct {
		name     string
		filename string
		want     string
	}{
		{"Simple", "disk.hds", "hds"},
		{"Uppercase", "DISK.ISO", "iso"},
		{"Path", "/images/games.hdi", "hdi"},
		{"NoExtension", "daynaport", ""},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Ext(tc.filename); got != tc.want {
				t.Errorf("Ext(%q) = %q; want %q", tc.filename, got, tc.want)
			}
		})
	}
}

func TestReadNECGeometryHDN(t *testing.T) {
	root := make([]byte, 512)

	// 40 MiB flat PC-9801 image
	size := int64(40 << 20)
	g, err := ReadNECGeometry("test.hdn", root, size)
	if err != nil {
		t.Fatal(err)
	}

	if g.SectorSize != 512 || g.Sectors != 25 || g.Heads != 8 {
		t.Errorf("geometry = %+v; want 512/25/8", g)
	}
	if g.Size != size {
		t.Errorf("Size = %d; want %d", g.Size, size)
	}
	if g.Cylinders != int(size>>9>>3/25) {
		t.Errorf("Cylinders = %d", g.Cylinders)
	}
}

func TestReadNECGeometryHDI(t *testing.T) {
	root := make([]byte, 512)
	binary.LittleEndian.PutUint32(root[8:], 4096)     // offset
	binary.LittleEndian.PutUint32(root[12:], 1<<20)   // size
	binary.LittleEndian.PutUint32(root[16:], 512)     // sector size
	binary.LittleEndian.PutUint32(root[20:], 25)      // sectors
	binary.LittleEndian.PutUint32(root[24:], 8)       // heads
	binary.LittleEndian.PutUint32(root[28:], 40)      // cylinders

	g, err := ReadNECGeometry("test.hdi", root, 4096+1<<20)
	if err != nil {
		t.Fatal(err)
	}

	if g.Offset != 4096 || g.Size != 1<<20 || g.SectorSize != 512 ||
		g.Sectors != 25 || g.Heads != 8 || g.Cylinders != 40 {
		t.Errorf("geometry = %+v", g)
	}
}

func TestReadNECGeometryNHD(t *testing.T) {
	root := make([]byte, 512)
	copy(root, "T98HDDIMAGE.R0\x00")
	binary.LittleEndian.PutUint32(root[0x110:], 512) // offset
	binary.LittleEndian.PutUint32(root[0x114:], 8)   // cylinders
	binary.LittleEndian.PutUint16(root[0x118:], 8)   // heads
	binary.LittleEndian.PutUint16(root[0x11a:], 32)  // sectors
	binary.LittleEndian.PutUint16(root[0x11c:], 512) // sector size

	g, err := ReadNECGeometry("test.nhd", root, 512+8*8*32*512)
	if err != nil {
		t.Fatal(err)
	}

	if g.Offset != 512 || g.Cylinders != 8 || g.Heads != 8 || g.Sectors != 32 {
		t.Errorf("geometry = %+v", g)
	}
	if g.Size != 8*8*32*512 {
		t.Errorf("Size = %d; want %d", g.Size, 8*8*32*512)
	}
}

func TestReadNECGeometryErrors(t *testing.T) {
	root := make([]byte, 512)

	if _, err := ReadNECGeometry("test.nhd", root, 1<<20); err == nil {
		t.Error("nhd without magic was accepted")
	}
	if _, err := ReadNECGeometry("test.hds", root, 1<<20); err == nil {
		t.Error("non-NEC extension was accepted")
	}

	// Inconsistent offset/size must be rejected
	binary.LittleEndian.PutUint32(root[8:], 1<<20)
	binary.LittleEndian.PutUint32(root[12:], 1<<20)
	binary.LittleEndian.PutUint32(root[16:], 512)
	if _, err := ReadNECGeometry("test.hdi", root, 1<<20); err == nil {
		t.Error("inconsistent hdi header was accepted")
	}
}

func TestIsRawCD(t *testing.T) {
	raw := make([]byte, 16)
	raw[0] = 0x00
	for i := 1; i <= 10; i++ {
		raw[i] = 0xff
	}
	raw[15] = 0x01

	if ok, err := IsRawCD(raw); err != nil || !ok {
		t.Errorf("IsRawCD(sync MODE1) = %v, %v; want true", ok, err)
	}

	// MODE2 is not supported
	raw[15] = 0x02
	if _, err := IsRawCD(raw); err == nil {
		t.Error("raw MODE2 header was accepted")
	}

	flat := make([]byte, 16)
	if ok, err := IsRawCD(flat); err != nil || ok {
		t.Errorf("IsRawCD(flat) = %v, %v; want false", ok, err)
	}
}

func TestIsCueSheet(t *testing.T) {
	if !IsCueSheet([]byte(`FILE "disc.bin" BINARY`)) {
		t.Error("CUE sheet not detected")
	}
	if !IsCueSheet([]byte("file lowercase")) {
		t.Error("case-insensitive match failed")
	}
	if IsCueSheet(make([]byte, 16)) {
		t.Error("binary header detected as CUE sheet")
	}
}
