// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package image probes and validates the disk image file layouts: flat
// sector-aligned files, raw 2352-byte CD images and the headered NEC
// PC-98 formats.
package image

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// MaxFileSize is the largest supported image: drives beyond 2 TiB are
// rejected at open.
const MaxFileSize = int64(2) << 40

// ErrTooLarge is returned for images above MaxFileSize.
var ErrTooLarge = errors.New("drives > 2 TiB are not supported")

// Ext returns the lowercase filename extension without the dot.
func Ext(filename string) string {
	return strings.ToLower(strings.TrimPrefix(filepath.Ext(filename), "."))
}

// FileSize returns the image size, enforcing the 2 TiB limit.
func FileSize(filename string) (int64, error) {
	fi, err := os.Stat(filename)
	if err != nil {
		return 0, errors.Wrapf(err, "can't get size of '%s'", filename)
	}
	if fi.Size() > MaxFileSize {
		return 0, ErrTooLarge
	}
	return fi.Size(), nil
}

// IsReadOnly reports whether the image cannot be written by this
// process. Such devices are forced to read-only at open.
func IsReadOnly(filename string) bool {
	return unix.Access(filename, unix.W_OK) != nil
}

// Geometry describes a headered image: where the data starts and how it
// is laid out.
type Geometry struct {
	Offset     int64
	Size       int64
	SectorSize int
	Sectors    int
	Heads      int
	Cylinders  int
}

var nhdMagic = []byte("T98HDDIMAGE.R0\x00")

// ReadNECGeometry determines the layout of an hdn/hdi/nhd image from its
// extension and root sector.
//
//	hdn — PC-9801: flat, 512-byte sectors, 25 sectors/track, 8 heads
//	hdi — Anex86: little-endian header fields at offsets 8..28
//	nhd — T98Next: magic at 0, little-endian fields at 0x110..0x11c
func ReadNECGeometry(filename string, root []byte, size int64) (Geometry, error) {
	if len(root) < 512 {
		return Geometry{}, errors.New("can't read NEC hard disk file root sector")
	}

	// Effective size must be a multiple of 512.
	size = size / 512 * 512

	var g Geometry
	switch Ext(filename) {
	case "hdn":
		g = Geometry{
			Size:       size,
			SectorSize: 512,
			Sectors:    25,
			Heads:      8,
			Cylinders:  int(size >> 9 >> 3 / 25),
		}

	case "hdi":
		g = Geometry{
			Offset:     int64(le32(root[8:])),
			Size:       int64(le32(root[12:])),
			SectorSize: le32(root[16:]),
			Sectors:    le32(root[20:]),
			Heads:      le32(root[24:]),
			Cylinders:  le32(root[28:]),
		}

	case "nhd":
		if !bytes.Equal(root[:len(nhdMagic)], nhdMagic) {
			return Geometry{}, errors.New("invalid NEC image file format")
		}
		g = Geometry{
			Offset:     int64(le32(root[0x110:])),
			Cylinders:  le32(root[0x114:]),
			Heads:      le16(root[0x118:]),
			Sectors:    le16(root[0x11a:]),
			SectorSize: le16(root[0x11c:]),
		}
		g.Size = int64(g.Cylinders) * int64(g.Heads) * int64(g.Sectors) * int64(g.SectorSize)

	default:
		return Geometry{}, errors.New("invalid NEC image file extension")
	}

	if g.SectorSize == 0 {
		return Geometry{}, errors.New("invalid NEC sector size 0")
	}
	if g.Offset+g.Size > size {
		return Geometry{}, errors.New("NEC image offset/size consistency check failed")
	}

	return g, nil
}

// Raw CD sync pattern: 00 FF×10 00, with the mode byte at offset 15.
var rawSync = append(append([]byte{0x00}, bytes.Repeat([]byte{0xff}, 10)...), 0x00)

// IsRawCD reports whether the first 16 bytes of a CD image identify a raw
// 2352-byte MODE1 file. A raw file with a mode other than 1 is an error.
func IsRawCD(header []byte) (bool, error) {
	if len(header) < 16 || !bytes.Equal(header[:12], rawSync) {
		return false, nil
	}
	if header[15] != 0x01 {
		return false, errors.New("illegal raw CD-ROM file header")
	}
	return true, nil
}

// IsCueSheet reports whether the file starts like a CUE sheet, which is
// not supported.
func IsCueSheet(header []byte) bool {
	return len(header) >= 4 && strings.EqualFold(string(header[:4]), "FILE")
}

func le16(b []byte) int {
	return int(b[0]) | int(b[1])<<8
}

func le32(b []byte) int {
	return int(b[0]) | int(b[1])<<8 | int(b[2])<<16 | int(b[3])<<24
}
