// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package devices

import (
	"io"
	"os"

	"github.com/pkg/errors"

	"github.com/goscsi/goscsi/pkg/image"
	"github.com/goscsi/goscsi/pkg/scsi"
)

// SCSIHDNEC emulates the PC-9801-55 compatible NEC hard disks backed by
// hdn, hdi (Anex86) and nhd (T98Next) images.
type SCSIHDNEC struct {
	SCSIHD

	imageOffset int64
	cylinders   int
	heads       int
	sectors     int
}

func NewSCSIHDNEC(lun int) *SCSIHDNEC {
	d := &SCSIHDNEC{SCSIHD: SCSIHD{
		Disk:  newDisk(KindSCHD, lun, []int{512}),
		level: scsi.LevelSCSI1CCS,
	}}

	d.SetProtectable(true)
	d.SetSupportsSaveParams(true)

	d.SCSIHD.bind()

	d.inquiry = func() ([]byte, error) {
		return d.StandardInquiry(scsi.TypeDirectAccess, scsi.LevelSCSI1CCS, false), nil
	}
	d.addFormatPage = d.necFormatPage
	d.addDrivePage = d.necDrivePage
	d.addVendorPage = func(map[int][]byte, int, bool) {}
	d.open = d.openNEC

	return d
}

func (d *SCSIHDNEC) openNEC() error {
	size, err := d.FileSize()
	if err != nil {
		return err
	}

	f, err := os.Open(d.Filename())
	if err != nil {
		return errors.Wrap(err, "can't read NEC hard disk file root sector")
	}
	root := make([]byte, 512)
	_, err = io.ReadFull(f, root)
	f.Close()
	if err != nil {
		return errors.Wrap(err, "can't read NEC hard disk file root sector")
	}

	g, err := image.ReadNECGeometry(d.Filename(), root, size)
	if err != nil {
		return err
	}
	if ShiftCount(g.SectorSize) == 0 {
		return errors.Errorf("invalid NEC sector size of %d byte(s)", g.SectorSize)
	}

	d.imageOffset = g.Offset
	d.cylinders = g.Cylinders
	d.heads = g.Heads
	d.sectors = g.Sectors

	d.SetSectorSizeShift(ShiftCount(g.SectorSize))
	d.SetBlockCount(uint64(g.Size >> d.SectorSizeShift()))

	return d.finalizeSetup(d.imageOffset)
}

func (d *SCSIHDNEC) necFormatPage(pages map[int][]byte, changeable bool) {
	buf := make([]byte, 24)

	// Page can be saved
	buf[0] = 0x80

	// The sector size appears mutable (although it cannot actually be)
	if changeable {
		scsi.SetInt16(buf, 0x0c, 0xffff)
		pages[3] = buf
		return
	}

	if d.IsReady() {
		// PC-9801-55 inspects the tracks per zone
		scsi.SetInt16(buf, 0x02, d.heads)
		scsi.SetInt16(buf, 0x0a, d.sectors)
		scsi.SetInt16(buf, 0x0c, d.SectorSize())
	}

	if d.IsRemovable() {
		buf[20] = 0x20
	}

	pages[3] = buf
}

func (d *SCSIHDNEC) necDrivePage(pages map[int][]byte, changeable bool) {
	buf := make([]byte, 20)

	if !changeable && d.IsReady() {
		scsi.SetInt32(buf, 0x01, uint32(d.cylinders))
		buf[0x05] = byte(d.heads)
	}

	pages[4] = buf
}
