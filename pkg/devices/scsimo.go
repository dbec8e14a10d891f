// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package devices

import "github.com/goscsi/goscsi/pkg/scsi"

// moGeometry fixes the well-defined sector size and block count for the
// standard magneto-optical capacities.
type moGeometry struct {
	sectorSize int
	blocks     uint64
}

// file size -> geometry for 128 MB, 230 MB, 540 MB and 640 MB media
var moGeometries = map[int64]moGeometry{
	512 * 248826:  {512, 248826},
	512 * 446325:  {512, 446325},
	512 * 1041500: {512, 1041500},
	2048 * 310352: {2048, 310352},
}

// SCSIMO is the magneto-optical drive.
type SCSIMO struct {
	Disk
}

func NewSCSIMO(lun int, sectorSizes []int) *SCSIMO {
	d := &SCSIMO{Disk: newDisk(KindSCMO, lun, sectorSizes)}

	d.SetProtectable(true)
	d.SetRemovable(true)
	d.SetLockable(true)
	d.SetSupportsSaveParams(true)

	d.bindDisk()

	d.inquiry = func() ([]byte, error) {
		return d.StandardInquiry(scsi.TypeOpticalMemory, scsi.LevelSCSI2, true), nil
	}
	d.setUpModePages = func(pages map[int][]byte, page int, changeable bool) {
		d.diskModePages(pages, page, changeable)

		if page == 0x06 || page == allPages {
			d.addOptionPage(pages, changeable)
		}
	}
	d.addFormatPage = func(pages map[int][]byte, changeable bool) {
		d.defaultFormatPage(pages, changeable)
		enrichFormatPage(pages, changeable, d.SectorSize())
	}
	d.addVendorPage = d.addMOVendorPage
	d.open = d.openMO

	return d
}

func (d *SCSIMO) openMO() error {
	size, err := d.FileSize()
	if err != nil {
		return err
	}

	// Some capacities have hard-coded, well-defined geometries
	if g, ok := moGeometries[size]; ok {
		d.SetSectorSizeShift(ShiftCount(g.sectorSize))
		d.SetBlockCount(g.blocks)
	} else {
		sectorSize := d.ConfiguredSectorSize()
		if sectorSize == 0 {
			sectorSize = 512
		}
		if err := d.SetSectorSize(sectorSize); err != nil {
			return err
		}
		d.SetBlockCount(uint64(size >> d.SectorSizeShift()))
	}

	if err := d.ValidateFile(); err != nil {
		return err
	}

	d.SetUpCache(0, false)

	// Attention if ready
	if d.IsReady() {
		d.SetAttn(true)
	}
	return nil
}

// addOptionPage is page 6 (optical memory). All zero: update blocks are
// not reported.
func (d *SCSIMO) addOptionPage(pages map[int][]byte, _ bool) {
	pages[6] = make([]byte, 4)
}

// addMOVendorPage is page 32 (20h), the vendor unique format page:
// format mode 0, type 0, user band size, and the spare/band pairs the
// host drivers expect for each standard capacity.
func (d *SCSIMO) addMOVendorPage(pages map[int][]byte, page int, changeable bool) {
	if page != 0x20 && page != allPages {
		return
	}

	buf := make([]byte, 12)

	// No changeable area
	if changeable {
		pages[32] = buf
		return
	}

	if d.IsReady() {
		var spare, bands int
		blocks := d.BlockCount()

		if d.SectorSize() == 512 {
			switch blocks {
			case 248826: // 128MB
				spare = 1024
				bands = 1
			case 446325: // 230MB
				spare = 1025
				bands = 10
			case 1041500: // 540MB
				spare = 2250
				bands = 18
			}
		}

		if d.SectorSize() == 2048 {
			switch blocks {
			case 310352: // 640MB
				spare = 2244
				bands = 11
			case 605846: // 1.3GB (not tested with a real device)
				spare = 4437
				bands = 18
			}
		}

		buf[2] = 0 // format mode
		buf[3] = 0 // type of format
		scsi.SetInt32(buf, 4, uint32(blocks))
		scsi.SetInt16(buf, 8, spare)
		scsi.SetInt16(buf, 10, bands)
	}

	pages[32] = buf
}
