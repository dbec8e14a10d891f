// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package devices

import (
	"fmt"

	"github.com/goscsi/goscsi/pkg/scsi"
)

const defaultHDProduct = "SCSI HD"

// SCSIHD is the generic direct-access hard disk, fixed or removable.
type SCSIHD struct {
	Disk

	level scsi.Level
}

func NewSCSIHD(lun int, sectorSizes []int, removable bool, level scsi.Level) *SCSIHD {
	kind := KindSCHD
	if removable {
		kind = KindSCRM
	}

	d := &SCSIHD{Disk: newDisk(kind, lun, sectorSizes), level: level}

	d.SetProtectable(true)
	d.SetRemovable(removable)
	d.SetLockable(removable)
	d.SetSupportsSaveParams(true)

	d.bind()
	return d
}

// bind wires the hook set for the generic hard disk. NEC overrides a
// subset afterwards.
func (d *SCSIHD) bind() {
	d.bindDisk()

	d.inquiry = func() ([]byte, error) {
		return d.StandardInquiry(scsi.TypeDirectAccess, d.level, d.IsRemovable()), nil
	}
	d.addVendorPage = func(pages map[int][]byte, page int, changeable bool) {
		if page == 0x30 || page == allPages {
			addAppleVendorPage(pages, changeable)
		}
	}
	d.addFormatPage = func(pages map[int][]byte, changeable bool) {
		d.defaultFormatPage(pages, changeable)
		enrichFormatPage(pages, changeable, d.SectorSize())
	}
	d.open = d.openFlat
}

func (d *SCSIHD) openFlat() error {
	size, err := d.FileSize()
	if err != nil {
		return err
	}

	// Sector size (default 512 bytes) and number of blocks
	sectorSize := d.ConfiguredSectorSize()
	if sectorSize == 0 {
		sectorSize = 512
	}
	if err := d.SetSectorSize(sectorSize); err != nil {
		return err
	}
	d.SetBlockCount(uint64(size >> d.SectorSizeShift()))

	return d.finalizeSetup(0)
}

// finalizeSetup validates the image, derives the default product name
// from the capacity and binds the cache.
func (d *SCSIHD) finalizeSetup(imageOffset int64) error {
	if err := d.ValidateFile(); err != nil {
		return err
	}

	if !d.IsRemovable() {
		d.SetProduct(d.productData(), false)
	}

	d.SetUpCache(imageOffset, false)
	return nil
}

// productData derives the default product name from the drive capacity.
func (d *SCSIHD) productData() string {
	capacity := d.BlockCount() * uint64(d.SectorSize())

	var unit string
	switch {
	case capacity >= 1<<40:
		capacity >>= 30
		unit = "GiB"
	case capacity >= 1<<20:
		capacity >>= 20
		unit = "MiB"
	default:
		capacity >>= 10
		unit = "KiB"
	}

	return fmt.Sprintf("%s %d %s", defaultHDProduct, capacity, unit)
}
