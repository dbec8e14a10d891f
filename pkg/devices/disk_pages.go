// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package devices

import (
	log "github.com/sirupsen/logrus"

	"github.com/goscsi/goscsi/pkg/scsi"
)

func (d *Disk) diskModeSense6(cdb scsi.CDB, buf []byte) (int, error) {
	length := int(cdb[4])
	if length > len(buf) {
		length = len(buf)
	}
	for i := 0; i < length; i++ {
		buf[i] = 0
	}

	// DEVICE SPECIFIC PARAMETER
	if d.IsProtected() {
		buf[2] = 0x80
	}

	size := 4

	// Add block descriptor if DBD is 0
	if cdb[1]&0x08 == 0 {
		// Mode parameter header, block descriptor length
		buf[3] = 0x08

		if d.IsReady() {
			scsi.SetInt32(buf, 4, uint32(d.blocks))
			scsi.SetInt32(buf, 8, uint32(d.SectorSize()))
		}

		size = 12
	}

	size, err := d.addModePages(cdb, buf, size, length, 255)
	if err != nil {
		return 0, err
	}

	// Mode data length does not count the parameter header
	buf[0] = byte(size - 4)
	return size, nil
}

func (d *Disk) diskModeSense10(cdb scsi.CDB, buf []byte) (int, error) {
	length := scsi.GetInt16(cdb, 7)
	if length > len(buf) {
		length = len(buf)
	}
	for i := 0; i < length; i++ {
		buf[i] = 0
	}

	if d.IsProtected() {
		buf[3] = 0x80
	}

	size := 8

	// Add block descriptor if DBD is 0, only if ready
	if cdb[1]&0x08 == 0 && d.IsReady() {
		// Check LLBAA for short or long block descriptor
		if cdb[1]&0x10 == 0 || d.blocks <= 0xffffffff {
			buf[7] = 0x08
			scsi.SetInt32(buf, 8, uint32(d.blocks))
			scsi.SetInt32(buf, 12, uint32(d.SectorSize()))
			size = 16
		} else {
			// Mode parameter header, LONGLBA
			buf[4] = 0x01
			buf[7] = 0x10
			scsi.SetInt64(buf, 8, d.blocks)
			scsi.SetInt32(buf, 20, uint32(d.SectorSize()))
			size = 24
		}
	}

	size, err := d.addModePages(cdb, buf, size, length, 65535)
	if err != nil {
		return 0, err
	}

	scsi.SetInt16(buf, 0, size-8)
	return size, nil
}

func (d *Disk) diskModePages(pages map[int][]byte, page int, changeable bool) {
	if page == 0x01 || page == allPages {
		d.addErrorPage(pages, changeable)
	}
	if page == 0x03 || page == allPages {
		d.addFormatPage(pages, changeable)
	}
	if page == 0x04 || page == allPages {
		d.addDrivePage(pages, changeable)
	}
	if page == 0x08 || page == allPages {
		d.addCachePage(pages, changeable)
	}

	d.addVendorPage(pages, page, changeable)
}

// addErrorPage is page 1, read-write error recovery. Retry count 0, limit
// time the internal default.
func (d *Disk) addErrorPage(pages map[int][]byte, _ bool) {
	buf := make([]byte, 12)

	// TB, PER, DTE (required for OpenVMS/VAX compatibility)
	buf[2] = 0x26

	pages[1] = buf
}

// defaultFormatPage is page 3, format device.
func (d *Disk) defaultFormatPage(pages map[int][]byte, changeable bool) {
	buf := make([]byte, 24)

	// No changeable area
	if changeable {
		pages[3] = buf
		return
	}

	if d.IsReady() {
		// 8 tracks in one zone
		buf[0x03] = 0x08

		// 25 sectors per track
		scsi.SetInt16(buf, 0x0a, 25)

		// Physical sector size
		scsi.SetInt16(buf, 0x0c, d.SectorSize())

		// Interleave 1
		scsi.SetInt16(buf, 0x0e, 1)

		// Track skew factor 11
		scsi.SetInt16(buf, 0x10, 11)

		// Cylinder skew factor 20
		scsi.SetInt16(buf, 0x12, 20)
	}

	if d.IsRemovable() {
		buf[20] = 0x20
	}

	// Hard-sectored
	buf[20] |= 0x40

	pages[3] = buf
}

// defaultDrivePage is page 4, rigid drive geometry, synthesized from the
// block count assuming 25 sectors/track and 8 heads.
func (d *Disk) defaultDrivePage(pages map[int][]byte, changeable bool) {
	buf := make([]byte, 24)

	if changeable {
		pages[4] = buf
		return
	}

	if d.IsReady() {
		cylinders := d.blocks >> 3 / 25
		scsi.SetInt32(buf, 0x01, uint32(cylinders))

		// Fix the head count at 8
		buf[0x05] = 0x8

		// Medium rotation rate 7200
		scsi.SetInt16(buf, 0x14, 7200)
	}

	pages[4] = buf
}

// addCachePage is page 8. Only the read cache is valid; pre-fetch is
// disabled by setting all three pre-fetch fields to 0xFFFF.
func (d *Disk) addCachePage(pages map[int][]byte, changeable bool) {
	buf := make([]byte, 12)

	if changeable {
		pages[8] = buf
		return
	}

	scsi.SetInt16(buf, 0x04, 0xffff)
	scsi.SetInt16(buf, 0x08, 0xffff)
	scsi.SetInt16(buf, 0x0a, 0xffff)

	pages[8] = buf
}

// addAppleVendorPage is page 48 (30h). Needed for CD-ROMs by the stock
// Apple driver and for hard disks by Apple HD SC Setup.
func addAppleVendorPage(pages map[int][]byte, changeable bool) {
	buf := make([]byte, 30)

	if !changeable {
		copy(buf[2:], "APPLE COMPUTER, INC   \x00")
	}

	pages[48] = buf
}

// enrichFormatPage simulates a changeable sector size in the format page;
// MODE SELECT only ever accepts the currently configured value.
func enrichFormatPage(pages map[int][]byte, changeable bool, sectorSize int) {
	if changeable {
		scsi.SetInt16(pages[3], 12, sectorSize)
	}
}

// diskModeSelect accepts only the format device page, and only with the
// configured sector size: a reformat cannot change the size, the -b
// option at attach time can.
func (d *Disk) diskModeSelect(cmd scsi.Command, cdb scsi.CDB, buf []byte, length int) error {
	// Vendor-specific parameters (SCSI-1) are not supported
	if cdb[1]&0x10 == 0 {
		return scsi.NewError(scsi.SenseIllegalRequest, scsi.ASCInvalidFieldInParmList)
	}

	// Skip block descriptors
	var offset int
	if cmd == scsi.CmdModeSelect10 {
		offset = 8 + scsi.GetInt16(buf, 6)
	} else {
		offset = 4 + int(buf[3])
	}
	length -= offset

	validPage := false
	for length > 0 {
		if page := buf[offset]; page == 0x03 {
			if length < 14 {
				return scsi.NewError(scsi.SenseIllegalRequest, scsi.ASCInvalidFieldInParmList)
			}

			// Only the current sector size is accepted
			if scsi.GetInt16(buf, offset+12) != d.SectorSize() {
				log.Warn("In order to change the sector size use the -b option when attaching")
				return scsi.NewError(scsi.SenseIllegalRequest, scsi.ASCInvalidFieldInParmList)
			}

			validPage = true
		} else {
			log.Warnf("Unknown MODE SELECT page code: $%02X", page)
		}

		size := int(buf[offset+1]) + 2
		length -= size
		offset += size
	}

	if !validPage {
		return scsi.NewError(scsi.SenseIllegalRequest, scsi.ASCInvalidFieldInParmList)
	}
	return nil
}
