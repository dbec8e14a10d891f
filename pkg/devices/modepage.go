// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package devices

import (
	"sort"

	"github.com/goscsi/goscsi/pkg/scsi"
)

// allPages is the page code requesting every supported mode page.
const allPages = 0x3f

// ModePage adds MODE SENSE(6/10) and MODE SELECT(6/10) on top of the
// primary command set. Concrete types contribute their pages through the
// setUpModePages hook and may replace the sense builders outright.
type ModePage struct {
	Primary

	// setUpModePages fills pages with the data for the requested page
	// code (or all pages for 0x3f).
	setUpModePages func(pages map[int][]byte, page int, changeable bool)

	// modeSense6/10 assemble the full response including header and
	// block descriptor.
	modeSense6  func(cdb scsi.CDB, buf []byte) (int, error)
	modeSense10 func(cdb scsi.CDB, buf []byte) (int, error)

	// modeSelect applies a received parameter list.
	modeSelect func(cmd scsi.Command, cdb scsi.CDB, buf []byte, length int) error
}

func newModePage(kind Kind, lun int) ModePage {
	return ModePage{Primary: newPrimary(kind, lun)}
}

func (d *ModePage) Init(params map[string]string) error {
	if err := d.Primary.Init(params); err != nil {
		return err
	}

	d.AddCommand(scsi.CmdModeSense6, d.modeSense6Cmd)
	d.AddCommand(scsi.CmdModeSense10, d.modeSense10Cmd)
	d.AddCommand(scsi.CmdModeSelect6, d.modeSelect6Cmd)
	d.AddCommand(scsi.CmdModeSelect10, d.modeSelect10Cmd)
	return nil
}

func (d *ModePage) modeSense6Cmd() error {
	length, err := d.modeSense6(d.ctl.CDB(), d.ctl.Buffer())
	if err != nil {
		return err
	}
	d.ctl.SetLength(length)
	d.ctl.EnterDataInPhase()
	return nil
}

func (d *ModePage) modeSense10Cmd() error {
	length, err := d.modeSense10(d.ctl.CDB(), d.ctl.Buffer())
	if err != nil {
		return err
	}
	d.ctl.SetLength(length)
	d.ctl.EnterDataInPhase()
	return nil
}

// ModeSelect applies a parameter list received in DATA OUT. Devices
// without a specific implementation reject the command.
func (d *ModePage) ModeSelect(cmd scsi.Command, cdb scsi.CDB, buf []byte, length int) error {
	if d.modeSelect == nil {
		return scsi.NewError(scsi.SenseIllegalRequest, scsi.ASCInvalidCommandOpcode)
	}
	return d.modeSelect(cmd, cdb, buf, length)
}

func (d *ModePage) modeSelect6Cmd() error {
	return d.saveParametersCheck(int(d.ctl.CDB()[4]))
}

func (d *ModePage) modeSelect10Cmd() error {
	length := scsi.GetInt16(d.ctl.CDB(), 7)
	if length > len(d.ctl.Buffer()) {
		length = len(d.ctl.Buffer())
	}
	return d.saveParametersCheck(length)
}

func (d *ModePage) saveParametersCheck(length int) error {
	if !d.SupportsSaveParams() && d.ctl.CDB()[1]&0x01 != 0 {
		return scsi.NewError(scsi.SenseIllegalRequest, scsi.ASCInvalidFieldInCDB)
	}

	d.ctl.SetLength(length)
	d.ctl.EnterDataOutPhase()
	return nil
}

// addModePages serializes the requested pages into buf at offset. Pages
// are emitted in ascending page-code order, except page 0 which the
// specification mandates to come last. Each page gets its code OR'd into
// byte 0 and its length byte set to size-2. The return value is capped
// at the allocation length.
func (d *ModePage) addModePages(cdb scsi.CDB, buf []byte, offset, length, maxSize int) (int, error) {
	maxLength := length - offset
	if maxLength < 0 {
		return length, nil
	}

	changeable := cdb[2]&0xc0 == 0x40
	page := int(cdb[2] & allPages)

	pages := map[int][]byte{}
	d.setUpModePages(pages, page, changeable)

	if len(pages) == 0 {
		return 0, scsi.NewError(scsi.SenseIllegalRequest, scsi.ASCInvalidFieldInCDB)
	}

	codes := make([]int, 0, len(pages))
	for code := range pages {
		if code != 0 {
			codes = append(codes, code)
		}
	}
	sort.Ints(codes)
	if _, ok := pages[0]; ok {
		codes = append(codes, 0)
	}

	var result []byte
	for _, code := range codes {
		data := pages[code]
		off := len(result)
		result = append(result, data...)
		// Page code byte: the PS bit may already have been set
		result[off] |= byte(code)
		result[off+1] = byte(len(data) - 2)
	}

	if len(result) > maxSize {
		return 0, scsi.NewError(scsi.SenseIllegalRequest, scsi.ASCInvalidFieldInCDB)
	}

	size := len(result)
	if size > maxLength {
		size = maxLength
	}
	copy(buf[offset:], result[:size])

	if size+offset < length {
		return size + offset, nil
	}
	return length, nil
}
