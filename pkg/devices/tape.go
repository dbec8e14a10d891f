// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package devices

import (
	"os"

	"github.com/pkg/errors"

	"github.com/goscsi/goscsi/pkg/scsi"
)

// Tape is the sequential-access streamer. Position is tracked as a single
// byte offset into the backing file. WRITE FILEMARKS is accepted but
// writes no mark and leaves the position unchanged; SPACE over marks
// reports BLANK CHECK, matching the historical behavior.
type Tape struct {
	Storage

	file     *os.File
	position int64
}

func NewTape(lun int, sectorSizes []int) *Tape {
	d := &Tape{Storage: newStorage(KindSCST, lun, sectorSizes)}

	d.SetProtectable(true)
	d.SetRemovable(true)
	d.SetLockable(true)
	d.SetSupportsSaveParams(true)

	d.inquiry = func() ([]byte, error) {
		return d.StandardInquiry(scsi.TypeSequentialAccess, scsi.LevelSCSI2, true), nil
	}
	d.setUpModePages = func(map[int][]byte, int, bool) {}
	d.modeSense6 = d.tapeModeSense6
	d.modeSense10 = d.tapeModeSense10
	d.modeSelect = d.tapeModeSelect
	d.open = d.openTape

	return d
}

func (d *Tape) Init(params map[string]string) error {
	if err := d.ModePage.Init(params); err != nil {
		return err
	}

	d.AddCommand(scsi.CmdErase, d.erase)
	d.AddCommand(scsi.CmdRead6, d.read6)
	d.AddCommand(scsi.CmdReadBlockLimits, d.readBlockLimits)
	d.AddCommand(scsi.CmdRezero, d.rewind)
	d.AddCommand(scsi.CmdSpace, d.space)
	d.AddCommand(scsi.CmdWrite6, d.write6)
	d.AddCommand(scsi.CmdWriteFilemarks, d.writeFilemarks)
	d.AddCommand(scsi.CmdStartStop, d.loadUnload)
	d.AddCommand(scsi.CmdReadPosition, d.readPosition)
	d.AddCommand(scsi.CmdVerify6, d.verify6)
	return nil
}

func (d *Tape) CleanUp() {
	d.FlushCache()
	if d.file != nil {
		d.file.Close()
		d.file = nil
	}
	d.Primary.CleanUp()
}

func (d *Tape) openTape() error {
	size, err := d.FileSize()
	if err != nil {
		return err
	}

	sectorSize := d.ConfiguredSectorSize()
	if sectorSize == 0 {
		sectorSize = 512
	}
	if err := d.SetSectorSize(sectorSize); err != nil {
		return err
	}
	d.SetBlockCount(uint64(size >> d.SectorSizeShift()))

	if err := d.ValidateFile(); err != nil {
		return err
	}

	flags := os.O_RDWR
	if d.IsReadOnly() {
		flags = os.O_RDONLY
	}
	f, err := os.OpenFile(d.Filename(), flags, 0)
	if err != nil {
		return errors.Wrap(err, "can't open tape image")
	}
	d.file = f
	d.position = 0

	if d.IsReady() {
		d.SetAttn(true)
	}
	return nil
}

func (d *Tape) FlushCache() {
	if d.file != nil {
		d.file.Sync()
	}
}

func (d *Tape) Eject(force bool) bool {
	if !d.Base.Eject(force) {
		return false
	}

	d.FlushCache()
	if d.file != nil {
		d.file.Close()
		d.file = nil
	}
	d.UnreserveFile()
	d.position = 0
	return true
}

func (d *Tape) erase() error {
	if err := d.CheckReady(); err != nil {
		return err
	}
	d.position = 0
	d.ctl.EnterStatusPhase()
	return nil
}

func (d *Tape) rewind() error {
	if err := d.CheckReady(); err != nil {
		return err
	}
	d.position = 0
	d.ctl.EnterStatusPhase()
	return nil
}

func (d *Tape) read6() error {
	if err := d.CheckReady(); err != nil {
		return err
	}

	cdb := d.ctl.CDB()
	fixed := cdb[1]&0x01 != 0
	length := scsi.GetInt24(cdb, 2)

	if !fixed {
		if length != d.SectorSize() {
			return scsi.NewError(scsi.SenseIllegalRequest, scsi.ASCInvalidFieldInCDB)
		}
	} else {
		length *= d.SectorSize()
	}
	if length == 0 {
		d.ctl.EnterStatusPhase()
		return nil
	}

	block := uint64(d.position) >> uint(d.SectorSizeShift())
	d.ctl.SetBlocks(uint32(length / d.SectorSize()))
	n, err := d.ReadBlock(d.ctl.Buffer(), block)
	if err != nil {
		return err
	}
	d.ctl.SetLength(n)
	d.ctl.SetNext(block + 1)

	d.ctl.EnterDataInPhase()
	return nil
}

func (d *Tape) write6() error {
	if err := d.CheckReady(); err != nil {
		return err
	}
	if d.IsProtected() {
		return scsi.NewError(scsi.SenseDataProtect, scsi.ASCWriteProtected)
	}

	cdb := d.ctl.CDB()
	fixed := cdb[1]&0x01 != 0
	length := scsi.GetInt24(cdb, 2)

	if !fixed {
		if length != d.SectorSize() {
			return scsi.NewError(scsi.SenseIllegalRequest, scsi.ASCInvalidFieldInCDB)
		}
	} else {
		length *= d.SectorSize()
	}
	if length == 0 {
		d.ctl.EnterStatusPhase()
		return nil
	}

	block := uint64(d.position) >> uint(d.SectorSizeShift())
	d.ctl.SetBlocks(uint32(length / d.SectorSize()))
	d.ctl.SetLength(d.SectorSize())
	d.ctl.SetNext(block + 1)

	d.ctl.EnterDataOutPhase()
	return nil
}

// ReadBlock reads one block at the given position and advances the tape.
func (d *Tape) ReadBlock(buf []byte, block uint64) (int, error) {
	size := d.SectorSize()
	offset := int64(block) << uint(d.SectorSizeShift())
	if _, err := d.file.ReadAt(buf[:size], offset); err != nil {
		return 0, scsi.NewError(scsi.SenseMediumError, scsi.ASCReadFault)
	}
	d.position = offset + int64(size)
	return size, nil
}

// WriteBlock writes one block at the given position and advances the tape.
func (d *Tape) WriteBlock(buf []byte, block uint64) error {
	size := d.SectorSize()
	offset := int64(block) << uint(d.SectorSizeShift())
	if _, err := d.file.WriteAt(buf[:size], offset); err != nil {
		return scsi.NewError(scsi.SenseMediumError, scsi.ASCWriteFault)
	}
	d.position = offset + int64(size)
	return nil
}

func (d *Tape) verify6() error {
	if err := d.CheckReady(); err != nil {
		return err
	}

	cdb := d.ctl.CDB()

	// BytCmp=0 is a position check only
	if cdb[1]&0x02 == 0 {
		d.ctl.EnterStatusPhase()
		return nil
	}

	fixed := cdb[1]&0x01 != 0
	length := scsi.GetInt24(cdb, 2)
	if fixed {
		length *= d.SectorSize()
	}
	if length == 0 {
		d.ctl.EnterStatusPhase()
		return nil
	}

	block := uint64(d.position) >> uint(d.SectorSizeShift())
	d.ctl.SetBlocks(uint32(length / d.SectorSize()))
	n, err := d.ReadBlock(d.ctl.Buffer(), block)
	if err != nil {
		return err
	}
	d.ctl.SetLength(n)
	d.ctl.SetNext(block + 1)

	d.ctl.EnterDataOutPhase()
	return nil
}

// readBlockLimits returns the supported block length range: maximum as a
// 24-bit field at offset 1, minimum as a 16-bit field at offset 4.
func (d *Tape) readBlockLimits() error {
	buf := d.ctl.AllocateBuffer(6)
	for i := 0; i < 6; i++ {
		buf[i] = 0
	}
	scsi.SetInt24(buf, 1, d.MaxSectorSize())
	scsi.SetInt16(buf, 4, d.MinSectorSize())

	d.ctl.SetBlocks(1)
	d.ctl.SetLength(6)
	d.ctl.EnterDataInPhase()
	return nil
}

// space moves the position. Only code 0 (blocks) moves; the filemark and
// setmark codes report BLANK CHECK. A correct filemark implementation
// remains a follow-up.
func (d *Tape) space() error {
	if err := d.CheckReady(); err != nil {
		return err
	}

	cdb := d.ctl.CDB()
	code := cdb[1] & 0x07
	count := int64(scsi.GetInt24(cdb, 2))

	if code == 0 {
		size, err := d.FileSize()
		if err == nil && d.position+count*int64(d.SectorSize()) <= size {
			d.position += count * int64(d.SectorSize())
			d.ctl.EnterStatusPhase()
			return nil
		}
	}

	return scsi.NewError(scsi.SenseBlankCheck, scsi.ASCNoAdditionalSense)
}

func (d *Tape) writeFilemarks() error {
	if err := d.CheckReady(); err != nil {
		return err
	}

	// Filemarks are accepted; no mark is written and the position is
	// unchanged
	d.ctl.EnterStatusPhase()
	return nil
}

// loadUnload handles LOAD UNLOAD (0x1B): Load rewinds, EOT seeks to the
// end, both together is illegal.
func (d *Tape) loadUnload() error {
	if err := d.CheckReady(); err != nil {
		return err
	}

	cdb := d.ctl.CDB()
	load := cdb[4]&0x01 != 0
	eot := cdb[4]&0x04 != 0

	if load && eot {
		return scsi.NewError(scsi.SenseIllegalRequest, scsi.ASCNoAdditionalSense)
	}

	if load {
		d.position = 0
	} else if eot {
		size, err := d.FileSize()
		if err != nil {
			return scsi.NewError(scsi.SenseMediumError, scsi.ASCReadFault)
		}
		d.position = size
	}

	d.ctl.EnterStatusPhase()
	return nil
}

// readPosition returns 20 bytes: BOP at the start of the tape, EOP at or
// past the last block, and the current LBA duplicated at offsets 4 and 8.
func (d *Tape) readPosition() error {
	buf := d.ctl.AllocateBuffer(20)
	for i := range buf[:20] {
		buf[i] = 0
	}

	lba := uint64(d.position) >> uint(d.SectorSizeShift())
	if lba == 0 {
		buf[0] |= 0x80
	} else if lba >= d.BlockCount() {
		buf[0] |= 0x40
	}

	scsi.SetInt32(buf, 4, uint32(lba))
	scsi.SetInt32(buf, 8, uint32(lba))

	d.ctl.SetLength(20)
	d.ctl.EnterDataInPhase()
	return nil
}

func (d *Tape) tapeModeSense6(cdb scsi.CDB, buf []byte) (int, error) {
	length := int(cdb[4])
	if length > len(buf) {
		length = len(buf)
	}
	for i := 0; i < length; i++ {
		buf[i] = 0
	}

	if d.IsProtected() {
		buf[2] = 0x80
	}

	size := 4
	if cdb[1]&0x08 == 0 {
		buf[3] = 0x08
		if d.IsReady() {
			scsi.SetInt32(buf, 4, uint32(d.BlockCount()))
			scsi.SetInt32(buf, 8, uint32(d.SectorSize()))
		}
		size = 12
	}

	buf[0] = byte(size - 4)
	if size > length {
		size = length
	}
	return size, nil
}

func (d *Tape) tapeModeSense10(cdb scsi.CDB, buf []byte) (int, error) {
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
	if cdb[1]&0x08 == 0 && d.IsReady() {
		buf[7] = 0x08
		scsi.SetInt32(buf, 8, uint32(d.BlockCount()))
		scsi.SetInt32(buf, 12, uint32(d.SectorSize()))
		size = 16
	}

	scsi.SetInt16(buf, 0, size-8)
	if size > length {
		size = length
	}
	return size, nil
}

// tapeModeSelect accepts a parameter list with one block descriptor and
// applies the block length when saving is requested.
func (d *Tape) tapeModeSelect(cmd scsi.Command, cdb scsi.CDB, buf []byte, length int) error {
	if cmd != scsi.CmdModeSelect6 {
		return scsi.NewError(scsi.SenseIllegalRequest, scsi.ASCInvalidCommandOpcode)
	}

	pf := cdb[1]&0x10 != 0
	sp := cdb[1]&0x01 != 0

	listLen := int(cdb[4])
	if (!pf && listLen != 12) || listLen < 12 || listLen > length {
		return scsi.NewError(scsi.SenseIllegalRequest, scsi.ASCParameterListLength)
	}

	if buf[3] != 0x08 {
		return scsi.NewError(scsi.SenseIllegalRequest, scsi.ASCInvalidFieldInParmList)
	}

	if sp {
		blockLength := scsi.GetInt24(buf, 9)
		if err := d.SetSectorSize(blockLength); err != nil {
			return scsi.NewError(scsi.SenseIllegalRequest, scsi.ASCInvalidFieldInParmList)
		}
	}
	return nil
}
