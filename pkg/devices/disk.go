// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package devices

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/goscsi/goscsi/pkg/cache"
	"github.com/goscsi/goscsi/pkg/scsi"
)

var sectorIO = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "goscsi_device_sector_io_total",
	Help: "Sectors transferred between initiators and block devices",
}, []string{"type", "direction"})

func init() {
	prometheus.MustRegister(sectorIO)
}

// accessMode distinguishes the CDB groups of the block commands.
type accessMode int

const (
	rw6 accessMode = iota
	rw10
	rw16
	seek6
	seek10
)

// Disk is the direct-access device: the shared implementation under the
// hard disk variants, the magneto-optical drive and the CD-ROM.
type Disk struct {
	Storage

	cache *cache.DiskCache

	sectorReads  uint64
	sectorWrites uint64

	// Page-building hooks the concrete types replace or extend.
	addFormatPage func(pages map[int][]byte, changeable bool)
	addDrivePage  func(pages map[int][]byte, changeable bool)
	addVendorPage func(pages map[int][]byte, page int, changeable bool)

	// readBlock fetches one block; the CD-ROM replaces it to follow
	// its track table.
	readBlock func(buf []byte, block uint64) (int, error)
}

func newDisk(kind Kind, lun int, sectorSizes []int) Disk {
	return Disk{Storage: newStorage(kind, lun, sectorSizes)}
}

// bindDisk wires the default hooks. It must run on the final allocation:
// concrete types call it from their constructors before installing their
// own overrides, so the closures never point at a stale copy.
func (d *Disk) bindDisk() {
	d.addFormatPage = d.defaultFormatPage
	d.addDrivePage = d.defaultDrivePage
	d.addVendorPage = func(map[int][]byte, int, bool) {}
	d.readBlock = d.readFromCache
	d.setUpModePages = d.diskModePages
	d.modeSense6 = d.diskModeSense6
	d.modeSense10 = d.diskModeSense10
	d.modeSelect = d.diskModeSelect
}

func (d *Disk) Init(params map[string]string) error {
	if err := d.ModePage.Init(params); err != nil {
		return err
	}

	// REZERO and REASSIGN BLOCKS are identical with SEEK
	d.AddCommand(scsi.CmdRezero, d.seek)
	d.AddCommand(scsi.CmdFormatUnit, d.formatUnit)
	d.AddCommand(scsi.CmdReassignBlocks, d.seek)
	d.AddCommand(scsi.CmdRead6, func() error { return d.read(rw6) })
	d.AddCommand(scsi.CmdWrite6, func() error { return d.write(rw6) })
	d.AddCommand(scsi.CmdSeek6, func() error { return d.seekWithAddress(seek6) })
	d.AddCommand(scsi.CmdStartStop, d.startStopUnit)
	d.AddCommand(scsi.CmdPreventAllowRemoval, d.preventAllowRemoval)
	d.AddCommand(scsi.CmdReadCapacity10, d.readCapacity10)
	d.AddCommand(scsi.CmdRead10, func() error { return d.read(rw10) })
	d.AddCommand(scsi.CmdWrite10, func() error { return d.write(rw10) })
	d.AddCommand(scsi.CmdReadLong10, d.readWriteLong10)
	d.AddCommand(scsi.CmdWriteLong10, d.readWriteLong10)
	d.AddCommand(scsi.CmdWriteLong16, d.readWriteLong16)
	d.AddCommand(scsi.CmdSeek10, func() error { return d.seekWithAddress(seek10) })
	d.AddCommand(scsi.CmdVerify10, func() error { return d.verify(rw10) })
	d.AddCommand(scsi.CmdSynchronizeCache10, d.synchronizeCache)
	d.AddCommand(scsi.CmdSynchronizeCache16, d.synchronizeCache)
	d.AddCommand(scsi.CmdReadDefectData10, d.readDefectData10)
	d.AddCommand(scsi.CmdRead16, func() error { return d.read(rw16) })
	d.AddCommand(scsi.CmdWrite16, func() error { return d.write(rw16) })
	d.AddCommand(scsi.CmdVerify16, func() error { return d.verify(rw16) })
	d.AddCommand(scsi.CmdReadCapacity16, d.readCapacity16OrLong16)
	return nil
}

func (d *Disk) CleanUp() {
	d.FlushCache()
	d.Primary.CleanUp()
}

// Dispatch reports a pending medium change before running any command;
// the attention must surface on the next access of any kind.
func (d *Disk) Dispatch(cmd scsi.Command) error {
	if d.IsMediumChanged() {
		d.SetMediumChanged(false)
		return scsi.NewError(scsi.SenseUnitAttention, scsi.ASCNotReadyToReadyChange)
	}
	return d.Primary.Dispatch(cmd)
}

// SetUpCache binds the track cache to the opened image.
func (d *Disk) SetUpCache(imageOffset int64, raw bool) {
	d.cache = cache.New(d.Filename(), d.shift, d.blocks, imageOffset)
	d.cache.SetRawMode(raw)
}

// ResizeCache rebinds the cache to a different backing path, used when a
// CD READ switches tracks.
func (d *Disk) ResizeCache(path string, raw bool) {
	d.cache = cache.New(path, d.shift, d.blocks, 0)
	d.cache.SetRawMode(raw)
}

func (d *Disk) Cache() *cache.DiskCache { return d.cache }

func (d *Disk) FlushCache() {
	if d.cache != nil && d.IsReady() {
		d.cache.Save()
	}
}

func (d *Disk) Eject(force bool) bool {
	if !d.Base.Eject(force) {
		return false
	}

	// Base.Eject has cleared the ready flag, which FlushCache checks
	if d.cache != nil {
		d.cache.Save()
	}
	d.cache = nil

	// The image file is not in use anymore
	d.UnreserveFile()

	d.sectorReads = 0
	d.sectorWrites = 0
	return true
}

func (d *Disk) formatUnit() error {
	if err := d.CheckReady(); err != nil {
		return err
	}

	// FMTDATA=1 is not supported (but OK if there is no DEFECT LIST)
	cdb := d.ctl.CDB()
	if cdb[1]&0x10 != 0 && cdb[4] != 0 {
		return scsi.NewError(scsi.SenseIllegalRequest, scsi.ASCInvalidFieldInCDB)
	}

	d.ctl.EnterStatusPhase()
	return nil
}

func (d *Disk) read(mode accessMode) error {
	valid, start, blocks, err := d.checkAndGetStartAndCount(mode)
	if err != nil {
		return err
	}
	if !valid {
		d.ctl.EnterStatusPhase()
		return nil
	}

	d.ctl.SetBlocks(blocks)
	length, err := d.ReadBlock(d.ctl.Buffer(), start)
	if err != nil {
		return err
	}
	d.ctl.SetLength(length)
	d.ctl.SetNext(start + 1)

	d.ctl.EnterDataInPhase()
	return nil
}

func (d *Disk) write(mode accessMode) error {
	if d.IsProtected() {
		return scsi.NewError(scsi.SenseDataProtect, scsi.ASCWriteProtected)
	}

	valid, start, blocks, err := d.checkAndGetStartAndCount(mode)
	if err != nil {
		return err
	}
	if !valid {
		d.ctl.EnterStatusPhase()
		return nil
	}

	d.ctl.SetBlocks(blocks)
	d.ctl.SetLength(d.SectorSize())
	d.ctl.SetNext(start + 1)

	d.ctl.EnterDataOutPhase()
	return nil
}

func (d *Disk) verify(mode accessMode) error {
	valid, start, blocks, err := d.checkAndGetStartAndCount(mode)
	if err != nil {
		return err
	}
	if !valid {
		d.ctl.EnterStatusPhase()
		return nil
	}

	// BytChk=0 degenerates into a seek
	if d.ctl.CDB()[1]&0x02 == 0 {
		return d.seek()
	}

	d.ctl.SetBlocks(blocks)
	length, err := d.ReadBlock(d.ctl.Buffer(), start)
	if err != nil {
		return err
	}
	d.ctl.SetLength(length)
	d.ctl.SetNext(start + 1)

	d.ctl.EnterDataOutPhase()
	return nil
}

func (d *Disk) seek() error {
	if err := d.CheckReady(); err != nil {
		return err
	}
	d.ctl.EnterStatusPhase()
	return nil
}

func (d *Disk) seekWithAddress(mode accessMode) error {
	valid, _, _, err := d.checkAndGetStartAndCount(mode)
	if err != nil {
		return err
	}
	if valid {
		if err := d.CheckReady(); err != nil {
			return err
		}
	}
	d.ctl.EnterStatusPhase()
	return nil
}

func (d *Disk) startStopUnit() error {
	cdb := d.ctl.CDB()
	start := cdb[4]&0x01 != 0
	load := cdb[4]&0x02 != 0

	if !load {
		d.SetStopped(!start)
	}

	if !start {
		if load {
			if d.IsLocked() {
				// Cannot be ejected because it is locked
				return scsi.NewError(scsi.SenseIllegalRequest, scsi.ASCLoadOrEjectFailed)
			}
			if !d.Eject(false) {
				return scsi.NewError(scsi.SenseIllegalRequest, scsi.ASCLoadOrEjectFailed)
			}
		} else {
			d.FlushCache()
		}
	}

	d.ctl.EnterStatusPhase()
	return nil
}

func (d *Disk) preventAllowRemoval() error {
	if err := d.CheckReady(); err != nil {
		return err
	}

	d.SetLocked(d.ctl.CDB()[4]&0x01 != 0)

	d.ctl.EnterStatusPhase()
	return nil
}

func (d *Disk) synchronizeCache() error {
	if d.cache != nil && d.IsReady() && !d.cache.Save() {
		return scsi.NewError(scsi.SenseMediumError, scsi.ASCWriteFault)
	}

	d.ctl.EnterStatusPhase()
	return nil
}

func (d *Disk) readDefectData10() error {
	allocation := scsi.GetInt16(d.ctl.CDB(), 7)
	if allocation > 4 {
		allocation = 4
	}

	// The defect list is empty
	buf := d.ctl.Buffer()
	for i := 0; i < allocation; i++ {
		buf[i] = 0
	}
	d.ctl.SetLength(allocation)

	d.ctl.EnterDataInPhase()
	return nil
}

func (d *Disk) readCapacity10() error {
	if err := d.CheckReady(); err != nil {
		return err
	}
	if d.blocks == 0 {
		return scsi.NewError(scsi.SenseIllegalRequest, scsi.ASCMediumNotPresent)
	}

	buf := d.ctl.Buffer()

	// End of logical block address. Beyond 32 bit the initiator has to
	// use READ CAPACITY(16).
	capacity := d.blocks - 1
	if capacity > 0xffffffff {
		capacity = 0xffffffff
	}
	scsi.SetInt32(buf, 0, uint32(capacity))
	scsi.SetInt32(buf, 4, uint32(d.SectorSize()))

	d.ctl.SetLength(8)
	d.ctl.EnterDataInPhase()
	return nil
}

func (d *Disk) readCapacity16() error {
	if err := d.CheckReady(); err != nil {
		return err
	}
	if d.blocks == 0 {
		return scsi.NewError(scsi.SenseIllegalRequest, scsi.ASCMediumNotPresent)
	}

	buf := d.ctl.Buffer()
	scsi.SetInt64(buf, 0, d.blocks-1)
	scsi.SetInt32(buf, 8, uint32(d.SectorSize()))
	buf[12] = 0
	// Logical blocks per physical block: not reported
	buf[13] = 0

	d.ctl.SetLength(14)
	d.ctl.EnterDataInPhase()
	return nil
}

func (d *Disk) readCapacity16OrLong16() error {
	// The service action determines the actual command
	switch d.ctl.CDB()[1] & 0x1f {
	case 0x10:
		return d.readCapacity16()
	case 0x11:
		return d.readWriteLong16()
	default:
		return scsi.NewError(scsi.SenseIllegalRequest, scsi.ASCInvalidFieldInCDB)
	}
}

func (d *Disk) readWriteLong10() error {
	if err := d.validateBlockAddress(rw10); err != nil {
		return err
	}

	// Transfer lengths other than 0 are not supported, which is
	// SCSI compliant
	if scsi.GetInt16(d.ctl.CDB(), 7) != 0 {
		return scsi.NewError(scsi.SenseIllegalRequest, scsi.ASCInvalidFieldInCDB)
	}

	d.ctl.EnterStatusPhase()
	return nil
}

func (d *Disk) readWriteLong16() error {
	if err := d.validateBlockAddress(rw16); err != nil {
		return err
	}

	if scsi.GetInt16(d.ctl.CDB(), 12) != 0 {
		return scsi.NewError(scsi.SenseIllegalRequest, scsi.ASCInvalidFieldInCDB)
	}

	d.ctl.EnterStatusPhase()
	return nil
}

func (d *Disk) validateBlockAddress(mode accessMode) error {
	cdb := d.ctl.CDB()
	var block uint64
	if mode == rw16 {
		block = scsi.GetInt64(cdb, 2)
	} else {
		block = uint64(scsi.GetInt32(cdb, 2))
	}

	if block > d.blocks {
		return scsi.NewError(scsi.SenseIllegalRequest, scsi.ASCLBAOutOfRange)
	}
	return nil
}

// checkAndGetStartAndCount extracts LBA and block count for the CDB
// group. A 6-byte CDB holds a 21-bit LBA and treats a count of 0 as 256
// blocks. A zero count on the 10/16-byte forms means nothing to do.
func (d *Disk) checkAndGetStartAndCount(mode accessMode) (bool, uint64, uint32, error) {
	cdb := d.ctl.CDB()

	var start uint64
	var count uint32

	if mode == rw6 || mode == seek6 {
		start = uint64(scsi.GetInt24(cdb, 1)) & 0x1fffff
		count = uint32(cdb[4])
		if count == 0 {
			count = 0x100
		}
	} else {
		if mode == rw16 {
			start = scsi.GetInt64(cdb, 2)
		} else {
			start = uint64(scsi.GetInt32(cdb, 2))
		}

		switch mode {
		case rw16:
			count = scsi.GetInt32(cdb, 10)
		case seek6, seek10:
			count = 0
		default:
			count = uint32(scsi.GetInt16(cdb, 7))
		}
	}

	d.l.Tracef("READ/WRITE/VERIFY/SEEK, start block: $%08X, blocks: %d", start, count)

	if capacity := d.blocks; capacity == 0 || start > capacity || start+uint64(count) > capacity {
		return false, 0, 0, scsi.NewError(scsi.SenseIllegalRequest, scsi.ASCLBAOutOfRange)
	}

	// Do not process 0 blocks
	if count == 0 && mode != seek6 && mode != seek10 {
		return false, start, count, nil
	}

	return true, start, count, nil
}

// ReadBlock fetches one block through the cache into buf and returns the
// number of bytes produced.
func (d *Disk) ReadBlock(buf []byte, block uint64) (int, error) {
	return d.readBlock(buf, block)
}

func (d *Disk) readFromCache(buf []byte, block uint64) (int, error) {
	if err := d.CheckReady(); err != nil {
		return 0, err
	}

	if !d.cache.ReadSector(buf, block) {
		return 0, scsi.NewError(scsi.SenseMediumError, scsi.ASCReadFault)
	}

	d.sectorReads++
	sectorIO.WithLabelValues(d.Kind().String(), "read").Inc()
	return d.SectorSize(), nil
}

// WriteBlock stores one block through the cache.
func (d *Disk) WriteBlock(buf []byte, block uint64) error {
	if err := d.CheckReady(); err != nil {
		return err
	}

	if !d.cache.WriteSector(buf, block) {
		return scsi.NewError(scsi.SenseMediumError, scsi.ASCWriteFault)
	}

	d.sectorWrites++
	sectorIO.WithLabelValues(d.Kind().String(), "write").Inc()
	return nil
}

// SectorReads and SectorWrites are the per-device transfer counters
// reported through the management channel.
func (d *Disk) SectorReads() uint64  { return d.sectorReads }
func (d *Disk) SectorWrites() uint64 { return d.sectorWrites }
