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

// CDTrack is one entry of the CD-ROM track table.
type CDTrack struct {
	number int
	first  uint32
	last   uint32
	audio  bool
	path   string
}

func (t *CDTrack) Number() int    { return t.number }
func (t *CDTrack) First() uint32  { return t.first }
func (t *CDTrack) Last() uint32   { return t.last }
func (t *CDTrack) IsAudio() bool  { return t.audio }
func (t *CDTrack) Path() string   { return t.path }
func (t *CDTrack) Blocks() uint32 { return t.last - t.first + 1 }

// Contains reports whether lba falls into this track.
func (t *CDTrack) Contains(lba uint32) bool {
	return t.first <= lba && lba <= t.last
}

// SCSICD is the CD-ROM drive. The LBA to track lookup is linear: real
// discs have a small track count.
type SCSICD struct {
	Disk

	level     scsi.Level
	rawfile   bool
	tracks    []*CDTrack
	dataindex int
}

func NewSCSICD(lun int, sectorSizes []int, level scsi.Level) *SCSICD {
	d := &SCSICD{Disk: newDisk(KindSCCD, lun, sectorSizes), level: level, dataindex: -1}

	d.SetReadOnly(true)
	d.SetRemovable(true)
	d.SetLockable(true)

	d.bindDisk()

	d.inquiry = func() ([]byte, error) {
		return d.StandardInquiry(scsi.TypeCDROM, d.level, true), nil
	}
	d.setUpModePages = func(pages map[int][]byte, page int, changeable bool) {
		d.diskModePages(pages, page, changeable)

		if page == 0x0d || page == allPages {
			d.addCDROMPage(pages, changeable)
		}
		if page == 0x0e || page == allPages {
			d.addCDDAPage(pages, changeable)
		}
	}
	d.addVendorPage = func(pages map[int][]byte, page int, changeable bool) {
		if page == 0x30 || page == allPages {
			addAppleVendorPage(pages, changeable)
		}
	}
	d.readBlock = d.readCD
	d.modeSelect = nil
	d.open = d.openCD

	return d
}

func (d *SCSICD) Init(params map[string]string) error {
	if err := d.Disk.Init(params); err != nil {
		return err
	}

	d.AddCommand(scsi.CmdReadToc, d.readToc)
	return nil
}

func (d *SCSICD) openCD() error {
	// Initialization, track clear
	d.SetBlockCount(0)
	d.rawfile = false
	d.clearTracks()

	// Default sector size is 2048 bytes
	sectorSize := d.ConfiguredSectorSize()
	if sectorSize == 0 {
		sectorSize = 2048
	}
	if err := d.SetSectorSize(sectorSize); err != nil {
		return err
	}

	size, err := d.FileSize()
	if err != nil {
		return err
	}
	if size < 2048 {
		return errors.New("ISO CD-ROM file size must be at least 2048 bytes")
	}

	f, err := os.Open(d.Filename())
	if err != nil {
		return errors.Wrap(err, "can't read header of CD-ROM file")
	}
	header := make([]byte, 16)
	_, err = io.ReadFull(f, header)
	f.Close()
	if err != nil {
		return errors.Wrap(err, "can't read header of CD-ROM file")
	}

	if image.IsCueSheet(header) {
		return errors.New("CUE CD-ROM files are not supported")
	}

	raw, err := image.IsRawCD(header)
	if err != nil {
		return err
	}
	d.rawfile = raw

	if raw {
		if size%2352 != 0 {
			d.l.Warnf("Raw ISO CD-ROM file size is not a multiple of 2352 bytes but is %d bytes", size)
		}
		d.SetBlockCount(uint64(size / 2352))
	} else {
		d.SetBlockCount(uint64(size >> d.SectorSizeShift()))
	}

	d.createDataTrack()

	if err := d.ValidateFile(); err != nil {
		return err
	}

	d.SetUpCache(0, d.rawfile)

	d.SetReadOnly(true)
	d.SetProtectable(false)

	if d.IsReady() {
		d.SetAttn(true)
	}
	return nil
}

func (d *SCSICD) clearTracks() {
	d.tracks = nil
	d.dataindex = -1
}

func (d *SCSICD) createDataTrack() {
	track := &CDTrack{
		number: 1,
		first:  0,
		last:   uint32(d.BlockCount()) - 1,
		path:   d.Filename(),
	}
	d.tracks = append(d.tracks, track)
	d.dataindex = 0
}

func (d *SCSICD) searchTrack(lba uint32) int {
	for i, t := range d.tracks {
		if t.Contains(lba) {
			return i
		}
	}
	return -1
}

// readCD fetches one block, re-targeting the cache when the LBA falls
// into a different track than the current one.
func (d *SCSICD) readCD(buf []byte, block uint64) (int, error) {
	if err := d.CheckReady(); err != nil {
		return 0, err
	}

	index := d.searchTrack(uint32(block))
	if index < 0 {
		return 0, scsi.NewError(scsi.SenseIllegalRequest, scsi.ASCLBAOutOfRange)
	}

	if d.dataindex != index {
		d.SetBlockCount(uint64(d.tracks[index].Blocks()))

		// Re-assign the cache; nothing to save on read-only media
		d.ResizeCache(d.tracks[index].Path(), d.rawfile)

		d.dataindex = index
	}

	return d.readFromCache(buf, block)
}

func (d *SCSICD) readToc() error {
	length, err := d.readTocInternal(d.ctl.CDB(), d.ctl.Buffer())
	if err != nil {
		return err
	}
	d.ctl.SetLength(length)

	d.ctl.EnterDataInPhase()
	return nil
}

func (d *SCSICD) readTocInternal(cdb scsi.CDB, buf []byte) (int, error) {
	if err := d.CheckReady(); err != nil {
		return 0, err
	}

	// If ready, there is at least one track
	length := scsi.GetInt16(cdb, 7)
	for i := 0; i < length && i < len(buf); i++ {
		buf[i] = 0
	}

	msf := cdb[1]&0x02 != 0

	last := d.tracks[len(d.tracks)-1].Number()
	// Any start track beyond the last is invalid, except the lead-out
	if int(cdb[6]) > last && cdb[6] != 0xaa {
		return 0, scsi.NewError(scsi.SenseIllegalRequest, scsi.ASCInvalidFieldInCDB)
	}

	index := 0
	if cdb[6] != 0 {
		for index < len(d.tracks) && int(cdb[6]) != d.tracks[index].Number() {
			index++
		}

		if index == len(d.tracks) {
			if cdb[6] != 0xaa {
				return 0, scsi.NewError(scsi.SenseIllegalRequest, scsi.ASCInvalidFieldInCDB)
			}

			// Lead-out: the final LBA + 1
			buf[0] = 0x00
			buf[1] = 0x0a
			buf[2] = byte(d.tracks[0].Number())
			buf[3] = byte(last)
			buf[6] = 0xaa
			lba := d.tracks[len(d.tracks)-1].Last() + 1
			if msf {
				lbaToMSF(lba, buf[8:])
			} else {
				scsi.SetInt16(buf, 10, int(lba))
			}
			return length, nil
		}
	}

	loops := last - d.tracks[index].Number() + 1

	// Header: total length, first and last track
	scsi.SetInt16(buf, 0, loops<<3+2)
	buf[2] = byte(d.tracks[0].Number())
	buf[3] = byte(last)

	offset := 4
	for i := 0; i < loops; i++ {
		t := d.tracks[index]

		// ADR and control
		if t.IsAudio() {
			buf[offset+1] = 0x10
		} else {
			buf[offset+1] = 0x14
		}

		buf[offset+2] = byte(t.Number())

		if msf {
			lbaToMSF(t.First(), buf[offset+4:])
		} else {
			scsi.SetInt16(buf, offset+6, int(t.First()))
		}

		offset += 8
		index++
	}

	// Always return only the allocation length
	return length, nil
}

// lbaToMSF converts an LBA to minute/second/frame with 75 frames per
// second and the 2-second pre-gap added to the seconds.
func lbaToMSF(lba uint32, msf []byte) {
	m := lba / (75 * 60)
	s := lba % (75 * 60)
	f := s % 75
	s /= 75

	// The base point is M=0, S=2, F=0
	s += 2
	if s >= 60 {
		s -= 60
		m++
	}

	msf[0] = 0x00
	msf[1] = byte(m)
	msf[2] = byte(s)
	msf[3] = byte(f)
}

// addCDROMPage is page 13 (0Dh): 2 seconds inactivity timer, MSF
// multiples 60 and 75.
func (d *SCSICD) addCDROMPage(pages map[int][]byte, changeable bool) {
	buf := make([]byte, 8)

	if !changeable {
		buf[3] = 0x05
		buf[5] = 60
		buf[7] = 75
	}

	pages[13] = buf
}

// addCDDAPage is page 14 (0Eh). Audio waits for completion and PLAY may
// cross track boundaries.
func (d *SCSICD) addCDDAPage(pages map[int][]byte, _ bool) {
	pages[14] = make([]byte, 16)
}
