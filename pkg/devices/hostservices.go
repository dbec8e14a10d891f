// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Host services device with realtime clock and shutdown support:
//
// 1. Vendor-specific mode page 0x20 returns the current date and time.
//
// 2. START/STOP UNIT shuts down the emulator or shuts down/reboots the
//    host:
//    a) !start && !load (STOP): shut down the emulator
//    b) !start && load (EJECT): shut down the host
//    c) start && load (LOAD): reboot the host

package devices

import (
	"time"

	"github.com/goscsi/goscsi/pkg/scsi"
)

// HostServices is the PROCESSOR-type administrative device.
type HostServices struct {
	ModePage

	// Clock is replaceable for testing.
	Clock func() time.Time
}

func NewHostServices(lun int) *HostServices {
	d := &HostServices{ModePage: newModePage(KindSCHS, lun), Clock: time.Now}

	d.inquiry = func() ([]byte, error) {
		return d.StandardInquiry(scsi.TypeProcessor, scsi.LevelSPC3, false), nil
	}
	d.setUpModePages = d.servicesModePages
	d.modeSense6 = d.servicesModeSense6
	d.modeSense10 = d.servicesModeSense10

	d.SetReady(true)
	return d
}

func (d *HostServices) Init(params map[string]string) error {
	if err := d.ModePage.Init(params); err != nil {
		return err
	}

	d.AddCommand(scsi.CmdTestUnitReady, d.testReady)
	d.AddCommand(scsi.CmdStartStop, d.startStopUnit)
	return nil
}

func (d *HostServices) testReady() error {
	// Always successful
	d.ctl.EnterStatusPhase()
	return nil
}

// startStopUnit encodes the administrative request in the start and load
// bits of CDB byte 4.
func (d *HostServices) startStopUnit() error {
	cdb := d.ctl.CDB()
	start := cdb[4]&0x01 != 0
	load := cdb[4]&0x02 != 0

	switch {
	case !start && !load:
		d.ctl.ScheduleShutdown(ShutdownStopEmulator)
	case !start && load:
		d.ctl.ScheduleShutdown(ShutdownStopHost)
	case start && load:
		d.ctl.ScheduleShutdown(ShutdownRestartHost)
	default:
		return scsi.NewError(scsi.SenseIllegalRequest, scsi.ASCInvalidFieldInCDB)
	}

	d.ctl.EnterStatusPhase()
	return nil
}

func (d *HostServices) servicesModeSense6(cdb scsi.CDB, buf []byte) (int, error) {
	// Block descriptors cannot be returned
	if cdb[1]&0x08 == 0 {
		return 0, scsi.NewError(scsi.SenseIllegalRequest, scsi.ASCInvalidFieldInCDB)
	}

	length := int(cdb[4])
	if length > len(buf) {
		length = len(buf)
	}
	for i := 0; i < length; i++ {
		buf[i] = 0
	}

	size, err := d.addModePages(cdb, buf, 4, length, 255)
	if err != nil {
		return 0, err
	}

	buf[0] = byte(size - 4)
	return size, nil
}

func (d *HostServices) servicesModeSense10(cdb scsi.CDB, buf []byte) (int, error) {
	if cdb[1]&0x08 == 0 {
		return 0, scsi.NewError(scsi.SenseIllegalRequest, scsi.ASCInvalidFieldInCDB)
	}

	length := scsi.GetInt16(cdb, 7)
	if length > len(buf) {
		length = len(buf)
	}
	for i := 0; i < length; i++ {
		buf[i] = 0
	}

	size, err := d.addModePages(cdb, buf, 8, length, 65535)
	if err != nil {
		return 0, err
	}

	scsi.SetInt16(buf, 0, size-8)
	return size, nil
}

func (d *HostServices) servicesModePages(pages map[int][]byte, page int, changeable bool) {
	if page == 0x20 || page == allPages {
		d.addRealtimeClockPage(pages, changeable)
	}
}

// addRealtimeClockPage is page 32 (20h): {major, minor, year, month,
// day, hour, minute, second} in tm conventions, seconds capped at 59.
func (d *HostServices) addRealtimeClockPage(pages map[int][]byte, changeable bool) {
	buf := make([]byte, 10)

	if !changeable {
		now := d.Clock()

		buf[2] = 0x01             // major version
		buf[3] = 0x00             // minor version
		buf[4] = byte(now.Year() - 1900)
		buf[5] = byte(int(now.Month()) - 1)
		buf[6] = byte(now.Day())
		buf[7] = byte(now.Hour())
		buf[8] = byte(now.Minute())
		sec := now.Second()
		if sec > 59 {
			// Ignore the leap second for simplicity
			sec = 59
		}
		buf[9] = byte(sec)
	}

	pages[32] = buf
}
