// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package devices

import (
	"os"
	"os/exec"
	"strings"

	"github.com/pkg/errors"

	"github.com/goscsi/goscsi/pkg/scsi"
)

// Printing works in two steps: the client sends the data with one or
// several PRINT commands, then triggers printing with SYNCHRONIZE
// BUFFER, which substitutes the spool file for %f in the configured
// command and runs it. It is recommended to reserve the printer before
// printing and release it afterwards.
type Printer struct {
	Primary

	spool    *os.File
	filename string
}

// The maximum transfer size per PRINT command.
const maxPrintSize = 4096

const printerFilePattern = "rascsi_sclp-*"

func NewPrinter(lun int) *Printer {
	d := &Printer{Primary: newPrimary(KindSCLP, lun)}
	d.SetSupportsParams(true)
	d.inquiry = func() ([]byte, error) {
		return d.StandardInquiry(scsi.TypePrinter, scsi.LevelSCSI2, false), nil
	}
	return d
}

func (d *Printer) Init(params map[string]string) error {
	if err := d.Primary.Init(params); err != nil {
		return err
	}

	d.AddCommand(scsi.CmdTestUnitReady, d.testReady)
	d.AddCommand(scsi.CmdPrint, d.print)
	d.AddCommand(scsi.CmdSynchronizeBuffer, d.synchronizeBuffer)
	// STOP PRINT is identical with TEST UNIT READY, it just returns
	// the status
	d.AddCommand(scsi.CmdStopPrint, d.testReady)

	if !strings.Contains(d.Param("cmd"), "%f") {
		return errors.New("missing filename specifier %f")
	}

	d.SetReady(true)
	return nil
}

func (d *Printer) CleanUp() {
	d.discardSpool()
	d.Primary.CleanUp()
}

func (d *Printer) testReady() error {
	// The printer is always ready
	d.ctl.EnterStatusPhase()
	return nil
}

func (d *Printer) print() error {
	length := scsi.GetInt24(d.ctl.CDB(), 2)

	d.l.Tracef("Receiving %d byte(s) to be printed", length)

	if length > maxPrintSize || length > len(d.ctl.Buffer()) {
		d.l.Errorf("Transfer buffer overflow: %d bytes expected", length)
		return scsi.NewError(scsi.SenseIllegalRequest, scsi.ASCInvalidFieldInCDB)
	}

	d.ctl.SetLength(length)
	d.ctl.SetByteTransfer(true)

	d.ctl.EnterDataOutPhase()
	return nil
}

func (d *Printer) synchronizeBuffer() error {
	if d.spool == nil {
		d.l.Warn("Nothing to print")
		return scsi.NewError(scsi.SenseAbortedCommand, scsi.ASCNoAdditionalSense)
	}

	cmd := strings.Replace(d.Param("cmd"), "%f", d.filename, 1)

	d.spool.Close()
	d.spool = nil

	d.l.Debugf("Executing '%s'", cmd)

	if err := exec.Command("/bin/sh", "-c", cmd).Run(); err != nil {
		d.l.Errorf("Printing file '%s' failed, the printing system might not be configured: %v",
			d.filename, err)
		d.discardSpool()
		return scsi.NewError(scsi.SenseAbortedCommand, scsi.ASCNoAdditionalSense)
	}

	d.discardSpool()

	d.ctl.EnterStatusPhase()
	return nil
}

// WriteBytes appends a PRINT payload to the spool file, creating it on
// first use.
func (d *Printer) WriteBytes(buf []byte, length uint32) (bool, error) {
	if d.spool == nil {
		f, err := os.CreateTemp("", printerFilePattern)
		if err != nil {
			d.l.Errorf("Can't create printer output file: %v", err)
			return false, nil
		}
		d.spool = f
		d.filename = f.Name()

		d.l.Tracef("Created printer output file '%s'", d.filename)
	}

	d.l.Tracef("Appending %d byte(s) to printer output file '%s'", length, d.filename)

	if _, err := d.spool.Write(buf[:length]); err != nil {
		return false, nil
	}
	return true, nil
}

func (d *Printer) discardSpool() {
	if d.spool != nil {
		d.spool.Close()
		d.spool = nil
	}
	if d.filename != "" {
		os.Remove(d.filename)
		d.filename = ""
	}
}
