// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package devices implements the emulated SCSI peripherals: the device
// base with its capability and state flags, the primary/mode-page/storage
// layers, and the concrete device types served to the initiator.
package devices

import (
	"fmt"

	log "github.com/sirupsen/logrus"
)

// Kind tags the concrete device type of a unit.
type Kind int

const (
	KindUndefined Kind = iota
	KindSCHD           // direct-access hard disk
	KindSCRM           // removable hard disk
	KindSCMO           // magneto-optical
	KindSCCD           // CD-ROM
	KindSCST           // streamer (tape)
	KindSCBR           // X68000 host bridge
	KindSCDP           // DaynaPort SCSI/Link
	KindSCLP           // printer
	KindSCHS           // host services
)

func (k Kind) String() string {
	switch k {
	case KindSCHD:
		return "SCHD"
	case KindSCRM:
		return "SCRM"
	case KindSCMO:
		return "SCMO"
	case KindSCCD:
		return "SCCD"
	case KindSCST:
		return "SCST"
	case KindSCBR:
		return "SCBR"
	case KindSCDP:
		return "SCDP"
	case KindSCLP:
		return "SCLP"
	case KindSCHS:
		return "SCHS"
	default:
		return "UNDEFINED"
	}
}

const defaultVendor = "GOSCSI"

// Base carries the identity, capability flags and mutable state common to
// every emulated device.
type Base struct {
	kind Kind
	lun  int

	ready bool
	reset bool
	attn  bool

	protectable    bool
	writeProtected bool
	readOnly       bool

	stoppable bool
	stopped   bool

	removable bool
	removed   bool

	lockable bool
	locked   bool

	mediumChanged bool

	supportsParams bool
	supportsFile   bool
	supportsSave   bool

	vendor   string
	product  string
	revision string

	params        map[string]string
	defaultParams map[string]string

	// Sense key in bits 16..23, ASC in bits 8..15, ASCQ in bits 0..7.
	statusCode int
}

func newBase(kind Kind, lun int) Base {
	return Base{
		kind:          kind,
		lun:           lun,
		vendor:        defaultVendor,
		revision:      fmt.Sprintf("%02d%02d", versionMajor, versionMinor),
		defaultParams: map[string]string{},
	}
}

func (d *Base) Kind() Kind { return d.kind }
func (d *Base) LUN() int   { return d.lun }

func (d *Base) IsReady() bool   { return d.ready }
func (d *Base) SetReady(b bool) { d.ready = b }
func (d *Base) IsReset() bool   { return d.reset }
func (d *Base) SetReset(b bool) { d.reset = b }
func (d *Base) IsAttn() bool    { return d.attn }
func (d *Base) SetAttn(b bool)  { d.attn = b }

func (d *Base) IsProtectable() bool   { return d.protectable }
func (d *Base) SetProtectable(b bool) { d.protectable = b }
func (d *Base) IsProtected() bool     { return d.writeProtected }
func (d *Base) IsReadOnly() bool      { return d.readOnly }
func (d *Base) SetReadOnly(b bool)    { d.readOnly = b }

// SetProtected flips write protection, which only sticks on protectable,
// not permanently read-only devices.
func (d *Base) SetProtected(b bool) {
	if d.protectable && !d.readOnly {
		d.writeProtected = b
	}
}

func (d *Base) IsStoppable() bool   { return d.stoppable }
func (d *Base) SetStoppable(b bool) { d.stoppable = b }
func (d *Base) IsStopped() bool     { return d.stopped }
func (d *Base) SetStopped(b bool)   { d.stopped = b }

func (d *Base) IsRemovable() bool   { return d.removable }
func (d *Base) SetRemovable(b bool) { d.removable = b }
func (d *Base) IsRemoved() bool     { return d.removed }
func (d *Base) SetRemoved(b bool)   { d.removed = b }

func (d *Base) IsLockable() bool   { return d.lockable }
func (d *Base) SetLockable(b bool) { d.lockable = b }
func (d *Base) IsLocked() bool     { return d.locked }
func (d *Base) SetLocked(b bool)   { d.locked = b }

func (d *Base) IsMediumChanged() bool   { return d.mediumChanged }
func (d *Base) SetMediumChanged(b bool) { d.mediumChanged = b }

func (d *Base) SupportsParams() bool        { return d.supportsParams }
func (d *Base) SetSupportsParams(b bool)    { d.supportsParams = b }
func (d *Base) SupportsFile() bool          { return d.supportsFile }
func (d *Base) SetSupportsFile(b bool)      { d.supportsFile = b }
func (d *Base) SupportsSaveParams() bool    { return d.supportsSave }
func (d *Base) SetSupportsSaveParams(b bool) { d.supportsSave = b }

func (d *Base) Vendor() string   { return d.vendor }
func (d *Base) Product() string  { return d.product }
func (d *Base) Revision() string { return d.revision }

func (d *Base) SetVendor(v string) error {
	if v == "" || len(v) > 8 {
		return fmt.Errorf("vendor '%s' must have between 1 and 8 characters", v)
	}
	d.vendor = v
	return nil
}

// SetProduct sets the product string. Changing vital product data after
// the fact is not SCSI compliant, so an existing value is only replaced
// when forced.
func (d *Base) SetProduct(p string, force bool) error {
	if p == "" || len(p) > 16 {
		return fmt.Errorf("product '%s' must have between 1 and 16 characters", p)
	}
	if d.product != "" && !force {
		return nil
	}
	d.product = p
	return nil
}

func (d *Base) SetRevision(r string) error {
	if r == "" || len(r) > 4 {
		return fmt.Errorf("revision '%s' must have between 1 and 4 characters", r)
	}
	d.revision = r
	return nil
}

// PaddedName returns the 28-byte INQUIRY identification: vendor(8),
// product(16) and revision(4), space-padded right.
func (d *Base) PaddedName() string {
	return fmt.Sprintf("%-8.8s%-16.16s%-4.4s", d.vendor, d.product, d.revision)
}

func (d *Base) Param(key string) string {
	return d.params[key]
}

func (d *Base) Params() map[string]string { return d.params }

func (d *Base) SetDefaultParams(params map[string]string) {
	d.defaultParams = params
}

// SetParams merges the given parameters over the device-type defaults.
// Unknown keys are ignored: there is a default for every supported key.
func (d *Base) SetParams(params map[string]string) {
	d.params = map[string]string{}
	for k, v := range d.defaultParams {
		d.params[k] = v
	}
	if d.supportsFile {
		d.params["file"] = ""
	}
	for k, v := range params {
		if _, ok := d.params[k]; ok {
			d.params[k] = v
		} else {
			log.Warnf("Ignored unknown parameter '%s'", k)
		}
	}
}

func (d *Base) StatusCode() int        { return d.statusCode }
func (d *Base) SetStatusCode(code int) { d.statusCode = code }

// ResetState clears the per-command error state after a bus reset.
func (d *Base) ResetState() {
	d.locked = false
	d.attn = false
	d.reset = false
}

// Start spins the unit up again after a STOP.
func (d *Base) Start() bool {
	if !d.ready {
		return false
	}
	d.stopped = false
	return true
}

// Stop parks the unit.
func (d *Base) Stop() {
	d.ready = false
	d.attn = false
	d.stopped = true
	d.statusCode = 0
}

// Eject removes the medium. Fails when the unit is not ready, not
// removable, or locked without force.
func (d *Base) Eject(force bool) bool {
	if !d.ready || !d.removable {
		return false
	}
	if !force && d.locked {
		return false
	}

	d.ready = false
	d.attn = false
	d.removed = true
	d.writeProtected = false
	d.locked = false
	d.stopped = true
	return true
}

const (
	versionMajor = 1
	versionMinor = 0
)
