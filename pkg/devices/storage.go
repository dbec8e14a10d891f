// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package devices

import (
	"os"

	"github.com/pkg/errors"

	"github.com/goscsi/goscsi/pkg/image"
)

// IDSet is a device address: target ID and LUN.
type IDSet struct {
	ID  int
	LUN int
}

// Registry tracks which image files are bound to which device so that no
// two attached storage devices reference the same file. One instance is
// constructed at startup and passed to every component that needs it;
// access is serialized by the execution mutex.
type Registry struct {
	files map[string]IDSet
}

func NewRegistry() *Registry {
	return &Registry{files: map[string]IDSet{}}
}

// Reserve binds file to the device address.
func (r *Registry) Reserve(file string, id, lun int) {
	r.files[file] = IDSet{ID: id, LUN: lun}
}

// Release drops the binding for file.
func (r *Registry) Release(file string) {
	delete(r.files, file)
}

// Holder returns the device address a file is bound to, or (-1, -1).
func (r *Registry) Holder(file string) IDSet {
	if ids, ok := r.files[file]; ok {
		return ids
	}
	return IDSet{ID: -1, LUN: -1}
}

// ReleaseAll drops every binding.
func (r *Registry) ReleaseAll() {
	r.files = map[string]IDSet{}
}

// sector size in bytes to shift count
var shiftCounts = map[int]int{512: 9, 1024: 10, 2048: 11, 4096: 12}

// ShiftCount returns the power-of-two exponent for a supported sector
// size, or 0 for an unsupported one.
func ShiftCount(sectorSize int) int {
	return shiftCounts[sectorSize]
}

// Storage binds a device to an image file: filename, block count, sector
// geometry and the process-wide file reservation set.
type Storage struct {
	ModePage

	registry *Registry

	filename string
	blocks   uint64
	shift    int

	supportedSizes       []int
	configuredSectorSize int

	// open validates the image and derives the device geometry.
	open func() error
}

func newStorage(kind Kind, lun int, sectorSizes []int) Storage {
	d := Storage{
		ModePage:       newModePage(kind, lun),
		supportedSizes: sectorSizes,
	}
	d.SetSupportsFile(true)
	d.SetStoppable(true)
	return d
}

func (d *Storage) SetRegistry(r *Registry) { d.registry = r }

func (d *Storage) Filename() string         { return d.filename }
func (d *Storage) SetFilename(name string)  { d.filename = name }
func (d *Storage) BlockCount() uint64       { return d.blocks }
func (d *Storage) SetBlockCount(n uint64)   { d.blocks = n }
func (d *Storage) SectorSizeShift() int     { return d.shift }
func (d *Storage) SetSectorSizeShift(s int) { d.shift = s }

// SectorSize returns the configured sector size in bytes.
func (d *Storage) SectorSize() int {
	if d.shift == 0 {
		return 0
	}
	return 1 << d.shift
}

// SetSectorSize selects one of the supported sector sizes.
func (d *Storage) SetSectorSize(size int) error {
	supported := false
	for _, s := range d.supportedSizes {
		if s == size {
			supported = true
			break
		}
	}
	if !supported {
		return errors.Errorf("invalid sector size of %d byte(s)", size)
	}
	d.shift = ShiftCount(size)
	return nil
}

func (d *Storage) SupportedSectorSizes() []int { return d.supportedSizes }

func (d *Storage) MinSectorSize() int { return d.supportedSizes[0] }

func (d *Storage) MaxSectorSize() int {
	return d.supportedSizes[len(d.supportedSizes)-1]
}

// ConfiguredSectorSize is the size requested at attach time; 0 means the
// device default.
func (d *Storage) ConfiguredSectorSize() int { return d.configuredSectorSize }

// SetConfiguredSectorSize records the size requested at attach time.
func (d *Storage) SetConfiguredSectorSize(size int) error {
	if err := d.SetSectorSize(size); err != nil {
		return err
	}
	d.configuredSectorSize = size
	return nil
}

// Open runs the type-specific image probing.
func (d *Storage) Open() error {
	return d.open()
}

// FileSize returns the image size with the 2 TiB limit enforced.
func (d *Storage) FileSize() (int64, error) {
	return image.FileSize(d.filename)
}

// ValidateFile is the shared part of every open: the geometry must have
// been derived, the file must exist and fit, and a non-writable file
// forces the device to read-only.
func (d *Storage) ValidateFile() error {
	if d.blocks == 0 {
		return errors.Errorf("%s device has 0 blocks", d.Kind())
	}

	if _, err := os.Stat(d.filename); err != nil {
		return errors.Wrapf(err, "image file '%s' for %s device", d.filename, d.Kind())
	}

	if _, err := d.FileSize(); err != nil {
		return err
	}

	if image.IsReadOnly(d.filename) {
		// Permanently write-protected
		d.SetReadOnly(true)
		d.SetProtectable(false)
		d.writeProtected = false
	}

	d.SetStopped(false)
	d.SetRemoved(false)
	d.SetLocked(false)
	d.SetReady(true)
	return nil
}

// ReserveFile claims the image file for this device.
func (d *Storage) ReserveFile(id, lun int) {
	d.registry.Reserve(d.filename, id, lun)
}

// UnreserveFile releases the image file binding.
func (d *Storage) UnreserveFile() {
	d.registry.Release(d.filename)
	d.filename = ""
}
