// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package cache implements the track-granularity write-back cache between
// the block devices and their backing image files.
package cache

import (
	"bytes"
	"os"

	"github.com/pkg/errors"
)

// Raw-mode CD sectors are 2352 bytes on disk with a 16-byte sync header
// in front of the 2048-byte payload.
const (
	rawSectorStride = 0x930
	rawHeaderSize   = 0x10
)

// Track is one contiguous region of an image file, by convention 256
// sectors. Dirty sectors are tracked per sector so a save can write runs
// of consecutive dirty sectors in single I/Os.
type Track struct {
	track     int64
	shift     int // sector size as a power of two, 9..12
	sectors   int // <= 256
	buf       []byte
	changemap []bool
	init      bool
	changed   bool
	imgoff    int64
	raw       bool
}

func NewTrack(track int64, shift, sectors int, raw bool, imgoff int64) *Track {
	return &Track{
		track:   track,
		shift:   shift,
		sectors: sectors,
		raw:     raw,
		imgoff:  imgoff,
	}
}

func (t *Track) Number() int64 { return t.track }

// offset is the byte position of this track in the backing image.
// Previous tracks are considered to hold 256 sectors.
func (t *Track) offset() int64 {
	off := t.track << 8
	if t.raw {
		return off*rawSectorStride + rawHeaderSize + t.imgoff
	}
	return off<<t.shift + t.imgoff
}

// Load reads the whole track from the image. Flat layouts read in one
// I/O; raw CD layouts read sector by sector with the 2352-byte stride.
func (t *Track) Load(path string) error {
	if t.init {
		return nil
	}

	length := t.sectors << t.shift
	if len(t.buf) != length {
		t.buf = make([]byte, length)
	}
	t.changemap = make([]bool, t.sectors)

	f, err := os.Open(path)
	if err != nil {
		return errors.Wrap(err, "track load")
	}
	defer f.Close()

	offset := t.offset()
	if t.raw {
		for i := 0; i < t.sectors; i++ {
			if _, err := f.ReadAt(t.buf[i<<t.shift:(i+1)<<t.shift], offset); err != nil {
				return errors.Wrapf(err, "track %d sector %d", t.track, i)
			}
			offset += rawSectorStride
		}
	} else {
		if _, err := f.ReadAt(t.buf, offset); err != nil {
			return errors.Wrapf(err, "track %d", t.track)
		}
	}

	t.init = true
	t.changed = false
	return nil
}

// Save writes all dirty sectors back to the image, coalescing runs of
// consecutive dirty sectors. Raw tracks are never written.
func (t *Track) Save(path string) error {
	if !t.init || !t.changed {
		return nil
	}
	if t.raw {
		return errors.New("raw tracks are read-only")
	}

	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return errors.Wrap(err, "track save")
	}
	defer f.Close()

	offset := t.track<<8<<t.shift + t.imgoff
	length := int64(1) << t.shift

	for i := 0; i < t.sectors; {
		if !t.changemap[i] {
			i++
			continue
		}

		j := i
		for j < t.sectors && t.changemap[j] {
			j++
		}
		run := t.buf[int64(i)<<t.shift : int64(j)<<t.shift]
		if _, err := f.WriteAt(run, offset+int64(i)*length); err != nil {
			return errors.Wrapf(err, "track %d sectors %d..%d", t.track, i, j-1)
		}
		i = j
	}

	for i := range t.changemap {
		t.changemap[i] = false
	}
	t.changed = false
	return nil
}

// ReadSector copies one sector out of the track buffer.
func (t *Track) ReadSector(buf []byte, sec int) bool {
	if !t.init || sec >= t.sectors {
		return false
	}
	copy(buf, t.buf[int64(sec)<<t.shift:int64(sec+1)<<t.shift])
	return true
}

// WriteSector copies one sector into the track buffer and marks it dirty.
// Rewriting identical data leaves the dirty map untouched.
func (t *Track) WriteSector(buf []byte, sec int) bool {
	if !t.init || t.raw || sec >= t.sectors {
		return false
	}

	dst := t.buf[int64(sec)<<t.shift : int64(sec+1)<<t.shift]
	if bytes.Equal(buf[:len(dst)], dst) {
		return true
	}

	copy(dst, buf)
	t.changemap[sec] = true
	t.changed = true
	return true
}
