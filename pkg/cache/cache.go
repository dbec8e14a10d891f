// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cache

import (
	"github.com/prometheus/client_golang/prometheus"
)

// CacheSlots is the fixed number of resident tracks per device.
const CacheSlots = 16

var (
	missReads = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "goscsi_cache_miss_reads_total",
		Help: "Track loads caused by a cache miss",
	}, []string{"image"})
	missWrites = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "goscsi_cache_miss_writes_total",
		Help: "Track write-backs caused by eviction or flush",
	}, []string{"image"})
	readErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "goscsi_cache_read_errors_total",
		Help: "Failed track loads",
	}, []string{"image"})
	writeErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "goscsi_cache_write_errors_total",
		Help: "Failed track saves",
	}, []string{"image"})
)

func init() {
	prometheus.MustRegister(missReads, missWrites, readErrors, writeErrors)
}

type slot struct {
	track  *Track
	serial uint32
}

// Stats are the per-device cache counters reported through the
// management channel.
type Stats struct {
	MissReads   uint64
	MissWrites  uint64
	ReadErrors  uint64
	WriteErrors uint64
}

// DiskCache maps logical block addresses onto tracks of a backing image.
// Replacement is LRU by a monotonically assigned serial.
type DiskCache struct {
	path   string
	shift  int
	blocks uint64
	imgoff int64
	raw    bool

	slots  [CacheSlots]slot
	serial uint32
	stats  Stats
}

func New(path string, shift int, blocks uint64, imgoff int64) *DiskCache {
	return &DiskCache{path: path, shift: shift, blocks: blocks, imgoff: imgoff}
}

// SetRawMode marks the backing image as raw 2352-byte CD layout.
func (c *DiskCache) SetRawMode(raw bool) { c.raw = raw }

func (c *DiskCache) Stats() Stats { return c.stats }

// ReadSector fetches the sector holding block into buf.
func (c *DiskCache) ReadSector(buf []byte, block uint64) bool {
	t := c.getTrack(block)
	if t == nil {
		return false
	}
	return t.ReadSector(buf, int(block&0xff))
}

// WriteSector stores buf into the sector holding block.
func (c *DiskCache) WriteSector(buf []byte, block uint64) bool {
	t := c.getTrack(block)
	if t == nil {
		return false
	}
	return t.WriteSector(buf, int(block&0xff))
}

// Save writes back every dirty resident track.
func (c *DiskCache) Save() bool {
	for i := range c.slots {
		t := c.slots[i].track
		if t == nil {
			continue
		}
		if t.changed {
			c.stats.MissWrites++
			missWrites.WithLabelValues(c.path).Inc()
		}
		if err := t.Save(c.path); err != nil {
			c.stats.WriteErrors++
			writeErrors.WithLabelValues(c.path).Inc()
			return false
		}
	}
	return true
}

// getTrack returns the resident track for block, loading or evicting as
// needed. The track is fixed at 256 sectors: track = block >> 8.
func (c *DiskCache) getTrack(block uint64) *Track {
	c.bumpSerial()
	return c.assign(int64(block >> 8))
}

func (c *DiskCache) assign(track int64) *Track {
	// Already resident?
	for i := range c.slots {
		if t := c.slots[i].track; t != nil && t.Number() == track {
			c.slots[i].serial = c.serial
			return t
		}
	}

	// An empty slot?
	for i := range c.slots {
		if c.slots[i].track == nil {
			if !c.load(i, track) {
				return nil
			}
			c.slots[i].serial = c.serial
			return c.slots[i].track
		}
	}

	// Evict the slot with the smallest serial.
	victim := 0
	lowest := c.slots[0].serial
	for i := range c.slots {
		if c.slots[i].serial < lowest {
			lowest = c.slots[i].serial
			victim = i
		}
	}

	if c.slots[victim].track.changed {
		c.stats.MissWrites++
		missWrites.WithLabelValues(c.path).Inc()
	}
	if err := c.slots[victim].track.Save(c.path); err != nil {
		c.stats.WriteErrors++
		writeErrors.WithLabelValues(c.path).Inc()
		return nil
	}
	c.slots[victim].track = nil

	if !c.load(victim, track) {
		return nil
	}
	c.slots[victim].serial = c.serial
	return c.slots[victim].track
}

func (c *DiskCache) load(index int, track int64) bool {
	sectors := int64(c.blocks) - track<<8
	if sectors > 0x100 {
		sectors = 0x100
	}
	if sectors <= 0 {
		return false
	}

	t := NewTrack(track, c.shift, int(sectors), c.raw, c.imgoff)

	c.stats.MissReads++
	missReads.WithLabelValues(c.path).Inc()
	if err := t.Load(c.path); err != nil {
		c.stats.ReadErrors++
		readErrors.WithLabelValues(c.path).Inc()
		return false
	}

	c.slots[index].track = t
	return true
}

// bumpSerial advances the LRU clock. On rollover all slot serials are
// reset so relative age keeps working.
func (c *DiskCache) bumpSerial() {
	c.serial++
	if c.serial != 0 {
		return
	}
	for i := range c.slots {
		c.slots[i].serial = 0
	}
}
