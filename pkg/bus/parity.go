// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package bus

import (
	"encoding/binary"
	"hash/crc32"
	"math/bits"
)

// OddParity returns the parity line level for a data byte. SCSI parity is
// odd over the 8 data bits: the parity bit makes the total count of ones
// across the 9 lines odd.
func OddParity(b byte) bool {
	return bits.OnesCount8(b)&1 == 0
}

// AppendFCS appends the Ethernet frame check sequence to a received frame.
// Linux strips the FCS on the TAP path, the X68000 and DaynaPort drivers
// expect it to be present.
func AppendFCS(frame []byte) []byte {
	crc := crc32.ChecksumIEEE(frame)
	return binary.LittleEndian.AppendUint32(frame, crc)
}
