// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package scsi

import "fmt"

// Error is a SCSI condition raised by a command handler. The controller is
// the single catch point: it encodes the sense key and ASC into the 18-byte
// sense buffer and finishes the command with CHECK CONDITION.
type Error struct {
	Key    SenseKey
	Code   ASC
	Status Status
}

func (e *Error) Error() string {
	return fmt.Sprintf("sense key $%02x, asc $%02x", byte(e.Key), byte(e.Code))
}

// NewError returns a CHECK CONDITION error with the given sense data.
func NewError(key SenseKey, code ASC) *Error {
	return &Error{Key: key, Code: code, Status: StatusCheckCondition}
}

// NewStatusError returns an error that completes with an explicit status
// byte, e.g. RESERVATION CONFLICT.
func NewStatusError(status Status) *Error {
	return &Error{Status: status}
}

// StatusCode packs sense key and ASC the way the device status code
// stores them: key in bits 16..23, ASC in bits 8..15, ASCQ in bits 0..7.
func (e *Error) StatusCode() int {
	return int(e.Key)<<16 | int(e.Code)<<8
}
