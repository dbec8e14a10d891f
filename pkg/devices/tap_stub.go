// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build !linux

package devices

import "github.com/pkg/errors"

// TapDriver needs Linux for the TAP/bridge plumbing; on other platforms
// the Ethernet devices fail to initialize.
type TapDriver struct{}

func (t *TapDriver) Init(map[string]string) error {
	return errors.New("the network devices require Linux")
}

func (t *TapDriver) CleanUp()                 {}
func (t *TapDriver) MACAddress() []byte       { return make([]byte, 6) }
func (t *TapDriver) IPLink(bool) error        { return errors.New("the network devices require Linux") }
func (t *TapDriver) HasPendingPackets() bool  { return false }
func (t *TapDriver) Receive([]byte) int       { return 0 }
func (t *TapDriver) Send([]byte) int          { return 0 }
func (t *TapDriver) Flush()                   {}
