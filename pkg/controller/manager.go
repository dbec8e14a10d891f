// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package controller

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/goscsi/goscsi/pkg/bus"
	"github.com/goscsi/goscsi/pkg/devices"
)

// Manager is the process-wide controller table, keyed by target ID.
// Exactly one bus thread runs the selection loop; the management thread
// serializes onto it through Lock/Unlock for the duration of any
// mutating operation.
type Manager struct {
	bus bus.Bus

	mu          sync.Mutex
	controllers map[int]*Controller

	// Shutdown delivers the scheduled administrative request once the
	// triggering command has completed and the bus is free.
	Shutdown chan devices.ShutdownMode
}

func NewManager(b bus.Bus) *Manager {
	return &Manager{
		bus:         b,
		controllers: map[int]*Controller{},
		Shutdown:    make(chan devices.ShutdownMode, 1),
	}
}

// Lock serializes a management operation against the bus thread.
func (m *Manager) Lock()   { m.mu.Lock() }
func (m *Manager) Unlock() { m.mu.Unlock() }

// AttachDevice binds a device to id/lun, creating the controller on the
// first attach to that ID. The caller holds the manager lock.
func (m *Manager) AttachDevice(id int, lun int, dev devices.Unit) bool {
	if id < 0 || id > 7 {
		return false
	}

	ctl, ok := m.controllers[id]
	if !ok {
		ctl = newController(m.bus, id)
		m.controllers[id] = ctl
	}

	if !ctl.attach(lun, dev) {
		// Drop a controller created just for this attempt
		if len(ctl.luns) == 0 {
			delete(m.controllers, id)
		}
		return false
	}
	return true
}

// DetachDevice unbinds a device. The controller is destroyed when its
// last LUN goes away.
func (m *Manager) DetachDevice(id int, lun int) bool {
	ctl, ok := m.controllers[id]
	if !ok {
		return false
	}

	if !ctl.detach(lun) {
		return false
	}
	if len(ctl.luns) == 0 {
		delete(m.controllers, id)
	}
	return true
}

// DetachAll removes every device and controller.
func (m *Manager) DetachAll() {
	for id, ctl := range m.controllers {
		for _, lun := range ctl.LUNs() {
			ctl.detach(lun)
		}
		delete(m.controllers, id)
	}
}

// HasController reports whether a controller serves the ID.
func (m *Manager) HasController(id int) bool {
	_, ok := m.controllers[id]
	return ok
}

// DeviceAt returns the device bound to id/lun, or nil.
func (m *Manager) DeviceAt(id, lun int) devices.Unit {
	if ctl, ok := m.controllers[id]; ok {
		return ctl.luns[lun]
	}
	return nil
}

// AllDevices returns every attached device.
func (m *Manager) AllDevices() []devices.Unit {
	var all []devices.Unit
	for _, ctl := range m.controllers {
		for _, lun := range ctl.LUNs() {
			all = append(all, ctl.luns[lun])
		}
	}
	return all
}

// Addresses returns the attached (id, lun) pairs.
func (m *Manager) Addresses() []devices.IDSet {
	var all []devices.IDSet
	for id, ctl := range m.controllers {
		for _, lun := range ctl.LUNs() {
			all = append(all, devices.IDSet{ID: id, LUN: lun})
		}
	}
	return all
}

// FlushAll writes back all dirty device caches; used before a controlled
// shutdown.
func (m *Manager) FlushAll() {
	for _, dev := range m.AllDevices() {
		dev.FlushCache()
	}
}

// ResetAll propagates a bus reset to every device and returns the bus to
// its idle state. In-flight dirty cache data is not flushed.
func (m *Manager) ResetAll() {
	for _, ctl := range m.controllers {
		ctl.resetDevices()
	}
	m.bus.Reset()
}

// Run is the bus thread main loop: spin watching for a SELECTION pulse,
// identify the addressed target, run one command to completion, return
// to BUS FREE.
func (m *Manager) Run(ctx context.Context) {
	for ctx.Err() == nil {
		if m.bus.RST() {
			log.Debug("RST asserted, resetting all devices")
			m.Lock()
			m.ResetAll()
			m.Unlock()
			m.bus.WaitSignal(bus.SigRST, false)
			continue
		}

		if !m.bus.WaitSelection(500 * time.Millisecond) {
			continue
		}

		m.handleSelection()
	}
}

// handleSelection decodes the ID bits from the data lines and dispatches
// the command. Exactly one SELECTION transition is served per pulse: the
// controller waits out SEL before the next poll.
func (m *Manager) handleSelection() {
	data := m.bus.DAT()

	m.Lock()
	defer m.Unlock()

	ctl := m.controllerForSelection(data)
	if ctl == nil {
		// Not addressed to us; wait for the initiator to give up so
		// the same pulse is not re-examined.
		m.bus.WaitSignal(bus.SigSEL, false)
		return
	}

	shutdown := ctl.Process(initiatorIDFromSelection(data, ctl.id))
	if shutdown != devices.ShutdownNone {
		m.FlushAll()
		select {
		case m.Shutdown <- shutdown:
		default:
		}
	}
}

// controllerForSelection matches the asserted data bits against our
// target IDs.
func (m *Manager) controllerForSelection(data byte) *Controller {
	for id, ctl := range m.controllers {
		if data&(1<<id) != 0 {
			return ctl
		}
	}
	return nil
}

// initiatorIDFromSelection extracts the initiator's ID bit, -1 if the
// initiator did not assert its own ID.
func initiatorIDFromSelection(data byte, targetID int) int {
	data &^= 1 << targetID
	for id := 7; id >= 0; id-- {
		if data&(1<<id) != 0 {
			return id
		}
	}
	return -1
}
