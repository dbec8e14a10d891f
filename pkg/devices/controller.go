// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package devices

import "github.com/goscsi/goscsi/pkg/scsi"

// ShutdownMode is the administrative request a device handler can
// schedule on its controller. The phase engine completes the current
// command, returns to BUS FREE and then signals the supervisor.
type ShutdownMode int

const (
	ShutdownNone ShutdownMode = iota
	ShutdownStopEmulator
	ShutdownStopHost
	ShutdownRestartHost
)

// Controller is the device's non-owning view of the controller executing
// the current command. The controller owns the devices; devices reach
// back only through this interface.
type Controller interface {
	TargetID() int

	// InitiatorID returns the initiator addressing us, or -1 when it
	// could not be determined during selection.
	InitiatorID() int

	CDB() scsi.CDB

	// Buffer is the shared transfer buffer. It is lazily grown to the
	// largest size ever requested and never shrunk during a session.
	Buffer() []byte
	AllocateBuffer(size int) []byte

	Length() int
	SetLength(int)
	SetBlocks(uint32)
	SetNext(uint64)

	// SetByteTransfer switches DATA OUT to hand the received bytes to
	// the device's WriteBytes instead of the block-write path.
	SetByteTransfer(bool)

	// Error records sense data and status without aborting the
	// handler, for paths that must keep running (REQUEST SENSE on an
	// unsupported LUN).
	Error(key scsi.SenseKey, code scsi.ASC, status scsi.Status)
	SetStatus(scsi.Status)

	EffectiveLUN() int
	HasDeviceForLUN(lun int) bool
	DeviceForLUN(lun int) Unit
	LUNs() []int

	ScheduleShutdown(mode ShutdownMode)

	EnterStatusPhase()
	EnterDataInPhase()
	EnterDataOutPhase()
}

// Unit is what the controller and management layer see of any device.
type Unit interface {
	Init(params map[string]string) error
	CleanUp()

	Dispatch(cmd scsi.Command) error

	Kind() Kind
	LUN() int
	Vendor() string
	Product() string
	Revision() string

	IsReady() bool
	IsRemovable() bool
	IsRemoved() bool
	IsProtectable() bool
	IsProtected() bool
	SetProtected(bool)
	IsReadOnly() bool
	IsStoppable() bool
	IsStopped() bool
	IsLockable() bool
	IsLocked() bool
	SupportsParams() bool
	SupportsFile() bool
	Params() map[string]string

	SetController(Controller)
	ResetUnit()

	// SenseData returns the 18-byte fixed-format sense data for the
	// current status code.
	SenseData() ([]byte, error)

	CheckReservation(initiatorID int, cmd scsi.Command, preventRemoval bool) bool
	DiscardReservation()

	// WriteBytes consumes a byte-transfer DATA OUT payload (printer,
	// bridge, DaynaPort MAC writes).
	WriteBytes(buf []byte, length uint32) (bool, error)

	// FlushCache persists any dirty state to the backing store.
	FlushCache()

	Eject(force bool) bool

	// SendDelay returns after how many bytes a DATA IN handshake
	// should pause, or a negative value for none.
	SendDelay() int
}

// BlockReader continues a multi-block DATA IN transfer.
type BlockReader interface {
	ReadBlock(buf []byte, block uint64) (int, error)
}

// BlockWriter consumes the blocks of a DATA OUT transfer.
type BlockWriter interface {
	WriteBlock(buf []byte, block uint64) error
}

// ModeSelector applies a MODE SELECT parameter list received in DATA OUT.
type ModeSelector interface {
	ModeSelect(cmd scsi.Command, cdb scsi.CDB, buf []byte, length int) error
}

// StorageUnit is the management view of a device backed by an image file.
type StorageUnit interface {
	Unit

	Open() error
	Filename() string
	SetFilename(string)
	BlockCount() uint64
	SectorSize() int
	SetConfiguredSectorSize(size int) error
	SupportedSectorSizes() []int
	SetRegistry(*Registry)
	ReserveFile(id, lun int)
	UnreserveFile()
}
