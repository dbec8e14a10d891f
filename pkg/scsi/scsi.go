// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package scsi holds the SCSI-2/SPC vocabulary shared by the bus,
// controller and device layers: opcodes, phases, status codes, sense
// data and CDB field access.
package scsi

import "fmt"

// Level is the SCSI compliance level reported by INQUIRY byte 2.
type Level int

const (
	LevelSCSI1CCS Level = 1
	LevelSCSI2    Level = 2
	LevelSPC      Level = 3
	LevelSPC2     Level = 4
	LevelSPC3     Level = 5
)

// DeviceType is the peripheral device type in INQUIRY byte 0 (low 5 bits).
type DeviceType int

const (
	TypeDirectAccess     DeviceType = 0
	TypeSequentialAccess DeviceType = 1
	TypePrinter          DeviceType = 2
	TypeProcessor        DeviceType = 3
	TypeCDROM            DeviceType = 5
	TypeOpticalMemory    DeviceType = 7
	TypeCommunications   DeviceType = 9
)

// Command is a SCSI operation code. Some codes are shared between device
// types (e.g. Read10 doubles as the bridge GET MESSAGE(10) carrier).
type Command byte

const (
	CmdTestUnitReady       Command = 0x00
	CmdRezero              Command = 0x01
	CmdRequestSense        Command = 0x03
	CmdFormatUnit          Command = 0x04
	CmdReadBlockLimits     Command = 0x05
	CmdReassignBlocks      Command = 0x07
	CmdRead6               Command = 0x08
	CmdGetMessage10        Command = 0x28
	CmdRetrieveStats       Command = 0x09
	CmdWrite6              Command = 0x0a
	CmdSendMessage10       Command = 0x2a
	CmdPrint               Command = 0x0a
	CmdSeek6               Command = 0x0b
	CmdSetIfaceMode        Command = 0x0c
	CmdSetMcastAddr        Command = 0x0d
	CmdEnableInterface     Command = 0x0e
	CmdSynchronizeBuffer   Command = 0x10
	CmdWriteFilemarks      Command = 0x10
	CmdSpace               Command = 0x11
	CmdInquiry             Command = 0x12
	CmdVerify6             Command = 0x13
	CmdModeSelect6         Command = 0x15
	CmdReserve6            Command = 0x16
	CmdRelease6            Command = 0x17
	CmdErase               Command = 0x19
	CmdModeSense6          Command = 0x1a
	CmdStartStop           Command = 0x1b
	CmdStopPrint           Command = 0x1b
	CmdSendDiagnostic      Command = 0x1d
	CmdPreventAllowRemoval Command = 0x1e
	CmdReadCapacity10      Command = 0x25
	CmdRead10              Command = 0x28
	CmdWrite10             Command = 0x2a
	CmdSeek10              Command = 0x2b
	CmdVerify10            Command = 0x2f
	CmdReadPosition        Command = 0x34
	CmdSynchronizeCache10  Command = 0x35
	CmdReadDefectData10    Command = 0x37
	CmdReadLong10          Command = 0x3e
	CmdWriteLong10         Command = 0x3f
	CmdReadToc             Command = 0x43
	CmdModeSelect10        Command = 0x55
	CmdModeSense10         Command = 0x5a
	CmdRead16              Command = 0x88
	CmdWrite16             Command = 0x8a
	CmdVerify16            Command = 0x8f
	CmdSynchronizeCache16  Command = 0x91
	CmdReadCapacity16      Command = 0x9e
	CmdWriteLong16         Command = 0x9f
	CmdReportLuns          Command = 0xa0
)

// Status is the status byte returned in the STATUS phase.
type Status byte

const (
	StatusGood                Status = 0x00
	StatusCheckCondition      Status = 0x02
	StatusBusy                Status = 0x08
	StatusReservationConflict Status = 0x18
)

// SenseKey is the 4-bit sense category of a CHECK CONDITION.
type SenseKey byte

const (
	SenseNoSense        SenseKey = 0x00
	SenseNotReady       SenseKey = 0x02
	SenseMediumError    SenseKey = 0x03
	SenseIllegalRequest SenseKey = 0x05
	SenseUnitAttention  SenseKey = 0x06
	SenseDataProtect    SenseKey = 0x07
	SenseBlankCheck     SenseKey = 0x08
	SenseAbortedCommand SenseKey = 0x0b
)

// ASC is the additional sense code qualifying a sense key.
type ASC byte

const (
	ASCNoAdditionalSense      ASC = 0x00
	ASCWriteFault             ASC = 0x03
	ASCReadFault              ASC = 0x11
	ASCParameterListLength    ASC = 0x1a
	ASCInvalidCommandOpcode   ASC = 0x20
	ASCLBAOutOfRange          ASC = 0x21
	ASCInvalidFieldInCDB      ASC = 0x24
	ASCInvalidLUN             ASC = 0x25
	ASCInvalidFieldInParmList ASC = 0x26
	ASCWriteProtected         ASC = 0x27
	ASCNotReadyToReadyChange  ASC = 0x28
	ASCPowerOnOrReset         ASC = 0x29
	ASCMediumNotPresent       ASC = 0x3a
	ASCLoadOrEjectFailed      ASC = 0x53
)

// Messages this target honors during MESSAGE OUT.
const (
	MsgCommandComplete = 0x00
	MsgAbort           = 0x06
	MsgBusDeviceReset  = 0x0c
	MsgIdentify        = 0x80
)

// MaxLUN is the number of logical units per target.
const MaxLUN = 32

// CommandByteCount returns the CDB length for an opcode, derived from the
// opcode's group (top 3 bits). Vendor groups fall back to 6 bytes the way
// the original initiators expect.
func CommandByteCount(opcode byte) int {
	switch opcode >> 5 {
	case 0b000:
		return 6
	case 0b001, 0b010:
		return 10
	case 0b100:
		return 16
	case 0b101:
		return 12
	default:
		return 6
	}
}

func (c Command) String() string {
	if name, ok := commandNames[c]; ok {
		return name
	}
	return fmt.Sprintf("<$%02X>", byte(c))
}

var commandNames = map[Command]string{
	CmdTestUnitReady:       "TestUnitReady",
	CmdRezero:              "Rezero",
	CmdRequestSense:        "RequestSense",
	CmdFormatUnit:          "FormatUnit",
	CmdReadBlockLimits:     "ReadBlockLimits",
	CmdReassignBlocks:      "ReassignBlocks",
	CmdRead6:               "Read6",
	CmdRetrieveStats:       "RetrieveStats",
	CmdWrite6:              "Write6/Print",
	CmdSeek6:               "Seek6",
	CmdSetIfaceMode:        "SetIfaceMode",
	CmdSetMcastAddr:        "SetMcastAddr",
	CmdEnableInterface:     "EnableInterface",
	CmdSynchronizeBuffer:   "SynchronizeBuffer/WriteFilemarks",
	CmdSpace:               "Space",
	CmdInquiry:             "Inquiry",
	CmdVerify6:             "Verify6",
	CmdModeSelect6:         "ModeSelect6",
	CmdReserve6:            "Reserve6",
	CmdRelease6:            "Release6",
	CmdErase:               "Erase",
	CmdModeSense6:          "ModeSense6",
	CmdStartStop:           "StartStop/StopPrint",
	CmdSendDiagnostic:      "SendDiagnostic",
	CmdPreventAllowRemoval: "PreventAllowMediumRemoval",
	CmdReadCapacity10:      "ReadCapacity10",
	CmdRead10:              "Read10/GetMessage10",
	CmdWrite10:             "Write10/SendMessage10",
	CmdSeek10:              "Seek10",
	CmdVerify10:            "Verify10",
	CmdReadPosition:        "ReadPosition",
	CmdSynchronizeCache10:  "SynchronizeCache10",
	CmdReadDefectData10:    "ReadDefectData10",
	CmdReadLong10:          "ReadLong10",
	CmdWriteLong10:         "WriteLong10",
	CmdReadToc:             "ReadToc",
	CmdModeSelect10:        "ModeSelect10",
	CmdModeSense10:         "ModeSense10",
	CmdRead16:              "Read16",
	CmdWrite16:             "Write16",
	CmdVerify16:            "Verify16",
	CmdSynchronizeCache16:  "SynchronizeCache16",
	CmdReadCapacity16:      "ReadCapacity16/ReadLong16",
	CmdWriteLong16:         "WriteLong16",
	CmdReportLuns:          "ReportLuns",
}
