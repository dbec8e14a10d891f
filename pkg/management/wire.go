// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package management implements the remote-management channel: RASCSI
// magic, length-prefixed protobuf frames, and the operations that
// attach, detach and control devices at runtime.
package management

import (
	"io"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// Operation is the management request code.
type Operation int32

const (
	OpNone Operation = iota
	OpAttach
	OpDetach
	OpDetachAll
	OpStart
	OpStop
	OpInsert
	OpEject
	OpProtect
	OpUnprotect
	OpServerInfo
	OpVersionInfo
	OpDevicesInfo
	OpDeviceTypesInfo
	OpStatisticsInfo
	OpReservedIDsInfo
	OpReserveIDs
	OpShutDown
)

var operationNames = map[Operation]string{
	OpNone:            "NONE",
	OpAttach:          "ATTACH",
	OpDetach:          "DETACH",
	OpDetachAll:       "DETACH_ALL",
	OpStart:           "START",
	OpStop:            "STOP",
	OpInsert:          "INSERT",
	OpEject:           "EJECT",
	OpProtect:         "PROTECT",
	OpUnprotect:       "UNPROTECT",
	OpServerInfo:      "SERVER_INFO",
	OpVersionInfo:     "VERSION_INFO",
	OpDevicesInfo:     "DEVICES_INFO",
	OpDeviceTypesInfo: "DEVICE_TYPES_INFO",
	OpStatisticsInfo:  "STATISTICS_INFO",
	OpReservedIDsInfo: "RESERVED_IDS_INFO",
	OpReserveIDs:      "RESERVE_IDS",
	OpShutDown:        "SHUT_DOWN",
}

func (o Operation) String() string {
	if name, ok := operationNames[o]; ok {
		return name
	}
	return "UNKNOWN"
}

// DeviceDefinition describes one device in an ATTACH and the target
// address in the other device operations.
type DeviceDefinition struct {
	ID        int32
	Unit      int32
	Type      string
	Params    map[string]string
	Vendor    string
	Product   string
	Revision  string
	BlockSize int32
}

// Command is a management request.
type Command struct {
	Operation Operation
	Devices   []DeviceDefinition
	Params    map[string]string
}

// Result is the response to every management request.
type Result struct {
	Status bool
	Msg    string
}

// The messages are hand-framed protobuf: the management surface is a
// collaborator specified at interface level only, so the wire format is
// produced with protowire instead of generated code.

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendParams(b []byte, num protowire.Number, params map[string]string) []byte {
	for k, v := range params {
		var entry []byte
		entry = appendString(entry, 1, k)
		entry = appendString(entry, 2, v)
		b = protowire.AppendTag(b, num, protowire.BytesType)
		b = protowire.AppendBytes(b, entry)
	}
	return b
}

func parseParams(entry []byte, params map[string]string) error {
	var key, value string
	for len(entry) > 0 {
		num, typ, n := protowire.ConsumeTag(entry)
		if n < 0 {
			return protowire.ParseError(n)
		}
		entry = entry[n:]

		if typ != protowire.BytesType {
			return errors.New("malformed parameter entry")
		}
		s, n := protowire.ConsumeString(entry)
		if n < 0 {
			return protowire.ParseError(n)
		}
		entry = entry[n:]

		switch num {
		case 1:
			key = s
		case 2:
			value = s
		}
	}
	params[key] = value
	return nil
}

func (d *DeviceDefinition) marshal() []byte {
	var b []byte
	if d.ID != 0 {
		b = protowire.AppendTag(b, 1, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(d.ID))
	}
	if d.Unit != 0 {
		b = protowire.AppendTag(b, 2, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(d.Unit))
	}
	b = appendString(b, 3, d.Type)
	b = appendParams(b, 4, d.Params)
	b = appendString(b, 5, d.Vendor)
	b = appendString(b, 6, d.Product)
	b = appendString(b, 7, d.Revision)
	if d.BlockSize != 0 {
		b = protowire.AppendTag(b, 8, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(d.BlockSize))
	}
	return b
}

func unmarshalDevice(b []byte) (DeviceDefinition, error) {
	d := DeviceDefinition{Params: map[string]string{}}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return d, protowire.ParseError(n)
		}
		b = b[n:]

		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return d, protowire.ParseError(n)
			}
			b = b[n:]
			switch num {
			case 1:
				d.ID = int32(v)
			case 2:
				d.Unit = int32(v)
			case 8:
				d.BlockSize = int32(v)
			}

		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return d, protowire.ParseError(n)
			}
			b = b[n:]
			switch num {
			case 3:
				d.Type = string(v)
			case 4:
				if err := parseParams(v, d.Params); err != nil {
					return d, err
				}
			case 5:
				d.Vendor = string(v)
			case 6:
				d.Product = string(v)
			case 7:
				d.Revision = string(v)
			}

		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return d, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return d, nil
}

// Marshal serializes the command to protobuf wire format.
func (c *Command) Marshal() []byte {
	var b []byte
	if c.Operation != OpNone {
		b = protowire.AppendTag(b, 1, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(c.Operation))
	}
	for i := range c.Devices {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, c.Devices[i].marshal())
	}
	b = appendParams(b, 3, c.Params)
	return b
}

// UnmarshalCommand parses a command from protobuf wire format.
func UnmarshalCommand(b []byte) (*Command, error) {
	c := &Command{Params: map[string]string{}}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]

		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
			c.Operation = Operation(v)

		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
			d, err := unmarshalDevice(v)
			if err != nil {
				return nil, err
			}
			c.Devices = append(c.Devices, d)

		case num == 3 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
			if err := parseParams(v, c.Params); err != nil {
				return nil, err
			}

		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return c, nil
}

// Marshal serializes the result to protobuf wire format.
func (r *Result) Marshal() []byte {
	var b []byte
	if r.Status {
		b = protowire.AppendTag(b, 1, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
	}
	b = appendString(b, 2, r.Msg)
	return b
}

// UnmarshalResult parses a result from protobuf wire format.
func UnmarshalResult(b []byte) (*Result, error) {
	r := &Result{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]

		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
			r.Status = v != 0

		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
			r.Msg = string(v)

		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return r, nil
}

// Magic starts every frame on the management channel.
var Magic = []byte("RASCSI")

// WriteFrame sends the magic, the 4-byte little-endian payload length
// and the payload.
func WriteFrame(w io.Writer, payload []byte) error {
	header := make([]byte, 0, len(Magic)+4)
	header = append(header, Magic...)
	size := uint32(len(payload))
	header = append(header, byte(size), byte(size>>8), byte(size>>16), byte(size>>24))

	if _, err := w.Write(header); err != nil {
		return errors.Wrap(err, "can't write frame header")
	}
	if _, err := w.Write(payload); err != nil {
		return errors.Wrap(err, "can't write frame payload")
	}
	return nil
}

// ReadFrame reads one magic-prefixed frame and returns the payload.
func ReadFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, len(Magic)+4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, errors.Wrap(err, "can't read frame header")
	}

	for i, b := range Magic {
		if header[i] != b {
			return nil, errors.New("invalid magic")
		}
	}

	size := uint32(header[6]) | uint32(header[7])<<8 | uint32(header[8])<<16 | uint32(header[9])<<24
	if size > 1<<24 {
		return nil, errors.New("invalid frame size")
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, errors.Wrap(err, "can't read frame payload")
	}
	return payload, nil
}
