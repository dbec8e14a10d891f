// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package devices

import (
	"net"
	"strings"

	"github.com/goscsi/goscsi/pkg/image"
	"github.com/goscsi/goscsi/pkg/scsi"
)

const defaultBridgeIP = "10.10.20.1/24"

// Factory selects and creates a concrete device from a type tag or, if
// undefined, from the lowercase filename extension or device name.
type Factory struct {
	sectorSizes   map[Kind][]int
	defaultParams map[Kind]map[string]string
	extensions    map[string]Kind
	names         map[string]Kind
}

func NewFactory() *Factory {
	f := &Factory{
		sectorSizes: map[Kind][]int{
			KindSCHD: {512, 1024, 2048, 4096},
			KindSCRM: {512, 1024, 2048, 4096},
			KindSCMO: {512, 1024, 2048, 4096},
			KindSCST: {512, 1024, 2048, 4096},
			KindSCCD: {512, 2048},
		},
		defaultParams: map[Kind]map[string]string{},
		extensions: map[string]Kind{
			"hd1": KindSCHD,
			"hds": KindSCHD,
			"hda": KindSCHD,
			"hdn": KindSCHD,
			"hdi": KindSCHD,
			"nhd": KindSCHD,
			"hdr": KindSCRM,
			"mos": KindSCMO,
			"iso": KindSCCD,
			"is1": KindSCCD,
		},
		names: map[string]Kind{
			"bridge":    KindSCBR,
			"daynaport": KindSCDP,
			"printer":   KindSCLP,
			"services":  KindSCHS,
		},
	}

	interfaces := strings.Join(networkInterfaces(), ",")
	f.defaultParams[KindSCBR] = map[string]string{
		"interface": interfaces,
		"inet":      defaultBridgeIP,
	}
	f.defaultParams[KindSCDP] = map[string]string{
		"interface": interfaces,
		"inet":      defaultBridgeIP,
	}
	f.defaultParams[KindSCLP] = map[string]string{
		"cmd": "lp -oraw %f",
	}

	return f
}

// KindForFile maps a filename to a device kind through its extension or,
// for the non-storage devices, its name.
func (f *Factory) KindForFile(filename string) Kind {
	if kind, ok := f.extensions[image.Ext(filename)]; ok {
		return kind
	}
	if kind, ok := f.names[filename]; ok {
		return kind
	}
	return KindUndefined
}

// SectorSizes returns the supported sector sizes of a device kind.
func (f *Factory) SectorSizes(kind Kind) []int {
	return f.sectorSizes[kind]
}

// CreateDevice builds a device of the given kind, deriving the kind from
// the filename when undefined. Returns nil when no device type matches.
func (f *Factory) CreateDevice(kind Kind, lun int, filename string) Unit {
	if kind == KindUndefined {
		kind = f.KindForFile(filename)
		if kind == KindUndefined {
			return nil
		}
	}

	var device Unit
	switch kind {
	case KindSCHD:
		switch ext := image.Ext(filename); ext {
		case "hdn", "hdi", "nhd":
			device = NewSCSIHDNEC(lun)
		default:
			level := scsi.LevelSCSI2
			if ext == "hd1" {
				level = scsi.LevelSCSI1CCS
			}
			hd := NewSCSIHD(lun, f.sectorSizes[kind], false, level)

			// Some Apple tools require a particular identification
			if ext == "hda" {
				hd.SetVendor("QUANTUM")
				hd.SetProduct("FIREBALL", false)
			}
			device = hd
		}

	case KindSCRM:
		hd := NewSCSIHD(lun, f.sectorSizes[kind], true, scsi.LevelSCSI2)
		hd.SetProduct("SCSI HD (REM.)", false)
		device = hd

	case KindSCMO:
		mo := NewSCSIMO(lun, f.sectorSizes[kind])
		mo.SetProduct("SCSI MO", false)
		device = mo

	case KindSCCD:
		level := scsi.LevelSCSI2
		if image.Ext(filename) == "is1" {
			level = scsi.LevelSCSI1CCS
		}
		cd := NewSCSICD(lun, f.sectorSizes[kind], level)
		cd.SetProduct("SCSI CD-ROM", false)
		device = cd

	case KindSCST:
		st := NewTape(lun, f.sectorSizes[kind])
		st.SetProduct("SCSI TAPE", false)
		device = st

	case KindSCBR:
		br := NewHostBridge(lun)
		// The emulation targets a specific driver, the product name
		// has to match it
		br.SetProduct("RASCSI BRIDGE", false)
		br.SetDefaultParams(f.defaultParams[kind])
		device = br

	case KindSCDP:
		dp := NewDaynaPort(lun)
		// The emulation targets a specific device, the full INQUIRY
		// data have to match it
		dp.SetVendor("Dayna")
		dp.SetProduct("SCSI/Link", false)
		dp.SetRevision("1.4a")
		dp.SetDefaultParams(f.defaultParams[kind])
		device = dp

	case KindSCHS:
		hs := NewHostServices(lun)
		hs.SetVendor("GOSCSI")
		hs.SetProduct("Host Services", false)
		device = hs

	case KindSCLP:
		lp := NewPrinter(lun)
		lp.SetProduct("SCSI PRINTER", false)
		lp.SetDefaultParams(f.defaultParams[kind])
		device = lp
	}

	return device
}

// networkInterfaces lists the candidate uplink interfaces for the
// network device defaults.
func networkInterfaces() []string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}

	var names []string
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		names = append(names, iface.Name)
	}
	return names
}
