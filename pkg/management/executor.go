// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package management

import (
	"bytes"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	log "github.com/sirupsen/logrus"

	"github.com/goscsi/goscsi/pkg/controller"
	"github.com/goscsi/goscsi/pkg/devices"
)

// Version reported through VERSION_INFO.
const Version = "1.0.0"

var kindNames = map[string]devices.Kind{
	"SCHD": devices.KindSCHD,
	"SCRM": devices.KindSCRM,
	"SCMO": devices.KindSCMO,
	"SCCD": devices.KindSCCD,
	"SCST": devices.KindSCST,
	"SCBR": devices.KindSCBR,
	"SCDP": devices.KindSCDP,
	"SCLP": devices.KindSCLP,
	"SCHS": devices.KindSCHS,
}

// Executor validates and applies management commands. Every mutating
// operation takes the manager lock for its duration, making changes
// visible at the next command-dispatch lookup on the bus thread.
type Executor struct {
	manager  *controller.Manager
	registry *devices.Registry
	factory  *devices.Factory

	// ImageFolder resolves relative image filenames.
	ImageFolder string

	// ShutdownFunc delivers a SHUT_DOWN request to the supervisor.
	ShutdownFunc func(mode devices.ShutdownMode)

	reservedIDs map[int]bool
}

func NewExecutor(m *controller.Manager, r *devices.Registry, f *devices.Factory) *Executor {
	return &Executor{
		manager:     m,
		registry:    r,
		factory:     f,
		reservedIDs: map[int]bool{},
	}
}

// ReserveIDs replaces the set of IDs that cannot be attached to.
func (e *Executor) ReserveIDs(ids []int) {
	e.reservedIDs = map[int]bool{}
	for _, id := range ids {
		e.reservedIDs[id] = true
	}
}

func okResult(format string, args ...interface{}) Result {
	return Result{Status: true, Msg: fmt.Sprintf(format, args...)}
}

func errResult(format string, args ...interface{}) Result {
	return Result{Status: false, Msg: fmt.Sprintf(format, args...)}
}

// Execute runs one management command and returns its result. Errors
// never propagate out of the command thread.
func (e *Executor) Execute(cmd *Command) Result {
	log.Debugf("Executing %s command", cmd.Operation)

	switch cmd.Operation {
	case OpAttach:
		return e.forEachDevice(cmd, e.attach)
	case OpDetach:
		return e.forEachDevice(cmd, e.detach)
	case OpDetachAll:
		return e.detachAll()
	case OpStart:
		return e.forEachDevice(cmd, e.start)
	case OpStop:
		return e.forEachDevice(cmd, e.stop)
	case OpInsert:
		return e.forEachDevice(cmd, e.insert)
	case OpEject:
		return e.forEachDevice(cmd, e.eject)
	case OpProtect:
		return e.forEachDevice(cmd, e.protect)
	case OpUnprotect:
		return e.forEachDevice(cmd, e.unprotect)
	case OpReserveIDs:
		return e.reserveIDs(cmd)
	case OpShutDown:
		return e.shutDown(cmd)
	case OpVersionInfo:
		return okResult("%s", Version)
	case OpServerInfo:
		return okResult("goscsi %s, log level %s", Version, log.GetLevel())
	case OpDevicesInfo:
		return e.devicesInfo()
	case OpDeviceTypesInfo:
		return okResult("SCHD SCRM SCMO SCCD SCST SCBR SCDP SCLP SCHS")
	case OpStatisticsInfo:
		return e.statisticsInfo()
	case OpReservedIDsInfo:
		return e.reservedIDsInfo()
	default:
		return errResult("unknown operation %d", cmd.Operation)
	}
}

func (e *Executor) forEachDevice(cmd *Command, f func(*DeviceDefinition) Result) Result {
	if len(cmd.Devices) == 0 {
		return errResult("command does not specify a device")
	}

	e.manager.Lock()
	defer e.manager.Unlock()

	for i := range cmd.Devices {
		if r := f(&cmd.Devices[i]); !r.Status {
			return r
		}
	}
	return okResult("")
}

func (e *Executor) attach(def *DeviceDefinition) Result {
	id, lun := int(def.ID), int(def.Unit)
	if id < 0 || id > 7 {
		return errResult("invalid ID %d (0-7)", id)
	}
	if lun < 0 || lun >= 32 {
		return errResult("invalid LUN %d (0-31)", lun)
	}
	if e.reservedIDs[id] {
		return errResult("device ID %d is reserved", id)
	}
	if e.manager.DeviceAt(id, lun) != nil {
		return errResult("duplicate ID %d, unit %d", id, lun)
	}

	kind := kindNames[strings.ToUpper(def.Type)]
	filename := def.Params["file"]

	dev := e.factory.CreateDevice(kind, lun, filename)
	if dev == nil {
		return errResult("can't determine the device type for file '%s'", filename)
	}

	if def.Vendor != "" {
		if err := setIdentity(dev, def); err != nil {
			return errResult("%v", err)
		}
	}

	if err := dev.Init(def.Params); err != nil {
		return errResult("initialization of %s device failed: %v", dev.Kind(), err)
	}

	if storage, ok := dev.(devices.StorageUnit); ok {
		if r := e.openStorage(storage, def, id, lun, filename); !r.Status {
			return r
		}
	}

	if !e.manager.AttachDevice(id, lun, dev) {
		if storage, ok := dev.(devices.StorageUnit); ok && storage.Filename() != "" {
			storage.UnreserveFile()
		}
		if lun > 0 && e.manager.DeviceAt(id, 0) == nil {
			return errResult("LUN %d cannot be attached to ID %d without LUN 0", lun, id)
		}
		return errResult("can't attach %s device to ID %d, unit %d", dev.Kind(), id, lun)
	}

	log.Infof("Attached %s device to ID %d, unit %d", dev.Kind(), id, lun)
	return okResult("")
}

func setIdentity(dev devices.Unit, def *DeviceDefinition) error {
	type identity interface {
		SetVendor(string) error
		SetProduct(string, bool) error
		SetRevision(string) error
	}

	i, ok := dev.(identity)
	if !ok {
		return nil
	}
	if err := i.SetVendor(def.Vendor); err != nil {
		return err
	}
	if def.Product != "" {
		if err := i.SetProduct(def.Product, true); err != nil {
			return err
		}
	}
	if def.Revision != "" {
		if err := i.SetRevision(def.Revision); err != nil {
			return err
		}
	}
	return nil
}

func (e *Executor) openStorage(storage devices.StorageUnit, def *DeviceDefinition, id, lun int, filename string) Result {
	if filename == "" {
		return errResult("device type %s requires a filename", storage.Kind())
	}

	path := filename
	if !filepath.IsAbs(path) && e.ImageFolder != "" {
		path = filepath.Join(e.ImageFolder, path)
	}

	if holder := e.registry.Holder(path); holder.ID != -1 {
		return errResult("image file '%s' is already being used by ID %d, unit %d",
			filename, holder.ID, holder.LUN)
	}

	storage.SetRegistry(e.registry)
	storage.SetFilename(path)

	if def.BlockSize != 0 {
		if err := storage.SetConfiguredSectorSize(int(def.BlockSize)); err != nil {
			return errResult("%v", err)
		}
	}

	if err := storage.Open(); err != nil {
		return errResult("can't open image file '%s': %v", filename, err)
	}

	storage.ReserveFile(id, lun)
	return okResult("")
}

func (e *Executor) detach(def *DeviceDefinition) Result {
	id, lun := int(def.ID), int(def.Unit)

	dev := e.manager.DeviceAt(id, lun)
	if dev == nil {
		return errResult("there is no device with ID %d, unit %d", id, lun)
	}

	if storage, ok := dev.(devices.StorageUnit); ok && storage.Filename() != "" {
		storage.UnreserveFile()
	}

	if !e.manager.DetachDevice(id, lun) {
		return errResult("LUN 0 cannot be detached as long as there is still another LUN on ID %d", id)
	}

	log.Infof("Detached device from ID %d, unit %d", id, lun)
	return okResult("")
}

func (e *Executor) detachAll() Result {
	e.manager.Lock()
	defer e.manager.Unlock()

	e.manager.DetachAll()
	e.registry.ReleaseAll()
	return okResult("")
}

func (e *Executor) start(def *DeviceDefinition) Result {
	dev := e.manager.DeviceAt(int(def.ID), int(def.Unit))
	if dev == nil {
		return errResult("there is no device with ID %d, unit %d", def.ID, def.Unit)
	}

	if s, ok := dev.(interface{ Start() bool }); ok {
		s.Start()
	}
	return okResult("")
}

func (e *Executor) stop(def *DeviceDefinition) Result {
	dev := e.manager.DeviceAt(int(def.ID), int(def.Unit))
	if dev == nil {
		return errResult("there is no device with ID %d, unit %d", def.ID, def.Unit)
	}

	dev.FlushCache()
	if s, ok := dev.(interface{ Stop() }); ok {
		s.Stop()
	}
	return okResult("")
}

func (e *Executor) insert(def *DeviceDefinition) Result {
	id, lun := int(def.ID), int(def.Unit)

	dev := e.manager.DeviceAt(id, lun)
	if dev == nil {
		return errResult("there is no device with ID %d, unit %d", id, lun)
	}
	if !dev.IsRemovable() {
		return errResult("%s device does not support insert", dev.Kind())
	}
	if !dev.IsRemoved() {
		return errResult("device ID %d, unit %d still has a medium", id, lun)
	}

	storage, ok := dev.(devices.StorageUnit)
	if !ok {
		return errResult("%s device does not support insert", dev.Kind())
	}

	if r := e.openStorage(storage, def, id, lun, def.Params["file"]); !r.Status {
		return r
	}

	dev.(interface{ SetMediumChanged(bool) }).SetMediumChanged(true)

	log.Infof("Inserted medium into ID %d, unit %d", id, lun)
	return okResult("")
}

func (e *Executor) eject(def *DeviceDefinition) Result {
	id, lun := int(def.ID), int(def.Unit)

	dev := e.manager.DeviceAt(id, lun)
	if dev == nil {
		return errResult("there is no device with ID %d, unit %d", id, lun)
	}

	if !dev.Eject(true) {
		return errResult("can't eject medium from ID %d, unit %d", id, lun)
	}
	dev.(interface{ SetMediumChanged(bool) }).SetMediumChanged(true)

	log.Infof("Ejected medium from ID %d, unit %d", id, lun)
	return okResult("")
}

func (e *Executor) protect(def *DeviceDefinition) Result {
	return e.setProtection(def, true)
}

func (e *Executor) unprotect(def *DeviceDefinition) Result {
	return e.setProtection(def, false)
}

func (e *Executor) setProtection(def *DeviceDefinition, protect bool) Result {
	dev := e.manager.DeviceAt(int(def.ID), int(def.Unit))
	if dev == nil {
		return errResult("there is no device with ID %d, unit %d", def.ID, def.Unit)
	}
	if !dev.IsProtectable() {
		return errResult("%s device is not protectable", dev.Kind())
	}

	dev.SetProtected(protect)
	return okResult("")
}

func (e *Executor) reserveIDs(cmd *Command) Result {
	var ids []int
	if s := cmd.Params["ids"]; s != "" {
		for _, part := range strings.Split(s, ",") {
			var id int
			if _, err := fmt.Sscanf(part, "%d", &id); err != nil || id < 0 || id > 7 {
				return errResult("invalid ID '%s'", part)
			}
			ids = append(ids, id)
		}
	}

	e.manager.Lock()
	defer e.manager.Unlock()

	for _, id := range ids {
		if e.manager.HasController(id) {
			return errResult("ID %d is currently in use", id)
		}
	}

	e.ReserveIDs(ids)
	return okResult("")
}

func (e *Executor) shutDown(cmd *Command) Result {
	if e.ShutdownFunc == nil {
		return errResult("shutdown is not supported")
	}

	var mode devices.ShutdownMode
	switch cmd.Params["mode"] {
	case "rascsi", "":
		mode = devices.ShutdownStopEmulator
	case "system":
		mode = devices.ShutdownStopHost
	case "reboot":
		mode = devices.ShutdownRestartHost
	default:
		return errResult("invalid shutdown mode '%s'", cmd.Params["mode"])
	}

	e.manager.Lock()
	e.manager.FlushAll()
	e.manager.Unlock()

	e.ShutdownFunc(mode)
	return okResult("")
}

func (e *Executor) devicesInfo() Result {
	e.manager.Lock()
	defer e.manager.Unlock()

	addresses := e.manager.Addresses()
	sort.Slice(addresses, func(i, j int) bool {
		if addresses[i].ID != addresses[j].ID {
			return addresses[i].ID < addresses[j].ID
		}
		return addresses[i].LUN < addresses[j].LUN
	})

	var s strings.Builder
	s.WriteString("+----+-----+------+-------------------------------------\n")
	s.WriteString("| ID | LUN | TYPE | IMAGE FILE\n")
	s.WriteString("+----+-----+------+-------------------------------------\n")
	for _, addr := range addresses {
		dev := e.manager.DeviceAt(addr.ID, addr.LUN)

		filename := ""
		switch dev.Kind() {
		case devices.KindSCBR:
			filename = "X68000 HOST BRIDGE"
		case devices.KindSCDP:
			filename = "DaynaPort SCSI/Link"
		case devices.KindSCHS:
			filename = "Host Services"
		case devices.KindSCLP:
			filename = "SCSI Printer"
		default:
			if storage, ok := dev.(devices.StorageUnit); ok {
				filename = storage.Filename()
			}
		}
		if filename == "" {
			filename = "NO MEDIUM"
		}

		ro := ""
		if !dev.IsRemoved() && (dev.IsReadOnly() || dev.IsProtected()) {
			ro = " (READ-ONLY)"
		}

		fmt.Fprintf(&s, "|  %d | %3d | %s | %s%s\n", addr.ID, addr.LUN, dev.Kind(), filename, ro)
	}
	s.WriteString("+----+-----+------+-------------------------------------\n")

	return okResult("%s", s.String())
}

// statisticsInfo renders the process metrics in prometheus text format.
func (e *Executor) statisticsInfo() Result {
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		return errResult("can't gather statistics: %v", err)
	}

	var buf bytes.Buffer
	enc := expfmt.NewEncoder(&buf, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, f := range families {
		if err := enc.Encode(f); err != nil {
			return errResult("can't encode statistics: %v", err)
		}
	}
	return okResult("%s", buf.String())
}

func (e *Executor) reservedIDsInfo() Result {
	var ids []int
	for id := range e.reservedIDs {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprintf("%d", id)
	}
	return okResult("%s", strings.Join(parts, ","))
}
