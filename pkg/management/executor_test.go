// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package management

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/goscsi/goscsi/pkg/bus"
	"github.com/goscsi/goscsi/pkg/controller"
	"github.com/goscsi/goscsi/pkg/devices"
)

func newTestExecutor(t *testing.T) *Executor {
	t.Helper()

	m := controller.NewManager(bus.NewSoftBus())
	e := NewExecutor(m, devices.NewRegistry(), devices.NewFactory())
	e.ImageFolder = t.TempDir()
	return e
}

func createImage(t *testing.T, e *Executor, name string, size int64) string {
	t.Helper()
	path := filepath.Join(e.ImageFolder, name)
	if err := os.WriteFile(path, make([]byte, size), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func attachCmd(id, unit int32, file string) *Command {
	return &Command{
		Operation: OpAttach,
		Devices: []DeviceDefinition{{
			ID:     id,
			Unit:   unit,
			Params: map[string]string{"file": file},
		}},
	}
}

func TestAttachAndDetach(t *testing.T) {
	e := newTestExecutor(t)
	createImage(t, e, "test.hds", 1<<20)

	if r := e.Execute(attachCmd(3, 0, "test.hds")); !r.Status {
		t.Fatalf("attach failed: %s", r.Msg)
	}

	if r := e.Execute(&Command{
		Operation: OpDetach,
		Devices:   []DeviceDefinition{{ID: 3, Unit: 0}},
	}); !r.Status {
		t.Fatalf("detach failed: %s", r.Msg)
	}
}

func TestAttachRejectsDuplicateFile(t *testing.T) {
	e := newTestExecutor(t)
	createImage(t, e, "test.hds", 1<<20)

	if r := e.Execute(attachCmd(3, 0, "test.hds")); !r.Status {
		t.Fatalf("attach failed: %s", r.Msg)
	}

	r := e.Execute(attachCmd(4, 0, "test.hds"))
	if r.Status {
		t.Fatal("the same image file was attached twice")
	}
	if !strings.Contains(r.Msg, "already being used") {
		t.Errorf("unexpected message: %s", r.Msg)
	}
}

func TestAttachRejectsLUNWithoutZero(t *testing.T) {
	e := newTestExecutor(t)
	createImage(t, e, "test.hds", 1<<20)

	r := e.Execute(attachCmd(3, 1, "test.hds"))
	if r.Status {
		t.Fatal("LUN 1 attached without LUN 0")
	}

	// The failed attach must not leave the file reserved
	if r := e.Execute(attachCmd(3, 0, "test.hds")); !r.Status {
		t.Fatalf("attach after failed attach: %s", r.Msg)
	}
}

func TestAttachRejectsReservedID(t *testing.T) {
	e := newTestExecutor(t)
	createImage(t, e, "test.hds", 1<<20)
	e.ReserveIDs([]int{3})

	if r := e.Execute(attachCmd(3, 0, "test.hds")); r.Status {
		t.Fatal("attach to a reserved ID succeeded")
	}
	if r := e.Execute(attachCmd(4, 0, "test.hds")); !r.Status {
		t.Fatalf("attach to a free ID failed: %s", r.Msg)
	}
}

func TestAttachUnknownType(t *testing.T) {
	e := newTestExecutor(t)
	createImage(t, e, "mystery.bin", 1<<20)

	if r := e.Execute(attachCmd(3, 0, "mystery.bin")); r.Status {
		t.Fatal("a file with an unknown extension was attached")
	}
}

func TestEjectAndInsert(t *testing.T) {
	e := newTestExecutor(t)
	createImage(t, e, "test.hdr", 1<<20)

	if r := e.Execute(attachCmd(3, 0, "test.hdr")); !r.Status {
		t.Fatalf("attach failed: %s", r.Msg)
	}

	if r := e.Execute(&Command{
		Operation: OpEject,
		Devices:   []DeviceDefinition{{ID: 3, Unit: 0}},
	}); !r.Status {
		t.Fatalf("eject failed: %s", r.Msg)
	}

	// The image file is free again after the eject
	if r := e.Execute(&Command{
		Operation: OpInsert,
		Devices: []DeviceDefinition{{
			ID: 3, Unit: 0,
			Params: map[string]string{"file": "test.hdr"},
		}},
	}); !r.Status {
		t.Fatalf("insert failed: %s", r.Msg)
	}
}

func TestProtectRequiresProtectable(t *testing.T) {
	e := newTestExecutor(t)
	createImage(t, e, "test.hds", 1<<20)
	createImage(t, e, "test.iso", 1<<20)

	if r := e.Execute(attachCmd(3, 0, "test.hds")); !r.Status {
		t.Fatalf("attach failed: %s", r.Msg)
	}
	if r := e.Execute(attachCmd(4, 0, "test.iso")); !r.Status {
		t.Fatalf("attach failed: %s", r.Msg)
	}

	if r := e.Execute(&Command{
		Operation: OpProtect,
		Devices:   []DeviceDefinition{{ID: 3, Unit: 0}},
	}); !r.Status {
		t.Fatalf("protect failed: %s", r.Msg)
	}

	// A CD-ROM cannot be protected
	if r := e.Execute(&Command{
		Operation: OpProtect,
		Devices:   []DeviceDefinition{{ID: 4, Unit: 0}},
	}); r.Status {
		t.Fatal("a CD-ROM was protected")
	}
}

func TestUnknownOperation(t *testing.T) {
	e := newTestExecutor(t)

	r := e.Execute(&Command{Operation: Operation(999)})
	if r.Status {
		t.Fatal("unknown operation succeeded")
	}
	if !strings.Contains(r.Msg, "unknown operation") {
		t.Errorf("unexpected message: %s", r.Msg)
	}
}

func TestVersionInfo(t *testing.T) {
	e := newTestExecutor(t)

	r := e.Execute(&Command{Operation: OpVersionInfo})
	if !r.Status || r.Msg != Version {
		t.Errorf("version info = %+v", r)
	}
}

func TestAttachWithIdentity(t *testing.T) {
	e := newTestExecutor(t)
	createImage(t, e, "test.hds", 1<<20)

	cmd := attachCmd(3, 0, "test.hds")
	cmd.Devices[0].Vendor = "ACME"
	cmd.Devices[0].Product = "DISK"
	cmd.Devices[0].Revision = "1.0"

	if r := e.Execute(cmd); !r.Status {
		t.Fatalf("attach failed: %s", r.Msg)
	}

	dev := e.manager.DeviceAt(3, 0)
	if dev.Vendor() != "ACME" || dev.Product() != "DISK" || dev.Revision() != "1.0" {
		t.Errorf("identity = %q/%q/%q", dev.Vendor(), dev.Product(), dev.Revision())
	}
}

func TestReserveIDsRejectsUsedID(t *testing.T) {
	e := newTestExecutor(t)
	createImage(t, e, "test.hds", 1<<20)

	if r := e.Execute(attachCmd(3, 0, "test.hds")); !r.Status {
		t.Fatalf("attach failed: %s", r.Msg)
	}

	if r := e.Execute(&Command{
		Operation: OpReserveIDs,
		Params:    map[string]string{"ids": "3"},
	}); r.Status {
		t.Fatal("an ID in use was reserved")
	}
}
