// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux

package devices

import (
	"strings"
	"unsafe"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"github.com/goscsi/goscsi/pkg/bus"
)

const (
	tapName    = "goscsi0"
	bridgeName = "goscsi_bridge"
)

// TapDriver connects the Ethernet devices to the host network through a
// TAP interface enslaved to a bridge. Frames read from the TAP get the
// CRC32 FCS appended that Linux strips.
type TapDriver struct {
	fd   int
	link netlink.Link
}

// Init opens the TAP device, creates the bridge if needed and brings the
// interface up. Params: "interface" is a comma-separated candidate list
// for the bridge uplink, "inet" the bridge address in CIDR notation.
func (t *TapDriver) Init(params map[string]string) error {
	fd, err := unix.Open("/dev/net/tun", unix.O_RDWR, 0)
	if err != nil {
		return errors.Wrap(err, "can't open tun")
	}

	// IFF_NO_PI for no extra packet information
	var ifr struct {
		name  [unix.IFNAMSIZ]byte
		flags uint16
		_     [22]byte
	}
	copy(ifr.name[:], tapName)
	ifr.flags = unix.IFF_TAP | unix.IFF_NO_PI

	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), unix.TUNSETIFF,
		uintptr(unsafe.Pointer(&ifr))); errno != 0 {
		unix.Close(fd)
		return errors.Wrap(errno, "can't ioctl TUNSETIFF")
	}

	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return errors.Wrap(err, "can't set TAP non-blocking")
	}

	link, err := netlink.LinkByName(tapName)
	if err != nil {
		unix.Close(fd)
		return errors.Wrap(err, "TAP interface did not appear")
	}

	br, err := t.ensureBridge(params)
	if err != nil {
		unix.Close(fd)
		return err
	}

	if err := netlink.LinkSetMaster(link, br); err != nil {
		unix.Close(fd)
		return errors.Wrapf(err, "can't add %s to %s", tapName, bridgeName)
	}
	if err := netlink.LinkSetUp(link); err != nil {
		unix.Close(fd)
		return errors.Wrapf(err, "can't bring %s up", tapName)
	}

	t.fd = fd
	t.link = link
	return nil
}

// ensureBridge returns the bridge, creating and configuring it when it
// does not exist yet.
func (t *TapDriver) ensureBridge(params map[string]string) (*netlink.Bridge, error) {
	if link, err := netlink.LinkByName(bridgeName); err == nil {
		if br, ok := link.(*netlink.Bridge); ok {
			return br, nil
		}
		return nil, errors.Errorf("%s exists but is not a bridge", bridgeName)
	}

	log.Infof("%s is not yet available, creating it", bridgeName)

	br := &netlink.Bridge{LinkAttrs: netlink.LinkAttrs{Name: bridgeName}}
	if err := netlink.LinkAdd(br); err != nil {
		return nil, errors.Wrapf(err, "can't create %s", bridgeName)
	}

	// Either enslave an uplink interface or give the bridge an address
	uplink := ""
	for _, name := range strings.Split(params["interface"], ",") {
		if name == "" {
			continue
		}
		if link, err := netlink.LinkByName(name); err == nil &&
			link.Attrs().OperState == netlink.OperUp {
			uplink = name
			break
		}
	}

	if uplink == "eth0" {
		link, _ := netlink.LinkByName(uplink)
		if err := netlink.LinkSetMaster(link, br); err != nil {
			return nil, errors.Wrapf(err, "can't add %s to %s", uplink, bridgeName)
		}
	} else {
		inet := params["inet"]
		addr, err := netlink.ParseAddr(inet)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid bridge address '%s'", inet)
		}
		if err := netlink.AddrAdd(br, addr); err != nil {
			return nil, errors.Wrapf(err, "can't assign %s to %s", inet, bridgeName)
		}
	}

	if err := netlink.LinkSetUp(br); err != nil {
		return nil, errors.Wrapf(err, "can't bring %s up", bridgeName)
	}
	return br, nil
}

func (t *TapDriver) CleanUp() {
	if t.link != nil {
		if err := netlink.LinkSetNoMaster(t.link); err != nil {
			log.Warnf("Removing %s from the bridge failed: %v", tapName, err)
		}
		t.link = nil
	}
	if t.fd > 0 {
		unix.Close(t.fd)
		t.fd = 0
	}
}

// MACAddress returns the hardware address of the TAP interface.
func (t *TapDriver) MACAddress() []byte {
	if t.link == nil {
		return make([]byte, 6)
	}
	return t.link.Attrs().HardwareAddr
}

// IPLink brings the TAP interface up or down.
func (t *TapDriver) IPLink(up bool) error {
	if t.link == nil {
		return errors.New("TAP interface is not initialized")
	}
	if up {
		return netlink.LinkSetUp(t.link)
	}
	return netlink.LinkSetDown(t.link)
}

// HasPendingPackets reports whether a frame is waiting on the TAP.
func (t *TapDriver) HasPendingPackets() bool {
	fds := []unix.PollFd{{Fd: int32(t.fd), Events: unix.POLLIN}}
	n, err := unix.Poll(fds, 0)
	return err == nil && n > 0 && fds[0].Revents&unix.POLLIN != 0
}

// Receive reads one frame into buf and appends the FCS. Returns 0 when
// nothing is pending.
func (t *TapDriver) Receive(buf []byte) int {
	n, err := unix.Read(t.fd, buf[:len(buf)-4])
	if n <= 0 || err != nil {
		return 0
	}

	// Linux strips the FCS, the emulated drivers expect it
	frame := bus.AppendFCS(buf[:n:n])
	copy(buf[n:], frame[n:])
	return n + 4
}

// Send writes one frame to the TAP.
func (t *TapDriver) Send(buf []byte) int {
	n, err := unix.Write(t.fd, buf)
	if err != nil {
		log.Warnf("Sending to %s failed: %v", tapName, err)
		return 0
	}
	return n
}

// Flush drains all pending frames.
func (t *TapDriver) Flush() {
	buf := make([]byte, 0x1000)
	for t.HasPendingPackets() {
		if n, err := unix.Read(t.fd, buf); n <= 0 || err != nil {
			return
		}
	}
}
