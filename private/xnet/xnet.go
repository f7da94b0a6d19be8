// Copyright 2025 The clatd authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//   http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

//go:build linux

// Package xnet contains the low level Linux networking pieces of the
// translator: TUN device setup, the raw IPv4 sockets, and netlink address
// operations.
package xnet

import (
	"net"
	"net/netip"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"github.com/xlat464/clatd/clat"
	"github.com/xlat464/clatd/pkg/log"
	"github.com/xlat464/clatd/pkg/private/serrors"
)

// TunDevice is the IPv6 side of the translator. Datagrams carry the 4-byte
// tun_pi header; the device is opened without IFF_NO_PI on purpose, the
// dataplane relies on the ethertype in the framing.
type TunDevice struct {
	fd   int
	name string
}

// ConnectTun creates (or opens) the TUN interface name, configures its MTU,
// and sets its state to up.
func ConnectTun(name string, mtu int) (*TunDevice, error) {
	fd, err := unix.Open("/dev/net/tun", unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, serrors.Wrap("opening /dev/net/tun", err)
	}
	ifr, err := unix.NewIfreq(name)
	if err != nil {
		unix.Close(fd)
		return nil, serrors.Wrap("building interface request", err, "name", name)
	}
	ifr.SetUint16(unix.IFF_TUN)
	if err := unix.IoctlIfreq(fd, unix.TUNSETIFF, ifr); err != nil {
		unix.Close(fd)
		return nil, serrors.Wrap("creating tun interface", err, "name", name)
	}
	log.Debug("Created tun interface", "name", name)

	link, err := netlink.LinkByName(name)
	if err != nil {
		unix.Close(fd)
		return nil, serrors.Wrap("finding tun link", err, "name", name)
	}
	if err := netlink.LinkSetMTU(link, mtu); err != nil {
		unix.Close(fd)
		return nil, serrors.Wrap("setting tun MTU", err, "name", name, "mtu", mtu)
	}
	if err := netlink.LinkSetUp(link); err != nil {
		unix.Close(fd)
		return nil, serrors.Wrap("setting tun link up", err, "name", name)
	}
	return &TunDevice{fd: fd, name: name}, nil
}

func (d *TunDevice) Fd() int { return d.fd }

func (d *TunDevice) Read(b []byte) (int, error) {
	n, err := unix.Read(d.fd, b)
	if n < 0 {
		n = 0
	}
	return n, err
}

func (d *TunDevice) Writev(bufs [][]byte) (int, error) {
	return unix.Writev(d.fd, bufs)
}

func (d *TunDevice) Close() error {
	return unix.Close(d.fd)
}

// Name returns the interface name.
func (d *TunDevice) Name() string { return d.name }

// RawV4Device is the IPv4 side of the translator: a packet socket picks up
// inbound IPv4 datagrams on the given interface, a raw socket with
// IP_HDRINCL semantics sends translated ones.
type RawV4Device struct {
	readFd  int
	writeFd int
}

// OpenRawV4 opens the IPv4 socket pair on the named interface.
func OpenRawV4(ifName string) (*RawV4Device, error) {
	iface, err := net.InterfaceByName(ifName)
	if err != nil {
		return nil, serrors.Wrap("finding interface", err, "name", ifName)
	}
	readFd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC,
		int(htons(unix.ETH_P_IP)))
	if err != nil {
		return nil, serrors.Wrap("opening packet socket", err)
	}
	sll := &unix.SockaddrLinklayer{
		Protocol: htons(unix.ETH_P_IP),
		Ifindex:  iface.Index,
	}
	if err := unix.Bind(readFd, sll); err != nil {
		unix.Close(readFd)
		return nil, serrors.Wrap("binding packet socket", err, "interface", ifName)
	}
	// IPPROTO_RAW implies IP_HDRINCL: the translated header goes out as is.
	writeFd, err := unix.Socket(unix.AF_INET, unix.SOCK_RAW|unix.SOCK_CLOEXEC,
		unix.IPPROTO_RAW)
	if err != nil {
		unix.Close(readFd)
		return nil, serrors.Wrap("opening raw socket", err)
	}
	return &RawV4Device{readFd: readFd, writeFd: writeFd}, nil
}

// Fd returns the readable descriptor for the poll set.
func (d *RawV4Device) Fd() int { return d.readFd }

func (d *RawV4Device) Read(b []byte) (int, error) {
	n, _, err := unix.Recvfrom(d.readFd, b, 0)
	if n < 0 {
		n = 0
	}
	return n, err
}

// Writev sends the segments as one datagram. The kernel routes by the
// destination in the IP header; the sockaddr repeats it because sendmsg on a
// raw socket demands one.
func (d *RawV4Device) Writev(bufs [][]byte) (int, error) {
	if len(bufs) == 0 || len(bufs[0]) < clat.IPv4HeaderLen {
		return 0, serrors.New("short write vector")
	}
	var dst unix.SockaddrInet4
	copy(dst.Addr[:], bufs[0][16:20])
	return unix.SendmsgBuffers(d.writeFd, bufs, nil, &dst, 0)
}

func (d *RawV4Device) Close() error {
	rerr := unix.Close(d.readFd)
	werr := unix.Close(d.writeFd)
	if rerr != nil {
		return rerr
	}
	return werr
}

// AddAddress assigns addr to the named interface.
func AddAddress(ifName string, addr netip.Prefix) error {
	link, err := netlink.LinkByName(ifName)
	if err != nil {
		return serrors.Wrap("finding link", err, "name", ifName)
	}
	nlAddr := &netlink.Addr{
		IPNet: &net.IPNet{
			IP:   addr.Addr().AsSlice(),
			Mask: net.CIDRMask(addr.Bits(), addr.Addr().BitLen()),
		},
	}
	if err := netlink.AddrAdd(link, nlAddr); err != nil {
		return serrors.Wrap("adding address", err, "name", ifName, "addr", addr)
	}
	return nil
}

// UplinkPrefix returns the /64 of the first global unicast IPv6 address on
// the named interface. The dataplane polls this to notice renumbering.
func UplinkPrefix(ifName string) (netip.Prefix, error) {
	link, err := netlink.LinkByName(ifName)
	if err != nil {
		return netip.Prefix{}, serrors.Wrap("finding link", err, "name", ifName)
	}
	addrs, err := netlink.AddrList(link, netlink.FAMILY_V6)
	if err != nil {
		return netip.Prefix{}, serrors.Wrap("listing addresses", err, "name", ifName)
	}
	for _, a := range addrs {
		ip, ok := netip.AddrFromSlice(a.IP)
		if !ok || !ip.Is6() || ip.Is4In6() {
			continue
		}
		if !ip.IsGlobalUnicast() || ip.IsPrivate() {
			continue
		}
		return netip.PrefixFrom(ip, 64).Masked(), nil
	}
	return netip.Prefix{}, serrors.New("no global IPv6 address", "interface", ifName)
}

func htons(v uint16) uint16 {
	return v<<8 | v>>8
}
