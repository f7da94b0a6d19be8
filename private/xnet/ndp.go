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

package xnet

import (
	"net"
	"net/netip"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv6"

	"github.com/xlat464/clatd/pkg/private/serrors"
)

// SendNeighborSolicitation sends one neighbor solicitation for target to its
// solicited-node multicast group on the named interface. It is fire and
// forget: no response is awaited or parsed, so this is an availability nudge
// for neighbors rather than duplicate address detection.
func SendNeighborSolicitation(ifName string, target netip.Addr) error {
	iface, err := net.InterfaceByName(ifName)
	if err != nil {
		return serrors.Wrap("finding interface", err, "name", ifName)
	}
	conn, err := icmp.ListenPacket("ip6:ipv6-icmp", "::")
	if err != nil {
		return serrors.Wrap("opening ICMPv6 socket", err)
	}
	defer conn.Close()

	// 4 reserved bytes, then the target address (RFC 4861 section 4.3). No
	// source link-layer option, the source address is unspecified.
	t16 := target.As16()
	body := make([]byte, 4+16)
	copy(body[4:], t16[:])
	msg := icmp.Message{
		Type: ipv6.ICMPTypeNeighborSolicitation,
		Body: &icmp.RawBody{Data: body},
	}
	wire, err := msg.Marshal(nil)
	if err != nil {
		return serrors.Wrap("marshaling neighbor solicitation", err)
	}

	// ff02::1:ffXX:XXXX with the low 24 bits of the target.
	dst := netip.AddrFrom16([16]byte{
		0xff, 0x02, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1,
		0xff, t16[13], t16[14], t16[15],
	})
	p := conn.IPv6PacketConn()
	if err := p.SetMulticastHopLimit(255); err != nil {
		return serrors.Wrap("setting hop limit", err)
	}
	cm := &ipv6.ControlMessage{IfIndex: iface.Index}
	if _, err := p.WriteTo(wire, cm, &net.IPAddr{IP: dst.AsSlice()}); err != nil {
		return serrors.Wrap("sending neighbor solicitation", err, "target", target)
	}
	return nil
}
