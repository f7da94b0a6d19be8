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

package clat_test

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xlat464/clatd/clat"
	"github.com/xlat464/clatd/pkg/checksum"
)

// rawV4 builds an IPv4 packet by hand. The translator never inspects incoming
// checksums, so they are left zero.
func rawV4(src, dst [4]byte, proto, ttl uint8, body []byte) []byte {
	b := make([]byte, clat.IPv4HeaderLen+len(body))
	b[0] = 0x45
	binary.BigEndian.PutUint16(b[2:4], uint16(len(b)))
	b[8] = ttl
	b[9] = proto
	copy(b[12:16], src[:])
	copy(b[16:20], dst[:])
	copy(b[clat.IPv4HeaderLen:], body)
	return b
}

func rawV6(src, dst [16]byte, next, hop uint8, body []byte) []byte {
	b := make([]byte, clat.IPv6HeaderLen+len(body))
	b[0] = 6 << 4
	binary.BigEndian.PutUint16(b[4:6], uint16(len(body)))
	b[6] = next
	b[7] = hop
	copy(b[8:24], src[:])
	copy(b[24:40], dst[:])
	copy(b[clat.IPv6HeaderLen:], body)
	return b
}

func icmpMsg(typ, code uint8, rest [4]byte, body []byte) []byte {
	b := make([]byte, 8+len(body))
	b[0], b[1] = typ, code
	copy(b[4:8], rest[:])
	copy(b[8:], body)
	return b
}

func platEmbed(addr clat.Addressing, v4 [4]byte) [16]byte {
	out := addr.PlatPrefix.Addr().As16()
	copy(out[12:], v4[:])
	return out
}

func TestICMPv6PortUnreachableToV4(t *testing.T) {
	addr := testAddressing(t)
	tr := clat.NewTranslator(addr)
	remote4 := [4]byte{203, 0, 113, 9}
	remote6 := platEmbed(addr, remote4)

	// The offending datagram as it looked on the IPv6 side: UDP from the
	// local address to the remote.
	udpBody := append([]byte{0x9c, 0x40, 0x00, 0x35, 0x00, 0x0c, 0x12, 0x34}, []byte("quer")...)
	inner := rawV6(addr.LocalV6, remote6, clat.ProtoUDP, 63, udpBody)
	outer := rawV6(remote6, addr.LocalV6, clat.ProtoICMPv6, 59,
		icmpMsg(1, 4, [4]byte{}, inner)) // destination unreachable, port

	var out clat.Packet
	require.NoError(t, tr.ToIPv4(outer, &out))
	v4 := out.Bytes(clat.PosIPHdr)

	assert.Equal(t, remote4[:], v4[12:16])
	assert.Equal(t, addr.LocalV4[:], v4[16:20])
	assert.EqualValues(t, clat.ProtoICMP, v4[9])

	msg := v4[clat.IPv4HeaderLen:]
	assert.EqualValues(t, 3, msg[0], "destination unreachable")
	assert.EqualValues(t, 3, msg[1], "port unreachable")
	assert.EqualValues(t, 0xffff, checksum.Fold(checksum.Add(0, msg)), "ICMP checksum")

	innerOut := msg[8:]
	require.GreaterOrEqual(t, len(innerOut), clat.IPv4HeaderLen)
	assert.EqualValues(t, 0x45, innerOut[0])
	assert.Equal(t, addr.LocalV4[:], innerOut[12:16], "inner source")
	assert.Equal(t, remote4[:], innerOut[16:20], "inner destination")
	assert.EqualValues(t, clat.ProtoUDP, innerOut[9])
	assert.EqualValues(t, clat.IPv4HeaderLen+len(udpBody),
		binary.BigEndian.Uint16(innerOut[2:4]), "inner total length")
	assert.EqualValues(t, 0xffff,
		checksum.Fold(checksum.Add(0, innerOut[:clat.IPv4HeaderLen])), "inner header checksum")
	assert.Equal(t, udpBody, innerOut[clat.IPv4HeaderLen:], "inner transport bytes")
}

func TestICMPv4TimeExceededToV6(t *testing.T) {
	addr := testAddressing(t)
	tr := clat.NewTranslator(addr)
	remote4 := [4]byte{203, 0, 113, 9}
	router4 := [4]byte{198, 51, 100, 1}

	udpBody := append([]byte{0x9c, 0x40, 0x00, 0x35, 0x00, 0x0c, 0x12, 0x34}, []byte("quer")...)
	inner := rawV4(addr.LocalV4, remote4, clat.ProtoUDP, 1, udpBody)
	outer := rawV4(router4, addr.LocalV4, clat.ProtoICMP, 62,
		icmpMsg(11, 0, [4]byte{}, inner))

	var out clat.Packet
	require.NoError(t, tr.ToIPv6(outer, &out))
	v6 := out.Bytes(clat.PosIPHdr)

	assert.Equal(t, platEmbed(addr, router4), [16]byte(v6[8:24]))
	assert.Equal(t, addr.LocalV6, [16]byte(v6[24:40]))
	assert.EqualValues(t, clat.ProtoICMPv6, v6[6])

	msg := v6[clat.IPv6HeaderLen:]
	assert.EqualValues(t, 3, msg[0], "time exceeded")
	assert.EqualValues(t, 0, msg[1])
	verifyV6Transport(t, v6, clat.ProtoICMPv6)

	innerOut := msg[8:]
	require.GreaterOrEqual(t, len(innerOut), clat.IPv6HeaderLen)
	assert.EqualValues(t, 6, innerOut[0]>>4)
	assert.Equal(t, addr.LocalV6, [16]byte(innerOut[8:24]), "inner source")
	assert.Equal(t, platEmbed(addr, remote4), [16]byte(innerOut[24:40]), "inner destination")
	assert.EqualValues(t, clat.ProtoUDP, innerOut[6])
	assert.EqualValues(t, len(udpBody), binary.BigEndian.Uint16(innerOut[4:6]))
	assert.Equal(t, udpBody, innerOut[clat.IPv6HeaderLen:])
}

func TestPacketTooBigToV4(t *testing.T) {
	addr := testAddressing(t)
	tr := clat.NewTranslator(addr)
	remote6 := platEmbed(addr, [4]byte{203, 0, 113, 9})
	inner := rawV6(addr.LocalV6, remote6, clat.ProtoUDP, 63, make([]byte, 16))

	cases := []struct {
		name string
		mtu  uint32
		want uint16
	}{
		{name: "typical", mtu: 1500, want: 1480},
		{name: "clamped to field width", mtu: 70000, want: 0xffff},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var rest [4]byte
			binary.BigEndian.PutUint32(rest[:], tc.mtu)
			outer := rawV6(remote6, addr.LocalV6, clat.ProtoICMPv6, 59,
				icmpMsg(2, 0, rest, inner))

			var out clat.Packet
			require.NoError(t, tr.ToIPv4(outer, &out))
			msg := out.Bytes(clat.PosIPHdr)[clat.IPv4HeaderLen:]
			assert.EqualValues(t, 3, msg[0])
			assert.EqualValues(t, 4, msg[1], "fragmentation needed")
			assert.Equal(t, tc.want, binary.BigEndian.Uint16(msg[6:8]))
		})
	}
}

func TestFragNeededToV6(t *testing.T) {
	addr := testAddressing(t)
	tr := clat.NewTranslator(addr)
	remote4 := [4]byte{203, 0, 113, 9}
	inner := rawV4(addr.LocalV4, remote4, clat.ProtoUDP, 63, make([]byte, 16))

	cases := []struct {
		name string
		mtu  uint16
		want uint32
	}{
		{name: "typical", mtu: 1400, want: 1420},
		{name: "below v6 minimum", mtu: 500, want: 1280},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var rest [4]byte
			binary.BigEndian.PutUint16(rest[2:4], tc.mtu)
			outer := rawV4(remote4, addr.LocalV4, clat.ProtoICMP, 62,
				icmpMsg(3, 4, rest, inner))

			var out clat.Packet
			require.NoError(t, tr.ToIPv6(outer, &out))
			msg := out.Bytes(clat.PosIPHdr)[clat.IPv6HeaderLen:]
			assert.EqualValues(t, 2, msg[0], "packet too big")
			assert.EqualValues(t, 0, msg[1])
			assert.Equal(t, tc.want, binary.BigEndian.Uint32(msg[4:8]))
		})
	}
}

func TestParamProbPointerToV6(t *testing.T) {
	addr := testAddressing(t)
	tr := clat.NewTranslator(addr)
	remote4 := [4]byte{203, 0, 113, 9}
	inner := rawV4(addr.LocalV4, remote4, clat.ProtoUDP, 63, make([]byte, 8))

	cases := []struct {
		ptr  uint8
		want uint32
		ok   bool
	}{
		{ptr: 0, want: 0, ok: true},   // version
		{ptr: 1, want: 1, ok: true},   // TOS to traffic class
		{ptr: 2, want: 4, ok: true},   // total length to payload length
		{ptr: 8, want: 7, ok: true},   // TTL to hop limit
		{ptr: 9, want: 6, ok: true},   // protocol to next header
		{ptr: 13, want: 8, ok: true},  // source address
		{ptr: 17, want: 24, ok: true}, // destination address
		{ptr: 4, ok: false},           // identification has no equivalent
		{ptr: 20, ok: false},          // options have no equivalent
	}
	for _, tc := range cases {
		outer := rawV4(remote4, addr.LocalV4, clat.ProtoICMP, 62,
			icmpMsg(12, 0, [4]byte{tc.ptr}, inner))

		var out clat.Packet
		err := tr.ToIPv6(outer, &out)
		if !tc.ok {
			assert.ErrorIs(t, err, clat.ErrUnsupported, "pointer %d", tc.ptr)
			continue
		}
		require.NoError(t, err, "pointer %d", tc.ptr)
		msg := out.Bytes(clat.PosIPHdr)[clat.IPv6HeaderLen:]
		assert.EqualValues(t, 4, msg[0], "pointer %d", tc.ptr)
		assert.EqualValues(t, 0, msg[1], "pointer %d", tc.ptr)
		assert.Equal(t, tc.want, binary.BigEndian.Uint32(msg[4:8]), "pointer %d", tc.ptr)
	}
}

func TestParamProbPointerToV4(t *testing.T) {
	addr := testAddressing(t)
	tr := clat.NewTranslator(addr)
	remote6 := platEmbed(addr, [4]byte{203, 0, 113, 9})
	inner := rawV6(addr.LocalV6, remote6, clat.ProtoUDP, 63, make([]byte, 8))

	cases := []struct {
		ptr  uint32
		want uint8
		ok   bool
	}{
		{ptr: 0, want: 0, ok: true},
		{ptr: 4, want: 2, ok: true},   // payload length to total length
		{ptr: 6, want: 9, ok: true},   // next header to protocol
		{ptr: 7, want: 8, ok: true},   // hop limit to TTL
		{ptr: 10, want: 12, ok: true}, // source address
		{ptr: 30, want: 16, ok: true}, // destination address
		{ptr: 40, ok: false},          // beyond the fixed header
	}
	for _, tc := range cases {
		var rest [4]byte
		binary.BigEndian.PutUint32(rest[:], tc.ptr)
		outer := rawV6(remote6, addr.LocalV6, clat.ProtoICMPv6, 59,
			icmpMsg(4, 0, rest, inner))

		var out clat.Packet
		err := tr.ToIPv4(outer, &out)
		if !tc.ok {
			assert.ErrorIs(t, err, clat.ErrUnsupported, "pointer %d", tc.ptr)
			continue
		}
		require.NoError(t, err, "pointer %d", tc.ptr)
		msg := out.Bytes(clat.PosIPHdr)[clat.IPv4HeaderLen:]
		assert.EqualValues(t, 12, msg[0], "pointer %d", tc.ptr)
		assert.EqualValues(t, 0, msg[1], "pointer %d", tc.ptr)
		assert.Equal(t, tc.want, msg[4], "pointer %d", tc.ptr)
	}
}

func TestNextHeaderProblemToV4(t *testing.T) {
	addr := testAddressing(t)
	tr := clat.NewTranslator(addr)
	remote6 := platEmbed(addr, [4]byte{203, 0, 113, 9})
	inner := rawV6(addr.LocalV6, remote6, clat.ProtoUDP, 63, make([]byte, 8))

	// Parameter problem, unrecognized next header: becomes protocol
	// unreachable on the IPv4 side.
	outer := rawV6(remote6, addr.LocalV6, clat.ProtoICMPv6, 59,
		icmpMsg(4, 1, [4]byte{0, 0, 0, 6}, inner))

	var out clat.Packet
	require.NoError(t, tr.ToIPv4(outer, &out))
	msg := out.Bytes(clat.PosIPHdr)[clat.IPv4HeaderLen:]
	assert.EqualValues(t, 3, msg[0])
	assert.EqualValues(t, 2, msg[1], "protocol unreachable")
}

func TestEmbeddedPayloadTruncation(t *testing.T) {
	addr := testAddressing(t)
	tr := clat.NewTranslator(addr)
	remote4 := [4]byte{203, 0, 113, 9}
	remote6 := platEmbed(addr, remote4)

	t.Run("to v6 fits minimum MTU", func(t *testing.T) {
		inner := rawV4(addr.LocalV4, remote4, clat.ProtoUDP, 63, make([]byte, 1400))
		outer := rawV4(remote4, addr.LocalV4, clat.ProtoICMP, 62,
			icmpMsg(3, 1, [4]byte{}, inner))

		var out clat.Packet
		require.NoError(t, tr.ToIPv6(outer, &out))
		v6 := out.Bytes(clat.PosIPHdr)
		assert.Equal(t, clat.IPv6MinMTU, len(v6))
		// The inner length field still reflects the original datagram, only
		// the carried copy is cut.
		inner6 := v6[clat.IPv6HeaderLen+8:]
		assert.EqualValues(t, 1400, binary.BigEndian.Uint16(inner6[4:6]))
		verifyV6Transport(t, v6, clat.ProtoICMPv6)
	})

	t.Run("to v4 fits 576", func(t *testing.T) {
		inner := rawV6(addr.LocalV6, remote6, clat.ProtoUDP, 63, make([]byte, 1000))
		outer := rawV6(remote6, addr.LocalV6, clat.ProtoICMPv6, 59,
			icmpMsg(1, 4, [4]byte{}, inner))

		var out clat.Packet
		require.NoError(t, tr.ToIPv4(outer, &out))
		assert.Equal(t, 576, len(out.Bytes(clat.PosIPHdr)))
	})
}

func TestEchoReplyToV4(t *testing.T) {
	addr := testAddressing(t)
	tr := clat.NewTranslator(addr)
	remote6 := platEmbed(addr, [4]byte{192, 0, 2, 1})

	outer := rawV6(remote6, addr.LocalV6, clat.ProtoICMPv6, 55,
		icmpMsg(129, 0, [4]byte{0x12, 0x34, 0, 9}, []byte("pong")))

	var out clat.Packet
	require.NoError(t, tr.ToIPv4(outer, &out))
	v4 := out.Bytes(clat.PosIPHdr)
	msg := v4[clat.IPv4HeaderLen:]
	assert.EqualValues(t, 0, msg[0], "echo reply")
	assert.Equal(t, []byte{0x12, 0x34, 0, 9}, msg[4:8])
	assert.Equal(t, []byte("pong"), msg[8:])
	assert.EqualValues(t, 0xffff, checksum.Fold(checksum.Add(0, msg)))
}

func TestNeighborDiscoveryDropped(t *testing.T) {
	addr := testAddressing(t)
	tr := clat.NewTranslator(addr)
	remote6 := platEmbed(addr, [4]byte{192, 0, 2, 1})

	// Neighbor solicitation: link machinery, never translated.
	ns := make([]byte, 24)
	ns[0] = 135
	pkt := rawV6(addr.LocalV6, remote6, clat.ProtoICMPv6, 255, ns)

	var out clat.Packet
	assert.ErrorIs(t, tr.ToIPv4(pkt, &out), clat.ErrUnsupported)
}

func TestSingleLevelRecursion(t *testing.T) {
	addr := testAddressing(t)
	tr := clat.NewTranslator(addr)
	remote4 := [4]byte{203, 0, 113, 9}

	// A time exceeded message about an ICMP echo request: the embedded
	// header chain is translated, the embedded ICMP body stays opaque.
	echo := icmpMsg(8, 0, [4]byte{0xaa, 0xbb, 0, 1}, []byte("data"))
	inner := rawV4(addr.LocalV4, remote4, clat.ProtoICMP, 1, echo)
	outer := rawV4(remote4, addr.LocalV4, clat.ProtoICMP, 62,
		icmpMsg(11, 0, [4]byte{}, inner))

	var out clat.Packet
	require.NoError(t, tr.ToIPv6(outer, &out))
	v6 := out.Bytes(clat.PosIPHdr)
	inner6 := v6[clat.IPv6HeaderLen+8:]
	assert.EqualValues(t, clat.ProtoICMPv6, inner6[6],
		"inner protocol number is mapped so the chain stays coherent")
	assert.Equal(t, echo, inner6[clat.IPv6HeaderLen:],
		"inner ICMP body is carried opaquely, type untouched")
	verifyV6Transport(t, v6, clat.ProtoICMPv6)
}
