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
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xlat464/clatd/clat"
	"github.com/xlat464/clatd/pkg/checksum"
)

func TestPacketSegments(t *testing.T) {
	var p clat.Packet

	tun := p.Alloc(clat.PosTunHdr, 4)
	copy(tun, []byte{0, 0, 0x86, 0xdd})
	ip := p.Alloc(clat.PosIPHdr, clat.IPv6HeaderLen)
	ip[0] = 6 << 4
	tp := p.Alloc(clat.PosTransportHdr, 8)
	tp[0] = 0xaa
	payload := []byte{1, 2, 3, 4, 5}
	p.SetPayload(payload)

	// A header's length field covers everything after it, never the header
	// itself or anything before it.
	assert.Equal(t, 40+8+5, p.PayloadLength(clat.PosTunHdr))
	assert.Equal(t, 8+5, p.PayloadLength(clat.PosIPHdr))
	assert.Equal(t, 5, p.PayloadLength(clat.PosTransportHdr))
	assert.Zero(t, p.PayloadLength(clat.PosPayload))

	// Unpopulated positions do not appear in the write vector.
	slices := p.Slices(clat.PosTunHdr)
	require.Len(t, slices, 4)
	assert.Equal(t, tun, slices[0])
	assert.Equal(t, payload, slices[3])

	flat := p.Bytes(clat.PosIPHdr)
	assert.Equal(t, 40+8+5, len(flat))
	assert.True(t, bytes.Equal(flat[40:48], tp))
}

func TestPacketPayloadAliases(t *testing.T) {
	var p clat.Packet
	buf := []byte{1, 2, 3, 4}
	p.SetPayload(buf)
	buf[0] = 99
	assert.Equal(t, byte(99), p.Segment(clat.PosPayload)[0])
}

func TestPacketExtend(t *testing.T) {
	var p clat.Packet
	ip := p.Alloc(clat.PosIPHdr, clat.IPv6HeaderLen)
	ip[0] = 6 << 4
	frag := p.Extend(clat.PosIPHdr, clat.IPv6FragHeaderLen)
	frag[0] = clat.ProtoUDP

	seg := p.Segment(clat.PosIPHdr)
	require.Len(t, seg, clat.IPv6HeaderLen+clat.IPv6FragHeaderLen)
	assert.Equal(t, byte(6<<4), seg[0])
	assert.Equal(t, byte(clat.ProtoUDP), seg[clat.IPv6HeaderLen])
}

func TestPacketChecksumMatchesFlat(t *testing.T) {
	var p clat.Packet
	ip := p.Alloc(clat.PosIPHdr, clat.IPv6HeaderLen)
	for i := range ip {
		ip[i] = byte(i * 7)
	}
	tp := p.Alloc(clat.PosTransportHdr, 20)
	for i := range tp {
		tp[i] = byte(255 - i)
	}
	p.SetPayload([]byte{9, 8, 7}) // odd tail is fine in the last segment

	want := checksum.Fold(checksum.Add(0, p.Bytes(clat.PosIPHdr)))
	got := checksum.Fold(p.ChecksumFrom(clat.PosIPHdr, 0))
	assert.Equal(t, want, got)
}

func TestPacketReset(t *testing.T) {
	var p clat.Packet
	p.Alloc(clat.PosIPHdr, clat.IPv4HeaderLen)
	p.SetPayload([]byte{1})
	p.Reset()
	assert.Zero(t, p.PayloadLength(clat.PosTunHdr))
	assert.Empty(t, p.Slices(clat.PosTunHdr))
}

func TestPacketAllocBounds(t *testing.T) {
	var p clat.Packet
	assert.Panics(t, func() { p.Alloc(clat.PosPayload, 8) })
	assert.Panics(t, func() { p.Alloc(clat.PosIPHdr, 61) })
	p.Alloc(clat.PosIPHdr, clat.IPv6HeaderLen)
	assert.Panics(t, func() { p.Extend(clat.PosIPHdr, 21) })
}
