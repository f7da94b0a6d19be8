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

package clat

import (
	"encoding/binary"

	"github.com/xlat464/clatd/pkg/private/serrors"
)

const (
	// IPv6HeaderLen is the length of the fixed IPv6 header.
	IPv6HeaderLen = 40
	// IPv6FragHeaderLen is the length of the fragment extension header.
	IPv6FragHeaderLen = 8
	// IPv6MinMTU is the minimum IPv6 link MTU (RFC 8200 section 5).
	IPv6MinMTU = 1280
)

// IPv6Header is the decoded form of the fixed IPv6 header.
type IPv6Header struct {
	TrafficClass uint8
	PayloadLen   uint16
	NextHeader   uint8
	HopLimit     uint8
	Src          [16]byte
	Dst          [16]byte
}

// IPv6FragHeader is the decoded form of a fragment extension header.
type IPv6FragHeader struct {
	NextHeader uint8
	FragOff    uint16 // in 8-byte units
	More       bool
	ID         uint32
}

// parseIPv6Header decodes and validates the fixed IPv6 header.
func parseIPv6Header(b []byte) (IPv6Header, error) {
	var h IPv6Header
	if len(b) < IPv6HeaderLen {
		return h, serrors.New("truncated IPv6 header", "len", len(b))
	}
	if b[0]>>4 != 6 {
		return h, serrors.New("not an IPv6 packet", "version", b[0]>>4)
	}
	h.TrafficClass = b[0]<<4 | b[1]>>4
	h.PayloadLen = binary.BigEndian.Uint16(b[4:6])
	if int(h.PayloadLen) > len(b)-IPv6HeaderLen {
		return h, serrors.New("invalid IPv6 payload length",
			"payload_len", h.PayloadLen, "len", len(b))
	}
	h.NextHeader = b[6]
	h.HopLimit = b[7]
	copy(h.Src[:], b[8:24])
	copy(h.Dst[:], b[24:40])
	return h, nil
}

// parseIPv6FragHeader decodes a fragment extension header.
func parseIPv6FragHeader(b []byte) (IPv6FragHeader, error) {
	var h IPv6FragHeader
	if len(b) < IPv6FragHeaderLen {
		return h, serrors.New("truncated IPv6 fragment header", "len", len(b))
	}
	h.NextHeader = b[0]
	offField := binary.BigEndian.Uint16(b[2:4])
	h.FragOff = offField >> 3
	h.More = offField&1 != 0
	h.ID = binary.BigEndian.Uint32(b[4:8])
	return h, nil
}

// fillIPv6Header writes a 40-byte IPv6 header into out. Traffic class and
// flow label are zero; the hop limit is copied from the source TTL without
// an extra decrement. The addresses are the caller's to choose: they derive
// from the configured local address and PLAT prefix, not from the original
// packet.
func fillIPv6Header(out []byte, payloadLen int, proto, hopLimit uint8, src, dst [16]byte) {
	_ = out[IPv6HeaderLen-1]
	out[0] = 6 << 4
	out[1], out[2], out[3] = 0, 0, 0
	binary.BigEndian.PutUint16(out[4:6], uint16(payloadLen))
	out[6] = proto
	out[7] = hopLimit
	copy(out[8:24], src[:])
	copy(out[24:40], dst[:])
}

// fillIPv6FragHeader writes a fragment extension header into out, carrying
// the IPv4 identification widened to 32 bits.
func fillIPv6FragHeader(out []byte, nextHeader uint8, fragOff uint16, more bool, id uint32) {
	_ = out[IPv6FragHeaderLen-1]
	out[0] = nextHeader
	out[1] = 0
	offField := fragOff << 3
	if more {
		offField |= 1
	}
	binary.BigEndian.PutUint16(out[2:4], offField)
	binary.BigEndian.PutUint32(out[4:8], id)
}
