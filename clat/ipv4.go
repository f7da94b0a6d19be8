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

	"github.com/xlat464/clatd/pkg/checksum"
	"github.com/xlat464/clatd/pkg/private/serrors"
)

// IP protocol numbers relevant to translation.
const (
	ProtoICMP     = 1
	ProtoTCP      = 6
	ProtoUDP      = 17
	ProtoFragment = 44
	ProtoICMPv6   = 58
)

const (
	// IPv4HeaderLen is the length of the IPv4 header emitted by the
	// translator. Options are never generated (RFC 7915 section 5.1).
	IPv4HeaderLen = 20

	ipv4FlagDF = 0x4000
	ipv4FlagMF = 0x2000
)

// IPv4Header is the decoded form of an IPv4 header. Only the fields the
// translator needs are retained.
type IPv4Header struct {
	HeaderLen int // in bytes, including options
	TOS       uint8
	TotalLen  uint16
	ID        uint16
	DF        bool
	MF        bool
	FragOff   uint16 // in 8-byte units
	TTL       uint8
	Protocol  uint8
	Src       [4]byte
	Dst       [4]byte
}

// Fragmented reports whether the packet is a fragment (first or subsequent).
func (h *IPv4Header) Fragmented() bool {
	return h.MF || h.FragOff != 0
}

// parseIPv4Header decodes and validates an IPv4 header. Every field read is
// bounds-checked against the buffer; the raw buffer is never reinterpreted
// as a struct.
func parseIPv4Header(b []byte) (IPv4Header, error) {
	var h IPv4Header
	if len(b) < IPv4HeaderLen {
		return h, serrors.New("truncated IPv4 header", "len", len(b))
	}
	if b[0]>>4 != 4 {
		return h, serrors.New("not an IPv4 packet", "version", b[0]>>4)
	}
	h.HeaderLen = int(b[0]&0xf) * 4
	if h.HeaderLen < IPv4HeaderLen || h.HeaderLen > len(b) {
		return h, serrors.New("invalid IPv4 header length",
			"header_len", h.HeaderLen, "len", len(b))
	}
	h.TOS = b[1]
	h.TotalLen = binary.BigEndian.Uint16(b[2:4])
	if int(h.TotalLen) < h.HeaderLen || int(h.TotalLen) > len(b) {
		return h, serrors.New("invalid IPv4 total length",
			"total_len", h.TotalLen, "len", len(b))
	}
	h.ID = binary.BigEndian.Uint16(b[4:6])
	fragField := binary.BigEndian.Uint16(b[6:8])
	h.DF = fragField&ipv4FlagDF != 0
	h.MF = fragField&ipv4FlagMF != 0
	h.FragOff = fragField & 0x1fff
	h.TTL = b[8]
	h.Protocol = b[9]
	copy(h.Src[:], b[12:16])
	copy(h.Dst[:], b[16:20])
	return h, nil
}

// fillIPv4Header writes a 20-byte IPv4 header for the given payload into out.
// The TTL is taken from the source hop limit unchanged: the translator is
// not a router hop and does not decrement. DF is set; fragment fields are
// zero and may be overwritten by the fragment path before the checksum is
// restored with setIPv4Checksum.
func fillIPv4Header(out []byte, payloadLen int, proto, hopLimit uint8, src, dst [4]byte) {
	_ = out[IPv4HeaderLen-1]
	out[0] = 0x45 // version 4, IHL 5
	out[1] = 0
	binary.BigEndian.PutUint16(out[2:4], uint16(IPv4HeaderLen+payloadLen))
	binary.BigEndian.PutUint16(out[4:6], 0)
	binary.BigEndian.PutUint16(out[6:8], ipv4FlagDF)
	out[8] = hopLimit
	out[9] = proto
	copy(out[12:16], src[:])
	copy(out[16:20], dst[:])
	setIPv4Checksum(out)
}

// setIPv4Checksum recomputes the header checksum over the 20-byte header
// with the checksum field zeroed during computation.
func setIPv4Checksum(out []byte) {
	out[10], out[11] = 0, 0
	binary.BigEndian.PutUint16(out[10:12], ^checksum.Fold(checksum.Add(0, out[:IPv4HeaderLen])))
}
