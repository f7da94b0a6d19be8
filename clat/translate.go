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

// Package clat implements the stateless NAT64 packet translation engine of a
// 464XLAT customer-side translator (RFC 6877), following the header and ICMP
// translation rules of RFC 7915, and the event loop that drives it.
package clat

import (
	"net/netip"

	"github.com/xlat464/clatd/pkg/checksum"
	"github.com/xlat464/clatd/pkg/private/serrors"
)

// Drop sentinels. The event loop classifies dropped packets by matching
// translation errors against these.
var (
	// ErrMalformed indicates a truncated packet or inconsistent length
	// fields.
	ErrMalformed = serrors.New("malformed packet")
	// ErrUnsupported indicates a protocol or ICMP type with no equivalent
	// in the target family.
	ErrUnsupported = serrors.New("no translation for type")
	// ErrUntranslatable indicates an address outside both the local
	// mapping and the PLAT prefix.
	ErrUntranslatable = serrors.New("address not translatable")
)

// Addressing is the address mapping of one translator instance. It is
// immutable after startup; a prefix change tears the whole instance down
// instead of mutating it (see Dataplane).
type Addressing struct {
	// LocalV4 is the translator's IPv4 address, typically from a
	// shared-use block (RFC 7335).
	LocalV4 [4]byte
	// LocalV6 is the /128 source address used on the IPv6 side. It should
	// be checksum-neutral with respect to LocalV4 and PlatPrefix; see
	// MakeChecksumNeutral.
	LocalV6 [16]byte
	// PlatPrefix is the operator's NAT64 /96 prefix into which IPv4
	// addresses are embedded (RFC 6052).
	PlatPrefix netip.Prefix
}

// toV6 maps an IPv4 address to the IPv6 side: the local address maps to the
// configured /128, everything else is embedded into the PLAT prefix.
func (a *Addressing) toV6(v4 [4]byte) [16]byte {
	if v4 == a.LocalV4 {
		return a.LocalV6
	}
	out := a.PlatPrefix.Addr().As16()
	copy(out[12:], v4[:])
	return out
}

// toV4 maps an IPv6 address back to the IPv4 side. Addresses that are
// neither the local /128 nor within the PLAT prefix have no mapping.
func (a *Addressing) toV4(v6 [16]byte) ([4]byte, bool) {
	if v6 == a.LocalV6 {
		return a.LocalV4, true
	}
	if !a.PlatPrefix.Contains(netip.AddrFrom16(v6)) {
		return [4]byte{}, false
	}
	var out [4]byte
	copy(out[:], v6[12:16])
	return out, true
}

// Translator rewrites packets between the IPv4 and IPv6 families. It is
// stateless apart from the immutable addressing and is safe to call from the
// single event-loop goroutine.
type Translator struct {
	addr Addressing
}

// NewTranslator returns a translator for the given addressing.
func NewTranslator(addr Addressing) *Translator {
	return &Translator{addr: addr}
}

// ToIPv6 translates one bare IPv4 datagram into out. The resulting segments
// start at PosIPHdr; the caller adds tunnel framing if the destination
// descriptor needs it. The input buffer is aliased by the payload segment
// and must stay valid until out is consumed.
func (t *Translator) ToIPv6(pkt []byte, out *Packet) error {
	h4, err := parseIPv4Header(pkt)
	if err != nil {
		return serrors.Join(ErrMalformed, err)
	}
	src := t.addr.toV6(h4.Src)
	dst := t.addr.toV6(h4.Dst)
	body := pkt[h4.HeaderLen:h4.TotalLen]

	proto := h4.Protocol
	if proto == ProtoICMP {
		// The only protocol number that changes across families.
		proto = ProtoICMPv6
	}

	hdr := out.Alloc(PosIPHdr, IPv6HeaderLen)

	if h4.Fragmented() {
		// Fragments carry at most a partial transport payload, so their
		// transport checksum cannot be recomputed; it is passed through
		// untouched. Checksum-neutral addressing keeps it valid for local
		// flows. ICMP cannot cross families without a checksum rewrite, so
		// fragmented ICMP is dropped.
		if proto == ProtoICMPv6 {
			return serrors.Join(ErrUnsupported, nil, "reason", "fragmented ICMP")
		}
		frag := out.Extend(PosIPHdr, IPv6FragHeaderLen)
		fillIPv6FragHeader(frag, proto, h4.FragOff, h4.MF, uint32(h4.ID))
		proto = ProtoFragment
		out.SetPayload(body)
	} else {
		switch proto {
		case ProtoICMPv6:
			if err := t.icmpToICMPv6(out, body, src, dst); err != nil {
				return err
			}
		case ProtoTCP, ProtoUDP:
			pseudo := func(ulen int) uint32 {
				return checksum.PseudoHeaderV6(src, dst, proto, uint32(ulen))
			}
			if err := t.transportChecksum(out, proto, body, pseudo); err != nil {
				return err
			}
		default:
			// Unknown transport (GRE, ESP, ...): the header translates, the
			// payload is opaque.
			out.SetPayload(body)
		}
	}

	// The payload length field covers extension headers too; any fragment
	// header lives in the IP header segment beyond the fixed 40 bytes.
	extLen := len(out.Segment(PosIPHdr)) - IPv6HeaderLen
	fillIPv6Header(hdr, extLen+out.PayloadLength(PosIPHdr),
		proto, h4.TTL, src, dst)
	return nil
}

// ToIPv4 translates one bare IPv6 datagram into out. Segments start at
// PosIPHdr.
func (t *Translator) ToIPv4(pkt []byte, out *Packet) error {
	h6, err := parseIPv6Header(pkt)
	if err != nil {
		return serrors.Join(ErrMalformed, err)
	}
	src, ok := t.addr.toV4(h6.Src)
	if !ok {
		return serrors.Join(ErrUntranslatable, nil, "src", netip.AddrFrom16(h6.Src))
	}
	dst, ok := t.addr.toV4(h6.Dst)
	if !ok {
		return serrors.Join(ErrUntranslatable, nil, "dst", netip.AddrFrom16(h6.Dst))
	}
	body := pkt[IPv6HeaderLen : IPv6HeaderLen+int(h6.PayloadLen)]

	proto := h6.NextHeader
	var frag *IPv6FragHeader
	if proto == ProtoFragment {
		f, err := parseIPv6FragHeader(body)
		if err != nil {
			return serrors.Join(ErrMalformed, err)
		}
		frag = &f
		proto = f.NextHeader
		body = body[IPv6FragHeaderLen:]
	}
	if proto == ProtoICMPv6 {
		proto = ProtoICMP
	}

	hdr := out.Alloc(PosIPHdr, IPv4HeaderLen)

	switch {
	case frag != nil:
		if proto == ProtoICMP {
			return serrors.Join(ErrUnsupported, nil, "reason", "fragmented ICMP")
		}
		out.SetPayload(body)
	case proto == ProtoICMP:
		if err := t.icmpv6ToICMP(out, body, h6); err != nil {
			return err
		}
	case proto == ProtoTCP || proto == ProtoUDP:
		p := proto
		pseudo := func(ulen int) uint32 {
			return checksum.PseudoHeaderV4(src, dst, p, uint16(ulen))
		}
		if err := t.transportChecksum(out, proto, body, pseudo); err != nil {
			return err
		}
	default:
		out.SetPayload(body)
	}

	fillIPv4Header(hdr, out.PayloadLength(PosIPHdr), proto, h6.HopLimit, src, dst)
	if frag != nil {
		applyIPv4Fragment(hdr, uint16(frag.ID), frag.FragOff, frag.More)
	}
	return nil
}

// applyIPv4Fragment rewrites the identification and fragment fields of a
// filled IPv4 header and restores the header checksum.
func applyIPv4Fragment(hdr []byte, id, fragOff uint16, more bool) {
	hdr[4] = byte(id >> 8)
	hdr[5] = byte(id)
	offField := fragOff // DF cleared: the packet already fragmented
	if more {
		offField |= ipv4FlagMF
	}
	hdr[6] = byte(offField >> 8)
	hdr[7] = byte(offField)
	setIPv4Checksum(hdr)
}
