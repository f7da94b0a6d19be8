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

// ICMPv4 message types and codes (RFC 792).
const (
	icmpEchoReply      = 0
	icmpDestUnreach    = 3
	icmpEchoRequest    = 8
	icmpTimeExceeded   = 11
	icmpParamProb      = 12
	icmpUnreachNet     = 0
	icmpUnreachHost    = 1
	icmpUnreachProto   = 2
	icmpUnreachPort    = 3
	icmpUnreachNeedFra = 4
	icmpUnreachAdmin   = 10
)

// ICMPv6 message types and codes (RFC 4443).
const (
	icmp6DestUnreach  = 1
	icmp6PacketTooBig = 2
	icmp6TimeExceeded = 3
	icmp6ParamProb    = 4
	icmp6EchoRequest  = 128
	icmp6EchoReply    = 129

	icmp6UnreachNoRoute     = 0
	icmp6UnreachAdmin       = 1
	icmp6UnreachBeyondScope = 2
	icmp6UnreachAddr        = 3
	icmp6UnreachPort        = 4

	icmp6ParamProbHeaderField = 0
	icmp6ParamProbNextHeader  = 1
)

const icmpHeaderLen = 8

// Size ceilings for translated error messages: ICMPv6 errors must fit the
// IPv6 minimum MTU (RFC 4443 section 2.4), ICMPv4 errors the historic
// 576-byte bound (RFC 1812 section 4.3.2.3).
const (
	icmp6ErrPayloadMax = IPv6MinMTU - IPv6HeaderLen - icmpHeaderLen - IPv6HeaderLen
	icmp4ErrPayloadMax = 576 - IPv4HeaderLen - icmpHeaderLen - IPv4HeaderLen
)

// icmpToICMPv6 rewrites an ICMPv4 message as ICMPv6 (RFC 7915 section 4.2).
// Types with no ICMPv6 equivalent drop the packet; no error is generated in
// return, since answering a dropped ICMP message with another ICMP message
// risks loops. Error messages get their embedded IP header translated one
// level deep via innerToV6.
func (t *Translator) icmpToICMPv6(out *Packet, body []byte, src, dst [16]byte) error {
	if len(body) < icmpHeaderLen {
		return serrors.Join(ErrMalformed, nil, "proto", "icmp", "len", len(body))
	}
	typ, code := body[0], body[1]
	hdr := out.Alloc(PosTransportHdr, icmpHeaderLen)
	isError := false

	switch typ {
	case icmpEchoRequest:
		hdr[0] = icmp6EchoRequest
		copy(hdr[4:8], body[4:8]) // identifier, sequence
	case icmpEchoReply:
		hdr[0] = icmp6EchoReply
		copy(hdr[4:8], body[4:8])
	case icmpTimeExceeded:
		hdr[0], hdr[1] = icmp6TimeExceeded, code
		isError = true
	case icmpDestUnreach:
		isError = true
		switch code {
		case icmpUnreachNet, icmpUnreachHost, 5, 6, 7, 8, 11, 12:
			hdr[0], hdr[1] = icmp6DestUnreach, icmp6UnreachNoRoute
		case icmpUnreachProto:
			hdr[0], hdr[1] = icmp6ParamProb, icmp6ParamProbNextHeader
			// Pointer to the Next Header field.
			binary.BigEndian.PutUint32(hdr[4:8], 6)
		case icmpUnreachPort:
			hdr[0], hdr[1] = icmp6DestUnreach, icmp6UnreachPort
		case icmpUnreachNeedFra:
			hdr[0], hdr[1] = icmp6PacketTooBig, 0
			mtu := uint32(binary.BigEndian.Uint16(body[6:8])) + IPv4HeaderLen
			if mtu < IPv6MinMTU {
				mtu = IPv6MinMTU
			}
			binary.BigEndian.PutUint32(hdr[4:8], mtu)
		case 9, icmpUnreachAdmin, 13, 15:
			hdr[0], hdr[1] = icmp6DestUnreach, icmp6UnreachAdmin
		default:
			return serrors.Join(ErrUnsupported, nil, "icmp_type", typ, "icmp_code", code)
		}
	case icmpParamProb:
		if code != 0 && code != 2 {
			return serrors.Join(ErrUnsupported, nil, "icmp_type", typ, "icmp_code", code)
		}
		ptr, ok := icmpPointerToV6(body[4])
		if !ok {
			return serrors.Join(ErrUnsupported, nil, "icmp_type", typ, "pointer", body[4])
		}
		hdr[0], hdr[1] = icmp6ParamProb, icmp6ParamProbHeaderField
		binary.BigEndian.PutUint32(hdr[4:8], ptr)
		isError = true
	default:
		// Source quench, redirect, timestamp, address mask, router
		// discovery: single-hop or obsolete, no IPv6 equivalent.
		return serrors.Join(ErrUnsupported, nil, "icmp_type", typ)
	}

	if isError {
		if err := t.innerToV6(out, body[icmpHeaderLen:]); err != nil {
			return err
		}
	} else {
		out.SetPayload(body[icmpHeaderLen:])
	}

	ulen := icmpHeaderLen + out.PayloadLength(PosTransportHdr)
	sum := checksum.PseudoHeaderV6(src, dst, ProtoICMPv6, uint32(ulen))
	binary.BigEndian.PutUint16(hdr[2:4], checksum.Finish(out.ChecksumFrom(PosTransportHdr, sum)))
	return nil
}

// icmpv6ToICMP rewrites an ICMPv6 message as ICMPv4 (RFC 7915 section 5.2).
// Neighbor discovery and multicast listener messages are link-local
// machinery and are dropped rather than translated.
func (t *Translator) icmpv6ToICMP(out *Packet, body []byte, h6 IPv6Header) error {
	if len(body) < icmpHeaderLen {
		return serrors.Join(ErrMalformed, nil, "proto", "icmpv6", "len", len(body))
	}
	typ, code := body[0], body[1]
	hdr := out.Alloc(PosTransportHdr, icmpHeaderLen)
	isError := false

	switch typ {
	case icmp6EchoRequest:
		hdr[0] = icmpEchoRequest
		copy(hdr[4:8], body[4:8])
	case icmp6EchoReply:
		hdr[0] = icmpEchoReply
		copy(hdr[4:8], body[4:8])
	case icmp6TimeExceeded:
		hdr[0], hdr[1] = icmpTimeExceeded, code
		isError = true
	case icmp6DestUnreach:
		isError = true
		switch code {
		case icmp6UnreachNoRoute, icmp6UnreachBeyondScope, icmp6UnreachAddr:
			hdr[0], hdr[1] = icmpDestUnreach, icmpUnreachHost
		case icmp6UnreachAdmin:
			hdr[0], hdr[1] = icmpDestUnreach, icmpUnreachAdmin
		case icmp6UnreachPort:
			hdr[0], hdr[1] = icmpDestUnreach, icmpUnreachPort
		default:
			return serrors.Join(ErrUnsupported, nil, "icmp6_type", typ, "icmp6_code", code)
		}
	case icmp6PacketTooBig:
		hdr[0], hdr[1] = icmpDestUnreach, icmpUnreachNeedFra
		mtu := binary.BigEndian.Uint32(body[4:8])
		if mtu > IPv4HeaderLen {
			mtu -= IPv4HeaderLen
		}
		if mtu > 0xffff {
			mtu = 0xffff
		}
		binary.BigEndian.PutUint16(hdr[6:8], uint16(mtu))
		isError = true
	case icmp6ParamProb:
		switch code {
		case icmp6ParamProbHeaderField:
			ptr, ok := icmpPointerToV4(binary.BigEndian.Uint32(body[4:8]))
			if !ok {
				return serrors.Join(ErrUnsupported, nil, "icmp6_type", typ,
					"pointer", binary.BigEndian.Uint32(body[4:8]))
			}
			hdr[0], hdr[1] = icmpParamProb, 0
			hdr[4] = ptr
		case icmp6ParamProbNextHeader:
			hdr[0], hdr[1] = icmpDestUnreach, icmpUnreachProto
		default:
			return serrors.Join(ErrUnsupported, nil, "icmp6_type", typ, "icmp6_code", code)
		}
		isError = true
	default:
		return serrors.Join(ErrUnsupported, nil, "icmp6_type", typ)
	}

	if isError {
		if err := t.innerToV4(out, body[icmpHeaderLen:]); err != nil {
			return err
		}
	} else {
		out.SetPayload(body[icmpHeaderLen:])
	}

	// ICMPv4 has no pseudo-header in its checksum.
	binary.BigEndian.PutUint16(hdr[2:4], checksum.Finish(out.ChecksumFrom(PosTransportHdr, 0)))
	return nil
}

// innerToV6 translates the IPv4 header embedded in an ICMP error message
// into PosICMPErrHdr and aliases the remaining bytes as payload, truncated
// so the whole ICMPv6 error fits the IPv6 minimum MTU. Only one level of
// recursion happens here: an embedded ICMP message keeps its body as opaque
// bytes, with just the protocol number mapped so the header chain stays
// coherent.
func (t *Translator) innerToV6(out *Packet, inner []byte) error {
	if len(inner) < IPv4HeaderLen {
		return serrors.Join(ErrMalformed, nil, "inner_len", len(inner))
	}
	if inner[0]>>4 != 4 {
		return serrors.Join(ErrMalformed, nil, "inner_version", inner[0]>>4)
	}
	hlen := int(inner[0]&0xf) * 4
	totalLen := int(binary.BigEndian.Uint16(inner[2:4]))
	if hlen < IPv4HeaderLen || hlen > len(inner) || totalLen < hlen {
		return serrors.Join(ErrMalformed, nil, "inner_header_len", hlen)
	}
	proto := inner[9]
	if proto == ProtoICMP {
		proto = ProtoICMPv6
	}
	var src4, dst4 [4]byte
	copy(src4[:], inner[12:16])
	copy(dst4[:], inner[16:20])

	hdr := out.Alloc(PosICMPErrHdr, IPv6HeaderLen)
	// The length field reflects the original datagram, not the possibly
	// truncated copy carried here.
	fillIPv6Header(hdr, totalLen-hlen, proto, inner[8],
		t.addr.toV6(src4), t.addr.toV6(dst4))

	payload := inner[hlen:]
	if len(payload) > icmp6ErrPayloadMax {
		payload = payload[:icmp6ErrPayloadMax]
	}
	out.SetPayload(payload)
	return nil
}

// innerToV4 is the mirror image of innerToV6 for ICMPv6 error messages. An
// embedded fragment header is folded back into the IPv4 fragment fields.
func (t *Translator) innerToV4(out *Packet, inner []byte) error {
	if len(inner) < IPv6HeaderLen {
		return serrors.Join(ErrMalformed, nil, "inner_len", len(inner))
	}
	if inner[0]>>4 != 6 {
		return serrors.Join(ErrMalformed, nil, "inner_version", inner[0]>>4)
	}
	payloadLen := int(binary.BigEndian.Uint16(inner[4:6]))
	proto := inner[6]
	rest := inner[IPv6HeaderLen:]

	var frag *IPv6FragHeader
	if proto == ProtoFragment {
		f, err := parseIPv6FragHeader(rest)
		if err != nil {
			return serrors.Join(ErrMalformed, err)
		}
		frag = &f
		proto = f.NextHeader
		rest = rest[IPv6FragHeaderLen:]
		payloadLen -= IPv6FragHeaderLen
	}
	if proto == ProtoICMPv6 {
		proto = ProtoICMP
	}

	var src6, dst6 [16]byte
	copy(src6[:], inner[8:24])
	copy(dst6[:], inner[24:40])
	src, ok := t.addr.toV4(src6)
	if !ok {
		return serrors.Join(ErrUntranslatable, nil, "inner", "src")
	}
	dst, ok := t.addr.toV4(dst6)
	if !ok {
		return serrors.Join(ErrUntranslatable, nil, "inner", "dst")
	}

	hdr := out.Alloc(PosICMPErrHdr, IPv4HeaderLen)
	if payloadLen < 0 {
		payloadLen = 0
	}
	fillIPv4Header(hdr, payloadLen, proto, inner[7], src, dst)
	if frag != nil {
		applyIPv4Fragment(hdr, uint16(frag.ID), frag.FragOff, frag.More)
	}

	if len(rest) > icmp4ErrPayloadMax {
		rest = rest[:icmp4ErrPayloadMax]
	}
	out.SetPayload(rest)
	return nil
}

// icmpPointerToV6 maps an ICMPv4 parameter problem pointer to the
// corresponding IPv6 header offset (RFC 7915 section 4.2).
func icmpPointerToV6(p uint8) (uint32, bool) {
	switch {
	case p == 0 || p == 1:
		return uint32(p), true
	case p == 2 || p == 3:
		return 4, true
	case p == 8:
		return 7, true
	case p == 9:
		return 6, true
	case p >= 12 && p < 16:
		return 8, true
	case p >= 16 && p < 20:
		return 24, true
	default:
		return 0, false
	}
}

// icmpPointerToV4 maps an ICMPv6 parameter problem pointer back to the IPv4
// header offset (RFC 7915 section 5.2).
func icmpPointerToV4(p uint32) (uint8, bool) {
	switch {
	case p == 0 || p == 1:
		return uint8(p), true
	case p == 4 || p == 5:
		return 2, true
	case p == 6:
		return 9, true
	case p == 7:
		return 8, true
	case p >= 8 && p < 24:
		return 12, true
	case p >= 24 && p < 40:
		return 16, true
	default:
		return 0, false
	}
}
