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
	"github.com/xlat464/clatd/pkg/checksum"
)

// Position indexes the segments of a translated packet in on-wire order.
type Position int

const (
	// PosTunHdr is the 4-byte tun_pi framing header. Populated only for
	// packets written to the TUN descriptor.
	PosTunHdr Position = iota
	// PosIPHdr is the outer IP header (plus an optional IPv6 fragment
	// header, which is kept contiguous with it).
	PosIPHdr
	// PosTransportHdr is the TCP, UDP or ICMP header.
	PosTransportHdr
	// PosICMPErrHdr is the translated inner IP header of an ICMP error
	// message. Unpopulated for anything else.
	PosICMPErrHdr
	// PosPayload aliases the untranslated payload bytes of the input
	// buffer; it is never copied.
	PosPayload
	// PosMax is the number of segment positions.
	PosMax
)

// segStoreSize is sized for the largest owned segment: an IPv6 header plus a
// fragment header (48), or a TCP header with options (60).
const segStoreSize = 60

// Packet assembles a translated packet as an ordered list of non-contiguous
// buffer segments. Header segments are backed by the packet's own storage;
// the payload segment aliases the read buffer. All segments after a header
// must be populated before that header's length field is filled from
// PayloadLength.
//
// A Packet is reused across loop iterations; Reset clears the segment table
// but keeps the storage.
type Packet struct {
	segs  [PosMax][]byte
	store [PosMax - 1][segStoreSize]byte
}

// Reset clears all segments.
func (p *Packet) Reset() {
	p.segs = [PosMax][]byte{}
}

// Alloc returns a zeroed n-byte segment at pos, backed by the packet's own
// storage, and records it in the segment table. n must fit the per-segment
// storage; the payload position has no storage and must use SetPayload.
func (p *Packet) Alloc(pos Position, n int) []byte {
	if pos >= PosPayload || n > segStoreSize {
		panic("clat: segment allocation out of range")
	}
	seg := p.store[pos][:n]
	clear(seg)
	p.segs[pos] = seg
	return seg
}

// Extend grows the segment at pos by n bytes and returns the added tail.
// Used to append an IPv6 fragment header to the IP header segment.
func (p *Packet) Extend(pos Position, n int) []byte {
	old := len(p.segs[pos])
	if pos >= PosPayload || old+n > segStoreSize {
		panic("clat: segment extension out of range")
	}
	seg := p.store[pos][:old+n]
	clear(seg[old:])
	p.segs[pos] = seg
	return seg[old:]
}

// SetPayload records the payload segment. The slice aliases the caller's
// buffer and must stay valid until the packet is written out.
func (p *Packet) SetPayload(b []byte) {
	p.segs[PosPayload] = b
}

// Segment returns the segment at pos, or nil if unpopulated.
func (p *Packet) Segment(pos Position) []byte {
	return p.segs[pos]
}

// PayloadLength returns the total length in bytes of all populated segments
// after the given position, i.e. what a length field in the header at pos
// must cover. The segment at pos itself is excluded.
func (p *Packet) PayloadLength(pos Position) int {
	var n int
	for pos++; pos < PosMax; pos++ {
		n += len(p.segs[pos])
	}
	return n
}

// Slices returns the populated segments from the given position onward, in
// on-wire order, ready for a single vectored write.
func (p *Packet) Slices(from Position) [][]byte {
	out := make([][]byte, 0, PosMax)
	for pos := from; pos < PosMax; pos++ {
		if len(p.segs[pos]) > 0 {
			out = append(out, p.segs[pos])
		}
	}
	return out
}

// ChecksumFrom folds all populated segments from the given position onward
// into the running checksum. Every populated segment except the last must be
// of even length; header segments are, by construction.
func (p *Packet) ChecksumFrom(from Position, sum uint32) uint32 {
	for pos := from; pos < PosMax; pos++ {
		if len(p.segs[pos]) > 0 {
			sum = checksum.Add(sum, p.segs[pos])
		}
	}
	return sum
}

// Bytes flattens the populated segments from the given position onward into
// a single buffer. Test and diagnostics helper; the hot path uses Slices.
func (p *Packet) Bytes(from Position) []byte {
	out := make([]byte, 0, len(p.segs[from])+p.PayloadLength(from))
	for pos := from; pos < PosMax; pos++ {
		out = append(out, p.segs[pos]...)
	}
	return out
}
