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

// Package checksum implements the incremental one's-complement checksum of
// RFC 1071 as used by IPv4, TCP, UDP and ICMP. The accumulator is a plain
// uint32 so partial sums over non-adjacent regions (e.g. a pseudo-header and
// a payload) can be combined by successive Add calls before folding.
package checksum

import "encoding/binary"

// Add folds buf into the running 16-bit one's-complement sum. An odd-length
// buffer is padded with a zero byte, i.e. the trailing byte is taken as the
// high byte of the last 16-bit word.
//
// Carries are not folded here; they accumulate in the upper half of the
// returned sum until Finish. Intermediate buffers must be of even length,
// only the last Add before Finish may be odd.
func Add(sum uint32, buf []byte) uint32 {
	n := len(buf)
	if n&1 != 0 {
		n--
		sum += uint32(buf[n]) << 8
	}
	for i := 0; i < n; i += 2 {
		sum += uint32(binary.BigEndian.Uint16(buf[i : i+2]))
	}
	return sum
}

// Finish folds the carries of the running sum and returns the complemented
// 16-bit checksum. A result of zero is returned as 0xffff: transport
// checksums use literal zero to mean "no checksum" (RFC 768).
func Finish(sum uint32) uint16 {
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	csum := ^uint16(sum)
	if csum == 0 {
		csum = 0xffff
	}
	return csum
}

// Sum is shorthand for Finish(Add(0, buf)).
func Sum(buf []byte) uint16 {
	return Finish(Add(0, buf))
}

// Fold reduces the running sum to 16 bits without complementing it. Useful
// for comparing partial sums, e.g. when generating checksum-neutral
// addresses.
func Fold(sum uint32) uint16 {
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return uint16(sum)
}

// PseudoHeaderV4 returns the partial sum of the IPv4 pseudo-header for the
// given addresses, protocol and transport length (RFC 793 section 3.1).
func PseudoHeaderV4(src, dst [4]byte, proto uint8, length uint16) uint32 {
	var sum uint32
	sum = Add(sum, src[:])
	sum = Add(sum, dst[:])
	sum += uint32(proto)
	sum += uint32(length)
	return sum
}

// PseudoHeaderV6 returns the partial sum of the IPv6 pseudo-header for the
// given addresses, next header and upper-layer length (RFC 8200 section 8.1).
func PseudoHeaderV6(src, dst [16]byte, nextHdr uint8, length uint32) uint32 {
	var sum uint32
	sum = Add(sum, src[:])
	sum = Add(sum, dst[:])
	sum += length >> 16
	sum += length & 0xffff
	sum += uint32(nextHdr)
	return sum
}
