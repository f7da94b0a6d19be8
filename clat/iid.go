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
	"crypto/rand"
	"net/netip"

	"github.com/xlat464/clatd/pkg/checksum"
	"github.com/xlat464/clatd/pkg/private/serrors"
)

// MakeChecksumNeutral returns addr with its interface identifier (the low 64
// bits) replaced so that the one's-complement sum of the IPv4 address equals
// the sum of the PLAT prefix concatenated with the returned address. A
// packet whose transport checksum was computed over the IPv4 pseudo-header
// then needs no checksum fixup when it reappears with the IPv6 address pair,
// which is what lets fragments and offloaded flows pass through untouched.
//
// The IID is salted with fresh randomness on every call, so repeated calls
// with identical inputs yield distinct addresses; since only 16 bits of
// checksum have to match, any random IID is one deterministic 16-bit
// adjustment away from neutrality and the expected cost is a single trial.
func MakeChecksumNeutral(addr [16]byte, v4 [4]byte, plat netip.Prefix) ([16]byte, error) {
	target := checksum.Fold(checksum.Add(0, v4[:]))
	pfx := plat.Addr().As16()
	fixed := checksum.Add(0, pfx[:12])
	fixed = checksum.Add(fixed, addr[:8])

	// The adjustment below is exact up to the two encodings of
	// one's-complement zero; a verification retry covers the ambiguous case.
	for i := 0; i < 8; i++ {
		if _, err := rand.Read(addr[8:16]); err != nil {
			return addr, serrors.Wrap("reading random interface identifier", err)
		}
		cur := checksum.Fold(checksum.Add(fixed, addr[8:16]))
		// One's-complement difference target - cur, folded into the word at
		// offset 10.
		delta := checksum.Fold(uint32(target) + uint32(^cur))
		word := uint32(addr[10])<<8 | uint32(addr[11])
		word = uint32(checksum.Fold(word + uint32(delta)))
		addr[10], addr[11] = byte(word>>8), byte(word)

		if checksum.Fold(checksum.Add(fixed, addr[8:16])) == target {
			return addr, nil
		}
	}
	return addr, serrors.New("checksum-neutral adjustment did not converge",
		"v4", netip.AddrFrom4(v4), "plat", plat)
}
