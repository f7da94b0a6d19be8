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
	"math/bits"
	"math/rand"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xlat464/clatd/clat"
	"github.com/xlat464/clatd/pkg/checksum"
)

// neutral reports whether the one's-complement sum of the PLAT prefix
// concatenated with the full IPv6 address equals the sum of the IPv4 address.
// When it does, a transport checksum computed over one pseudo-header is valid
// over the other.
func neutral(addr [16]byte, v4 [4]byte, plat netip.Prefix) bool {
	pfx := plat.Addr().As16()
	v6Sum := checksum.Add(checksum.Add(0, pfx[:12]), addr[:])
	return checksum.Fold(v6Sum) == checksum.Fold(checksum.Add(0, v4[:]))
}

func TestChecksumNeutral(t *testing.T) {
	plat := netip.MustParsePrefix("64:ff9b::/96")
	rng := rand.New(rand.NewSource(42))

	for i := 0; i < 1000; i++ {
		var seed [16]byte
		var v4 [4]byte
		rng.Read(seed[:8]) // uplink half; the IID half is replaced anyway
		rng.Read(v4[:])

		out, err := clat.MakeChecksumNeutral(seed, v4, plat)
		require.NoError(t, err)
		assert.Equal(t, seed[:8], out[:8], "uplink half must be preserved")
		assert.True(t, neutral(out, v4, plat),
			"not checksum neutral: v4=%x addr=%x", v4, out)
	}
}

func TestChecksumNeutralPseudoHeaderEquivalence(t *testing.T) {
	plat := netip.MustParsePrefix("64:ff9b::/96")
	local4 := [4]byte{192, 0, 0, 4}
	local6, err := clat.MakeChecksumNeutral(
		netip.MustParseAddr("2001:db8:1::").As16(), local4, plat)
	require.NoError(t, err)

	// The end-to-end property: for any remote, the v4 and v6 pseudo-header
	// sums agree, so transport checksums survive translation untouched.
	remote4 := [4]byte{203, 0, 113, 77}
	remote6 := plat.Addr().As16()
	copy(remote6[12:], remote4[:])

	p4 := checksum.PseudoHeaderV4(local4, remote4, clat.ProtoUDP, 512)
	p6 := checksum.PseudoHeaderV6(local6, remote6, clat.ProtoUDP, 512)
	assert.Equal(t, checksum.Fold(p4), checksum.Fold(p6))
}

func TestChecksumNeutralDistinct(t *testing.T) {
	plat := netip.MustParsePrefix("64:ff9b::/96")
	seed := netip.MustParseAddr("2001:db8::").As16()
	v4 := [4]byte{192, 0, 0, 1}

	a, err := clat.MakeChecksumNeutral(seed, v4, plat)
	require.NoError(t, err)
	b, err := clat.MakeChecksumNeutral(seed, v4, plat)
	require.NoError(t, err)
	assert.NotEqual(t, a, b, "repeated calls must salt the IID")
}

func TestChecksumNeutralIIDSpread(t *testing.T) {
	plat := netip.MustParsePrefix("64:ff9b::/96")
	seed := netip.MustParseAddr("2001:db8::").As16()
	v4 := [4]byte{192, 0, 0, 1}

	// The adjustment must not collapse the IID onto a small set of values:
	// across many draws the average bit count of the low 64 bits stays near
	// 32, as for uniform random identifiers.
	const trials = 100000
	var total int
	for i := 0; i < trials; i++ {
		out, err := clat.MakeChecksumNeutral(seed, v4, plat)
		require.NoError(t, err)
		for _, b := range out[8:] {
			total += bits.OnesCount8(b)
		}
	}
	mean := float64(total) / trials
	assert.InDelta(t, 32.0, mean, 0.5, "IID bits look biased")
}
