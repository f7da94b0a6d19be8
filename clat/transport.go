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

const (
	tcpMinHeaderLen = 20
	tcpMaxHeaderLen = 60
	udpHeaderLen    = 8
)

// transportChecksum copies the TCP or UDP header into the transport segment,
// aliases the payload, and recomputes the transport checksum from scratch:
// the pseudo-header the old checksum was computed over embeds addresses of
// the other family. No incremental shortcut is attempted; the payload is
// read once either way. This also covers UDP datagrams arriving with a zero
// (absent) IPv4 checksum, which must gain one on the IPv6 side.
//
// pseudo returns the partial pseudo-header sum for the given upper-layer
// length, supplied by the caller since the address family differs per
// direction.
func (t *Translator) transportChecksum(out *Packet, proto uint8, body []byte,
	pseudo func(ulen int) uint32) error {

	var hdrLen, ckOff int
	switch proto {
	case ProtoTCP:
		if len(body) < tcpMinHeaderLen {
			return serrors.Join(ErrMalformed, nil, "proto", "tcp", "len", len(body))
		}
		hdrLen = int(body[12]>>4) * 4
		if hdrLen < tcpMinHeaderLen || hdrLen > tcpMaxHeaderLen || hdrLen > len(body) {
			return serrors.Join(ErrMalformed, nil, "proto", "tcp", "data_offset", hdrLen)
		}
		ckOff = 16
	case ProtoUDP:
		if len(body) < udpHeaderLen {
			return serrors.Join(ErrMalformed, nil, "proto", "udp", "len", len(body))
		}
		hdrLen = udpHeaderLen
		ckOff = 6
	default:
		return serrors.Join(ErrUnsupported, nil, "proto", proto)
	}

	hdr := out.Alloc(PosTransportHdr, hdrLen)
	copy(hdr, body[:hdrLen])
	hdr[ckOff], hdr[ckOff+1] = 0, 0
	out.SetPayload(body[hdrLen:])

	sum := out.ChecksumFrom(PosTransportHdr, pseudo(len(body)))
	binary.BigEndian.PutUint16(hdr[ckOff:ckOff+2], checksum.Finish(sum))
	return nil
}
