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

//go:build linux

// Package offload mirrors the translator configuration into the kernel
// offload program's pinned BPF maps. The kernel program, when loaded,
// translates the bulk flows in the fast path; anything it does not handle
// still reaches the user-space dataplane. This package only feeds the maps,
// it does not load or attach the program.
package offload

import (
	"errors"
	"os"

	"github.com/cilium/ebpf"

	"github.com/xlat464/clatd/pkg/log"
	"github.com/xlat464/clatd/pkg/private/serrors"
)

// Entry is one translator instance's view for the kernel program.
type Entry struct {
	// TunIfindex is the interface index of the TUN device.
	TunIfindex uint32
	// UplinkIfindex is the interface index of the uplink.
	UplinkIfindex uint32
	// Local4 and Local6 are the translator's addresses.
	Local4 [4]byte
	Local6 [16]byte
	// PlatPrefix is the /96 PLAT prefix; the last 4 bytes are zero.
	PlatPrefix [16]byte
}

type egressKey struct {
	Ifindex uint32
	Local4  [4]byte
}

type egressValue struct {
	Ifindex uint32
	Local6  [16]byte
	Prefix  [16]byte
}

type ingressKey struct {
	Ifindex uint32
	Prefix  [16]byte
	Local6  [16]byte
}

type ingressValue struct {
	Ifindex uint32
	Local4  [4]byte
}

// Maps holds the pinned offload maps. A nil *Maps is valid and inert, so
// callers do not have to special-case a kernel without the offload program.
type Maps struct {
	egress  *ebpf.Map
	ingress *ebpf.Map
}

// Open loads the pinned maps. A missing pin means the offload program is not
// loaded; that returns (nil, nil) and the daemon runs fully in user space.
func Open(egressPath, ingressPath string) (*Maps, error) {
	egress, err := ebpf.LoadPinnedMap(egressPath, nil)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			log.Info("Offload maps not present, translating in user space only",
				"path", egressPath)
			return nil, nil
		}
		return nil, serrors.Wrap("loading egress map", err, "path", egressPath)
	}
	ingress, err := ebpf.LoadPinnedMap(ingressPath, nil)
	if err != nil {
		egress.Close()
		if errors.Is(err, os.ErrNotExist) {
			log.Info("Offload maps not present, translating in user space only",
				"path", ingressPath)
			return nil, nil
		}
		return nil, serrors.Wrap("loading ingress map", err, "path", ingressPath)
	}
	return &Maps{egress: egress, ingress: ingress}, nil
}

// Insert writes both map entries. It must run before the dataplane starts so
// the kernel never sees traffic the daemon is not yet prepared to own.
func (m *Maps) Insert(e Entry) error {
	if m == nil {
		return nil
	}
	ek := egressKey{Ifindex: e.TunIfindex, Local4: e.Local4}
	ev := egressValue{Ifindex: e.UplinkIfindex, Local6: e.Local6, Prefix: e.PlatPrefix}
	if err := m.egress.Put(&ek, &ev); err != nil {
		return serrors.Wrap("inserting egress entry", err)
	}
	ik := ingressKey{Ifindex: e.UplinkIfindex, Prefix: e.PlatPrefix, Local6: e.Local6}
	iv := ingressValue{Ifindex: e.TunIfindex, Local4: e.Local4}
	if err := m.ingress.Put(&ik, &iv); err != nil {
		// Do not leave a half-installed pair behind.
		if derr := m.egress.Delete(&ek); derr != nil {
			log.Error("Removing egress entry after failed install", "err", derr)
		}
		return serrors.Wrap("inserting ingress entry", err)
	}
	log.Info("Offload entries installed",
		"tun_ifindex", e.TunIfindex, "uplink_ifindex", e.UplinkIfindex)
	return nil
}

// Remove deletes both map entries. It must run after the dataplane stopped so
// every flow has an owner at all times.
func (m *Maps) Remove(e Entry) error {
	if m == nil {
		return nil
	}
	ek := egressKey{Ifindex: e.TunIfindex, Local4: e.Local4}
	ik := ingressKey{Ifindex: e.UplinkIfindex, Prefix: e.PlatPrefix, Local6: e.Local6}
	var errs []error
	if err := m.egress.Delete(&ek); err != nil && !errors.Is(err, ebpf.ErrKeyNotExist) {
		errs = append(errs, serrors.Wrap("removing egress entry", err))
	}
	if err := m.ingress.Delete(&ik); err != nil && !errors.Is(err, ebpf.ErrKeyNotExist) {
		errs = append(errs, serrors.Wrap("removing ingress entry", err))
	}
	return errors.Join(errs...)
}

// Close releases the map handles.
func (m *Maps) Close() error {
	if m == nil {
		return nil
	}
	eerr := m.egress.Close()
	ierr := m.ingress.Close()
	if eerr != nil {
		return eerr
	}
	return ierr
}
