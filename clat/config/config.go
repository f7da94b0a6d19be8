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

// Package config contains the configuration of the clatd daemon.
package config

import (
	"bytes"
	"io"
	"net/netip"
	"os"

	toml "github.com/pelletier/go-toml/v2"

	"github.com/xlat464/clatd/clat"
	"github.com/xlat464/clatd/pkg/log"
	"github.com/xlat464/clatd/pkg/private/serrors"
)

type Config struct {
	Logging Logging `toml:"log,omitempty"`
	Metrics Metrics `toml:"metrics,omitempty"`
	Clat    Daemon  `toml:"clat,omitempty"`
	Offload Offload `toml:"offload,omitempty"`
}

// Logging wraps the log configuration so the toml section nests as
// [log.console].
type Logging = log.Config

func (cfg *Config) InitDefaults() {
	cfg.Logging.InitDefaults()
	cfg.Clat.InitDefaults()
	cfg.Offload.InitDefaults()
}

func (cfg *Config) Validate() error {
	if err := cfg.Logging.Validate(); err != nil {
		return err
	}
	if err := cfg.Metrics.Validate(); err != nil {
		return err
	}
	if err := cfg.Clat.Validate(); err != nil {
		return err
	}
	return cfg.Offload.Validate()
}

// Sample writes a commented sample configuration.
func (cfg *Config) Sample(dst io.Writer) {
	io.WriteString(dst, configSample)
}

// LoadFile reads the configuration at path. Unknown keys are an error, so a
// typo cannot silently fall back to a default.
func LoadFile(path string, cfg *Config) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return serrors.Wrap("reading config file", err, "file", path)
	}
	dec := toml.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return serrors.Wrap("parsing config file", err, "file", path)
	}
	cfg.InitDefaults()
	return nil
}

// Metrics configures the observability endpoint.
type Metrics struct {
	// Prometheus is the address to expose /metrics on. Empty disables the
	// endpoint.
	Prometheus string `toml:"prometheus,omitempty"`
}

func (cfg *Metrics) Validate() error {
	if cfg.Prometheus == "" {
		return nil
	}
	if _, err := netip.ParseAddrPort(cfg.Prometheus); err != nil {
		return serrors.Wrap("parsing prometheus address", err, "addr", cfg.Prometheus)
	}
	return nil
}

// Daemon is the translator-specific configuration. Validate parses the
// address fields into the Parsed* companions; the configuration is immutable
// afterwards, a prefix change restarts the daemon instead of mutating it.
type Daemon struct {
	// Interface is the name of the TUN interface to create.
	Interface string `toml:"interface,omitempty"`
	// UplinkInterface is the IPv6-capable uplink. The PLAT-bound traffic
	// leaves through it and the translator's IPv6 address is derived from
	// its global prefix.
	UplinkInterface string `toml:"uplink_interface,omitempty"`
	// IPv4Address is the local address on the TUN interface, by convention
	// from the 192.0.0.0/29 shared block (RFC 7335).
	IPv4Address string `toml:"ipv4_address,omitempty"`
	// PlatPrefix is the operator's NAT64 /96 prefix.
	PlatPrefix string `toml:"plat_prefix,omitempty"`
	// IPv6Address optionally pins the local IPv6 address. When empty, an
	// address with a checksum-neutral interface identifier is generated from
	// the uplink prefix at startup.
	IPv6Address string `toml:"ipv6_address,omitempty"`
	// MTU of the TUN interface.
	MTU int `toml:"mtu,omitempty"`

	ParsedIPv4Address netip.Addr   `toml:"-"`
	ParsedPlatPrefix  netip.Prefix `toml:"-"`
	ParsedIPv6Address netip.Addr   `toml:"-"` // zero when IPv6Address is empty
}

func (cfg *Daemon) InitDefaults() {
	if cfg.Interface == "" {
		cfg.Interface = "clat"
	}
	if cfg.IPv4Address == "" {
		cfg.IPv4Address = "192.0.0.4"
	}
	if cfg.MTU == 0 {
		// Leaves room for the 20 bytes the IPv6 header adds over IPv4 on a
		// 1500-byte uplink.
		cfg.MTU = 1480
	}
}

func (cfg *Daemon) Validate() error {
	if cfg.Interface == "" {
		return serrors.New("interface must be set")
	}
	if cfg.UplinkInterface == "" {
		return serrors.New("uplink_interface must be set")
	}
	v4, err := netip.ParseAddr(cfg.IPv4Address)
	if err != nil || !v4.Is4() {
		return serrors.New("ipv4_address must be an IPv4 address", "value", cfg.IPv4Address)
	}
	cfg.ParsedIPv4Address = v4
	plat, err := netip.ParsePrefix(cfg.PlatPrefix)
	if err != nil {
		return serrors.Wrap("parsing plat_prefix", err, "value", cfg.PlatPrefix)
	}
	if !plat.Addr().Is6() || plat.Addr().Is4In6() || plat.Bits() != 96 {
		return serrors.New("plat_prefix must be an IPv6 /96", "value", cfg.PlatPrefix)
	}
	cfg.ParsedPlatPrefix = plat
	if cfg.IPv6Address != "" {
		v6, err := netip.ParseAddr(cfg.IPv6Address)
		if err != nil || !v6.Is6() || v6.Is4In6() {
			return serrors.New("ipv6_address must be an IPv6 address", "value", cfg.IPv6Address)
		}
		cfg.ParsedIPv6Address = v6
	}
	if cfg.MTU < clat.IPv6MinMTU || cfg.MTU > 65521 {
		return serrors.New("mtu out of range", "mtu", cfg.MTU,
			"min", clat.IPv6MinMTU, "max", 65521)
	}
	return nil
}

// Addressing returns the translator addressing. localV6 is the address picked
// at startup, either the pinned one or the generated checksum-neutral one.
func (cfg *Daemon) Addressing(localV6 netip.Addr) clat.Addressing {
	return clat.Addressing{
		LocalV4:    cfg.ParsedIPv4Address.As4(),
		LocalV6:    localV6.As16(),
		PlatPrefix: cfg.ParsedPlatPrefix,
	}
}

// Offload configures the kernel offload map mirroring.
type Offload struct {
	// EgressMap and IngressMap are the pin paths of the kernel translator's
	// maps. Missing maps disable offload, they are not an error.
	EgressMap  string `toml:"egress_map,omitempty"`
	IngressMap string `toml:"ingress_map,omitempty"`
}

func (cfg *Offload) InitDefaults() {
	if cfg.EgressMap == "" {
		cfg.EgressMap = "/sys/fs/bpf/clat_egress4"
	}
	if cfg.IngressMap == "" {
		cfg.IngressMap = "/sys/fs/bpf/clat_ingress6"
	}
}

func (cfg *Offload) Validate() error {
	return nil
}

const configSample = `# clatd sample configuration

[log.console]
# Console log level (debug|info|error).
level = "info"
# Log format (human|json).
format = "human"

[metrics]
# Address to serve prometheus metrics on. Empty disables the endpoint.
# prometheus = "127.0.0.1:30458"

[clat]
# Name of the TUN interface to create.
interface = "clat"
# IPv6-capable uplink interface.
uplink_interface = "eth0"
# Local IPv4 address on the TUN interface (RFC 7335 shared block).
ipv4_address = "192.0.0.4"
# NAT64 /96 prefix of the PLAT.
plat_prefix = "64:ff9b::/96"
# Local IPv6 address. When unset, one with a checksum-neutral interface
# identifier is generated from the uplink prefix.
# ipv6_address = ""
# MTU of the TUN interface.
mtu = 1480

[offload]
# Pin paths of the kernel offload maps. Missing maps disable offload.
egress_map = "/sys/fs/bpf/clat_egress4"
ingress_map = "/sys/fs/bpf/clat_ingress6"
`
