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

// Command clatd runs a 464XLAT customer-side translator: it bridges the
// host's IPv4 traffic onto an IPv6-only uplink by statelessly translating
// packets against the operator's NAT64 prefix.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/xlat464/clatd/clat"
	"github.com/xlat464/clatd/clat/config"
	"github.com/xlat464/clatd/clat/offload"
	"github.com/xlat464/clatd/pkg/log"
	"github.com/xlat464/clatd/pkg/private/serrors"
	"github.com/xlat464/clatd/private/xnet"
)

func main() {
	var configPath string
	cmd := &cobra.Command{
		Use:           "clatd",
		Short:         "CLAT daemon for 464XLAT (RFC 6877)",
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "clatd.toml", "configuration file")

	cmd.AddCommand(&cobra.Command{
		Use:   "sample-config",
		Short: "Print a sample configuration",
		Run: func(cmd *cobra.Command, args []string) {
			var cfg config.Config
			cfg.Sample(cmd.OutOrStdout())
		},
	})

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "clatd:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	var cfg config.Config
	if err := config.LoadFile(configPath, &cfg); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return serrors.Wrap("validating config", err, "file", configPath)
	}
	if err := log.Setup(cfg.Logging); err != nil {
		return serrors.Wrap("setting up logging", err)
	}
	defer log.Flush()
	defer log.HandlePanic()

	if cfg.Metrics.Prometheus != "" {
		startMetricsServer(cfg.Metrics.Prometheus)
	}

	prefix, err := xnet.UplinkPrefix(cfg.Clat.UplinkInterface)
	if err != nil {
		return serrors.Wrap("discovering uplink prefix", err,
			"interface", cfg.Clat.UplinkInterface)
	}
	localV6, err := pickLocalV6(&cfg.Clat, prefix)
	if err != nil {
		return err
	}
	addressing := cfg.Clat.Addressing(localV6)
	log.Info("Translator addressing",
		"v4", cfg.Clat.ParsedIPv4Address, "v6", localV6,
		"plat", cfg.Clat.ParsedPlatPrefix, "uplink_prefix", prefix)

	tun, err := xnet.ConnectTun(cfg.Clat.Interface, cfg.Clat.MTU)
	if err != nil {
		return err
	}
	defer tun.Close()
	if err := xnet.AddAddress(tun.Name(),
		netip.PrefixFrom(cfg.Clat.ParsedIPv4Address, 29)); err != nil {
		return err
	}
	if err := xnet.AddAddress(tun.Name(), netip.PrefixFrom(localV6, 128)); err != nil {
		return err
	}
	v4dev, err := xnet.OpenRawV4(cfg.Clat.UplinkInterface)
	if err != nil {
		return err
	}
	defer v4dev.Close()

	maps, entry, err := installOffload(&cfg, tun.Name(), addressing)
	if err != nil {
		return err
	}

	dataplane := &clat.Dataplane{
		Tun:        tun,
		V4:         v4dev,
		Translator: clat.NewTranslator(addressing),
		Metrics:    clat.NewMetrics(),
		Prefix:     prefix,
		ReadPrefix: func() (netip.Prefix, error) {
			return xnet.UplinkPrefix(cfg.Clat.UplinkInterface)
		},
		SendProbe: func() error {
			return xnet.SendNeighborSolicitation(cfg.Clat.UplinkInterface, localV6)
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runErr := dataplane.Run(ctx)

	// The kernel must stop owning flows before the entries disappear.
	if err := maps.Remove(entry); err != nil {
		log.Error("Removing offload entries", "err", err)
	}
	if err := maps.Close(); err != nil {
		log.Error("Closing offload maps", "err", err)
	}

	switch {
	case errors.Is(runErr, context.Canceled):
		log.Info("Shutting down on signal")
		return nil
	case errors.Is(runErr, clat.ErrPrefixChanged):
		// A clean exit: the supervisor restarts the daemon against the new
		// prefix.
		log.Info("Uplink prefix changed, exiting for restart")
		return nil
	default:
		return runErr
	}
}

// pickLocalV6 returns the configured IPv6 address or generates one from the
// uplink prefix with a checksum-neutral interface identifier.
func pickLocalV6(cfg *config.Daemon, prefix netip.Prefix) (netip.Addr, error) {
	if cfg.ParsedIPv6Address.IsValid() {
		return cfg.ParsedIPv6Address, nil
	}
	v6, err := clat.MakeChecksumNeutral(prefix.Addr().As16(),
		cfg.ParsedIPv4Address.As4(), cfg.ParsedPlatPrefix)
	if err != nil {
		return netip.Addr{}, err
	}
	return netip.AddrFrom16(v6), nil
}

func installOffload(cfg *config.Config, tunName string,
	addressing clat.Addressing) (*offload.Maps, offload.Entry, error) {

	maps, err := offload.Open(cfg.Offload.EgressMap, cfg.Offload.IngressMap)
	if err != nil {
		return nil, offload.Entry{}, err
	}
	if maps == nil {
		return nil, offload.Entry{}, nil
	}
	tunIf, err := net.InterfaceByName(tunName)
	if err != nil {
		return nil, offload.Entry{}, serrors.Wrap("finding tun interface", err)
	}
	uplinkIf, err := net.InterfaceByName(cfg.Clat.UplinkInterface)
	if err != nil {
		return nil, offload.Entry{}, serrors.Wrap("finding uplink interface", err)
	}
	entry := offload.Entry{
		TunIfindex:    uint32(tunIf.Index),
		UplinkIfindex: uint32(uplinkIf.Index),
		Local4:        addressing.LocalV4,
		Local6:        addressing.LocalV6,
		PlatPrefix:    addressing.PlatPrefix.Addr().As16(),
	}
	if err := maps.Insert(entry); err != nil {
		maps.Close()
		return nil, offload.Entry{}, err
	}
	return maps, entry, nil
}

func startMetricsServer(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	go func() {
		defer log.HandlePanic()
		log.Info("Metrics endpoint listening", "addr", addr)
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Error("Metrics endpoint failed", "err", err)
		}
	}()
}
