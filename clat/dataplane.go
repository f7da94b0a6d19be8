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
	"context"
	"encoding/binary"
	"net/netip"
	"time"

	"golang.org/x/sys/unix"

	"github.com/xlat464/clatd/pkg/log"
	"github.com/xlat464/clatd/pkg/private/serrors"
)

const (
	// bufSize fits a maximum-size IP datagram plus the TUN framing header.
	bufSize = 65540

	// tunHeaderLen is the length of the tun_pi framing header (2 bytes of
	// flags, 2 bytes of ethertype) carried on the TUN descriptor only.
	tunHeaderLen  = 4
	etherTypeIPv6 = 0x86dd

	// TrafficPollInterval is how often the uplink prefix is re-validated
	// while traffic is flowing; IdlePollInterval applies once no packet has
	// been forwarded for at least TrafficPollInterval.
	TrafficPollInterval = 30 * time.Second
	IdlePollInterval    = 90 * time.Second
)

// Loop exit sentinels.
var (
	// ErrDeviceClosed is returned when the TUN descriptor hits EOF: the
	// interface was removed externally and this instance cannot recover.
	ErrDeviceClosed = serrors.New("tun device closed")
	// ErrPrefixChanged is returned when the uplink renumbered; the owning
	// process is expected to rebuild the configuration and restart
	// translation rather than hot-patch this instance.
	ErrPrefixChanged = serrors.New("uplink prefix changed")
)

// Device is one side of the translator: a descriptor that can be polled for
// readiness, read whole datagrams, and written with one vectored write.
type Device interface {
	Fd() int
	Read(b []byte) (int, error)
	Writev(bufs [][]byte) (int, error)
	Close() error
}

// Dataplane multiplexes the two translator descriptors and drives the
// per-packet translation. It is single-threaded by design: all mutable state
// is touched only by the goroutine in Run, the configuration is read-only,
// and there is no queueing or retry anywhere; a packet either forwards on
// the spot or is dropped and counted.
type Dataplane struct {
	// Tun is the IPv6-side descriptor, carrying tun_pi-framed datagrams.
	Tun Device
	// V4 is the IPv4-side descriptor, carrying bare datagrams.
	V4 Device
	// Translator rewrites packets between the two sides.
	Translator *Translator
	// Metrics must be non-nil.
	Metrics *Metrics
	// Prefix is the uplink IPv6 prefix the configuration was derived from.
	Prefix netip.Prefix
	// ReadPrefix returns the uplink's current global prefix. Called on the
	// poll cadence; a result different from Prefix ends the loop with
	// ErrPrefixChanged.
	ReadPrefix func() (netip.Prefix, error)
	// SendProbe, if set, is invoked once at startup to announce the local
	// IPv6 address (best effort, see xnet.SendNeighborSolicitation).
	SendProbe func() error

	// now is the clock; tests inject synthetic time here.
	now func() time.Time

	lastActivity time.Time
	lastCheck    time.Time
	pkt          Packet
}

// Run blocks translating packets until ctx is cancelled, the TUN device is
// removed (ErrDeviceClosed), or the uplink prefix no longer matches the
// configuration (ErrPrefixChanged).
func (d *Dataplane) Run(ctx context.Context) error {
	if d.now == nil {
		d.now = time.Now
	}

	// The cancellation pipe sits in the poll set, so shutdown latency is
	// bounded by poll dispatch, not by the poll timeout.
	var pipeFds [2]int
	if err := unix.Pipe2(pipeFds[:], unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		return serrors.Wrap("creating cancellation pipe", err)
	}
	defer unix.Close(pipeFds[0])
	cancelCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		defer log.HandlePanic()
		<-cancelCtx.Done()
		unix.Close(pipeFds[1])
	}()

	if d.SendProbe != nil {
		// Fire-and-forget: no response is awaited or validated. This is a
		// best-effort nudge for neighbors, not a DAD implementation.
		if err := d.SendProbe(); err != nil {
			log.Info("Address announcement probe failed", "err", err)
		}
	}

	d.Metrics.Running.Set(1)
	defer d.Metrics.Running.Set(0)

	buf := make([]byte, bufSize)
	d.lastCheck = d.now()
	log.Info("Translation loop running",
		"tun_fd", d.Tun.Fd(), "v4_fd", d.V4.Fd(), "prefix", d.Prefix)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		fds := []unix.PollFd{
			{Fd: int32(d.Tun.Fd()), Events: unix.POLLIN},
			{Fd: int32(d.V4.Fd()), Events: unix.POLLIN},
			{Fd: int32(pipeFds[0]), Events: unix.POLLIN},
		}
		_, err := unix.Poll(fds, int(d.pollTimeout(d.now()).Milliseconds()))
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return serrors.Wrap("waiting for readiness", err)
		}
		if fds[2].Revents != 0 {
			return ctx.Err()
		}
		if fds[0].Revents&(unix.POLLIN|unix.POLLHUP) != 0 {
			if err := d.processTun(buf); err != nil {
				return err
			}
		}
		if fds[1].Revents&(unix.POLLIN|unix.POLLHUP) != 0 {
			d.processV4(buf)
		}
		if now := d.now(); d.recheckDue(now) {
			if err := d.recheckPrefix(now); err != nil {
				return err
			}
		}
	}
}

// processTun reads one framed IPv6 datagram from the TUN descriptor,
// translates it, and writes the IPv4 result to the raw socket. Only device
// loss is an error; everything else drops the packet and keeps the loop
// alive.
func (d *Dataplane) processTun(buf []byte) error {
	n, err := d.Tun.Read(buf)
	if err != nil {
		log.Error("Reading from tun", "err", err)
		d.Metrics.ReadErrorsTotal.WithLabelValues(DirToV4).Inc()
		return nil
	}
	if n == 0 {
		return serrors.Join(ErrDeviceClosed, nil)
	}
	d.Metrics.InputPacketsTotal.WithLabelValues(DirToV4).Inc()
	d.Metrics.InputBytesTotal.WithLabelValues(DirToV4).Add(float64(n))

	if n < tunHeaderLen {
		d.drop(DirToV4, ReasonMalformed, serrors.New("short tun frame", "len", n))
		return nil
	}
	if proto := binary.BigEndian.Uint16(buf[2:4]); proto != etherTypeIPv6 {
		d.drop(DirToV4, ReasonUnsupported, serrors.New("non-IPv6 ethertype on tun", "ethertype", proto))
		return nil
	}

	d.pkt.Reset()
	if err := d.Translator.ToIPv4(buf[tunHeaderLen:n], &d.pkt); err != nil {
		d.drop(DirToV4, dropReason(err), err)
		return nil
	}
	wn, err := d.V4.Writev(d.pkt.Slices(PosIPHdr))
	if err != nil {
		d.drop(DirToV4, ReasonWrite, err)
		return nil
	}
	d.forwarded(DirToV4, wn)
	return nil
}

// processV4 reads one bare IPv4 datagram from the raw socket, translates
// it, and writes the framed IPv6 result to the TUN descriptor.
func (d *Dataplane) processV4(buf []byte) {
	n, err := d.V4.Read(buf)
	if err != nil {
		log.Error("Reading from raw socket", "err", err)
		d.Metrics.ReadErrorsTotal.WithLabelValues(DirToV6).Inc()
		return
	}
	d.Metrics.InputPacketsTotal.WithLabelValues(DirToV6).Inc()
	d.Metrics.InputBytesTotal.WithLabelValues(DirToV6).Add(float64(n))

	d.pkt.Reset()
	tun := d.pkt.Alloc(PosTunHdr, tunHeaderLen)
	binary.BigEndian.PutUint16(tun[2:4], etherTypeIPv6)
	if err := d.Translator.ToIPv6(buf[:n], &d.pkt); err != nil {
		d.drop(DirToV6, dropReason(err), err)
		return
	}
	wn, err := d.Tun.Writev(d.pkt.Slices(PosTunHdr))
	if err != nil {
		d.drop(DirToV6, ReasonWrite, err)
		return
	}
	d.forwarded(DirToV6, wn)
}

func (d *Dataplane) forwarded(dir string, n int) {
	d.Metrics.OutputPacketsTotal.WithLabelValues(dir).Inc()
	d.Metrics.OutputBytesTotal.WithLabelValues(dir).Add(float64(n))
	d.lastActivity = d.now()
}

func (d *Dataplane) drop(dir, reason string, err error) {
	log.Debug("Dropping packet", "direction", dir, "reason", reason, "err", err)
	d.Metrics.DroppedPacketsTotal.WithLabelValues(dir, reason).Inc()
}

// checkInterval returns the prefix re-validation interval in effect: the
// short one while traffic was seen within the last TrafficPollInterval, the
// long one otherwise.
func (d *Dataplane) checkInterval(now time.Time) time.Duration {
	if d.lastActivity.IsZero() || now.Sub(d.lastActivity) >= TrafficPollInterval {
		return IdlePollInterval
	}
	return TrafficPollInterval
}

func (d *Dataplane) recheckDue(now time.Time) bool {
	return now.Sub(d.lastCheck) >= d.checkInterval(now)
}

// pollTimeout bounds the readiness wait so the loop wakes up in time for
// the next prefix re-validation.
func (d *Dataplane) pollTimeout(now time.Time) time.Duration {
	due := d.lastCheck.Add(d.checkInterval(now))
	if timeout := due.Sub(now); timeout > 0 {
		return timeout
	}
	return time.Millisecond
}

// recheckPrefix re-reads the uplink prefix and ends the loop if it moved.
// Read failures are transient: the uplink may be mid-renumbering, and the
// next cadence tick will see the settled state.
func (d *Dataplane) recheckPrefix(now time.Time) error {
	d.lastCheck = now
	d.Metrics.PrefixChecksTotal.Inc()
	if d.ReadPrefix == nil {
		return nil
	}
	current, err := d.ReadPrefix()
	if err != nil {
		log.Error("Reading uplink prefix", "err", err)
		return nil
	}
	if current != d.Prefix {
		return serrors.Join(ErrPrefixChanged, nil, "configured", d.Prefix, "current", current)
	}
	return nil
}
