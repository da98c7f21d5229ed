package sampler

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"

	"github.com/ChuLiYu/meshsteer/pkg/types"
)

// ICMPProber sends ICMP echo requests to the remote endpoint's host.
//
// Privileged mode uses a raw "ip4:icmp" socket. Unprivileged mode uses the
// kernel's ping socket ("udp4"), which needs net.ipv4.ping_group_range on Linux;
// the kernel then rewrites the echo ID, so replies are matched on sequence and payload.
type ICMPProber struct {
	privileged bool
	id         int
	seq        atomic.Uint32
}

// NewICMPProber creates an ICMP echo prober
func NewICMPProber(privileged bool) *ICMPProber {
	return &ICMPProber{privileged: privileged, id: os.Getpid() & 0xffff}
}

// Probe implements Prober
func (p *ICMPProber) Probe(ctx context.Context, target Target) (types.Sample, error) {
	network, listen := "udp4", "0.0.0.0"
	if p.privileged {
		network = "ip4:icmp"
	}

	host := hostOf(target.Dst)
	ip, err := net.DefaultResolver.LookupIP(ctx, "ip4", host)
	if err != nil || len(ip) == 0 {
		return types.Sample{}, fmt.Errorf("%w: resolve %s: %v", ErrProbeTransport, host, err)
	}

	conn, err := icmp.ListenPacket(network, listen)
	if err != nil {
		return types.Sample{}, fmt.Errorf("%w: listen %s: %w", ErrProbeTransport, network, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	seq := int(p.seq.Add(1) & 0xffff)
	payload := make([]byte, 8)
	start := time.Now()
	binary.BigEndian.PutUint64(payload, uint64(start.UnixNano()))

	msg := icmp.Message{
		Type: ipv4.ICMPTypeEcho,
		Body: &icmp.Echo{ID: p.id, Seq: seq, Data: payload},
	}
	wire, err := msg.Marshal(nil)
	if err != nil {
		return types.Sample{}, fmt.Errorf("%w: marshal: %w", ErrProbeTransport, err)
	}

	var dst net.Addr = &net.UDPAddr{IP: ip[0]}
	if p.privileged {
		dst = &net.IPAddr{IP: ip[0]}
	}
	if _, err := conn.WriteTo(wire, dst); err != nil {
		return types.Sample{}, fmt.Errorf("%w: write: %w", ErrProbeTransport, err)
	}

	buf := make([]byte, 1500)
	for {
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return types.Sample{}, fmt.Errorf("%w: %s", ErrProbeTimeout, host)
			}
			return types.Sample{}, fmt.Errorf("%w: read: %w", ErrProbeTransport, err)
		}

		reply, err := icmp.ParseMessage(ipv4.ICMPTypeEcho.Protocol(), buf[:n])
		if err != nil || reply.Type != ipv4.ICMPTypeEchoReply {
			continue
		}
		echo, ok := reply.Body.(*icmp.Echo)
		if !ok || echo.Seq != seq || string(echo.Data) != string(payload) {
			continue
		}
		return types.Sample{LatencyMs: msSince(start)}, nil
	}
}

// hostOf strips the port from host:port; a bare host is returned as is
func hostOf(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
