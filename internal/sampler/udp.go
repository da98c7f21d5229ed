package sampler

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/meshsteer/pkg/types"
)

// echo payload: magic(4) | seq(4) | sent unix nanos(8)
const (
	echoSize = 16
)

var echoMagic = [4]byte{'M', 'S', 'P', 'R'}

// UDPProber sends one datagram to the remote endpoint and waits for the echo.
// The remote side runs a Responder. No privileges required.
type UDPProber struct {
	seq atomic.Uint32
}

// NewUDPProber creates a UDP echo prober
func NewUDPProber() *UDPProber { return &UDPProber{} }

// Probe implements Prober
func (p *UDPProber) Probe(ctx context.Context, target Target) (types.Sample, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", target.Dst)
	if err != nil {
		return types.Sample{}, fmt.Errorf("%w: dial %s: %w", ErrProbeTransport, target.Dst, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	// ctx cancellation unblocks the read
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	seq := p.seq.Add(1)
	msg := make([]byte, echoSize)
	copy(msg, echoMagic[:])
	binary.BigEndian.PutUint32(msg[4:], seq)

	start := time.Now()
	binary.BigEndian.PutUint64(msg[8:], uint64(start.UnixNano()))
	if _, err := conn.Write(msg); err != nil {
		return types.Sample{}, fmt.Errorf("%w: write: %w", ErrProbeTransport, err)
	}

	buf := make([]byte, 64)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return types.Sample{}, fmt.Errorf("%w: %s", ErrProbeTimeout, target.Dst)
			}
			return types.Sample{}, fmt.Errorf("%w: read: %w", ErrProbeTransport, err)
		}
		// stale echo from an earlier, timed-out probe
		if n != echoSize || !bytes.Equal(buf[:n], msg) {
			continue
		}
		return types.Sample{LatencyMs: msSince(start)}, nil
	}
}

// Responder echoes probe datagrams back to the sender so peers can measure
// their paths towards this site.
type Responder struct {
	conn net.PacketConn
	log  *slog.Logger
	wg   sync.WaitGroup
	once sync.Once
}

// Listen binds the responder on addr (e.g. ":4790")
func Listen(addr string, log *slog.Logger) (*Responder, error) {
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	if log == nil {
		log = slog.Default()
	}
	r := &Responder{conn: conn, log: log.With("component", "responder")}
	r.wg.Add(1)
	go r.serve()
	r.log.Info("Probe responder listening", "addr", conn.LocalAddr().String())
	return r, nil
}

// Addr is the bound address
func (r *Responder) Addr() net.Addr { return r.conn.LocalAddr() }

func (r *Responder) serve() {
	defer r.wg.Done()
	buf := make([]byte, 1500)
	for {
		n, from, err := r.conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			r.log.Debug("Responder read failed", "error", err)
			continue
		}
		if n != echoSize || !bytes.Equal(buf[:4], echoMagic[:]) {
			continue
		}
		if _, err := r.conn.WriteTo(buf[:n], from); err != nil {
			r.log.Debug("Responder write failed", "to", from.String(), "error", err)
		}
	}
}

// Close stops the responder
func (r *Responder) Close() error {
	var err error
	r.once.Do(func() {
		err = r.conn.Close()
		r.wg.Wait()
	})
	return err
}

func msSince(start time.Time) float64 {
	return float64(time.Since(start)) / float64(time.Millisecond)
}
