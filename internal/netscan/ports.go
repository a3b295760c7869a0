package netscan

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net"
	"net/netip"
	"slices"
	"time"

	"github.com/polardev/chatstack/internal/parallel"
)

var (
	errNotListening = errors.New("not listening")
	ErrPortBusy     = errors.New("port still in use")
)

// Listener is a listening TCP socket as reported by the kernel.
type Listener struct {
	Addr  netip.AddrPort
	UID   uint32 // owner of the socket
	Inode uint32
}

// LocalPorts returns the local TCP listening sockets bound to one of ports.
// It asks the kernel through netlink and falls back to dialing the loopback
// addresses when that is not possible.
func LocalPorts(ctx context.Context, ports ...uint16) iter.Seq[netip.AddrPort] {
	ls, err := Listeners()
	if err == nil {
		return filterPorts(addrs(ls), ports)
	}
	slog.DebugContext(ctx, "netlink access failed, using fallback method", "err", err)
	return LocalPortsDial(ctx, ports)
}

// ListenersOn returns the kernel view of the sockets listening on port. It
// is empty when netlink is not accessible.
func ListenersOn(port uint16) []Listener {
	ls, err := Listeners()
	if err != nil {
		return nil
	}
	return slices.DeleteFunc(ls, func(l Listener) bool {
		return l.Addr.Port() != port
	})
}

func addrs(ls []Listener) iter.Seq[netip.AddrPort] {
	return func(yield func(netip.AddrPort) bool) {
		for _, l := range ls {
			if !yield(l.Addr) {
				return
			}
		}
	}
}

// Listening reports whether anything listens on the TCP port locally.
func Listening(ctx context.Context, port uint16) bool {
	for range LocalPorts(ctx, port) {
		return true
	}
	return false
}

// WaitFree polls until nothing listens on port, or returns ErrPortBusy after
// timeout.
func WaitFree(ctx context.Context, port uint16, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if !Listening(ctx, port) {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("port %d: %w", port, ErrPortBusy)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func filterPorts(seq iter.Seq[netip.AddrPort], ports []uint16) iter.Seq[netip.AddrPort] {
	return func(yield func(netip.AddrPort) bool) {
		for ap := range seq {
			if len(ports) > 0 && !slices.Contains(ports, ap.Port()) {
				continue
			}
			if !yield(ap) {
				return
			}
		}
	}
}

// LocalPortsDial checks local TCP ports by attempting to open connections to them.
// It can access the list of ip addresses, if not provided it fallback to 127.0.0.1 and [::1]
func LocalPortsDial(ctx context.Context, ports []uint16, addresses ...netip.Addr) iter.Seq[netip.AddrPort] {
	if addresses == nil {
		addresses = []netip.Addr{
			netip.AddrFrom4([4]byte{127, 0, 0, 1}),
			netip.IPv6Loopback(),
		}
	}

	return func(yield func(netip.AddrPort) bool) {
		seq := parallel.NewMap(ctx, 4, opened).Iter(addrPorts(addresses, ports))
		for addr, err := range seq {
			if err != nil {
				continue
			}
			if !yield(addr) {
				break
			}
		}
	}
}

func opened(ctx context.Context, adr netip.AddrPort) (netip.AddrPort, error) {
	var zero netip.AddrPort
	d := net.Dialer{Timeout: 500 * time.Millisecond}
	conn, err := d.DialContext(ctx, "tcp", adr.String())
	if err != nil {
		return zero, errNotListening
	}
	err = conn.Close()
	if err != nil {
		return zero, err
	}
	return adr, nil
}

func addrPorts(addresses []netip.Addr, ports []uint16) iter.Seq[netip.AddrPort] {
	return func(yield func(netip.AddrPort) bool) {
		for _, addr := range addresses {
			for _, port := range ports {
				if !yield(netip.AddrPortFrom(addr, port)) {
					return
				}
			}
		}
	}
}
