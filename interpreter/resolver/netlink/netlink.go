// Package netlink resolves offload destinations against the kernel
// routing and neighbour tables.
package netlink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"github.com/frobware/go-offload"
	"github.com/frobware/go-offload/interpreter"
)

// usable neighbour states: the hardware address is known.
const usable = netlink.NUD_REACHABLE | netlink.NUD_STALE | netlink.NUD_PERMANENT | netlink.NUD_DELAY | netlink.NUD_PROBE

// ops is the slice of the netlink API the resolver uses.
type ops interface {
	RouteGet(dst net.IP) ([]netlink.Route, error)
	NeighList(linkIndex, family int) ([]netlink.Neigh, error)
}

type kernelOps struct{}

func (kernelOps) RouteGet(dst net.IP) ([]netlink.Route, error) { return netlink.RouteGet(dst) }

func (kernelOps) NeighList(linkIndex, family int) ([]netlink.Neigh, error) {
	return netlink.NeighList(linkIndex, family)
}

// Resolver answers route and neighbour queries from the kernel.
type Resolver struct {
	ops    ops
	logger *slog.Logger
}

var (
	_ interpreter.Resolver = (*Resolver)(nil)
	_ interpreter.Watcher  = (*Resolver)(nil)
)

// New returns a resolver over the host network namespace.
func New(logger *slog.Logger) *Resolver {
	return newResolver(kernelOps{}, logger)
}

func newResolver(o ops, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{ops: o, logger: logger.With("component", "resolver")}
}

// Resolve reports whether dest can be programmed now. A destination
// is ready once its next hop has a usable neighbour entry, pending
// while the neighbour is being probed or unknown, and unreachable when
// there is no route or the neighbour failed.
func (r *Resolver) Resolve(ctx context.Context, dest netip.Addr) (offload.Resolution, error) {
	if !dest.IsValid() {
		return offload.Unreachable, fmt.Errorf("invalid destination")
	}

	routes, err := r.ops.RouteGet(net.IP(dest.AsSlice()))
	if err != nil {
		if errors.Is(err, unix.ENETUNREACH) || errors.Is(err, unix.EHOSTUNREACH) {
			return offload.Unreachable, nil
		}
		return offload.Unreachable, fmt.Errorf("route lookup %s: %w", dest, err)
	}
	if len(routes) == 0 {
		return offload.Unreachable, nil
	}

	route := routes[0]
	switch route.Type {
	case unix.RTN_UNREACHABLE, unix.RTN_BLACKHOLE, unix.RTN_PROHIBIT:
		return offload.Unreachable, nil
	}

	hop := dest
	if gw, ok := netip.AddrFromSlice(route.Gw); ok && gw.IsValid() && !gw.IsUnspecified() {
		hop = gw.Unmap()
	}

	family := unix.AF_INET6
	if hop.Is4() {
		family = unix.AF_INET
	}
	neighbours, err := r.ops.NeighList(route.LinkIndex, family)
	if err != nil {
		return offload.Unreachable, fmt.Errorf("list neighbours on ifindex %d: %w", route.LinkIndex, err)
	}

	for _, n := range neighbours {
		ip, ok := netip.AddrFromSlice(n.IP)
		if !ok || ip.Unmap() != hop {
			continue
		}
		switch {
		case n.State&usable != 0 && len(n.HardwareAddr) > 0:
			return offload.Ready, nil
		case n.State&netlink.NUD_FAILED != 0:
			return offload.Unreachable, nil
		default:
			r.logger.DebugContext(ctx, "neighbour not yet resolved", "dest", dest, "hop", hop, "state", n.State)
			return offload.Pending, nil
		}
	}
	return offload.Pending, nil
}

// Watch calls notify for every neighbour or route change until ctx is
// done.
func (r *Resolver) Watch(ctx context.Context, notify func()) error {
	done := make(chan struct{})
	defer close(done)

	errCallback := func(err error) {
		r.logger.Debug("netlink subscription error", "error", err)
	}

	neighCh := make(chan netlink.NeighUpdate, 64)
	if err := netlink.NeighSubscribeWithOptions(neighCh, done, netlink.NeighSubscribeOptions{
		ErrorCallback: errCallback,
	}); err != nil {
		return fmt.Errorf("subscribe to neighbour updates: %w", err)
	}

	routeCh := make(chan netlink.RouteUpdate, 64)
	if err := netlink.RouteSubscribeWithOptions(routeCh, done, netlink.RouteSubscribeOptions{
		ErrorCallback: errCallback,
	}); err != nil {
		return fmt.Errorf("subscribe to route updates: %w", err)
	}

	r.logger.InfoContext(ctx, "watching neighbour and route changes")
	for {
		select {
		case <-ctx.Done():
			return nil
		case u, ok := <-neighCh:
			if !ok {
				return errors.New("neighbour subscription closed")
			}
			if u.Type == unix.RTM_NEWNEIGH && u.State&usable != 0 {
				notify()
			}
		case _, ok := <-routeCh:
			if !ok {
				return errors.New("route subscription closed")
			}
			notify()
		}
	}
}
