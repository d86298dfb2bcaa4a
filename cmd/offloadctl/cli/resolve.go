package cli

import (
	"context"
	"net/netip"

	"github.com/frobware/go-offload/interpreter/resolver/netlink"
)

// ResolveCmd asks the kernel whether a destination can be offloaded
// now.
type ResolveCmd struct {
	Addr netip.Addr `arg:"" help:"Destination address."`
}

// Run executes the resolve command.
func (c *ResolveCmd) Run(cli *CLI, ctx context.Context) error {
	cfg, err := cli.LoadConfig()
	if err != nil {
		return err
	}
	logger, err := cli.Logger(cfg)
	if err != nil {
		return err
	}
	res, err := netlink.New(logger).Resolve(ctx, c.Addr)
	if err != nil {
		return err
	}
	return cli.PrintOutf("%s %s\n", c.Addr, res)
}
