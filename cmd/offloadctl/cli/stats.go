package cli

import (
	"context"
	"fmt"

	"github.com/frobware/go-offload"
	"github.com/frobware/go-offload/interpreter/device/sqlite"
)

// StatsCmd applies a rules file, optionally pushes simulated traffic
// through one rule's counters on every device, and reads the rule's
// aggregated stats.
type StatsCmd struct {
	OutputFlags
	Rules   string         `arg:"" help:"Rules file." type:"existingfile"`
	Cookie  offload.Cookie `arg:"" help:"Cookie of the rule to read."`
	Packets uint64         `help:"Packets to count on each device before reading."`
	Bytes   uint64         `help:"Bytes to count on each device before reading."`
}

// Run executes the stats command.
func (c *StatsCmd) Run(cli *CLI, ctx context.Context) error {
	sim, err := cli.simulate(ctx, c.Rules)
	if err != nil {
		return err
	}
	defer sim.Close(ctx)

	if c.Packets > 0 || c.Bytes > 0 {
		if err := sim.hit(ctx, c.Cookie, c.Packets, c.Bytes); err != nil {
			return err
		}
	}
	stats, err := sim.mgr.ReadStats(ctx, c.Cookie)
	if err != nil {
		return err
	}
	if c.JSON() {
		out, err := marshalJSON(stats)
		if err != nil {
			return err
		}
		return cli.PrintOut(out)
	}
	return cli.PrintOutf("rule %d: packets=%d bytes=%d\n", c.Cookie, stats.Packets, stats.Bytes)
}

// hit counts traffic on every counter the rule's entries reference.
func (s *simulation) hit(ctx context.Context, cookie offload.Cookie, packets, bytes uint64) error {
	for _, d := range s.devices.all() {
		dev, ok := d.(*sqlite.Device)
		if !ok {
			continue
		}
		rows, err := dev.Entries(ctx)
		if err != nil {
			return fmt.Errorf("list entries on %s: %w", dev.ID(), err)
		}
		for _, row := range rows {
			if row.Cookie != cookie || row.Counter == 0 {
				continue
			}
			if err := dev.Hit(ctx, row.Counter, packets, bytes); err != nil {
				return err
			}
		}
	}
	return nil
}
