package cli

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"

	"github.com/frobware/go-offload"
	"github.com/frobware/go-offload/broker"
	"github.com/frobware/go-offload/interpreter/device/sqlite"
	"github.com/frobware/go-offload/manager"
)

// ApplyCmd submits a rules file to in-memory simulated devices and
// reports rule states, shared handles and device usage.
type ApplyCmd struct {
	OutputFlags
	Rules string `arg:"" help:"Rules file." type:"existingfile"`
	Retry bool   `help:"Run one retry scan after submitting."`
}

type applyReport struct {
	Submits []submitResult          `json:"submits"`
	Rules   []manager.RuleInfo      `json:"rules"`
	Handles []broker.HandleInfo     `json:"handles"`
	Usage   map[string]sqlite.Usage `json:"usage"`
}

// Run executes the apply command.
func (c *ApplyCmd) Run(cli *CLI, ctx context.Context) error {
	sim, err := cli.simulate(ctx, c.Rules)
	if err != nil {
		return err
	}
	defer sim.Close(ctx)

	if c.Retry {
		sim.mgr.Queue().Scan(ctx)
	}
	report, err := sim.report(ctx)
	if err != nil {
		return err
	}
	if c.JSON() {
		out, err := marshalJSON(report)
		if err != nil {
			return err
		}
		return cli.PrintOut(out)
	}
	return cli.PrintOut(formatReport(report))
}

func (s *simulation) report(ctx context.Context) (applyReport, error) {
	r := applyReport{
		Submits: s.results,
		Rules:   s.mgr.Rules(),
		Handles: s.mgr.Broker().Snapshot(),
		Usage:   make(map[string]sqlite.Usage),
	}
	for _, d := range s.devices.all() {
		dev, ok := d.(*sqlite.Device)
		if !ok {
			continue
		}
		u, err := dev.Usage(ctx)
		if err != nil {
			return r, err
		}
		r.Usage[string(dev.ID())] = u
	}
	return r, nil
}

func formatReport(r applyReport) string {
	var b strings.Builder
	info := make(map[offload.Cookie]manager.RuleInfo, len(r.Rules))
	for _, ri := range r.Rules {
		info[ri.Cookie] = ri
	}
	rows := make([][]string, 0, len(r.Submits))
	for _, s := range r.Submits {
		ri := info[s.Cookie]
		rows = append(rows, []string{
			strconv.FormatUint(uint64(s.Cookie), 10),
			s.State,
			strconv.Itoa(ri.Segments),
			strconv.Itoa(ri.Peers),
			strconv.FormatBool(ri.SlowPath),
			s.Error,
		})
	}
	table := tablewriter.NewWriter(&b)
	table.SetAutoWrapText(false)
	table.SetBorder(false)
	table.SetHeaderLine(false)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeader([]string{"COOKIE", "STATE", "SEGMENTS", "PEERS", "SLOW", "ERROR"})
	table.AppendBulk(rows)
	table.Render()

	counts := make(map[broker.Kind]int)
	refs := make(map[broker.Kind]int)
	for _, h := range r.Handles {
		counts[h.Kind]++
		refs[h.Kind] += h.Refs
	}
	b.WriteString("\nhandles:")
	for _, k := range []broker.Kind{broker.KindRewrite, broker.KindCounter, broker.KindQueuePair, broker.KindMapping} {
		fmt.Fprintf(&b, " %s=%d/%d", k, counts[k], refs[k])
	}
	b.WriteString("\n")

	devs := make([]string, 0, len(r.Usage))
	for dev := range r.Usage {
		devs = append(devs, dev)
	}
	sort.Strings(devs)
	for _, dev := range devs {
		u := r.Usage[dev]
		fmt.Fprintf(&b, "device %s: entries=%d roots=%d counters=%d rewrites=%d queue_pairs=%d mappings=%d\n",
			dev, u.Entries, u.RootTables, u.Counters, u.Rewrites, u.QueuePairs, u.Mappings)
	}
	return b.String()
}
