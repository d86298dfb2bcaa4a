package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/frobware/go-offload"
	"github.com/frobware/go-offload/compute"
)

// CompileCmd compiles every rule of a rules file without touching a
// device.
type CompileCmd struct {
	OutputFlags
	Rules string `arg:"" help:"Rules file." type:"existingfile"`
}

type compileResult struct {
	Cookie  offload.Cookie   `json:"cookie"`
	Program *compute.Program `json:"program,omitempty"`
	Error   string           `json:"error,omitempty"`
}

// Run executes the compile command. It fails when any rule is
// rejected, after printing every result.
func (c *CompileCmd) Run(cli *CLI, _ context.Context) error {
	cfg, err := cli.LoadConfig()
	if err != nil {
		return err
	}
	rf, err := LoadRules(c.Rules)
	if err != nil {
		return err
	}

	results := make([]compileResult, 0, len(rf.Rules))
	rejected := 0
	for _, spec := range rf.Specs() {
		prog, err := compute.Compile(spec, cfg.Device)
		res := compileResult{Cookie: spec.Cookie, Program: prog}
		if err != nil {
			res.Error = err.Error()
			rejected++
		}
		results = append(results, res)
	}

	if c.JSON() {
		out, err := marshalJSON(results)
		if err != nil {
			return err
		}
		if err := cli.PrintOut(out); err != nil {
			return err
		}
	} else if err := cli.PrintOut(formatPlans(results)); err != nil {
		return err
	}

	if rejected > 0 {
		return fmt.Errorf("%d of %d rules rejected", rejected, len(results))
	}
	return nil
}

func formatPlans(results []compileResult) string {
	var b strings.Builder
	for _, r := range results {
		if r.Error != "" {
			fmt.Fprintf(&b, "rule %d rejected: %s\n", r.Cookie, r.Error)
			continue
		}
		b.WriteString(r.Program.Describe())
		fmt.Fprintf(&b, "  install order %v\n", r.Program.InstallOrder())
	}
	return b.String()
}
