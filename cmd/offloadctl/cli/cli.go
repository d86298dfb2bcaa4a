// Package cli implements the offloadctl commands.
package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/alecthomas/kong"

	"github.com/frobware/go-offload/config"
	"github.com/frobware/go-offload/logging"
)

// CLI is the root command structure for offloadctl.
type CLI struct {
	Config string `name:"config" help:"Config file path." default:"${default_config_path}"`
	Log    string `name:"log" help:"Log spec (e.g. 'warn,manager=debug')." env:"OFFLOAD_LOG"`

	Compile CompileCmd `cmd:"" help:"Compile rules and print their segment plans."`
	Apply   ApplyCmd   `cmd:"" help:"Submit rules to a simulated device and report the outcome."`
	Stats   StatsCmd   `cmd:"" help:"Apply rules, simulate traffic and read one rule's counters."`
	Serve   ServeCmd   `cmd:"" help:"Run the offload daemon: retry worker, resolver watch and metrics."`
	Resolve ResolveCmd `cmd:"" help:"Resolve a destination through the kernel routing tables."`

	// Out receives command output. Nil means os.Stdout.
	Out io.Writer `kong:"-"`
}

// KongOptions returns the Kong configuration for the CLI.
func KongOptions() []kong.Option {
	return []kong.Option{
		kong.Name("offloadctl"),
		kong.Description("Hardware flow-rule offload compiler and simulator."),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{Compact: true}),
		kong.Vars{
			"default_config_path": config.DefaultConfigPath,
			"default_metrics":     "127.0.0.1:9464",
		},
	}
}

// LoadConfig loads the configuration file named by --config.
func (c *CLI) LoadConfig() (config.Config, error) {
	return config.Load(c.Config)
}

// Logger builds a logger for a one-shot command. Without --log the
// base level is warn so command output is not buried.
func (c *CLI) Logger(cfg config.Config) (*slog.Logger, error) {
	spec := c.Log
	if spec == "" {
		spec = "warn"
	}
	return c.logger(cfg, spec, os.Stderr)
}

// DaemonLogger builds the logger for serve, which honours the config
// file's level when --log is not given.
func (c *CLI) DaemonLogger(cfg config.Config) (*slog.Logger, error) {
	return c.logger(cfg, c.Log, os.Stdout)
}

func (c *CLI) logger(cfg config.Config, cliSpec string, out io.Writer) (*slog.Logger, error) {
	format, err := logging.ParseFormat(cfg.Logging.Format)
	if err != nil {
		return nil, err
	}
	return logging.New(logging.Options{
		CLISpec:    cliSpec,
		ConfigSpec: cfg.Logging.ToSpec(),
		Format:     format,
		Output:     out,
	})
}

func (c *CLI) out() io.Writer {
	if c.Out == nil {
		return os.Stdout
	}
	return c.Out
}

// PrintOut writes s to the command output.
func (c *CLI) PrintOut(s string) error {
	_, err := io.WriteString(c.out(), s)
	return err
}

// PrintOutf formats and writes to the command output.
func (c *CLI) PrintOutf(format string, args ...any) error {
	_, err := fmt.Fprintf(c.out(), format, args...)
	return err
}
