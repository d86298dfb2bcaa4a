// offloadctl compiles flow rules into offload programs and drives them
// against a simulated or BPF-map backed device.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/frobware/go-offload/cmd/offloadctl/cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var c cli.CLI
	kctx := kong.Parse(&c, cli.KongOptions()...)
	kctx.BindTo(ctx, (*context.Context)(nil))
	kctx.FatalIfErrorf(kctx.Run(&c))
}
