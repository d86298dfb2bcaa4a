package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/frobware/go-offload"
	"github.com/frobware/go-offload/interpreter"
	"github.com/frobware/go-offload/interpreter/resolver/netlink"
	"github.com/frobware/go-offload/manager"
	"github.com/frobware/go-offload/metrics"
)

// ServeCmd runs the offload daemon until interrupted.
type ServeCmd struct {
	Rules   string `help:"Rules file to submit at start-up." type:"existingfile"`
	Metrics string `help:"Listen address for /metrics; overrides metrics.listen. Use 'off' to disable."`
	Static  bool   `help:"Resolve from the rules file's neighbours table instead of the kernel."`
}

type watchingResolver interface {
	interpreter.Resolver
	interpreter.Watcher
}

// Run executes the serve command.
func (c *ServeCmd) Run(cli *CLI, ctx context.Context) error {
	cfg, err := cli.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger, err := cli.DaemonLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}

	var rf RuleFile
	if c.Rules != "" {
		if rf, err = LoadRules(c.Rules); err != nil {
			return err
		}
	}
	var resolver watchingResolver = netlink.New(logger)
	if c.Static {
		resolver = rf.Resolver()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	d, err := openDevices(ctx, cfg, false, logger)
	if err != nil {
		return err
	}
	defer d.Close()

	mgr, err := newManager(cfg, d, resolver, metrics.New(reg), logger)
	if err != nil {
		return err
	}
	if err := metrics.RegisterState(reg, mgr.Broker(), mgr.Queue()); err != nil {
		return fmt.Errorf("register state metrics: %w", err)
	}
	submitAll(ctx, mgr, rf, logger)

	listen := cfg.Metrics.Listen
	if c.Metrics != "" {
		listen = c.Metrics
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return mgr.Queue().Run(gctx) })
	g.Go(func() error { return resolver.Watch(gctx, mgr.Queue().Notify) })
	if listen != "" && listen != "off" {
		serveMetrics(gctx, g, listen, reg, logger)
	}

	logger.InfoContext(ctx, "serving", "primary", mgr.Primary(), "peers", len(d.peers), "rules", len(rf.Rules), "metrics", listen)
	err = g.Wait()

	// Everything installed comes out again on the way down.
	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if cerr := mgr.Close(closeCtx); cerr != nil {
		err = errors.Join(err, fmt.Errorf("remove rules: %w", cerr))
	}
	return err
}

func submitAll(ctx context.Context, mgr *manager.Manager, rf RuleFile, logger *slog.Logger) {
	for _, spec := range rf.Specs() {
		_, err := mgr.Submit(ctx, spec)
		switch offload.KindOf(err) {
		case offload.KindUnknown, offload.KindNotReady:
			// Offloaded or queued; the manager logs both.
		default:
			logger.ErrorContext(ctx, "rule not offloaded", "cookie", spec.Cookie, "error", err)
		}
	}
}

func serveMetrics(ctx context.Context, g *errgroup.Group, addr string, reg *prometheus.Registry, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	g.Go(func() error {
		logger.InfoContext(ctx, "metrics listening", "addr", addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}
