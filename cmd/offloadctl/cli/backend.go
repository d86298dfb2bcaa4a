package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/frobware/go-offload"
	"github.com/frobware/go-offload/config"
	"github.com/frobware/go-offload/interpreter"
	"github.com/frobware/go-offload/interpreter/device/ebpf"
	"github.com/frobware/go-offload/interpreter/device/sqlite"
	"github.com/frobware/go-offload/manager"
	"github.com/frobware/go-offload/metrics"
)

// devices is the primary plus one device per configured peer.
type devices struct {
	primary interpreter.Device
	peers   []interpreter.Device
}

func (d *devices) all() []interpreter.Device {
	return append([]interpreter.Device{d.primary}, d.peers...)
}

func (d *devices) Close() error {
	var errs []error
	for _, dev := range d.all() {
		if dev == nil {
			continue
		}
		if err := dev.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", dev.ID(), err))
		}
	}
	return errors.Join(errs...)
}

// peerDBPath places a peer's database next to the primary's.
func peerDBPath(primary string, id offload.DeviceID) string {
	ext := filepath.Ext(primary)
	return strings.TrimSuffix(primary, ext) + "-" + string(id) + ext
}

// openDevices opens the configured backend for the primary and every
// peer. With inMemory set the sqlite backend keeps nothing on disk,
// which is what the one-shot simulation commands want.
func openDevices(ctx context.Context, cfg config.Config, inMemory bool, logger *slog.Logger) (*devices, error) {
	open := func(id offload.DeviceID, dbPath string) (interpreter.Device, error) {
		switch cfg.Backend.Kind {
		case config.BackendEBPF:
			return ebpf.New(id, cfg.Backend.EBPF, logger)
		case config.BackendSQLite:
			if inMemory {
				return sqlite.NewInMemory(ctx, id, cfg.Backend.Limits, logger)
			}
			return sqlite.New(ctx, id, dbPath, cfg.Backend.Limits, logger)
		}
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend.Kind)
	}

	d := &devices{}
	primary, err := open(cfg.Backend.Device, cfg.Backend.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open primary %s: %w", cfg.Backend.Device, err)
	}
	d.primary = primary
	for _, id := range cfg.Topology.Peers {
		p, err := open(id, peerDBPath(cfg.Backend.DBPath, id))
		if err != nil {
			d.Close()
			return nil, fmt.Errorf("open peer %s: %w", id, err)
		}
		d.peers = append(d.peers, p)
	}
	return d, nil
}

// newManager wires a manager over d as cfg describes. m may be nil.
func newManager(cfg config.Config, d *devices, resolver interpreter.Resolver, m *metrics.Metrics, logger *slog.Logger) (*manager.Manager, error) {
	return manager.New(manager.Options{
		Primary:      d.primary,
		Peers:        d.peers,
		Resolver:     resolver,
		Caps:         cfg.Device,
		Topology:     cfg.Topology,
		Retry:        cfg.Retry.Options(),
		Metrics:      m,
		SoftwarePort: cfg.Manager.SoftwarePort,
	}, logger)
}

// simulation is a manager over in-memory devices with the rules of a
// rules file submitted.
type simulation struct {
	cfg     config.Config
	devices *devices
	mgr     *manager.Manager
	results []submitResult
}

type submitResult struct {
	Cookie offload.Cookie `json:"cookie"`
	State  string         `json:"state"`
	Error  string         `json:"error,omitempty"`
}

func (c *CLI) simulate(ctx context.Context, rulesPath string) (*simulation, error) {
	cfg, err := c.LoadConfig()
	if err != nil {
		return nil, err
	}
	logger, err := c.Logger(cfg)
	if err != nil {
		return nil, err
	}
	rf, err := LoadRules(rulesPath)
	if err != nil {
		return nil, err
	}
	if cfg.Backend.Kind != config.BackendSQLite {
		// The simulation never touches real maps.
		cfg.Backend.Kind = config.BackendSQLite
	}

	d, err := openDevices(ctx, cfg, true, logger)
	if err != nil {
		return nil, err
	}
	mgr, err := newManager(cfg, d, rf.Resolver(), nil, logger)
	if err != nil {
		d.Close()
		return nil, err
	}

	sim := &simulation{cfg: cfg, devices: d, mgr: mgr}
	for _, spec := range rf.Specs() {
		r, err := mgr.Submit(ctx, spec)
		res := submitResult{Cookie: spec.Cookie, State: offload.StateFailed.String()}
		if r != nil {
			res.State = r.State().String()
		} else if offload.KindOf(err) == offload.KindUnsupportedAction || offload.KindOf(err) == offload.KindCapabilityExceeded {
			res.State = offload.StateUnsupported.String()
		}
		if err != nil {
			res.Error = err.Error()
		}
		sim.results = append(sim.results, res)
	}
	return sim, nil
}

func (s *simulation) Close(ctx context.Context) error {
	return errors.Join(s.mgr.Close(ctx), s.devices.Close())
}
