// Package ebpf provides an offload device whose tables live in BPF maps.
//
// Flow entries are held in a hash map keyed by entry id and counters in
// an array map, so a datapath program attached elsewhere can look both
// up. Jump-target and reference bookkeeping is kept in memory; the maps
// hold what the datapath needs.
//
// Creating maps needs CAP_BPF (or root).
package ebpf

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cilium/ebpf"
	"golang.org/x/sys/unix"

	"github.com/frobware/go-offload"
	"github.com/frobware/go-offload/action"
	"github.com/frobware/go-offload/interpreter"
)

// maxRewriteFields is the number of field slots in a rewrite value.
const maxRewriteFields = 8

// Options sizes the device maps.
type Options struct {
	MaxEntries  uint32 `toml:"max_entries"`
	MaxCounters uint32 `toml:"max_counters"`
	MaxObjects  uint32 `toml:"max_objects"`
}

func (o Options) withDefaults() Options {
	if o.MaxEntries == 0 {
		o.MaxEntries = 4096
	}
	if o.MaxCounters == 0 {
		o.MaxCounters = 4096
	}
	if o.MaxObjects == 0 {
		o.MaxObjects = 1024
	}
	return o
}

// entryValue is the datapath view of one flow entry.
type entryValue struct {
	Cookie    uint64
	Root      uint64
	Next      uint64
	True      uint64
	False     uint64
	Segment   uint32
	Table     uint32
	Flags     uint32
	Dest      uint32
	Goto      uint32
	Counter   uint32
	Rewrite   uint32
	QueuePair uint32
	Mapping   uint32
	_         uint32
}

type counterValue struct {
	Packets  uint64
	Bytes    uint64
	LastUsed uint64
}

type rewriteField struct {
	Field        uint32
	FromMetadata uint32
	Value        uint64
}

type rewriteValue struct {
	Count  uint32
	_      uint32
	Fields [maxRewriteFields]rewriteField
}

type queuePairValue struct {
	PeerPort uint32
	Prio     uint32
}

type mappingValue struct {
	TunnelID uint32
	Remote   [16]byte
}

// Device is an offload device on BPF maps.
type Device struct {
	id     offload.DeviceID
	logger *slog.Logger

	entries    *ebpf.Map
	counters   *ebpf.Map
	rewrites   *ebpf.Map
	queuePairs *ebpf.Map
	mappings   *ebpf.Map

	mu          sync.Mutex
	nextID      uint64
	freeCounter []uint32
	nextCounter uint32
	maxCounters uint32
	roots       map[string]uint64 // domain/chain/prio -> table id
	rootKeys    map[uint64]string
	inbound     map[uint64]int // entry or root id -> number of referrers
	live        map[uint64]entryValue
}

var _ interpreter.Device = (*Device)(nil)

// New creates the device maps.
func New(id offload.DeviceID, opts Options, logger *slog.Logger) (*Device, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts = opts.withDefaults()

	d := &Device{
		id:          id,
		logger:      logger.With("component", "device", "device", id, "backend", "ebpf"),
		nextID:      1,
		nextCounter: 1,
		maxCounters: opts.MaxCounters,
		roots:       make(map[string]uint64),
		rootKeys:    make(map[uint64]string),
		inbound:     make(map[uint64]int),
		live:        make(map[uint64]entryValue),
	}

	specs := []struct {
		dst  **ebpf.Map
		spec *ebpf.MapSpec
	}{
		{&d.entries, &ebpf.MapSpec{Name: "offload_entries", Type: ebpf.Hash, KeySize: 8, ValueSize: 80, MaxEntries: opts.MaxEntries}},
		// Slot 0 is never handed out so a zero counter id means none.
		{&d.counters, &ebpf.MapSpec{Name: "offload_ctrs", Type: ebpf.Array, KeySize: 4, ValueSize: 24, MaxEntries: opts.MaxCounters + 1}},
		{&d.rewrites, &ebpf.MapSpec{Name: "offload_rw", Type: ebpf.Hash, KeySize: 4, ValueSize: 8 + 16*maxRewriteFields, MaxEntries: opts.MaxObjects}},
		{&d.queuePairs, &ebpf.MapSpec{Name: "offload_qp", Type: ebpf.Hash, KeySize: 4, ValueSize: 8, MaxEntries: opts.MaxObjects}},
		{&d.mappings, &ebpf.MapSpec{Name: "offload_tun", Type: ebpf.Hash, KeySize: 4, ValueSize: 20, MaxEntries: opts.MaxObjects}},
	}
	for _, s := range specs {
		m, err := ebpf.NewMap(s.spec)
		if err != nil {
			d.Close()
			return nil, fmt.Errorf("create %s map: %w", s.spec.Name, classify(err, s.spec.Name, id))
		}
		*s.dst = m
	}

	d.logger.Info("created device maps", "max_entries", opts.MaxEntries, "max_counters", opts.MaxCounters)
	return d, nil
}

// ID returns the device identity.
func (d *Device) ID() offload.DeviceID {
	return d.id
}

// Close releases every map.
func (d *Device) Close() error {
	var errs []error
	for _, m := range []*ebpf.Map{d.entries, d.counters, d.rewrites, d.queuePairs, d.mappings} {
		if m != nil {
			if err := m.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// classify maps kernel errnos onto the offload error taxonomy.
func classify(err error, resource string, device offload.DeviceID) error {
	switch {
	case errors.Is(err, unix.E2BIG), errors.Is(err, unix.ENOSPC), errors.Is(err, unix.ENOMEM):
		return offload.ErrResourceExhausted{Resource: resource, Err: err}
	case errors.Is(err, unix.EBUSY), errors.Is(err, unix.EAGAIN):
		return offload.ErrDeviceBusy{Device: device}
	default:
		return err
	}
}

const entryRefPrefix = "bpf:"
const rootRefPrefix = "bpfroot:"

func entryRef(id uint64) offload.RuleRef {
	return offload.RuleRef(entryRefPrefix + strconv.FormatUint(id, 10))
}

func parseRef(ref, prefix string) (uint64, error) {
	s, ok := strings.CutPrefix(ref, prefix)
	if !ok {
		return 0, fmt.Errorf("reference %q does not belong to this device", ref)
	}
	return strconv.ParseUint(s, 10, 64)
}

// optionalRef parses ref, treating empty as zero.
func optionalRef(ref string, prefix string) (uint64, error) {
	if ref == "" {
		return 0, nil
	}
	return parseRef(ref, prefix)
}

func (d *Device) allocID() uint64 {
	id := d.nextID
	d.nextID++
	return id
}

// GetRoot returns the root table for (domain, chain, prio), creating it
// on first use.
func (d *Device) GetRoot(_ context.Context, domain offload.Domain, chain uint32, prio uint16) (offload.TableRef, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := fmt.Sprintf("%s/%d/%d", domain, chain, prio)
	id, ok := d.roots[key]
	if !ok {
		id = d.allocID()
		d.roots[key] = id
		d.rootKeys[id] = key
	}
	return offload.TableRef(rootRefPrefix + strconv.FormatUint(id, 10)), nil
}

// PutRoot destroys a root table. It fails while entries hang off it.
func (d *Device) PutRoot(_ context.Context, ref offload.TableRef) error {
	id, err := parseRef(string(ref), rootRefPrefix)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	key, ok := d.rootKeys[id]
	if !ok {
		return fmt.Errorf("root table %s not found", ref)
	}
	if d.inbound[id] > 0 {
		return fmt.Errorf("root table %s still has %d entries", ref, d.inbound[id])
	}
	delete(d.rootKeys, id)
	delete(d.roots, key)
	return nil
}

// AddEntry installs e. Every entry it jumps to must already exist.
func (d *Device) AddEntry(ctx context.Context, e action.Entry) (offload.RuleRef, error) {
	v := entryValue{
		Cookie:    uint64(e.Cookie),
		Segment:   uint32(e.Segment),
		Table:     uint32(e.Table),
		Flags:     uint32(e.Flags),
		Goto:      e.Goto,
		Counter:   uint32(e.Counter),
		Rewrite:   uint32(e.Rewrite),
		QueuePair: uint32(e.QueuePair),
		Mapping:   uint32(e.Mapping),
	}
	if len(e.Dests) > 0 {
		v.Dest = e.Dests[0]
	}

	var err error
	if v.Root, err = optionalRef(string(e.Root), rootRefPrefix); err != nil {
		return "", err
	}
	for _, j := range []struct {
		dst *uint64
		ref offload.RuleRef
	}{{&v.Next, e.Next}, {&v.True, e.True}, {&v.False, e.False}} {
		if *j.dst, err = optionalRef(string(j.ref), entryRefPrefix); err != nil {
			return "", err
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if v.Root != 0 {
		if _, ok := d.rootKeys[v.Root]; !ok {
			return "", fmt.Errorf("root table %s not found", e.Root)
		}
	}
	targets := []uint64{v.Next, v.True, v.False}
	for _, t := range targets {
		if t == 0 {
			continue
		}
		if _, ok := d.live[t]; !ok {
			return "", fmt.Errorf("jump target %s not installed", entryRef(t))
		}
	}

	id := d.allocID()
	if err := d.entries.Update(id, v, ebpf.UpdateNoExist); err != nil {
		return "", fmt.Errorf("add entry: %w", classify(err, "flow entries", d.id))
	}
	d.live[id] = v
	for _, t := range append(targets, v.Root) {
		if t != 0 {
			d.inbound[t]++
		}
	}

	d.logger.DebugContext(ctx, "added entry", "cookie", e.Cookie, "segment", e.Segment, "id", id)
	return entryRef(id), nil
}

// DeleteEntry removes an entry. It fails while another entry jumps to
// it.
func (d *Device) DeleteEntry(ctx context.Context, ref offload.RuleRef) error {
	id, err := parseRef(string(ref), entryRefPrefix)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	v, ok := d.live[id]
	if !ok {
		return fmt.Errorf("entry %s not found", ref)
	}
	if d.inbound[id] > 0 {
		return fmt.Errorf("entry %s is still a jump target", ref)
	}
	if err := d.entries.Delete(id); err != nil {
		return fmt.Errorf("delete entry %s: %w", ref, classify(err, "flow entries", d.id))
	}
	delete(d.live, id)
	delete(d.inbound, id)
	for _, t := range []uint64{v.Next, v.True, v.False, v.Root} {
		if t != 0 {
			d.inbound[t]--
		}
	}
	d.logger.DebugContext(ctx, "deleted entry", "ref", ref)
	return nil
}

// AllocCounter hands out a zeroed counter slot.
func (d *Device) AllocCounter(context.Context) (offload.ObjectID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var slot uint32
	switch {
	case len(d.freeCounter) > 0:
		slot = d.freeCounter[len(d.freeCounter)-1]
		d.freeCounter = d.freeCounter[:len(d.freeCounter)-1]
	case d.nextCounter <= d.maxCounters:
		slot = d.nextCounter
		d.nextCounter++
	default:
		return 0, offload.ErrResourceExhausted{Resource: "counters", Err: unix.ENOSPC}
	}

	if err := d.counters.Update(slot, counterValue{}, ebpf.UpdateAny); err != nil {
		d.freeCounter = append(d.freeCounter, slot)
		return 0, fmt.Errorf("zero counter %d: %w", slot, classify(err, "counters", d.id))
	}
	return offload.ObjectID(slot), nil
}

// FreeCounter returns a counter slot.
func (d *Device) FreeCounter(_ context.Context, id offload.ObjectID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if id == 0 || uint32(id) >= d.nextCounter {
		return fmt.Errorf("counter %d not allocated", id)
	}
	d.freeCounter = append(d.freeCounter, uint32(id))
	return nil
}

// ReadCounter reads a counter slot.
func (d *Device) ReadCounter(_ context.Context, id offload.ObjectID) (offload.Stats, error) {
	var v counterValue
	if err := d.counters.Lookup(uint32(id), &v); err != nil {
		return offload.Stats{}, fmt.Errorf("read counter %d: %w", id, err)
	}
	s := offload.Stats{Packets: v.Packets, Bytes: v.Bytes}
	if v.LastUsed != 0 {
		s.LastUsed = time.Unix(0, int64(v.LastUsed))
	}
	return s, nil
}

func (d *Device) putObject(m *ebpf.Map, resource string, value any) (offload.ObjectID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := uint32(d.allocID())
	if err := m.Update(id, value, ebpf.UpdateNoExist); err != nil {
		return 0, fmt.Errorf("create %s: %w", resource, classify(err, resource, d.id))
	}
	return offload.ObjectID(id), nil
}

func (d *Device) deleteObject(m *ebpf.Map, resource string, id offload.ObjectID) error {
	if err := m.Delete(uint32(id)); err != nil {
		if errors.Is(err, ebpf.ErrKeyNotExist) {
			return fmt.Errorf("%s %d not found", resource, id)
		}
		return fmt.Errorf("delete %s %d: %w", resource, id, classify(err, resource, d.id))
	}
	return nil
}

func fieldHash(name string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(name))
	return h.Sum32()
}

// CreateRewrite stores a header rewrite context.
func (d *Device) CreateRewrite(_ context.Context, fields []offload.FieldRewrite) (offload.ObjectID, error) {
	if len(fields) > maxRewriteFields {
		return 0, offload.ErrCapabilityExceeded{Capability: "rewrite_fields", Limit: maxRewriteFields, Requested: len(fields)}
	}
	v := rewriteValue{Count: uint32(len(fields))}
	for i, f := range fields {
		v.Fields[i] = rewriteField{Field: fieldHash(f.Field), Value: f.Value}
		if f.FromMetadata {
			v.Fields[i].FromMetadata = 1
		}
	}
	return d.putObject(d.rewrites, "rewrite contexts", v)
}

// DestroyRewrite removes a header rewrite context.
func (d *Device) DestroyRewrite(_ context.Context, id offload.ObjectID) error {
	return d.deleteObject(d.rewrites, "rewrite context", id)
}

// CreateQueuePair records the hairpin queue pair towards peerPort.
func (d *Device) CreateQueuePair(_ context.Context, peerPort uint32, prio uint16) (offload.ObjectID, error) {
	return d.putObject(d.queuePairs, "queue pairs", queuePairValue{PeerPort: peerPort, Prio: uint32(prio)})
}

// DestroyQueuePair removes a hairpin queue pair.
func (d *Device) DestroyQueuePair(_ context.Context, id offload.ObjectID) error {
	return d.deleteObject(d.queuePairs, "queue pair", id)
}

// CreateMapping stores a tunnel-id mapping.
func (d *Device) CreateMapping(_ context.Context, key offload.TunnelKey) (offload.ObjectID, error) {
	return d.putObject(d.mappings, "tunnel mappings", mappingValue{TunnelID: key.ID, Remote: key.Remote.As16()})
}

// DestroyMapping removes a tunnel-id mapping.
func (d *Device) DestroyMapping(_ context.Context, id offload.ObjectID) error {
	return d.deleteObject(d.mappings, "tunnel mapping", id)
}
