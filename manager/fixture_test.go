package manager_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frobware/go-offload"
	"github.com/frobware/go-offload/action"
	"github.com/frobware/go-offload/broker"
	"github.com/frobware/go-offload/interpreter"
	"github.com/frobware/go-offload/interpreter/resolver/static"
	"github.com/frobware/go-offload/manager"
	"github.com/frobware/go-offload/peer"
	"github.com/frobware/go-offload/retry"
)

// testLogger returns a logger for tests. By default it discards all output.
// Set OFFLOAD_TEST_VERBOSE=1 to enable logging.
func testLogger() *slog.Logger {
	if os.Getenv("OFFLOAD_TEST_VERBOSE") != "" {
		return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeOp struct {
	Op   string
	Name string
	Err  error
}

// fakeDevice implements interpreter.Device in memory. It records every
// mutating call and enforces the same ordering rules real hardware
// does: an entry cannot jump to an entry that does not exist, and an
// entry cannot be removed while another jumps to it.
type fakeDevice struct {
	id offload.DeviceID

	mu       sync.Mutex
	ops      []fakeOp
	nextID   uint64
	entries  map[offload.RuleRef]action.Entry
	names    map[offload.RuleRef]string
	roots    map[offload.TableRef]string
	objects  map[offload.ObjectID]string
	counters map[offload.ObjectID]offload.Stats
	failures map[string]error
}

var _ interpreter.Device = (*fakeDevice)(nil)

func newFakeDevice(id offload.DeviceID) *fakeDevice {
	return &fakeDevice{
		id:       id,
		entries:  make(map[offload.RuleRef]action.Entry),
		names:    make(map[offload.RuleRef]string),
		roots:    make(map[offload.TableRef]string),
		objects:  make(map[offload.ObjectID]string),
		counters: make(map[offload.ObjectID]offload.Stats),
		failures: make(map[string]error),
	}
}

// failOn makes every op with the given name fail with err. A name of
// "*" matches any name.
func (f *fakeDevice) failOn(op, name string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[op+":"+name] = err
}

func (f *fakeDevice) clearFailures() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = make(map[string]error)
}

// record logs one op and returns the injected failure for it, if any.
// Called with f.mu held.
func (f *fakeDevice) record(op, name string) error {
	err := f.failures[op+":"+name]
	if err == nil {
		err = f.failures[op+":*"]
	}
	f.ops = append(f.ops, fakeOp{Op: op, Name: name, Err: err})
	return err
}

func (f *fakeDevice) fail(err error) {
	f.ops[len(f.ops)-1].Err = err
}

func (f *fakeDevice) id64() offload.ObjectID {
	f.nextID++
	return offload.ObjectID(f.nextID)
}

func (f *fakeDevice) ID() offload.DeviceID { return f.id }

func (f *fakeDevice) Close() error { return nil }

func entryName(e action.Entry) string {
	if e.Table == offload.TableSlowPath {
		return fmt.Sprintf("%d/slow", e.Cookie)
	}
	return fmt.Sprintf("%d/seg%d", e.Cookie, e.Segment)
}

func (f *fakeDevice) AddEntry(_ context.Context, e action.Entry) (offload.RuleRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := entryName(e)
	if err := f.record("add", name); err != nil {
		return "", err
	}
	for _, target := range []offload.RuleRef{e.Next, e.True, e.False} {
		if target == "" {
			continue
		}
		if _, ok := f.entries[target]; !ok {
			err := fmt.Errorf("jump target %s does not exist", target)
			f.fail(err)
			return "", err
		}
	}
	if e.Root != "" {
		if _, ok := f.roots[e.Root]; !ok {
			err := fmt.Errorf("root table %s does not exist", e.Root)
			f.fail(err)
			return "", err
		}
	}
	for _, id := range []offload.ObjectID{e.Rewrite, e.Counter, e.QueuePair, e.Mapping} {
		if _, ok := f.objects[id]; id != 0 && !ok {
			err := fmt.Errorf("object %d does not exist", id)
			f.fail(err)
			return "", err
		}
	}
	ref := offload.RuleRef(fmt.Sprintf("%s#%d", f.id, f.id64()))
	f.entries[ref] = e
	f.names[ref] = name
	return ref, nil
}

func (f *fakeDevice) DeleteEntry(_ context.Context, ref offload.RuleRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("del", f.names[ref]); err != nil {
		return err
	}
	if _, ok := f.entries[ref]; !ok {
		err := fmt.Errorf("entry %s not found", ref)
		f.fail(err)
		return err
	}
	for other, e := range f.entries {
		if e.Next == ref || e.True == ref || e.False == ref {
			err := fmt.Errorf("entry %s still jumps to %s", f.names[other], f.names[ref])
			f.fail(err)
			return err
		}
	}
	delete(f.entries, ref)
	delete(f.names, ref)
	return nil
}

func (f *fakeDevice) GetRoot(_ context.Context, domain offload.Domain, chain uint32, prio uint16) (offload.TableRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := fmt.Sprintf("%s/%d/%d", domain, chain, prio)
	if err := f.record("getroot", name); err != nil {
		return "", err
	}
	for ref, n := range f.roots {
		if n == name {
			return ref, nil
		}
	}
	ref := offload.TableRef(fmt.Sprintf("%s-root#%d", f.id, f.id64()))
	f.roots[ref] = name
	return ref, nil
}

func (f *fakeDevice) PutRoot(_ context.Context, ref offload.TableRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("putroot", f.roots[ref]); err != nil {
		return err
	}
	for _, e := range f.entries {
		if e.Root == ref {
			err := fmt.Errorf("root table %s still in use", f.roots[ref])
			f.fail(err)
			return err
		}
	}
	delete(f.roots, ref)
	return nil
}

func (f *fakeDevice) create(op, name string) (offload.ObjectID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record(op, name); err != nil {
		return 0, err
	}
	id := f.id64()
	f.objects[id] = name
	return id, nil
}

func (f *fakeDevice) destroy(op string, id offload.ObjectID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	name, ok := f.objects[id]
	if err := f.record(op, name); err != nil {
		return err
	}
	if !ok {
		err := fmt.Errorf("object %d not found", id)
		f.fail(err)
		return err
	}
	for _, e := range f.entries {
		if e.Rewrite == id || e.Counter == id || e.QueuePair == id || e.Mapping == id {
			err := fmt.Errorf("object %s still used by %d/seg%d", name, e.Cookie, e.Segment)
			f.fail(err)
			return err
		}
	}
	delete(f.objects, id)
	delete(f.counters, id)
	return nil
}

func fieldNames(fields []offload.FieldRewrite) string {
	names := make([]string, len(fields))
	for i, fr := range fields {
		names[i] = fr.Field
	}
	sort.Strings(names)
	return strings.Join(names, ",")
}

func (f *fakeDevice) CreateRewrite(_ context.Context, fields []offload.FieldRewrite) (offload.ObjectID, error) {
	return f.create("create-rewrite", fieldNames(fields))
}

func (f *fakeDevice) DestroyRewrite(_ context.Context, id offload.ObjectID) error {
	return f.destroy("destroy-rewrite", id)
}

func (f *fakeDevice) CreateQueuePair(_ context.Context, peerPort uint32, prio uint16) (offload.ObjectID, error) {
	return f.create("create-qp", fmt.Sprintf("%d/%d", peerPort, prio))
}

func (f *fakeDevice) DestroyQueuePair(_ context.Context, id offload.ObjectID) error {
	return f.destroy("destroy-qp", id)
}

func (f *fakeDevice) CreateMapping(_ context.Context, key offload.TunnelKey) (offload.ObjectID, error) {
	return f.create("create-mapping", key.String())
}

func (f *fakeDevice) DestroyMapping(_ context.Context, id offload.ObjectID) error {
	return f.destroy("destroy-mapping", id)
}

func (f *fakeDevice) AllocCounter(_ context.Context) (offload.ObjectID, error) {
	f.mu.Lock()
	n := len(f.counters) + 1
	f.mu.Unlock()
	id, err := f.create("alloc-counter", fmt.Sprintf("c%d", n))
	if err == nil {
		f.mu.Lock()
		f.counters[id] = offload.Stats{}
		f.mu.Unlock()
	}
	return id, err
}

func (f *fakeDevice) FreeCounter(_ context.Context, id offload.ObjectID) error {
	return f.destroy("free-counter", id)
}

func (f *fakeDevice) ReadCounter(_ context.Context, id offload.ObjectID) (offload.Stats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.counters[id]
	if !ok {
		return offload.Stats{}, fmt.Errorf("counter %d not found", id)
	}
	return s, nil
}

// hitAll simulates traffic on every live counter.
func (f *fakeDevice) hitAll(packets, bytes uint64, at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, s := range f.counters {
		f.counters[id] = s.Add(offload.Stats{Packets: packets, Bytes: bytes, LastUsed: at})
	}
}

// Ops returns the recorded ops as "op:name:ok|error" strings.
func (f *fakeDevice) Ops() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.ops))
	for i, op := range f.ops {
		status := "ok"
		if op.Err != nil {
			status = "error"
		}
		out[i] = fmt.Sprintf("%s:%s:%s", op.Op, op.Name, status)
	}
	return out
}

// OpsWithPrefix returns the recorded ops whose op name is one of ops.
func (f *fakeDevice) OpsWithPrefix(ops ...string) []string {
	var out []string
	for _, s := range f.Ops() {
		for _, op := range ops {
			if strings.HasPrefix(s, op+":") {
				out = append(out, s)
				break
			}
		}
	}
	return out
}

func (f *fakeDevice) EntryCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}

func (f *fakeDevice) ObjectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.objects)
}

func (f *fakeDevice) RootCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.roots)
}

// Entries returns the installed entries by name.
func (f *fakeDevice) Entries() map[string]action.Entry {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]action.Entry, len(f.entries))
	for ref, e := range f.entries {
		out[f.names[ref]] = e
	}
	return out
}

// NameOf returns the name of the entry installed under ref.
func (f *fakeDevice) NameOf(ref offload.RuleRef) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.names[ref]
}

// testFixture provides access to all components for verification.
type testFixture struct {
	Manager  *manager.Manager
	Primary  *fakeDevice
	Peers    []*fakeDevice
	Resolver *static.Resolver
	Broker   *broker.Broker
	t        *testing.T
}

type fixtureConfig struct {
	topology peer.Topology
	peers    []offload.DeviceID
	fallback offload.Resolution
	retry    retry.Options
}

type fixtureOption func(*fixtureConfig)

// withPeers pairs the primary with peer devices under topology.
func withPeers(topology peer.Topology, ids ...offload.DeviceID) fixtureOption {
	return func(c *fixtureConfig) {
		c.topology = topology
		c.peers = ids
	}
}

// withFallback sets what the resolver answers for unknown addresses.
func withFallback(res offload.Resolution) fixtureOption {
	return func(c *fixtureConfig) { c.fallback = res }
}

// newTestFixture creates a manager over a fake primary device "p0".
func newTestFixture(t *testing.T, opts ...fixtureOption) *testFixture {
	t.Helper()
	cfg := fixtureConfig{fallback: offload.Ready, retry: retry.Options{Interval: time.Hour}}
	for _, o := range opts {
		o(&cfg)
	}

	primary := newFakeDevice("p0")
	var peers []*fakeDevice
	var peerDevs []interpreter.Device
	for _, id := range cfg.peers {
		d := newFakeDevice(id)
		peers = append(peers, d)
		peerDevs = append(peerDevs, d)
	}
	resolver := static.New(cfg.fallback)
	b := broker.New(testLogger())

	mgr, err := manager.New(manager.Options{
		Primary:  primary,
		Peers:    peerDevs,
		Broker:   b,
		Resolver: resolver,
		Topology: cfg.topology,
		Retry:    cfg.retry,
	}, testLogger())
	require.NoError(t, err, "failed to create manager")

	return &testFixture{
		Manager:  mgr,
		Primary:  primary,
		Peers:    peers,
		Resolver: resolver,
		Broker:   b,
		t:        t,
	}
}

// AssertDeviceOps verifies the sequence of operations on a device.
func (f *testFixture) AssertDeviceOps(d *fakeDevice, expected []string) {
	f.t.Helper()
	assert.Equal(f.t, expected, d.Ops(), "operations on %s mismatch", d.id)
}

// AssertDeviceEmpty verifies a device holds nothing.
func (f *testFixture) AssertDeviceEmpty(d *fakeDevice) {
	f.t.Helper()
	assert.Zero(f.t, d.EntryCount(), "expected no entries on %s", d.id)
	assert.Zero(f.t, d.ObjectCount(), "expected no objects on %s", d.id)
	assert.Zero(f.t, d.RootCount(), "expected no root tables on %s", d.id)
}

// AssertCleanState verifies that devices, broker and registry are all
// empty.
func (f *testFixture) AssertCleanState() {
	f.t.Helper()
	f.AssertDeviceEmpty(f.Primary)
	for _, p := range f.Peers {
		f.AssertDeviceEmpty(p)
	}
	assert.Zero(f.t, f.Broker.TotalRefs(), "expected no broker references")
	assert.Empty(f.t, f.Broker.Snapshot(), "expected no broker objects")
	assert.Empty(f.t, f.Manager.Rules(), "expected no registered rules")
	assert.Empty(f.t, f.Manager.Tables(), "expected no root tables held")
}

// Submit submits spec and requires it to be offloaded.
func (f *testFixture) Submit(spec offload.RuleSpec) *manager.Rule {
	f.t.Helper()
	r, err := f.Manager.Submit(context.Background(), spec)
	require.NoError(f.t, err, "submit %d", spec.Cookie)
	require.Equal(f.t, offload.StateOffloaded, r.State())
	return r
}

func requireKind(t *testing.T, err error, kind offload.Kind) {
	t.Helper()
	require.Error(t, err)
	require.Equal(t, kind, offload.KindOf(err), "unexpected error: %v", err)
}

func errResourceExhausted(what string) error {
	return offload.ErrResourceExhausted{Resource: what, Err: errors.New("table full")}
}
