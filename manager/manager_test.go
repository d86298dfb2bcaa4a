package manager_test

import (
	"context"
	"net/netip"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/sync/errgroup"

	"github.com/frobware/go-offload"
	"github.com/frobware/go-offload/broker"
	"github.com/frobware/go-offload/compute"
	"github.com/frobware/go-offload/interpreter/device/sqlite"
	"github.com/frobware/go-offload/manager"
	"github.com/frobware/go-offload/peer"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func drop() offload.Action { return offload.Action{Kind: offload.ActionDrop} }

func forward(port uint32) offload.Action {
	return offload.Action{Kind: offload.ActionForward, Port: port}
}

func forwardVia(port uint32, via netip.Addr) offload.Action {
	return offload.Action{Kind: offload.ActionForward, Port: port, Via: via}
}

func count() offload.Action { return offload.Action{Kind: offload.ActionCount} }

func rewrite(field string, value uint64) offload.Action {
	return offload.Action{Kind: offload.ActionRewrite, Fields: []offload.FieldRewrite{{Field: field, Value: value}}}
}

func sample() offload.Action {
	return offload.Action{Kind: offload.ActionSample, Sample: &offload.SampleParams{Rate: 100, Group: 1}}
}

func conditional(t, f []offload.Action) offload.Action {
	return offload.Action{Kind: offload.ActionConditional, Cond: &offload.Conditional{RateBps: 1000, Burst: 64, True: t, False: f}}
}

func switchRule(cookie offload.Cookie, actions ...offload.Action) offload.RuleSpec {
	return offload.RuleSpec{Cookie: cookie, Domain: offload.DomainSwitch, Actions: actions}
}

var nextHop = netip.MustParseAddr("192.0.2.10")

// names strips "op:" and ":status" from recorded ops.
func names(ops []string) []string {
	out := make([]string, len(ops))
	for i, op := range ops {
		parts := strings.Split(op, ":")
		out[i] = parts[1]
	}
	return out
}

func requireClosed(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	default:
		t.Fatalf("%s not closed", what)
	}
}

func requireOpen(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
		t.Fatalf("%s closed too early", what)
	default:
	}
}

func TestSubmit_RewriteCountForward(t *testing.T) {
	fix := newTestFixture(t)
	ctx := context.Background()

	r := fix.Submit(switchRule(1, rewrite("eth.dst", 0x001122334455), count(), forward(2)))
	fix.AssertDeviceOps(fix.Primary, []string{
		"create-rewrite:eth.dst:ok",
		"alloc-counter:c1:ok",
		"getroot:switch/0/0:ok",
		"add:1/seg0:ok",
	})

	root, ok := fix.Primary.Entries()["1/seg0"]
	require.True(t, ok)
	assert.Equal(t, offload.TableRoot, root.Table)
	assert.Equal(t, []uint32{2}, root.Dests)
	assert.NotZero(t, root.Rewrite)
	assert.NotZero(t, root.Counter)

	key := compute.RewriteRequest{Fields: []offload.FieldRewrite{{Field: "eth.dst", Value: 0x001122334455}}}.Key()
	assert.Equal(t, 1, fix.Broker.Refs(broker.KindRewrite, "p0", key))
	assert.Equal(t, 1, fix.Broker.Count(broker.KindCounter))
	assert.Equal(t, 2, fix.Broker.TotalRefs())

	info := fix.Manager.Rules()
	require.Len(t, info, 1)
	assert.Equal(t, offload.StateOffloaded.String(), info[0].State)
	assert.True(t, info[0].Counted)

	require.NoError(t, fix.Manager.Delete(ctx, 1))
	fix.AssertDeviceOps(fix.Primary, []string{
		"create-rewrite:eth.dst:ok",
		"alloc-counter:c1:ok",
		"getroot:switch/0/0:ok",
		"add:1/seg0:ok",
		"del:1/seg0:ok",
		"free-counter:c1:ok",
		"destroy-rewrite:eth.dst:ok",
		"putroot:switch/0/0:ok",
	})
	assert.Equal(t, offload.StateDeleted, r.State())
	requireClosed(t, r.Deleted(), "deleted")
	requireClosed(t, r.Done(), "done")
	fix.AssertCleanState()
}

func TestSubmit_DuplicateTouchesNothing(t *testing.T) {
	fix := newTestFixture(t)
	first := fix.Submit(switchRule(1, forward(1)))
	before := fix.Primary.Ops()

	r, err := fix.Manager.Submit(context.Background(), switchRule(1, drop()))
	requireKind(t, err, offload.KindDuplicateRule)
	assert.Nil(t, r)
	assert.Equal(t, before, fix.Primary.Ops())

	got, ok := fix.Manager.Lookup(1)
	require.True(t, ok)
	assert.Same(t, first, got)
	assert.Equal(t, offload.StateOffloaded, got.State())
}

func TestSubmit_ConditionalBranches(t *testing.T) {
	fix := newTestFixture(t)
	ctx := context.Background()

	fix.Submit(switchRule(2, conditional(
		[]offload.Action{drop()},
		[]offload.Action{forward(3)},
	)))
	fix.AssertDeviceOps(fix.Primary, []string{
		"alloc-counter:c1:ok",
		"getroot:switch/0/0:ok",
		"add:2/seg2:ok",
		"add:2/seg1:ok",
		"add:2/seg0:ok",
	})

	entries := fix.Primary.Entries()
	root := entries["2/seg0"]
	assert.Equal(t, offload.TableRoot, root.Table)
	assert.NotNil(t, root.Police)
	assert.Equal(t, "2/seg1", fix.Primary.NameOf(root.True))
	assert.Equal(t, "2/seg2", fix.Primary.NameOf(root.False))
	assert.Equal(t, offload.TablePost, entries["2/seg1"].Table)

	stats, err := fix.Manager.ReadStats(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, offload.Stats{}, stats)

	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	fix.Primary.hitAll(10, 1500, at)
	stats, err = fix.Manager.ReadStats(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, offload.Stats{Packets: 10, Bytes: 1500, LastUsed: at}, stats)

	require.NoError(t, fix.Manager.Delete(ctx, 2))
	fix.AssertCleanState()
}

func TestSubmit_NestedConditionalTouchesNothing(t *testing.T) {
	fix := newTestFixture(t)
	ctx := context.Background()

	nested := conditional(
		[]offload.Action{conditional([]offload.Action{drop()}, []offload.Action{forward(1)})},
		[]offload.Action{drop()},
	)
	r, err := fix.Manager.Submit(ctx, switchRule(4, nested))
	requireKind(t, err, offload.KindUnsupportedAction)
	assert.Nil(t, r)
	assert.Empty(t, fix.Primary.Ops())
	_, ok := fix.Manager.Lookup(4)
	assert.False(t, ok)
	fix.AssertCleanState()

	// The cookie is free again.
	fix.Submit(switchRule(4, drop()))
}

func TestSubmit_FailureLeavesNothing(t *testing.T) {
	fix := newTestFixture(t)
	fix.Primary.failOn("add", "5/seg0", errResourceExhausted("flow entries"))

	r, err := fix.Manager.Submit(context.Background(), switchRule(5, sample(), rewrite("eth.src", 1), count(), forward(4)))
	requireKind(t, err, offload.KindResourceExhausted)
	assert.Nil(t, r)

	fix.AssertDeviceOps(fix.Primary, []string{
		"create-rewrite:eth.src:ok",
		"alloc-counter:c1:ok",
		"getroot:switch/0/0:ok",
		"add:5/seg1:ok",
		"add:5/seg0:error",
		"del:5/seg1:ok",
		"putroot:switch/0/0:ok",
		"free-counter:c1:ok",
		"destroy-rewrite:eth.src:ok",
	})
	_, ok := fix.Manager.Lookup(5)
	assert.False(t, ok)
	fix.AssertCleanState()
}

func TestSubmit_FailureOnObjectCreate(t *testing.T) {
	fix := newTestFixture(t)
	fix.Primary.failOn("alloc-counter", "*", errResourceExhausted("counters"))

	_, err := fix.Manager.Submit(context.Background(), switchRule(6, rewrite("eth.dst", 9), count(), forward(1)))
	requireKind(t, err, offload.KindResourceExhausted)
	fix.AssertDeviceOps(fix.Primary, []string{
		"create-rewrite:eth.dst:ok",
		"alloc-counter:c1:error",
		"destroy-rewrite:eth.dst:ok",
	})
	fix.AssertCleanState()
}

func TestInstallRemoveOrderInverse(t *testing.T) {
	fix := newTestFixture(t)

	fix.Submit(switchRule(3,
		rewrite("ip.ttl", 63),
		conditional([]offload.Action{{Kind: offload.ActionContinue}}, []offload.Action{drop()}),
		count(),
		forward(7),
	))
	require.NoError(t, fix.Manager.Delete(context.Background(), 3))

	added := names(fix.Primary.OpsWithPrefix("add"))
	removed := names(fix.Primary.OpsWithPrefix("del"))
	require.Len(t, added, 4)
	assert.Equal(t, "3/seg0", added[len(added)-1], "root goes in last")
	slices.Reverse(added)
	assert.Equal(t, added, removed)
	fix.AssertCleanState()
}

func TestSharing_RewriteAcrossRules(t *testing.T) {
	fix := newTestFixture(t)
	ctx := context.Background()
	key := compute.RewriteRequest{Fields: []offload.FieldRewrite{{Field: "eth.dst", Value: 5}}}.Key()

	fix.Submit(switchRule(10, rewrite("eth.dst", 5), forward(1)))
	fix.Submit(switchRule(11, rewrite("eth.dst", 5), forward(2)))
	assert.Equal(t, 2, fix.Broker.Refs(broker.KindRewrite, "p0", key))
	assert.Len(t, fix.Primary.OpsWithPrefix("create-rewrite"), 1)
	assert.Len(t, fix.Primary.OpsWithPrefix("getroot"), 1)

	e10, e11 := fix.Primary.Entries()["10/seg0"], fix.Primary.Entries()["11/seg0"]
	assert.Equal(t, e10.Rewrite, e11.Rewrite, "both rules point at one rewrite object")

	require.NoError(t, fix.Manager.Delete(ctx, 10))
	assert.Equal(t, 1, fix.Broker.Refs(broker.KindRewrite, "p0", key))
	assert.Empty(t, fix.Primary.OpsWithPrefix("destroy-rewrite", "putroot"))

	require.NoError(t, fix.Manager.Delete(ctx, 11))
	assert.Zero(t, fix.Broker.Refs(broker.KindRewrite, "p0", key))
	assert.Len(t, fix.Primary.OpsWithPrefix("destroy-rewrite"), 1)
	fix.AssertCleanState()
}

func dynamicRewrite(field string, value uint64) offload.Action {
	return offload.Action{Kind: offload.ActionRewrite, Fields: []offload.FieldRewrite{{Field: field, Value: value, FromMetadata: true}}}
}

func TestSharing_DynamicRewriteByContent(t *testing.T) {
	fix := newTestFixture(t)
	ctx := context.Background()

	fix.Submit(switchRule(20, dynamicRewrite("eth.dst", 1), forward(1)))
	fix.Submit(switchRule(21, dynamicRewrite("eth.dst", 2), forward(1)))
	fix.Submit(switchRule(22, dynamicRewrite("eth.dst", 1), forward(2)))

	e := fix.Primary.Entries()
	assert.NotEqual(t, e["20/seg0"].Rewrite, e["21/seg0"].Rewrite, "different computed content")
	assert.Equal(t, e["20/seg0"].Rewrite, e["22/seg0"].Rewrite, "identical computed content")
	assert.Len(t, fix.Primary.OpsWithPrefix("create-rewrite"), 2)

	for _, c := range []offload.Cookie{20, 21, 22} {
		require.NoError(t, fix.Manager.Delete(ctx, c))
	}
	fix.AssertCleanState()
}

func TestSharing_ChainMetadataBoundPerRule(t *testing.T) {
	fix := newTestFixture(t)
	ctx := context.Background()

	chainRule := func(cookie offload.Cookie, chain uint32) offload.RuleSpec {
		spec := switchRule(cookie, dynamicRewrite(compute.MetadataChain, 0), forward(1))
		spec.Chain = chain
		return spec
	}
	fix.Submit(chainRule(30, 1))
	fix.Submit(chainRule(31, 2))
	fix.Submit(chainRule(32, 1))

	bound := func(chain uint32) string {
		return compute.RewriteRequest{Fields: []offload.FieldRewrite{{Field: compute.MetadataChain, Value: uint64(chain), FromMetadata: true}}}.Key()
	}
	assert.Equal(t, 2, fix.Broker.Refs(broker.KindRewrite, "p0", bound(1)))
	assert.Equal(t, 1, fix.Broker.Refs(broker.KindRewrite, "p0", bound(2)))
	assert.Len(t, fix.Primary.OpsWithPrefix("create-rewrite"), 2)

	for _, c := range []offload.Cookie{30, 31, 32} {
		require.NoError(t, fix.Manager.Delete(ctx, c))
	}
	fix.AssertCleanState()
}

func TestSharing_Concurrent(t *testing.T) {
	fix := newTestFixture(t)
	ctx := context.Background()
	const n = 32
	key := compute.RewriteRequest{Fields: []offload.FieldRewrite{{Field: "eth.dst", Value: 5}}}.Key()

	var g errgroup.Group
	for i := range n {
		g.Go(func() error {
			_, err := fix.Manager.Submit(ctx, switchRule(offload.Cookie(100+i), rewrite("eth.dst", 5), count(), forward(1)))
			return err
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, n, fix.Broker.Refs(broker.KindRewrite, "p0", key))
	assert.Equal(t, n, fix.Broker.Count(broker.KindCounter))
	assert.Len(t, fix.Primary.OpsWithPrefix("create-rewrite"), 1)
	assert.Len(t, fix.Primary.OpsWithPrefix("getroot"), 1)
	tables := fix.Manager.Tables()
	require.Len(t, tables, 1)
	assert.Equal(t, n, tables[0].Refs)

	var del errgroup.Group
	for i := range n {
		del.Go(func() error {
			return fix.Manager.Delete(ctx, offload.Cookie(100+i))
		})
	}
	require.NoError(t, del.Wait())
	assert.Len(t, fix.Primary.OpsWithPrefix("destroy-rewrite"), 1)
	assert.Len(t, fix.Primary.OpsWithPrefix("putroot"), 1)
	fix.AssertCleanState()
}

func TestRetry_SlowPathUpgrade(t *testing.T) {
	fix := newTestFixture(t, withFallback(offload.Pending))
	ctx := context.Background()

	r, err := fix.Manager.Submit(ctx, switchRule(7, forwardVia(2, nextHop)))
	requireKind(t, err, offload.KindNotReady)
	require.NotNil(t, r)
	assert.Equal(t, offload.StateNotReady, r.State())
	assert.Equal(t, offload.KindNotReady, offload.KindOf(r.Err()))
	assert.True(t, fix.Manager.Queue().Contains(7))

	fix.AssertDeviceOps(fix.Primary, []string{
		"create-rewrite:metadata.chain:ok",
		"add:7/slow:ok",
	})
	slow := fix.Primary.Entries()["7/slow"]
	assert.Equal(t, offload.TableSlowPath, slow.Table)
	assert.Equal(t, []uint32{manager.DefaultSoftwarePort}, slow.Dests)
	info := fix.Manager.Rules()
	require.Len(t, info, 1)
	assert.True(t, info[0].SlowPath)

	stats, err := fix.Manager.ReadStats(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, offload.Stats{}, stats)

	// Still pending: nothing changes.
	assert.Zero(t, fix.Manager.Queue().Scan(ctx))
	assert.Len(t, fix.Primary.Ops(), 2)

	fix.Resolver.Set(nextHop, offload.Ready)
	assert.Equal(t, 1, fix.Manager.Queue().Scan(ctx))
	assert.Equal(t, offload.StateOffloaded, r.State())
	assert.NoError(t, r.Err())
	assert.Zero(t, fix.Manager.Queue().Len())

	fix.AssertDeviceOps(fix.Primary, []string{
		"create-rewrite:metadata.chain:ok",
		"add:7/slow:ok",
		"getroot:switch/0/0:ok",
		"add:7/seg0:ok",
		"del:7/slow:ok",
		"destroy-rewrite:metadata.chain:ok",
	})
	info = fix.Manager.Rules()
	require.Len(t, info, 1)
	assert.False(t, info[0].SlowPath)

	require.NoError(t, fix.Manager.Delete(ctx, 7))
	fix.AssertCleanState()
}

func TestRetry_WorkerConverges(t *testing.T) {
	fix := newTestFixture(t, withFallback(offload.Pending))
	ctx, cancel := context.WithCancel(context.Background())

	r, err := fix.Manager.Submit(ctx, switchRule(8, forwardVia(2, nextHop)))
	requireKind(t, err, offload.KindNotReady)

	done := make(chan error, 1)
	go func() { done <- fix.Manager.Queue().Run(ctx) }()

	fix.Resolver.Set(nextHop, offload.Ready)
	fix.Manager.Queue().Notify()
	require.Eventually(t, func() bool {
		return r.State() == offload.StateOffloaded
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	require.NoError(t, fix.Manager.Delete(context.Background(), 8))
	fix.AssertCleanState()
}

func TestNotReady_UnreachableHasNoSlowPath(t *testing.T) {
	fix := newTestFixture(t)
	ctx := context.Background()
	fix.Resolver.Set(nextHop, offload.Unreachable)

	r, err := fix.Manager.Submit(ctx, switchRule(9, forwardVia(2, nextHop)))
	requireKind(t, err, offload.KindNotReady)
	assert.Equal(t, offload.StateNotReady, r.State())
	assert.Empty(t, fix.Primary.Ops())
	assert.True(t, fix.Manager.Queue().Contains(9))

	require.NoError(t, fix.Manager.Delete(ctx, 9))
	assert.Zero(t, fix.Manager.Queue().Len())
	assert.Equal(t, offload.StateDeleted, r.State())
	assert.Empty(t, fix.Primary.Ops())
	fix.AssertCleanState()
}

func TestNotReady_DeviceBusy(t *testing.T) {
	fix := newTestFixture(t)
	ctx := context.Background()
	fix.Primary.failOn("add", "*", offload.ErrDeviceBusy{Device: "p0"})

	r, err := fix.Manager.Submit(ctx, switchRule(12, count(), forward(1)))
	requireKind(t, err, offload.KindNotReady)
	assert.Equal(t, offload.StateNotReady, r.State())
	fix.AssertDeviceEmpty(fix.Primary)
	assert.Zero(t, fix.Broker.TotalRefs())
	assert.True(t, fix.Manager.Queue().Contains(12))
	assert.NotContains(t, names(fix.Primary.OpsWithPrefix("add")), "12/slow", "a busy device gets no slow path")

	// Busy again on retry keeps the rule queued.
	assert.Zero(t, fix.Manager.Queue().Scan(ctx))
	assert.Equal(t, offload.StateNotReady, r.State())

	fix.Primary.clearFailures()
	assert.Equal(t, 1, fix.Manager.Queue().Scan(ctx))
	assert.Equal(t, offload.StateOffloaded, r.State())
	assert.Equal(t, 1, fix.Primary.EntryCount())

	require.NoError(t, fix.Manager.Delete(ctx, 12))
	fix.AssertCleanState()
}

func TestSlowPath_ChainRewriteIsDynamic(t *testing.T) {
	fix := newTestFixture(t, withFallback(offload.Pending))
	ctx := context.Background()

	onChain := func(cookie offload.Cookie, chain uint32) offload.RuleSpec {
		spec := switchRule(cookie, forwardVia(2, nextHop))
		spec.Chain = chain
		return spec
	}
	for _, spec := range []offload.RuleSpec{onChain(40, 1), onChain(41, 2), onChain(42, 1)} {
		_, err := fix.Manager.Submit(ctx, spec)
		requireKind(t, err, offload.KindNotReady)
	}

	handles := fix.Broker.Snapshot()
	require.Len(t, handles, 2, "one slow-path rewrite per chain")
	for _, h := range handles {
		assert.Equal(t, broker.KindRewrite, h.Kind)
		assert.False(t, h.Static, "the chain mapping is per-rule content")
	}
	e := fix.Primary.Entries()
	assert.Equal(t, e["40/slow"].Rewrite, e["42/slow"].Rewrite)
	assert.NotEqual(t, e["40/slow"].Rewrite, e["41/slow"].Rewrite)

	for _, c := range []offload.Cookie{40, 41, 42} {
		require.NoError(t, fix.Manager.Delete(ctx, c))
	}
	fix.AssertCleanState()
}

func TestReoffload_PermanentFailureDiscards(t *testing.T) {
	fix := newTestFixture(t, withFallback(offload.Pending))
	ctx := context.Background()

	r, err := fix.Manager.Submit(ctx, switchRule(13, forwardVia(2, nextHop)))
	requireKind(t, err, offload.KindNotReady)
	require.Equal(t, 1, fix.Primary.EntryCount(), "slow path installed")

	fix.Primary.failOn("add", "13/seg0", errResourceExhausted("flow entries"))
	fix.Resolver.Set(nextHop, offload.Ready)
	assert.Equal(t, 1, fix.Manager.Queue().Scan(ctx), "the failed attempt counts as leaving the queue")
	assert.Zero(t, fix.Manager.Queue().Len())
	assert.False(t, fix.Manager.Queue().Contains(13))

	assert.Equal(t, offload.StateFailed, r.State())
	assert.Equal(t, offload.KindResourceExhausted, offload.KindOf(r.Err()))
	requireClosed(t, r.Done(), "done")
	_, ok := fix.Manager.Lookup(13)
	assert.False(t, ok)
	fix.AssertCleanState()
}

func TestReoffload_UnknownRule(t *testing.T) {
	fix := newTestFixture(t)
	requireKind(t, fix.Manager.Reoffload(context.Background(), 99), offload.KindNotFound)
}

func TestDelete_UnknownRule(t *testing.T) {
	fix := newTestFixture(t)
	requireKind(t, fix.Manager.Delete(context.Background(), 42), offload.KindNotFound)
	_, err := fix.Manager.ReadStats(context.Background(), 42)
	requireKind(t, err, offload.KindNotFound)
}

func TestDelete_SecondDeleteFailsFast(t *testing.T) {
	fix := newTestFixture(t)
	ctx := context.Background()
	r := fix.Submit(switchRule(14, forward(1)))

	require.NoError(t, fix.Manager.BeginDelete(r))
	requireKind(t, fix.Manager.BeginDelete(r), offload.KindDeleting)
	requireKind(t, fix.Manager.Delete(ctx, 14), offload.KindDeleting)
	assert.Equal(t, offload.StateDeleting, r.State())

	require.NoError(t, fix.Manager.Destroy(ctx, r))
	require.NoError(t, fix.Manager.Release(ctx, r))
	assert.Equal(t, offload.StateDeleted, r.State())
	requireKind(t, fix.Manager.Delete(ctx, 14), offload.KindNotFound)
	fix.AssertCleanState()
}

func TestRetainRelease(t *testing.T) {
	fix := newTestFixture(t)
	ctx := context.Background()
	r := fix.Submit(switchRule(15, count(), forward(1)))

	require.NoError(t, fix.Manager.Retain(r))
	assert.Equal(t, 2, r.Refs())

	require.NoError(t, fix.Manager.Delete(ctx, 15))
	requireClosed(t, r.Deleted(), "deleted")
	requireOpen(t, r.Done(), "done")
	assert.Equal(t, offload.StateDeleting, r.State())
	assert.Equal(t, 1, r.Refs())
	fix.AssertCleanState()

	stats, err := fix.Manager.ReadStats(ctx, 15)
	requireKind(t, err, offload.KindNotFound)
	assert.Zero(t, stats)

	require.NoError(t, fix.Manager.Release(ctx, r))
	requireClosed(t, r.Done(), "done")
	assert.Equal(t, offload.StateDeleted, r.State())

	requireKind(t, fix.Manager.Retain(r), offload.KindDeleting)
	assert.Error(t, fix.Manager.Release(ctx, r), "release without a reference")
	assert.Zero(t, r.Refs())
}

func TestRelease_LastReferenceTearsDown(t *testing.T) {
	fix := newTestFixture(t)
	ctx := context.Background()
	r := fix.Submit(switchRule(16, rewrite("eth.src", 3), forward(1)))

	require.NoError(t, fix.Manager.Release(ctx, r))
	assert.Equal(t, offload.StateDeleted, r.State())
	requireClosed(t, r.Done(), "done")
	requireKind(t, fix.Manager.Delete(ctx, 16), offload.KindNotFound)
	fix.AssertCleanState()
}

func TestSubmit_IngressDoesNotReplicate(t *testing.T) {
	fix := newTestFixture(t, withPeers(peer.Topology{Paired: true, MultiPortSwitch: true}, "p1", "p2"))
	ctx := context.Background()

	spec := offload.RuleSpec{Cookie: 21, Domain: offload.DomainIngress, Actions: []offload.Action{forward(1)}}
	fix.Submit(spec)
	fix.AssertDeviceOps(fix.Primary, []string{
		"create-qp:1/0:ok",
		"getroot:ingress/0/0:ok",
		"add:21/seg0:ok",
	})
	for _, p := range fix.Peers {
		assert.Empty(t, p.Ops(), "peer %s", p.id)
	}
	require.NoError(t, fix.Manager.Delete(ctx, 21))
	fix.AssertCleanState()
}

func TestPeers_ReplicateAndAggregate(t *testing.T) {
	fix := newTestFixture(t, withPeers(peer.Topology{Paired: true, MultiPortSwitch: true}, "p1", "p2"))
	ctx := context.Background()

	fix.Submit(switchRule(20, count(), forward(1)))
	want := []string{
		"alloc-counter:c1:ok",
		"getroot:switch/0/0:ok",
		"add:20/seg0:ok",
	}
	fix.AssertDeviceOps(fix.Primary, want)
	for _, p := range fix.Peers {
		fix.AssertDeviceOps(p, want)
		assert.Equal(t, 1, fix.Manager.Coordinator().Linked(p.id))
	}
	info := fix.Manager.Rules()
	require.Len(t, info, 1)
	assert.Equal(t, 2, info[0].Peers)

	t0 := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	fix.Primary.hitAll(1, 100, t0)
	fix.Peers[0].hitAll(1, 100, t0.Add(time.Second))
	fix.Peers[1].hitAll(1, 100, t0.Add(2*time.Second))
	stats, err := fix.Manager.ReadStats(ctx, 20)
	require.NoError(t, err)
	assert.Equal(t, offload.Stats{Packets: 3, Bytes: 300, LastUsed: t0.Add(2 * time.Second)}, stats)

	require.NoError(t, fix.Manager.Delete(ctx, 20))
	for _, p := range fix.Peers {
		assert.Zero(t, fix.Manager.Coordinator().Linked(p.id))
	}
	fix.AssertCleanState()
}

func TestPeers_ReplicationFailureRollsBackEverywhere(t *testing.T) {
	fix := newTestFixture(t, withPeers(peer.Topology{Paired: true, MultiPortSwitch: true}, "p1", "p2"))
	p1, p2 := fix.Peers[0], fix.Peers[1]
	p2.failOn("add", "*", errResourceExhausted("flow entries"))

	r, err := fix.Manager.Submit(context.Background(), switchRule(22, forward(1)))
	requireKind(t, err, offload.KindPeerReplicationFailed)
	assert.Nil(t, r)

	undone := []string{
		"getroot:switch/0/0:ok",
		"add:22/seg0:ok",
		"del:22/seg0:ok",
		"putroot:switch/0/0:ok",
	}
	fix.AssertDeviceOps(fix.Primary, undone)
	fix.AssertDeviceOps(p1, undone)
	fix.AssertDeviceOps(p2, []string{
		"getroot:switch/0/0:ok",
		"add:22/seg0:error",
		"putroot:switch/0/0:ok",
	})
	assert.Zero(t, fix.Manager.Coordinator().Linked("p1"))
	fix.AssertCleanState()
}

func TestPeers_DeadPeerIsNotCalled(t *testing.T) {
	fix := newTestFixture(t, withPeers(peer.Topology{Paired: true, MultiPortSwitch: true}, "p1", "p2"))
	ctx := context.Background()
	p1, p2 := fix.Peers[0], fix.Peers[1]

	fix.Submit(switchRule(23, count(), forward(1)))
	before := len(p1.Ops())

	require.NoError(t, fix.Manager.PeerDead(ctx, "p1"))
	assert.Zero(t, fix.Manager.Coordinator().Linked("p1"))
	live, err := fix.Manager.Coordinator().LivePeers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []offload.DeviceID{"p2"}, live)

	p1.hitAll(50, 5000, time.Now())
	stats, err := fix.Manager.ReadStats(ctx, 23)
	require.NoError(t, err)
	assert.Zero(t, stats.Packets, "a dead peer contributes nothing")

	require.NoError(t, fix.Manager.Delete(ctx, 23))
	assert.Len(t, p1.Ops(), before, "dead peer must not be called")
	fix.AssertDeviceEmpty(fix.Primary)
	fix.AssertDeviceEmpty(p2)
	assert.Zero(t, fix.Broker.TotalRefs())
	assert.Empty(t, fix.Manager.Tables())

	// Rules submitted while p1 is dead skip it.
	fix.Submit(switchRule(24, forward(1)))
	assert.Len(t, p1.Ops(), before)
	assert.Equal(t, 1, fix.Manager.Coordinator().Linked("p2"))

	require.NoError(t, fix.Manager.PeerAlive(ctx, "p1"))
	fix.Submit(switchRule(25, forward(2)))
	assert.Equal(t, 1, fix.Manager.Coordinator().Linked("p1"))
	_, ok := p1.Entries()["25/seg0"]
	assert.True(t, ok)
}

func TestPeerDead_RejectsPrimary(t *testing.T) {
	fix := newTestFixture(t)
	assert.Error(t, fix.Manager.PeerDead(context.Background(), "p0"))
}

func TestPreShare(t *testing.T) {
	fix := newTestFixture(t)
	ctx := context.Background()
	fields := []offload.FieldRewrite{{Field: "eth.dst", Value: 5}}

	require.NoError(t, fix.Manager.PreShare(ctx, fields))
	require.Len(t, fix.Primary.OpsWithPrefix("create-rewrite"), 1)

	fix.Submit(switchRule(30, rewrite("eth.dst", 5), forward(1)))
	assert.Len(t, fix.Primary.OpsWithPrefix("create-rewrite"), 1, "the pre-shared object is reused")
	require.NoError(t, fix.Manager.Delete(ctx, 30))
	assert.Empty(t, fix.Primary.OpsWithPrefix("destroy-rewrite"), "pre-shared objects outlive their users")

	require.NoError(t, fix.Manager.Close(ctx))
	assert.Len(t, fix.Primary.OpsWithPrefix("destroy-rewrite"), 1)
	fix.AssertCleanState()
}

func TestClose_RemovesEverything(t *testing.T) {
	fix := newTestFixture(t)
	ctx := context.Background()

	fix.Submit(switchRule(40, count(), forward(1)))
	fix.Submit(switchRule(41, rewrite("eth.dst", 1), forward(2)))
	fix.Resolver.Set(nextHop, offload.Pending)
	_, err := fix.Manager.Submit(ctx, switchRule(42, forwardVia(3, nextHop)))
	requireKind(t, err, offload.KindNotReady)

	require.NoError(t, fix.Manager.Close(ctx))
	assert.Zero(t, fix.Manager.Queue().Len())
	fix.AssertCleanState()
}

func TestSQLiteDevice(t *testing.T) {
	ctx := context.Background()
	dev, err := sqlite.NewInMemory(ctx, "p0", sqlite.Limits{}, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { dev.Close() })

	m, err := manager.New(manager.Options{Primary: dev}, testLogger())
	require.NoError(t, err)

	_, err = m.Submit(ctx, switchRule(1, rewrite("eth.dst", 0x001122334455), count(), forward(2)))
	require.NoError(t, err)

	u, err := dev.Usage(ctx)
	require.NoError(t, err)
	assert.Equal(t, sqlite.Usage{Entries: 1, RootTables: 1, Counters: 1, Rewrites: 1}, u)

	rows, err := dev.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.NotZero(t, rows[0].Counter)
	require.NoError(t, dev.Hit(ctx, rows[0].Counter, 10, 1000))

	stats, err := m.ReadStats(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), stats.Packets)
	assert.Equal(t, uint64(1000), stats.Bytes)

	require.NoError(t, m.Delete(ctx, 1))
	u, err = dev.Usage(ctx)
	require.NoError(t, err)
	assert.Zero(t, u)
}

func TestSQLiteDevice_ExhaustionLeavesNothing(t *testing.T) {
	ctx := context.Background()
	dev, err := sqlite.NewInMemory(ctx, "p0", sqlite.Limits{Entries: 1}, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { dev.Close() })

	m, err := manager.New(manager.Options{Primary: dev}, testLogger())
	require.NoError(t, err)

	_, err = m.Submit(ctx, switchRule(5, sample(), rewrite("eth.src", 1), count(), forward(4)))
	requireKind(t, err, offload.KindResourceExhausted)

	u, err := dev.Usage(ctx)
	require.NoError(t, err)
	assert.Zero(t, u)
	assert.Zero(t, m.Broker().TotalRefs())
	assert.Empty(t, m.Rules())
}

func TestNew_RequiresPrimary(t *testing.T) {
	_, err := manager.New(manager.Options{}, testLogger())
	assert.Error(t, err)
}
