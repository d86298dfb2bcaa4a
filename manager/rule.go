package manager

import (
	"sync"
	"sync/atomic"

	"github.com/frobware/go-offload"
	"github.com/frobware/go-offload/compute"
	"github.com/frobware/go-offload/peer"
)

// Rule is one registered rule.
type Rule struct {
	spec  offload.RuleSpec
	state atomic.Int32
	refs  atomic.Int32

	// mu serializes hardware work on the rule: submit, re-offload and
	// teardown. ReadStats never takes it.
	mu      sync.Mutex
	primary *installation
	slow    *slowPath
	peers   []*peer.Rule

	prog    atomic.Pointer[compute.Program]
	snap    atomic.Pointer[snapshot]
	lastErr atomic.Pointer[error]

	deleted     chan struct{}
	deletedOnce sync.Once
	done        chan struct{}
	doneOnce    sync.Once
}

// snapshot is what a rule publishes for lock-free readers.
type snapshot struct {
	counter *counterRef
	peers   []*peer.Rule
	slow    bool
}

func newRule(spec offload.RuleSpec) *Rule {
	r := &Rule{
		spec:    spec,
		deleted: make(chan struct{}),
		done:    make(chan struct{}),
	}
	r.state.Store(int32(offload.StateParsing))
	r.refs.Store(1)
	return r
}

// Cookie returns the rule's cookie.
func (r *Rule) Cookie() offload.Cookie {
	return r.spec.Cookie
}

// Spec returns the request the rule was submitted with.
func (r *Rule) Spec() offload.RuleSpec {
	return r.spec
}

// State returns the current lifecycle state.
func (r *Rule) State() offload.State {
	return offload.State(r.state.Load())
}

// Program returns the compiled program, or nil before compilation.
func (r *Rule) Program() *compute.Program {
	return r.prog.Load()
}

// Refs returns the current reference count.
func (r *Rule) Refs() int {
	return int(r.refs.Load())
}

// Err returns the reason for the rule's last failed attempt.
func (r *Rule) Err() error {
	if p := r.lastErr.Load(); p != nil {
		return *p
	}
	return nil
}

func (r *Rule) setErr(err error) {
	if err == nil {
		r.lastErr.Store(nil)
		return
	}
	r.lastErr.Store(&err)
}

// Deleted is closed when the rule's hardware teardown has finished.
func (r *Rule) Deleted() <-chan struct{} {
	return r.deleted
}

// Done is closed when the last reference to the rule has gone.
func (r *Rule) Done() <-chan struct{} {
	return r.done
}

func (r *Rule) closeDeleted() {
	r.deletedOnce.Do(func() { close(r.deleted) })
}

func (r *Rule) closeDone() {
	r.doneOnce.Do(func() { close(r.done) })
}

// publish replaces the snapshot read by ReadStats and Rules. Called
// with r.mu held.
func (r *Rule) publish() {
	s := &snapshot{peers: r.peers, slow: r.slow != nil}
	if r.primary != nil {
		s.counter = r.primary.stats
	}
	r.snap.Store(s)
}
