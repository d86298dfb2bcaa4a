package offload

// ObjectID identifies a device object: a rewrite context, counter,
// queue pair or mapping.
type ObjectID uint64

// RuleRef identifies an installed table entry.
type RuleRef string

// TableRef identifies a root table.
type TableRef string

// Table selects where an entry is installed.
type Table int

const (
	// TableRoot is the chain/prio table the classifier addresses.
	TableRoot Table = iota
	// TablePost holds the segments reached by post-action jumps.
	TablePost
	// TableSlowPath holds degraded catch-all entries that forward to
	// software while a rule waits for its destination.
	TableSlowPath
)

func (t Table) String() string {
	switch t {
	case TableRoot:
		return "root"
	case TablePost:
		return "post"
	case TableSlowPath:
		return "slow"
	default:
		return "unknown"
	}
}
