package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/frobware/go-offload"
	"github.com/frobware/go-offload/action"
)

func nullString[T ~string](v T) sql.NullString {
	return sql.NullString{String: string(v), Valid: v != ""}
}

func nullID(v offload.ObjectID) sql.NullInt64 {
	return sql.NullInt64{Int64: int64(v), Valid: v != 0}
}

// GetRoot returns the root table for (domain, chain, prio), creating it
// on first use.
func (d *Device) GetRoot(ctx context.Context, domain offload.Domain, chain uint32, prio uint16) (offload.TableRef, error) {
	var ref offload.TableRef
	err := d.runInTransaction(ctx, func(s *statements) error {
		var existing string
		err := s.getRoot.QueryRowContext(ctx, domain.String(), chain, prio).Scan(&existing)
		if err == nil {
			ref = offload.TableRef(existing)
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("get root table: %w", err)
		}

		if err := checkCapacity(ctx, s.countRoots, d.limits.RootTables, "root tables"); err != nil {
			return err
		}
		ref = offload.TableRef(uuid.NewString())
		if _, err := s.insertRoot.ExecContext(ctx, string(ref), domain.String(), chain, prio,
			time.Now().Format(time.RFC3339Nano)); err != nil {
			return fmt.Errorf("insert root table: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	d.logger.DebugContext(ctx, "root table", "domain", domain, "chain", chain, "prio", prio, "ref", ref)
	return ref, nil
}

// PutRoot destroys a root table. It fails while entries still hang off
// the table.
func (d *Device) PutRoot(ctx context.Context, ref offload.TableRef) error {
	res, err := d.stmts.deleteRoot.ExecContext(ctx, string(ref))
	if err != nil {
		return fmt.Errorf("delete root table %s: %w", ref, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("root table %s not found", ref)
	}
	return nil
}

// AddEntry installs e and returns its reference. Every entry e jumps
// to, and every object it uses, must already exist.
func (d *Device) AddEntry(ctx context.Context, e action.Entry) (offload.RuleRef, error) {
	dests, err := json.Marshal(e.Dests)
	if err != nil {
		return "", fmt.Errorf("encode destinations: %w", err)
	}

	ref := offload.RuleRef(uuid.NewString())
	err = d.runInTransaction(ctx, func(s *statements) error {
		if err := checkCapacity(ctx, s.countEntries, d.limits.Entries, "flow entries"); err != nil {
			return err
		}
		_, err := s.insertEntry.ExecContext(ctx,
			string(ref), int64(e.Cookie), int(e.Segment), e.Role.String(), e.Table.String(),
			nullString(e.Root), e.Chain, e.Prio, e.Flags.String(), string(dests), e.Goto,
			nullString(e.Next), nullString(e.True), nullString(e.False),
			nullID(e.Rewrite), nullID(e.Counter), nullID(e.QueuePair), nullID(e.Mapping),
			e.Match, time.Now().Format(time.RFC3339Nano))
		if err != nil {
			return fmt.Errorf("insert entry: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	d.logger.DebugContext(ctx, "added entry", "cookie", e.Cookie, "segment", e.Segment, "table", e.Table, "ref", ref)
	return ref, nil
}

// DeleteEntry removes an installed entry. It fails while another entry
// still jumps to it.
func (d *Device) DeleteEntry(ctx context.Context, ref offload.RuleRef) error {
	res, err := d.stmts.deleteEntry.ExecContext(ctx, string(ref))
	if err != nil {
		return fmt.Errorf("delete entry %s: %w", ref, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("entry %s not found", ref)
	}
	d.logger.DebugContext(ctx, "deleted entry", "ref", ref)
	return nil
}

// EntryRow is one row of the flow table, for inspection.
type EntryRow struct {
	Ref     offload.RuleRef  `json:"ref"`
	Cookie  offload.Cookie   `json:"cookie"`
	Segment int              `json:"segment"`
	Role    string           `json:"role"`
	Table   string           `json:"table"`
	Flags   string           `json:"flags"`
	Dests   []uint32         `json:"dests,omitempty"`
	Next    offload.RuleRef  `json:"next,omitempty"`
	True    offload.RuleRef  `json:"true,omitempty"`
	False   offload.RuleRef  `json:"false,omitempty"`
	Rewrite offload.ObjectID `json:"rewrite,omitempty"`
	Counter offload.ObjectID `json:"counter,omitempty"`
}

// Entries lists every installed entry ordered by cookie and segment.
func (d *Device) Entries(ctx context.Context) ([]EntryRow, error) {
	rows, err := d.stmts.listEntries.QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	defer rows.Close()

	var out []EntryRow
	for rows.Next() {
		var (
			r                EntryRow
			cookie           int64
			dests            string
			next, tru, fal   string
			rewrite, counter int64
		)
		if err := rows.Scan(&r.Ref, &cookie, &r.Segment, &r.Role, &r.Table, &r.Flags, &dests,
			&next, &tru, &fal, &rewrite, &counter); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		if err := json.Unmarshal([]byte(dests), &r.Dests); err != nil {
			return nil, fmt.Errorf("decode destinations of %s: %w", r.Ref, err)
		}
		r.Cookie = offload.Cookie(cookie)
		r.Next, r.True, r.False = offload.RuleRef(next), offload.RuleRef(tru), offload.RuleRef(fal)
		r.Rewrite, r.Counter = offload.ObjectID(rewrite), offload.ObjectID(counter)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Usage is the number of objects of each kind the device holds.
type Usage struct {
	Entries    int `json:"entries"`
	RootTables int `json:"root_tables"`
	Counters   int `json:"counters"`
	Rewrites   int `json:"rewrites"`
	QueuePairs int `json:"queue_pairs"`
	Mappings   int `json:"mappings"`
}

// Usage counts the objects currently held.
func (d *Device) Usage(ctx context.Context) (Usage, error) {
	var u Usage
	for _, c := range []struct {
		stmt *sql.Stmt
		dst  *int
	}{
		{d.stmts.countEntries, &u.Entries},
		{d.stmts.countRoots, &u.RootTables},
		{d.stmts.countCounters, &u.Counters},
		{d.stmts.countRewrites, &u.Rewrites},
		{d.stmts.countQueuePairs, &u.QueuePairs},
		{d.stmts.countMappings, &u.Mappings},
	} {
		if err := c.stmt.QueryRowContext(ctx).Scan(c.dst); err != nil {
			return Usage{}, fmt.Errorf("count objects: %w", err)
		}
	}
	return u, nil
}
