package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/frobware/go-offload"
)

// insertObject checks capacity and inserts one object row, returning
// its id.
func (d *Device) insertObject(ctx context.Context, resource string, limit int,
	pick func(*statements) (count, insert *sql.Stmt), args ...any) (offload.ObjectID, error) {
	var id offload.ObjectID
	err := d.runInTransaction(ctx, func(s *statements) error {
		count, insert := pick(s)
		if err := checkCapacity(ctx, count, limit, resource); err != nil {
			return err
		}
		res, err := insert.ExecContext(ctx, args...)
		if err != nil {
			return fmt.Errorf("insert %s: %w", resource, err)
		}
		n, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("insert %s: %w", resource, err)
		}
		id = offload.ObjectID(n)
		return nil
	})
	if err != nil {
		return 0, err
	}
	d.logger.DebugContext(ctx, "created object", "resource", resource, "id", id)
	return id, nil
}

// deleteObject removes one object row. It fails while an entry still
// references the object.
func (d *Device) deleteObject(ctx context.Context, resource string, stmt *sql.Stmt, id offload.ObjectID) error {
	res, err := stmt.ExecContext(ctx, int64(id))
	if err != nil {
		return fmt.Errorf("delete %s %d: %w", resource, id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s %d not found", resource, id)
	}
	d.logger.DebugContext(ctx, "destroyed object", "resource", resource, "id", id)
	return nil
}

// CreateRewrite stores a header rewrite context.
func (d *Device) CreateRewrite(ctx context.Context, fields []offload.FieldRewrite) (offload.ObjectID, error) {
	enc, err := json.Marshal(fields)
	if err != nil {
		return 0, fmt.Errorf("encode rewrite fields: %w", err)
	}
	return d.insertObject(ctx, "rewrite contexts", d.limits.Rewrites,
		func(s *statements) (*sql.Stmt, *sql.Stmt) { return s.countRewrites, s.insertRewrite },
		string(enc))
}

// DestroyRewrite removes a header rewrite context.
func (d *Device) DestroyRewrite(ctx context.Context, id offload.ObjectID) error {
	return d.deleteObject(ctx, "rewrite context", d.stmts.deleteRewrite, id)
}

// CreateQueuePair creates the hairpin queue pair towards peerPort.
func (d *Device) CreateQueuePair(ctx context.Context, peerPort uint32, prio uint16) (offload.ObjectID, error) {
	return d.insertObject(ctx, "queue pairs", d.limits.QueuePairs,
		func(s *statements) (*sql.Stmt, *sql.Stmt) { return s.countQueuePairs, s.insertQueuePair },
		peerPort, prio)
}

// DestroyQueuePair removes a hairpin queue pair.
func (d *Device) DestroyQueuePair(ctx context.Context, id offload.ObjectID) error {
	return d.deleteObject(ctx, "queue pair", d.stmts.deleteQueuePair, id)
}

// CreateMapping stores a tunnel-id mapping.
func (d *Device) CreateMapping(ctx context.Context, key offload.TunnelKey) (offload.ObjectID, error) {
	return d.insertObject(ctx, "tunnel mappings", d.limits.Mappings,
		func(s *statements) (*sql.Stmt, *sql.Stmt) { return s.countMappings, s.insertMapping },
		key.ID, key.Remote.String())
}

// DestroyMapping removes a tunnel-id mapping.
func (d *Device) DestroyMapping(ctx context.Context, id offload.ObjectID) error {
	return d.deleteObject(ctx, "tunnel mapping", d.stmts.deleteMapping, id)
}

// AllocCounter creates a zeroed flow counter.
func (d *Device) AllocCounter(ctx context.Context) (offload.ObjectID, error) {
	return d.insertObject(ctx, "counters", d.limits.Counters,
		func(s *statements) (*sql.Stmt, *sql.Stmt) { return s.countCounters, s.insertCounter })
}

// FreeCounter removes a flow counter.
func (d *Device) FreeCounter(ctx context.Context, id offload.ObjectID) error {
	return d.deleteObject(ctx, "counter", d.stmts.deleteCounter, id)
}

// ReadCounter returns the current value of a flow counter.
func (d *Device) ReadCounter(ctx context.Context, id offload.ObjectID) (offload.Stats, error) {
	var packets, bytes, lastUsed int64
	if err := d.stmts.readCounter.QueryRowContext(ctx, int64(id)).Scan(&packets, &bytes, &lastUsed); err != nil {
		return offload.Stats{}, fmt.Errorf("read counter %d: %w", id, err)
	}
	s := offload.Stats{Packets: uint64(packets), Bytes: uint64(bytes)}
	if lastUsed != 0 {
		s.LastUsed = time.Unix(0, lastUsed)
	}
	return s, nil
}

// Hit simulates traffic matching the entry that owns counter id.
func (d *Device) Hit(ctx context.Context, id offload.ObjectID, packets, bytes uint64) error {
	res, err := d.stmts.bumpCounter.ExecContext(ctx, int64(packets), int64(bytes), time.Now().UnixNano(), int64(id))
	if err != nil {
		return fmt.Errorf("bump counter %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("counter %d not found", id)
	}
	return nil
}
