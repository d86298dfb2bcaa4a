package sqlite

import (
	"context"
	"database/sql"
	"fmt"
)

// statements holds every prepared statement the device uses.
type statements struct {
	// Root tables
	getRoot    *sql.Stmt
	insertRoot *sql.Stmt
	deleteRoot *sql.Stmt
	countRoots *sql.Stmt

	// Flow entries
	insertEntry  *sql.Stmt
	deleteEntry  *sql.Stmt
	countEntries *sql.Stmt
	listEntries  *sql.Stmt

	// Counters
	insertCounter *sql.Stmt
	deleteCounter *sql.Stmt
	countCounters *sql.Stmt
	readCounter   *sql.Stmt
	bumpCounter   *sql.Stmt

	// Shared objects
	insertRewrite   *sql.Stmt
	deleteRewrite   *sql.Stmt
	countRewrites   *sql.Stmt
	insertQueuePair *sql.Stmt
	deleteQueuePair *sql.Stmt
	countQueuePairs *sql.Stmt
	insertMapping   *sql.Stmt
	deleteMapping   *sql.Stmt
	countMappings   *sql.Stmt
}

// each returns a pointer to every statement field, in declaration
// order.
func (s *statements) each() []**sql.Stmt {
	return []**sql.Stmt{
		&s.getRoot, &s.insertRoot, &s.deleteRoot, &s.countRoots,
		&s.insertEntry, &s.deleteEntry, &s.countEntries, &s.listEntries,
		&s.insertCounter, &s.deleteCounter, &s.countCounters, &s.readCounter, &s.bumpCounter,
		&s.insertRewrite, &s.deleteRewrite, &s.countRewrites,
		&s.insertQueuePair, &s.deleteQueuePair, &s.countQueuePairs,
		&s.insertMapping, &s.deleteMapping, &s.countMappings,
	}
}

// close closes all prepared statements. Each close error is silently
// ignored because the database is about to be closed.
func (s *statements) close() {
	for _, p := range s.each() {
		if *p != nil {
			(*p).Close()
		}
	}
}

// bind returns transaction-bound handles for every master statement.
// No SQL is parsed here; the handles reference the compiled masters.
func (s *statements) bind(ctx context.Context, tx *sql.Tx) *statements {
	out := &statements{}
	src := s.each()
	for i, p := range out.each() {
		*p = tx.StmtContext(ctx, *src[i])
	}
	return out
}

func prepareStatements(ctx context.Context, db *sql.DB) (*statements, error) {
	s := &statements{}
	for _, prep := range []func(context.Context, *sql.DB) error{
		s.prepareRootStatements,
		s.prepareEntryStatements,
		s.prepareCounterStatements,
		s.prepareObjectStatements,
	} {
		if err := prep(ctx, db); err != nil {
			s.close()
			return nil, err
		}
	}
	return s, nil
}

// prepare compiles query into *dst, naming it in any error.
func prepare(ctx context.Context, db *sql.DB, dst **sql.Stmt, name, query string) error {
	stmt, err := db.PrepareContext(ctx, query)
	if err != nil {
		return fmt.Errorf("prepare %s: %w", name, err)
	}
	*dst = stmt
	return nil
}

func (s *statements) prepareRootStatements(ctx context.Context, db *sql.DB) error {
	const sqlGetRoot = "SELECT ref FROM root_tables WHERE domain = ? AND chain = ? AND prio = ?"
	if err := prepare(ctx, db, &s.getRoot, "GetRoot", sqlGetRoot); err != nil {
		return err
	}

	const sqlInsertRoot = `
		INSERT INTO root_tables (ref, domain, chain, prio, created_at)
		VALUES (?, ?, ?, ?, ?)`
	if err := prepare(ctx, db, &s.insertRoot, "InsertRoot", sqlInsertRoot); err != nil {
		return err
	}

	const sqlDeleteRoot = "DELETE FROM root_tables WHERE ref = ?"
	if err := prepare(ctx, db, &s.deleteRoot, "DeleteRoot", sqlDeleteRoot); err != nil {
		return err
	}

	const sqlCountRoots = "SELECT COUNT(*) FROM root_tables"
	return prepare(ctx, db, &s.countRoots, "CountRoots", sqlCountRoots)
}

func (s *statements) prepareEntryStatements(ctx context.Context, db *sql.DB) error {
	const sqlInsertEntry = `
		INSERT INTO flow_entries
		(ref, cookie, segment, role, tbl, root, chain, prio, flags, dests, goto_chain,
		 next_ref, true_ref, false_ref, rewrite_id, counter_id, queue_pair_id, mapping_id,
		 match_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if err := prepare(ctx, db, &s.insertEntry, "InsertEntry", sqlInsertEntry); err != nil {
		return err
	}

	const sqlDeleteEntry = "DELETE FROM flow_entries WHERE ref = ?"
	if err := prepare(ctx, db, &s.deleteEntry, "DeleteEntry", sqlDeleteEntry); err != nil {
		return err
	}

	const sqlCountEntries = "SELECT COUNT(*) FROM flow_entries"
	if err := prepare(ctx, db, &s.countEntries, "CountEntries", sqlCountEntries); err != nil {
		return err
	}

	const sqlListEntries = `
		SELECT ref, cookie, segment, role, tbl, flags, dests,
		       COALESCE(next_ref, ''), COALESCE(true_ref, ''), COALESCE(false_ref, ''),
		       COALESCE(rewrite_id, 0), COALESCE(counter_id, 0)
		FROM flow_entries
		ORDER BY cookie, segment, tbl`
	return prepare(ctx, db, &s.listEntries, "ListEntries", sqlListEntries)
}

func (s *statements) prepareCounterStatements(ctx context.Context, db *sql.DB) error {
	if err := prepare(ctx, db, &s.insertCounter, "InsertCounter", "INSERT INTO counters DEFAULT VALUES"); err != nil {
		return err
	}
	if err := prepare(ctx, db, &s.deleteCounter, "DeleteCounter", "DELETE FROM counters WHERE id = ?"); err != nil {
		return err
	}
	if err := prepare(ctx, db, &s.countCounters, "CountCounters", "SELECT COUNT(*) FROM counters"); err != nil {
		return err
	}
	if err := prepare(ctx, db, &s.readCounter, "ReadCounter",
		"SELECT packets, bytes, last_used FROM counters WHERE id = ?"); err != nil {
		return err
	}

	const sqlBumpCounter = `
		UPDATE counters
		SET packets = packets + ?, bytes = bytes + ?, last_used = ?
		WHERE id = ?`
	return prepare(ctx, db, &s.bumpCounter, "BumpCounter", sqlBumpCounter)
}

func (s *statements) prepareObjectStatements(ctx context.Context, db *sql.DB) error {
	steps := []struct {
		dst   **sql.Stmt
		name  string
		query string
	}{
		{&s.insertRewrite, "InsertRewrite", "INSERT INTO rewrites (fields) VALUES (?)"},
		{&s.deleteRewrite, "DeleteRewrite", "DELETE FROM rewrites WHERE id = ?"},
		{&s.countRewrites, "CountRewrites", "SELECT COUNT(*) FROM rewrites"},
		{&s.insertQueuePair, "InsertQueuePair", "INSERT INTO queue_pairs (peer_port, prio) VALUES (?, ?)"},
		{&s.deleteQueuePair, "DeleteQueuePair", "DELETE FROM queue_pairs WHERE id = ?"},
		{&s.countQueuePairs, "CountQueuePairs", "SELECT COUNT(*) FROM queue_pairs"},
		{&s.insertMapping, "InsertMapping", "INSERT INTO mappings (tunnel_id, remote) VALUES (?, ?)"},
		{&s.deleteMapping, "DeleteMapping", "DELETE FROM mappings WHERE id = ?"},
		{&s.countMappings, "CountMappings", "SELECT COUNT(*) FROM mappings"},
	}
	for _, st := range steps {
		if err := prepare(ctx, db, st.dst, st.name, st.query); err != nil {
			return err
		}
	}
	return nil
}
