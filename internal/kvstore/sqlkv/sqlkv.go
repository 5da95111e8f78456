// Package sqlkv is a kv.Store backed by a single MySQL table: proof that the
// engine's KV contract (§6.5) is truly backend-agnostic, not just satisfied
// by the in-memory test double. It talks to MySQL through
// database/sql + github.com/go-sql-driver/mysql, the same driver the
// teacher's apply package uses to reach a live database.
package sqlkv

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"regexp"
	"sort"
	"time"

	"github.com/permazen/permazen-sub003/internal/kv"
)

var identRE = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Store is a kv.Store backed by a MySQL table of the form
// (k VARBINARY(3072) PRIMARY KEY, v LONGBLOB NOT NULL).
type Store struct {
	db    *sql.DB
	table string
}

// Open wraps an already-connected *sql.DB, using table (created if absent)
// as the key/value table.
func Open(ctx context.Context, db *sql.DB, table string) (*Store, error) {
	if !identRE.MatchString(table) {
		return nil, fmt.Errorf("sqlkv: invalid table name %q", table)
	}
	s := &Store{db: db, table: table}
	ddl := fmt.Sprintf("CREATE TABLE IF NOT EXISTS `%s` (k VARBINARY(3072) PRIMARY KEY, v LONGBLOB NOT NULL)", table)
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		return nil, fmt.Errorf("sqlkv: creating table %s: %w", table, err)
	}
	return s, nil
}

// Begin starts a new read/write transaction using MySQL's own
// REPEATABLE READ isolation.
func (s *Store) Begin(ctx context.Context) (kv.Tx, error) {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlkv: beginning transaction: %w", err)
	}
	return &tx{store: s, sqlTx: sqlTx}, nil
}

// ReadOnlySnapshot is unsupported: MySQL's consistent-snapshot isolation is
// scoped to a session, not exposed cleanly through database/sql's pooled
// connections, so Store reports no snapshot support rather than fake one.
func (s *Store) ReadOnlySnapshot(ctx context.Context) (kv.Tx, bool, error) {
	return nil, false, nil
}

type tx struct {
	store    *Store
	sqlTx    *sql.Tx
	readOnly bool
	ended    bool
}

func (t *tx) table() string { return t.store.table }

func (t *tx) Get(ctx context.Context, key []byte) ([]byte, bool, error) {
	row := t.sqlTx.QueryRowContext(ctx, fmt.Sprintf("SELECT v FROM `%s` WHERE k = ?", t.table()), key)
	var v []byte
	if err := row.Scan(&v); err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("sqlkv: get: %w", err)
	}
	return v, true, nil
}

func (t *tx) Put(ctx context.Context, key, value []byte) error {
	q := fmt.Sprintf("INSERT INTO `%s` (k, v) VALUES (?, ?) ON DUPLICATE KEY UPDATE v = VALUES(v)", t.table())
	if _, err := t.sqlTx.ExecContext(ctx, q, key, value); err != nil {
		return fmt.Errorf("sqlkv: put: %w", err)
	}
	return nil
}

func (t *tx) Remove(ctx context.Context, key []byte) error {
	q := fmt.Sprintf("DELETE FROM `%s` WHERE k = ?", t.table())
	if _, err := t.sqlTx.ExecContext(ctx, q, key); err != nil {
		return fmt.Errorf("sqlkv: remove: %w", err)
	}
	return nil
}

func (t *tx) RemoveRange(ctx context.Context, lo, hi []byte) error {
	q, args := t.rangeWhere(lo, hi)
	if _, err := t.sqlTx.ExecContext(ctx, fmt.Sprintf("DELETE FROM `%s` WHERE %s", t.table(), q), args...); err != nil {
		return fmt.Errorf("sqlkv: remove range: %w", err)
	}
	return nil
}

// rangeWhere builds a "k >= ? [AND k < ?]" clause; hi == nil means no upper
// bound, matching kv.Tx's documented convention.
func (t *tx) rangeWhere(lo, hi []byte) (string, []any) {
	clause := "k >= ?"
	args := []any{lo}
	if hi != nil {
		clause += " AND k < ?"
		args = append(args, hi)
	}
	return clause, args
}

func (t *tx) GetAtLeast(ctx context.Context, k, maxPrefix []byte) (kv.KeyValue, bool, error) {
	where, args := t.rangeWhere(k, maxPrefix)
	q := fmt.Sprintf("SELECT k, v FROM `%s` WHERE %s ORDER BY k ASC LIMIT 1", t.table(), where)
	return t.queryOne(ctx, q, args)
}

func (t *tx) GetAtMost(ctx context.Context, k, maxPrefix []byte) (kv.KeyValue, bool, error) {
	upper := append(append([]byte(nil), k...), 0x00)
	where, args := t.rangeWhere(maxPrefix, upper)
	q := fmt.Sprintf("SELECT k, v FROM `%s` WHERE %s ORDER BY k DESC LIMIT 1", t.table(), where)
	return t.queryOne(ctx, q, args)
}

func (t *tx) queryOne(ctx context.Context, q string, args []any) (kv.KeyValue, bool, error) {
	row := t.sqlTx.QueryRowContext(ctx, q, args...)
	var kv_ kv.KeyValue
	if err := row.Scan(&kv_.Key, &kv_.Value); err != nil {
		if err == sql.ErrNoRows {
			return kv.KeyValue{}, false, nil
		}
		return kv.KeyValue{}, false, fmt.Errorf("sqlkv: query: %w", err)
	}
	return kv_, true, nil
}

type sqlIterator struct {
	rows []kv.KeyValue
	pos  int
}

func (it *sqlIterator) Next() bool {
	it.pos++
	return it.pos < len(it.rows)
}
func (it *sqlIterator) KeyValue() kv.KeyValue { return it.rows[it.pos] }
func (it *sqlIterator) Err() error            { return nil }
func (it *sqlIterator) Close() error          { return nil }

// GetRange materializes the whole [lo, hi) range up front: database/sql
// result sets don't compose well with the rest of a transaction sharing one
// *sql.Tx connection, so the iterator buffers rather than streams.
func (t *tx) GetRange(ctx context.Context, lo, hi []byte, reverse bool) (kv.Iterator, error) {
	where, args := t.rangeWhere(lo, hi)
	order := "ASC"
	if reverse {
		order = "DESC"
	}
	q := fmt.Sprintf("SELECT k, v FROM `%s` WHERE %s ORDER BY k %s", t.table(), where, order)
	rows, err := t.sqlTx.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlkv: get range: %w", err)
	}
	defer rows.Close()
	var out []kv.KeyValue
	for rows.Next() {
		var kvPair kv.KeyValue
		if err := rows.Scan(&kvPair.Key, &kvPair.Value); err != nil {
			return nil, fmt.Errorf("sqlkv: scanning range row: %w", err)
		}
		out = append(out, kvPair)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlkv: iterating range: %w", err)
	}
	// MySQL's binary collation already orders VARBINARY lexicographically,
	// but re-sort defensively so callers never depend on driver behavior.
	sort.Slice(out, func(i, j int) bool {
		c := bytes.Compare(out[i].Key, out[j].Key)
		if reverse {
			return c > 0
		}
		return c < 0
	})
	return &sqlIterator{rows: out, pos: -1}, nil
}

// EncodeCounter/DecodeCounter use the same big-endian int64 layout as
// memkv, so a schema migrated between the two backends reads identically.
func (t *tx) EncodeCounter(v int64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(v))
	return b[:]
}

func (t *tx) DecodeCounter(b []byte) (int64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("sqlkv: invalid counter encoding length %d", len(b))
	}
	return int64(binary.BigEndian.Uint64(b)), nil
}

// AdjustCounter reads, adds, and writes back within the enclosing MySQL
// transaction; MySQL's REPEATABLE READ plus the transaction's row locks
// (acquired by the SELECT ... FOR UPDATE below) give it the same
// no-lost-update guarantee memkv gets for free from its single-writer
// model.
func (t *tx) AdjustCounter(ctx context.Context, key []byte, delta int64) (int64, error) {
	row := t.sqlTx.QueryRowContext(ctx, fmt.Sprintf("SELECT v FROM `%s` WHERE k = ? FOR UPDATE", t.table()), key)
	var cur int64
	var v []byte
	switch err := row.Scan(&v); err {
	case nil:
		cur, err = t.DecodeCounter(v)
		if err != nil {
			return 0, err
		}
	case sql.ErrNoRows:
		cur = 0
	default:
		return 0, fmt.Errorf("sqlkv: adjust counter: %w", err)
	}
	cur += delta
	if err := t.Put(ctx, key, t.EncodeCounter(cur)); err != nil {
		return 0, err
	}
	return cur, nil
}

func (t *tx) Commit(ctx context.Context) error {
	t.ended = true
	if t.readOnly {
		return t.sqlTx.Rollback()
	}
	if err := t.sqlTx.Commit(); err != nil {
		return fmt.Errorf("sqlkv: commit: %w", err)
	}
	return nil
}

func (t *tx) Rollback(ctx context.Context) error {
	t.ended = true
	if err := t.sqlTx.Rollback(); err != nil && err != sql.ErrTxDone {
		return fmt.Errorf("sqlkv: rollback: %w", err)
	}
	return nil
}

func (t *tx) SetTimeout(d time.Duration) {}

func (t *tx) SetReadOnly(ro bool) { t.readOnly = ro }

func (t *tx) IsReadOnly() bool { return t.readOnly }
