package sqlstash

import (
	"context"
	"database/sql"
	"fmt"
	"iter"
)

// KeySet is a persistent set of keys of one column type.
//
// The set lives in a single table with the key as primary key. Reconcile
// uses a TEMP staging table on the session's connection, so the whole
// desired set is visible to the purge and merge statements without building
// it in memory.
type KeySet[K any] struct {
	sess  *Session
	codec colCodec[K]
	table string

	insert *stmt
	find   *stmt
	remove *stmt
	clear  *stmt
	load   *stmt
	count  *stmt

	stageClear  *stmt
	stageInsert *stmt
	purge       *stmt
	merge       *stmt
}

// NewKeySet attaches a key set to sess, under the configured table name or
// "key_store" when none is set. The schema is created when the session
// connects, or immediately if it already has.
func NewKeySet[K any](ctx context.Context, sess *Session) (*KeySet[K], error) {
	codec, err := newColCodec[K]()
	if err != nil {
		return nil, classify("keyset", err)
	}
	ks := &KeySet[K]{sess: sess, codec: codec}
	if err := sess.register(ctx, ks.init); err != nil {
		return nil, classify("keyset", err)
	}
	return ks, nil
}

// init creates the schema and prepares all statements. Runs under the
// session mutex on every connect.
func (ks *KeySet[K]) init(ctx context.Context) error {
	s := ks.sess
	ks.table = s.cfg.tableName("key_store")
	aff := ks.codec.affinity()

	ddl := []string{
		fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (key %s PRIMARY KEY NOT NULL) WITHOUT ROWID",
			ks.table, aff),
		fmt.Sprintf("CREATE TEMPORARY TABLE IF NOT EXISTS %s_staging (key %s PRIMARY KEY NOT NULL) WITHOUT ROWID",
			ks.table, aff),
	}
	for _, q := range ddl {
		if err := s.execRawLocked(ctx, q); err != nil {
			return err
		}
	}

	var err error
	prep := func(format string, args ...any) *stmt {
		if err != nil {
			return nil
		}
		var st *stmt
		st, err = s.prepareLocked(ctx, fmt.Sprintf(format, args...))
		return st
	}
	t := ks.table
	ks.insert = prep("INSERT OR IGNORE INTO %s (key) VALUES (?)", t)
	ks.find = prep("SELECT EXISTS(SELECT 1 FROM %s WHERE key = ?)", t)
	ks.remove = prep("DELETE FROM %s WHERE key = ?", t)
	ks.clear = prep("DELETE FROM %s", t)
	ks.load = prep("SELECT key FROM %s", t)
	ks.count = prep("SELECT COUNT(*) FROM %s", t)
	ks.stageInsert = prep("INSERT OR IGNORE INTO %s_staging (key) VALUES (?)", t)
	ks.stageClear = prep("DELETE FROM %s_staging", t)
	ks.purge = prep("DELETE FROM %s WHERE key NOT IN (SELECT key FROM %s_staging)", t, t)
	ks.merge = prep("INSERT OR IGNORE INTO %s SELECT key FROM %s_staging", t, t)
	return err
}

func (ks *KeySet[K]) ready() error {
	if ks.sess.db == nil || ks.insert == nil {
		return ErrNotConnected
	}
	return nil
}

// Insert adds key to the set. Inserting a present key is a no-op.
func (ks *KeySet[K]) Insert(ctx context.Context, key K) error {
	cell, err := ks.codec.encode(key)
	if err != nil {
		return classify("insert", err)
	}
	ks.sess.mu.Lock()
	defer ks.sess.mu.Unlock()
	if err := ks.ready(); err != nil {
		return classify("insert", err)
	}
	return classify("insert", ks.insert.exec(ctx, cell))
}

// Find reports whether key is in the set.
func (ks *KeySet[K]) Find(ctx context.Context, key K) (bool, error) {
	cell, err := ks.codec.encode(key)
	if err != nil {
		return false, classify("find", err)
	}
	ks.sess.mu.Lock()
	defer ks.sess.mu.Unlock()
	if err := ks.ready(); err != nil {
		return false, classify("find", err)
	}
	out, ok, err := ks.find.queryCell(ctx, cell)
	if err != nil {
		return false, classify("find", err)
	}
	if !ok {
		return false, nil
	}
	n, _ := cellInt64(out)
	return n != 0, nil
}

// Remove deletes key from the set. Removing an absent key is a no-op.
func (ks *KeySet[K]) Remove(ctx context.Context, key K) error {
	cell, err := ks.codec.encode(key)
	if err != nil {
		return classify("remove", err)
	}
	ks.sess.mu.Lock()
	defer ks.sess.mu.Unlock()
	if err := ks.ready(); err != nil {
		return classify("remove", err)
	}
	return classify("remove", ks.remove.exec(ctx, cell))
}

// Clear deletes every key.
func (ks *KeySet[K]) Clear(ctx context.Context) error {
	ks.sess.mu.Lock()
	defer ks.sess.mu.Unlock()
	if err := ks.ready(); err != nil {
		return classify("clear", err)
	}
	return classify("clear", ks.clear.exec(ctx))
}

// Count returns the number of keys.
func (ks *KeySet[K]) Count(ctx context.Context) (int64, error) {
	ks.sess.mu.Lock()
	defer ks.sess.mu.Unlock()
	if err := ks.ready(); err != nil {
		return 0, classify("count", err)
	}
	cell, _, err := ks.count.queryCell(ctx)
	if err != nil {
		return 0, classify("count", err)
	}
	n, _ := cellInt64(cell)
	return n, nil
}

// Empty reports whether the set holds no keys.
func (ks *KeySet[K]) Empty(ctx context.Context) (bool, error) {
	n, err := ks.Count(ctx)
	return n == 0, err
}

// Load streams every key into col.
func (ks *KeySet[K]) Load(ctx context.Context, col Collector[K]) error {
	ks.sess.mu.Lock()
	defer ks.sess.mu.Unlock()
	if err := ks.ready(); err != nil {
		return classify("load", err)
	}
	return classify("load", ks.loadLocked(ctx, col))
}

// LoadTx is Load inside a transaction of the given mode, for a consistent
// snapshot under concurrent writers.
func (ks *KeySet[K]) LoadTx(ctx context.Context, mode TxMode, col Collector[K]) error {
	ks.sess.mu.Lock()
	defer ks.sess.mu.Unlock()
	if err := ks.ready(); err != nil {
		return classify("load", err)
	}
	return ks.sess.inTxLocked(ctx, mode, func(ctx context.Context) error {
		return classify("load", ks.loadLocked(ctx, col))
	})
}

func (ks *KeySet[K]) loadLocked(ctx context.Context, col Collector[K]) error {
	return ks.load.query(ctx, col.Reset, func(rows *sql.Rows) error {
		var cell any
		if err := rows.Scan(&cell); err != nil {
			return err
		}
		k, err := ks.codec.decode(cell)
		if err != nil {
			return err
		}
		col.Collect(k)
		return nil
	})
}

// Keys returns every key, in storage order.
func (ks *KeySet[K]) Keys(ctx context.Context) ([]K, error) {
	var bag Bag[K]
	if err := ks.Load(ctx, &bag); err != nil {
		return nil, err
	}
	return bag.Items, nil
}

// Append inserts every key from seq, leaving keys outside seq untouched.
// The whole sequence applies in one transaction.
func (ks *KeySet[K]) Append(ctx context.Context, seq iter.Seq[K]) error {
	return ks.AppendTx(ctx, ks.sess.Config().DefaultTxMode, seq)
}

// AppendTx is Append with an explicit transaction mode.
func (ks *KeySet[K]) AppendTx(ctx context.Context, mode TxMode, seq iter.Seq[K]) error {
	ks.sess.mu.Lock()
	defer ks.sess.mu.Unlock()
	if err := ks.ready(); err != nil {
		return classify("append", err)
	}
	return ks.sess.inTxLocked(ctx, mode, func(ctx context.Context) error {
		for k := range seq {
			cell, err := ks.codec.encode(k)
			if err != nil {
				return classify("append", err)
			}
			if err := ks.insert.exec(ctx, cell); err != nil {
				return classify("append", err)
			}
		}
		return nil
	})
}

// Reconcile makes the stored set equal to seq: the sequence is staged into
// the TEMP table, keys absent from it are purged, staged keys are merged in,
// and staging is cleared. An empty sequence empties the store. Atomic, and
// idempotent for a fixed seq.
func (ks *KeySet[K]) Reconcile(ctx context.Context, seq iter.Seq[K]) error {
	return ks.ReconcileTx(ctx, ks.sess.Config().DefaultTxMode, seq)
}

// ReconcileTx is Reconcile with an explicit transaction mode.
func (ks *KeySet[K]) ReconcileTx(ctx context.Context, mode TxMode, seq iter.Seq[K]) error {
	ks.sess.mu.Lock()
	defer ks.sess.mu.Unlock()
	if err := ks.ready(); err != nil {
		return classify("reconcile", err)
	}
	return ks.sess.inTxLocked(ctx, mode, func(ctx context.Context) error {
		if err := ks.stageClear.exec(ctx); err != nil {
			return classify("reconcile", err)
		}
		for k := range seq {
			cell, err := ks.codec.encode(k)
			if err != nil {
				return classify("reconcile", err)
			}
			if err := ks.stageInsert.exec(ctx, cell); err != nil {
				return classify("reconcile", err)
			}
		}
		for _, st := range []*stmt{ks.purge, ks.merge, ks.stageClear} {
			if err := st.exec(ctx); err != nil {
				return classify("reconcile", err)
			}
		}
		return nil
	})
}
