package sqlstash

import (
	"context"
	"database/sql"
	"fmt"
	"iter"
)

// KeyValue is a persistent map from keys to single values.
//
// Layout mirrors KeySet with a value column. Writes are REPLACE upserts, so
// re-inserting a key overwrites its value; Reconcile's merge is likewise a
// REPLACE, so a key surviving the purge still picks up its new value.
type KeyValue[K, V any] struct {
	sess   *Session
	kcodec colCodec[K]
	vcodec colCodec[V]
	table  string

	insert *stmt
	get    *stmt
	remove *stmt
	clear  *stmt
	load   *stmt
	count  *stmt

	stageClear  *stmt
	stageInsert *stmt
	purge       *stmt
	merge       *stmt
}

// NewKeyValue attaches a key-value store to sess, under the configured table
// name or "kv_store" when none is set.
func NewKeyValue[K, V any](ctx context.Context, sess *Session) (*KeyValue[K, V], error) {
	kcodec, err := newColCodec[K]()
	if err != nil {
		return nil, classify("keyvalue", fmt.Errorf("key: %w", err))
	}
	vcodec, err := newColCodec[V]()
	if err != nil {
		return nil, classify("keyvalue", fmt.Errorf("value: %w", err))
	}
	kv := &KeyValue[K, V]{sess: sess, kcodec: kcodec, vcodec: vcodec}
	if err := sess.register(ctx, kv.init); err != nil {
		return nil, classify("keyvalue", err)
	}
	return kv, nil
}

func (kv *KeyValue[K, V]) init(ctx context.Context) error {
	s := kv.sess
	kv.table = s.cfg.tableName("kv_store")
	kaff, vaff := kv.kcodec.affinity(), kv.vcodec.affinity()

	ddl := []string{
		fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (key %s PRIMARY KEY NOT NULL, value %s NOT NULL) WITHOUT ROWID",
			kv.table, kaff, vaff),
		fmt.Sprintf("CREATE TEMPORARY TABLE IF NOT EXISTS %s_staging (key %s PRIMARY KEY NOT NULL, value %s NOT NULL) WITHOUT ROWID",
			kv.table, kaff, vaff),
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
	t := kv.table
	kv.insert = prep("REPLACE INTO %s (key, value) VALUES (?, ?)", t)
	kv.get = prep("SELECT value FROM %s WHERE key = ?", t)
	kv.remove = prep("DELETE FROM %s WHERE key = ?", t)
	kv.clear = prep("DELETE FROM %s", t)
	kv.load = prep("SELECT key, value FROM %s", t)
	kv.count = prep("SELECT COUNT(*) FROM %s", t)
	kv.stageInsert = prep("REPLACE INTO %s_staging (key, value) VALUES (?, ?)", t)
	kv.stageClear = prep("DELETE FROM %s_staging", t)
	kv.purge = prep("DELETE FROM %s WHERE key NOT IN (SELECT key FROM %s_staging)", t, t)
	kv.merge = prep("REPLACE INTO %s SELECT key, value FROM %s_staging", t, t)
	return err
}

func (kv *KeyValue[K, V]) ready() error {
	if kv.sess.db == nil || kv.insert == nil {
		return ErrNotConnected
	}
	return nil
}

func (kv *KeyValue[K, V]) encodePair(key K, value V) (any, any, error) {
	kcell, err := kv.kcodec.encode(key)
	if err != nil {
		return nil, nil, err
	}
	vcell, err := kv.vcodec.encode(value)
	if err != nil {
		return nil, nil, err
	}
	return kcell, vcell, nil
}

// Insert sets key to value, overwriting any previous value.
func (kv *KeyValue[K, V]) Insert(ctx context.Context, key K, value V) error {
	kcell, vcell, err := kv.encodePair(key, value)
	if err != nil {
		return classify("insert", err)
	}
	kv.sess.mu.Lock()
	defer kv.sess.mu.Unlock()
	if err := kv.ready(); err != nil {
		return classify("insert", err)
	}
	return classify("insert", kv.insert.exec(ctx, kcell, vcell))
}

// Find returns the value stored under key, and whether the key is present.
func (kv *KeyValue[K, V]) Find(ctx context.Context, key K) (V, bool, error) {
	var zero V
	kcell, err := kv.kcodec.encode(key)
	if err != nil {
		return zero, false, classify("find", err)
	}
	kv.sess.mu.Lock()
	defer kv.sess.mu.Unlock()
	if err := kv.ready(); err != nil {
		return zero, false, classify("find", err)
	}
	cell, ok, err := kv.get.queryCell(ctx, kcell)
	if err != nil {
		return zero, false, classify("find", err)
	}
	if !ok {
		return zero, false, nil
	}
	v, err := kv.vcodec.decode(cell)
	if err != nil {
		return zero, false, classify("find", err)
	}
	return v, true, nil
}

// Remove deletes key and its value. Removing an absent key is a no-op.
func (kv *KeyValue[K, V]) Remove(ctx context.Context, key K) error {
	kcell, err := kv.kcodec.encode(key)
	if err != nil {
		return classify("remove", err)
	}
	kv.sess.mu.Lock()
	defer kv.sess.mu.Unlock()
	if err := kv.ready(); err != nil {
		return classify("remove", err)
	}
	return classify("remove", kv.remove.exec(ctx, kcell))
}

// Clear deletes every entry.
func (kv *KeyValue[K, V]) Clear(ctx context.Context) error {
	kv.sess.mu.Lock()
	defer kv.sess.mu.Unlock()
	if err := kv.ready(); err != nil {
		return classify("clear", err)
	}
	return classify("clear", kv.clear.exec(ctx))
}

// Count returns the number of entries.
func (kv *KeyValue[K, V]) Count(ctx context.Context) (int64, error) {
	kv.sess.mu.Lock()
	defer kv.sess.mu.Unlock()
	if err := kv.ready(); err != nil {
		return 0, classify("count", err)
	}
	cell, _, err := kv.count.queryCell(ctx)
	if err != nil {
		return 0, classify("count", err)
	}
	n, _ := cellInt64(cell)
	return n, nil
}

// Empty reports whether the store holds no entries.
func (kv *KeyValue[K, V]) Empty(ctx context.Context) (bool, error) {
	n, err := kv.Count(ctx)
	return n == 0, err
}

// Load streams every entry into col.
func (kv *KeyValue[K, V]) Load(ctx context.Context, col PairCollector[K, V]) error {
	kv.sess.mu.Lock()
	defer kv.sess.mu.Unlock()
	if err := kv.ready(); err != nil {
		return classify("load", err)
	}
	return classify("load", kv.loadLocked(ctx, col))
}

// LoadTx is Load inside a transaction of the given mode.
func (kv *KeyValue[K, V]) LoadTx(ctx context.Context, mode TxMode, col PairCollector[K, V]) error {
	kv.sess.mu.Lock()
	defer kv.sess.mu.Unlock()
	if err := kv.ready(); err != nil {
		return classify("load", err)
	}
	return kv.sess.inTxLocked(ctx, mode, func(ctx context.Context) error {
		return classify("load", kv.loadLocked(ctx, col))
	})
}

func (kv *KeyValue[K, V]) loadLocked(ctx context.Context, col PairCollector[K, V]) error {
	return kv.load.query(ctx, col.Reset, func(rows *sql.Rows) error {
		var kcell, vcell any
		if err := rows.Scan(&kcell, &vcell); err != nil {
			return err
		}
		k, err := kv.kcodec.decode(kcell)
		if err != nil {
			return err
		}
		v, err := kv.vcodec.decode(vcell)
		if err != nil {
			return err
		}
		col.CollectPair(k, v)
		return nil
	})
}

// Append upserts every pair from seq, leaving keys outside seq untouched.
// The whole sequence applies in one transaction.
func (kv *KeyValue[K, V]) Append(ctx context.Context, seq iter.Seq2[K, V]) error {
	return kv.AppendTx(ctx, kv.sess.Config().DefaultTxMode, seq)
}

// AppendTx is Append with an explicit transaction mode.
func (kv *KeyValue[K, V]) AppendTx(ctx context.Context, mode TxMode, seq iter.Seq2[K, V]) error {
	kv.sess.mu.Lock()
	defer kv.sess.mu.Unlock()
	if err := kv.ready(); err != nil {
		return classify("append", err)
	}
	return kv.sess.inTxLocked(ctx, mode, func(ctx context.Context) error {
		for k, v := range seq {
			kcell, vcell, err := kv.encodePair(k, v)
			if err != nil {
				return classify("append", err)
			}
			if err := kv.insert.exec(ctx, kcell, vcell); err != nil {
				return classify("append", err)
			}
		}
		return nil
	})
}

// Reconcile makes the stored map equal to seq. Keys absent from seq are
// purged; keys present pick up seq's value via REPLACE. When seq repeats a
// key the last value wins. An empty sequence empties the store.
func (kv *KeyValue[K, V]) Reconcile(ctx context.Context, seq iter.Seq2[K, V]) error {
	return kv.ReconcileTx(ctx, kv.sess.Config().DefaultTxMode, seq)
}

// ReconcileTx is Reconcile with an explicit transaction mode.
func (kv *KeyValue[K, V]) ReconcileTx(ctx context.Context, mode TxMode, seq iter.Seq2[K, V]) error {
	kv.sess.mu.Lock()
	defer kv.sess.mu.Unlock()
	if err := kv.ready(); err != nil {
		return classify("reconcile", err)
	}
	return kv.sess.inTxLocked(ctx, mode, func(ctx context.Context) error {
		if err := kv.stageClear.exec(ctx); err != nil {
			return classify("reconcile", err)
		}
		for k, v := range seq {
			kcell, vcell, err := kv.encodePair(k, v)
			if err != nil {
				return classify("reconcile", err)
			}
			if err := kv.stageInsert.exec(ctx, kcell, vcell); err != nil {
				return classify("reconcile", err)
			}
		}
		for _, st := range []*stmt{kv.purge, kv.merge, kv.stageClear} {
			if err := st.exec(ctx); err != nil {
				return classify("reconcile", err)
			}
		}
		return nil
	})
}

// MapOf loads the whole store into a map.
func MapOf[K comparable, V any](ctx context.Context, kv *KeyValue[K, V]) (map[K]V, error) {
	var mm Multimap[K, V]
	if err := kv.Load(ctx, &mm); err != nil {
		return nil, err
	}
	out := make(map[K]V, len(mm.Items))
	for k, vs := range mm.Items {
		out[k] = vs[len(vs)-1]
	}
	return out, nil
}
