package sqlstash

import (
	"context"
	"database/sql"
	"fmt"
	"iter"
)

// KeyMultiValue is a persistent many-to-many association between keys and
// values, with a multiplicity count per (key, value) pair.
//
// Keys and values are interned into their own tables; the association table
// references both by row id with cascading deletes, and carries value_count
// for pairs stored more than once. Reconcile stages desired keys, values and
// pairs into TEMP tables, purges everything absent from them, and rewrites
// the surviving multiplicities.
type KeyMultiValue[K, V any] struct {
	sess   *Session
	kcodec colCodec[K]
	vcodec colCodec[V]
	root   string

	insertKey   *stmt
	insertValue *stmt
	insertAssoc *stmt
	keyID       *stmt
	valueID     *stmt

	getCount   *stmt
	getCountKV *stmt
	setCount   *stmt
	setCountKV *stmt
	removePair *stmt
	removeKey  *stmt

	load     *stmt
	find     *stmt
	findKey  *stmt
	countKey *stmt

	clearKeys   *stmt
	clearValues *stmt
	clearAssoc  *stmt

	stageKey    *stmt
	stageValue  *stmt
	stagePair   *stmt
	purgeKeys   *stmt
	purgeValues *stmt
	purgePairs  *stmt
	stageClear  []*stmt
}

// NewKeyMultiValue attaches a key-multivalue store to sess. Tables are named
// <root>_keys, <root>_values and <root>_assoc, with root from the configured
// table name or "kmv_store".
func NewKeyMultiValue[K, V any](ctx context.Context, sess *Session) (*KeyMultiValue[K, V], error) {
	kcodec, err := newColCodec[K]()
	if err != nil {
		return nil, classify("multivalue", fmt.Errorf("key: %w", err))
	}
	vcodec, err := newColCodec[V]()
	if err != nil {
		return nil, classify("multivalue", fmt.Errorf("value: %w", err))
	}
	mv := &KeyMultiValue[K, V]{sess: sess, kcodec: kcodec, vcodec: vcodec}
	if err := sess.register(ctx, mv.init); err != nil {
		return nil, classify("multivalue", err)
	}
	return mv, nil
}

func (mv *KeyMultiValue[K, V]) init(ctx context.Context) error {
	s := mv.sess
	mv.root = s.cfg.tableName("kmv_store")
	kaff, vaff := mv.kcodec.affinity(), mv.vcodec.affinity()

	tk := mv.root + "_keys"
	tv := mv.root + "_values"
	ta := mv.root + "_assoc"
	sk := mv.root + "_staging_keys"
	sv := mv.root + "_staging_values"
	sp := mv.root + "_staging_pairs"

	ddl := []string{
		fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (id INTEGER PRIMARY KEY AUTOINCREMENT, key %s NOT NULL UNIQUE)",
			tk, kaff),
		fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (id INTEGER PRIMARY KEY AUTOINCREMENT, value %s NOT NULL UNIQUE)",
			tv, vaff),
		fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s ("+
			"key_id INTEGER NOT NULL, "+
			"value_id INTEGER NOT NULL, "+
			"value_count INTEGER DEFAULT 1, "+
			"FOREIGN KEY(key_id) REFERENCES %s(id) ON DELETE CASCADE, "+
			"FOREIGN KEY(value_id) REFERENCES %s(id) ON DELETE CASCADE, "+
			"PRIMARY KEY (key_id, value_id))",
			ta, tk, tv),
		fmt.Sprintf("CREATE TEMPORARY TABLE IF NOT EXISTS %s (key %s PRIMARY KEY NOT NULL) WITHOUT ROWID",
			sk, kaff),
		fmt.Sprintf("CREATE TEMPORARY TABLE IF NOT EXISTS %s (value %s PRIMARY KEY NOT NULL) WITHOUT ROWID",
			sv, vaff),
		fmt.Sprintf("CREATE TEMPORARY TABLE IF NOT EXISTS %s (key %s NOT NULL, value %s NOT NULL, PRIMARY KEY (key, value)) WITHOUT ROWID",
			sp, kaff, vaff),
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
	mv.insertKey = prep("INSERT OR IGNORE INTO %s (key) VALUES (?)", tk)
	mv.insertValue = prep("INSERT OR IGNORE INTO %s (value) VALUES (?)", tv)
	mv.insertAssoc = prep("INSERT INTO %s (key_id, value_id) VALUES (?, ?)", ta)
	mv.keyID = prep("SELECT id FROM %s WHERE key = ?", tk)
	mv.valueID = prep("SELECT id FROM %s WHERE value = ?", tv)

	mv.getCount = prep("SELECT value_count FROM %s WHERE key_id = ? AND value_id = ?", ta)
	mv.getCountKV = prep(
		"SELECT value_count FROM %s WHERE key_id = (SELECT id FROM %s WHERE key = ?) "+
			"AND value_id = (SELECT id FROM %s WHERE value = ?)", ta, tk, tv)
	mv.setCount = prep("UPDATE %s SET value_count = ? WHERE key_id = ? AND value_id = ?", ta)
	mv.setCountKV = prep(
		"UPDATE %s SET value_count = ? WHERE key_id = (SELECT id FROM %s WHERE key = ?) "+
			"AND value_id = (SELECT id FROM %s WHERE value = ?)", ta, tk, tv)
	mv.removePair = prep(
		"DELETE FROM %s WHERE key_id = (SELECT id FROM %s WHERE key = ?) "+
			"AND value_id = (SELECT id FROM %s WHERE value = ?)", ta, tk, tv)
	mv.removeKey = prep("DELETE FROM %s WHERE key = ?", tk)

	mv.load = prep(
		"SELECT k.key, v.value, a.value_count FROM %s k "+
			"JOIN %s a ON k.id = a.key_id JOIN %s v ON a.value_id = v.id", tk, ta, tv)
	mv.find = prep(
		"SELECT v.value, a.value_count FROM %s v "+
			"JOIN %s a ON v.id = a.value_id JOIN %s k ON a.key_id = k.id "+
			"WHERE k.key = ?", tv, ta, tk)
	mv.findKey = prep("SELECT EXISTS(SELECT 1 FROM %s WHERE key = ?)", tk)
	mv.countKey = prep("SELECT COUNT(*) FROM %s", tk)

	mv.clearKeys = prep("DELETE FROM %s", tk)
	mv.clearValues = prep("DELETE FROM %s", tv)
	mv.clearAssoc = prep("DELETE FROM %s", ta)

	mv.stageKey = prep("INSERT OR IGNORE INTO %s (key) VALUES (?)", sk)
	mv.stageValue = prep("INSERT OR IGNORE INTO %s (value) VALUES (?)", sv)
	mv.stagePair = prep("INSERT OR IGNORE INTO %s (key, value) VALUES (?, ?)", sp)
	mv.purgeKeys = prep("DELETE FROM %s WHERE key NOT IN (SELECT key FROM %s)", tk, sk)
	mv.purgeValues = prep("DELETE FROM %s WHERE value NOT IN (SELECT value FROM %s)", tv, sv)
	mv.purgePairs = prep(
		"DELETE FROM %s WHERE (key_id, value_id) NOT IN "+
			"(SELECT k.id, v.id FROM %s p JOIN %s k ON k.key = p.key JOIN %s v ON v.value = p.value)",
		ta, sp, tk, tv)
	clearSK := prep("DELETE FROM %s", sk)
	clearSV := prep("DELETE FROM %s", sv)
	clearSP := prep("DELETE FROM %s", sp)
	mv.stageClear = []*stmt{clearSK, clearSV, clearSP}
	return err
}

func (mv *KeyMultiValue[K, V]) ready() error {
	if mv.sess.db == nil || mv.insertKey == nil {
		return ErrNotConnected
	}
	return nil
}

// rowID resolves an interned row id via st, returning ok=false when absent.
func (mv *KeyMultiValue[K, V]) rowID(ctx context.Context, st *stmt, cell any) (int64, bool, error) {
	out, ok, err := st.queryCell(ctx, cell)
	if err != nil || !ok {
		return 0, false, err
	}
	id, _ := cellInt64(out)
	return id, true, nil
}

// upsertPairLocked interns key and value cells and bumps the pair's
// multiplicity, inserting the association row on first sight.
func (mv *KeyMultiValue[K, V]) upsertPairLocked(ctx context.Context, kcell, vcell any) error {
	if err := mv.insertKey.exec(ctx, kcell); err != nil {
		return err
	}
	if err := mv.insertValue.exec(ctx, vcell); err != nil {
		return err
	}
	kid, ok, err := mv.rowID(ctx, mv.keyID, kcell)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("interned key has no row id")
	}
	vid, ok, err := mv.rowID(ctx, mv.valueID, vcell)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("interned value has no row id")
	}
	out, found, err := mv.getCount.queryCell(ctx, kid, vid)
	if err != nil {
		return err
	}
	if !found {
		return mv.insertAssoc.exec(ctx, kid, vid)
	}
	n, _ := cellInt64(out)
	return mv.setCount.exec(ctx, n+1, kid, vid)
}

// Insert stores one (key, value) pair. Inserting a pair again increments its
// multiplicity. Runs in its own transaction.
func (mv *KeyMultiValue[K, V]) Insert(ctx context.Context, key K, value V) error {
	kcell, err := mv.kcodec.encode(key)
	if err != nil {
		return classify("insert", err)
	}
	vcell, err := mv.vcodec.encode(value)
	if err != nil {
		return classify("insert", err)
	}
	mv.sess.mu.Lock()
	defer mv.sess.mu.Unlock()
	if err := mv.ready(); err != nil {
		return classify("insert", err)
	}
	return mv.sess.inTxLocked(ctx, mv.sess.cfg.DefaultTxMode, func(ctx context.Context) error {
		return classify("insert", mv.upsertPairLocked(ctx, kcell, vcell))
	})
}

// Remove deletes one (key, value) association regardless of multiplicity.
// The key and value rows stay interned; absent pairs are a no-op.
func (mv *KeyMultiValue[K, V]) Remove(ctx context.Context, key K, value V) error {
	kcell, err := mv.kcodec.encode(key)
	if err != nil {
		return classify("remove", err)
	}
	vcell, err := mv.vcodec.encode(value)
	if err != nil {
		return classify("remove", err)
	}
	mv.sess.mu.Lock()
	defer mv.sess.mu.Unlock()
	if err := mv.ready(); err != nil {
		return classify("remove", err)
	}
	return classify("remove", mv.removePair.exec(ctx, kcell, vcell))
}

// RemoveKey deletes a key and, by cascade, all its associations. Values the
// key pointed at stay interned for other keys.
func (mv *KeyMultiValue[K, V]) RemoveKey(ctx context.Context, key K) error {
	kcell, err := mv.kcodec.encode(key)
	if err != nil {
		return classify("remove", err)
	}
	mv.sess.mu.Lock()
	defer mv.sess.mu.Unlock()
	if err := mv.ready(); err != nil {
		return classify("remove", err)
	}
	return classify("remove", mv.removeKey.exec(ctx, kcell))
}

// Clear deletes every key, value and association.
func (mv *KeyMultiValue[K, V]) Clear(ctx context.Context) error {
	mv.sess.mu.Lock()
	defer mv.sess.mu.Unlock()
	if err := mv.ready(); err != nil {
		return classify("clear", err)
	}
	return mv.sess.inTxLocked(ctx, mv.sess.cfg.DefaultTxMode, func(ctx context.Context) error {
		for _, st := range []*stmt{mv.clearAssoc, mv.clearKeys, mv.clearValues} {
			if err := st.exec(ctx); err != nil {
				return classify("clear", err)
			}
		}
		return nil
	})
}

// Count returns the number of distinct keys.
func (mv *KeyMultiValue[K, V]) Count(ctx context.Context) (int64, error) {
	mv.sess.mu.Lock()
	defer mv.sess.mu.Unlock()
	if err := mv.ready(); err != nil {
		return 0, classify("count", err)
	}
	cell, _, err := mv.countKey.queryCell(ctx)
	if err != nil {
		return 0, classify("count", err)
	}
	n, _ := cellInt64(cell)
	return n, nil
}

// Empty reports whether the store holds no keys.
func (mv *KeyMultiValue[K, V]) Empty(ctx context.Context) (bool, error) {
	n, err := mv.Count(ctx)
	return n == 0, err
}

// GetValueCount returns the multiplicity of a (key, value) pair, zero when
// the pair is absent.
func (mv *KeyMultiValue[K, V]) GetValueCount(ctx context.Context, key K, value V) (int64, error) {
	kcell, err := mv.kcodec.encode(key)
	if err != nil {
		return 0, classify("count", err)
	}
	vcell, err := mv.vcodec.encode(value)
	if err != nil {
		return 0, classify("count", err)
	}
	mv.sess.mu.Lock()
	defer mv.sess.mu.Unlock()
	if err := mv.ready(); err != nil {
		return 0, classify("count", err)
	}
	cell, ok, err := mv.getCountKV.queryCell(ctx, kcell, vcell)
	if err != nil {
		return 0, classify("count", err)
	}
	if !ok {
		return 0, nil
	}
	n, _ := cellInt64(cell)
	return n, nil
}

// SetValueCount sets the multiplicity of an existing pair. A count of zero
// deletes the association; setting a count on an absent pair is a no-op.
func (mv *KeyMultiValue[K, V]) SetValueCount(ctx context.Context, key K, value V, count int64) error {
	kcell, err := mv.kcodec.encode(key)
	if err != nil {
		return classify("set-count", err)
	}
	vcell, err := mv.vcodec.encode(value)
	if err != nil {
		return classify("set-count", err)
	}
	mv.sess.mu.Lock()
	defer mv.sess.mu.Unlock()
	if err := mv.ready(); err != nil {
		return classify("set-count", err)
	}
	if count <= 0 {
		return classify("set-count", mv.removePair.exec(ctx, kcell, vcell))
	}
	return classify("set-count", mv.setCountKV.exec(ctx, count, kcell, vcell))
}

// Find streams the values associated with key into col, once per unit of
// multiplicity, and reports whether the key is present. A present key may
// yield no values when all its associations have been removed. A Set
// collector collapses duplicates; a Bag or Multiset preserves the counts.
func (mv *KeyMultiValue[K, V]) Find(ctx context.Context, key K, col Collector[V]) (bool, error) {
	kcell, err := mv.kcodec.encode(key)
	if err != nil {
		return false, classify("find", err)
	}
	mv.sess.mu.Lock()
	defer mv.sess.mu.Unlock()
	if err := mv.ready(); err != nil {
		return false, classify("find", err)
	}
	err = mv.find.query(ctx, col.Reset, func(rows *sql.Rows) error {
		var vcell any
		var count int64
		if err := rows.Scan(&vcell, &count); err != nil {
			return err
		}
		v, err := mv.vcodec.decode(vcell)
		if err != nil {
			return err
		}
		for range count {
			col.Collect(v)
		}
		return nil
	}, kcell)
	if err != nil {
		return false, classify("find", err)
	}
	out, _, err := mv.findKey.queryCell(ctx, kcell)
	if err != nil {
		return false, classify("find", err)
	}
	n, _ := cellInt64(out)
	return n != 0, nil
}

// Values returns the values associated with key, multiplicities expanded.
func (mv *KeyMultiValue[K, V]) Values(ctx context.Context, key K) ([]V, error) {
	var bag Bag[V]
	if _, err := mv.Find(ctx, key, &bag); err != nil {
		return nil, err
	}
	return bag.Items, nil
}

// Load streams every (key, value) association into col, once per unit of
// multiplicity.
func (mv *KeyMultiValue[K, V]) Load(ctx context.Context, col PairCollector[K, V]) error {
	mv.sess.mu.Lock()
	defer mv.sess.mu.Unlock()
	if err := mv.ready(); err != nil {
		return classify("load", err)
	}
	return classify("load", mv.loadLocked(ctx, col))
}

// LoadTx is Load inside a transaction of the given mode.
func (mv *KeyMultiValue[K, V]) LoadTx(ctx context.Context, mode TxMode, col PairCollector[K, V]) error {
	mv.sess.mu.Lock()
	defer mv.sess.mu.Unlock()
	if err := mv.ready(); err != nil {
		return classify("load", err)
	}
	return mv.sess.inTxLocked(ctx, mode, func(ctx context.Context) error {
		return classify("load", mv.loadLocked(ctx, col))
	})
}

func (mv *KeyMultiValue[K, V]) loadLocked(ctx context.Context, col PairCollector[K, V]) error {
	return mv.load.query(ctx, col.Reset, func(rows *sql.Rows) error {
		var kcell, vcell any
		var count int64
		if err := rows.Scan(&kcell, &vcell, &count); err != nil {
			return err
		}
		k, err := mv.kcodec.decode(kcell)
		if err != nil {
			return err
		}
		v, err := mv.vcodec.decode(vcell)
		if err != nil {
			return err
		}
		for range count {
			col.CollectPair(k, v)
		}
		return nil
	})
}

// Append applies Insert semantics to every pair in seq, in one transaction:
// multiplicities of repeated pairs accumulate on top of what is stored.
func (mv *KeyMultiValue[K, V]) Append(ctx context.Context, seq iter.Seq2[K, V]) error {
	return mv.AppendTx(ctx, mv.sess.Config().DefaultTxMode, seq)
}

// AppendTx is Append with an explicit transaction mode.
func (mv *KeyMultiValue[K, V]) AppendTx(ctx context.Context, mode TxMode, seq iter.Seq2[K, V]) error {
	mv.sess.mu.Lock()
	defer mv.sess.mu.Unlock()
	if err := mv.ready(); err != nil {
		return classify("append", err)
	}
	return mv.sess.inTxLocked(ctx, mode, func(ctx context.Context) error {
		for k, v := range seq {
			kcell, err := mv.kcodec.encode(k)
			if err != nil {
				return classify("append", err)
			}
			vcell, err := mv.vcodec.encode(v)
			if err != nil {
				return classify("append", err)
			}
			if err := mv.upsertPairLocked(ctx, kcell, vcell); err != nil {
				return classify("append", err)
			}
		}
		return nil
	})
}

// pairGroup is one distinct (key, value) pair seen while reconciling, with
// its multiplicity in the source sequence.
type pairGroup struct {
	kcell, vcell any
	count        int64
	kid, vid     int64
}

// Reconcile makes the stored associations equal to seq, multiplicities
// included. Keys, values and pairs absent from seq are purged; multiplicity
// equals the pair's repetition count in seq. An empty sequence empties the
// store. Atomic, and idempotent for a fixed seq.
func (mv *KeyMultiValue[K, V]) Reconcile(ctx context.Context, seq iter.Seq2[K, V]) error {
	return mv.ReconcileTx(ctx, mv.sess.Config().DefaultTxMode, seq)
}

// ReconcileTx is Reconcile with an explicit transaction mode.
func (mv *KeyMultiValue[K, V]) ReconcileTx(ctx context.Context, mode TxMode, seq iter.Seq2[K, V]) error {
	mv.sess.mu.Lock()
	defer mv.sess.mu.Unlock()
	if err := mv.ready(); err != nil {
		return classify("reconcile", err)
	}
	return mv.sess.inTxLocked(ctx, mode, func(ctx context.Context) error {
		return classify("reconcile", mv.reconcileLocked(ctx, seq))
	})
}

func (mv *KeyMultiValue[K, V]) reconcileLocked(ctx context.Context, seq iter.Seq2[K, V]) error {
	clearStaging := func() error {
		for _, st := range mv.stageClear {
			if err := st.exec(ctx); err != nil {
				return err
			}
		}
		return nil
	}
	if err := clearStaging(); err != nil {
		return err
	}

	// Single pass over the sequence, inside the transaction: intern and
	// stage each distinct key, value and pair on first sight, make sure the
	// association row exists, and count repetitions in memory keyed by the
	// codec's canonical identity.
	groups := make(map[[2]string]*pairGroup)
	order := make([][2]string, 0)
	for k, v := range seq {
		ki, err := mv.kcodec.identity(k)
		if err != nil {
			return err
		}
		vi, err := mv.vcodec.identity(v)
		if err != nil {
			return err
		}
		id := [2]string{ki, vi}
		if g, ok := groups[id]; ok {
			g.count++
			continue
		}
		kcell, err := mv.kcodec.encode(k)
		if err != nil {
			return err
		}
		vcell, err := mv.vcodec.encode(v)
		if err != nil {
			return err
		}
		g := &pairGroup{kcell: kcell, vcell: vcell, count: 1}

		if err := mv.insertKey.exec(ctx, g.kcell); err != nil {
			return err
		}
		if err := mv.stageKey.exec(ctx, g.kcell); err != nil {
			return err
		}
		if err := mv.insertValue.exec(ctx, g.vcell); err != nil {
			return err
		}
		if err := mv.stageValue.exec(ctx, g.vcell); err != nil {
			return err
		}
		if err := mv.stagePair.exec(ctx, g.kcell, g.vcell); err != nil {
			return err
		}

		kid, ok, err := mv.rowID(ctx, mv.keyID, g.kcell)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("interned key has no row id")
		}
		vid, ok, err := mv.rowID(ctx, mv.valueID, g.vcell)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("interned value has no row id")
		}
		g.kid, g.vid = kid, vid

		_, found, err := mv.getCount.queryCell(ctx, kid, vid)
		if err != nil {
			return err
		}
		if !found {
			if err := mv.insertAssoc.exec(ctx, kid, vid); err != nil {
				return err
			}
		}
		groups[id] = g
		order = append(order, id)
	}

	// Purge keys and values outside the staged sets (associations cascade),
	// then associations between surviving rows that are not a staged pair.
	if err := mv.purgeKeys.exec(ctx); err != nil {
		return err
	}
	if err := mv.purgeValues.exec(ctx); err != nil {
		return err
	}
	if err := mv.purgePairs.exec(ctx); err != nil {
		return err
	}
	if err := clearStaging(); err != nil {
		return err
	}

	// Rewrite multiplicities to match the source exactly.
	for _, id := range order {
		g := groups[id]
		if err := mv.setCount.exec(ctx, g.count, g.kid, g.vid); err != nil {
			return err
		}
	}
	return nil
}
