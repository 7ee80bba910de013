package sqlstash

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

// Session owns one SQLite database connection and the stores attached to it.
//
// Lifecycle: a fresh session is unconfigured. SetConfig stages a Config;
// Connect opens the database with the staged Config and runs the schema
// hooks of every attached store; Close tears the connection down and returns
// the session to the staged state, so Connect can reopen it. Staging a new
// Config while connected does not disturb the live connection; the next
// Connect replaces it.
//
// All store operations on one session serialize on an internal mutex, and
// the underlying pool is pinned to a single connection. That keeps TEMP
// staging tables and explicit BEGIN/COMMIT on the same connection, and makes
// a session safe for concurrent use from multiple goroutines.
type Session struct {
	mu sync.Mutex

	staged     *Config
	cfg        Config // active, normalized
	configured bool   // cfg holds a real configuration
	db         *sql.DB
	log        *logrus.Entry

	// inits are store schema hooks, re-run on every successful connect.
	inits []func(ctx context.Context) error

	// stmts are all statements prepared on the live connection, finalized
	// before it closes.
	stmts []*stmt

	procStop chan struct{}
	procDone chan struct{}
}

// NewSession returns an unconfigured session.
func NewSession() *Session {
	return &Session{log: logrus.WithField("component", "sqlstash")}
}

// Open is the common path: stage cfg and connect in one call.
func Open(ctx context.Context, cfg Config) (*Session, error) {
	s := NewSession()
	s.SetConfig(cfg)
	if err := s.Connect(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// SetLogger redirects the session's log output.
func (s *Session) SetLogger(l *logrus.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.log = l.WithField("component", "sqlstash")
}

// SetConfig stages cfg to take effect on the next Connect.
func (s *Session) SetConfig(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := cfg
	s.staged = &c
}

// Config returns the active configuration. Before the first Connect it is
// the zero Config.
func (s *Session) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Connected reports whether the session holds a live connection.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db != nil
}

// Connect opens the database using the staged configuration, or the active
// one when reconnecting after Close. While connected, Connect is an error
// unless a new Config has been staged; with one staged it tears down the
// old connection first, after draining the background task.
func (s *Session) Connect(ctx context.Context) error {
	s.drainProcess()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil {
		if s.staged == nil {
			return classify("connect", errors.New("already connected"))
		}
		s.closeStmtsLocked()
		if err := s.db.Close(); err != nil {
			s.log.WithError(err).Warn("closing previous connection")
		}
		s.db = nil
	}
	switch {
	case s.staged != nil:
		s.cfg = s.staged.normalize()
		s.configured = true
		s.staged = nil
	case !s.configured:
		return classify("connect", errors.New("no configuration staged"))
	}

	db, err := openDB(ctx, s.cfg)
	if err != nil {
		return classify("connect", err)
	}
	s.db = db

	for _, init := range s.inits {
		if err := init(ctx); err != nil {
			s.closeStmtsLocked()
			db.Close()
			s.db = nil
			return classify("connect", err)
		}
	}

	s.startProcessLocked()
	s.log.WithFields(logrus.Fields{
		"path":      s.cfg.Path,
		"in_memory": s.cfg.InMemory,
		"journal":   s.cfg.Journal.String(),
	}).Info("connected")
	return nil
}

// Close drains the background task, then closes the connection. The session
// keeps its active configuration and can be reconnected. Closing a closed
// or never-connected session is a no-op.
func (s *Session) Close() error {
	s.drainProcess()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	s.closeStmtsLocked()
	err := s.db.Close()
	s.db = nil
	s.log.Info("closed")
	return classify("close", err)
}

// closeStmtsLocked finalizes every statement prepared on the live
// connection. The session mutex must be held.
func (s *Session) closeStmtsLocked() {
	for _, st := range s.stmts {
		if err := st.close(); err != nil {
			s.log.WithError(err).Debug("closing statement")
		}
	}
	s.stmts = nil
}

// drainProcess stops the background goroutine and joins it. The join happens
// outside the session mutex so a hook blocked on a store call can finish.
func (s *Session) drainProcess() {
	s.mu.Lock()
	stop, done := s.procStop, s.procDone
	s.procStop, s.procDone = nil, nil
	s.mu.Unlock()
	if stop != nil {
		close(stop)
		<-done
	}
}

func (s *Session) startProcessLocked() {
	if s.cfg.Process == nil || s.cfg.ProcessInterval <= 0 {
		return
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	s.procStop, s.procDone = stop, done
	hook, interval := s.cfg.Process, s.cfg.ProcessInterval
	go func() {
		defer close(done)
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				hook()
			}
		}
	}()
}

// register attaches a store schema hook and, when already connected, runs it
// immediately.
func (s *Session) register(ctx context.Context, init func(ctx context.Context) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inits = append(s.inits, init)
	if s.db != nil {
		return init(ctx)
	}
	return nil
}

// Begin opens an explicit transaction in the given mode. Stores attached to
// the session operate inside it until Commit or Rollback.
func (s *Session) Begin(ctx context.Context, mode TxMode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return classify("begin", s.beginLocked(ctx, mode))
}

// Commit commits the open explicit transaction.
func (s *Session) Commit(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return classify("commit", s.execRawLocked(ctx, "COMMIT"))
}

// Rollback aborts the open explicit transaction.
func (s *Session) Rollback(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return classify("rollback", s.execRawLocked(ctx, "ROLLBACK"))
}

func (s *Session) beginLocked(ctx context.Context, mode TxMode) error {
	return s.execRawLocked(ctx, "BEGIN "+mode.String()+" TRANSACTION")
}

// InTransaction runs fn inside a transaction of the given mode. A nil error
// commits; any error rolls back and is returned. fn may call store methods
// on this session. Statements issued by other goroutines while fn runs join
// the same transaction, since the session holds a single connection; keep
// the session to one writer goroutine when using explicit transactions.
func (s *Session) InTransaction(ctx context.Context, mode TxMode, fn func(ctx context.Context) error) error {
	if err := s.Begin(ctx, mode); err != nil {
		return err
	}
	if err := fn(ctx); err != nil {
		// Roll back even when ctx is already canceled.
		if rbErr := s.Rollback(context.WithoutCancel(ctx)); rbErr != nil {
			s.log.WithError(rbErr).Warn("rollback failed")
		}
		return classify("transaction", err)
	}
	return s.Commit(ctx)
}

func (s *Session) inTxLocked(ctx context.Context, mode TxMode, fn func(ctx context.Context) error) error {
	if err := s.beginLocked(ctx, mode); err != nil {
		return classify("begin", err)
	}
	if err := fn(ctx); err != nil {
		// Roll back even when ctx is already canceled.
		if rbErr := s.execRawLocked(context.WithoutCancel(ctx), "ROLLBACK"); rbErr != nil {
			s.log.WithError(rbErr).Warn("rollback failed")
		}
		return classify("transaction", err)
	}
	if err := s.execRawLocked(ctx, "COMMIT"); err != nil {
		if rbErr := s.execRawLocked(context.WithoutCancel(ctx), "ROLLBACK"); rbErr != nil {
			s.log.WithError(rbErr).Warn("rollback after failed commit")
		}
		return classify("commit", err)
	}
	return nil
}

// execRawLocked runs one non-prepared statement with busy retry. The session
// mutex must be held.
func (s *Session) execRawLocked(ctx context.Context, query string, args ...any) error {
	if s.db == nil {
		return ErrNotConnected
	}
	for {
		_, err := s.db.ExecContext(ctx, query, args...)
		if err == nil {
			return nil
		}
		if !isBusy(err) {
			return fmt.Errorf("exec %q: %w", query, err)
		}
		if err := s.sleepBusy(ctx); err != nil {
			return err
		}
	}
}

// Exec runs an arbitrary statement against the session's database.
func (s *Session) Exec(ctx context.Context, query string, args ...any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return classify("exec", s.execRawLocked(ctx, query, args...))
}

// Query runs an arbitrary query. The caller owns the returned rows; the
// session mutex is not held during iteration.
func (s *Session) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	s.mu.Lock()
	db := s.db
	s.mu.Unlock()
	if db == nil {
		return nil, classify("query", ErrNotConnected)
	}
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify("query", err)
	}
	return rows, nil
}

// openDB opens and tunes the database described by cfg.
func openDB(ctx context.Context, cfg Config) (*sql.DB, error) {
	if !cfg.InMemory {
		if cfg.Path == "" {
			return nil, errors.New("config has no database path")
		}
		if dir := filepath.Dir(cfg.Path); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create database directory: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite3", cfg.dsn())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One writer. A single pooled connection also pins TEMP tables and
	// explicit transactions to the connection that created them.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("open database %s: %w", cfg.Path, err)
	}
	if err := applyPragmas(ctx, db, cfg); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// dsn builds the driver DSN. In-memory sessions get a unique shared-cache
// URI so the database survives the pool recycling its connection.
func (c Config) dsn() string {
	if c.InMemory {
		return fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	}
	if c.ReadOnly {
		path := c.Path
		if !c.UseURI {
			path = "file:" + path
		}
		return path + "?mode=ro"
	}
	return c.Path
}

func applyPragmas(ctx context.Context, db *sql.DB, cfg Config) error {
	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()),
		fmt.Sprintf("PRAGMA cache_size = %d", cfg.CacheSize),
		"PRAGMA foreign_keys = ON",
	}
	if !cfg.ReadOnly {
		pragmas = append(pragmas,
			fmt.Sprintf("PRAGMA page_size = %d", cfg.PageSize),
			"PRAGMA auto_vacuum = "+cfg.AutoVacuum.String(),
			"PRAGMA journal_mode = "+cfg.Journal.String(),
			fmt.Sprintf("PRAGMA wal_autocheckpoint = %d", cfg.WALAutocheckpoint),
		)
		if cfg.UserVersion > 0 {
			pragmas = append(pragmas, fmt.Sprintf("PRAGMA user_version = %d", cfg.UserVersion))
		}
	}
	pragmas = append(pragmas,
		"PRAGMA synchronous = "+cfg.Synchronous.String(),
		"PRAGMA locking_mode = "+cfg.Locking.String(),
	)
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("apply %q: %w", p, err)
		}
	}
	return nil
}
