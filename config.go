package sqlstash

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the storage tuning parameters for one session. A Config is
// staged with Session.SetConfig and takes effect on the next Connect; it is
// never consulted while a connection is live.
type Config struct {
	// Path is the database file path. Ignored when InMemory is set.
	Path string `yaml:"path"`

	// Table is the root name for the store's tables. Stores fall back to a
	// flavor-specific default when empty.
	Table string `yaml:"table"`

	// ReadOnly opens the database without write access.
	ReadOnly bool `yaml:"read_only"`

	// UseURI treats Path as a SQLite URI filename.
	UseURI bool `yaml:"use_uri"`

	// InMemory backs the database with memory instead of a file. The
	// database is private to this session but survives the internal
	// connection pool via a shared-cache URI.
	InMemory bool `yaml:"in_memory"`

	// BusyTimeout is the SQLite busy handler timeout. Zero keeps the
	// default of one second.
	BusyTimeout time.Duration `yaml:"busy_timeout"`

	// PageSize is the SQLite page size in bytes. Zero keeps 4096.
	PageSize int `yaml:"page_size"`

	// CacheSize is the SQLite cache size in pages. Zero keeps 2000.
	CacheSize int `yaml:"cache_size"`

	// WALAutocheckpoint is the WAL auto-checkpoint threshold in pages.
	// Zero keeps 1000.
	WALAutocheckpoint int `yaml:"wal_autocheckpoint"`

	// UserVersion is written to PRAGMA user_version when positive, as an
	// application-defined schema tag.
	UserVersion int `yaml:"user_version"`

	Journal     JournalMode     `yaml:"journal_mode"`
	Synchronous SynchronousMode `yaml:"synchronous"`
	Locking     LockingMode     `yaml:"locking_mode"`
	AutoVacuum  AutoVacuumMode  `yaml:"auto_vacuum"`

	// DefaultTxMode is the transaction mode used by store operations that
	// do not take an explicit mode.
	DefaultTxMode TxMode `yaml:"default_tx_mode"`

	// Process, when non-nil, is invoked every ProcessInterval on a
	// dedicated background goroutine while the session is connected. The
	// hook must do its database work through store methods; Close blocks
	// until the goroutine has exited.
	Process func() `yaml:"-"`

	// ProcessInterval is the period between Process invocations. Zero
	// disables the background task even when Process is set.
	ProcessInterval time.Duration `yaml:"process_interval"`
}

// Default values applied by normalize. They mirror SQLite's own defaults
// where one exists.
const (
	defaultBusyTimeout       = time.Second
	defaultPageSize          = 4096
	defaultCacheSize         = 2000
	defaultWALAutocheckpoint = 1000
)

// normalize fills zero-valued tuning fields with their defaults.
func (c Config) normalize() Config {
	if c.BusyTimeout <= 0 {
		c.BusyTimeout = defaultBusyTimeout
	}
	if c.PageSize <= 0 {
		c.PageSize = defaultPageSize
	}
	if c.CacheSize == 0 {
		c.CacheSize = defaultCacheSize
	}
	if c.WALAutocheckpoint <= 0 {
		c.WALAutocheckpoint = defaultWALAutocheckpoint
	}
	return c
}

// tableName resolves the effective table root for a store flavor.
func (c Config) tableName(fallback string) string {
	if c.Table == "" {
		return fallback
	}
	return c.Table
}

// LoadConfig reads a Config from a YAML file. Mode fields use pragma-style
// names ("WAL", "IMMEDIATE", ...), case-insensitively.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, nil
}
