package sqlstash

import (
	"fmt"
	"strings"
)

// TxMode selects when a transaction acquires the database write lock.
//
// The mode changes contention behavior only; the operations run inside the
// transaction are identical across modes.
type TxMode int

const (
	// TxDeferred waits to lock the database until the first write.
	TxDeferred TxMode = iota
	// TxImmediate acquires the write lock at BEGIN, still allowing readers.
	TxImmediate
	// TxExclusive locks the database for both reading and writing at BEGIN.
	TxExclusive
)

func (m TxMode) String() string {
	switch m {
	case TxDeferred:
		return "DEFERRED"
	case TxImmediate:
		return "IMMEDIATE"
	case TxExclusive:
		return "EXCLUSIVE"
	}
	return fmt.Sprintf("TxMode(%d)", int(m))
}

// JournalMode is a SQLite journal_mode pragma value.
type JournalMode int

const (
	JournalDelete JournalMode = iota
	JournalTruncate
	JournalPersist
	JournalMemory
	JournalWAL
	JournalOff
)

func (m JournalMode) String() string {
	switch m {
	case JournalDelete:
		return "DELETE"
	case JournalTruncate:
		return "TRUNCATE"
	case JournalPersist:
		return "PERSIST"
	case JournalMemory:
		return "MEMORY"
	case JournalWAL:
		return "WAL"
	case JournalOff:
		return "OFF"
	}
	return fmt.Sprintf("JournalMode(%d)", int(m))
}

// SynchronousMode is a SQLite synchronous pragma value. The zero value is
// SynchronousFull, so an unset Config keeps full durability.
type SynchronousMode int

const (
	SynchronousFull SynchronousMode = iota
	SynchronousNormal
	SynchronousOff
	SynchronousExtra
)

func (m SynchronousMode) String() string {
	switch m {
	case SynchronousOff:
		return "OFF"
	case SynchronousNormal:
		return "NORMAL"
	case SynchronousFull:
		return "FULL"
	case SynchronousExtra:
		return "EXTRA"
	}
	return fmt.Sprintf("SynchronousMode(%d)", int(m))
}

// LockingMode is a SQLite locking_mode pragma value.
type LockingMode int

const (
	LockingNormal LockingMode = iota
	LockingExclusive
)

func (m LockingMode) String() string {
	switch m {
	case LockingNormal:
		return "NORMAL"
	case LockingExclusive:
		return "EXCLUSIVE"
	}
	return fmt.Sprintf("LockingMode(%d)", int(m))
}

// AutoVacuumMode is a SQLite auto_vacuum pragma value.
type AutoVacuumMode int

const (
	AutoVacuumNone AutoVacuumMode = iota
	AutoVacuumFull
	AutoVacuumIncremental
)

func (m AutoVacuumMode) String() string {
	switch m {
	case AutoVacuumNone:
		return "NONE"
	case AutoVacuumFull:
		return "FULL"
	case AutoVacuumIncremental:
		return "INCREMENTAL"
	}
	return fmt.Sprintf("AutoVacuumMode(%d)", int(m))
}

// modeFromName maps a pragma-style name back to its enum value. Used when
// decoding YAML configuration.
func modeFromName[M ~int](name string, names map[string]M) (M, error) {
	if m, ok := names[name]; ok {
		return m, nil
	}
	var zero M
	return zero, fmt.Errorf("unknown mode %q", name)
}

var (
	txModeNames = map[string]TxMode{
		"DEFERRED":  TxDeferred,
		"IMMEDIATE": TxImmediate,
		"EXCLUSIVE": TxExclusive,
	}
	journalModeNames = map[string]JournalMode{
		"DELETE":   JournalDelete,
		"TRUNCATE": JournalTruncate,
		"PERSIST":  JournalPersist,
		"MEMORY":   JournalMemory,
		"WAL":      JournalWAL,
		"OFF":      JournalOff,
	}
	synchronousModeNames = map[string]SynchronousMode{
		"OFF":    SynchronousOff,
		"NORMAL": SynchronousNormal,
		"FULL":   SynchronousFull,
		"EXTRA":  SynchronousExtra,
	}
	lockingModeNames = map[string]LockingMode{
		"NORMAL":    LockingNormal,
		"EXCLUSIVE": LockingExclusive,
	}
	autoVacuumModeNames = map[string]AutoVacuumMode{
		"NONE":        AutoVacuumNone,
		"FULL":        AutoVacuumFull,
		"INCREMENTAL": AutoVacuumIncremental,
	}
)

// UnmarshalYAML implements yaml.Unmarshaler using pragma-style names.
func (m *TxMode) UnmarshalYAML(unmarshal func(any) error) error {
	return unmarshalMode(m, unmarshal, txModeNames)
}

func (m *JournalMode) UnmarshalYAML(unmarshal func(any) error) error {
	return unmarshalMode(m, unmarshal, journalModeNames)
}

func (m *SynchronousMode) UnmarshalYAML(unmarshal func(any) error) error {
	return unmarshalMode(m, unmarshal, synchronousModeNames)
}

func (m *LockingMode) UnmarshalYAML(unmarshal func(any) error) error {
	return unmarshalMode(m, unmarshal, lockingModeNames)
}

func (m *AutoVacuumMode) UnmarshalYAML(unmarshal func(any) error) error {
	return unmarshalMode(m, unmarshal, autoVacuumModeNames)
}

func unmarshalMode[M ~int](dst *M, unmarshal func(any) error, names map[string]M) error {
	var name string
	if err := unmarshal(&name); err != nil {
		return err
	}
	m, err := modeFromName(strings.ToUpper(name), names)
	if err != nil {
		return err
	}
	*dst = m
	return nil
}
