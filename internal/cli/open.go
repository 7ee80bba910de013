package cli

import (
	"fmt"
	"regexp"

	"github.com/spf13/cobra"

	"github.com/roach88/sqlstash"
)

// identPattern matches the table identifiers the stores generate. Table
// arguments are interpolated into SQL, so anything else is rejected.
var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func checkIdent(name string) error {
	if !identPattern.MatchString(name) {
		return NewExitError(ExitCommandError, fmt.Sprintf("%s: invalid table name %q", ErrCodeArgs, name))
	}
	return nil
}

// openSession opens the target database read-only, from --config when given,
// with --db overriding the config's path.
func openSession(cmd *cobra.Command, opts *RootOptions) (*sqlstash.Session, error) {
	var cfg sqlstash.Config
	if opts.Config != "" {
		loaded, err := sqlstash.LoadConfig(opts.Config)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, ErrCodeArgs+": load config", err)
		}
		cfg = loaded
	}
	if opts.DB != "" {
		cfg.Path = opts.DB
	}
	if cfg.Path == "" {
		return nil, NewExitError(ExitCommandError, ErrCodeArgs+": no database given, set --db or --config")
	}
	cfg.ReadOnly = true
	cfg.Process = nil

	sess, err := sqlstash.Open(cmd.Context(), cfg)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, ErrCodeOpen+": open database", err)
	}
	return sess, nil
}
