package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/sqlstash"
)

// CountResult holds one table's row count.
type CountResult struct {
	Table string `json:"table"`
	Rows  int64  `json:"rows"`
}

// NewCountCommand creates the count command.
func NewCountCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "count <table>",
		Short:         "Count rows in a table",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCount(rootOpts, args[0], cmd)
		},
	}
}

func runCount(opts *RootOptions, table string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	if err := checkIdent(table); err != nil {
		_ = formatter.Error(ErrCodeArgs, err.Error())
		return err
	}
	sess, err := openSession(cmd, opts)
	if err != nil {
		_ = formatter.Error(ErrCodeOpen, err.Error())
		return err
	}
	defer sess.Close()

	n, err := countRows(cmd, sess, table)
	if err != nil {
		return failCommand(formatter, ExitFailure, ErrCodeQuery, err.Error())
	}

	if formatter.Format == "json" {
		return formatter.Success(CountResult{Table: table, Rows: n})
	}
	fmt.Fprintln(formatter.Writer, n)
	return nil
}

// countRows counts the rows of one table. The name is quoted, having come
// from sqlite_master or an identifier-checked argument.
func countRows(cmd *cobra.Command, sess *sqlstash.Session, table string) (int64, error) {
	rows, err := sess.Query(cmd.Context(), fmt.Sprintf("SELECT COUNT(*) FROM %q", table))
	if err != nil {
		return 0, err
	}
	defer rows.Close()
	var n int64
	if rows.Next() {
		if err := rows.Scan(&n); err != nil {
			return 0, err
		}
	}
	return n, rows.Err()
}

// listTables returns the user tables of the inspected database.
func listTables(cmd *cobra.Command, sess *sqlstash.Session) ([]string, error) {
	rows, err := sess.Query(cmd.Context(),
		"SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}
