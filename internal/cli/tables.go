package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// TableInfo describes one user table in the inspected database.
type TableInfo struct {
	Name string `json:"name"`
	Rows int64  `json:"rows"`
}

// NewTablesCommand creates the tables command.
func NewTablesCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "tables",
		Short:         "List tables and their row counts",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTables(rootOpts, cmd)
		},
	}
}

func runTables(opts *RootOptions, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	sess, err := openSession(cmd, opts)
	if err != nil {
		_ = formatter.Error(ErrCodeOpen, err.Error())
		return err
	}
	defer sess.Close()

	names, err := listTables(cmd, sess)
	if err != nil {
		return failCommand(formatter, ExitFailure, ErrCodeQuery, err.Error())
	}
	formatter.VerboseLog("found %d table(s)", len(names))

	infos := make([]TableInfo, 0, len(names))
	for _, name := range names {
		n, err := countRows(cmd, sess, name)
		if err != nil {
			return failCommand(formatter, ExitFailure, ErrCodeQuery, err.Error())
		}
		infos = append(infos, TableInfo{Name: name, Rows: n})
	}

	if formatter.Format == "json" {
		return formatter.Success(infos)
	}
	for _, info := range infos {
		fmt.Fprintf(formatter.Writer, "%s\t%d\n", info.Name, info.Rows)
	}
	return nil
}
