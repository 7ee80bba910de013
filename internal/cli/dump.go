package cli

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

// NewDumpCommand creates the dump command.
func NewDumpCommand(rootOpts *RootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:           "dump <table>",
		Short:         "Print a table's rows",
		Long:          "Print every row of a table, as tab-separated text or JSON objects keyed by column name.",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDump(rootOpts, args[0], limit, cmd)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum rows to print (0 = all)")
	return cmd
}

func runDump(opts *RootOptions, table string, limit int, cmd *cobra.Command) error {
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

	query := fmt.Sprintf("SELECT * FROM %q", table)
	if limit > 0 {
		query = fmt.Sprintf("%s LIMIT %d", query, limit)
	}
	rows, err := sess.Query(cmd.Context(), query)
	if err != nil {
		return failCommand(formatter, ExitFailure, ErrCodeQuery, err.Error())
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return failCommand(formatter, ExitFailure, ErrCodeQuery, err.Error())
	}
	colTypes, err := rows.ColumnTypes()
	if err != nil {
		return failCommand(formatter, ExitFailure, ErrCodeQuery, err.Error())
	}

	var records []map[string]any
	if formatter.Format != "json" {
		fmt.Fprintln(formatter.Writer, strings.Join(cols, "\t"))
	}
	cells := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range cells {
		ptrs[i] = &cells[i]
	}
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return failCommand(formatter, ExitFailure, ErrCodeQuery, err.Error())
		}
		if formatter.Format == "json" {
			record := make(map[string]any, len(cols))
			for i, col := range cols {
				record[col] = normalizeCell(cells[i], colTypes[i].DatabaseTypeName())
			}
			records = append(records, record)
			continue
		}
		parts := make([]string, len(cols))
		for i := range cells {
			parts[i] = renderTextCell(normalizeCell(cells[i], colTypes[i].DatabaseTypeName()))
		}
		fmt.Fprintln(formatter.Writer, strings.Join(parts, "\t"))
	}
	if err := rows.Err(); err != nil {
		return failCommand(formatter, ExitFailure, ErrCodeQuery, err.Error())
	}

	if formatter.Format == "json" {
		return formatter.Success(records)
	}
	return nil
}

// normalizeCell resolves driver byte slices using the declared column type:
// TEXT-typed cells become strings, anything else byte-valued becomes a
// 0x-prefixed hex string. Drivers are free to hand TEXT back as []byte, so
// the Go type alone cannot distinguish text from blobs.
func normalizeCell(v any, dbType string) any {
	b, ok := v.([]byte)
	if !ok {
		return v
	}
	if isTextType(dbType) {
		return string(b)
	}
	return "0x" + hex.EncodeToString(b)
}

func isTextType(dbType string) bool {
	t := strings.ToUpper(dbType)
	return strings.Contains(t, "TEXT") || strings.Contains(t, "CHAR") || strings.Contains(t, "CLOB")
}

// renderTextCell renders one normalized cell for text output.
func renderTextCell(v any) string {
	if v == nil {
		return "NULL"
	}
	return fmt.Sprint(v)
}
