package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/sqlstash"
)

// fixtureDB writes a small key-value store to a temp file and returns its
// path. Keys are chosen so primary-key order is alphabetical, keeping dump
// output stable.
func fixtureDB(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fixture.db")
	ctx := context.Background()

	sess, err := sqlstash.Open(ctx, sqlstash.Config{Path: path, Table: "fruits"})
	require.NoError(t, err)
	kv, err := sqlstash.NewKeyValue[string, int64](ctx, sess)
	require.NoError(t, err)

	require.NoError(t, kv.Insert(ctx, "alpha", 1))
	require.NoError(t, kv.Insert(ctx, "beta", 2))
	require.NoError(t, kv.Insert(ctx, "gamma", 3))
	require.NoError(t, sess.Close())
	return path
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestDumpText(t *testing.T) {
	db := fixtureDB(t)
	out, err := runCLI(t, "--db", db, "dump", "fruits")
	require.NoError(t, err)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "dump_text", []byte(out))
}

func TestDumpJSON(t *testing.T) {
	db := fixtureDB(t)
	out, err := runCLI(t, "--db", db, "--format", "json", "dump", "fruits")
	require.NoError(t, err)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "dump_json", []byte(out))
}

func TestDumpLimit(t *testing.T) {
	db := fixtureDB(t)
	out, err := runCLI(t, "--db", db, "dump", "fruits", "--limit", "1")
	require.NoError(t, err)
	assert.Equal(t, "key\tvalue\nalpha\t1\n", out)
}

func TestDumpRejectsBadTableName(t *testing.T) {
	db := fixtureDB(t)
	_, err := runCLI(t, "--db", db, "dump", "fruits;--")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestCountText(t *testing.T) {
	db := fixtureDB(t)
	out, err := runCLI(t, "--db", db, "count", "fruits")
	require.NoError(t, err)
	assert.Equal(t, "3\n", out)
}

func TestCountJSON(t *testing.T) {
	db := fixtureDB(t)
	out, err := runCLI(t, "--db", db, "--format", "json", "count", "fruits")
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"ok","data":{"table":"fruits","rows":3}}`, out)
}

func TestCountMissingTable(t *testing.T) {
	db := fixtureDB(t)
	_, err := runCLI(t, "--db", db, "count", "vegetables")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
}

func TestTablesText(t *testing.T) {
	db := fixtureDB(t)
	out, err := runCLI(t, "--db", db, "tables")
	require.NoError(t, err)
	assert.Contains(t, out, "fruits\t3\n")
}

func TestNoDatabaseGiven(t *testing.T) {
	_, err := runCLI(t, "tables")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestMissingDatabaseFile(t *testing.T) {
	_, err := runCLI(t, "--db", filepath.Join(t.TempDir(), "absent.db"), "tables")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestConfigFlag(t *testing.T) {
	db := fixtureDB(t)
	cfgPath := filepath.Join(t.TempDir(), "cfg.yaml")
	writeFile(t, cfgPath, "path: "+db+"\ntable: fruits\n")

	out, err := runCLI(t, "--config", cfgPath, "count", "fruits")
	require.NoError(t, err)
	assert.Equal(t, "3\n", out)
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}
