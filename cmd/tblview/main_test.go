package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	tabledb "github.com/shiranshalom/ravendb-sub000"
)

func populate(t *testing.T, path string) {
	t.Helper()
	c := newConsumers(nil)
	db, err := tabledb.Open(path, c.reg, tabledb.Options{IsTesting: true})
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, db.Tx(true, func(tx *tabledb.Tx) error {
		if err := c.counters.Create(tx); err != nil {
			return err
		}
		if err := c.refs.Create(tx); err != nil {
			return err
		}
		if _, err := c.counters.Increment(tx, "users/1", "Likes", 3); err != nil {
			return err
		}
		return c.refs.Add(tx, "orders/1", "Companies", []byte("companies/1"))
	}))
}

func runOK(t *testing.T, args ...string) string {
	t.Helper()
	var stdout, stderr bytes.Buffer
	err := run(context.Background(), args, &stdout, &stderr)
	require.NoError(t, err, stderr.String())
	return stdout.String()
}

func TestRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.db")
	populate(t, path)

	out := runOK(t, "-path", path, "tables")
	assert.Contains(t, out, "CounterGroups\tCounterGroups\n")
	assert.Contains(t, out, "ReferencesForDocuments\tReferencesForDocuments\n")

	out = runOK(t, "-path", path, "stats")
	assert.Contains(t, out, "TABLE")
	assert.Contains(t, out, "CounterGroups")

	out = runOK(t, "-path", path, "-rows", "-indexes", "dump")
	assert.Contains(t, out, "CounterGroups (1 rows")
	assert.Contains(t, out, "users/1")

	assert.Equal(t, "ok\n", runOK(t, "-path", path, "verify"))
	assert.Equal(t, "fixed 0 counter groups\n", runOK(t, "-path", path, "repair"))
}

func TestRun_Config(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.db")
	populate(t, path)
	config := filepath.Join(dir, "db.json")
	require.NoError(t, os.WriteFile(config, []byte(`{"path": "`+path+`", "backend": "native"}`), 0o644))
	assert.Equal(t, "ok\n", runOK(t, "-config", config, "verify"))
}

func TestRun_Usage(t *testing.T) {
	var stdout, stderr bytes.Buffer
	ctx := context.Background()
	assert.ErrorIs(t, run(ctx, nil, &stdout, &stderr), errUsage)
	assert.ErrorIs(t, run(ctx, []string{"tables"}, &stdout, &stderr), errUsage)
	assert.ErrorIs(t, run(ctx, []string{"-path", filepath.Join(t.TempDir(), "x.db"), "frobnicate"}, &stdout, &stderr), errUsage)
}
