package tabledb

import (
	"encoding/hex"
	"log/slog"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func init() {
	slog.SetLogLoggerLevel(slog.LevelDebug)
}

var allBackends = []Backend{BackendNative, BackendBolt, BackendLevelDB, BackendMemory}

func openBackend(t testing.TB, backend Backend) storage {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data.db")
	s := must(backends[backend](path, Options{IsTesting: true}))
	t.Cleanup(func() { s.Close() })
	return s
}

// forEachBackend runs f as a subtest against a fresh storage of every kind.
func forEachBackend(t *testing.T, f func(t *testing.T, s storage)) {
	for _, backend := range allBackends {
		t.Run(string(backend), func(t *testing.T) {
			f(t, openBackend(t, backend))
		})
	}
}

// forEachDB runs f as a subtest against a fresh database on every backend.
func forEachDB(t *testing.T, registry *Registry, f func(t *testing.T, db *DB)) {
	for _, backend := range allBackends {
		t.Run(string(backend), func(t *testing.T) {
			f(t, setupBackend(t, registry, backend))
		})
	}
}

func setup(t testing.TB, registry *Registry) *DB {
	return setupBackend(t, registry, BackendNative)
}

func setupBackend(t testing.TB, registry *Registry, backend Backend) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data.db")
	t.Logf("DB: %s (%s)", path, backend)
	db := must(Open(path, registry, Options{
		Backend:   backend,
		IsTesting: true,
	}))
	t.Cleanup(db.Close)
	return db
}

func deepEqual[T any](t testing.TB, a, e T) {
	if !reflect.DeepEqual(a, e) {
		t.Helper()
		t.Errorf("** got %v, wanted %v", a, e)
	}
}

func isempty[T any, S ~[]T](t testing.TB, a S) {
	if len(a) > 0 {
		t.Helper()
		t.Errorf("** got %v, wanted empty slice", a)
	}
}

func isnil[T any, P ~*T](t testing.TB, a P) {
	if a != nil {
		t.Helper()
		t.Errorf("** got &%v, wanted nil", *a)
	}
}

func assertPanics(t *testing.T, fn func()) {
	t.Helper()
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic")
		}
	}()
	fn()
}

func x(data string) []byte {
	data = strings.ReplaceAll(data, " ", "")
	return must(hex.DecodeString(data))
}
