// tblview inspects a tabledb database.
//
// Usage:
//
//	tblview -config db.json <command>
//	tblview -path data.db [-backend native] <command>
//
// Commands:
//
//	tables    list tables and their schemas
//	stats     print row counts and sizes
//	dump      print tables; -rows and -indexes add contents
//	verify    check every index against its rows
//	repair    rewrite inconsistent counter groups
//
// The configuration file holds the object accepted by tabledb.OpenConfig.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"

	"go4.org/jsonconfig"

	tabledb "github.com/shiranshalom/ravendb-sub000"
	"github.com/shiranshalom/ravendb-sub000/counters"
	"github.com/shiranshalom/ravendb-sub000/references"
)

var errUsage = errors.New("usage: tblview [-config file | -path file [-backend name]] tables|stats|dump|verify|repair")

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "tblview: %v\n", err)
		if errors.Is(err, errUsage) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

type consumers struct {
	reg      *tabledb.Registry
	counters *counters.Store
	refs     *references.Tracker
}

// newConsumers registers the schemas of the built-in consumers, so that
// their tables can be opened and dumped.
func newConsumers(logger *slog.Logger) *consumers {
	c := &consumers{reg: tabledb.NewRegistry()}
	c.counters = counters.New(c.reg, counters.Options{Logger: logger})
	c.refs = references.New(c.reg, references.Options{Logger: logger})
	return c
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	flags := flag.NewFlagSet("tblview", flag.ContinueOnError)
	flags.SetOutput(stderr)
	configPath := flags.String("config", "", "JSON configuration `file`")
	path := flags.String("path", "", "database `file` (ignored with -config)")
	backend := flags.String("backend", string(tabledb.BackendNative), "storage backend")
	rows := flags.Bool("rows", false, "dump: include rows")
	indexes := flags.Bool("indexes", false, "dump: include index entries")
	verbose := flags.Bool("v", false, "verbose logging")
	if err := flags.Parse(args); err != nil {
		return errUsage
	}
	if flags.NArg() != 1 {
		return errUsage
	}

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	var cfg jsonconfig.Obj
	if *configPath != "" {
		var err error
		if cfg, err = jsonconfig.ReadFile(*configPath); err != nil {
			return err
		}
	} else if *path != "" {
		cfg = jsonconfig.Obj{"path": *path, "backend": *backend}
	} else {
		return errUsage
	}
	dbPath, opt, err := tabledb.OptionsFromConfig(cfg)
	if err != nil {
		return err
	}
	opt.Logger = logger

	c := newConsumers(logger)
	db, err := tabledb.Open(dbPath, c.reg, opt)
	if err != nil {
		return err
	}
	defer db.Close()

	switch cmd := flags.Arg(0); cmd {
	case "tables":
		return db.ReadErr(func(tx *tabledb.Tx) error {
			for _, name := range tx.TableNames() {
				schema, _ := tx.TableSchemaName(name)
				fmt.Fprintf(stdout, "%s\t%s\n", name, schema)
			}
			return nil
		})
	case "stats":
		return printStats(db, stdout)
	case "dump":
		f := tabledb.DumpTableHeaders | tabledb.DumpStats | tabledb.DumpIndices
		if *rows {
			f |= tabledb.DumpRows
		}
		if *indexes {
			f |= tabledb.DumpIndexRows
		}
		return db.ReadErr(func(tx *tabledb.Tx) error {
			_, err := io.WriteString(stdout, tx.Dump(f))
			return err
		})
	case "verify":
		if err := db.Verify(ctx); err != nil {
			return err
		}
		fmt.Fprintln(stdout, "ok")
		return nil
	case "repair":
		var exists bool
		db.Read(func(tx *tabledb.Tx) {
			_, exists = tx.TableSchemaName(counters.TableName)
		})
		if !exists {
			fmt.Fprintln(stdout, "no counter groups")
			return nil
		}
		fixed, err := c.counters.Repair(ctx, db)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "fixed %d counter groups\n", fixed)
		return nil
	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, cmd)
	}
}

func printStats(db *tabledb.DB, stdout io.Writer) error {
	reg := db.Registry()
	w := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TABLE\tROWS\tINDEX ROWS\tSIZE\tALLOC")
	err := db.ReadErr(func(tx *tabledb.Tx) error {
		for _, name := range tx.TableNames() {
			schema, ok := reg.Lookup(name)
			if !ok {
				fmt.Fprintf(w, "%s\t?\t?\t?\t?\n", name)
				continue
			}
			tbl, err := tx.OpenTable(schema, name)
			if err != nil {
				return err
			}
			s := tx.TableStats(tbl)
			fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\n", name, s.Rows, s.IndexRows, s.TotalSize(), s.TotalAlloc())
		}
		return nil
	})
	if err != nil {
		return err
	}
	return w.Flush()
}
