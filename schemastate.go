package tabledb

import (
	"bytes"
	"fmt"
	"log/slog"
	"time"
)

const (
	tablesBucket  = "@tables"
	globalBucket  = "@global"
	globalsBucket = "@globals"

	dataSubBucket = "data"
	fixedPrefix   = "fx_"
	indexPrefix   = "ix_"
)

// tableShape is the persisted description of a created table. Opening a
// table with a schema whose shape differs fails with ErrSchemaMismatch.
type tableShape struct {
	Schema     string       `msgpack:"s"`
	Key        indexShape   `msgpack:"k"`
	Fixed      []fixedShape `msgpack:"f"`
	Indexes    []indexShape `msgpack:"i"`
	FieldCount int          `msgpack:"n,omitempty"`
	Created    time.Time    `msgpack:"t"`
}

type indexShape struct {
	Name      string `msgpack:"n"`
	Start     int    `msgpack:"s"`
	Count     int    `msgpack:"c"`
	Global    bool   `msgpack:"g,omitempty"`
	Separator []byte `msgpack:"p,omitempty"`
}

type fixedShape struct {
	Name   string `msgpack:"n"`
	Start  int    `msgpack:"s"`
	Global bool   `msgpack:"g,omitempty"`
}

func indexShapeOf(def *SchemaIndexDef) indexShape {
	return indexShape{def.Name, def.StartIndex, def.Count, def.IsGlobal, def.Separator}
}

func (s *TableSchema) shape() *tableShape {
	sh := &tableShape{
		Schema:     s.name,
		Key:        indexShapeOf(s.key),
		FieldCount: s.fieldCount,
	}
	for _, d := range s.fixed {
		sh.Fixed = append(sh.Fixed, fixedShape{d.Name, d.StartIndex, d.IsGlobal})
	}
	for _, d := range s.indexes {
		sh.Indexes = append(sh.Indexes, indexShapeOf(d))
	}
	return sh
}

func (a indexShape) equal(b indexShape) bool {
	return a.Name == b.Name && a.Start == b.Start && a.Count == b.Count && a.Global == b.Global && bytes.Equal(a.Separator, b.Separator)
}

// diff describes the first difference between two shapes, ignoring the
// creation time, or returns "".
func (a *tableShape) diff(b *tableShape) string {
	switch {
	case a.Schema != b.Schema:
		return fmt.Sprintf("created with schema %q, not %q", a.Schema, b.Schema)
	case !a.Key.equal(b.Key):
		return "primary key differs"
	case a.FieldCount != b.FieldCount:
		return fmt.Sprintf("field count %d, not %d", a.FieldCount, b.FieldCount)
	case len(a.Fixed) != len(b.Fixed):
		return fmt.Sprintf("%d fixed-size indexes, not %d", len(a.Fixed), len(b.Fixed))
	case len(a.Indexes) != len(b.Indexes):
		return fmt.Sprintf("%d indexes, not %d", len(a.Indexes), len(b.Indexes))
	}
	for i := range a.Fixed {
		if a.Fixed[i] != b.Fixed[i] {
			return fmt.Sprintf("fixed-size index %q differs", a.Fixed[i].Name)
		}
	}
	for i := range a.Indexes {
		if !a.Indexes[i].equal(b.Indexes[i]) {
			return fmt.Sprintf("index %q differs", a.Indexes[i].Name)
		}
	}
	return ""
}

func fixedBucketName(def *FixedSizeIndexDef) string { return fixedPrefix + def.Name }

func indexBucketName(def *SchemaIndexDef) string { return indexPrefix + def.Name }

func (tx *Tx) loadShape(tableName string) *tableShape {
	raw := nonNil(tx.stx.Bucket(tablesBucket, "")).Get([]byte(tableName))
	if raw == nil {
		return nil
	}
	sh := new(tableShape)
	if err := defaultMetaEncoding.decodeValue(raw, sh); err != nil {
		panic(fmt.Errorf("table %s: failed to decode table state: %w", tableName, err))
	}
	return sh
}

// Create creates tableName with this schema. Creating a table that already
// exists with an identical shape is a no-op; a different shape fails with
// ErrSchemaMismatch.
func (s *TableSchema) Create(tx *Tx, tableName string) error {
	s.freeze()
	if err := tx.checkWritable(); err != nil {
		return err
	}
	if tableName == "" || tableName[0] == '@' {
		return schemaErrf(s.name, tableName, nil, "invalid table name %q", tableName)
	}
	want := s.shape()
	if have := tx.loadShape(tableName); have != nil {
		if d := have.diff(want); d != "" {
			return schemaErrf(s.name, tableName, ErrSchemaMismatch, "%s", d)
		}
		return nil
	}

	tx.markWritten()
	if _, err := tx.stx.CreateBucket(tableName, dataSubBucket); err != nil {
		return fmt.Errorf("table %s: %w", tableName, err)
	}
	for _, d := range s.fixed {
		if _, err := tx.stx.CreateBucket(indexOwner(tableName, d.IsGlobal), fixedBucketName(d)); err != nil {
			return fmt.Errorf("table %s: index %s: %w", tableName, d, err)
		}
	}
	for _, d := range s.indexes {
		if _, err := tx.stx.CreateBucket(indexOwner(tableName, d.IsGlobal), indexBucketName(d)); err != nil {
			return fmt.Errorf("table %s: index %s: %w", tableName, d, err)
		}
	}

	want.Created = tx.db.now().UTC()
	raw := defaultMetaEncoding.encodeValue(nil, want)
	ensure(nonNil(tx.stx.Bucket(tablesBucket, "")).Put([]byte(tableName), raw))
	if tx.db.verbose {
		tx.db.logger.LogAttrs(tx.ctx(), slog.LevelDebug, "table created", slog.String("table", tableName), slog.String("schema", s.name))
	}
	return nil
}

// indexOwner returns the root bucket holding an index's entries.
func indexOwner(tableName string, global bool) string {
	if global {
		return globalBucket
	}
	return tableName
}

// TableNames lists every created table in key order.
func (tx *Tx) TableNames() []string {
	tx.checkOpen()
	var names []string
	c := nonNil(tx.stx.Bucket(tablesBucket, "")).Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		names = append(names, string(k))
	}
	return names
}

// TableSchemaName returns the name of the schema tableName was created with.
func (tx *Tx) TableSchemaName(tableName string) (string, bool) {
	sh := tx.loadShape(tableName)
	if sh == nil {
		return "", false
	}
	return sh.Schema, true
}
