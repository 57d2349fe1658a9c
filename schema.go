package tabledb

import (
	"bytes"
	"fmt"
	"slices"
	"strings"
	"sync/atomic"
)

// SchemaIndexDef selects Count consecutive record fields starting at
// StartIndex; the key is their concatenation with Separator between fields.
// It describes both primary keys and composite indexes.
type SchemaIndexDef struct {
	Name       string
	StartIndex int
	Count      int
	IsGlobal   bool
	Separator  []byte
}

// FixedSizeIndexDef indexes the big-endian uint64 stored in field
// StartIndex. Global indexes are shared by every table that declares an
// index of the same name; local ones belong to a single table.
type FixedSizeIndexDef struct {
	Name       string
	StartIndex int
	IsGlobal   bool
}

// TableSchema describes the layout shared by any number of tables. It is
// built once at startup and cannot be changed after the first table has been
// created or opened with it.
type TableSchema struct {
	name            string
	key             *SchemaIndexDef
	fixed           []*FixedSizeIndexDef
	indexes         []*SchemaIndexDef
	fieldCount      int
	suppressContent bool
	frozen          atomic.Bool
}

func NewTableSchema(name string) *TableSchema {
	if name == "" {
		panic("NewTableSchema: empty name")
	}
	return &TableSchema{name: name}
}

func (s *TableSchema) Name() string { return s.name }

func (s *TableSchema) Key() *SchemaIndexDef { return s.key }

func (s *TableSchema) FixedSizeIndexes() []*FixedSizeIndexDef { return slices.Clone(s.fixed) }

func (s *TableSchema) Indexes() []*SchemaIndexDef { return slices.Clone(s.indexes) }

func (s *TableSchema) FieldCount() int { return s.fieldCount }

func (s *TableSchema) mutate(op string) {
	if s.frozen.Load() {
		panic(schemaErrf(s.name, "", nil, "%s after the schema was used", op))
	}
}

func (s *TableSchema) DefineKey(def *SchemaIndexDef) *TableSchema {
	s.mutate("DefineKey")
	if s.key != nil {
		panic(schemaErrf(s.name, "", nil, "primary key defined twice"))
	}
	if def.IsGlobal {
		panic(schemaErrf(s.name, "", nil, "primary key cannot be global"))
	}
	s.checkFields(def.Name, def.StartIndex, def.Count)
	s.key = def
	return s
}

func (s *TableSchema) DefineFixedSizeIndex(def *FixedSizeIndexDef) *TableSchema {
	s.mutate("DefineFixedSizeIndex")
	s.checkIndexName(def.Name)
	s.checkFields(def.Name, def.StartIndex, 1)
	s.fixed = append(s.fixed, def)
	return s
}

func (s *TableSchema) DefineIndex(def *SchemaIndexDef) *TableSchema {
	s.mutate("DefineIndex")
	s.checkIndexName(def.Name)
	s.checkFields(def.Name, def.StartIndex, def.Count)
	s.indexes = append(s.indexes, def)
	return s
}

// SetFieldCount makes writes of records with a different number of fields
// fail with ErrFieldCount.
func (s *TableSchema) SetFieldCount(n int) *TableSchema {
	s.mutate("SetFieldCount")
	s.fieldCount = n
	return s
}

// SuppressContentWhenLogging hides record contents from Dump and verbose
// logging.
func (s *TableSchema) SuppressContentWhenLogging() *TableSchema {
	s.mutate("SuppressContentWhenLogging")
	s.suppressContent = true
	return s
}

func (s *TableSchema) checkIndexName(name string) {
	if name == "" || strings.IndexByte(name, 0) >= 0 {
		panic(schemaErrf(s.name, "", nil, "invalid index name %q", name))
	}
	for _, d := range s.fixed {
		if d.Name == name {
			panic(schemaErrf(s.name, "", nil, "duplicate index %q", name))
		}
	}
	for _, d := range s.indexes {
		if d.Name == name {
			panic(schemaErrf(s.name, "", nil, "duplicate index %q", name))
		}
	}
}

func (s *TableSchema) checkFields(name string, start, count int) {
	if start < 0 || count < 1 {
		panic(schemaErrf(s.name, "", nil, "index %q: invalid field range [%d, +%d)", name, start, count))
	}
	if s.fieldCount > 0 && start+count > s.fieldCount {
		panic(schemaErrf(s.name, "", nil, "index %q: fields [%d, %d) exceed field count %d", name, start, start+count, s.fieldCount))
	}
}

func (s *TableSchema) freeze() {
	if s.key == nil {
		panic(schemaErrf(s.name, "", nil, "no primary key defined"))
	}
	s.frozen.Store(true)
}

func (s *TableSchema) hasFixed(def *FixedSizeIndexDef) int {
	return slices.Index(s.fixed, def)
}

func (s *TableSchema) hasIndex(def *SchemaIndexDef) int {
	return slices.Index(s.indexes, def)
}

// extract appends the key described by def to buf.
func (def *SchemaIndexDef) extract(buf []byte, r TableValueReader) ([]byte, error) {
	if def.StartIndex+def.Count > r.Count() {
		return nil, fmt.Errorf("%w: index %s needs fields [%d, %d), record has %d", ErrFieldCount, def.Name, def.StartIndex, def.StartIndex+def.Count, r.Count())
	}
	for i := range def.Count {
		if i > 0 {
			buf = append(buf, def.Separator...)
		}
		buf = append(buf, r.Read(def.StartIndex+i)...)
	}
	return buf, nil
}

func (def *FixedSizeIndexDef) extract(r TableValueReader) ([]byte, error) {
	if def.StartIndex >= r.Count() {
		return nil, fmt.Errorf("%w: index %s needs field %d, record has %d", ErrFieldCount, def.Name, def.StartIndex, r.Count())
	}
	v := r.Read(def.StartIndex)
	if len(v) != 8 {
		return nil, fmt.Errorf("%w: index %s field %d has %d bytes, wanted 8", ErrFieldCount, def.Name, def.StartIndex, len(v))
	}
	return v, nil
}

func (def *SchemaIndexDef) String() string {
	if def.IsGlobal {
		return "global:" + def.Name
	}
	return def.Name
}

func (def *FixedSizeIndexDef) String() string {
	if def.IsGlobal {
		return "global:" + def.Name
	}
	return def.Name
}

func (def *SchemaIndexDef) sameShape(o *SchemaIndexDef) bool {
	return def.Name == o.Name && def.StartIndex == o.StartIndex && def.Count == o.Count && def.IsGlobal == o.IsGlobal && bytes.Equal(def.Separator, o.Separator)
}

// Registry holds the schemas known to a database. Schemas are added once at
// startup and looked up by name afterwards.
type Registry struct {
	schemas map[string]*TableSchema
	names   []string
}

func NewRegistry() *Registry {
	return &Registry{schemas: make(map[string]*TableSchema)}
}

func (reg *Registry) Add(name string, s *TableSchema) *TableSchema {
	if _, dup := reg.schemas[name]; dup {
		panic(fmt.Errorf("schema %q registered twice", name))
	}
	reg.schemas[name] = nonNil(s)
	reg.names = append(reg.names, name)
	return s
}

func (reg *Registry) Lookup(name string) (*TableSchema, bool) {
	s, ok := reg.schemas[name]
	return s, ok
}

// Names returns registered names in registration order.
func (reg *Registry) Names() []string {
	return slices.Clone(reg.names)
}

func (reg *Registry) schemaNamed(schemaName string) *TableSchema {
	if reg == nil {
		return nil
	}
	for _, s := range reg.schemas {
		if s.name == schemaName {
			return s
		}
	}
	return nil
}
