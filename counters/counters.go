// Package counters stores named int64 counters grouped per document. Each
// group is one row holding two parallel msgpack blobs: the values keyed by
// the lowercased counter name, and the original-case names under the same
// keys. Every change assigns the group a new etag.
package counters

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"strings"

	"github.com/vmihailenco/msgpack/v5"

	tabledb "github.com/shiranshalom/ravendb-sub000"
)

const TableName = "CounterGroups"

// Group fields: lowercased document id, etag, values, names.
const (
	fieldDocID = iota
	fieldEtag
	fieldValues
	fieldNames
	groupFields
)

var ErrEmptyName = errors.New("counters: empty document id or counter name")

// Value is one counter value, keyed by the lowercased counter name.
type Value struct {
	Key   string `msgpack:"k"`
	Value int64  `msgpack:"v"`
}

// Name maps a lowercased counter name back to the name it was created with.
type Name struct {
	Key  string `msgpack:"k"`
	Name string `msgpack:"n"`
}

// Group is a decoded counter group row.
type Group struct {
	DocID  string
	Etag   uint64
	Values []Value
	Names  []Name
}

// Consistent reports whether every value has a name under the same key at
// the same position.
func (g *Group) Consistent() bool {
	if len(g.Values) != len(g.Names) {
		return false
	}
	for i, v := range g.Values {
		if g.Names[i].Key != v.Key {
			return false
		}
	}
	return true
}

func (g *Group) find(key string) (int, bool) {
	return slices.BinarySearchFunc(g.Values, key, func(v Value, k string) int {
		return cmp.Compare(v.Key, k)
	})
}

func (g *Group) name(key string) (string, bool) {
	i, ok := slices.BinarySearchFunc(g.Names, key, func(n Name, k string) int {
		return cmp.Compare(n.Key, k)
	})
	if !ok {
		return "", false
	}
	return g.Names[i].Name, true
}

// repair rebuilds Names to match Values one to one. Missing names fall back
// to the lowercased key.
func (g *Group) repair() {
	names := make([]Name, len(g.Values))
	for i, v := range g.Values {
		n, ok := g.name(v.Key)
		if !ok {
			n = v.Key
		}
		names[i] = Name{Key: v.Key, Name: n}
	}
	g.Names = names
}

func (g *Group) builder() (*tabledb.TableValueBuilder, error) {
	values, err := msgpack.Marshal(g.Values)
	if err != nil {
		return nil, err
	}
	names, err := msgpack.Marshal(g.Names)
	if err != nil {
		return nil, err
	}
	var b tabledb.TableValueBuilder
	b.AddString(g.DocID).AddUint64(g.Etag).Add(values).Add(names)
	return &b, nil
}

// decodeGroup reads a row. A names blob that fails to decode is reported as
// an empty one so that Repair can rebuild it; a bad values blob is an error.
func decodeGroup(r tabledb.TableValueReader) (*Group, error) {
	g := &Group{
		DocID: r.ReadString(fieldDocID),
		Etag:  r.ReadUint64(fieldEtag),
	}
	if err := msgpack.Unmarshal(r.Read(fieldValues), &g.Values); err != nil {
		return nil, fmt.Errorf("counters: %s: values: %w", g.DocID, err)
	}
	if err := msgpack.Unmarshal(r.Read(fieldNames), &g.Names); err != nil {
		g.Names = nil
	}
	return g, nil
}

type Options struct {
	Logger *slog.Logger
}

// Store owns the CounterGroups table.
type Store struct {
	logger *slog.Logger
	schema *tabledb.TableSchema
	byEtag *tabledb.FixedSizeIndexDef
}

// New builds a store and registers its schema in reg.
func New(reg *tabledb.Registry, opt Options) *Store {
	s := &Store{
		logger: opt.Logger,
		byEtag: &tabledb.FixedSizeIndexDef{Name: "AllCounterGroupsEtags", StartIndex: fieldEtag, IsGlobal: true},
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.schema = tabledb.NewTableSchema(TableName).
		DefineKey(&tabledb.SchemaIndexDef{Name: "DocId", StartIndex: fieldDocID, Count: 1}).
		DefineFixedSizeIndex(s.byEtag).
		SetFieldCount(groupFields)
	if reg != nil {
		reg.Add(TableName, s.schema)
	}
	return s
}

func (s *Store) Create(tx *tabledb.Tx) error {
	return s.schema.Create(tx, TableName)
}

func (s *Store) table(tx *tabledb.Tx) (*tabledb.Table, error) {
	return tx.OpenTable(s.schema, TableName)
}

func docKey(docID string) []byte {
	return []byte(strings.ToLower(docID))
}

// Read returns the group of docID.
func (s *Store) Read(tx *tabledb.Tx, docID string) (*Group, bool, error) {
	tbl, err := s.table(tx)
	if err != nil {
		return nil, false, err
	}
	r, ok := tbl.ReadByKey(docKey(docID))
	if !ok {
		return nil, false, nil
	}
	g, err := decodeGroup(r)
	if err != nil {
		return nil, false, err
	}
	return g, true, nil
}

// Increment adds delta to the counter, creating it at zero first, and returns
// the new value.
func (s *Store) Increment(tx *tabledb.Tx, docID, name string, delta int64) (int64, error) {
	if docID == "" || name == "" {
		return 0, ErrEmptyName
	}
	g, ok, err := s.Read(tx, docID)
	if err != nil {
		return 0, err
	}
	if !ok {
		g = &Group{DocID: string(docKey(docID))}
	}
	key := strings.ToLower(name)
	i, found := g.find(key)
	if found {
		g.Values[i].Value += delta
	} else {
		g.Values = slices.Insert(g.Values, i, Value{Key: key, Value: delta})
	}
	if _, ok := g.name(key); !ok {
		j, _ := slices.BinarySearchFunc(g.Names, key, func(n Name, k string) int {
			return cmp.Compare(n.Key, k)
		})
		g.Names = slices.Insert(g.Names, j, Name{Key: key, Name: name})
	}
	if err := s.write(tx, g); err != nil {
		return 0, err
	}
	return g.Values[i].Value, nil
}

func (s *Store) write(tx *tabledb.Tx, g *Group) error {
	tbl, err := s.table(tx)
	if err != nil {
		return err
	}
	if g.Etag, err = tx.NextEtag(); err != nil {
		return err
	}
	b, err := g.builder()
	if err != nil {
		return err
	}
	_, err = tbl.Set(b)
	return err
}

// Get returns the value of a counter.
func (s *Store) Get(tx *tabledb.Tx, docID, name string) (int64, bool, error) {
	g, ok, err := s.Read(tx, docID)
	if err != nil || !ok {
		return 0, false, err
	}
	i, ok := g.find(strings.ToLower(name))
	if !ok {
		return 0, false, nil
	}
	return g.Values[i].Value, true, nil
}

// Names lists the counters of docID in their original case, ordered by
// lowercased name.
func (s *Store) Names(tx *tabledb.Tx, docID string) ([]string, error) {
	g, ok, err := s.Read(tx, docID)
	if err != nil || !ok {
		return nil, err
	}
	names := make([]string, 0, len(g.Values))
	for _, v := range g.Values {
		n, ok := g.name(v.Key)
		if !ok {
			n = v.Key
		}
		names = append(names, n)
	}
	return names, nil
}

// Delete removes one counter. The group row goes away with its last counter.
func (s *Store) Delete(tx *tabledb.Tx, docID, name string) (bool, error) {
	g, ok, err := s.Read(tx, docID)
	if err != nil || !ok {
		return false, err
	}
	key := strings.ToLower(name)
	i, ok := g.find(key)
	if !ok {
		return false, nil
	}
	g.Values = slices.Delete(g.Values, i, i+1)
	g.Names = slices.DeleteFunc(g.Names, func(n Name) bool { return n.Key == key })
	if len(g.Values) == 0 {
		return s.DeleteGroup(tx, docID)
	}
	return true, s.write(tx, g)
}

// DeleteGroup removes every counter of docID.
func (s *Store) DeleteGroup(tx *tabledb.Tx, docID string) (bool, error) {
	tbl, err := s.table(tx)
	if err != nil {
		return false, err
	}
	return tbl.DeleteByKey(docKey(docID))
}

// ChangesSince returns up to limit groups whose etag is above after, in etag
// order. A limit of 0 means no limit.
func (s *Store) ChangesSince(tx *tabledb.Tx, after uint64, limit int) ([]*Group, error) {
	tbl, err := s.table(tx)
	if err != nil || after == math.MaxUint64 {
		return nil, err
	}
	var result []*Group
	for _, h := range tbl.FixedIndex(s.byEtag).SeekForwardFrom(after+1, 0) {
		if h.Table != TableName {
			continue
		}
		g, err := decodeGroup(h.Reader)
		if err != nil {
			return nil, err
		}
		result = append(result, g)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

// Repair finds groups whose names no longer match their values and rewrites
// them. Detection runs in a read transaction, the rewrite in one write
// transaction. It returns the number of groups fixed.
func (s *Store) Repair(ctx context.Context, db *tabledb.DB) (int, error) {
	var broken []string
	err := db.ReadErr(func(tx *tabledb.Tx) error {
		tbl, err := s.table(tx)
		if err != nil {
			return err
		}
		for h := range tbl.Rows() {
			if err := ctx.Err(); err != nil {
				return err
			}
			g, err := decodeGroup(h.Reader)
			if err != nil {
				s.logger.LogAttrs(ctx, slog.LevelWarn, "counters: unreadable group", slog.String("doc", string(h.Key)), slog.Any("err", err))
				continue
			}
			if !g.Consistent() {
				broken = append(broken, g.DocID)
			}
		}
		return nil
	})
	if err != nil || len(broken) == 0 {
		return 0, err
	}

	var fixed int
	err = db.Tx(true, func(tx *tabledb.Tx) error {
		for _, id := range broken {
			if err := ctx.Err(); err != nil {
				return err
			}
			g, ok, err := s.Read(tx, id)
			if err != nil {
				return err
			}
			if !ok || g.Consistent() {
				continue
			}
			g.repair()
			if err := s.write(tx, g); err != nil {
				return err
			}
			fixed++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	s.logger.LogAttrs(ctx, slog.LevelInfo, "counters: repaired groups", slog.Int("fixed", fixed))
	return fixed, nil
}
