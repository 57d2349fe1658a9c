// Package references keeps track of which referenced keys each referencing
// record loads, together with a per-collection reference count.
//
// Removal can be Immediate or Deferred. In Deferred mode removed references
// are only marked PendingCleanup; they are reconciled by the next Add
// touching the same referencing id or the same referenced key, or by Sweep.
// Until then the counts still include them.
package references

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"

	tabledb "github.com/shiranshalom/ravendb-sub000"
	"github.com/shiranshalom/ravendb-sub000/slice"
)

type Mode int

const (
	Immediate Mode = iota
	Deferred
)

type State byte

const (
	Active         State = 1
	PendingCleanup State = 2
)

func (s State) String() string {
	switch s {
	case Active:
		return "active"
	case PendingCleanup:
		return "pending-cleanup"
	default:
		return fmt.Sprintf("state(%d)", byte(s))
	}
}

const sep = 0x1E

var ErrInvalidID = errors.New("references: id, collection or key contains the separator byte")

// Reference fields: referencing id, collection, referenced key, state.
const (
	fieldReferencingID = iota
	fieldCollection
	fieldReferencedKey
	fieldState
	referenceFields
)

// Collection count fields: collection, referenced key, count.
const (
	fieldCountCollection = iota
	fieldCountKey
	fieldCount
	countFields
)

type Options struct {
	// Name prefixes both table names, so that several trackers can share a
	// database.
	Name   string
	Mode   Mode
	Logger *slog.Logger
}

// Tracker owns a ReferencesForDocuments table and a ReferencesCollections
// table.
type Tracker struct {
	mode   Mode
	logger *slog.Logger

	refsTable  string
	countTable string

	refs         *tabledb.TableSchema
	byReferenced *tabledb.SchemaIndexDef
	byState      *tabledb.SchemaIndexDef
	counts       *tabledb.TableSchema
}

// New builds a tracker and registers its schemas in reg.
func New(reg *tabledb.Registry, opt Options) *Tracker {
	tr := &Tracker{
		mode:       opt.Mode,
		logger:     opt.Logger,
		refsTable:  opt.Name + "ReferencesForDocuments",
		countTable: opt.Name + "ReferencesCollections",
		byReferenced: &tabledb.SchemaIndexDef{
			Name:       "ByReferencedKey",
			StartIndex: fieldCollection,
			Count:      3,
			Separator:  []byte{sep},
		},
		byState: &tabledb.SchemaIndexDef{
			Name:       "ByState",
			StartIndex: fieldState,
			Count:      1,
		},
	}
	if tr.logger == nil {
		tr.logger = slog.Default()
	}
	tr.refs = tabledb.NewTableSchema("ReferencesForDocuments").
		DefineKey(&tabledb.SchemaIndexDef{Name: "Key", StartIndex: fieldReferencingID, Count: 3, Separator: []byte{sep}}).
		DefineIndex(tr.byReferenced).
		DefineIndex(tr.byState).
		SetFieldCount(referenceFields)
	tr.counts = tabledb.NewTableSchema("ReferencesCollections").
		DefineKey(&tabledb.SchemaIndexDef{Name: "Key", StartIndex: fieldCountCollection, Count: 2, Separator: []byte{sep}}).
		SetFieldCount(countFields)
	if reg != nil {
		reg.Add(tr.refsTable, tr.refs)
		reg.Add(tr.countTable, tr.counts)
	}
	return tr
}

func (tr *Tracker) Mode() Mode { return tr.mode }

// Create creates both tables; it is safe to call on every startup.
func (tr *Tracker) Create(tx *tabledb.Tx) error {
	if err := tr.refs.Create(tx, tr.refsTable); err != nil {
		return err
	}
	return tr.counts.Create(tx, tr.countTable)
}

type tables struct {
	tx     *tabledb.Tx
	refs   *tabledb.Table
	counts *tabledb.Table
}

func (tr *Tracker) open(tx *tabledb.Tx) (*tables, error) {
	refs, err := tx.OpenTable(tr.refs, tr.refsTable)
	if err != nil {
		return nil, err
	}
	counts, err := tx.OpenTable(tr.counts, tr.countTable)
	if err != nil {
		return nil, err
	}
	return &tables{tx, refs, counts}, nil
}

func checkParts(parts ...[]byte) error {
	for _, p := range parts {
		if len(p) == 0 || bytes.IndexByte(p, sep) >= 0 {
			return fmt.Errorf("%w: %q", ErrInvalidID, p)
		}
	}
	return nil
}

func join(parts ...[]byte) []byte {
	return bytes.Join(parts, []byte{sep})
}

// Reference is one stored reference row.
type Reference struct {
	ReferencingID string
	Collection    string
	Key           []byte
	State         State
}

func decodeReference(r tabledb.TableValueReader) Reference {
	ref := Reference{
		ReferencingID: r.ReadString(fieldReferencingID),
		Collection:    r.ReadString(fieldCollection),
		Key:           bytes.Clone(r.Read(fieldReferencedKey)),
	}
	if st := r.Read(fieldState); len(st) == 1 {
		ref.State = State(st[0])
	}
	return ref
}

func (ref *Reference) builder(state State) *tabledb.TableValueBuilder {
	var b tabledb.TableValueBuilder
	b.AddString(ref.ReferencingID).AddString(ref.Collection).Add(ref.Key).Add([]byte{byte(state)})
	return &b
}

func (ref *Reference) pk() []byte {
	return join([]byte(ref.ReferencingID), []byte(ref.Collection), ref.Key)
}

// Add records that referencingID loads key from collection. Adding an
// existing reference is a no-op; adding one pending cleanup revives it.
func (tr *Tracker) Add(tx *tabledb.Tx, referencingID, collection string, key []byte) error {
	if err := checkParts([]byte(referencingID), []byte(collection), key); err != nil {
		return err
	}
	t, err := tr.open(tx)
	if err != nil {
		return err
	}
	ref := Reference{ReferencingID: referencingID, Collection: collection, Key: key}
	if err := tr.reconcileID(t, referencingID, ref.pk()); err != nil {
		return err
	}
	if err := tr.reconcileKey(t, collection, key, ref.pk()); err != nil {
		return err
	}

	if r, ok := t.refs.ReadByKey(ref.pk()); ok {
		if decodeReference(r).State == Active {
			return nil
		}
		_, err := t.refs.Set(ref.builder(Active))
		return err
	}
	if err := t.refs.Insert(ref.builder(Active)); err != nil {
		return err
	}
	return tr.adjust(t, collection, key, +1)
}

// Set makes the references of referencingID exactly the given keys of
// collection, adding and removing as needed.
func (tr *Tracker) Set(tx *tabledb.Tx, referencingID, collection string, keys [][]byte) error {
	current, err := tr.References(tx, referencingID)
	if err != nil {
		return err
	}
	for _, ref := range current {
		if ref.Collection != collection || ref.State != Active || containsKey(keys, ref.Key) {
			continue
		}
		if err := tr.removeOne(tx, ref); err != nil {
			return err
		}
	}
	for _, k := range keys {
		if err := tr.Add(tx, referencingID, collection, k); err != nil {
			return err
		}
	}
	return nil
}

func containsKey(keys [][]byte, k []byte) bool {
	for _, o := range keys {
		if bytes.Equal(o, k) {
			return true
		}
	}
	return false
}

// References lists every reference row of referencingID, including those
// pending cleanup.
func (tr *Tracker) References(tx *tabledb.Tx, referencingID string) ([]Reference, error) {
	if err := checkParts([]byte(referencingID)); err != nil {
		return nil, err
	}
	t, err := tr.open(tx)
	if err != nil {
		return nil, err
	}
	return tabledb.All(tabledb.MapRows(t.refs.SeekByPrimaryKeyPrefix(idPrefix(referencingID), nil, 0), func(h tabledb.TableValueHolder) Reference {
		return decodeReference(h.Reader)
	})), nil
}

func idPrefix(referencingID string) []byte {
	return append([]byte(referencingID), sep)
}

// Remove drops every reference of referencingID and returns how many were
// dropped or, in Deferred mode, marked for cleanup.
func (tr *Tracker) Remove(tx *tabledb.Tx, referencingID string) (int, error) {
	current, err := tr.References(tx, referencingID)
	if err != nil {
		return 0, err
	}
	var n int
	for _, ref := range current {
		if ref.State != Active {
			continue
		}
		if err := tr.removeOne(tx, ref); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (tr *Tracker) removeOne(tx *tabledb.Tx, ref Reference) error {
	t, err := tr.open(tx)
	if err != nil {
		return err
	}
	if tr.mode == Deferred {
		_, err := t.refs.Set(ref.builder(PendingCleanup))
		return err
	}
	return tr.drop(t, ref)
}

func (tr *Tracker) drop(t *tables, ref Reference) error {
	deleted, err := t.refs.DeleteByKey(ref.pk())
	if err != nil || !deleted {
		return err
	}
	return tr.adjust(t, ref.Collection, ref.Key, -1)
}

// reconcileID drops the pending rows of referencingID, except keep.
func (tr *Tracker) reconcileID(t *tables, referencingID string, keep []byte) error {
	if tr.mode != Deferred {
		return nil
	}
	var pending []Reference
	for h := range t.refs.SeekByPrimaryKeyPrefix(idPrefix(referencingID), nil, 0) {
		if ref := decodeReference(h.Reader); ref.State == PendingCleanup {
			pending = append(pending, ref)
		}
	}
	return tr.dropAll(t, pending, keep)
}

// reconcileKey drops the pending rows referencing key, except keep.
func (tr *Tracker) reconcileKey(t *tables, collection string, key, keep []byte) error {
	if tr.mode != Deferred {
		return nil
	}
	prefix := slice.From(join([]byte(collection), key, []byte{byte(PendingCleanup)}))
	var pending []Reference
	for _, h := range t.refs.Index(tr.byReferenced).SeekForwardFromPrefix(prefix, slice.BeforeAllKeys, 0) {
		pending = append(pending, decodeReference(h.Reader))
	}
	return tr.dropAll(t, pending, keep)
}

func (tr *Tracker) dropAll(t *tables, refs []Reference, keep []byte) error {
	for _, ref := range refs {
		if keep != nil && bytes.Equal(ref.pk(), keep) {
			continue
		}
		if err := tr.drop(t, ref); err != nil {
			return err
		}
	}
	if len(refs) > 0 {
		tr.logger.LogAttrs(context.Background(), slog.LevelDebug, "references: reconciled", slog.String("table", tr.refsTable), slog.Int("rows", len(refs)))
	}
	return nil
}

// Sweep drops every reference pending cleanup and returns how many were
// dropped.
func (tr *Tracker) Sweep(tx *tabledb.Tx) (int, error) {
	t, err := tr.open(tx)
	if err != nil {
		return 0, err
	}
	var pending []Reference
	for _, h := range t.refs.Index(tr.byState).SeekForwardFromPrefix(slice.From([]byte{byte(PendingCleanup)}), slice.BeforeAllKeys, 0) {
		pending = append(pending, decodeReference(h.Reader))
	}
	if err := tr.dropAll(t, pending, nil); err != nil {
		return 0, err
	}
	return len(pending), nil
}

// adjust changes the count of (collection, key), deleting the row when it
// reaches zero.
func (tr *Tracker) adjust(t *tables, collection string, key []byte, delta int64) error {
	pk := join([]byte(collection), key)
	var n int64
	if r, ok := t.counts.ReadByKey(pk); ok {
		n = int64(r.ReadUint64(fieldCount))
	}
	n += delta
	if n < 0 {
		return fmt.Errorf("references: count of %s/%q went negative", collection, key)
	}
	if n == 0 {
		_, err := t.counts.DeleteByKey(pk)
		return err
	}
	var b tabledb.TableValueBuilder
	b.AddString(collection).Add(key).AddUint64(uint64(n))
	_, err := t.counts.Set(&b)
	return err
}

// Count returns how many references (collection, key) has.
func (tr *Tracker) Count(tx *tabledb.Tx, collection string, key []byte) (int64, error) {
	t, err := tr.open(tx)
	if err != nil {
		return 0, err
	}
	r, ok := t.counts.ReadByKey(join([]byte(collection), key))
	if !ok {
		return 0, nil
	}
	return int64(r.ReadUint64(fieldCount)), nil
}

// Counts returns the row counts of the reference table and the collection
// count table.
func (tr *Tracker) Counts(tx *tabledb.Tx) (refs, collections int64, err error) {
	t, err := tr.open(tx)
	if err != nil {
		return 0, 0, err
	}
	return t.refs.Count(), t.counts.Count(), nil
}
