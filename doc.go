/*
Package tabledb implements an embedded transactional table store.

Rows are tuple-encoded records (see TableValueBuilder). A TableSchema names
the fields forming the primary key, any number of composite indexes over
contiguous field ranges, and fixed-size indexes over a single 8-byte
big-endian field. Indexes may be global, in which case every table created
with the same index name shares one ordered collection of entries.

Transactions follow a single writer, many readers model. A reader sees the
state committed when it began, for as long as it stays open.

# Storage

Tables sit on a pluggable ordered key-value storage:

1. native (default): a page file with a write-ahead journal and
copy-on-write B-trees, see packages pager and btree.

2. bolt: go.etcd.io/bbolt.

3. leveldb: github.com/syndtr/goleveldb, with buckets as key prefixes.

4. memory: github.com/google/btree, for tests.

# Technical Details

**Buckets.** Each table T owns (T, "data") mapping primary key to record,
(T, "fx_"+name) mapping big-endian uint64 to primary key, and
(T, "ix_"+name) holding composite index entries with empty values. Global
indexes live under "@global". Table shapes are recorded in "@tables" as
msgpack, and database-wide counters in "@globals".

**Composite index entries.** An entry key is esc(indexKey) 00 01 pk, where
esc replaces every 00 byte with 00 FF. Entries therefore sort by index key
first, and a prefix of the index key is a prefix of the escaped form.
Global entries use the tuple (table, pk) in place of pk.

**Record encoding.** Fields back to back, then the lengths of all fields but
the last as reverse uvarints, then the field count. Field i is readable
without decoding the others.
*/
package tabledb
