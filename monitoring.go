package tabledb

// TableStats describes the storage used by one table. Index figures cover
// the table's own index buckets; a global index is counted in full, since
// its bucket is shared with other tables.
type TableStats struct {
	Rows      int
	IndexRows int

	DataSize   int64
	DataAlloc  int64
	IndexSize  int64
	IndexAlloc int64

	Indexes []IndexStats
}

type IndexStats struct {
	Name   string
	Global bool
	Fixed  bool
	Rows   int
	Depth  int
	Size   int64
	Alloc  int64
}

func (ts *TableStats) TotalSize() int64 {
	return ts.DataSize + ts.IndexSize
}

func (ts *TableStats) TotalAlloc() int64 {
	return ts.DataAlloc + ts.IndexAlloc
}

func (tx *Tx) TableStats(tbl *Table) TableStats {
	tx.checkOpen()
	bs := tbl.data.Stats()
	result := TableStats{
		Rows:      bs.KeyN,
		DataSize:  bs.LeafInuse,
		DataAlloc: bs.TotalAlloc(),
	}

	add := func(name string, global, fixed bool, b storageBucket) {
		bs := b.Stats()
		result.IndexRows += bs.KeyN
		result.IndexSize += bs.LeafInuse
		result.IndexAlloc += bs.TotalAlloc()
		result.Indexes = append(result.Indexes, IndexStats{
			Name:   name,
			Global: global,
			Fixed:  fixed,
			Rows:   bs.KeyN,
			Depth:  bs.Depth,
			Size:   bs.LeafInuse,
			Alloc:  bs.TotalAlloc(),
		})
	}
	for i, d := range tbl.schema.fixed {
		add(d.Name, d.IsGlobal, true, tbl.fixed[i])
	}
	for i, d := range tbl.schema.indexes {
		add(d.Name, d.IsGlobal, false, tbl.indexes[i])
	}
	return result
}
