package tabledb

import (
	"fmt"
)

type (
	Change struct {
		table  *Table
		op     Op
		rawKey []byte
		row    *TableValueReader
		oldRow *TableValueReader
	}

	ChangeFlags uint64

	Op int
)

const (
	OpNone   Op = 0
	OpPut    Op = 1
	OpDelete Op = 2
)

const (
	ChangeFlagNotify ChangeFlags = 1 << iota
	ChangeFlagIncludeKey
	ChangeFlagIncludeRow
	ChangeFlagIncludeOldRow

	ChangeFlagsAll = ChangeFlagNotify | ChangeFlagIncludeKey | ChangeFlagIncludeRow | ChangeFlagIncludeOldRow
)

func (chg *Change) Table() *Table {
	return chg.table
}
func (chg *Change) TableName() string {
	return chg.table.name
}
func (chg *Change) Op() Op {
	return chg.op
}
func (chg *Change) RawKey() []byte {
	return chg.rawKey
}
func (chg *Change) HasKey() bool {
	return chg.rawKey != nil
}

// Row is the written row for puts and the removed row for deletes.
func (chg *Change) Row() TableValueReader {
	if chg.row == nil {
		return TableValueReader{}
	}
	return *chg.row
}
func (chg *Change) HasRow() bool {
	return chg.row != nil
}

// OldRow is the row replaced by a put.
func (chg *Change) OldRow() TableValueReader {
	if chg.oldRow == nil {
		return TableValueReader{}
	}
	return *chg.oldRow
}
func (chg *Change) HasOldRow() bool {
	return chg.oldRow != nil
}

func (v ChangeFlags) Contains(f ChangeFlags) bool {
	return (v & f) == f
}
func (v ChangeFlags) ContainsAny(f ChangeFlags) bool {
	return (v & f) != 0
}

func (v Op) String() string {
	switch v {
	case OpNone:
		return "none"
	case OpPut:
		return "put"
	case OpDelete:
		return "delete"
	default:
		return fmt.Sprintf("invalid op %d", int(v))
	}
}

// OnChange registers f to be called after every put and delete of the
// listed tables, with the given flags controlling which parts of the change
// are filled in. A nil map subscribes to every table with ChangeFlagsAll.
func (tx *Tx) OnChange(tables map[string]ChangeFlags, f func(tx *Tx, chg *Change)) {
	tx.changeTables = tables
	tx.changeHandler = f
}

func (tx *Tx) notify(tbl *Table, op Op, key []byte, row, old TableValueReader) {
	if tx.changeHandler == nil {
		return
	}
	flags := ChangeFlagsAll
	if tx.changeTables != nil {
		flags = tx.changeTables[tbl.name]
	}
	if !flags.Contains(ChangeFlagNotify) {
		return
	}
	chg := &Change{table: tbl, op: op}
	if flags.Contains(ChangeFlagIncludeKey) {
		chg.rawKey = key
	}
	if op == OpDelete {
		row, old = old, TableValueReader{}
	}
	if flags.Contains(ChangeFlagIncludeRow) && row.raw != nil {
		chg.row = &row
	}
	if flags.Contains(ChangeFlagIncludeOldRow) && old.raw != nil {
		chg.oldRow = &old
	}
	tx.changeHandler(tx, chg)
}
