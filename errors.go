package tabledb

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrTableNotFound     = errors.New("table not found")
	ErrSchemaMismatch    = errors.New("table exists with a different schema")
	ErrDuplicateKey      = errors.New("duplicate key")
	ErrDuplicateIndexKey = errors.New("duplicate fixed-size index key")
	ErrIndexNotDeclared  = errors.New("index not declared by the table schema")
	ErrFieldCount        = errors.New("wrong number of fields")
	ErrEmptyKey          = errors.New("empty key")
	ErrKeyTooLarge       = errors.New("key too large")
	ErrNotWritable       = errors.New("transaction is read-only")
	ErrTxClosed          = errors.New("transaction closed")
)

type DataError struct {
	Data []byte
	Off  int
	Err  error
	Msg  string
}

func dataErrf(data []byte, off int, err error, format string, args ...any) error {
	return &DataError{data, off, err, fmt.Sprintf(format, args...)}
}

func (e *DataError) Unwrap() error {
	return e.Err
}

func (e *DataError) Error() string {
	const prefixLen = 64
	const suffixLen = 32
	n := len(e.Data)
	if n <= prefixLen+suffixLen {
		if e.Err != nil {
			return fmt.Sprintf("%s: %v: (%d) %x", e.Msg, e.Err, n, e.Data)
		} else {
			return fmt.Sprintf("%s: (%d) %x", e.Msg, n, e.Data)
		}
	} else {
		p, s := e.Data[:prefixLen], e.Data[n-suffixLen:]
		if e.Err != nil {
			return fmt.Sprintf("%s: %v: (%d) %x...%x", e.Msg, e.Err, n, p, s)
		} else {
			return fmt.Sprintf("%s: (%d) %x...%x", e.Msg, n, p, s)
		}
	}
}

// TableError describes a failure affecting one row or index entry.
type TableError struct {
	Table string
	Index string
	Key   []byte
	Msg   string
	Err   error
}

func tableErrf(tbl *Table, index string, key []byte, err error, format string, args ...any) error {
	return &TableError{tbl.Name(), index, key, fmt.Sprintf(format, args...), err}
}

func (e *TableError) Unwrap() error {
	return e.Err
}

func (e *TableError) Error() string {
	var buf strings.Builder
	buf.WriteString(e.Table)
	if e.Index != "" {
		buf.WriteByte('.')
		buf.WriteString(e.Index)
	}
	if e.Key != nil {
		buf.WriteByte('/')
		buf.WriteString(keyString(e.Key))
	}
	if e.Msg != "" {
		buf.WriteString(": ")
		buf.WriteString(e.Msg)
		if e.Err != nil {
			buf.WriteString(": ")
			buf.WriteString(e.Err.Error())
		}
	} else if e.Err != nil {
		buf.WriteString(": ")
		buf.WriteString(e.Err.Error())
	}
	return buf.String()
}

// SchemaError reports a schema that cannot be used with a table, either
// because it differs from the persisted one or because an index handle that
// it does not declare was requested.
type SchemaError struct {
	Schema string
	Table  string
	Msg    string
	Err    error
}

func schemaErrf(schema, table string, err error, format string, args ...any) error {
	return &SchemaError{schema, table, fmt.Sprintf(format, args...), err}
}

func (e *SchemaError) Unwrap() error {
	return e.Err
}

func (e *SchemaError) Error() string {
	var buf strings.Builder
	buf.WriteString("schema ")
	buf.WriteString(e.Schema)
	if e.Table != "" && e.Table != e.Schema {
		buf.WriteString(" (table ")
		buf.WriteString(e.Table)
		buf.WriteByte(')')
	}
	if e.Msg != "" {
		buf.WriteString(": ")
		buf.WriteString(e.Msg)
	}
	if e.Err != nil {
		buf.WriteString(": ")
		buf.WriteString(e.Err.Error())
	}
	return buf.String()
}

// keyString renders printable keys as quoted strings and others as hex.
func keyString(k []byte) string {
	for _, c := range k {
		if c < 0x20 || c >= 0x7F {
			return hexstr(k)
		}
	}
	return fmt.Sprintf("%q", k)
}
