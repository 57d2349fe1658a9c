package pager

import (
	"errors"
	"fmt"
)

var (
	ErrClosed          = errors.New("pager: closed")
	ErrCorrupted       = errors.New("pager: corrupted")
	ErrIncompatible    = errors.New("pager: incompatible file")
	ErrEncryptionKey   = errors.New("pager: wrong or missing encryption key")
	ErrPageTooLarge    = errors.New("pager: page data exceeds usable page size")
	ErrTxDone          = errors.New("pager: transaction already committed or rolled back")
	ErrPageNotWritable = errors.New("pager: page was not allocated by this transaction")
)

// CorruptionError describes a page that failed validation on read.
type CorruptionError struct {
	Page PageNum
	Msg  string
	Err  error
}

func corruptf(pgno PageNum, err error, format string, args ...any) *CorruptionError {
	return &CorruptionError{Page: pgno, Msg: fmt.Sprintf(format, args...), Err: err}
}

func (e *CorruptionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("page %d corrupted: %s: %v", e.Page, e.Msg, e.Err)
	}
	return fmt.Sprintf("page %d corrupted: %s", e.Page, e.Msg)
}

func (e *CorruptionError) Unwrap() error {
	return e.Err
}

func (e *CorruptionError) Is(target error) bool {
	return target == ErrCorrupted
}
