// Package dberr defines the error taxonomy shared by every sapling package.
package dberr

import (
	"errors"
	"fmt"
)

// Code identifies a class of failure
type Code int

const (
	OK Code = iota
	OOM
	Invalid
	NotFound
	Range
	Empty
	Full
	ReadOnly
	Busy
	Exists
	Conflict
	Corrupt
	Parse
	Type
)

var codeNames = [...]string{
	OK:       "OK",
	OOM:      "OOM",
	Invalid:  "INVALID",
	NotFound: "NOT_FOUND",
	Range:    "RANGE",
	Empty:    "EMPTY",
	Full:     "FULL",
	ReadOnly: "READONLY",
	Busy:     "BUSY",
	Exists:   "EXISTS",
	Conflict: "CONFLICT",
	Corrupt:  "CORRUPT",
	Parse:    "PARSE",
	Type:     "TYPE",
}

// String returns the canonical name of the code
func (c Code) String() string {
	if c < 0 || int(c) >= len(codeNames) {
		return "UNKNOWN"
	}
	return codeNames[c]
}

// Error is a coded engine error
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code.String()
	}
	return e.Message
}

// Is reports whether target carries the same code, so errors built with New
// match the package sentinels.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// Errors
var (
	ErrOOM      = &Error{OOM, "out of memory"}
	ErrInvalid  = &Error{Invalid, "invalid argument"}
	ErrNotFound = &Error{NotFound, "key not found"}
	ErrRange    = &Error{Range, "page number out of range"}
	ErrEmpty    = &Error{Empty, "empty"}
	ErrFull     = &Error{Full, "entry too large for page"}
	ErrReadOnly = &Error{ReadOnly, "transaction is read-only"}
	ErrBusy     = &Error{Busy, "resource busy"}
	ErrExists   = &Error{Exists, "already exists"}
	ErrConflict = &Error{Conflict, "conflict"}
	ErrCorrupt  = &Error{Corrupt, "data corruption detected"}
	ErrParse    = &Error{Parse, "parse error"}
	ErrType     = &Error{Type, "type mismatch"}
)

// New builds an error of the given code with a formatted message
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the code from err. nil maps to OK and foreign errors to
// Invalid.
func CodeOf(err error) Code {
	if err == nil {
		return OK
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return Invalid
}
