package device

import (
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
)

var (
	ErrOpen = errors.New("device: open failed")
	ErrIO   = errors.New("device: i/o failed")
)

type Code uint32

const (
	CodeOK Code = iota
	CodeFail
	CodeOutOfMemory
	CodeFileNotFound
	CodeInvalidArg
	CodeAccess
	CodeIO
	CodeNotSupported
	CodeRange
)

var codeText = map[Code]string{
	CodeOK:           "The operation was successful",
	CodeFail:         "Unknown error",
	CodeOutOfMemory:  "Memory allocation failed. Out of memory",
	CodeFileNotFound: "The file could not be found",
	CodeInvalidArg:   "One of the parameters was invalid",
	CodeAccess:       "Insufficient permissions",
	CodeIO:           "A disk read or write failed",
	CodeNotSupported: "The operation is not supported",
	CodeRange:        "The request refers to a nonexistent sector",
}

func (c Code) String() string {
	if s, ok := codeText[c]; ok { return s }
	return fmt.Sprintf("code %d", uint32(c))
}

// Error is a collaborator failure with the code, text, and the place it was detected.
type Error struct {
	Code Code
	Desc string
	File string
	Line int

	kind error // ErrOpen / ErrIO
	err  error
}

func (e *Error) Error() string {
	s := fmt.Sprintf("[%s:%d] %#x %s", e.File, e.Line, uint32(e.Code), e.Desc)
	if e.err != nil {
		s += ": " + e.err.Error()
	}
	return s
}

func (e *Error) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.kind != nil { errs = append(errs, e.kind) }
	if e.err != nil { errs = append(errs, e.err) }
	return errs
}

// NewError records the caller's location.
func NewError(kind error, code Code, cause error) *Error {
	return newError(2, kind, code, cause)
}

func newError(skip int, kind error, code Code, cause error) *Error {
	_, file, line, ok := runtime.Caller(skip)
	if !ok {
		file, line = "???", 0
	}
	return &Error{
		Code: code,
		Desc: code.String(),
		File: filepath.Base(file),
		Line: line,
		kind: kind,
		err:  cause,
	}
}

// CodeOf extracts the code of a device error, CodeFail for anything else.
func CodeOf(err error) Code {
	if err == nil { return CodeOK }
	var de *Error
	if errors.As(err, &de) { return de.Code }
	return CodeFail
}
