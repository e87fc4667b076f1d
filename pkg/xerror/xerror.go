// Package xerror defines the POSIX-flavored error kinds surfaced by the
// fat32 core. Every layer above the device returns one of these, never a
// raw errno integer.
package xerror

import "fmt"

// Kind identifies one of the error classes the core can produce.
type Kind int

const (
	_ Kind = iota
	ENOENT
	EEXIST
	EISDIR
	ENOTDIR
	ENOTEMPTY
	ENOSPC
	ENOMEM
	EAGAIN
	EIO
	EINVAL
)

var kindStrings = map[Kind]string{
	ENOENT:    "no such file or directory",
	EEXIST:    "file exists",
	EISDIR:    "is a directory",
	ENOTDIR:   "not a directory",
	ENOTEMPTY: "directory not empty",
	ENOSPC:    "no space left on device",
	ENOMEM:    "cannot allocate memory",
	EAGAIN:    "resource temporarily unavailable",
	EIO:       "input/output error",
	EINVAL:    "invalid argument",
}

func (k Kind) String() string {
	if s, ok := kindStrings[k]; ok {
		return s
	}
	return "unknown error"
}

// Errno is the error type returned by every exported core operation.
type Errno struct {
	Kind Kind
	// Op names the operation that failed, e.g. "search_file" or "write_at".
	Op string
	// Err, if non-nil, is the underlying cause (a device error, for EIO).
	Err error
}

func (e *Errno) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Errno) Unwrap() error { return e.Err }

// New builds an *Errno for op with no wrapped cause.
func New(op string, kind Kind) error {
	return &Errno{Op: op, Kind: kind}
}

// Wrap builds an *Errno for op wrapping cause under kind.
func Wrap(op string, kind Kind, cause error) error {
	return &Errno{Op: op, Kind: kind, Err: cause}
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	e, ok := err.(*Errno)
	if !ok {
		return false
	}
	return e.Kind == kind
}
