package patch

import "fmt"

// Error identifies the operation that caused a batch to be rejected
type Error struct {
	Index  int
	Op     string
	Path   string
	Reason string
}

func (e *Error) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("patch rejected: %s", e.Reason)
	}
	return fmt.Sprintf("patch operation %d (%s %s) rejected: %s", e.Index, e.Op, e.Path, e.Reason)
}

func opError(i int, op, path, format string, args ...interface{}) *Error {
	return &Error{Index: i, Op: op, Path: path, Reason: fmt.Sprintf(format, args...)}
}
