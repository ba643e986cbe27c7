package gni

import "fmt"

// Errno represents a fabric driver return code. Zero is success; every other
// value identifies a failure class reported by the hardware interface.
type Errno int32

// Return codes mirrored from the GNI user-level interface. Only the codes the
// endpoint layer needs to classify are listed.
const (
	Success         Errno = 0
	NotDone         Errno = 1
	InvalidParam    Errno = 2
	ErrorResource   Errno = 3
	Timeout         Errno = 4
	PermissionError Errno = 5
	DescriptorError Errno = 6
	AlignmentError  Errno = 7
	InvalidState    Errno = 8
	NoMatch         Errno = 9
	SizeError       Errno = 10
	TransactionErr  Errno = 11
	IllegalOp       Errno = 12
	ErrorNoMem      Errno = 13
)

var errnoNames = map[Errno]string{
	Success:         "success",
	NotDone:         "operation not done",
	InvalidParam:    "invalid parameter",
	ErrorResource:   "resource error",
	Timeout:         "timed out",
	PermissionError: "permission denied",
	DescriptorError: "descriptor error",
	AlignmentError:  "alignment error",
	InvalidState:    "invalid state",
	NoMatch:         "no match",
	SizeError:       "size error",
	TransactionErr:  "transaction error",
	IllegalOp:       "illegal operation",
	ErrorNoMem:      "out of memory",
}

// Error returns the human-readable description of the code.
func (e Errno) Error() string {
	return e.String()
}

// String returns the driver message for the Errno.
func (e Errno) String() string {
	if name, ok := errnoNames[e]; ok {
		return name
	}
	return fmt.Sprintf("gni errno %d", int32(e))
}

// Temporary reports whether the code signals a condition that clears on its own.
func (e Errno) Temporary() bool {
	return e == NotDone || e == ErrorResource || e == ErrorNoMem
}

// WithOp adds operation context to the provided Errno.
func (e Errno) WithOp(op string) error {
	if op == "" {
		return e
	}
	return fmt.Errorf("%s: %w", op, e)
}

// ErrorFromStatus converts a driver status code into a Go error. Zero is
// success. Drivers that report failures as negated codes are accepted as well.
func ErrorFromStatus(status int, op string) error {
	if status == 0 {
		return nil
	}
	if status < 0 {
		status = -status
	}
	return Errno(status).WithOp(op)
}
