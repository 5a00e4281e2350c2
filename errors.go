package unicorn

import (
	"errors"
	"fmt"
	"syscall"
)

// ErrCode is the high-level error taxonomy every Unicorn handler reports
// through, per the error-handling design: malformed requests, missing
// handles, fatal init failures, and unimplemented/unsupported methods
// are all distinguishable by code without string matching.
type ErrCode string

const (
	// CodeInvalidArgs covers malformed requests, missing or dangling
	// handles, and out-of-range indices.
	CodeInvalidArgs ErrCode = "invalid_args"
	// CodeNotFound covers a named logic device or physical node that
	// does not exist.
	CodeNotFound ErrCode = "not_found"
	// CodePermissionDenied covers a sender badge not registered to any
	// driver attempting a driver-scoped operation.
	CodePermissionDenied ErrCode = "permission_denied"
	// CodeInvalidConfig covers a manifest that failed to parse; fatal
	// at init.
	CodeInvalidConfig ErrCode = "invalid_config"
	// CodeOutOfMemory covers an allocation failure; fatal at init,
	// recoverable (surfaced to caller) at steady state.
	CodeOutOfMemory ErrCode = "out_of_memory"
	// CodeNotImplemented covers a protocol method that is wired but not
	// yet backed by behavior (e.g. UNHOOK).
	CodeNotImplemented ErrCode = "not_implemented"
	// CodeNotSupported covers an operation semantically rejected by the
	// platform (e.g. DMA allocation without an IOMMU).
	CodeNotSupported ErrCode = "not_supported"
	// CodeInvalidMethod covers an unknown (protocol, method) pair.
	CodeInvalidMethod ErrCode = "invalid_method"
)

// Error is a structured error carrying enough context to build an
// error-tagged IPC reply without re-parsing a message string.
type Error struct {
	Op    string        // operation that failed, e.g. "GET_MMIO"
	Badge uint64        // sender badge, 0 if not applicable
	Code  ErrCode       // high-level error category
	Errno syscall.Errno // underlying errno, 0 if not applicable
	Msg   string        // human-readable message
	Inner error         // wrapped error
}

func (e *Error) Error() string {
	var parts []string
	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}
	if e.Badge != 0 {
		parts = append(parts, fmt.Sprintf("badge=%d", e.Badge))
	}
	if e.Errno != 0 {
		parts = append(parts, fmt.Sprintf("errno=%d", e.Errno))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}
	if len(parts) > 0 {
		return fmt.Sprintf("unicorn: %s (%s)", msg, parts[0])
	}
	return fmt.Sprintf("unicorn: %s", msg)
}

func (e *Error) Unwrap() error { return e.Inner }

// ErrorCode returns the error's code as a plain string, letting
// collaborators outside this package recognize a coded Unicorn error
// by structural interface rather than importing this package.
func (e *Error) ErrorCode() string { return string(e.Code) }

func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}
	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}
	return false
}

// NewError creates a structured error with the given operation and code.
func NewError(op string, code ErrCode, msg string) *Error {
	return &Error{Op: op, Code: code, Msg: msg}
}

// NewBadgeError creates a structured error scoped to a specific badge.
func NewBadgeError(op string, badge uint64, code ErrCode, msg string) *Error {
	return &Error{Op: op, Badge: badge, Code: code, Msg: msg}
}

// WrapErrno wraps a syscall error made on behalf of op, mapping the
// errno to a high-level code.
func WrapErrno(op string, errno syscall.Errno) *Error {
	return &Error{Op: op, Code: mapErrnoToCode(errno), Errno: errno, Msg: errno.Error(), Inner: errno}
}

// WrapError wraps an arbitrary collaborator error with op context.
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}
	if ue, ok := inner.(*Error); ok {
		return &Error{Op: op, Badge: ue.Badge, Code: ue.Code, Errno: ue.Errno, Msg: ue.Msg, Inner: ue.Inner}
	}
	if errno, ok := inner.(syscall.Errno); ok {
		return WrapErrno(op, errno)
	}
	return &Error{Op: op, Code: CodeInvalidArgs, Msg: inner.Error(), Inner: inner}
}

func mapErrnoToCode(errno syscall.Errno) ErrCode {
	switch errno {
	case syscall.ENOENT:
		return CodeNotFound
	case syscall.EINVAL, syscall.E2BIG:
		return CodeInvalidArgs
	case syscall.ENOSYS, syscall.EOPNOTSUPP:
		return CodeNotSupported
	case syscall.EPERM, syscall.EACCES:
		return CodePermissionDenied
	case syscall.ENOMEM, syscall.ENOSPC:
		return CodeOutOfMemory
	default:
		return CodeInvalidArgs
	}
}

// IsCode reports whether err is a *Error carrying the given code.
func IsCode(err error, code ErrCode) bool {
	var ue *Error
	if errors.As(err, &ue) {
		return ue.Code == code
	}
	return false
}
