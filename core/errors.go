package core

import (
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
)

// ErrorCode identifies a provider error condition reported to the host.
type ErrorCode uint32

// Error codes relayed through the host error channel.
const (
	ErrInternal ErrorCode = iota + 1
	ErrAllocFailed
	ErrInvalidParam
	ErrFwdFuncMissing
	ErrFwdFuncFailed
	ErrNotInitialized
	ErrMissingParameter
	ErrInvalidPadding
	ErrInvalidDigest
	ErrInvalidSaltLen
	ErrSecureKeyFailed
)

// Reason is a {code, reason string} pair exposed to the host.
type Reason struct {
	Code   ErrorCode
	Reason string
}

var reasons = []Reason{
	{ErrInternal, "Internal error"},
	{ErrAllocFailed, "Memory allocation failed"},
	{ErrInvalidParam, "Invalid parameter encountered"},
	{ErrFwdFuncMissing, "A function inherited from default provider is missing"},
	{ErrFwdFuncFailed, "A function inherited from default provider has failed"},
	{ErrNotInitialized, "An operation context has not been initialized"},
	{ErrMissingParameter, "A parameter of a key or a context is missing"},
	{ErrInvalidPadding, "An invalid or unknown padding is used"},
	{ErrInvalidDigest, "An invalid or unknown digest is used"},
	{ErrInvalidSaltLen, "An invalid salt length is used"},
	{ErrSecureKeyFailed, "A secure key function has failed"},
}

// Reasons returns the provider reason strings.
func Reasons() []Reason {
	list := make([]Reason, len(reasons))
	copy(list, reasons)
	return list
}

// String returns the reason string for the code.
func (c ErrorCode) String() string {
	for _, r := range reasons {
		if r.Code == c {
			return r.Reason
		}
	}
	return fmt.Sprintf("error %d", uint32(c))
}

// PutError relays an error record through the host error channel,
// attributing it to the calling site. It is a no-op when ctx is absent
// and it never fails. Each host callback is invoked independently; a
// missing one does not suppress the others. The message is rendered
// before it crosses the host boundary.
func PutError(ctx *ExecutionContext, code ErrorCode, format string, args ...any) {
	if ctx == nil {
		return
	}
	if ctx.fns.NewError != nil {
		ctx.fns.NewError(ctx.handle)
	}
	if ctx.fns.SetErrorDebug != nil {
		file, line, fn := callerLocation(2)
		ctx.fns.SetErrorDebug(ctx.handle, file, line, fn)
	}
	if ctx.fns.VsetError != nil {
		msg := format
		if len(args) > 0 {
			msg = fmt.Sprintf(format, args...)
		}
		ctx.fns.VsetError(ctx.handle, uint32(code), msg)
	}
}

// callerLocation returns the file, line and function name at the given
// stack depth.
func callerLocation(skip int) (string, int, string) {
	pc, file, line, ok := runtime.Caller(skip)
	if !ok {
		return "", 0, ""
	}
	fn := ""
	if f := runtime.FuncForPC(pc); f != nil {
		fn = f.Name()
		if idx := strings.LastIndexByte(fn, '/'); idx >= 0 {
			fn = fn[idx+1:]
		}
	}
	return filepath.Base(file), line, fn
}
