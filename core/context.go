package core

import (
	"github.com/effective-security/xlog"
	"github.com/pkg/errors"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/pkcs11sign", "core")

// ExecutionContext binds the module to its host: it owns the child
// library context and the host callbacks resolved from the dispatch
// table. Exactly one context exists per provider instance.
//
// NewExecutionContext and Teardown are not reentrant and must not be
// called concurrently with any other use of the context.
type ExecutionContext struct {
	handle Handle
	libctx *LibCtx
	fns    Callbacks
}

// NewExecutionContext creates a child library context scoped under the
// host handle and resolves the host callbacks from the dispatch table.
// All callbacks are optional; unrecognized dispatch entries are ignored.
func NewExecutionContext(handle Handle, dispatch Dispatch) (*ExecutionContext, error) {
	libctx, err := NewLibCtx(handle)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to create child library context")
	}

	ctx := &ExecutionContext{
		handle: handle,
		libctx: libctx,
		fns:    callbacksFromDispatch(dispatch),
	}

	logger.KV(xlog.TRACE, "reason", "initialized",
		"get_params", ctx.fns.GetParams != nil,
		"new_error", ctx.fns.NewError != nil,
		"set_error_debug", ctx.fns.SetErrorDebug != nil,
		"vset_error", ctx.fns.VsetError != nil)

	return ctx, nil
}

// Teardown releases the child library context and clears the resolved
// callbacks and the handle. It is idempotent and safe to call on a nil
// or never-initialized context.
func (ctx *ExecutionContext) Teardown() {
	if ctx == nil {
		return
	}
	if ctx.libctx != nil {
		ctx.libctx.Close()
		ctx.libctx = nil
	}
	ctx.fns = Callbacks{}
	ctx.handle = nil
}

// Handle returns the host handle, nil after teardown.
func (ctx *ExecutionContext) Handle() Handle {
	if ctx == nil {
		return nil
	}
	return ctx.handle
}

// LibCtx returns the child library context, nil after teardown.
func (ctx *ExecutionContext) LibCtx() *LibCtx {
	if ctx == nil {
		return nil
	}
	return ctx.libctx
}

// HostParams asks the host to fill the given parameters. Missing
// get-params capability leaves the parameters untouched and is not an
// error.
func (ctx *ExecutionContext) HostParams(params []*Param) error {
	if ctx == nil || ctx.fns.GetParams == nil {
		return nil
	}
	return ctx.fns.GetParams(ctx.handle, params)
}
