// Package forward resolves operation functions exposed by an underlying
// software backend. A Backend handle caches the backend's algorithm
// tables by operation kind and answers typed lookups for the four
// operation families.
package forward

import (
	"strings"
	"time"

	"github.com/effective-security/pkcs11sign/core"
	"github.com/effective-security/pkcs11sign/metricskey"
	"github.com/effective-security/xlog"
	"github.com/pkg/errors"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/pkcs11sign", "forward")

// Backend is a loaded software backend bound to an execution context's
// library context. It owns its algorithm-table cache.
//
// The cache is first-populated lazily. Concurrent first lookups for the
// same operation kind are a race on the cache slot; callers requiring
// concurrent resolution must serialize them.
type Backend struct {
	name    string
	prov    core.Provider
	provctx any
	cache   map[core.Operation][]core.Algorithm
}

// Load loads a software backend by name inside the execution context's
// library context. It fails when the context is absent, the backend
// cannot be loaded, or the backend exposes no context pointer.
func Load(ctx *core.ExecutionContext, name string) (*Backend, error) {
	if ctx == nil || ctx.LibCtx() == nil {
		return nil, errors.Errorf("execution context not initialized")
	}

	prov, err := core.LoadBackend(ctx.LibCtx(), name)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to load backend %q", name)
	}

	provctx := prov.Context()
	if provctx == nil {
		_ = prov.Unload()
		return nil, errors.Errorf("backend %q exposes no context", name)
	}

	logger.KV(xlog.DEBUG, "reason", "loaded", "backend", name)

	return &Backend{
		name:    name,
		prov:    prov,
		provctx: provctx,
		cache:   make(map[core.Operation][]core.Algorithm),
	}, nil
}

// Name returns the backend name.
func (b *Backend) Name() string {
	if b == nil {
		return ""
	}
	return b.name
}

// Context returns the backend's opaque context pointer, nil when the
// backend is not loaded.
func (b *Backend) Context() any {
	if b == nil {
		return nil
	}
	return b.provctx
}

// Loaded reports whether the backend is loaded.
func (b *Backend) Loaded() bool {
	return b != nil && b.prov != nil
}

// Unload releases the backend and its cache. It is idempotent; failures
// are logged and swallowed.
func (b *Backend) Unload() {
	if b == nil || b.prov == nil {
		return
	}
	if err := b.prov.Unload(); err != nil {
		logger.KV(xlog.ERROR, "reason", "unload", "backend", b.name, "err", err.Error())
	}
	b.prov = nil
	b.provctx = nil
	b.cache = nil
}

// GetFunc returns the function registered under funcID for the first
// algorithm whose alias list contains algorithm as a whole alias. A nil
// result means the capability is absent from the backend; it is not an
// error.
func (b *Backend) GetFunc(op core.Operation, algorithm string, funcID uint32) any {
	if b == nil || b.prov == nil || op <= 0 || op > core.OpHighest {
		return nil
	}

	algs := b.cache[op]
	queried := false
	cacheable := true
	if algs == nil {
		var err error
		started := time.Now()
		algs, cacheable, err = b.prov.QueryOperation(op)
		metricskey.PerfForwardQuery.MeasureSince(started, b.name, op.String())
		if err != nil {
			logger.KV(xlog.ERROR, "reason", "query_operation",
				"backend", b.name, "operation", op.String(), "err", err.Error())
			return nil
		}
		if algs == nil {
			return nil
		}
		queried = true
	}

	var fn any
	for i := range algs {
		if !matchAlias(algs[i].Names, algorithm) {
			continue
		}
		for _, e := range algs[i].Implementation {
			if e.ID == 0 {
				break
			}
			if e.ID == funcID {
				fn = e.Fn
				break
			}
		}
		break
	}

	if queried {
		if !cacheable {
			b.prov.Unquery(op, algs)
		} else if b.cache[op] == nil {
			b.cache[op] = algs
		}
	}

	return fn
}

// matchAlias reports whether name equals one of the colon-delimited
// aliases in names. Matching is case-insensitive; a substring of a
// longer alias does not match.
func matchAlias(names, name string) bool {
	if names == "" || name == "" {
		return false
	}
	for names != "" {
		var alias string
		alias, names, _ = strings.Cut(names, ":")
		if strings.EqualFold(alias, name) {
			return true
		}
	}
	return false
}
