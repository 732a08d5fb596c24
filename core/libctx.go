package core

import (
	"sync"

	"github.com/pkg/errors"
)

// Provider is the backend boundary: a loaded software backend exposing
// algorithm tables by operation kind.
type Provider interface {
	// Name returns the backend name it was loaded under.
	Name() string
	// Context returns the backend's opaque context pointer.
	Context() any
	// QueryOperation returns the algorithm table for the operation kind
	// and whether the caller may cache the result.
	QueryOperation(op Operation) (algs []Algorithm, cacheable bool, err error)
	// Unquery releases a query result the backend marked non-cacheable.
	Unquery(op Operation, algs []Algorithm)
	// Unload releases the backend.
	Unload() error
}

// BackendLoader loads a backend by name within a library context.
type BackendLoader func(libctx *LibCtx, name string) (Provider, error)

var (
	lockLoaders sync.RWMutex
	loaders     = make(map[string]BackendLoader)
)

// RegisterBackend registers a backend loader by name.
func RegisterBackend(name string, loader BackendLoader) error {
	lockLoaders.Lock()
	defer lockLoaders.Unlock()

	if _, ok := loaders[name]; ok {
		return errors.Errorf("already registered: %s", name)
	}

	loaders[name] = loader

	return nil
}

// UnregisterBackend removes a backend loader by name.
func UnregisterBackend(name string) (BackendLoader, error) {
	lockLoaders.Lock()
	defer lockLoaders.Unlock()

	if loader, ok := loaders[name]; ok {
		delete(loaders, name)
		return loader, nil
	}

	return nil, errors.Errorf("not registered: %s", name)
}

// RegisteredBackends returns the names of the registered backend loaders.
func RegisteredBackends() []string {
	lockLoaders.RLock()
	defer lockLoaders.RUnlock()

	list := []string{}
	for name := range loaders {
		list = append(list, name)
	}
	return list
}

func snapshotLoaders() map[string]BackendLoader {
	lockLoaders.RLock()
	defer lockLoaders.RUnlock()

	m := make(map[string]BackendLoader, len(loaders))
	for name, loader := range loaders {
		m[name] = loader
	}
	return m
}

// LibCtx is an isolated child library context scoped under a host handle.
// The backend loaders visible at creation time are captured into the
// context; later registry changes do not affect it.
type LibCtx struct {
	handle  Handle
	loaders map[string]BackendLoader
}

// NewLibCtx creates a child library context scoped under the host handle.
func NewLibCtx(handle Handle) (*LibCtx, error) {
	if handle == nil {
		return nil, errors.Errorf("host handle is required")
	}
	return &LibCtx{
		handle:  handle,
		loaders: snapshotLoaders(),
	}, nil
}

// Handle returns the host handle the context is scoped under.
func (lc *LibCtx) Handle() Handle {
	if lc == nil {
		return nil
	}
	return lc.handle
}

// Close releases the context. Backends loaded within it remain owned by
// their handles and must be unloaded separately.
func (lc *LibCtx) Close() {
	if lc == nil {
		return
	}
	lc.loaders = nil
	lc.handle = nil
}

// LoadBackend loads a backend by name within the library context.
func LoadBackend(libctx *LibCtx, name string) (Provider, error) {
	if libctx == nil || libctx.loaders == nil {
		return nil, errors.Errorf("library context not initialized")
	}

	loader, ok := libctx.loaders[name]
	if !ok {
		return nil, errors.Errorf("backend not registered: %s", name)
	}

	prov, err := loader(libctx, name)
	if err != nil {
		return nil, err
	}

	return prov, nil
}
