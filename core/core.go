package core

import "fmt"

// Handle identifies the host provider instance. It is opaque to this
// module and is passed back to the host on every callback.
type Handle any

// DispatchEntry is a single {function id, function} pair. The same shape
// is used for the host dispatch table and for backend function tables.
type DispatchEntry struct {
	ID uint32
	Fn any
}

// Dispatch is a table of function entries. In backend function tables an
// entry with ID 0 terminates the table.
type Dispatch []DispatchEntry

// Host dispatch function ids recognized by the execution context. All
// other ids are ignored.
const (
	FnCoreGetParams     uint32 = 1
	FnCoreNewError      uint32 = 2
	FnCoreSetErrorDebug uint32 = 3
	FnCoreVsetError     uint32 = 4
)

type (
	// GetParamsFunc asks the host to fill the located parameters.
	GetParamsFunc func(h Handle, params []*Param) error
	// NewErrorFunc begins a new error record on the host.
	NewErrorFunc func(h Handle)
	// SetErrorDebugFunc attaches the source location to the current
	// error record.
	SetErrorDebugFunc func(h Handle, file string, line int, fn string)
	// VsetErrorFunc attaches the error code and the rendered message to
	// the current error record.
	VsetErrorFunc func(h Handle, code uint32, msg string)
)

// Callbacks is the fixed set of optional host callbacks resolved from the
// dispatch table. A nil callback means the host does not provide that
// capability; callers must treat it as silently unavailable.
type Callbacks struct {
	GetParams     GetParamsFunc
	NewError      NewErrorFunc
	SetErrorDebug SetErrorDebugFunc
	VsetError     VsetErrorFunc
}

// callbacksFromDispatch translates the host dispatch table into Callbacks.
// The table is scanned once; unrecognized ids and entries of an
// unexpected type are ignored.
func callbacksFromDispatch(dispatch Dispatch) Callbacks {
	var cb Callbacks
	for _, e := range dispatch {
		switch e.ID {
		case FnCoreGetParams:
			if fn, ok := e.Fn.(GetParamsFunc); ok {
				cb.GetParams = fn
			}
		case FnCoreNewError:
			if fn, ok := e.Fn.(NewErrorFunc); ok {
				cb.NewError = fn
			}
		case FnCoreSetErrorDebug:
			if fn, ok := e.Fn.(SetErrorDebugFunc); ok {
				cb.SetErrorDebug = fn
			}
		case FnCoreVsetError:
			if fn, ok := e.Fn.(VsetErrorFunc); ok {
				cb.VsetError = fn
			}
		}
	}
	return cb
}

// Param is a key/value parameter exchanged across the host boundary.
// For get-style queries the caller lists the keys it wants and the
// responding side fills the values.
type Param struct {
	Key   string
	Value any
}

// NewParam constructs a parameter with a value.
func NewParam(key string, value any) *Param {
	return &Param{Key: key, Value: value}
}

// LocateParam returns the parameter with the given key, or nil.
func LocateParam(params []*Param, key string) *Param {
	for _, p := range params {
		if p != nil && p.Key == key {
			return p
		}
	}
	return nil
}

// String returns the parameter value as a string.
func (p *Param) String() string {
	if p == nil || p.Value == nil {
		return ""
	}
	if s, ok := p.Value.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", p.Value)
}

// Int returns the parameter value as an int.
func (p *Param) Int() int {
	if p == nil {
		return 0
	}
	if v, ok := p.Value.(int); ok {
		return v
	}
	return 0
}
