// Package core implements the host boundary of the provider: the child
// execution context created from a host handle and dispatch table, the
// relay of error records back to the host, and the registry of backends
// that may be loaded within a library context.
//
// The host exposes its callbacks as an open-ended dispatch table of
// {function id, function} entries. The table is translated exactly once
// into a fixed set of optional typed callbacks; everything the rest of
// the module needs from the host flows through that set.
package core
