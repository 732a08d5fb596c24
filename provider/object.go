package provider

import (
	"crypto"

	"github.com/effective-security/pkcs11sign/core"
	"github.com/effective-security/pkcs11sign/forward"
	"github.com/effective-security/pkcs11sign/p11token"
)

// Object is a provider key object. A key references either an object
// on the token (UseToken) or a key held by the forward backend
// (FwdKey); the flag decides how operations on it are routed.
type Object struct {
	prov *Provider

	Type     forward.KeyType
	UseToken bool

	// Coordinates of the token object.
	Label string
	ID    string
	Class uint

	// Public part of a token key, resolved when the key is loaded
	// from the store.
	Pub crypto.PublicKey

	// Key object of the forward backend for software keys.
	FwdKey any
}

func newObject(p *Provider, kt forward.KeyType) *Object {
	return &Object{
		prov: p,
		Type: kt,
	}
}

// ClassName returns the PKCS#11 object class name of a token object.
func (o *Object) ClassName() string {
	if o == nil {
		return ""
	}
	return p11token.ObjectClassNames[o.Class]
}

// free releases the backend key of a software key. Token objects hold
// no backend state.
func (o *Object) free() {
	if o == nil || o.FwdKey == nil {
		return
	}
	freeFn := forward.KeymgmtFn[core.KeymgmtFreeFunc](o.prov.fwd, o.Type, core.FnKeymgmtFree)
	if freeFn != nil {
		freeFn(o.FwdKey)
	}
	o.FwdKey = nil
}

func asObject(v any) *Object {
	o, _ := v.(*Object)
	return o
}
