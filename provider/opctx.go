package provider

import (
	"crypto"

	"github.com/jinzhu/copier"
	"github.com/miekg/pkcs11"
	"github.com/pkg/errors"

	"github.com/effective-security/pkcs11sign/core"
	"github.com/effective-security/pkcs11sign/forward"
)

// Intent identifies what an operation context was initialized for.
type Intent int

// Operation intents.
const (
	IntentNone Intent = iota
	IntentSign
	IntentVerify
	IntentDerive
	IntentEncrypt
	IntentDecrypt
)

// OpCtx is the state shared by the operation families. A context is
// created by a family newctx, bound to a key by the family init call
// and duplicated by dupctx.
type OpCtx struct {
	Provider   *Provider
	Key        *Object
	Type       forward.KeyType
	Intent     Intent
	Properties string

	// Token mechanism captured at init for token keys.
	Mech *pkcs11.Mechanism

	// Digest selected by a digest-sign init on a token key. Decrypt
	// contexts use it for the OAEP digest.
	Digest crypto.Hash

	// RSA padding state of a decrypt context on a token key.
	PadMode string
	MGF1    crypto.Hash

	// Operation context of the forward backend and its release
	// function.
	FwdCtx     any
	FwdCtxFree func(fwdctx any)
}

// asOpCtx asserts a family context argument passed back by the host.
func asOpCtx(v any) *OpCtx {
	octx, _ := v.(*OpCtx)
	return octx
}

// bind binds the key and intent to the context. The key type must
// match the context type; RSA and RSA-PSS are interchangeable.
func (octx *OpCtx) bind(key *Object, intent Intent) error {
	if key != nil {
		switch octx.Type {
		case forward.RSA, forward.RSAPSS:
			if key.Type != forward.RSA && key.Type != forward.RSAPSS {
				core.PutError(octx.Provider.ctx, core.ErrInternal,
					"key type mismatch: ctx type: %s, key type: %s", octx.Type, key.Type)
				return errors.Errorf("key type mismatch: ctx type: %s, key type: %s", octx.Type, key.Type)
			}
		case forward.EC:
			if key.Type != forward.EC {
				core.PutError(octx.Provider.ctx, core.ErrInternal,
					"key type mismatch: ctx type: %s, key type: %s", octx.Type, key.Type)
				return errors.Errorf("key type mismatch: ctx type: %s, key type: %s", octx.Type, key.Type)
			}
		default:
			core.PutError(octx.Provider.ctx, core.ErrInternal,
				"key type unknown: ctx type: %s, key type: %s", octx.Type, key.Type)
			return errors.Errorf("key type unknown: ctx type: %s, key type: %s", octx.Type, key.Type)
		}
	}

	octx.Intent = intent
	octx.Key = key
	return nil
}

// initialized reports whether the context was bound for the intent.
func (octx *OpCtx) initialized(intent Intent) bool {
	return octx != nil && octx.Key != nil && octx.Intent == intent
}

// dup duplicates the context state. The forward context is cleared on
// the duplicate; the family dupctx re-creates it through the backend's
// own dup function.
func (octx *OpCtx) dup() (*OpCtx, error) {
	dupctx := &OpCtx{}
	if err := copier.Copy(dupctx, octx); err != nil {
		return nil, errors.WithStack(err)
	}
	dupctx.FwdCtx = nil
	return dupctx, nil
}

// free releases the forward context and unbinds the key.
func (octx *OpCtx) free() {
	if octx == nil {
		return
	}
	if octx.FwdCtx != nil && octx.FwdCtxFree != nil {
		octx.FwdCtxFree(octx.FwdCtx)
	}
	octx.FwdCtx = nil
	octx.FwdCtxFree = nil
	octx.Key = nil
	octx.Intent = IntentNone
}
