package provider

import (
	"crypto"

	"github.com/jinzhu/copier"
	"github.com/pkg/errors"

	"github.com/effective-security/pkcs11sign/core"
	"github.com/effective-security/pkcs11sign/forward"
)

// keymgmtAlgorithms returns the key-management algorithm table.
func (p *Provider) keymgmtAlgorithms() []core.Algorithm {
	return []core.Algorithm{
		{
			Names:          "RSA:rsaEncryption",
			Properties:     Properties,
			Implementation: p.keymgmtFunctions(forward.RSA),
		},
		{
			Names:          "RSA-PSS:RSASSA-PSS",
			Properties:     Properties,
			Implementation: p.keymgmtFunctions(forward.RSAPSS),
		},
		{
			Names:          "EC:id-ecPublicKey",
			Properties:     Properties,
			Implementation: p.keymgmtFunctions(forward.EC),
		},
	}
}

func (p *Provider) keymgmtFunctions(kt forward.KeyType) core.Dispatch {
	return core.Dispatch{
		{ID: core.FnKeymgmtNew, Fn: core.KeymgmtNewFunc(func(_ any) (any, error) {
			obj, err := p.keymgmtNew(kt)
			if err != nil {
				return nil, err
			}
			return obj, nil
		})},
		{ID: core.FnKeymgmtFree, Fn: core.KeymgmtFreeFunc(func(key any) {
			asObject(key).free()
		})},
		{ID: core.FnKeymgmtLoad, Fn: core.KeymgmtLoadFunc(func(reference any) (any, error) {
			obj, err := p.keymgmtLoad(reference)
			if err != nil {
				return nil, err
			}
			return obj, nil
		})},
		{ID: core.FnKeymgmtHas, Fn: core.KeymgmtHasFunc(func(key any, selection int) bool {
			return p.keymgmtHas(asObject(key), selection)
		})},
		{ID: core.FnKeymgmtMatch, Fn: core.KeymgmtMatchFunc(func(key1, key2 any, selection int) bool {
			return p.keymgmtMatch(asObject(key1), asObject(key2), selection)
		})},
		{ID: core.FnKeymgmtImport, Fn: core.KeymgmtImportFunc(func(key any, selection int, params []*core.Param) error {
			return p.keymgmtImport(asObject(key), selection, params)
		})},
		{ID: core.FnKeymgmtExport, Fn: core.KeymgmtExportFunc(func(key any, selection int) ([]*core.Param, error) {
			return p.keymgmtExport(asObject(key), selection)
		})},
		{ID: core.FnKeymgmtDup, Fn: core.KeymgmtDupFunc(func(key any, selection int) (any, error) {
			obj, err := p.keymgmtDup(asObject(key), selection)
			if err != nil {
				return nil, err
			}
			return obj, nil
		})},
		{ID: 0},
	}
}

// keymgmtNew creates an empty key object with the backend key created
// eagerly, so that import and parameter calls can be relayed.
func (p *Provider) keymgmtNew(kt forward.KeyType) (*Object, error) {
	newFn := forward.KeymgmtFn[core.KeymgmtNewFunc](p.fwd, kt, core.FnKeymgmtNew)
	if newFn == nil {
		core.PutError(p.ctx, core.ErrFwdFuncMissing, "no fwd keymgmt new_fn")
		return nil, errors.New("no fwd keymgmt new_fn")
	}

	fwdKey, err := newFn(p.fwd.Context())
	if err != nil {
		core.PutError(p.ctx, core.ErrFwdFuncFailed, "fwd keymgmt new_fn failed")
		return nil, errors.WithMessage(err, "fwd keymgmt new_fn failed")
	}

	obj := newObject(p, kt)
	obj.FwdKey = fwdKey
	return obj, nil
}

// keymgmtLoad turns a store reference into a key object. The store
// produces objects of this provider, so the reference is returned as
// the key.
func (p *Provider) keymgmtLoad(reference any) (*Object, error) {
	obj := asObject(reference)
	if obj == nil {
		core.PutError(p.ctx, core.ErrInvalidParam, "invalid key reference")
		return nil, errors.New("invalid key reference")
	}
	return obj, nil
}

// keymgmtHas reports whether the key holds the selected parts. Token
// objects answer directly; software keys are relayed.
func (p *Provider) keymgmtHas(obj *Object, selection int) bool {
	if obj == nil {
		return false
	}
	if obj.FwdKey == nil {
		if selection&core.SelectPublicKey != 0 && obj.Pub == nil {
			return false
		}
		return true
	}

	hasFn := forward.KeymgmtFn[core.KeymgmtHasFunc](p.fwd, obj.Type, core.FnKeymgmtHas)
	if hasFn == nil {
		core.PutError(p.ctx, core.ErrFwdFuncMissing, "no fwd keymgmt has_fn")
		return false
	}
	return hasFn(obj.FwdKey, selection)
}

// keymgmtMatch reports whether the selected parts of two keys match.
// Token keys are compared by public key; software keys are relayed.
func (p *Provider) keymgmtMatch(key1, key2 *Object, selection int) bool {
	if key1 == nil || key2 == nil {
		return false
	}
	if key1.Type != key2.Type {
		core.PutError(p.ctx, core.ErrInternal, "key type mismatch: %s and %s", key1.Type, key2.Type)
		return false
	}

	if key1.UseToken || key2.UseToken {
		return matchPublic(key1.Pub, key2.Pub)
	}

	matchFn := forward.KeymgmtFn[core.KeymgmtMatchFunc](p.fwd, key1.Type, core.FnKeymgmtMatch)
	if matchFn == nil {
		core.PutError(p.ctx, core.ErrFwdFuncMissing, "no fwd keymgmt match_fn")
		return false
	}
	return matchFn(key1.FwdKey, key2.FwdKey, selection)
}

// keymgmtImport imports the selected parts from parameters. Token
// objects cannot be assembled from parameters.
func (p *Provider) keymgmtImport(obj *Object, selection int, params []*core.Param) error {
	if obj == nil {
		return errors.New("key object not created")
	}
	if obj.UseToken {
		return errors.New("not supported for token keys")
	}

	importFn := forward.KeymgmtFn[core.KeymgmtImportFunc](p.fwd, obj.Type, core.FnKeymgmtImport)
	if importFn == nil {
		core.PutError(p.ctx, core.ErrFwdFuncMissing, "no fwd keymgmt import_fn")
		return errors.New("no fwd keymgmt import_fn")
	}
	if err := importFn(obj.FwdKey, selection, params); err != nil {
		core.PutError(p.ctx, core.ErrFwdFuncFailed, "fwd keymgmt import_fn failed")
		return errors.WithMessage(err, "fwd keymgmt import_fn failed")
	}
	return nil
}

// keymgmtExport exports the selected parts as parameters. The private
// part of a token key never leaves the token.
func (p *Provider) keymgmtExport(obj *Object, selection int) ([]*core.Param, error) {
	if obj == nil {
		return nil, errors.New("key object not created")
	}
	if obj.UseToken {
		return nil, errors.New("not supported for token keys")
	}

	exportFn := forward.KeymgmtFn[core.KeymgmtExportFunc](p.fwd, obj.Type, core.FnKeymgmtExport)
	if exportFn == nil {
		core.PutError(p.ctx, core.ErrFwdFuncMissing, "no fwd keymgmt export_fn")
		return nil, errors.New("no fwd keymgmt export_fn")
	}
	params, err := exportFn(obj.FwdKey, selection)
	if err != nil {
		core.PutError(p.ctx, core.ErrFwdFuncFailed, "fwd keymgmt export_fn failed")
		return nil, errors.WithMessage(err, "fwd keymgmt export_fn failed")
	}
	return params, nil
}

// keymgmtDup duplicates a key object. Token objects are plain copies;
// the backend key of a software key is duplicated by the backend.
func (p *Provider) keymgmtDup(obj *Object, selection int) (*Object, error) {
	if obj == nil {
		return nil, errors.New("key object not created")
	}

	dup := &Object{}
	if err := copier.Copy(dup, obj); err != nil {
		return nil, errors.WithMessage(err, "failed to copy key object")
	}
	dup.prov = obj.prov

	if obj.FwdKey == nil {
		return dup, nil
	}

	dupFn := forward.KeymgmtFn[core.KeymgmtDupFunc](p.fwd, obj.Type, core.FnKeymgmtDup)
	if dupFn == nil {
		core.PutError(p.ctx, core.ErrFwdFuncMissing, "no fwd keymgmt dup_fn")
		return nil, errors.New("no fwd keymgmt dup_fn")
	}
	fwdKey, err := dupFn(obj.FwdKey, selection)
	if err != nil {
		core.PutError(p.ctx, core.ErrFwdFuncFailed, "fwd keymgmt dup_fn failed")
		return nil, errors.WithMessage(err, "fwd keymgmt dup_fn failed")
	}
	dup.FwdKey = fwdKey
	return dup, nil
}

func matchPublic(a, b crypto.PublicKey) bool {
	pub, ok := a.(interface{ Equal(crypto.PublicKey) bool })
	if !ok || b == nil {
		return false
	}
	return pub.Equal(b)
}
