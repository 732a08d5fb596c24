package provider

import (
	"crypto/ecdsa"
	"crypto/rsa"

	"github.com/effective-security/xlog"
	"github.com/miekg/pkcs11"
	"github.com/pkg/errors"

	"github.com/effective-security/pkcs11sign/core"
	"github.com/effective-security/pkcs11sign/forward"
	"github.com/effective-security/pkcs11sign/p11token"
)

// storeAlgorithms returns the store algorithm table. The store
// resolves PKCS#11 URIs to key objects on the token.
func (p *Provider) storeAlgorithms() []core.Algorithm {
	return []core.Algorithm{
		{
			Names:          "pkcs11",
			Properties:     Properties,
			Implementation: p.storeFunctions(),
			Description:    "PKCS11 URI Store",
		},
	}
}

func (p *Provider) storeFunctions() core.Dispatch {
	return core.Dispatch{
		{ID: core.FnStoreOpen, Fn: core.StoreOpenFunc(func(_ any, uri string) (any, error) {
			sc, err := p.storeOpen(uri)
			if err != nil {
				return nil, err
			}
			return sc, nil
		})},
		{ID: core.FnStoreLoad, Fn: core.StoreLoadFunc(func(sctx any) (any, error) {
			obj, err := p.storeLoad(asStoreCtx(sctx))
			if err != nil {
				return nil, err
			}
			return obj, nil
		})},
		{ID: core.FnStoreEof, Fn: core.StoreEofFunc(func(sctx any) bool {
			sc := asStoreCtx(sctx)
			return sc == nil || sc.eof
		})},
		{ID: core.FnStoreClose, Fn: core.StoreCloseFunc(func(sctx any) error {
			return p.storeClose(asStoreCtx(sctx))
		})},
		{ID: 0},
	}
}

// storeCtx is an open store holding the parsed URI. A URI names a
// single object, so the store is exhausted after one load.
type storeCtx struct {
	prov *Provider
	uri  *p11token.URI
	eof  bool
}

func asStoreCtx(v any) *storeCtx {
	sc, _ := v.(*storeCtx)
	return sc
}

func (p *Provider) storeOpen(uri string) (*storeCtx, error) {
	u, err := p11token.ParseURI(uri)
	if err != nil {
		core.PutError(p.ctx, core.ErrInvalidParam, "invalid PKCS#11 URI %q", uri)
		return nil, errors.WithMessagef(err, "invalid PKCS#11 URI %q", uri)
	}
	return &storeCtx{prov: p, uri: u}, nil
}

// storeLoad resolves the URI on the token and returns the key object.
// The private part stays on the token; the object carries the public
// key and the token reference.
func (p *Provider) storeLoad(sc *storeCtx) (*Object, error) {
	if sc == nil {
		return nil, errors.New("store context not created")
	}
	if sc.eof {
		return nil, errors.New("no more objects in store")
	}

	class := uint(pkcs11.CKO_PRIVATE_KEY)
	if sc.uri.Type != "" {
		c, ok := p11token.ObjectClasses[sc.uri.Type]
		if !ok {
			core.PutError(p.ctx, core.ErrInvalidParam, "unsupported object type %q", sc.uri.Type)
			return nil, errors.Errorf("unsupported object type %q", sc.uri.Type)
		}
		class = c
	}
	switch class {
	case pkcs11.CKO_PRIVATE_KEY, pkcs11.CKO_PUBLIC_KEY:
	default:
		core.PutError(p.ctx, core.ErrInvalidParam, "unsupported object type %q", sc.uri.Type)
		return nil, errors.Errorf("unsupported object type %q", sc.uri.Type)
	}

	if p.module == nil {
		core.PutError(p.ctx, core.ErrNotInitialized, "token module not loaded")
		return nil, errors.New("token module not loaded")
	}

	pub, err := p.module.PublicKey(sc.uri.Object, sc.uri.ID)
	if err != nil {
		core.PutError(p.ctx, core.ErrSecureKeyFailed, "failed to load key: object=%q, id=%q", sc.uri.Object, sc.uri.ID)
		return nil, errors.WithMessagef(err, "failed to load key: object=%q, id=%q", sc.uri.Object, sc.uri.ID)
	}

	var kt forward.KeyType
	switch pub.(type) {
	case *rsa.PublicKey:
		kt = forward.RSA
	case *ecdsa.PublicKey:
		kt = forward.EC
	default:
		core.PutError(p.ctx, core.ErrInvalidParam, "unsupported key type %T", pub)
		return nil, errors.Errorf("unsupported key type %T", pub)
	}

	obj := newObject(p, kt)
	obj.UseToken = true
	obj.Label = sc.uri.Object
	obj.ID = sc.uri.ID
	obj.Class = class
	obj.Pub = pub

	sc.eof = true

	logger.KV(xlog.DEBUG, "reason", "loaded", "object", sc.uri.Object, "id", sc.uri.ID, "type", kt.String())
	return obj, nil
}

func (p *Provider) storeClose(sc *storeCtx) error {
	if sc == nil {
		return nil
	}
	sc.eof = true
	sc.uri = nil
	return nil
}
