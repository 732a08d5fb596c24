package provider

import (
	"github.com/pkg/errors"

	"github.com/effective-security/pkcs11sign/core"
	"github.com/effective-security/pkcs11sign/forward"
)

// keyexchAlgorithms returns the key-exchange algorithm table. Key
// exchange is relayed to the backend in full; the token holds no
// derivable keys.
func (p *Provider) keyexchAlgorithms() []core.Algorithm {
	return []core.Algorithm{
		{
			Names:          "ECDH",
			Properties:     Properties,
			Implementation: p.keyexchFunctions(),
		},
	}
}

func (p *Provider) keyexchFunctions() core.Dispatch {
	return core.Dispatch{
		{ID: core.FnKeyexchNewCtx, Fn: core.KeyexchNewCtxFunc(func(_ any) (any, error) {
			octx, err := p.keyexchNewCtx()
			if err != nil {
				return nil, err
			}
			return octx, nil
		})},
		{ID: core.FnKeyexchFreeCtx, Fn: core.KeyexchFreeCtxFunc(func(kctx any) {
			asOpCtx(kctx).free()
		})},
		{ID: core.FnKeyexchDupCtx, Fn: core.KeyexchDupCtxFunc(func(kctx any) (any, error) {
			octx, err := p.keyexchDupCtx(asOpCtx(kctx))
			if err != nil {
				return nil, err
			}
			return octx, nil
		})},
		{ID: core.FnKeyexchInit, Fn: core.KeyexchInitFunc(func(kctx, key any, params []*core.Param) error {
			return p.keyexchInit(asOpCtx(kctx), asObject(key), params)
		})},
		{ID: core.FnKeyexchSetPeer, Fn: core.KeyexchSetPeerFunc(func(kctx, peer any) error {
			return p.keyexchSetPeer(asOpCtx(kctx), asObject(peer))
		})},
		{ID: core.FnKeyexchDerive, Fn: core.KeyexchDeriveFunc(func(kctx any) ([]byte, error) {
			return p.keyexchDerive(asOpCtx(kctx))
		})},
		{ID: core.FnKeyexchSetCtxParams, Fn: core.KeyexchSetCtxParamsFunc(func(kctx any, params []*core.Param) error {
			return p.keyexchSetCtxParams(asOpCtx(kctx), params)
		})},
		{ID: 0},
	}
}

func (p *Provider) keyexchNewCtx() (*OpCtx, error) {
	octx := &OpCtx{
		Provider: p,
		Type:     forward.EC,
	}

	newFn := forward.KeyexchFn[core.KeyexchNewCtxFunc](p.fwd, core.FnKeyexchNewCtx)
	if newFn == nil {
		core.PutError(p.ctx, core.ErrFwdFuncMissing, "no fwd keyexch newctx_fn")
		return nil, errors.New("no fwd keyexch newctx_fn")
	}
	freeFn := forward.KeyexchFn[core.KeyexchFreeCtxFunc](p.fwd, core.FnKeyexchFreeCtx)
	if freeFn == nil {
		core.PutError(p.ctx, core.ErrFwdFuncMissing, "no fwd keyexch freectx_fn")
		return nil, errors.New("no fwd keyexch freectx_fn")
	}

	fwdctx, err := newFn(p.fwd.Context())
	if err != nil {
		core.PutError(p.ctx, core.ErrFwdFuncFailed, "fwd keyexch newctx_fn failed")
		return nil, errors.WithMessage(err, "fwd keyexch newctx_fn failed")
	}
	octx.FwdCtx = fwdctx
	octx.FwdCtxFree = freeFn

	return octx, nil
}

func (p *Provider) keyexchDupCtx(octx *OpCtx) (*OpCtx, error) {
	if octx == nil {
		return nil, errors.New("keyexch context not created")
	}

	dupctx, err := octx.dup()
	if err != nil {
		return nil, err
	}

	dupFn := forward.KeyexchFn[core.KeyexchDupCtxFunc](p.fwd, core.FnKeyexchDupCtx)
	if dupFn == nil {
		core.PutError(p.ctx, core.ErrFwdFuncMissing, "no fwd keyexch dupctx_fn")
		return nil, errors.New("no fwd keyexch dupctx_fn")
	}
	dupctx.FwdCtx, err = dupFn(octx.FwdCtx)
	if err != nil {
		core.PutError(p.ctx, core.ErrFwdFuncFailed, "fwd keyexch dupctx_fn failed")
		return nil, errors.WithMessage(err, "fwd keyexch dupctx_fn failed")
	}

	return dupctx, nil
}

func (p *Provider) keyexchInit(octx *OpCtx, key *Object, params []*core.Param) error {
	if octx == nil || key == nil {
		return errors.New("keyexch context not created")
	}
	if key.UseToken {
		return errors.New("not supported for token keys")
	}
	if err := octx.bind(key, IntentDerive); err != nil {
		return err
	}

	initFn := forward.KeyexchFn[core.KeyexchInitFunc](p.fwd, core.FnKeyexchInit)
	if initFn == nil {
		core.PutError(p.ctx, core.ErrFwdFuncMissing, "no fwd keyexch init_fn")
		return errors.New("no fwd keyexch init_fn")
	}
	if err := initFn(octx.FwdCtx, key.FwdKey, params); err != nil {
		core.PutError(p.ctx, core.ErrFwdFuncFailed, "fwd keyexch init_fn failed")
		return errors.WithMessage(err, "fwd keyexch init_fn failed")
	}
	return nil
}

func (p *Provider) keyexchSetPeer(octx *OpCtx, peer *Object) error {
	if octx == nil || peer == nil {
		return errors.New("keyexch context not created")
	}
	if peer.UseToken {
		return errors.New("not supported for token keys")
	}

	setFn := forward.KeyexchFn[core.KeyexchSetPeerFunc](p.fwd, core.FnKeyexchSetPeer)
	if setFn == nil {
		core.PutError(p.ctx, core.ErrFwdFuncMissing, "no fwd keyexch set_peer_fn")
		return errors.New("no fwd keyexch set_peer_fn")
	}
	if err := setFn(octx.FwdCtx, peer.FwdKey); err != nil {
		core.PutError(p.ctx, core.ErrFwdFuncFailed, "fwd keyexch set_peer_fn failed")
		return errors.WithMessage(err, "fwd keyexch set_peer_fn failed")
	}
	return nil
}

func (p *Provider) keyexchDerive(octx *OpCtx) ([]byte, error) {
	if octx == nil {
		return nil, errors.New("keyexch context not created")
	}
	if !octx.initialized(IntentDerive) {
		core.PutError(p.ctx, core.ErrNotInitialized, "derive operation not initialized")
		return nil, errors.New("derive operation not initialized")
	}

	deriveFn := forward.KeyexchFn[core.KeyexchDeriveFunc](p.fwd, core.FnKeyexchDerive)
	if deriveFn == nil {
		core.PutError(p.ctx, core.ErrFwdFuncMissing, "no fwd keyexch derive_fn")
		return nil, errors.New("no fwd keyexch derive_fn")
	}
	secret, err := deriveFn(octx.FwdCtx)
	if err != nil {
		core.PutError(p.ctx, core.ErrFwdFuncFailed, "fwd keyexch derive_fn failed")
		return nil, errors.WithMessage(err, "fwd keyexch derive_fn failed")
	}
	return secret, nil
}

// keyexchSetCtxParams relays the parameter update to the forward
// context. The backend function is optional.
func (p *Provider) keyexchSetCtxParams(octx *OpCtx, params []*core.Param) error {
	if octx == nil {
		return errors.New("keyexch context not created")
	}

	setFn := forward.KeyexchFn[core.KeyexchSetCtxParamsFunc](p.fwd, core.FnKeyexchSetCtxParams)
	if setFn == nil {
		return nil
	}
	if err := setFn(octx.FwdCtx, params); err != nil {
		core.PutError(p.ctx, core.ErrFwdFuncFailed, "fwd keyexch set_ctx_params_fn failed")
		return errors.WithMessage(err, "fwd keyexch set_ctx_params_fn failed")
	}
	return nil
}
