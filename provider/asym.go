package provider

import (
	"crypto"

	"github.com/miekg/pkcs11"
	"github.com/pkg/errors"

	"github.com/effective-security/pkcs11sign/core"
	"github.com/effective-security/pkcs11sign/forward"
	"github.com/effective-security/pkcs11sign/p11token"
)

// Asymmetric-cipher parameter keys recognized on decrypt contexts.
const (
	paramPadMode    = "pad-mode"
	paramOAEPDigest = "digest"
	paramMGF1Digest = "mgf1-digest"
)

// asymPadModes maps host pad-mode values to the canonical name. The
// host may pass the mode by name or as the numeric RSA padding code.
var asymPadModes = map[string]string{
	"":      "pkcs1",
	"pkcs1": "pkcs1",
	"1":     "pkcs1",
	"none":  "none",
	"3":     "none",
	"oaep":  "oaep",
	"4":     "oaep",
}

// asymCipherAlgorithms returns the asymmetric-cipher algorithm table.
// Encryption uses the public key and is relayed in full; decryption
// with a token key runs on the token.
func (p *Provider) asymCipherAlgorithms() []core.Algorithm {
	return []core.Algorithm{
		{
			Names:          "RSA:rsaEncryption",
			Properties:     Properties,
			Implementation: p.asymFunctions(forward.RSA),
		},
	}
}

func (p *Provider) asymFunctions(kt forward.KeyType) core.Dispatch {
	return core.Dispatch{
		{ID: core.FnAsymCipherNewCtx, Fn: core.AsymCipherNewCtxFunc(func(_ any) (any, error) {
			octx, err := p.asymNewCtx(kt)
			if err != nil {
				return nil, err
			}
			return octx, nil
		})},
		{ID: core.FnAsymCipherFreeCtx, Fn: core.AsymCipherFreeCtxFunc(func(actx any) {
			asOpCtx(actx).free()
		})},
		{ID: core.FnAsymCipherDupCtx, Fn: core.AsymCipherDupCtxFunc(func(actx any) (any, error) {
			octx, err := p.asymDupCtx(asOpCtx(actx))
			if err != nil {
				return nil, err
			}
			return octx, nil
		})},
		{ID: core.FnAsymCipherEncryptInit, Fn: core.AsymCipherEncryptInitFunc(func(actx, key any, params []*core.Param) error {
			return p.asymEncryptInit(asOpCtx(actx), asObject(key), params)
		})},
		{ID: core.FnAsymCipherEncrypt, Fn: core.AsymCipherEncryptFunc(func(actx any, in []byte) ([]byte, error) {
			return p.asymEncrypt(asOpCtx(actx), in)
		})},
		{ID: core.FnAsymCipherDecryptInit, Fn: core.AsymCipherDecryptInitFunc(func(actx, key any, params []*core.Param) error {
			return p.asymDecryptInit(asOpCtx(actx), asObject(key), params)
		})},
		{ID: core.FnAsymCipherDecrypt, Fn: core.AsymCipherDecryptFunc(func(actx any, in []byte) ([]byte, error) {
			return p.asymDecrypt(asOpCtx(actx), in)
		})},
		{ID: core.FnAsymCipherGetCtxParams, Fn: core.AsymCipherGetCtxParamsFunc(func(actx any, params []*core.Param) error {
			return p.asymGetCtxParams(asOpCtx(actx), params)
		})},
		{ID: core.FnAsymCipherSetCtxParams, Fn: core.AsymCipherSetCtxParamsFunc(func(actx any, params []*core.Param) error {
			return p.asymSetCtxParams(asOpCtx(actx), params)
		})},
		{ID: 0},
	}
}

func (p *Provider) asymNewCtx(kt forward.KeyType) (*OpCtx, error) {
	octx := &OpCtx{
		Provider: p,
		Type:     kt,
	}

	newFn := forward.AsymCipherFn[core.AsymCipherNewCtxFunc](p.fwd, kt, core.FnAsymCipherNewCtx)
	if newFn == nil {
		core.PutError(p.ctx, core.ErrFwdFuncMissing, "no fwd asym_cipher newctx_fn")
		return nil, errors.New("no fwd asym_cipher newctx_fn")
	}
	freeFn := forward.AsymCipherFn[core.AsymCipherFreeCtxFunc](p.fwd, kt, core.FnAsymCipherFreeCtx)
	if freeFn == nil {
		core.PutError(p.ctx, core.ErrFwdFuncMissing, "no fwd asym_cipher freectx_fn")
		return nil, errors.New("no fwd asym_cipher freectx_fn")
	}

	fwdctx, err := newFn(p.fwd.Context())
	if err != nil {
		core.PutError(p.ctx, core.ErrFwdFuncFailed, "fwd asym_cipher newctx_fn failed")
		return nil, errors.WithMessage(err, "fwd asym_cipher newctx_fn failed")
	}
	octx.FwdCtx = fwdctx
	octx.FwdCtxFree = freeFn

	return octx, nil
}

func (p *Provider) asymDupCtx(octx *OpCtx) (*OpCtx, error) {
	if octx == nil {
		return nil, errors.New("asym_cipher context not created")
	}

	dupctx, err := octx.dup()
	if err != nil {
		return nil, err
	}

	dupFn := forward.AsymCipherFn[core.AsymCipherDupCtxFunc](p.fwd, octx.Type, core.FnAsymCipherDupCtx)
	if dupFn == nil {
		core.PutError(p.ctx, core.ErrFwdFuncMissing, "no fwd asym_cipher dupctx_fn")
		return nil, errors.New("no fwd asym_cipher dupctx_fn")
	}
	dupctx.FwdCtx, err = dupFn(octx.FwdCtx)
	if err != nil {
		core.PutError(p.ctx, core.ErrFwdFuncFailed, "fwd asym_cipher dupctx_fn failed")
		return nil, errors.WithMessage(err, "fwd asym_cipher dupctx_fn failed")
	}

	return dupctx, nil
}

// asymEncryptInit initializes the context for encryption. Encryption
// uses the public key, so token keys are relayed like software keys.
func (p *Provider) asymEncryptInit(octx *OpCtx, key *Object, params []*core.Param) error {
	if octx == nil || key == nil {
		return errors.New("asym_cipher context not created")
	}
	if err := octx.bind(key, IntentEncrypt); err != nil {
		return err
	}

	initFn := forward.AsymCipherFn[core.AsymCipherEncryptInitFunc](p.fwd, octx.Type, core.FnAsymCipherEncryptInit)
	if initFn == nil {
		core.PutError(p.ctx, core.ErrFwdFuncMissing, "no fwd encrypt_init_fn")
		return errors.New("no fwd encrypt_init_fn")
	}
	if err := initFn(octx.FwdCtx, key.FwdKey, params); err != nil {
		core.PutError(p.ctx, core.ErrFwdFuncFailed, "fwd encrypt_init_fn failed")
		return errors.WithMessage(err, "fwd encrypt_init_fn failed")
	}
	return nil
}

func (p *Provider) asymEncrypt(octx *OpCtx, in []byte) ([]byte, error) {
	if octx == nil {
		return nil, errors.New("asym_cipher context not created")
	}
	if !octx.initialized(IntentEncrypt) {
		core.PutError(p.ctx, core.ErrNotInitialized, "encrypt operation not initialized")
		return nil, errors.New("encrypt operation not initialized")
	}

	encryptFn := forward.AsymCipherFn[core.AsymCipherEncryptFunc](p.fwd, octx.Type, core.FnAsymCipherEncrypt)
	if encryptFn == nil {
		core.PutError(p.ctx, core.ErrFwdFuncMissing, "no fwd encrypt_fn")
		return nil, errors.New("no fwd encrypt_fn")
	}
	out, err := encryptFn(octx.FwdCtx, in)
	if err != nil {
		core.PutError(p.ctx, core.ErrFwdFuncFailed, "fwd encrypt_fn failed")
		return nil, errors.WithMessage(err, "fwd encrypt_fn failed")
	}
	return out, nil
}

// asymDecryptInit initializes the context for decryption. Software
// keys are relayed; token keys record the padding state and build the
// mechanism at decrypt time.
func (p *Provider) asymDecryptInit(octx *OpCtx, key *Object, params []*core.Param) error {
	if octx == nil || key == nil {
		return errors.New("asym_cipher context not created")
	}
	if err := octx.bind(key, IntentDecrypt); err != nil {
		return err
	}

	if !key.UseToken {
		initFn := forward.AsymCipherFn[core.AsymCipherDecryptInitFunc](p.fwd, octx.Type, core.FnAsymCipherDecryptInit)
		if initFn == nil {
			core.PutError(p.ctx, core.ErrFwdFuncMissing, "no fwd decrypt_init_fn")
			return errors.New("no fwd decrypt_init_fn")
		}
		if err := initFn(octx.FwdCtx, key.FwdKey, params); err != nil {
			core.PutError(p.ctx, core.ErrFwdFuncFailed, "fwd decrypt_init_fn failed")
			return errors.WithMessage(err, "fwd decrypt_init_fn failed")
		}
		return nil
	}

	return p.asymApplyParams(octx, params)
}

func (p *Provider) asymDecrypt(octx *OpCtx, in []byte) ([]byte, error) {
	if octx == nil {
		return nil, errors.New("asym_cipher context not created")
	}
	if !octx.initialized(IntentDecrypt) {
		core.PutError(p.ctx, core.ErrNotInitialized, "decrypt operation not initialized")
		return nil, errors.New("decrypt operation not initialized")
	}

	if !octx.Key.UseToken {
		decryptFn := forward.AsymCipherFn[core.AsymCipherDecryptFunc](p.fwd, octx.Type, core.FnAsymCipherDecrypt)
		if decryptFn == nil {
			core.PutError(p.ctx, core.ErrFwdFuncMissing, "no fwd decrypt_fn")
			return nil, errors.New("no fwd decrypt_fn")
		}
		out, err := decryptFn(octx.FwdCtx, in)
		if err != nil {
			core.PutError(p.ctx, core.ErrFwdFuncFailed, "fwd decrypt_fn failed")
			return nil, errors.WithMessage(err, "fwd decrypt_fn failed")
		}
		return out, nil
	}

	if p.module == nil {
		core.PutError(p.ctx, core.ErrNotInitialized, "token module not loaded")
		return nil, errors.New("token module not loaded")
	}

	mech, err := p.asymMechanism(octx)
	if err != nil {
		return nil, err
	}
	out, err := p.module.Decrypt(octx.Key.Label, octx.Key.ID, []*pkcs11.Mechanism{mech}, in)
	if err != nil {
		core.PutError(p.ctx, core.ErrSecureKeyFailed, "token decrypt failed: label=%q, id=%q", octx.Key.Label, octx.Key.ID)
		return nil, err
	}
	return out, nil
}

// asymGetCtxParams answers padding queries on token contexts and
// relays the rest. The backend function is optional.
func (p *Provider) asymGetCtxParams(octx *OpCtx, params []*core.Param) error {
	if octx == nil {
		return errors.New("asym_cipher context not created")
	}

	if octx.Key != nil && octx.Key.UseToken {
		if pm := core.LocateParam(params, paramPadMode); pm != nil {
			mode := octx.PadMode
			if mode == "" {
				mode = "pkcs1"
			}
			pm.Value = asymPadModes[mode]
		}
		return nil
	}

	getFn := forward.AsymCipherFn[core.AsymCipherGetCtxParamsFunc](p.fwd, octx.Type, core.FnAsymCipherGetCtxParams)
	if getFn == nil {
		return nil
	}
	if err := getFn(octx.FwdCtx, params); err != nil {
		core.PutError(p.ctx, core.ErrFwdFuncFailed, "fwd get_ctx_params_fn failed")
		return errors.WithMessage(err, "fwd get_ctx_params_fn failed")
	}
	return nil
}

// asymSetCtxParams records padding updates on token contexts and
// relays the rest. The backend function is optional.
func (p *Provider) asymSetCtxParams(octx *OpCtx, params []*core.Param) error {
	if octx == nil {
		return errors.New("asym_cipher context not created")
	}

	if octx.Key != nil && octx.Key.UseToken {
		return p.asymApplyParams(octx, params)
	}

	setFn := forward.AsymCipherFn[core.AsymCipherSetCtxParamsFunc](p.fwd, octx.Type, core.FnAsymCipherSetCtxParams)
	if setFn == nil {
		return nil
	}
	if err := setFn(octx.FwdCtx, params); err != nil {
		core.PutError(p.ctx, core.ErrFwdFuncFailed, "fwd set_ctx_params_fn failed")
		return errors.WithMessage(err, "fwd set_ctx_params_fn failed")
	}
	return nil
}

// asymApplyParams records the padding state of a token decrypt
// context.
func (p *Provider) asymApplyParams(octx *OpCtx, params []*core.Param) error {
	if pm := core.LocateParam(params, paramPadMode); pm != nil {
		mode := pm.String()
		if _, ok := asymPadModes[mode]; !ok {
			core.PutError(p.ctx, core.ErrInvalidPadding, "invalid padding mode %q", mode)
			return errors.Errorf("invalid padding mode %q", mode)
		}
		octx.PadMode = mode
	}
	if d := core.LocateParam(params, paramOAEPDigest); d != nil {
		h, err := hashByName(d.String())
		if err != nil {
			core.PutError(p.ctx, core.ErrInvalidDigest, "invalid digest %q", d.String())
			return err
		}
		octx.Digest = h
	}
	if m := core.LocateParam(params, paramMGF1Digest); m != nil {
		h, err := hashByName(m.String())
		if err != nil {
			core.PutError(p.ctx, core.ErrInvalidDigest, "invalid digest %q", m.String())
			return err
		}
		octx.MGF1 = h
	}
	return nil
}

// asymMechanism builds the token decryption mechanism from the
// recorded padding state. OAEP defaults to SHA-1 and to MGF1 with the
// OAEP digest, matching the host defaults.
func (p *Provider) asymMechanism(octx *OpCtx) (*pkcs11.Mechanism, error) {
	mode, ok := asymPadModes[octx.PadMode]
	if !ok {
		core.PutError(p.ctx, core.ErrInvalidPadding, "invalid padding mode %q", octx.PadMode)
		return nil, errors.Errorf("invalid padding mode %q", octx.PadMode)
	}

	switch mode {
	case "pkcs1":
		return pkcs11.NewMechanism(pkcs11.CKM_RSA_PKCS, nil), nil
	case "none":
		return pkcs11.NewMechanism(pkcs11.CKM_RSA_X_509, nil), nil
	}

	h := octx.Digest
	if h == 0 {
		h = crypto.SHA1
	}
	mgf := octx.MGF1
	if mgf == 0 {
		mgf = h
	}
	hashAlg, _, err := p11token.DigestMechanism(h)
	if err != nil {
		core.PutError(p.ctx, core.ErrInvalidDigest, "invalid digest %s", h)
		return nil, err
	}
	_, mgfID, err := p11token.DigestMechanism(mgf)
	if err != nil {
		core.PutError(p.ctx, core.ErrInvalidDigest, "invalid digest %s", mgf)
		return nil, err
	}
	oaep := pkcs11.NewOAEPParams(hashAlg, mgfID, pkcs11.CKZ_DATA_SPECIFIED, nil)
	return pkcs11.NewMechanism(pkcs11.CKM_RSA_PKCS_OAEP, oaep), nil
}
