package provider

import (
	"crypto"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/miekg/pkcs11"

	"github.com/effective-security/pkcs11sign/core"
	"github.com/effective-security/pkcs11sign/forward"
	"github.com/effective-security/pkcs11sign/metricskey"
	"github.com/effective-security/pkcs11sign/p11token"
	"github.com/effective-security/pkcs11sign/sigutil"
)

// signatureAlgorithms returns the signature algorithm table. Token
// signing uses CKM_RSA_PKCS for RSA keys and CKM_ECDSA for EC keys.
func (p *Provider) signatureAlgorithms() []core.Algorithm {
	return []core.Algorithm{
		{
			Names:          "RSA:rsaEncryption",
			Properties:     Properties,
			Implementation: p.signatureFunctions(forward.RSA, pkcs11.CKM_RSA_PKCS),
		},
		{
			Names:          "ECDSA",
			Properties:     Properties,
			Implementation: p.signatureFunctions(forward.EC, pkcs11.CKM_ECDSA),
		},
	}
}

func (p *Provider) signatureFunctions(kt forward.KeyType, mech uint) core.Dispatch {
	return core.Dispatch{
		{ID: core.FnSignatureNewCtx, Fn: core.SignatureNewCtxFunc(func(_ any, properties string) (any, error) {
			octx, err := p.signatureNewCtx(kt, properties)
			if err != nil {
				return nil, err
			}
			return octx, nil
		})},
		{ID: core.FnSignatureFreeCtx, Fn: core.SignatureFreeCtxFunc(func(sctx any) {
			asOpCtx(sctx).free()
		})},
		{ID: core.FnSignatureDupCtx, Fn: core.SignatureDupCtxFunc(func(sctx any) (any, error) {
			octx, err := p.signatureDupCtx(asOpCtx(sctx))
			if err != nil {
				return nil, err
			}
			return octx, nil
		})},
		{ID: core.FnSignatureSignInit, Fn: core.SignatureSignInitFunc(func(sctx, key any, params []*core.Param) error {
			return p.signatureSignInit(asOpCtx(sctx), asObject(key), params, mech)
		})},
		{ID: core.FnSignatureSign, Fn: core.SignatureSignFunc(func(sctx any, tbs []byte) ([]byte, error) {
			return p.signatureSign(asOpCtx(sctx), tbs)
		})},
		{ID: core.FnSignatureVerifyInit, Fn: core.SignatureVerifyInitFunc(func(sctx, key any, params []*core.Param) error {
			return p.signatureVerifyInit(asOpCtx(sctx), asObject(key), params)
		})},
		{ID: core.FnSignatureVerify, Fn: core.SignatureVerifyFunc(func(sctx any, sig, tbs []byte) error {
			return p.signatureVerify(asOpCtx(sctx), sig, tbs)
		})},
		{ID: core.FnSignatureDigestSignInit, Fn: core.SignatureDigestSignInitFunc(func(sctx any, digest string, key any, params []*core.Param) error {
			return p.signatureDigestSignInit(asOpCtx(sctx), digest, asObject(key), params, mech)
		})},
		{ID: core.FnSignatureDigestSign, Fn: core.SignatureDigestSignFunc(func(sctx any, data []byte) ([]byte, error) {
			return p.signatureDigestSign(asOpCtx(sctx), data)
		})},
		{ID: core.FnSignatureDigestVerifyInit, Fn: core.SignatureDigestVerifyInitFunc(func(sctx any, digest string, key any, params []*core.Param) error {
			return p.signatureDigestVerifyInit(asOpCtx(sctx), digest, asObject(key), params)
		})},
		{ID: core.FnSignatureDigestVerify, Fn: core.SignatureDigestVerifyFunc(func(sctx any, sig, data []byte) error {
			return p.signatureDigestVerify(asOpCtx(sctx), sig, data)
		})},
		{ID: core.FnSignatureGetCtxParams, Fn: core.SignatureGetCtxParamsFunc(func(sctx any, params []*core.Param) error {
			return p.signatureGetCtxParams(asOpCtx(sctx), params)
		})},
		{ID: core.FnSignatureSetCtxParams, Fn: core.SignatureSetCtxParamsFunc(func(sctx any, params []*core.Param) error {
			return p.signatureSetCtxParams(asOpCtx(sctx), params)
		})},
		{ID: 0},
	}
}

// signatureNewCtx creates a signature operation context. The forward
// context is created eagerly so that parameter calls can be relayed
// before the operation is initialized.
func (p *Provider) signatureNewCtx(kt forward.KeyType, properties string) (*OpCtx, error) {
	octx := &OpCtx{
		Provider:   p,
		Type:       kt,
		Properties: properties,
	}

	newFn := forward.SignatureFn[core.SignatureNewCtxFunc](p.fwd, kt, core.FnSignatureNewCtx)
	if newFn == nil {
		core.PutError(p.ctx, core.ErrFwdFuncMissing, "no fwd signature newctx_fn")
		return nil, errors.New("no fwd signature newctx_fn")
	}
	freeFn := forward.SignatureFn[core.SignatureFreeCtxFunc](p.fwd, kt, core.FnSignatureFreeCtx)
	if freeFn == nil {
		core.PutError(p.ctx, core.ErrFwdFuncMissing, "no fwd signature freectx_fn")
		return nil, errors.New("no fwd signature freectx_fn")
	}

	fwdctx, err := newFn(p.fwd.Context(), properties)
	if err != nil {
		core.PutError(p.ctx, core.ErrFwdFuncFailed, "fwd signature newctx_fn failed")
		return nil, errors.WithMessage(err, "fwd signature newctx_fn failed")
	}
	octx.FwdCtx = fwdctx
	octx.FwdCtxFree = freeFn

	return octx, nil
}

func (p *Provider) signatureDupCtx(octx *OpCtx) (*OpCtx, error) {
	if octx == nil {
		return nil, errors.New("signature context not created")
	}

	dupctx, err := octx.dup()
	if err != nil {
		return nil, err
	}

	dupFn := forward.SignatureFn[core.SignatureDupCtxFunc](p.fwd, octx.Type, core.FnSignatureDupCtx)
	if dupFn == nil {
		core.PutError(p.ctx, core.ErrFwdFuncMissing, "no fwd signature dupctx_fn")
		return nil, errors.New("no fwd signature dupctx_fn")
	}
	dupctx.FwdCtx, err = dupFn(octx.FwdCtx)
	if err != nil {
		core.PutError(p.ctx, core.ErrFwdFuncFailed, "fwd signature dupctx_fn failed")
		return nil, errors.WithMessage(err, "fwd signature dupctx_fn failed")
	}

	return dupctx, nil
}

// signatureSignInit initializes the context for signing. Software
// keys are initialized on the forward backend; token keys capture the
// signing mechanism.
func (p *Provider) signatureSignInit(octx *OpCtx, key *Object, params []*core.Param, mech uint) error {
	if octx == nil || key == nil {
		return errors.New("signature context not created")
	}
	if err := octx.bind(key, IntentSign); err != nil {
		return err
	}

	if !key.UseToken {
		initFn := forward.SignatureFn[core.SignatureSignInitFunc](p.fwd, octx.Type, core.FnSignatureSignInit)
		if initFn == nil {
			core.PutError(p.ctx, core.ErrFwdFuncMissing, "no fwd sign_init_fn")
			return errors.New("no fwd sign_init_fn")
		}
		if err := initFn(octx.FwdCtx, key.FwdKey, params); err != nil {
			core.PutError(p.ctx, core.ErrFwdFuncFailed, "fwd sign_init_fn failed")
			return errors.WithMessage(err, "fwd sign_init_fn failed")
		}
		return nil
	}

	octx.Mech = pkcs11.NewMechanism(mech, nil)
	return nil
}

// signatureSign signs the digest. Token keys sign on the token, with
// the raw EC output re-encoded to DER.
func (p *Provider) signatureSign(octx *OpCtx, tbs []byte) ([]byte, error) {
	if octx == nil {
		return nil, errors.New("signature context not created")
	}
	if !octx.initialized(IntentSign) {
		core.PutError(p.ctx, core.ErrNotInitialized, "sign operation not initialized")
		return nil, errors.New("sign operation not initialized")
	}

	if !octx.Key.UseToken {
		signFn := forward.SignatureFn[core.SignatureSignFunc](p.fwd, octx.Type, core.FnSignatureSign)
		if signFn == nil {
			core.PutError(p.ctx, core.ErrFwdFuncMissing, "no fwd sign_fn")
			return nil, errors.New("no fwd sign_fn")
		}
		sig, err := signFn(octx.FwdCtx, tbs)
		if err != nil {
			core.PutError(p.ctx, core.ErrFwdFuncFailed, "fwd sign_fn failed")
			return nil, errors.WithMessage(err, "fwd sign_fn failed")
		}
		return sig, nil
	}

	return p.tokenSign(octx, tbs)
}

func (p *Provider) signatureVerifyInit(octx *OpCtx, key *Object, params []*core.Param) error {
	if octx == nil || key == nil {
		return errors.New("signature context not created")
	}
	if err := octx.bind(key, IntentVerify); err != nil {
		return err
	}
	if key.UseToken {
		return errors.New("not supported for token keys")
	}

	initFn := forward.SignatureFn[core.SignatureVerifyInitFunc](p.fwd, octx.Type, core.FnSignatureVerifyInit)
	if initFn == nil {
		core.PutError(p.ctx, core.ErrFwdFuncMissing, "no fwd verify_init_fn")
		return errors.New("no fwd verify_init_fn")
	}
	if err := initFn(octx.FwdCtx, key.FwdKey, params); err != nil {
		core.PutError(p.ctx, core.ErrFwdFuncFailed, "fwd verify_init_fn failed")
		return errors.WithMessage(err, "fwd verify_init_fn failed")
	}
	return nil
}

func (p *Provider) signatureVerify(octx *OpCtx, sig, tbs []byte) error {
	if octx == nil {
		return errors.New("signature context not created")
	}
	if !octx.initialized(IntentVerify) {
		core.PutError(p.ctx, core.ErrNotInitialized, "verify operation not initialized")
		return errors.New("verify operation not initialized")
	}
	if octx.Key.UseToken {
		return errors.New("not supported for token keys")
	}

	verifyFn := forward.SignatureFn[core.SignatureVerifyFunc](p.fwd, octx.Type, core.FnSignatureVerify)
	if verifyFn == nil {
		core.PutError(p.ctx, core.ErrFwdFuncMissing, "no fwd verify_fn")
		return errors.New("no fwd verify_fn")
	}
	if err := verifyFn(octx.FwdCtx, sig, tbs); err != nil {
		core.PutError(p.ctx, core.ErrFwdFuncFailed, "fwd verify_fn failed")
		return errors.WithMessage(err, "fwd verify_fn failed")
	}
	return nil
}

// signatureDigestSignInit initializes a sign-with-digest operation.
// Token keys hash locally and sign the digest; the digest name must
// name a supported hash.
func (p *Provider) signatureDigestSignInit(octx *OpCtx, digest string, key *Object, params []*core.Param, mech uint) error {
	if octx == nil || key == nil {
		return errors.New("signature context not created")
	}
	if err := octx.bind(key, IntentSign); err != nil {
		return err
	}

	if !key.UseToken {
		initFn := forward.SignatureFn[core.SignatureDigestSignInitFunc](p.fwd, octx.Type, core.FnSignatureDigestSignInit)
		if initFn == nil {
			core.PutError(p.ctx, core.ErrFwdFuncMissing, "no fwd digest_sign_init_fn")
			return errors.New("no fwd digest_sign_init_fn")
		}
		if err := initFn(octx.FwdCtx, digest, key.FwdKey, params); err != nil {
			core.PutError(p.ctx, core.ErrFwdFuncFailed, "fwd digest_sign_init_fn failed")
			return errors.WithMessage(err, "fwd digest_sign_init_fn failed")
		}
		return nil
	}

	h, err := hashByName(digest)
	if err != nil {
		core.PutError(p.ctx, core.ErrInvalidDigest, "invalid digest %q", digest)
		return err
	}

	octx.Mech = pkcs11.NewMechanism(mech, nil)
	octx.Digest = h
	return nil
}

func (p *Provider) signatureDigestSign(octx *OpCtx, data []byte) ([]byte, error) {
	if octx == nil {
		return nil, errors.New("signature context not created")
	}
	if !octx.initialized(IntentSign) {
		core.PutError(p.ctx, core.ErrNotInitialized, "digest sign operation not initialized")
		return nil, errors.New("digest sign operation not initialized")
	}

	if !octx.Key.UseToken {
		signFn := forward.SignatureFn[core.SignatureDigestSignFunc](p.fwd, octx.Type, core.FnSignatureDigestSign)
		if signFn == nil {
			core.PutError(p.ctx, core.ErrFwdFuncMissing, "no fwd digest_sign_fn")
			return nil, errors.New("no fwd digest_sign_fn")
		}
		sig, err := signFn(octx.FwdCtx, data)
		if err != nil {
			core.PutError(p.ctx, core.ErrFwdFuncFailed, "fwd digest_sign_fn failed")
			return nil, errors.WithMessage(err, "fwd digest_sign_fn failed")
		}
		return sig, nil
	}

	if octx.Digest == 0 {
		core.PutError(p.ctx, core.ErrNotInitialized, "digest sign operation not initialized")
		return nil, errors.New("digest sign operation not initialized")
	}

	h := octx.Digest.New()
	_, _ = h.Write(data)
	digest := h.Sum(nil)

	tbs := digest
	if octx.Type != forward.EC {
		var err error
		tbs, err = p11token.DigestInfo(octx.Digest, digest)
		if err != nil {
			core.PutError(p.ctx, core.ErrInvalidDigest, "invalid digest %s", octx.Digest)
			return nil, err
		}
	}

	return p.tokenSign(octx, tbs)
}

func (p *Provider) signatureDigestVerifyInit(octx *OpCtx, digest string, key *Object, params []*core.Param) error {
	if octx == nil || key == nil {
		return errors.New("signature context not created")
	}
	if err := octx.bind(key, IntentVerify); err != nil {
		return err
	}
	if key.UseToken {
		return errors.New("not supported for token keys")
	}

	initFn := forward.SignatureFn[core.SignatureDigestVerifyInitFunc](p.fwd, octx.Type, core.FnSignatureDigestVerifyInit)
	if initFn == nil {
		core.PutError(p.ctx, core.ErrFwdFuncMissing, "no fwd digest_verify_init_fn")
		return errors.New("no fwd digest_verify_init_fn")
	}
	if err := initFn(octx.FwdCtx, digest, key.FwdKey, params); err != nil {
		core.PutError(p.ctx, core.ErrFwdFuncFailed, "fwd digest_verify_init_fn failed")
		return errors.WithMessage(err, "fwd digest_verify_init_fn failed")
	}
	return nil
}

func (p *Provider) signatureDigestVerify(octx *OpCtx, sig, data []byte) error {
	if octx == nil {
		return errors.New("signature context not created")
	}
	if !octx.initialized(IntentVerify) {
		core.PutError(p.ctx, core.ErrNotInitialized, "digest verify operation not initialized")
		return errors.New("digest verify operation not initialized")
	}
	if octx.Key.UseToken {
		return errors.New("not supported for token keys")
	}

	verifyFn := forward.SignatureFn[core.SignatureDigestVerifyFunc](p.fwd, octx.Type, core.FnSignatureDigestVerify)
	if verifyFn == nil {
		core.PutError(p.ctx, core.ErrFwdFuncMissing, "no fwd digest_verify_fn")
		return errors.New("no fwd digest_verify_fn")
	}
	if err := verifyFn(octx.FwdCtx, sig, data); err != nil {
		core.PutError(p.ctx, core.ErrFwdFuncFailed, "fwd digest_verify_fn failed")
		return errors.WithMessage(err, "fwd digest_verify_fn failed")
	}
	return nil
}

// signatureGetCtxParams relays the parameter query to the forward
// context. The backend function is optional.
func (p *Provider) signatureGetCtxParams(octx *OpCtx, params []*core.Param) error {
	if octx == nil {
		return errors.New("signature context not created")
	}

	getFn := forward.SignatureFn[core.SignatureGetCtxParamsFunc](p.fwd, octx.Type, core.FnSignatureGetCtxParams)
	if getFn == nil {
		return nil
	}
	if err := getFn(octx.FwdCtx, params); err != nil {
		core.PutError(p.ctx, core.ErrFwdFuncFailed, "fwd get_ctx_params_fn failed")
		return errors.WithMessage(err, "fwd get_ctx_params_fn failed")
	}
	return nil
}

// signatureSetCtxParams relays the parameter update to the forward
// context. The backend function is optional.
func (p *Provider) signatureSetCtxParams(octx *OpCtx, params []*core.Param) error {
	if octx == nil {
		return errors.New("signature context not created")
	}

	setFn := forward.SignatureFn[core.SignatureSetCtxParamsFunc](p.fwd, octx.Type, core.FnSignatureSetCtxParams)
	if setFn == nil {
		return nil
	}
	if err := setFn(octx.FwdCtx, params); err != nil {
		core.PutError(p.ctx, core.ErrFwdFuncFailed, "fwd set_ctx_params_fn failed")
		return errors.WithMessage(err, "fwd set_ctx_params_fn failed")
	}
	return nil
}

// tokenSign signs the prepared input on the token and re-encodes the
// raw EC scalar pair to DER.
func (p *Provider) tokenSign(octx *OpCtx, data []byte) ([]byte, error) {
	defer metricskey.PerfSignOperation.MeasureSince(time.Now(), octx.Type.String(), p.fwd.Name())

	if p.module == nil {
		core.PutError(p.ctx, core.ErrNotInitialized, "token module not loaded")
		return nil, errors.New("token module not loaded")
	}

	raw, err := p.module.Sign(octx.Key.Label, octx.Key.ID, []*pkcs11.Mechanism{octx.Mech}, data)
	if err != nil {
		core.PutError(p.ctx, core.ErrSecureKeyFailed, "token sign failed: label=%q, id=%q", octx.Key.Label, octx.Key.ID)
		return nil, err
	}

	if octx.Type != forward.EC {
		return raw, nil
	}

	sig, err := sigutil.EncodeECDSAToDER(raw)
	if err != nil {
		core.PutError(p.ctx, core.ErrInternal, "failed to encode token signature")
		return nil, err
	}
	return sig, nil
}

// hashByName maps an OpenSSL digest name to the hash implementation.
func hashByName(name string) (crypto.Hash, error) {
	switch strings.ToUpper(name) {
	case "SHA1", "SHA-1":
		return crypto.SHA1, nil
	case "SHA224", "SHA-224", "SHA2-224":
		return crypto.SHA224, nil
	case "SHA256", "SHA-256", "SHA2-256":
		return crypto.SHA256, nil
	case "SHA384", "SHA-384", "SHA2-384":
		return crypto.SHA384, nil
	case "SHA512", "SHA-512", "SHA2-512":
		return crypto.SHA512, nil
	}
	return 0, errors.Errorf("unsupported digest: %q", name)
}
