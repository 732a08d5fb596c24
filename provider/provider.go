// Package provider implements the pkcs11sign provider instance. An
// instance binds a host execution context, a software backend that
// operations are forwarded to, and an optional PKCS#11 token module.
// On top of them it exposes algorithm tables for the key management,
// key exchange, signature, asymmetric cipher and store operation
// families: keys referencing a token object are served by the token,
// everything else is relayed to the backend.
package provider

import (
	"github.com/effective-security/xlog"
	"github.com/pkg/errors"

	"github.com/effective-security/pkcs11sign/core"
	"github.com/effective-security/pkcs11sign/forward"
	"github.com/effective-security/pkcs11sign/internal/version"
	"github.com/effective-security/pkcs11sign/p11token"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/pkcs11sign", "provider")

const (
	// ProviderName is the provider name used in algorithm properties.
	ProviderName = "pkcs11sign"
	// ProviderDescription is the human readable provider description.
	ProviderDescription = "PKCS11 signing key provider"

	// Properties is the property string advertised for every
	// algorithm of this provider.
	Properties = "provider=" + ProviderName
)

// Host parameter keys answered by GetParams.
const (
	ParamName      = "name"
	ParamVersion   = "version"
	ParamBuildinfo = "buildinfo"
	ParamStatus    = "status"
)

// Provider is a pkcs11sign provider instance.
type Provider struct {
	ctx    *core.ExecutionContext
	fwd    *forward.Backend
	module *p11token.Module
	cfg    *Config
}

// A provider instance can itself serve as the backend of another
// instance.
var _ core.Provider = (*Provider)(nil)

// New creates a provider instance bound to the host handle. The
// execution context is built from the dispatch table, the backend
// named by the configuration is loaded, and the token module is
// initialized when a module path is configured. A nil cfg is queried
// from the host parameters. On any failure everything built so far is
// released.
func New(handle core.Handle, dispatch core.Dispatch, cfg *Config) (*Provider, error) {
	ctx, err := core.NewExecutionContext(handle, dispatch)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to create execution context")
	}

	if cfg == nil {
		cfg, err = configFromHost(ctx)
		if err != nil {
			ctx.Teardown()
			return nil, err
		}
	}

	name := cfg.forwardName()
	fwd, err := forward.Load(ctx, name)
	if err != nil {
		core.PutError(ctx, core.ErrInternal, "failed to initialize forward %q", name)
		ctx.Teardown()
		return nil, err
	}

	p := &Provider{
		ctx: ctx,
		fwd: fwd,
		cfg: cfg,
	}

	if cfg.ModulePath != "" {
		p.module, err = p11token.Load(cfg.tokenConfig())
		if err != nil {
			core.PutError(ctx, core.ErrInternal, "failed to initialize token module %q", cfg.ModulePath)
			fwd.Unload()
			ctx.Teardown()
			return nil, err
		}
	}

	logger.KV(xlog.INFO, "reason", "initialized",
		"backend", name,
		"module", cfg.ModulePath)

	return p, nil
}

// Teardown releases the token module, the backend and the execution
// context, in that order. It is idempotent.
func (p *Provider) Teardown() {
	if p == nil {
		return
	}
	if p.module != nil {
		p.module.Close()
		p.module = nil
	}
	p.fwd.Unload()
	p.ctx.Teardown()
	p.cfg = nil
}

// ExecutionContext returns the host execution context.
func (p *Provider) ExecutionContext() *core.ExecutionContext {
	if p == nil {
		return nil
	}
	return p.ctx
}

// Forward returns the loaded software backend.
func (p *Provider) Forward() *forward.Backend {
	if p == nil {
		return nil
	}
	return p.fwd
}

// Module returns the loaded token module, nil when no module path was
// configured.
func (p *Provider) Module() *p11token.Module {
	if p == nil {
		return nil
	}
	return p.module
}

// GetParams fills the located provider parameters. The name parameter
// carries the human readable description.
func (p *Provider) GetParams(params []*core.Param) error {
	if param := core.LocateParam(params, ParamName); param != nil {
		param.Value = ProviderDescription
	}
	if param := core.LocateParam(params, ParamVersion); param != nil {
		param.Value = version.Current().String()
	}
	if param := core.LocateParam(params, ParamBuildinfo); param != nil {
		param.Value = version.Build
	}
	if param := core.LocateParam(params, ParamStatus); param != nil {
		param.Value = 1
	}
	return nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return ProviderName
}

// Context returns the provider itself as the backend context pointer.
func (p *Provider) Context() any {
	if p == nil {
		return nil
	}
	return p
}

// QueryOperation returns this provider's algorithm table for the
// operation kind. All tables are cacheable; an unknown kind yields no
// table.
func (p *Provider) QueryOperation(op core.Operation) ([]core.Algorithm, bool, error) {
	switch op {
	case core.OpKeyMgmt:
		return p.keymgmtAlgorithms(), true, nil
	case core.OpKeyExch:
		return p.keyexchAlgorithms(), true, nil
	case core.OpSignature:
		return p.signatureAlgorithms(), true, nil
	case core.OpAsymCipher:
		return p.asymCipherAlgorithms(), true, nil
	case core.OpStore:
		return p.storeAlgorithms(), true, nil
	}
	return nil, true, nil
}

// Unquery releases a query result. All tables are cacheable, so there
// is nothing to release.
func (p *Provider) Unquery(op core.Operation, algs []core.Algorithm) {
}

// Unload releases the provider when used as a backend.
func (p *Provider) Unload() error {
	p.Teardown()
	return nil
}

// ReasonStrings returns the provider error reason table.
func (p *Provider) ReasonStrings() []core.Reason {
	return core.Reasons()
}
