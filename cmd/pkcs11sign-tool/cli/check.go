package cli

import (
	"github.com/effective-security/xlog"
	"github.com/pkg/errors"

	"github.com/effective-security/pkcs11sign/core"
	"github.com/effective-security/pkcs11sign/p11token"
	"github.com/effective-security/pkcs11sign/provider"
)

// checkBackend is a stub software backend with no algorithms, enough
// for a provider instance to initialize without a real forward.
type checkBackend struct {
	name string
}

func (b *checkBackend) Name() string { return b.name }
func (b *checkBackend) Context() any { return b }
func (b *checkBackend) QueryOperation(op core.Operation) ([]core.Algorithm, bool, error) {
	return nil, true, nil
}
func (b *checkBackend) Unquery(op core.Operation, algs []core.Algorithm) {}
func (b *checkBackend) Unload() error                                   { return nil }

// CtxCheckRes is the response of the ctx-check command
type CtxCheckRes struct {
	Name       string         `json:"name"`
	Version    string         `json:"version"`
	Buildinfo  string         `json:"buildinfo,omitempty"`
	Status     int            `json:"status"`
	Forward    string         `json:"forward"`
	Module     string         `json:"module,omitempty"`
	Operations map[string]int `json:"operations"`
}

// CtxCheckCmd creates a provider instance against a stub host and
// prints what it advertises. The forward is a stub backend registered
// for the duration of the command, so the check does not need a real
// one. With the --cfg flag the token module from the config file is
// loaded as well.
type CtxCheckCmd struct {
	Forward string `help:"name to register the stub backend under" default:"check"`
}

// Run the command
func (a *CtxCheckCmd) Run(ctx *Cli) error {
	err := core.RegisterBackend(a.Forward, func(libctx *core.LibCtx, name string) (core.Provider, error) {
		return &checkBackend{name: name}, nil
	})
	if err != nil {
		return errors.WithMessagef(err, "failed to register backend %q", a.Forward)
	}
	defer func() {
		_, _ = core.UnregisterBackend(a.Forward)
	}()

	hostParams := map[string]string{
		provider.ParamForward: "provider=" + a.Forward,
	}
	if ctx.Cfg != "" {
		tc, err := p11token.LoadTokenConfig(ctx.Cfg)
		if err != nil {
			return errors.WithMessagef(err, "unable to load token config: %s", ctx.Cfg)
		}
		hostParams[provider.ParamModulePath] = tc.Path
		hostParams[provider.ParamModuleInitArgs] = tc.InitArgs
	}

	dispatch := core.Dispatch{
		{ID: core.FnCoreGetParams, Fn: core.GetParamsFunc(func(_ core.Handle, params []*core.Param) error {
			for _, p := range params {
				if v, ok := hostParams[p.Key]; ok && v != "" {
					p.Value = v
				}
			}
			return nil
		})},
		{ID: core.FnCoreNewError, Fn: core.NewErrorFunc(func(core.Handle) {})},
		{ID: core.FnCoreVsetError, Fn: core.VsetErrorFunc(func(_ core.Handle, code uint32, msg string) {
			logger.KV(xlog.ERROR, "code", code, "msg", msg)
		})},
	}

	p, err := provider.New("ctx-check", dispatch, nil)
	if err != nil {
		return errors.WithMessage(err, "failed to create provider instance")
	}
	defer p.Teardown()

	params := []*core.Param{
		core.NewParam(provider.ParamName, nil),
		core.NewParam(provider.ParamVersion, nil),
		core.NewParam(provider.ParamBuildinfo, nil),
		core.NewParam(provider.ParamStatus, nil),
	}
	if err := p.GetParams(params); err != nil {
		return errors.WithStack(err)
	}

	res := &CtxCheckRes{
		Name:       core.LocateParam(params, provider.ParamName).String(),
		Version:    core.LocateParam(params, provider.ParamVersion).String(),
		Buildinfo:  core.LocateParam(params, provider.ParamBuildinfo).String(),
		Status:     core.LocateParam(params, provider.ParamStatus).Int(),
		Forward:    p.Forward().Name(),
		Module:     p.Module().Path(),
		Operations: map[string]int{},
	}
	for op := core.OpKeyMgmt; op <= core.OpHighest; op++ {
		algs, _, err := p.QueryOperation(op)
		if err != nil {
			return errors.WithStack(err)
		}
		res.Operations[op.String()] = len(algs)
	}

	return ctx.WriteJSON(res)
}
