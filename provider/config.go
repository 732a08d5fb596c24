package provider

import (
	"strings"

	"github.com/pkg/errors"

	"github.com/effective-security/pkcs11sign/core"
	"github.com/effective-security/pkcs11sign/p11token"
)

// Host parameter keys queried during initialization.
const (
	ParamModulePath     = "pkcs11sign-module-path"
	ParamModuleInitArgs = "pkcs11sign-module-init-args"
	ParamForward        = "pkcs11sign-forward"
)

// DefaultForward is the backend loaded when the configuration names
// none.
const DefaultForward = "default"

// Config is the provider instance configuration. When New receives no
// configuration, ModulePath, ModuleInitArgs and Forward are queried
// from the host parameters.
type Config struct {
	// ModulePath is the path to the PKCS#11 library. When empty, no
	// token module is loaded and only forwarding is available.
	ModulePath string
	// ModuleInitArgs are initialization arguments for the module.
	ModuleInitArgs string
	// Forward names the software backend operations are forwarded to.
	// A "provider=" prefix is accepted and stripped.
	Forward string

	// Token selection and login, not available via host parameters.
	TokenSerial string
	TokenLabel  string
	Pin         string
}

// NewConfig returns a Config populated from a token configuration.
func NewConfig(tc *p11token.TokenConfig) *Config {
	if tc == nil {
		return &Config{}
	}
	return &Config{
		ModulePath:     tc.Path,
		ModuleInitArgs: tc.InitArgs,
		Forward:        tc.Forward,
		TokenSerial:    tc.TokenSerial,
		TokenLabel:     tc.TokenLabel,
		Pin:            tc.Pin,
	}
}

// configFromHost queries the provider configuration from the host
// parameters. Keys the host does not answer are left empty.
func configFromHost(ctx *core.ExecutionContext) (*Config, error) {
	params := []*core.Param{
		core.NewParam(ParamModulePath, nil),
		core.NewParam(ParamModuleInitArgs, nil),
		core.NewParam(ParamForward, nil),
	}
	if err := ctx.HostParams(params); err != nil {
		return nil, errors.WithMessage(err, "failed to get host parameters")
	}

	return &Config{
		ModulePath:     core.LocateParam(params, ParamModulePath).String(),
		ModuleInitArgs: core.LocateParam(params, ParamModuleInitArgs).String(),
		Forward:        core.LocateParam(params, ParamForward).String(),
	}, nil
}

// forwardName returns the backend name to load, with the "provider="
// prefix stripped and DefaultForward as the fallback.
func (c *Config) forwardName() string {
	name := strings.TrimPrefix(c.Forward, "provider=")
	if name == "" {
		name = DefaultForward
	}
	return name
}

// tokenConfig maps the provider configuration to the token layer.
func (c *Config) tokenConfig() *p11token.TokenConfig {
	return &p11token.TokenConfig{
		Path:        c.ModulePath,
		InitArgs:    c.ModuleInitArgs,
		TokenSerial: c.TokenSerial,
		TokenLabel:  c.TokenLabel,
		Pin:         c.Pin,
		Forward:     c.Forward,
	}
}
