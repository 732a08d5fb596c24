package p11token

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

// TokenConfig holds PKCS#11 module configuration.
//
// A token may be identified either by serial number or label. If
// both are specified then the first match wins.
type TokenConfig struct {
	// Path is the full path to the PKCS#11 library.
	Path string `json:"Path" yaml:"path"`

	// InitArgs is the reserved initialization argument of the module.
	InitArgs string `json:"InitArgs,omitempty" yaml:"init_args,omitempty"`

	// TokenSerial is the serial number of the token.
	TokenSerial string `json:"TokenSerial,omitempty" yaml:"token_serial,omitempty"`

	// TokenLabel is the label of the token.
	TokenLabel string `json:"TokenLabel,omitempty" yaml:"token_label,omitempty"`

	// Pin is a secret to access the token.
	// If it's prefixed with `file:`, then it will be loaded from the file.
	Pin string `json:"Pin,omitempty" yaml:"pin,omitempty"`

	// Forward is the name of the provider that key-less operations are
	// forwarded to.
	Forward string `json:"Forward,omitempty" yaml:"forward,omitempty"`
}

// LoadTokenConfig loads PKCS#11 token configuration
func LoadTokenConfig(filename string) (*TokenConfig, error) {
	cfr, err := os.Open(filename)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer cfr.Close()

	cfg := new(TokenConfig)
	if strings.HasSuffix(filename, ".json") {
		err = json.NewDecoder(cfr).Decode(cfg)
	} else {
		err = yaml.NewDecoder(cfr).Decode(cfg)
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to decode file: %s", filename)
	}

	if strings.HasPrefix(cfg.Pin, "file:") {
		pinfile := cfg.Pin[5:]

		// try to resolve pin file
		cwd, _ := os.Getwd()
		folders := []string{
			"",
			cwd,
			filepath.Dir(filename),
		}

		for _, folder := range folders {
			if resolved, err := resolve(pinfile, folder); err == nil {
				pinfile = resolved
				break
			}
			logger.Warningf("reason=resolve, pinfile=%q, basedir=%q", pinfile, folder)
		}

		pb, err := os.ReadFile(pinfile)
		if err != nil {
			return nil, errors.WithMessagef(err, "unable to load PIN for configuration: %s", filename)
		}
		cfg.Pin = strings.TrimSpace(string(pb))
	}

	return cfg, nil
}

// resolve returns absolute file name relative to baseDir.
func resolve(file string, baseDir string) (resolved string, err error) {
	if file == "" {
		return file, nil
	}
	if filepath.IsAbs(file) {
		resolved = file
	} else if baseDir != "" {
		resolved = filepath.Join(baseDir, file)
	}
	if _, err := os.Stat(resolved); os.IsNotExist(err) {
		return resolved, errors.WithMessagef(err, "not found: %v", resolved)
	}
	return resolved, nil
}
