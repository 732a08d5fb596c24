package cli

import (
	"crypto"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/miekg/pkcs11"
	"github.com/pkg/errors"

	"github.com/effective-security/pkcs11sign/p11token"
	"github.com/effective-security/pkcs11sign/sigutil"
)

// signHashNames maps the --hash flag values to crypto.Hash.
var signHashNames = map[string]crypto.Hash{
	"SHA1":   crypto.SHA1,
	"SHA224": crypto.SHA224,
	"SHA256": crypto.SHA256,
	"SHA384": crypto.SHA384,
	"SHA512": crypto.SHA512,
}

// SlotsCmd prints slots with tokens present
type SlotsCmd struct {
	Serial string `help:"specifies token serial (optional)"`
	Label  string `help:"specifies token label (optional)"`
}

// Run the command
func (a *SlotsCmd) Run(ctx *Cli) error {
	tokens, err := ctx.Module().TokensInfo()
	if err != nil {
		return errors.WithMessagef(err, "failed to list tokens")
	}

	out := ctx.Writer()
	printIfNotEmpty := func(label, val string) {
		if val != "" {
			fmt.Fprintf(out, "  %s:  %s\n", label, val)
		}
	}

	isDefault := a.Serial == "" && a.Label == ""
	for _, token := range tokens {
		if isDefault || token.Serial == a.Serial || token.Label == a.Label {
			fmt.Fprintf(out, "Slot: 0x%X\n", token.ID)
			printIfNotEmpty("Description", token.Description)
			printIfNotEmpty("Manufacturer", token.Manufacturer)
			printIfNotEmpty("Model", token.Model)
			printIfNotEmpty("Token serial", token.Serial)
			printIfNotEmpty("Token label", token.Label)
		}
	}
	return nil
}

// KeysCmd prints keys on the token
type KeysCmd struct {
	Prefix string `help:"specifies key label prefix (optional)"`
}

// Run the command
func (a *KeysCmd) Run(ctx *Cli) error {
	keys, err := ctx.Module().EnumKeys(a.Prefix)
	if err != nil {
		return errors.WithMessagef(err, "failed to list keys")
	}

	out := ctx.Writer()
	if a.Prefix != "" && len(keys) == 0 {
		fmt.Fprintf(out, "no keys found with prefix: %s\n", a.Prefix)
		return nil
	}

	printIfNotEmpty := func(label, val string) {
		if val != "" {
			fmt.Fprintf(out, "  %s: %s\n", label, val)
		}
	}
	for i, key := range keys {
		fmt.Fprintf(out, "[%d]\n", i)
		fmt.Fprintf(out, "  Id:    %s\n", key.ID)
		printIfNotEmpty("Label", key.Label)
		printIfNotEmpty("Type", key.Type)
		printIfNotEmpty("Class", key.Class)
	}
	return nil
}

// SignCmd signs a digest with a key on the token
type SignCmd struct {
	Digest string `kong:"arg" required:"" help:"hex-encoded digest to sign"`
	Label  string `help:"key label"`
	ID     string `help:"key ID"`
	Mech   string `help:"signing mechanism: ECDSA|RSA-PKCS|RSA-PKCS-PSS" default:"ECDSA"`
	Hash   string `help:"hash algorithm for RSA-PKCS-PSS" default:"SHA256"`
}

// Run the command
func (a *SignCmd) Run(ctx *Cli) error {
	if a.Label == "" && a.ID == "" {
		return errors.Errorf("either --label or --id is required")
	}

	digest, err := hex.DecodeString(a.Digest)
	if err != nil {
		return errors.WithMessage(err, "invalid digest")
	}

	mech, ok := p11token.SignMechanisms[strings.ToUpper(a.Mech)]
	if !ok {
		return errors.Errorf("unsupported mechanism: %q", a.Mech)
	}

	m := pkcs11.NewMechanism(mech, nil)
	if mech == pkcs11.CKM_RSA_PKCS_PSS {
		h, ok := signHashNames[strings.ToUpper(a.Hash)]
		if !ok {
			return errors.Errorf("unsupported hash: %q", a.Hash)
		}
		hashAlg, mgf, err := p11token.DigestMechanism(h)
		if err != nil {
			return errors.WithStack(err)
		}
		m = pkcs11.NewMechanism(mech, pkcs11.NewPSSParams(hashAlg, mgf, uint(h.Size())))
	}

	sig, err := ctx.Module().Sign(a.Label, a.ID, []*pkcs11.Mechanism{m}, digest)
	if err != nil {
		return errors.WithMessagef(err, "failed to sign: label=%q, id=%q", a.Label, a.ID)
	}
	if mech == pkcs11.CKM_ECDSA {
		sig, err = sigutil.EncodeECDSAToDER(sig)
		if err != nil {
			return errors.WithStack(err)
		}
	}

	fmt.Fprintf(ctx.Writer(), "%x\n", sig)
	return nil
}
