package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/alecthomas/kong"
	"github.com/effective-security/pkcs11sign/cmd/pkcs11sign-tool/cli"
	"github.com/effective-security/pkcs11sign/internal/version"
	"github.com/effective-security/x/ctl"
)

type app struct {
	cli.Cli

	Slots    cli.SlotsCmd    `cmd:"" help:"List slots and tokens"`
	Keys     cli.KeysCmd     `cmd:"" help:"List keys on the token"`
	Sign     cli.SignCmd     `cmd:"" help:"Sign a digest with a token key"`
	CtxCheck cli.CtxCheckCmd `cmd:"" name:"ctx-check" help:"Check provider initialization against a stub host"`
}

func main() {
	realMain(os.Args, os.Stdout, os.Stderr, os.Exit)
}

func realMain(args []string, out io.Writer, errout io.Writer, exit func(int)) {
	cl := app{
		Cli: cli.Cli{},
	}
	cl.Cli.WithErrWriter(errout).
		WithWriter(out)

	parser, err := kong.New(&cl,
		kong.Name("pkcs11sign-tool"),
		kong.Description("CLI tool for PKCS11 signing tokens"),
		kong.Writers(out, errout),
		kong.Exit(exit),
		ctl.BoolPtrMapper,
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
		kong.Vars{
			"version": version.Current().String(),
		})
	if err != nil {
		panic(err)
	}

	ctx, err := parser.Parse(args[1:])
	parser.FatalIfErrorf(err)

	if ctx != nil {
		if cl.Debug {
			// print the command line in debug mode
			_, _ = fmt.Fprintf(ctx.Stdout, "#\n# %s\n#\n", strings.Join(args, " "))
		}
		err = ctx.Run(&cl.Cli)
		ctx.FatalIfErrorf(err)
	}
}
