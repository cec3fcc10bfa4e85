// Command bridge-keytool generates and inspects the keys the bridge uses:
// the process master key, user keypairs and their bech32 forms.
package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

var app = &cli.App{
	Name:  "bridge-keytool",
	Usage: "key utilities for the nostr bridge",
	Commands: []*cli.Command{
		masterKey,
		generate,
		identity,
		decode,
		qr,
	},
}

func main() {
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
