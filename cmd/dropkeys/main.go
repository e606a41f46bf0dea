package main

import (
	"fmt"
	"log"
	"os"

	"github.com/urfave/cli/v2" // imports as package "cli"

	"github.com/dropmesh/dropmesh/cryptoutils"
)

func main() {
	app := &cli.App{
		Name:  "dropkeys",
		Usage: "Manage owner keypair files for dropnode",
		Commands: []*cli.Command{
			{
				Name:  "generate",
				Usage: "generate a new owner keypair file",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "out",
						Value: "owner.key.json",
						Usage: "path for the keypair file",
					},
					&cli.StringFlag{
						Name:    "passphrase",
						EnvVars: []string{"DROPMESH_KEY_PASSPHRASE"},
						Usage:   "passphrase encrypting the private key at rest",
					},
					&cli.BoolFlag{
						Name:  "force",
						Value: false,
						Usage: "overwrite an existing file",
					},
				},
				Action: generateKey,
			},
			{
				Name:  "show",
				Usage: "print the public key of a keypair file",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "key",
						Value: "owner.key.json",
						Usage: "path to the keypair file",
					},
				},
				Action: showKey,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func generateKey(cCtx *cli.Context) error {
	out := cCtx.String("out")
	passphrase := cCtx.String("passphrase")

	if _, err := os.Stat(out); err == nil && !cCtx.Bool("force") {
		return fmt.Errorf("%s already exists, use --force to overwrite", out)
	}

	pub, priv, err := cryptoutils.GenerateNodeKeypair()
	if err != nil {
		return err
	}
	if err := cryptoutils.SaveOwnerKey(out, pub, priv, []byte(passphrase)); err != nil {
		return err
	}

	fmt.Printf("public key: %s\n", pub.String())
	fmt.Printf("written to: %s\n", out)
	if passphrase == "" {
		fmt.Println("warning: private key stored unencrypted, pass --passphrase to protect it")
	}
	return nil
}

func showKey(cCtx *cli.Context) error {
	data, err := os.ReadFile(cCtx.String("key"))
	if err != nil {
		return err
	}
	// The public key is stored in the clear, no passphrase needed.
	pub, err := cryptoutils.PublicKeyFromFile(data)
	if err != nil {
		return err
	}
	fmt.Printf("public key: %s\n", pub.String())
	return nil
}
