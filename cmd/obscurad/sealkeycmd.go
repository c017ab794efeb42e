// Copyright 2025 The obscura-core Authors
// This file is part of obscura-core.
//
// obscura-core is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// obscura-core is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with obscura-core. If not, see <http://www.gnu.org/licenses/>.

package main

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/obscura-network/obscura-core/sealer"
)

var sealkeyCommand = &cli.Command{
	Name:  "sealkey",
	Usage: "Manage the receipt signing key",
	Subcommands: []*cli.Command{
		{
			Name:      "new",
			Usage:     "Generate a fresh signing key seed file",
			ArgsUsage: "<path>",
			Action:    sealkeyNew,
		},
		{
			Name:      "inspect",
			Usage:     "Print the key id and public key of a seed file",
			ArgsUsage: "<path>",
			Action:    sealkeyInspect,
		},
	},
}

func sealkeyNew(ctx *cli.Context) error {
	if ctx.Args().Len() != 1 {
		return fmt.Errorf("usage: %s sealkey new <path>", clientIdentifier)
	}
	path := ctx.Args().First()
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("refusing to overwrite existing key file %s", path)
	}
	priv, err := sealer.Generate()
	if err != nil {
		return err
	}
	if err := sealer.SaveSeed(path, priv); err != nil {
		return err
	}
	pub := priv.Public().(ed25519.PublicKey)
	fmt.Println("key id:    ", sealer.KeyID(pub))
	fmt.Println("public key:", hex.EncodeToString(pub))
	fmt.Println("seed file: ", path)
	return nil
}

func sealkeyInspect(ctx *cli.Context) error {
	if ctx.Args().Len() != 1 {
		return fmt.Errorf("usage: %s sealkey inspect <path>", clientIdentifier)
	}
	priv, err := sealer.LoadSeed(ctx.Args().First())
	if err != nil {
		return err
	}
	pub := priv.Public().(ed25519.PublicKey)
	fmt.Println("key id:    ", sealer.KeyID(pub))
	fmt.Println("public key:", hex.EncodeToString(pub))
	return nil
}
