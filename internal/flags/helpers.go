// Copyright 2025 The obscura-core Authors
// This file is part of the obscura-core library.
//
// The obscura-core library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The obscura-core library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the obscura-core library. If not, see <http://www.gnu.org/licenses/>.

// Package flags holds helpers for the daemon's command line surface.
package flags

import (
	"strings"

	"github.com/urfave/cli/v2"
)

// envPrefix is prepended to the upper-cased flag name to form its
// environment variable: --http.port becomes OBSCURAD_HTTP_PORT.
const envPrefix = "OBSCURAD"

// EnvVars derives the environment variable names for a flag name.
func EnvVars(name string) []string {
	sanitized := strings.NewReplacer(".", "_", "-", "_").Replace(strings.ToUpper(name))
	return []string{envPrefix + "_" + sanitized}
}

// Merge concatenates flag slices into one, for assembling command flag sets
// from groups.
func Merge(groups ...[]cli.Flag) []cli.Flag {
	var merged []cli.Flag
	for _, group := range groups {
		merged = append(merged, group...)
	}
	return merged
}

// CheckExclusive panics the CLI with a usage error when more than one of
// the given flags is set.
func CheckExclusive(ctx *cli.Context, flags ...cli.Flag) error {
	var set []string
	for _, flag := range flags {
		if ctx.IsSet(flag.Names()[0]) {
			set = append(set, "--"+flag.Names()[0])
		}
	}
	if len(set) > 1 {
		return cli.Exit("flags "+strings.Join(set, ", ")+" are mutually exclusive", 1)
	}
	return nil
}
