// Package flagutil builds urfave/cli flags that can also be set from
// PEERMUX_ prefixed environment variables.
package flagutil

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/urfave/cli/v2"
)

const EnvPrefix = "PEERMUX"

var unsafeFlagName = regexp.MustCompile(`[^a-zA-Z0-9_]`)
var dedupUnder = regexp.MustCompile(`__+`)

// EnvVar returns the environment variable bound to a flag, data-dir becomes
// PEERMUX_DATA_DIR.
func EnvVar(name string) string {
	return fmt.Sprintf("%v_%v", EnvPrefix, strings.ToUpper(
		dedupUnder.ReplaceAllString(
			unsafeFlagName.ReplaceAllString(name, "_"),
			"_")))
}

func StringSlice(dest *cli.StringSlice, longName string, alias []string, usage string, required bool) *cli.StringSliceFlag {
	return &cli.StringSliceFlag{
		Name:        longName,
		Aliases:     alias,
		EnvVars:     []string{EnvVar(longName)},
		Usage:       usage,
		Required:    required,
		Destination: dest,
	}
}

func String(dest *string, longName string, alias []string, usage string, required bool) *cli.StringFlag {
	return &cli.StringFlag{
		Destination: dest,
		Value:       *dest,
		Name:        longName,
		Aliases:     alias,
		Usage:       usage,
		Required:    required,
		EnvVars:     []string{EnvVar(longName)},
	}
}

func Bool(dest *bool, longName string, alias []string, usage string) *cli.BoolFlag {
	return &cli.BoolFlag{
		Destination: dest,
		Value:       *dest,
		Name:        longName,
		Aliases:     alias,
		Usage:       usage,
		EnvVars:     []string{EnvVar(longName)},
	}
}

func Duration(dest *time.Duration, longName string, usage string) *cli.DurationFlag {
	return &cli.DurationFlag{
		Destination: dest,
		Value:       *dest,
		Name:        longName,
		Usage:       usage,
		EnvVars:     []string{EnvVar(longName)},
	}
}

func Int(dest *int, longName string, usage string) *cli.IntFlag {
	return &cli.IntFlag{
		Destination: dest,
		Value:       *dest,
		Name:        longName,
		Usage:       usage,
		EnvVars:     []string{EnvVar(longName)},
	}
}
