// Package commonpaths resolves the default locations used by the CLI.
package commonpaths

import (
	"path/filepath"

	"github.com/mitchellh/go-homedir"
)

var (
	home string
)

func init() {
	var err error
	home, err = homedir.Dir()
	if err != nil {
		panic(err)
	}
}

// DefaultDataDir holds the node database.
func DefaultDataDir() string {
	return filepath.Join(home, ".peermux")
}

// Expand resolves a leading ~ in path.
func Expand(path string) (string, error) {
	return homedir.Expand(path)
}
