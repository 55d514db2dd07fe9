// Copyright (c) 2025 The provtime developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"os"

	"path/filepath"

	"github.com/decred/dcrd/dcrutil/v2"

	flags "github.com/jessevdk/go-flags"
)

const (
	defaultConfigFilename = "provtime.conf"
)

var (
	defaultHomeDir    = dcrutil.AppDataDir("provtime", false)
	defaultConfigFile = filepath.Join(defaultHomeDir, defaultConfigFilename)
)

// config defines the configuration options for provtime.
//
// See loadConfig for details on the configuration load process.
type config struct {
	OracleToken string `long:"oracletoken" description:"Capability token for oracle gated operations"`
}

// loadConfig initializes and parses the config using a config file
func loadConfig() (*config, error) {
	// Default config.
	cfg := config{
		OracleToken: "",
	}

	err := flags.IniParse(defaultConfigFile, &cfg)
	if err != nil {
		if _, ok := err.(*os.PathError); !ok {
			return nil, err
		}
	}

	err = initHomeDirectory(defaultHomeDir)
	if err != nil {
		return nil, err
	}

	return &cfg, nil
}

// initHomeDirectory creates the home directory if it doesn't already exist.
func initHomeDirectory(homeDir string) error {
	funcName := "initHomeDirectory"
	err := os.MkdirAll(homeDir, 0700)
	if err != nil {
		// Show a nicer error message if it's because a symlink is
		// linked to a directory that does not exist (probably because
		// it's not mounted).
		if e, ok := err.(*os.PathError); ok && os.IsExist(err) {
			if link, lerr := os.Readlink(e.Path); lerr == nil {
				str := "is symlink %s -> %s mounted?"
				err = fmt.Errorf(str, e.Path, link)
			}
		}

		str := "%s: Failed to create home directory: %v"
		err := fmt.Errorf(str, funcName, err)
		fmt.Fprintln(os.Stderr, err)
		return err
	}

	return nil
}
