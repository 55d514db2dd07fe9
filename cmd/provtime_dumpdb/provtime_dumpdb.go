// Copyright (c) 2025 The provtime developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// provtime_dumpdb dumps a provtimed registry database in human readable or
// JSON journal form, and restores a JSON journal into a fresh registry.
// The daemon must not be running against the same database.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/decred/dcrd/dcrutil/v2"
	"github.com/provtime/provtime/provtimed/registry/leveldb"
)

var (
	defaultHomeDir = dcrutil.AppDataDir("provtimed", false)

	dataDir  = flag.String("d", filepath.Join(defaultHomeDir, "data", "registry"), "Registry database directory")
	dumpJSON = flag.Bool("json", false, "Dump as a restorable JSON journal instead of human readable text")
	restore  = flag.Bool("restore", false, "Restore a JSON journal into the registry")
	fileFlag = flag.String("f", "", "Journal file; defaults to stdout for dumps and stdin for restores")
)

func _main() error {
	flag.Parse()

	db, err := leveldb.New(*dataDir)
	if err != nil {
		return err
	}
	defer db.Close()

	if *restore {
		f := os.Stdin
		if *fileFlag != "" {
			f, err = os.Open(*fileFlag)
			if err != nil {
				return err
			}
			defer f.Close()
		}
		return db.Restore(f)
	}

	f := os.Stdout
	if *fileFlag != "" {
		f, err = os.Create(*fileFlag)
		if err != nil {
			return err
		}
		defer f.Close()
	}
	return db.Dump(f, !*dumpJSON)
}

func main() {
	err := _main()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}
