// Copyright (c) 2025 The provtime developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// provtime_checker independently re-verifies a provenance claim without
// trusting a provtimed instance.  It recomputes the digest locally, fetches
// the published record straight from a content store gateway and asks the
// anchor service itself whether the digest is anchored.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	v1 "github.com/provtime/provtime/api/v1"
	"github.com/provtime/provtime/provtimed/digest"
	"github.com/provtime/provtime/provtimed/ledger"
	"github.com/provtime/provtime/provtimed/publisher"
)

var (
	file       = flag.String("f", "", "Candidate file to recompute the digest from")
	digestFlag = flag.String("d", "", "Claimed SHA256 digest")
	cid        = flag.String("c", "", "Content identifier of the published record")
	gateway    = flag.String("gateway", "https://gateway.pinata.cloud/ipfs", "Content store gateway")
	ledgerHost = flag.String("ledger", "", "Anchor service base URL")
	verbose    = flag.Bool("v", false, "Verbose")
)

func _main() error {
	flag.Parse()

	if *file == "" && *digestFlag == "" {
		return fmt.Errorf("provide -f and/or -d")
	}
	if *cid == "" {
		return fmt.Errorf("provide -c; the checker does not consult a " +
			"provtimed registry")
	}
	if !v1.RegexpCID.MatchString(*cid) {
		return fmt.Errorf("invalid content identifier: %v", *cid)
	}
	if *digestFlag != "" && !v1.RegexpSHA256.MatchString(*digestFlag) {
		return fmt.Errorf("invalid digest: %v", *digestFlag)
	}

	ctx := context.Background()

	// Local digest, when a candidate file was provided.
	local := strings.ToLower(*digestFlag)
	if *file != "" {
		d, err := digest.File(*file)
		if err != nil {
			return fmt.Errorf("digest %v: %v", *file, err)
		}
		local = d.String()
		if *verbose {
			fmt.Printf("%-10v: %v\n", "Local", local)
		}
		if *digestFlag != "" && !strings.EqualFold(*digestFlag, local) {
			fmt.Printf("FAIL claimed digest does not match file\n")
			os.Exit(1)
		}
	}

	// Published record, straight from the gateway.
	pub := publisher.New(publisher.Config{GatewayURL: *gateway})
	rec, err := pub.Fetch(ctx, *cid)
	if err != nil {
		return fmt.Errorf("fetch %v: %v", *cid, err)
	}
	if *verbose {
		fmt.Printf("%-10v: %v\n", "Record", rec.Digest)
		fmt.Printf("%-10v: %v (%v)\n", "File", rec.FileName,
			rec.FileType)
		fmt.Printf("%-10v: %v\n", "Published", rec.Timestamp)
	}

	if !strings.EqualFold(rec.Digest, local) {
		fmt.Printf("FAIL published record does not match digest\n")
		fmt.Printf("  record: %v\n", rec.Digest)
		fmt.Printf("  local : %v\n", local)
		os.Exit(1)
	}

	// Anchor state, straight from the ledger.
	if *ledgerHost == "" {
		fmt.Printf("OK content matches; anchor not checked, " +
			"provide -ledger\n")
		return nil
	}
	ldg := ledger.New(ledger.Config{Host: *ledgerHost}, nil)
	status, err := ldg.DigestStatus(ctx, local)
	if err != nil {
		return fmt.Errorf("ledger: %v", err)
	}
	if !status.Anchored {
		fmt.Printf("FAIL digest is not anchored\n")
		os.Exit(1)
	}
	if *verbose {
		fmt.Printf("%-10v: %v\n", "Tx", status.Tx)
	}

	fmt.Printf("OK %v\n", local)

	return nil
}

func main() {
	err := _main()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}
